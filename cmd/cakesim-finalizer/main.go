package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cakesim/internal/config"
	"cakesim/internal/db"
	"cakesim/internal/game"
	"cakesim/internal/refdata"
	"cakesim/internal/store/postgres"
)

// The finalizer runs as a one-shot job per round by default. Polling mode
// exists for deployments that keep it resident and finalize whatever the
// current round is when submissions lock.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFinalizerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ref, err := refdata.Load(cfg.DataDir)
	if err != nil {
		logger.Error("reference data load failed", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	svc := game.NewService(postgres.New(pool, logger), ref, logger)

	if cfg.RunOnce {
		round := cfg.Round
		if round == 0 {
			state, err := svc.RoundState(ctx)
			if err != nil {
				logger.Error("round state read failed", "err", err)
				os.Exit(1)
			}
			round = state.CurrentRound
		}
		res, err := svc.FinalizeRound(ctx, round)
		if err != nil {
			if errors.Is(err, game.ErrRoundFinalized) {
				logger.Info("round already finalized", "round", round)
				return
			}
			logger.Error("finalize failed", "round", round, "err", err)
			os.Exit(1)
		}
		logger.Info("finalize run-once completed",
			"round", res.Round,
			"settled", len(res.Settled),
			"carried_forward", len(res.CarriedForward))
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	logger.Info("finalizer started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("finalizer shutdown")
			return
		case <-ticker.C:
			state, err := svc.RoundState(ctx)
			if err != nil {
				logger.Error("round state read failed", "err", err)
				continue
			}
			if !state.Locked {
				continue
			}
			res, err := svc.FinalizeRound(ctx, state.CurrentRound)
			if err != nil {
				if errors.Is(err, game.ErrRoundFinalized) {
					continue
				}
				logger.Error("finalize failed", "round", state.CurrentRound, "err", err)
				continue
			}
			logger.Info("round finalized",
				"round", res.Round,
				"settled", len(res.Settled),
				"carried_forward", len(res.CarriedForward))
		}
	}
}
