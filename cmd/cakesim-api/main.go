package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"cakesim/internal/api"
	"cakesim/internal/config"
	"cakesim/internal/db"
	"cakesim/internal/game"
	"cakesim/internal/refdata"
	"cakesim/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
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

	if cfg.StarterCash != "" {
		cash, err := decimal.NewFromString(cfg.StarterCash)
		if err != nil {
			logger.Error("invalid starter cash override", "value", cfg.StarterCash, "err", err)
			os.Exit(1)
		}
		game.DefaultStarterCash = cash
	}

	gameSvc := game.NewService(postgres.New(pool, logger), ref, logger)
	if cfg.StartupSeedTeams {
		seedTeams(ctx, logger, gameSvc)
	}

	server := api.New(cfg, logger, gameSvc)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("cakesim api listening", "addr", cfg.Addr, "cakes", len(ref.CakeNames), "channels", len(ref.ChannelNames))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func seedTeams(ctx context.Context, logger *slog.Logger, svc *game.Service) {
	for _, name := range []string{"Team Alpha", "Team Beta", "Team Gamma", "Team Delta"} {
		if _, err := svc.CreateTeam(ctx, name); err != nil {
			if errors.Is(err, game.ErrAlreadySubmitted) {
				continue
			}
			logger.Error("seed team failed", "team", name, "err", err)
			continue
		}
		logger.Info("seeded team", "team", name)
	}
}
