// Package postgres implements the store contracts over Postgres via pgx.
// Insert guards use ON CONFLICT DO NOTHING with a RowsAffected check, and
// ledger commits run in a transaction with row locks, so duplicate submits
// and duplicate finalize triggers resolve to a typed error instead of a
// double-apply.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"cakesim/internal/store"
)

type Store struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateTeam(ctx context.Context, name string, starterCash decimal.Decimal) error {
	cmd, err := s.db.Exec(ctx, `
		INSERT INTO game.teams (team_name, cash, stock_value, total_value)
		VALUES ($1, $2, 0, $2)
		ON CONFLICT (team_name) DO NOTHING
	`, name, starterCash)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) ListTeams(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT team_name FROM game.teams ORDER BY team_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) GetTeam(ctx context.Context, name string) (store.Team, error) {
	var t store.Team
	err := s.db.QueryRow(ctx, `
		SELECT team_name, cash, stock_value, total_value, last_finalized_round,
		       last_profit, last_transport_cost, last_resource_cost, last_packaging_cost
		FROM game.teams
		WHERE team_name = $1
	`, name).Scan(&t.Name, &t.Cash, &t.StockValue, &t.TotalValue, &t.LastFinalizedRound,
		&t.LastProfit, &t.LastTransportCost, &t.LastResourceCost, &t.LastPackagingCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Team{}, store.ErrNotFound
	}
	return t, err
}

func (s *Store) GetTeamInventory(ctx context.Context, team, category string) (map[string]float64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT resource_name, quantity
		FROM game.inventory
		WHERE team_name = $1 AND category = $2
	`, team, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var resource string
		var qty float64
		if err := rows.Scan(&resource, &qty); err != nil {
			return nil, err
		}
		out[resource] = qty
	}
	return out, rows.Err()
}

func (s *Store) ApplyInvestment(ctx context.Context, inv store.Investment) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var cash, stock decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT cash, stock_value
		FROM game.teams
		WHERE team_name = $1
		FOR UPDATE
	`, inv.Team).Scan(&cash, &stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if cash.LessThan(inv.Total) {
		return store.ErrInsufficientCash
	}

	cash = cash.Sub(inv.Total)
	stock = stock.Add(inv.Total)
	if _, err := tx.Exec(ctx, `
		UPDATE game.teams
		SET cash = $1, stock_value = $2, total_value = $1 + $2, updated_at = now()
		WHERE team_name = $3
	`, cash, stock, inv.Team); err != nil {
		return err
	}

	for _, item := range inv.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO game.inventory (team_name, category, resource_name, quantity)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (team_name, category, resource_name)
			DO UPDATE SET quantity = game.inventory.quantity + EXCLUDED.quantity
		`, inv.Team, item.Category, item.Resource, item.Quantity); err != nil {
			return err
		}
	}

	items, err := encodeJSON(inv.Items)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO game.investments (tx_id, team_name, round_number, items, total)
		VALUES ($1, $2, $3, $4, $5)
	`, inv.TxID, inv.Team, inv.Round, items, inv.Total); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) InvestmentsForTeam(ctx context.Context, team string) ([]store.Investment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tx_id, round_number, items, total, created_at
		FROM game.investments
		WHERE team_name = $1
		ORDER BY round_number DESC, id DESC
	`, team)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Investment
	for rows.Next() {
		inv := store.Investment{Team: team}
		var raw []byte
		if err := rows.Scan(&inv.TxID, &inv.Round, &raw, &inv.Total, &inv.At); err != nil {
			return nil, err
		}
		if err := decodeJSON(raw, &inv.Items); err != nil {
			s.log.Error("corrupt investment payload", "team", team, "tx_id", inv.TxID, "err", err)
			inv.Items = nil
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) GetPriceSubmission(ctx context.Context, team string, round int) (*store.PriceSubmission, error) {
	return s.scanPriceSubmission(s.db.QueryRow(ctx, `
		SELECT team_name, round_number, lines, finalized, auto_filled,
		       COALESCE(copied_from_round, 0), COALESCE(request_id, ''), submitted_at
		FROM game.prices
		WHERE team_name = $1 AND round_number = $2
	`, team, round))
}

func (s *Store) LatestPriceSubmissionBefore(ctx context.Context, team string, round int) (*store.PriceSubmission, error) {
	return s.scanPriceSubmission(s.db.QueryRow(ctx, `
		SELECT team_name, round_number, lines, finalized, auto_filled,
		       COALESCE(copied_from_round, 0), COALESCE(request_id, ''), submitted_at
		FROM game.prices
		WHERE team_name = $1 AND round_number < $2
		ORDER BY round_number DESC
		LIMIT 1
	`, team, round))
}

func (s *Store) InsertPriceSubmission(ctx context.Context, sub store.PriceSubmission) error {
	lines, err := store.EncodePriceLines(sub.Lines)
	if err != nil {
		return err
	}
	var copiedFrom *int
	if sub.CopiedFromRound > 0 {
		copiedFrom = &sub.CopiedFromRound
	}
	cmd, err := s.db.Exec(ctx, `
		INSERT INTO game.prices (team_name, round_number, lines, finalized, auto_filled, copied_from_round, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		ON CONFLICT (team_name, round_number) DO NOTHING
	`, sub.Team, sub.Round, lines, sub.Finalized, sub.AutoFilled, copiedFrom, sub.RequestID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) PriceSubmissionsForRound(ctx context.Context, round int) ([]store.PriceSubmission, error) {
	return s.queryPriceSubmissions(ctx, `
		SELECT team_name, round_number, lines, finalized, auto_filled,
		       COALESCE(copied_from_round, 0), COALESCE(request_id, ''), submitted_at
		FROM game.prices
		WHERE round_number = $1
		ORDER BY team_name
	`, round)
}

func (s *Store) PriceSubmissionsForTeam(ctx context.Context, team string) ([]store.PriceSubmission, error) {
	return s.queryPriceSubmissions(ctx, `
		SELECT team_name, round_number, lines, finalized, auto_filled,
		       COALESCE(copied_from_round, 0), COALESCE(request_id, ''), submitted_at
		FROM game.prices
		WHERE team_name = $1
		ORDER BY round_number DESC
	`, team)
}

func (s *Store) GetProductionPlan(ctx context.Context, team string, round int) (*store.ProductionPlan, error) {
	return s.scanPlan(s.db.QueryRow(ctx, `
		SELECT team_name, round_number, lines, required, profit, COALESCE(request_id, ''), submitted_at
		FROM game.production_plans
		WHERE team_name = $1 AND round_number = $2
	`, team, round))
}

func (s *Store) InsertProductionPlan(ctx context.Context, plan store.ProductionPlan) error {
	lines, err := store.EncodePlanLines(plan.Lines)
	if err != nil {
		return err
	}
	required, err := store.EncodeRequired(plan.Required)
	if err != nil {
		return err
	}
	cmd, err := s.db.Exec(ctx, `
		INSERT INTO game.production_plans (team_name, round_number, lines, required, profit, request_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (team_name, round_number) DO NOTHING
	`, plan.Team, plan.Round, lines, required, plan.Profit, plan.RequestID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) ProductionPlansForRound(ctx context.Context, round int) ([]store.ProductionPlan, error) {
	return s.queryPlans(ctx, `
		SELECT team_name, round_number, lines, required, profit, COALESCE(request_id, ''), submitted_at
		FROM game.production_plans
		WHERE round_number = $1
		ORDER BY team_name
	`, round)
}

func (s *Store) ProductionPlansForTeam(ctx context.Context, team string) ([]store.ProductionPlan, error) {
	return s.queryPlans(ctx, `
		SELECT team_name, round_number, lines, required, profit, COALESCE(request_id, ''), submitted_at
		FROM game.production_plans
		WHERE team_name = $1
		ORDER BY round_number DESC
	`, team)
}

func (s *Store) UpdateProductionPlanProfit(ctx context.Context, team string, round int, profit decimal.Decimal) error {
	cmd, err := s.db.Exec(ctx, `
		UPDATE game.production_plans
		SET profit = $1
		WHERE team_name = $2 AND round_number = $3
	`, profit, team, round)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetDemandRecord(ctx context.Context, team string, round int) (*store.DemandRecord, error) {
	rec := store.DemandRecord{}
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT team_name, round_number, lines
		FROM game.demands
		WHERE team_name = $1 AND round_number = $2
	`, team, round).Scan(&rec.Team, &rec.Round, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Lines, err = store.DecodeDemandLines(raw)
	if err != nil {
		s.log.Error("corrupt demand payload", "team", team, "round", round, "err", err)
	}
	return &rec, nil
}

func (s *Store) InsertDemandRecord(ctx context.Context, rec store.DemandRecord) error {
	lines, err := store.EncodeDemandLines(rec.Lines)
	if err != nil {
		return err
	}
	cmd, err := s.db.Exec(ctx, `
		INSERT INTO game.demands (team_name, round_number, lines)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_name, round_number) DO NOTHING
	`, rec.Team, rec.Round, lines)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) RoundState(ctx context.Context) (store.RoundState, error) {
	var st store.RoundState
	err := s.db.QueryRow(ctx, `
		SELECT current_round, locked FROM game.round_state WHERE id = 1
	`).Scan(&st.CurrentRound, &st.Locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.RoundState{CurrentRound: 1}, nil
	}
	return st, err
}

func (s *Store) SetRoundState(ctx context.Context, state store.RoundState) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO game.round_state (id, current_round, locked)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET current_round = $1, locked = $2, updated_at = now()
	`, state.CurrentRound, state.Locked)
	return err
}

func (s *Store) ApplySettlement(ctx context.Context, team string, set store.Settlement) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var lastRound int
	var cash, stock decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT last_finalized_round, cash, stock_value
		FROM game.teams
		WHERE team_name = $1
		FOR UPDATE
	`, team).Scan(&lastRound, &cash, &stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if lastRound >= set.Round {
		return store.ErrRoundFinalized
	}

	cash = cash.Add(set.Profit)
	stock = stock.Sub(set.ResourceCost)
	if stock.IsNegative() {
		stock = decimal.Zero
	}
	if _, err := tx.Exec(ctx, `
		UPDATE game.teams
		SET cash = $1,
		    stock_value = $2,
		    total_value = $1 + $2,
		    last_profit = $3,
		    last_transport_cost = $4,
		    last_resource_cost = $5,
		    last_packaging_cost = $6,
		    last_finalized_round = $7,
		    updated_at = now()
		WHERE team_name = $8
	`, cash, stock, set.Profit, set.TransportCost, set.ResourceCost, set.PackagingCost, set.Round, team); err != nil {
		return err
	}

	if err := consumeInventory(ctx, tx, team, store.CategoryIngredient, set.IngredientUse); err != nil {
		return err
	}
	if err := consumeInventory(ctx, tx, team, store.CategoryCapacity, set.CapacityUse); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CarryForward(ctx context.Context, team string, round int) error {
	cmd, err := s.db.Exec(ctx, `
		UPDATE game.teams
		SET total_value = cash + stock_value,
		    last_finalized_round = $1,
		    updated_at = now()
		WHERE team_name = $2 AND last_finalized_round < $1
	`, round, team)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := s.GetTeam(ctx, team); err != nil {
			return err
		}
		return store.ErrRoundFinalized
	}
	return nil
}

func consumeInventory(ctx context.Context, tx pgx.Tx, team, category string, use map[string]float64) error {
	for resource, qty := range use {
		if qty <= 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE game.inventory
			SET quantity = GREATEST(quantity - $1, 0)
			WHERE team_name = $2 AND category = $3 AND resource_name = $4
		`, qty, team, category, resource); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanPriceSubmission(row rowScanner) (*store.PriceSubmission, error) {
	var sub store.PriceSubmission
	var raw []byte
	err := row.Scan(&sub.Team, &sub.Round, &raw, &sub.Finalized, &sub.AutoFilled,
		&sub.CopiedFromRound, &sub.RequestID, &sub.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Lines, err = store.DecodePriceLines(raw)
	if err != nil {
		// Treated as an empty submission rather than failing the run.
		s.log.Error("corrupt price payload", "team", sub.Team, "round", sub.Round, "err", err)
	}
	return &sub, nil
}

func (s *Store) queryPriceSubmissions(ctx context.Context, query string, args ...any) ([]store.PriceSubmission, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.PriceSubmission
	for rows.Next() {
		sub, err := s.scanPriceSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *Store) scanPlan(row rowScanner) (*store.ProductionPlan, error) {
	var plan store.ProductionPlan
	var rawLines, rawRequired []byte
	err := row.Scan(&plan.Team, &plan.Round, &rawLines, &rawRequired, &plan.Profit,
		&plan.RequestID, &plan.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	plan.Lines, err = store.DecodePlanLines(rawLines)
	if err != nil {
		s.log.Error("corrupt plan payload", "team", plan.Team, "round", plan.Round, "err", err)
	}
	plan.Required, err = store.DecodeRequired(rawRequired)
	if err != nil {
		s.log.Error("corrupt resource snapshot", "team", plan.Team, "round", plan.Round, "err", err)
	}
	return &plan, nil
}

func (s *Store) queryPlans(ctx context.Context, query string, args ...any) ([]store.ProductionPlan, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ProductionPlan
	for rows.Next() {
		plan, err := s.scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *plan)
	}
	return out, rows.Err()
}

func encodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
