package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cakesim/internal/refdata"
	"cakesim/internal/store"
)

// Service owns the round state machine and every submission path. Ledger
// balances are only ever written through the finalizer and the investment
// operation, both of which commit through single atomic store calls.
type Service struct {
	store store.Store
	ref   *refdata.Data
	log   *slog.Logger
}

func NewService(st store.Store, ref *refdata.Data, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, ref: ref, log: logger}
}

// PriceInput is one price as a team submits it, before caps are applied.
type PriceInput struct {
	Cake    string          `json:"cake"`
	Channel string          `json:"channel"`
	Price   decimal.Decimal `json:"price_usd"`
}

// DemandPreview mirrors one settlement demand computation for display.
type DemandPreview struct {
	Cake          string          `json:"cake"`
	Channel       string          `json:"channel"`
	Price         decimal.Decimal `json:"price_usd"`
	CompetitorAvg decimal.Decimal `json:"competitor_avg_usd"`
	Units         int             `json:"demand"`
}

func (s *Service) RoundState(ctx context.Context) (store.RoundState, error) {
	return s.store.RoundState(ctx)
}

// AdvanceRound moves the game to the next round and reopens submissions.
func (s *Service) AdvanceRound(ctx context.Context) (store.RoundState, error) {
	state, err := s.store.RoundState(ctx)
	if err != nil {
		return store.RoundState{}, err
	}
	state.CurrentRound++
	state.Locked = false
	if err := s.store.SetRoundState(ctx, state); err != nil {
		return store.RoundState{}, err
	}
	s.log.Info("round advanced", "round", state.CurrentRound)
	return state, nil
}

func (s *Service) SetLocked(ctx context.Context, locked bool) (store.RoundState, error) {
	state, err := s.store.RoundState(ctx)
	if err != nil {
		return store.RoundState{}, err
	}
	state.Locked = locked
	if err := s.store.SetRoundState(ctx, state); err != nil {
		return store.RoundState{}, err
	}
	return state, nil
}

func (s *Service) CreateTeam(ctx context.Context, name string) (store.Team, error) {
	name = strings.TrimSpace(name)
	if err := ValidateTeamName(name); err != nil {
		return store.Team{}, err
	}
	if err := s.store.CreateTeam(ctx, name, DefaultStarterCash); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return store.Team{}, fmt.Errorf("%w: team %q", ErrAlreadySubmitted, name)
		}
		return store.Team{}, err
	}
	return s.Team(ctx, name)
}

func (s *Service) Team(ctx context.Context, name string) (store.Team, error) {
	t, err := s.store.GetTeam(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return store.Team{}, ErrTeamNotFound
	}
	return t, err
}

func (s *Service) Inventory(ctx context.Context, team, category string) (map[string]float64, error) {
	if _, err := s.Team(ctx, team); err != nil {
		return nil, err
	}
	return s.store.GetTeamInventory(ctx, team, category)
}

// SubmitPrices accepts a team's final prices for the current round. Prices
// above a channel cap are reduced to the cap; non-positive prices are
// dropped. Exactly one submission per (team, round) is stored; a retry
// carrying the same request id gets the stored record back instead of a
// duplicate error. The round's demand record is computed and stored in the
// same call, from the previous round's production-restricted competitor
// averages.
func (s *Service) SubmitPrices(ctx context.Context, team string, round int, inputs []PriceInput, requestID string) (store.PriceSubmission, error) {
	if err := s.checkOpen(ctx, round, true); err != nil {
		return store.PriceSubmission{}, err
	}
	if _, err := s.Team(ctx, team); err != nil {
		return store.PriceSubmission{}, err
	}

	lines, err := s.cleanPrices(inputs)
	if err != nil {
		return store.PriceSubmission{}, err
	}
	if len(lines) == 0 {
		return store.PriceSubmission{}, ErrEmptySubmission
	}

	sub := store.PriceSubmission{
		Team:        team,
		Round:       round,
		Lines:       lines,
		Finalized:   true,
		RequestID:   requestID,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.store.InsertPriceSubmission(ctx, sub); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			if prev, getErr := s.store.GetPriceSubmission(ctx, team, round); getErr == nil &&
				requestID != "" && prev.RequestID == requestID {
				return *prev, nil
			}
			return store.PriceSubmission{}, fmt.Errorf("%w: prices for round %d", ErrAlreadySubmitted, round)
		}
		return store.PriceSubmission{}, err
	}

	if err := s.recordDemand(ctx, team, round, lines); err != nil {
		// The price row is already committed; a demand write failure is a
		// defect to surface, not a reason to unwind the submission.
		s.log.Error("demand record write failed", "team", team, "round", round, "err", err)
	}
	s.log.Info("prices submitted", "team", team, "round", round, "lines", len(lines))
	return sub, nil
}

// PreviewDemand computes expected demand for candidate prices without
// persisting anything. It shares the settlement code path, so a preview and
// the final settlement agree given the same price and competitor average.
func (s *Service) PreviewDemand(ctx context.Context, round int, inputs []PriceInput) ([]DemandPreview, error) {
	lines, err := s.cleanPrices(inputs)
	if err != nil {
		return nil, err
	}
	averages, err := s.priorAverages(ctx, round)
	if err != nil {
		return nil, err
	}
	out := make([]DemandPreview, 0, len(lines))
	for _, line := range lines {
		key := refdata.MarketKey{Channel: line.Channel, Cake: line.Cake}
		params, ok := s.ref.DemandCurves[key]
		if !ok {
			continue
		}
		avg := averages[key]
		out = append(out, DemandPreview{
			Cake:          line.Cake,
			Channel:       line.Channel,
			Price:         line.Price,
			CompetitorAvg: avg,
			Units:         DemandUnits(round, params, line.Price, avg),
		})
	}
	return out, nil
}

// SubmitPlan validates a production plan against the team's stock and this
// round's prices and demand, then stores it with its required-resource
// snapshot and expected profit. Infeasible plans are rejected with the
// specific failing check.
func (s *Service) SubmitPlan(ctx context.Context, team string, round int, lines []store.PlanLine, requestID string) (store.ProductionPlan, error) {
	// Teams may still file plans for earlier rounds they skipped; only
	// future rounds are closed.
	if err := s.checkOpen(ctx, round, false); err != nil {
		return store.ProductionPlan{}, err
	}
	if _, err := s.Team(ctx, team); err != nil {
		return store.ProductionPlan{}, err
	}

	clean := make([]store.PlanLine, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		if _, ok := s.ref.Channels[line.Channel]; !ok {
			return store.ProductionPlan{}, fmt.Errorf("%w: %q", ErrUnknownChannel, line.Channel)
		}
		clean = append(clean, line)
	}
	if len(clean) == 0 {
		return store.ProductionPlan{}, ErrEmptySubmission
	}

	prices, err := s.store.GetPriceSubmission(ctx, team, round)
	if errors.Is(err, store.ErrNotFound) {
		return store.ProductionPlan{}, ErrPricesRequired
	}
	if err != nil {
		return store.ProductionPlan{}, err
	}
	demand, err := s.store.GetDemandRecord(ctx, team, round)
	if errors.Is(err, store.ErrNotFound) {
		return store.ProductionPlan{}, ErrPricesRequired
	}
	if err != nil {
		return store.ProductionPlan{}, err
	}

	ingredientStock, err := s.store.GetTeamInventory(ctx, team, store.CategoryIngredient)
	if err != nil {
		return store.ProductionPlan{}, err
	}
	capacityStock, err := s.store.GetTeamInventory(ctx, team, store.CategoryCapacity)
	if err != nil {
		return store.ProductionPlan{}, err
	}

	feas := EvaluatePlan(clean, s.ref, ingredientStock, capacityStock)
	if len(feas.UnknownCakes) > 0 {
		return store.ProductionPlan{}, fmt.Errorf("%w: %s", ErrUnknownCake, strings.Join(feas.UnknownCakes, ", "))
	}
	if !feas.CapacityOK {
		return store.ProductionPlan{}, fmt.Errorf("%w: plan needs more resource hours than purchased", ErrCapacityExceeded)
	}
	if !feas.IngredientsOK {
		return store.ProductionPlan{}, fmt.Errorf("%w: plan needs more ingredients than in stock", ErrInsufficientIngredients)
	}
	if !feas.BatchOK {
		v := feas.BatchViolations[0]
		return store.ProductionPlan{}, fmt.Errorf("%w: %s planned %d, minimum %d", ErrMinimumBatch, v.Cake, v.Quantity, v.Minimum)
	}

	plan := store.ProductionPlan{
		Team:        team,
		Round:       round,
		Lines:       clean,
		Required:    feas.ResourceNeeds,
		Profit:      s.expectedProfit(clean, prices.Lines, demand.Lines),
		RequestID:   requestID,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.store.InsertProductionPlan(ctx, plan); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			if prev, getErr := s.store.GetProductionPlan(ctx, team, round); getErr == nil &&
				requestID != "" && prev.RequestID == requestID {
				return *prev, nil
			}
			return store.ProductionPlan{}, fmt.Errorf("%w: plan for round %d", ErrAlreadySubmitted, round)
		}
		return store.ProductionPlan{}, err
	}
	s.log.Info("plan submitted", "team", team, "round", round, "expected_profit", plan.Profit)
	return plan, nil
}

// Invest buys ingredients and capacity hours: cash down, inventory and
// stock value up, all in one store transaction.
func (s *Service) Invest(ctx context.Context, team string, ingredients, capacity map[string]float64) (store.Investment, error) {
	state, err := s.store.RoundState(ctx)
	if err != nil {
		return store.Investment{}, err
	}
	if state.Locked {
		return store.Investment{}, ErrLocked
	}
	if _, err := s.Team(ctx, team); err != nil {
		return store.Investment{}, err
	}

	var items []store.InvestmentItem
	total := decimal.Zero
	for resource, qty := range ingredients {
		if qty <= 0 {
			continue
		}
		ing, ok := s.ref.Ingredients[strings.ToLower(resource)]
		if !ok {
			return store.Investment{}, fmt.Errorf("%w: ingredient %q", ErrUnknownResource, resource)
		}
		subtotal := ing.UnitCost.Mul(decimal.NewFromFloat(qty))
		items = append(items, store.InvestmentItem{
			Category: store.CategoryIngredient,
			Resource: strings.ToLower(ing.Name),
			Quantity: qty,
			UnitCost: ing.UnitCost,
			Subtotal: subtotal,
		})
		total = total.Add(subtotal)
	}
	for resource, qty := range capacity {
		if qty <= 0 {
			continue
		}
		rate, ok := s.ref.Wages[strings.ToLower(resource)]
		if !ok {
			return store.Investment{}, fmt.Errorf("%w: capacity %q", ErrUnknownResource, resource)
		}
		subtotal := rate.Mul(decimal.NewFromFloat(qty))
		items = append(items, store.InvestmentItem{
			Category: store.CategoryCapacity,
			Resource: strings.ToLower(resource),
			Quantity: qty,
			UnitCost: rate,
			Subtotal: subtotal,
		})
		total = total.Add(subtotal)
	}
	if len(items) == 0 {
		return store.Investment{}, ErrEmptySubmission
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].Resource < items[j].Resource
	})

	inv := store.Investment{
		Team:  team,
		Round: state.CurrentRound,
		Items: items,
		Total: total,
		TxID:  uuid.NewString(),
		At:    time.Now().UTC(),
	}
	if err := s.store.ApplyInvestment(ctx, inv); err != nil {
		if errors.Is(err, store.ErrInsufficientCash) {
			return store.Investment{}, fmt.Errorf("%w: investment costs %s", ErrInsufficientFunds, total)
		}
		return store.Investment{}, err
	}
	s.log.Info("investment applied", "team", team, "round", inv.Round, "total", total)
	return inv, nil
}

// Leaderboard lists all teams ordered by total value, highest first.
func (s *Service) Leaderboard(ctx context.Context) ([]store.Team, error) {
	names, err := s.store.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	teams := make([]store.Team, 0, len(names))
	for _, name := range names {
		t, err := s.store.GetTeam(ctx, name)
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	sort.SliceStable(teams, func(i, j int) bool {
		return teams[i].TotalValue.GreaterThan(teams[j].TotalValue)
	})
	return teams, nil
}

// PriceHistory returns a team's manual submissions, newest first.
// Auto-filled carry-forwards are system rows and are excluded.
func (s *Service) PriceHistory(ctx context.Context, team string) ([]store.PriceSubmission, error) {
	if _, err := s.Team(ctx, team); err != nil {
		return nil, err
	}
	subs, err := s.store.PriceSubmissionsForTeam(ctx, team)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, sub := range subs {
		if !sub.AutoFilled {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Service) PlanHistory(ctx context.Context, team string) ([]store.ProductionPlan, error) {
	if _, err := s.Team(ctx, team); err != nil {
		return nil, err
	}
	return s.store.ProductionPlansForTeam(ctx, team)
}

func (s *Service) Investments(ctx context.Context, team string) ([]store.Investment, error) {
	if _, err := s.Team(ctx, team); err != nil {
		return nil, err
	}
	return s.store.InvestmentsForTeam(ctx, team)
}

// checkOpen verifies the round state precondition shared by submission
// paths. With exact set, only the current round is accepted; otherwise any
// round up to the current one is.
func (s *Service) checkOpen(ctx context.Context, round int, exact bool) error {
	state, err := s.store.RoundState(ctx)
	if err != nil {
		return err
	}
	if state.Locked {
		return ErrLocked
	}
	if round < 1 || round > state.CurrentRound || (exact && round != state.CurrentRound) {
		return fmt.Errorf("%w: round %d, current %d", ErrWrongRound, round, state.CurrentRound)
	}
	return nil
}

// cleanPrices validates cakes and channels, clamps into [0, cap] and drops
// non-positive prices.
func (s *Service) cleanPrices(inputs []PriceInput) ([]store.PriceLine, error) {
	lines := make([]store.PriceLine, 0, len(inputs))
	for _, in := range inputs {
		if _, ok := s.ref.Cakes[in.Cake]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCake, in.Cake)
		}
		ch, ok := s.ref.Channels[in.Channel]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, in.Channel)
		}
		price := in.Price
		if cap, ok := s.ref.PriceCap(in.Channel, in.Cake); ok && price.GreaterThan(cap) {
			price = cap
		}
		if !price.IsPositive() {
			continue
		}
		lines = append(lines, store.PriceLine{
			Cake:          in.Cake,
			Channel:       in.Channel,
			Price:         price,
			TransportCost: ch.TransportCost,
		})
	}
	return lines, nil
}

// recordDemand derives and stores the round's demand record for a price
// submission. Pairs without demand parameters are left out.
func (s *Service) recordDemand(ctx context.Context, team string, round int, lines []store.PriceLine) error {
	averages, err := s.priorAverages(ctx, round)
	if err != nil {
		return err
	}
	rec := store.DemandRecord{Team: team, Round: round}
	for _, line := range lines {
		key := refdata.MarketKey{Channel: line.Channel, Cake: line.Cake}
		params, ok := s.ref.DemandCurves[key]
		if !ok {
			continue
		}
		rec.Lines = append(rec.Lines, store.DemandLine{
			Cake:    line.Cake,
			Channel: line.Channel,
			Units:   DemandUnits(round, params, line.Price, averages[key]),
		})
	}
	err = s.store.InsertDemandRecord(ctx, rec)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	return err
}

// priorAverages is the pre-submission competitor snapshot: the previous
// round's prices restricted to cakes their teams actually produced then.
func (s *Service) priorAverages(ctx context.Context, round int) (MarketAverages, error) {
	if round <= 1 {
		return MarketAverages{}, nil
	}
	plans, err := s.store.ProductionPlansForRound(ctx, round-1)
	if err != nil {
		return nil, err
	}
	subs, err := s.store.PriceSubmissionsForRound(ctx, round-1)
	if err != nil {
		return nil, err
	}
	return CompetitorAverages(plans, subs), nil
}

// expectedProfit computes the plan's profit preview from the stored demand
// record: sold = min(quantity, demand), revenue net of transport.
func (s *Service) expectedProfit(lines []store.PlanLine, prices []store.PriceLine, demand []store.DemandLine) decimal.Decimal {
	priceBy := make(map[refdata.MarketKey]store.PriceLine, len(prices))
	for _, p := range prices {
		priceBy[refdata.MarketKey{Channel: p.Channel, Cake: p.Cake}] = p
	}
	demandBy := make(map[refdata.MarketKey]int, len(demand))
	for _, d := range demand {
		demandBy[refdata.MarketKey{Channel: d.Channel, Cake: d.Cake}] = d.Units
	}

	total := decimal.Zero
	for _, line := range lines {
		key := refdata.MarketKey{Channel: line.Channel, Cake: line.Cake}
		sold := line.Quantity
		if units := demandBy[key]; units < sold {
			sold = units
		}
		if sold <= 0 {
			continue
		}
		p := priceBy[key]
		soldDec := decimal.NewFromInt(int64(sold))
		total = total.Add(p.Price.Mul(soldDec)).Sub(p.TransportCost.Mul(soldDec))
	}
	return total
}
