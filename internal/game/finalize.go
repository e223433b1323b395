package game

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cakesim/internal/refdata"
	"cakesim/internal/store"
)

// FinalizeResult reports what one finalizer pass did. A team appears in
// exactly one of the three lists, or in none when an earlier pass already
// settled it.
type FinalizeResult struct {
	Round          int      `json:"round"`
	Settled        []string `json:"settled"`
	CarriedForward []string `json:"carried_forward"`
	AutoFilled     []string `json:"auto_filled"`
	Elapsed        string   `json:"elapsed"`
}

// FinalizeRound settles a round for every team: missing prices are filled
// from each team's latest earlier submission, competitor averages are frozen
// once, teams with plans are settled concurrently, and teams without plans
// are carried forward. The pass is safe to re-run after a crash; each team's
// ledger commit refuses to apply twice, and a round where every team is
// already settled fails with ErrRoundFinalized.
func (s *Service) FinalizeRound(ctx context.Context, round int) (*FinalizeResult, error) {
	if round < 1 {
		return nil, fmt.Errorf("%w: round %d", ErrWrongRound, round)
	}
	started := time.Now()

	names, err := s.store.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	teams := make(map[string]store.Team, len(names))
	pending := 0
	for _, name := range names {
		t, err := s.store.GetTeam(ctx, name)
		if err != nil {
			return nil, err
		}
		teams[name] = t
		if t.LastFinalizedRound < round {
			pending++
		}
	}
	if len(names) > 0 && pending == 0 {
		return nil, fmt.Errorf("%w: round %d", ErrRoundFinalized, round)
	}

	res := &FinalizeResult{Round: round}

	for _, name := range names {
		filled, err := s.autoFillPrices(ctx, name, round)
		if err != nil {
			return nil, fmt.Errorf("auto-fill prices for %s: %w", name, err)
		}
		if filled {
			res.AutoFilled = append(res.AutoFilled, name)
		}
	}

	// Competitor averages are computed once, after auto-fill, so every team
	// settles against the same snapshot regardless of settlement order.
	subs, err := s.store.PriceSubmissionsForRound(ctx, round)
	if err != nil {
		return nil, err
	}
	plans, err := s.store.ProductionPlansForRound(ctx, round)
	if err != nil {
		return nil, err
	}
	averages := CompetitorAverages(plans, subs)

	priceBook := make(map[string]map[refdata.MarketKey]store.PriceLine, len(subs))
	for _, sub := range subs {
		byKey := make(map[refdata.MarketKey]store.PriceLine, len(sub.Lines))
		for _, line := range sub.Lines {
			byKey[refdata.MarketKey{Channel: line.Channel, Cake: line.Cake}] = line
		}
		priceBook[sub.Team] = byKey
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		planned = make(map[string]bool, len(plans))
	)
	for _, plan := range plans {
		planned[plan.Team] = true
		if t, ok := teams[plan.Team]; !ok || t.LastFinalizedRound >= round {
			continue
		}
		wg.Add(1)
		go func(plan store.ProductionPlan) {
			defer wg.Done()
			if err := s.settleTeam(ctx, round, plan, priceBook[plan.Team], averages); err != nil {
				if errors.Is(err, store.ErrRoundFinalized) {
					return
				}
				s.log.Error("settlement failed", "team", plan.Team, "round", round, "err", err)
				return
			}
			mu.Lock()
			res.Settled = append(res.Settled, plan.Team)
			mu.Unlock()
		}(plan)
	}
	wg.Wait()

	for _, name := range names {
		t := teams[name]
		if planned[name] || t.LastFinalizedRound >= round {
			continue
		}
		if err := s.store.CarryForward(ctx, name, round); err != nil {
			if errors.Is(err, store.ErrRoundFinalized) {
				continue
			}
			s.log.Error("carry-forward failed", "team", name, "round", round, "err", err)
			continue
		}
		res.CarriedForward = append(res.CarriedForward, name)
	}

	sort.Strings(res.Settled)
	sort.Strings(res.CarriedForward)
	sort.Strings(res.AutoFilled)
	res.Elapsed = time.Since(started).String()
	s.log.Info("round finalized",
		"round", round,
		"settled", len(res.Settled),
		"carried_forward", len(res.CarriedForward),
		"auto_filled", len(res.AutoFilled),
		"elapsed", res.Elapsed)
	return res, nil
}

// autoFillPrices stores a system copy of the team's latest earlier price
// submission when the team skipped this round. A team with no history at all
// gets an empty finalized row so the round is still accounted for. Returns
// whether a row was filled.
func (s *Service) autoFillPrices(ctx context.Context, team string, round int) (bool, error) {
	_, err := s.store.GetPriceSubmission(ctx, team, round)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	sub := store.PriceSubmission{
		Team:        team,
		Round:       round,
		Finalized:   true,
		AutoFilled:  true,
		SubmittedAt: time.Now().UTC(),
	}
	prev, err := s.store.LatestPriceSubmissionBefore(ctx, team, round)
	switch {
	case err == nil:
		sub.Lines = append([]store.PriceLine(nil), prev.Lines...)
		sub.CopiedFromRound = prev.Round
	case errors.Is(err, store.ErrNotFound):
		// first round for a team that never priced anything
	default:
		return false, err
	}

	if err := s.store.InsertPriceSubmission(ctx, sub); err != nil {
		// A concurrent pass filled it first; that row wins.
		if errors.Is(err, store.ErrAlreadyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// settleTeam computes and commits one team's round result. A plan line the
// team never priced sells at zero while still incurring transport and
// packaging; lines with no demand curve are skipped and logged.
func (s *Service) settleTeam(ctx context.Context, round int, plan store.ProductionPlan, prices map[refdata.MarketKey]store.PriceLine, averages MarketAverages) error {
	ingredientCost := decimal.Zero
	ingredientUse := make(map[string]float64)
	perCake := make(map[string]int)
	for _, line := range plan.Lines {
		perCake[line.Cake] += line.Quantity
	}
	for cake, qty := range perCake {
		recipe, ok := s.ref.Recipe(cake)
		if !ok {
			s.log.Warn("no recipe for planned cake", "team", plan.Team, "cake", cake)
			continue
		}
		for ingredient, perUnit := range recipe {
			use := perUnit * float64(qty)
			ingredientUse[ingredient] += use
			if ing, ok := s.ref.Ingredients[ingredient]; ok {
				ingredientCost = ingredientCost.Add(ing.UnitCost.Mul(decimal.NewFromFloat(use)))
			}
		}
	}

	resourceCost := decimal.Zero
	for resource, hours := range plan.Required {
		rate, ok := s.ref.Wages[strings.ToLower(resource)]
		if !ok {
			s.log.Warn("no wage rate for resource", "team", plan.Team, "resource", resource)
			continue
		}
		resourceCost = resourceCost.Add(rate.Mul(decimal.NewFromFloat(hours)))
	}

	revenue := decimal.Zero
	transportCost := decimal.Zero
	packagingCost := decimal.Zero
	for _, line := range plan.Lines {
		key := refdata.MarketKey{Channel: line.Channel, Cake: line.Cake}
		params, ok := s.ref.DemandCurves[key]
		if !ok {
			s.log.Warn("planned line without demand parameters", "team", plan.Team, "cake", line.Cake, "channel", line.Channel)
			continue
		}
		unitPrice := decimal.Zero
		unitTransport := decimal.Zero
		if price, ok := prices[key]; ok {
			unitPrice = price.Price
			unitTransport = price.TransportCost
		} else {
			s.log.Warn("planned line without a price, selling at zero", "team", plan.Team, "cake", line.Cake, "channel", line.Channel)
			if ch, ok := s.ref.Channels[line.Channel]; ok {
				unitTransport = ch.TransportCost
			}
		}
		sold := line.Quantity
		if units := DemandUnits(round, params, unitPrice, averages[key]); units < sold {
			sold = units
		}
		if sold <= 0 {
			continue
		}
		soldDec := decimal.NewFromInt(int64(sold))
		revenue = revenue.Add(unitPrice.Mul(soldDec))
		transportCost = transportCost.Add(unitTransport.Mul(soldDec))
		if cake, ok := s.ref.Cakes[line.Cake]; ok {
			packagingCost = packagingCost.Add(cake.PackagingCost.Mul(soldDec))
		}
	}

	// Ingredient and capacity spend was already paid for out of stock value
	// when the team invested, so the cash side of the ledger only sees the
	// selling costs.
	profit := revenue.Sub(transportCost).Sub(packagingCost)

	capacityUse := make(map[string]float64, len(plan.Required))
	for resource, hours := range plan.Required {
		capacityUse[strings.ToLower(resource)] = hours
	}

	settlement := store.Settlement{
		Round:         round,
		Profit:        profit,
		TransportCost: transportCost,
		ResourceCost:  resourceCost.Add(ingredientCost),
		PackagingCost: packagingCost,
		IngredientUse: ingredientUse,
		CapacityUse:   capacityUse,
	}
	if err := s.store.ApplySettlement(ctx, plan.Team, settlement); err != nil {
		return err
	}
	if err := s.store.UpdateProductionPlanProfit(ctx, plan.Team, round, profit); err != nil {
		// Profit on the plan row is display data; the ledger already holds
		// the authoritative result.
		s.log.Error("plan profit write-back failed", "team", plan.Team, "round", round, "err", err)
	}
	return nil
}
