// Package memory is a mutex-guarded Store implementation used by tests and
// local development. Writes take the exclusive lock, so every method is
// atomic the way the contracts require.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"cakesim/internal/store"
)

type subKey struct {
	team  string
	round int
}

type Store struct {
	mu          sync.RWMutex
	teams       map[string]store.Team
	inventory   map[string]map[string]map[string]float64 // team -> category -> resource -> qty
	prices      map[subKey]store.PriceSubmission
	plans       map[subKey]store.ProductionPlan
	demands     map[subKey]store.DemandRecord
	investments map[string][]store.Investment
	round       store.RoundState
}

func New() *Store {
	return &Store{
		teams:       make(map[string]store.Team),
		inventory:   make(map[string]map[string]map[string]float64),
		prices:      make(map[subKey]store.PriceSubmission),
		plans:       make(map[subKey]store.ProductionPlan),
		demands:     make(map[subKey]store.DemandRecord),
		investments: make(map[string][]store.Investment),
		round:       store.RoundState{CurrentRound: 1},
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateTeam(_ context.Context, name string, starterCash decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[name]; ok {
		return store.ErrAlreadyExists
	}
	s.teams[name] = store.Team{
		Name:       name,
		Cash:       starterCash,
		TotalValue: starterCash,
	}
	return nil
}

func (s *Store) ListTeams(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.teams))
	for name := range s.teams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) GetTeam(_ context.Context, name string) (store.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[name]
	if !ok {
		return store.Team{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) GetTeamInventory(_ context.Context, team, category string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64)
	for resource, qty := range s.inventory[team][category] {
		out[resource] = qty
	}
	return out, nil
}

func (s *Store) ApplyInvestment(_ context.Context, inv store.Investment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[inv.Team]
	if !ok {
		return store.ErrNotFound
	}
	if t.Cash.LessThan(inv.Total) {
		return store.ErrInsufficientCash
	}
	t.Cash = t.Cash.Sub(inv.Total)
	t.StockValue = t.StockValue.Add(inv.Total)
	t.TotalValue = t.Cash.Add(t.StockValue)
	s.teams[inv.Team] = t

	for _, item := range inv.Items {
		s.addInventory(inv.Team, item.Category, item.Resource, item.Quantity)
	}
	s.investments[inv.Team] = append(s.investments[inv.Team], inv)
	return nil
}

func (s *Store) InvestmentsForTeam(_ context.Context, team string) ([]store.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Investment, len(s.investments[team]))
	copy(out, s.investments[team])
	sort.Slice(out, func(i, j int) bool { return out[i].Round > out[j].Round })
	return out, nil
}

func (s *Store) GetPriceSubmission(_ context.Context, team string, round int) (*store.PriceSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.prices[subKey{team, round}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copySubmission(sub)
	return &cp, nil
}

func (s *Store) LatestPriceSubmissionBefore(_ context.Context, team string, round int) (*store.PriceSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *store.PriceSubmission
	for key, sub := range s.prices {
		if key.team != team || key.round >= round {
			continue
		}
		if best == nil || sub.Round > best.Round {
			cp := copySubmission(sub)
			best = &cp
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) InsertPriceSubmission(_ context.Context, sub store.PriceSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subKey{sub.Team, sub.Round}
	if _, ok := s.prices[key]; ok {
		return store.ErrAlreadyExists
	}
	s.prices[key] = copySubmission(sub)
	return nil
}

func (s *Store) PriceSubmissionsForRound(_ context.Context, round int) ([]store.PriceSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PriceSubmission
	for key, sub := range s.prices {
		if key.round == round {
			out = append(out, copySubmission(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Team < out[j].Team })
	return out, nil
}

func (s *Store) PriceSubmissionsForTeam(_ context.Context, team string) ([]store.PriceSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PriceSubmission
	for key, sub := range s.prices {
		if key.team == team {
			out = append(out, copySubmission(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round > out[j].Round })
	return out, nil
}

func (s *Store) GetProductionPlan(_ context.Context, team string, round int) (*store.ProductionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[subKey{team, round}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copyPlan(plan)
	return &cp, nil
}

func (s *Store) InsertProductionPlan(_ context.Context, plan store.ProductionPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subKey{plan.Team, plan.Round}
	if _, ok := s.plans[key]; ok {
		return store.ErrAlreadyExists
	}
	s.plans[key] = copyPlan(plan)
	return nil
}

func (s *Store) ProductionPlansForRound(_ context.Context, round int) ([]store.ProductionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.ProductionPlan
	for key, plan := range s.plans {
		if key.round == round {
			out = append(out, copyPlan(plan))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Team < out[j].Team })
	return out, nil
}

func (s *Store) ProductionPlansForTeam(_ context.Context, team string) ([]store.ProductionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.ProductionPlan
	for key, plan := range s.plans {
		if key.team == team {
			out = append(out, copyPlan(plan))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round > out[j].Round })
	return out, nil
}

func (s *Store) UpdateProductionPlanProfit(_ context.Context, team string, round int, profit decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subKey{team, round}
	plan, ok := s.plans[key]
	if !ok {
		return store.ErrNotFound
	}
	plan.Profit = profit
	s.plans[key] = plan
	return nil
}

func (s *Store) GetDemandRecord(_ context.Context, team string, round int) (*store.DemandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.demands[subKey{team, round}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := rec
	cp.Lines = append([]store.DemandLine(nil), rec.Lines...)
	return &cp, nil
}

func (s *Store) InsertDemandRecord(_ context.Context, rec store.DemandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subKey{rec.Team, rec.Round}
	if _, ok := s.demands[key]; ok {
		return store.ErrAlreadyExists
	}
	rec.Lines = append([]store.DemandLine(nil), rec.Lines...)
	s.demands[key] = rec
	return nil
}

func (s *Store) RoundState(_ context.Context) (store.RoundState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round, nil
}

func (s *Store) SetRoundState(_ context.Context, state store.RoundState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round = state
	return nil
}

func (s *Store) ApplySettlement(_ context.Context, team string, set store.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[team]
	if !ok {
		return store.ErrNotFound
	}
	if t.LastFinalizedRound >= set.Round {
		return store.ErrRoundFinalized
	}
	t.Cash = t.Cash.Add(set.Profit)
	t.StockValue = t.StockValue.Sub(set.ResourceCost)
	if t.StockValue.IsNegative() {
		t.StockValue = decimal.Zero
	}
	t.TotalValue = t.Cash.Add(t.StockValue)
	t.LastProfit = set.Profit
	t.LastTransportCost = set.TransportCost
	t.LastResourceCost = set.ResourceCost
	t.LastPackagingCost = set.PackagingCost
	t.LastFinalizedRound = set.Round
	s.teams[team] = t

	for resource, qty := range set.IngredientUse {
		s.addInventory(team, store.CategoryIngredient, resource, -qty)
	}
	for resource, qty := range set.CapacityUse {
		s.addInventory(team, store.CategoryCapacity, resource, -qty)
	}
	return nil
}

func (s *Store) CarryForward(_ context.Context, team string, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[team]
	if !ok {
		return store.ErrNotFound
	}
	if t.LastFinalizedRound >= round {
		return store.ErrRoundFinalized
	}
	t.TotalValue = t.Cash.Add(t.StockValue)
	t.LastFinalizedRound = round
	s.teams[team] = t
	return nil
}

// addInventory assumes the write lock is held. Quantities never go negative.
func (s *Store) addInventory(team, category, resource string, delta float64) {
	if s.inventory[team] == nil {
		s.inventory[team] = make(map[string]map[string]float64)
	}
	if s.inventory[team][category] == nil {
		s.inventory[team][category] = make(map[string]float64)
	}
	next := s.inventory[team][category][resource] + delta
	if next < 0 {
		next = 0
	}
	s.inventory[team][category][resource] = next
}

func copySubmission(sub store.PriceSubmission) store.PriceSubmission {
	sub.Lines = append([]store.PriceLine(nil), sub.Lines...)
	return sub
}

func copyPlan(plan store.ProductionPlan) store.ProductionPlan {
	plan.Lines = append([]store.PlanLine(nil), plan.Lines...)
	required := make(map[string]float64, len(plan.Required))
	for k, v := range plan.Required {
		required[k] = v
	}
	plan.Required = required
	return plan
}
