package game

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"cakesim/internal/refdata"
	"cakesim/internal/store"
	"cakesim/internal/store/memory"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	return decimal.RequireFromString(s)
}

// testRef builds the reference tables the tests run on: two cakes, two
// channels, one price cap, and demand curves with round numbers that keep
// expected values exact.
func testRef(t *testing.T) *refdata.Data {
	t.Helper()
	return &refdata.Data{
		Ingredients: map[string]refdata.Ingredient{
			"flour": {Name: "Flour", Unit: "kg", UnitCost: dec(t, "0.10")},
			"sugar": {Name: "Sugar", Unit: "kg", UnitCost: dec(t, "0.20")},
		},
		Wages: map[string]decimal.Decimal{
			refdata.ResourcePrep:       dec(t, "12"),
			refdata.ResourceOven:       dec(t, "20"),
			refdata.ResourceOvenRental: dec(t, "8"),
			refdata.ResourcePackage:    dec(t, "10"),
		},
		Cakes: map[string]refdata.Cake{
			"Vanilla": {
				Name:               "Vanilla",
				BatchSizeUnits:     10,
				OvenMinPerBatch:    30,
				PrepMinPerUnit:     6,
				PackMinPerUnit:     3,
				PackagingCost:      dec(t, "0.50"),
				MinimumUnitsIfMade: 5,
			},
			"Chocolate": {
				Name:               "Chocolate",
				BatchSizeUnits:     5,
				OvenMinPerBatch:    40,
				PrepMinPerUnit:     9,
				PackMinPerUnit:     3,
				PackagingCost:      dec(t, "0.75"),
				MinimumUnitsIfMade: 5,
			},
		},
		CakeNames: []string{"Vanilla", "Chocolate"},
		Recipes: map[string]map[string]float64{
			"vanilla":   {"flour": 0.2, "sugar": 0.1},
			"chocolate": {"flour": 0.25, "sugar": 0.15},
		},
		Channels: map[string]refdata.Channel{
			"Bakery": {Name: "Bakery", TransportCost: dec(t, "1")},
			"Online": {Name: "Online", TransportCost: dec(t, "2")},
		},
		ChannelNames: []string{"Bakery", "Online"},
		PriceCaps: map[refdata.MarketKey]decimal.Decimal{
			{Channel: "Bakery", Cake: "Vanilla"}: dec(t, "25"),
		},
		DemandCurves: map[refdata.MarketKey]refdata.DemandParams{
			{Channel: "Bakery", Cake: "Vanilla"}:   {Alpha: 100, Beta: 2, Gamma: 0.5},
			{Channel: "Online", Cake: "Vanilla"}:   {Alpha: 80, Beta: 1.5, Gamma: 0.4},
			{Channel: "Bakery", Cake: "Chocolate"}: {Alpha: 90, Beta: 2, Gamma: 0.6},
		},
	}
}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, testRef(t), logger), st
}

// stockTeam creates a team with enough ingredients and capacity for the
// plans the tests submit.
func stockTeam(t *testing.T, svc *Service, name string) {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.CreateTeam(ctx, name); err != nil {
		t.Fatalf("CreateTeam(%s): %v", name, err)
	}
	_, err := svc.Invest(ctx, name,
		map[string]float64{"flour": 20, "sugar": 10},
		map[string]float64{"prep": 10, "oven": 3, "oven rental": 3, "package": 3},
	)
	if err != nil {
		t.Fatalf("Invest(%s): %v", name, err)
	}
}

func TestCreateTeamValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateTeam(ctx, "x"); err == nil {
		t.Fatal("one-letter name accepted")
	}
	if _, err := svc.CreateTeam(ctx, "bad;name"); err == nil {
		t.Fatal("name with semicolon accepted")
	}
	team, err := svc.CreateTeam(ctx, "Crumb Collective")
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if !team.Cash.Equal(DefaultStarterCash) {
		t.Fatalf("starter cash = %s, want %s", team.Cash, DefaultStarterCash)
	}
	if !team.TotalValue.Equal(DefaultStarterCash) {
		t.Fatalf("total value = %s, want %s", team.TotalValue, DefaultStarterCash)
	}
}

func TestSubmitPricesClampsToCap(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateTeam(ctx, "alpha"); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}

	sub, err := svc.SubmitPrices(ctx, "alpha", 1, []PriceInput{
		{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "30")},
		{Cake: "Vanilla", Channel: "Online", Price: dec(t, "18")},
		{Cake: "Chocolate", Channel: "Bakery", Price: dec(t, "0")},
	}, "req-1")
	if err != nil {
		t.Fatalf("SubmitPrices: %v", err)
	}
	if len(sub.Lines) != 2 {
		t.Fatalf("lines = %d, want 2 (zero price dropped): %+v", len(sub.Lines), sub.Lines)
	}
	if !sub.Lines[0].Price.Equal(dec(t, "25")) {
		t.Fatalf("capped price = %s, want 25", sub.Lines[0].Price)
	}
	if !sub.Lines[0].TransportCost.Equal(dec(t, "1")) {
		t.Fatalf("transport = %s, want 1", sub.Lines[0].TransportCost)
	}
	// Uncapped pair passes through untouched.
	if !sub.Lines[1].Price.Equal(dec(t, "18")) {
		t.Fatalf("uncapped price = %s, want 18", sub.Lines[1].Price)
	}
}

func TestSubmitPricesDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateTeam(ctx, "alpha"); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	inputs := []PriceInput{{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "20")}}

	first, err := svc.SubmitPrices(ctx, "alpha", 1, inputs, "req-1")
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// Same request id is a retry: the stored row comes back.
	again, err := svc.SubmitPrices(ctx, "alpha", 1, inputs, "req-1")
	if err != nil {
		t.Fatalf("retry with same request id: %v", err)
	}
	if !again.SubmittedAt.Equal(first.SubmittedAt) {
		t.Fatalf("retry returned a different row: %v vs %v", again.SubmittedAt, first.SubmittedAt)
	}

	// A different request id is a genuine second submission.
	if _, err := svc.SubmitPrices(ctx, "alpha", 1, inputs, "req-2"); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("second submit err = %v, want ErrAlreadySubmitted", err)
	}
}

func TestSubmitPricesRoundGuards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateTeam(ctx, "alpha"); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	inputs := []PriceInput{{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "20")}}

	if _, err := svc.SubmitPrices(ctx, "alpha", 2, inputs, ""); !errors.Is(err, ErrWrongRound) {
		t.Fatalf("future round err = %v, want ErrWrongRound", err)
	}
	if _, err := svc.SetLocked(ctx, true); err != nil {
		t.Fatalf("SetLocked: %v", err)
	}
	if _, err := svc.SubmitPrices(ctx, "alpha", 1, inputs, ""); !errors.Is(err, ErrLocked) {
		t.Fatalf("locked err = %v, want ErrLocked", err)
	}
	// Advancing the round reopens submissions.
	state, err := svc.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}
	if state.CurrentRound != 2 || state.Locked {
		t.Fatalf("state after advance = %+v", state)
	}
	if _, err := svc.SubmitPrices(ctx, "alpha", 2, inputs, ""); err != nil {
		t.Fatalf("submit after advance: %v", err)
	}
}

func TestSubmitPlanRequiresPrices(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	stockTeam(t, svc, "alpha")

	_, err := svc.SubmitPlan(ctx, "alpha", 1, []store.PlanLine{
		{Cake: "Vanilla", Channel: "Bakery", Quantity: 10},
	}, "")
	if !errors.Is(err, ErrPricesRequired) {
		t.Fatalf("plan without prices err = %v, want ErrPricesRequired", err)
	}
}

func TestSubmitPlanFeasibilityRejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateTeam(ctx, "alpha"); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if _, err := svc.SubmitPrices(ctx, "alpha", 1, []PriceInput{
		{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "20")},
	}, ""); err != nil {
		t.Fatalf("SubmitPrices: %v", err)
	}

	// No capacity purchased at all.
	_, err := svc.SubmitPlan(ctx, "alpha", 1, []store.PlanLine{
		{Cake: "Vanilla", Channel: "Bakery", Quantity: 10},
	}, "")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("no capacity err = %v, want ErrCapacityExceeded", err)
	}

	if _, err := svc.Invest(ctx, "alpha", nil,
		map[string]float64{"prep": 10, "oven": 3, "oven rental": 3, "package": 3}); err != nil {
		t.Fatalf("Invest capacity: %v", err)
	}
	_, err = svc.SubmitPlan(ctx, "alpha", 1, []store.PlanLine{
		{Cake: "Vanilla", Channel: "Bakery", Quantity: 10},
	}, "")
	if !errors.Is(err, ErrInsufficientIngredients) {
		t.Fatalf("no ingredients err = %v, want ErrInsufficientIngredients", err)
	}

	if _, err := svc.Invest(ctx, "alpha", map[string]float64{"flour": 20, "sugar": 10}, nil); err != nil {
		t.Fatalf("Invest ingredients: %v", err)
	}
	_, err = svc.SubmitPlan(ctx, "alpha", 1, []store.PlanLine{
		{Cake: "Vanilla", Channel: "Bakery", Quantity: 1},
	}, "")
	if !errors.Is(err, ErrMinimumBatch) {
		t.Fatalf("tiny plan err = %v, want ErrMinimumBatch", err)
	}

	plan, err := svc.SubmitPlan(ctx, "alpha", 1, []store.PlanLine{
		{Cake: "Vanilla", Channel: "Bakery", Quantity: 10},
	}, "")
	if err != nil {
		t.Fatalf("feasible plan rejected: %v", err)
	}
	// Expected profit before settlement is revenue net of transport:
	// demand 60, sold 10, (20-1)*10.
	if !plan.Profit.Equal(dec(t, "190")) {
		t.Fatalf("expected profit = %s, want 190", plan.Profit)
	}
	if plan.Required[refdata.ResourceOven] != 0.5 {
		t.Fatalf("oven hours snapshot = %v, want 0.5", plan.Required[refdata.ResourceOven])
	}
}

func TestPreviewMatchesStoredDemand(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateTeam(ctx, "alpha"); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	inputs := []PriceInput{
		{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "20")},
		{Cake: "Vanilla", Channel: "Online", Price: dec(t, "18")},
	}

	preview, err := svc.PreviewDemand(ctx, 1, inputs)
	if err != nil {
		t.Fatalf("PreviewDemand: %v", err)
	}
	if _, err := svc.SubmitPrices(ctx, "alpha", 1, inputs, ""); err != nil {
		t.Fatalf("SubmitPrices: %v", err)
	}
	rec, err := svc.store.GetDemandRecord(ctx, "alpha", 1)
	if err != nil {
		t.Fatalf("GetDemandRecord: %v", err)
	}

	if len(preview) != len(rec.Lines) {
		t.Fatalf("preview has %d lines, record %d", len(preview), len(rec.Lines))
	}
	for i, p := range preview {
		if rec.Lines[i].Units != p.Units {
			t.Fatalf("line %d: preview %d units, record %d", i, p.Units, rec.Lines[i].Units)
		}
	}
}

func TestInvest(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateTeam(ctx, "alpha"); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}

	inv, err := svc.Invest(ctx, "alpha", map[string]float64{"flour": 100}, nil)
	if err != nil {
		t.Fatalf("Invest: %v", err)
	}
	if !inv.Total.Equal(dec(t, "10")) {
		t.Fatalf("total = %s, want 10", inv.Total)
	}

	team, err := svc.Team(ctx, "alpha")
	if err != nil {
		t.Fatalf("Team: %v", err)
	}
	if !team.Cash.Equal(dec(t, "24990")) {
		t.Fatalf("cash = %s, want 24990", team.Cash)
	}
	if !team.StockValue.Equal(dec(t, "10")) {
		t.Fatalf("stock = %s, want 10", team.StockValue)
	}
	if !team.TotalValue.Equal(DefaultStarterCash) {
		t.Fatalf("total value changed on investment: %s", team.TotalValue)
	}

	stock, err := svc.Inventory(ctx, "alpha", store.CategoryIngredient)
	if err != nil {
		t.Fatalf("Inventory: %v", err)
	}
	if stock["flour"] != 100 {
		t.Fatalf("flour = %v, want 100", stock["flour"])
	}

	if _, err := svc.Invest(ctx, "alpha", map[string]float64{"saffron": 1}, nil); !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("unknown ingredient err = %v, want ErrUnknownResource", err)
	}
	if _, err := svc.Invest(ctx, "alpha", map[string]float64{"flour": 1e9}, nil); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overspend err = %v, want ErrInsufficientFunds", err)
	}
}

func TestLeaderboardOrder(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if _, err := svc.CreateTeam(ctx, name); err != nil {
			t.Fatalf("CreateTeam(%s): %v", name, err)
		}
	}
	if err := st.ApplySettlement(ctx, "beta", store.Settlement{Round: 1, Profit: dec(t, "500")}); err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	board, err := svc.Leaderboard(ctx)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(board) != 3 || board[0].Name != "beta" {
		t.Fatalf("leaderboard = %+v, want beta first", board)
	}
}
