package game

import (
	"context"
	"errors"
	"testing"

	"cakesim/internal/store"
)

// Settles one round with a producing team and an idle team, checking every
// ledger figure against hand-computed values.
func TestFinalizeRoundSettlesLedger(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	stockTeam(t, svc, "alpha")
	if _, err := svc.CreateTeam(ctx, "idle"); err != nil {
		t.Fatalf("CreateTeam(idle): %v", err)
	}

	if _, err := svc.SubmitPrices(ctx, "alpha", 1, []PriceInput{
		{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "20")},
	}, ""); err != nil {
		t.Fatalf("SubmitPrices: %v", err)
	}
	if _, err := svc.SubmitPlan(ctx, "alpha", 1, []store.PlanLine{
		{Cake: "Vanilla", Channel: "Bakery", Quantity: 50},
	}, ""); err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}

	res, err := svc.FinalizeRound(ctx, 1)
	if err != nil {
		t.Fatalf("FinalizeRound: %v", err)
	}
	if len(res.Settled) != 1 || res.Settled[0] != "alpha" {
		t.Fatalf("settled = %v, want [alpha]", res.Settled)
	}
	if len(res.CarriedForward) != 1 || res.CarriedForward[0] != "idle" {
		t.Fatalf("carried forward = %v, want [idle]", res.CarriedForward)
	}
	// The idle team never priced anything, so it gets an empty system row.
	if len(res.AutoFilled) != 1 || res.AutoFilled[0] != "idle" {
		t.Fatalf("auto filled = %v, want [idle]", res.AutoFilled)
	}

	// Hand-computed round for alpha:
	//   investment: capacity 234 + ingredients 4, cash 24762, stock 238
	//   demand 100-2*20=60, sold 50
	//   revenue 1000, transport 50, packaging 25
	//   profit 1000-50-25 = 925 (cash side)
	//   resource cost against stock: flour 10*0.10 + sugar 5*0.20 = 2,
	//   plus prep 5h*12 + oven 2.5h*20 + rental 2.5h*8 + package 2.5h*10 = 155
	alpha, err := svc.Team(ctx, "alpha")
	if err != nil {
		t.Fatalf("Team(alpha): %v", err)
	}
	if !alpha.Cash.Equal(dec(t, "25687")) {
		t.Fatalf("cash = %s, want 25687", alpha.Cash)
	}
	if !alpha.StockValue.Equal(dec(t, "81")) {
		t.Fatalf("stock value = %s, want 81", alpha.StockValue)
	}
	if !alpha.TotalValue.Equal(dec(t, "25768")) {
		t.Fatalf("total value = %s, want 25768", alpha.TotalValue)
	}
	if !alpha.LastProfit.Equal(dec(t, "925")) {
		t.Fatalf("last profit = %s, want 925", alpha.LastProfit)
	}
	if !alpha.LastTransportCost.Equal(dec(t, "50")) {
		t.Fatalf("last transport = %s, want 50", alpha.LastTransportCost)
	}
	if !alpha.LastResourceCost.Equal(dec(t, "157")) {
		t.Fatalf("last resource cost = %s, want 157", alpha.LastResourceCost)
	}
	if !alpha.LastPackagingCost.Equal(dec(t, "25")) {
		t.Fatalf("last packaging = %s, want 25", alpha.LastPackagingCost)
	}
	if alpha.LastFinalizedRound != 1 {
		t.Fatalf("last finalized round = %d, want 1", alpha.LastFinalizedRound)
	}

	// Settlement writes its result back onto the plan row.
	plan, err := svc.store.GetProductionPlan(ctx, "alpha", 1)
	if err != nil {
		t.Fatalf("GetProductionPlan: %v", err)
	}
	if !plan.Profit.Equal(dec(t, "925")) {
		t.Fatalf("plan profit = %s, want 925", plan.Profit)
	}

	// Inventory consumed: flour 20-10, sugar 10-5, oven 3-2.5.
	ingredients, _ := svc.Inventory(ctx, "alpha", store.CategoryIngredient)
	if ingredients["flour"] != 10 || ingredients["sugar"] != 5 {
		t.Fatalf("ingredients after settle = %v", ingredients)
	}
	capacity, _ := svc.Inventory(ctx, "alpha", store.CategoryCapacity)
	if capacity["oven"] != 0.5 || capacity["prep"] != 5 {
		t.Fatalf("capacity after settle = %v", capacity)
	}

	// Carried-forward team is untouched except its round marker.
	idle, err := svc.Team(ctx, "idle")
	if err != nil {
		t.Fatalf("Team(idle): %v", err)
	}
	if !idle.Cash.Equal(DefaultStarterCash) || idle.LastFinalizedRound != 1 {
		t.Fatalf("idle after carry-forward = %+v", idle)
	}
}

// A plan line the team never priced still settles: it sells at a zero
// price and the transport and packaging on the units moved are charged.
func TestFinalizeRoundUnpricedLineSellsAtZero(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	stockTeam(t, svc, "alpha")
	if _, err := svc.SubmitPrices(ctx, "alpha", 1, []PriceInput{
		{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "20")},
	}, ""); err != nil {
		t.Fatalf("SubmitPrices: %v", err)
	}
	// The Online line was never priced but is still planned.
	if _, err := svc.SubmitPlan(ctx, "alpha", 1, []store.PlanLine{
		{Cake: "Vanilla", Channel: "Bakery", Quantity: 50},
		{Cake: "Vanilla", Channel: "Online", Quantity: 10},
	}, ""); err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}

	if _, err := svc.FinalizeRound(ctx, 1); err != nil {
		t.Fatalf("FinalizeRound: %v", err)
	}

	// Bakery: demand 60, sold 50, 1000 - 50 - 25 = 925.
	// Online at price 0: demand floor(80 - 1.5*0) = 80, sold 10,
	// 0 - 10*2 - 10*0.50 = -25. Total 900.
	plan, err := svc.store.GetProductionPlan(ctx, "alpha", 1)
	if err != nil {
		t.Fatalf("GetProductionPlan: %v", err)
	}
	if !plan.Profit.Equal(dec(t, "900")) {
		t.Fatalf("plan profit = %s, want 900", plan.Profit)
	}
	alpha, err := svc.Team(ctx, "alpha")
	if err != nil {
		t.Fatalf("Team: %v", err)
	}
	if !alpha.LastTransportCost.Equal(dec(t, "70")) {
		t.Fatalf("last transport = %s, want 70", alpha.LastTransportCost)
	}
	if !alpha.LastPackagingCost.Equal(dec(t, "30")) {
		t.Fatalf("last packaging = %s, want 30", alpha.LastPackagingCost)
	}
	if !alpha.LastProfit.Equal(dec(t, "900")) {
		t.Fatalf("last profit = %s, want 900", alpha.LastProfit)
	}
}

func TestFinalizeRoundIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	stockTeam(t, svc, "alpha")
	if _, err := svc.SubmitPrices(ctx, "alpha", 1, []PriceInput{
		{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "20")},
	}, ""); err != nil {
		t.Fatalf("SubmitPrices: %v", err)
	}
	if _, err := svc.SubmitPlan(ctx, "alpha", 1, []store.PlanLine{
		{Cake: "Vanilla", Channel: "Bakery", Quantity: 50},
	}, ""); err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}

	if _, err := svc.FinalizeRound(ctx, 1); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	before, err := svc.Team(ctx, "alpha")
	if err != nil {
		t.Fatalf("Team: %v", err)
	}

	if _, err := svc.FinalizeRound(ctx, 1); !errors.Is(err, ErrRoundFinalized) {
		t.Fatalf("second finalize err = %v, want ErrRoundFinalized", err)
	}

	after, err := svc.Team(ctx, "alpha")
	if err != nil {
		t.Fatalf("Team: %v", err)
	}
	if !after.Cash.Equal(before.Cash) || !after.TotalValue.Equal(before.TotalValue) {
		t.Fatalf("re-run changed the ledger: %s -> %s", before.Cash, after.Cash)
	}
}

// A crashed pass that settled some teams must be resumable: the re-run
// settles only the remaining ones and never double-applies profit.
func TestFinalizeRoundResumesPartialPass(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	stockTeam(t, svc, "alpha")
	stockTeam(t, svc, "beta")
	for _, team := range []string{"alpha", "beta"} {
		if _, err := svc.SubmitPrices(ctx, team, 1, []PriceInput{
			{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "20")},
		}, ""); err != nil {
			t.Fatalf("SubmitPrices(%s): %v", team, err)
		}
		if _, err := svc.SubmitPlan(ctx, team, 1, []store.PlanLine{
			{Cake: "Vanilla", Channel: "Bakery", Quantity: 50},
		}, ""); err != nil {
			t.Fatalf("SubmitPlan(%s): %v", team, err)
		}
	}

	// Simulate a pass that died after settling alpha.
	if err := st.ApplySettlement(ctx, "alpha", store.Settlement{Round: 1, Profit: dec(t, "925")}); err != nil {
		t.Fatalf("pre-settle alpha: %v", err)
	}
	alphaBefore, _ := svc.Team(ctx, "alpha")

	res, err := svc.FinalizeRound(ctx, 1)
	if err != nil {
		t.Fatalf("resume finalize: %v", err)
	}
	if len(res.Settled) != 1 || res.Settled[0] != "beta" {
		t.Fatalf("resumed settled = %v, want [beta]", res.Settled)
	}

	alphaAfter, _ := svc.Team(ctx, "alpha")
	if !alphaAfter.Cash.Equal(alphaBefore.Cash) {
		t.Fatalf("alpha cash changed on resume: %s -> %s", alphaBefore.Cash, alphaAfter.Cash)
	}
	beta, _ := svc.Team(ctx, "beta")
	if beta.LastFinalizedRound != 1 {
		t.Fatalf("beta not settled on resume: %+v", beta)
	}
}

// A team that priced in round 1 and then went quiet gets its prices copied
// forward when a later round is finalized, marked as system rows.
func TestFinalizeRoundAutoFillsPrices(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	stockTeam(t, svc, "alpha")
	if _, err := svc.SubmitPrices(ctx, "alpha", 1, []PriceInput{
		{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "20")},
	}, ""); err != nil {
		t.Fatalf("SubmitPrices: %v", err)
	}
	if _, err := svc.FinalizeRound(ctx, 1); err != nil {
		t.Fatalf("finalize round 1: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.AdvanceRound(ctx); err != nil {
			t.Fatalf("AdvanceRound: %v", err)
		}
	}
	if _, err := svc.FinalizeRound(ctx, 2); err != nil {
		t.Fatalf("finalize round 2: %v", err)
	}

	res, err := svc.FinalizeRound(ctx, 3)
	if err != nil {
		t.Fatalf("finalize round 3: %v", err)
	}
	if len(res.AutoFilled) != 1 || res.AutoFilled[0] != "alpha" {
		t.Fatalf("auto filled = %v, want [alpha]", res.AutoFilled)
	}

	sub, err := svc.store.GetPriceSubmission(ctx, "alpha", 3)
	if err != nil {
		t.Fatalf("GetPriceSubmission: %v", err)
	}
	if !sub.AutoFilled || !sub.Finalized {
		t.Fatalf("filled row flags = %+v", sub)
	}
	// Round 2's row is itself a copy of round 1, so round 3 copies from 2.
	if sub.CopiedFromRound != 2 {
		t.Fatalf("copied from round = %d, want 2", sub.CopiedFromRound)
	}
	if len(sub.Lines) != 1 || !sub.Lines[0].Price.Equal(dec(t, "20")) {
		t.Fatalf("copied lines = %+v", sub.Lines)
	}

	// System rows stay out of the team's visible history.
	history, err := svc.PriceHistory(ctx, "alpha")
	if err != nil {
		t.Fatalf("PriceHistory: %v", err)
	}
	if len(history) != 1 || history[0].Round != 1 {
		t.Fatalf("history = %+v, want only round 1", history)
	}
}

// Competitor averages at settlement come from the finalized round itself,
// restricted to producers, and move demand the way the curve says.
func TestFinalizeRoundCompetitiveDemand(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	stockTeam(t, svc, "cheap")
	stockTeam(t, svc, "dear")

	// Round 1: both produce at the same price to establish history.
	for _, team := range []string{"cheap", "dear"} {
		if _, err := svc.SubmitPrices(ctx, team, 1, []PriceInput{
			{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, "20")},
		}, ""); err != nil {
			t.Fatalf("SubmitPrices(%s): %v", team, err)
		}
		if _, err := svc.SubmitPlan(ctx, team, 1, []store.PlanLine{
			{Cake: "Vanilla", Channel: "Bakery", Quantity: 5},
		}, ""); err != nil {
			t.Fatalf("SubmitPlan(%s): %v", team, err)
		}
	}
	if _, err := svc.FinalizeRound(ctx, 1); err != nil {
		t.Fatalf("finalize round 1: %v", err)
	}
	if _, err := svc.AdvanceRound(ctx); err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}

	// Round 2: cheap sells at 10, dear at 30. The pooled average is 20.
	prices := map[string]string{"cheap": "10", "dear": "30"}
	for team, price := range prices {
		if _, err := svc.SubmitPrices(ctx, team, 2, []PriceInput{
			{Cake: "Vanilla", Channel: "Bakery", Price: dec(t, price)},
		}, ""); err != nil {
			t.Fatalf("SubmitPrices(%s): %v", team, err)
		}
		if _, err := svc.SubmitPlan(ctx, team, 2, []store.PlanLine{
			{Cake: "Vanilla", Channel: "Bakery", Quantity: 50},
		}, ""); err != nil {
			t.Fatalf("SubmitPlan(%s): %v", team, err)
		}
	}
	if _, err := svc.FinalizeRound(ctx, 2); err != nil {
		t.Fatalf("finalize round 2: %v", err)
	}

	// Average 20. cheap demand: 100 - 20 + 0.5*(20-10) = 85, so all 50
	// planned units sell. dear demand: 100 - 60 + 0.5*(20-30) = 35, so only
	// 35 of 50 sell.
	//   cheap: 50*10 - 50*1 - 50*0.50 = 425
	//   dear:  35*30 - 35*1 - 35*0.50 = 997.5
	cheap, _ := svc.store.GetProductionPlan(ctx, "cheap", 2)
	dear, _ := svc.store.GetProductionPlan(ctx, "dear", 2)
	if !cheap.Profit.Equal(dec(t, "425")) {
		t.Fatalf("cheap profit = %s, want 425", cheap.Profit)
	}
	if !dear.Profit.Equal(dec(t, "997.5")) {
		t.Fatalf("dear profit = %s, want 997.5", dear.Profit)
	}

	cheapTeam, _ := svc.Team(ctx, "cheap")
	dearTeam, _ := svc.Team(ctx, "dear")
	if cheapTeam.LastFinalizedRound != 2 || dearTeam.LastFinalizedRound != 2 {
		t.Fatalf("rounds = %d/%d, want 2/2", cheapTeam.LastFinalizedRound, dearTeam.LastFinalizedRound)
	}
}
