package game

import (
	"math"

	"github.com/shopspring/decimal"

	"cakesim/internal/refdata"
	"cakesim/internal/store"
)

// MarketAverages is the frozen competitor-price snapshot for one round,
// keyed by (channel, cake).
type MarketAverages map[refdata.MarketKey]decimal.Decimal

// DemandUnits is the demand curve. Round 1 has no competitive term; later
// rounds add gamma times the gap between the competitor average and our
// price. The result is clamped at zero first, then floored, always in that
// order, and is a pure function of its inputs: previews and settlement go
// through this exact code path.
func DemandUnits(round int, p refdata.DemandParams, myPrice, competitorAvg decimal.Decimal) int {
	price := myPrice.InexactFloat64()
	d := p.Alpha - p.Beta*price
	if round > 1 {
		d += p.Gamma * (competitorAvg.InexactFloat64() - price)
	}
	if d < 0 {
		d = 0
	}
	return int(math.Floor(d))
}

// CompetitorAverages computes the mean price per (channel, cake) across the
// given submissions, restricted to cakes each team actually produced in the
// matching plans. A listed price for a cake the team never produced does
// not pollute the average. Pairs nobody produced are simply absent; callers
// treat absence as a zero reference.
func CompetitorAverages(plans []store.ProductionPlan, subs []store.PriceSubmission) MarketAverages {
	produced := make(map[string]map[string]bool, len(plans))
	for _, plan := range plans {
		cakes := produced[plan.Team]
		if cakes == nil {
			cakes = make(map[string]bool)
			produced[plan.Team] = cakes
		}
		for _, line := range plan.Lines {
			if line.Quantity > 0 {
				cakes[line.Cake] = true
			}
		}
	}

	sums := make(map[refdata.MarketKey]decimal.Decimal)
	counts := make(map[refdata.MarketKey]int64)
	for _, sub := range subs {
		for _, line := range sub.Lines {
			if !produced[sub.Team][line.Cake] {
				continue
			}
			key := refdata.MarketKey{Channel: line.Channel, Cake: line.Cake}
			sums[key] = sums[key].Add(line.Price)
			counts[key]++
		}
	}

	avg := make(MarketAverages, len(sums))
	for key, sum := range sums {
		avg[key] = sum.Div(decimal.NewFromInt(counts[key]))
	}
	return avg
}
