package game

import (
	"testing"

	"github.com/shopspring/decimal"

	"cakesim/internal/refdata"
	"cakesim/internal/store"
)

func TestDemandUnits(t *testing.T) {
	params := refdata.DemandParams{Alpha: 100, Beta: 2, Gamma: 0.5}

	cases := []struct {
		name  string
		round int
		price string
		avg   string
		want  int
	}{
		{"round one ignores competition", 1, "20", "999", 60},
		{"round one floors", 1, "20.25", "0", 59},
		{"negative clamps to zero", 1, "60", "0", 0},
		{"later round adds competitive term", 2, "20", "24", 62},
		{"later round undercut by average", 2, "20", "12", 56},
		{"absent average counts as zero", 2, "20", "0", 50},
		{"clamp happens before floor", 2, "49.9", "0", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price := decimal.RequireFromString(tc.price)
			avg := decimal.RequireFromString(tc.avg)
			got := DemandUnits(tc.round, params, price, avg)
			if got != tc.want {
				t.Fatalf("DemandUnits(%d, %s, %s) = %d, want %d", tc.round, tc.price, tc.avg, got, tc.want)
			}
			if again := DemandUnits(tc.round, params, price, avg); again != got {
				t.Fatalf("DemandUnits not deterministic: %d then %d", got, again)
			}
		})
	}
}

func TestCompetitorAveragesRestrictedToProducers(t *testing.T) {
	plans := []store.ProductionPlan{
		{Team: "alpha", Round: 1, Lines: []store.PlanLine{
			{Cake: "Vanilla", Channel: "Bakery", Quantity: 40},
			{Cake: "Chocolate", Channel: "Bakery", Quantity: 0},
		}},
		{Team: "beta", Round: 1, Lines: []store.PlanLine{
			{Cake: "Vanilla", Channel: "Bakery", Quantity: 10},
		}},
	}
	subs := []store.PriceSubmission{
		{Team: "alpha", Round: 1, Lines: []store.PriceLine{
			{Cake: "Vanilla", Channel: "Bakery", Price: decimal.RequireFromString("20")},
			{Cake: "Chocolate", Channel: "Bakery", Price: decimal.RequireFromString("30")},
		}},
		{Team: "beta", Round: 1, Lines: []store.PriceLine{
			{Cake: "Vanilla", Channel: "Bakery", Price: decimal.RequireFromString("10")},
		}},
	}

	avg := CompetitorAverages(plans, subs)

	vanilla := refdata.MarketKey{Channel: "Bakery", Cake: "Vanilla"}
	if got, want := avg[vanilla], decimal.RequireFromString("15"); !got.Equal(want) {
		t.Fatalf("vanilla average = %s, want %s", got, want)
	}
	// Alpha priced Chocolate but planned zero units, so the pair has no
	// producers and must be absent.
	chocolate := refdata.MarketKey{Channel: "Bakery", Cake: "Chocolate"}
	if _, ok := avg[chocolate]; ok {
		t.Fatalf("chocolate average present, want absent: %s", avg[chocolate])
	}
}

func TestCompetitorAveragesNoPlans(t *testing.T) {
	subs := []store.PriceSubmission{
		{Team: "alpha", Round: 1, Lines: []store.PriceLine{
			{Cake: "Vanilla", Channel: "Bakery", Price: decimal.RequireFromString("20")},
		}},
	}
	if avg := CompetitorAverages(nil, subs); len(avg) != 0 {
		t.Fatalf("averages without plans = %v, want empty", avg)
	}
}
