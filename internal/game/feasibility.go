package game

import (
	"math"
	"strings"

	"cakesim/internal/refdata"
	"cakesim/internal/store"
)

// BatchViolation reports a cake planned below its minimum batch size. The
// plan is flagged, never silently clamped.
type BatchViolation struct {
	Cake     string `json:"cake"`
	Quantity int    `json:"quantity"`
	Minimum  int    `json:"minimum"`
}

// Feasibility is the full result of evaluating a production plan against a
// team's inventory. The three checks are reported independently so callers
// can name the specific failure.
type Feasibility struct {
	IngredientNeeds map[string]float64 `json:"ingredient_needs"`
	ResourceNeeds   map[string]float64 `json:"resource_needs"`
	BatchViolations []BatchViolation   `json:"batch_violations,omitempty"`
	UnknownCakes    []string           `json:"unknown_cakes,omitempty"`

	CapacityOK    bool `json:"capacity_ok"`
	IngredientsOK bool `json:"ingredients_ok"`
	BatchOK       bool `json:"batch_ok"`
}

func (f Feasibility) OK() bool {
	return f.CapacityOK && f.IngredientsOK && f.BatchOK && len(f.UnknownCakes) == 0
}

// EvaluatePlan computes resource and ingredient requirements for a plan and
// checks them against the team's stock. Quantities for a cake are summed
// across channels before the minimum-batch check. Oven-rental hours mirror
// oven hours. The evaluator is read-only: it is run to accept or reject a
// submission, and settlement later recomputes costs from the same rules
// without re-checking feasibility.
func EvaluatePlan(lines []store.PlanLine, ref *refdata.Data, ingredientStock, capacityStock map[string]float64) Feasibility {
	f := Feasibility{
		IngredientNeeds: make(map[string]float64),
		ResourceNeeds: map[string]float64{
			refdata.ResourcePrep:       0,
			refdata.ResourceOven:       0,
			refdata.ResourceOvenRental: 0,
			refdata.ResourcePackage:    0,
		},
		BatchOK: true,
	}

	totals := make(map[string]int)
	var order []string
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		if _, seen := totals[line.Cake]; !seen {
			order = append(order, line.Cake)
		}
		totals[line.Cake] += line.Quantity
	}

	for _, cake := range order {
		qty := totals[cake]
		meta, ok := ref.Cakes[cake]
		if !ok {
			f.UnknownCakes = append(f.UnknownCakes, cake)
			continue
		}
		if qty < meta.MinimumUnitsIfMade {
			f.BatchOK = false
			f.BatchViolations = append(f.BatchViolations, BatchViolation{
				Cake:     cake,
				Quantity: qty,
				Minimum:  meta.MinimumUnitsIfMade,
			})
		}

		q := float64(qty)
		f.ResourceNeeds[refdata.ResourcePrep] += q * meta.PrepMinPerUnit / 60
		if meta.BatchSizeUnits > 0 {
			batches := math.Ceil(q / float64(meta.BatchSizeUnits))
			f.ResourceNeeds[refdata.ResourceOven] += batches * meta.OvenMinPerBatch / 60
		}
		f.ResourceNeeds[refdata.ResourcePackage] += q * meta.PackMinPerUnit / 60

		if recipe, ok := ref.Recipe(cake); ok {
			for ingredient, perUnit := range recipe {
				f.IngredientNeeds[ingredient] += q * perUnit
			}
		}
	}
	f.ResourceNeeds[refdata.ResourceOvenRental] = f.ResourceNeeds[refdata.ResourceOven]

	f.CapacityOK = true
	for resource, needed := range f.ResourceNeeds {
		if needed > capacityStock[strings.ToLower(resource)] {
			f.CapacityOK = false
			break
		}
	}
	f.IngredientsOK = true
	for ingredient, needed := range f.IngredientNeeds {
		if needed > ingredientStock[strings.ToLower(ingredient)] {
			f.IngredientsOK = false
			break
		}
	}
	return f
}
