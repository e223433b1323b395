package refdata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoad(t *testing.T) {
	d, err := Load("testdata")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ing, ok := d.Ingredients["flour"]
	if !ok {
		t.Fatal("flour missing")
	}
	if ing.Name != "Flour" || ing.Unit != "kg" || !ing.UnitCost.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("flour = %+v", ing)
	}

	// Non-wage parameters in the table are skipped, the four wage rows land
	// under their resource names.
	if len(d.Wages) != 4 {
		t.Fatalf("wages = %v, want 4 entries", d.Wages)
	}
	if !d.Wages[ResourceOvenRental].Equal(decimal.RequireFromString("8")) {
		t.Fatalf("oven rental wage = %s, want 8", d.Wages[ResourceOvenRental])
	}

	cake, ok := d.Cakes["Vanilla"]
	if !ok {
		t.Fatal("Vanilla missing")
	}
	if cake.BatchSizeUnits != 10 || cake.OvenMinPerBatch != 30 || cake.MinimumUnitsIfMade != 5 {
		t.Fatalf("Vanilla = %+v", cake)
	}
	if got := d.CakeNames; len(got) != 2 || got[0] != "Vanilla" || got[1] != "Chocolate" {
		t.Fatalf("cake order = %v", got)
	}

	// Zero-quantity recipe columns are dropped, lookup is case-insensitive.
	recipe, ok := d.Recipe("VANILLA")
	if !ok {
		t.Fatal("vanilla recipe missing")
	}
	if len(recipe) != 2 || recipe["flour"] != 0.2 || recipe["sugar"] != 0.1 {
		t.Fatalf("vanilla recipe = %v", recipe)
	}
	if _, ok := recipe["butter"]; ok {
		t.Fatal("zero butter column kept in recipe")
	}

	cap, ok := d.PriceCap("Bakery", "Vanilla")
	if !ok || !cap.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("price cap = %s ok=%v", cap, ok)
	}
	if _, ok := d.PriceCap("Online", "Vanilla"); ok {
		t.Fatal("uncapped pair reported a cap")
	}

	params, ok := d.DemandCurves[MarketKey{Channel: "Online", Cake: "Vanilla"}]
	if !ok || params.Alpha != 80 || params.Beta != 1.5 || params.Gamma != 0.4 {
		t.Fatalf("online vanilla params = %+v ok=%v", params, ok)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatal("Load from empty dir succeeded")
	}
}

func TestLoadMissingColumn(t *testing.T) {
	dir := t.TempDir()
	// Copy the fixtures but break the ingredients header.
	entries, err := os.ReadDir("testdata")
	if err != nil {
		t.Fatalf("read fixtures: %v", err)
	}
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join("testdata", e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dir, e.Name()), raw, 0o644); err != nil {
			t.Fatalf("write %s: %v", e.Name(), err)
		}
	}
	broken := "name,unit,cost\nFlour,kg,0.10\n"
	if err := os.WriteFile(filepath.Join(dir, "ingredients.csv"), []byte(broken), 0o644); err != nil {
		t.Fatalf("write broken table: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("Load with a missing column succeeded")
	}
}
