// Package refdata loads the immutable reference tables the game runs on:
// ingredient costs, capacity wage rates, cake metadata, recipes, sales
// channels, price caps, and demand-curve parameters. Tables are versioned
// by deployment, not by round.
package refdata

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Capacity resource names as they appear in team inventory.
const (
	ResourcePrep       = "prep"
	ResourceOven       = "oven"
	ResourceOvenRental = "oven rental"
	ResourcePackage    = "package"
)

// MarketKey identifies a (channel, cake) pair.
type MarketKey struct {
	Channel string
	Cake    string
}

type Ingredient struct {
	Name     string
	Unit     string
	UnitCost decimal.Decimal
}

type Cake struct {
	Name               string
	BatchSizeUnits     int
	OvenMinPerBatch    float64
	PrepMinPerUnit     float64
	PackMinPerUnit     float64
	PackagingCost      decimal.Decimal
	MinimumUnitsIfMade int
}

type Channel struct {
	Name          string
	TransportCost decimal.Decimal
}

// DemandParams are the per-(cake, channel) demand-curve coefficients:
// Alpha intercept, Beta own-price sensitivity, Gamma competition sensitivity.
type DemandParams struct {
	Alpha float64
	Beta  float64
	Gamma float64
}

// Data holds every reference table, keyed for lookup. Ingredient and recipe
// keys are lower-cased; cake and channel keys keep their display names.
type Data struct {
	Ingredients  map[string]Ingredient
	Wages        map[string]decimal.Decimal
	Cakes        map[string]Cake
	CakeNames    []string
	Recipes      map[string]map[string]float64
	Channels     map[string]Channel
	ChannelNames []string
	PriceCaps    map[MarketKey]decimal.Decimal
	DemandCurves map[MarketKey]DemandParams
}

// wage table parameter names mapped to inventory resource names.
var wageParams = map[string]string{
	"prep_wage_usd_per_hour":        ResourcePrep,
	"oven_wage_usd_per_hour":        ResourceOven,
	"package_wage_usd_per_hour":     ResourcePackage,
	"oven_rental_wage_usd_per_hour": ResourceOvenRental,
}

// Load reads every reference table from dir. A missing or malformed file is
// an error; the game cannot run on partial reference data.
func Load(dir string) (*Data, error) {
	d := &Data{
		Ingredients:  make(map[string]Ingredient),
		Wages:        make(map[string]decimal.Decimal),
		Cakes:        make(map[string]Cake),
		Recipes:      make(map[string]map[string]float64),
		Channels:     make(map[string]Channel),
		PriceCaps:    make(map[MarketKey]decimal.Decimal),
		DemandCurves: make(map[MarketKey]DemandParams),
	}

	if err := d.loadIngredients(filepath.Join(dir, "ingredients.csv")); err != nil {
		return nil, err
	}
	if err := d.loadWages(filepath.Join(dir, "wages.csv")); err != nil {
		return nil, err
	}
	if err := d.loadCakes(filepath.Join(dir, "cakes.csv")); err != nil {
		return nil, err
	}
	if err := d.loadRecipes(filepath.Join(dir, "recipes.csv")); err != nil {
		return nil, err
	}
	if err := d.loadChannels(filepath.Join(dir, "channels.csv")); err != nil {
		return nil, err
	}
	if err := d.loadPriceCaps(filepath.Join(dir, "price_caps.csv")); err != nil {
		return nil, err
	}
	if err := d.loadDemandCurves(filepath.Join(dir, "demand_params.csv")); err != nil {
		return nil, err
	}
	return d, nil
}

// Recipe returns the ingredient quantities per unit for a cake, matched
// case-insensitively. ok is false when no recipe exists.
func (d *Data) Recipe(cake string) (map[string]float64, bool) {
	r, ok := d.Recipes[strings.ToLower(cake)]
	return r, ok
}

// PriceCap returns the maximum allowed price for a (channel, cake) pair.
// Pairs without a cap are unbounded.
func (d *Data) PriceCap(channel, cake string) (decimal.Decimal, bool) {
	cap, ok := d.PriceCaps[MarketKey{Channel: channel, Cake: cake}]
	return cap, ok
}

func (d *Data) loadIngredients(path string) error {
	rows, idx, err := readTable(path, "ingredient", "unit", "unit_cost_usd")
	if err != nil {
		return err
	}
	for _, row := range rows {
		cost, err := decimal.NewFromString(row[idx["unit_cost_usd"]])
		if err != nil {
			return fmt.Errorf("%s: ingredient %q: %w", path, row[idx["ingredient"]], err)
		}
		name := strings.TrimSpace(row[idx["ingredient"]])
		d.Ingredients[strings.ToLower(name)] = Ingredient{
			Name:     name,
			Unit:     strings.TrimSpace(row[idx["unit"]]),
			UnitCost: cost,
		}
	}
	return nil
}

func (d *Data) loadWages(path string) error {
	rows, idx, err := readTable(path, "parameter", "value")
	if err != nil {
		return err
	}
	for _, row := range rows {
		resource, ok := wageParams[strings.TrimSpace(row[idx["parameter"]])]
		if !ok {
			continue
		}
		rate, err := decimal.NewFromString(row[idx["value"]])
		if err != nil {
			return fmt.Errorf("%s: wage %q: %w", path, resource, err)
		}
		d.Wages[resource] = rate
	}
	return nil
}

func (d *Data) loadCakes(path string) error {
	rows, idx, err := readTable(path, "name", "batch_size_units", "oven_min_per_batch",
		"prep_min_per_unit", "pack_min_per_unit", "packaging_cost_per_unit_usd", "minimum_units_if_made")
	if err != nil {
		return err
	}
	for _, row := range rows {
		name := strings.TrimSpace(row[idx["name"]])
		batch, err := strconv.Atoi(strings.TrimSpace(row[idx["batch_size_units"]]))
		if err != nil {
			return fmt.Errorf("%s: cake %q batch size: %w", path, name, err)
		}
		minUnits, err := strconv.Atoi(strings.TrimSpace(row[idx["minimum_units_if_made"]]))
		if err != nil {
			return fmt.Errorf("%s: cake %q minimum units: %w", path, name, err)
		}
		ovenMin, err := parseFloat(row[idx["oven_min_per_batch"]])
		if err != nil {
			return fmt.Errorf("%s: cake %q oven minutes: %w", path, name, err)
		}
		prepMin, err := parseFloat(row[idx["prep_min_per_unit"]])
		if err != nil {
			return fmt.Errorf("%s: cake %q prep minutes: %w", path, name, err)
		}
		packMin, err := parseFloat(row[idx["pack_min_per_unit"]])
		if err != nil {
			return fmt.Errorf("%s: cake %q pack minutes: %w", path, name, err)
		}
		packaging, err := decimal.NewFromString(strings.TrimSpace(row[idx["packaging_cost_per_unit_usd"]]))
		if err != nil {
			return fmt.Errorf("%s: cake %q packaging cost: %w", path, name, err)
		}
		d.Cakes[name] = Cake{
			Name:               name,
			BatchSizeUnits:     batch,
			OvenMinPerBatch:    ovenMin,
			PrepMinPerUnit:     prepMin,
			PackMinPerUnit:     packMin,
			PackagingCost:      packaging,
			MinimumUnitsIfMade: minUnits,
		}
		d.CakeNames = append(d.CakeNames, name)
	}
	return nil
}

// recipes.csv carries a "name" column followed by one column per ingredient.
func (d *Data) loadRecipes(path string) error {
	records, err := readCSV(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("%s: empty recipe table", path)
	}
	header := records[0]
	nameCol := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), "name") {
			nameCol = i
		}
	}
	if nameCol < 0 {
		return fmt.Errorf("%s: missing name column", path)
	}
	for _, row := range records[1:] {
		cake := strings.ToLower(strings.TrimSpace(row[nameCol]))
		needs := make(map[string]float64)
		for i, h := range header {
			if i == nameCol {
				continue
			}
			qty, err := parseFloat(row[i])
			if err != nil {
				return fmt.Errorf("%s: recipe %q column %q: %w", path, cake, h, err)
			}
			if qty > 0 {
				needs[strings.ToLower(strings.TrimSpace(h))] = qty
			}
		}
		d.Recipes[cake] = needs
	}
	return nil
}

func (d *Data) loadChannels(path string) error {
	rows, idx, err := readTable(path, "channel", "transport_cost_per_unit_usd")
	if err != nil {
		return err
	}
	for _, row := range rows {
		name := strings.TrimSpace(row[idx["channel"]])
		cost, err := decimal.NewFromString(strings.TrimSpace(row[idx["transport_cost_per_unit_usd"]]))
		if err != nil {
			return fmt.Errorf("%s: channel %q: %w", path, name, err)
		}
		d.Channels[name] = Channel{Name: name, TransportCost: cost}
		d.ChannelNames = append(d.ChannelNames, name)
	}
	return nil
}

func (d *Data) loadPriceCaps(path string) error {
	rows, idx, err := readTable(path, "channel", "cake", "max_price")
	if err != nil {
		return err
	}
	for _, row := range rows {
		cap, err := decimal.NewFromString(strings.TrimSpace(row[idx["max_price"]]))
		if err != nil {
			return fmt.Errorf("%s: price cap: %w", path, err)
		}
		key := MarketKey{
			Channel: strings.TrimSpace(row[idx["channel"]]),
			Cake:    strings.TrimSpace(row[idx["cake"]]),
		}
		d.PriceCaps[key] = cap
	}
	return nil
}

func (d *Data) loadDemandCurves(path string) error {
	rows, idx, err := readTable(path, "cake_name", "channel", "alpha", "beta", "gamma_competition")
	if err != nil {
		return err
	}
	for _, row := range rows {
		alpha, err := parseFloat(row[idx["alpha"]])
		if err != nil {
			return fmt.Errorf("%s: alpha: %w", path, err)
		}
		beta, err := parseFloat(row[idx["beta"]])
		if err != nil {
			return fmt.Errorf("%s: beta: %w", path, err)
		}
		gamma, err := parseFloat(row[idx["gamma_competition"]])
		if err != nil {
			return fmt.Errorf("%s: gamma: %w", path, err)
		}
		key := MarketKey{
			Channel: strings.TrimSpace(row[idx["channel"]]),
			Cake:    strings.TrimSpace(row[idx["cake_name"]]),
		}
		d.DemandCurves[key] = DemandParams{Alpha: alpha, Beta: beta, Gamma: gamma}
	}
	return nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return records, nil
}

// readTable reads a CSV file and resolves the given column names against its
// header, so reference files may carry extra columns in any order.
func readTable(path string, columns ...string) ([][]string, map[string]int, error) {
	records, err := readCSV(path)
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%s: empty table", path)
	}
	idx := make(map[string]int, len(columns))
	for _, want := range columns {
		found := -1
		for i, h := range records[0] {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, nil, fmt.Errorf("%s: missing column %q", path, want)
		}
		idx[want] = found
	}
	return records[1:], idx, nil
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
