// Package store defines the record types and transactional contracts the
// game core persists through. Implementations live in the memory and
// postgres subpackages; business logic never touches a driver directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrAlreadyExists    = errors.New("record already exists")
	ErrRoundFinalized   = errors.New("round already finalized for team")
	ErrInsufficientCash = errors.New("insufficient cash")
)

// Inventory categories.
const (
	CategoryIngredient = "ingredient"
	CategoryCapacity   = "capacity"
)

// Team is the authoritative ledger row for one team. Cash and StockValue are
// only ever mutated through ApplyInvestment, ApplySettlement and
// CarryForward; submissions never touch them.
type Team struct {
	Name               string          `json:"name"`
	Cash               decimal.Decimal `json:"cash"`
	StockValue         decimal.Decimal `json:"stock_value"`
	TotalValue         decimal.Decimal `json:"total_value"`
	LastFinalizedRound int             `json:"last_finalized_round"`
	LastProfit         decimal.Decimal `json:"last_profit"`
	LastTransportCost  decimal.Decimal `json:"last_transport_cost"`
	LastResourceCost   decimal.Decimal `json:"last_resource_cost"`
	LastPackagingCost  decimal.Decimal `json:"last_packaging_cost"`
}

// PriceLine is one (cake, channel) price in a submission. The JSON tags are
// the persisted wire form of the price list.
type PriceLine struct {
	Cake          string          `json:"cake"`
	Channel       string          `json:"channel"`
	Price         decimal.Decimal `json:"price_usd"`
	TransportCost decimal.Decimal `json:"transport_cost_usd"`
}

// PriceSubmission is append-only: at most one row per (team, round), never
// overwritten. AutoFilled rows are system-generated carry-forwards.
type PriceSubmission struct {
	Team            string      `json:"team"`
	Round           int         `json:"round"`
	Lines           []PriceLine `json:"lines"`
	Finalized       bool        `json:"finalized"`
	AutoFilled      bool        `json:"auto_filled"`
	CopiedFromRound int         `json:"copied_from_round,omitempty"`
	RequestID       string      `json:"request_id,omitempty"`
	SubmittedAt     time.Time   `json:"submitted_at"`
}

type PlanLine struct {
	Cake     string `json:"cake"`
	Channel  string `json:"channel"`
	Quantity int    `json:"qty"`
}

// ProductionPlan is immutable after creation except for Profit, which the
// finalizer writes back after settlement.
type ProductionPlan struct {
	Team        string             `json:"team"`
	Round       int                `json:"round"`
	Lines       []PlanLine         `json:"lines"`
	Required    map[string]float64 `json:"required"`
	Profit      decimal.Decimal    `json:"profit"`
	RequestID   string             `json:"request_id,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
}

type DemandLine struct {
	Cake    string `json:"cake"`
	Channel string `json:"channel"`
	Units   int    `json:"demand"`
}

type DemandRecord struct {
	Team  string       `json:"team"`
	Round int          `json:"round"`
	Lines []DemandLine `json:"lines"`
}

// RoundState is the single coordinating value read by every
// submission-acceptance path before persisting anything.
type RoundState struct {
	CurrentRound int  `json:"current_round"`
	Locked       bool `json:"locked"`
}

type InvestmentItem struct {
	Category string          `json:"category"`
	Resource string          `json:"resource"`
	Quantity float64         `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost_usd"`
	Subtotal decimal.Decimal `json:"subtotal_usd"`
}

type Investment struct {
	Team  string           `json:"team"`
	Round int              `json:"round"`
	Items []InvestmentItem `json:"items"`
	Total decimal.Decimal  `json:"total_usd"`
	TxID  string           `json:"tx_id"`
	At    time.Time        `json:"at"`
}

// Settlement is the per-team ledger commit the finalizer applies atomically.
// IngredientUse and CapacityUse are decremented from inventory, clamped at
// zero.
type Settlement struct {
	Round         int
	Profit        decimal.Decimal
	TransportCost decimal.Decimal
	ResourceCost  decimal.Decimal
	PackagingCost decimal.Decimal
	IngredientUse map[string]float64
	CapacityUse   map[string]float64
}

// Store is the transactional record store the core depends on. Every method
// that writes must be atomic on its own; cross-call atomicity is never
// assumed.
type Store interface {
	// Teams and ledger.
	CreateTeam(ctx context.Context, name string, starterCash decimal.Decimal) error
	ListTeams(ctx context.Context) ([]string, error)
	GetTeam(ctx context.Context, name string) (Team, error)

	// Inventory.
	GetTeamInventory(ctx context.Context, team, category string) (map[string]float64, error)

	// ApplyInvestment debits cash, credits inventory quantities and stock
	// value in one transaction. Fails with ErrInsufficientCash.
	ApplyInvestment(ctx context.Context, inv Investment) error
	InvestmentsForTeam(ctx context.Context, team string) ([]Investment, error)

	// Price submissions (append-only).
	GetPriceSubmission(ctx context.Context, team string, round int) (*PriceSubmission, error)
	LatestPriceSubmissionBefore(ctx context.Context, team string, round int) (*PriceSubmission, error)
	InsertPriceSubmission(ctx context.Context, sub PriceSubmission) error
	PriceSubmissionsForRound(ctx context.Context, round int) ([]PriceSubmission, error)
	PriceSubmissionsForTeam(ctx context.Context, team string) ([]PriceSubmission, error)

	// Production plans.
	GetProductionPlan(ctx context.Context, team string, round int) (*ProductionPlan, error)
	InsertProductionPlan(ctx context.Context, plan ProductionPlan) error
	ProductionPlansForRound(ctx context.Context, round int) ([]ProductionPlan, error)
	ProductionPlansForTeam(ctx context.Context, team string) ([]ProductionPlan, error)
	UpdateProductionPlanProfit(ctx context.Context, team string, round int, profit decimal.Decimal) error

	// Demand records.
	GetDemandRecord(ctx context.Context, team string, round int) (*DemandRecord, error)
	InsertDemandRecord(ctx context.Context, rec DemandRecord) error

	// Round state.
	RoundState(ctx context.Context) (RoundState, error)
	SetRoundState(ctx context.Context, state RoundState) error

	// ApplySettlement commits one team's round result: cash += profit,
	// stock_value = max(stock_value - resource cost, 0), total recomputed,
	// breakdown persisted, last_finalized_round advanced, inventory
	// consumed. It must refuse (ErrRoundFinalized) when the team is already
	// at or past the round, so a re-run cannot double-apply profit.
	ApplySettlement(ctx context.Context, team string, s Settlement) error

	// CarryForward advances last_finalized_round and recomputes total value
	// for a team with no plan this round, leaving balances untouched.
	CarryForward(ctx context.Context, team string, round int) error
}
