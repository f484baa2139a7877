// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset types.
const (
	AssetTypeStock     = "stock"
	AssetTypeCommodity = "commodity"
	AssetTypeIndex     = "index"
)

// Order types.
const (
	OrderTypeMarket   = "market"
	OrderTypeLimit    = "limit"
	OrderTypeStopLoss = "stop_loss"
)

// Order statuses recorded on the audit trail.
const (
	OrderStatusExecuted = "executed"
	OrderStatusRejected = "rejected"
)

// Round statuses.
const (
	RoundStatusActive = "active"
	RoundStatusPaused = "paused"
	RoundStatusEnded  = "ended"
)

// Margin warning types.
const (
	WarningMaintenance = "maintenance_warning"
	WarningMarginCall  = "margin_call"
	WarningLiquidation = "liquidation"
)

// Asset is the market-data record for one tradable instrument. The engine
// only reads it; prices are written by the external price process through
// the admin price hook.
type Asset struct {
	ID            string          `json:"id" db:"id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	CurrentPrice  decimal.Decimal `json:"current_price" db:"current_price"`
	PreviousClose decimal.Decimal `json:"previous_close" db:"previous_close"`
	AssetType     string          `json:"asset_type" db:"asset_type"` // "stock", "commodity", "index"
	Sector        string          `json:"sector" db:"sector"`
}

// Account holds one participant's cash balance and aggregate valuation.
// Invariant: TotalValue = CashBalance + Σ long values − Σ short liabilities.
// Created lazily on first order; mutated only by the execution engine.
type Account struct {
	ID            string          `json:"id" db:"id"`
	CashBalance   decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	TotalValue    decimal.Decimal `json:"total_value" db:"total_value"`
	ProfitLoss    decimal.Decimal `json:"profit_loss" db:"profit_loss"`
	ProfitLossPct decimal.Decimal `json:"profit_loss_percentage" db:"profit_loss_percentage"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is one account's holding in one asset, long or short. Quantity is
// always the absolute size; direction is carried in IsShort, not sign. The
// row is deleted when quantity reaches zero. Margin fields are populated
// only while IsShort is true.
type Position struct {
	ID                string          `json:"id" db:"id"`
	AccountID         string          `json:"account_id" db:"account_id"`
	AssetID           string          `json:"asset_id" db:"asset_id"`
	Quantity          decimal.Decimal `json:"quantity" db:"quantity"` // always > 0
	AveragePrice      decimal.Decimal `json:"average_price" db:"average_price"`
	CurrentValue      decimal.Decimal `json:"current_value" db:"current_value"`
	ProfitLoss        decimal.Decimal `json:"profit_loss" db:"profit_loss"`
	IsShort           bool            `json:"is_short" db:"is_short"`
	InitialMargin     decimal.Decimal `json:"initial_margin" db:"initial_margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin" db:"maintenance_margin"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Round is the currently active competition phase. Short selling is banned
// in round 1; later rounds carry an admin override flag.
type Round struct {
	Number              int       `json:"number" db:"number"`
	Status              string    `json:"status" db:"status"` // "active", "paused", "ended"
	ShortSellingAllowed bool      `json:"short_selling_allowed" db:"short_selling_allowed"`
	StartedAt           time.Time `json:"started_at" db:"started_at"`
}

// Order is the immutable audit record of one execution request, accepted or
// rejected. Settlement state lives in Account and Position, not here.
type Order struct {
	ID            string          `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	AssetID       string          `json:"asset_id" db:"asset_id"`
	OrderType     string          `json:"order_type" db:"order_type"` // "market", "limit", "stop_loss"
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price" db:"limit_price"`
	StopPrice     decimal.Decimal `json:"stop_price" db:"stop_price"`
	IsBuy         bool            `json:"is_buy" db:"is_buy"`
	IsShortSell   bool            `json:"is_short_sell" db:"is_short_sell"`
	Status        string          `json:"status" db:"status"` // "executed", "rejected"
	Message       string          `json:"message" db:"message"`
	ExecutedPrice decimal.Decimal `json:"executed_price" db:"executed_price"`
	ExecutedAt    time.Time       `json:"executed_at" db:"executed_at"`
}

// MarginWarning is an append-only notification record produced by the margin
// monitor. WarningType is one of the Warning* constants.
type MarginWarning struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	PositionID  string          `json:"position_id" db:"position_id"`
	MarginLevel decimal.Decimal `json:"margin_level" db:"margin_level"`
	WarningType string          `json:"warning_type" db:"warning_type"`
	Message     string          `json:"message" db:"message"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// ShortState is the lifecycle state of a short position, derived from the
// position row and its latest warning rather than stored.
type ShortState string

const (
	ShortOpen       ShortState = "open"
	ShortWarned     ShortState = "warned"
	ShortLiquidated ShortState = "liquidated"
	ShortCovered    ShortState = "covered"
)

// StateOf derives the short-position lifecycle state. A missing position
// with a liquidation warning is liquidated; missing without one is covered.
func StateOf(pos *Position, latest *MarginWarning) ShortState {
	if pos == nil || !pos.IsShort || pos.Quantity.LessThanOrEqual(decimal.Zero) {
		if latest != nil && latest.WarningType == WarningLiquidation {
			return ShortLiquidated
		}
		return ShortCovered
	}
	if latest != nil && latest.WarningType == WarningMaintenance {
		return ShortWarned
	}
	return ShortOpen
}
