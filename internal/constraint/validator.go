// Package constraint implements the pre-trade checks run before any order
// mutates state: position concentration, sector concentration, short-sell
// margin sufficiency, and round eligibility.
//
// All checks are pure functions of the snapshot passed in — the validator
// never touches the store, so a rejected order provably has no side effects.
package constraint

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trade-engine/internal/model"
)

var (
	// ErrPositionLimitExceeded is returned when a trade would push a single
	// position beyond its per-asset-type share of account value.
	ErrPositionLimitExceeded = errors.New("constraint: position concentration limit exceeded")

	// ErrSectorLimitExceeded is returned when a trade would push the
	// aggregate exposure to one sector beyond the sector maximum.
	ErrSectorLimitExceeded = errors.New("constraint: sector concentration limit exceeded")

	// ErrInsufficientMargin is returned when cash cannot cover the initial
	// margin of a new or extended short position.
	ErrInsufficientMargin = errors.New("constraint: insufficient cash for short margin")

	// ErrShortSellingDisabled is returned when short selling is not
	// permitted in the active round.
	ErrShortSellingDisabled = errors.New("constraint: short selling not allowed this round")
)

// Validator enforces the competition's risk limits. Rates are fractions
// (0.20 = 20% of account value).
type Validator struct {
	// MaxStockPct caps one stock (or index) position's share of total value.
	MaxStockPct decimal.Decimal

	// MaxCommodityPct caps one commodity position's share of total value.
	MaxCommodityPct decimal.Decimal

	// MaxSectorPct caps combined exposure to a single sector.
	MaxSectorPct decimal.Decimal

	// InitialMarginRate is the collateral fraction reserved on short opens.
	InitialMarginRate decimal.Decimal
}

// NewValidator creates a validator with the standard competition limits:
// 20% per stock, 25% per commodity, 40% per sector, 25% initial margin.
func NewValidator() *Validator {
	return &Validator{
		MaxStockPct:       decimal.NewFromFloat(0.20),
		MaxCommodityPct:   decimal.NewFromFloat(0.25),
		MaxSectorPct:      decimal.NewFromFloat(0.40),
		InitialMarginRate: decimal.NewFromFloat(0.25),
	}
}

// Input is the snapshot a check runs against. Existing may be nil when the
// account holds no position in the traded asset.
type Input struct {
	Account      *model.Account
	Positions    []model.Position  // all current positions for the account
	Existing     *model.Position   // position in the traded asset, if any
	Asset        *model.Asset
	AssetSectors map[string]string // assetID → sector, for held positions
	Round        *model.Round
	Quantity     decimal.Decimal
	Price        decimal.Decimal // resolved execution price
	IsBuy        bool
	IsShortSell  bool
}

// Check runs all constraint checks in order and returns the first
// violation, or nil. It must not mutate anything reachable from in.
func (v *Validator) Check(in Input) error {
	if err := v.checkPositionConcentration(in); err != nil {
		return err
	}
	if err := v.checkSectorConcentration(in); err != nil {
		return err
	}
	if err := v.checkShortMargin(in); err != nil {
		return err
	}
	return v.checkRoundEligibility(in)
}

// increasesExposure reports whether the trade grows the position rather
// than reducing it. Covers (buy against a short) and plain sells reduce.
func increasesExposure(in Input) bool {
	existingShort := in.Existing != nil && in.Existing.IsShort
	if in.IsBuy {
		return !existingShort
	}
	return in.IsShortSell
}

func (v *Validator) checkPositionConcentration(in Input) error {
	if !increasesExposure(in) {
		return nil
	}

	limit := v.MaxStockPct
	if in.Asset.AssetType == model.AssetTypeCommodity {
		limit = v.MaxCommodityPct
	}

	resultingQty := in.Quantity
	if in.Existing != nil && in.Existing.IsShort == in.IsShortSell {
		// Existing size only counts when the trade extends the same
		// direction; an opposite-direction row is replaced, not grown.
		resultingQty = resultingQty.Add(in.Existing.Quantity)
	}
	resultingValue := resultingQty.Mul(in.Price)

	maxValue := in.Account.TotalValue.Mul(limit)
	if resultingValue.GreaterThan(maxValue) {
		return fmt.Errorf("%w: %s position of %s would exceed %s%% of account value (%s)",
			ErrPositionLimitExceeded, in.Asset.Symbol, resultingValue.StringFixed(2),
			limit.Mul(decimal.NewFromInt(100)).StringFixed(0), maxValue.StringFixed(2))
	}
	return nil
}

func (v *Validator) checkSectorConcentration(in Input) error {
	if !increasesExposure(in) || in.Asset.Sector == "" {
		return nil
	}

	// Resulting exposure to the asset's sector: the traded asset is counted
	// fresh at the execution price; other positions at their marked value.
	sectorValue := in.Quantity.Mul(in.Price)
	if in.Existing != nil && in.Existing.IsShort == in.IsShortSell {
		sectorValue = sectorValue.Add(in.Existing.Quantity.Mul(in.Price))
	}
	for _, p := range in.Positions {
		if p.AssetID == in.Asset.ID {
			continue
		}
		if in.AssetSectors[p.AssetID] == in.Asset.Sector {
			sectorValue = sectorValue.Add(p.CurrentValue)
		}
	}

	maxValue := in.Account.TotalValue.Mul(v.MaxSectorPct)
	if sectorValue.GreaterThan(maxValue) {
		return fmt.Errorf("%w: %s exposure of %s would exceed %s%% of account value (%s)",
			ErrSectorLimitExceeded, in.Asset.Sector, sectorValue.StringFixed(2),
			v.MaxSectorPct.Mul(decimal.NewFromInt(100)).StringFixed(0), maxValue.StringFixed(2))
	}
	return nil
}

func (v *Validator) checkShortMargin(in Input) error {
	if in.IsBuy || !in.IsShortSell {
		return nil
	}

	required := in.Quantity.Mul(in.Price).Mul(v.InitialMarginRate)
	if in.Account.CashBalance.LessThan(required) {
		return fmt.Errorf("%w: need %s, have %s",
			ErrInsufficientMargin, required.StringFixed(2), in.Account.CashBalance.StringFixed(2))
	}
	return nil
}

func (v *Validator) checkRoundEligibility(in Input) error {
	if !in.IsShortSell {
		return nil
	}
	if in.Round.Number == 1 {
		return fmt.Errorf("%w: short selling is disabled in round 1", ErrShortSellingDisabled)
	}
	if !in.Round.ShortSellingAllowed {
		return fmt.Errorf("%w: short selling is disabled for round %d", ErrShortSellingDisabled, in.Round.Number)
	}
	return nil
}
