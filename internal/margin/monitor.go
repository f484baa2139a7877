// Package margin implements the post-trade margin sweep over short
// positions: computing margin levels, emitting warnings, and triggering
// forced liquidation when a position falls below maintenance.
package margin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradearena/trade-engine/internal/metrics"
	"github.com/tradearena/trade-engine/internal/model"
	"github.com/tradearena/trade-engine/internal/store"
)

// Liquidator executes a forced buy-to-cover of an entire short position at
// the current market price, through the same settlement path as a normal
// cover. Implemented by the trading engine.
type Liquidator interface {
	CoverShort(ctx context.Context, accountID, assetID string) error
}

// Monitor sweeps short positions for margin health. One sweep runs after
// every completed order for that account; an external periodic job calls
// SweepAll across every account.
type Monitor struct {
	store      store.Store
	liquidator Liquidator

	// MaintenanceLevel is the percentage below which liquidation fires.
	MaintenanceLevel decimal.Decimal

	// WarningLevel is the percentage below which a maintenance warning is
	// emitted (when still at or above MaintenanceLevel).
	WarningLevel decimal.Decimal

	// SuppressWindow deduplicates identical warnings for the same
	// account+position emitted within this window.
	SuppressWindow time.Duration

	now func() time.Time
}

// NewMonitor creates a margin monitor with the standard thresholds:
// warnings below 18%, liquidation below 15%, 60-second warning suppression.
func NewMonitor(st store.Store, liq Liquidator) *Monitor {
	return &Monitor{
		store:            st,
		liquidator:       liq,
		MaintenanceLevel: decimal.NewFromInt(15),
		WarningLevel:     decimal.NewFromInt(18),
		SuppressWindow:   60 * time.Second,
		now:              time.Now,
	}
}

// Level computes the margin level for a short position:
// (cash balance / position current value) × 100.
// A zero-value position reports a level of zero.
func Level(cashBalance, positionValue decimal.Decimal) decimal.Decimal {
	if positionValue.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return cashBalance.Div(positionValue).Mul(decimal.NewFromInt(100))
}

// SweepAccount checks every short position held by the account. A failure
// on one position is logged and the sweep continues — it never aborts the
// order execution that triggered it.
func (m *Monitor) SweepAccount(ctx context.Context, accountID string) {
	account, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("margin sweep: load account failed", "account", accountID, "err", err)
		}
		return
	}

	positions, err := m.store.ListPositions(ctx, accountID)
	if err != nil {
		slog.Error("margin sweep: load positions failed", "account", accountID, "err", err)
		return
	}

	for _, pos := range positions {
		if !pos.IsShort {
			continue
		}
		liquidated, err := m.checkPosition(ctx, account, &pos)
		if err != nil {
			slog.Error("margin sweep: position check failed",
				"account", accountID, "asset", pos.AssetID, "err", err)
		}
		if !liquidated {
			continue
		}
		// The forced cover changed the cash balance; the remaining shorts
		// must be judged against the post-cover snapshot, or a position
		// pushed under maintenance by the cover survives the sweep.
		account, err = m.store.GetAccount(ctx, accountID)
		if err != nil {
			slog.Error("margin sweep: reload account failed", "account", accountID, "err", err)
			return
		}
	}
}

// SweepAll runs the per-account sweep across every account. Called by the
// external periodic margin-check job.
func (m *Monitor) SweepAll(ctx context.Context) {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		slog.Error("margin sweep: list accounts failed", "err", err)
		return
	}
	for _, a := range accounts {
		m.SweepAccount(ctx, a.ID)
	}
}

// checkPosition reports whether the position was liquidated, so the caller
// can refresh its cash snapshot before judging the next one.
func (m *Monitor) checkPosition(ctx context.Context, account *model.Account, pos *model.Position) (bool, error) {
	// Mark the liability to the live price before judging health.
	asset, err := m.store.GetAsset(ctx, pos.AssetID)
	if err != nil {
		return false, fmt.Errorf("load asset: %w", err)
	}
	positionValue := pos.Quantity.Mul(asset.CurrentPrice)

	level := Level(account.CashBalance, positionValue)

	switch {
	case level.GreaterThanOrEqual(m.WarningLevel):
		return false, nil

	case level.GreaterThanOrEqual(m.MaintenanceLevel):
		return false, m.warn(ctx, account, pos, level)

	default:
		return true, m.liquidate(ctx, account, pos, level)
	}
}

// warn emits a maintenance warning unless an identical one was already
// emitted within the suppression window.
func (m *Monitor) warn(ctx context.Context, account *model.Account, pos *model.Position, level decimal.Decimal) error {
	last, err := m.store.LatestMarginWarning(ctx, account.ID, pos.ID, model.WarningMaintenance)
	if err == nil && m.now().Sub(last.CreatedAt) < m.SuppressWindow {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check warning history: %w", err)
	}

	w := &model.MarginWarning{
		ID:          uuid.New().String(),
		AccountID:   account.ID,
		PositionID:  pos.ID,
		MarginLevel: level,
		WarningType: model.WarningMaintenance,
		Message: fmt.Sprintf("margin level %s%% on short position %s is below the %s%% maintenance warning threshold; add funds or reduce the position",
			level.StringFixed(2), pos.AssetID, m.WarningLevel.StringFixed(0)),
		CreatedAt: m.now(),
	}
	if err := m.store.InsertMarginWarning(ctx, w); err != nil {
		return fmt.Errorf("record warning: %w", err)
	}
	metrics.MarginWarningsTotal.WithLabelValues(model.WarningMaintenance).Inc()

	slog.Warn("margin maintenance warning",
		"account", account.ID,
		"asset", pos.AssetID,
		"margin_level", level.StringFixed(2),
	)
	return nil
}

// liquidate force-covers the full short position and records a liquidation
// warning with margin_level zero.
func (m *Monitor) liquidate(ctx context.Context, account *model.Account, pos *model.Position, level decimal.Decimal) error {
	if err := m.liquidator.CoverShort(ctx, account.ID, pos.AssetID); err != nil {
		return fmt.Errorf("forced cover: %w", err)
	}

	w := &model.MarginWarning{
		ID:          uuid.New().String(),
		AccountID:   account.ID,
		PositionID:  pos.ID,
		MarginLevel: decimal.Zero,
		WarningType: model.WarningLiquidation,
		Message: fmt.Sprintf("short position %s forcibly liquidated: margin level %s%% fell below the %s%% maintenance minimum",
			pos.AssetID, level.StringFixed(2), m.MaintenanceLevel.StringFixed(0)),
		CreatedAt: m.now(),
	}
	if err := m.store.InsertMarginWarning(ctx, w); err != nil {
		return fmt.Errorf("record liquidation: %w", err)
	}
	metrics.MarginWarningsTotal.WithLabelValues(model.WarningLiquidation).Inc()

	slog.Warn("short position liquidated",
		"account", account.ID,
		"asset", pos.AssetID,
		"margin_level", level.StringFixed(2),
	)
	return nil
}
