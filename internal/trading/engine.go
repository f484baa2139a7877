// Package trading provides the order execution engine and its HTTP surface:
// validating, pricing, and settling buy/sell/short orders against accounts
// and positions, then sweeping the account for margin health.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradearena/trade-engine/internal/constraint"
	"github.com/tradearena/trade-engine/internal/metrics"
	"github.com/tradearena/trade-engine/internal/model"
	"github.com/tradearena/trade-engine/internal/store"
)

var (
	// ErrCompetitionNotActive is returned when the trading round is not in
	// the active state.
	ErrCompetitionNotActive = errors.New("trading: competition round is not active")

	// ErrInvalidOrder is returned for malformed requests: non-positive
	// quantity, unknown order type, or a missing limit/stop price.
	ErrInvalidOrder = errors.New("trading: invalid order")

	// ErrAssetNotFound is returned when the referenced asset is unknown.
	ErrAssetNotFound = errors.New("trading: asset not found")

	// ErrPriceNotMet is returned when a limit or stop order's trigger
	// condition is not satisfied at submission time. There is no resting
	// order book; such orders are rejected rather than queued.
	ErrPriceNotMet = errors.New("trading: price condition not met")

	// ErrInsufficientFunds is returned when a buy exceeds available cash.
	ErrInsufficientFunds = errors.New("trading: insufficient funds")

	// ErrInsufficientPosition is returned when a plain sell exceeds the
	// held long quantity.
	ErrInsufficientPosition = errors.New("trading: insufficient position")

	// ErrPersistence wraps store failures during settlement. The store
	// guarantees the settlement rolled back fully.
	ErrPersistence = errors.New("trading: settlement write failed")
)

// Engine executes orders. Mutations for one account are serialized by a
// per-account lock, and each settlement is applied by the store as a single
// transaction, so two concurrent orders can never double-spend a stale
// cash snapshot.
type Engine struct {
	store     store.Store
	validator *constraint.Validator
	hub       *WSHub // optional WebSocket hub for real-time broadcasts

	// StartingCash is the lazy-init balance and the fixed baseline for
	// account profit/loss.
	StartingCash decimal.Decimal

	// FeeRate is the transaction cost charged on both buys and sells.
	FeeRate decimal.Decimal

	// InitialMarginRate is the collateral fraction reserved when opening
	// or extending a short.
	InitialMarginRate decimal.Decimal

	// MaintenanceMarginRate populates a short position's maintenance
	// margin field.
	MaintenanceMarginRate decimal.Decimal

	sweeper interface {
		SweepAccount(ctx context.Context, accountID string)
	}

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewEngine creates an execution engine with the standard competition
// parameters: 500000 starting cash, 10 bps fee, 25%/15% margin rates.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewEngine(st store.Store, v *constraint.Validator, hub *WSHub) *Engine {
	return &Engine{
		store:                 st,
		validator:             v,
		hub:                   hub,
		StartingCash:          decimal.NewFromInt(500000),
		FeeRate:               decimal.NewFromFloat(0.001),
		InitialMarginRate:     decimal.NewFromFloat(0.25),
		MaintenanceMarginRate: decimal.NewFromFloat(0.15),
		locks:                 make(map[string]*sync.Mutex),
		now:                   time.Now,
	}
}

// SetSweeper attaches the margin monitor invoked after every completed
// order. The monitor is attached post-construction because it needs the
// engine as its liquidator.
func (e *Engine) SetSweeper(s interface {
	SweepAccount(ctx context.Context, accountID string)
}) {
	e.sweeper = s
}

// OrderRequest is one execution request. LimitPrice is required for limit
// orders, StopPrice for stop-loss orders.
type OrderRequest struct {
	AccountID   string          `json:"account_id"`
	AssetID     string          `json:"asset_id"`
	OrderType   string          `json:"order_type"` // "market", "limit", "stop_loss"
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	IsBuy       bool            `json:"is_buy"`
	IsShortSell bool            `json:"is_short_sell"`
}

// OrderResult is the structured outcome of ExecuteOrder. Message is always
// plain language suitable for direct display.
type OrderResult struct {
	Success       bool            `json:"success"`
	Message       string          `json:"message"`
	ExecutedPrice decimal.Decimal `json:"executed_price,omitempty"`
	ExecutedAt    time.Time       `json:"executed_at,omitempty"`
}

// ExecuteOrder validates, prices, and settles one order. All-or-nothing:
// either the full set of mutations (position, cash, valuation) becomes
// visible, or none. Every call, accepted or rejected, leaves an audit
// order record. The returned error is one of the package sentinels or a
// constraint violation; nothing panics across this boundary.
func (e *Engine) ExecuteOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	start := e.now()

	if err := validateRequest(req); err != nil {
		return e.reject(ctx, req, err)
	}

	// Competition-state gate. A missing round means the competition has
	// not started; any other store failure is a persistence problem, not a
	// closed market.
	round, err := e.store.GetActiveRound(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.reject(ctx, req, fmt.Errorf("%w: no active round", ErrCompetitionNotActive))
		}
		return e.reject(ctx, req, fmt.Errorf("%w: %v", ErrPersistence, err))
	}
	if round.Status != model.RoundStatusActive {
		return e.reject(ctx, req, fmt.Errorf("%w: trading is paused", ErrCompetitionNotActive))
	}

	unlock := e.lockAccount(req.AccountID)
	result, err := e.execute(ctx, req, round)
	unlock()

	if err != nil {
		return e.reject(ctx, req, err)
	}

	e.audit(ctx, req, model.OrderStatusExecuted, result.Message, result.ExecutedPrice, result.ExecutedAt)
	metrics.OrdersTotal.WithLabelValues(sideLabel(req)).Inc()
	metrics.OrderLatency.WithLabelValues(sideLabel(req)).Observe(e.now().Sub(start).Seconds())

	// Margin sweep runs after every order, outside the account lock so a
	// forced liquidation can re-enter the settlement path.
	if e.sweeper != nil {
		e.sweeper.SweepAccount(ctx, req.AccountID)
	}

	if e.hub != nil {
		e.hub.Broadcast(WSMessage{
			Type:      "order_executed",
			AccountID: req.AccountID,
			AssetID:   req.AssetID,
			Side:      sideLabel(req),
			Quantity:  req.Quantity.String(),
			Price:     result.ExecutedPrice.String(),
		})
	}

	return result, nil
}

// execute runs steps 2–10 under the account lock: lazy init, validation,
// pricing, position update, cash settlement, valuation refresh, and the
// atomic settlement write.
func (e *Engine) execute(ctx context.Context, req OrderRequest, round *model.Round) (*OrderResult, error) {
	asset, err := e.store.GetAsset(ctx, req.AssetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, req.AssetID)
	}

	account, err := e.loadOrInitAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	price, err := resolvePrice(req, asset.CurrentPrice)
	if err != nil {
		return nil, err
	}

	positions, err := e.store.ListPositions(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	var existing *model.Position
	for i := range positions {
		if positions[i].AssetID == req.AssetID {
			existing = &positions[i]
			break
		}
	}

	sectors, err := e.sectorIndex(ctx, positions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	// Constraint validation is side-effect-free: nothing has been written
	// yet, and the validator only reads the snapshot handed to it.
	if err := e.validator.Check(constraint.Input{
		Account:      account,
		Positions:    positions,
		Existing:     existing,
		Asset:        asset,
		AssetSectors: sectors,
		Round:        round,
		Quantity:     req.Quantity,
		Price:        price,
		IsBuy:        req.IsBuy,
		IsShortSell:  req.IsShortSell,
	}); err != nil {
		return nil, err
	}

	gross := req.Quantity.Mul(price)
	fee := gross.Mul(e.FeeRate)

	if req.IsBuy && account.CashBalance.LessThan(gross.Add(fee)) {
		return nil, fmt.Errorf("%w: order costs %s, cash balance is %s",
			ErrInsufficientFunds, gross.Add(fee).StringFixed(2), account.CashBalance.StringFixed(2))
	}

	if !req.IsBuy && !req.IsShortSell {
		held := decimal.Zero
		if existing != nil && !existing.IsShort {
			held = existing.Quantity
		}
		if held.LessThan(req.Quantity) {
			return nil, fmt.Errorf("%w: selling %s but holding %s",
				ErrInsufficientPosition, req.Quantity.String(), held.String())
		}
	}

	newPos, deletePos := e.applyPosition(req, existing, price)

	// Cash settlement.
	cash := account.CashBalance
	switch {
	case req.IsBuy:
		cash = cash.Sub(gross.Add(fee))
	case req.IsShortSell:
		reserved := gross.Mul(e.InitialMarginRate)
		cash = cash.Add(gross.Sub(fee).Sub(reserved))
	default:
		cash = cash.Add(gross.Sub(fee))
	}

	updated := e.revalue(account, positions, req.AssetID, newPos, deletePos, cash)

	st := &store.Settlement{Account: updated, Position: newPos, DeletePosition: deletePos}
	if deletePos && existing != nil {
		// Keep the row identity for the delete.
		st.Position = existing
	}
	if err := e.store.ApplySettlement(ctx, st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	executedAt := e.now()
	return &OrderResult{
		Success:       true,
		Message:       "order executed",
		ExecutedPrice: price,
		ExecutedAt:    executedAt,
	}, nil
}

// loadOrInitAccount fetches the account, creating it with the starting
// balance on first order.
func (e *Engine) loadOrInitAccount(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	account = &model.Account{
		ID:          accountID,
		CashBalance: e.StartingCash,
		TotalValue:  e.StartingCash,
		ProfitLoss:  decimal.Zero,
		CreatedAt:   e.now(),
		UpdatedAt:   e.now(),
	}
	if err := e.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	slog.Info("account initialized", "account", accountID, "cash", e.StartingCash.String())
	return account, nil
}

// applyPosition computes the post-trade position row. Returns the new row
// and whether the row should be deleted instead (quantity reached zero).
// Four cases by (isBuy, isShortSell, existing isShort).
func (e *Engine) applyPosition(req OrderRequest, existing *model.Position, price decimal.Decimal) (*model.Position, bool) {
	pos := &model.Position{
		ID:        uuid.New().String(),
		AccountID: req.AccountID,
		AssetID:   req.AssetID,
		UpdatedAt: e.now(),
	}
	if existing != nil {
		pos.ID = existing.ID
	}

	existingQty := decimal.Zero
	existingAvg := decimal.Zero
	existingShort := false
	if existing != nil {
		existingQty = existing.Quantity
		existingAvg = existing.AveragePrice
		existingShort = existing.IsShort
	}

	switch {
	case req.IsBuy && existingShort:
		// Cover: average price unchanged, stays short if partially covered.
		pos.Quantity = decimal.Max(decimal.Zero, existingQty.Sub(req.Quantity))
		pos.AveragePrice = existingAvg
		pos.IsShort = pos.Quantity.GreaterThan(decimal.Zero)

	case req.IsBuy:
		// Accumulate long with weighted average price.
		pos.Quantity = existingQty.Add(req.Quantity)
		pos.AveragePrice = weightedAverage(existingQty, existingAvg, req.Quantity, price)
		pos.IsShort = false

	case req.IsShortSell:
		// Open or extend short with weighted average price. An existing
		// long row does not offset: the row flips to a fresh short.
		if existingShort {
			pos.Quantity = existingQty.Add(req.Quantity)
			pos.AveragePrice = weightedAverage(existingQty, existingAvg, req.Quantity, price)
		} else {
			pos.Quantity = req.Quantity
			pos.AveragePrice = price
		}
		pos.IsShort = true

	default:
		// Reduce long: average price unchanged.
		pos.Quantity = decimal.Max(decimal.Zero, existingQty.Sub(req.Quantity))
		pos.AveragePrice = existingAvg
		pos.IsShort = false
	}

	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		return pos, true
	}

	pos.CurrentValue = pos.Quantity.Mul(price)
	if pos.IsShort {
		pos.ProfitLoss = pos.Quantity.Mul(pos.AveragePrice.Sub(price))
		pos.InitialMargin = pos.Quantity.Mul(price).Mul(e.InitialMarginRate)
		pos.MaintenanceMargin = pos.Quantity.Mul(price).Mul(e.MaintenanceMarginRate)
	} else {
		pos.ProfitLoss = pos.Quantity.Mul(price.Sub(pos.AveragePrice))
		pos.InitialMargin = decimal.Zero
		pos.MaintenanceMargin = decimal.Zero
	}
	return pos, false
}

// revalue recomputes the account valuation from cash plus every position,
// with the traded asset's row replaced by its post-trade state. Profit and
// loss are always relative to the fixed starting capital.
func (e *Engine) revalue(account *model.Account, positions []model.Position, tradedAsset string, newPos *model.Position, deleted bool, cash decimal.Decimal) *model.Account {
	total := cash
	add := func(p *model.Position) {
		if p.IsShort {
			total = total.Sub(p.CurrentValue)
		} else {
			total = total.Add(p.CurrentValue)
		}
	}

	for i := range positions {
		if positions[i].AssetID == tradedAsset {
			continue
		}
		add(&positions[i])
	}
	if !deleted && newPos != nil {
		add(newPos)
	}

	pnl := total.Sub(e.StartingCash)
	updated := *account
	updated.CashBalance = cash
	updated.TotalValue = total
	updated.ProfitLoss = pnl
	updated.ProfitLossPct = pnl.Div(e.StartingCash).Mul(decimal.NewFromInt(100))
	updated.UpdatedAt = e.now()
	return &updated
}

// CoverShort force-buys back an entire short position at the current
// market price, through the same settlement path as a user cover. Called
// by the margin monitor; it bypasses the competition gate and constraint
// checks because liquidation must run even while trading is paused.
func (e *Engine) CoverShort(ctx context.Context, accountID, assetID string) error {
	unlock := e.lockAccount(accountID)
	defer unlock()

	asset, err := e.store.GetAsset(ctx, assetID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
	}
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	positions, err := e.store.ListPositions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var short *model.Position
	for i := range positions {
		if positions[i].AssetID == assetID && positions[i].IsShort {
			short = &positions[i]
			break
		}
	}
	if short == nil {
		return nil // already covered
	}

	price := asset.CurrentPrice
	gross := short.Quantity.Mul(price)
	fee := gross.Mul(e.FeeRate)
	cash := account.CashBalance.Sub(gross.Add(fee))

	updated := e.revalue(account, positions, assetID, nil, true, cash)
	st := &store.Settlement{Account: updated, Position: short, DeletePosition: true}
	if err := e.store.ApplySettlement(ctx, st); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	e.audit(ctx, OrderRequest{
		AccountID: accountID,
		AssetID:   assetID,
		OrderType: model.OrderTypeMarket,
		Quantity:  short.Quantity,
		IsBuy:     true,
	}, model.OrderStatusExecuted, "forced liquidation: buy to cover", price, e.now())

	metrics.LiquidationsTotal.Inc()

	if e.hub != nil {
		e.hub.Broadcast(WSMessage{
			Type:      "position_liquidated",
			AccountID: accountID,
			AssetID:   assetID,
			Quantity:  short.Quantity.String(),
			Price:     price.String(),
		})
	}

	slog.Info("short position covered by liquidation",
		"account", accountID,
		"asset", assetID,
		"qty", short.Quantity.String(),
		"price", price.String(),
	)
	return nil
}

// --- helpers ---

func validateRequest(req OrderRequest) error {
	if req.AccountID == "" || req.AssetID == "" {
		return fmt.Errorf("%w: account_id and asset_id are required", ErrInvalidOrder)
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	switch req.OrderType {
	case model.OrderTypeMarket:
	case model.OrderTypeLimit:
		if req.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: limit orders require a limit price", ErrInvalidOrder)
		}
	case model.OrderTypeStopLoss:
		if req.StopPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: stop-loss orders require a stop price", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, req.OrderType)
	}
	if req.IsBuy && req.IsShortSell {
		return fmt.Errorf("%w: an order cannot be both a buy and a short sell", ErrInvalidOrder)
	}
	return nil
}

// resolvePrice applies the immediate-or-reject trigger rules: a limit or
// stop order is accepted only if its condition is already satisfied at
// submission time, and then fills at its own price.
func resolvePrice(req OrderRequest, current decimal.Decimal) (decimal.Decimal, error) {
	switch req.OrderType {
	case model.OrderTypeMarket:
		return current, nil

	case model.OrderTypeLimit:
		if req.IsBuy && req.LimitPrice.LessThan(current) {
			return decimal.Zero, fmt.Errorf("%w: buy limit %s is below the market price %s",
				ErrPriceNotMet, req.LimitPrice.String(), current.String())
		}
		if !req.IsBuy && req.LimitPrice.GreaterThan(current) {
			return decimal.Zero, fmt.Errorf("%w: sell limit %s is above the market price %s",
				ErrPriceNotMet, req.LimitPrice.String(), current.String())
		}
		return req.LimitPrice, nil

	case model.OrderTypeStopLoss:
		if req.IsBuy && req.StopPrice.GreaterThan(current) {
			return decimal.Zero, fmt.Errorf("%w: buy stop %s is above the market price %s",
				ErrPriceNotMet, req.StopPrice.String(), current.String())
		}
		if !req.IsBuy && req.StopPrice.LessThan(current) {
			return decimal.Zero, fmt.Errorf("%w: sell stop %s is below the market price %s",
				ErrPriceNotMet, req.StopPrice.String(), current.String())
		}
		return req.StopPrice, nil
	}
	return decimal.Zero, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, req.OrderType)
}

func weightedAverage(qty1, price1, qty2, price2 decimal.Decimal) decimal.Decimal {
	total := qty1.Add(qty2)
	if total.IsZero() {
		return price2
	}
	return qty1.Mul(price1).Add(qty2.Mul(price2)).Div(total)
}

// sectorIndex builds the assetID → sector map for the held positions.
func (e *Engine) sectorIndex(ctx context.Context, positions []model.Position) (map[string]string, error) {
	sectors := make(map[string]string, len(positions))
	for _, p := range positions {
		a, err := e.store.GetAsset(ctx, p.AssetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		sectors[p.AssetID] = a.Sector
	}
	return sectors, nil
}

// reject records the audit row for a failed order and maps the error into
// a displayable result.
func (e *Engine) reject(ctx context.Context, req OrderRequest, cause error) (*OrderResult, error) {
	e.audit(ctx, req, model.OrderStatusRejected, userMessage(cause), decimal.Zero, e.now())
	metrics.OrderRejections.WithLabelValues(rejectionReason(cause)).Inc()
	return &OrderResult{Success: false, Message: userMessage(cause)}, cause
}

// audit appends the order record. Audit writes sit outside the settlement
// transaction; a failure here is logged, never surfaced to the caller.
func (e *Engine) audit(ctx context.Context, req OrderRequest, status, message string, price decimal.Decimal, at time.Time) {
	o := &model.Order{
		ID:            uuid.New().String(),
		AccountID:     req.AccountID,
		AssetID:       req.AssetID,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		IsBuy:         req.IsBuy,
		IsShortSell:   req.IsShortSell,
		Status:        status,
		Message:       message,
		ExecutedPrice: price,
		ExecutedAt:    at,
	}
	if err := e.store.InsertOrder(ctx, o); err != nil {
		slog.Error("order audit write failed", "account", req.AccountID, "err", err)
	}
}

// userMessage strips the sentinel prefix, leaving the display text.
func userMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sideLabel(req OrderRequest) string {
	switch {
	case req.IsBuy:
		return "buy"
	case req.IsShortSell:
		return "short_sell"
	default:
		return "sell"
	}
}

// rejectionReason labels the metrics counter without leaking free text.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrCompetitionNotActive):
		return "competition_not_active"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrAssetNotFound):
		return "asset_not_found"
	case errors.Is(err, ErrPriceNotMet):
		return "price_not_met"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, constraint.ErrPositionLimitExceeded),
		errors.Is(err, constraint.ErrSectorLimitExceeded),
		errors.Is(err, constraint.ErrInsufficientMargin),
		errors.Is(err, constraint.ErrShortSellingDisabled):
		return "constraint_violation"
	default:
		return "other"
	}
}

// lockAccount serializes order execution per account. Cross-account orders
// proceed independently.
func (e *Engine) lockAccount(accountID string) func() {
	e.mu.Lock()
	l, ok := e.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[accountID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}
