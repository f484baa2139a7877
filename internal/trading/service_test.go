package trading_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradearena/trade-engine/internal/constraint"
	"github.com/tradearena/trade-engine/internal/margin"
	"github.com/tradearena/trade-engine/internal/model"
	"github.com/tradearena/trade-engine/internal/store"
	"github.com/tradearena/trade-engine/internal/trading"
)

// newTestServer builds the full HTTP surface over an in-memory store with
// an active round 2 and two seeded assets.
func newTestServer(t *testing.T) (*chi.Mux, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()

	if err := ms.PutRound(ctx, &model.Round{
		Number:              2,
		Status:              model.RoundStatusActive,
		ShortSellingAllowed: true,
		StartedAt:           time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed round: %v", err)
	}
	seedAsset(t, ms, "acme", "ACME", 100, model.AssetTypeStock, "tech")
	seedAsset(t, ms, "oil", "OIL", 50, model.AssetTypeCommodity, "energy")

	engine := trading.NewEngine(ms, constraint.NewValidator(), nil)
	monitor := margin.NewMonitor(ms, engine)
	engine.SetSweeper(monitor)

	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) {
		trading.NewService(engine, ms, monitor).Routes(r)
	})
	return router, ms
}

func doRequest(t *testing.T, router *chi.Mux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestPlaceOrder_HTTP(t *testing.T) {
	router, ms := newTestServer(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/orders", map[string]any{
		"account_id": "u1",
		"asset_id":   "acme",
		"order_type": "market",
		"quantity":   "10",
		"is_buy":     true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	result := decodeBody[trading.OrderResult](t, rec)
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Message)
	}
	if !result.ExecutedPrice.Equal(d(100)) {
		t.Errorf("expected executed price 100, got %s", result.ExecutedPrice)
	}

	account, err := ms.GetAccount(context.Background(), "u1")
	if err != nil {
		t.Fatalf("account not created: %v", err)
	}
	if !account.CashBalance.Equal(d(498999)) {
		t.Errorf("expected cash 498999, got %s", account.CashBalance)
	}
}

func TestPlaceOrder_HTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			"invalid quantity", map[string]any{
				"account_id": "u1", "asset_id": "acme", "order_type": "market",
				"quantity": "0", "is_buy": true,
			}, http.StatusBadRequest,
		},
		{
			"unknown asset", map[string]any{
				"account_id": "u1", "asset_id": "nope", "order_type": "market",
				"quantity": "10", "is_buy": true,
			}, http.StatusNotFound,
		},
		{
			"sell without holding", map[string]any{
				"account_id": "u1", "asset_id": "acme", "order_type": "market",
				"quantity": "10",
			}, http.StatusConflict,
		},
		{
			"position limit", map[string]any{
				"account_id": "u1", "asset_id": "acme", "order_type": "market",
				"quantity": "2000", "is_buy": true, // 200000 > 20% of 500000
			}, http.StatusConflict,
		},
		{
			"limit not met", map[string]any{
				"account_id": "u1", "asset_id": "acme", "order_type": "limit",
				"quantity": "10", "limit_price": "95", "is_buy": true,
			}, http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestServer(t)
			rec := doRequest(t, router, http.MethodPost, "/api/v1/orders", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			result := decodeBody[trading.OrderResult](t, rec)
			if result.Success {
				t.Error("rejected order must not report success")
			}
			if result.Message == "" {
				t.Error("rejected order must carry a message")
			}
		})
	}
}

func TestPlaceOrder_MalformedBody(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestPlaceOrder_PausedRound(t *testing.T) {
	router, ms := newTestServer(t)

	if err := ms.PutRound(context.Background(), &model.Round{
		Number: 2, Status: model.RoundStatusPaused,
	}); err != nil {
		t.Fatalf("pause round: %v", err)
	}

	rec := doRequest(t, router, http.MethodPost, "/api/v1/orders", map[string]any{
		"account_id": "u1", "asset_id": "acme", "order_type": "market",
		"quantity": "10", "is_buy": true,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while paused, got %d", rec.Code)
	}
}

func TestAccountEndpoints(t *testing.T) {
	router, _ := newTestServer(t)

	// Unknown account.
	rec := doRequest(t, router, http.MethodGet, "/api/v1/accounts/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown account, got %d", rec.Code)
	}

	// Trade creates the account lazily.
	doRequest(t, router, http.MethodPost, "/api/v1/orders", map[string]any{
		"account_id": "u1", "asset_id": "acme", "order_type": "market",
		"quantity": "10", "is_buy": true,
	})

	rec = doRequest(t, router, http.MethodGet, "/api/v1/accounts/u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	account := decodeBody[model.Account](t, rec)
	if !account.CashBalance.Equal(d(498999)) {
		t.Errorf("expected cash 498999, got %s", account.CashBalance)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/accounts/u1/positions", nil)
	positions := decodeBody[[]model.Position](t, rec)
	if len(positions) != 1 || !positions[0].Quantity.Equal(d(10)) {
		t.Errorf("expected one position of qty 10, got %+v", positions)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/accounts/u1/orders", nil)
	orders := decodeBody[[]model.Order](t, rec)
	if len(orders) != 1 || orders[0].Status != model.OrderStatusExecuted {
		t.Errorf("expected one executed order record, got %+v", orders)
	}

	// Empty collections come back as [], not null.
	rec = doRequest(t, router, http.MethodGet, "/api/v1/accounts/u1/warnings", nil)
	if body := rec.Body.String(); body == "null\n" {
		t.Error("warnings should encode as an empty array")
	}
}

func TestListPositions_ShortStateDerived(t *testing.T) {
	router, ms := newTestServer(t)
	ctx := context.Background()

	// A short in the warning band: 170 cash against a 1000 liability.
	account := &model.Account{ID: "u1", CashBalance: d(170), TotalValue: d(170)}
	if err := ms.CreateAccount(ctx, account); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	pos := &model.Position{
		ID: "p1", AccountID: "u1", AssetID: "oil",
		Quantity: d(20), AveragePrice: d(50), CurrentValue: d(1000), IsShort: true,
	}
	if err := ms.ApplySettlement(ctx, &store.Settlement{Account: account, Position: pos}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	// No warning yet: the short is open.
	rec := doRequest(t, router, http.MethodGet, "/api/v1/accounts/u1/positions", nil)
	if !strings.Contains(rec.Body.String(), `"state":"open"`) {
		t.Errorf("expected open state before any warning, got %s", rec.Body.String())
	}

	// The sweep emits a maintenance warning at 17%; the state follows.
	doRequest(t, router, http.MethodPost, "/api/v1/margin/sweep", nil)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/accounts/u1/positions", nil)
	if !strings.Contains(rec.Body.String(), `"state":"warned"`) {
		t.Errorf("expected warned state after the sweep, got %s", rec.Body.String())
	}
}

func TestListAccounts_OrderedByValue(t *testing.T) {
	router, _ := newTestServer(t)

	// u1 pays more fees than u2, so u2 ends up ahead.
	doRequest(t, router, http.MethodPost, "/api/v1/orders", map[string]any{
		"account_id": "u1", "asset_id": "acme", "order_type": "market",
		"quantity": "100", "is_buy": true,
	})
	doRequest(t, router, http.MethodPost, "/api/v1/orders", map[string]any{
		"account_id": "u2", "asset_id": "acme", "order_type": "market",
		"quantity": "10", "is_buy": true,
	})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/accounts", nil)
	accounts := decodeBody[[]model.Account](t, rec)
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	if accounts[0].ID != "u2" {
		t.Errorf("expected u2 ranked first, got %s", accounts[0].ID)
	}
}

func TestAssetEndpoints(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/assets", nil)
	assets := decodeBody[[]model.Asset](t, rec)
	if len(assets) != 2 {
		t.Fatalf("expected 2 seeded assets, got %d", len(assets))
	}

	rec = doRequest(t, router, http.MethodPost, "/api/v1/assets", map[string]any{
		"id": "gold", "symbol": "GOLD", "current_price": "1900",
		"asset_type": model.AssetTypeCommodity, "sector": "metals",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/assets/gold", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	asset := decodeBody[model.Asset](t, rec)
	if !asset.CurrentPrice.Equal(d(1900)) {
		t.Errorf("expected price 1900, got %s", asset.CurrentPrice)
	}

	// Missing required fields.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/assets", map[string]any{"symbol": "X"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing id, got %d", rec.Code)
	}
}

func TestUpdatePrice(t *testing.T) {
	router, ms := newTestServer(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/assets/acme/price", map[string]any{"price": "120"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	asset, _ := ms.GetAsset(context.Background(), "acme")
	if !asset.CurrentPrice.Equal(d(120)) {
		t.Errorf("expected price 120, got %s", asset.CurrentPrice)
	}
	if !asset.PreviousClose.Equal(d(100)) {
		t.Errorf("expected previous close 100, got %s", asset.PreviousClose)
	}

	rec = doRequest(t, router, http.MethodPost, "/api/v1/assets/nope/price", map[string]any{"price": "120"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown asset, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPost, "/api/v1/assets/acme/price", map[string]any{"price": "-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-positive price, got %d", rec.Code)
	}
}

func TestRoundEndpoints(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/round", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	round := decodeBody[model.Round](t, rec)
	if round.Number != 2 || !round.ShortSellingAllowed {
		t.Errorf("unexpected seeded round: %+v", round)
	}

	rec = doRequest(t, router, http.MethodPut, "/api/v1/round", map[string]any{
		"number": 3, "status": model.RoundStatusActive, "short_selling_allowed": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/round", nil)
	round = decodeBody[model.Round](t, rec)
	if round.Number != 3 {
		t.Errorf("expected round 3 after transition, got %d", round.Number)
	}

	rec = doRequest(t, router, http.MethodPut, "/api/v1/round", map[string]any{"number": 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for round 0, got %d", rec.Code)
	}
}

func TestRunMarginSweep_HTTP(t *testing.T) {
	router, ms := newTestServer(t)
	ctx := context.Background()

	// An undercollateralized short the sweep must liquidate.
	account := &model.Account{ID: "u1", CashBalance: d(140), TotalValue: d(140)}
	if err := ms.CreateAccount(ctx, account); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	pos := &model.Position{
		ID: "p1", AccountID: "u1", AssetID: "oil",
		Quantity: d(20), AveragePrice: d(50), CurrentValue: d(1000), IsShort: true,
	}
	if err := ms.ApplySettlement(ctx, &store.Settlement{Account: account, Position: pos}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	rec := doRequest(t, router, http.MethodPost, "/api/v1/margin/sweep", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	if _, err := ms.GetPosition(ctx, "u1", "oil"); err == nil {
		t.Error("sweep should have liquidated the short")
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/accounts/u1/warnings", nil)
	warnings := decodeBody[[]model.MarginWarning](t, rec)
	if len(warnings) != 1 || warnings[0].WarningType != model.WarningLiquidation {
		t.Fatalf("expected one liquidation warning, got %+v", warnings)
	}
}
