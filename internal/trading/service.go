package trading

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradearena/trade-engine/internal/constraint"
	"github.com/tradearena/trade-engine/internal/model"
	"github.com/tradearena/trade-engine/internal/store"
)

// Sweeper is the margin monitor surface the HTTP layer needs for the
// periodic sweep endpoint.
type Sweeper interface {
	SweepAll(ctx context.Context)
}

// Service wires the execution engine, store, and margin monitor into HTTP
// handlers.
type Service struct {
	engine  *Engine
	store   store.Store
	sweeper Sweeper
}

// NewService creates the HTTP service around an engine.
func NewService(engine *Engine, st store.Store, sweeper Sweeper) *Service {
	return &Service{engine: engine, store: st, sweeper: sweeper}
}

// Routes mounts all API routes on the given router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/orders", s.PlaceOrder)
	r.Get("/accounts", s.ListAccounts)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Get("/accounts/{accountID}/positions", s.ListPositions)
	r.Get("/accounts/{accountID}/orders", s.ListOrders)
	r.Get("/accounts/{accountID}/warnings", s.ListWarnings)
	r.Get("/assets", s.ListAssets)
	r.Post("/assets", s.UpsertAsset)
	r.Get("/assets/{assetID}", s.GetAsset)
	r.Post("/assets/{assetID}/price", s.UpdatePrice)
	r.Get("/round", s.GetRound)
	r.Put("/round", s.PutRound)
	r.Post("/margin/sweep", s.RunMarginSweep)
}

// PlaceOrder handles POST /api/v1/orders.
// Executes the order synchronously and returns the structured result.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.engine.ExecuteOrder(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), result)
		return
	}

	slog.Info("order executed",
		"account", req.AccountID,
		"asset", req.AssetID,
		"side", sideLabel(req),
		"qty", req.Quantity.String(),
		"price", result.ExecutedPrice.String(),
	)
	writeJSON(w, http.StatusOK, result)
}

// GetAccount handles GET /api/v1/accounts/{accountID}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	account, err := s.store.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// ListAccounts handles GET /api/v1/accounts.
// Returns all accounts ordered by total value descending.
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// positionView is a position row with the derived short lifecycle state.
// State is empty for long positions.
type positionView struct {
	model.Position
	State model.ShortState `json:"state,omitempty"`
}

// ListPositions handles GET /api/v1/accounts/{accountID}/positions.
// Short positions carry their derived state (open or warned); liquidated
// and covered shorts have no row and surface through the warnings history.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	positions, err := s.store.ListPositions(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}

	views := make([]positionView, 0, len(positions))
	for i := range positions {
		v := positionView{Position: positions[i]}
		if positions[i].IsShort {
			latest, err := s.store.LatestMarginWarning(r.Context(), accountID, positions[i].ID, model.WarningMaintenance)
			if err != nil {
				latest = nil
			}
			v.State = model.StateOf(&positions[i], latest)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// ListOrders handles GET /api/v1/accounts/{accountID}/orders.
// Returns the audit trail, newest first.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListOrders(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListWarnings handles GET /api/v1/accounts/{accountID}/warnings.
func (s *Service) ListWarnings(w http.ResponseWriter, r *http.Request) {
	warnings, err := s.store.ListMarginWarnings(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, "failed to list warnings", http.StatusInternalServerError)
		return
	}
	if warnings == nil {
		warnings = []model.MarginWarning{}
	}
	writeJSON(w, http.StatusOK, warnings)
}

// ListAssets handles GET /api/v1/assets.
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.store.ListAssets(r.Context())
	if err != nil {
		writeError(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetAsset handles GET /api/v1/assets/{assetID}.
func (s *Service) GetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.store.GetAsset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		writeError(w, "asset not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// UpsertAsset handles POST /api/v1/assets — the admin catalog hook.
func (s *Service) UpsertAsset(w http.ResponseWriter, r *http.Request) {
	var asset model.Asset
	if err := json.NewDecoder(r.Body).Decode(&asset); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if asset.ID == "" || asset.Symbol == "" {
		writeError(w, "id and symbol are required", http.StatusBadRequest)
		return
	}
	if err := s.store.UpsertAsset(r.Context(), &asset); err != nil {
		writeError(w, "failed to store asset", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

// priceUpdateRequest is the JSON body for POST /assets/{assetID}/price.
type priceUpdateRequest struct {
	Price decimal.Decimal `json:"price"`
}

// UpdatePrice handles POST /api/v1/assets/{assetID}/price — the write hook
// used by the external price process. The engine itself never writes prices.
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")

	var req priceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Price.LessThanOrEqual(decimal.Zero) {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateAssetPrice(r.Context(), assetID, req.Price); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "asset not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to update price", http.StatusInternalServerError)
		return
	}

	if s.engine.hub != nil {
		s.engine.hub.Broadcast(WSMessage{
			Type:    "price_updated",
			AssetID: assetID,
			Price:   req.Price.String(),
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRound handles GET /api/v1/round.
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.store.GetActiveRound(r.Context())
	if err != nil {
		writeError(w, "no active round", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// PutRound handles PUT /api/v1/round — the admin round-transition hook.
func (s *Service) PutRound(w http.ResponseWriter, r *http.Request) {
	var round model.Round
	if err := json.NewDecoder(r.Body).Decode(&round); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if round.Number < 1 {
		writeError(w, "round number must be at least 1", http.StatusBadRequest)
		return
	}
	if round.StartedAt.IsZero() {
		round.StartedAt = time.Now().UTC()
	}

	if err := s.store.PutRound(r.Context(), &round); err != nil {
		writeError(w, "failed to store round", http.StatusInternalServerError)
		return
	}

	slog.Info("round updated",
		"number", round.Number,
		"status", round.Status,
		"short_selling", round.ShortSellingAllowed,
	)
	writeJSON(w, http.StatusOK, round)
}

// RunMarginSweep handles POST /api/v1/margin/sweep — the entry point for
// the external periodic margin-check job. Sweeps every account.
func (s *Service) RunMarginSweep(w http.ResponseWriter, r *http.Request) {
	s.sweeper.SweepAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps engine and constraint errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, ErrAssetNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPersistence):
		return http.StatusInternalServerError
	case errors.Is(err, ErrCompetitionNotActive),
		errors.Is(err, ErrPriceNotMet),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientPosition),
		errors.Is(err, constraint.ErrPositionLimitExceeded),
		errors.Is(err, constraint.ErrSectorLimitExceeded),
		errors.Is(err, constraint.ErrInsufficientMargin),
		errors.Is(err, constraint.ErrShortSellingDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
