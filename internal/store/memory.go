package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	assets    map[string]*model.Asset
	accounts  map[string]*model.Account
	positions map[string]*model.Position // key: accountID + "/" + assetID
	round     *model.Round
	orders    []model.Order
	warnings  []model.MarginWarning
}

// NewMemoryStore creates a new in-memory store with no active round.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:    make(map[string]*model.Asset),
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]*model.Position),
	}
}

func posKey(accountID, assetID string) string {
	return accountID + "/" + assetID
}

// --- Market data ---

func (s *MemoryStore) GetAsset(_ context.Context, id string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets, nil
}

func (s *MemoryStore) UpsertAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *a
	s.assets[a.ID] = &copy
	return nil
}

func (s *MemoryStore) UpdateAssetPrice(_ context.Context, id string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	a.PreviousClose = a.CurrentPrice
	a.CurrentPrice = price
	return nil
}

// --- Competition round ---

func (s *MemoryStore) GetActiveRound(_ context.Context) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.round == nil {
		return nil, fmt.Errorf("active round: %w", ErrNotFound)
	}
	copy := *s.round
	return &copy, nil
}

func (s *MemoryStore) PutRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *r
	s.round = &copy
	return nil
}

// --- Accounts and positions ---

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].TotalValue.GreaterThan(accounts[j].TotalValue)
	})
	return accounts, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, assetID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(accountID, assetID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, assetID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].AssetID < positions[j].AssetID })
	return positions, nil
}

// --- Atomic settlement ---

// ApplySettlement applies all mutations under one lock acquisition, so a
// concurrent reader never observes cash without the matching position.
func (s *MemoryStore) ApplySettlement(_ context.Context, st *Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.Account == nil {
		return fmt.Errorf("settlement missing account state")
	}

	acct := *st.Account
	s.accounts[acct.ID] = &acct

	if st.Position != nil {
		key := posKey(st.Position.AccountID, st.Position.AssetID)
		if st.DeletePosition {
			delete(s.positions, key)
		} else {
			pos := *st.Position
			s.positions[key] = &pos
		}
	}
	return nil
}

// --- Audit trail ---

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders = append(s.orders, *o)
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for i := len(s.orders) - 1; i >= 0; i-- {
		if s.orders[i].AccountID == accountID {
			orders = append(orders, s.orders[i])
		}
	}
	return orders, nil
}

func (s *MemoryStore) InsertMarginWarning(_ context.Context, w *model.MarginWarning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.warnings = append(s.warnings, *w)
	return nil
}

func (s *MemoryStore) ListMarginWarnings(_ context.Context, accountID string) ([]model.MarginWarning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var warnings []model.MarginWarning
	for i := len(s.warnings) - 1; i >= 0; i-- {
		if s.warnings[i].AccountID == accountID {
			warnings = append(warnings, s.warnings[i])
		}
	}
	return warnings, nil
}

func (s *MemoryStore) LatestMarginWarning(_ context.Context, accountID, positionID, warningType string) (*model.MarginWarning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.MarginWarning
	for i := range s.warnings {
		w := &s.warnings[i]
		if w.AccountID != accountID || w.PositionID != positionID || w.WarningType != warningType {
			continue
		}
		if latest == nil || w.CreatedAt.After(latest.CreatedAt) {
			latest = w
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("margin warning %s/%s: %w", accountID, positionID, ErrNotFound)
	}
	copy := *latest
	return &copy, nil
}
