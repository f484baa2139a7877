package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradearena/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot reads of the order path: assets, accounts, and single
// positions. Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetKey(id)).Bytes()
	if err == nil {
		var a model.Asset
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, assetKey(id), a)
	return a, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, accountKey(id), a)
	return a, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, assetID string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(accountID, assetID)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, accountID, assetID)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, positionKey(accountID, assetID), p)
	return p, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.UpsertAsset(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, assetKey(a.ID), a)
	return nil
}

func (s *CachedStore) UpdateAssetPrice(ctx context.Context, id string, price decimal.Decimal) error {
	if err := s.primary.UpdateAssetPrice(ctx, id, price); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the fresh price.
	s.rdb.Del(ctx, assetKey(id))
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, accountKey(a.ID), a)
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, st *Settlement) error {
	if err := s.primary.ApplySettlement(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(st.Account.ID))
	if st.Position != nil {
		s.rdb.Del(ctx, positionKey(st.Position.AccountID, st.Position.AssetID))
	}
	return nil
}

func (s *CachedStore) PutRound(ctx context.Context, r *model.Round) error {
	if err := s.primary.PutRound(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, roundKey())
	return nil
}

func (s *CachedStore) GetActiveRound(ctx context.Context) (*model.Round, error) {
	data, err := s.rdb.Get(ctx, roundKey()).Bytes()
	if err == nil {
		var r model.Round
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetActiveRound(ctx)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, roundKey(), r)
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	return s.primary.ListAssets(ctx)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, accountID)
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, accountID)
}

func (s *CachedStore) InsertMarginWarning(ctx context.Context, w *model.MarginWarning) error {
	return s.primary.InsertMarginWarning(ctx, w)
}

func (s *CachedStore) ListMarginWarnings(ctx context.Context, accountID string) ([]model.MarginWarning, error) {
	return s.primary.ListMarginWarnings(ctx, accountID)
}

func (s *CachedStore) LatestMarginWarning(ctx context.Context, accountID, positionID, warningType string) (*model.MarginWarning, error) {
	return s.primary.LatestMarginWarning(ctx, accountID, positionID, warningType)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func assetKey(id string) string                 { return fmt.Sprintf("asset:%s", id) }
func accountKey(id string) string               { return fmt.Sprintf("account:%s", id) }
func positionKey(accountID, assetID string) string { return fmt.Sprintf("position:%s:%s", accountID, assetID) }
func roundKey() string                          { return "round:active" }
