// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trade-engine/internal/model"
)

// ErrNotFound is returned by lookups when the record does not exist.
// Implementations wrap it so callers can test with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Settlement is the full set of mutations produced by one order execution.
// ApplySettlement must make either all of it visible or none of it.
type Settlement struct {
	// Account is the post-trade account state. Required.
	Account *model.Account

	// Position is the post-trade position state for the traded asset.
	// Nil when the order touched no position row (not possible today, but
	// the cover-to-zero case sets DeletePosition instead of a new state).
	Position *model.Position

	// DeletePosition removes the (AccountID, AssetID) row identified by
	// Position instead of upserting it. Used when quantity reaches zero.
	DeletePosition bool
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market data (engine reads; external price process writes) ---

	// GetAsset retrieves an asset by its ID.
	GetAsset(ctx context.Context, id string) (*model.Asset, error)

	// ListAssets returns the full asset catalog.
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// UpsertAsset creates or replaces an asset record.
	UpsertAsset(ctx context.Context, a *model.Asset) error

	// UpdateAssetPrice sets the current price, rolling the old current
	// price into previous_close.
	UpdateAssetPrice(ctx context.Context, id string, price decimal.Decimal) error

	// --- Competition round ---

	// GetActiveRound returns the current round.
	GetActiveRound(ctx context.Context) (*model.Round, error)

	// PutRound replaces the current round state.
	PutRound(ctx context.Context, r *model.Round) error

	// --- Accounts and positions ---

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// CreateAccount persists a newly initialized account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// ListAccounts returns all accounts ordered by total value descending.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// GetPosition retrieves the (account, asset) position row.
	GetPosition(ctx context.Context, accountID, assetID string) (*model.Position, error)

	// ListPositions returns all positions for an account.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Atomic settlement ---

	// ApplySettlement applies the account update plus position
	// upsert/delete as a single transaction. A failure leaves no partial
	// cash-without-position or position-without-cash state.
	ApplySettlement(ctx context.Context, s *Settlement) error

	// --- Audit trail ---

	// InsertOrder appends an immutable order record.
	InsertOrder(ctx context.Context, o *model.Order) error

	// ListOrders returns an account's order history, newest first.
	ListOrders(ctx context.Context, accountID string) ([]model.Order, error)

	// InsertMarginWarning appends a margin warning record.
	InsertMarginWarning(ctx context.Context, w *model.MarginWarning) error

	// ListMarginWarnings returns an account's warning history, newest first.
	ListMarginWarnings(ctx context.Context, accountID string) ([]model.MarginWarning, error)

	// LatestMarginWarning returns the most recent warning of the given
	// type for an account+position, or ErrNotFound.
	LatestMarginWarning(ctx context.Context, accountID, positionID, warningType string) (*model.MarginWarning, error)
}
