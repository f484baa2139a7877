package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradearena/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Market data ---

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	var a model.Asset
	var price, prevClose string

	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, current_price::TEXT, previous_close::TEXT, asset_type, sector
		 FROM assets WHERE id = $1`, id).
		Scan(&a.ID, &a.Symbol, &price, &prevClose, &a.AssetType, &a.Sector)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", id, err)
	}

	a.CurrentPrice, _ = decimal.NewFromString(price)
	a.PreviousClose, _ = decimal.NewFromString(prevClose)
	return &a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, current_price::TEXT, previous_close::TEXT, asset_type, sector
		 FROM assets ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var a model.Asset
		var price, prevClose string
		if err := rows.Scan(&a.ID, &a.Symbol, &price, &prevClose, &a.AssetType, &a.Sector); err != nil {
			return nil, err
		}
		a.CurrentPrice, _ = decimal.NewFromString(price)
		a.PreviousClose, _ = decimal.NewFromString(prevClose)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, symbol, current_price, previous_close, asset_type, sector)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET symbol = EXCLUDED.symbol,
		     current_price = EXCLUDED.current_price,
		     previous_close = EXCLUDED.previous_close,
		     asset_type = EXCLUDED.asset_type,
		     sector = EXCLUDED.sector`,
		a.ID, a.Symbol, a.CurrentPrice.String(), a.PreviousClose.String(),
		a.AssetType, a.Sector,
	)
	return err
}

func (s *PostgresStore) UpdateAssetPrice(ctx context.Context, id string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assets
		 SET previous_close = current_price, current_price = $2::NUMERIC
		 WHERE id = $1`,
		id, price.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Competition round ---

// The rounds table holds a single current row (id = 1), replaced by admin
// round transitions.
func (s *PostgresStore) GetActiveRound(ctx context.Context) (*model.Round, error) {
	var r model.Round
	err := s.pool.QueryRow(ctx,
		`SELECT number, status, short_selling_allowed, started_at
		 FROM rounds WHERE id = 1`).
		Scan(&r.Number, &r.Status, &r.ShortSellingAllowed, &r.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active round: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active round: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) PutRound(ctx context.Context, r *model.Round) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (id, number, status, short_selling_allowed, started_at)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET number = EXCLUDED.number,
		     status = EXCLUDED.status,
		     short_selling_allowed = EXCLUDED.short_selling_allowed,
		     started_at = EXCLUDED.started_at`,
		r.Number, r.Status, r.ShortSellingAllowed, r.StartedAt,
	)
	return err
}

// --- Accounts and positions ---

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var cash, total, pnl, pnlPct string

	err := s.pool.QueryRow(ctx,
		`SELECT id, cash_balance::TEXT, total_value::TEXT,
		        profit_loss::TEXT, profit_loss_percentage::TEXT,
		        created_at, updated_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &cash, &total, &pnl, &pnlPct, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}

	a.CashBalance, _ = decimal.NewFromString(cash)
	a.TotalValue, _ = decimal.NewFromString(total)
	a.ProfitLoss, _ = decimal.NewFromString(pnl)
	a.ProfitLossPct, _ = decimal.NewFromString(pnlPct)
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, cash_balance, total_value, profit_loss, profit_loss_percentage, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
		a.ID, a.CashBalance.String(), a.TotalValue.String(),
		a.ProfitLoss.String(), a.ProfitLossPct.String(),
		a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, cash_balance::TEXT, total_value::TEXT,
		        profit_loss::TEXT, profit_loss_percentage::TEXT,
		        created_at, updated_at
		 FROM accounts ORDER BY total_value DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var cash, total, pnl, pnlPct string
		if err := rows.Scan(&a.ID, &cash, &total, &pnl, &pnlPct, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.CashBalance, _ = decimal.NewFromString(cash)
		a.TotalValue, _ = decimal.NewFromString(total)
		a.ProfitLoss, _ = decimal.NewFromString(pnl)
		a.ProfitLossPct, _ = decimal.NewFromString(pnlPct)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

const positionColumns = `id, account_id, asset_id, quantity::TEXT, average_price::TEXT,
	        current_value::TEXT, profit_loss::TEXT, is_short,
	        initial_margin::TEXT, maintenance_margin::TEXT, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, assetID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE account_id = $1 AND asset_id = $2`,
		accountID, assetID)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, assetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", accountID, assetID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE account_id = $1 ORDER BY asset_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Atomic settlement ---

// ApplySettlement runs the account update and position upsert/delete inside
// one transaction, locking the touched rows so concurrent settlements
// against the same account serialize at the database.
func (s *PostgresStore) ApplySettlement(ctx context.Context, st *Settlement) error {
	if st.Account == nil {
		return fmt.Errorf("settlement missing account state")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the account row for the duration of the transaction.
	var locked string
	err = tx.QueryRow(ctx,
		`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, st.Account.ID).Scan(&locked)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock account %s: %w", st.Account.ID, err)
	}

	a := st.Account
	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, cash_balance, total_value, profit_loss, profit_loss_percentage, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET cash_balance = EXCLUDED.cash_balance,
		     total_value = EXCLUDED.total_value,
		     profit_loss = EXCLUDED.profit_loss,
		     profit_loss_percentage = EXCLUDED.profit_loss_percentage,
		     updated_at = EXCLUDED.updated_at`,
		a.ID, a.CashBalance.String(), a.TotalValue.String(),
		a.ProfitLoss.String(), a.ProfitLossPct.String(),
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("settle account %s: %w", a.ID, err)
	}

	if p := st.Position; p != nil {
		if st.DeletePosition {
			_, err = tx.Exec(ctx,
				`DELETE FROM positions WHERE account_id = $1 AND asset_id = $2`,
				p.AccountID, p.AssetID)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO positions (id, account_id, asset_id, quantity, average_price,
				                        current_value, profit_loss, is_short,
				                        initial_margin, maintenance_margin, updated_at)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, $11)
				 ON CONFLICT (account_id, asset_id) DO UPDATE
				 SET quantity = EXCLUDED.quantity,
				     average_price = EXCLUDED.average_price,
				     current_value = EXCLUDED.current_value,
				     profit_loss = EXCLUDED.profit_loss,
				     is_short = EXCLUDED.is_short,
				     initial_margin = EXCLUDED.initial_margin,
				     maintenance_margin = EXCLUDED.maintenance_margin,
				     updated_at = EXCLUDED.updated_at`,
				p.ID, p.AccountID, p.AssetID,
				p.Quantity.String(), p.AveragePrice.String(),
				p.CurrentValue.String(), p.ProfitLoss.String(), p.IsShort,
				p.InitialMargin.String(), p.MaintenanceMargin.String(),
				p.UpdatedAt,
			)
		}
		if err != nil {
			return fmt.Errorf("settle position %s/%s: %w", p.AccountID, p.AssetID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}
	return nil
}

// --- Audit trail ---

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, account_id, asset_id, order_type, quantity,
		                     limit_price, stop_price, is_buy, is_short_sell,
		                     status, message, executed_price, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12::NUMERIC, $13)`,
		o.ID, o.AccountID, o.AssetID, o.OrderType, o.Quantity.String(),
		o.LimitPrice.String(), o.StopPrice.String(), o.IsBuy, o.IsShortSell,
		o.Status, o.Message, o.ExecutedPrice.String(), o.ExecutedAt,
	)
	return err
}

func (s *PostgresStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, asset_id, order_type, quantity::TEXT,
		        limit_price::TEXT, stop_price::TEXT, is_buy, is_short_sell,
		        status, message, executed_price::TEXT, executed_at
		 FROM orders WHERE account_id = $1 ORDER BY executed_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var qty, limit, stop, price string
		if err := rows.Scan(&o.ID, &o.AccountID, &o.AssetID, &o.OrderType, &qty,
			&limit, &stop, &o.IsBuy, &o.IsShortSell,
			&o.Status, &o.Message, &price, &o.ExecutedAt); err != nil {
			return nil, err
		}
		o.Quantity, _ = decimal.NewFromString(qty)
		o.LimitPrice, _ = decimal.NewFromString(limit)
		o.StopPrice, _ = decimal.NewFromString(stop)
		o.ExecutedPrice, _ = decimal.NewFromString(price)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) InsertMarginWarning(ctx context.Context, w *model.MarginWarning) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO margin_warnings (id, account_id, position_id, margin_level, warning_type, message, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		w.ID, w.AccountID, w.PositionID, w.MarginLevel.String(),
		w.WarningType, w.Message, w.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListMarginWarnings(ctx context.Context, accountID string) ([]model.MarginWarning, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, position_id, margin_level::TEXT, warning_type, message, created_at
		 FROM margin_warnings WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var warnings []model.MarginWarning
	for rows.Next() {
		var w model.MarginWarning
		var level string
		if err := rows.Scan(&w.ID, &w.AccountID, &w.PositionID, &level,
			&w.WarningType, &w.Message, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.MarginLevel, _ = decimal.NewFromString(level)
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}

func (s *PostgresStore) LatestMarginWarning(ctx context.Context, accountID, positionID, warningType string) (*model.MarginWarning, error) {
	var w model.MarginWarning
	var level string

	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, position_id, margin_level::TEXT, warning_type, message, created_at
		 FROM margin_warnings
		 WHERE account_id = $1 AND position_id = $2 AND warning_type = $3
		 ORDER BY created_at DESC LIMIT 1`,
		accountID, positionID, warningType).
		Scan(&w.ID, &w.AccountID, &w.PositionID, &level, &w.WarningType, &w.Message, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("margin warning %s/%s: %w", accountID, positionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	w.MarginLevel, _ = decimal.NewFromString(level)
	return &w, nil
}

// scanPosition reads one positions row from either QueryRow or Query rows.
func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var qty, avg, value, pnl, initMargin, maintMargin string

	if err := row.Scan(&p.ID, &p.AccountID, &p.AssetID, &qty, &avg,
		&value, &pnl, &p.IsShort,
		&initMargin, &maintMargin, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AveragePrice, _ = decimal.NewFromString(avg)
	p.CurrentValue, _ = decimal.NewFromString(value)
	p.ProfitLoss, _ = decimal.NewFromString(pnl)
	p.InitialMargin, _ = decimal.NewFromString(initMargin)
	p.MaintenanceMargin, _ = decimal.NewFromString(maintMargin)
	return &p, nil
}
