package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/paper-ledger/internal/model"
)

//go:embed schema/postgres.sql
var postgresSchema string

// ledgerLockKey is the advisory lock every ledger transaction holds.
const ledgerLockKey int64 = 0x6c6564676572

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Reads inside InTx take row locks (SELECT ... FOR UPDATE), so several
// processes can share one database without double-spending a balance.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	return pgGetProfile(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	return pgListProfiles(ctx, s.pool)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return pgGetOrder(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return pgListOrders(ctx, s.pool, f)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// One writer at a time across every process sharing the database.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
			return fmt.Errorf("acquire ledger lock: %w", err)
		}
		return fn(&postgresTx{tx: tx})
	})
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	return pgGetProfile(ctx, t.tx, id, true)
}

func (t *postgresTx) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	return pgListProfiles(ctx, t.tx)
}

func (t *postgresTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return pgGetOrder(ctx, t.tx, id, true)
}

func (t *postgresTx) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return pgListOrders(ctx, t.tx, f)
}

func (t *postgresTx) PutProfile(ctx context.Context, p *model.Profile) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO profiles (id, name, initial_balance, current_balance, realized_pnl,
		        trade_count, win_count, loss_count, best_trade, worst_trade, active, epoch,
		        archived_trade_count, archived_win_count, archived_loss_count, archived_realized_pnl,
		        default_tp_percent, default_sl_percent, max_open_positions, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14, $15, $16::NUMERIC, $17::NUMERIC, $18::NUMERIC, $19, $20, $21)
		 ON CONFLICT (id) DO UPDATE SET
		        name = EXCLUDED.name,
		        initial_balance = EXCLUDED.initial_balance,
		        current_balance = EXCLUDED.current_balance,
		        realized_pnl = EXCLUDED.realized_pnl,
		        trade_count = EXCLUDED.trade_count,
		        win_count = EXCLUDED.win_count,
		        loss_count = EXCLUDED.loss_count,
		        best_trade = EXCLUDED.best_trade,
		        worst_trade = EXCLUDED.worst_trade,
		        active = EXCLUDED.active,
		        epoch = EXCLUDED.epoch,
		        archived_trade_count = EXCLUDED.archived_trade_count,
		        archived_win_count = EXCLUDED.archived_win_count,
		        archived_loss_count = EXCLUDED.archived_loss_count,
		        archived_realized_pnl = EXCLUDED.archived_realized_pnl,
		        default_tp_percent = EXCLUDED.default_tp_percent,
		        default_sl_percent = EXCLUDED.default_sl_percent,
		        max_open_positions = EXCLUDED.max_open_positions,
		        updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.InitialBalance.String(), p.CurrentBalance.String(), p.RealizedPnL.String(),
		p.TradeCount, p.WinCount, p.LossCount, p.BestTrade.String(), p.WorstTrade.String(),
		p.Active, p.Epoch,
		p.Archived.TradeCount, p.Archived.WinCount, p.Archived.LossCount, p.Archived.RealizedPnL.String(),
		p.Settings.DefaultTakeProfitPercent.String(), p.Settings.DefaultStopLossPercent.String(),
		p.Settings.MaxOpenPositions, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put profile %s: %w", p.ID, err)
	}
	return nil
}

func (t *postgresTx) DeleteProfile(ctx context.Context, id string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM orders WHERE profile_id = $1`, id); err != nil {
		return fmt.Errorf("delete orders of profile %s: %w", id, err)
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("profile %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (t *postgresTx) PutOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, profile_id, market_id, market_title, market_image, market_url, market_slug,
		        side, outcome, entry_price, amount, shares, status, exit_price, pnl,
		        take_profit_percent, stop_loss_percent, source, notes, epoch, close_reason,
		        created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13,
		         $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC, $18, $19, $20, $21, $22, $23)
		 ON CONFLICT (id) DO UPDATE SET
		        status = EXCLUDED.status,
		        exit_price = EXCLUDED.exit_price,
		        pnl = EXCLUDED.pnl,
		        take_profit_percent = EXCLUDED.take_profit_percent,
		        stop_loss_percent = EXCLUDED.stop_loss_percent,
		        notes = EXCLUDED.notes,
		        close_reason = EXCLUDED.close_reason,
		        closed_at = EXCLUDED.closed_at`,
		o.ID, o.ProfileID, o.MarketID,
		o.Market.Title, o.Market.Image, o.Market.URL, o.Market.Slug,
		o.Side, o.Outcome, o.EntryPrice.String(), o.Amount.String(), o.Shares.String(), o.Status,
		decString(o.ExitPrice), decString(o.PnL),
		o.Risk.TakeProfitPercent.String(), o.Risk.StopLossPercent.String(),
		o.Source, o.Notes, o.Epoch, o.CloseReason, o.CreatedAt, o.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("put order %s: %w", o.ID, err)
	}
	return nil
}

const pgProfileColumns = `id, name, initial_balance::TEXT, current_balance::TEXT, realized_pnl::TEXT,
	trade_count, win_count, loss_count, best_trade::TEXT, worst_trade::TEXT, active, epoch,
	archived_trade_count, archived_win_count, archived_loss_count, archived_realized_pnl::TEXT,
	default_tp_percent::TEXT, default_sl_percent::TEXT, max_open_positions, created_at, updated_at`

const pgOrderColumns = `id, profile_id, market_id, market_title, market_image, market_url, market_slug,
	side, outcome, entry_price::TEXT, amount::TEXT, shares::TEXT, status, exit_price::TEXT, pnl::TEXT,
	take_profit_percent::TEXT, stop_loss_percent::TEXT, source, notes, epoch, close_reason,
	created_at, closed_at`

func pgGetProfile(ctx context.Context, q pgQuerier, id string, lock bool) (*model.Profile, error) {
	query := `SELECT ` + pgProfileColumns + ` FROM profiles WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanProfile(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return p, nil
}

func pgListProfiles(ctx context.Context, q pgQuerier) ([]model.Profile, error) {
	rows, err := q.Query(ctx, `SELECT `+pgProfileColumns+` FROM profiles ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func pgGetOrder(ctx context.Context, q pgQuerier, id string, lock bool) (*model.Order, error) {
	query := `SELECT ` + pgOrderColumns + ` FROM orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func pgListOrders(ctx context.Context, q pgQuerier, f OrderFilter) ([]model.Order, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.ProfileID != "" {
		add("profile_id", f.ProfileID)
	}
	if f.MarketID != "" {
		add("market_id", f.MarketID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Source != "" {
		add("source", f.Source)
	}

	query := `SELECT ` + pgOrderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*model.Profile, error) {
	var p model.Profile
	var initial, current, realized, best, worst, archivedPnL, tp, sl string

	if err := row.Scan(&p.ID, &p.Name, &initial, &current, &realized,
		&p.TradeCount, &p.WinCount, &p.LossCount, &best, &worst, &p.Active, &p.Epoch,
		&p.Archived.TradeCount, &p.Archived.WinCount, &p.Archived.LossCount, &archivedPnL,
		&tp, &sl, &p.Settings.MaxOpenPositions, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.InitialBalance = parseDec(initial)
	p.CurrentBalance = parseDec(current)
	p.RealizedPnL = parseDec(realized)
	p.BestTrade = parseDec(best)
	p.WorstTrade = parseDec(worst)
	p.Archived.RealizedPnL = parseDec(archivedPnL)
	p.Settings.DefaultTakeProfitPercent = parseDec(tp)
	p.Settings.DefaultStopLossPercent = parseDec(sl)
	return &p, nil
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var entry, amount, shares, tp, sl string
	var exit, pnl *string
	var closedAt *time.Time

	if err := row.Scan(&o.ID, &o.ProfileID, &o.MarketID,
		&o.Market.Title, &o.Market.Image, &o.Market.URL, &o.Market.Slug,
		&o.Side, &o.Outcome, &entry, &amount, &shares, &o.Status, &exit, &pnl,
		&tp, &sl, &o.Source, &o.Notes, &o.Epoch, &o.CloseReason,
		&o.CreatedAt, &closedAt); err != nil {
		return nil, err
	}

	o.EntryPrice = parseDec(entry)
	o.Amount = parseDec(amount)
	o.Shares = parseDec(shares)
	o.ExitPrice = parseDecPtr(exit)
	o.PnL = parseDecPtr(pnl)
	o.Risk.TakeProfitPercent = parseDec(tp)
	o.Risk.StopLossPercent = parseDec(sl)
	o.ClosedAt = closedAt
	return &o, nil
}
