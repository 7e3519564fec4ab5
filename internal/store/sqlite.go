package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atmx/paper-ledger/internal/model"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore implements Store on a single-file SQLite database. Money is
// stored as decimal TEXT and timestamps as unix nanoseconds. The pool is
// capped at one connection, so InTx is the single writer.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	return liteGetProfile(ctx, s.db, id)
}

func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	return liteListProfiles(ctx, s.db)
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return liteGetOrder(ctx, s.db, id)
}

func (s *SQLiteStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return liteListOrders(ctx, s.db, f)
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite tx: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	return liteGetProfile(ctx, t.tx, id)
}

func (t *sqliteTx) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	return liteListProfiles(ctx, t.tx)
}

func (t *sqliteTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return liteGetOrder(ctx, t.tx, id)
}

func (t *sqliteTx) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return liteListOrders(ctx, t.tx, f)
}

func (t *sqliteTx) PutProfile(ctx context.Context, p *model.Profile) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO profiles (id, name, initial_balance, current_balance, realized_pnl,
		        trade_count, win_count, loss_count, best_trade, worst_trade, active, epoch,
		        archived_trade_count, archived_win_count, archived_loss_count, archived_realized_pnl,
		        default_tp_percent, default_sl_percent, max_open_positions, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		        name = excluded.name,
		        initial_balance = excluded.initial_balance,
		        current_balance = excluded.current_balance,
		        realized_pnl = excluded.realized_pnl,
		        trade_count = excluded.trade_count,
		        win_count = excluded.win_count,
		        loss_count = excluded.loss_count,
		        best_trade = excluded.best_trade,
		        worst_trade = excluded.worst_trade,
		        active = excluded.active,
		        epoch = excluded.epoch,
		        archived_trade_count = excluded.archived_trade_count,
		        archived_win_count = excluded.archived_win_count,
		        archived_loss_count = excluded.archived_loss_count,
		        archived_realized_pnl = excluded.archived_realized_pnl,
		        default_tp_percent = excluded.default_tp_percent,
		        default_sl_percent = excluded.default_sl_percent,
		        max_open_positions = excluded.max_open_positions,
		        updated_at = excluded.updated_at`,
		p.ID, p.Name, p.InitialBalance.String(), p.CurrentBalance.String(), p.RealizedPnL.String(),
		p.TradeCount, p.WinCount, p.LossCount, p.BestTrade.String(), p.WorstTrade.String(),
		p.Active, p.Epoch,
		p.Archived.TradeCount, p.Archived.WinCount, p.Archived.LossCount, p.Archived.RealizedPnL.String(),
		p.Settings.DefaultTakeProfitPercent.String(), p.Settings.DefaultStopLossPercent.String(),
		p.Settings.MaxOpenPositions, p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put profile %s: %w", p.ID, err)
	}
	return nil
}

func (t *sqliteTx) DeleteProfile(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM orders WHERE profile_id = ?`, id); err != nil {
		return fmt.Errorf("delete orders of profile %s: %w", id, err)
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) PutOrder(ctx context.Context, o *model.Order) error {
	var closedAt any
	if o.ClosedAt != nil {
		closedAt = o.ClosedAt.UnixNano()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO orders (id, profile_id, market_id, market_title, market_image, market_url, market_slug,
		        side, outcome, entry_price, amount, shares, status, exit_price, pnl,
		        take_profit_percent, stop_loss_percent, source, notes, epoch, close_reason,
		        created_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		        status = excluded.status,
		        exit_price = excluded.exit_price,
		        pnl = excluded.pnl,
		        take_profit_percent = excluded.take_profit_percent,
		        stop_loss_percent = excluded.stop_loss_percent,
		        notes = excluded.notes,
		        close_reason = excluded.close_reason,
		        closed_at = excluded.closed_at`,
		o.ID, o.ProfileID, o.MarketID,
		o.Market.Title, o.Market.Image, o.Market.URL, o.Market.Slug,
		string(o.Side), string(o.Outcome),
		o.EntryPrice.String(), o.Amount.String(), o.Shares.String(), string(o.Status),
		decString(o.ExitPrice), decString(o.PnL),
		o.Risk.TakeProfitPercent.String(), o.Risk.StopLossPercent.String(),
		o.Source, o.Notes, o.Epoch, string(o.CloseReason), o.CreatedAt.UnixNano(), closedAt,
	)
	if err != nil {
		return fmt.Errorf("put order %s: %w", o.ID, err)
	}
	return nil
}

const liteProfileColumns = `id, name, initial_balance, current_balance, realized_pnl,
	trade_count, win_count, loss_count, best_trade, worst_trade, active, epoch,
	archived_trade_count, archived_win_count, archived_loss_count, archived_realized_pnl,
	default_tp_percent, default_sl_percent, max_open_positions, created_at, updated_at`

const liteOrderColumns = `id, profile_id, market_id, market_title, market_image, market_url, market_slug,
	side, outcome, entry_price, amount, shares, status, exit_price, pnl,
	take_profit_percent, stop_loss_percent, source, notes, epoch, close_reason,
	created_at, closed_at`

func liteGetProfile(ctx context.Context, q sqlQuerier, id string) (*model.Profile, error) {
	p, err := liteScanProfile(q.QueryRowContext(ctx,
		`SELECT `+liteProfileColumns+` FROM profiles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return p, nil
}

func liteListProfiles(ctx context.Context, q sqlQuerier) ([]model.Profile, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+liteProfileColumns+` FROM profiles ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []model.Profile
	for rows.Next() {
		p, err := liteScanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func liteGetOrder(ctx context.Context, q sqlQuerier, id string) (*model.Order, error) {
	o, err := liteScanOrder(q.QueryRowContext(ctx,
		`SELECT `+liteOrderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func liteListOrders(ctx context.Context, q sqlQuerier, f OrderFilter) ([]model.Order, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		conds = append(conds, col+" = ?")
		args = append(args, v)
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

	query := `SELECT ` + liteOrderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := liteScanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func liteScanProfile(row rowScanner) (*model.Profile, error) {
	var p model.Profile
	var initial, current, realized, best, worst, archivedPnL, tp, sl string
	var createdAt, updatedAt int64

	if err := row.Scan(&p.ID, &p.Name, &initial, &current, &realized,
		&p.TradeCount, &p.WinCount, &p.LossCount, &best, &worst, &p.Active, &p.Epoch,
		&p.Archived.TradeCount, &p.Archived.WinCount, &p.Archived.LossCount, &archivedPnL,
		&tp, &sl, &p.Settings.MaxOpenPositions, &createdAt, &updatedAt); err != nil {
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
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &p, nil
}

func liteScanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var side, outcome, status, reason string
	var entry, amount, shares, tp, sl string
	var exit, pnl sql.NullString
	var createdAt int64
	var closedAt sql.NullInt64

	if err := row.Scan(&o.ID, &o.ProfileID, &o.MarketID,
		&o.Market.Title, &o.Market.Image, &o.Market.URL, &o.Market.Slug,
		&side, &outcome, &entry, &amount, &shares, &status, &exit, &pnl,
		&tp, &sl, &o.Source, &o.Notes, &o.Epoch, &reason,
		&createdAt, &closedAt); err != nil {
		return nil, err
	}

	o.Side = model.Side(side)
	o.Outcome = model.Outcome(outcome)
	o.Status = model.OrderStatus(status)
	o.CloseReason = model.CloseReason(reason)
	o.EntryPrice = parseDec(entry)
	o.Amount = parseDec(amount)
	o.Shares = parseDec(shares)
	if exit.Valid {
		o.ExitPrice = parseDecPtr(&exit.String)
	}
	if pnl.Valid {
		o.PnL = parseDecPtr(&pnl.String)
	}
	o.Risk.TakeProfitPercent = parseDec(tp)
	o.Risk.StopLossPercent = parseDec(sl)
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	if closedAt.Valid {
		t := time.Unix(0, closedAt.Int64).UTC()
		o.ClosedAt = &t
	}
	return &o, nil
}
