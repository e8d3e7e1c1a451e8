package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/tradedesk/ledger-engine/internal/model"
)

// Compile-time interface checks.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// SQLiteStore implements Store backed by an embedded SQLite database, for
// single-node deployments and local development. The connection pool is
// capped at one connection, so transactions are fully serialized and the
// per-key ordering guarantee holds by construction.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS portfolios (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	base_currency TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS securities (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol   TEXT NOT NULL,
	sec_type TEXT NOT NULL,
	currency TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS counterparties (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	external_ref    TEXT NOT NULL,
	portfolio_id    INTEGER NOT NULL REFERENCES portfolios(id),
	security_id     INTEGER NOT NULL REFERENCES securities(id),
	side            TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	price           TEXT NOT NULL,
	counterparty_id INTEGER REFERENCES counterparties(id),
	status          TEXT NOT NULL,
	replaced_by     INTEGER,
	trade_ts        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_key ON trades (portfolio_id, security_id);
CREATE TABLE IF NOT EXISTS positions (
	portfolio_id INTEGER NOT NULL,
	security_id  INTEGER NOT NULL,
	net_quantity TEXT NOT NULL,
	average_cost TEXT NOT NULL,
	PRIMARY KEY (portfolio_id, security_id)
);
CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	action_name TEXT NOT NULL,
	ref_id      INTEGER NOT NULL,
	actor       TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
`

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite allows a single writer anyway, and a capped
	// pool avoids SQLITE_BUSY churn between our own transactions.
	db.SetMaxOpenConns(1)

	// SQLite ships with foreign keys off; the trades table relies on them
	// as the backstop against catalog deletes racing a trade insert.
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbtx.Rollback()

	if err := fn(&liteTx{tx: dbtx}); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type liteTx struct {
	tx *sql.Tx
}

const liteTradeColumns = `id, external_ref, portfolio_id, security_id, side,
	quantity, price, counterparty_id, status, replaced_by, trade_ts`

func (t *liteTx) GetTradeForUpdate(ctx context.Context, id int64) (*model.Trade, error) {
	// The single-connection pool already excludes concurrent writers.
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+liteTradeColumns+` FROM trades WHERE id = ?`, id)
	tr, err := scanLiteTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	return tr, nil
}

func (t *liteTx) InsertTrade(ctx context.Context, tr *model.Trade) (int64, error) {
	var cpID any
	if tr.CounterpartyID != nil {
		cpID = *tr.CounterpartyID
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO trades
			(external_ref, portfolio_id, security_id, side, quantity, price, counterparty_id, status, replaced_by, trade_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		tr.ExternalRef, tr.PortfolioID, tr.SecurityID, string(tr.Side),
		tr.Quantity.String(), tr.Price.String(), cpID,
		string(tr.Status), tr.TradeTime.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert trade: %w", err)
	}
	return res.LastInsertId()
}

func (t *liteTx) UpdateTradeStatus(ctx context.Context, id int64, status model.TradeStatus, replacedBy *int64) error {
	var rb any
	if replacedBy != nil {
		rb = *replacedBy
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE trades SET status = ?, replaced_by = ? WHERE id = ?`,
		string(status), rb, id)
	if err != nil {
		return fmt.Errorf("update trade %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *liteTx) LockPosition(ctx context.Context, key model.PositionKey) (model.Position, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO positions (portfolio_id, security_id, net_quantity, average_cost)
		 VALUES (?, ?, '0', '0')`,
		key.PortfolioID, key.SecurityID); err != nil {
		return model.Position{}, fmt.Errorf("seed position row: %w", err)
	}

	var pos model.Position
	var netS, avgS string
	err := t.tx.QueryRowContext(ctx,
		`SELECT portfolio_id, security_id, net_quantity, average_cost
		 FROM positions WHERE portfolio_id = ? AND security_id = ?`,
		key.PortfolioID, key.SecurityID).
		Scan(&pos.PortfolioID, &pos.SecurityID, &netS, &avgS)
	if err != nil {
		return model.Position{}, fmt.Errorf("lock position: %w", err)
	}
	pos.NetQuantity, _ = decimal.NewFromString(netS)
	pos.AverageCost, _ = decimal.NewFromString(avgS)
	return pos, nil
}

func (t *liteTx) SavePosition(ctx context.Context, pos model.Position) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (portfolio_id, security_id, net_quantity, average_cost)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (portfolio_id, security_id) DO UPDATE SET
			net_quantity = excluded.net_quantity,
			average_cost = excluded.average_cost`,
		pos.PortfolioID, pos.SecurityID,
		pos.NetQuantity.String(), pos.AverageCost.String())
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

func (t *liteTx) TradesForKey(ctx context.Context, key model.PositionKey) ([]model.Trade, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+liteTradeColumns+` FROM trades
		 WHERE portfolio_id = ? AND security_id = ? ORDER BY id`,
		key.PortfolioID, key.SecurityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		tr, err := scanLiteTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *tr)
	}
	return trades, rows.Err()
}

func (t *liteTx) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO audit_log (action_name, ref_id, actor, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Action, e.RefID, e.Actor, e.Detail, created.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (t *liteTx) PortfolioExists(ctx context.Context, id int64) (bool, error) {
	return liteExists(ctx, t.tx, `SELECT EXISTS (SELECT 1 FROM portfolios WHERE id = ?)`, id)
}

func (t *liteTx) SecurityExists(ctx context.Context, id int64) (bool, error) {
	return liteExists(ctx, t.tx, `SELECT EXISTS (SELECT 1 FROM securities WHERE id = ?)`, id)
}

func (t *liteTx) CounterpartyExists(ctx context.Context, id int64) (bool, error) {
	return liteExists(ctx, t.tx, `SELECT EXISTS (SELECT 1 FROM counterparties WHERE id = ?)`, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func liteExists(ctx context.Context, q queryRower, query string, id int64) (bool, error) {
	var ok bool
	if err := q.QueryRowContext(ctx, query, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// --- Read-only store methods ---

func (s *SQLiteStore) GetTrade(ctx context.Context, id int64) (*model.Trade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+liteTradeColumns+` FROM trades WHERE id = ?`, id)
	tr, err := scanLiteTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	return tr, nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteTradeColumns+` FROM trades ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		tr, err := scanLiteTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *tr)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) GetPosition(ctx context.Context, key model.PositionKey) (model.Position, error) {
	var pos model.Position
	var netS, avgS string
	err := s.db.QueryRowContext(ctx,
		`SELECT portfolio_id, security_id, net_quantity, average_cost
		 FROM positions WHERE portfolio_id = ? AND security_id = ?`,
		key.PortfolioID, key.SecurityID).
		Scan(&pos.PortfolioID, &pos.SecurityID, &netS, &avgS)
	if errors.Is(err, sql.ErrNoRows) {
		return flatPosition(key), nil
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("get position: %w", err)
	}
	pos.NetQuantity, _ = decimal.NewFromString(netS)
	pos.AverageCost, _ = decimal.NewFromString(avgS)
	return pos, nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT portfolio_id, security_id, net_quantity, average_cost
		 FROM positions ORDER BY portfolio_id, security_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var pos model.Position
		var netS, avgS string
		if err := rows.Scan(&pos.PortfolioID, &pos.SecurityID, &netS, &avgS); err != nil {
			return nil, err
		}
		pos.NetQuantity, _ = decimal.NewFromString(netS)
		pos.AverageCost, _ = decimal.NewFromString(avgS)
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) ListAudit(ctx context.Context) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action_name, ref_id, actor, detail, created_at
		 FROM audit_log ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var createdS string
		if err := rows.Scan(&e.ID, &e.Action, &e.RefID, &e.Actor, &e.Detail, &createdS); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Catalog ---

func (s *SQLiteStore) GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error) {
	var p model.Portfolio
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, base_currency FROM portfolios WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.BaseCurrency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) GetSecurity(ctx context.Context, id int64) (*model.Security, error) {
	var sec model.Security
	err := s.db.QueryRowContext(ctx,
		`SELECT id, symbol, sec_type, currency FROM securities WHERE id = ?`, id).
		Scan(&sec.ID, &sec.Symbol, &sec.SecType, &sec.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("security %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

func (s *SQLiteStore) GetCounterparty(ctx context.Context, id int64) (*model.Counterparty, error) {
	var c model.Counterparty
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM counterparties WHERE id = ?`, id).
		Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("counterparty %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, base_currency FROM portfolios ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		var p model.Portfolio
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseCurrency); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSecurities(ctx context.Context) ([]model.Security, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, sec_type, currency FROM securities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Security
	for rows.Next() {
		var sec model.Security
		if err := rows.Scan(&sec.ID, &sec.Symbol, &sec.SecType, &sec.Currency); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListCounterparties(ctx context.Context) ([]model.Counterparty, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM counterparties ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Counterparty
	for rows.Next() {
		var c model.Counterparty
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertPortfolio(ctx context.Context, p *model.Portfolio) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO portfolios (name, base_currency) VALUES (?, ?)`,
		p.Name, p.BaseCurrency)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) InsertSecurity(ctx context.Context, sec *model.Security) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO securities (symbol, sec_type, currency) VALUES (?, ?, ?)`,
		sec.Symbol, sec.SecType, sec.Currency)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) InsertCounterparty(ctx context.Context, c *model.Counterparty) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO counterparties (name) VALUES (?)`, c.Name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) DeletePortfolio(ctx context.Context, id int64) error {
	return s.deleteRow(ctx, `DELETE FROM portfolios WHERE id = ?`, "portfolio", id)
}

func (s *SQLiteStore) DeleteSecurity(ctx context.Context, id int64) error {
	return s.deleteRow(ctx, `DELETE FROM securities WHERE id = ?`, "security", id)
}

func (s *SQLiteStore) DeleteCounterparty(ctx context.Context, id int64) error {
	return s.deleteRow(ctx, `DELETE FROM counterparties WHERE id = ?`, "counterparty", id)
}

func (s *SQLiteStore) deleteRow(ctx context.Context, query, kind string, id int64) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) IsReferenced(ctx context.Context, kind RefKind, id int64) (bool, error) {
	var query string
	switch kind {
	case RefPortfolio:
		query = `SELECT EXISTS (SELECT 1 FROM trades WHERE portfolio_id = ?)`
	case RefSecurity:
		query = `SELECT EXISTS (SELECT 1 FROM trades WHERE security_id = ?)`
	case RefCounterparty:
		query = `SELECT EXISTS (SELECT 1 FROM trades WHERE counterparty_id = ?)`
	default:
		return false, fmt.Errorf("unknown catalog kind %q", kind)
	}
	return liteExists(ctx, s.db, query, id)
}

func scanLiteTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var side, status, qtyS, priceS, tsS string
	var cpID, replacedBy sql.NullInt64
	if err := row.Scan(&t.ID, &t.ExternalRef, &t.PortfolioID, &t.SecurityID, &side,
		&qtyS, &priceS, &cpID, &status, &replacedBy, &tsS); err != nil {
		return nil, err
	}
	t.Side = model.Side(side)
	t.Status = model.TradeStatus(status)
	t.Quantity, _ = decimal.NewFromString(qtyS)
	t.Price, _ = decimal.NewFromString(priceS)
	if cpID.Valid {
		v := cpID.Int64
		t.CounterpartyID = &v
	}
	if replacedBy.Valid {
		v := replacedBy.Int64
		t.ReplacedBy = &v
	}
	t.TradeTime, _ = time.Parse(time.RFC3339Nano, tsS)
	return &t, nil
}
