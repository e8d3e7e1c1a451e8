package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities, prices and costs are stored as NUMERIC for exact decimal
// precision. Per-key serialization uses a pessimistic row lock on the
// position row (SELECT ... FOR UPDATE) held until commit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS portfolios (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL,
	base_currency TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS securities (
	id       BIGSERIAL PRIMARY KEY,
	symbol   TEXT NOT NULL,
	sec_type TEXT NOT NULL,
	currency TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS counterparties (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id              BIGSERIAL PRIMARY KEY,
	external_ref    TEXT NOT NULL,
	portfolio_id    BIGINT NOT NULL REFERENCES portfolios(id),
	security_id     BIGINT NOT NULL REFERENCES securities(id),
	side            TEXT NOT NULL,
	quantity        NUMERIC NOT NULL,
	price           NUMERIC NOT NULL,
	counterparty_id BIGINT REFERENCES counterparties(id),
	status          TEXT NOT NULL,
	replaced_by     BIGINT,
	trade_ts        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_key ON trades (portfolio_id, security_id);
CREATE TABLE IF NOT EXISTS positions (
	portfolio_id BIGINT NOT NULL,
	security_id  BIGINT NOT NULL,
	net_quantity NUMERIC NOT NULL,
	average_cost NUMERIC NOT NULL,
	PRIMARY KEY (portfolio_id, security_id)
);
CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	action_name TEXT NOT NULL,
	ref_id      BIGINT NOT NULL,
	actor       TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore creates a PostgreSQL-backed store and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// WithinTx runs fn inside one database transaction. The deferred rollback is
// a no-op once the transaction committed.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&pgTx{tx: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// pgTx adapts a pgx transaction to the Tx interface.
type pgTx struct {
	tx pgx.Tx
}

const tradeColumns = `id, external_ref, portfolio_id, security_id, side,
	quantity::TEXT, price::TEXT, counterparty_id, status, replaced_by, trade_ts`

func (t *pgTx) GetTradeForUpdate(ctx context.Context, id int64) (*model.Trade, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, id)
	tr, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	return tr, nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO trades
			(external_ref, portfolio_id, security_id, side, quantity, price, counterparty_id, status, replaced_by, trade_ts)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)
		 RETURNING id`,
		tr.ExternalRef, tr.PortfolioID, tr.SecurityID, string(tr.Side),
		tr.Quantity.String(), tr.Price.String(), tr.CounterpartyID,
		string(tr.Status), tr.ReplacedBy, tr.TradeTime,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert trade: %w", err)
	}
	return id, nil
}

func (t *pgTx) UpdateTradeStatus(ctx context.Context, id int64, status model.TradeStatus, replacedBy *int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE trades SET status = $2, replaced_by = $3 WHERE id = $1`,
		id, string(status), replacedBy)
	if err != nil {
		return fmt.Errorf("update trade %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockPosition(ctx context.Context, key model.PositionKey) (model.Position, error) {
	// Ensure the row exists so FOR UPDATE has something to lock; two
	// concurrent inserts serialize on the primary key.
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO positions (portfolio_id, security_id, net_quantity, average_cost)
		 VALUES ($1, $2, 0, 0)
		 ON CONFLICT (portfolio_id, security_id) DO NOTHING`,
		key.PortfolioID, key.SecurityID); err != nil {
		return model.Position{}, fmt.Errorf("seed position row: %w", err)
	}

	var pos model.Position
	var netS, avgS string
	err := t.tx.QueryRow(ctx,
		`SELECT portfolio_id, security_id, net_quantity::TEXT, average_cost::TEXT
		 FROM positions WHERE portfolio_id = $1 AND security_id = $2 FOR UPDATE`,
		key.PortfolioID, key.SecurityID).
		Scan(&pos.PortfolioID, &pos.SecurityID, &netS, &avgS)
	if err != nil {
		return model.Position{}, fmt.Errorf("lock position: %w", err)
	}
	pos.NetQuantity, _ = decimal.NewFromString(netS)
	pos.AverageCost, _ = decimal.NewFromString(avgS)
	return pos, nil
}

func (t *pgTx) SavePosition(ctx context.Context, pos model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (portfolio_id, security_id, net_quantity, average_cost)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (portfolio_id, security_id) DO UPDATE SET
			net_quantity = EXCLUDED.net_quantity,
			average_cost = EXCLUDED.average_cost`,
		pos.PortfolioID, pos.SecurityID,
		pos.NetQuantity.String(), pos.AverageCost.String())
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

func (t *pgTx) TradesForKey(ctx context.Context, key model.PositionKey) ([]model.Trade, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE portfolio_id = $1 AND security_id = $2 ORDER BY id`,
		key.PortfolioID, key.SecurityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (t *pgTx) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO audit_log (action_name, ref_id, actor, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.Action, e.RefID, e.Actor, e.Detail, created)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (t *pgTx) PortfolioExists(ctx context.Context, id int64) (bool, error) {
	return t.exists(ctx, `SELECT EXISTS (SELECT 1 FROM portfolios WHERE id = $1)`, id)
}

func (t *pgTx) SecurityExists(ctx context.Context, id int64) (bool, error) {
	return t.exists(ctx, `SELECT EXISTS (SELECT 1 FROM securities WHERE id = $1)`, id)
}

func (t *pgTx) CounterpartyExists(ctx context.Context, id int64) (bool, error) {
	return t.exists(ctx, `SELECT EXISTS (SELECT 1 FROM counterparties WHERE id = $1)`, id)
}

func (t *pgTx) exists(ctx context.Context, sql string, id int64) (bool, error) {
	var ok bool
	if err := t.tx.QueryRow(ctx, sql, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// --- Read-only store methods ---

func (s *PostgresStore) GetTrade(ctx context.Context, id int64) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	tr, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	return tr, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (model.Position, error) {
	var pos model.Position
	var netS, avgS string
	err := s.pool.QueryRow(ctx,
		`SELECT portfolio_id, security_id, net_quantity::TEXT, average_cost::TEXT
		 FROM positions WHERE portfolio_id = $1 AND security_id = $2`,
		key.PortfolioID, key.SecurityID).
		Scan(&pos.PortfolioID, &pos.SecurityID, &netS, &avgS)
	if errors.Is(err, pgx.ErrNoRows) {
		return flatPosition(key), nil
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("get position: %w", err)
	}
	pos.NetQuantity, _ = decimal.NewFromString(netS)
	pos.AverageCost, _ = decimal.NewFromString(avgS)
	return pos, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT portfolio_id, security_id, net_quantity::TEXT, average_cost::TEXT
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

func (s *PostgresStore) ListAudit(ctx context.Context) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, action_name, ref_id, actor, detail, created_at
		 FROM audit_log ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.RefID, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Catalog ---

func (s *PostgresStore) GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error) {
	var p model.Portfolio
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, base_currency FROM portfolios WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.BaseCurrency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetSecurity(ctx context.Context, id int64) (*model.Security, error) {
	var sec model.Security
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, sec_type, currency FROM securities WHERE id = $1`, id).
		Scan(&sec.ID, &sec.Symbol, &sec.SecType, &sec.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("security %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

func (s *PostgresStore) GetCounterparty(ctx context.Context, id int64) (*model.Counterparty, error) {
	var c model.Counterparty
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM counterparties WHERE id = $1`, id).
		Scan(&c.ID, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("counterparty %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *PostgresStore) ListSecurities(ctx context.Context) ([]model.Security, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *PostgresStore) ListCounterparties(ctx context.Context) ([]model.Counterparty, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *PostgresStore) InsertPortfolio(ctx context.Context, p *model.Portfolio) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO portfolios (name, base_currency) VALUES ($1, $2) RETURNING id`,
		p.Name, p.BaseCurrency).Scan(&id)
	return id, err
}

func (s *PostgresStore) InsertSecurity(ctx context.Context, sec *model.Security) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO securities (symbol, sec_type, currency) VALUES ($1, $2, $3) RETURNING id`,
		sec.Symbol, sec.SecType, sec.Currency).Scan(&id)
	return id, err
}

func (s *PostgresStore) InsertCounterparty(ctx context.Context, c *model.Counterparty) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO counterparties (name) VALUES ($1) RETURNING id`,
		c.Name).Scan(&id)
	return id, err
}

func (s *PostgresStore) DeletePortfolio(ctx context.Context, id int64) error {
	return s.deleteRow(ctx, `DELETE FROM portfolios WHERE id = $1`, "portfolio", id)
}

func (s *PostgresStore) DeleteSecurity(ctx context.Context, id int64) error {
	return s.deleteRow(ctx, `DELETE FROM securities WHERE id = $1`, "security", id)
}

func (s *PostgresStore) DeleteCounterparty(ctx context.Context, id int64) error {
	return s.deleteRow(ctx, `DELETE FROM counterparties WHERE id = $1`, "counterparty", id)
}

func (s *PostgresStore) deleteRow(ctx context.Context, sql, kind string, id int64) error {
	tag, err := s.pool.Exec(ctx, sql, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) IsReferenced(ctx context.Context, kind RefKind, id int64) (bool, error) {
	var sql string
	switch kind {
	case RefPortfolio:
		sql = `SELECT EXISTS (SELECT 1 FROM trades WHERE portfolio_id = $1)`
	case RefSecurity:
		sql = `SELECT EXISTS (SELECT 1 FROM trades WHERE security_id = $1)`
	case RefCounterparty:
		sql = `SELECT EXISTS (SELECT 1 FROM trades WHERE counterparty_id = $1)`
	default:
		return false, fmt.Errorf("unknown catalog kind %q", kind)
	}
	var ok bool
	if err := s.pool.QueryRow(ctx, sql, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

type rowsScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var side, status string
	var qtyS, priceS string
	if err := row.Scan(&t.ID, &t.ExternalRef, &t.PortfolioID, &t.SecurityID, &side,
		&qtyS, &priceS, &t.CounterpartyID, &status, &t.ReplacedBy, &t.TradeTime); err != nil {
		return nil, err
	}
	t.Side = model.Side(side)
	t.Status = model.TradeStatus(status)
	t.Quantity, _ = decimal.NewFromString(qtyS)
	t.Price, _ = decimal.NewFromString(priceS)
	return &t, nil
}

func scanTrades(rows rowsScanner) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}
