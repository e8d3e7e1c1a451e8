// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded),
// in-memory (for testing and development), and a Redis read-through cache
// that wraps any of them.
//
// All writes issued by one facade call happen inside a single transaction:
// they become visible together or not at all. Concurrent transactions
// touching the same (portfolio, security) key serialize on the position row.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tradedesk/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a referenced trade, position, or catalog
	// row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrTransient marks a retryable storage conflict (serialization
	// failure, deadlock, writer contention). The facade retries the whole
	// transaction a bounded number of times on these.
	ErrTransient = errors.New("store: transient storage conflict")
)

// IsTransient reports whether err is a retryable storage conflict. Covers
// the ErrTransient sentinel, PostgreSQL serialization_failure (40001) and
// deadlock_detected (40P01), and SQLite writer contention.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RefKind names a catalog table for referential-integrity checks.
type RefKind string

const (
	RefPortfolio    RefKind = "portfolio"
	RefSecurity     RefKind = "security"
	RefCounterparty RefKind = "counterparty"
)

// Tx is the transactional view handed to a facade call. Every method reads
// and writes a consistent snapshot; nothing is durable until the enclosing
// WithinTx returns nil.
type Tx interface {
	// GetTradeForUpdate fetches a trade and locks it against concurrent
	// mutation for the remainder of the transaction.
	GetTradeForUpdate(ctx context.Context, id int64) (*model.Trade, error)

	// InsertTrade persists a new trade and returns its assigned ledger id.
	// Ids are monotonically increasing.
	InsertTrade(ctx context.Context, t *model.Trade) (int64, error)

	// UpdateTradeStatus records a lifecycle transition. replacedBy is set
	// only when status is REPLACED.
	UpdateTradeStatus(ctx context.Context, id int64, status model.TradeStatus, replacedBy *int64) error

	// LockPosition locks the position row for key for the remainder of the
	// transaction, creating a flat row if none exists. This is the
	// serialization point for concurrent mutations on the same key.
	LockPosition(ctx context.Context, key model.PositionKey) (model.Position, error)

	// SavePosition writes the recomputed position for its key.
	SavePosition(ctx context.Context, pos model.Position) error

	// TradesForKey returns all trades for key in ledger-id order, including
	// terminal ones. Recomputation filters on status.
	TradesForKey(ctx context.Context, key model.PositionKey) ([]model.Trade, error)

	// AppendAudit appends one immutable audit entry.
	AppendAudit(ctx context.Context, e *model.AuditEntry) error

	// Catalog lookups, used to reject trades against unknown references.
	PortfolioExists(ctx context.Context, id int64) (bool, error)
	SecurityExists(ctx context.Context, id int64) (bool, error)
	CounterpartyExists(ctx context.Context, id int64) (bool, error)
}

// Store is the persistence interface. WithinTx is the only mutation path
// for ledger state; the read methods serve queries and the catalog.
type Store interface {
	// WithinTx runs fn inside one transaction: commit when fn returns nil,
	// full rollback otherwise. No partial state survives a failed call.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Ledger reads ---

	GetTrade(ctx context.Context, id int64) (*model.Trade, error)
	ListTrades(ctx context.Context) ([]model.Trade, error)

	// GetPosition returns the position for key, or a flat (0, 0) position
	// when no row exists. It never fails except on storage error.
	GetPosition(ctx context.Context, key model.PositionKey) (model.Position, error)
	ListPositions(ctx context.Context) ([]model.Position, error)

	ListAudit(ctx context.Context) ([]model.AuditEntry, error)

	// --- Catalog reference data ---

	GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error)
	GetSecurity(ctx context.Context, id int64) (*model.Security, error)
	GetCounterparty(ctx context.Context, id int64) (*model.Counterparty, error)
	ListPortfolios(ctx context.Context) ([]model.Portfolio, error)
	ListSecurities(ctx context.Context) ([]model.Security, error)
	ListCounterparties(ctx context.Context) ([]model.Counterparty, error)
	InsertPortfolio(ctx context.Context, p *model.Portfolio) (int64, error)
	InsertSecurity(ctx context.Context, s *model.Security) (int64, error)
	InsertCounterparty(ctx context.Context, c *model.Counterparty) (int64, error)
	DeletePortfolio(ctx context.Context, id int64) error
	DeleteSecurity(ctx context.Context, id int64) error
	DeleteCounterparty(ctx context.Context, id int64) error

	// IsReferenced reports whether any trade references the catalog row.
	// Checked explicitly before catalog deletes instead of relying on a
	// foreign-key failure.
	IsReferenced(ctx context.Context, kind RefKind, id int64) (bool, error)
}
