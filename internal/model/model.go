// Package model defines the core domain types shared across the ledger engine.
// All quantities and prices use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a recognised trade side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TradeStatus is the lifecycle state of a trade. NEW is the only mutable
// state; CANCELLED and REPLACED are terminal.
type TradeStatus string

const (
	StatusNew       TradeStatus = "NEW"
	StatusCancelled TradeStatus = "CANCELLED"
	StatusReplaced  TradeStatus = "REPLACED"
)

// Audit action names, one per accepted mutation.
const (
	ActionAddTrade     = "ADD_TRADE"
	ActionCancelTrade  = "CANCEL_TRADE"
	ActionReplaceTrade = "REPLACE_TRADE"
)

// Trade is a single buy or sell execution request against a portfolio and
// security. The ledger id is assigned by the store at insert time and is
// monotonically increasing; ExternalRef is a client-facing correlation id
// assigned at creation.
type Trade struct {
	ID             int64           `json:"id" db:"id"`
	ExternalRef    string          `json:"external_ref" db:"external_ref"`
	PortfolioID    int64           `json:"portfolio_id" db:"portfolio_id"`
	SecurityID     int64           `json:"security_id" db:"security_id"`
	Side           Side            `json:"side" db:"side"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	Price          decimal.Decimal `json:"price" db:"price"`
	CounterpartyID *int64          `json:"counterparty_id,omitempty" db:"counterparty_id"`
	Status         TradeStatus     `json:"status" db:"status"`
	ReplacedBy     *int64          `json:"replaced_by,omitempty" db:"replaced_by"`
	TradeTime      time.Time       `json:"trade_time" db:"trade_time"`
}

// Key returns the position key this trade contributes to.
func (t *Trade) Key() PositionKey {
	return PositionKey{PortfolioID: t.PortfolioID, SecurityID: t.SecurityID}
}

// PositionKey identifies the (portfolio, security) pair a position is held
// against. At most one position row exists per key.
type PositionKey struct {
	PortfolioID int64 `json:"portfolio_id"`
	SecurityID  int64 `json:"security_id"`
}

// Position is the derived net holding for one key. NetQuantity is signed
// (positive = long). AverageCost is zero whenever NetQuantity is zero.
// Positions are never edited directly, only recomputed from trade events.
type Position struct {
	PortfolioID int64           `json:"portfolio_id" db:"portfolio_id"`
	SecurityID  int64           `json:"security_id" db:"security_id"`
	NetQuantity decimal.Decimal `json:"net_quantity" db:"net_quantity"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
}

// Flat reports whether the position holds nothing.
func (p Position) Flat() bool {
	return p.NetQuantity.IsZero()
}

// AuditEntry is an immutable record of one accepted mutating action.
// Entries are append-only: never updated, never deleted. A rolled-back
// attempt leaves no entry.
type AuditEntry struct {
	ID        int64     `json:"id" db:"id"`
	Action    string    `json:"action_name" db:"action_name"`
	RefID     int64     `json:"ref_id" db:"ref_id"`
	Actor     string    `json:"actor" db:"actor"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// --- Catalog reference data (looked up by the core, not owned by it) ---

// Portfolio is a book trades are executed against.
type Portfolio struct {
	ID           int64  `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	BaseCurrency string `json:"base_currency" db:"base_currency"`
}

// Security is a tradable instrument.
type Security struct {
	ID       int64  `json:"id" db:"id"`
	Symbol   string `json:"symbol" db:"symbol"`
	SecType  string `json:"sec_type" db:"sec_type"`
	Currency string `json:"currency" db:"currency"`
}

// Counterparty is the optional opposing party on a trade.
type Counterparty struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}
