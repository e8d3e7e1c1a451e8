// Package lifecycle enforces the legal state transitions of a trade and
// validates trade fields at creation and replacement.
//
// A trade starts NEW and may move exactly once to CANCELLED or REPLACED;
// both are terminal. A REPLACED trade always points at its successor via
// ReplacedBy.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/ledger-engine/internal/model"
)

var (
	// ErrValidation is returned when caller-supplied trade fields violate
	// a constraint (bad side, non-positive quantity, negative price).
	ErrValidation = errors.New("lifecycle: validation failed")

	// ErrInvalidState is returned when the requested transition is illegal
	// for the trade's current status.
	ErrInvalidState = errors.New("lifecycle: illegal status transition")
)

// validateFields checks the quantity/price constraints shared by create and
// replace: quantity strictly positive, price non-negative.
func validateFields(qty, price decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: quantity must be > 0, got %s", ErrValidation, qty)
	}
	if price.IsNegative() {
		return fmt.Errorf("%w: price must be >= 0, got %s", ErrValidation, price)
	}
	return nil
}

// NewTrade validates the input and produces a trade in state NEW. The ledger
// id is left zero; the store assigns it at insert time. ExternalRef and the
// trade timestamp are fixed here and never change afterwards.
func NewTrade(portfolioID, securityID int64, side model.Side, qty, price decimal.Decimal, counterpartyID *int64) (*model.Trade, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrValidation, side)
	}
	if err := validateFields(qty, price); err != nil {
		return nil, err
	}

	return &model.Trade{
		ExternalRef:    uuid.New().String(),
		PortfolioID:    portfolioID,
		SecurityID:     securityID,
		Side:           side,
		Quantity:       qty,
		Price:          price,
		CounterpartyID: counterpartyID,
		Status:         model.StatusNew,
		TradeTime:      time.Now().UTC(),
	}, nil
}

// MarkCancelled transitions t from NEW to CANCELLED. Repeated cancels fail:
// CANCELLED is terminal and cancel is not idempotent.
func MarkCancelled(t *model.Trade) error {
	if t.Status != model.StatusNew {
		return fmt.Errorf("%w: cannot cancel trade %d in status %s", ErrInvalidState, t.ID, t.Status)
	}
	t.Status = model.StatusCancelled
	return nil
}

// Successor validates a replace request against t and builds the replacement
// trade: same portfolio, security, side and counterparty, new quantity and
// price, state NEW. The successor is a full standalone trade: it gets its
// own id and external ref, and can itself be cancelled or replaced later.
//
// Successor does not modify t; call MarkReplaced once the successor's ledger
// id is known.
func Successor(t *model.Trade, newQty, newPrice decimal.Decimal) (*model.Trade, error) {
	if t.Status != model.StatusNew {
		return nil, fmt.Errorf("%w: cannot replace trade %d in status %s", ErrInvalidState, t.ID, t.Status)
	}
	if err := validateFields(newQty, newPrice); err != nil {
		return nil, err
	}

	return &model.Trade{
		ExternalRef:    uuid.New().String(),
		PortfolioID:    t.PortfolioID,
		SecurityID:     t.SecurityID,
		Side:           t.Side,
		Quantity:       newQty,
		Price:          newPrice,
		CounterpartyID: t.CounterpartyID,
		Status:         model.StatusNew,
		TradeTime:      time.Now().UTC(),
	}, nil
}

// MarkReplaced transitions t from NEW to REPLACED and records the successor's
// ledger id. Lineage is reconstructed by following ReplacedBy pointers.
func MarkReplaced(t *model.Trade, successorID int64) error {
	if t.Status != model.StatusNew {
		return fmt.Errorf("%w: cannot replace trade %d in status %s", ErrInvalidState, t.ID, t.Status)
	}
	t.Status = model.StatusReplaced
	t.ReplacedBy = &successorID
	return nil
}
