// Package trading exposes the trade lifecycle operations: add, cancel,
// replace, and position queries. Each operation runs inside one storage
// transaction: validation, the ledger write, the position recomputation,
// and the audit entry commit together or not at all.
package trading

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/ledger-engine/internal/lifecycle"
	"github.com/tradedesk/ledger-engine/internal/metrics"
	"github.com/tradedesk/ledger-engine/internal/model"
	"github.com/tradedesk/ledger-engine/internal/position"
	"github.com/tradedesk/ledger-engine/internal/store"
)

// DefaultActor is recorded on audit entries when the caller supplies no
// identity.
const DefaultActor = "system"

// Service is the single entry point for ledger mutations. Only the service
// writes trades, positions, and audit entries, and only through the store's
// transaction boundary.
type Service struct {
	store       store.Store
	hub         *WSHub // optional, nil disables broadcasting
	maxAttempts int
	retryDelay  time.Duration
}

// NewService creates a trading service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, hub *WSHub) *Service {
	return &Service{
		store:       st,
		hub:         hub,
		maxAttempts: 3,
		retryDelay:  25 * time.Millisecond,
	}
}

// SetRetryPolicy overrides the bounded-retry settings for transient
// storage conflicts.
func (s *Service) SetRetryPolicy(maxAttempts int, delay time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if delay > 0 {
		s.retryDelay = delay
	}
}

// AddTradeInput carries the caller-supplied fields for a new trade.
type AddTradeInput struct {
	PortfolioID    int64
	SecurityID     int64
	Side           model.Side
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	CounterpartyID *int64
}

// positionInvalidator is implemented by the Redis-cached store; plain stores
// have nothing to invalidate.
type positionInvalidator interface {
	InvalidatePosition(ctx context.Context, key model.PositionKey)
}

// AddTrade validates the input, persists a NEW trade, folds it into the
// position for its key, and appends an ADD_TRADE audit entry, all in one
// transaction. Returns the created trade with its assigned ledger id.
func (s *Service) AddTrade(ctx context.Context, in AddTradeInput, actor string) (*model.Trade, error) {
	start := time.Now()

	trade, err := lifecycle.NewTrade(in.PortfolioID, in.SecurityID, in.Side, in.Quantity, in.Price, in.CounterpartyID)
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	var created model.Trade
	var pos model.Position

	err = s.withRetry(ctx, func() error {
		return s.store.WithinTx(ctx, func(tx store.Tx) error {
			if err := checkReferences(ctx, tx, in); err != nil {
				return err
			}

			key := trade.Key()
			before, err := tx.LockPosition(ctx, key)
			if err != nil {
				return err
			}

			id, err := tx.InsertTrade(ctx, trade)
			if err != nil {
				return err
			}
			created = *trade
			created.ID = id

			// Appending one trade to the end of the history fold;
			// identical to a full recomputation.
			pos = position.Apply(before, created.Side, created.Quantity, created.Price)
			if err := tx.SavePosition(ctx, pos); err != nil {
				return err
			}

			return tx.AppendAudit(ctx, &model.AuditEntry{
				Action:    model.ActionAddTrade,
				RefID:     id,
				Actor:     actor,
				CreatedAt: time.Now().UTC(),
			})
		})
	})
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	s.recordMutation(model.ActionAddTrade, start)
	s.afterCommit(ctx, "trade_added", &created, pos)

	slog.Info("trade added",
		"trade_id", created.ID,
		"external_ref", created.ExternalRef,
		"portfolio", created.PortfolioID,
		"security", created.SecurityID,
		"side", created.Side,
		"qty", created.Quantity.String(),
		"price", created.Price.String(),
		"actor", actor,
	)
	return &created, nil
}

// CancelTrade transitions a NEW trade to CANCELLED, recomputes the position
// for its key from the surviving history, and appends a CANCEL_TRADE audit
// entry. Cancelling a non-NEW trade fails; cancel is not idempotent.
func (s *Service) CancelTrade(ctx context.Context, tradeID int64, actor string) (*model.Trade, error) {
	start := time.Now()

	var cancelled model.Trade
	var pos model.Position

	err := s.withRetry(ctx, func() error {
		return s.store.WithinTx(ctx, func(tx store.Tx) error {
			trade, err := tx.GetTradeForUpdate(ctx, tradeID)
			if err != nil {
				return err
			}
			if err := lifecycle.MarkCancelled(trade); err != nil {
				return err
			}

			key := trade.Key()
			if _, err := tx.LockPosition(ctx, key); err != nil {
				return err
			}
			if err := tx.UpdateTradeStatus(ctx, tradeID, trade.Status, nil); err != nil {
				return err
			}

			pos, err = s.recomputeKey(ctx, tx, key)
			if err != nil {
				return err
			}
			cancelled = *trade

			return tx.AppendAudit(ctx, &model.AuditEntry{
				Action:    model.ActionCancelTrade,
				RefID:     tradeID,
				Actor:     actor,
				CreatedAt: time.Now().UTC(),
			})
		})
	})
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	s.recordMutation(model.ActionCancelTrade, start)
	s.afterCommit(ctx, "trade_cancelled", &cancelled, pos)

	slog.Info("trade cancelled", "trade_id", tradeID, "actor", actor)
	return &cancelled, nil
}

// ReplaceTrade retires a NEW trade and creates its successor with the new
// quantity and price, atomically: the original becomes REPLACED pointing at
// the successor, the position is recomputed from the surviving history, and
// one REPLACE_TRADE audit entry referencing the original is appended.
// Returns the successor.
func (s *Service) ReplaceTrade(ctx context.Context, tradeID int64, newQty, newPrice decimal.Decimal, actor string) (*model.Trade, error) {
	start := time.Now()

	var successor model.Trade
	var pos model.Position

	err := s.withRetry(ctx, func() error {
		return s.store.WithinTx(ctx, func(tx store.Tx) error {
			orig, err := tx.GetTradeForUpdate(ctx, tradeID)
			if err != nil {
				return err
			}
			succ, err := lifecycle.Successor(orig, newQty, newPrice)
			if err != nil {
				return err
			}

			key := orig.Key()
			if _, err := tx.LockPosition(ctx, key); err != nil {
				return err
			}

			newID, err := tx.InsertTrade(ctx, succ)
			if err != nil {
				return err
			}
			successor = *succ
			successor.ID = newID

			if err := lifecycle.MarkReplaced(orig, newID); err != nil {
				return err
			}
			if err := tx.UpdateTradeStatus(ctx, tradeID, orig.Status, orig.ReplacedBy); err != nil {
				return err
			}

			pos, err = s.recomputeKey(ctx, tx, key)
			if err != nil {
				return err
			}

			return tx.AppendAudit(ctx, &model.AuditEntry{
				Action:    model.ActionReplaceTrade,
				RefID:     tradeID,
				Actor:     actor,
				Detail:    fmt.Sprintf("replaced_by=%d", newID),
				CreatedAt: time.Now().UTC(),
			})
		})
	})
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	s.recordMutation(model.ActionReplaceTrade, start)
	s.afterCommit(ctx, "trade_replaced", &successor, pos)

	slog.Info("trade replaced",
		"trade_id", tradeID,
		"new_trade_id", successor.ID,
		"qty", successor.Quantity.String(),
		"price", successor.Price.String(),
		"actor", actor,
	)
	return &successor, nil
}

// GetPosition returns the net quantity and average cost for a key; a key
// with no trades yields a flat (0, 0) position.
func (s *Service) GetPosition(ctx context.Context, key model.PositionKey) (model.Position, error) {
	return s.store.GetPosition(ctx, key)
}

// recomputeKey re-derives the position from the full surviving trade
// history inside the current transaction. Cancel and replace go through
// here rather than reversing a single delta.
func (s *Service) recomputeKey(ctx context.Context, tx store.Tx, key model.PositionKey) (model.Position, error) {
	history, err := tx.TradesForKey(ctx, key)
	if err != nil {
		return model.Position{}, err
	}
	pos := position.Recompute(key, history)
	if err := tx.SavePosition(ctx, pos); err != nil {
		return model.Position{}, err
	}
	return pos, nil
}

// checkReferences rejects trades against unknown catalog rows before any
// write happens.
func checkReferences(ctx context.Context, tx store.Tx, in AddTradeInput) error {
	ok, err := tx.PortfolioExists(ctx, in.PortfolioID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("portfolio %d: %w", in.PortfolioID, store.ErrNotFound)
	}

	ok, err = tx.SecurityExists(ctx, in.SecurityID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("security %d: %w", in.SecurityID, store.ErrNotFound)
	}

	if in.CounterpartyID != nil {
		ok, err = tx.CounterpartyExists(ctx, *in.CounterpartyID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("counterparty %d: %w", *in.CounterpartyID, store.ErrNotFound)
		}
	}
	return nil
}

// withRetry reruns fn on transient storage conflicts with exponential
// backoff, up to maxAttempts. Validation, state, and lookup failures are
// surfaced immediately; retrying cannot fix the caller's input.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := s.retryDelay

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err = fn()
		if err == nil || !store.IsTransient(err) {
			return err
		}
		if attempt < s.maxAttempts-1 {
			metrics.TxRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}

func (s *Service) recordMutation(action string, start time.Time) {
	metrics.MutationsTotal.WithLabelValues(action).Inc()
	metrics.MutationLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	metrics.AuditEntriesTotal.Inc()
}

// afterCommit runs the post-commit side channels: cache invalidation and
// WebSocket broadcast. Neither can fail the already-committed mutation.
func (s *Service) afterCommit(ctx context.Context, event string, trade *model.Trade, pos model.Position) {
	if inv, ok := s.store.(positionInvalidator); ok {
		inv.InvalidatePosition(ctx, trade.Key())
	}
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:        event,
			TradeID:     trade.ID,
			PortfolioID: trade.PortfolioID,
			SecurityID:  trade.SecurityID,
			Side:        string(trade.Side),
			Quantity:    trade.Quantity.String(),
			Price:       trade.Price.String(),
			NetQuantity: pos.NetQuantity.String(),
			AverageCost: pos.AverageCost.String(),
		})
	}
}
