// Package position computes net quantity and weighted-average cost for one
// (portfolio, security) key from trade events.
//
// Apply is a pure function: position in, position out, no side effects. The
// full-history Recompute is the reference semantics; the incremental path
// used for newly added trades is the final step of the very same fold, so
// the two are numerically identical (decimal arithmetic, fixed rounding).
package position

import (
	"github.com/shopspring/decimal"

	"github.com/tradedesk/ledger-engine/internal/model"
)

// CostScale is the number of decimal places average cost is rounded to at
// each fold step. Rounding per step keeps incremental application and full
// recomputation bit-identical.
const CostScale int32 = 8

// Apply folds one trade event into a position and returns the result.
//
// Rules:
//   - same direction as the held position (or flat): quantity-weighted
//     average of the old basis and the trade price; net adjusts by the
//     signed trade quantity.
//   - reducing trade (opposite side, not exceeding the held quantity):
//     average cost unchanged; realized P&L is out of scope. A reduce to
//     exactly flat zeroes the average.
//   - flipping trade (opposite side, exceeding the held quantity): the
//     residual opens a fresh position at the incoming trade's price.
func Apply(pos model.Position, side model.Side, qty, price decimal.Decimal) model.Position {
	signed := qty
	if side == model.SideSell {
		signed = qty.Neg()
	}

	out := pos
	out.NetQuantity = pos.NetQuantity.Add(signed)

	switch {
	case pos.NetQuantity.IsZero() || pos.NetQuantity.Sign() == signed.Sign():
		// Accumulating on the held side (longs and shorts alike).
		held := pos.NetQuantity.Abs()
		total := held.Add(qty)
		out.AverageCost = held.Mul(pos.AverageCost).
			Add(qty.Mul(price)).
			Div(total).
			Round(CostScale)

	case out.NetQuantity.IsZero():
		out.AverageCost = decimal.Zero

	case out.NetQuantity.Sign() == pos.NetQuantity.Sign():
		// Reducing: basis carries over untouched.
		out.AverageCost = pos.AverageCost

	default:
		// Flipped through zero: residual opens at the trade price.
		out.AverageCost = price
	}

	return out
}

// Recompute derives the position for key from scratch by folding Apply over
// the surviving trade history in ledger-id order. Surviving means status
// NEW: cancelled trades and superseded replace-originals contribute nothing,
// while replace-successors are ordinary NEW trades.
//
// Deterministic: the same history always yields the same position.
func Recompute(key model.PositionKey, trades []model.Trade) model.Position {
	pos := model.Position{
		PortfolioID: key.PortfolioID,
		SecurityID:  key.SecurityID,
		NetQuantity: decimal.Zero,
		AverageCost: decimal.Zero,
	}
	for _, t := range trades {
		if t.Status != model.StatusNew {
			continue
		}
		if t.PortfolioID != key.PortfolioID || t.SecurityID != key.SecurityID {
			continue
		}
		pos = Apply(pos, t.Side, t.Quantity, t.Price)
	}
	return pos
}
