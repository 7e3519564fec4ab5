// Package risk closes open orders whose mark crosses their take-profit or
// stop-loss threshold.
package risk

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Closer closes an order at a given exit price. ledger.Service satisfies it.
type Closer interface {
	Close(ctx context.Context, orderID string, exitPrice decimal.Decimal, reason model.CloseReason) (*model.Order, error)
}

// Report summarises one evaluation pass.
type Report struct {
	Evaluated int
	Triggered int
	Closed    []model.Order
}

// Engine evaluates orders against marks. It keeps no state of its own;
// an order is armed for as long as it is OPEN with a threshold set.
type Engine struct {
	closer Closer
	log    *slog.Logger
}

// NewEngine creates a risk engine that closes through closer.
func NewEngine(closer Closer, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{closer: closer, log: log}
}

// PercentMove returns (mark - entry) / entry × 100.
func PercentMove(entry, mark decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(entry).Div(entry).Mul(hundred)
}

// Check reports whether the order should close at mark. Take-profit is
// checked before stop-loss; a zero threshold is disabled.
func Check(o *model.Order, mark decimal.Decimal) (model.CloseReason, bool) {
	if o.Status != model.StatusOpen || !o.Risk.Armed() {
		return "", false
	}
	move := PercentMove(o.EntryPrice, mark)
	if tp := o.Risk.TakeProfitPercent; tp.IsPositive() && move.GreaterThanOrEqual(tp) {
		return model.ReasonTakeProfit, true
	}
	if sl := o.Risk.StopLossPercent; sl.IsPositive() && move.LessThanOrEqual(sl.Neg()) {
		return model.ReasonStopLoss, true
	}
	return "", false
}

// Evaluate checks every order with a mark and closes the triggered ones at
// the mark of their outcome. A failed close is logged and the pass
// continues; the failures are returned joined.
func (e *Engine) Evaluate(ctx context.Context, orders []model.Order, marks model.MarkSnapshot) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	for i := range orders {
		o := &orders[i]
		m, ok := marks[o.MarketID]
		if !ok {
			continue
		}
		rep.Evaluated++
		mark := o.MarkFor(m)
		reason, fire := Check(o, mark)
		if !fire {
			continue
		}
		rep.Triggered++

		closed, err := e.closer.Close(ctx, o.ID, mark, reason)
		if err != nil {
			e.log.Error("risk close failed", "order", o.ID, "reason", reason, "err", err)
			errs = append(errs, err)
			continue
		}
		if closed.CloseReason != reason {
			// Settled or closed elsewhere first.
			e.log.Debug("risk trigger lost race", "order", o.ID, "status", closed.Status, "reason", closed.CloseReason)
			continue
		}
		e.log.Info("risk trigger",
			"order", o.ID,
			"market", o.MarketID,
			"reason", reason,
			"entry_price", o.EntryPrice.String(),
			"mark", mark.String(),
			"synthetic", m.Synthetic,
		)
		rep.Closed = append(rep.Closed, *closed)
	}
	return rep, errors.Join(errs...)
}
