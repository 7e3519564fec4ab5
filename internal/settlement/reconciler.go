// Package settlement settles open orders on markets the resolution feed
// reports as resolved.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/oracle"
)

// Ledger is the part of ledger.Service the reconciler needs.
type Ledger interface {
	OpenOrders(ctx context.Context, profileID string) ([]model.Order, error)
	Settle(ctx context.Context, orderID string, winning model.Outcome) (*model.Order, bool, error)
}

// Report summarises one reconciliation run.
type Report struct {
	At          time.Time
	Checked     int // distinct open markets sent to the feed
	Resolved    int // distinct open markets the feed reported resolved
	Settled     int // orders this run moved to CLOSED
	FetchFailed bool
}

// Reconciler matches open orders against resolved markets.
type Reconciler struct {
	ledger Ledger
	feed   oracle.ResolutionFeed
	log    *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(l Ledger, feed oracle.ResolutionFeed, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{ledger: l, feed: feed, log: log}
}

// Run performs one pass over the open orders of every profile. A feed
// failure is logged and returned with FetchFailed set; nothing is retried.
// Individual settlement failures are logged and do not stop the pass.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	rep := Report{At: time.Now().UTC()}

	open, err := r.ledger.OpenOrders(ctx, "")
	if err != nil && len(open) == 0 {
		return rep, fmt.Errorf("list open orders: %w", err)
	}
	byMarket := make(map[string][]model.Order)
	for _, o := range open {
		byMarket[o.MarketID] = append(byMarket[o.MarketID], o)
	}
	if len(byMarket) == 0 {
		return rep, nil
	}

	ids := make([]string, 0, len(byMarket))
	for id := range byMarket {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rep.Checked = len(ids)

	resolutions, err := r.feed.Resolutions(ctx, ids)
	if err != nil {
		rep.FetchFailed = true
		r.log.Warn("resolution fetch failed", "markets", len(ids), "err", err)
		return rep, fmt.Errorf("fetch resolutions: %w", err)
	}

	var errs []error
	for _, res := range resolutions {
		orders, ok := byMarket[res.MarketID]
		if !ok {
			continue
		}
		// Drop the market so a repeated feed entry is not settled twice.
		delete(byMarket, res.MarketID)
		rep.Resolved++
		for _, o := range orders {
			_, changed, err := r.ledger.Settle(ctx, o.ID, res.WinningOutcome)
			if err != nil {
				r.log.Error("settle order failed", "order", o.ID, "market", res.MarketID, "err", err)
				errs = append(errs, err)
				continue
			}
			if changed {
				rep.Settled++
			}
		}
		r.log.Info("market resolved", "market", res.MarketID, "winner", res.WinningOutcome, "orders", len(orders))
	}

	if rep.Resolved > 0 {
		r.log.Info("settlement run complete", "checked", rep.Checked, "resolved", rep.Resolved, "settled", rep.Settled)
	}
	return rep, errors.Join(errs...)
}
