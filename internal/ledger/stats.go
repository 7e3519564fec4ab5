package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Stats summarises the current epoch of a profile. The returned error may
// wrap store.ErrStale alongside a usable result.
func (s *Service) Stats(ctx context.Context, profileID string) (*model.Stats, error) {
	p, perr := s.store.GetProfile(ctx, profileID)
	if !usable(perr) {
		return nil, perr
	}
	orders, oerr := s.store.ListOrders(ctx, store.OrderFilter{ProfileID: p.ID})
	if !usable(oerr) {
		return nil, oerr
	}

	st := computeStats(p, orders)
	return st, errors.Join(perr, oerr)
}

func computeStats(p *model.Profile, orders []model.Order) *model.Stats {
	st := &model.Stats{
		ProfileID:   p.ID,
		RealizedPnL: p.RealizedPnL,
		BestTrade:   p.BestTrade,
		WorstTrade:  p.WorstTrade,
	}

	var wins, losses int
	grossWin, grossLoss := decimal.Zero, decimal.Zero
	for i := range orders {
		o := &orders[i]
		if o.Epoch != p.Epoch {
			continue
		}
		switch o.Status {
		case model.StatusOpen:
			st.OpenTrades++
		case model.StatusClosed:
			st.ClosedTrades++
			if o.PnL == nil {
				continue
			}
			switch o.PnL.Sign() {
			case 1:
				wins++
				grossWin = grossWin.Add(*o.PnL)
			case -1:
				losses++
				grossLoss = grossLoss.Add(*o.PnL)
			}
		}
	}
	st.TotalTrades = st.OpenTrades + st.ClosedTrades

	if st.ClosedTrades > 0 {
		st.WinRate = decimal.NewFromInt(int64(wins)).
			Div(decimal.NewFromInt(int64(st.ClosedTrades))).Mul(hundred).Round(2)
	}
	if wins > 0 {
		st.AvgWin = grossWin.Div(decimal.NewFromInt(int64(wins))).Round(2)
	}
	if losses > 0 {
		st.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(losses))).Round(2)
		st.ProfitFactor = grossWin.Div(grossLoss.Abs()).Round(2)
	}
	return st
}

// Portfolio assembles the dashboard read model for the active profile
// against the latest marks. Stale is set when any read came from the
// degraded cache.
func (s *Service) Portfolio(ctx context.Context, marks model.MarkSnapshot) (*model.Portfolio, error) {
	p, perr := s.GetActiveProfile(ctx)
	if !usable(perr) {
		return nil, perr
	}
	open, oerr := s.OpenOrders(ctx, p.ID)
	if !usable(oerr) {
		return nil, oerr
	}
	if open == nil {
		open = []model.Order{}
	}

	relevant := make(model.MarkSnapshot, len(open))
	equity := p.CurrentBalance
	for i := range open {
		o := &open[i]
		m, ok := marks[o.MarketID]
		if !ok {
			equity = equity.Add(o.Amount)
			continue
		}
		relevant[o.MarketID] = m
		equity = equity.Add(o.Shares.Mul(o.MarkFor(m)))
	}

	unrealized := UnrealizedPnL(open, marks)
	return &model.Portfolio{
		Profile:       *p,
		OpenOrders:    open,
		Marks:         relevant,
		UnrealizedPnL: unrealized,
		TotalPnL:      p.RealizedPnL.Add(unrealized),
		Equity:        equity,
		Stale:         perr != nil || oerr != nil,
	}, nil
}
