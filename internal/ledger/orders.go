package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

var one = decimal.NewFromInt(1)

// moneyScale is the number of decimal places pnl is rounded to. Shares keep
// full division precision, so shares × price can miss the amount by a
// residue far below this scale.
const moneyScale = 8

// PlaceOrderRequest describes a paper order to open.
type PlaceOrderRequest struct {
	// ProfileID is optional; empty means the active profile.
	ProfileID  string
	MarketID   string
	Market     model.MarketInfo
	Outcome    model.Outcome
	EntryPrice decimal.Decimal
	Amount     decimal.Decimal
	Source     string
	// Risk is optional; nil applies the profile's default thresholds.
	Risk  *model.RiskConfig
	Notes string
}

func (r PlaceOrderRequest) validate() error {
	if strings.TrimSpace(r.MarketID) == "" {
		return fmt.Errorf("market id is required: %w", model.ErrInvalidArgument)
	}
	if !r.Outcome.Valid() {
		return fmt.Errorf("outcome must be YES or NO, got %q: %w", r.Outcome, model.ErrInvalidArgument)
	}
	if !r.EntryPrice.IsPositive() || r.EntryPrice.GreaterThanOrEqual(one) {
		return fmt.Errorf("entry price must be in (0, 1), got %s: %w", r.EntryPrice, model.ErrInvalidArgument)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s: %w", r.Amount, model.ErrInvalidArgument)
	}
	if r.Risk != nil && (r.Risk.TakeProfitPercent.IsNegative() || r.Risk.StopLossPercent.IsNegative()) {
		return fmt.Errorf("take-profit and stop-loss must not be negative: %w", model.ErrInvalidArgument)
	}
	return nil
}

// PlaceOrder debits the stake from the profile and opens the order in one
// transaction.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var out *model.Order
	err := s.mutate(ctx, func(tx store.Tx, emit func(model.Event)) error {
		profileID := req.ProfileID
		if profileID == "" {
			active, err := activeProfile(ctx, tx)
			if err != nil {
				return err
			}
			profileID = active.ID
		}
		p, err := tx.GetProfile(ctx, profileID)
		if err != nil {
			return err
		}

		open, err := tx.ListOrders(ctx, store.OrderFilter{ProfileID: p.ID, Status: model.StatusOpen})
		if err != nil {
			return err
		}
		if err := s.limiter.CheckLimit(p.Settings, req.MarketID, req.Amount, open); err != nil {
			return err
		}
		if err := s.adjust(p, req.Amount.Neg()); err != nil {
			return err
		}

		risk := model.RiskConfig{
			TakeProfitPercent: p.Settings.DefaultTakeProfitPercent,
			StopLossPercent:   p.Settings.DefaultStopLossPercent,
		}
		if req.Risk != nil {
			risk = *req.Risk
		}
		source := strings.TrimSpace(req.Source)
		if source == "" {
			source = "MANUAL"
		}

		o := &model.Order{
			ID:         s.newID(),
			ProfileID:  p.ID,
			MarketID:   req.MarketID,
			Market:     req.Market,
			Side:       model.SideBuy,
			Outcome:    req.Outcome,
			EntryPrice: req.EntryPrice,
			Amount:     req.Amount,
			Shares:     req.Amount.Div(req.EntryPrice),
			Status:     model.StatusOpen,
			Risk:       risk,
			Source:     source,
			Notes:      req.Notes,
			Epoch:      p.Epoch,
			CreatedAt:  s.now(),
		}
		if err := tx.PutProfile(ctx, p); err != nil {
			return err
		}
		if err := tx.PutOrder(ctx, o); err != nil {
			return err
		}
		emit(orderEvent(model.EventOrderPlaced, o))
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order placed",
		"id", out.ID,
		"profile", out.ProfileID,
		"market", out.MarketID,
		"outcome", out.Outcome,
		"entry_price", out.EntryPrice.String(),
		"amount", out.Amount.String(),
		"shares", out.Shares.String(),
		"source", out.Source,
	)
	return out, nil
}

// CloseOrder closes an order at exitPrice as a manual close.
func (s *Service) CloseOrder(ctx context.Context, orderID string, exitPrice decimal.Decimal) (*model.Order, error) {
	return s.Close(ctx, orderID, exitPrice, model.ReasonManual)
}

// Close closes an OPEN order at exitPrice, crediting shares × exitPrice to
// the profile. A terminal order is returned unchanged.
func (s *Service) Close(ctx context.Context, orderID string, exitPrice decimal.Decimal, reason model.CloseReason) (*model.Order, error) {
	if exitPrice.IsNegative() || exitPrice.GreaterThan(one) {
		return nil, fmt.Errorf("exit price must be in [0, 1], got %s: %w", exitPrice, model.ErrInvalidArgument)
	}
	o, _, err := s.close(ctx, orderID, reason, func(*model.Order) decimal.Decimal { return exitPrice })
	return o, err
}

// SettleOrder closes an order at 1 if its outcome won, 0 otherwise.
func (s *Service) SettleOrder(ctx context.Context, orderID string, winning model.Outcome) (*model.Order, error) {
	o, _, err := s.Settle(ctx, orderID, winning)
	return o, err
}

// Settle is SettleOrder that also reports whether this call moved the order
// to CLOSED. It is false when the order was already terminal.
func (s *Service) Settle(ctx context.Context, orderID string, winning model.Outcome) (*model.Order, bool, error) {
	if !winning.Valid() {
		return nil, false, fmt.Errorf("winning outcome must be YES or NO, got %q: %w", winning, model.ErrInvalidArgument)
	}
	return s.close(ctx, orderID, model.ReasonSettlement, func(o *model.Order) decimal.Decimal {
		if o.Outcome == winning {
			return one
		}
		return decimal.Zero
	})
}

func (s *Service) close(ctx context.Context, orderID string, reason model.CloseReason, exitFor func(*model.Order) decimal.Decimal) (*model.Order, bool, error) {
	var (
		out     *model.Order
		changed bool
	)
	err := s.mutate(ctx, func(tx store.Tx, emit func(model.Event)) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		out = o
		if o.Status.Terminal() {
			return nil
		}

		p, err := tx.GetProfile(ctx, o.ProfileID)
		if err != nil {
			return err
		}

		exit := exitFor(o)
		pnl := o.Shares.Mul(exit).Sub(o.Amount).Round(moneyScale)
		if err := s.adjust(p, o.Amount.Add(pnl)); err != nil {
			return err
		}
		recordTrade(p, pnl)

		now := s.now()
		o.Status = model.StatusClosed
		o.ExitPrice = &exit
		o.PnL = &pnl
		o.CloseReason = reason
		o.ClosedAt = &now

		if err := tx.PutProfile(ctx, p); err != nil {
			return err
		}
		if err := tx.PutOrder(ctx, o); err != nil {
			return err
		}
		evType := model.EventOrderClosed
		if reason == model.ReasonSettlement {
			evType = model.EventOrderSettled
		}
		emit(orderEvent(evType, o))
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		s.log.Info("order closed",
			"id", out.ID,
			"profile", out.ProfileID,
			"reason", out.CloseReason,
			"exit_price", out.ExitPrice.String(),
			"pnl", out.PnL.String(),
		)
	} else {
		s.log.Debug("close on terminal order ignored", "id", out.ID, "status", out.Status, "reason", reason)
	}
	return out, changed, nil
}

// CancelOrder refunds an OPEN order's stake. Cancelling a cancelled order
// returns it unchanged; cancelling a closed one is an invalid transition.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var out *model.Order
	err := s.mutate(ctx, func(tx store.Tx, emit func(model.Event)) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		out = o
		switch o.Status {
		case model.StatusCancelled:
			return nil
		case model.StatusClosed:
			return fmt.Errorf("order %s is already closed: %w", o.ID, model.ErrInvalidState)
		}

		p, err := tx.GetProfile(ctx, o.ProfileID)
		if err != nil {
			return err
		}
		if err := s.adjust(p, o.Amount); err != nil {
			return err
		}
		cancelOrder(o, model.ReasonCancelled, s.now())

		if err := tx.PutProfile(ctx, p); err != nil {
			return err
		}
		if err := tx.PutOrder(ctx, o); err != nil {
			return err
		}
		emit(orderEvent(model.EventOrderCancelled, o))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("order cancelled", "id", out.ID, "profile", out.ProfileID)
	return out, nil
}

// GetOrder returns one order by id.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// ListOrders returns orders newest first. An empty ProfileID means the
// active profile.
func (s *Service) ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error) {
	if f.ProfileID == "" {
		active, err := s.GetActiveProfile(ctx)
		if !usable(err) {
			return nil, err
		}
		f.ProfileID = active.ID
	}
	return s.store.ListOrders(ctx, f)
}

// OpenMarketIDs returns the sorted distinct market ids of OPEN orders. An
// empty profileID covers every profile.
func (s *Service) OpenMarketIDs(ctx context.Context, profileID string) ([]string, error) {
	orders, err := s.store.ListOrders(ctx, store.OrderFilter{ProfileID: profileID, Status: model.StatusOpen})
	if !usable(err) {
		return nil, err
	}
	return marketIDs(orders), err
}

// OpenOrders returns every OPEN order, across all profiles when profileID
// is empty.
func (s *Service) OpenOrders(ctx context.Context, profileID string) ([]model.Order, error) {
	return s.store.ListOrders(ctx, store.OrderFilter{ProfileID: profileID, Status: model.StatusOpen})
}

// ComputeUnrealizedPnL sums shares × mark − amount over the profile's OPEN
// orders that have a mark for their market.
func (s *Service) ComputeUnrealizedPnL(ctx context.Context, profileID string, marks model.MarkSnapshot) (decimal.Decimal, error) {
	orders, err := s.OpenOrders(ctx, profileID)
	if !usable(err) {
		return decimal.Zero, err
	}
	return UnrealizedPnL(orders, marks), err
}

// UnrealizedPnL is the pure form of ComputeUnrealizedPnL. Non-OPEN orders
// and orders without a mark contribute zero.
func UnrealizedPnL(orders []model.Order, marks model.MarkSnapshot) decimal.Decimal {
	total := decimal.Zero
	for i := range orders {
		o := &orders[i]
		if o.Status != model.StatusOpen {
			continue
		}
		m, ok := marks[o.MarketID]
		if !ok {
			continue
		}
		total = total.Add(o.Shares.Mul(o.MarkFor(m)).Sub(o.Amount))
	}
	return total.Round(moneyScale)
}

// recordTrade updates the counters of the current epoch for a closed order.
func recordTrade(p *model.Profile, pnl decimal.Decimal) {
	if p.TradeCount == 0 {
		p.BestTrade, p.WorstTrade = pnl, pnl
	} else {
		if pnl.GreaterThan(p.BestTrade) {
			p.BestTrade = pnl
		}
		if pnl.LessThan(p.WorstTrade) {
			p.WorstTrade = pnl
		}
	}
	p.TradeCount++
	switch pnl.Sign() {
	case 1:
		p.WinCount++
	case -1:
		p.LossCount++
	}
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
}

func cancelOrder(o *model.Order, reason model.CloseReason, now time.Time) {
	zero := decimal.Zero
	o.Status = model.StatusCancelled
	o.PnL = &zero
	o.CloseReason = reason
	o.ClosedAt = &now
}

func marketIDs(orders []model.Order) []string {
	seen := make(map[string]struct{}, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if _, ok := seen[o.MarketID]; ok {
			continue
		}
		seen[o.MarketID] = struct{}{}
		ids = append(ids, o.MarketID)
	}
	sort.Strings(ids)
	return ids
}
