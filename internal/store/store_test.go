package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func profile(id string) *model.Profile {
	return &model.Profile{
		ID:             id,
		Name:           "Profile " + id,
		InitialBalance: d("1000"),
		CurrentBalance: d("1000"),
		Epoch:          1,
		Settings:       model.ProfileSettings{DefaultTakeProfitPercent: d("25"), MaxOpenPositions: 3},
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
}

func order(id, profileID, marketID string, at time.Time) *model.Order {
	return &model.Order{
		ID:         id,
		ProfileID:  profileID,
		MarketID:   marketID,
		Market:     model.MarketInfo{Title: "Will it rain?", Slug: "rain"},
		Side:       model.SideBuy,
		Outcome:    model.OutcomeYes,
		EntryPrice: d("0.4"),
		Amount:     d("100"),
		Shares:     d("250"),
		Status:     model.StatusOpen,
		Risk:       model.RiskConfig{TakeProfitPercent: d("50"), StopLossPercent: d("20")},
		Source:     "MANUAL",
		Epoch:      1,
		CreatedAt:  at,
	}
}

// runStoreContract exercises the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.PutProfile(ctx, profile("p1")); err != nil {
			return err
		}
		if err := tx.PutProfile(ctx, profile("p2")); err != nil {
			return err
		}
		for i, id := range []string{"o1", "o2", "o3"} {
			o := order(id, "p1", "m1", t0.Add(time.Duration(i)*time.Minute))
			if id == "o3" {
				o.MarketID = "m2"
				o.Source = "SNIPER"
			}
			if err := tx.PutOrder(ctx, o); err != nil {
				return err
			}
		}
		return tx.PutOrder(ctx, order("o4", "p2", "m1", t0))
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	t.Run("profile round trip", func(t *testing.T) {
		p, err := s.GetProfile(ctx, "p1")
		if err != nil {
			t.Fatalf("get profile: %v", err)
		}
		if !p.CurrentBalance.Equal(d("1000")) {
			t.Errorf("balance = %s, want 1000", p.CurrentBalance)
		}
		if p.Settings.MaxOpenPositions != 3 || !p.Settings.DefaultTakeProfitPercent.Equal(d("25")) {
			t.Errorf("settings not round-tripped: %+v", p.Settings)
		}
		if !p.CreatedAt.Equal(t0) {
			t.Errorf("created_at = %v, want %v", p.CreatedAt, t0)
		}
	})

	t.Run("unknown ids are not found", func(t *testing.T) {
		if _, err := s.GetProfile(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("GetProfile err = %v, want ErrNotFound", err)
		}
		if _, err := s.GetOrder(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("GetOrder err = %v, want ErrNotFound", err)
		}
	})

	t.Run("list orders newest first with filters", func(t *testing.T) {
		orders, err := s.ListOrders(ctx, store.OrderFilter{ProfileID: "p1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(orders) != 3 || orders[0].ID != "o3" || orders[2].ID != "o1" {
			t.Fatalf("unexpected order list: %v", ids(orders))
		}

		orders, _ = s.ListOrders(ctx, store.OrderFilter{Source: "SNIPER"})
		if len(orders) != 1 || orders[0].ID != "o3" {
			t.Errorf("source filter: %v", ids(orders))
		}

		orders, _ = s.ListOrders(ctx, store.OrderFilter{MarketID: "m1", Status: model.StatusOpen})
		if len(orders) != 3 {
			t.Errorf("market filter across profiles: %v", ids(orders))
		}

		orders, _ = s.ListOrders(ctx, store.OrderFilter{ProfileID: "p1", Limit: 2})
		if len(orders) != 2 || orders[0].ID != "o3" {
			t.Errorf("limit: %v", ids(orders))
		}
	})

	t.Run("closing an order persists optional fields", func(t *testing.T) {
		closedAt := t0.Add(time.Hour)
		exit, pnl := d("0.6"), d("50")
		err := s.InTx(ctx, func(tx store.Tx) error {
			o, err := tx.GetOrder(ctx, "o1")
			if err != nil {
				return err
			}
			o.Status = model.StatusClosed
			o.ExitPrice = &exit
			o.PnL = &pnl
			o.CloseReason = model.ReasonTakeProfit
			o.ClosedAt = &closedAt
			return tx.PutOrder(ctx, o)
		})
		if err != nil {
			t.Fatal(err)
		}

		o, err := s.GetOrder(ctx, "o1")
		if err != nil {
			t.Fatal(err)
		}
		if o.Status != model.StatusClosed || o.CloseReason != model.ReasonTakeProfit {
			t.Errorf("status/reason = %s/%s", o.Status, o.CloseReason)
		}
		if o.PnL == nil || !o.PnL.Equal(pnl) || o.ExitPrice == nil || !o.ExitPrice.Equal(exit) {
			t.Errorf("exit/pnl not persisted: %v %v", o.ExitPrice, o.PnL)
		}
		if o.ClosedAt == nil || !o.ClosedAt.Equal(closedAt) {
			t.Errorf("closed_at = %v", o.ClosedAt)
		}
		if !o.Shares.Equal(d("250")) || o.Market.Slug != "rain" {
			t.Errorf("immutable fields changed: shares=%s market=%+v", o.Shares, o.Market)
		}
	})

	t.Run("failed unit of work rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx store.Tx) error {
			p, err := tx.GetProfile(ctx, "p2")
			if err != nil {
				return err
			}
			p.CurrentBalance = d("1")
			if err := tx.PutProfile(ctx, p); err != nil {
				return err
			}
			// The write is visible inside the unit of work.
			again, err := tx.GetProfile(ctx, "p2")
			if err != nil {
				return err
			}
			if !again.CurrentBalance.Equal(d("1")) {
				t.Errorf("tx does not see its own write: %s", again.CurrentBalance)
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("InTx err = %v, want boom", err)
		}
		p, _ := s.GetProfile(ctx, "p2")
		if !p.CurrentBalance.Equal(d("1000")) {
			t.Errorf("balance after rollback = %s, want 1000", p.CurrentBalance)
		}
	})

	t.Run("delete profile removes its orders", func(t *testing.T) {
		if err := s.InTx(ctx, func(tx store.Tx) error { return tx.DeleteProfile(ctx, "p2") }); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetProfile(ctx, "p2"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("profile still present: %v", err)
		}
		if _, err := s.GetOrder(ctx, "o4"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("order of deleted profile still present: %v", err)
		}
		profiles, _ := s.ListProfiles(ctx)
		if len(profiles) != 1 || profiles[0].ID != "p1" {
			t.Errorf("profiles after delete: %+v", profiles)
		}

		err := s.InTx(ctx, func(tx store.Tx) error { return tx.DeleteProfile(ctx, "p2") })
		if !errors.Is(err, model.ErrNotFound) {
			t.Errorf("second delete err = %v, want ErrNotFound", err)
		}
	})
}

func ids(orders []model.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, store.NewMemoryStore())
}

func TestMemoryStore_ReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.InTx(ctx, func(tx store.Tx) error { return tx.PutProfile(ctx, profile("p1")) }); err != nil {
		t.Fatal(err)
	}

	p, _ := s.GetProfile(ctx, "p1")
	p.CurrentBalance = d("0")

	again, _ := s.GetProfile(ctx, "p1")
	if !again.CurrentBalance.Equal(d("1000")) {
		t.Errorf("mutating a returned profile leaked into the store: %s", again.CurrentBalance)
	}
}

func TestMemoryStore_OrderNeedsProfile(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	err := s.InTx(ctx, func(tx store.Tx) error { return tx.PutOrder(ctx, order("o1", "ghost", "m1", t0)) })
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
