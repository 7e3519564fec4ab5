package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/exposure"
	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// testClock advances one second per call so orders sort deterministically.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLedger(t *testing.T, opts ...ledger.Option) (*ledger.Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]ledger.Option{
		ledger.WithClock(clock.Now),
		ledger.WithLogger(quiet()),
	}, opts...)
	svc := ledger.NewService(st, nil, opts...)
	if _, err := svc.EnsureDefault(context.Background(), "Default", d("1000")); err != nil {
		t.Fatalf("ensure default: %v", err)
	}
	return svc, st
}

func buyYes(t *testing.T, svc *ledger.Service, market, price, amount string) *model.Order {
	t.Helper()
	o, err := svc.PlaceOrder(context.Background(), ledger.PlaceOrderRequest{
		MarketID:   market,
		Outcome:    model.OutcomeYes,
		EntryPrice: d(price),
		Amount:     d(amount),
		Source:     "MANUAL",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return o
}

func balance(t *testing.T, svc *ledger.Service, id string) decimal.Decimal {
	t.Helper()
	p, err := svc.GetProfile(context.Background(), id)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	return p.CurrentBalance
}

func TestPlaceOrder_DebitsAndFixesShares(t *testing.T) {
	svc, _ := newLedger(t)

	o := buyYes(t, svc, "m1", "0.40", "100")

	if !o.Shares.Equal(d("250")) {
		t.Errorf("shares = %s, want 250", o.Shares)
	}
	if o.Status != model.StatusOpen || o.Side != model.SideBuy || o.ProfileID != model.DefaultProfileID {
		t.Errorf("unexpected order: %+v", o)
	}
	if got := balance(t, svc, model.DefaultProfileID); !got.Equal(d("900")) {
		t.Errorf("balance = %s, want 900", got)
	}
}

func TestSettle_WinningScenario(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	o := buyYes(t, svc, "m1", "0.40", "100")

	settled, err := svc.SettleOrder(ctx, o.ID, model.OutcomeYes)
	if err != nil {
		t.Fatal(err)
	}

	if !settled.PnL.Equal(d("150")) || !settled.ExitPrice.Equal(d("1")) {
		t.Errorf("pnl/exit = %s/%s, want 150/1", settled.PnL, settled.ExitPrice)
	}
	if settled.CloseReason != model.ReasonSettlement {
		t.Errorf("reason = %s", settled.CloseReason)
	}
	p, _ := svc.GetProfile(ctx, model.DefaultProfileID)
	if !p.CurrentBalance.Equal(d("1150")) || !p.RealizedPnL.Equal(d("150")) {
		t.Errorf("balance/realized = %s/%s, want 1150/150", p.CurrentBalance, p.RealizedPnL)
	}
	if p.TradeCount != 1 || p.WinCount != 1 || p.LossCount != 0 {
		t.Errorf("counters = %d/%d/%d", p.TradeCount, p.WinCount, p.LossCount)
	}
}

func TestSettle_LosingScenario(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	o := buyYes(t, svc, "m1", "0.40", "100")

	settled, err := svc.SettleOrder(ctx, o.ID, model.OutcomeNo)
	if err != nil {
		t.Fatal(err)
	}

	if !settled.PnL.Equal(d("-100")) {
		t.Errorf("pnl = %s, want -100", settled.PnL)
	}
	p, _ := svc.GetProfile(ctx, model.DefaultProfileID)
	if !p.CurrentBalance.Equal(d("900")) || p.LossCount != 1 || p.WinCount != 0 {
		t.Errorf("balance=%s wins=%d losses=%d", p.CurrentBalance, p.WinCount, p.LossCount)
	}
	if !p.WorstTrade.Equal(d("-100")) || !p.BestTrade.Equal(d("-100")) {
		t.Errorf("best/worst = %s/%s", p.BestTrade, p.WorstTrade)
	}
}

func TestCloseOrder_ManualAtMark(t *testing.T) {
	svc, _ := newLedger(t)
	o := buyYes(t, svc, "m1", "0.40", "100")

	closed, err := svc.CloseOrder(context.Background(), o.ID, d("0.55"))
	if err != nil {
		t.Fatal(err)
	}
	if !closed.PnL.Equal(d("37.5")) || closed.CloseReason != model.ReasonManual {
		t.Errorf("pnl=%s reason=%s", closed.PnL, closed.CloseReason)
	}
	if closed.ClosedAt == nil {
		t.Error("closed_at not set")
	}
	if got := balance(t, svc, model.DefaultProfileID); !got.Equal(d("1037.5")) {
		t.Errorf("balance = %s, want 1037.5", got)
	}
}

func TestCloseOrder_ZeroPnLIsNeitherWinNorLoss(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	o := buyYes(t, svc, "m1", "0.50", "100")

	if _, err := svc.CloseOrder(ctx, o.ID, d("0.5")); err != nil {
		t.Fatal(err)
	}
	p, _ := svc.GetProfile(ctx, model.DefaultProfileID)
	if p.TradeCount != 1 || p.WinCount != 0 || p.LossCount != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/0/0", p.TradeCount, p.WinCount, p.LossCount)
	}
}

func TestCloseOrder_AtEntryWithRepeatingShares(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	o := buyYes(t, svc, "m1", "0.3", "100")

	closed, err := svc.CloseOrder(ctx, o.ID, d("0.3"))
	if err != nil {
		t.Fatal(err)
	}
	if !closed.PnL.IsZero() {
		t.Errorf("pnl = %s, want 0", closed.PnL)
	}
	p, _ := svc.GetProfile(ctx, model.DefaultProfileID)
	if !p.CurrentBalance.Equal(d("1000")) {
		t.Errorf("balance = %s, want 1000", p.CurrentBalance)
	}
	if p.WinCount != 0 || p.LossCount != 0 {
		t.Errorf("wins/losses = %d/%d, want 0/0", p.WinCount, p.LossCount)
	}
}

func TestSettle_IsIdempotent(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	o := buyYes(t, svc, "m1", "0.40", "100")

	first, err := svc.SettleOrder(ctx, o.ID, model.OutcomeYes)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.SettleOrder(ctx, o.ID, model.OutcomeNo)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	third, err := svc.CloseOrder(ctx, o.ID, d("0.1"))
	if err != nil {
		t.Fatalf("close after settle: %v", err)
	}

	for _, got := range []*model.Order{second, third} {
		if !got.PnL.Equal(*first.PnL) || got.CloseReason != model.ReasonSettlement {
			t.Errorf("terminal order changed: pnl=%s reason=%s", got.PnL, got.CloseReason)
		}
	}
	p, _ := svc.GetProfile(ctx, model.DefaultProfileID)
	if !p.CurrentBalance.Equal(d("1150")) || p.TradeCount != 1 {
		t.Errorf("balance=%s trades=%d, want 1150/1", p.CurrentBalance, p.TradeCount)
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	svc, st := newLedger(t)
	ctx := context.Background()

	_, err := svc.PlaceOrder(ctx, ledger.PlaceOrderRequest{
		MarketID:   "m1",
		Outcome:    model.OutcomeYes,
		EntryPrice: d("0.5"),
		Amount:     d("1000.01"),
	})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := balance(t, svc, model.DefaultProfileID); !got.Equal(d("1000")) {
		t.Errorf("balance = %s, want 1000", got)
	}
	orders, _ := st.ListOrders(ctx, store.OrderFilter{})
	if len(orders) != 0 {
		t.Errorf("rejected order was persisted: %d orders", len(orders))
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  ledger.PlaceOrderRequest
	}{
		{"missing market", ledger.PlaceOrderRequest{Outcome: model.OutcomeYes, EntryPrice: d("0.5"), Amount: d("10")}},
		{"bad outcome", ledger.PlaceOrderRequest{MarketID: "m", Outcome: "MAYBE", EntryPrice: d("0.5"), Amount: d("10")}},
		{"price zero", ledger.PlaceOrderRequest{MarketID: "m", Outcome: model.OutcomeYes, EntryPrice: d("0"), Amount: d("10")}},
		{"price one", ledger.PlaceOrderRequest{MarketID: "m", Outcome: model.OutcomeYes, EntryPrice: d("1"), Amount: d("10")}},
		{"amount zero", ledger.PlaceOrderRequest{MarketID: "m", Outcome: model.OutcomeNo, EntryPrice: d("0.5"), Amount: d("0")}},
		{"negative stop loss", ledger.PlaceOrderRequest{MarketID: "m", Outcome: model.OutcomeNo, EntryPrice: d("0.5"), Amount: d("1"),
			Risk: &model.RiskConfig{StopLossPercent: d("-5")}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.PlaceOrder(ctx, tc.req); !errors.Is(err, model.ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestCloseOrder_ExitPriceBounds(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	o := buyYes(t, svc, "m1", "0.40", "100")

	for _, p := range []string{"-0.01", "1.01"} {
		if _, err := svc.CloseOrder(ctx, o.ID, d(p)); !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("exit %s: err = %v, want ErrInvalidArgument", p, err)
		}
	}
	if _, err := svc.CloseOrder(ctx, "missing", d("0.5")); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown order: err = %v, want ErrNotFound", err)
	}
}

func TestCancelOrder(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	o := buyYes(t, svc, "m1", "0.40", "100")

	cancelled, err := svc.CancelOrder(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != model.StatusCancelled || !cancelled.PnL.IsZero() {
		t.Errorf("status=%s pnl=%v", cancelled.Status, cancelled.PnL)
	}
	if got := balance(t, svc, model.DefaultProfileID); !got.Equal(d("1000")) {
		t.Errorf("balance after cancel = %s, want 1000", got)
	}

	again, err := svc.CancelOrder(ctx, o.ID)
	if err != nil || again.Status != model.StatusCancelled {
		t.Errorf("second cancel = %v, %v", again, err)
	}
	if got := balance(t, svc, model.DefaultProfileID); !got.Equal(d("1000")) {
		t.Errorf("double refund: balance = %s", got)
	}

	closed := buyYes(t, svc, "m2", "0.5", "10")
	if _, err := svc.CloseOrder(ctx, closed.ID, d("0.6")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CancelOrder(ctx, closed.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("cancel closed: err = %v, want ErrInvalidState", err)
	}
}

func TestBalanceConservation(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	a := buyYes(t, svc, "m1", "0.30", "100")
	b := buyYes(t, svc, "m2", "0.70", "250")
	c := buyYes(t, svc, "m3", "0.45", "75.5")
	buyYes(t, svc, "m4", "0.15", "33")

	if _, err := svc.CloseOrder(ctx, a.ID, d("0.42")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SettleOrder(ctx, b.ID, model.OutcomeNo); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CancelOrder(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	p, _ := svc.GetProfile(ctx, model.DefaultProfileID)
	open, _ := svc.OpenOrders(ctx, p.ID)
	openStake := decimal.Zero
	for _, o := range open {
		openStake = openStake.Add(o.Amount)
	}

	want := p.InitialBalance.Add(p.RealizedPnL).Sub(openStake)
	if !p.CurrentBalance.Equal(want) {
		t.Errorf("balance %s != initial + realized - open stake = %s", p.CurrentBalance, want)
	}
}

func TestPlaceOrder_ConcurrentNeverOverdraws(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PlaceOrder(ctx, ledger.PlaceOrderRequest{
				MarketID:   "m1",
				Outcome:    model.OutcomeYes,
				EntryPrice: d("0.5"),
				Amount:     d("100"),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 || rejected != 40 {
		t.Errorf("succeeded=%d rejected=%d, want 10/40", succeeded, rejected)
	}
	if got := balance(t, svc, model.DefaultProfileID); !got.IsZero() {
		t.Errorf("balance = %s, want 0", got)
	}
}

func TestPlaceOrder_DefaultRiskFromSettings(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	settings := model.ProfileSettings{DefaultTakeProfitPercent: d("40"), DefaultStopLossPercent: d("25")}
	if _, err := svc.UpdateSettings(ctx, model.DefaultProfileID, settings); err != nil {
		t.Fatal(err)
	}

	o := buyYes(t, svc, "m1", "0.5", "10")
	if !o.Risk.TakeProfitPercent.Equal(d("40")) || !o.Risk.StopLossPercent.Equal(d("25")) {
		t.Errorf("risk = %+v, want profile defaults", o.Risk)
	}

	explicit, err := svc.PlaceOrder(ctx, ledger.PlaceOrderRequest{
		MarketID:   "m2",
		Outcome:    model.OutcomeNo,
		EntryPrice: d("0.5"),
		Amount:     d("10"),
		Risk:       &model.RiskConfig{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if explicit.Risk.Armed() {
		t.Errorf("explicit zero risk was overridden: %+v", explicit.Risk)
	}
}

func TestPlaceOrder_ExposureLimits(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	if _, err := svc.UpdateSettings(ctx, model.DefaultProfileID, model.ProfileSettings{MaxOpenPositions: 2}); err != nil {
		t.Fatal(err)
	}

	buyYes(t, svc, "m1", "0.5", "10")
	buyYes(t, svc, "m2", "0.5", "10")
	_, err := svc.PlaceOrder(ctx, ledger.PlaceOrderRequest{
		MarketID: "m3", Outcome: model.OutcomeYes, EntryPrice: d("0.5"), Amount: d("10"),
	})
	if !errors.Is(err, model.ErrLimitExceeded) {
		t.Errorf("err = %v, want ErrLimitExceeded", err)
	}
	if got := balance(t, svc, model.DefaultProfileID); !got.Equal(d("980")) {
		t.Errorf("rejected order changed balance: %s", got)
	}

	capped := ledger.NewService(store.NewMemoryStore(), exposure.NewLimiter(d("50")), ledger.WithLogger(quiet()))
	if _, err := capped.EnsureDefault(ctx, "Default", d("1000")); err != nil {
		t.Fatal(err)
	}
	buyYes(t, capped, "m1", "0.5", "40")
	_, err = capped.PlaceOrder(ctx, ledger.PlaceOrderRequest{
		MarketID: "m1", Outcome: model.OutcomeNo, EntryPrice: d("0.5"), Amount: d("20"),
	})
	if !errors.Is(err, model.ErrLimitExceeded) {
		t.Errorf("per-market cap: err = %v, want ErrLimitExceeded", err)
	}
}

func TestComputeUnrealizedPnL(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	buyYes(t, svc, "m1", "0.40", "100") // 250 shares
	no, err := svc.PlaceOrder(ctx, ledger.PlaceOrderRequest{
		MarketID: "m2", Outcome: model.OutcomeNo, EntryPrice: d("0.25"), Amount: d("50"), // 200 shares
	})
	if err != nil {
		t.Fatal(err)
	}
	buyYes(t, svc, "m3", "0.5", "10") // no mark

	marks := model.MarkSnapshot{
		"m1": {Yes: d("0.5"), No: d("0.5")},
		"m2": {Yes: d("0.8"), No: d("0.2")},
	}
	got, err := svc.ComputeUnrealizedPnL(ctx, model.DefaultProfileID, marks)
	if err != nil {
		t.Fatal(err)
	}
	// m1: 250*0.5-100 = 25; m2: 200*0.2-50 = -10; m3: 0.
	if !got.Equal(d("15")) {
		t.Errorf("unrealized = %s, want 15", got)
	}

	if _, err := svc.CloseOrder(ctx, no.ID, d("0.2")); err != nil {
		t.Fatal(err)
	}
	got, _ = svc.ComputeUnrealizedPnL(ctx, model.DefaultProfileID, marks)
	if !got.Equal(d("25")) {
		t.Errorf("closed orders must not count: unrealized = %s, want 25", got)
	}
}

func TestOpenMarketIDs(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	other, err := svc.CreateProfile(ctx, ledger.NewProfile{Name: "Other", InitialBalance: d("500")})
	if err != nil {
		t.Fatal(err)
	}

	buyYes(t, svc, "m2", "0.5", "10")
	buyYes(t, svc, "m1", "0.5", "10")
	buyYes(t, svc, "m2", "0.5", "10")
	if _, err := svc.PlaceOrder(ctx, ledger.PlaceOrderRequest{
		ProfileID: other.ID, MarketID: "m9", Outcome: model.OutcomeYes, EntryPrice: d("0.5"), Amount: d("10"),
	}); err != nil {
		t.Fatal(err)
	}

	ids, _ := svc.OpenMarketIDs(ctx, model.DefaultProfileID)
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Errorf("active ids = %v, want [m1 m2]", ids)
	}
	all, _ := svc.OpenMarketIDs(ctx, "")
	if len(all) != 3 {
		t.Errorf("all ids = %v, want 3 markets", all)
	}
}

func TestObserverReceivesCommittedEvents(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	var got []model.EventType
	svc.Subscribe(ledger.ObserverFunc(func(ev model.Event) { got = append(got, ev.Type) }))

	o := buyYes(t, svc, "m1", "0.5", "10")
	if _, err := svc.SettleOrder(ctx, o.ID, model.OutcomeYes); err != nil {
		t.Fatal(err)
	}
	// Rejected and idempotent calls publish nothing.
	svc.SettleOrder(ctx, o.ID, model.OutcomeYes)
	svc.PlaceOrder(ctx, ledger.PlaceOrderRequest{MarketID: "m1", Outcome: model.OutcomeYes, EntryPrice: d("0.5"), Amount: d("1e9")})

	want := []model.EventType{model.EventOrderPlaced, model.EventOrderSettled}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestListOrders_FiltersAndOrder(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	first := buyYes(t, svc, "m1", "0.5", "10")
	second, _ := svc.PlaceOrder(ctx, ledger.PlaceOrderRequest{
		MarketID: "m2", Outcome: model.OutcomeYes, EntryPrice: d("0.5"), Amount: d("10"), Source: "SNIPER",
	})
	svc.CloseOrder(ctx, first.ID, d("0.5"))

	orders, err := svc.ListOrders(ctx, store.OrderFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 2 || orders[0].ID != second.ID {
		t.Errorf("newest first expected, got %d orders", len(orders))
	}

	open, _ := svc.ListOrders(ctx, store.OrderFilter{Status: model.StatusOpen})
	if len(open) != 1 || open[0].ID != second.ID {
		t.Errorf("status filter: %+v", open)
	}
	sniper, _ := svc.ListOrders(ctx, store.OrderFilter{Source: "SNIPER"})
	if len(sniper) != 1 {
		t.Errorf("source filter returned %d", len(sniper))
	}
}
