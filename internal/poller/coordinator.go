// Package poller drives the periodic price refresh and settlement check.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-ledger/internal/metrics"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/oracle"
	"github.com/atmx/paper-ledger/internal/risk"
	"github.com/atmx/paper-ledger/internal/settlement"
	"github.com/atmx/paper-ledger/internal/store"
)

const (
	cyclePrice  = "price"
	cycleSettle = "settle"
)

// Ledger is the read side of ledger.Service the coordinator needs.
type Ledger interface {
	GetActiveProfile(ctx context.Context) (*model.Profile, error)
	OpenOrders(ctx context.Context, profileID string) ([]model.Order, error)
}

// Settler runs one settlement pass. settlement.Reconciler satisfies it.
type Settler interface {
	Run(ctx context.Context) (settlement.Report, error)
}

// Evaluator applies risk thresholds. risk.Engine satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, orders []model.Order, marks model.MarkSnapshot) (risk.Report, error)
}

// Config holds the polling schedule.
type Config struct {
	PriceInterval      time.Duration
	SettleInterval     time.Duration
	SettleInitialDelay time.Duration
	FetchTimeout       time.Duration
}

func (c *Config) defaults() {
	if c.PriceInterval <= 0 {
		c.PriceInterval = 15 * time.Second
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = 30 * time.Second
	}
	if c.SettleInitialDelay < 0 {
		c.SettleInitialDelay = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 8 * time.Second
	}
}

// Coordinator owns the two polling loops and the latest mark snapshot.
// Each cycle has a single-flight guard: a tick that finds its cycle still
// running is skipped and counted, never queued.
type Coordinator struct {
	cfg       Config
	ledger    Ledger
	prices    oracle.PriceFeed
	risk      Evaluator
	settler   Settler
	synthetic *oracle.Synthetic
	log       *slog.Logger

	priceBusy  atomic.Bool
	settleBusy atomic.Bool

	priceSkips  atomic.Int64
	settleSkips atomic.Int64

	mu      sync.RWMutex
	marks   model.MarkSnapshot
	updated time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSynthetic fills markets the price feed did not price with a
// synthetic random walk.
func WithSynthetic(s *oracle.Synthetic) Option {
	return func(c *Coordinator) { c.synthetic = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a coordinator. Any of prices, eval or settler may be nil to
// disable that part.
func New(cfg Config, l Ledger, prices oracle.PriceFeed, eval Evaluator, settler Settler, opts ...Option) *Coordinator {
	cfg.defaults()
	c := &Coordinator{
		cfg:     cfg,
		ledger:  l,
		prices:  prices,
		risk:    eval,
		settler: settler,
		log:     slog.Default(),
		marks:   model.MarkSnapshot{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run starts both loops and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.loop(gctx, 0, c.cfg.PriceInterval, c.PriceTick)
		return nil
	})
	g.Go(func() error {
		c.loop(gctx, c.cfg.SettleInitialDelay, c.cfg.SettleInterval, c.SettleTick)
		return nil
	})
	c.log.Info("poller started",
		"price_interval", c.cfg.PriceInterval,
		"settle_interval", c.cfg.SettleInterval,
		"settle_initial_delay", c.cfg.SettleInitialDelay,
		"synthetic", c.synthetic != nil,
	)
	err := g.Wait()
	c.log.Info("poller stopped")
	return err
}

// loop runs tick after delay and then every interval. Ticks fire on their
// own goroutine so an overrunning cycle meets its guard instead of delaying
// the schedule.
func (c *Coordinator) loop(ctx context.Context, delay, interval time.Duration, tick func(context.Context)) {
	var wg sync.WaitGroup
	defer wg.Wait()

	fire := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tick(ctx)
		}()
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	fire()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}

// PriceTick runs one price cycle unless one is already in flight.
func (c *Coordinator) PriceTick(ctx context.Context) {
	if !c.priceBusy.CompareAndSwap(false, true) {
		c.priceSkips.Add(1)
		metrics.PollCycles.WithLabelValues(cyclePrice, "skipped").Inc()
		c.log.Debug("price cycle still running, tick skipped")
		return
	}
	defer c.priceBusy.Store(false)

	start := time.Now()
	outcome := c.refreshPrices(ctx)
	metrics.PollCycles.WithLabelValues(cyclePrice, outcome).Inc()
	if outcome != "idle" {
		metrics.PollDuration.WithLabelValues(cyclePrice).Observe(time.Since(start).Seconds())
	}
}

func (c *Coordinator) refreshPrices(ctx context.Context) string {
	active, err := c.ledger.GetActiveProfile(ctx)
	if err != nil && !errors.Is(err, store.ErrStale) {
		c.log.Warn("price cycle: no active profile", "err", err)
		return "error"
	}
	open, err := c.ledger.OpenOrders(ctx, active.ID)
	if err != nil && !errors.Is(err, store.ErrStale) {
		c.log.Warn("price cycle: list open orders", "err", err)
		return "error"
	}
	metrics.ActiveOpenOrders.Set(float64(len(open)))
	if len(open) == 0 {
		return "idle"
	}

	ids := openMarketIDs(open)
	marks := model.MarkSnapshot{}
	outcome := "ok"
	if c.prices != nil {
		fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		fetched, err := c.prices.Prices(fctx, ids)
		cancel()
		if err != nil {
			metrics.UpstreamFailures.WithLabelValues(cyclePrice).Inc()
			c.log.Warn("price fetch failed", "markets", len(ids), "err", err)
			outcome = "error"
		}
		for id, m := range fetched {
			marks[id] = m
		}
	}
	// After a failed fetch only live marks reach the risk engine, so real
	// orders are never closed at simulated prices during an outage.
	riskMarks := marks
	if outcome == "error" {
		riskMarks = maps.Clone(marks)
	}
	if c.synthetic != nil {
		n := c.synthetic.Fill(marks, open)
		c.synthetic.Forget(ids)
		metrics.SyntheticMarks.Add(float64(n))
	}
	if len(marks) == 0 {
		return outcome
	}
	c.setMarks(marks, ids)

	if c.risk != nil && len(riskMarks) > 0 {
		rep, err := c.risk.Evaluate(ctx, open, riskMarks)
		if err != nil {
			c.log.Error("risk evaluation", "err", err)
		}
		for _, o := range rep.Closed {
			metrics.RiskTriggers.WithLabelValues(string(o.CloseReason)).Inc()
		}
	}
	return outcome
}

// SettleTick runs one settlement cycle unless one is already in flight.
func (c *Coordinator) SettleTick(ctx context.Context) {
	if c.settler == nil {
		return
	}
	if !c.settleBusy.CompareAndSwap(false, true) {
		c.settleSkips.Add(1)
		metrics.PollCycles.WithLabelValues(cycleSettle, "skipped").Inc()
		c.log.Debug("settlement cycle still running, tick skipped")
		return
	}
	defer c.settleBusy.Store(false)

	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	rep, err := c.settler.Run(fctx)
	switch {
	case rep.FetchFailed:
		metrics.UpstreamFailures.WithLabelValues(cycleSettle).Inc()
		metrics.PollCycles.WithLabelValues(cycleSettle, "error").Inc()
	case err != nil:
		c.log.Error("settlement cycle", "err", err)
		metrics.PollCycles.WithLabelValues(cycleSettle, "error").Inc()
	case rep.Checked == 0:
		metrics.PollCycles.WithLabelValues(cycleSettle, "idle").Inc()
		return
	default:
		metrics.PollCycles.WithLabelValues(cycleSettle, "ok").Inc()
	}
	metrics.PollDuration.WithLabelValues(cycleSettle).Observe(time.Since(start).Seconds())
}

// Marks returns a copy of the latest mark snapshot and when it was taken.
func (c *Coordinator) Marks() (model.MarkSnapshot, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(model.MarkSnapshot, len(c.marks))
	for id, m := range c.marks {
		out[id] = m
	}
	return out, c.updated
}

// Skipped returns how many price and settlement ticks were dropped by the
// single-flight guards.
func (c *Coordinator) Skipped() (price, settle int64) {
	return c.priceSkips.Load(), c.settleSkips.Load()
}

// setMarks replaces the snapshot with the marks of the open markets ids.
// A market the latest fetch missed keeps its previous mark.
func (c *Coordinator) setMarks(marks model.MarkSnapshot, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(model.MarkSnapshot, len(ids))
	for _, id := range ids {
		if m, ok := marks[id]; ok {
			next[id] = m
		} else if m, ok := c.marks[id]; ok {
			next[id] = m
		}
	}
	c.marks = next
	c.updated = time.Now().UTC()
}

func openMarketIDs(orders []model.Order) []string {
	seen := make(map[string]struct{}, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if _, ok := seen[o.MarketID]; ok {
			continue
		}
		seen[o.MarketID] = struct{}{}
		ids = append(ids, o.MarketID)
	}
	return ids
}
