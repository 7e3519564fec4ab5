// Package ledger owns every profile and order mutation of the paper-trading
// account: balances, order lifecycle, realized PnL and win/loss counters.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/paper-ledger/internal/exposure"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

// Observer is notified after each committed mutation. Notify runs on the
// caller's goroutine and must not block.
type Observer interface {
	Notify(ev model.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev model.Event)

func (f ObserverFunc) Notify(ev model.Event) { f(ev) }

// Service is the single entry point for ledger mutations. It is safe for
// concurrent use; serialisation is delegated to store.Store.InTx.
type Service struct {
	store   store.Store
	limiter *exposure.Limiter
	log     *slog.Logger
	now     func() time.Time
	newID   func() string

	mu        sync.RWMutex
	observers []Observer
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces uuid generation, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService creates a ledger over st. A nil limiter only enforces the
// per-profile maxOpenPositions setting.
func NewService(st store.Store, limiter *exposure.Limiter, opts ...Option) *Service {
	s := &Service{
		store:   st,
		limiter: limiter,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers an observer for committed mutations.
func (s *Service) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Service) publish(events []model.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()

	for _, ev := range events {
		for _, o := range observers {
			o.Notify(ev)
		}
	}
}

// mutate runs fn in a store transaction and publishes the events it
// collected once the transaction has committed.
func (s *Service) mutate(ctx context.Context, fn func(tx store.Tx, emit func(model.Event)) error) error {
	var events []model.Event
	emit := func(ev model.Event) {
		if ev.At.IsZero() {
			ev.At = s.now()
		}
		events = append(events, ev)
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		events = events[:0]
		return fn(tx, emit)
	})
	if err != nil {
		return err
	}
	s.publish(events)
	return nil
}

// usable reports whether a read result can be served: either it succeeded
// or it came from the stale cache.
func usable(err error) bool {
	return err == nil || errors.Is(err, store.ErrStale)
}

func orderEvent(t model.EventType, o *model.Order) model.Event {
	cp := *o
	return model.Event{Type: t, ProfileID: o.ProfileID, Order: &cp}
}

func profileEvent(t model.EventType, p *model.Profile) model.Event {
	cp := *p
	return model.Event{Type: t, ProfileID: p.ID, Profile: &cp}
}
