// Package store defines the persistence interface for the paper ledger.
// Implementations include PostgreSQL and SQLite (sources of truth), Redis
// (read-through cache and degraded read fallback), and in-memory (for tests
// and development).
package store

import (
	"context"
	"errors"

	"github.com/atmx/paper-ledger/internal/model"
)

// ErrStale is returned together with data served from the Redis fallback
// when the primary store could not be read. Callers that can tolerate stale
// data check it with errors.Is and keep the result.
var ErrStale = errors.New("store: serving stale cached data")

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	ProfileID string
	MarketID  string
	Status    model.OrderStatus
	Source    string
	Limit     int
}

// Match reports whether o passes every set field except Limit.
func (f OrderFilter) Match(o *model.Order) bool {
	if f.ProfileID != "" && o.ProfileID != f.ProfileID {
		return false
	}
	if f.MarketID != "" && o.MarketID != f.MarketID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Source != "" && o.Source != f.Source {
		return false
	}
	return true
}

// Reader is the read side shared by Store and Tx. Unknown ids yield an
// error wrapping model.ErrNotFound. ListOrders returns newest first.
type Reader interface {
	GetProfile(ctx context.Context, id string) (*model.Profile, error)
	ListProfiles(ctx context.Context) ([]model.Profile, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
}

// Tx is a unit of work. Reads inside a Tx see the Tx's own writes and, for
// SQL stores, lock the rows they return until commit.
type Tx interface {
	Reader

	// PutProfile inserts or replaces a profile.
	PutProfile(ctx context.Context, p *model.Profile) error

	// DeleteProfile removes a profile and all of its orders.
	DeleteProfile(ctx context.Context, id string) error

	// PutOrder inserts or replaces an order.
	PutOrder(ctx context.Context, o *model.Order) error
}

// Store is the persistence interface. Every mutation goes through InTx:
// fn's writes are committed only if fn returns nil, and concurrent InTx
// calls touching the same rows are serialised.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
