package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/atmx/paper-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds the write lock for the whole unit of work and applies the
// staged copy only when fn succeeds.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]model.Profile
	orders   map[string]model.Order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]model.Profile),
		orders:   make(map[string]model.Order),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetProfile(_ context.Context, id string) (*model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProfile(s.profiles, id)
}

func (s *MemoryStore) ListProfiles(_ context.Context) ([]model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listProfiles(s.profiles), nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOrder(s.orders, id)
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listOrders(s.orders, f), nil
}

func (s *MemoryStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		profiles: maps.Clone(s.profiles),
		orders:   maps.Clone(s.orders),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.profiles = tx.profiles
	s.orders = tx.orders
	return nil
}

// memoryTx works on private copies of the store maps. Values are copied in
// and out so callers never alias stored records.
type memoryTx struct {
	profiles map[string]model.Profile
	orders   map[string]model.Order
}

func (t *memoryTx) GetProfile(_ context.Context, id string) (*model.Profile, error) {
	return getProfile(t.profiles, id)
}

func (t *memoryTx) ListProfiles(_ context.Context) ([]model.Profile, error) {
	return listProfiles(t.profiles), nil
}

func (t *memoryTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	return getOrder(t.orders, id)
}

func (t *memoryTx) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	return listOrders(t.orders, f), nil
}

func (t *memoryTx) PutProfile(_ context.Context, p *model.Profile) error {
	t.profiles[p.ID] = *p
	return nil
}

func (t *memoryTx) DeleteProfile(_ context.Context, id string) error {
	if _, ok := t.profiles[id]; !ok {
		return fmt.Errorf("profile %s: %w", id, model.ErrNotFound)
	}
	delete(t.profiles, id)
	for oid, o := range t.orders {
		if o.ProfileID == id {
			delete(t.orders, oid)
		}
	}
	return nil
}

func (t *memoryTx) PutOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.profiles[o.ProfileID]; !ok {
		return fmt.Errorf("order %s references profile %s: %w", o.ID, o.ProfileID, model.ErrNotFound)
	}
	t.orders[o.ID] = *o
	return nil
}

func getProfile(m map[string]model.Profile, id string) (*model.Profile, error) {
	p, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, model.ErrNotFound)
	}
	return &p, nil
}

func listProfiles(m map[string]model.Profile) []model.Profile {
	profiles := make([]model.Profile, 0, len(m))
	for _, p := range m {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].CreatedAt.Equal(profiles[j].CreatedAt) {
			return profiles[i].ID < profiles[j].ID
		}
		return profiles[i].CreatedAt.Before(profiles[j].CreatedAt)
	})
	return profiles
}

func getOrder(m map[string]model.Order, id string) (*model.Order, error) {
	o, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	return &o, nil
}

func listOrders(m map[string]model.Order, f OrderFilter) []model.Order {
	var orders []model.Order
	for _, o := range m {
		if f.Match(&o) {
			orders = append(orders, o)
		}
	}
	sortNewestFirst(orders)
	if f.Limit > 0 && len(orders) > f.Limit {
		orders = orders[:f.Limit]
	}
	return orders
}

func sortNewestFirst(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
