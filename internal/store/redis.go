package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store and invalidate the cache after commit;
// reads check Redis first then fall back to the primary.
//
// Every successful primary read also refreshes a "last good" copy with no
// expiry. When the primary fails, that copy is served together with
// ErrStale. The cache never accepts writes of its own.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	log     *slog.Logger
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedStore {
	if log == nil {
		log = slog.Default()
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		log:     log,
	}
}

// --- Writes (primary, then invalidate) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	ct := &cachedTx{profiles: map[string]struct{}{}, orders: map[string]struct{}{}}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		ct.Tx = tx
		return fn(ct)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, ct)
	return nil
}

// cachedTx records which keys a unit of work touched.
type cachedTx struct {
	Tx
	profiles map[string]struct{}
	orders   map[string]struct{}
}

func (t *cachedTx) PutProfile(ctx context.Context, p *model.Profile) error {
	t.profiles[p.ID] = struct{}{}
	return t.Tx.PutProfile(ctx, p)
}

func (t *cachedTx) DeleteProfile(ctx context.Context, id string) error {
	t.profiles[id] = struct{}{}
	orders, err := t.Tx.ListOrders(ctx, OrderFilter{ProfileID: id})
	if err != nil {
		return err
	}
	for _, o := range orders {
		t.orders[o.ID] = struct{}{}
	}
	return t.Tx.DeleteProfile(ctx, id)
}

func (t *cachedTx) PutOrder(ctx context.Context, o *model.Order) error {
	t.profiles[o.ProfileID] = struct{}{}
	t.orders[o.ID] = struct{}{}
	return t.Tx.PutOrder(ctx, o)
}

func (s *CachedStore) invalidate(ctx context.Context, ct *cachedTx) {
	keys := []string{profilesKey}
	indexes := []string{orderListsKey("")}
	for id := range ct.profiles {
		keys = append(keys, profileKey(id))
		indexes = append(indexes, orderListsKey(id))
	}
	for id := range ct.orders {
		keys = append(keys, orderKey(id))
	}

	// Cached order lists are indexed in per-profile sets.
	for _, idx := range indexes {
		if members, err := s.rdb.SMembers(ctx, idx).Result(); err == nil {
			keys = append(keys, members...)
		}
		keys = append(keys, idx)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.log.Warn("cache invalidation failed", "err", err)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	var p model.Profile
	if s.get(ctx, profileKey(id), &p) {
		return &p, nil
	}

	got, err := s.primary.GetProfile(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) && s.get(ctx, staleKey(profileKey(id)), &p) {
			return &p, staleErr(err)
		}
		return nil, err
	}
	s.set(ctx, profileKey(id), got)
	return got, nil
}

func (s *CachedStore) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	var profiles []model.Profile
	if s.get(ctx, profilesKey, &profiles) {
		return profiles, nil
	}

	got, err := s.primary.ListProfiles(ctx)
	if err != nil {
		if s.get(ctx, staleKey(profilesKey), &profiles) {
			return profiles, staleErr(err)
		}
		return nil, err
	}
	s.set(ctx, profilesKey, got)
	return got, nil
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if s.get(ctx, orderKey(id), &o) {
		return &o, nil
	}

	got, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) && s.get(ctx, staleKey(orderKey(id)), &o) {
			return &o, staleErr(err)
		}
		return nil, err
	}
	s.set(ctx, orderKey(id), got)
	return got, nil
}

func (s *CachedStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	key := orderListKey(f)
	var orders []model.Order
	if s.get(ctx, key, &orders) {
		return orders, nil
	}

	got, err := s.primary.ListOrders(ctx, f)
	if err != nil {
		if s.get(ctx, staleKey(key), &orders) {
			return orders, staleErr(err)
		}
		return nil, err
	}
	if s.set(ctx, key, got) {
		s.rdb.SAdd(ctx, orderListsKey(f.ProfileID), key)
	}
	return got, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Debug("cache read failed", "key", key, "err", err)
		}
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, s.ttl)
		pipe.Set(ctx, staleKey(key), data, 0)
		return nil
	})
	if err != nil {
		s.log.Debug("cache write failed", "key", key, "err", err)
		return false
	}
	return true
}

func staleErr(cause error) error {
	return fmt.Errorf("%w (primary: %v)", ErrStale, cause)
}

const profilesKey = "ledger:profiles"

func profileKey(id string) string     { return fmt.Sprintf("ledger:profile:%s", id) }
func orderKey(id string) string       { return fmt.Sprintf("ledger:order:%s", id) }
func orderListsKey(pid string) string { return fmt.Sprintf("ledger:orderlists:%s", pid) }
func staleKey(key string) string      { return "stale:" + key }

func orderListKey(f OrderFilter) string {
	return fmt.Sprintf("ledger:orders:%s:%s:%s:%s:%d", f.ProfileID, f.MarketID, f.Status, f.Source, f.Limit)
}
