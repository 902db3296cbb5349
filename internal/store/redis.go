package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/reward-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Transactions go to the primary store; keys they wrote are
// invalidated once the commit succeeds. Reads outside a transaction check
// Redis first then fall back to the primary. Reads inside a transaction
// always hit the primary.
//
// A read that misses the cache only fills it if no commit in this process
// invalidated keys while the read was in flight. Writers in other processes
// are bounded by the TTL.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	mu  sync.RWMutex // orders cache fills against invalidation
	gen uint64       // bumped on every invalidation
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (primary, then invalidate) ---

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		// fn may be retried by the primary; only the last attempt's keys count.
		ct := &cacheTx{Tx: tx}
		if err := fn(ct); err != nil {
			return err
		}
		touched = ct.keys
		return nil
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		s.mu.Lock()
		s.gen++
		err := s.rdb.Del(ctx, touched...).Err()
		s.mu.Unlock()
		if err != nil {
			slog.Warn("cache invalidation failed", "keys", touched, "error", err)
		}
	}
	return nil
}

// cacheTx records the cache keys a transaction writes.
type cacheTx struct {
	Tx
	keys []string
}

func (t *cacheTx) SaveConfig(ctx context.Context, c *model.Config) error {
	t.keys = append(t.keys, configKey())
	return t.Tx.SaveConfig(ctx, c)
}

func (t *cacheTx) CreateStrategy(ctx context.Context, st *model.Strategy) error {
	t.keys = append(t.keys, strategyKey(st.ID))
	return t.Tx.CreateStrategy(ctx, st)
}

func (t *cacheTx) SaveStrategy(ctx context.Context, st *model.Strategy) error {
	t.keys = append(t.keys, strategyKey(st.ID))
	return t.Tx.SaveStrategy(ctx, st)
}

func (t *cacheTx) SavePosition(ctx context.Context, p *model.Position) error {
	t.keys = append(t.keys, positionKey(p.Key()))
	return t.Tx.SavePosition(ctx, p)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetConfig(ctx context.Context) (*model.Config, error) {
	var c model.Config
	if s.fromCache(ctx, configKey(), &c) {
		return &c, nil
	}
	gen := s.generation()
	cfg, err := s.primary.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, gen, configKey(), cfg)
	return cfg, nil
}

func (s *CachedStore) GetStrategy(ctx context.Context, id uint64) (*model.Strategy, error) {
	var st model.Strategy
	if s.fromCache(ctx, strategyKey(id), &st) {
		return &st, nil
	}
	gen := s.generation()
	got, err := s.primary.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, gen, strategyKey(id), got)
	return got, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	var p model.Position
	if s.fromCache(ctx, positionKey(key), &p) {
		return &p, nil
	}
	gen := s.generation()
	got, err := s.primary.GetPosition(ctx, key)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, gen, positionKey(key), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	return s.primary.ListStrategies(ctx)
}

func (s *CachedStore) ListParticipantPositions(ctx context.Context, participant string) ([]model.Position, error) {
	return s.primary.ListParticipantPositions(ctx, participant)
}

func (s *CachedStore) ListPayouts(ctx context.Context, participant string) ([]model.Payout, error) {
	return s.primary.ListPayouts(ctx, participant)
}

// --- Cache helpers ---

func (s *CachedStore) fromCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// toCache stores v unless an invalidation happened after gen was read.
func (s *CachedStore) toCache(ctx context.Context, gen uint64, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.gen != gen {
		return
	}
	s.rdb.Set(ctx, key, data, s.ttl)
}

func configKey() string                     { return "reward:config" }
func strategyKey(id uint64) string          { return fmt.Sprintf("reward:strategy:%d", id) }
func positionKey(k model.PositionKey) string { return fmt.Sprintf("reward:position:%s:%d", k.Participant, k.StrategyID) }
