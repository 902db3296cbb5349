package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/atmx/reward-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized and stage their writes; the staged writes are
// applied under the write lock only when fn succeeds.
type MemoryStore struct {
	txMu sync.Mutex // one transaction at a time

	mu         sync.RWMutex
	config     *model.Config
	strategies map[uint64]*model.Strategy
	positions  map[model.PositionKey]*model.Position
	payouts    []model.Payout
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies: make(map[uint64]*model.Strategy),
		positions:  make(map[model.PositionKey]*model.Position),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{
		base:       s,
		strategies: make(map[uint64]*model.Strategy),
		positions:  make(map[model.PositionKey]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.config != nil {
		s.config = tx.config
	}
	for id, st := range tx.strategies {
		s.strategies[id] = st
	}
	for k, p := range tx.positions {
		s.positions[k] = p
	}
	s.payouts = append(s.payouts, tx.payouts...)
	return nil
}

func (s *MemoryStore) GetConfig(_ context.Context) (*model.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config == nil {
		return nil, fmt.Errorf("config: %w", ErrNotFound)
	}
	c := *s.config
	return &c, nil
}

func (s *MemoryStore) GetStrategy(_ context.Context, id uint64) (*model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) ListStrategies(_ context.Context) ([]model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, *st.Clone())
	}
	slices.SortFunc(out, func(a, b model.Strategy) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("position %s/%d: %w", key.Participant, key.StrategyID, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListParticipantPositions(_ context.Context, participant string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.Participant == participant {
			out = append(out, *p.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Position) int { return cmp.Compare(a.StrategyID, b.StrategyID) })
	return out, nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, participant string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Payout
	for _, p := range s.payouts {
		if p.Participant == participant {
			out = append(out, p)
		}
	}
	return out, nil
}

// memoryTx stages writes over a MemoryStore. Reads see staged writes first.
type memoryTx struct {
	base       *MemoryStore
	config     *model.Config
	strategies map[uint64]*model.Strategy
	positions  map[model.PositionKey]*model.Position
	payouts    []model.Payout
}

func (tx *memoryTx) GetConfig(ctx context.Context) (*model.Config, error) {
	if tx.config != nil {
		c := *tx.config
		return &c, nil
	}
	return tx.base.GetConfig(ctx)
}

func (tx *memoryTx) GetStrategy(ctx context.Context, id uint64) (*model.Strategy, error) {
	if st, ok := tx.strategies[id]; ok {
		return st.Clone(), nil
	}
	return tx.base.GetStrategy(ctx, id)
}

func (tx *memoryTx) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	committed, err := tx.base.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint64]model.Strategy, len(committed)+len(tx.strategies))
	for _, st := range committed {
		byID[st.ID] = st
	}
	for id, st := range tx.strategies {
		byID[id] = *st.Clone()
	}
	out := make([]model.Strategy, 0, len(byID))
	for _, st := range byID {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b model.Strategy) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (tx *memoryTx) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	if p, ok := tx.positions[key]; ok {
		return p.Clone(), nil
	}
	return tx.base.GetPosition(ctx, key)
}

func (tx *memoryTx) ListParticipantPositions(ctx context.Context, participant string) ([]model.Position, error) {
	committed, err := tx.base.ListParticipantPositions(ctx, participant)
	if err != nil {
		return nil, err
	}
	byStrategy := make(map[uint64]model.Position, len(committed))
	for _, p := range committed {
		byStrategy[p.StrategyID] = p
	}
	for k, p := range tx.positions {
		if k.Participant == participant {
			byStrategy[k.StrategyID] = *p.Clone()
		}
	}
	var out []model.Position
	for _, p := range byStrategy {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b model.Position) int { return cmp.Compare(a.StrategyID, b.StrategyID) })
	return out, nil
}

func (tx *memoryTx) ListPayouts(ctx context.Context, participant string) ([]model.Payout, error) {
	out, err := tx.base.ListPayouts(ctx, participant)
	if err != nil {
		return nil, err
	}
	for _, p := range tx.payouts {
		if p.Participant == participant {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tx *memoryTx) SaveConfig(_ context.Context, cfg *model.Config) error {
	c := *cfg
	tx.config = &c
	return nil
}

func (tx *memoryTx) CreateStrategy(ctx context.Context, st *model.Strategy) error {
	if _, ok := tx.strategies[st.ID]; ok {
		return fmt.Errorf("strategy %d: %w", st.ID, ErrConflict)
	}
	if _, err := tx.base.GetStrategy(ctx, st.ID); err == nil {
		return fmt.Errorf("strategy %d: %w", st.ID, ErrConflict)
	}
	tx.strategies[st.ID] = st.Clone()
	return nil
}

func (tx *memoryTx) SaveStrategy(ctx context.Context, st *model.Strategy) error {
	if _, ok := tx.strategies[st.ID]; !ok {
		if _, err := tx.base.GetStrategy(ctx, st.ID); err != nil {
			return err
		}
	}
	tx.strategies[st.ID] = st.Clone()
	return nil
}

func (tx *memoryTx) SavePosition(_ context.Context, p *model.Position) error {
	tx.positions[p.Key()] = p.Clone()
	return nil
}

func (tx *memoryTx) InsertPayout(_ context.Context, p *model.Payout) error {
	tx.payouts = append(tx.payouts, *p)
	return nil
}
