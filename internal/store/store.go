// Package store defines the persistence interface for the reward engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation goes through WithTx: the strategy accumulator, the position,
// the payout record and the config written by one call are committed together
// or not at all.
package store

import (
	"context"
	"errors"

	"github.com/atmx/reward-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrConflict is returned when a record being created already exists.
	ErrConflict = errors.New("store: record already exists")
)

// Reader is the read side shared by stores and transactions. Returned records
// are copies; mutating them has no effect until saved inside a transaction.
type Reader interface {
	// GetConfig returns the engine-wide config, ErrNotFound before bootstrap.
	GetConfig(ctx context.Context) (*model.Config, error)

	// GetStrategy retrieves a strategy accumulator by ID.
	GetStrategy(ctx context.Context, id uint64) (*model.Strategy, error)

	// ListStrategies returns all strategies ordered by ID.
	ListStrategies(ctx context.Context) ([]model.Strategy, error)

	// GetPosition retrieves one participant's position in one strategy.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// ListParticipantPositions returns every position of a participant
	// ordered by strategy ID.
	ListParticipantPositions(ctx context.Context, participant string) ([]model.Position, error)

	// ListPayouts returns a participant's payout records, oldest first.
	ListPayouts(ctx context.Context, participant string) ([]model.Payout, error)
}

// Tx is a unit of atomic work. Writes are visible to the Tx's own reads and
// to nobody else until the enclosing WithTx returns nil.
type Tx interface {
	Reader

	// SaveConfig replaces the config record.
	SaveConfig(ctx context.Context, cfg *model.Config) error

	// CreateStrategy inserts a new strategy, ErrConflict if the ID is taken.
	CreateStrategy(ctx context.Context, s *model.Strategy) error

	// SaveStrategy updates an existing strategy.
	SaveStrategy(ctx context.Context, s *model.Strategy) error

	// SavePosition upserts a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// InsertPayout appends an immutable payout record.
	InsertPayout(ctx context.Context, p *model.Payout) error
}

// Store is the persistence interface.
type Store interface {
	Reader

	// WithTx runs fn in a transaction. If fn returns an error, or the commit
	// fails, none of fn's writes are persisted and the error is returned.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
