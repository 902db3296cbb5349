// Package model defines the core domain types shared across the reward engine.
// Monetary values are shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/reward-engine/internal/coins"
)

// Strategy is a reward-bearing pool together with its global accumulator.
// GlobalPointer is the running total of rewards-per-share ever distributed;
// it only grows.
type Strategy struct {
	ID            uint64          `json:"id"`
	Name          string          `json:"name"`
	Active        bool            `json:"active"`
	TotalShares   decimal.Decimal `json:"total_shares"`
	GlobalPointer coins.DecVec    `json:"global_pointer"`
	TotalAccrued  coins.DecVec    `json:"total_accrued"` // exact sum of every accrual
	CreatedAt     time.Time       `json:"created_at"`
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (s *Strategy) Clone() *Strategy {
	c := *s
	c.GlobalPointer = s.GlobalPointer.Clone()
	c.TotalAccrued = s.TotalAccrued.Clone()
	return &c
}

// PositionKey identifies a Position.
type PositionKey struct {
	Participant string `json:"participant"`
	StrategyID  uint64 `json:"strategy_id"`
}

// Position is one participant's holding in one strategy. A zero-share position
// is kept for the lifetime of the engine so pending rewards are never lost.
type Position struct {
	Participant    string          `json:"participant"`
	StrategyID     uint64          `json:"strategy_id"`
	Shares         decimal.Decimal `json:"shares"`
	RewardSnapshot coins.DecVec    `json:"reward_snapshot"`
	PendingRewards coins.Coins     `json:"pending_rewards"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Key returns the position's store key.
func (p *Position) Key() PositionKey {
	return PositionKey{Participant: p.Participant, StrategyID: p.StrategyID}
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.RewardSnapshot = p.RewardSnapshot.Clone()
	c.PendingRewards = append(coins.Coins(nil), p.PendingRewards...)
	return &c
}

// Config is the engine-wide administrative record. It is read at the start of
// a call and replaced only through the store inside a transaction.
type Config struct {
	// Manager may accrue rewards and administer strategies.
	Manager string `json:"manager"`
	// PendingManager is the proposed successor; empty when no handover is open.
	PendingManager string `json:"pending_manager,omitempty"`
	// Operator is the staking collaborator allowed to change share counts.
	Operator       string `json:"operator"`
	NextStrategyID uint64 `json:"next_strategy_id"`
}

// Payout is an immutable record of rewards transferred to a participant.
// StrategyID is nil for a claim across all strategies.
type Payout struct {
	ID          string      `json:"id"`
	Participant string      `json:"participant"`
	StrategyID  *uint64     `json:"strategy_id,omitempty"`
	Amount      coins.Coins `json:"amount"`
	CreatedAt   time.Time   `json:"created_at"`
}
