// Package rewards implements the reward-per-share accumulator engine.
//
// Accrual is O(1): new rewards are divided by the strategy's outstanding
// shares and added to its global pointer. A participant's claim is computed
// lazily by diffing its snapshot against the global pointer and scaling by
// its share count.
//
// The functions here mutate the records they are given in place and perform
// no I/O. Callers load the records, invoke the engine, and persist the
// results in one transaction; on error nothing must be persisted.
package rewards

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/reward-engine/internal/coins"
	"github.com/atmx/reward-engine/internal/model"
)

var (
	// ErrZeroShareAccrual is returned when rewards arrive for a strategy with
	// no outstanding shares. The caller must hold the rewards until shares exist.
	ErrZeroShareAccrual = errors.New("rewards: accrual with no participants")

	// ErrNegativeShareRequest is returned for a negative share count.
	ErrNegativeShareRequest = errors.New("rewards: share count must not be negative")

	// ErrOrderingViolation is returned when shares change on a position that
	// still has an unsettled delta. It indicates a programming error.
	ErrOrderingViolation = errors.New("rewards: shares changed before settlement")

	// ErrPrecisionUnderflow is returned when a snapshot exceeds the global
	// pointer, which would produce a negative reward. It indicates a broken
	// invariant.
	ErrPrecisionUnderflow = errors.New("rewards: snapshot exceeds global pointer")

	// ErrStrategyMismatch is returned when a position is paired with another
	// strategy's accumulator.
	ErrStrategyMismatch = errors.New("rewards: position belongs to a different strategy")
)

// NewPosition opens a zero-share position observing the strategy's current
// pointer, so no earlier accrual is attributed to it.
func NewPosition(participant string, s *model.Strategy) *model.Position {
	return &model.Position{
		Participant:    participant,
		StrategyID:     s.ID,
		Shares:         decimal.Zero,
		RewardSnapshot: s.GlobalPointer.Clone(),
	}
}

// Accrue distributes incoming across the strategy's outstanding shares by
// advancing its global pointer. No position is touched.
//
// It returns the per-share increment that was applied. Amounts smaller than
// one unit of coins.Precision per share are lost to truncation and stay in
// the pool.
func Accrue(s *model.Strategy, incoming coins.DecVec) (coins.DecVec, error) {
	if !s.TotalShares.IsPositive() {
		return nil, fmt.Errorf("%w: strategy %d", ErrZeroShareAccrual, s.ID)
	}
	perShare := incoming.QuoTruncate(s.TotalShares)
	s.GlobalPointer = s.GlobalPointer.Add(perShare)
	s.TotalAccrued = s.TotalAccrued.Add(incoming)
	return perShare, nil
}

// Preview returns the whole-unit reward Settle would add to the position's
// pending rewards, without mutating anything.
func Preview(p *model.Position, s *model.Strategy) (coins.Coins, error) {
	if p.StrategyID != s.ID {
		return nil, fmt.Errorf("%w: position %d, strategy %d", ErrStrategyMismatch, p.StrategyID, s.ID)
	}
	if p.Shares.IsZero() || s.GlobalPointer.Equal(p.RewardSnapshot) {
		return nil, nil
	}
	delta, err := s.GlobalPointer.Sub(p.RewardSnapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: participant %s strategy %d: %v",
			ErrPrecisionUnderflow, p.Participant, s.ID, err)
	}
	return delta.Scale(p.Shares).ToWholeUnits(), nil
}

// Settle moves everything newly owed to the position into its pending
// rewards and overwrites its snapshot with the global pointer. A second
// Settle against the same pointer is a no-op.
//
// It returns the amount added to pending rewards by this call. Settle must
// run before any change to the position's shares.
func Settle(p *model.Position, s *model.Strategy) (coins.Coins, error) {
	owed, err := Preview(p, s)
	if err != nil {
		return nil, err
	}
	if p.Shares.IsZero() || s.GlobalPointer.Equal(p.RewardSnapshot) {
		return nil, nil
	}
	p.PendingRewards = p.PendingRewards.Add(owed)
	p.RewardSnapshot = s.GlobalPointer.Clone()
	return owed, nil
}

// SetShares replaces the position's share count and adjusts the strategy's
// total. The position must already be settled against the current pointer.
//
// A zero-share position cannot be owed anything, so its snapshot is simply
// brought forward before the new count applies.
func SetShares(p *model.Position, s *model.Strategy, newShares decimal.Decimal) error {
	if newShares.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeShareRequest, newShares)
	}
	if p.StrategyID != s.ID {
		return fmt.Errorf("%w: position %d, strategy %d", ErrStrategyMismatch, p.StrategyID, s.ID)
	}

	if p.Shares.IsZero() {
		p.RewardSnapshot = s.GlobalPointer.Clone()
	} else if !p.RewardSnapshot.Equal(s.GlobalPointer) {
		return fmt.Errorf("%w: participant %s strategy %d", ErrOrderingViolation, p.Participant, s.ID)
	}

	total := s.TotalShares.Add(newShares.Sub(p.Shares))
	if total.IsNegative() {
		return fmt.Errorf("%w: participant %s strategy %d total %s",
			ErrPrecisionUnderflow, p.Participant, s.ID, total)
	}
	s.TotalShares = total
	p.Shares = newShares
	return nil
}

// TakePending empties the position's pending rewards and returns them for
// payout.
func TakePending(p *model.Position) coins.Coins {
	pending := p.PendingRewards
	p.PendingRewards = nil
	return pending
}
