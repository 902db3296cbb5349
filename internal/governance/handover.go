// Package governance implements the two-phase manager handover: the current
// manager proposes a successor, and only that successor can accept.
package governance

import (
	"errors"
	"fmt"

	"github.com/atmx/reward-engine/internal/model"
)

var (
	ErrNotManager       = errors.New("governance: only the manager can propose a successor")
	ErrNoPendingManager = errors.New("governance: no manager handover in progress")
	ErrNotCandidate     = errors.New("governance: only the proposed manager can accept")
	ErrInvalidCandidate = errors.New("governance: invalid manager candidate")
)

// Propose records candidate as the pending manager. Proposing again replaces
// the previous candidate; proposing the current manager cancels the handover.
func Propose(cfg *model.Config, sender, candidate string) error {
	if sender != cfg.Manager {
		return fmt.Errorf("%w: %s", ErrNotManager, sender)
	}
	if candidate == "" {
		return ErrInvalidCandidate
	}
	if candidate == cfg.Manager {
		cfg.PendingManager = ""
		return nil
	}
	cfg.PendingManager = candidate
	return nil
}

// Accept promotes the pending manager. It must be called by the candidate
// itself, in a call separate from Propose.
func Accept(cfg *model.Config, sender string) error {
	if cfg.PendingManager == "" {
		return ErrNoPendingManager
	}
	if sender != cfg.PendingManager {
		return fmt.Errorf("%w: %s", ErrNotCandidate, sender)
	}
	cfg.Manager = cfg.PendingManager
	cfg.PendingManager = ""
	return nil
}
