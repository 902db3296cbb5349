// Package checks evaluates the caller preconditions attached to every
// mutating request. Checks run in the order given and the first failure wins.
package checks

import (
	"errors"
	"fmt"

	"github.com/atmx/reward-engine/internal/coins"
	"github.com/atmx/reward-engine/internal/model"
)

var (
	ErrUnauthorized     = errors.New("checks: unauthorized")
	ErrNoFunds          = errors.New("checks: funds required")
	ErrFundsNotExpected = errors.New("checks: funds not expected with this request")
	ErrMissingSender    = errors.New("checks: sender is required")
)

// Check is one precondition variant.
type Check int

const (
	// SenderManager requires the caller to be the configured manager.
	SenderManager Check = iota
	// SenderOperator requires the caller to be the configured share operator.
	SenderOperator
	// SenderParticipant requires the caller to be the participant the request
	// acts on.
	SenderParticipant
	// NonZeroFunds requires at least one non-zero attached amount.
	NonZeroFunds
	// NoFunds requires that nothing is attached.
	NoFunds
)

func (c Check) String() string {
	switch c {
	case SenderManager:
		return "sender_manager"
	case SenderOperator:
		return "sender_operator"
	case SenderParticipant:
		return "sender_participant"
	case NonZeroFunds:
		return "non_zero_funds"
	case NoFunds:
		return "no_funds"
	}
	return fmt.Sprintf("check(%d)", int(c))
}

// Request is what the checks inspect about a call.
type Request struct {
	Sender      string
	Participant string
	Funds       coins.DecVec
}

// Validate runs checks against req in order.
func Validate(cfg *model.Config, req Request, checks ...Check) error {
	if req.Sender == "" {
		return ErrMissingSender
	}
	for _, c := range checks {
		switch c {
		case SenderManager:
			if req.Sender != cfg.Manager {
				return fmt.Errorf("%w: %s is not the manager", ErrUnauthorized, req.Sender)
			}
		case SenderOperator:
			if cfg.Operator == "" || req.Sender != cfg.Operator {
				return fmt.Errorf("%w: %s is not the operator", ErrUnauthorized, req.Sender)
			}
		case SenderParticipant:
			if req.Sender != req.Participant {
				return fmt.Errorf("%w: %s cannot act for %s", ErrUnauthorized, req.Sender, req.Participant)
			}
		case NonZeroFunds:
			if req.Funds.IsZero() {
				return ErrNoFunds
			}
		case NoFunds:
			if !req.Funds.IsZero() {
				return ErrFundsNotExpected
			}
		default:
			return fmt.Errorf("checks: unknown check %s", c)
		}
	}
	return nil
}
