// Package service exposes the reward engine's public contract: accruing
// rewards into a strategy, settling and paying out a participant's rewards,
// changing share counts, and the administrative operations around them.
//
// Every mutating call loads the config, runs its precondition checks, invokes
// the engine and persists the touched records inside one store transaction.
// Nothing is written unless the whole call succeeds.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/reward-engine/internal/checks"
	"github.com/atmx/reward-engine/internal/coins"
	"github.com/atmx/reward-engine/internal/governance"
	"github.com/atmx/reward-engine/internal/metrics"
	"github.com/atmx/reward-engine/internal/model"
	"github.com/atmx/reward-engine/internal/payout"
	"github.com/atmx/reward-engine/internal/rewards"
	"github.com/atmx/reward-engine/internal/store"
)

var (
	// ErrStrategyInactive is returned when shares would increase in a
	// strategy that no longer accepts them.
	ErrStrategyInactive = errors.New("service: strategy is not accepting shares")

	ErrMissingParticipant = errors.New("service: participant is required")
	ErrInvalidName        = errors.New("service: strategy name is required")
	ErrTransferFailed     = errors.New("service: payout transfer failed")
)

// Service handles reward operations. Mutations are serialized by a mutex
// (single-instance); the store transaction provides atomicity.
type Service struct {
	store store.Store
	bank  payout.Transferer
	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
	mu    sync.Mutex
	now   func() time.Time
}

// NewService creates a new reward service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, bank payout.Transferer, hub *WSHub) *Service {
	return &Service{
		store: st,
		bank:  bank,
		wsHub: hub,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Call carries the caller identity and any funds attached to a request.
type Call struct {
	Sender string       `json:"sender"`
	Funds  coins.DecVec `json:"funds,omitempty"`
}

// AccrueResult is returned from Accrue.
type AccrueResult struct {
	Strategy *model.Strategy `json:"strategy"`
	// PerShare is the increment applied to the strategy's global pointer.
	PerShare coins.DecVec `json:"per_share"`
}

// ClaimResult is returned from SettleAndClaim and ClaimAll.
type ClaimResult struct {
	Participant string `json:"participant"`
	// StrategyID is nil for a claim across all strategies.
	StrategyID *uint64 `json:"strategy_id,omitempty"`
	// Settled is what this call moved from the accumulator into pending.
	Settled coins.Coins `json:"settled"`
	// Paid is what was transferred; empty when nothing was owed.
	Paid     coins.Coins `json:"paid"`
	PayoutID string      `json:"payout_id,omitempty"`
}

// SharesResult is returned from SetShares.
type SharesResult struct {
	Position *model.Position `json:"position"`
	Strategy *model.Strategy `json:"strategy"`
	// Settled is what the settlement preceding the share change added to
	// the position's pending rewards.
	Settled coins.Coins `json:"settled"`
}

// PositionView is a position together with everything claimable from it
// right now: pending rewards plus what a settle would add.
type PositionView struct {
	model.Position
	Claimable coins.Coins `json:"claimable"`
}

// Bootstrap writes the initial config if none exists. An existing config is
// left untouched so a restart never overrides a completed handover.
func (s *Service) Bootstrap(ctx context.Context, manager, operator string) (*model.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfg *model.Config
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetConfig(ctx)
		if err == nil {
			cfg = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if manager == "" {
			return fmt.Errorf("bootstrap: %w", governance.ErrInvalidCandidate)
		}
		cfg = &model.Config{Manager: manager, Operator: operator, NextStrategyID: 1}
		slog.Info("config bootstrapped", "manager", manager, "operator", operator)
		return tx.SaveConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	s.refreshActiveStrategies(ctx)
	return cfg, nil
}

// --- Core operations ---

// Accrue distributes funds across the strategy's outstanding shares.
func (s *Service) Accrue(ctx context.Context, call Call, strategyID uint64) (*AccrueResult, error) {
	var res AccrueResult
	err := s.mutate(ctx, "accrue", func(tx store.Tx, cfg *model.Config) error {
		req := checks.Request{Sender: call.Sender, Funds: call.Funds}
		if err := checks.Validate(cfg, req, checks.SenderManager, checks.NonZeroFunds); err != nil {
			return err
		}
		st, err := tx.GetStrategy(ctx, strategyID)
		if err != nil {
			return err
		}
		perShare, err := rewards.Accrue(st, call.Funds)
		if err != nil {
			return err
		}
		if err := tx.SaveStrategy(ctx, st); err != nil {
			return err
		}
		res = AccrueResult{Strategy: st, PerShare: perShare}
		return nil
	})
	if err != nil {
		return nil, err
	}

	id := strconvID(strategyID)
	metrics.AccrualsTotal.WithLabelValues(id).Inc()
	for _, c := range call.Funds.ToWholeUnits() {
		metrics.AccruedAmount.WithLabelValues(c.Denom).Add(c.Amount.InexactFloat64())
	}

	slog.Info("rewards accrued",
		"strategy", strategyID,
		"incoming", call.Funds.String(),
		"per_share", res.PerShare.String(),
		"total_shares", res.Strategy.TotalShares.String(),
	)
	s.broadcast(Event{Type: EventAccrued, StrategyID: &strategyID, PerShare: res.PerShare})
	return &res, nil
}

// SettleAndClaim settles the participant's position in one strategy and pays
// out its full pending rewards.
func (s *Service) SettleAndClaim(ctx context.Context, call Call, participant string, strategyID uint64) (*ClaimResult, error) {
	payoutID := uuid.NewString()
	res := ClaimResult{Participant: participant, StrategyID: &strategyID}

	err := s.mutate(ctx, "settle_and_claim", func(tx store.Tx, cfg *model.Config) error {
		req := checks.Request{Sender: call.Sender, Participant: participant, Funds: call.Funds}
		if err := checks.Validate(cfg, req, checks.SenderParticipant, checks.NoFunds); err != nil {
			return err
		}
		st, err := tx.GetStrategy(ctx, strategyID)
		if err != nil {
			return err
		}
		p, err := tx.GetPosition(ctx, model.PositionKey{Participant: participant, StrategyID: strategyID})
		if err != nil {
			return err
		}

		settled, err := rewards.Settle(p, st)
		if err != nil {
			return err
		}
		paid := rewards.TakePending(p)
		p.UpdatedAt = s.now()
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}

		res.Settled, res.Paid, res.PayoutID = settled, paid, ""
		if paid.IsZero() {
			return nil
		}
		res.PayoutID = payoutID
		return s.pay(ctx, tx, payoutID, participant, &strategyID, paid)
	})
	if err != nil {
		return nil, err
	}

	s.recordClaim("strategy", &res)
	return &res, nil
}

// ClaimAll settles every position the participant holds and pays the
// aggregate in one transfer.
func (s *Service) ClaimAll(ctx context.Context, call Call, participant string) (*ClaimResult, error) {
	payoutID := uuid.NewString()
	res := ClaimResult{Participant: participant}

	err := s.mutate(ctx, "claim_all", func(tx store.Tx, cfg *model.Config) error {
		req := checks.Request{Sender: call.Sender, Participant: participant, Funds: call.Funds}
		if err := checks.Validate(cfg, req, checks.SenderParticipant, checks.NoFunds); err != nil {
			return err
		}
		positions, err := tx.ListParticipantPositions(ctx, participant)
		if err != nil {
			return err
		}

		var settledTotal, paidTotal coins.Coins
		for i := range positions {
			p := &positions[i]
			st, err := tx.GetStrategy(ctx, p.StrategyID)
			if err != nil {
				return err
			}
			snapshot := p.RewardSnapshot
			settled, err := rewards.Settle(p, st)
			if err != nil {
				return err
			}
			paid := rewards.TakePending(p)
			// A settle that truncated to nothing still moved the snapshot.
			if paid.IsZero() && p.RewardSnapshot.Equal(snapshot) {
				continue
			}
			p.UpdatedAt = s.now()
			if err := tx.SavePosition(ctx, p); err != nil {
				return err
			}
			settledTotal = settledTotal.Add(settled)
			paidTotal = paidTotal.Add(paid)
		}

		res.Settled, res.Paid, res.PayoutID = settledTotal, paidTotal, ""
		if paidTotal.IsZero() {
			return nil
		}
		res.PayoutID = payoutID
		return s.pay(ctx, tx, payoutID, participant, nil, paidTotal)
	})
	if err != nil {
		return nil, err
	}

	s.recordClaim("all", &res)
	return &res, nil
}

// SetShares settles the participant's position and then replaces its share
// count. The position is created on first use.
func (s *Service) SetShares(ctx context.Context, call Call, participant string, strategyID uint64, shares decimal.Decimal) (*SharesResult, error) {
	var res SharesResult
	err := s.mutate(ctx, "set_shares", func(tx store.Tx, cfg *model.Config) error {
		req := checks.Request{Sender: call.Sender, Participant: participant, Funds: call.Funds}
		if err := checks.Validate(cfg, req, checks.SenderOperator, checks.NoFunds); err != nil {
			return err
		}
		if participant == "" {
			return ErrMissingParticipant
		}
		if shares.IsNegative() {
			return fmt.Errorf("%w: %s", rewards.ErrNegativeShareRequest, shares)
		}

		st, err := tx.GetStrategy(ctx, strategyID)
		if err != nil {
			return err
		}
		p, err := tx.GetPosition(ctx, model.PositionKey{Participant: participant, StrategyID: strategyID})
		switch {
		case errors.Is(err, store.ErrNotFound):
			p = rewards.NewPosition(participant, st)
		case err != nil:
			return err
		}

		settled, err := rewards.Settle(p, st)
		if err != nil {
			return err
		}
		if !st.Active && shares.GreaterThan(p.Shares) {
			return fmt.Errorf("%w: strategy %d", ErrStrategyInactive, st.ID)
		}
		if err := rewards.SetShares(p, st, shares); err != nil {
			return err
		}
		p.UpdatedAt = s.now()

		if err := tx.SaveStrategy(ctx, st); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		res = SharesResult{Position: p, Strategy: st, Settled: settled}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ShareUpdates.Inc()
	slog.Info("shares updated",
		"participant", participant,
		"strategy", strategyID,
		"shares", shares.String(),
		"total_shares", res.Strategy.TotalShares.String(),
		"settled", res.Settled.String(),
	)
	s.broadcast(Event{
		Type:        EventSharesUpdated,
		StrategyID:  &strategyID,
		Participant: participant,
		Shares:      shares.String(),
	})
	return &res, nil
}

// --- Administration ---

// RegisterStrategy creates a new active strategy under the next free ID.
func (s *Service) RegisterStrategy(ctx context.Context, call Call, name string) (*model.Strategy, error) {
	var st *model.Strategy
	err := s.mutate(ctx, "register_strategy", func(tx store.Tx, cfg *model.Config) error {
		if err := s.validateAdmin(cfg, call); err != nil {
			return err
		}
		if name == "" {
			return ErrInvalidName
		}
		if cfg.NextStrategyID == 0 {
			cfg.NextStrategyID = 1
		}
		st = &model.Strategy{
			ID:          cfg.NextStrategyID,
			Name:        name,
			Active:      true,
			TotalShares: decimal.Zero,
			CreatedAt:   s.now(),
		}
		cfg.NextStrategyID++
		if err := tx.CreateStrategy(ctx, st); err != nil {
			return err
		}
		return tx.SaveConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("strategy registered", "strategy", st.ID, "name", st.Name)
	s.refreshActiveStrategies(ctx)
	s.broadcast(Event{Type: EventStrategyRegistered, StrategyID: &st.ID})
	return st, nil
}

// SetStrategyActive opens or closes a strategy to share increases.
func (s *Service) SetStrategyActive(ctx context.Context, call Call, strategyID uint64, active bool) (*model.Strategy, error) {
	var st *model.Strategy
	err := s.mutate(ctx, "set_strategy_active", func(tx store.Tx, cfg *model.Config) error {
		if err := s.validateAdmin(cfg, call); err != nil {
			return err
		}
		var err error
		if st, err = tx.GetStrategy(ctx, strategyID); err != nil {
			return err
		}
		st.Active = active
		return tx.SaveStrategy(ctx, st)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("strategy updated", "strategy", strategyID, "active", active)
	s.refreshActiveStrategies(ctx)
	s.broadcast(Event{Type: EventStrategyUpdated, StrategyID: &strategyID})
	return st, nil
}

// UpdateOperator replaces the address allowed to change share counts. An
// empty operator disables share changes entirely.
func (s *Service) UpdateOperator(ctx context.Context, call Call, operator string) (*model.Config, error) {
	return s.updateConfig(ctx, "update_operator", call, func(cfg *model.Config) error {
		if err := s.validateAdmin(cfg, call); err != nil {
			return err
		}
		cfg.Operator = operator
		return nil
	})
}

// ProposeManager starts a manager handover to candidate.
func (s *Service) ProposeManager(ctx context.Context, call Call, candidate string) (*model.Config, error) {
	return s.updateConfig(ctx, "propose_manager", call, func(cfg *model.Config) error {
		if err := checks.Validate(cfg, checks.Request{Sender: call.Sender, Funds: call.Funds}, checks.NoFunds); err != nil {
			return err
		}
		return governance.Propose(cfg, call.Sender, candidate)
	})
}

// AcceptManager completes a pending handover; the caller must be the
// proposed candidate.
func (s *Service) AcceptManager(ctx context.Context, call Call) (*model.Config, error) {
	return s.updateConfig(ctx, "accept_manager", call, func(cfg *model.Config) error {
		if err := checks.Validate(cfg, checks.Request{Sender: call.Sender, Funds: call.Funds}, checks.NoFunds); err != nil {
			return err
		}
		return governance.Accept(cfg, call.Sender)
	})
}

// --- Queries ---

// Config returns the engine-wide config.
func (s *Service) Config(ctx context.Context) (*model.Config, error) {
	return s.store.GetConfig(ctx)
}

// Strategy returns one strategy accumulator.
func (s *Service) Strategy(ctx context.Context, id uint64) (*model.Strategy, error) {
	return s.store.GetStrategy(ctx, id)
}

// Strategies returns every strategy ordered by ID.
func (s *Service) Strategies(ctx context.Context) ([]model.Strategy, error) {
	return s.store.ListStrategies(ctx)
}

// Position returns one position with its current claimable amount. The
// position and its strategy are read in one transaction so the preview
// never pairs a snapshot with an older pointer.
func (s *Service) Position(ctx context.Context, participant string, strategyID uint64) (*PositionView, error) {
	var view *PositionView
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPosition(ctx, model.PositionKey{Participant: participant, StrategyID: strategyID})
		if err != nil {
			return err
		}
		st, err := tx.GetStrategy(ctx, strategyID)
		if err != nil {
			return err
		}
		view, err = newPositionView(p, st)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ParticipantPositions returns every position of a participant with its
// claimable amount, ordered by strategy ID.
func (s *Service) ParticipantPositions(ctx context.Context, participant string) ([]PositionView, error) {
	var views []PositionView
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		positions, err := tx.ListParticipantPositions(ctx, participant)
		if err != nil {
			return err
		}
		views = make([]PositionView, 0, len(positions))
		for i := range positions {
			st, err := tx.GetStrategy(ctx, positions[i].StrategyID)
			if err != nil {
				return err
			}
			v, err := newPositionView(&positions[i], st)
			if err != nil {
				return err
			}
			views = append(views, *v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}

// Payouts returns a participant's payout history, oldest first.
func (s *Service) Payouts(ctx context.Context, participant string) ([]model.Payout, error) {
	return s.store.ListPayouts(ctx, participant)
}

// --- Internals ---

// mutate runs fn in a serialized store transaction with the current config.
func (s *Service) mutate(ctx context.Context, op string, fn func(tx store.Tx, cfg *model.Config) error) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cfg, err := tx.GetConfig(ctx)
		if err != nil {
			return err
		}
		return fn(tx, cfg)
	})
	metrics.MutationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		logRejected(op, err)
	}
	return err
}

func (s *Service) updateConfig(ctx context.Context, op string, call Call, fn func(cfg *model.Config) error) (*model.Config, error) {
	var out *model.Config
	err := s.mutate(ctx, op, func(tx store.Tx, cfg *model.Config) error {
		if err := fn(cfg); err != nil {
			return err
		}
		out = cfg
		return tx.SaveConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("config updated",
		"op", op,
		"sender", call.Sender,
		"manager", out.Manager,
		"pending_manager", out.PendingManager,
		"operator", out.Operator,
	)
	s.broadcast(Event{Type: EventConfigUpdated})
	return out, nil
}

func (s *Service) validateAdmin(cfg *model.Config, call Call) error {
	return checks.Validate(cfg, checks.Request{Sender: call.Sender, Funds: call.Funds},
		checks.SenderManager, checks.NoFunds)
}

// pay records the payout and hands it to the transfer collaborator. It runs
// last inside the transaction so a failed transfer discards every write.
func (s *Service) pay(ctx context.Context, tx store.Tx, id, participant string, strategyID *uint64, amount coins.Coins) error {
	if err := tx.InsertPayout(ctx, &model.Payout{
		ID:          id,
		Participant: participant,
		StrategyID:  strategyID,
		Amount:      amount,
		CreatedAt:   s.now(),
	}); err != nil {
		return err
	}
	if err := s.bank.Transfer(ctx, id, participant, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

func (s *Service) recordClaim(kind string, res *ClaimResult) {
	if res.Paid.IsZero() {
		metrics.EmptyClaims.Inc()
		slog.Info("claim settled nothing", "participant", res.Participant, "strategy", claimScope(res.StrategyID))
		return
	}
	metrics.ClaimsTotal.WithLabelValues(kind).Inc()
	for _, c := range res.Paid {
		metrics.ClaimedAmount.WithLabelValues(c.Denom).Add(c.Amount.InexactFloat64())
	}
	slog.Info("rewards claimed",
		"payout_id", res.PayoutID,
		"participant", res.Participant,
		"strategy", claimScope(res.StrategyID),
		"settled", res.Settled.String(),
		"paid", res.Paid.String(),
	)
	s.broadcast(Event{
		Type:        EventClaimed,
		StrategyID:  res.StrategyID,
		Participant: res.Participant,
		Amount:      res.Paid,
	})
}

func (s *Service) refreshActiveStrategies(ctx context.Context) {
	strategies, err := s.store.ListStrategies(ctx)
	if err != nil {
		slog.Warn("active strategy count unavailable", "error", err)
		return
	}
	active := 0
	for _, st := range strategies {
		if st.Active {
			active++
		}
	}
	metrics.ActiveStrategies.Set(float64(active))
}

func (s *Service) broadcast(ev Event) {
	if s.wsHub == nil {
		return
	}
	ev.Timestamp = s.now()
	s.wsHub.Broadcast(ev)
}

func newPositionView(p *model.Position, st *model.Strategy) (*PositionView, error) {
	owed, err := rewards.Preview(p, st)
	if err != nil {
		return nil, err
	}
	return &PositionView{Position: *p, Claimable: p.PendingRewards.Add(owed)}, nil
}

// logRejected logs a failed mutation. Broken engine invariants are errors;
// everything else is a rejected request.
func logRejected(op string, err error) {
	switch {
	case errors.Is(err, rewards.ErrOrderingViolation):
		metrics.InvariantViolations.WithLabelValues("ordering").Inc()
		slog.Error("invariant violated, transaction aborted", "op", op, "error", err)
	case errors.Is(err, rewards.ErrPrecisionUnderflow):
		metrics.InvariantViolations.WithLabelValues("precision").Inc()
		slog.Error("invariant violated, transaction aborted", "op", op, "error", err)
	case errors.Is(err, rewards.ErrStrategyMismatch):
		metrics.InvariantViolations.WithLabelValues("mismatch").Inc()
		slog.Error("invariant violated, transaction aborted", "op", op, "error", err)
	case errors.Is(err, ErrTransferFailed):
		slog.Error("payout transfer failed, transaction aborted", "op", op, "error", err)
	default:
		slog.Warn("request rejected", "op", op, "error", err)
	}
}

func strconvID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// claimScope renders a claim's strategy for logging.
func claimScope(id *uint64) string {
	if id == nil {
		return "all"
	}
	return strconvID(*id)
}
