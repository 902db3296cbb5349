package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/reward-engine/internal/checks"
	"github.com/atmx/reward-engine/internal/coins"
	"github.com/atmx/reward-engine/internal/governance"
	"github.com/atmx/reward-engine/internal/model"
	"github.com/atmx/reward-engine/internal/payout"
	"github.com/atmx/reward-engine/internal/rewards"
	"github.com/atmx/reward-engine/internal/service"
	"github.com/atmx/reward-engine/internal/store"
)

const (
	manager  = "manager1"
	operator = "operator1"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	svc    *service.Service
	store  *store.MemoryStore
	bank   *payout.RecordingBank
	router chi.Router
}

// newTestEnv creates a bootstrapped Service with in-memory store, recording
// bank and chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	bank := payout.NewRecordingBank()
	svc := service.NewService(ms, bank, nil)
	if _, err := svc.Bootstrap(context.Background(), manager, operator); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return &testEnv{svc: svc, store: ms, bank: bank, router: r}
}

func (e *testEnv) register(t *testing.T, name string) uint64 {
	t.Helper()
	st, err := e.svc.RegisterStrategy(context.Background(), service.Call{Sender: manager}, name)
	if err != nil {
		t.Fatalf("register strategy: %v", err)
	}
	return st.ID
}

func (e *testEnv) setShares(t *testing.T, participant string, id uint64, shares string) *service.SharesResult {
	t.Helper()
	res, err := e.svc.SetShares(context.Background(), service.Call{Sender: operator}, participant, id, d(shares))
	if err != nil {
		t.Fatalf("set shares %s/%d=%s: %v", participant, id, shares, err)
	}
	return res
}

func (e *testEnv) accrue(t *testing.T, id uint64, funds ...coins.DecCoin) {
	t.Helper()
	if _, err := e.svc.Accrue(context.Background(), service.Call{Sender: manager, Funds: coins.MustDecVec(funds...)}, id); err != nil {
		t.Fatalf("accrue %d: %v", id, err)
	}
}

func (e *testEnv) claim(t *testing.T, participant string, id uint64) *service.ClaimResult {
	t.Helper()
	res, err := e.svc.SettleAndClaim(context.Background(), service.Call{Sender: participant}, participant, id)
	if err != nil {
		t.Fatalf("claim %s/%d: %v", participant, id, err)
	}
	return res
}

func whole(denomination string, amount int64) coins.Coins {
	return coins.MustCoins(coins.NewCoin(denomination, amount))
}

// --- Core flow ---

func TestAccrueSettleClaim(t *testing.T) {
	e := newTestEnv(t)
	sid := e.register(t, "staking")
	e.setShares(t, "alice", sid, "40")
	e.setShares(t, "bob", sid, "60")

	e.accrue(t, sid, coins.NewDecCoin("uatom", "100"))

	res := e.claim(t, "alice", sid)
	if !res.Paid.Equal(whole("uatom", 40)) {
		t.Errorf("alice paid %s, want 40uatom", res.Paid)
	}
	if res.PayoutID == "" {
		t.Error("expected a payout id")
	}
	if !e.bank.Total("alice").Equal(whole("uatom", 40)) {
		t.Errorf("bank sent alice %s, want 40uatom", e.bank.Total("alice"))
	}

	// A second claim against the same pointer pays nothing and records nothing.
	again := e.claim(t, "alice", sid)
	if !again.Paid.IsZero() || again.PayoutID != "" {
		t.Errorf("second claim = %+v, want empty", again)
	}
	payouts, _ := e.svc.Payouts(context.Background(), "alice")
	if len(payouts) != 1 {
		t.Fatalf("payouts = %d, want 1", len(payouts))
	}
	if payouts[0].StrategyID == nil || *payouts[0].StrategyID != sid {
		t.Errorf("payout strategy = %v, want %d", payouts[0].StrategyID, sid)
	}

	bob := e.claim(t, "bob", sid)
	if !bob.Paid.Equal(whole("uatom", 60)) {
		t.Errorf("bob paid %s, want 60uatom", bob.Paid)
	}
}

func TestAccrue_ZeroSharesRejected(t *testing.T) {
	e := newTestEnv(t)
	sid := e.register(t, "staking")

	_, err := e.svc.Accrue(context.Background(),
		service.Call{Sender: manager, Funds: coins.MustDecVec(coins.NewDecCoin("uatom", "10"))}, sid)
	if !errors.Is(err, rewards.ErrZeroShareAccrual) {
		t.Fatalf("err = %v, want ErrZeroShareAccrual", err)
	}

	st, _ := e.svc.Strategy(context.Background(), sid)
	if !st.GlobalPointer.IsZero() || !st.TotalAccrued.IsZero() {
		t.Errorf("strategy changed by rejected accrual: %+v", st)
	}
}

func TestAccrue_Preconditions(t *testing.T) {
	e := newTestEnv(t)
	sid := e.register(t, "staking")
	e.setShares(t, "alice", sid, "1")
	funds := coins.MustDecVec(coins.NewDecCoin("uatom", "10"))

	tests := []struct {
		name string
		call service.Call
		want error
	}{
		{"not manager", service.Call{Sender: "alice", Funds: funds}, checks.ErrUnauthorized},
		{"no funds", service.Call{Sender: manager}, checks.ErrNoFunds},
		{"no sender", service.Call{Funds: funds}, checks.ErrMissingSender},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Accrue(context.Background(), tt.call, sid)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAccrue_UnknownStrategy(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.svc.Accrue(context.Background(),
		service.Call{Sender: manager, Funds: coins.MustDecVec(coins.NewDecCoin("uatom", "1"))}, 99)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAccrue_TracksTotalAccrued(t *testing.T) {
	e := newTestEnv(t)
	sid := e.register(t, "staking")
	e.setShares(t, "alice", sid, "3")

	e.accrue(t, sid, coins.NewDecCoin("uatom", "10.5"))
	e.accrue(t, sid, coins.NewDecCoin("uatom", "4"), coins.NewDecCoin("uosmo", "2"))

	st, _ := e.svc.Strategy(context.Background(), sid)
	want := coins.MustDecVec(coins.NewDecCoin("uatom", "14.5"), coins.NewDecCoin("uosmo", "2"))
	if !st.TotalAccrued.Equal(want) {
		t.Errorf("total accrued = %s, want %s", st.TotalAccrued, want)
	}
}

// --- Share changes ---

func TestSetShares_SettlesBeforeChange(t *testing.T) {
	e := newTestEnv(t)
	sid := e.register(t, "staking")
	e.setShares(t, "alice", sid, "10")
	e.accrue(t, sid, coins.NewDecCoin("uatom", "100"))

	// The earlier accrual is attributed to the old 10 shares, not the new 1000.
	res := e.setShares(t, "alice", sid, "1000")
	if !res.Settled.Equal(whole("uatom", 100)) {
		t.Errorf("settled = %s, want 100uatom", res.Settled)
	}
	if !res.Position.RewardSnapshot.Equal(res.Strategy.GlobalPointer) {
		t.Error("snapshot should equal pointer after set_shares")
	}
	if !res.Strategy.TotalShares.Equal(d("1000")) {
		t.Errorf("total shares = %s, want 1000", res.Strategy.TotalShares)
	}

	e.accrue(t, sid, coins.NewDecCoin("uatom", "1000"))
	claim := e.claim(t, "alice", sid)
	if !claim.Paid.Equal(whole("uatom", 1100)) {
		t.Errorf("paid %s, want 1100uatom", claim.Paid)
	}
}

func TestSetShares_NewPositionGetsNoEarlierRewards(t *testing.T) {
	e := newTestEnv(t)
	sid := e.register(t, "staking")
	e.setShares(t, "alice", sid, "10")
	e.accrue(t, sid, coins.NewDecCoin("uatom", "100"))

	e.setShares(t, "bob", sid, "10")
	res := e.claim(t, "bob", sid)
	if !res.Paid.IsZero() {
		t.Errorf("bob paid %s for an accrual before he joined", res.Paid)
	}
}

func TestSetShares_Preconditions(t *testing.T) {
	e := newTestEnv(t)
	sid := e.register(t, "staking")
	ctx := context.Background()

	_, err := e.svc.SetShares(ctx, service.Call{Sender: "alice"}, "alice", sid, d("5"))
	if !errors.Is(err, checks.ErrUnauthorized) {
		t.Errorf("non-operator: err = %v, want ErrUnauthorized", err)
	}

	_, err = e.svc.SetShares(ctx, service.Call{Sender: operator}, "alice", sid, d("-1"))
	if !errors.Is(err, rewards.ErrNegativeShareRequest) {
		t.Errorf("negative: err = %v, want ErrNegativeShareRequest", err)
	}

	_, err = e.svc.SetShares(ctx, service.Call{Sender: operator}, "", sid, d("1"))
	if !errors.Is(err, service.ErrMissingParticipant) {
		t.Errorf("no participant: err = %v, want ErrMissingParticipant", err)
	}

	_, err = e.svc.SetShares(ctx, service.Call{
		Sender: operator,
		Funds:  coins.MustDecVec(coins.NewDecCoin("uatom", "1")),
	}, "alice", sid, d("1"))
	if !errors.Is(err, checks.ErrFundsNotExpected) {
		t.Errorf("funds attached: err = %v, want ErrFundsNotExpected", err)
	}

	if _, err := e.store.GetPosition(ctx, model.PositionKey{Participant: "alice", StrategyID: sid}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected calls must not create a position, got err = %v", err)
	}
}

func TestSetShares_InactiveStrategy(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sid := e.register(t, "staking")
	e.setShares(t, "alice", sid, "10")

	if _, err := e.svc.SetStrategyActive(ctx, service.Call{Sender: manager}, sid, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	_, err := e.svc.SetShares(ctx, service.Call{Sender: operator}, "alice", sid, d("11"))
	if !errors.Is(err, service.ErrStrategyInactive) {
		t.Errorf("increase: err = %v, want ErrStrategyInactive", err)
	}

	// Decreases, accruals and claims still work.
	e.setShares(t, "alice", sid, "5")
	e.accrue(t, sid, coins.NewDecCoin("uatom", "10"))
	if res := e.claim(t, "alice", sid); !res.Paid.Equal(whole("uatom", 10)) {
		t.Errorf("paid %s, want 10uatom", res.Paid)
	}
}

func TestSetShares_ZeroKeepsPending(t *testing.T) {
	e := newTestEnv(t)
	sid := e.register(t, "staking")
	e.setShares(t, "alice", sid, "40")
	e.setShares(t, "bob", sid, "60")
	e.accrue(t, sid, coins.NewDecCoin("uatom", "100"))

	res := e.setShares(t, "alice", sid, "0")
	if !res.Position.PendingRewards.Equal(whole("uatom", 40)) {
		t.Errorf("pending = %s, want 40uatom", res.Position.PendingRewards)
	}

	// Later accruals go entirely to bob.
	e.accrue(t, sid, coins.NewDecCoin("uatom", "60"))
	if got := e.claim(t, "alice", sid); !got.Paid.Equal(whole("uatom", 40)) {
		t.Errorf("alice paid %s, want 40uatom", got.Paid)
	}
	if got := e.claim(t, "bob", sid); !got.Paid.Equal(whole("uatom", 120)) {
		t.Errorf("bob paid %s, want 120uatom", got.Paid)
	}
}

// --- Claims ---

func TestClaim_TruncationFavorsPool(t *testing.T) {
	e := newTestEnv(t)
	sid := e.register(t, "staking")
	for _, p := range []string{"alice", "bob", "carol"} {
		e.setShares(t, p, sid, "1")
	}
	e.accrue(t, sid, coins.NewDecCoin("uatom", "100"))

	total := decimal.Zero
	for _, p := range []string{"alice", "bob", "carol"} {
		res := e.claim(t, p, sid)
		if !res.Paid.Equal(whole("uatom", 33)) {
			t.Errorf("%s paid %s, want 33uatom", p, res.Paid)
		}
		total = total.Add(res.Paid.AmountOf("uatom"))
	}
	if total.GreaterThan(d("100")) {
		t.Errorf("paid out %s, more than accrued", total)
	}
}

func TestClaim_Preconditions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sid := e.register(t, "staking")
	e.setShares(t, "alice", sid, "1")

	_, err := e.svc.SettleAndClaim(ctx, service.Call{Sender: "mallory"}, "alice", sid)
	if !errors.Is(err, checks.ErrUnauthorized) {
		t.Errorf("other sender: err = %v, want ErrUnauthorized", err)
	}

	_, err = e.svc.SettleAndClaim(ctx, service.Call{
		Sender: "alice",
		Funds:  coins.MustDecVec(coins.NewDecCoin("uatom", "1")),
	}, "alice", sid)
	if !errors.Is(err, checks.ErrFundsNotExpected) {
		t.Errorf("funds attached: err = %v, want ErrFundsNotExpected", err)
	}

	_, err = e.svc.SettleAndClaim(ctx, service.Call{Sender: "bob"}, "bob", sid)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("no position: err = %v, want ErrNotFound", err)
	}
}

func TestClaim_TransferFailureRollsBack(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sid := e.register(t, "staking")
	e.setShares(t, "alice", sid, "40")
	e.setShares(t, "bob", sid, "60")
	e.accrue(t, sid, coins.NewDecCoin("uatom", "100"))

	before, _ := e.store.GetPosition(ctx, model.PositionKey{Participant: "alice", StrategyID: sid})

	e.bank.Err = errors.New("chain unavailable")
	_, err := e.svc.SettleAndClaim(ctx, service.Call{Sender: "alice"}, "alice", sid)
	if !errors.Is(err, service.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}

	after, _ := e.store.GetPosition(ctx, model.PositionKey{Participant: "alice", StrategyID: sid})
	if !after.RewardSnapshot.Equal(before.RewardSnapshot) || !after.PendingRewards.Equal(before.PendingRewards) {
		t.Errorf("position changed by failed claim: before %+v, after %+v", before, after)
	}
	if payouts, _ := e.svc.Payouts(ctx, "alice"); len(payouts) != 0 {
		t.Errorf("payouts = %d, want 0 after failed transfer", len(payouts))
	}

	e.bank.Err = nil
	if res := e.claim(t, "alice", sid); !res.Paid.Equal(whole("uatom", 40)) {
		t.Errorf("retry paid %s, want 40uatom", res.Paid)
	}
}

func TestClaimAll_AggregatesStrategies(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	s1 := e.register(t, "atom")
	s2 := e.register(t, "osmo")

	e.setShares(t, "alice", s1, "50")
	e.setShares(t, "bob", s1, "50")
	e.setShares(t, "alice", s2, "10")

	e.accrue(t, s1, coins.NewDecCoin("uatom", "100"))
	e.accrue(t, s2, coins.NewDecCoin("uosmo", "7"))

	res, err := e.svc.ClaimAll(ctx, service.Call{Sender: "alice"}, "alice")
	if err != nil {
		t.Fatalf("ClaimAll: %v", err)
	}
	want := coins.MustCoins(coins.NewCoin("uatom", 50), coins.NewCoin("uosmo", 7))
	if !res.Paid.Equal(want) {
		t.Errorf("paid %s, want %s", res.Paid, want)
	}
	if res.StrategyID != nil {
		t.Errorf("strategy id = %d, want nil for claim-all", *res.StrategyID)
	}
	if len(e.bank.Messages()) != 1 {
		t.Errorf("bank messages = %d, want one aggregated send", len(e.bank.Messages()))
	}

	views, err := e.svc.ParticipantPositions(ctx, "alice")
	if err != nil {
		t.Fatalf("ParticipantPositions: %v", err)
	}
	for _, v := range views {
		if !v.Claimable.IsZero() {
			t.Errorf("strategy %d still claimable: %s", v.StrategyID, v.Claimable)
		}
	}

	empty, err := e.svc.ClaimAll(ctx, service.Call{Sender: "alice"}, "alice")
	if err != nil {
		t.Fatalf("second ClaimAll: %v", err)
	}
	if !empty.Paid.IsZero() {
		t.Errorf("second ClaimAll paid %s", empty.Paid)
	}
}

func TestPosition_PreviewDoesNotMutate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sid := e.register(t, "staking")
	e.setShares(t, "alice", sid, "40")
	e.setShares(t, "bob", sid, "60")
	e.accrue(t, sid, coins.NewDecCoin("uatom", "100"))

	for i := 0; i < 2; i++ {
		view, err := e.svc.Position(ctx, "alice", sid)
		if err != nil {
			t.Fatalf("Position: %v", err)
		}
		if !view.Claimable.Equal(whole("uatom", 40)) {
			t.Errorf("claimable = %s, want 40uatom", view.Claimable)
		}
		if !view.PendingRewards.IsZero() {
			t.Errorf("pending = %s, preview must not settle", view.PendingRewards)
		}
	}

	if res := e.claim(t, "alice", sid); !res.Paid.Equal(whole("uatom", 40)) {
		t.Errorf("paid %s, want 40uatom", res.Paid)
	}
}

// --- Administration ---

func TestRegisterStrategy(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	first := e.register(t, "a")
	second := e.register(t, "b")
	if first != 1 || second != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", first, second)
	}

	if _, err := e.svc.RegisterStrategy(ctx, service.Call{Sender: "alice"}, "c"); !errors.Is(err, checks.ErrUnauthorized) {
		t.Errorf("non-manager: err = %v, want ErrUnauthorized", err)
	}
	if _, err := e.svc.RegisterStrategy(ctx, service.Call{Sender: manager}, ""); !errors.Is(err, service.ErrInvalidName) {
		t.Errorf("empty name: err = %v, want ErrInvalidName", err)
	}

	cfg, _ := e.svc.Config(ctx)
	if cfg.NextStrategyID != 3 {
		t.Errorf("next strategy id = %d, want 3", cfg.NextStrategyID)
	}
	list, _ := e.svc.Strategies(ctx)
	if len(list) != 2 || !list[0].Active {
		t.Errorf("strategies = %+v", list)
	}
}

func TestUpdateOperator(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sid := e.register(t, "staking")

	if _, err := e.svc.UpdateOperator(ctx, service.Call{Sender: manager}, "operator2"); err != nil {
		t.Fatalf("UpdateOperator: %v", err)
	}
	if _, err := e.svc.SetShares(ctx, service.Call{Sender: operator}, "alice", sid, d("1")); !errors.Is(err, checks.ErrUnauthorized) {
		t.Errorf("old operator: err = %v, want ErrUnauthorized", err)
	}
	if _, err := e.svc.SetShares(ctx, service.Call{Sender: "operator2"}, "alice", sid, d("1")); err != nil {
		t.Errorf("new operator: %v", err)
	}
}

func TestManagerHandover(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	if _, err := e.svc.ProposeManager(ctx, service.Call{Sender: "alice"}, "alice"); !errors.Is(err, governance.ErrNotManager) {
		t.Errorf("non-manager propose: err = %v, want ErrNotManager", err)
	}
	if _, err := e.svc.AcceptManager(ctx, service.Call{Sender: "manager2"}); !errors.Is(err, governance.ErrNoPendingManager) {
		t.Errorf("accept without proposal: err = %v, want ErrNoPendingManager", err)
	}

	cfg, err := e.svc.ProposeManager(ctx, service.Call{Sender: manager}, "manager2")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if cfg.PendingManager != "manager2" || cfg.Manager != manager {
		t.Errorf("after propose: %+v", cfg)
	}

	if _, err := e.svc.AcceptManager(ctx, service.Call{Sender: "alice"}); !errors.Is(err, governance.ErrNotCandidate) {
		t.Errorf("wrong acceptor: err = %v, want ErrNotCandidate", err)
	}
	cfg, err = e.svc.AcceptManager(ctx, service.Call{Sender: "manager2"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if cfg.Manager != "manager2" || cfg.PendingManager != "" {
		t.Errorf("after accept: %+v", cfg)
	}

	if _, err := e.svc.RegisterStrategy(ctx, service.Call{Sender: manager}, "x"); !errors.Is(err, checks.ErrUnauthorized) {
		t.Errorf("old manager: err = %v, want ErrUnauthorized", err)
	}
}

func TestBootstrap_KeepsExistingConfig(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	cfg, err := e.svc.Bootstrap(ctx, "someone-else", "")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if cfg.Manager != manager || cfg.Operator != operator {
		t.Errorf("config overwritten: %+v", cfg)
	}

	fresh := service.NewService(store.NewMemoryStore(), payout.NewRecordingBank(), nil)
	if _, err := fresh.Bootstrap(ctx, "", ""); !errors.Is(err, governance.ErrInvalidCandidate) {
		t.Errorf("empty manager: err = %v, want ErrInvalidCandidate", err)
	}
}

func TestClaim_TruncatedRemainderStaysInPool(t *testing.T) {
	claims := map[string]func(e *testEnv, sid uint64) (*service.ClaimResult, error){
		"settle and claim": func(e *testEnv, sid uint64) (*service.ClaimResult, error) {
			return e.svc.SettleAndClaim(context.Background(), service.Call{Sender: "alice"}, "alice", sid)
		},
		"claim all": func(e *testEnv, _ uint64) (*service.ClaimResult, error) {
			return e.svc.ClaimAll(context.Background(), service.Call{Sender: "alice"}, "alice")
		},
	}
	for name, claim := range claims {
		t.Run(name, func(t *testing.T) {
			e := newTestEnv(t)
			sid := e.register(t, "staking")
			e.setShares(t, "alice", sid, "1")
			e.setShares(t, "bob", sid, "1")

			for round := 1; round <= 2; round++ {
				e.accrue(t, sid, coins.NewDecCoin("uatom", "1"))
				res, err := claim(e, sid)
				if err != nil {
					t.Fatalf("claim %d: %v", round, err)
				}
				if !res.Paid.IsZero() {
					t.Fatalf("claim %d paid %s, want nothing: the 0.5 remainder belongs to the pool", round, res.Paid)
				}
			}

			view, err := e.svc.Position(context.Background(), "alice", sid)
			if err != nil {
				t.Fatalf("Position: %v", err)
			}
			st, _ := e.svc.Strategy(context.Background(), sid)
			if !view.RewardSnapshot.Equal(st.GlobalPointer) {
				t.Errorf("snapshot %s, want pointer %s", view.RewardSnapshot, st.GlobalPointer)
			}
			if len(e.bank.Messages()) != 0 {
				t.Errorf("bank messages = %d, want none", len(e.bank.Messages()))
			}
		})
	}
}
