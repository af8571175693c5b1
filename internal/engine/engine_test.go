package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"msigwallet/internal/config"
	"msigwallet/internal/db"
	"msigwallet/internal/dispatch"
	"msigwallet/internal/domain"
	"msigwallet/internal/engine"
	"msigwallet/internal/engine/auth"
	werrors "msigwallet/internal/errors"
	"msigwallet/internal/events"
	"msigwallet/internal/migrate"
	"msigwallet/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	admin domain.Address = "admin"
	alice domain.Address = "alice"
	bob   domain.Address = "bob"
	carol domain.Address = "carol"
	eve   domain.Address = "eve"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// target counts the calls it receives and answers with fail when set.
type target struct {
	calls atomic.Int32
	fail  error
	hook  func(call dispatch.Call)
}

func (tg *target) Dispatch(_ context.Context, call dispatch.Call) (dispatch.Result, error) {
	tg.calls.Add(1)
	if tg.hook != nil {
		tg.hook(call)
	}
	if tg.fail != nil {
		return dispatch.Result{Status: 500}, tg.fail
	}
	return dispatch.Result{Status: 200, Body: []byte(`{"ok":true}`)}, nil
}

type recorder struct {
	mu   sync.Mutex
	evts []domain.Event
}

func (r *recorder) Notify(_ context.Context, evts []domain.Event) {
	r.mu.Lock()
	r.evts = append(r.evts, evts...)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.evts))
	for _, e := range r.evts {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	Engine   *engine.Engine
	Ctx      context.Context
	Clock    *clock
	Target   *target
	Notified *recorder
	Registry *prometheus.Registry
}

type walletSpec struct {
	weights  map[domain.Address]uint64
	required uint64
	timelock time.Duration
}

func threeOfOnes(required uint64) walletSpec {
	return walletSpec{
		weights:  map[domain.Address]uint64{alice: 1, bob: 1, carol: 1},
		required: required,
		timelock: time.Hour,
	}
}

func newTestEnv(t *testing.T, spec walletSpec) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	clk := &clock{now: t0}
	tg := &target{}
	rec := &recorder{}
	reg := prometheus.NewRegistry()
	eng := engine.New(conn, engine.Options{
		Dispatcher: tg,
		Notifier:   rec,
		Metrics:    engine.NewMetrics(reg),
		Now:        clk.Now,
	})

	cfg := &config.Config{Wallet: config.WalletConfig{
		ID:             "treasury",
		Admin:          string(admin),
		RequiredWeight: spec.required,
		Timelock:       spec.timelock,
	}}
	for _, addr := range []domain.Address{alice, bob, carol} {
		if w, ok := spec.weights[addr]; ok {
			cfg.Signers = append(cfg.Signers, config.SignerSpec{Address: string(addr), Weight: w})
		}
	}
	_, created, err := eng.Bootstrap(ctx, cfg)
	require.NoError(t, err)
	require.True(t, created)
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk, Target: tg, Notified: rec, Registry: reg}
}

func (env testEnv) submit(t *testing.T, by domain.Address) domain.Proposal {
	t.Helper()
	p, err := env.Engine.Submit(env.Ctx, by, engine.SubmitOptions{
		Target:  "payouts",
		Payload: []byte(`{"to":"acct-1"}`),
		Value:   decimal.RequireFromString("12.50"),
	})
	require.NoError(t, err)
	return p
}

func (env testEnv) confirm(t *testing.T, id int64, by ...domain.Address) domain.Proposal {
	t.Helper()
	var p domain.Proposal
	for _, addr := range by {
		var err error
		p, err = env.Engine.Confirm(env.Ctx, addr, id)
		require.NoError(t, err, "confirm by %s", addr)
	}
	return p
}

// metricValue sums every series of a counter or gauge family.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return sum
}

func assertKind(t *testing.T, err error, kind *werrors.Error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, kind.Is(err), "want %v, got %v", kind, err)
}

func TestThresholdThenTimelockThenExecute(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	p := env.submit(t, alice)
	assert.Equal(t, domain.StatePending, p.State)
	assert.Zero(t, p.ConfirmedWeight)
	assert.Empty(t, p.ConfirmedBy)

	p = env.confirm(t, p.ID, alice)
	assert.Equal(t, domain.StatePending, p.State)
	assert.EqualValues(t, 1, p.ConfirmedWeight)
	assert.Nil(t, p.ReadyAt)

	p = env.confirm(t, p.ID, bob)
	require.Equal(t, domain.StateReady, p.State)
	assert.EqualValues(t, 2, p.ConfirmedWeight)
	require.NotNil(t, p.ReadyAt)
	assert.True(t, p.ReadyAt.Equal(t0.Add(time.Hour)))

	_, _, err := env.Engine.Execute(env.Ctx, alice, p.ID)
	assertKind(t, err, werrors.ErrTimelockNotElapsed)
	assert.True(t, werrors.Retryable(err))
	assert.EqualValues(t, 0, env.Target.calls.Load())

	ok, err := env.Engine.IsExecutable(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	env.Clock.Advance(time.Hour)
	ok, err = env.Engine.IsExecutable(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	p, res, err := env.Engine.Execute(env.Ctx, carol, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExecuted, p.State)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(p.Result))
	require.NotNil(t, p.ExecutedAt)
	assert.EqualValues(t, 1, env.Target.calls.Load())

	stored, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExecuted, stored.State)

	_, _, err = env.Engine.Execute(env.Ctx, carol, p.ID)
	assertKind(t, err, werrors.ErrNotReady)
	assert.EqualValues(t, 1, env.Target.calls.Load())
}

func TestRevokeThenReconfirm(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice)

	p, err := env.Engine.RevokeConfirmation(env.Ctx, alice, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, p.State)
	assert.Zero(t, p.ConfirmedWeight)
	assert.Empty(t, p.ConfirmedBy)

	_, err = env.Engine.RevokeConfirmation(env.Ctx, alice, p.ID)
	assertKind(t, err, werrors.ErrNotConfirmed)

	p = env.confirm(t, p.ID, alice)
	assert.EqualValues(t, 1, p.ConfirmedWeight)
	p = env.confirm(t, p.ID, bob)
	assert.Equal(t, domain.StateReady, p.State)

	_, err = env.Engine.RevokeConfirmation(env.Ctx, bob, p.ID)
	assertKind(t, err, werrors.ErrNotPending)
}

func TestRemoveSignerRejectedWhenThresholdUnreachable(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(3))
	err := env.Engine.RemoveSigner(env.Ctx, admin, string(carol))
	assertKind(t, err, werrors.ErrThresholdUnreachable)

	ok, err := env.Engine.IsSigner(env.Ctx, carol)
	require.NoError(t, err)
	assert.True(t, ok)
	w, err := env.Engine.Wallet(env.Ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, w.TotalWeight)
	assert.EqualValues(t, 3, w.RequiredWeight)
}

func TestFailedExecutionIsTerminal(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	env.Target.fail = errors.New("target rejected the call")
	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice, bob)
	env.Clock.Advance(time.Hour)

	p, res, err := env.Engine.Execute(env.Ctx, alice, p.ID)
	assertKind(t, err, werrors.ErrExecutionFailed)
	assert.Equal(t, 500, res.Status)
	assert.Equal(t, domain.StateFailed, p.State)
	assert.Contains(t, p.FailureReason, "target rejected the call")

	_, _, err = env.Engine.Execute(env.Ctx, alice, p.ID)
	assertKind(t, err, werrors.ErrNotReady)
	assert.EqualValues(t, 1, env.Target.calls.Load())

	assert.Equal(t, 1.0, metricValue(t, env.Registry, "msig_executions_total"))
}

func TestNoDoubleConfirmation(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(3))
	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice)
	_, err := env.Engine.Confirm(env.Ctx, alice, p.ID)
	assertKind(t, err, werrors.ErrAlreadyConfirmed)

	p, err = env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.ConfirmedWeight)
	assert.Len(t, p.ConfirmedBy, 1)
}

func TestConfirmedWeightMatchesConfirmations(t *testing.T) {
	env := newTestEnv(t, walletSpec{
		weights:  map[domain.Address]uint64{alice: 3, bob: 2, carol: 1},
		required: 6,
	})
	p := env.submit(t, bob)
	env.confirm(t, p.ID, alice, carol)
	_, err := env.Engine.RevokeConfirmation(env.Ctx, alice, p.ID)
	require.NoError(t, err)
	env.confirm(t, p.ID, bob, alice)

	p, err = env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	var sum uint64
	for _, c := range p.ConfirmedBy {
		sum += c.Weight
	}
	assert.Equal(t, sum, p.ConfirmedWeight)
	assert.EqualValues(t, 6, p.ConfirmedWeight)
	assert.Equal(t, domain.StateReady, p.State)
}

func TestReadyAtNotMovedByLaterConfirmations(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	p := env.submit(t, alice)
	p = env.confirm(t, p.ID, alice, bob)
	readyAt := *p.ReadyAt

	env.Clock.Advance(10 * time.Minute)
	_, err := env.Engine.Confirm(env.Ctx, carol, p.ID)
	assertKind(t, err, werrors.ErrNotPending)
	_, err = env.Engine.SetTimelockDelay(env.Ctx, admin, 24*time.Hour)
	require.NoError(t, err)

	p, err = env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, p.ReadyAt.Equal(readyAt))
}

func TestZeroTimelockExecutesImmediately(t *testing.T) {
	spec := threeOfOnes(1)
	spec.timelock = 0
	env := newTestEnv(t, spec)
	p := env.submit(t, alice)
	p = env.confirm(t, p.ID, alice)
	require.Equal(t, domain.StateReady, p.State)

	p, _, err := env.Engine.Execute(env.Ctx, bob, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExecuted, p.State)
}

func TestConcurrentExecuteDispatchesOnce(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	release := make(chan struct{})
	env.Target.hook = func(dispatch.Call) { <-release }
	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice, bob)
	env.Clock.Advance(time.Hour)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.Engine.Execute(env.Ctx, alice, p.ID)
			errs <- err
		}()
	}
	// Every caller but the one blocked in the target returns first.
	var rejected int
	for i := 0; i < callers-1; i++ {
		err := <-errs
		assertKind(t, err, werrors.ErrNotReady)
		rejected++
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, callers-1, rejected)
	assert.EqualValues(t, 1, env.Target.calls.Load())
}

func TestTargetCannotReenterExecution(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(1))
	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice)
	env.Clock.Advance(time.Hour)

	var reexecute, cancel error
	env.Target.hook = func(call dispatch.Call) {
		_, _, reexecute = env.Engine.Execute(env.Ctx, alice, call.ProposalID)
		_, cancel = env.Engine.Cancel(env.Ctx, admin, call.ProposalID)
	}
	p, _, err := env.Engine.Execute(env.Ctx, alice, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExecuted, p.State)
	assertKind(t, reexecute, werrors.ErrNotReady)
	assertKind(t, cancel, werrors.ErrNotPending)
	assert.EqualValues(t, 1, env.Target.calls.Load())
}

func TestThresholdGuardsLeaveStateUnchanged(t *testing.T) {
	env := newTestEnv(t, walletSpec{
		weights:  map[domain.Address]uint64{alice: 2, bob: 1},
		required: 3,
	})
	_, err := env.Engine.SetRequiredWeight(env.Ctx, admin, 4)
	assertKind(t, err, werrors.ErrThresholdUnreachable)
	_, err = env.Engine.SetSignerWeight(env.Ctx, admin, string(alice), 1)
	assertKind(t, err, werrors.ErrThresholdUnreachable)
	_, err = env.Engine.SetRequiredWeight(env.Ctx, admin, 0)
	assertKind(t, err, werrors.ErrInvalidInput)

	w, err := env.Engine.Wallet(env.Ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, w.RequiredWeight)
	assert.EqualValues(t, 3, w.TotalWeight)
	weight, err := env.Engine.WeightOf(env.Ctx, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 2, weight)

	// Raising total first makes the same change valid.
	_, err = env.Engine.AddSigner(env.Ctx, admin, string(carol), 1)
	require.NoError(t, err)
	w, err = env.Engine.SetRequiredWeight(env.Ctx, admin, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 4, w.RequiredWeight)
}

func TestSignerAdministration(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))

	_, err := env.Engine.AddSigner(env.Ctx, admin, string(alice), 1)
	assertKind(t, err, werrors.ErrDuplicateSigner)
	_, err = env.Engine.AddSigner(env.Ctx, admin, "  ", 1)
	assertKind(t, err, werrors.ErrInvalidInput)
	_, err = env.Engine.AddSigner(env.Ctx, admin, string(eve), 0)
	assertKind(t, err, werrors.ErrInvalidInput)

	s, err := env.Engine.AddSigner(env.Ctx, admin, string(eve), 5)
	require.NoError(t, err)
	assert.True(t, s.Active)
	assert.EqualValues(t, 5, s.Weight)

	require.NoError(t, env.Engine.RemoveSigner(env.Ctx, admin, string(eve)))
	err = env.Engine.RemoveSigner(env.Ctx, admin, string(eve))
	assertKind(t, err, werrors.ErrUnknownSigner)
	err = env.Engine.RemoveSigner(env.Ctx, admin, "nobody")
	assertKind(t, err, werrors.ErrUnknownSigner)
	_, err = env.Engine.SetSignerWeight(env.Ctx, admin, string(eve), 2)
	assertKind(t, err, werrors.ErrUnknownSigner)

	removed, err := env.Engine.GetSigner(env.Ctx, eve)
	require.NoError(t, err)
	assert.False(t, removed.Active)
	weight, err := env.Engine.WeightOf(env.Ctx, eve)
	require.NoError(t, err)
	assert.Zero(t, weight)

	s, err = env.Engine.AddSigner(env.Ctx, admin, string(eve), 2)
	require.NoError(t, err)
	assert.True(t, s.Active)
	assert.EqualValues(t, 2, s.Weight)

	active, err := env.Engine.ListSigners(env.Ctx, false)
	require.NoError(t, err)
	assert.Len(t, active, 4)
	assert.Equal(t, 5.0, metricValue(t, env.Registry, "msig_active_weight"))
}

func TestRemovedSignerConfirmationsDroppedFromPending(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	pending := env.submit(t, alice)
	env.confirm(t, pending.ID, carol)
	ready := env.submit(t, alice)
	env.confirm(t, ready.ID, carol, bob)

	require.NoError(t, env.Engine.RemoveSigner(env.Ctx, admin, string(carol)))

	pending, err := env.Engine.GetProposal(env.Ctx, pending.ID)
	require.NoError(t, err)
	assert.Zero(t, pending.ConfirmedWeight)
	assert.False(t, pending.ConfirmedByAddress(carol))

	ready, err = env.Engine.GetProposal(env.Ctx, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, ready.State)
	assert.EqualValues(t, 2, ready.ConfirmedWeight)

	_, err = env.Engine.Confirm(env.Ctx, carol, pending.ID)
	assertKind(t, err, werrors.ErrUnauthorized)
}

func TestWeightChangeKeepsRecordedConfirmations(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(3))
	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice)
	_, err := env.Engine.SetSignerWeight(env.Ctx, admin, string(alice), 4)
	require.NoError(t, err)

	p, err = env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.ConfirmedWeight)

	p = env.confirm(t, p.ID, bob)
	assert.EqualValues(t, 2, p.ConfirmedWeight)
	assert.Equal(t, domain.StatePending, p.State)
}

func TestLoweringThresholdPromotesPending(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(3))
	two := env.submit(t, alice)
	env.confirm(t, two.ID, alice, bob)
	one := env.submit(t, alice)
	env.confirm(t, one.ID, carol)

	env.Clock.Advance(time.Minute)
	_, err := env.Engine.SetRequiredWeight(env.Ctx, admin, 2)
	require.NoError(t, err)

	two, err = env.Engine.GetProposal(env.Ctx, two.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, two.State)
	assert.True(t, two.ReadyAt.Equal(t0.Add(time.Minute+time.Hour)))

	one, err = env.Engine.GetProposal(env.Ctx, one.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, one.State)

	ready, err := env.Engine.ListProposals(env.Ctx, repo.ProposalFilters{State: domain.StateReady})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, two.ID, ready[0].ID)
}

func TestCancelRules(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	p := env.submit(t, alice)

	_, err := env.Engine.Cancel(env.Ctx, alice, p.ID)
	assertKind(t, err, werrors.ErrUnauthorized)

	p, err = env.Engine.Cancel(env.Ctx, admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, p.State)

	_, err = env.Engine.Cancel(env.Ctx, admin, p.ID)
	assertKind(t, err, werrors.ErrNotPending)
	_, err = env.Engine.Confirm(env.Ctx, bob, p.ID)
	assertKind(t, err, werrors.ErrNotPending)
	_, _, err = env.Engine.Execute(env.Ctx, bob, p.ID)
	assertKind(t, err, werrors.ErrNotReady)

	ready := env.submit(t, bob)
	env.confirm(t, ready.ID, alice, bob)
	ready, err = env.Engine.Cancel(env.Ctx, admin, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, ready.State)
	assert.Zero(t, env.Target.calls.Load())

	_, err = env.Engine.Cancel(env.Ctx, admin, 999)
	assertKind(t, err, werrors.ErrUnknownProposal)
}

func TestCapabilities(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))

	_, err := env.Engine.Submit(env.Ctx, eve, engine.SubmitOptions{Target: "payouts"})
	assertKind(t, err, werrors.ErrUnauthorized)
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, string(eve), forbidden.Actor)

	_, err = env.Engine.Submit(env.Ctx, admin, engine.SubmitOptions{Target: "payouts"})
	assertKind(t, err, werrors.ErrUnauthorized)
	_, err = env.Engine.AddSigner(env.Ctx, alice, string(eve), 1)
	assertKind(t, err, werrors.ErrUnauthorized)
	_, err = env.Engine.SetTimelockDelay(env.Ctx, bob, 0)
	assertKind(t, err, werrors.ErrUnauthorized)

	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice, bob)
	env.Clock.Advance(time.Hour)
	_, _, err = env.Engine.Execute(env.Ctx, eve, p.ID)
	assertKind(t, err, werrors.ErrUnauthorized)
	_, _, err = env.Engine.Execute(env.Ctx, admin, p.ID)
	require.NoError(t, err)

	caps, err := env.Engine.Capabilities(env.Ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, []auth.Capability{auth.Admin}, caps)

	w, err := env.Engine.TransferAdmin(env.Ctx, admin, string(alice))
	require.NoError(t, err)
	assert.Equal(t, alice, w.Admin)
	caps, err = env.Engine.Capabilities(env.Ctx, alice)
	require.NoError(t, err)
	assert.ElementsMatch(t, []auth.Capability{auth.Admin, auth.Signer}, caps)
	_, err = env.Engine.SetTimelockDelay(env.Ctx, admin, 0)
	assertKind(t, err, werrors.ErrUnauthorized)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	_, err := env.Engine.Submit(env.Ctx, alice, engine.SubmitOptions{Target: " "})
	assertKind(t, err, werrors.ErrInvalidInput)
	_, err = env.Engine.Submit(env.Ctx, alice, engine.SubmitOptions{Target: "payouts", Value: decimal.NewFromInt(-1)})
	assertKind(t, err, werrors.ErrInvalidInput)
	_, err = env.Engine.Confirm(env.Ctx, alice, 42)
	assertKind(t, err, werrors.ErrUnknownProposal)
	_, err = env.Engine.ListProposals(env.Ctx, repo.ProposalFilters{State: "bogus"})
	assertKind(t, err, werrors.ErrInvalidInput)
}

func TestBootstrapIsIdempotentAndValidated(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	w, created, err := env.Engine.Bootstrap(env.Ctx, &config.Config{Wallet: config.WalletConfig{
		ID: "other", Admin: "someone", RequiredWeight: 99,
	}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "treasury", w.ID)
	assert.Equal(t, admin, w.Admin)

	conn, err := db.Open(db.Config{InMemory: true})
	require.NoError(t, err)
	defer conn.Close()
	_, err = migrate.Migrate(env.Ctx, conn)
	require.NoError(t, err)
	fresh := engine.New(conn, engine.Options{})
	_, _, err = fresh.Bootstrap(env.Ctx, &config.Config{
		Wallet:  config.WalletConfig{ID: "w", Admin: "a", RequiredWeight: 3},
		Signers: []config.SignerSpec{{Address: "x", Weight: 1}, {Address: "y", Weight: 1}},
	})
	assertKind(t, err, werrors.ErrThresholdUnreachable)
	_, _, err = fresh.Bootstrap(env.Ctx, &config.Config{
		Wallet:  config.WalletConfig{ID: "w", Admin: "a", RequiredWeight: 1},
		Signers: []config.SignerSpec{{Address: "x", Weight: 1}, {Address: "x", Weight: 1}},
	})
	assertKind(t, err, werrors.ErrDuplicateSigner)
	_, err = fresh.Wallet(env.Ctx)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRecoverFailsInterruptedExecution(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice, bob)
	env.Clock.Advance(time.Hour)

	// Simulate a crash after the execution mark was committed.
	started := env.Clock.Now()
	p.State = domain.StateReady
	p.ExecutedAt = &started
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.UpdateProposal(env.Ctx, tx, p))
	require.NoError(t, tx.Commit())

	_, _, err = env.Engine.Execute(env.Ctx, alice, p.ID)
	assertKind(t, err, werrors.ErrNotReady)

	// A fresh mark may belong to a call still running elsewhere.
	n, err := env.Engine.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	p, err = env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, p.InFlight())

	transitions := metricValue(t, env.Registry, "msig_proposal_transitions_total")
	executions := metricValue(t, env.Registry, "msig_executions_total")
	env.Clock.Advance(16 * time.Minute)
	n, err = env.Engine.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p, err = env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, p.State)
	assert.Equal(t, "interrupted", p.FailureReason)
	assert.Zero(t, env.Target.calls.Load())
	assert.Equal(t, transitions+1, metricValue(t, env.Registry, "msig_proposal_transitions_total"))
	assert.Equal(t, executions+1, metricValue(t, env.Registry, "msig_executions_total"))

	n, err = env.Engine.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverWindowFollowsDispatchTimeout(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice, bob)
	env.Clock.Advance(time.Hour)

	started := env.Clock.Now()
	p.State = domain.StateReady
	p.ExecutedAt = &started
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.UpdateProposal(env.Ctx, tx, p))
	require.NoError(t, tx.Commit())

	other := engine.New(env.Engine.DB, engine.Options{Now: env.Clock.Now, DispatchTimeout: 10 * time.Second})
	env.Clock.Advance(30 * time.Second)
	n, err := other.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.Clock.Advance(time.Minute)
	n, err = other.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// A second process sharing the database must not fail a call that is still
// running, and a call that outlives the recovery window is reported with a
// typed error once it answers.
func TestRecoverFromAnotherProcess(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice, bob)
	env.Clock.Advance(time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	env.Target.hook = func(dispatch.Call) {
		close(started)
		<-release
	}
	type outcome struct {
		p   domain.Proposal
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		got, _, err := env.Engine.Execute(env.Ctx, alice, p.ID)
		done <- outcome{got, err}
	}()
	<-started

	server := engine.New(env.Engine.DB, engine.Options{Now: env.Clock.Now})
	n, err := server.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	cur, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, cur.InFlight())

	env.Clock.Advance(16 * time.Minute)
	n, err = server.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(release)
	res := <-done
	assertKind(t, res.err, werrors.ErrExecutionFailed)
	assert.Equal(t, domain.StateFailed, res.p.State)
	assert.Equal(t, "interrupted", res.p.FailureReason)
	assert.EqualValues(t, 1, env.Target.calls.Load())

	late, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.ProposalLateOutcome})
	require.NoError(t, err)
	require.Len(t, late, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(late[0].Payload), &payload))
	assert.EqualValues(t, 200, payload["status"])
	assert.Equal(t, string(domain.StateFailed), payload["recorded_state"])

	cur, err = env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, cur.State)
}

func TestWeightsBoundedToStorableRange(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	const big = uint64(1) << 62

	_, err := env.Engine.AddSigner(env.Ctx, admin, string(eve), 1<<63)
	assertKind(t, err, werrors.ErrInvalidInput)
	_, err = env.Engine.SetRequiredWeight(env.Ctx, admin, 1<<63)
	assertKind(t, err, werrors.ErrInvalidInput)
	_, err = env.Engine.SetSignerWeight(env.Ctx, admin, string(alice), ^uint64(0))
	assertKind(t, err, werrors.ErrInvalidInput)

	_, err = env.Engine.AddSigner(env.Ctx, admin, "dave", big)
	require.NoError(t, err)
	_, err = env.Engine.AddSigner(env.Ctx, admin, string(eve), big)
	assertKind(t, err, werrors.ErrInvalidInput)
	_, err = env.Engine.SetSignerWeight(env.Ctx, admin, string(alice), big)
	assertKind(t, err, werrors.ErrInvalidInput)

	w, err := env.Engine.Wallet(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, big+3, w.TotalWeight)
	active, err := env.Engine.ListSigners(env.Ctx, false)
	require.NoError(t, err)
	assert.Len(t, active, 4)

	// The largest total that fits is still usable as a threshold.
	_, err = env.Engine.SetSignerWeight(env.Ctx, admin, "dave", domain.MaxWeight-3)
	require.NoError(t, err)
	w, err = env.Engine.SetRequiredWeight(env.Ctx, admin, domain.MaxWeight)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxWeight, w.TotalWeight)
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t, threeOfOnes(2))
	p := env.submit(t, alice)
	env.confirm(t, p.ID, alice, bob)
	env.Clock.Advance(time.Hour)
	_, _, err := env.Engine.Execute(env.Ctx, bob, p.ID)
	require.NoError(t, err)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityKind: events.KindProposal, EntityID: "1"})
	require.NoError(t, err)
	var got []string
	for i := len(evts) - 1; i >= 0; i-- {
		got = append(got, evts[i].Type)
	}
	assert.Equal(t, []string{
		events.ProposalSubmitted,
		events.ProposalConfirmed,
		events.ProposalConfirmed,
		events.ProposalReady,
		events.ProposalExecutionStarted,
		events.ProposalExecuted,
	}, got)

	ready := evts[2]
	assert.Equal(t, string(bob), ready.ActorID)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(ready.Payload), &payload))
	assert.EqualValues(t, 2, payload["confirmed_weight"])
	assert.Equal(t, "threshold_reached", payload["reason"])

	// Rejected operations leave no trace.
	before, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)
	_, err = env.Engine.Confirm(env.Ctx, alice, p.ID)
	require.Error(t, err)
	after, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	notified := env.Notified.types()
	require.NotEmpty(t, notified)
	assert.Equal(t, events.WalletInitialized, notified[0])
	assert.Equal(t, events.ProposalExecuted, notified[len(notified)-1])
	assert.Equal(t, 2.0, metricValue(t, env.Registry, "msig_confirmations_total"))
}
