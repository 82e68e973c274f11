package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/delegation"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/events"
)

// mockReconciler implements Reconciler for testing.
type mockReconciler struct {
	mu      sync.Mutex
	kind    account.Kind
	pending []account.Record
	errs    map[chain.Address]error
	calls   map[chain.Address]int
	listErr error
}

func newMockReconciler(kind account.Kind, addrs ...chain.Address) *mockReconciler {
	r := &mockReconciler{kind: kind, errs: map[chain.Address]error{}, calls: map[chain.Address]int{}}
	for _, a := range addrs {
		r.pending = append(r.pending, account.Record{Address: a, Kind: kind, Handoff: &account.Handoff{ID: "h-" + a.String()}})
	}
	return r
}

func (r *mockReconciler) Kind() account.Kind { return r.kind }

func (r *mockReconciler) PendingHandoffs(context.Context) ([]account.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]account.Record(nil), r.pending...), r.listErr
}

func (r *mockReconciler) Reconcile(_ context.Context, addr chain.Address) (delegation.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[addr]++
	if err := r.errs[addr]; err != nil {
		return "", err
	}
	for i, rec := range r.pending {
		if rec.Address == addr {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	return delegation.OutcomeRolledBack, nil
}

func (r *mockReconciler) fail(addr chain.Address, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[addr] = err
}

func (r *mockReconciler) CallCount(addr chain.Address) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[addr]
}

func addr(label string) chain.Address { return chain.DeriveAddress([]byte(label), "recovery") }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 8 * time.Second
	cfg.RecoveryTimeout = time.Second
	return cfg
}

func TestSweepResolvesPendingHandoffs(t *testing.T) {
	ring := events.NewRingBuffer(100)
	clock := chain.NewManualClock(time.Unix(1_700_000_000, 0))
	m := NewManager(testConfig(), ring, nil, clock)
	r := newMockReconciler(account.KindCounter, addr("a"), addr("b"))
	m.Register(r)

	res, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Pending != 2 || res.Resolved != 2 {
		t.Errorf("result = %+v, want 2 pending and 2 resolved", res)
	}
	st, ok := m.GetState(addr("a"))
	if !ok {
		t.Fatal("state should be tracked")
	}
	if st.LastOutcome != delegation.OutcomeRolledBack {
		t.Errorf("LastOutcome = %q", st.LastOutcome)
	}
	if got := len(ring.RecentByType(events.EventReconcileStarted, 10)); got != 2 {
		t.Errorf("reconcile.started events = %d, want 2", got)
	}

	res, err = m.Sweep(context.Background())
	if err != nil || res.Pending != 0 {
		t.Errorf("second sweep = %+v, %v; want nothing pending", res, err)
	}
}

func TestSweepBacksOffFailingAccounts(t *testing.T) {
	clock := chain.NewManualClock(time.Unix(1_700_000_000, 0))
	m := NewManager(testConfig(), nil, nil, clock)
	a := addr("stuck")
	r := newMockReconciler(account.KindCity, a)
	r.fail(a, errors.New("executor unreachable"))
	m.Register(r)

	ctx := context.Background()
	if res, _ := m.Sweep(ctx); res.Failed != 1 {
		t.Fatalf("first sweep = %+v, want 1 failed", res)
	}
	if res, _ := m.Sweep(ctx); res.Skipped != 1 {
		t.Errorf("sweep inside backoff = %+v, want 1 skipped", res)
	}
	if r.CallCount(a) != 1 {
		t.Errorf("CallCount = %d, want 1", r.CallCount(a))
	}

	st, _ := m.GetState(a)
	if st.CurrentDelay != 2*time.Second {
		t.Errorf("CurrentDelay = %v, want 2s", st.CurrentDelay)
	}

	clock.Advance(2 * time.Second)
	if res, _ := m.Sweep(ctx); res.Failed != 1 {
		t.Errorf("sweep after backoff = %+v, want 1 failed", res)
	}
	st, _ = m.GetState(a)
	if st.CurrentDelay != 4*time.Second {
		t.Errorf("CurrentDelay = %v, want 4s", st.CurrentDelay)
	}

	r.fail(a, nil)
	clock.Advance(4 * time.Second)
	if res, _ := m.Sweep(ctx); res.Resolved != 1 {
		t.Errorf("sweep after recovery = %+v, want 1 resolved", res)
	}
	st, _ = m.GetState(a)
	if st.Attempts != 0 || st.LastError != nil {
		t.Errorf("state not reset after success: %+v", st)
	}
}

func TestCalculateDelayCapsAtMax(t *testing.T) {
	m := NewManager(testConfig(), nil, nil, nil)
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 8 * time.Second, 9: 8 * time.Second}
	for attempt, want := range cases {
		if got := m.calculateDelay(attempt); got != want {
			t.Errorf("calculateDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestCircuitBreakerOpensAndHalfOpens(t *testing.T) {
	clock := chain.NewManualClock(time.Unix(1_700_000_000, 0))
	cfg := testConfig()
	cfg.Strategy = StrategyCircuitBreaker
	cfg.CircuitBreakerThreshold = 2
	cfg.CircuitBreakerResetTime = time.Minute
	m := NewManager(cfg, nil, nil, clock)
	a := addr("breaker")
	r := newMockReconciler(account.KindCounter, a)
	r.fail(a, errors.New("boom"))
	m.Register(r)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Recover(ctx, account.KindCounter, a); err == nil {
			t.Fatal("expected reconcile failure")
		}
	}
	if !m.IsCircuitOpen(a) {
		t.Fatal("circuit should be open after threshold")
	}
	if _, err := m.Recover(ctx, account.KindCounter, a); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("err = %v, want ErrCircuitBreakerOpen", err)
	}

	clock.Advance(time.Minute)
	r.fail(a, nil)
	out, err := m.Recover(ctx, account.KindCounter, a)
	if err != nil {
		t.Fatalf("half-open attempt failed: %v", err)
	}
	if out != delegation.OutcomeRolledBack {
		t.Errorf("outcome = %q", out)
	}
	if m.IsCircuitOpen(a) {
		t.Error("circuit should close after success")
	}
}

func TestMaxRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	m := NewManager(cfg, nil, nil, nil)
	a := addr("limited")
	r := newMockReconciler(account.KindCounter, a)
	r.fail(a, errors.New("boom"))
	m.Register(r)

	ctx := context.Background()
	_, _ = m.Recover(ctx, account.KindCounter, a)
	if _, err := m.Recover(ctx, account.KindCounter, a); !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("err = %v, want ErrMaxRetriesExceeded", err)
	}

	m.ResetState(a)
	r.fail(a, nil)
	if _, err := m.Recover(ctx, account.KindCounter, a); err != nil {
		t.Errorf("Recover after reset: %v", err)
	}
}

func TestRecoverUnknownKind(t *testing.T) {
	m := NewManager(testConfig(), nil, nil, nil)
	if _, err := m.Recover(context.Background(), account.KindCity, addr("x")); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
}

func TestSweepDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = StrategyNone
	m := NewManager(cfg, nil, nil, nil)
	if _, err := m.Sweep(context.Background()); !errors.Is(err, ErrRecoveryDisabled) {
		t.Errorf("err = %v, want ErrRecoveryDisabled", err)
	}
}

func TestSweepReportsListErrors(t *testing.T) {
	m := NewManager(testConfig(), nil, nil, nil)
	r := newMockReconciler(account.KindCounter)
	r.listErr = errors.New("ledger down")
	m.Register(r)
	if _, err := m.Sweep(context.Background()); err == nil {
		t.Error("expected list error")
	}
}

func TestRunStopsOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	m := NewManager(cfg, nil, nil, nil)
	a := addr("run")
	r := newMockReconciler(account.KindCounter, a)
	m.Register(r)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for r.CallCount(a) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.CallCount(a) == 0 {
		t.Fatal("Run never reconciled the pending account")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestGetRecoveryInfo(t *testing.T) {
	m := NewManager(testConfig(), nil, nil, nil)
	a := addr("info")
	r := newMockReconciler(account.KindCounter, a)
	r.fail(a, errors.New("boom"))
	m.Register(r)
	_, _ = m.Recover(context.Background(), account.KindCounter, a)

	info := m.GetRecoveryInfo()
	if len(info) != 1 {
		t.Fatalf("len(info) = %d, want 1", len(info))
	}
	if info[0].LastError != "boom" || info[0].Attempts != 1 || info[0].NextRetry == nil {
		t.Errorf("info = %+v", info[0])
	}
}
