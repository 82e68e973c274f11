// Package recovery settles interrupted handoffs in the background.
// It sweeps every registered lifecycle manager for accounts that still
// carry a handoff marker and reconciles them, backing off per account and
// opening a circuit breaker for accounts that keep failing.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/delegation"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/events"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

// Common errors
var (
	ErrRecoveryInProgress = errors.New("recovery already in progress")
	ErrRecoveryDisabled   = errors.New("recovery disabled")
	ErrMaxRetriesExceeded = errors.New("max recovery retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrNotDue             = errors.New("account is backing off")
	ErrUnknownKind        = errors.New("no reconciler registered for kind")
)

// Strategy defines the retry strategy type.
type Strategy string

const (
	// StrategyRestart retries at a fixed delay.
	StrategyRestart Strategy = "restart"

	// StrategyBackoff uses exponential backoff between retries.
	StrategyBackoff Strategy = "backoff"

	// StrategyCircuitBreaker stops retrying an account after repeated failures.
	StrategyCircuitBreaker Strategy = "circuit_breaker"

	// StrategyNone disables background recovery.
	StrategyNone Strategy = "none"
)

// Config holds recovery configuration.
type Config struct {
	Strategy Strategy `yaml:"strategy" env:"RECOVERY_STRATEGY"`

	// Interval is the time between sweeps.
	Interval time.Duration `yaml:"interval" env:"RECOVERY_INTERVAL"`

	// MaxRetries is the maximum number of attempts per account (0 = unlimited).
	MaxRetries int `yaml:"max_retries" env:"RECOVERY_MAX_RETRIES"`

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration `yaml:"initial_delay" env:"RECOVERY_INITIAL_DELAY"`

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration `yaml:"max_delay" env:"RECOVERY_MAX_DELAY"`

	// Multiplier is the backoff multiplier (for StrategyBackoff).
	Multiplier float64 `yaml:"multiplier" env:"RECOVERY_MULTIPLIER"`

	// CircuitBreakerThreshold is the number of failures before opening.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold" env:"RECOVERY_CIRCUIT_THRESHOLD"`

	// CircuitBreakerResetTime is how long the circuit stays open.
	CircuitBreakerResetTime time.Duration `yaml:"circuit_breaker_reset" env:"RECOVERY_CIRCUIT_RESET"`

	// RecoveryTimeout bounds one reconcile call.
	RecoveryTimeout time.Duration `yaml:"timeout" env:"RECOVERY_TIMEOUT"`
}

// DefaultConfig returns the default recovery configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:                StrategyBackoff,
		Interval:                15 * time.Second,
		MaxRetries:              0,
		InitialDelay:            time.Second,
		MaxDelay:                time.Minute,
		Multiplier:              2.0,
		CircuitBreakerThreshold: 10,
		CircuitBreakerResetTime: 5 * time.Minute,
		RecoveryTimeout:         30 * time.Second,
	}
}

// Reconciler is a lifecycle manager for one account kind.
type Reconciler interface {
	Kind() account.Kind
	PendingHandoffs(ctx context.Context) ([]account.Record, error)
	Reconcile(ctx context.Context, addr chain.Address) (delegation.Outcome, error)
}

// RecoveryState tracks recovery of one account.
type RecoveryState struct {
	Account       chain.Address
	Kind          account.Kind
	InProgress    bool
	Attempts      int
	LastAttempt   time.Time
	LastError     error
	LastOutcome   delegation.Outcome
	NextRetry     time.Time
	CurrentDelay  time.Duration
	CircuitOpen   bool
	CircuitOpened time.Time
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Pending  int `json:"pending"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Manager runs reconciliation for every registered kind.
type Manager struct {
	mu          sync.RWMutex
	cfg         Config
	reconcilers map[account.Kind]Reconciler
	states      map[chain.Address]*RecoveryState
	events      events.EventLogger
	log         *logger.Logger
	clock       chain.Clock
	shutdownCh  chan struct{}
	shutdown    sync.Once
	wg          sync.WaitGroup

	onRecoveryEnd func(addr chain.Address, attempt int, outcome delegation.Outcome, err error)
}

// NewManager creates a new recovery manager.
func NewManager(cfg Config, eventLogger events.EventLogger, log *logger.Logger, clock chain.Clock) *Manager {
	if eventLogger == nil {
		eventLogger = events.NoOpLogger{}
	}
	if log == nil {
		log = logger.Discard()
	}
	if clock == nil {
		clock = chain.SystemClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Manager{
		cfg:         cfg,
		reconcilers: make(map[account.Kind]Reconciler),
		states:      make(map[chain.Address]*RecoveryState),
		events:      eventLogger,
		log:         log.Named("recovery"),
		clock:       clock,
		shutdownCh:  make(chan struct{}),
	}
}

// Register adds a reconciler, replacing any earlier one for the same kind.
func (m *Manager) Register(r Reconciler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcilers[r.Kind()] = r
}

// SetOnRecoveryEnd sets the callback run after every attempt.
func (m *Manager) SetOnRecoveryEnd(fn func(addr chain.Address, attempt int, outcome delegation.Outcome, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecoveryEnd = fn
}

// Recover reconciles one account now, ignoring backoff but honoring an
// open circuit, the retry limit and an attempt already in flight.
func (m *Manager) Recover(ctx context.Context, kind account.Kind, addr chain.Address) (delegation.Outcome, error) {
	return m.attempt(ctx, kind, addr, false)
}

// Sweep reconciles every pending handoff that is due.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if m.cfg.Strategy == StrategyNone {
		return res, ErrRecoveryDisabled
	}

	m.mu.RLock()
	kinds := make([]account.Kind, 0, len(m.reconcilers))
	for k := range m.reconcilers {
		kinds = append(kinds, k)
	}
	m.mu.RUnlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var errs []error
	for _, kind := range kinds {
		pending, err := m.reconciler(kind).PendingHandoffs(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s handoffs: %w", kind, err))
			continue
		}
		res.Pending += len(pending)
		for _, rec := range pending {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			_, err := m.attempt(ctx, kind, rec.Address, true)
			switch {
			case err == nil:
				res.Resolved++
			case errors.Is(err, ErrNotDue), errors.Is(err, ErrCircuitBreakerOpen),
				errors.Is(err, ErrMaxRetriesExceeded), errors.Is(err, ErrRecoveryInProgress):
				res.Skipped++
			default:
				res.Failed++
			}
		}
	}
	if res.Pending > 0 {
		m.log.WithField("pending", res.Pending).
			WithField("resolved", res.Resolved).
			WithField("failed", res.Failed).
			WithField("skipped", res.Skipped).
			Info("recovery sweep finished")
	}
	return res, errors.Join(errs...)
}

// Run sweeps on every interval until ctx is done or Shutdown is called.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.Strategy == StrategyNone {
		return
	}
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.log.WithError(err).Warn("recovery sweep failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Manager) reconciler(kind account.Kind) Reconciler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconcilers[kind]
}

func (m *Manager) attempt(ctx context.Context, kind account.Kind, addr chain.Address, respectBackoff bool) (delegation.Outcome, error) {
	r := m.reconciler(kind)
	if r == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	now := m.clock.Now()
	m.mu.Lock()
	st := m.getOrCreateState(addr, kind)
	if st.InProgress {
		m.mu.Unlock()
		return "", ErrRecoveryInProgress
	}
	if m.cfg.Strategy == StrategyCircuitBreaker && st.CircuitOpen {
		if now.Sub(st.CircuitOpened) < m.cfg.CircuitBreakerResetTime {
			m.mu.Unlock()
			return "", ErrCircuitBreakerOpen
		}
		// Half-open: allow one more attempt.
		st.CircuitOpen = false
		st.Attempts = 0
	}
	if m.cfg.MaxRetries > 0 && st.Attempts >= m.cfg.MaxRetries {
		m.mu.Unlock()
		return "", ErrMaxRetriesExceeded
	}
	if respectBackoff && st.Attempts > 0 && now.Before(st.NextRetry) {
		m.mu.Unlock()
		return "", ErrNotDue
	}
	st.InProgress = true
	st.Attempts++
	attempt := st.Attempts
	onEnd := m.onRecoveryEnd
	m.mu.Unlock()

	events.NewEvent(events.EventReconcileStarted).
		Account(addr.String(), string(kind)).
		Component("recovery").
		Metadata("attempt", fmt.Sprintf("%d", attempt)).
		LogToWithContext(ctx, m.events)

	rctx := ctx
	if m.cfg.RecoveryTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, m.cfg.RecoveryTimeout)
		defer cancel()
	}
	outcome, err := r.Reconcile(rctx, addr)
	m.complete(st, attempt, outcome, err)

	if onEnd != nil {
		onEnd(addr, attempt, outcome, err)
	}
	return outcome, err
}

func (m *Manager) complete(st *RecoveryState, attempt int, outcome delegation.Outcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	st.InProgress = false
	st.LastAttempt = now
	st.LastError = err

	entry := m.log.WithField("account", st.Account.String()).
		WithField("kind", string(st.Kind)).
		WithField("attempt", attempt)
	if err != nil {
		st.CurrentDelay = m.calculateDelay(attempt + 1)
		st.NextRetry = now.Add(st.CurrentDelay)
		if m.cfg.Strategy == StrategyCircuitBreaker && st.Attempts >= m.cfg.CircuitBreakerThreshold {
			st.CircuitOpen = true
			st.CircuitOpened = now
		}
		entry.WithError(err).WithField("next_retry", st.NextRetry.Format(time.RFC3339)).Warn("reconcile attempt failed")
		return
	}

	st.LastOutcome = outcome
	st.Attempts = 0
	st.CurrentDelay = 0
	st.CircuitOpen = false
	entry.WithField("outcome", string(outcome)).Debug("reconcile attempt succeeded")
}

func (m *Manager) calculateDelay(attempt int) time.Duration {
	cfg := m.cfg
	if attempt <= 1 {
		return cfg.InitialDelay
	}

	switch cfg.Strategy {
	case StrategyBackoff:
		delay := float64(cfg.InitialDelay)
		for i := 1; i < attempt; i++ {
			delay *= cfg.Multiplier
			if delay > float64(cfg.MaxDelay) {
				delay = float64(cfg.MaxDelay)
				break
			}
		}
		return time.Duration(delay)

	default:
		return cfg.InitialDelay
	}
}

func (m *Manager) getOrCreateState(addr chain.Address, kind account.Kind) *RecoveryState {
	if st, ok := m.states[addr]; ok {
		return st
	}
	st := &RecoveryState{Account: addr, Kind: kind}
	m.states[addr] = st
	return st
}

// GetState returns the recovery state for an account.
func (m *Manager) GetState(addr chain.Address) (RecoveryState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[addr]; ok {
		return *st, true
	}
	return RecoveryState{}, false
}

// ResetState clears the retry history of an account.
func (m *Manager) ResetState(addr chain.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[addr]; ok {
		st.Attempts = 0
		st.LastError = nil
		st.CurrentDelay = 0
		st.CircuitOpen = false
		st.NextRetry = time.Time{}
	}
}

// IsCircuitOpen returns whether the circuit breaker is open for an account.
func (m *Manager) IsCircuitOpen(addr chain.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[addr]
	if !ok || !st.CircuitOpen {
		return false
	}
	return m.clock.Now().Sub(st.CircuitOpened) < m.cfg.CircuitBreakerResetTime
}

// Shutdown stops Run and waits for it to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdown.Do(func() { close(m.shutdownCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoveryInfo summarizes the recovery of one account for status endpoints.
type RecoveryInfo struct {
	Account      string        `json:"account"`
	Kind         string        `json:"kind"`
	Strategy     Strategy      `json:"strategy"`
	InProgress   bool          `json:"in_progress"`
	Attempts     int           `json:"attempts"`
	MaxRetries   int           `json:"max_retries"`
	LastError    string        `json:"last_error,omitempty"`
	LastOutcome  string        `json:"last_outcome,omitempty"`
	NextRetry    *time.Time    `json:"next_retry,omitempty"`
	CircuitOpen  bool          `json:"circuit_open"`
	CurrentDelay time.Duration `json:"current_delay_ns,omitempty"`
}

// GetRecoveryInfo returns recovery info for every account seen so far,
// sorted by address.
func (m *Manager) GetRecoveryInfo() []RecoveryInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]RecoveryInfo, 0, len(m.states))
	for _, st := range m.states {
		info := RecoveryInfo{
			Account:      st.Account.String(),
			Kind:         string(st.Kind),
			Strategy:     m.cfg.Strategy,
			InProgress:   st.InProgress,
			Attempts:     st.Attempts,
			MaxRetries:   m.cfg.MaxRetries,
			LastOutcome:  string(st.LastOutcome),
			CircuitOpen:  st.CircuitOpen,
			CurrentDelay: st.CurrentDelay,
		}
		if st.LastError != nil {
			info.LastError = st.LastError.Error()
		}
		if !st.NextRetry.IsZero() && st.Attempts > 0 {
			next := st.NextRetry
			info.NextRetry = &next
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Account < result[j].Account })
	return result
}
