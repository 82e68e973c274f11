// Package delegation moves state accounts between the base ledger and the
// execution layer.
//
// Delegate and CommitAndUndelegate use a two-phase handoff: a marker is
// written on the base record, custody moves on the executor, then the
// record is finalized and the marker cleared. A failed transfer is undone
// with Evict or Reinstate before the marker is cleared. When the undo
// itself cannot reach a collaborator the marker stays, the base ledger
// refuses mutations, and Reconcile later settles the account from what the
// executor reports.
package delegation

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/storage"
	"github.com/datmedevil17/simcityMagicblock/internal/authz"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/bus"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/events"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
	"github.com/datmedevil17/simcityMagicblock/internal/session"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

// Instruction names used for authorization scope.
const (
	InstructionDelegate   = "delegate"
	InstructionCommit     = "commit"
	InstructionUndelegate = "undelegate"
)

// DefaultHandoffTimeout bounds each call to the execution layer.
const DefaultHandoffTimeout = 5 * time.Second

// Observer receives lifecycle measurements.
type Observer interface {
	ObserveTransition(kind account.Kind, transition state.Transition, outcome string, elapsed time.Duration)
	ObserveReconcile(kind account.Kind, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(account.Kind, state.Transition, string, time.Duration) {}
func (nopObserver) ObserveReconcile(account.Kind, Outcome)                                  {}

// Deps are the collaborators shared by every manager of a process.
type Deps struct {
	Ledger         storage.Ledger
	Pool           *execlayer.Pool
	Locks          *bus.KeyedMutex[chain.Address]
	Limiter        *bus.Limiter
	Clock          chain.Clock
	Events         events.EventLogger
	Logger         *logger.Logger
	Observer       Observer
	HandoffTimeout time.Duration
}

// DelegateRequest asks for an account to move to the execution layer.
// An empty Validator uses the pool's default assignment.
type DelegateRequest struct {
	Address    chain.Address
	Signer     chain.PublicKey
	Credential *session.Credential
	Validator  string
}

// CommitRequest asks for the execution layer copy to be written back.
type CommitRequest struct {
	Address    chain.Address
	Signer     chain.PublicKey
	Credential *session.Credential
}

// Manager runs lifecycle transitions for one entity kind. P is the payload
// type; committed snapshots must decode as P before they replace the base
// copy.
type Manager[P any, PP account.Payload[P]] struct {
	kind     account.Kind
	program  string
	ledger   storage.Ledger
	pool     *execlayer.Pool
	locks    *bus.KeyedMutex[chain.Address]
	limiter  *bus.Limiter
	clock    chain.Clock
	events   events.EventLogger
	log      *logger.Logger
	observer Observer
	timeout  time.Duration
	newID    func() string
}

// New builds a manager for kind. program is the authorization scope
// session credentials must name.
func New[P any, PP account.Payload[P]](kind account.Kind, program string, deps Deps) *Manager[P, PP] {
	m := &Manager[P, PP]{
		kind:     kind,
		program:  program,
		ledger:   deps.Ledger,
		pool:     deps.Pool,
		locks:    deps.Locks,
		limiter:  deps.Limiter,
		clock:    deps.Clock,
		events:   deps.Events,
		log:      deps.Logger,
		observer: deps.Observer,
		timeout:  deps.HandoffTimeout,
		newID:    uuid.NewString,
	}
	if m.locks == nil {
		m.locks = bus.NewKeyedMutex[chain.Address]()
	}
	if m.limiter == nil {
		m.limiter = bus.NewLimiter(bus.DefaultLimiterConfig())
	}
	if m.clock == nil {
		m.clock = chain.SystemClock{}
	}
	if m.events == nil {
		m.events = events.NoOpLogger{}
	}
	if m.log == nil {
		m.log = logger.Discard()
	}
	m.log = m.log.Named("delegation." + string(kind))
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.timeout <= 0 {
		m.timeout = DefaultHandoffTimeout
	}
	return m
}

// Kind returns the entity kind this manager serves.
func (m *Manager[P, PP]) Kind() account.Kind { return m.kind }

func (m *Manager[P, PP]) fields(addr chain.Address) logrus.Fields {
	return logrus.Fields{"account": addr.String(), "kind": string(m.kind)}
}

func (m *Manager[P, PP]) authorize(rec *account.Record, signer chain.PublicKey, cred *session.Credential, instruction string) error {
	return authz.Authorize(authz.Request{
		Authority:   rec.Authority,
		Signer:      signer,
		Credential:  cred,
		Program:     m.program,
		Instruction: instruction,
		Now:         m.clock.Now(),
	})
}

// precondition checks kind, pending handoffs and the source state of t.
func (m *Manager[P, PP]) precondition(rec *account.Record, t state.Transition) error {
	if rec.Kind != m.kind {
		return apperrors.New(apperrors.CodeKindMismatch, "account %s is a %s, not a %s", rec.Address, rec.Kind, m.kind)
	}
	if rec.Handoff != nil {
		return apperrors.New(apperrors.CodeHandoffPending, "account %s has a pending %s handoff", rec.Address, rec.Handoff.Phase).
			WithDetail("handoff_id", rec.Handoff.ID)
	}
	if !state.CanTransition(rec.State, t) {
		return apperrors.Wrap(apperrors.CodeInvalidState, state.NewTransitionError(rec.State, t), "account %s", rec.Address)
	}
	return nil
}

// validate decodes data as P so a malformed snapshot never replaces the
// base copy.
func (m *Manager[P, PP]) validate(data []byte) error {
	var payload P
	return PP(&payload).UnmarshalBinary(data)
}

// external runs fn against the execution layer under the limiter and the
// handoff timeout. Failures that are not typed become Unavailable.
func (m *Manager[P, PP]) external(ctx context.Context, op string, fn func(context.Context) error) error {
	err := m.limiter.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return fn(cctx)
	})
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.Unavailable(op, err)
}

// detached returns a context for compensation that outlives a cancelled
// caller.
func (m *Manager[P, PP]) detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

func (m *Manager[P, PP]) lock(ctx context.Context, addr chain.Address) (func(), error) {
	unlock, err := m.locks.Lock(ctx, addr)
	if err != nil {
		return nil, apperrors.Unavailable("acquire account lock", err)
	}
	return unlock, nil
}

func (m *Manager[P, PP]) event(t events.EventType, rec account.Record) *events.EventBuilder {
	b := events.NewEvent(t).
		Account(rec.Address.String(), string(m.kind)).
		Component("delegation").
		State(rec.State).
		Validator(rec.Validator)
	if rec.Handoff != nil {
		b.Handoff(rec.Handoff.ID)
	}
	return b
}

func (m *Manager[P, PP]) finish(t state.Transition, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.CodeOf(err))
	}
	m.observer.ObserveTransition(m.kind, t, outcome, time.Since(start))
}

// mark writes the handoff marker after authorizing the caller.
func (m *Manager[P, PP]) mark(ctx context.Context, addr chain.Address, t state.Transition, phase state.Phase, validator string, signer chain.PublicKey, cred *session.Credential, instruction string) (account.Record, error) {
	id := m.newID()
	return m.ledger.Update(ctx, addr, func(rec *account.Record) error {
		if err := m.precondition(rec, t); err != nil {
			return err
		}
		if err := m.authorize(rec, signer, cred, instruction); err != nil {
			return err
		}
		rec.Handoff = &account.Handoff{ID: id, Phase: phase, Validator: validator, StartedAt: m.clock.Now()}
		return nil
	})
}

var errMarkerMoved = apperrors.New(apperrors.CodeHandoffPending, "handoff marker changed underneath the manager")

// settle rewrites the record only if the marker still carries id.
func (m *Manager[P, PP]) settle(ctx context.Context, addr chain.Address, id string, fn func(rec *account.Record)) (account.Record, error) {
	return m.ledger.Update(ctx, addr, func(rec *account.Record) error {
		if rec.Handoff == nil || rec.Handoff.ID != id {
			return errMarkerMoved
		}
		fn(rec)
		rec.Handoff = nil
		return nil
	})
}

func (m *Manager[P, PP]) clearMarker(addr chain.Address, id string) error {
	ctx, cancel := m.detached()
	defer cancel()
	_, err := m.settle(ctx, addr, id, func(*account.Record) {})
	return err
}

// Delegate moves a Local account to a validator.
func (m *Manager[P, PP]) Delegate(ctx context.Context, req DelegateRequest) (rec account.Record, err error) {
	start := time.Now()
	defer func() { m.finish(state.TransitionDelegate, start, err) }()

	unlock, err := m.lock(ctx, req.Address)
	if err != nil {
		return account.Record{}, err
	}
	defer unlock()

	current, err := m.ledger.Get(ctx, req.Address)
	if err != nil {
		return account.Record{}, err
	}
	if err := m.precondition(&current, state.TransitionDelegate); err != nil {
		return account.Record{}, err
	}
	if err := m.authorize(&current, req.Signer, req.Credential, InstructionDelegate); err != nil {
		return account.Record{}, err
	}
	validator, err := m.pool.Assign(req.Address, req.Validator)
	if err != nil {
		return account.Record{}, err
	}

	marked, err := m.mark(ctx, req.Address, state.TransitionDelegate, state.PhaseDelegating, validator.ID(), req.Signer, req.Credential, InstructionDelegate)
	if err != nil {
		return account.Record{}, err
	}
	id := marked.Handoff.ID
	m.event(events.EventHandoffMarked, marked).Message("delegating").LogToWithContext(ctx, m.events)

	err = m.external(ctx, "accept", func(ctx context.Context) error {
		return m.accept(ctx, validator, execlayer.Transfer{
			HandoffID: id,
			Address:   marked.Address,
			Kind:      marked.Kind,
			Authority: marked.Authority,
			Data:      marked.Data,
		})
	})
	if err == nil {
		rec, err = m.settle(ctx, req.Address, id, func(rec *account.Record) {
			rec.State = state.Delegated
			rec.Validator = validator.ID()
		})
	}
	if err != nil {
		m.undoDelegate(ctx, marked, validator, err)
		return account.Record{}, err
	}

	m.log.WithFields(m.fields(req.Address)).WithField("validator", validator.ID()).Info("account delegated")
	m.event(events.EventDelegated, rec).Handoff(id).LogToWithContext(ctx, m.events)
	return rec, nil
}

// accept hands t to validator. The base record is Local and carries our
// marker, so an Active copy under any other delegation is an orphan of an
// earlier handoff; it is evicted and the transfer retried once.
func (m *Manager[P, PP]) accept(ctx context.Context, validator execlayer.Validator, t execlayer.Transfer) error {
	err := validator.Accept(ctx, t)
	if !errors.Is(err, apperrors.ErrInvalidState) {
		return err
	}
	evicted, lerr := m.evictOrphan(ctx, validator, t.Address)
	if lerr != nil || !evicted {
		return err
	}
	return validator.Accept(ctx, t)
}

// evictOrphan drops an Active copy the base ledger does not account for.
// Callers hold the account lock and have checked the record is Local.
func (m *Manager[P, PP]) evictOrphan(ctx context.Context, validator execlayer.Validator, addr chain.Address) (bool, error) {
	h, err := validator.Lookup(ctx, addr)
	if err != nil || h.Status != execlayer.StatusActive {
		return false, err
	}
	if err := validator.Evict(ctx, addr, h.DelegationID); err != nil {
		return false, err
	}
	m.log.WithFields(m.fields(addr)).
		WithField("validator", validator.ID()).
		WithField("delegation_id", h.DelegationID).
		Warn("evicted orphaned execution layer copy")
	events.NewEvent(events.EventOrphanEvicted).
		Account(addr.String(), string(m.kind)).
		Component("delegation").
		Validator(validator.ID()).
		Handoff(h.DelegationID).
		Severity(events.SeverityWarning).
		LogToWithContext(ctx, m.events)
	return true, nil
}

func (m *Manager[P, PP]) undoDelegate(ctx context.Context, marked account.Record, validator execlayer.Validator, cause error) {
	id := marked.Handoff.ID
	log := m.log.WithFields(m.fields(marked.Address)).WithField("handoff_id", id).WithError(cause)

	cctx, cancel := m.detached()
	defer cancel()
	if err := validator.Evict(cctx, marked.Address, id); err != nil {
		log.WithField("compensation_error", err.Error()).Warn("delegate compensation failed; handoff left for reconciliation")
		m.event(events.EventHandoffStuck, marked).ErrorFrom(cause).Metadata("compensation_error", err.Error()).LogToWithContext(ctx, m.events)
		return
	}
	if err := m.clearMarker(marked.Address, id); err != nil {
		log.WithField("compensation_error", err.Error()).Warn("could not clear delegate marker; handoff left for reconciliation")
		m.event(events.EventHandoffStuck, marked).ErrorFrom(cause).Metadata("compensation_error", err.Error()).LogToWithContext(ctx, m.events)
		return
	}
	log.Info("delegate failed; account returned to local")
	m.event(events.EventHandoffCompensated, marked).ErrorFrom(cause).Metadata("op", InstructionDelegate).LogToWithContext(ctx, m.events)
}

// Commit writes the execution layer copy back to the base ledger. The
// account stays Delegated.
func (m *Manager[P, PP]) Commit(ctx context.Context, req CommitRequest) (rec account.Record, err error) {
	start := time.Now()
	defer func() { m.finish(state.TransitionCommit, start, err) }()

	return m.commit(ctx, req.Address, func(rec *account.Record) error {
		return m.authorize(rec, req.Signer, req.Credential, InstructionCommit)
	}, events.EventCommitted)
}

// Checkpoint is Commit on behalf of the system, used by the auto-commit
// scheduler. It carries no signer and skips authorization.
func (m *Manager[P, PP]) Checkpoint(ctx context.Context, addr chain.Address) (rec account.Record, err error) {
	start := time.Now()
	defer func() { m.finish(state.TransitionCommit, start, err) }()

	return m.commit(ctx, addr, func(*account.Record) error { return nil }, events.EventCheckpointed)
}

func (m *Manager[P, PP]) commit(ctx context.Context, addr chain.Address, authorize func(*account.Record) error, done events.EventType) (account.Record, error) {
	unlock, err := m.lock(ctx, addr)
	if err != nil {
		return account.Record{}, err
	}
	defer unlock()

	current, err := m.ledger.Get(ctx, addr)
	if err != nil {
		return account.Record{}, err
	}
	if err := m.precondition(&current, state.TransitionCommit); err != nil {
		return account.Record{}, err
	}
	if err := authorize(&current); err != nil {
		return account.Record{}, err
	}
	validator, err := m.pool.Get(current.Validator)
	if err != nil {
		return account.Record{}, apperrors.Unavailable("resolve validator", err)
	}

	var snap execlayer.Account
	if err := m.external(ctx, "snapshot", func(ctx context.Context) error {
		var err error
		snap, err = validator.Snapshot(ctx, addr)
		return err
	}); err != nil {
		return account.Record{}, err
	}
	if err := m.validate(snap.Data); err != nil {
		return account.Record{}, err
	}

	rec, err := m.ledger.Update(ctx, addr, func(rec *account.Record) error {
		if err := m.precondition(rec, state.TransitionCommit); err != nil {
			return err
		}
		if rec.Validator != current.Validator {
			return apperrors.InvalidState("account %s moved to validator %s during commit", addr, rec.Validator)
		}
		if err := authorize(rec); err != nil {
			return err
		}
		rec.Data = append([]byte(nil), snap.Data...)
		rec.Commits++
		rec.CommittedAt = m.clock.Now()
		return nil
	})
	if err != nil {
		return account.Record{}, err
	}
	m.log.WithFields(m.fields(addr)).WithField("commits", rec.Commits).Debug("account committed")
	m.event(done, rec).Metadata("executor_version", strconv.FormatUint(snap.Version, 10)).LogToWithContext(ctx, m.events)
	return rec, nil
}

// CommitAndUndelegate writes the final execution layer copy back and
// returns the account to Local.
func (m *Manager[P, PP]) CommitAndUndelegate(ctx context.Context, req CommitRequest) (rec account.Record, err error) {
	start := time.Now()
	defer func() { m.finish(state.TransitionCommitAndUndelegate, start, err) }()

	unlock, err := m.lock(ctx, req.Address)
	if err != nil {
		return account.Record{}, err
	}
	defer unlock()

	current, err := m.ledger.Get(ctx, req.Address)
	if err != nil {
		return account.Record{}, err
	}
	if err := m.precondition(&current, state.TransitionCommitAndUndelegate); err != nil {
		return account.Record{}, err
	}
	validator, err := m.pool.Get(current.Validator)
	if err != nil {
		return account.Record{}, apperrors.Unavailable("resolve validator", err)
	}

	marked, err := m.mark(ctx, req.Address, state.TransitionCommitAndUndelegate, state.PhaseUndelegating, validator.ID(), req.Signer, req.Credential, InstructionUndelegate)
	if err != nil {
		return account.Record{}, err
	}
	id := marked.Handoff.ID
	m.event(events.EventHandoffMarked, marked).Message("undelegating").LogToWithContext(ctx, m.events)

	var snap execlayer.Account
	err = m.external(ctx, "release", func(ctx context.Context) error {
		var err error
		snap, err = validator.Release(ctx, req.Address, id)
		return err
	})
	if err == nil {
		err = m.validate(snap.Data)
	}
	if err == nil {
		rec, err = m.settle(ctx, req.Address, id, m.undelegated(snap.Data))
	}
	if err != nil {
		m.undoUndelegate(ctx, marked, validator, err)
		return account.Record{}, err
	}

	m.log.WithFields(m.fields(req.Address)).WithField("validator", validator.ID()).Info("account undelegated")
	m.event(events.EventUndelegated, rec).Handoff(id).Validator(validator.ID()).LogToWithContext(ctx, m.events)
	m.evictReleased(ctx, req.Address, validator, id)
	return rec, nil
}

func (m *Manager[P, PP]) undelegated(data []byte) func(rec *account.Record) {
	return func(rec *account.Record) {
		rec.Data = append([]byte(nil), data...)
		rec.State = state.Local
		rec.Validator = ""
		rec.Commits++
		rec.CommittedAt = m.clock.Now()
	}
}

func (m *Manager[P, PP]) undoUndelegate(ctx context.Context, marked account.Record, validator execlayer.Validator, cause error) {
	id := marked.Handoff.ID
	log := m.log.WithFields(m.fields(marked.Address)).WithField("handoff_id", id).WithError(cause)

	cctx, cancel := m.detached()
	defer cancel()
	if err := validator.Reinstate(cctx, marked.Address, id); err != nil {
		log.WithField("compensation_error", err.Error()).Warn("undelegate compensation failed; handoff left for reconciliation")
		m.event(events.EventHandoffStuck, marked).ErrorFrom(cause).Metadata("compensation_error", err.Error()).LogToWithContext(ctx, m.events)
		return
	}
	if err := m.clearMarker(marked.Address, id); err != nil {
		log.WithField("compensation_error", err.Error()).Warn("could not clear undelegate marker; handoff left for reconciliation")
		m.event(events.EventHandoffStuck, marked).ErrorFrom(cause).Metadata("compensation_error", err.Error()).LogToWithContext(ctx, m.events)
		return
	}
	log.Info("undelegate failed; account remains delegated")
	m.event(events.EventHandoffCompensated, marked).ErrorFrom(cause).Metadata("op", InstructionUndelegate).LogToWithContext(ctx, m.events)
}

// evictReleased drops the frozen copy left on the validator after a
// completed undelegation. It is best effort: a surviving Released copy
// accepts no mutations and the next Accept replaces it.
func (m *Manager[P, PP]) evictReleased(ctx context.Context, addr chain.Address, validator execlayer.Validator, releaseID string) {
	err := m.external(ctx, "evict", func(ctx context.Context) error {
		h, err := validator.Lookup(ctx, addr)
		if err != nil || h.Status != execlayer.StatusReleased || h.ReleaseID != releaseID {
			return err
		}
		return validator.Evict(ctx, addr, h.DelegationID)
	})
	if err != nil {
		m.log.WithFields(m.fields(addr)).WithError(err).Debug("released copy not evicted")
	}
}

// PendingHandoffs lists accounts of this kind with an unfinished handoff.
func (m *Manager[P, PP]) PendingHandoffs(ctx context.Context) ([]account.Record, error) {
	return m.ledger.List(ctx, storage.ListFilter{Kind: m.kind, PendingOnly: true})
}

// Delegated lists accounts of this kind currently on the execution layer.
func (m *Manager[P, PP]) Delegated(ctx context.Context) ([]account.Record, error) {
	return m.ledger.List(ctx, storage.ListFilter{Kind: m.kind, State: storage.StateFilter(state.Delegated)})
}
