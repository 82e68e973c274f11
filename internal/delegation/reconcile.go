package delegation

import (
	"context"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/events"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
)

// Outcome is what Reconcile did to an account.
type Outcome string

const (
	// OutcomeConsistent means both layers already agreed.
	OutcomeConsistent Outcome = "consistent"
	// OutcomeRolledForward means an interrupted handoff was completed.
	OutcomeRolledForward Outcome = "rolled_forward"
	// OutcomeRolledBack means an interrupted handoff was undone.
	OutcomeRolledBack Outcome = "rolled_back"
	// OutcomeRecovered means the validator lost the account and the base
	// snapshot from the last commit became authoritative again.
	OutcomeRecovered Outcome = "recovered"
	// OutcomeOrphanEvicted means a Local account still had an Active copy
	// on the execution layer and the copy was dropped.
	OutcomeOrphanEvicted Outcome = "orphan_evicted"
)

// Reconcile settles addr from executor evidence. It is idempotent and safe
// to run at any time; it takes the same account lock as the transitions.
func (m *Manager[P, PP]) Reconcile(ctx context.Context, addr chain.Address) (out Outcome, err error) {
	defer func() {
		if err == nil {
			m.observer.ObserveReconcile(m.kind, out)
		}
	}()

	unlock, err := m.lock(ctx, addr)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, err := m.ledger.Get(ctx, addr)
	if err != nil {
		return "", err
	}
	if rec.Kind != m.kind {
		return "", apperrors.New(apperrors.CodeKindMismatch, "account %s is a %s, not a %s", addr, rec.Kind, m.kind)
	}

	switch {
	case rec.Handoff != nil:
		out, err = m.reconcileHandoff(ctx, rec)
	case rec.State == state.Delegated:
		out, err = m.reconcileDelegated(ctx, rec)
	default:
		out, err = m.reconcileLocal(ctx, rec)
	}
	if err != nil {
		m.event(events.EventReconcileFailed, rec).Component("reconciler").ErrorFrom(err).LogToWithContext(ctx, m.events)
		return "", err
	}
	if out != OutcomeConsistent {
		m.log.WithFields(m.fields(addr)).WithField("outcome", string(out)).Info("account reconciled")
		m.event(events.EventReconcileResolved, rec).Component("reconciler").Metadata("outcome", string(out)).LogToWithContext(ctx, m.events)
	}
	return out, nil
}

func (m *Manager[P, PP]) lookup(ctx context.Context, validatorID string, addr chain.Address) (execlayer.Validator, execlayer.Holding, error) {
	validator, err := m.pool.Get(validatorID)
	if err != nil {
		return nil, execlayer.Holding{}, apperrors.Unavailable("resolve validator", err)
	}
	var h execlayer.Holding
	err = m.external(ctx, "lookup", func(ctx context.Context) error {
		var err error
		h, err = validator.Lookup(ctx, addr)
		return err
	})
	return validator, h, err
}

func (m *Manager[P, PP]) reconcileHandoff(ctx context.Context, rec account.Record) (Outcome, error) {
	h := rec.Handoff
	validator, holding, err := m.lookup(ctx, h.Validator, rec.Address)
	if err != nil {
		return "", err
	}

	switch h.Phase {
	case state.PhaseDelegating:
		if holding.Status == execlayer.StatusActive && holding.DelegationID == h.ID {
			_, err := m.settle(ctx, rec.Address, h.ID, func(r *account.Record) {
				r.State = state.Delegated
				r.Validator = validator.ID()
			})
			return OutcomeRolledForward, err
		}
		// Drop any copy held under this handoff before clearing the marker.
		if err := m.external(ctx, "evict", func(ctx context.Context) error {
			return validator.Evict(ctx, rec.Address, h.ID)
		}); err != nil {
			return "", err
		}
		_, err := m.settle(ctx, rec.Address, h.ID, func(*account.Record) {})
		return OutcomeRolledBack, err

	case state.PhaseUndelegating:
		switch {
		case holding.Status == execlayer.StatusReleased && holding.ReleaseID == h.ID:
			if err := m.validate(holding.Account.Data); err != nil {
				return "", err
			}
			if _, err := m.settle(ctx, rec.Address, h.ID, m.undelegated(holding.Account.Data)); err != nil {
				return "", err
			}
			m.evictReleased(ctx, rec.Address, validator, h.ID)
			return OutcomeRolledForward, nil
		case holding.Status == execlayer.StatusActive:
			_, err := m.settle(ctx, rec.Address, h.ID, func(*account.Record) {})
			return OutcomeRolledBack, err
		default:
			_, err := m.settle(ctx, rec.Address, h.ID, m.recovered)
			return OutcomeRecovered, err
		}
	}
	return "", apperrors.InvalidState("account %s has unknown handoff phase %q", rec.Address, h.Phase)
}

func (m *Manager[P, PP]) reconcileDelegated(ctx context.Context, rec account.Record) (Outcome, error) {
	validator, holding, err := m.lookup(ctx, rec.Validator, rec.Address)
	if err != nil {
		return "", err
	}
	switch holding.Status {
	case execlayer.StatusActive:
		return OutcomeConsistent, nil
	case execlayer.StatusReleased:
		// No marker means the base never finalized a release.
		if err := m.external(ctx, "reinstate", func(ctx context.Context) error {
			return validator.Reinstate(ctx, rec.Address, holding.ReleaseID)
		}); err != nil {
			return "", err
		}
		return OutcomeRolledBack, nil
	default:
		_, err := m.ledger.Update(ctx, rec.Address, func(r *account.Record) error {
			if r.State != state.Delegated || r.Handoff != nil {
				return apperrors.InvalidState("account %s changed during reconciliation", r.Address)
			}
			m.recovered(r)
			return nil
		})
		return OutcomeRecovered, err
	}
}

// reconcileLocal evicts Active copies of a Local account left behind by a
// transfer that landed after its handoff was abandoned.
func (m *Manager[P, PP]) reconcileLocal(ctx context.Context, rec account.Record) (Outcome, error) {
	out := OutcomeConsistent
	for _, id := range m.pool.IDs() {
		validator, err := m.pool.Get(id)
		if err != nil {
			return "", apperrors.Unavailable("resolve validator", err)
		}
		var evicted bool
		if err := m.external(ctx, "evict orphan", func(ctx context.Context) error {
			var err error
			evicted, err = m.evictOrphan(ctx, validator, rec.Address)
			return err
		}); err != nil {
			return "", err
		}
		if evicted {
			out = OutcomeOrphanEvicted
		}
	}
	return out, nil
}

// recovered returns the account to Local on its last committed snapshot.
func (m *Manager[P, PP]) recovered(r *account.Record) {
	r.State = state.Local
	r.Validator = ""
}
