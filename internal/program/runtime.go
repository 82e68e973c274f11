package program

import (
	"context"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/storage"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/events"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

// Runtime binds programs to one layer.
type Runtime struct {
	Accounts Accounts
	// Ledger is set on the base layer only; it allocates new accounts.
	Ledger storage.Ledger
	Clock  chain.Clock
	Events events.EventLogger
	Logger *logger.Logger
}

// Base returns a runtime over the base ledger.
func Base(ledger storage.Ledger, clock chain.Clock, ev events.EventLogger, log *logger.Logger) Runtime {
	return Runtime{Accounts: BaseAccounts{Ledger: ledger}, Ledger: ledger, Clock: clock, Events: ev, Logger: log}.withDefaults()
}

// Ephemeral returns a runtime over an executor's working set.
func Ephemeral(ws execlayer.WorkingSet, clock chain.Clock, ev events.EventLogger, log *logger.Logger) Runtime {
	return Runtime{Accounts: EphemeralAccounts{WorkingSet: ws}, Clock: clock, Events: ev, Logger: log}.withDefaults()
}

func (rt Runtime) withDefaults() Runtime {
	if rt.Clock == nil {
		rt.Clock = chain.SystemClock{}
	}
	if rt.Events == nil {
		rt.Events = events.NoOpLogger{}
	}
	if rt.Logger == nil {
		rt.Logger = logger.Discard()
	}
	return rt
}

// Layer reports the layer the runtime mutates.
func (rt Runtime) Layer() Layer { return rt.Accounts.Layer() }

// initialize allocates the signer's account for kind. With reset, an
// existing Local account of the same kind has its payload replaced by data.
func (rt Runtime) initialize(ctx context.Context, kind account.Kind, call Call, data []byte, reset bool) (account.Record, error) {
	if rt.Ledger == nil {
		return account.Record{}, apperrors.New(apperrors.CodeInvalidInstruction, "%s accounts are initialized on the base layer", kind)
	}
	if want := chain.AccountAddress(call.Signer, string(kind)); call.Address != want {
		return account.Record{}, apperrors.New(apperrors.CodeInvalidInstruction, "account %s is not the %s account of signer %s", call.Address, kind, call.Signer).
			WithDetail("expected", want.String())
	}

	rec, err := rt.Ledger.Allocate(ctx, account.Record{
		Address:   call.Address,
		Kind:      kind,
		Authority: call.Signer,
		State:     state.Local,
		Data:      data,
	})
	if err != nil && reset && apperrors.CodeOf(err) == apperrors.CodeAlreadyExists {
		rec, err = rt.Ledger.Update(ctx, call.Address, func(r *account.Record) error {
			if r.Kind != kind {
				return apperrors.New(apperrors.CodeKindMismatch, "account %s is a %s, not a %s", r.Address, r.Kind, kind)
			}
			if err := baseWritable(r); err != nil {
				return err
			}
			r.Data = data
			return nil
		})
	}
	if err != nil {
		return account.Record{}, err
	}

	rt.Logger.WithField("account", rec.Address.String()).WithField("kind", string(kind)).Info("account initialized")
	events.NewEvent(events.EventAccountInitialized).
		Account(rec.Address.String(), string(kind)).
		Component("program").
		State(rec.State).
		LogToWithContext(ctx, rt.Events)
	return rec, nil
}
