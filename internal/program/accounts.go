// Package program runs the Counter and City instruction handlers against
// whichever layer currently owns an account.
package program

import (
	"context"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/storage"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
)

// Layer names where a program instance runs.
type Layer string

const (
	LayerBase      Layer = "base"
	LayerEphemeral Layer = "ephemeral"
)

// View is the part of an account a handler sees.
type View struct {
	Address   chain.Address   `json:"address"`
	Kind      account.Kind    `json:"kind"`
	Authority chain.PublicKey `json:"authority"`
	Data      []byte          `json:"data"`
	Version   uint64          `json:"version"`
}

// Accounts is layer-bound account access. Mutate runs fn inside the
// layer's per-account critical section and fails when the layer is not
// authoritative for the account.
type Accounts interface {
	Layer() Layer
	Load(ctx context.Context, addr chain.Address) (View, error)
	Mutate(ctx context.Context, addr chain.Address, fn func(v *View) error) (View, error)
}

// BaseAccounts reads and writes the base ledger.
type BaseAccounts struct {
	Ledger storage.Ledger
}

func (BaseAccounts) Layer() Layer { return LayerBase }

func (b BaseAccounts) Load(ctx context.Context, addr chain.Address) (View, error) {
	rec, err := b.Ledger.Get(ctx, addr)
	if err != nil {
		return View{}, err
	}
	return recordView(rec), nil
}

func (b BaseAccounts) Mutate(ctx context.Context, addr chain.Address, fn func(v *View) error) (View, error) {
	rec, err := b.Ledger.Update(ctx, addr, func(rec *account.Record) error {
		if err := baseWritable(rec); err != nil {
			return err
		}
		v := recordView(*rec)
		if err := fn(&v); err != nil {
			return err
		}
		rec.Data = v.Data
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return recordView(rec), nil
}

func baseWritable(rec *account.Record) error {
	if rec.Handoff != nil {
		return apperrors.New(apperrors.CodeHandoffPending, "account %s has a pending %s handoff", rec.Address, rec.Handoff.Phase)
	}
	if !rec.MutableOnBase() {
		return apperrors.New(apperrors.CodeAccountDelegated, "account %s is delegated to %s", rec.Address, rec.Validator).
			WithDetail("validator", rec.Validator)
	}
	return nil
}

func recordView(rec account.Record) View {
	return View{Address: rec.Address, Kind: rec.Kind, Authority: rec.Authority, Data: rec.Data, Version: rec.Version}
}

// EphemeralAccounts reads and writes a validator's working set. Only
// Active copies are visible.
type EphemeralAccounts struct {
	WorkingSet execlayer.WorkingSet
}

func (EphemeralAccounts) Layer() Layer { return LayerEphemeral }

func (e EphemeralAccounts) Load(ctx context.Context, addr chain.Address) (View, error) {
	acct, err := e.WorkingSet.Load(ctx, addr)
	if err != nil {
		return View{}, err
	}
	return workingView(acct), nil
}

func (e EphemeralAccounts) Mutate(ctx context.Context, addr chain.Address, fn func(v *View) error) (View, error) {
	acct, err := e.WorkingSet.Update(ctx, addr, func(acct *execlayer.Account) error {
		v := workingView(*acct)
		if err := fn(&v); err != nil {
			return err
		}
		acct.Data = v.Data
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return workingView(acct), nil
}

func workingView(acct execlayer.Account) View {
	return View{Address: acct.Address, Kind: acct.Kind, Authority: acct.Authority, Data: acct.Data, Version: acct.Version}
}
