// Package storage defines the base ledger persistence contract.
package storage

import (
	"context"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
)

// UpdateFunc mutates a record in place. Returning an error aborts the
// update and nothing is written.
type UpdateFunc func(rec *account.Record) error

// Ledger persists state account records. Implementations stamp CreatedAt,
// UpdatedAt and Version from their own clock and counter.
type Ledger interface {
	// Allocate stores a new record. It fails with AlreadyExists when the
	// address is taken.
	Allocate(ctx context.Context, rec account.Record) (account.Record, error)

	// Get returns the record at addr or NotFound.
	Get(ctx context.Context, addr chain.Address) (account.Record, error)

	// Update runs fn on the current record under the account's lock and
	// writes the result atomically. Address, Kind and CreatedAt are not
	// writable through fn.
	Update(ctx context.Context, addr chain.Address, fn UpdateFunc) (account.Record, error)

	// List returns records matching filter ordered by creation time.
	List(ctx context.Context, filter ListFilter) ([]account.Record, error)
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Kind        account.Kind
	State       *state.Delegation
	PendingOnly bool
	Limit       int
}

// Match reports whether rec passes the filter, ignoring Limit.
func (f ListFilter) Match(rec account.Record) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.State != nil && rec.State != *f.State {
		return false
	}
	if f.PendingOnly && rec.Handoff == nil {
		return false
	}
	return true
}

// StateFilter is a helper for building ListFilter.State.
func StateFilter(s state.Delegation) *state.Delegation { return &s }
