// Package execlayer defines the contract between the base ledger and an
// ephemeral execution layer, plus an in-process implementation of it.
//
// The base side drives transfers with Accept and Release; Reinstate and
// Evict undo them when the base side fails to finalize. Every call that
// moves custody is idempotent for its handoff id so the lifecycle manager
// can retry and reconcile safely.
package execlayer

import (
	"context"
	"time"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

// Status is an executor's custody of one account.
type Status string

const (
	StatusAbsent   Status = "absent"
	StatusActive   Status = "active"
	StatusReleased Status = "released"
)

// Account is the execution layer's copy of a state account.
type Account struct {
	Address   chain.Address   `json:"address"`
	Kind      account.Kind    `json:"kind"`
	Authority chain.PublicKey `json:"authority"`
	Data      []byte          `json:"data"`
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of a.
func (a Account) Clone() Account {
	a.Data = append([]byte(nil), a.Data...)
	return a
}

// Transfer hands an account to the execution layer.
type Transfer struct {
	HandoffID string          `json:"handoff_id"`
	Address   chain.Address   `json:"address"`
	Kind      account.Kind    `json:"kind"`
	Authority chain.PublicKey `json:"authority"`
	Data      []byte          `json:"data"`
}

// Holding describes what an executor knows about an account.
type Holding struct {
	Status       Status  `json:"status"`
	Validator    string  `json:"validator,omitempty"`
	DelegationID string  `json:"delegation_id,omitempty"`
	ReleaseID    string  `json:"release_id,omitempty"`
	Account      Account `json:"account"`
}

// Executor is the custody protocol used by the lifecycle manager.
type Executor interface {
	// Accept takes custody. Repeating the same HandoffID is a no-op; an
	// Active copy under another id fails with InvalidState; a Released
	// copy is replaced.
	Accept(ctx context.Context, t Transfer) error

	// Snapshot returns the current Active copy or NotDelegated.
	Snapshot(ctx context.Context, addr chain.Address) (Account, error)

	// Release stops accepting mutations and returns the final copy.
	// Repeating the same releaseID returns the same copy.
	Release(ctx context.Context, addr chain.Address, releaseID string) (Account, error)

	// Reinstate reverts a Release made under releaseID.
	Reinstate(ctx context.Context, addr chain.Address, releaseID string) error

	// Evict drops a copy held under delegationID. Other ids are left alone.
	// The id is remembered so a later Accept carrying it fails with
	// InvalidState.
	Evict(ctx context.Context, addr chain.Address, delegationID string) error

	// Lookup reports custody without failing on absent accounts.
	Lookup(ctx context.Context, addr chain.Address) (Holding, error)
}

// UpdateFunc mutates an Active copy. Returning an error discards the change.
type UpdateFunc func(acct *Account) error

// WorkingSet is the mutation surface of Active copies.
type WorkingSet interface {
	Load(ctx context.Context, addr chain.Address) (Account, error)
	Update(ctx context.Context, addr chain.Address, fn UpdateFunc) (Account, error)
}

// Validator is an Executor with a stable id, local or remote.
type Validator interface {
	Executor
	ID() string
}

// Node is a validator that also hosts the working set.
type Node interface {
	Validator
	WorkingSet
}

// MaxTombstones bounds the evicted delegation ids a node remembers per
// account.
const MaxTombstones = 16

// Tombstones are the most recently evicted delegation ids of one account.
type Tombstones []string

// Add records id, dropping the oldest entry past MaxTombstones.
func (t Tombstones) Add(id string) Tombstones {
	if id == "" || t.Has(id) {
		return t
	}
	t = append(t, id)
	if len(t) > MaxTombstones {
		t = append(Tombstones(nil), t[len(t)-MaxTombstones:]...)
	}
	return t
}

// Has reports whether id was evicted.
func (t Tombstones) Has(id string) bool {
	for _, v := range t {
		if v == id {
			return true
		}
	}
	return false
}

// EvictedHandoff is the error of an Accept whose handoff was already
// evicted by compensation or reconciliation.
func EvictedHandoff(addr chain.Address, handoffID, validator string) error {
	return apperrors.InvalidState("handoff %s for account %s was evicted from %s", handoffID, addr, validator)
}
