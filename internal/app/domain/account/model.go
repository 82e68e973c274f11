// Package account models a state account as persisted by the base ledger.
package account

import (
	"encoding"
	"time"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
)

// Kind names an entity type. It is also the address derivation tag.
type Kind string

const (
	KindCounter Kind = "counter"
	KindCity    Kind = "city"
)

// Payload is the capability every entity payload provides: a fixed-size
// binary snapshot that survives the trip between layers unchanged.
type Payload[P any] interface {
	*P
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Handoff marks a two-phase transfer between layers that has been started
// on the base ledger but not finalized.
type Handoff struct {
	ID        string      `json:"id"`
	Phase     state.Phase `json:"phase"`
	Validator string      `json:"validator,omitempty"`
	StartedAt time.Time   `json:"started_at"`
}

// Record is the base ledger's copy of a state account.
type Record struct {
	Address     chain.Address    `json:"address"`
	Kind        Kind             `json:"kind"`
	Authority   chain.PublicKey  `json:"authority"`
	State       state.Delegation `json:"state"`
	Validator   string           `json:"validator,omitempty"`
	Handoff     *Handoff         `json:"handoff,omitempty"`
	Data        []byte           `json:"data"`
	Version     uint64           `json:"version"`
	Commits     uint64           `json:"commits"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CommittedAt time.Time        `json:"committed_at,omitempty"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	cp := r
	cp.Data = append([]byte(nil), r.Data...)
	if r.Handoff != nil {
		h := *r.Handoff
		cp.Handoff = &h
	}
	return cp
}

// MutableOnBase reports whether the base ledger may apply mutations: the
// account is Local and no handoff is in flight.
func (r Record) MutableOnBase() bool {
	return r.State == state.Local && r.Handoff == nil
}

// Pending reports whether a handoff marker is set.
func (r Record) Pending() bool { return r.Handoff != nil }
