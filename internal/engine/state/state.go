// Package state defines the delegation state machine shared by the base
// ledger, the execution layer and the lifecycle manager.
package state

import (
	"encoding/json"
	"fmt"
)

// Delegation records which layer is authoritative for an account.
type Delegation int32

const (
	// Local means the base ledger holds the authoritative data.
	Local Delegation = iota

	// Delegated means an execution layer holds the authoritative data and
	// the base ledger keeps a snapshot from the last commit.
	Delegated
)

// String returns the string representation of the delegation state.
func (d Delegation) String() string {
	switch d {
	case Local:
		return "local"
	case Delegated:
		return "delegated"
	default:
		return fmt.Sprintf("delegation(%d)", d)
	}
}

// MarshalJSON implements json.Marshaler.
func (d Delegation) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Delegation) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseDelegation(str)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDelegation converts a string to Delegation.
func ParseDelegation(s string) (Delegation, error) {
	switch s {
	case "local", "":
		return Local, nil
	case "delegated":
		return Delegated, nil
	default:
		return Local, fmt.Errorf("unknown delegation state %q", s)
	}
}

// Phase names the step of an in-flight cross-layer handoff.
type Phase string

const (
	PhaseNone         Phase = ""
	PhaseDelegating   Phase = "delegating"
	PhaseUndelegating Phase = "undelegating"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseNone, PhaseDelegating, PhaseUndelegating:
		return true
	default:
		return false
	}
}

// Transition is a lifecycle operation on a state account.
type Transition string

const (
	TransitionDelegate            Transition = "delegate"
	TransitionCommit              Transition = "commit"
	TransitionCommitAndUndelegate Transition = "undelegate"
)

// ValidTransitions lists the starting state each transition requires and
// the state it leaves the account in.
var ValidTransitions = map[Transition]struct{ From, To Delegation }{
	TransitionDelegate:            {From: Local, To: Delegated},
	TransitionCommit:              {From: Delegated, To: Delegated},
	TransitionCommitAndUndelegate: {From: Delegated, To: Local},
}

// CanTransition reports whether t may start from the given state.
func CanTransition(from Delegation, t Transition) bool {
	rule, ok := ValidTransitions[t]
	return ok && rule.From == from
}

// Target returns the state t leaves the account in.
func Target(t Transition) (Delegation, bool) {
	rule, ok := ValidTransitions[t]
	return rule.To, ok
}

// TransitionError represents a transition attempted from the wrong state.
type TransitionError struct {
	From       Delegation
	Transition Transition
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("cannot %s an account in state %s", e.Transition, e.From)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from Delegation, t Transition) TransitionError {
	return TransitionError{From: from, Transition: t}
}
