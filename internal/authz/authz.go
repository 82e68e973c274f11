// Package authz decides whether a signer may mutate an account. It is pure:
// callers supply the clock reading and any session credential.
package authz

import (
	"time"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/session"
)

// Via records which rule granted access.
type Via string

const (
	ViaNone      Via = ""
	ViaAuthority Via = "authority"
	ViaSession   Via = "session"
)

// Request describes one authorization check.
type Request struct {
	Authority   chain.PublicKey
	Signer      chain.PublicKey
	Credential  *session.Credential
	Program     string
	Instruction string
	Now         time.Time
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool
	Via     Via
	Reason  string
}

func deny(reason string) Decision { return Decision{Reason: reason} }

// Evaluate applies the rules in order: the authority itself is always
// allowed; otherwise a credential must belong to the authority, name the
// signer, be inside its validity window and cover the instruction.
func Evaluate(req Request) Decision {
	if !req.Signer.IsZero() && req.Signer == req.Authority {
		return Decision{Allowed: true, Via: ViaAuthority}
	}
	cred := req.Credential
	if cred == nil {
		return deny("signer is not the account authority")
	}
	switch {
	case cred.Owner != req.Authority:
		return deny("session credential belongs to another authority")
	case cred.Signer != req.Signer:
		return deny("session credential names a different signer")
	case !cred.Active(req.Now):
		if req.Now.Before(cred.IssuedAt) {
			return deny("session credential is not yet valid")
		}
		return deny("session credential expired")
	case !cred.Covers(req.Program, req.Instruction):
		return deny("session credential does not cover " + req.Program + "." + req.Instruction)
	}
	return Decision{Allowed: true, Via: ViaSession}
}

// Authorize is Evaluate returning InvalidAuth on denial.
func Authorize(req Request) error {
	d := Evaluate(req)
	if !d.Allowed {
		return apperrors.InvalidAuth(d.Reason)
	}
	return nil
}
