package program

import (
	"context"
	"time"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/authz"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/session"
)

// Call is one authorized invocation of a handler.
type Call struct {
	Address    chain.Address
	Signer     chain.PublicKey
	Credential *session.Credential
}

// Mutate decodes the account as P, authorizes the signer, applies fn and
// writes the re-encoded payload. All of it runs in one critical section, so
// a failing fn leaves the account untouched.
func Mutate[P any, PP account.Payload[P]](ctx context.Context, accts Accounts, kind account.Kind, program, instruction string, now time.Time, call Call, fn func(p PP) error) (P, error) {
	var result P
	_, err := accts.Mutate(ctx, call.Address, func(v *View) error {
		if v.Kind != kind {
			return apperrors.New(apperrors.CodeKindMismatch, "account %s is a %s, not a %s", v.Address, v.Kind, kind)
		}
		if err := authz.Authorize(authz.Request{
			Authority:   v.Authority,
			Signer:      call.Signer,
			Credential:  call.Credential,
			Program:     program,
			Instruction: instruction,
			Now:         now,
		}); err != nil {
			return err
		}
		var payload P
		if err := PP(&payload).UnmarshalBinary(v.Data); err != nil {
			return err
		}
		if err := fn(PP(&payload)); err != nil {
			return err
		}
		data, err := PP(&payload).MarshalBinary()
		if err != nil {
			return apperrors.Internal(err, "encode %s", kind)
		}
		if len(data) != len(v.Data) {
			return apperrors.New(apperrors.CodeInternal, "%s payload changed size from %d to %d", kind, len(v.Data), len(data))
		}
		v.Data = data
		result = payload
		return nil
	})
	return result, err
}

// Read decodes the account as P without authorization.
func Read[P any, PP account.Payload[P]](ctx context.Context, accts Accounts, kind account.Kind, addr chain.Address) (P, error) {
	var payload P
	v, err := accts.Load(ctx, addr)
	if err != nil {
		return payload, err
	}
	if v.Kind != kind {
		return payload, apperrors.New(apperrors.CodeKindMismatch, "account %s is a %s, not a %s", addr, v.Kind, kind)
	}
	err = PP(&payload).UnmarshalBinary(v.Data)
	return payload, err
}
