// Package session verifies session credentials: time and scope limited
// delegations from an account authority to a secondary signer. The core
// only reads credentials; issuing them belongs to an external program.
package session

import (
	"time"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
)

// Credential grants Signer the right to act for Owner on one program until
// ValidUntil. An empty Instructions list covers every instruction of the
// program.
type Credential struct {
	ID           string          `json:"id"`
	Owner        chain.PublicKey `json:"owner"`
	Signer       chain.PublicKey `json:"signer"`
	Program      string          `json:"program"`
	Instructions []string        `json:"instructions,omitempty"`
	IssuedAt     time.Time       `json:"issued_at"`
	ValidUntil   time.Time       `json:"valid_until"`
}

// Active reports whether now falls inside [IssuedAt, ValidUntil).
func (c *Credential) Active(now time.Time) bool {
	if now.Before(c.IssuedAt) {
		return false
	}
	return now.Before(c.ValidUntil)
}

// Covers reports whether the credential scope includes instruction on
// program.
func (c *Credential) Covers(program, instruction string) bool {
	if c.Program != program {
		return false
	}
	if len(c.Instructions) == 0 {
		return true
	}
	for _, name := range c.Instructions {
		if name == instruction {
			return true
		}
	}
	return false
}
