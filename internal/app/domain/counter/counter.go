// Package counter implements the Counter state entity.
package counter

import (
	"encoding/binary"
	"math"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

// Tag is the address derivation tag for counter accounts.
const Tag = string(account.KindCounter)

// Ceiling is the highest value Increment keeps; the next step wraps to 0.
const Ceiling uint64 = 1000

// Size is the encoded payload length.
const Size = chain.DiscriminatorSize + 8

var discriminator = chain.Discriminator("account", "Counter")

// Counter is a single unsigned value.
type Counter struct {
	Count uint64 `json:"count"`
}

// Increment adds one and wraps to zero once the result passes Ceiling.
func (c *Counter) Increment() error {
	if c.Count == math.MaxUint64 {
		return apperrors.New(apperrors.CodeCounterOverflow, "counter at maximum value")
	}
	c.Count++
	if c.Count > Ceiling {
		c.Count = 0
	}
	return nil
}

// Decrement subtracts one. It fails at zero and leaves the value unchanged.
func (c *Counter) Decrement() error {
	if c.Count == 0 {
		return apperrors.New(apperrors.CodeCounterUnderflow, "counter is already zero")
	}
	c.Count--
	return nil
}

// Set replaces the value unconditionally, including values above Ceiling.
func (c *Counter) Set(v uint64) { c.Count = v }

func (c *Counter) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	copy(buf, discriminator[:])
	binary.LittleEndian.PutUint64(buf[chain.DiscriminatorSize:], c.Count)
	return buf, nil
}

func (c *Counter) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return apperrors.New(apperrors.CodeKindMismatch, "counter payload is %d bytes, want %d", len(data), Size)
	}
	if [chain.DiscriminatorSize]byte(data[:chain.DiscriminatorSize]) != discriminator {
		return apperrors.New(apperrors.CodeKindMismatch, "payload is not a counter")
	}
	c.Count = binary.LittleEndian.Uint64(data[chain.DiscriminatorSize:])
	return nil
}
