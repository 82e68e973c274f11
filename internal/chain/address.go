package chain

import (
	"crypto/sha256"
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// AddressSize is the byte length of an account address.
const AddressSize = util.Uint160Size

// Address identifies a state account on both layers.
type Address util.Uint160

// DeriveAddress returns the account address for seed under a domain tag.
// It is pure: the same inputs always give the same address, and different
// tags never collide for one seed.
func DeriveAddress(seed []byte, tag string) Address {
	buf := make([]byte, 0, len(tag)+1+len(seed))
	buf = append(buf, tag...)
	buf = append(buf, 0)
	buf = append(buf, seed...)
	return Address(hash.Hash160(buf))
}

// AccountAddress derives the address owned by authority for an entity tag.
func AccountAddress(authority PublicKey, tag string) Address {
	return DeriveAddress(authority[:], tag)
}

// ParseAddress decodes the base58check form produced by String.
func ParseAddress(s string) (Address, error) {
	u, err := address.StringToUint160(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return Address(u), nil
}

// AddressFromBytes builds an address from its raw big endian bytes.
func AddressFromBytes(b []byte) (Address, error) {
	u, err := util.Uint160DecodeBytesBE(b)
	if err != nil {
		return Address{}, err
	}
	return Address(u), nil
}

func (a Address) String() string { return address.Uint160ToString(util.Uint160(a)) }

// Bytes returns the raw big endian bytes.
func (a Address) Bytes() []byte { return util.Uint160(a).BytesBE() }

// IsZero reports whether a is unset.
func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// DiscriminatorSize is the length of instruction and account discriminators.
const DiscriminatorSize = 8

// Discriminator returns the first eight bytes of sha256(namespace:name),
// the tag prefixed to account data and instruction payloads.
func Discriminator(namespace, name string) [DiscriminatorSize]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d [DiscriminatorSize]byte
	copy(d[:], sum[:DiscriminatorSize])
	return d
}
