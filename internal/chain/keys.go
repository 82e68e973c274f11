// Package chain holds the ledger primitives shared by both layers: public
// keys and signatures (secp256r1 via neo-go), deterministic account
// addresses, 8-byte type discriminators and clocks.
package chain

import (
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"golang.org/x/crypto/hkdf"
)

// PublicKeySize is the length of a compressed secp256r1 public key.
const PublicKeySize = 33

// PublicKey is a compressed secp256r1 public key. The zero value is not a
// valid key.
type PublicKey [PublicKeySize]byte

// NewPublicKey validates b as a compressed point on the curve.
func NewPublicKey(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	if _, err := keys.NewPublicKeyFromBytes(b, elliptic.P256()); err != nil {
		return pk, fmt.Errorf("invalid public key: %w", err)
	}
	copy(pk[:], b)
	return pk, nil
}

// ParsePublicKey decodes a hex encoded compressed key.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key: %w", err)
	}
	return NewPublicKey(raw)
}

// MustParsePublicKey is ParsePublicKey for fixtures.
func MustParsePublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (p PublicKey) String() string { return hex.EncodeToString(p[:]) }

// Bytes returns a copy of the compressed encoding.
func (p PublicKey) Bytes() []byte { return append([]byte(nil), p[:]...) }

// IsZero reports whether p is unset.
func (p PublicKey) IsZero() bool { return p == PublicKey{} }

// Verify checks an ECDSA signature over sha256(message).
func (p PublicKey) Verify(signature, message []byte) bool {
	if p.IsZero() {
		return false
	}
	pub, err := keys.NewPublicKeyFromBytes(p[:], elliptic.P256())
	if err != nil {
		return false
	}
	digest := hash.Sha256(message)
	return pub.Verify(signature, digest.BytesBE())
}

// Neo returns the neo-go representation of p.
func (p PublicKey) Neo() (*keys.PublicKey, error) {
	return keys.NewPublicKeyFromBytes(p[:], elliptic.P256())
}

// MarshalText encodes the zero key as an empty string.
func (p PublicKey) MarshalText() ([]byte, error) {
	if p.IsZero() {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

func (p *PublicKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = PublicKey{}
		return nil
	}
	pk, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// Keypair is a secp256r1 private key able to sign instructions and, for
// issuers, session credentials.
type Keypair struct {
	priv *keys.PrivateKey
}

// GenerateKeypair creates a random keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := keys.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

// KeypairFromSeed derives a deterministic keypair from seed material with
// HKDF-SHA256. The label separates independent keys derived from one seed.
func KeypairFromSeed(seed []byte, label string) (*Keypair, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("seed is empty")
	}
	reader := hkdf.New(sha256.New, seed, nil, []byte("state-layer/"+label))
	for attempt := 0; attempt < 8; attempt++ {
		buf := make([]byte, 32)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("derive key: %w", err)
		}
		priv, err := keys.NewPrivateKeyFromBytes(buf)
		if err == nil {
			return &Keypair{priv: priv}, nil
		}
	}
	return nil, fmt.Errorf("derive key: no valid scalar for label %q", label)
}

// KeypairFromHex loads a hex encoded 32-byte private key.
func KeypairFromHex(s string) (*Keypair, error) {
	priv, err := keys.NewPrivateKeyFromHex(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

// PublicKey returns the compressed public key.
func (k *Keypair) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], k.priv.PublicKey().Bytes())
	return pk
}

// Sign signs sha256(message).
func (k *Keypair) Sign(message []byte) []byte { return k.priv.Sign(message) }

// Hex returns the private scalar hex encoded.
func (k *Keypair) Hex() string { return hex.EncodeToString(k.priv.Bytes()) }

// Neo exposes the underlying neo-go key for interop with token signers.
func (k *Keypair) Neo() *keys.PrivateKey { return k.priv }
