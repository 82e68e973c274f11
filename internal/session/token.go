package session

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

// Claims is the JWT body of a session token.
type Claims struct {
	Owner        string   `json:"own"`
	Signer       string   `json:"sgn"`
	Program      string   `json:"prg"`
	Instructions []string `json:"ixs,omitempty"`
	jwt.RegisteredClaims
}

// Verifier parses session tokens signed by trusted issuers. It does not
// check validity windows; that is the authorization engine's job, against
// its own clock.
type Verifier struct {
	mu      sync.RWMutex
	issuers map[chain.PublicKey]struct{}
	parser  *jwt.Parser
}

// NewVerifier trusts tokens signed by any of issuers.
func NewVerifier(issuers ...chain.PublicKey) *Verifier {
	v := &Verifier{
		issuers: make(map[chain.PublicKey]struct{}, len(issuers)),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, k := range issuers {
		v.issuers[k] = struct{}{}
	}
	return v
}

// Trust adds an issuer key.
func (v *Verifier) Trust(issuer chain.PublicKey) {
	v.mu.Lock()
	v.issuers[issuer] = struct{}{}
	v.mu.Unlock()
}

func (v *Verifier) trusted(k chain.PublicKey) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.issuers[k]
	return ok
}

// Parse verifies token and returns the credential it carries. Every
// failure is InvalidAuth.
func (v *Verifier) Parse(token string) (*Credential, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		issuer, err := chain.ParsePublicKey(kid)
		if err != nil {
			return nil, fmt.Errorf("issuer key: %w", err)
		}
		if !v.trusted(issuer) {
			return nil, fmt.Errorf("issuer %s is not trusted", issuer)
		}
		pub, err := issuer.Neo()
		if err != nil {
			return nil, err
		}
		return (*ecdsa.PublicKey)(pub), nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidAuth, err, "invalid session token")
	}
	return claims.credential()
}

func (c *Claims) credential() (*Credential, error) {
	owner, err := chain.ParsePublicKey(c.Owner)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidAuth, err, "session token owner")
	}
	signer, err := chain.ParsePublicKey(c.Signer)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidAuth, err, "session token signer")
	}
	if c.IssuedAt == nil || c.ExpiresAt == nil {
		return nil, apperrors.InvalidAuth("session token has no validity window")
	}
	return &Credential{
		ID:           c.ID,
		Owner:        owner,
		Signer:       signer,
		Program:      c.Program,
		Instructions: c.Instructions,
		IssuedAt:     c.IssuedAt.Time,
		ValidUntil:   c.ExpiresAt.Time,
	}, nil
}

// Issuer mints session tokens. Production credentials come from an external
// session program; this issuer backs local development and tests.
type Issuer struct {
	key *chain.Keypair
}

func NewIssuer(key *chain.Keypair) *Issuer { return &Issuer{key: key} }

// PublicKey is the key verifiers must trust.
func (i *Issuer) PublicKey() chain.PublicKey { return i.key.PublicKey() }

// Issue signs cred. A missing ID is filled in. Times are carried at
// second precision.
func (i *Issuer) Issue(cred Credential) (string, error) {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if !cred.ValidUntil.After(cred.IssuedAt) {
		return "", apperrors.New(apperrors.CodeInvalidInstruction, "session must end after it starts")
	}
	claims := Claims{
		Owner:        cred.Owner.String(),
		Signer:       cred.Signer.String(),
		Program:      cred.Program,
		Instructions: cred.Instructions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.ID,
			Issuer:    i.key.PublicKey().String(),
			IssuedAt:  jwt.NewNumericDate(cred.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cred.ValidUntil),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = i.key.PublicKey().String()
	return token.SignedString(&i.key.Neo().PrivateKey)
}

// IssueFor is a convenience wrapper for a session starting at now.
func (i *Issuer) IssueFor(owner, signer chain.PublicKey, program string, instructions []string, now time.Time, ttl time.Duration) (string, error) {
	return i.Issue(Credential{
		Owner:        owner,
		Signer:       signer,
		Program:      program,
		Instructions: instructions,
		IssuedAt:     now,
		ValidUntil:   now.Add(ttl),
	})
}
