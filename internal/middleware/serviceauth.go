package middleware

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/httputil"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

const (
	// ServiceTokenHeader carries the service-to-service token.
	ServiceTokenHeader = "X-Service-Token"

	// ServiceIDHeader names the calling service.
	ServiceIDHeader = "X-Service-ID"

	// DefaultServiceTokenExpiry is the lifetime of generated tokens.
	DefaultServiceTokenExpiry = 5 * time.Minute

	maxCachedTokens = 1000
)

type serviceContextKey string

const serviceIDKey serviceContextKey = "service_id"

// ServiceClaims is the JWT body of a service token. The audience is the
// validator id the token was minted for.
type ServiceClaims struct {
	ServiceID string `json:"service_id"`
	jwt.RegisteredClaims
}

type cachedToken struct {
	claims    *ServiceClaims
	expiresAt time.Time
}

// ServiceAuthConfig configures ServiceAuthMiddleware.
type ServiceAuthConfig struct {
	// Trusted lists the keys whose tokens are accepted. With none, every
	// request is rejected.
	Trusted []chain.PublicKey
	// AllowedServices restricts service ids. Empty allows any trusted key.
	AllowedServices []string
	// Audience is required in every token when set.
	Audience  string
	SkipPaths []string
	Logger    *logger.Logger
	Now       func() time.Time
}

// ServiceAuthMiddleware authenticates service-to-service calls with ES256
// tokens signed by a trusted node key. The key id header carries the
// signer's compressed public key.
type ServiceAuthMiddleware struct {
	trusted  map[chain.PublicKey]struct{}
	allowed  map[string]bool
	audience string
	skip     map[string]bool
	log      *logger.Logger
	now      func() time.Time
	parser   *jwt.Parser

	mu        sync.RWMutex
	validated map[string]cachedToken
}

func NewServiceAuthMiddleware(cfg ServiceAuthConfig) *ServiceAuthMiddleware {
	m := &ServiceAuthMiddleware{
		trusted:   make(map[chain.PublicKey]struct{}, len(cfg.Trusted)),
		allowed:   make(map[string]bool, len(cfg.AllowedServices)),
		audience:  cfg.Audience,
		skip:      make(map[string]bool, len(cfg.SkipPaths)),
		log:       cfg.Logger,
		now:       cfg.Now,
		validated: make(map[string]cachedToken),
	}
	if m.log == nil {
		m.log = logger.Discard()
	}
	if m.now == nil {
		m.now = time.Now
	}
	for _, k := range cfg.Trusted {
		m.trusted[k] = struct{}{}
	}
	for _, svc := range cfg.AllowedServices {
		m.allowed[svc] = true
	}
	for _, p := range cfg.SkipPaths {
		m.skip[p] = true
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	m.parser = jwt.NewParser(opts...)
	return m
}

// Handler rejects requests without a valid token with 401, and tokens of
// services outside the allow list with 403.
func (m *ServiceAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		raw := r.Header.Get(ServiceTokenHeader)
		if raw == "" {
			m.respondError(w, r, apperrors.Unauthenticated("missing service token"))
			return
		}
		claims, err := m.validateServiceToken(raw)
		if err != nil {
			m.respondError(w, r, err)
			return
		}
		if id := r.Header.Get(ServiceIDHeader); id != "" && id != claims.ServiceID {
			m.respondError(w, r, apperrors.Unauthenticated("service id header does not match token"))
			return
		}
		if !m.isServiceAllowed(claims.ServiceID) {
			m.respondError(w, r, apperrors.InvalidAuth(fmt.Sprintf("service %s is not allowed", claims.ServiceID)))
			return
		}

		m.log.WithField("service_id", claims.ServiceID).WithField("path", r.URL.Path).Debug("service authenticated")
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), serviceIDKey, claims.ServiceID)))
	})
}

func (m *ServiceAuthMiddleware) validateServiceToken(raw string) (*ServiceClaims, error) {
	if cached := m.getCachedToken(raw); cached != nil {
		return cached, nil
	}

	claims := &ServiceClaims{}
	_, err := m.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		signer, err := chain.ParsePublicKey(kid)
		if err != nil {
			return nil, fmt.Errorf("signer key: %w", err)
		}
		if _, ok := m.trusted[signer]; !ok {
			return nil, fmt.Errorf("signer %s is not trusted", signer)
		}
		pub, err := signer.Neo()
		if err != nil {
			return nil, err
		}
		return (*ecdsa.PublicKey)(pub), nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnauthenticated, err, "invalid service token")
	}
	if claims.ServiceID == "" {
		return nil, apperrors.Unauthenticated("service token has no service_id")
	}

	m.cacheToken(raw, claims)
	return claims, nil
}

func (m *ServiceAuthMiddleware) getCachedToken(raw string) *ServiceClaims {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cached, ok := m.validated[raw]
	if !ok || !m.now().Before(cached.expiresAt) {
		return nil
	}
	return cached.claims
}

// cacheToken keeps a validated token for at most a minute, never past its
// expiry.
func (m *ServiceAuthMiddleware) cacheToken(raw string, claims *ServiceClaims) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expiry := now.Add(time.Minute)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expiry) {
		expiry = claims.ExpiresAt.Time
	}
	m.validated[raw] = cachedToken{claims: claims, expiresAt: expiry}

	if len(m.validated) > maxCachedTokens {
		for key, c := range m.validated {
			if !now.Before(c.expiresAt) {
				delete(m.validated, key)
			}
		}
	}
}

func (m *ServiceAuthMiddleware) isServiceAllowed(serviceID string) bool {
	if len(m.allowed) == 0 {
		return true
	}
	return m.allowed[serviceID]
}

func (m *ServiceAuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := httputil.WriteError(w, err)
	m.log.WithError(err).
		WithField("path", r.URL.Path).
		WithField("method", r.Method).
		WithField("status", status).
		Warn("service authentication failed")
}

// ServiceTokenGenerator mints service tokens signed by a node key.
type ServiceTokenGenerator struct {
	key       *chain.Keypair
	serviceID string
	expiry    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	issued map[string]cachedIssue
}

type cachedIssue struct {
	token     string
	refreshAt time.Time
}

func NewServiceTokenGenerator(key *chain.Keypair, serviceID string, expiry time.Duration) *ServiceTokenGenerator {
	if expiry <= 0 {
		expiry = DefaultServiceTokenExpiry
	}
	return &ServiceTokenGenerator{
		key:       key,
		serviceID: serviceID,
		expiry:    expiry,
		now:       time.Now,
		issued:    make(map[string]cachedIssue),
	}
}

func (g *ServiceTokenGenerator) ServiceID() string { return g.serviceID }

// PublicKey is the key validators must trust.
func (g *ServiceTokenGenerator) PublicKey() chain.PublicKey { return g.key.PublicKey() }

// GenerateToken signs a fresh token for audience.
func (g *ServiceTokenGenerator) GenerateToken(audience string) (string, error) {
	now := g.now()
	claims := &ServiceClaims{
		ServiceID: g.serviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.key.PublicKey().String(),
			Subject:   g.serviceID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = g.key.PublicKey().String()
	return token.SignedString(&g.key.Neo().PrivateKey)
}

// Token returns a token for audience, reusing the last one until half its
// lifetime has passed.
func (g *ServiceTokenGenerator) Token(audience string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if c, ok := g.issued[audience]; ok && now.Before(c.refreshAt) {
		return c.token, nil
	}
	tok, err := g.GenerateToken(audience)
	if err != nil {
		return "", err
	}
	g.issued[audience] = cachedIssue{token: tok, refreshAt: now.Add(g.expiry / 2)}
	return tok, nil
}

// GetServiceID returns the authenticated service id, if any.
func GetServiceID(ctx context.Context) string {
	id, _ := ctx.Value(serviceIDKey).(string)
	return id
}

// DenyAll rejects every request as unauthenticated. It guards service
// routes on nodes that trust no caller.
func DenyAll(reason string) func(http.Handler) http.Handler {
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			httputil.WriteError(w, apperrors.Unauthenticated(reason))
		})
	}
}
