package authx

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

// SecretSubject is the subject recorded for callers that authenticated with
// the shared worker secret.
const SecretSubject = "worker-secret"

// AuthContext is the verified caller of a privileged request.
type AuthContext struct {
	Subject string
	Roles   []string
	Claims  map[string]any
}

func (a AuthContext) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// SecretEqual compares a presented secret against the configured one in
// constant time. An empty configured secret never matches.
func SecretEqual(expected string, presented string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(contextKey{}).(AuthContext)
	return auth, ok
}

var signingMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// JWTVerifier checks operator bearer tokens against an OIDC issuer's JWKS.
// exp, nbf, iss, aud and sub are all required.
type JWTVerifier struct {
	jwks   *JWKSCache
	parser *jwt.Parser
}

func NewJWTVerifier(issuer string, audience string, jwksURL string, ttlSeconds int, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	ttl := 300 * time.Second
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	skew := time.Duration(max(clockSkewSeconds, 0)) * time.Second

	jwks, err := NewJWKSCache(jwksURL, ttl, &http.Client{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return &JWTVerifier{
		jwks: jwks,
		parser: jwt.NewParser(
			jwt.WithValidMethods(signingMethods),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(skew),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	keyFunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.jwks.GetKey(ctx, strings.TrimSpace(kid))
	}
	if _, err := v.parser.ParseWithClaims(rawToken, claims, keyFunc); err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if nbf, err := claims.GetNotBefore(); err != nil || nbf == nil {
		return AuthContext{}, fmt.Errorf("%w: nbf required", ErrInvalidToken)
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return AuthContext{}, fmt.Errorf("%w: sub required", ErrInvalidToken)
	}

	return AuthContext{
		Subject: strings.TrimSpace(subject),
		Roles:   parseRoles(claims),
		Claims:  claims,
	}, nil
}

// JWKSCache resolves signing keys by kid from a jwx auto-refreshing cache.
// An unknown kid forces one refetch, at most once per minRefetch.
type JWKSCache struct {
	url   string
	cache *jwk.Cache

	mu          sync.Mutex
	lastRefetch time.Time
	minRefetch  time.Duration
}

func NewJWKSCache(url string, ttl time.Duration, client *http.Client) (*JWKSCache, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	cache := jwk.NewCache(context.Background())
	if err := cache.Register(url, jwk.WithHTTPClient(client), jwk.WithRefreshInterval(ttl)); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	return &JWKSCache{url: url, cache: cache, minRefetch: 10 * time.Second}, nil
}

func (c *JWKSCache) GetKey(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	set, err := c.cache.Get(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	key, ok := set.LookupKeyID(kid)
	if !ok && c.allowRefetch() {
		if set, err = c.cache.Refresh(ctx, c.url); err != nil {
			return nil, fmt.Errorf("refresh jwks: %w", err)
		}
		key, ok = set.LookupKeyID(kid)
	}
	if !ok {
		return nil, ErrUnknownKID
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("jwk %s: %w", kid, err)
	}
	return raw, nil
}

func (c *JWKSCache) allowRefetch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastRefetch) < c.minRefetch {
		return false
	}
	c.lastRefetch = time.Now()
	return true
}

// parseRoles merges the roles, role and scp claims into a deduplicated list.
func parseRoles(claims map[string]any) []string {
	var roles []string
	add := func(role string) {
		if role = strings.TrimSpace(role); role != "" && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	for _, key := range []string{"roles", "role", "scp"} {
		switch v := claims[key].(type) {
		case nil:
		case string:
			for _, r := range strings.Fields(v) {
				add(r)
			}
		case []string:
			for _, r := range v {
				add(r)
			}
		case []any:
			for _, r := range v {
				add(fmt.Sprint(r))
			}
		default:
			add(fmt.Sprint(v))
		}
	}
	return roles
}
