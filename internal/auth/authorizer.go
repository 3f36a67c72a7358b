package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrMissingToken     = fmt.Errorf("%w: missing token", ErrUnauthorized)
	ErrMalformedToken   = fmt.Errorf("%w: malformed token", ErrUnauthorized)
	ErrTokenExpired     = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrInvalidSignature = fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	ErrUserMismatch     = fmt.Errorf("%w: token subject does not match user", ErrUnauthorized)
)

// Identity is the verified caller behind a token.
type Identity struct {
	UserID    string
	Issuer    string
	Roles     []string
	ExpiresAt time.Time
}

func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

type Authorizer interface {
	// Authorize verifies token and, when claimedUserID is not empty, that the
	// token subject equals it.
	Authorize(ctx context.Context, token, claimedUserID string) (*Identity, error)
}

// KeyProvider resolves the verification key for a parsed token.
type KeyProvider interface {
	Key(ctx context.Context, token *jwt.Token) (interface{}, error)
	Methods() []string
}

type Option func(*JWTAuthorizer)

func WithIssuer(issuer string) Option {
	return func(a *JWTAuthorizer) { a.issuer = issuer }
}

func WithAudience(audience string) Option {
	return func(a *JWTAuthorizer) { a.audience = audience }
}

func WithClock(now func() time.Time) Option {
	return func(a *JWTAuthorizer) { a.now = now }
}

type JWTAuthorizer struct {
	keys     KeyProvider
	issuer   string
	audience string
	now      func() time.Time
}

func NewJWTAuthorizer(keys KeyProvider, opts ...Option) *JWTAuthorizer {
	a := &JWTAuthorizer{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *JWTAuthorizer) Authorize(ctx context.Context, token, claimedUserID string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	// Expiry is decided before any key lookup so an expired token is refused
	// whatever its signature.
	var unverified jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &unverified); err != nil {
		return nil, ErrMalformedToken
	}
	if unverified.ExpiresAt == nil {
		return nil, ErrMalformedToken
	}
	if !a.now().Before(unverified.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(a.keys.Methods()),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}

	var claims tokenClaims
	_, err := jwt.NewParser(parserOpts...).ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.keys.Key(ctx, t)
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformedToken
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}

	if claims.Subject == "" {
		return nil, ErrMalformedToken
	}
	if claimedUserID != "" && claimedUserID != claims.Subject {
		return nil, ErrUserMismatch
	}

	return &Identity{
		UserID:    claims.Subject,
		Issuer:    claims.Issuer,
		Roles:     claims.Roles,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// StaticKey verifies HMAC signed tokens with a shared secret.
type StaticKey struct {
	secret []byte
}

func NewStaticKey(secret string) *StaticKey {
	return &StaticKey{secret: []byte(secret)}
}

func (k *StaticKey) Key(_ context.Context, token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return k.secret, nil
}

func (k *StaticKey) Methods() []string {
	return []string{"HS256", "HS384", "HS512"}
}
