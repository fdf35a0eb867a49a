// Package auth resolves the calling user from an HS256 session token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ineyio/creditgate"
)

const (
	// DefaultCookieName is the cookie read when no bearer token is sent.
	DefaultCookieName = "session-token"
	// DefaultUserHeader carries the user ID when trusting headers.
	DefaultUserHeader = "X-User-Id"

	defaultLeeway = 30 * time.Second
)

// Identifier resolves the user making a request. Failures wrap
// creditgate.ErrUnauthorized.
type Identifier interface {
	Identify(r *http.Request) (string, error)
}

// Verifier validates and issues session tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	cookie string
	leeway time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

var _ Identifier = (*Verifier)(nil)

// Option configures a Verifier.
type Option func(*Verifier)

// WithIssuer requires and stamps the iss claim.
func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

// WithCookieName sets the session cookie name.
func WithCookieName(name string) Option {
	return func(v *Verifier) { v.cookie = name }
}

// WithLeeway sets the allowed clock skew.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// WithClock sets the time source used for validation and issuing.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier for HS256 tokens signed with secret.
func NewVerifier(secret []byte, opts ...Option) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: secret must be set")
	}
	v := &Verifier{
		secret: secret,
		cookie: DefaultCookieName,
		leeway: defaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	v.parser = jwt.NewParser(parserOpts...)
	return v, nil
}

// Verify validates token and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", creditgate.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token missing sub", creditgate.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Identify reads the token from the Authorization header, falling back to
// the session cookie.
func (v *Verifier) Identify(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := extractBearerToken(header)
		if !ok {
			return "", fmt.Errorf("%w: invalid authorization header", creditgate.ErrUnauthorized)
		}
		return v.Verify(token)
	}
	if c, err := r.Cookie(v.cookie); err == nil && c.Value != "" {
		return v.Verify(c.Value)
	}
	return "", fmt.Errorf("%w: missing session", creditgate.ErrUnauthorized)
}

// HeaderIdentity trusts a header set by an upstream proxy. Only for local
// development or behind an authenticating gateway.
type HeaderIdentity struct {
	Header string
}

var _ Identifier = HeaderIdentity{}

func (h HeaderIdentity) Identify(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = DefaultUserHeader
	}
	id := strings.TrimSpace(r.Header.Get(name))
	if id == "" {
		return "", fmt.Errorf("%w: missing %s header", creditgate.ErrUnauthorized, name)
	}
	return id, nil
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
