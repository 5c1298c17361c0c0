// Package jwtauth implements bearer token authentication over locally
// verifiable JWTs. It suits deployments where the signing key material is
// distributed out of band (shared HMAC secret or a pinned RSA public key)
// rather than discovered from an authorization server.
package jwtauth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streamplex/streamplex/auth"
)

// Config controls token validation.
type Config struct {
	// Issuer, when set, must match the token's "iss" claim.
	Issuer string
	// Audience, when set, must be present in the token's "aud" claim.
	Audience string
	// Leeway is the clock skew tolerance for time-based claims.
	Leeway time.Duration
}

// Authenticator validates JWT bearer tokens against a fixed key.
type Authenticator struct {
	cfg    Config
	keyFn  jwt.Keyfunc
	method []string
}

// NewHMAC builds an authenticator for HS256-signed tokens over a shared
// secret.
func NewHMAC(secret []byte, cfg Config) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwtauth: empty HMAC secret")
	}
	return &Authenticator{
		cfg:    cfg,
		keyFn:  func(*jwt.Token) (any, error) { return secret, nil },
		method: []string{"HS256"},
	}, nil
}

// NewRSA builds an authenticator for RS256-signed tokens over a pinned public
// key.
func NewRSA(pub *rsa.PublicKey, cfg Config) (*Authenticator, error) {
	if pub == nil {
		return nil, fmt.Errorf("jwtauth: nil RSA public key")
	}
	return &Authenticator{
		cfg:    cfg,
		keyFn:  func(*jwt.Token) (any, error) { return pub, nil },
		method: []string{"RS256"},
	}, nil
}

// CheckAuthentication validates the token's signature, time bounds, issuer,
// and audience, and returns the principal identified by the "sub" claim.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.method),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, a.keyFn, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", auth.ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

type userInfo struct {
	sub    string
	claims jwt.MapClaims
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*Authenticator)(nil)
