// Package token implements the signed session-token codec: issuing and
// verifying HS256 JWTs that carry a subject, a token kind (access or
// refresh), and the principal's token version used for bulk revocation.
package token

import (
	"errors"
	"time"

	"github.com/dezztech/incentives/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind distinguishes short-lived access tokens from long-lived refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the structured payload of a signed token.
//
// The jti (RegisteredClaims.ID) of a refresh token doubles as the server-side
// session handle; Version mirrors the principal's token version at issue time
// so bumping the version invalidates every previously issued token at once.
type Claims struct {
	jwt.RegisteredClaims
	Kind    Kind  `json:"kind"`
	Version int64 `json:"ver"`
}

// Codec signs and verifies session tokens with a process-wide symmetric
// secret. The secret and lifetimes are immutable after construction, so a
// Codec is safe for concurrent use.
type Codec struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	now        func() time.Time
}

// NewCodec constructs a Codec. leeway is the clock-skew tolerance applied
// during verification; zero means exact expiry checking.
func NewCodec(secret []byte, accessTTL, refreshTTL, leeway time.Duration) *Codec {
	return &Codec{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		leeway:     leeway,
		now:        time.Now,
	}
}

// Issue creates a signed token of the given kind for principalID, carrying
// the principal's current token version. The returned Claims include the
// generated jti and timestamps.
func (c *Codec) Issue(principalID string, kind Kind, version int64) (string, *Claims, error) {
	now := c.now()

	ttl := c.accessTTL
	if kind == KindRefresh {
		ttl = c.refreshTTL
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Kind:    kind,
		Version: version,
	}

	signed, err := c.SignClaims(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// SignClaims signs an explicit claims set. Signing the same claims twice
// produces the same token string; Issue uses this after filling timestamps
// and a fresh jti.
func (c *Codec) SignClaims(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify checks a token string and returns its claims. Checks run in order:
// signature, structure, expiry, kind. The first failure wins and no claims
// are returned. Expiry failures map to the TokenExpired taxonomy kind,
// everything else to TokenInvalid.
func (c *Codec) Verify(tokenString string, want Kind) (*Claims, error) {
	claims := &Claims{}

	tok, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.TokenExpired()
		}
		return nil, apperr.TokenInvalid()
	}
	if !tok.Valid {
		return nil, apperr.TokenInvalid()
	}

	if claims.Subject == "" || claims.Kind != want {
		return nil, apperr.TokenInvalid()
	}

	return claims, nil
}
