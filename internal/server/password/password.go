// Package password implements one-way credential hashing and verification
// on top of bcrypt. Each hash embeds a fresh random salt, so hashing the
// same plaintext twice yields different stored credentials, and comparison
// runs in constant time.
package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrMalformedHash reports a stored credential that bcrypt cannot parse.
// It is distinct from a plain mismatch so callers can treat corrupted
// storage as an internal fault instead of a wrong password.
var ErrMalformedHash = errors.New("malformed credential hash")

// Hasher hashes and verifies plaintext passwords with a fixed work factor.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher with the given bcrypt cost. Costs outside the
// supported range fall back to bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash returns the bcrypt hash of plain with a freshly generated salt.
func (h *Hasher) Hash(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("error hashing password: %w", err)
	}
	return string(b), nil
}

// Verify reports whether plain matches the stored hash. A mismatch returns
// (false, nil); a hash bcrypt cannot parse returns (false, ErrMalformedHash).
func (h *Hasher) Verify(plain, hashed string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, ErrMalformedHash
}
