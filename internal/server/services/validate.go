package services

import (
	"net/mail"
	"strings"
	"unicode"

	"github.com/dezztech/incentives/internal/apperr"
)

const (
	passwordMinLength = 8
	passwordMaxLength = 64
	nameMaxLength     = 255

	passwordPolicyMessage = "Password must be 8–64 characters and include uppercase, lowercase, digit, and special character."
)

// normalizeEmail lowercases and trims an email address and rejects anything
// that does not parse as a bare address. Uniqueness is defined over the
// normalized form.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.ValidationFailed("Invalid email address", map[string]any{"field": "email"})
	}
	return email, nil
}

// validatePassword enforces the credential complexity policy: 8 to 64
// characters with at least one uppercase letter, one lowercase letter, one
// digit, and one character that is none of those.
func validatePassword(password string) error {
	fail := func() error {
		return apperr.ValidationFailed(passwordPolicyMessage, map[string]any{"field": "password"})
	}

	runes := []rune(password)
	if len(runes) < passwordMinLength || len(runes) > passwordMaxLength {
		return fail()
	}
	// bcrypt refuses inputs over 72 bytes, which 64 multibyte runes can exceed
	if len(password) > 72 {
		return fail()
	}

	var upper, lower, digit, special bool
	for _, r := range runes {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return fail()
	}
	return nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > nameMaxLength {
		return "", apperr.ValidationFailed("Name must be between 1 and 255 characters", map[string]any{"field": "name"})
	}
	return name, nil
}
