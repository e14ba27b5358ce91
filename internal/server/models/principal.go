package models

import "time"

// Principal is the authenticated identity record. TokenVersion is the
// revocation hook: tokens issued with an older version are rejected.
type Principal struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	IsActive     bool
	TokenVersion int64
	CreatedAt    time.Time
}
