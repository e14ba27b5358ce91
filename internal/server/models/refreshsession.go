package models

import "time"

// RefreshSession is the server-side record of an outstanding refresh token,
// keyed by the token's jti. Refresh tokens are single-use: the session is
// deleted when the token is rotated, so a replayed token finds no session.
type RefreshSession struct {
	ID          string // jti of the refresh token
	PrincipalID string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}
