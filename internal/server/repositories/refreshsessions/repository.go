// Package refreshsessions declares the server-side repository contract for
// outstanding refresh-token sessions, keyed by the token's jti.
package refreshsessions

import (
	"context"
	"time"

	"github.com/dezztech/incentives/internal/server/models"
)

// Repository defines operations for issuing, retrieving, and revoking
// refresh sessions.
type Repository interface {
	// Create stores a new session for principalID under jti with an expiry
	// of now+validity.
	Create(ctx context.Context, principalID, jti string, validity time.Duration) error

	// Find looks up a session by jti. Implementations return a NotFound
	// taxonomy error when the session is absent.
	Find(ctx context.Context, jti string) (*models.RefreshSession, error)

	// Delete removes a session by jti and returns the number of rows
	// removed. Deleting a non-existent session is not an error; callers that
	// need the single-use guarantee check for zero rows.
	Delete(ctx context.Context, jti string) (int64, error)

	// DeleteByPrincipal removes every session belonging to a principal.
	DeleteByPrincipal(ctx context.Context, principalID string) error
}
