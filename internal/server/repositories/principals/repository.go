// Package principals declares the repository contract for principal records,
// the user-lookup collaborator of the auth service.
package principals

import (
	"context"

	"github.com/dezztech/incentives/internal/server/models"
)

// Repository defines lookup and lifecycle operations on principals.
type Repository interface {
	// Create inserts a new principal and returns it with its generated ID.
	// A duplicate email yields a Conflict taxonomy error.
	Create(ctx context.Context, p *models.Principal) (*models.Principal, error)

	// GetByEmail returns the principal with the given (normalized) email,
	// or a NotFound taxonomy error.
	GetByEmail(ctx context.Context, email string) (*models.Principal, error)

	// GetByID returns the principal by ID, or a NotFound taxonomy error.
	GetByID(ctx context.Context, id string) (*models.Principal, error)

	// IncrementTokenVersion bumps the principal's token version and returns
	// the new value. Tokens carrying an older version become invalid.
	IncrementTokenVersion(ctx context.Context, id string) (int64, error)
}
