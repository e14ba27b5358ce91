package refreshsessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dezztech/incentives/internal/apperr"
	"github.com/dezztech/incentives/internal/dbx"
	"github.com/dezztech/incentives/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new session for principalID with an expiry of now+validity.
func (r *PostgresRepository) Create(ctx context.Context, principalID, jti string, validity time.Duration) error {
	query := `
		INSERT INTO refresh_sessions (id, principal_id, expires_at)
		VALUES ($1, $2, $3)
	`
	if _, err := r.db.ExecContext(ctx, query, jti, principalID, time.Now().Add(validity)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Find returns the session row for the given jti.
func (r *PostgresRepository) Find(ctx context.Context, jti string) (*models.RefreshSession, error) {
	query := `
		SELECT id, principal_id, expires_at, created_at
		FROM refresh_sessions
		WHERE id = $1
	`
	s := &models.RefreshSession{}
	err := r.db.QueryRowContext(ctx, query, jti).Scan(&s.ID, &s.PrincipalID, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("refresh session not found")
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

// Delete removes a session by jti and reports how many rows were removed.
func (r *PostgresRepository) Delete(ctx context.Context, jti string) (int64, error) {
	query := `
		DELETE FROM refresh_sessions
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, jti)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// DeleteByPrincipal removes every session belonging to a principal.
func (r *PostgresRepository) DeleteByPrincipal(ctx context.Context, principalID string) error {
	query := `
		DELETE FROM refresh_sessions
		WHERE principal_id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, principalID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
