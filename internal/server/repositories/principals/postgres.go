package principals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dezztech/incentives/internal/apperr"
	"github.com/dezztech/incentives/internal/dbx"
	"github.com/dezztech/incentives/internal/server/models"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
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

func (r *PostgresRepository) Create(ctx context.Context, p *models.Principal) (*models.Principal, error) {
	query := `
		INSERT INTO principals (id, email, password_hash, name, is_active, token_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	p.ID = uuid.NewString()
	err := r.db.QueryRowContext(ctx, query,
		p.ID, p.Email, p.PasswordHash, p.Name, p.IsActive, p.TokenVersion).Scan(&p.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, apperr.Conflict("Email already registered", map[string]any{"email": p.Email})
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return p, nil
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.Principal, error) {
	query := `
		SELECT id, email, password_hash, name, is_active, token_version, created_at
		FROM principals
		WHERE email = $1
	`

	p := &models.Principal{}
	err := r.db.QueryRowContext(ctx, query, email).Scan(
		&p.ID, &p.Email, &p.PasswordHash, &p.Name, &p.IsActive, &p.TokenVersion, &p.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("principal not found")
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return p, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Principal, error) {
	query := `
		SELECT id, email, password_hash, name, is_active, token_version, created_at
		FROM principals
		WHERE id = $1
	`

	p := &models.Principal{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Email, &p.PasswordHash, &p.Name, &p.IsActive, &p.TokenVersion, &p.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("principal not found")
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return p, nil
}

func (r *PostgresRepository) IncrementTokenVersion(ctx context.Context, id string) (int64, error) {
	query := `
		UPDATE principals SET token_version = token_version + 1
		WHERE id = $1
		RETURNING token_version
	`

	var version int64
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.NotFound("principal not found")
		}
		return 0, fmt.Errorf("db error: %w", err)
	}

	return version, nil
}
