package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatcore-backend/internal/domain"
	apperrors "chatcore-backend/pkg/errors"
)

// UserRepository is the read-only view of the users table
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetUser retrieves a user by ID
func (r *UserRepository) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `
		SELECT user_id, username, display_name, avatar_url
		FROM users
		WHERE user_id = $1
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[domain.User])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.UserNotFoundError()
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// GetUsersByIDs retrieves the users that exist among userIDs. Missing ids are
// skipped.
func (r *UserRepository) GetUsersByIDs(ctx context.Context, userIDs []uuid.UUID) ([]*domain.User, error) {
	if len(userIDs) == 0 {
		return []*domain.User{}, nil
	}

	query := `
		SELECT user_id, username, display_name, avatar_url
		FROM users
		WHERE user_id = ANY($1)
	`

	rows, err := r.pool.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[domain.User])
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}

	return users, nil
}
