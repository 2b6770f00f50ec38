package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// PostgresOAuthStateRepository implements OAuthStateRepository using PostgreSQL.
type PostgresOAuthStateRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresOAuthStateRepository creates a new PostgreSQL OAuth state repository.
func NewPostgresOAuthStateRepository(pool *pgxpool.Pool) *PostgresOAuthStateRepository {
	return &PostgresOAuthStateRepository{pool: pool}
}

// Save persists a new state token.
func (r *PostgresOAuthStateRepository) Save(ctx context.Context, state *domain.OAuthState) error {
	query := `
		INSERT INTO oauth_states (state, user_id, provider, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query,
		state.State(),
		state.UserID(),
		state.Provider().String(),
		state.CreatedAt(),
		state.ExpiresAt(),
	)
	return err
}

// Consume deletes the row for the given token and returns it. The single
// DELETE ... RETURNING makes consumption atomic: concurrent callers race on
// the delete and at most one receives the row.
func (r *PostgresOAuthStateRepository) Consume(ctx context.Context, state string) (*domain.OAuthState, error) {
	query := `
		DELETE FROM oauth_states
		WHERE state = $1
		RETURNING state, user_id, provider, created_at, expires_at
	`
	row := r.pool.QueryRow(ctx, query, state)

	var (
		token     string
		userID    uuid.UUID
		provider  string
		createdAt time.Time
		expiresAt time.Time
	)
	if err := row.Scan(&token, &userID, &provider, &createdAt, &expiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return domain.RehydrateOAuthState(token, userID, domain.ProviderType(provider), createdAt, expiresAt), nil
}

// DeleteExpired removes expired, unconsumed tokens.
func (r *PostgresOAuthStateRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
