package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// SQLiteOAuthStateRepository implements OAuthStateRepository using SQLite.
type SQLiteOAuthStateRepository struct {
	db *sql.DB
}

// NewSQLiteOAuthStateRepository creates a new SQLite OAuth state repository.
func NewSQLiteOAuthStateRepository(db *sql.DB) *SQLiteOAuthStateRepository {
	return &SQLiteOAuthStateRepository{db: db}
}

// Save persists a new state token.
func (r *SQLiteOAuthStateRepository) Save(ctx context.Context, state *domain.OAuthState) error {
	query := `
		INSERT INTO oauth_states (state, user_id, provider, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		state.State(),
		state.UserID().String(),
		state.Provider().String(),
		state.CreatedAt().Format(time.RFC3339Nano),
		state.ExpiresAt().Format(time.RFC3339Nano),
	)
	return err
}

// Consume deletes the row for the given token and returns it. The read and
// delete run in one transaction so concurrent callers consume at most once.
func (r *SQLiteOAuthStateRepository) Consume(ctx context.Context, state string) (*domain.OAuthState, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		token        string
		userIDStr    string
		provider     string
		createdAtStr string
		expiresAtStr string
	)
	row := tx.QueryRowContext(ctx,
		`SELECT state, user_id, provider, created_at, expires_at FROM oauth_states WHERE state = ?`,
		state,
	)
	if err := row.Scan(&token, &userIDStr, &provider, &createdAtStr, &expiresAtStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM oauth_states WHERE state = ?`, state)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// A concurrent consumer won the row between the read and the delete.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, err
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, expiresAtStr)
	if err != nil {
		return nil, err
	}

	return domain.RehydrateOAuthState(token, userID, domain.ProviderType(provider), createdAt, expiresAt), nil
}

// DeleteExpired removes expired, unconsumed tokens.
func (r *SQLiteOAuthStateRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at < ?`,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
