// Package persistence provides PostgreSQL and SQLite repositories for the
// calendar context.
package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// PostgresConnectionRepository implements ConnectionRepository using PostgreSQL.
type PostgresConnectionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresConnectionRepository creates a new PostgreSQL connection repository.
func NewPostgresConnectionRepository(pool *pgxpool.Pool) *PostgresConnectionRepository {
	return &PostgresConnectionRepository{pool: pool}
}

const pgConnectionColumns = `
	id, user_id, provider, calendar_id, name, color, is_primary, is_connected,
	is_read_only, access_token, refresh_token, token_expires_at, sync_cursor,
	last_synced_at, sync_errors, last_error, deleted_at, created_at, updated_at, version
`

// Save persists a connection (create or update).
func (r *PostgresConnectionRepository) Save(ctx context.Context, conn *domain.Connection) error {
	query := `
		INSERT INTO calendar_connections (
			id, user_id, provider, calendar_id, name, color, is_primary, is_connected,
			is_read_only, access_token, refresh_token, token_expires_at, sync_cursor,
			last_synced_at, sync_errors, last_error, deleted_at, created_at, updated_at, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			color = EXCLUDED.color,
			is_primary = EXCLUDED.is_primary,
			is_connected = EXCLUDED.is_connected,
			is_read_only = EXCLUDED.is_read_only,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			sync_cursor = EXCLUDED.sync_cursor,
			last_synced_at = EXCLUDED.last_synced_at,
			sync_errors = EXCLUDED.sync_errors,
			last_error = EXCLUDED.last_error,
			deleted_at = EXCLUDED.deleted_at,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version
	`

	_, err := r.pool.Exec(ctx, query,
		conn.ID(),
		conn.UserID(),
		conn.Provider().String(),
		conn.CalendarID(),
		conn.Name(),
		conn.Color(),
		conn.IsPrimary(),
		conn.IsConnected(),
		conn.IsReadOnly(),
		conn.AccessToken(),
		conn.RefreshToken(),
		nullTime(conn.TokenExpiresAt()),
		nullString(conn.SyncCursor()),
		nullTime(conn.LastSyncedAt()),
		conn.SyncErrors(),
		nullString(conn.LastError()),
		conn.DeletedAt(),
		conn.CreatedAt(),
		conn.UpdatedAt(),
		conn.Version(),
	)
	return err
}

// FindByID finds a connection by ID. Returns nil if not found.
func (r *PostgresConnectionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Connection, error) {
	query := `SELECT ` + pgConnectionColumns + ` FROM calendar_connections WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return r.scanConnection(row)
}

// FindByUser finds all non-deleted connections for a user.
func (r *PostgresConnectionRepository) FindByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Connection, error) {
	query := `
		SELECT ` + pgConnectionColumns + `
		FROM calendar_connections
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY is_primary DESC, provider, name
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanConnections(rows)
}

// FindByUserAndProvider finds all non-deleted connections for a user and provider.
func (r *PostgresConnectionRepository) FindByUserAndProvider(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) ([]*domain.Connection, error) {
	query := `
		SELECT ` + pgConnectionColumns + `
		FROM calendar_connections
		WHERE user_id = $1 AND provider = $2 AND deleted_at IS NULL
		ORDER BY is_primary DESC, name
	`
	rows, err := r.pool.Query(ctx, query, userID, provider.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanConnections(rows)
}

// FindByUserProviderAndCalendar finds a specific calendar connection,
// including soft-deleted ones so reconnects can revive them.
func (r *PostgresConnectionRepository) FindByUserProviderAndCalendar(ctx context.Context, userID uuid.UUID, provider domain.ProviderType, calendarID string) (*domain.Connection, error) {
	query := `
		SELECT ` + pgConnectionColumns + `
		FROM calendar_connections
		WHERE user_id = $1 AND provider = $2 AND calendar_id = $3
	`
	row := r.pool.QueryRow(ctx, query, userID, provider.String(), calendarID)
	return r.scanConnection(row)
}

// FindPendingSync finds connected calendars whose last sync is older than the
// given time and that have not exceeded the failure threshold.
func (r *PostgresConnectionRepository) FindPendingSync(ctx context.Context, olderThan time.Time, maxErrors, limit int) ([]*domain.Connection, error) {
	query := `
		SELECT ` + pgConnectionColumns + `
		FROM calendar_connections
		WHERE is_connected = TRUE
		  AND deleted_at IS NULL
		  AND sync_errors < $1
		  AND (last_synced_at IS NULL OR last_synced_at <= $2)
		ORDER BY last_synced_at ASC NULLS FIRST
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, maxErrors, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanConnections(rows)
}

// DeleteDisconnectedBefore hard-deletes connections disconnected before the
// cutoff. Events cascade via the foreign key.
func (r *PostgresConnectionRepository) DeleteDisconnectedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM calendar_connections WHERE deleted_at IS NOT NULL AND deleted_at < $1`
	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (r *PostgresConnectionRepository) scanConnection(row pgx.Row) (*domain.Connection, error) {
	conn, err := scanPgConnection(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

func (r *PostgresConnectionRepository) scanConnections(rows pgx.Rows) ([]*domain.Connection, error) {
	var conns []*domain.Connection
	for rows.Next() {
		conn, err := scanPgConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func scanPgConnection(row pgx.Row) (*domain.Connection, error) {
	var (
		id             uuid.UUID
		userID         uuid.UUID
		provider       string
		calendarID     string
		name           string
		color          string
		isPrimary      bool
		isConnected    bool
		isReadOnly     bool
		accessToken    []byte
		refreshToken   []byte
		tokenExpiresAt sql.NullTime
		syncCursor     sql.NullString
		lastSyncedAt   sql.NullTime
		syncErrors     int
		lastError      sql.NullString
		deletedAt      *time.Time
		createdAt      time.Time
		updatedAt      time.Time
		version        int
	)

	err := row.Scan(
		&id, &userID, &provider, &calendarID, &name, &color,
		&isPrimary, &isConnected, &isReadOnly,
		&accessToken, &refreshToken, &tokenExpiresAt, &syncCursor,
		&lastSyncedAt, &syncErrors, &lastError, &deletedAt,
		&createdAt, &updatedAt, &version,
	)
	if err != nil {
		return nil, err
	}

	return domain.RehydrateConnection(
		id, userID,
		domain.ProviderType(provider),
		calendarID, name, color,
		isPrimary, isConnected, isReadOnly,
		accessToken, refreshToken,
		tokenExpiresAt.Time,
		syncCursor.String,
		lastSyncedAt.Time,
		syncErrors,
		lastError.String,
		deletedAt,
		createdAt, updatedAt,
		version,
	), nil
}

// nullString converts a string to sql.NullString.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime converts a time to sql.NullTime, treating zero as NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
