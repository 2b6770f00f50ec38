package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// SQLiteConnectionRepository implements ConnectionRepository using SQLite.
type SQLiteConnectionRepository struct {
	db *sql.DB
}

// NewSQLiteConnectionRepository creates a new SQLite connection repository.
func NewSQLiteConnectionRepository(db *sql.DB) *SQLiteConnectionRepository {
	return &SQLiteConnectionRepository{db: db}
}

const sqliteConnectionColumns = `
	id, user_id, provider, calendar_id, name, color, is_primary, is_connected,
	is_read_only, access_token, refresh_token, token_expires_at, sync_cursor,
	last_synced_at, sync_errors, last_error, deleted_at, created_at, updated_at, version
`

// Save persists a connection (create or update).
func (r *SQLiteConnectionRepository) Save(ctx context.Context, conn *domain.Connection) error {
	query := `
		INSERT INTO calendar_connections (
			id, user_id, provider, calendar_id, name, color, is_primary, is_connected,
			is_read_only, access_token, refresh_token, token_expires_at, sync_cursor,
			last_synced_at, sync_errors, last_error, deleted_at, created_at, updated_at, version
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			color = excluded.color,
			is_primary = excluded.is_primary,
			is_connected = excluded.is_connected,
			is_read_only = excluded.is_read_only,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			sync_cursor = excluded.sync_cursor,
			last_synced_at = excluded.last_synced_at,
			sync_errors = excluded.sync_errors,
			last_error = excluded.last_error,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at,
			version = excluded.version
	`

	_, err := r.db.ExecContext(ctx, query,
		conn.ID().String(),
		conn.UserID().String(),
		conn.Provider().String(),
		conn.CalendarID(),
		conn.Name(),
		conn.Color(),
		boolToInt(conn.IsPrimary()),
		boolToInt(conn.IsConnected()),
		boolToInt(conn.IsReadOnly()),
		conn.AccessToken(),
		conn.RefreshToken(),
		timeToText(conn.TokenExpiresAt()),
		textOrNil(conn.SyncCursor()),
		timeToText(conn.LastSyncedAt()),
		conn.SyncErrors(),
		textOrNil(conn.LastError()),
		timePtrToText(conn.DeletedAt()),
		conn.CreatedAt().Format(time.RFC3339Nano),
		conn.UpdatedAt().Format(time.RFC3339Nano),
		conn.Version(),
	)
	return err
}

// FindByID finds a connection by ID. Returns nil if not found.
func (r *SQLiteConnectionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Connection, error) {
	query := `SELECT ` + sqliteConnectionColumns + ` FROM calendar_connections WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id.String())
	return scanSQLiteConnection(row)
}

// FindByUser finds all non-deleted connections for a user.
func (r *SQLiteConnectionRepository) FindByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Connection, error) {
	query := `
		SELECT ` + sqliteConnectionColumns + `
		FROM calendar_connections
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY is_primary DESC, provider, name
	`
	rows, err := r.db.QueryContext(ctx, query, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteConnections(rows)
}

// FindByUserAndProvider finds all non-deleted connections for a user and provider.
func (r *SQLiteConnectionRepository) FindByUserAndProvider(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) ([]*domain.Connection, error) {
	query := `
		SELECT ` + sqliteConnectionColumns + `
		FROM calendar_connections
		WHERE user_id = ? AND provider = ? AND deleted_at IS NULL
		ORDER BY is_primary DESC, name
	`
	rows, err := r.db.QueryContext(ctx, query, userID.String(), provider.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteConnections(rows)
}

// FindByUserProviderAndCalendar finds a specific calendar connection,
// including soft-deleted ones so reconnects can revive them.
func (r *SQLiteConnectionRepository) FindByUserProviderAndCalendar(ctx context.Context, userID uuid.UUID, provider domain.ProviderType, calendarID string) (*domain.Connection, error) {
	query := `
		SELECT ` + sqliteConnectionColumns + `
		FROM calendar_connections
		WHERE user_id = ? AND provider = ? AND calendar_id = ?
	`
	row := r.db.QueryRowContext(ctx, query, userID.String(), provider.String(), calendarID)
	return scanSQLiteConnection(row)
}

// FindPendingSync finds connected calendars whose last sync is older than the
// given time and that have not exceeded the failure threshold.
func (r *SQLiteConnectionRepository) FindPendingSync(ctx context.Context, olderThan time.Time, maxErrors, limit int) ([]*domain.Connection, error) {
	query := `
		SELECT ` + sqliteConnectionColumns + `
		FROM calendar_connections
		WHERE is_connected = 1
		  AND deleted_at IS NULL
		  AND sync_errors < ?
		  AND (last_synced_at IS NULL OR last_synced_at <= ?)
		ORDER BY last_synced_at ASC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, maxErrors, olderThan.Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteConnections(rows)
}

// DeleteDisconnectedBefore hard-deletes connections disconnected before the
// cutoff. Events cascade via the foreign key.
func (r *SQLiteConnectionRepository) DeleteDisconnectedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM calendar_connections WHERE deleted_at IS NOT NULL AND deleted_at < ?`
	result, err := r.db.ExecContext(ctx, query, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteConnection(row *sql.Row) (*domain.Connection, error) {
	conn, err := scanSQLiteConnectionRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

func scanSQLiteConnections(rows *sql.Rows) ([]*domain.Connection, error) {
	var conns []*domain.Connection
	for rows.Next() {
		conn, err := scanSQLiteConnectionRow(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func scanSQLiteConnectionRow(row sqliteRow) (*domain.Connection, error) {
	var (
		idStr          string
		userIDStr      string
		provider       string
		calendarID     string
		name           string
		color          string
		isPrimary      int
		isConnected    int
		isReadOnly     int
		accessToken    []byte
		refreshToken   []byte
		tokenExpiresAt sql.NullString
		syncCursor     sql.NullString
		lastSyncedAt   sql.NullString
		syncErrors     int
		lastError      sql.NullString
		deletedAtStr   sql.NullString
		createdAtStr   string
		updatedAtStr   string
		version        int
	)

	err := row.Scan(
		&idStr, &userIDStr, &provider, &calendarID, &name, &color,
		&isPrimary, &isConnected, &isReadOnly,
		&accessToken, &refreshToken, &tokenExpiresAt, &syncCursor,
		&lastSyncedAt, &syncErrors, &lastError, &deletedAtStr,
		&createdAtStr, &updatedAtStr, &version,
	)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, err
	}
	tokenExpiry, err := parseNullText(tokenExpiresAt)
	if err != nil {
		return nil, err
	}
	lastSynced, err := parseNullText(lastSyncedAt)
	if err != nil {
		return nil, err
	}
	deletedAt, err := parseNullTextPtr(deletedAtStr)
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, err
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, err
	}

	return domain.RehydrateConnection(
		id, userID,
		domain.ProviderType(provider),
		calendarID, name, color,
		intToBool(isPrimary), intToBool(isConnected), intToBool(isReadOnly),
		accessToken, refreshToken,
		tokenExpiry,
		syncCursor.String,
		lastSynced,
		syncErrors,
		lastError.String,
		deletedAt,
		createdAt, updatedAt,
		version,
	), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// timeToText formats a time as RFC 3339 text, treating zero as NULL.
func timeToText(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func timePtrToText(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseNullText(s sql.NullString) (time.Time, error) {
	if !s.Valid {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}

func parseNullTextPtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
