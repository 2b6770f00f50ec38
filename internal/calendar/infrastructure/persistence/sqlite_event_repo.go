package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// SQLiteEventRepository implements EventRepository using SQLite.
type SQLiteEventRepository struct {
	db *sql.DB
}

// NewSQLiteEventRepository creates a new SQLite event repository.
func NewSQLiteEventRepository(db *sql.DB) *SQLiteEventRepository {
	return &SQLiteEventRepository{db: db}
}

const sqliteEventColumns = `
	id, connection_id, provider_event_id, title, description, location,
	start_time, end_time, is_all_day, timezone, status, is_recurring,
	recurrence_rule, attendees, reminders, sync_status, last_synced_at,
	deleted_at, created_at, updated_at
`

// Save persists an event, upserting by (connection_id, provider_event_id).
func (r *SQLiteEventRepository) Save(ctx context.Context, event *domain.Event) error {
	query := `
		INSERT INTO calendar_events (
			id, connection_id, provider_event_id, title, description, location,
			start_time, end_time, is_all_day, timezone, status, is_recurring,
			recurrence_rule, attendees, reminders, sync_status, last_synced_at,
			deleted_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, provider_event_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			is_all_day = excluded.is_all_day,
			timezone = excluded.timezone,
			status = excluded.status,
			is_recurring = excluded.is_recurring,
			recurrence_rule = excluded.recurrence_rule,
			attendees = excluded.attendees,
			reminders = excluded.reminders,
			sync_status = excluded.sync_status,
			last_synced_at = excluded.last_synced_at,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at
	`

	attendees, reminders, err := marshalEventJSON(event)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query,
		event.ID().String(),
		event.ConnectionID().String(),
		event.ProviderEventID(),
		event.Title(),
		event.Description(),
		event.Location(),
		event.StartTime().Format(time.RFC3339Nano),
		event.EndTime().Format(time.RFC3339Nano),
		boolToInt(event.IsAllDay()),
		event.Timezone(),
		string(event.Status()),
		boolToInt(event.IsRecurring()),
		event.RecurrenceRule(),
		jsonOrNil(attendees),
		jsonOrNil(reminders),
		string(event.SyncStatus()),
		timeToText(event.LastSyncedAt()),
		timePtrToText(event.DeletedAt()),
		event.CreatedAt().Format(time.RFC3339Nano),
		event.UpdatedAt().Format(time.RFC3339Nano),
	)
	return err
}

// FindByConnectionAndProviderID finds one event, including soft-deleted rows.
// Returns nil if not found.
func (r *SQLiteEventRepository) FindByConnectionAndProviderID(ctx context.Context, connectionID uuid.UUID, providerEventID string) (*domain.Event, error) {
	query := `
		SELECT ` + sqliteEventColumns + `
		FROM calendar_events
		WHERE connection_id = ? AND provider_event_id = ?
	`
	row := r.db.QueryRowContext(ctx, query, connectionID.String(), providerEventID)
	event, err := scanSQLiteEventRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

// FindByConnection returns events for a connection, newest first.
func (r *SQLiteEventRepository) FindByConnection(ctx context.Context, connectionID uuid.UUID, includeDeleted bool) ([]*domain.Event, error) {
	query := `
		SELECT ` + sqliteEventColumns + `
		FROM calendar_events
		WHERE connection_id = ?
	`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY start_time DESC`

	rows, err := r.db.QueryContext(ctx, query, connectionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteEvents(rows)
}

// FindByConnectionInRange returns non-deleted events overlapping [from, to).
func (r *SQLiteEventRepository) FindByConnectionInRange(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]*domain.Event, error) {
	query := `
		SELECT ` + sqliteEventColumns + `
		FROM calendar_events
		WHERE connection_id = ?
		  AND deleted_at IS NULL
		  AND end_time > ?
		  AND start_time < ?
		ORDER BY start_time
	`
	rows, err := r.db.QueryContext(ctx, query,
		connectionID.String(),
		from.Format(time.RFC3339Nano),
		to.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteEvents(rows)
}

// ActiveProviderIDsInRange returns provider event IDs of non-deleted rows
// starting within [from, to).
func (r *SQLiteEventRepository) ActiveProviderIDsInRange(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]string, error) {
	query := `
		SELECT provider_event_id
		FROM calendar_events
		WHERE connection_id = ?
		  AND deleted_at IS NULL
		  AND start_time >= ?
		  AND start_time < ?
	`
	rows, err := r.db.QueryContext(ctx, query,
		connectionID.String(),
		from.Format(time.RFC3339Nano),
		to.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteByConnection hard-deletes all events of a connection.
func (r *SQLiteEventRepository) DeleteByConnection(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE connection_id = ?`, connectionID.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanSQLiteEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var events []*domain.Event
	for rows.Next() {
		event, err := scanSQLiteEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanSQLiteEventRow(row sqliteRow) (*domain.Event, error) {
	var (
		idStr           string
		connectionIDStr string
		providerEventID string
		title           string
		description     string
		location        string
		startTimeStr    string
		endTimeStr      string
		isAllDay        int
		timezone        string
		status          string
		isRecurring     int
		recurrenceRule  string
		attendees       sql.NullString
		reminders       sql.NullString
		syncStatus      string
		lastSyncedAt    sql.NullString
		deletedAtStr    sql.NullString
		createdAtStr    string
		updatedAtStr    string
	)

	err := row.Scan(
		&idStr, &connectionIDStr, &providerEventID, &title, &description, &location,
		&startTimeStr, &endTimeStr, &isAllDay, &timezone, &status, &isRecurring,
		&recurrenceRule, &attendees, &reminders, &syncStatus, &lastSyncedAt,
		&deletedAtStr, &createdAtStr, &updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	connectionID, err := uuid.Parse(connectionIDStr)
	if err != nil {
		return nil, err
	}
	startTime, err := time.Parse(time.RFC3339Nano, startTimeStr)
	if err != nil {
		return nil, err
	}
	endTime, err := time.Parse(time.RFC3339Nano, endTimeStr)
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

	atts, rems, err := unmarshalEventJSON([]byte(attendees.String), []byte(reminders.String))
	if err != nil {
		return nil, err
	}

	return domain.RehydrateEvent(
		id, connectionID, providerEventID,
		domain.EventData{
			Title:          title,
			Description:    description,
			Location:       location,
			StartTime:      startTime,
			EndTime:        endTime,
			IsAllDay:       intToBool(isAllDay),
			Timezone:       timezone,
			Status:         domain.EventStatus(status),
			IsRecurring:    intToBool(isRecurring),
			RecurrenceRule: recurrenceRule,
			Attendees:      atts,
			Reminders:      rems,
		},
		domain.SyncStatus(syncStatus),
		lastSynced,
		deletedAt,
		createdAt, updatedAt,
	), nil
}

func jsonOrNil(data []byte) *string {
	if len(data) == 0 {
		return nil
	}
	s := string(data)
	return &s
}
