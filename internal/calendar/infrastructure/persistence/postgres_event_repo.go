package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// PostgresEventRepository implements EventRepository using PostgreSQL.
type PostgresEventRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresEventRepository creates a new PostgreSQL event repository.
func NewPostgresEventRepository(pool *pgxpool.Pool) *PostgresEventRepository {
	return &PostgresEventRepository{pool: pool}
}

const pgEventColumns = `
	id, connection_id, provider_event_id, title, description, location,
	start_time, end_time, is_all_day, timezone, status, is_recurring,
	recurrence_rule, attendees, reminders, sync_status, last_synced_at,
	deleted_at, created_at, updated_at
`

// Save persists an event, upserting by (connection_id, provider_event_id).
func (r *PostgresEventRepository) Save(ctx context.Context, event *domain.Event) error {
	query := `
		INSERT INTO calendar_events (
			id, connection_id, provider_event_id, title, description, location,
			start_time, end_time, is_all_day, timezone, status, is_recurring,
			recurrence_rule, attendees, reminders, sync_status, last_synced_at,
			deleted_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (connection_id, provider_event_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			location = EXCLUDED.location,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			is_all_day = EXCLUDED.is_all_day,
			timezone = EXCLUDED.timezone,
			status = EXCLUDED.status,
			is_recurring = EXCLUDED.is_recurring,
			recurrence_rule = EXCLUDED.recurrence_rule,
			attendees = EXCLUDED.attendees,
			reminders = EXCLUDED.reminders,
			sync_status = EXCLUDED.sync_status,
			last_synced_at = EXCLUDED.last_synced_at,
			deleted_at = EXCLUDED.deleted_at,
			updated_at = EXCLUDED.updated_at
	`

	attendees, reminders, err := marshalEventJSON(event)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, query,
		event.ID(),
		event.ConnectionID(),
		event.ProviderEventID(),
		event.Title(),
		event.Description(),
		event.Location(),
		event.StartTime(),
		event.EndTime(),
		event.IsAllDay(),
		event.Timezone(),
		string(event.Status()),
		event.IsRecurring(),
		event.RecurrenceRule(),
		attendees,
		reminders,
		string(event.SyncStatus()),
		nullTime(event.LastSyncedAt()),
		event.DeletedAt(),
		event.CreatedAt(),
		event.UpdatedAt(),
	)
	return err
}

// FindByConnectionAndProviderID finds one event, including soft-deleted rows.
// Returns nil if not found.
func (r *PostgresEventRepository) FindByConnectionAndProviderID(ctx context.Context, connectionID uuid.UUID, providerEventID string) (*domain.Event, error) {
	query := `
		SELECT ` + pgEventColumns + `
		FROM calendar_events
		WHERE connection_id = $1 AND provider_event_id = $2
	`
	row := r.pool.QueryRow(ctx, query, connectionID, providerEventID)
	event, err := scanPgEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

// FindByConnection returns events for a connection, newest first.
func (r *PostgresEventRepository) FindByConnection(ctx context.Context, connectionID uuid.UUID, includeDeleted bool) ([]*domain.Event, error) {
	query := `
		SELECT ` + pgEventColumns + `
		FROM calendar_events
		WHERE connection_id = $1
	`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY start_time DESC`

	rows, err := r.pool.Query(ctx, query, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

// FindByConnectionInRange returns non-deleted events overlapping [from, to).
func (r *PostgresEventRepository) FindByConnectionInRange(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]*domain.Event, error) {
	query := `
		SELECT ` + pgEventColumns + `
		FROM calendar_events
		WHERE connection_id = $1
		  AND deleted_at IS NULL
		  AND end_time > $2
		  AND start_time < $3
		ORDER BY start_time
	`
	rows, err := r.pool.Query(ctx, query, connectionID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

// ActiveProviderIDsInRange returns provider event IDs of non-deleted rows
// starting within [from, to).
func (r *PostgresEventRepository) ActiveProviderIDsInRange(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]string, error) {
	query := `
		SELECT provider_event_id
		FROM calendar_events
		WHERE connection_id = $1
		  AND deleted_at IS NULL
		  AND start_time >= $2
		  AND start_time < $3
	`
	rows, err := r.pool.Query(ctx, query, connectionID, from, to)
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
func (r *PostgresEventRepository) DeleteByConnection(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM calendar_events WHERE connection_id = $1`, connectionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func marshalEventJSON(event *domain.Event) (attendees, reminders []byte, err error) {
	if a := event.Attendees(); len(a) > 0 {
		attendees, err = json.Marshal(a)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal attendees: %w", err)
		}
	}
	if rem := event.Reminders(); len(rem) > 0 {
		reminders, err = json.Marshal(rem)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal reminders: %w", err)
		}
	}
	return attendees, reminders, nil
}

func unmarshalEventJSON(attendees, reminders []byte) ([]domain.Attendee, []domain.Reminder, error) {
	var atts []domain.Attendee
	if len(attendees) > 0 {
		if err := json.Unmarshal(attendees, &atts); err != nil {
			return nil, nil, fmt.Errorf("unmarshal attendees: %w", err)
		}
	}
	var rems []domain.Reminder
	if len(reminders) > 0 {
		if err := json.Unmarshal(reminders, &rems); err != nil {
			return nil, nil, fmt.Errorf("unmarshal reminders: %w", err)
		}
	}
	return atts, rems, nil
}

func scanPgEvent(row pgx.Row) (*domain.Event, error) {
	var (
		id              uuid.UUID
		connectionID    uuid.UUID
		providerEventID string
		title           string
		description     string
		location        string
		startTime       time.Time
		endTime         time.Time
		isAllDay        bool
		timezone        string
		status          string
		isRecurring     bool
		recurrenceRule  string
		attendees       []byte
		reminders       []byte
		syncStatus      string
		lastSyncedAt    sql.NullTime
		deletedAt       *time.Time
		createdAt       time.Time
		updatedAt       time.Time
	)

	err := row.Scan(
		&id, &connectionID, &providerEventID, &title, &description, &location,
		&startTime, &endTime, &isAllDay, &timezone, &status, &isRecurring,
		&recurrenceRule, &attendees, &reminders, &syncStatus, &lastSyncedAt,
		&deletedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	atts, rems, err := unmarshalEventJSON(attendees, reminders)
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
			IsAllDay:       isAllDay,
			Timezone:       timezone,
			Status:         domain.EventStatus(status),
			IsRecurring:    isRecurring,
			RecurrenceRule: recurrenceRule,
			Attendees:      atts,
			Reminders:      rems,
		},
		domain.SyncStatus(syncStatus),
		lastSyncedAt.Time,
		deletedAt,
		createdAt, updatedAt,
	), nil
}

func scanPgEvents(rows pgx.Rows) ([]*domain.Event, error) {
	var events []*domain.Event
	for rows.Next() {
		event, err := scanPgEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
