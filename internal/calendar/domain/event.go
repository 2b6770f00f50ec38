package domain

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

// Domain errors for Event validation.
var (
	ErrEmptyConnectionID    = errors.New("connection ID cannot be empty")
	ErrEmptyProviderEventID = errors.New("provider event ID cannot be empty")
	ErrInvalidTimeRange     = errors.New("event end time must be after start time")
)

// EventStatus is the provider-reported status of an event.
type EventStatus string

const (
	EventStatusConfirmed EventStatus = "CONFIRMED"
	EventStatusTentative EventStatus = "TENTATIVE"
	EventStatusCancelled EventStatus = "CANCELLED"
)

// SyncStatus tracks the local sync state of an event row.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "PENDING"
	SyncStatusSynced  SyncStatus = "SYNCED"
	SyncStatusFailed  SyncStatus = "FAILED"
	SyncStatusDeleted SyncStatus = "DELETED"
)

// AttendeeResponse is an attendee's RSVP state.
type AttendeeResponse string

const (
	ResponseNeedsAction AttendeeResponse = "NEEDS_ACTION"
	ResponseAccepted    AttendeeResponse = "ACCEPTED"
	ResponseDeclined    AttendeeResponse = "DECLINED"
	ResponseTentative   AttendeeResponse = "TENTATIVE"
)

// Attendee is one event participant.
type Attendee struct {
	Email       string           `json:"email"`
	DisplayName string           `json:"display_name,omitempty"`
	Response    AttendeeResponse `json:"response,omitempty"`
}

// Reminder is one event reminder.
type Reminder struct {
	Method        string `json:"method"`
	MinutesBefore int    `json:"minutes_before"`
}

// EventData carries the remote fields of an event, normalized by a provider
// adapter. All-day end times may still be inclusive here; the entity normalizes
// them to the exclusive next-day boundary.
type EventData struct {
	Title          string
	Description    string
	Location       string
	StartTime      time.Time
	EndTime        time.Time
	IsAllDay       bool
	Timezone       string
	Status         EventStatus
	IsRecurring    bool
	RecurrenceRule string
	Attendees      []Attendee
	Reminders      []Reminder
}

// Event is the local durable copy of one provider calendar event, keyed by
// (connectionID, providerEventID). Rows are soft-deleted, never removed by sync.
type Event struct {
	sharedDomain.BaseEntity
	connectionID    uuid.UUID
	providerEventID string
	title           string
	description     string
	location        string
	startTime       time.Time
	endTime         time.Time
	isAllDay        bool
	timezone        string
	status          EventStatus
	isRecurring     bool
	recurrenceRule  string
	attendees       []Attendee
	reminders       []Reminder
	syncStatus      SyncStatus
	lastSyncedAt    time.Time
	deletedAt       *time.Time
}

// NewEvent creates a local event row from remote data.
// Zero-length timed events are rejected; the provider adapters never produce
// them and a zero span breaks range queries.
func NewEvent(connectionID uuid.UUID, providerEventID string, data EventData) (*Event, error) {
	if connectionID == uuid.Nil {
		return nil, ErrEmptyConnectionID
	}
	if strings.TrimSpace(providerEventID) == "" {
		return nil, ErrEmptyProviderEventID
	}

	data, err := normalizeEventData(data)
	if err != nil {
		return nil, err
	}

	e := &Event{
		BaseEntity:      sharedDomain.NewBaseEntity(),
		connectionID:    connectionID,
		providerEventID: providerEventID,
		syncStatus:      SyncStatusSynced,
		lastSyncedAt:    time.Now().UTC(),
	}
	e.apply(data)
	return e, nil
}

func normalizeEventData(data EventData) (EventData, error) {
	if data.IsAllDay {
		data.EndTime = ExclusiveAllDayEnd(data.StartTime, data.EndTime)
		return data, nil
	}
	if !data.EndTime.After(data.StartTime) {
		return data, ErrInvalidTimeRange
	}
	return data, nil
}

// ExclusiveAllDayEnd normalizes an all-day end time to the exclusive day
// boundary: the midnight after the last included day, in the event's own
// location. An inclusive 23:59-style end rounds up; an end at or before the
// start becomes start + one day. This keeps day math timezone-robust.
func ExclusiveAllDayEnd(start, end time.Time) time.Time {
	if h, m, s := end.Clock(); h != 0 || m != 0 || s != 0 {
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, end.Location()).AddDate(0, 0, 1)
	}
	if !end.After(start) {
		end = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location()).AddDate(0, 0, 1)
	}
	return end
}

func (e *Event) apply(data EventData) {
	e.title = data.Title
	e.description = data.Description
	e.location = data.Location
	e.startTime = data.StartTime
	e.endTime = data.EndTime
	e.isAllDay = data.IsAllDay
	e.timezone = data.Timezone
	e.status = data.Status
	e.isRecurring = data.IsRecurring
	e.recurrenceRule = data.RecurrenceRule
	e.attendees = slices.Clone(data.Attendees)
	e.reminders = slices.Clone(data.Reminders)
}

// Getters
func (e *Event) ConnectionID() uuid.UUID { return e.connectionID }
func (e *Event) ProviderEventID() string { return e.providerEventID }
func (e *Event) Title() string           { return e.title }
func (e *Event) Description() string     { return e.description }
func (e *Event) Location() string        { return e.location }
func (e *Event) StartTime() time.Time    { return e.startTime }
func (e *Event) EndTime() time.Time      { return e.endTime }
func (e *Event) IsAllDay() bool          { return e.isAllDay }
func (e *Event) Timezone() string        { return e.timezone }
func (e *Event) Status() EventStatus     { return e.status }
func (e *Event) IsRecurring() bool       { return e.isRecurring }
func (e *Event) RecurrenceRule() string  { return e.recurrenceRule }
func (e *Event) Attendees() []Attendee   { return slices.Clone(e.attendees) }
func (e *Event) Reminders() []Reminder   { return slices.Clone(e.reminders) }
func (e *Event) SyncStatus() SyncStatus  { return e.syncStatus }
func (e *Event) LastSyncedAt() time.Time { return e.lastSyncedAt }
func (e *Event) DeletedAt() *time.Time   { return e.deletedAt }

// IsDeleted returns true if the event has been soft-deleted.
func (e *Event) IsDeleted() bool {
	return e.deletedAt != nil
}

// ApplyRemote reconciles the local row with fresh remote data. It returns true
// when any field changed. A soft-deleted row that reappears remotely is restored.
func (e *Event) ApplyRemote(data EventData) (bool, error) {
	data, err := normalizeEventData(data)
	if err != nil {
		return false, err
	}

	changed := e.deletedAt != nil ||
		e.title != data.Title ||
		e.description != data.Description ||
		e.location != data.Location ||
		!e.startTime.Equal(data.StartTime) ||
		!e.endTime.Equal(data.EndTime) ||
		e.isAllDay != data.IsAllDay ||
		e.timezone != data.Timezone ||
		e.status != data.Status ||
		e.isRecurring != data.IsRecurring ||
		e.recurrenceRule != data.RecurrenceRule ||
		!slices.Equal(e.attendees, data.Attendees) ||
		!slices.Equal(e.reminders, data.Reminders)

	e.apply(data)
	e.deletedAt = nil
	e.syncStatus = SyncStatusSynced
	e.lastSyncedAt = time.Now().UTC()
	if changed {
		e.Touch()
	}
	return changed, nil
}

// SoftDelete marks the event as deleted locally. Sync never hard-deletes.
func (e *Event) SoftDelete() {
	if e.deletedAt != nil {
		return
	}
	now := time.Now().UTC()
	e.deletedAt = &now
	e.syncStatus = SyncStatusDeleted
	e.Touch()
}

// RehydrateEvent recreates an event from persisted data.
func RehydrateEvent(
	id uuid.UUID,
	connectionID uuid.UUID,
	providerEventID string,
	data EventData,
	syncStatus SyncStatus,
	lastSyncedAt time.Time,
	deletedAt *time.Time,
	createdAt, updatedAt time.Time,
) *Event {
	e := &Event{
		BaseEntity:      sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		connectionID:    connectionID,
		providerEventID: providerEventID,
		syncStatus:      syncStatus,
		lastSyncedAt:    lastSyncedAt,
		deletedAt:       deletedAt,
	}
	e.apply(data)
	return e
}

// EventRepository defines the interface for event persistence.
type EventRepository interface {
	// Save persists an event (create or update), upserting by
	// (connection_id, provider_event_id).
	Save(ctx context.Context, event *Event) error

	// FindByConnectionAndProviderID finds one event. Returns nil if not found.
	// Soft-deleted rows are returned so reconciliation can restore them.
	FindByConnectionAndProviderID(ctx context.Context, connectionID uuid.UUID, providerEventID string) (*Event, error)

	// FindByConnection returns events for a connection, newest first.
	// Soft-deleted rows are excluded unless includeDeleted is set.
	FindByConnection(ctx context.Context, connectionID uuid.UUID, includeDeleted bool) ([]*Event, error)

	// FindByConnectionInRange returns non-deleted events overlapping [from, to).
	FindByConnectionInRange(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]*Event, error)

	// ActiveProviderIDsInRange returns provider event IDs of non-deleted rows
	// whose start time falls in [from, to). Full-sync reconciliation uses this to
	// soft-delete rows absent from the provider's response for the same window.
	ActiveProviderIDsInRange(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]string, error)

	// DeleteByConnection hard-deletes all events of a connection.
	// Used only by the retention job.
	DeleteByConnection(ctx context.Context, connectionID uuid.UUID) (int64, error)
}
