package domain

import (
	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

const (
	// AggregateTypeConnection is the aggregate type for calendar connections.
	AggregateTypeConnection = "calendar_connection"

	// Event routing keys
	RoutingKeyConnectionCreated      = "calendar.connection.created"
	RoutingKeyConnectionDisconnected = "calendar.connection.disconnected"
	RoutingKeyConnectionSynced       = "calendar.connection.synced"
	RoutingKeyReauthRequired         = "calendar.connection.reauth_required"
)

// ConnectionCreatedEvent is published when a calendar connection is created.
type ConnectionCreatedEvent struct {
	sharedDomain.BaseEvent
	UserID     uuid.UUID    `json:"user_id"`
	Provider   ProviderType `json:"provider"`
	CalendarID string       `json:"calendar_id"`
	Name       string       `json:"name"`
}

// NewConnectionCreatedEvent creates a new connection created event.
func NewConnectionCreatedEvent(aggregateID, userID uuid.UUID, provider ProviderType, calendarID, name string) ConnectionCreatedEvent {
	return ConnectionCreatedEvent{
		BaseEvent:  sharedDomain.NewBaseEvent(aggregateID, AggregateTypeConnection, RoutingKeyConnectionCreated),
		UserID:     userID,
		Provider:   provider,
		CalendarID: calendarID,
		Name:       name,
	}
}

// ConnectionDisconnectedEvent is published when a connection is disconnected.
type ConnectionDisconnectedEvent struct {
	sharedDomain.BaseEvent
	UserID     uuid.UUID    `json:"user_id"`
	Provider   ProviderType `json:"provider"`
	CalendarID string       `json:"calendar_id"`
}

// NewConnectionDisconnectedEvent creates a new connection disconnected event.
func NewConnectionDisconnectedEvent(aggregateID, userID uuid.UUID, provider ProviderType, calendarID string) ConnectionDisconnectedEvent {
	return ConnectionDisconnectedEvent{
		BaseEvent:  sharedDomain.NewBaseEvent(aggregateID, AggregateTypeConnection, RoutingKeyConnectionDisconnected),
		UserID:     userID,
		Provider:   provider,
		CalendarID: calendarID,
	}
}

// ConnectionSyncedEvent is published when a sync run completes.
type ConnectionSyncedEvent struct {
	sharedDomain.BaseEvent
	UserID     uuid.UUID    `json:"user_id"`
	Provider   ProviderType `json:"provider"`
	CalendarID string       `json:"calendar_id"`
	Created    int          `json:"created"`
	Updated    int          `json:"updated"`
	Deleted    int          `json:"deleted"`
	Failed     int          `json:"failed"`
}

// NewConnectionSyncedEvent creates a new connection synced event.
func NewConnectionSyncedEvent(aggregateID, userID uuid.UUID, provider ProviderType, calendarID string, created, updated, deleted, failed int) ConnectionSyncedEvent {
	return ConnectionSyncedEvent{
		BaseEvent:  sharedDomain.NewBaseEvent(aggregateID, AggregateTypeConnection, RoutingKeyConnectionSynced),
		UserID:     userID,
		Provider:   provider,
		CalendarID: calendarID,
		Created:    created,
		Updated:    updated,
		Deleted:    deleted,
		Failed:     failed,
	}
}

// ReauthenticationRequiredEvent is published when a refresh token stops working
// and the user must redo the OAuth flow.
type ReauthenticationRequiredEvent struct {
	sharedDomain.BaseEvent
	UserID     uuid.UUID    `json:"user_id"`
	Provider   ProviderType `json:"provider"`
	CalendarID string       `json:"calendar_id"`
}

// NewReauthenticationRequiredEvent creates a new reauthentication required event.
func NewReauthenticationRequiredEvent(aggregateID, userID uuid.UUID, provider ProviderType, calendarID string) ReauthenticationRequiredEvent {
	return ReauthenticationRequiredEvent{
		BaseEvent:  sharedDomain.NewBaseEvent(aggregateID, AggregateTypeConnection, RoutingKeyReauthRequired),
		UserID:     userID,
		Provider:   provider,
		CalendarID: calendarID,
	}
}
