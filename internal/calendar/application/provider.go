package application

import (
	"context"
	"time"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// TokenSet is the result of an authorization-code exchange or a token refresh.
// Tokens are plaintext here and must never be persisted without encryption.
type TokenSet struct {
	AccessToken  string
	RefreshToken string // empty unless the provider issued or rotated one
	ExpiresAt    time.Time
}

// RemoteCalendar is one calendar as listed by the provider.
type RemoteCalendar struct {
	ID         string
	Name       string
	Color      string
	IsPrimary  bool
	IsReadOnly bool
}

// RemoteEvent is one event normalized from a provider response.
type RemoteEvent struct {
	ID             string
	Title          string
	Description    string
	Location       string
	StartTime      time.Time
	EndTime        time.Time
	IsAllDay       bool
	Timezone       string
	Status         domain.EventStatus
	IsCancelled    bool // deletion marker on incremental responses
	IsRecurring    bool
	RecurrenceRule string
	Attendees      []domain.Attendee
	Reminders      []domain.Reminder
}

// Data converts the remote event into domain event data.
func (e RemoteEvent) Data() domain.EventData {
	return domain.EventData{
		Title:          e.Title,
		Description:    e.Description,
		Location:       e.Location,
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
		IsAllDay:       e.IsAllDay,
		Timezone:       e.Timezone,
		Status:         e.Status,
		IsRecurring:    e.IsRecurring,
		RecurrenceRule: e.RecurrenceRule,
		Attendees:      e.Attendees,
		Reminders:      e.Reminders,
	}
}

// EventPage is a unified result of a list call. Adapters follow provider-side
// pagination internally; callers always receive the complete page set.
type EventPage struct {
	Events     []RemoteEvent
	NextCursor string // opaque token for the next incremental sync, may be empty
}

// Provider normalizes one external calendar provider. Implementations wrap the
// vendor API behind this interface; the coordinator contains no per-provider
// branching. Error contract:
//   - ErrInvalidGrant for rejected codes/refresh tokens
//   - ErrCursorInvalidated when the provider no longer accepts the cursor
//   - *AuthorizationError for 401/403 on the current access token
//   - *TransientError for network errors, 429 and 5xx
type Provider interface {
	// Type identifies the provider.
	Type() domain.ProviderType

	// AuthorizationURL returns the provider consent URL carrying the CSRF state.
	AuthorizationURL(state string) string

	// ExchangeCode exchanges an authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*TokenSet, error)

	// RefreshAccessToken obtains a fresh access token. The returned set carries
	// a RefreshToken only when the provider rotated it.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenSet, error)

	// ListCalendars lists the calendars visible to the token's account.
	ListCalendars(ctx context.Context, accessToken string) ([]RemoteCalendar, error)

	// ListEventsFull lists events within [from, to), following pagination.
	ListEventsFull(ctx context.Context, accessToken, calendarID string, from, to time.Time) (*EventPage, error)

	// ListEventsIncremental lists changes since the cursor, following pagination.
	ListEventsIncremental(ctx context.Context, accessToken, calendarID, cursor string) (*EventPage, error)

	// RevokeToken invalidates the token at the provider. Best-effort: an
	// already-revoked token is not an error.
	RevokeToken(ctx context.Context, accessToken string) error
}
