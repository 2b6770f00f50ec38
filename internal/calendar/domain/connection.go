package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

// Domain errors for Connection validation.
var (
	ErrEmptyUserID     = errors.New("user ID cannot be empty")
	ErrInvalidProvider = errors.New("invalid provider type")
	ErrEmptyCalendarID = errors.New("calendar ID cannot be empty")
	ErrEmptyName       = errors.New("calendar name cannot be empty")
	ErrMissingTokens   = errors.New("access token cannot be empty")
)

// Connection links a local user to one external provider calendar. It owns the
// encrypted OAuth tokens and the incremental sync state for that calendar.
// This is an Aggregate Root that publishes domain events.
//
// Exactly one non-deleted Connection exists per (user, provider, calendar).
type Connection struct {
	sharedDomain.BaseAggregateRoot
	userID         uuid.UUID
	provider       ProviderType
	calendarID     string // External calendar ID (e.g. "primary", "work@example.com")
	name           string
	color          string
	isPrimary      bool
	isConnected    bool
	isReadOnly     bool
	accessToken    []byte // encrypted, never plaintext
	refreshToken   []byte // encrypted, never plaintext
	tokenExpiresAt time.Time
	syncCursor     string // opaque provider token for incremental sync
	lastSyncedAt   time.Time
	syncErrors     int    // consecutive sync failures
	lastError      string // last sync failure message
	deletedAt      *time.Time
}

// NewConnection creates a new connection and records a ConnectionCreatedEvent.
// Token arguments are already encrypted; this package never sees plaintext tokens.
func NewConnection(
	userID uuid.UUID,
	provider ProviderType,
	calendarID string,
	name string,
	accessToken []byte,
	refreshToken []byte,
	tokenExpiresAt time.Time,
) (*Connection, error) {
	if userID == uuid.Nil {
		return nil, ErrEmptyUserID
	}
	if !provider.IsValid() {
		return nil, ErrInvalidProvider
	}
	if strings.TrimSpace(calendarID) == "" {
		return nil, ErrEmptyCalendarID
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}
	if len(accessToken) == 0 {
		return nil, ErrMissingTokens
	}

	c := &Connection{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(),
		userID:            userID,
		provider:          provider,
		calendarID:        calendarID,
		name:              name,
		isConnected:       true,
		accessToken:       accessToken,
		refreshToken:      refreshToken,
		tokenExpiresAt:    tokenExpiresAt,
	}

	c.AddDomainEvent(NewConnectionCreatedEvent(c.ID(), userID, provider, calendarID, name))

	return c, nil
}

// Getters
func (c *Connection) UserID() uuid.UUID         { return c.userID }
func (c *Connection) Provider() ProviderType    { return c.provider }
func (c *Connection) CalendarID() string        { return c.calendarID }
func (c *Connection) Name() string              { return c.name }
func (c *Connection) Color() string             { return c.color }
func (c *Connection) IsPrimary() bool           { return c.isPrimary }
func (c *Connection) IsConnected() bool         { return c.isConnected }
func (c *Connection) IsReadOnly() bool          { return c.isReadOnly }
func (c *Connection) AccessToken() []byte       { return c.accessToken }
func (c *Connection) RefreshToken() []byte      { return c.refreshToken }
func (c *Connection) TokenExpiresAt() time.Time { return c.tokenExpiresAt }
func (c *Connection) SyncCursor() string        { return c.syncCursor }
func (c *Connection) LastSyncedAt() time.Time   { return c.lastSyncedAt }
func (c *Connection) SyncErrors() int           { return c.syncErrors }
func (c *Connection) LastError() string         { return c.lastError }
func (c *Connection) DeletedAt() *time.Time     { return c.deletedAt }

// IsDeleted returns true if the connection has been soft-deleted.
func (c *Connection) IsDeleted() bool {
	return c.deletedAt != nil
}

// TokenExpiresWithin reports whether the access token expires within the given
// margin. A zero expiry is treated as already expired.
func (c *Connection) TokenExpiresWithin(margin time.Duration) bool {
	if c.tokenExpiresAt.IsZero() {
		return true
	}
	return time.Until(c.tokenExpiresAt) <= margin
}

// UpdateTokens replaces the stored (encrypted) tokens after a refresh.
// An empty refresh token keeps the existing one; providers only return a new
// refresh token when they rotate it.
func (c *Connection) UpdateTokens(accessToken, refreshToken []byte, expiresAt time.Time) {
	c.accessToken = accessToken
	if len(refreshToken) > 0 {
		c.refreshToken = refreshToken
	}
	c.tokenExpiresAt = expiresAt
	c.Touch()
}

// SetColor updates the display color.
func (c *Connection) SetColor(color string) {
	c.color = color
	c.Touch()
}

// SetName updates the calendar display name.
func (c *Connection) SetName(name string) {
	if name != "" && c.name != name {
		c.name = name
		c.Touch()
	}
}

// SetReadOnly marks the connection as read-only at the provider.
func (c *Connection) SetReadOnly(readOnly bool) {
	c.isReadOnly = readOnly
	c.Touch()
}

// SetPrimary marks this connection as the primary one for its provider.
func (c *Connection) SetPrimary(primary bool) {
	if c.isPrimary != primary {
		c.isPrimary = primary
		c.Touch()
	}
}

// ClearPrimary clears the primary flag. Used when another connection becomes primary.
func (c *Connection) ClearPrimary() {
	if c.isPrimary {
		c.isPrimary = false
		c.Touch()
	}
}

// HasSynced returns true if at least one successful sync has occurred.
func (c *Connection) HasSynced() bool {
	return !c.lastSyncedAt.IsZero()
}

// NeedsFullSync returns true if no incremental cursor is available.
func (c *Connection) NeedsFullSync() bool {
	return c.syncCursor == ""
}

// MarkSynced records a successful sync run and its new cursor. An empty cursor
// keeps the existing one (some providers omit it on empty incremental pages).
func (c *Connection) MarkSynced(cursor string, created, updated, deleted, failed int) {
	if cursor != "" {
		c.syncCursor = cursor
	}
	c.lastSyncedAt = time.Now().UTC()
	c.syncErrors = 0
	c.lastError = ""
	c.Touch()
	c.AddDomainEvent(NewConnectionSyncedEvent(
		c.ID(), c.userID, c.provider, c.calendarID, created, updated, deleted, failed,
	))
}

// MarkSyncFailed records a failed sync run.
func (c *Connection) MarkSyncFailed(errMsg string) {
	c.syncErrors++
	c.lastError = errMsg
	c.Touch()
}

// ShouldRetrySync returns false once too many consecutive sync failures accrued.
func (c *Connection) ShouldRetrySync(maxErrors int) bool {
	return c.syncErrors < maxErrors
}

// ClearSyncCursor forces the next sync to be a full sync. This is the designed
// response to a provider invalidating the cursor.
func (c *Connection) ClearSyncCursor() {
	c.syncCursor = ""
	c.Touch()
}

// RequireReauth marks the connection as disconnected because its refresh token
// is no longer usable. The row survives so the user can reconnect.
func (c *Connection) RequireReauth() {
	if c.isConnected {
		c.isConnected = false
		c.Touch()
		c.AddDomainEvent(NewReauthenticationRequiredEvent(c.ID(), c.userID, c.provider, c.calendarID))
	}
}

// Reconnect restores a connection after the user completed a new OAuth flow.
func (c *Connection) Reconnect(accessToken, refreshToken []byte, expiresAt time.Time) {
	c.isConnected = true
	c.deletedAt = nil
	c.syncErrors = 0
	c.lastError = ""
	c.UpdateTokens(accessToken, refreshToken, expiresAt)
}

// Disconnect soft-deletes the connection. Tokens are revoked best-effort by the
// caller; the row is only hard-deleted by the retention job after a grace period.
func (c *Connection) Disconnect() {
	now := time.Now().UTC()
	c.isConnected = false
	c.deletedAt = &now
	c.Touch()
	c.AddDomainEvent(NewConnectionDisconnectedEvent(c.ID(), c.userID, c.provider, c.calendarID))
}

// RehydrateConnection recreates a connection from persisted data.
// This does NOT record domain events.
func RehydrateConnection(
	id uuid.UUID,
	userID uuid.UUID,
	provider ProviderType,
	calendarID string,
	name string,
	color string,
	isPrimary bool,
	isConnected bool,
	isReadOnly bool,
	accessToken []byte,
	refreshToken []byte,
	tokenExpiresAt time.Time,
	syncCursor string,
	lastSyncedAt time.Time,
	syncErrors int,
	lastError string,
	deletedAt *time.Time,
	createdAt, updatedAt time.Time,
	version int,
) *Connection {
	baseEntity := sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt)
	return &Connection{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(baseEntity, version),
		userID:            userID,
		provider:          provider,
		calendarID:        calendarID,
		name:              name,
		color:             color,
		isPrimary:         isPrimary,
		isConnected:       isConnected,
		isReadOnly:        isReadOnly,
		accessToken:       accessToken,
		refreshToken:      refreshToken,
		tokenExpiresAt:    tokenExpiresAt,
		syncCursor:        syncCursor,
		lastSyncedAt:      lastSyncedAt,
		syncErrors:        syncErrors,
		lastError:         lastError,
		deletedAt:         deletedAt,
	}
}

// ConnectionRepository defines the interface for connection persistence.
type ConnectionRepository interface {
	// Save persists a connection (create or update).
	Save(ctx context.Context, conn *Connection) error

	// FindByID finds a connection by ID. Returns nil if not found.
	FindByID(ctx context.Context, id uuid.UUID) (*Connection, error)

	// FindByUser finds all non-deleted connections for a user.
	FindByUser(ctx context.Context, userID uuid.UUID) ([]*Connection, error)

	// FindByUserAndProvider finds all non-deleted connections for a user and provider.
	FindByUserAndProvider(ctx context.Context, userID uuid.UUID, provider ProviderType) ([]*Connection, error)

	// FindByUserProviderAndCalendar finds one connection, deleted or not.
	// Soft-deleted rows are returned so a reconnect can revive them.
	FindByUserProviderAndCalendar(ctx context.Context, userID uuid.UUID, provider ProviderType, calendarID string) (*Connection, error)

	// FindPendingSync finds connected, non-deleted connections last synced
	// before olderThan, excluding those past maxErrors consecutive failures.
	// Never-synced connections sort first.
	FindPendingSync(ctx context.Context, olderThan time.Time, maxErrors, limit int) ([]*Connection, error)

	// DeleteDisconnectedBefore hard-deletes connections soft-deleted before the
	// cutoff, with their events. Used only by the retention job.
	DeleteDisconnectedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
