package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
)

// AuthorizationGrant is the outcome of a completed OAuth callback. The tokens
// are plaintext and live only long enough to pick calendars and create
// connections from them.
type AuthorizationGrant struct {
	UserID    uuid.UUID
	Provider  domain.ProviderType
	Tokens    TokenSet
	Calendars []RemoteCalendar
}

// CreateConnectionCommand contains the data needed to connect a calendar.
type CreateConnectionCommand struct {
	UserID     uuid.UUID
	Provider   domain.ProviderType
	CalendarID string
	Name       string
	Color      string
	IsPrimary  bool
	IsReadOnly bool
	Tokens     TokenSet
}

// CreateConnectionResult is the result of connecting a calendar.
type CreateConnectionResult struct {
	Connection *domain.Connection
	// IsUpdate is true when an existing connection was revived or updated
	// instead of a new one created.
	IsUpdate bool
}

// SyncScheduler enqueues background sync runs.
type SyncScheduler interface {
	// Submit schedules a sync. It returns false when the queue is full.
	Submit(connectionID uuid.UUID, opts SyncOptions) bool
}

// ConnectService handles the OAuth authorization flow and connection
// creation.
type ConnectService struct {
	connections domain.ConnectionRepository
	events      domain.EventRepository
	registry    *ProviderRegistry
	states      *StateService
	encrypter   crypto.Encrypter
	outboxRepo  outbox.Repository
	scheduler   SyncScheduler
	logger      *slog.Logger
}

func NewConnectService(
	connections domain.ConnectionRepository,
	events domain.EventRepository,
	registry *ProviderRegistry,
	states *StateService,
	encrypter crypto.Encrypter,
	outboxRepo outbox.Repository,
	scheduler SyncScheduler,
	logger *slog.Logger,
) *ConnectService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectService{
		connections: connections,
		events:      events,
		registry:    registry,
		states:      states,
		encrypter:   encrypter,
		outboxRepo:  outboxRepo,
		scheduler:   scheduler,
		logger:      logger,
	}
}

// BeginAuthorization issues a CSRF state token and returns the provider
// consent URL to redirect the user to.
func (s *ConnectService) BeginAuthorization(ctx context.Context, userID uuid.UUID, providerType domain.ProviderType) (string, error) {
	provider, err := s.registry.Get(providerType)
	if err != nil {
		return "", err
	}
	state, err := s.states.Create(ctx, userID, providerType)
	if err != nil {
		return "", err
	}
	return provider.AuthorizationURL(state), nil
}

// CompleteAuthorization validates the callback state, exchanges the code for
// tokens, and lists the calendars the grant gives access to. The caller holds
// the grant until the user picks calendars to connect.
func (s *ConnectService) CompleteAuthorization(ctx context.Context, providerType domain.ProviderType, state, code string) (*AuthorizationGrant, error) {
	provider, err := s.registry.Get(providerType)
	if err != nil {
		return nil, err
	}

	userID, err := s.states.ValidateAndConsume(ctx, state, providerType)
	if err != nil {
		return nil, err
	}

	tokens, err := provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	calendars, err := provider.ListCalendars(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	s.logger.Info("authorization completed",
		"user_id", userID,
		"provider", providerType,
		"calendars", len(calendars))

	return &AuthorizationGrant{
		UserID:    userID,
		Provider:  providerType,
		Tokens:    *tokens,
		Calendars: calendars,
	}, nil
}

// CreateConnection connects a calendar for the user. Reconnecting a calendar
// that was previously disconnected revives the existing record with the new
// tokens. An initial sync is scheduled in the background.
func (s *ConnectService) CreateConnection(ctx context.Context, cmd CreateConnectionCommand) (*CreateConnectionResult, error) {
	if cmd.Tokens.AccessToken == "" || cmd.Tokens.RefreshToken == "" {
		return nil, domain.ErrMissingTokens
	}

	encAccess, err := s.encrypter.Encrypt([]byte(cmd.Tokens.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := s.encrypter.Encrypt([]byte(cmd.Tokens.RefreshToken))
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	existing, err := s.connections.FindByUserProviderAndCalendar(ctx, cmd.UserID, cmd.Provider, cmd.CalendarID)
	if err != nil {
		return nil, fmt.Errorf("find existing connection: %w", err)
	}

	var conn *domain.Connection
	isUpdate := existing != nil
	if isUpdate {
		existing.Reconnect(encAccess, encRefresh, cmd.Tokens.ExpiresAt)
		if cmd.Name != "" {
			existing.SetName(cmd.Name)
		}
		if cmd.Color != "" {
			existing.SetColor(cmd.Color)
		}
		existing.SetReadOnly(cmd.IsReadOnly)
		conn = existing
	} else {
		conn, err = domain.NewConnection(cmd.UserID, cmd.Provider, cmd.CalendarID, cmd.Name, encAccess, encRefresh, cmd.Tokens.ExpiresAt)
		if err != nil {
			return nil, err
		}
		if cmd.Color != "" {
			conn.SetColor(cmd.Color)
		}
		conn.SetReadOnly(cmd.IsReadOnly)
	}

	if cmd.IsPrimary {
		if err := s.clearOtherPrimaries(ctx, cmd.UserID, cmd.Provider, conn.ID()); err != nil {
			return nil, err
		}
		conn.SetPrimary(true)
	}

	if err := s.connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("save connection: %w", err)
	}
	s.saveEventsToOutbox(ctx, conn)

	if s.scheduler != nil {
		if !s.scheduler.Submit(conn.ID(), SyncOptions{}) {
			s.logger.Warn("sync queue full, initial sync not scheduled",
				"connection_id", conn.ID())
		}
	}

	s.logger.Info("calendar connected",
		"connection_id", conn.ID(),
		"user_id", cmd.UserID,
		"provider", cmd.Provider,
		"calendar_id", cmd.CalendarID,
		"is_update", isUpdate)

	return &CreateConnectionResult{Connection: conn, IsUpdate: isUpdate}, nil
}

// ListConnections returns the user's active connections.
func (s *ConnectService) ListConnections(ctx context.Context, userID uuid.UUID) ([]*domain.Connection, error) {
	conns, err := s.connections.FindByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

// GetConnection returns one connection, verifying it belongs to the user.
func (s *ConnectService) GetConnection(ctx context.Context, userID, connectionID uuid.UUID) (*domain.Connection, error) {
	conn, err := s.connections.FindByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	if conn == nil || conn.IsDeleted() || conn.UserID() != userID {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

// ListEvents returns the connection's events within [from, to), excluding
// soft-deleted ones.
func (s *ConnectService) ListEvents(ctx context.Context, userID, connectionID uuid.UUID, from, to time.Time) ([]*domain.Event, error) {
	if _, err := s.GetConnection(ctx, userID, connectionID); err != nil {
		return nil, err
	}
	events, err := s.events.FindByConnectionInRange(ctx, connectionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// clearOtherPrimaries demotes the user's other primary calendars for the same
// provider. At most one connection per (user, provider) is primary.
func (s *ConnectService) clearOtherPrimaries(ctx context.Context, userID uuid.UUID, provider domain.ProviderType, exceptID uuid.UUID) error {
	conns, err := s.connections.FindByUserAndProvider(ctx, userID, provider)
	if err != nil {
		return fmt.Errorf("find user connections: %w", err)
	}
	for _, other := range conns {
		if other.ID() == exceptID || !other.IsPrimary() {
			continue
		}
		other.ClearPrimary()
		if err := s.connections.Save(ctx, other); err != nil {
			return fmt.Errorf("clear primary on connection %s: %w", other.ID(), err)
		}
	}
	return nil
}

func (s *ConnectService) saveEventsToOutbox(ctx context.Context, conn *domain.Connection) {
	if s.outboxRepo == nil {
		conn.ClearDomainEvents()
		return
	}
	events := conn.DomainEvents()
	if len(events) == 0 {
		return
	}
	msgs := make([]*outbox.Message, 0, len(events))
	for _, event := range events {
		msg, err := outbox.NewMessage(event)
		if err != nil {
			s.logger.Error("failed to create outbox message",
				"event_id", event.EventID(), "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := s.outboxRepo.SaveBatch(ctx, msgs); err != nil {
		s.logger.Error("failed to save events to outbox",
			"connection_id", conn.ID(), "error", err)
		return
	}
	conn.ClearDomainEvents()
}
