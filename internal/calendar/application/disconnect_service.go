package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
)

// DisconnectService handles disconnecting calendars. Disconnection is a soft
// delete; synced events stay in place until the retention job removes the
// connection for good.
type DisconnectService struct {
	connections domain.ConnectionRepository
	registry    *ProviderRegistry
	encrypter   crypto.Encrypter
	outboxRepo  outbox.Repository
	logger      *slog.Logger
}

func NewDisconnectService(
	connections domain.ConnectionRepository,
	registry *ProviderRegistry,
	encrypter crypto.Encrypter,
	outboxRepo outbox.Repository,
	logger *slog.Logger,
) *DisconnectService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DisconnectService{
		connections: connections,
		registry:    registry,
		encrypter:   encrypter,
		outboxRepo:  outboxRepo,
		logger:      logger,
	}
}

// Disconnect revokes the connection's token at the provider and soft-deletes
// the connection. Revocation is best-effort; a provider that cannot be
// reached does not block the disconnect.
func (s *DisconnectService) Disconnect(ctx context.Context, userID, connectionID uuid.UUID) error {
	conn, err := s.connections.FindByID(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	if conn == nil || conn.IsDeleted() || conn.UserID() != userID {
		return ErrConnectionNotFound
	}

	s.revokeToken(ctx, conn)

	conn.Disconnect()
	if err := s.connections.Save(ctx, conn); err != nil {
		return fmt.Errorf("save disconnected connection: %w", err)
	}
	s.saveEventsToOutbox(ctx, conn)

	s.logger.Info("calendar disconnected",
		"connection_id", connectionID,
		"user_id", userID,
		"provider", conn.Provider())
	return nil
}

func (s *DisconnectService) revokeToken(ctx context.Context, conn *domain.Connection) {
	provider, err := s.registry.Get(conn.Provider())
	if err != nil {
		s.logger.Warn("provider not configured, skipping token revocation",
			"connection_id", conn.ID(), "provider", conn.Provider())
		return
	}
	accessToken, err := s.encrypter.Decrypt(conn.AccessToken())
	if err != nil {
		s.logger.Warn("failed to decrypt token for revocation",
			"connection_id", conn.ID(), "error", err)
		return
	}
	if err := provider.RevokeToken(ctx, string(accessToken)); err != nil {
		s.logger.Warn("failed to revoke token at provider",
			"connection_id", conn.ID(),
			"provider", conn.Provider(),
			"error", err)
	}
}

func (s *DisconnectService) saveEventsToOutbox(ctx context.Context, conn *domain.Connection) {
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
