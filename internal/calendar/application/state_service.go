package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// StateService issues and validates single-use CSRF state tokens for the
// OAuth authorization flow.
type StateService struct {
	states domain.OAuthStateRepository
	ttl    time.Duration
	logger *slog.Logger
}

func NewStateService(states domain.OAuthStateRepository, ttl time.Duration, logger *slog.Logger) *StateService {
	if ttl <= 0 {
		ttl = domain.DefaultStateTTL
	}
	return &StateService{states: states, ttl: ttl, logger: logger}
}

// Create issues a new state token bound to the user and provider.
func (s *StateService) Create(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) (string, error) {
	state, err := domain.NewOAuthState(userID, provider, s.ttl)
	if err != nil {
		return "", fmt.Errorf("create oauth state: %w", err)
	}
	if err := s.states.Save(ctx, state); err != nil {
		return "", fmt.Errorf("save oauth state: %w", err)
	}
	return state.State(), nil
}

// ValidateAndConsume atomically consumes the state token and returns the user
// it was issued for. Unknown, expired, and provider-mismatched tokens all
// yield ErrInvalidState; a consumed token can never validate again.
func (s *StateService) ValidateAndConsume(ctx context.Context, state string, provider domain.ProviderType) (uuid.UUID, error) {
	stored, err := s.states.Consume(ctx, state)
	if err != nil {
		return uuid.Nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if stored == nil {
		return uuid.Nil, fmt.Errorf("%w: unknown or already used state", ErrInvalidState)
	}
	if stored.IsExpired() {
		return uuid.Nil, fmt.Errorf("%w: state expired", ErrInvalidState)
	}
	if stored.Provider() != provider {
		return uuid.Nil, fmt.Errorf("%w: state issued for provider %s", ErrInvalidState, stored.Provider())
	}
	return stored.UserID(), nil
}

// PurgeExpired removes expired state tokens. Run periodically.
func (s *StateService) PurgeExpired(ctx context.Context) (int64, error) {
	purged, err := s.states.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired oauth states: %w", err)
	}
	if purged > 0 {
		s.logger.Debug("purged expired oauth states", "count", purged)
	}
	return purged, nil
}
