package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
)

// DefaultRefreshMargin is how far before expiry a token counts as expired.
const DefaultRefreshMargin = 5 * time.Minute

// TokenMetrics records token refresh outcomes. Implementations must be safe
// for concurrent use.
type TokenMetrics interface {
	RecordTokenRefresh(provider, outcome string)
}

// NoopTokenMetrics discards all measurements.
type NoopTokenMetrics struct{}

func (NoopTokenMetrics) RecordTokenRefresh(string, string) {}

// TokenService guards access-token freshness for connections. Concurrent
// callers for the same connection are collapsed into a single refresh.
type TokenService struct {
	connections domain.ConnectionRepository
	registry    *ProviderRegistry
	encrypter   crypto.Encrypter
	margin      time.Duration
	group       singleflight.Group
	locks       sync.Map // connection ID -> *sync.Mutex
	metrics     TokenMetrics
	logger      *slog.Logger
}

func NewTokenService(
	connections domain.ConnectionRepository,
	registry *ProviderRegistry,
	encrypter crypto.Encrypter,
	margin time.Duration,
	metrics TokenMetrics,
	logger *slog.Logger,
) *TokenService {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	if metrics == nil {
		metrics = NoopTokenMetrics{}
	}
	return &TokenService{
		connections: connections,
		registry:    registry,
		encrypter:   encrypter,
		margin:      margin,
		metrics:     metrics,
		logger:      logger,
	}
}

// EnsureAccessToken returns a valid plaintext access token for the connection,
// refreshing it first when it is within the expiry margin. A refresh rejected
// with an invalid grant marks the connection for reauthentication and returns
// ErrReauthenticationRequired.
func (s *TokenService) EnsureAccessToken(ctx context.Context, conn *domain.Connection) (string, error) {
	return s.ensure(ctx, conn, false)
}

// ForceRefresh refreshes the token regardless of its recorded expiry. Used
// when a provider rejects a token the store still believes is valid.
func (s *TokenService) ForceRefresh(ctx context.Context, conn *domain.Connection) (string, error) {
	return s.ensure(ctx, conn, true)
}

func (s *TokenService) ensure(ctx context.Context, conn *domain.Connection, force bool) (string, error) {
	// The per-connection mutex orders token reads against the refresh
	// leader's writes when callers share the same aggregate instance.
	mu := s.connLock(conn.ID())

	mu.Lock()
	if !force && !conn.TokenExpiresWithin(s.margin) {
		token, err := s.decryptAccess(conn)
		mu.Unlock()
		return token, err
	}
	mu.Unlock()

	token, err, _ := s.group.Do(conn.ID().String(), func() (any, error) {
		mu.Lock()
		defer mu.Unlock()
		// Another caller may have refreshed while we waited on the group.
		if !force && !conn.TokenExpiresWithin(s.margin) {
			return s.decryptAccess(conn)
		}
		return s.refresh(ctx, conn)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (s *TokenService) connLock(id uuid.UUID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *TokenService) refresh(ctx context.Context, conn *domain.Connection) (string, error) {
	provider, err := s.registry.Get(conn.Provider())
	if err != nil {
		return "", err
	}

	refreshToken, err := s.encrypter.Decrypt(conn.RefreshToken())
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	tokens, err := provider.RefreshAccessToken(ctx, string(refreshToken))
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			s.metrics.RecordTokenRefresh(conn.Provider().String(), "invalid_grant")
			return "", s.handleInvalidGrant(ctx, conn, err)
		}
		s.metrics.RecordTokenRefresh(conn.Provider().String(), "error")
		return "", fmt.Errorf("refresh token for connection %s: %w", conn.ID(), err)
	}
	s.metrics.RecordTokenRefresh(conn.Provider().String(), "success")

	encAccess, err := s.encrypter.Encrypt([]byte(tokens.AccessToken))
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	var encRefresh []byte
	if tokens.RefreshToken != "" {
		encRefresh, err = s.encrypter.Encrypt([]byte(tokens.RefreshToken))
		if err != nil {
			return "", fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	conn.UpdateTokens(encAccess, encRefresh, tokens.ExpiresAt)
	if err := s.connections.Save(ctx, conn); err != nil {
		return "", fmt.Errorf("save refreshed tokens: %w", err)
	}

	s.logger.Debug("access token refreshed",
		"connection_id", conn.ID(),
		"provider", conn.Provider(),
		"expires_at", tokens.ExpiresAt)

	return tokens.AccessToken, nil
}

func (s *TokenService) handleInvalidGrant(ctx context.Context, conn *domain.Connection, cause error) error {
	s.logger.Warn("refresh token rejected, reauthentication required",
		"connection_id", conn.ID(),
		"provider", conn.Provider())

	conn.RequireReauth()
	if err := s.connections.Save(ctx, conn); err != nil {
		return fmt.Errorf("mark connection for reauth: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrReauthenticationRequired, cause)
}

func (s *TokenService) decryptAccess(conn *domain.Connection) (string, error) {
	plain, err := s.encrypter.Decrypt(conn.AccessToken())
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	return string(plain), nil
}
