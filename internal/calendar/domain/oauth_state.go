package domain

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultStateTTL is how long an OAuth state token stays valid.
const DefaultStateTTL = 30 * time.Minute

// stateTokenBytes is the entropy of a state token (256 bits).
const stateTokenBytes = 32

// ErrStateExpired is returned when a state token is past its TTL.
var ErrStateExpired = errors.New("oauth state expired")

// OAuthState is a single-use CSRF correlation token binding an OAuth
// authorization redirect to the user and provider that initiated it.
// It is consumed (deleted) on first validation, success or failure.
type OAuthState struct {
	state     string
	userID    uuid.UUID
	provider  ProviderType
	createdAt time.Time
	expiresAt time.Time
}

// NewOAuthState creates a state with a fresh random token.
func NewOAuthState(userID uuid.UUID, provider ProviderType, ttl time.Duration) (*OAuthState, error) {
	if userID == uuid.Nil {
		return nil, ErrEmptyUserID
	}
	if !provider.IsValid() {
		return nil, ErrInvalidProvider
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}

	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &OAuthState{
		state:     base64.RawURLEncoding.EncodeToString(buf),
		userID:    userID,
		provider:  provider,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}, nil
}

// Getters
func (s *OAuthState) State() string          { return s.state }
func (s *OAuthState) UserID() uuid.UUID      { return s.userID }
func (s *OAuthState) Provider() ProviderType { return s.provider }
func (s *OAuthState) CreatedAt() time.Time   { return s.createdAt }
func (s *OAuthState) ExpiresAt() time.Time   { return s.expiresAt }

// IsExpired returns true if the token is past its TTL.
func (s *OAuthState) IsExpired() bool {
	return time.Now().UTC().After(s.expiresAt)
}

// RehydrateOAuthState recreates a state from persisted data.
func RehydrateOAuthState(state string, userID uuid.UUID, provider ProviderType, createdAt, expiresAt time.Time) *OAuthState {
	return &OAuthState{
		state:     state,
		userID:    userID,
		provider:  provider,
		createdAt: createdAt,
		expiresAt: expiresAt,
	}
}

// OAuthStateRepository defines the interface for state persistence.
type OAuthStateRepository interface {
	// Save persists a new state token.
	Save(ctx context.Context, state *OAuthState) error

	// Consume atomically deletes the row for the given token and returns it.
	// Returns nil if the token does not exist. Delete-on-read closes the replay
	// window: a second Consume for the same token always returns nil.
	Consume(ctx context.Context, state string) (*OAuthState, error)

	// DeleteExpired removes expired, unconsumed tokens.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
