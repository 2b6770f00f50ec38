package domain_test

import (
	"testing"
	"time"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOAuthState(t *testing.T) {
	userID := uuid.New()

	state, err := domain.NewOAuthState(userID, domain.ProviderGoogle, 30*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, userID, state.UserID())
	assert.Equal(t, domain.ProviderGoogle, state.Provider())
	assert.False(t, state.IsExpired())
	// 32 random bytes base64url-encoded without padding.
	assert.Len(t, state.State(), 43)
}

func TestNewOAuthState_Validation(t *testing.T) {
	_, err := domain.NewOAuthState(uuid.Nil, domain.ProviderGoogle, time.Minute)
	assert.ErrorIs(t, err, domain.ErrEmptyUserID)

	_, err = domain.NewOAuthState(uuid.New(), domain.ProviderType("nope"), time.Minute)
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)
}

func TestNewOAuthState_UniqueTokens(t *testing.T) {
	userID := uuid.New()

	a, err := domain.NewOAuthState(userID, domain.ProviderGoogle, time.Minute)
	require.NoError(t, err)
	b, err := domain.NewOAuthState(userID, domain.ProviderGoogle, time.Minute)
	require.NoError(t, err)

	assert.NotEqual(t, a.State(), b.State())
}

func TestNewOAuthState_DefaultTTL(t *testing.T) {
	state, err := domain.NewOAuthState(uuid.New(), domain.ProviderMicrosoft, 0)
	require.NoError(t, err)

	ttl := state.ExpiresAt().Sub(state.CreatedAt())
	assert.Equal(t, domain.DefaultStateTTL, ttl)
}

func TestOAuthState_IsExpired(t *testing.T) {
	state := domain.RehydrateOAuthState(
		"token", uuid.New(), domain.ProviderGoogle,
		time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(-30*time.Minute),
	)

	assert.True(t, state.IsExpired())
}
