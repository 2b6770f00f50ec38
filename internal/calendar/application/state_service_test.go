package application

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

func TestStateService_RoundTrip(t *testing.T) {
	svc := NewStateService(newStateRepoFake(), time.Hour, discardLogger())
	userID := uuid.New()

	state, err := svc.Create(context.Background(), userID, domain.ProviderGoogle)
	require.NoError(t, err)
	require.NotEmpty(t, state)

	got, err := svc.ValidateAndConsume(context.Background(), state, domain.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestStateService_StateIsSingleUse(t *testing.T) {
	svc := NewStateService(newStateRepoFake(), time.Hour, discardLogger())

	state, err := svc.Create(context.Background(), uuid.New(), domain.ProviderGoogle)
	require.NoError(t, err)

	_, err = svc.ValidateAndConsume(context.Background(), state, domain.ProviderGoogle)
	require.NoError(t, err)

	_, err = svc.ValidateAndConsume(context.Background(), state, domain.ProviderGoogle)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStateService_UnknownState(t *testing.T) {
	svc := NewStateService(newStateRepoFake(), time.Hour, discardLogger())

	_, err := svc.ValidateAndConsume(context.Background(), "forged", domain.ProviderGoogle)

	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStateService_ExpiredState(t *testing.T) {
	repo := newStateRepoFake()
	svc := NewStateService(repo, time.Hour, discardLogger())

	expired := domain.RehydrateOAuthState("expired-state", uuid.New(), domain.ProviderGoogle,
		time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	require.NoError(t, repo.Save(context.Background(), expired))

	_, err := svc.ValidateAndConsume(context.Background(), "expired-state", domain.ProviderGoogle)

	assert.ErrorIs(t, err, ErrInvalidState)

	// Consumption is destructive even on failure.
	_, err = svc.ValidateAndConsume(context.Background(), "expired-state", domain.ProviderGoogle)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStateService_ProviderMismatch(t *testing.T) {
	svc := NewStateService(newStateRepoFake(), time.Hour, discardLogger())

	state, err := svc.Create(context.Background(), uuid.New(), domain.ProviderGoogle)
	require.NoError(t, err)

	_, err = svc.ValidateAndConsume(context.Background(), state, domain.ProviderMicrosoft)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStateService_PurgeExpired(t *testing.T) {
	repo := newStateRepoFake()
	svc := NewStateService(repo, time.Hour, discardLogger())

	expired := domain.RehydrateOAuthState("old", uuid.New(), domain.ProviderGoogle,
		time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	require.NoError(t, repo.Save(context.Background(), expired))
	_, err := svc.Create(context.Background(), uuid.New(), domain.ProviderGoogle)
	require.NoError(t, err)

	purged, err := svc.PurgeExpired(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
