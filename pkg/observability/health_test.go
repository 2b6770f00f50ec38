package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthRegistryAggregatesStatus(t *testing.T) {
	registry := NewHealthRegistry()
	registry.Register("database", DatabaseHealthChecker(func(context.Context) error { return nil }))
	registry.Register("redis", RedisHealthChecker(func(context.Context) error { return errors.New("down") }))

	health := registry.Check(context.Background())

	assert.Equal(t, HealthStatusDegraded, health.Status)
	assert.Equal(t, HealthStatusHealthy, health.Checks["database"].Status)
	assert.Equal(t, HealthStatusDegraded, health.Checks["redis"].Status)
}

func TestHealthRegistryUnhealthyWins(t *testing.T) {
	registry := NewHealthRegistry()
	registry.Register("database", DatabaseHealthChecker(func(context.Context) error { return errors.New("down") }))
	registry.Register("rabbitmq", RabbitMQHealthChecker(func(context.Context) error { return errors.New("down") }))

	health := registry.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, health.Status)
}

func TestHealthHandler(t *testing.T) {
	registry := NewHealthRegistry()
	registry.Register("database", DatabaseHealthChecker(func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, 200, rec.Code)
	var health OverallHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, HealthStatusHealthy, health.Status)
}

func TestHealthHandlerServiceUnavailable(t *testing.T) {
	registry := NewHealthRegistry()
	registry.Register("database", DatabaseHealthChecker(func(context.Context) error { return errors.New("down") }))

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, rec.Code)
}
