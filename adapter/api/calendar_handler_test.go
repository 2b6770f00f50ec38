package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

type connectServiceFake struct {
	authURL     string
	beginErr    error
	grant       *application.AuthorizationGrant
	completeErr error

	createResult *application.CreateConnectionResult
	createErr    error
	createCmd    application.CreateConnectionCommand

	connections []*domain.Connection
	connection  *domain.Connection
	getErr      error

	events        []*domain.Event
	listEventsErr error
	eventsFrom    time.Time
	eventsTo      time.Time
}

func (f *connectServiceFake) BeginAuthorization(_ context.Context, _ uuid.UUID, _ domain.ProviderType) (string, error) {
	return f.authURL, f.beginErr
}

func (f *connectServiceFake) CompleteAuthorization(_ context.Context, _ domain.ProviderType, _, _ string) (*application.AuthorizationGrant, error) {
	return f.grant, f.completeErr
}

func (f *connectServiceFake) CreateConnection(_ context.Context, cmd application.CreateConnectionCommand) (*application.CreateConnectionResult, error) {
	f.createCmd = cmd
	return f.createResult, f.createErr
}

func (f *connectServiceFake) ListConnections(_ context.Context, _ uuid.UUID) ([]*domain.Connection, error) {
	return f.connections, nil
}

func (f *connectServiceFake) GetConnection(_ context.Context, _, _ uuid.UUID) (*domain.Connection, error) {
	return f.connection, f.getErr
}

func (f *connectServiceFake) ListEvents(_ context.Context, _, _ uuid.UUID, from, to time.Time) ([]*domain.Event, error) {
	f.eventsFrom, f.eventsTo = from, to
	return f.events, f.listEventsErr
}

type disconnectServiceFake struct {
	err    error
	called uuid.UUID
}

func (f *disconnectServiceFake) Disconnect(_ context.Context, _, connectionID uuid.UUID) error {
	f.called = connectionID
	return f.err
}

type schedulerFake struct {
	full      bool
	submitted []uuid.UUID
	opts      []application.SyncOptions
}

func (f *schedulerFake) Submit(connectionID uuid.UUID, opts application.SyncOptions) bool {
	if f.full {
		return false
	}
	f.submitted = append(f.submitted, connectionID)
	f.opts = append(f.opts, opts)
	return true
}

func newTestHandler(connect *connectServiceFake, disconnect *disconnectServiceFake, scheduler *schedulerFake) http.Handler {
	handler := NewCalendarHandler(CalendarHandlerConfig{
		Connect:    connect,
		Disconnect: disconnect,
		Scheduler:  scheduler,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	server := NewServer(DefaultServerConfig(), handler, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return server.Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, target string, userID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, target, reader)
	if userID != uuid.Nil {
		req.Header.Set("X-User-ID", userID.String())
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func testConnection(t *testing.T, userID uuid.UUID) *domain.Connection {
	t.Helper()
	conn, err := domain.NewConnection(userID, domain.ProviderGoogle, "cal-1", "Work",
		[]byte("enc-access"), []byte("enc-refresh"), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return conn
}

func TestBeginConnect(t *testing.T) {
	userID := uuid.New()
	connect := &connectServiceFake{authURL: "https://accounts.google.com/o/oauth2/auth?state=abc"}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/calendars/google/connect", userID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "google", body["provider"])
	assert.Equal(t, connect.authURL, body["authorization_url"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestBeginConnectRequiresUser(t *testing.T) {
	handler := newTestHandler(&connectServiceFake{}, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/calendars/google/connect", uuid.Nil, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBeginConnectUnknownProvider(t *testing.T) {
	handler := newTestHandler(&connectServiceFake{}, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/calendars/caldav/connect", uuid.New(), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBeginConnectProviderNotConfigured(t *testing.T) {
	connect := &connectServiceFake{beginErr: application.ErrProviderNotConfigured}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/calendars/microsoft/connect", uuid.New(), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCallbackReturnsGrantAndCalendars(t *testing.T) {
	userID := uuid.New()
	connect := &connectServiceFake{grant: &application.AuthorizationGrant{
		UserID:   userID,
		Provider: domain.ProviderGoogle,
		Tokens: application.TokenSet{
			AccessToken:  "access",
			RefreshToken: "refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
		Calendars: []application.RemoteCalendar{
			{ID: "primary", Name: "Personal", IsPrimary: true},
			{ID: "team", Name: "Team", IsReadOnly: true},
		},
	}}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodGet,
		"/api/v1/calendars/google/callback?state=abc&code=xyz", uuid.Nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["grant_id"])
	assert.Equal(t, userID.String(), body["user_id"])
	calendars, ok := body["calendars"].([]any)
	require.True(t, ok)
	assert.Len(t, calendars, 2)
}

func TestHandleCallbackConsentDenied(t *testing.T) {
	handler := newTestHandler(&connectServiceFake{}, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodGet,
		"/api/v1/calendars/google/callback?error=access_denied", uuid.Nil, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallbackMissingParams(t *testing.T) {
	handler := newTestHandler(&connectServiceFake{}, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodGet,
		"/api/v1/calendars/google/callback?code=xyz", uuid.Nil, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallbackInvalidState(t *testing.T) {
	connect := &connectServiceFake{completeErr: application.ErrInvalidState}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodGet,
		"/api/v1/calendars/google/callback?state=stale&code=xyz", uuid.Nil, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateConnectionFromGrant(t *testing.T) {
	userID := uuid.New()
	conn := testConnection(t, userID)
	connect := &connectServiceFake{
		grant: &application.AuthorizationGrant{
			UserID:   userID,
			Provider: domain.ProviderGoogle,
			Tokens:   application.TokenSet{AccessToken: "access", RefreshToken: "refresh"},
			Calendars: []application.RemoteCalendar{
				{ID: "cal-1", Name: "Work", Color: "#4285f4", IsPrimary: true},
			},
		},
		createResult: &application.CreateConnectionResult{Connection: conn},
	}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	callback := doRequest(t, handler, http.MethodGet,
		"/api/v1/calendars/google/callback?state=abc&code=xyz", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, callback.Code)
	grantID := decodeBody(t, callback)["grant_id"].(string)

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/connections", userID,
		map[string]string{"grant_id": grantID, "calendar_id": "cal-1"})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "cal-1", connect.createCmd.CalendarID)
	assert.Equal(t, "Work", connect.createCmd.Name, "name defaults from the granted calendar")
	assert.Equal(t, "#4285f4", connect.createCmd.Color)
	assert.Equal(t, "access", connect.createCmd.Tokens.AccessToken)
	assert.Equal(t, "refresh", connect.createCmd.Tokens.RefreshToken)

	body := decodeBody(t, rec)
	assert.Equal(t, conn.ID().String(), body["id"])
}

func TestCreateConnectionGrantIsSingleUse(t *testing.T) {
	userID := uuid.New()
	connect := &connectServiceFake{
		grant: &application.AuthorizationGrant{
			UserID:    userID,
			Provider:  domain.ProviderGoogle,
			Tokens:    application.TokenSet{AccessToken: "access", RefreshToken: "refresh"},
			Calendars: []application.RemoteCalendar{{ID: "cal-1", Name: "Work"}},
		},
		createResult: &application.CreateConnectionResult{Connection: testConnection(t, userID)},
	}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	callback := doRequest(t, handler, http.MethodGet,
		"/api/v1/calendars/google/callback?state=abc&code=xyz", uuid.Nil, nil)
	grantID := decodeBody(t, callback)["grant_id"].(string)
	payload := map[string]string{"grant_id": grantID, "calendar_id": "cal-1"}

	first := doRequest(t, handler, http.MethodPost, "/api/v1/connections", userID, payload)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(t, handler, http.MethodPost, "/api/v1/connections", userID, payload)
	assert.Equal(t, http.StatusGone, second.Code)
}

func TestCreateConnectionRejectsOtherUsersGrant(t *testing.T) {
	owner := uuid.New()
	connect := &connectServiceFake{
		grant: &application.AuthorizationGrant{
			UserID:    owner,
			Provider:  domain.ProviderGoogle,
			Tokens:    application.TokenSet{AccessToken: "access", RefreshToken: "refresh"},
			Calendars: []application.RemoteCalendar{{ID: "cal-1", Name: "Work"}},
		},
	}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	callback := doRequest(t, handler, http.MethodGet,
		"/api/v1/calendars/google/callback?state=abc&code=xyz", uuid.Nil, nil)
	grantID := decodeBody(t, callback)["grant_id"].(string)

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/connections", uuid.New(),
		map[string]string{"grant_id": grantID, "calendar_id": "cal-1"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateConnectionUnknownGrant(t *testing.T) {
	handler := newTestHandler(&connectServiceFake{}, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/connections", uuid.New(),
		map[string]string{"grant_id": uuid.NewString(), "calendar_id": "cal-1"})

	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestListConnections(t *testing.T) {
	userID := uuid.New()
	connect := &connectServiceFake{connections: []*domain.Connection{
		testConnection(t, userID),
		testConnection(t, userID),
	}}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/connections", userID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	connections, ok := body["connections"].([]any)
	require.True(t, ok)
	assert.Len(t, connections, 2)
}

func TestGetConnectionNotFound(t *testing.T) {
	connect := &connectServiceFake{getErr: application.ErrConnectionNotFound}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodGet,
		"/api/v1/connections/"+uuid.NewString(), uuid.New(), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSyncQueues(t *testing.T) {
	userID := uuid.New()
	conn := testConnection(t, userID)
	connect := &connectServiceFake{connection: conn}
	scheduler := &schedulerFake{}
	handler := newTestHandler(connect, &disconnectServiceFake{}, scheduler)

	rec := doRequest(t, handler, http.MethodPost,
		"/api/v1/connections/"+conn.ID().String()+"/sync", userID, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, scheduler.submitted, 1)
	assert.Equal(t, conn.ID(), scheduler.submitted[0])
	assert.False(t, scheduler.opts[0].ForceFull)
}

func TestTriggerSyncForceFull(t *testing.T) {
	userID := uuid.New()
	conn := testConnection(t, userID)
	scheduler := &schedulerFake{}
	handler := newTestHandler(&connectServiceFake{connection: conn}, &disconnectServiceFake{}, scheduler)

	rec := doRequest(t, handler, http.MethodPost,
		"/api/v1/connections/"+conn.ID().String()+"/sync?full=1", userID, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, scheduler.opts, 1)
	assert.True(t, scheduler.opts[0].ForceFull)
}

func TestTriggerSyncQueueFull(t *testing.T) {
	userID := uuid.New()
	conn := testConnection(t, userID)
	handler := newTestHandler(&connectServiceFake{connection: conn}, &disconnectServiceFake{}, &schedulerFake{full: true})

	rec := doRequest(t, handler, http.MethodPost,
		"/api/v1/connections/"+conn.ID().String()+"/sync", userID, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerSyncUnknownConnection(t *testing.T) {
	connect := &connectServiceFake{getErr: application.ErrConnectionNotFound}
	scheduler := &schedulerFake{}
	handler := newTestHandler(connect, &disconnectServiceFake{}, scheduler)

	rec := doRequest(t, handler, http.MethodPost,
		"/api/v1/connections/"+uuid.NewString()+"/sync", uuid.New(), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, scheduler.submitted)
}

func TestListEventsDefaultWindow(t *testing.T) {
	userID := uuid.New()
	conn := testConnection(t, userID)
	event, err := domain.NewEvent(conn.ID(), "remote-1", domain.EventData{
		Title:     "Standup",
		StartTime: time.Now().Add(time.Hour),
		EndTime:   time.Now().Add(2 * time.Hour),
		Status:    domain.EventStatusConfirmed,
	})
	require.NoError(t, err)

	connect := &connectServiceFake{events: []*domain.Event{event}}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodGet,
		"/api/v1/connections/"+conn.ID().String()+"/events", userID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	events, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.True(t, connect.eventsTo.After(connect.eventsFrom))
}

func TestListEventsExplicitRange(t *testing.T) {
	userID := uuid.New()
	conn := testConnection(t, userID)
	connect := &connectServiceFake{}
	handler := newTestHandler(connect, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodGet,
		"/api/v1/connections/"+conn.ID().String()+"/events?from=2026-09-01T00:00:00Z&to=2026-09-08T00:00:00Z",
		userID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), connect.eventsFrom)
	assert.Equal(t, time.Date(2026, 9, 8, 0, 0, 0, 0, time.UTC), connect.eventsTo)
}

func TestListEventsRejectsBadRange(t *testing.T) {
	userID := uuid.New()
	conn := testConnection(t, userID)
	handler := newTestHandler(&connectServiceFake{}, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodGet,
		"/api/v1/connections/"+conn.ID().String()+"/events?from=not-a-time", userID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodGet,
		"/api/v1/connections/"+conn.ID().String()+"/events?from=2026-09-08T00:00:00Z&to=2026-09-01T00:00:00Z",
		userID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisconnect(t *testing.T) {
	userID := uuid.New()
	conn := testConnection(t, userID)
	disconnect := &disconnectServiceFake{}
	handler := newTestHandler(&connectServiceFake{}, disconnect, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodDelete,
		"/api/v1/connections/"+conn.ID().String(), userID, nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, conn.ID(), disconnect.called)
}

func TestDisconnectNotFound(t *testing.T) {
	disconnect := &disconnectServiceFake{err: application.ErrConnectionNotFound}
	handler := newTestHandler(&connectServiceFake{}, disconnect, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodDelete,
		"/api/v1/connections/"+uuid.NewString(), uuid.New(), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(&connectServiceFake{}, &disconnectServiceFake{}, &schedulerFake{})

	rec := doRequest(t, handler, http.MethodGet, "/health", uuid.Nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}
