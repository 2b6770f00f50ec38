package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// Default window for listing cached events when the caller gives no range.
const (
	defaultEventsPast   = 30 * 24 * time.Hour
	defaultEventsFuture = 365 * 24 * time.Hour
)

// ConnectionService is the slice of the connect service the handler uses.
type ConnectionService interface {
	BeginAuthorization(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) (string, error)
	CompleteAuthorization(ctx context.Context, provider domain.ProviderType, state, code string) (*application.AuthorizationGrant, error)
	CreateConnection(ctx context.Context, cmd application.CreateConnectionCommand) (*application.CreateConnectionResult, error)
	ListConnections(ctx context.Context, userID uuid.UUID) ([]*domain.Connection, error)
	GetConnection(ctx context.Context, userID, connectionID uuid.UUID) (*domain.Connection, error)
	ListEvents(ctx context.Context, userID, connectionID uuid.UUID, from, to time.Time) ([]*domain.Event, error)
}

// DisconnectionService removes a connection and revokes its tokens.
type DisconnectionService interface {
	Disconnect(ctx context.Context, userID, connectionID uuid.UUID) error
}

// CalendarHandler handles calendar connection API requests.
type CalendarHandler struct {
	connect    ConnectionService
	disconnect DisconnectionService
	scheduler  application.SyncScheduler
	grants     *grantStore
	logger     *slog.Logger
}

// CalendarHandlerConfig holds dependencies for the calendar handler.
type CalendarHandlerConfig struct {
	Connect    ConnectionService
	Disconnect DisconnectionService
	Scheduler  application.SyncScheduler
	GrantTTL   time.Duration
	Logger     *slog.Logger
}

// NewCalendarHandler creates a new calendar handler.
func NewCalendarHandler(cfg CalendarHandlerConfig) *CalendarHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CalendarHandler{
		connect:    cfg.Connect,
		disconnect: cfg.Disconnect,
		scheduler:  cfg.Scheduler,
		grants:     newGrantStore(cfg.GrantTTL),
		logger:     cfg.Logger,
	}
}

// BeginConnect handles POST /api/v1/calendars/{provider}/connect
func (h *CalendarHandler) BeginConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	provider, ok := requireProvider(w, r)
	if !ok {
		return
	}

	authURL, err := h.connect.BeginAuthorization(r.Context(), userID, provider)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"provider":          provider.String(),
		"authorization_url": authURL,
	})
}

// HandleCallback handles GET /api/v1/calendars/{provider}/callback
//
// The provider redirects here after consent. The grant's tokens stay in
// memory; the response carries only a grant id and the calendar list so the
// caller can pick which calendar to connect.
func (h *CalendarHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := requireProvider(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		h.logger.Warn("oauth consent denied",
			"provider", provider, "error", providerErr)
		writeError(w, http.StatusBadRequest, "authorization was denied: "+providerErr)
		return
	}

	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code query parameters are required")
		return
	}

	grant, err := h.connect.CompleteAuthorization(r.Context(), provider, state, code)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	grantID := h.grants.Put(grant)

	calendars := make([]calendarResponse, 0, len(grant.Calendars))
	for _, cal := range grant.Calendars {
		calendars = append(calendars, calendarResponse{
			ID:         cal.ID,
			Name:       cal.Name,
			Color:      cal.Color,
			IsPrimary:  cal.IsPrimary,
			IsReadOnly: cal.IsReadOnly,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"grant_id":  grantID,
		"user_id":   grant.UserID.String(),
		"provider":  provider.String(),
		"calendars": calendars,
	})
}

type createConnectionRequest struct {
	GrantID    string `json:"grant_id"`
	CalendarID string `json:"calendar_id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	IsPrimary  bool   `json:"is_primary"`
}

// CreateConnection handles POST /api/v1/connections
func (h *CalendarHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GrantID == "" || req.CalendarID == "" {
		writeError(w, http.StatusBadRequest, "grant_id and calendar_id are required")
		return
	}

	grant := h.grants.Take(req.GrantID)
	if grant == nil {
		writeError(w, http.StatusGone, "grant not found or expired, restart authorization")
		return
	}
	if grant.UserID != userID {
		writeError(w, http.StatusForbidden, "grant belongs to a different user")
		return
	}

	cmd := application.CreateConnectionCommand{
		UserID:     userID,
		Provider:   grant.Provider,
		CalendarID: req.CalendarID,
		Name:       req.Name,
		Color:      req.Color,
		IsPrimary:  req.IsPrimary,
		Tokens:     grant.Tokens,
	}
	for _, cal := range grant.Calendars {
		if cal.ID != req.CalendarID {
			continue
		}
		if cmd.Name == "" {
			cmd.Name = cal.Name
		}
		if cmd.Color == "" {
			cmd.Color = cal.Color
		}
		cmd.IsReadOnly = cal.IsReadOnly
		break
	}
	if cmd.Name == "" {
		cmd.Name = grant.Provider.DisplayName()
	}

	result, err := h.connect.CreateConnection(r.Context(), cmd)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.IsUpdate {
		status = http.StatusOK
	}
	writeJSON(w, status, toConnectionResponse(result.Connection))
}

// ListConnections handles GET /api/v1/connections
func (h *CalendarHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	conns, err := h.connect.ListConnections(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	responses := make([]connectionResponse, 0, len(conns))
	for _, conn := range conns {
		responses = append(responses, toConnectionResponse(conn))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": responses})
}

// GetConnection handles GET /api/v1/connections/{id}
func (h *CalendarHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	connectionID, ok := requireConnectionID(w, r)
	if !ok {
		return
	}

	conn, err := h.connect.GetConnection(r.Context(), userID, connectionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

// TriggerSync handles POST /api/v1/connections/{id}/sync
func (h *CalendarHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	connectionID, ok := requireConnectionID(w, r)
	if !ok {
		return
	}

	// Ownership check before anything touches the queue.
	if _, err := h.connect.GetConnection(r.Context(), userID, connectionID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	opts := application.SyncOptions{
		ForceFull: r.URL.Query().Get("full") == "1",
	}
	if !h.scheduler.Submit(connectionID, opts) {
		writeError(w, http.StatusServiceUnavailable, "sync queue is full, try again later")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"connection_id": connectionID.String(),
		"status":        "queued",
		"full":          opts.ForceFull,
	})
}

// ListEvents handles GET /api/v1/connections/{id}/events
func (h *CalendarHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	connectionID, ok := requireConnectionID(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	from, err := parseTimeParam(r, "from", now.Add(-defaultEventsPast))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be RFC 3339")
		return
	}
	to, err := parseTimeParam(r, "to", now.Add(defaultEventsFuture))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be RFC 3339")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	events, err := h.connect.ListEvents(r.Context(), userID, connectionID, from, to)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	responses := make([]eventResponse, 0, len(events))
	for _, event := range events {
		responses = append(responses, toEventResponse(event))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": responses})
}

// Disconnect handles DELETE /api/v1/connections/{id}
func (h *CalendarHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	connectionID, ok := requireConnectionID(w, r)
	if !ok {
		return
	}

	if err := h.disconnect.Disconnect(r.Context(), userID, connectionID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps application errors to HTTP status codes.
func (h *CalendarHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, application.ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, "connection not found")
	case errors.Is(err, application.ErrProviderNotConfigured):
		writeError(w, http.StatusNotFound, "provider not configured")
	case errors.Is(err, application.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid or expired oauth state")
	case errors.Is(err, application.ErrInvalidGrant):
		writeError(w, http.StatusBadRequest, "authorization code was rejected by the provider")
	case errors.Is(err, application.ErrReauthenticationRequired):
		writeError(w, http.StatusConflict, "connection requires reauthentication")
	default:
		h.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// requireUserID reads the caller identity from the X-User-ID header.
// Session handling lives upstream; this layer only trusts the header.
func requireUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "X-User-ID must be a UUID")
		return uuid.Nil, false
	}
	return userID, true
}

func requireProvider(w http.ResponseWriter, r *http.Request) (domain.ProviderType, bool) {
	provider := domain.ProviderType(r.PathValue("provider"))
	if !provider.IsValid() {
		writeError(w, http.StatusNotFound, "unknown provider")
		return "", false
	}
	return provider, true
}

func requireConnectionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	connectionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "connection id must be a UUID")
		return uuid.Nil, false
	}
	return connectionID, true
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, raw)
}
