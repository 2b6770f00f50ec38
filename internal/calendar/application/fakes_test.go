package application

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestConnection builds a connected calendar with encrypted tokens that
// expire an hour from now.
func newTestConnection(t *testing.T, enc crypto.Encrypter, provider domain.ProviderType) *domain.Connection {
	t.Helper()
	conn, err := domain.NewConnection(
		uuid.New(),
		provider,
		"cal-1",
		"Work",
		encryptOrPanic(enc, "access-token"),
		encryptOrPanic(enc, "refresh-token"),
		time.Now().Add(time.Hour),
	)
	require.NoError(t, err)
	conn.ClearDomainEvents()
	return conn
}

func testEncrypter() crypto.Encrypter {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	enc, err := crypto.NewAESGCMFromBase64Key(key)
	if err != nil {
		panic(err)
	}
	return enc
}

func encryptOrPanic(enc crypto.Encrypter, plaintext string) []byte {
	out, err := enc.Encrypt([]byte(plaintext))
	if err != nil {
		panic(err)
	}
	return out
}

type connRepoFake struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*domain.Connection
	saves int
}

func newConnRepoFake() *connRepoFake {
	return &connRepoFake{conns: make(map[uuid.UUID]*domain.Connection)}
}

func (r *connRepoFake) Save(_ context.Context, conn *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
	r.saves++
	return nil
}

func (r *connRepoFake) FindByID(_ context.Context, id uuid.UUID) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id], nil
}

func (r *connRepoFake) FindByUser(_ context.Context, userID uuid.UUID) ([]*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Connection
	for _, c := range r.conns {
		if c.UserID() == userID && !c.IsDeleted() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *connRepoFake) FindByUserAndProvider(_ context.Context, userID uuid.UUID, provider domain.ProviderType) ([]*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Connection
	for _, c := range r.conns {
		if c.UserID() == userID && c.Provider() == provider && !c.IsDeleted() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *connRepoFake) FindByUserProviderAndCalendar(_ context.Context, userID uuid.UUID, provider domain.ProviderType, calendarID string) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.UserID() == userID && c.Provider() == provider && c.CalendarID() == calendarID {
			return c, nil
		}
	}
	return nil, nil
}

func (r *connRepoFake) FindPendingSync(_ context.Context, olderThan time.Time, maxErrors, limit int) ([]*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Connection
	for _, c := range r.conns {
		if c.IsDeleted() || !c.IsConnected() {
			continue
		}
		if c.SyncErrors() >= maxErrors {
			continue
		}
		if c.LastSyncedAt().After(olderThan) {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *connRepoFake) DeleteDisconnectedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, c := range r.conns {
		if c.DeletedAt() != nil && c.DeletedAt().Before(cutoff) {
			delete(r.conns, id)
			n++
		}
	}
	return n, nil
}

type eventKey struct {
	connectionID    uuid.UUID
	providerEventID string
}

type eventRepoFake struct {
	mu     sync.Mutex
	events map[eventKey]*domain.Event
}

func newEventRepoFake() *eventRepoFake {
	return &eventRepoFake{events: make(map[eventKey]*domain.Event)}
}

func (r *eventRepoFake) Save(_ context.Context, event *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[eventKey{event.ConnectionID(), event.ProviderEventID()}] = event
	return nil
}

func (r *eventRepoFake) FindByConnectionAndProviderID(_ context.Context, connectionID uuid.UUID, providerEventID string) (*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[eventKey{connectionID, providerEventID}], nil
}

func (r *eventRepoFake) FindByConnection(_ context.Context, connectionID uuid.UUID, includeDeleted bool) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Event
	for _, e := range r.events {
		if e.ConnectionID() != connectionID {
			continue
		}
		if e.IsDeleted() && !includeDeleted {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *eventRepoFake) FindByConnectionInRange(_ context.Context, connectionID uuid.UUID, from, to time.Time) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Event
	for _, e := range r.events {
		if e.ConnectionID() != connectionID || e.IsDeleted() {
			continue
		}
		if e.EndTime().After(from) && e.StartTime().Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *eventRepoFake) ActiveProviderIDsInRange(_ context.Context, connectionID uuid.UUID, from, to time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.ConnectionID() != connectionID || e.IsDeleted() {
			continue
		}
		if e.EndTime().After(from) && e.StartTime().Before(to) {
			out = append(out, e.ProviderEventID())
		}
	}
	return out, nil
}

func (r *eventRepoFake) DeleteByConnection(_ context.Context, connectionID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k := range r.events {
		if k.connectionID == connectionID {
			delete(r.events, k)
			n++
		}
	}
	return n, nil
}

func (r *eventRepoFake) active(connectionID uuid.UUID) []*domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Event
	for _, e := range r.events {
		if e.ConnectionID() == connectionID && !e.IsDeleted() {
			out = append(out, e)
		}
	}
	return out
}

type stateRepoFake struct {
	mu     sync.Mutex
	states map[string]*domain.OAuthState
}

func newStateRepoFake() *stateRepoFake {
	return &stateRepoFake{states: make(map[string]*domain.OAuthState)}
}

func (r *stateRepoFake) Save(_ context.Context, state *domain.OAuthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.State()] = state
	return nil
}

func (r *stateRepoFake) Consume(_ context.Context, state string) (*domain.OAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.states[state]
	if !ok {
		return nil, nil
	}
	delete(r.states, state)
	return stored, nil
}

func (r *stateRepoFake) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, s := range r.states {
		if s.ExpiresAt().Before(now) {
			delete(r.states, k)
			n++
		}
	}
	return n, nil
}

// providerFake is a configurable in-memory provider.
type providerFake struct {
	providerType domain.ProviderType

	mu           sync.Mutex
	refreshCalls int
	fullCalls    int
	incrCalls    int
	revoked      []string

	exchangeFn    func(code string) (*TokenSet, error)
	refreshFn     func(refreshToken string) (*TokenSet, error)
	calendarsFn   func(accessToken string) ([]RemoteCalendar, error)
	fullFn        func(accessToken, calendarID string, from, to time.Time) (*EventPage, error)
	incrementalFn func(accessToken, calendarID, cursor string) (*EventPage, error)
	revokeFn      func(accessToken string) error
}

func newProviderFake(pt domain.ProviderType) *providerFake {
	return &providerFake{providerType: pt}
}

func (p *providerFake) Type() domain.ProviderType { return p.providerType }

func (p *providerFake) AuthorizationURL(state string) string {
	return "https://auth.example.com/consent?state=" + state
}

func (p *providerFake) ExchangeCode(_ context.Context, code string) (*TokenSet, error) {
	if p.exchangeFn != nil {
		return p.exchangeFn(code)
	}
	return &TokenSet{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (p *providerFake) RefreshAccessToken(_ context.Context, refreshToken string) (*TokenSet, error) {
	p.mu.Lock()
	p.refreshCalls++
	p.mu.Unlock()
	if p.refreshFn != nil {
		return p.refreshFn(refreshToken)
	}
	return &TokenSet{AccessToken: "refreshed-access", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (p *providerFake) ListCalendars(_ context.Context, accessToken string) ([]RemoteCalendar, error) {
	if p.calendarsFn != nil {
		return p.calendarsFn(accessToken)
	}
	return []RemoteCalendar{{ID: "primary", Name: "Primary", IsPrimary: true}}, nil
}

func (p *providerFake) ListEventsFull(_ context.Context, accessToken, calendarID string, from, to time.Time) (*EventPage, error) {
	p.mu.Lock()
	p.fullCalls++
	p.mu.Unlock()
	if p.fullFn != nil {
		return p.fullFn(accessToken, calendarID, from, to)
	}
	return &EventPage{}, nil
}

func (p *providerFake) ListEventsIncremental(_ context.Context, accessToken, calendarID, cursor string) (*EventPage, error) {
	p.mu.Lock()
	p.incrCalls++
	p.mu.Unlock()
	if p.incrementalFn != nil {
		return p.incrementalFn(accessToken, calendarID, cursor)
	}
	return &EventPage{NextCursor: cursor}, nil
}

func (p *providerFake) RevokeToken(_ context.Context, accessToken string) error {
	p.mu.Lock()
	p.revoked = append(p.revoked, accessToken)
	p.mu.Unlock()
	if p.revokeFn != nil {
		return p.revokeFn(accessToken)
	}
	return nil
}

func (p *providerFake) counts() (refresh, full, incremental int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls, p.fullCalls, p.incrCalls
}
