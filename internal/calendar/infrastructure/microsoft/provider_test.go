package microsoft

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(serverURL string) *Provider {
	return NewProviderWithBaseURL(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/callback",
	}, testLogger(), serverURL)
}

func TestAuthorizationURL_UsesMicrosoftLogin(t *testing.T) {
	p := newTestProvider("http://unused")

	authURL := p.AuthorizationURL("state-token")

	assert.Contains(t, authURL, "login.microsoftonline.com/common")
	assert.Contains(t, authURL, "state=state-token")
	assert.Contains(t, authURL, "offline_access")
}

func TestListEventsFull_FollowsNextLinkAndReturnsDeltaLink(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		require.Equal(t, `outlook.timezone="UTC"`, r.Header.Get("Prefer"))

		if r.URL.Path == "/me/calendars/cal-1/calendarView/delta" && r.URL.Query().Get("page") == "" {
			require.NotEmpty(t, r.URL.Query().Get("startDateTime"))
			fmt.Fprintf(w, `{
				"value": [{
					"id": "ev-1",
					"subject": "Standup",
					"start": {"dateTime": "2026-09-01T09:00:00.0000000", "timeZone": "UTC"},
					"end": {"dateTime": "2026-09-01T09:30:00.0000000", "timeZone": "UTC"}
				}],
				"@odata.nextLink": "%s/me/calendars/cal-1/calendarView/delta?page=2"
			}`, srv.URL)
			return
		}
		fmt.Fprintf(w, `{
			"value": [{
				"id": "ev-2",
				"subject": "Planning",
				"showAs": "tentative",
				"start": {"dateTime": "2026-09-02T10:00:00.0000000", "timeZone": "UTC"},
				"end": {"dateTime": "2026-09-02T11:00:00.0000000", "timeZone": "UTC"}
			}],
			"@odata.deltaLink": "%s/me/calendars/cal-1/calendarView/delta?$deltatoken=abc"
		}`, srv.URL)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2027, 8, 1, 0, 0, 0, 0, time.UTC)

	page, err := p.ListEventsFull(context.Background(), "access-token", "cal-1", from, to)

	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Contains(t, page.NextCursor, "$deltatoken=abc")
	assert.Equal(t, "Standup", page.Events[0].Title)
	assert.Equal(t, time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC), page.Events[0].StartTime)
	assert.Equal(t, domain.EventStatusTentative, page.Events[1].Status)
}

func TestListEventsIncremental_UsesDeltaLinkAndReportsRemovals(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "stale-token", r.URL.Query().Get("$deltatoken"))
		fmt.Fprintf(w, `{
			"value": [{
				"id": "ev-1",
				"@removed": {"reason": "deleted"}
			}],
			"@odata.deltaLink": "%s/delta?$deltatoken=next"
		}`, srv.URL)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	cursor := srv.URL + "/delta?$deltatoken=stale-token"

	page, err := p.ListEventsIncremental(context.Background(), "access-token", "cal-1", cursor)

	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.True(t, page.Events[0].IsCancelled)
	assert.Contains(t, page.NextCursor, "$deltatoken=next")
}

func TestListEventsIncremental_ResyncRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
		fmt.Fprint(w, `{"error": {"code": "resyncRequired"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)

	_, err := p.ListEventsIncremental(context.Background(), "access-token", "cal-1", srv.URL+"/delta?$deltatoken=old")

	assert.ErrorIs(t, err, application.ErrCursorInvalidated)
}

func TestListEvents_UnauthorizedIsAuthorizationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"code": "InvalidAuthenticationToken"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)

	_, err := p.ListEventsFull(context.Background(), "bad-token", "cal-1", time.Now(), time.Now().Add(time.Hour))

	assert.True(t, application.IsAuthorization(err))
}

func TestListEvents_ThrottledIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)

	_, err := p.ListEventsFull(context.Background(), "access-token", "cal-1", time.Now(), time.Now().Add(time.Hour))

	assert.True(t, application.IsTransient(err))
}

func TestListEvents_AllDayAndAttendees(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{
			"value": [{
				"id": "ev-allday",
				"subject": "Offsite",
				"isAllDay": true,
				"start": {"dateTime": "2026-09-07T00:00:00.0000000", "timeZone": "UTC"},
				"end": {"dateTime": "2026-09-08T00:00:00.0000000", "timeZone": "UTC"},
				"attendees": [{
					"emailAddress": {"address": "a@example.com", "name": "A"},
					"status": {"response": "tentativelyAccepted"}
				}],
				"isReminderOn": true,
				"reminderMinutesBeforeStart": 15
			}],
			"@odata.deltaLink": "http://unused/delta?$deltatoken=d1"
		}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)

	page, err := p.ListEventsFull(context.Background(), "access-token", "cal-1", time.Now(), time.Now().Add(time.Hour))

	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	ev := page.Events[0]
	assert.True(t, ev.IsAllDay)
	assert.Equal(t, time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC), ev.StartTime)
	assert.Equal(t, time.Date(2026, 9, 8, 0, 0, 0, 0, time.UTC), ev.EndTime)
	require.Len(t, ev.Attendees, 1)
	assert.Equal(t, domain.ResponseTentative, ev.Attendees[0].Response)
	require.Len(t, ev.Reminders, 1)
	assert.Equal(t, 15, ev.Reminders[0].MinutesBefore)
}

func TestListCalendars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/me/calendars", r.URL.Path)
		fmt.Fprint(w, `{
			"value": [
				{"id": "cal-1", "name": "Calendar", "isDefaultCalendar": true, "canEdit": true},
				{"id": "cal-2", "name": "Holidays", "canEdit": false}
			]
		}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)

	calendars, err := p.ListCalendars(context.Background(), "access-token")

	require.NoError(t, err)
	require.Len(t, calendars, 2)
	assert.True(t, calendars[0].IsPrimary)
	assert.True(t, calendars[1].IsReadOnly)
}

func TestRefreshAccessToken_InvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "invalid_grant", "error_description": "AADSTS70000: refresh token revoked"}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	p.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	_, err := p.RefreshAccessToken(context.Background(), "revoked")

	assert.ErrorIs(t, err, application.ErrInvalidGrant)
}

func TestRefreshAccessToken_RotatedTokenReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "new-access", "refresh_token": "rotated", "token_type": "Bearer", "expires_in": 3600}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	p.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	set, err := p.RefreshAccessToken(context.Background(), "old-refresh")

	require.NoError(t, err)
	assert.Equal(t, "new-access", set.AccessToken)
	assert.Equal(t, "rotated", set.RefreshToken)
}

func TestRevokeToken_IsNoOp(t *testing.T) {
	p := newTestProvider("http://unused")

	assert.NoError(t, p.RevokeToken(context.Background(), "token"))
}
