// Package google adapts the Google Calendar v3 API to the provider interface.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

const (
	defaultBaseURL   = "https://www.googleapis.com/calendar/v3"
	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

	maxResultsPerPage = 250
	requestTimeout    = 15 * time.Second
)

// Config holds the OAuth application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Provider implements the provider interface against the Google Calendar API.
type Provider struct {
	oauth     *oauth2.Config
	baseURL   string
	revokeURL string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*apiResponse]
	logger    *slog.Logger
}

// NewProvider creates a Google Calendar provider.
func NewProvider(config Config, logger *slog.Logger) *Provider {
	return NewProviderWithBaseURL(config, logger, defaultBaseURL, defaultRevokeURL)
}

// NewProviderWithBaseURL creates a provider against custom endpoints.
func NewProviderWithBaseURL(config Config, logger *slog.Logger, baseURL, revokeURL string) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}

	settings := gobreaker.Settings{
		Name: "google-calendar",
		// Only repeated transient failures open the breaker. Rejected tokens
		// and invalid cursors are terminal answers, not upstream outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !application.IsTransient(err)
		},
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     googleoauth.Endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/calendar.readonly",
			},
		},
		baseURL:   baseURL,
		revokeURL: revokeURL,
		client:    &http.Client{Timeout: requestTimeout},
		breaker:   gobreaker.NewCircuitBreaker[*apiResponse](settings),
		logger:    logger,
	}
}

func (p *Provider) Type() domain.ProviderType {
	return domain.ProviderGoogle
}

func (p *Provider) AuthorizationURL(state string) string {
	// access_type=offline with forced consent is the only way Google issues
	// a refresh token on repeat authorizations.
	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

func (p *Provider) ExchangeCode(ctx context.Context, code string) (*application.TokenSet, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, classifyOAuthError(err)
	}
	return tokenSetFromOAuth(token), nil
}

func (p *Provider) RefreshAccessToken(ctx context.Context, refreshToken string) (*application.TokenSet, error) {
	source := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, classifyOAuthError(err)
	}
	set := tokenSetFromOAuth(token)
	// Google does not rotate refresh tokens; the source echoes the input.
	if set.RefreshToken == refreshToken {
		set.RefreshToken = ""
	}
	return set, nil
}

func (p *Provider) ListCalendars(ctx context.Context, accessToken string) ([]application.RemoteCalendar, error) {
	listURL := fmt.Sprintf("%s/users/me/calendarList", p.baseURL)

	var calendars []application.RemoteCalendar
	pageToken := ""
	for {
		reqURL := listURL
		if pageToken != "" {
			reqURL += "?pageToken=" + url.QueryEscape(pageToken)
		}
		resp, err := p.get(ctx, reqURL, accessToken)
		if err != nil {
			return nil, err
		}

		var payload struct {
			Items []struct {
				ID         string `json:"id"`
				Summary    string `json:"summary"`
				ColorID    string `json:"colorId"`
				Primary    bool   `json:"primary"`
				AccessRole string `json:"accessRole"`
			} `json:"items"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := json.Unmarshal(resp.body, &payload); err != nil {
			return nil, fmt.Errorf("decode calendar list: %w", err)
		}

		for _, item := range payload.Items {
			calendars = append(calendars, application.RemoteCalendar{
				ID:         item.ID,
				Name:       item.Summary,
				Color:      item.ColorID,
				IsPrimary:  item.Primary,
				IsReadOnly: item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
			})
		}
		if payload.NextPageToken == "" {
			return calendars, nil
		}
		pageToken = payload.NextPageToken
	}
}

func (p *Provider) ListEventsFull(ctx context.Context, accessToken, calendarID string, from, to time.Time) (*application.EventPage, error) {
	params := url.Values{}
	params.Set("timeMin", from.UTC().Format(time.RFC3339))
	params.Set("timeMax", to.UTC().Format(time.RFC3339))
	return p.listEvents(ctx, accessToken, calendarID, params)
}

func (p *Provider) ListEventsIncremental(ctx context.Context, accessToken, calendarID, cursor string) (*application.EventPage, error) {
	params := url.Values{}
	params.Set("syncToken", cursor)
	return p.listEvents(ctx, accessToken, calendarID, params)
}

// listEvents follows pageToken pagination until the response carries a
// nextSyncToken, which Google only includes on the last page.
func (p *Provider) listEvents(ctx context.Context, accessToken, calendarID string, params url.Values) (*application.EventPage, error) {
	params.Set("singleEvents", "true")
	params.Set("showDeleted", "true")
	params.Set("maxResults", fmt.Sprintf("%d", maxResultsPerPage))

	page := &application.EventPage{}
	for {
		listURL := fmt.Sprintf("%s/calendars/%s/events?%s", p.baseURL, url.PathEscape(calendarID), params.Encode())
		resp, err := p.get(ctx, listURL, accessToken)
		if err != nil {
			return nil, err
		}

		var payload struct {
			Items         []googleEvent `json:"items"`
			NextPageToken string        `json:"nextPageToken"`
			NextSyncToken string        `json:"nextSyncToken"`
		}
		if err := json.Unmarshal(resp.body, &payload); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}

		for _, item := range payload.Items {
			remote, ok := item.toRemote()
			if !ok {
				p.logger.Debug("skipping event without usable times", "event_id", item.ID)
				continue
			}
			page.Events = append(page.Events, remote)
		}

		if payload.NextPageToken == "" {
			page.NextCursor = payload.NextSyncToken
			return page, nil
		}
		params.Set("pageToken", payload.NextPageToken)
	}
}

func (p *Provider) RevokeToken(ctx context.Context, accessToken string) error {
	form := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return application.Transient(err)
	}
	defer resp.Body.Close()

	// Google answers 400 for tokens that are already revoked or expired.
	// The end state is the same, so both count as success.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusBadRequest {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return classifyStatus(resp.StatusCode, body)
}

type apiResponse struct {
	status int
	body   []byte
}

// get performs an authenticated GET through the circuit breaker and
// classifies non-2xx answers.
func (p *Provider) get(ctx context.Context, reqURL, accessToken string) (*apiResponse, error) {
	resp, err := p.breaker.Execute(func() (*apiResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		httpResp, err := p.client.Do(req)
		if err != nil {
			return nil, application.Transient(err)
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, application.Transient(err)
		}
		if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
			return &apiResponse{status: httpResp.StatusCode, body: body}, nil
		}
		return nil, classifyStatus(httpResp.StatusCode, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, application.Transient(err)
		}
		return nil, err
	}
	return resp, nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusGone:
		return application.ErrCursorInvalidated
	case status == http.StatusTooManyRequests || status >= 500:
		return application.Transient(fmt.Errorf("google api status %d: %s", status, body))
	case status == http.StatusForbidden && isRateLimited(body):
		return application.Transient(fmt.Errorf("google api rate limited: %s", body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &application.AuthorizationError{
			StatusCode: status,
			Err:        fmt.Errorf("google api: %s", body),
		}
	default:
		return fmt.Errorf("google api status %d: %s", status, body)
	}
}

// Google reports quota exhaustion as 403 with a rate limit reason rather
// than 429.
func isRateLimited(body []byte) bool {
	return strings.Contains(string(body), "rateLimitExceeded") ||
		strings.Contains(string(body), "userRateLimitExceeded")
}

func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %s", application.ErrInvalidGrant, retrieveErr.ErrorDescription)
		}
		if retrieveErr.Response != nil && (retrieveErr.Response.StatusCode == http.StatusTooManyRequests || retrieveErr.Response.StatusCode >= 500) {
			return application.Transient(err)
		}
		return err
	}
	return application.Transient(err)
}

func tokenSetFromOAuth(token *oauth2.Token) *application.TokenSet {
	return &application.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
}

type googleEvent struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	Summary          string   `json:"summary"`
	Description      string   `json:"description"`
	Location         string   `json:"location"`
	RecurringEventID string   `json:"recurringEventId"`
	Recurrence       []string `json:"recurrence"`
	Start            struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
		TimeZone string `json:"timeZone"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
		TimeZone string `json:"timeZone"`
	} `json:"end"`
	Attendees []struct {
		Email          string `json:"email"`
		DisplayName    string `json:"displayName"`
		ResponseStatus string `json:"responseStatus"`
	} `json:"attendees"`
	Reminders struct {
		UseDefault bool `json:"useDefault"`
		Overrides  []struct {
			Method  string `json:"method"`
			Minutes int    `json:"minutes"`
		} `json:"overrides"`
	} `json:"reminders"`
}

func (e googleEvent) toRemote() (application.RemoteEvent, bool) {
	remote := application.RemoteEvent{
		ID:          e.ID,
		Title:       e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Status:      mapStatus(e.Status),
		IsCancelled: e.Status == "cancelled",
		IsRecurring: e.RecurringEventID != "" || len(e.Recurrence) > 0,
		Timezone:    e.Start.TimeZone,
	}
	if len(e.Recurrence) > 0 {
		remote.RecurrenceRule = e.Recurrence[0]
	}

	// Cancelled incremental entries carry no time fields; the ID is enough
	// to reconcile the deletion.
	if remote.IsCancelled {
		return remote, true
	}

	switch {
	case e.Start.DateTime != "" && e.End.DateTime != "":
		start, err := time.Parse(time.RFC3339, e.Start.DateTime)
		if err != nil {
			return remote, false
		}
		end, err := time.Parse(time.RFC3339, e.End.DateTime)
		if err != nil {
			return remote, false
		}
		remote.StartTime = start
		remote.EndTime = end
	case e.Start.Date != "" && e.End.Date != "":
		start, err := time.Parse("2006-01-02", e.Start.Date)
		if err != nil {
			return remote, false
		}
		end, err := time.Parse("2006-01-02", e.End.Date)
		if err != nil {
			return remote, false
		}
		remote.StartTime = start
		remote.EndTime = end
		remote.IsAllDay = true
	default:
		return remote, false
	}

	for _, att := range e.Attendees {
		remote.Attendees = append(remote.Attendees, domain.Attendee{
			Email:       att.Email,
			DisplayName: att.DisplayName,
			Response:    mapResponse(att.ResponseStatus),
		})
	}
	if !e.Reminders.UseDefault {
		for _, override := range e.Reminders.Overrides {
			remote.Reminders = append(remote.Reminders, domain.Reminder{
				Method:        override.Method,
				MinutesBefore: override.Minutes,
			})
		}
	}

	return remote, true
}

func mapStatus(status string) domain.EventStatus {
	switch status {
	case "tentative":
		return domain.EventStatusTentative
	case "cancelled":
		return domain.EventStatusCancelled
	default:
		return domain.EventStatusConfirmed
	}
}

func mapResponse(status string) domain.AttendeeResponse {
	switch status {
	case "accepted":
		return domain.ResponseAccepted
	case "declined":
		return domain.ResponseDeclined
	case "tentative":
		return domain.ResponseTentative
	default:
		return domain.ResponseNeedsAction
	}
}
