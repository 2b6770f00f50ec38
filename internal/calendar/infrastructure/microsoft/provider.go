// Package microsoft adapts the Microsoft Graph calendar API to the provider
// interface.
package microsoft

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
	microsoftoauth "golang.org/x/oauth2/microsoft"

	"github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"

	requestTimeout = 15 * time.Second
)

// graphTimeLayout is the fractional-seconds layout Graph uses for event times.
const graphTimeLayout = "2006-01-02T15:04:05.9999999"

// Config holds the OAuth application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Tenant narrows sign-in to one directory; "common" allows any account.
	Tenant string
}

// Provider implements the provider interface against Microsoft Graph.
type Provider struct {
	oauth   *oauth2.Config
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*apiResponse]
	logger  *slog.Logger
}

// NewProvider creates a Microsoft Graph provider.
func NewProvider(config Config, logger *slog.Logger) *Provider {
	return NewProviderWithBaseURL(config, logger, defaultBaseURL)
}

// NewProviderWithBaseURL creates a provider against a custom Graph endpoint.
func NewProviderWithBaseURL(config Config, logger *slog.Logger, baseURL string) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	tenant := config.Tenant
	if tenant == "" {
		tenant = "common"
	}

	settings := gobreaker.Settings{
		Name: "microsoft-graph",
		IsSuccessful: func(err error) bool {
			return err == nil || !application.IsTransient(err)
		},
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     microsoftoauth.AzureADEndpoint(tenant),
			Scopes: []string{
				"offline_access",
				"Calendars.Read",
			},
		},
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker[*apiResponse](settings),
		logger:  logger,
	}
}

func (p *Provider) Type() domain.ProviderType {
	return domain.ProviderMicrosoft
}

func (p *Provider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state)
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
	// Azure AD rotates refresh tokens on every use; only report a rotation
	// when the value actually changed.
	if set.RefreshToken == refreshToken {
		set.RefreshToken = ""
	}
	return set, nil
}

func (p *Provider) ListCalendars(ctx context.Context, accessToken string) ([]application.RemoteCalendar, error) {
	var calendars []application.RemoteCalendar
	nextURL := p.baseURL + "/me/calendars"
	for nextURL != "" {
		resp, err := p.get(ctx, nextURL, accessToken)
		if err != nil {
			return nil, err
		}

		var payload struct {
			Value []struct {
				ID                string `json:"id"`
				Name              string `json:"name"`
				HexColor          string `json:"hexColor"`
				IsDefaultCalendar bool   `json:"isDefaultCalendar"`
				CanEdit           bool   `json:"canEdit"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(resp.body, &payload); err != nil {
			return nil, fmt.Errorf("decode calendar list: %w", err)
		}

		for _, item := range payload.Value {
			calendars = append(calendars, application.RemoteCalendar{
				ID:         item.ID,
				Name:       item.Name,
				Color:      item.HexColor,
				IsPrimary:  item.IsDefaultCalendar,
				IsReadOnly: !item.CanEdit,
			})
		}
		nextURL = payload.NextLink
	}
	return calendars, nil
}

// ListEventsFull starts a delta enumeration over the window. Graph hands back
// a deltaLink on the last page, which becomes the incremental cursor.
func (p *Provider) ListEventsFull(ctx context.Context, accessToken, calendarID string, from, to time.Time) (*application.EventPage, error) {
	params := url.Values{}
	params.Set("startDateTime", from.UTC().Format(time.RFC3339))
	params.Set("endDateTime", to.UTC().Format(time.RFC3339))
	deltaURL := fmt.Sprintf("%s/me/calendars/%s/calendarView/delta?%s",
		p.baseURL, url.PathEscape(calendarID), params.Encode())
	return p.followDelta(ctx, accessToken, deltaURL)
}

// ListEventsIncremental resumes from a previously returned deltaLink.
func (p *Provider) ListEventsIncremental(ctx context.Context, accessToken, calendarID, cursor string) (*application.EventPage, error) {
	return p.followDelta(ctx, accessToken, cursor)
}

func (p *Provider) followDelta(ctx context.Context, accessToken, deltaURL string) (*application.EventPage, error) {
	page := &application.EventPage{}
	nextURL := deltaURL
	for {
		resp, err := p.get(ctx, nextURL, accessToken)
		if err != nil {
			return nil, err
		}

		var payload struct {
			Value     []graphEvent `json:"value"`
			NextLink  string       `json:"@odata.nextLink"`
			DeltaLink string       `json:"@odata.deltaLink"`
		}
		if err := json.Unmarshal(resp.body, &payload); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}

		for _, item := range payload.Value {
			remote, ok := item.toRemote()
			if !ok {
				p.logger.Debug("skipping event without usable times", "event_id", item.ID)
				continue
			}
			page.Events = append(page.Events, remote)
		}

		switch {
		case payload.NextLink != "":
			nextURL = payload.NextLink
		case payload.DeltaLink != "":
			page.NextCursor = payload.DeltaLink
			return page, nil
		default:
			return page, nil
		}
	}
}

// RevokeToken is a no-op: the Microsoft identity platform has no token
// revocation endpoint for delegated grants. Tokens lapse on their own once
// the refresh token goes unused.
func (p *Provider) RevokeToken(_ context.Context, _ string) error {
	p.logger.Debug("microsoft tokens cannot be revoked remotely, relying on expiry")
	return nil
}

type apiResponse struct {
	status int
	body   []byte
}

func (p *Provider) get(ctx context.Context, reqURL, accessToken string) (*apiResponse, error) {
	resp, err := p.breaker.Execute(func() (*apiResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		// Event times come back in UTC regardless of the mailbox timezone.
		req.Header.Set("Prefer", `outlook.timezone="UTC"`)

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
	case status == http.StatusGone || strings.Contains(string(body), "resyncRequired"):
		return application.ErrCursorInvalidated
	case status == http.StatusTooManyRequests || status >= 500:
		return application.Transient(fmt.Errorf("graph api status %d: %s", status, body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &application.AuthorizationError{
			StatusCode: status,
			Err:        fmt.Errorf("graph api: %s", body),
		}
	default:
		return fmt.Errorf("graph api status %d: %s", status, body)
	}
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

type graphEvent struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	BodyPreview string `json:"bodyPreview"`
	Location    struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Start struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"end"`
	IsAllDay       bool   `json:"isAllDay"`
	IsCancelled    bool   `json:"isCancelled"`
	ShowAs         string `json:"showAs"`
	SeriesMasterID string `json:"seriesMasterId"`
	Type           string `json:"type"`
	Recurrence     *struct {
		Pattern struct {
			Type     string `json:"type"`
			Interval int    `json:"interval"`
		} `json:"pattern"`
	} `json:"recurrence"`
	Attendees []struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
		Status struct {
			Response string `json:"response"`
		} `json:"status"`
	} `json:"attendees"`
	IsReminderOn               bool `json:"isReminderOn"`
	ReminderMinutesBeforeStart int  `json:"reminderMinutesBeforeStart"`
	Removed                    *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

func (e graphEvent) toRemote() (application.RemoteEvent, bool) {
	remote := application.RemoteEvent{
		ID:          e.ID,
		Title:       e.Subject,
		Description: e.BodyPreview,
		Location:    e.Location.DisplayName,
		Status:      mapStatus(e),
		IsCancelled: e.IsCancelled || e.Removed != nil,
		IsRecurring: e.SeriesMasterID != "" || e.Recurrence != nil,
		Timezone:    e.Start.TimeZone,
	}
	if e.Recurrence != nil {
		remote.RecurrenceRule = fmt.Sprintf("%s;interval=%d", e.Recurrence.Pattern.Type, e.Recurrence.Pattern.Interval)
	}

	// Removed delta entries carry only the ID.
	if remote.IsCancelled {
		return remote, true
	}

	start, ok := parseGraphTime(e.Start.DateTime, e.Start.TimeZone)
	if !ok {
		return remote, false
	}
	end, ok := parseGraphTime(e.End.DateTime, e.End.TimeZone)
	if !ok {
		return remote, false
	}
	remote.StartTime = start
	remote.EndTime = end
	remote.IsAllDay = e.IsAllDay

	for _, att := range e.Attendees {
		remote.Attendees = append(remote.Attendees, domain.Attendee{
			Email:       att.EmailAddress.Address,
			DisplayName: att.EmailAddress.Name,
			Response:    mapResponse(att.Status.Response),
		})
	}
	if e.IsReminderOn {
		remote.Reminders = []domain.Reminder{{
			Method:        "popup",
			MinutesBefore: e.ReminderMinutesBeforeStart,
		}}
	}

	return remote, true
}

// parseGraphTime parses Graph's fractional local-time format in the named
// zone. UTC is the common case because of the Prefer header.
func parseGraphTime(value, zone string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	loc := time.UTC
	if zone != "" && zone != "UTC" {
		parsed, err := time.LoadLocation(zone)
		if err == nil {
			loc = parsed
		}
	}
	t, err := time.ParseInLocation(graphTimeLayout, value, loc)
	if err != nil {
		// Some responses omit the fractional seconds.
		t, err = time.ParseInLocation("2006-01-02T15:04:05", value, loc)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

func mapStatus(e graphEvent) domain.EventStatus {
	switch {
	case e.IsCancelled:
		return domain.EventStatusCancelled
	case e.ShowAs == "tentative":
		return domain.EventStatusTentative
	default:
		return domain.EventStatusConfirmed
	}
}

func mapResponse(status string) domain.AttendeeResponse {
	switch status {
	case "accepted", "organizer":
		return domain.ResponseAccepted
	case "declined":
		return domain.ResponseDeclined
	case "tentativelyAccepted":
		return domain.ResponseTentative
	default:
		return domain.ResponseNeedsAction
	}
}
