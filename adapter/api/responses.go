package api

import (
	"time"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

type calendarResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
	IsPrimary  bool   `json:"is_primary"`
	IsReadOnly bool   `json:"is_read_only"`
}

type connectionResponse struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	CalendarID   string     `json:"calendar_id"`
	Name         string     `json:"name"`
	Color        string     `json:"color,omitempty"`
	IsPrimary    bool       `json:"is_primary"`
	IsConnected  bool       `json:"is_connected"`
	IsReadOnly   bool       `json:"is_read_only"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	SyncErrors   int        `json:"sync_errors,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toConnectionResponse(conn *domain.Connection) connectionResponse {
	resp := connectionResponse{
		ID:          conn.ID().String(),
		Provider:    conn.Provider().String(),
		CalendarID:  conn.CalendarID(),
		Name:        conn.Name(),
		Color:       conn.Color(),
		IsPrimary:   conn.IsPrimary(),
		IsConnected: conn.IsConnected(),
		IsReadOnly:  conn.IsReadOnly(),
		SyncErrors:  conn.SyncErrors(),
		LastError:   conn.LastError(),
		CreatedAt:   conn.CreatedAt(),
	}
	if conn.HasSynced() {
		lastSynced := conn.LastSyncedAt()
		resp.LastSyncedAt = &lastSynced
	}
	return resp
}

type attendeeResponse struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Response    string `json:"response"`
}

type reminderResponse struct {
	Method        string `json:"method"`
	MinutesBefore int    `json:"minutes_before"`
}

type eventResponse struct {
	ID              string             `json:"id"`
	ProviderEventID string             `json:"provider_event_id"`
	Title           string             `json:"title"`
	Description     string             `json:"description,omitempty"`
	Location        string             `json:"location,omitempty"`
	StartTime       time.Time          `json:"start_time"`
	EndTime         time.Time          `json:"end_time"`
	IsAllDay        bool               `json:"is_all_day"`
	Timezone        string             `json:"timezone,omitempty"`
	Status          string             `json:"status"`
	IsRecurring     bool               `json:"is_recurring"`
	RecurrenceRule  string             `json:"recurrence_rule,omitempty"`
	Attendees       []attendeeResponse `json:"attendees,omitempty"`
	Reminders       []reminderResponse `json:"reminders,omitempty"`
	LastSyncedAt    time.Time          `json:"last_synced_at"`
}

func toEventResponse(event *domain.Event) eventResponse {
	resp := eventResponse{
		ID:              event.ID().String(),
		ProviderEventID: event.ProviderEventID(),
		Title:           event.Title(),
		Description:     event.Description(),
		Location:        event.Location(),
		StartTime:       event.StartTime(),
		EndTime:         event.EndTime(),
		IsAllDay:        event.IsAllDay(),
		Timezone:        event.Timezone(),
		Status:          string(event.Status()),
		IsRecurring:     event.IsRecurring(),
		RecurrenceRule:  event.RecurrenceRule(),
		LastSyncedAt:    event.LastSyncedAt(),
	}
	for _, attendee := range event.Attendees() {
		resp.Attendees = append(resp.Attendees, attendeeResponse{
			Email:       attendee.Email,
			DisplayName: attendee.DisplayName,
			Response:    string(attendee.Response),
		})
	}
	for _, reminder := range event.Reminders() {
		resp.Reminders = append(resp.Reminders, reminderResponse{
			Method:        reminder.Method,
			MinutesBefore: reminder.MinutesBefore,
		})
	}
	return resp
}
