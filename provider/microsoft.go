package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"fieldbook-cloud/booking"
)

const (
	msGraphBaseURL        = "https://graph.microsoft.com/v1.0"
	msSubscriptionWindow  = 4230 * time.Minute // Graph caps event subscriptions just under 3 days
	msCalendarViewMaxPage = 100
)

// MicrosoftAdapter talks to Microsoft Graph for Outlook/365 calendars.
type MicrosoftAdapter struct {
	tokens     TokenProvider
	httpClient *http.Client
}

func NewMicrosoftAdapter(tokens TokenProvider) *MicrosoftAdapter {
	return &MicrosoftAdapter{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

func (m *MicrosoftAdapter) Provider() booking.Provider { return booking.ProviderMicrosoft }

// graphEvent is the subset of the Graph event resource the sync cares about.
type graphEvent struct {
	ID                   string          `json:"id,omitempty"`
	ICalUID              string          `json:"iCalUId,omitempty"`
	Subject              string          `json:"subject,omitempty"`
	BodyPreview          string          `json:"bodyPreview,omitempty"`
	IsCancelled          bool            `json:"isCancelled,omitempty"`
	IsAllDay             bool            `json:"isAllDay,omitempty"`
	LastModifiedDateTime string          `json:"lastModifiedDateTime,omitempty"`
	Start                *graphDateTime  `json:"start,omitempty"`
	End                  *graphDateTime  `json:"end,omitempty"`
	Location             *graphLocation  `json:"location,omitempty"`
	Attendees            []graphAttendee `json:"attendees,omitempty"`
	Body                 *graphBody      `json:"body,omitempty"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphAttendee struct {
	Type         string `json:"type,omitempty"`
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

func (m *MicrosoftAdapter) do(ctx context.Context, acct *booking.Account, op, method, endpoint string, body any, out any) error {
	token, err := m.tokens.FreshToken(ctx, acct)
	if err != nil {
		return &Error{Provider: booking.ProviderMicrosoft, Op: op, Class: ClassAuth, Err: err}
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Provider: booking.ProviderMicrosoft, Op: op, Class: ClassData, Err: err}
		}
		payload = bytes.NewReader(data)
	}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, endpoint, payload)
	if err != nil {
		return &Error{Provider: booking.ProviderMicrosoft, Op: op, Class: ClassData, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &Error{Provider: booking.ProviderMicrosoft, Op: op, Class: ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{
			Provider: booking.ProviderMicrosoft,
			Op:       op,
			Class:    classify(resp.StatusCode),
			Err:      fmt.Errorf("graph returned %d: %s", resp.StatusCode, snippet),
		}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Provider: booking.ProviderMicrosoft, Op: op, Class: ClassData, Err: err}
		}
	}
	return nil
}

func (m *MicrosoftAdapter) eventsBase(calendarID string) string {
	if calendarID == "" {
		return msGraphBaseURL + "/me"
	}
	return msGraphBaseURL + "/me/calendars/" + url.PathEscape(calendarID)
}

func (m *MicrosoftAdapter) ListEvents(ctx context.Context, acct *booking.Account, calendarID string, start, end time.Time) (*ListResult, error) {
	result := &ListResult{}

	endpoint := fmt.Sprintf("%s/calendarView?startDateTime=%s&endDateTime=%s&$top=%d",
		m.eventsBase(calendarID),
		url.QueryEscape(start.UTC().Format(time.RFC3339)),
		url.QueryEscape(end.UTC().Format(time.RFC3339)),
		msCalendarViewMaxPage)

	for endpoint != "" {
		var page struct {
			Value    []graphEvent `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		err := withRetry(ctx, func() error {
			return m.do(ctx, acct, "list", http.MethodGet, endpoint, nil, &page)
		})
		if err != nil {
			return result, err
		}
		for _, ge := range page.Value {
			ev, convErr := graphEventToExternal(&ge)
			if convErr != nil {
				continue
			}
			result.Events = append(result.Events, *ev)
		}
		endpoint = page.NextLink
	}

	result.Complete = true
	return result, nil
}

func (m *MicrosoftAdapter) CreateEvent(ctx context.Context, acct *booking.Account, calendarID string, ev *ExternalEvent) (*ExternalEvent, error) {
	var created graphEvent
	err := withRetry(ctx, func() error {
		return m.do(ctx, acct, "create", http.MethodPost, m.eventsBase(calendarID)+"/events", externalToGraphEvent(ev), &created)
	})
	if err != nil {
		return nil, err
	}
	return graphEventToExternal(&created)
}

func (m *MicrosoftAdapter) UpdateEvent(ctx context.Context, acct *booking.Account, calendarID string, ev *ExternalEvent) error {
	endpoint := msGraphBaseURL + "/me/events/" + url.PathEscape(ev.ExternalID)
	return withRetry(ctx, func() error {
		return m.do(ctx, acct, "update", http.MethodPatch, endpoint, externalToGraphEvent(ev), nil)
	})
}

func (m *MicrosoftAdapter) DeleteEvent(ctx context.Context, acct *booking.Account, calendarID, externalID string) error {
	endpoint := msGraphBaseURL + "/me/events/" + url.PathEscape(externalID)
	err := withRetry(ctx, func() error {
		return m.do(ctx, acct, "delete", http.MethodDelete, endpoint, nil, nil)
	})
	var pe *Error
	if err != nil && errors.As(err, &pe) && pe.Class == ClassData {
		// Event already gone on the provider side.
		return nil
	}
	return err
}

// RegisterChannel creates a Graph change-notification subscription for the
// account's events.
func (m *MicrosoftAdapter) RegisterChannel(ctx context.Context, acct *booking.Account, calendarID, webhookURL string) (*Channel, error) {
	resource := "me/events"
	if calendarID != "" {
		resource = "me/calendars/" + calendarID + "/events"
	}
	reqBody := map[string]any{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    webhookURL,
		"resource":           resource,
		"expirationDateTime": time.Now().Add(msSubscriptionWindow).UTC().Format(time.RFC3339),
		"clientState":        newChannelID(),
	}

	var sub struct {
		ID                 string `json:"id"`
		Resource           string `json:"resource"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	err := withRetry(ctx, func() error {
		return m.do(ctx, acct, "subscribe", http.MethodPost, msGraphBaseURL+"/subscriptions", reqBody, &sub)
	})
	if err != nil {
		return nil, err
	}

	expiry, _ := time.Parse(time.RFC3339, sub.ExpirationDateTime)
	return &Channel{ID: sub.ID, ResourceID: sub.Resource, Expiry: expiry}, nil
}

// StopChannel deletes a Graph subscription.
func (m *MicrosoftAdapter) StopChannel(ctx context.Context, acct *booking.Account, channelID, resourceID string) error {
	return withRetry(ctx, func() error {
		return m.do(ctx, acct, "unsubscribe", http.MethodDelete, msGraphBaseURL+"/subscriptions/"+url.PathEscape(channelID), nil, nil)
	})
}

// RenewChannel extends a Graph subscription's expiry.
func (m *MicrosoftAdapter) RenewChannel(ctx context.Context, acct *booking.Account, channelID string) (*Channel, error) {
	reqBody := map[string]any{
		"expirationDateTime": time.Now().Add(msSubscriptionWindow).UTC().Format(time.RFC3339),
	}
	var sub struct {
		ID                 string `json:"id"`
		Resource           string `json:"resource"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	err := withRetry(ctx, func() error {
		return m.do(ctx, acct, "renew", http.MethodPatch, msGraphBaseURL+"/subscriptions/"+url.PathEscape(channelID), reqBody, &sub)
	})
	if err != nil {
		return nil, err
	}
	expiry, _ := time.Parse(time.RFC3339, sub.ExpirationDateTime)
	return &Channel{ID: sub.ID, ResourceID: sub.Resource, Expiry: expiry}, nil
}

func graphEventToExternal(ge *graphEvent) (*ExternalEvent, error) {
	if ge.ID == "" {
		return nil, fmt.Errorf("event missing id")
	}
	start, err := parseGraphDateTime(ge.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s: invalid start: %w", ge.ID, err)
	}
	end, err := parseGraphDateTime(ge.End)
	if err != nil {
		return nil, fmt.Errorf("event %s: invalid end: %w", ge.ID, err)
	}

	ev := &ExternalEvent{
		ExternalID:  ge.ID,
		UID:         ge.ICalUID,
		Start:       start,
		End:         end,
		Title:       ge.Subject,
		Description: ge.BodyPreview,
		Canceled:    ge.IsCancelled,
		AllDay:      ge.IsAllDay,
	}
	if ge.Location != nil {
		ev.Location = ge.Location.DisplayName
	}
	if ge.LastModifiedDateTime != "" {
		if t, err := time.Parse(time.RFC3339, ge.LastModifiedDateTime); err == nil {
			ev.LastModified = t
		}
	}
	for _, att := range ge.Attendees {
		if att.Type == "resource" {
			continue
		}
		ev.AttendeeName = att.EmailAddress.Name
		ev.AttendeeEmail = att.EmailAddress.Address
		break
	}
	return ev, nil
}

func externalToGraphEvent(ev *ExternalEvent) *graphEvent {
	out := &graphEvent{
		Subject: ev.Title,
		Start:   &graphDateTime{DateTime: ev.Start.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
		End:     &graphDateTime{DateTime: ev.End.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
	}
	if ev.Description != "" {
		out.Body = &graphBody{ContentType: "text", Content: ev.Description}
	}
	if ev.Location != "" {
		out.Location = &graphLocation{DisplayName: ev.Location}
	}
	if ev.AttendeeEmail != "" {
		att := graphAttendee{Type: "required"}
		att.EmailAddress.Name = ev.AttendeeName
		att.EmailAddress.Address = ev.AttendeeEmail
		out.Attendees = []graphAttendee{att}
	}
	return out
}

// Graph omits the offset in dateTime values and carries the zone separately;
// with the UTC Prefer header the value is always UTC.
func parseGraphDateTime(dt *graphDateTime) (time.Time, error) {
	if dt == nil || dt.DateTime == "" {
		return time.Time{}, fmt.Errorf("missing datetime")
	}
	for _, layout := range []string{"2006-01-02T15:04:05.9999999", "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, dt.DateTime); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", dt.DateTime)
}
