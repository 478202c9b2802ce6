package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"fieldbook-cloud/booking"
)

// ICSAdapter pulls a published iCalendar feed over HTTP. ICS sources are
// read-only: outbound mutations are never pushed, only pulled.
type ICSAdapter struct {
	httpClient *http.Client
}

func NewICSAdapter() *ICSAdapter {
	return &ICSAdapter{httpClient: &http.Client{Timeout: requestTimeout}}
}

func (a *ICSAdapter) Provider() booking.Provider { return booking.ProviderICS }

func (a *ICSAdapter) ListEvents(ctx context.Context, acct *booking.Account, calendarID string, start, end time.Time) (*ListResult, error) {
	result := &ListResult{}
	if acct.FeedURL == "" {
		return result, &Error{Provider: booking.ProviderICS, Op: "list", Class: ClassData, Err: fmt.Errorf("account has no feed url")}
	}

	var body string
	err := withRetry(ctx, func() error {
		fetched, fetchErr := a.fetch(ctx, acct.FeedURL)
		if fetchErr != nil {
			return fetchErr
		}
		body = fetched
		return nil
	})
	if err != nil {
		return result, err
	}

	events, err := decodeICS(body, start, end)
	if err != nil {
		return result, &Error{Provider: booking.ProviderICS, Op: "decode", Class: ClassData, Err: err}
	}

	result.Events = events
	result.Complete = true
	return result, nil
}

// CreateEvent is a no-op: ICS feeds cannot be written to.
func (a *ICSAdapter) CreateEvent(ctx context.Context, acct *booking.Account, calendarID string, ev *ExternalEvent) (*ExternalEvent, error) {
	return ev, nil
}

// UpdateEvent is a no-op: ICS feeds cannot be written to.
func (a *ICSAdapter) UpdateEvent(ctx context.Context, acct *booking.Account, calendarID string, ev *ExternalEvent) error {
	return nil
}

// DeleteEvent is a no-op: ICS feeds cannot be written to.
func (a *ICSAdapter) DeleteEvent(ctx context.Context, acct *booking.Account, calendarID, externalID string) error {
	return nil
}

func (a *ICSAdapter) fetch(ctx context.Context, feedURL string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, feedURL, nil)
	if err != nil {
		return "", &Error{Provider: booking.ProviderICS, Op: "fetch", Class: ClassData, Err: err}
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &Error{Provider: booking.ProviderICS, Op: "fetch", Class: ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Provider: booking.ProviderICS,
			Op:       "fetch",
			Class:    classify(resp.StatusCode),
			Err:      fmt.Errorf("feed returned %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Provider: booking.ProviderICS, Op: "fetch", Class: ClassTransient, Err: err}
	}

	body := string(data)
	if err := validateICSBody(body); err != nil {
		return "", &Error{Provider: booking.ProviderICS, Op: "fetch", Class: ClassData, Err: err}
	}
	return body, nil
}

func validateICSBody(body string) error {
	trimmed := strings.TrimSpace(body)
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "<!DOCTYPE") || strings.HasPrefix(upper, "<HTML") {
		return fmt.Errorf("received HTML instead of iCalendar data; the feed URL may require authentication")
	}
	if !strings.HasPrefix(trimmed, "BEGIN:VCALENDAR") {
		return fmt.Errorf("invalid iCalendar payload: expected BEGIN:VCALENDAR")
	}
	return nil
}

func decodeICS(body string, start, end time.Time) ([]ExternalEvent, error) {
	decoder := ical.NewDecoder(strings.NewReader(body))
	var events []ExternalEvent
	seen := make(map[string]bool)

	for {
		cal, err := decoder.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode calendar: %w", err)
		}

		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			ev, convErr := icsComponentToExternal(comp)
			if convErr != nil {
				continue
			}
			if !ev.Start.Before(end) || !ev.End.After(start) {
				continue
			}
			if seen[ev.ExternalID] {
				continue
			}
			seen[ev.ExternalID] = true
			events = append(events, *ev)
		}
	}
	return events, nil
}

func icsComponentToExternal(comp *ical.Component) (*ExternalEvent, error) {
	ev := &ExternalEvent{}

	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		ev.UID = prop.Value
	}
	if prop := comp.Props.Get(ical.PropSummary); prop != nil {
		ev.Title = prop.Value
	}
	if prop := comp.Props.Get(ical.PropDescription); prop != nil {
		ev.Description = prop.Value
	}
	if prop := comp.Props.Get(ical.PropLocation); prop != nil {
		ev.Location = prop.Value
	}
	if prop := comp.Props.Get(ical.PropStatus); prop != nil {
		ev.Canceled = strings.EqualFold(prop.Value, "CANCELLED")
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, fmt.Errorf("event missing DTSTART")
	}
	start, allDay, err := parseICSDateTime(startProp)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART: %w", err)
	}
	ev.Start = start
	ev.AllDay = allDay

	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		endTime, _, err := parseICSDateTime(endProp)
		if err != nil {
			return nil, fmt.Errorf("invalid DTEND: %w", err)
		}
		ev.End = endTime
	} else {
		ev.End = ev.Start.Add(time.Hour)
	}

	if prop := comp.Props.Get(ical.PropLastModified); prop != nil {
		if t, _, err := parseICSDateTime(prop); err == nil {
			ev.LastModified = t
		}
	}

	// ICS feeds carry no opaque provider id; the UID is both id and uid.
	// Feeds that omit UID get a fallback keyed on the time window alone, so
	// retitling the event does not change its identity between pulls.
	if ev.UID == "" {
		ev.UID = "ics-" + ev.Start.UTC().Format(time.RFC3339) + "/" + ev.End.UTC().Format(time.RFC3339)
	}
	ev.ExternalID = ev.UID

	return ev, nil
}

func parseICSDateTime(prop *ical.Prop) (time.Time, bool, error) {
	if t, err := prop.DateTime(time.UTC); err == nil {
		return t, len(prop.Value) == 8, nil
	}

	value := strings.TrimSpace(prop.Value)
	for _, layout := range []string{
		"20060102T150405Z",
		"20060102T150405",
		"20060102",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, layout == "20060102", nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unparseable value %q", prop.Value)
}
