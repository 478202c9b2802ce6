package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"fieldbook-cloud/booking"
)

// googleChannelLifetime is how long a watch channel is requested for.
// Google caps calendar channels at roughly a week; a day keeps renewal cheap.
const googleChannelLifetime = 24 * time.Hour

// GoogleAdapter talks to the Google Calendar API.
type GoogleAdapter struct {
	tokens TokenProvider
}

func NewGoogleAdapter(tokens TokenProvider) *GoogleAdapter {
	return &GoogleAdapter{tokens: tokens}
}

func (g *GoogleAdapter) Provider() booking.Provider { return booking.ProviderGoogle }

func (g *GoogleAdapter) service(ctx context.Context, acct *booking.Account) (*calendar.Service, error) {
	token, err := g.tokens.FreshToken(ctx, acct)
	if err != nil {
		return nil, &Error{Provider: booking.ProviderGoogle, Op: "token", Class: ClassAuth, Err: err}
	}
	svc, err := calendar.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

func googleErr(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &Error{Provider: booking.ProviderGoogle, Op: op, Class: classify(apiErr.Code), Err: err}
	}
	return &Error{Provider: booking.ProviderGoogle, Op: op, Class: ClassTransient, Err: err}
}

func (g *GoogleAdapter) ListEvents(ctx context.Context, acct *booking.Account, calendarID string, start, end time.Time) (*ListResult, error) {
	svc, err := g.service(ctx, acct)
	if err != nil {
		return &ListResult{}, err
	}
	if calendarID == "" {
		calendarID = "primary"
	}

	result := &ListResult{}
	pageToken := ""
	for {
		var resp *calendar.Events
		err := withRetry(ctx, func() error {
			callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()
			call := svc.Events.List(calendarID).
				ShowDeleted(true).
				SingleEvents(true).
				TimeMin(start.Format(time.RFC3339)).
				TimeMax(end.Format(time.RFC3339))
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var callErr error
			resp, callErr = call.Context(callCtx).Do()
			if callErr != nil {
				return googleErr("list", callErr)
			}
			return nil
		})
		if err != nil {
			// Pages collected so far are usable, but the window is partial.
			return result, err
		}

		for _, item := range resp.Items {
			ev, convErr := googleEventToExternal(item)
			if convErr != nil {
				// Malformed single event; surfaced per-event by the engine.
				continue
			}
			result.Events = append(result.Events, *ev)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	result.Complete = true
	return result, nil
}

func (g *GoogleAdapter) CreateEvent(ctx context.Context, acct *booking.Account, calendarID string, ev *ExternalEvent) (*ExternalEvent, error) {
	svc, err := g.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	if calendarID == "" {
		calendarID = "primary"
	}

	var created *calendar.Event
	err = withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		var callErr error
		created, callErr = svc.Events.Insert(calendarID, externalToGoogleEvent(ev)).Context(callCtx).Do()
		if callErr != nil {
			return googleErr("create", callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return googleEventToExternal(created)
}

func (g *GoogleAdapter) UpdateEvent(ctx context.Context, acct *booking.Account, calendarID string, ev *ExternalEvent) error {
	svc, err := g.service(ctx, acct)
	if err != nil {
		return err
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if _, callErr := svc.Events.Update(calendarID, ev.ExternalID, externalToGoogleEvent(ev)).Context(callCtx).Do(); callErr != nil {
			return googleErr("update", callErr)
		}
		return nil
	})
}

func (g *GoogleAdapter) DeleteEvent(ctx context.Context, acct *booking.Account, calendarID, externalID string) error {
	svc, err := g.service(ctx, acct)
	if err != nil {
		return err
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		callErr := svc.Events.Delete(calendarID, externalID).Context(callCtx).Do()
		if callErr != nil {
			var apiErr *googleapi.Error
			// Already gone counts as deleted.
			if errors.As(callErr, &apiErr) && (apiErr.Code == 404 || apiErr.Code == 410) {
				return nil
			}
			return googleErr("delete", callErr)
		}
		return nil
	})
}

// RegisterChannel opens a push notification channel for the calendar.
func (g *GoogleAdapter) RegisterChannel(ctx context.Context, acct *booking.Account, calendarID, webhookURL string) (*Channel, error) {
	svc, err := g.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	if calendarID == "" {
		calendarID = "primary"
	}

	channel := &calendar.Channel{
		Id:         newChannelID(),
		Type:       "web_hook",
		Address:    webhookURL,
		Expiration: time.Now().Add(googleChannelLifetime).UnixMilli(),
	}

	var resp *calendar.Channel
	err = withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		var callErr error
		resp, callErr = svc.Events.Watch(calendarID, channel).Context(callCtx).Do()
		if callErr != nil {
			return googleErr("watch", callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Channel{
		ID:         resp.Id,
		ResourceID: resp.ResourceId,
		Expiry:     time.UnixMilli(resp.Expiration),
	}, nil
}

// StopChannel closes a push notification channel.
func (g *GoogleAdapter) StopChannel(ctx context.Context, acct *booking.Account, channelID, resourceID string) error {
	svc, err := g.service(ctx, acct)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		callErr := svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(callCtx).Do()
		if callErr != nil {
			return googleErr("stop", callErr)
		}
		return nil
	})
}

func googleEventToExternal(event *calendar.Event) (*ExternalEvent, error) {
	if event.Id == "" {
		return nil, fmt.Errorf("event missing id")
	}

	start, allDay, err := parseGoogleDateTime(event.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s: invalid start: %w", event.Id, err)
	}
	end, _, err := parseGoogleDateTime(event.End)
	if err != nil {
		return nil, fmt.Errorf("event %s: invalid end: %w", event.Id, err)
	}

	ev := &ExternalEvent{
		ExternalID:  event.Id,
		UID:         event.ICalUID,
		Start:       start,
		End:         end,
		Title:       event.Summary,
		Description: event.Description,
		Location:    event.Location,
		Canceled:    event.Status == "cancelled",
		AllDay:      allDay,
	}

	if event.Updated != "" {
		if updated, err := time.Parse(time.RFC3339, event.Updated); err == nil {
			ev.LastModified = updated
		}
	}

	for _, att := range event.Attendees {
		if att.Organizer || att.Resource {
			continue
		}
		ev.AttendeeName = att.DisplayName
		ev.AttendeeEmail = att.Email
		break
	}

	return ev, nil
}

func externalToGoogleEvent(ev *ExternalEvent) *calendar.Event {
	out := &calendar.Event{
		Id:          ev.ExternalID,
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}
	if ev.AttendeeEmail != "" {
		out.Attendees = []*calendar.EventAttendee{{
			Email:       ev.AttendeeEmail,
			DisplayName: ev.AttendeeName,
		}}
	}
	return out
}

func parseGoogleDateTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, fmt.Errorf("missing datetime")
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	if dt.Date != "" {
		t, err := time.Parse("2006-01-02", dt.Date)
		return t, true, err
	}
	return time.Time{}, false, fmt.Errorf("empty datetime")
}
