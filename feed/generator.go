package feed

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"fieldbook-cloud/booking"
)

// ErrNotFound covers unknown AND disabled feeds alike so the HTTP layer can
// answer a uniform 404 without leaking whether a token ever existed.
var ErrNotFound = errors.New("feed not found")

// feedWindow bounds how far around now a rendered feed reaches.
const (
	feedLookback  = 90 * 24 * time.Hour
	feedLookahead = 180 * 24 * time.Hour
)

// Generator renders token-authenticated read-only iCalendar feeds from the
// booking store. Token possession is the sole access control.
type Generator struct {
	store *booking.Store
	now   func() time.Time
}

func NewGenerator(store *booking.Store) *Generator {
	return &Generator{store: store, now: time.Now}
}

// NewFeedToken mints an opaque feed token from a cryptographically strong
// source; it is not derivable from the feed id.
func NewFeedToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate feed token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// RenderFeed resolves the token and renders the iCalendar document.
func (g *Generator) RenderFeed(ctx context.Context, token string) (string, error) {
	f, err := g.store.GetFeedByToken(ctx, token)
	if err == booking.ErrNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !f.Enabled {
		return "", ErrNotFound
	}

	now := g.now().UTC()
	bookings, err := g.loadScopedBookings(ctx, f, now.Add(-feedLookback), now.Add(feedLookahead))
	if err != nil {
		return "", err
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//Fieldbook//Fieldbook Cloud//EN")
	cal.Props.SetText("X-WR-CALNAME", "Fieldbook Bookings")

	for _, b := range bookings {
		cal.Children = append(cal.Children, renderEvent(f, b, now).Component)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode feed: %w", err)
	}
	return buf.String(), nil
}

func (g *Generator) loadScopedBookings(ctx context.Context, f *booking.Feed, start, end time.Time) ([]*booking.Booking, error) {
	if f.ProjectID != "" {
		bookings, err := g.store.FindBookingsInWindow(ctx, f.ProjectID, start, end)
		if err != nil {
			return nil, err
		}
		return filterTechnician(bookings, f.TechnicianID), nil
	}

	// User-wide feed: union of every project the user's accounts map to.
	accounts, err := g.store.ListUserAccounts(ctx, f.UserID)
	if err != nil {
		return nil, err
	}
	seenProjects := make(map[string]bool)
	var all []*booking.Booking
	for _, acct := range accounts {
		mappings, err := g.store.MappingsForAccount(ctx, acct.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range mappings {
			if seenProjects[m.ProjectID] {
				continue
			}
			seenProjects[m.ProjectID] = true
			bookings, err := g.store.FindBookingsInWindow(ctx, m.ProjectID, start, end)
			if err != nil {
				return nil, err
			}
			all = append(all, bookings...)
		}
	}
	return filterTechnician(all, f.TechnicianID), nil
}

func filterTechnician(bookings []*booking.Booking, technicianID string) []*booking.Booking {
	if technicianID == "" {
		return bookings
	}
	out := bookings[:0]
	for _, b := range bookings {
		if b.TechnicianID == technicianID {
			out = append(out, b)
		}
	}
	return out
}

// renderEvent maps one booking to a VEVENT, honoring the feed's content
// flags: notes and phone only appear when explicitly enabled, so a
// technician's personal calendar can show less than the dashboard.
func renderEvent(f *booking.Feed, b *booking.Booking, now time.Time) *ical.Event {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, "fieldbook-"+b.ID)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, now)
	ev.Props.SetDateTime(ical.PropDateTimeStart, b.Start.UTC())
	ev.Props.SetDateTime(ical.PropDateTimeEnd, b.End.UTC())

	summary := b.CustomerName
	if summary == "" {
		summary = "Booking"
	}
	ev.Props.SetText(ical.PropSummary, summary)

	if b.Address != "" {
		ev.Props.SetText(ical.PropLocation, b.Address)
	}

	description := ""
	if f.IncludePhone && b.CustomerPhone != "" {
		description = "Phone: " + b.CustomerPhone
	}
	if f.IncludeNotes && b.Notes != "" {
		if description != "" {
			description += "\n"
		}
		description += b.Notes
	}
	if description != "" {
		ev.Props.SetText(ical.PropDescription, description)
	}

	switch b.Status {
	case booking.StatusCanceled:
		ev.Props.SetText(ical.PropStatus, "CANCELLED")
	case booking.StatusPending:
		ev.Props.SetText(ical.PropStatus, "TENTATIVE")
	default:
		ev.Props.SetText(ical.PropStatus, "CONFIRMED")
	}

	return ev
}
