package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"fieldbook-cloud/booking"
	"fieldbook-cloud/hold"
	"fieldbook-cloud/journal"
	"fieldbook-cloud/provider"
	"fieldbook-cloud/security"
)

// defaultLockWait bounds how long a pass waits for a concurrently running
// sync of the same account before giving up as retryable.
const defaultLockWait = 30 * time.Second

// ErrSyncBusy is a retryable failure: another pass holds the account lock
// and did not finish within the bounded wait.
var ErrSyncBusy = errors.New("sync already running for this account")

// Outcome is the structured result of one reconciliation pass. Provider and
// data failures land in Errors / Partial instead of bubbling as a Go error,
// so webhook callers can always acknowledge the provider.
type Outcome struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Deleted int      `json:"deleted_count"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
	Partial bool     `json:"partial"`
	Summary string   `json:"summary"`
}

func (o *Outcome) addError(format string, args ...any) {
	o.Errors = append(o.Errors, fmt.Sprintf(format, args...))
}

func (o *Outcome) finish() *Outcome {
	o.Summary = fmt.Sprintf("created=%d updated=%d deleted=%d skipped=%d errors=%d partial=%t",
		o.Created, o.Updated, o.Deleted, o.Skipped, len(o.Errors), o.Partial)
	return o
}

// TokenRefresher performs the one-shot refresh retry on auth failures.
type TokenRefresher interface {
	RefreshNow(ctx context.Context, acct *booking.Account) (*oauth2.Token, error)
}

// HoldView supplies the consistent hold snapshot a pass decides against.
type HoldView interface {
	Snapshot(projectID string) []hold.Hold
}

// Engine computes and applies the diff between external calendar events and
// internal bookings for a time window.
type Engine struct {
	store     *booking.Store
	providers *provider.Registry
	creds     TokenRefresher
	holds     HoldView
	journal   *journal.Journal

	lockWait time.Duration
	mu       sync.Mutex
	locks    map[string]chan struct{}
}

func NewEngine(store *booking.Store, providers *provider.Registry, creds TokenRefresher, holds HoldView, jrnl *journal.Journal) *Engine {
	return &Engine{
		store:     store,
		providers: providers,
		creds:     creds,
		holds:     holds,
		journal:   jrnl,
		lockWait:  defaultLockWait,
		locks:     make(map[string]chan struct{}),
	}
}

// acquire serializes passes per account with a bounded wait. Two pulls for
// the same account running unserialized could both conclude "new" for the
// same external event.
func (e *Engine) acquire(ctx context.Context, accountID string) (func(), error) {
	e.mu.Lock()
	ch, ok := e.locks[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		e.locks[accountID] = ch
	}
	e.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-time.After(e.lockWait):
		return nil, ErrSyncBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ImportFromExternal runs one reconciliation pass for the account over
// [since, until). It is idempotent and safe to invoke concurrently; passes
// for the same account are serialized. The returned error is non-nil only
// for caller-level failures (unknown account, lock timeout); provider and
// per-event failures are reported inside the Outcome.
func (e *Engine) ImportFromExternal(ctx context.Context, userID, accountID string, since, until time.Time) (*Outcome, error) {
	release, err := e.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	outcome := &Outcome{}

	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if userID != "" && acct.UserID != userID {
		return nil, booking.ErrNotFound
	}
	if acct.NeedsReauth {
		outcome.addError("account needs re-authorization; sync suspended")
		return e.record(ctx, accountID, outcome.finish()), nil
	}

	adapter, err := e.providers.ForProvider(acct.Provider)
	if err != nil {
		return nil, err
	}

	mappings, err := e.store.MappingsForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		outcome.Summary = "no project mappings configured"
		return e.record(ctx, accountID, outcome), nil
	}

	for _, m := range mappings {
		e.syncMapping(ctx, acct, adapter, m, since, until, outcome)
	}

	if err := e.store.TouchLastSynced(ctx, accountID, time.Now()); err != nil {
		log.Printf("Sync: failed to touch last_synced_at for account %s: %v", accountID, err)
	}

	return e.record(ctx, accountID, outcome.finish()), nil
}

func (e *Engine) syncMapping(ctx context.Context, acct *booking.Account, adapter provider.Adapter, m *booking.Mapping, since, until time.Time, outcome *Outcome) {
	listing, listErr := adapter.ListEvents(ctx, acct, m.CalendarID, since, until)
	if listErr != nil && provider.IsAuthError(listErr) {
		// One refresh, one retry; a second auth failure flags the account
		// inside RefreshNow and this pass stops touching it.
		if _, refreshErr := e.creds.RefreshNow(ctx, acct); refreshErr != nil {
			outcome.Partial = true
			outcome.addError("project %s: token refresh failed: %v", m.ProjectID, refreshErr)
			return
		}
		listing, listErr = adapter.ListEvents(ctx, acct, m.CalendarID, since, until)
	}
	if listErr != nil {
		outcome.Partial = true
		outcome.addError("project %s: list events: %v", m.ProjectID, listErr)
	}
	if listing == nil {
		listing = &provider.ListResult{}
	}
	if !listing.Complete {
		outcome.Partial = true
	}

	// One consistent snapshot of holds and bookings for the whole pass.
	holds := e.holds.Snapshot(m.ProjectID)
	internal, err := e.store.FindBookingsInWindow(ctx, m.ProjectID, since, until)
	if err != nil {
		outcome.Partial = true
		outcome.addError("project %s: load bookings: %v", m.ProjectID, err)
		return
	}

	seen := make(map[string]bool, len(listing.Events))

	for i := range listing.Events {
		ev := &listing.Events[i]
		if ev.ExternalID != "" {
			seen[ev.ExternalID] = true
		}
		e.applyEvent(ctx, acct, m, ev, holds, outcome)
	}

	// Bookings whose external event vanished from a fully-listed window were
	// deleted on the provider side. A truncated listing must never cancel
	// bookings, so this step requires a complete pull.
	if listing.Complete {
		for _, b := range internal {
			if b.ExternalEventID == "" || b.Provider != acct.Provider || seen[b.ExternalEventID] {
				continue
			}
			if overlapsHold(holds, b.Start, b.End) {
				outcome.Skipped++
				continue
			}
			if err := e.store.SoftDeleteBooking(ctx, b.ID); err != nil {
				outcome.addError("project %s: soft delete %s: %v", m.ProjectID, b.ID, err)
				continue
			}
			outcome.Deleted++
		}
	}
}

func (e *Engine) applyEvent(ctx context.Context, acct *booking.Account, m *booking.Mapping, ev *provider.ExternalEvent, holds []hold.Hold, outcome *Outcome) {
	if ev.ExternalID == "" {
		outcome.addError("project %s: event missing external id", m.ProjectID)
		return
	}

	match, err := e.store.FindByExternalID(ctx, acct.Provider, m.ProjectID, ev.ExternalID)
	if err != nil && err != booking.ErrNotFound {
		outcome.addError("project %s: lookup %s: %v", m.ProjectID, ev.ExternalID, err)
		return
	}

	// Secondary match by stable UID covers providers that rotate the opaque
	// event id across edits.
	if match == nil && ev.UID != "" {
		byUID, err := e.store.FindByUID(ctx, acct.Provider, m.ProjectID, ev.UID)
		if err != nil && err != booking.ErrNotFound {
			outcome.addError("project %s: uid lookup %s: %v", m.ProjectID, ev.UID, err)
			return
		}
		if byUID != nil && !byUID.Deleted() {
			if err := e.store.RebindExternalID(ctx, byUID, ev.ExternalID); err != nil {
				outcome.addError("project %s: rebind %s: %v", m.ProjectID, byUID.ID, err)
				return
			}
			match = byUID
		}
	}

	// A cancelled event in the listing is an explicit provider-side
	// deletion; unlike disappearance this is trusted even on partial pulls.
	if ev.Canceled {
		if match != nil && !match.Deleted() {
			if overlapsHold(holds, match.Start, match.End) {
				outcome.Skipped++
				return
			}
			if err := e.store.SoftDeleteBooking(ctx, match.ID); err != nil {
				outcome.addError("project %s: soft delete %s: %v", m.ProjectID, match.ID, err)
				return
			}
			outcome.Deleted++
		}
		return
	}

	if ev.Start.IsZero() || ev.End.IsZero() || !ev.End.After(ev.Start) {
		outcome.addError("project %s: event %s has invalid time window", m.ProjectID, ev.ExternalID)
		return
	}

	if match == nil {
		// A live caller may be mid-conversation on this slot; leave the
		// event for the next pass once the hold clears or its own booking
		// lands and deduplicates by external id.
		if overlapsHold(holds, ev.Start, ev.End) {
			outcome.Skipped++
			return
		}
		b := &booking.Booking{
			ProjectID:          m.ProjectID,
			CustomerName:       customerNameFor(ev),
			CustomerEmail:      ev.AttendeeEmail,
			Address:            ev.Location,
			Notes:              ev.Description,
			Start:              ev.Start,
			End:                ev.End,
			Status:             booking.StatusBooked,
			Provider:           acct.Provider,
			ExternalEventID:    ev.ExternalID,
			ExternalUID:        ev.UID,
			ExternalModifiedAt: ev.LastModified,
		}
		err := e.store.CreateBooking(ctx, b)
		if err == booking.ErrDuplicateExternalID {
			// Another pass or the booking flow claimed it first.
			outcome.Skipped++
			return
		}
		if err != nil {
			outcome.addError("project %s: create from %s: %v", m.ProjectID, ev.ExternalID, err)
			return
		}
		outcome.Created++
		return
	}

	// External edits win only on strictly newer modification time, and only
	// for scheduling and descriptive fields. Workflow state and technician
	// assignment are internally owned and never overwritten by sync.
	if !ev.LastModified.After(match.ExternalModifiedAt) {
		return
	}
	match.Start = ev.Start
	match.End = ev.End
	match.Notes = ev.Description
	match.Address = ev.Location
	match.ExternalModifiedAt = ev.LastModified
	if err := e.store.UpdateBooking(ctx, match); err != nil {
		outcome.addError("project %s: update %s: %v", m.ProjectID, match.ID, err)
		return
	}
	outcome.Updated++
}

// ExportBooking pushes an internal booking's current state to the account's
// calendar. ICS accounts are pull-only and the push is a no-op.
func (e *Engine) ExportBooking(ctx context.Context, accountID, bookingID string) error {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.NeedsReauth {
		return security.ErrNeedsReauth
	}
	if acct.ReadOnly() {
		return nil
	}

	b, err := e.store.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if !b.Scheduled() {
		return fmt.Errorf("booking %s is not scheduled", bookingID)
	}

	adapter, err := e.providers.ForProvider(acct.Provider)
	if err != nil {
		return err
	}

	calendarID := ""
	mappings, err := e.store.MappingsForAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if m.ProjectID == b.ProjectID {
			calendarID = m.CalendarID
			break
		}
	}

	ev := &provider.ExternalEvent{
		ExternalID:    b.ExternalEventID,
		UID:           b.ExternalUID,
		Start:         b.Start,
		End:           b.End,
		Title:         exportTitle(b),
		Description:   b.Notes,
		Location:      b.Address,
		AttendeeName:  b.CustomerName,
		AttendeeEmail: b.CustomerEmail,
	}

	switch {
	case b.Deleted():
		if b.ExternalEventID == "" {
			return nil
		}
		return adapter.DeleteEvent(ctx, acct, calendarID, b.ExternalEventID)
	case b.ExternalEventID == "":
		created, err := adapter.CreateEvent(ctx, acct, calendarID, ev)
		if err != nil {
			return err
		}
		return e.store.AttachExternalID(ctx, b, acct.Provider, created.ExternalID, created.UID)
	default:
		return adapter.UpdateEvent(ctx, acct, calendarID, ev)
	}
}

func (e *Engine) record(ctx context.Context, accountID string, outcome *Outcome) *Outcome {
	if e.journal == nil {
		return outcome
	}
	values := map[string]any{
		"created": strconv.Itoa(outcome.Created),
		"updated": strconv.Itoa(outcome.Updated),
		"deleted": strconv.Itoa(outcome.Deleted),
		"skipped": strconv.Itoa(outcome.Skipped),
		"errors":  strconv.Itoa(len(outcome.Errors)),
		"partial": strconv.FormatBool(outcome.Partial),
		"summary": outcome.Summary,
	}
	if _, err := e.journal.Record(ctx, accountID, values); err != nil {
		log.Printf("Sync: failed to journal outcome for account %s: %v", accountID, err)
	}
	return outcome
}

func overlapsHold(holds []hold.Hold, start, end time.Time) bool {
	for _, h := range holds {
		if h.Start.Before(end) && h.End.After(start) {
			return true
		}
	}
	return false
}

func customerNameFor(ev *provider.ExternalEvent) string {
	if ev.AttendeeName != "" {
		return ev.AttendeeName
	}
	return ev.Title
}

func exportTitle(b *booking.Booking) string {
	if b.CustomerName != "" {
		return b.CustomerName
	}
	return "Booking " + b.ID
}
