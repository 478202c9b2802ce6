package debounce

import (
	"context"
	"log"
	"sync"
	"time"
)

// defaultDelay is how long after the last notification a re-sync fires.
// Provider notifications carry no event detail, so the only correct response
// is "re-sync this calendar soon"; the delay coalesces bursts.
const defaultDelay = 3 * time.Second

// SyncFunc runs the actual re-sync for an account.
type SyncFunc func(ctx context.Context, accountID string)

// Debouncer coalesces provider push notifications per account. Each account
// has one explicit timer handle; a new notification inside the delay window
// stops and replaces it, so a burst of ten notifications schedules one sync,
// timed from the last notification.
type Debouncer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	delay  time.Duration
	run    SyncFunc

	ctx    context.Context
	cancel context.CancelFunc
}

func New(delay time.Duration, run SyncFunc) *Debouncer {
	if delay <= 0 {
		delay = defaultDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		timers: make(map[string]*time.Timer),
		delay:  delay,
		run:    run,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Notify schedules (or re-arms) the debounced re-sync for an account.
func (d *Debouncer) Notify(accountID string) {
	if accountID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		return
	}

	if timer, ok := d.timers[accountID]; ok {
		timer.Stop()
	}

	d.timers[accountID] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, accountID)
		d.mu.Unlock()

		if d.ctx.Err() != nil {
			return
		}
		log.Printf("Debounce: running re-sync for account %s", accountID)
		d.run(d.ctx, accountID)
	})
}

// Cancel drops any pending re-sync for the account.
func (d *Debouncer) Cancel(accountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.timers[accountID]; ok {
		timer.Stop()
		delete(d.timers, accountID)
	}
}

// Pending reports whether a re-sync is currently scheduled for the account.
func (d *Debouncer) Pending(accountID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[accountID]
	return ok
}

// Stop cancels all pending timers and prevents new ones. An in-flight sync
// is not interrupted beyond cancellation of its context.
func (d *Debouncer) Stop() {
	d.cancel()

	d.mu.Lock()
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
}
