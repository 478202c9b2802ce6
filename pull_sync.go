package main

import (
	"context"
	"log"
	"time"

	"fieldbook-cloud/booking"
	"fieldbook-cloud/reconcile"
)

// PullSyncer is the safety net under webhooks: a periodic full reconciliation
// of every connected account. Missed notifications, lapsed channels and ICS
// feeds (which have no push at all) are all caught here.
type PullSyncer struct {
	store     *booking.Store
	engine    *reconcile.Engine
	interval  time.Duration
	lookback  time.Duration
	lookahead time.Duration
	enabled   bool
}

func NewPullSyncer(store *booking.Store, engine *reconcile.Engine, interval, lookback, lookahead time.Duration, enabled bool) *PullSyncer {
	return &PullSyncer{
		store:     store,
		engine:    engine,
		interval:  interval,
		lookback:  lookback,
		lookahead: lookahead,
		enabled:   enabled,
	}
}

func (p *PullSyncer) Start(ctx context.Context) {
	if !p.enabled {
		log.Println("Pull sync disabled")
		return
	}
	if p.interval <= 0 {
		p.interval = 15 * time.Minute
	}
	if p.lookback <= 0 {
		p.lookback = 30 * 24 * time.Hour
	}
	if p.lookahead <= 0 {
		p.lookahead = 60 * 24 * time.Hour
	}

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.runOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (p *PullSyncer) runOnce(ctx context.Context) {
	accounts, err := p.store.ListAccounts(ctx)
	if err != nil {
		log.Printf("Pull sync: list accounts error: %v", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	now := time.Now().UTC()
	since := now.Add(-p.lookback)
	until := now.Add(p.lookahead)

	for _, acct := range accounts {
		if acct.NeedsReauth {
			continue
		}
		p.syncAccount(ctx, acct.ID, since, until)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *PullSyncer) syncAccount(ctx context.Context, accountID string, since, until time.Time) {
	outcome, err := p.engine.ImportFromExternal(ctx, "", accountID, since, until)
	if err == reconcile.ErrSyncBusy {
		// A webhook-triggered pass is already covering this account.
		return
	}
	if err != nil {
		log.Printf("Pull sync: account %s: %v", accountID, err)
		return
	}
	if outcome.Created+outcome.Updated+outcome.Deleted > 0 || len(outcome.Errors) > 0 {
		log.Printf("Pull sync: account %s: %s", accountID, outcome.Summary)
	}
}
