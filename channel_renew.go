package main

import (
	"context"
	"log"
	"time"

	"fieldbook-cloud/booking"
	"fieldbook-cloud/provider"
)

// channelRenewer is a Channel that can be extended in place without tearing
// it down. Microsoft Graph subscriptions support this; Google channels do
// not and must be stopped and re-registered.
type channelRenewer interface {
	RenewChannel(ctx context.Context, acct *booking.Account, channelID string) (*provider.Channel, error)
}

// ChannelRenewer keeps provider push channels alive: it registers a channel
// for newly connected accounts and renews channels approaching expiry. An
// account with a lapsed channel still syncs through the pull fallback, but
// updates arrive minutes late instead of seconds.
type ChannelRenewer struct {
	store      *booking.Store
	providers  *provider.Registry
	webhookURL string
	interval   time.Duration
	threshold  time.Duration
	enabled    bool
}

func NewChannelRenewer(store *booking.Store, providers *provider.Registry, webhookURL string, interval, threshold time.Duration, enabled bool) *ChannelRenewer {
	return &ChannelRenewer{
		store:      store,
		providers:  providers,
		webhookURL: webhookURL,
		interval:   interval,
		threshold:  threshold,
		enabled:    enabled,
	}
}

func (r *ChannelRenewer) Start(ctx context.Context) {
	if !r.enabled {
		log.Println("Channel renewal disabled")
		return
	}
	if r.webhookURL == "" {
		log.Println("Channel renewal disabled: no webhook base URL configured")
		return
	}
	if r.interval <= 0 {
		r.interval = time.Hour
	}
	if r.threshold <= 0 {
		r.threshold = 12 * time.Hour
	}
	go r.loop(ctx)
}

func (r *ChannelRenewer) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.scanAndRenew(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *ChannelRenewer) scanAndRenew(ctx context.Context) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		log.Printf("Renewal: list accounts error: %v", err)
		return
	}

	for _, acct := range accounts {
		if acct.NeedsReauth || acct.ReadOnly() {
			continue
		}

		adapter, err := r.providers.ForProvider(acct.Provider)
		if err != nil {
			continue
		}
		registrar, ok := adapter.(provider.ChannelRegistrar)
		if !ok {
			continue
		}

		switch {
		case acct.ChannelID == "":
			r.register(ctx, acct, registrar)
		case time.Until(acct.ChannelExpiry) <= r.threshold:
			r.renew(ctx, acct, adapter, registrar)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (r *ChannelRenewer) register(ctx context.Context, acct *booking.Account, registrar provider.ChannelRegistrar) {
	ch, err := registrar.RegisterChannel(ctx, acct, "", r.webhookURL+"/webhooks/"+string(acct.Provider))
	if err != nil {
		log.Printf("Renewal: register failed for account %s: %v", acct.ID, err)
		return
	}
	if err := r.store.ReplaceChannel(ctx, acct, ch.ID, ch.ResourceID, ch.Expiry); err != nil {
		log.Printf("Renewal: persist channel failed for account %s: %v", acct.ID, err)
		return
	}
	log.Printf("Renewal: registered channel %s for account %s expiring %s",
		ch.ID, acct.ID, ch.Expiry.Format(time.RFC3339))
}

func (r *ChannelRenewer) renew(ctx context.Context, acct *booking.Account, adapter provider.Adapter, registrar provider.ChannelRegistrar) {
	log.Printf("Renewal: channel %s for account %s expiring %s",
		acct.ChannelID, acct.ID, acct.ChannelExpiry.Format(time.RFC3339))

	// In-place renewal where the provider offers it.
	if renewer, ok := adapter.(channelRenewer); ok {
		ch, err := renewer.RenewChannel(ctx, acct, acct.ChannelID)
		if err == nil {
			if err := r.store.ReplaceChannel(ctx, acct, ch.ID, ch.ResourceID, ch.Expiry); err != nil {
				log.Printf("Renewal: persist renewed channel failed for account %s: %v", acct.ID, err)
			}
			return
		}
		log.Printf("Renewal: in-place renew failed for account %s, re-registering: %v", acct.ID, err)
	}

	// Stop-then-register: the old channel may already be dead, so a stop
	// failure only gets logged.
	if err := registrar.StopChannel(ctx, acct, acct.ChannelID, acct.ResourceID); err != nil {
		log.Printf("Renewal: stop old channel %s failed: %v", acct.ChannelID, err)
	}
	r.register(ctx, acct, registrar)
}
