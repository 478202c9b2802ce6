package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"fieldbook-cloud/booking"
	"fieldbook-cloud/debounce"
)

// WebhookHandler receives provider push notifications and feeds the
// debouncer. Notifications carry no event detail; the handler only resolves
// which account changed and schedules its re-sync.
type WebhookHandler struct {
	store     *booking.Store
	debouncer *debounce.Debouncer
}

func NewWebhookHandler(store *booking.Store, debouncer *debounce.Debouncer) *WebhookHandler {
	return &WebhookHandler{store: store, debouncer: debouncer}
}

// RegisterRoutes registers the provider webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/google", h.handleGoogleNotification).Methods("POST")
	r.HandleFunc("/webhooks/microsoft", h.handleMicrosoftNotification).Methods("POST")
}

// handleGoogleNotification handles Google Calendar push notifications.
// Google identifies the calendar via X-Goog-* headers only.
func (h *WebhookHandler) handleGoogleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channelID := r.Header.Get("X-Goog-Channel-ID")
	resourceState := r.Header.Get("X-Goog-Resource-State")
	if channelID == "" || resourceState == "" {
		http.Error(w, "Missing required Google headers", http.StatusBadRequest)
		return
	}

	// The initial "sync" notification only confirms the channel; no
	// calendar change happened and no re-sync is scheduled.
	if resourceState == "sync" {
		log.Printf("Webhook: channel %s confirmed", channelID)
		w.WriteHeader(http.StatusOK)
		return
	}

	acct, err := h.store.FindAccountByChannel(ctx, channelID)
	if err == booking.ErrNotFound {
		// Stale channel from a previous registration; acknowledge and drop.
		log.Printf("Webhook: no account for channel %s, dropping", channelID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		log.Printf("Webhook: channel lookup failed for %s: %v", channelID, err)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.debouncer.Notify(acct.ID)
	w.WriteHeader(http.StatusOK)
}

// microsoftNotification is the Graph change-notification envelope.
type microsoftNotification struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
	} `json:"value"`
}

// handleMicrosoftNotification handles Graph change notifications and the
// subscription validation handshake.
func (h *WebhookHandler) handleMicrosoftNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Subscription validation is a oneshot liveness check that happens
	// before any account exists for the subscription: the token must be
	// echoed back verbatim as the entire plain-text body.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(token)); err != nil {
			log.Printf("Webhook: failed to echo validation token: %v", err)
		}
		return
	}

	var notification microsoftNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		http.Error(w, "Invalid notification body", http.StatusBadRequest)
		return
	}

	for _, change := range notification.Value {
		if change.SubscriptionID == "" {
			continue
		}
		acct, err := h.store.FindAccountByChannel(ctx, change.SubscriptionID)
		if err == booking.ErrNotFound {
			log.Printf("Webhook: no account for subscription %s, dropping", change.SubscriptionID)
			continue
		}
		if err != nil {
			log.Printf("Webhook: subscription lookup failed for %s: %v", change.SubscriptionID, err)
			continue
		}
		h.debouncer.Notify(acct.ID)
	}

	w.WriteHeader(http.StatusOK)
}
