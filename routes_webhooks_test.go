package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"fieldbook-cloud/booking"
	"fieldbook-cloud/debounce"
)

func newWebhookFixture(t *testing.T) (*mux.Router, *booking.Store, *debounce.Debouncer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := booking.NewStore(client)

	// Long delay keeps the timer pending for the duration of each test.
	debouncer := debounce.New(time.Minute, func(ctx context.Context, accountID string) {})
	t.Cleanup(debouncer.Stop)

	r := mux.NewRouter()
	NewWebhookHandler(store, debouncer).RegisterRoutes(r)
	return r, store, debouncer
}

func TestGoogleWebhookMissingHeaders(t *testing.T) {
	r, _, _ := newWebhookFixture(t)

	req := httptest.NewRequest("POST", "/webhooks/google", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGoogleWebhookSyncStateAcknowledgedWithoutScheduling(t *testing.T) {
	r, store, debouncer := newWebhookFixture(t)

	acct := &booking.Account{UserID: "user-1", Provider: booking.ProviderGoogle, ChannelID: "chan-1"}
	require.NoError(t, store.SaveAccount(context.Background(), acct))

	req := httptest.NewRequest("POST", "/webhooks/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Resource-State", "sync")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, debouncer.Pending(acct.ID))
}

func TestGoogleWebhookSchedulesDebouncedSync(t *testing.T) {
	r, store, debouncer := newWebhookFixture(t)

	acct := &booking.Account{UserID: "user-1", Provider: booking.ProviderGoogle, ChannelID: "chan-1"}
	require.NoError(t, store.SaveAccount(context.Background(), acct))

	req := httptest.NewRequest("POST", "/webhooks/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Resource-State", "exists")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, debouncer.Pending(acct.ID))
}

func TestGoogleWebhookStaleChannelAcknowledged(t *testing.T) {
	r, _, _ := newWebhookFixture(t)

	req := httptest.NewRequest("POST", "/webhooks/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "no-such-channel")
	req.Header.Set("X-Goog-Resource-State", "exists")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	// Stale channels must still be acknowledged or the provider retries
	// forever.
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestMicrosoftWebhookValidationHandshake(t *testing.T) {
	r, _, _ := newWebhookFixture(t)

	req := httptest.NewRequest("POST", "/webhooks/microsoft?validationToken=abc%20123", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Type"), "text/plain")

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	require.Equal(t, "abc 123", string(body))
}

func TestMicrosoftWebhookNotificationSchedulesSync(t *testing.T) {
	r, store, debouncer := newWebhookFixture(t)

	acct := &booking.Account{UserID: "user-1", Provider: booking.ProviderMicrosoft, ChannelID: "sub-1"}
	require.NoError(t, store.SaveAccount(context.Background(), acct))

	payload := map[string]interface{}{
		"value": []map[string]string{
			{"subscriptionId": "sub-1", "changeType": "updated", "resource": "me/events/xyz"},
			{"subscriptionId": "unknown-sub", "changeType": "updated", "resource": "me/events/abc"},
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/webhooks/microsoft", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, debouncer.Pending(acct.ID))
}

func TestMicrosoftWebhookInvalidBody(t *testing.T) {
	r, _, _ := newWebhookFixture(t)

	req := httptest.NewRequest("POST", "/webhooks/microsoft", bytes.NewReader([]byte("not json")))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}
