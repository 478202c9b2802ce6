package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"fieldbook-cloud/booking"
	"fieldbook-cloud/hold"
	"fieldbook-cloud/provider"
	"fieldbook-cloud/reconcile"
)

// noRefresh satisfies the engine's refresher; ICS accounts never hit it.
type noRefresh struct{}

func (noRefresh) RefreshNow(ctx context.Context, acct *booking.Account) (*oauth2.Token, error) {
	return &oauth2.Token{}, nil
}

func newSyncFixture(t *testing.T) (*mux.Router, *booking.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := booking.NewStore(client)

	registry := provider.NewRegistry(provider.NewICSAdapter())
	engine := reconcile.NewEngine(store, registry, noRefresh{}, hold.NewManager(), nil)

	r := mux.NewRouter()
	NewSyncHandler(engine).RegisterRoutes(r)
	return r, store
}

func TestManualSyncUnknownAccount(t *testing.T) {
	r, _ := newSyncFixture(t)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/sync/no-such-account", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestManualSyncInvalidWindow(t *testing.T) {
	r, _ := newSyncFixture(t)

	since := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	until := since.Add(-time.Hour)
	body, _ := json.Marshal(SyncRequest{Since: &since, Until: &until})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/sync/any", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestManualSyncImportsICSFeed(t *testing.T) {
	r, store := newSyncFixture(t)
	ctx := context.Background()

	feedBody := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//Example//Example//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:evt-1\r\n" +
		"SUMMARY:Site visit\r\n" +
		"DTSTAMP:20260701T080000Z\r\n" +
		"DTSTART:20260710T090000Z\r\n" +
		"DTEND:20260710T100000Z\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(feedBody))
	}))
	defer server.Close()

	acct := &booking.Account{UserID: "user-1", Provider: booking.ProviderICS, FeedURL: server.URL}
	require.NoError(t, store.SaveAccount(ctx, acct))
	require.NoError(t, store.SaveMapping(ctx, &booking.Mapping{AccountID: acct.ID, ProjectID: "proj-1"}))

	since := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	body, _ := json.Marshal(SyncRequest{UserID: "user-1", Since: &since, Until: &until})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/sync/"+acct.ID, bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	var outcome reconcile.Outcome
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&outcome))
	require.Equal(t, 1, outcome.Created)
	require.False(t, outcome.Partial)

	imported, err := store.FindByExternalID(ctx, booking.ProviderICS, "proj-1", "evt-1")
	require.NoError(t, err)
	require.Equal(t, "Site visit", imported.CustomerName)

	// Scoping to a different user hides the account.
	body, _ = json.Marshal(SyncRequest{UserID: "someone-else", Since: &since, Until: &until})
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/sync/"+acct.ID, bytes.NewReader(body)))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
