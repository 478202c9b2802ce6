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

	"fieldbook-cloud/booking"
	"fieldbook-cloud/feed"
)

func newFeedFixture(t *testing.T) (*mux.Router, *booking.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := booking.NewStore(client)

	r := mux.NewRouter()
	NewFeedHandler(store, feed.NewGenerator(store)).RegisterRoutes(r)
	return r, store
}

func TestFeedLifecycleEndpoints(t *testing.T) {
	r, store := newFeedFixture(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	b := &booking.Booking{
		ProjectID:    "proj-1",
		CustomerName: "Dana Cole",
		Start:        start,
		End:          start.Add(time.Hour),
		Status:       booking.StatusBooked,
	}
	require.NoError(t, store.CreateBooking(ctx, b))

	// Create the feed.
	body, _ := json.Marshal(FeedCreateRequest{UserID: "user-1", ProjectID: "proj-1"})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/feeds", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	var created FeedResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
	require.NotEmpty(t, created.Token)
	require.True(t, created.Enabled)

	// The token serves iCalendar.
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/feeds/"+created.Token+".ics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Type"), "text/calendar")
	require.Contains(t, rr.Body.String(), "Dana Cole")

	// Rotation revokes the old token and mints a new one.
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/feeds/"+created.ID+"/rotate", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var rotated FeedResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rotated))
	require.NotEqual(t, created.Token, rotated.Token)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/feeds/"+created.Token+".ics", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/feeds/"+rotated.Token+".ics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	// Disabling answers the same 404 as an unknown token.
	body, _ = json.Marshal(map[string]bool{"enabled": false})
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/feeds/"+created.ID+"/enabled", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/feeds/"+rotated.Token+".ics", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFeedCreateValidation(t *testing.T) {
	r, _ := newFeedFixture(t)

	body, _ := json.Marshal(FeedCreateRequest{ProjectID: "proj-1"})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/feeds", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFeedRotateUnknownFeed(t *testing.T) {
	r, _ := newFeedFixture(t)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/feeds/no-such-feed/rotate", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
