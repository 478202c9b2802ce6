package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"fieldbook-cloud/hold"
)

func newHoldRouter(t *testing.T) (*mux.Router, *hold.Manager) {
	t.Helper()
	holds := hold.NewManager()
	r := mux.NewRouter()
	NewHoldHandler(holds).RegisterRoutes(r)
	return r, holds
}

func postHold(t *testing.T, r *mux.Router, req HoldRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/holds", bytes.NewReader(body)))
	return rr
}

func TestCreateHoldEndpoint(t *testing.T) {
	r, _ := newHoldRouter(t)

	start := time.Date(2026, 7, 20, 9, 0, 0, 0, time.UTC)
	rr := postHold(t, r, HoldRequest{ProjectID: "proj-1", Start: start, End: start.Add(time.Hour)})
	require.Equal(t, http.StatusCreated, rr.Code)

	var created hold.Hold
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
	require.NotEmpty(t, created.Token)
	require.True(t, created.ExpiresAt.After(time.Now()))

	// Overlapping second hold conflicts.
	rr = postHold(t, r, HoldRequest{ProjectID: "proj-1", Start: start.Add(30 * time.Minute), End: start.Add(90 * time.Minute)})
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestCreateHoldValidation(t *testing.T) {
	r, _ := newHoldRouter(t)

	rr := postHold(t, r, HoldRequest{ProjectID: "proj-1"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", "/holds", bytes.NewReader([]byte("bad json"))))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetAndReleaseHoldEndpoints(t *testing.T) {
	r, _ := newHoldRouter(t)

	start := time.Date(2026, 7, 20, 9, 0, 0, 0, time.UTC)
	rr := postHold(t, r, HoldRequest{ProjectID: "proj-1", Start: start, End: start.Add(time.Hour)})
	require.Equal(t, http.StatusCreated, rr.Code)
	var created hold.Hold
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/holds/"+created.Token, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("DELETE", "/holds/"+created.Token, nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/holds/"+created.Token, nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	// Releasing again still succeeds.
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("DELETE", "/holds/"+created.Token, nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
}
