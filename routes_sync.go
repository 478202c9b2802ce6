package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"fieldbook-cloud/booking"
	"fieldbook-cloud/reconcile"
)

// Default manual-sync window around now when the caller does not send one.
const (
	defaultSyncLookback  = 30 * 24 * time.Hour
	defaultSyncLookahead = 60 * 24 * time.Hour
)

// SyncHandler exposes the manual reconciliation trigger.
type SyncHandler struct {
	engine *reconcile.Engine
}

func NewSyncHandler(engine *reconcile.Engine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// RegisterRoutes registers the manual sync route.
func (h *SyncHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sync/{accountId}", h.handleManualSync).Methods("POST")
}

// SyncRequest optionally narrows the reconciliation window.
type SyncRequest struct {
	UserID string     `json:"user_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
}

func (h *SyncHandler) handleManualSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := mux.Vars(r)["accountId"]

	var req SyncRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	now := time.Now().UTC()
	since := now.Add(-defaultSyncLookback)
	until := now.Add(defaultSyncLookahead)
	if req.Since != nil {
		since = *req.Since
	}
	if req.Until != nil {
		until = *req.Until
	}
	if !until.After(since) {
		http.Error(w, "until must be after since", http.StatusBadRequest)
		return
	}

	outcome, err := h.engine.ImportFromExternal(ctx, req.UserID, accountID, since, until)
	if err == reconcile.ErrSyncBusy {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "sync already running for this account, retry shortly",
		})
		return
	}
	if err == booking.ErrNotFound {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}
