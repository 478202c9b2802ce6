package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"fieldbook-cloud/hold"
)

// HoldHandler exposes the slot hold API used by booking flows to keep a
// time window from being double-claimed while a customer checks out.
type HoldHandler struct {
	holds *hold.Manager
}

func NewHoldHandler(holds *hold.Manager) *HoldHandler {
	return &HoldHandler{holds: holds}
}

// RegisterRoutes registers the hold routes.
func (h *HoldHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/holds", h.handleCreateHold).Methods("POST")
	r.HandleFunc("/holds/{token}", h.handleGetHold).Methods("GET")
	r.HandleFunc("/holds/{token}", h.handleReleaseHold).Methods("DELETE")
}

// HoldRequest claims a time window for a project.
type HoldRequest struct {
	ProjectID   string    `json:"project_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Capacity    int       `json:"capacity,omitempty"`
	TTLSeconds  int       `json:"ttl_seconds,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

func (h *HoldHandler) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	var req HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.holds.CreateHold(req.ProjectID, req.Start, req.End,
		req.Capacity, time.Duration(req.TTLSeconds)*time.Second, req.Fingerprint)
	if err == hold.ErrSlotHeld {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "slot already held"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

func (h *HoldHandler) handleGetHold(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	held := h.holds.GetHold(token)
	if held == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(held)
}

func (h *HoldHandler) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	// Releasing an expired or unknown hold is not an error; the caller's goal
	// (the hold no longer exists) is met either way.
	h.holds.ReleaseHold(token)
	w.WriteHeader(http.StatusNoContent)
}
