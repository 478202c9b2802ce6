package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"fieldbook-cloud/booking"
	"fieldbook-cloud/feed"
)

// FeedHandler serves published iCalendar feeds and their management API.
type FeedHandler struct {
	store     *booking.Store
	generator *feed.Generator
}

func NewFeedHandler(store *booking.Store, generator *feed.Generator) *FeedHandler {
	return &FeedHandler{store: store, generator: generator}
}

// RegisterRoutes registers the feed routes.
func (h *FeedHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/feeds/{token}.ics", h.handleRenderFeed).Methods("GET")
	r.HandleFunc("/feeds", h.handleCreateFeed).Methods("POST")
	r.HandleFunc("/feeds/{feedId}/rotate", h.handleRotateToken).Methods("POST")
	r.HandleFunc("/feeds/{feedId}/enabled", h.handleSetEnabled).Methods("POST")
}

// handleRenderFeed is the endpoint calendar clients poll. Disabled and
// unknown tokens answer the same generic 404.
func (h *FeedHandler) handleRenderFeed(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	icsText, err := h.generator.RenderFeed(r.Context(), token)
	if err == feed.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Printf("Feed: render failed: %v", err)
		http.Error(w, "Failed to render feed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(icsText)); err != nil {
		log.Printf("Feed: write failed: %v", err)
	}
}

// FeedCreateRequest defines a new published feed.
type FeedCreateRequest struct {
	UserID       string `json:"user_id"`
	ProjectID    string `json:"project_id,omitempty"`
	TechnicianID string `json:"technician_id,omitempty"`
	IncludeNotes bool   `json:"include_notes"`
	IncludePhone bool   `json:"include_phone"`
}

// FeedResponse is the management view of a feed; the token appears only
// here, never in listings.
type FeedResponse struct {
	ID      string `json:"id"`
	Token   string `json:"token"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

func (h *FeedHandler) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req FeedCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	token, err := feed.NewFeedToken()
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	f := &booking.Feed{
		UserID:       req.UserID,
		Token:        token,
		ProjectID:    req.ProjectID,
		TechnicianID: req.TechnicianID,
		IncludeNotes: req.IncludeNotes,
		IncludePhone: req.IncludePhone,
		Enabled:      true,
	}
	if err := h.store.SaveFeed(ctx, f); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(FeedResponse{
		ID:      f.ID,
		Token:   f.Token,
		URL:     "/feeds/" + f.Token + ".ics",
		Enabled: f.Enabled,
	})
}

// handleRotateToken revokes the current token by replacing it; the feed and
// its history stay intact.
func (h *FeedHandler) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	feedID := mux.Vars(r)["feedId"]

	f, err := h.store.GetFeedByID(ctx, feedID)
	if err == booking.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	token, err := feed.NewFeedToken()
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	if err := h.store.RotateFeedToken(ctx, f, token); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(FeedResponse{
		ID:      f.ID,
		Token:   f.Token,
		URL:     "/feeds/" + f.Token + ".ics",
		Enabled: f.Enabled,
	})
}

func (h *FeedHandler) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	feedID := mux.Vars(r)["feedId"]

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	f, err := h.store.GetFeedByID(ctx, feedID)
	if err == booking.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	f.Enabled = req.Enabled
	if err := h.store.SaveFeed(ctx, f); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"enabled": f.Enabled})
}
