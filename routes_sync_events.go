package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"fieldbook-cloud/journal"
)

// syncEventsHandler streams the per-account sync journal: an SSE endpoint
// for dashboards, a websocket for interactive clients, and a plain JSON
// endpoint for the most recent passes.
type syncEventsHandler struct {
	journal *journal.Journal
}

func registerSyncEventRoutes(r *mux.Router, j *journal.Journal) {
	h := &syncEventsHandler{journal: j}
	r.HandleFunc("/accounts/{accountId}/events/stream", h.handleSSE).Methods("GET")
	r.HandleFunc("/accounts/{accountId}/events/ws", h.handleWebSocket).Methods("GET")
	r.HandleFunc("/accounts/{accountId}/events", h.handleRecent).Methods("GET")
}

func (h *syncEventsHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]

	count := int64(0)
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "count must be a positive integer", http.StatusBadRequest)
			return
		}
		count = parsed
	}

	entries, err := h.journal.Recent(r.Context(), accountID, count)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"account_id": accountID,
		"entries":    entries,
	})
}

func (h *syncEventsHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	accountID := mux.Vars(r)["accountId"]
	lastID := strings.TrimSpace(r.URL.Query().Get("after"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
			continue
		default:
		}

		entries, nextID, err := h.journal.Tail(ctx, accountID, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("Sync events: tail error for %s: %v", accountID, err)
			time.Sleep(300 * time.Millisecond)
			continue
		}

		if len(entries) == 0 {
			continue
		}

		lastID = nextID
		for _, entry := range entries {
			payload, err := json.Marshal(entry)
			if err != nil {
				log.Printf("Sync events: encode error: %v", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\n", entry.ID)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

var syncEventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Output-only surface; no state changes flow in over the socket.
		return true
	},
}

func (h *syncEventsHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	lastID := strings.TrimSpace(r.URL.Query().Get("after"))

	conn, err := syncEventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()

	for {
		entries, nextID, err := h.journal.Tail(ctx, accountID, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		lastID = nextID
		for _, entry := range entries {
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}
