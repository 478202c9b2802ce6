package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"fieldbook-cloud/booking"
	"fieldbook-cloud/security"
)

// ConnectHandler handles connecting external calendar accounts: the OAuth
// handshake for Google and Microsoft, URL registration for ICS feeds, and
// the project mappings that scope what each account syncs.
type ConnectHandler struct {
	store *booking.Store
	creds *security.CredentialManager
}

func NewConnectHandler(store *booking.Store, creds *security.CredentialManager) *ConnectHandler {
	return &ConnectHandler{store: store, creds: creds}
}

// RegisterRoutes registers the account connection routes.
func (h *ConnectHandler) RegisterRoutes(router *mux.Router) {
	// Authentication initiation
	router.HandleFunc("/connect/{provider}", h.StartConnect).Methods("POST")

	// OAuth callback (shared by Google and Microsoft; the state record
	// remembers which provider started the handshake)
	router.HandleFunc("/connect/callback", h.HandleCallback).Methods("GET")

	// Pull-only ICS feed registration
	router.HandleFunc("/connect/ics", h.RegisterICSFeed).Methods("POST")

	// Account status
	router.HandleFunc("/accounts", h.ListAccounts).Methods("GET")

	// Project mappings
	router.HandleFunc("/accounts/{accountId}/mappings", h.CreateMapping).Methods("POST")
	router.HandleFunc("/accounts/{accountId}/mappings", h.ListMappings).Methods("GET")
}

// ConnectRequest initiates an OAuth connection
type ConnectRequest struct {
	UserID string `json:"user_id"`
}

// ConnectResponse carries the consent URL the user must visit
type ConnectResponse struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

// StartConnect initiates the OAuth handshake for a provider
func (h *ConnectHandler) StartConnect(w http.ResponseWriter, r *http.Request) {
	providerStr := mux.Vars(r)["provider"]

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	p := booking.Provider(providerStr)
	if p != booking.ProviderGoogle && p != booking.ProviderMicrosoft {
		http.Error(w, "invalid provider. Must be 'google' or 'microsoft'", http.StatusBadRequest)
		return
	}

	authURL, state, err := h.creds.AuthURL(r.Context(), p, req.UserID)
	if err != nil {
		log.Printf("Failed to generate auth URL: %v", err)
		http.Error(w, "Failed to generate authentication URL", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ConnectResponse{AuthURL: authURL, State: state})
}

// CallbackResponse represents the OAuth callback result
type CallbackResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	AccountID string `json:"account_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// HandleCallback handles the OAuth redirect back from the provider
func (h *ConnectHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	errorParam := r.URL.Query().Get("error")

	if errorParam != "" {
		log.Printf("OAuth error: %s", errorParam)
		http.Error(w, fmt.Sprintf("OAuth failed: %s", errorParam), http.StatusBadRequest)
		return
	}
	if code == "" {
		http.Error(w, "Authorization code is required", http.StatusBadRequest)
		return
	}
	if state == "" {
		http.Error(w, "State parameter is required", http.StatusBadRequest)
		return
	}

	acct, err := h.creds.HandleCallback(ctx, state, code)
	if err != nil {
		log.Printf("OAuth callback failed: %v", err)
		http.Error(w, "Failed to complete authentication", http.StatusBadRequest)
		return
	}

	response := CallbackResponse{
		Success:   true,
		Message:   fmt.Sprintf("Successfully connected %s account", acct.Provider),
		AccountID: acct.ID,
		Provider:  string(acct.Provider),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ICSFeedRequest registers a pull-only ICS feed URL
type ICSFeedRequest struct {
	UserID  string `json:"user_id"`
	FeedURL string `json:"feed_url"`
}

// RegisterICSFeed connects an ICS feed URL as a read-only account
func (h *ConnectHandler) RegisterICSFeed(w http.ResponseWriter, r *http.Request) {
	var req ICSFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := h.creds.RegisterICSAccount(r.Context(), req.UserID, req.FeedURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(accountStatus(acct))
}

// AccountStatus is the external view of a connected account. Tokens never
// leave the server.
type AccountStatus struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	Email        string `json:"email,omitempty"`
	FeedURL      string `json:"feed_url,omitempty"`
	NeedsReauth  bool   `json:"needs_reauth"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
}

func accountStatus(a *booking.Account) AccountStatus {
	s := AccountStatus{
		ID:          a.ID,
		Provider:    string(a.Provider),
		Email:       a.Email,
		FeedURL:     a.FeedURL,
		NeedsReauth: a.NeedsReauth,
	}
	if !a.LastSyncedAt.IsZero() {
		s.LastSyncedAt = a.LastSyncedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return s
}

// ListAccounts returns the connection status of all of a user's accounts
func (h *ConnectHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id parameter is required", http.StatusBadRequest)
		return
	}

	accounts, err := h.store.ListUserAccounts(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	statuses := make([]AccountStatus, 0, len(accounts))
	for _, a := range accounts {
		statuses = append(statuses, accountStatus(a))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id":  userID,
		"accounts": statuses,
	})
}

// MappingRequest binds an account to a project
type MappingRequest struct {
	ProjectID  string `json:"project_id"`
	CalendarID string `json:"calendar_id,omitempty"`
}

// CreateMapping binds an account (optionally one of its calendars) to a project
func (h *ConnectHandler) CreateMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := mux.Vars(r)["accountId"]

	var req MappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetAccount(ctx, accountID); err == booking.ErrNotFound {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m := &booking.Mapping{
		AccountID:  accountID,
		ProjectID:  req.ProjectID,
		CalendarID: req.CalendarID,
	}
	if err := h.store.SaveMapping(ctx, m); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(m)
}

// ListMappings returns all project mappings for an account
func (h *ConnectHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := mux.Vars(r)["accountId"]

	mappings, err := h.store.MappingsForAccount(ctx, accountID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"account_id": accountID,
		"mappings":   mappings,
	})
}
