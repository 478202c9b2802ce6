package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"fieldbook-cloud/booking"
	"fieldbook-cloud/debounce"
	"fieldbook-cloud/feed"
	"fieldbook-cloud/hold"
	"fieldbook-cloud/journal"
	"fieldbook-cloud/provider"
	"fieldbook-cloud/reconcile"
	"fieldbook-cloud/security"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
}

const VERSION = "0.0.1"

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	log.Println("Starting Fieldbook Cloud Server...")

	// Initialize Redis
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	if strings.HasPrefix(redisURL, "redis://") {
		redisURL = strings.TrimPrefix(redisURL, "redis://")
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis")

	store := booking.NewStore(redisClient)

	// Credential lifecycle: OAuth handshake, token refresh, re-auth flagging
	creds, err := security.NewCredentialManager(redisClient, store, os.Getenv("TOKEN_SEAL_KEY"))
	if err != nil {
		log.Fatalf("Failed to init credential manager: %v", err)
	}
	redirectURL := getEnv("OAUTH_REDIRECT_URL", "http://localhost:8080/connect/callback")
	if id, secret := os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"); id != "" && secret != "" {
		creds.ConfigureGoogle(id, secret, redirectURL)
	} else {
		log.Println("Google OAuth credentials not provided, Google accounts disabled")
	}
	if id, secret := os.Getenv("MICROSOFT_CLIENT_ID"), os.Getenv("MICROSOFT_CLIENT_SECRET"); id != "" && secret != "" {
		creds.ConfigureMicrosoft(id, secret, redirectURL)
	} else {
		log.Println("Microsoft OAuth credentials not provided, Microsoft accounts disabled")
	}

	// Provider adapters
	providers := provider.NewRegistry(
		provider.NewGoogleAdapter(creds),
		provider.NewMicrosoftAdapter(creds),
		provider.NewICSAdapter(),
	)

	// Slot holds (in-memory, TTL-swept)
	holds := hold.NewManager()
	holds.Start(ctx)

	// Per-account sync journal
	syncJournal := journal.New(redisClient)

	// Reconciliation engine
	engine := reconcile.NewEngine(store, providers, creds, holds, syncJournal)

	// Webhook debouncing: notifications coalesce into one pass per burst
	debounceDelay := parseDurationOrDefault(os.Getenv("WEBHOOK_DEBOUNCE_DELAY"), 3*time.Second)
	syncLookback := parseDurationOrDefault(os.Getenv("SYNC_LOOKBACK"), 30*24*time.Hour)
	syncLookahead := parseDurationOrDefault(os.Getenv("SYNC_LOOKAHEAD"), 60*24*time.Hour)
	debouncer := debounce.New(debounceDelay, func(ctx context.Context, accountID string) {
		now := time.Now().UTC()
		outcome, err := engine.ImportFromExternal(ctx, "", accountID, now.Add(-syncLookback), now.Add(syncLookahead))
		if err != nil {
			log.Printf("Webhook sync: account %s: %v", accountID, err)
			return
		}
		log.Printf("Webhook sync: account %s: %s", accountID, outcome.Summary)
	})
	defer debouncer.Stop()

	// Pull sync fallback
	pullEnabled := strings.ToLower(strings.TrimSpace(os.Getenv("PULL_SYNC_ENABLED"))) != "false"
	pullInterval := parseDurationOrDefault(os.Getenv("PULL_SYNC_INTERVAL"), 15*time.Minute)
	pullSync := NewPullSyncer(store, engine, pullInterval, syncLookback, syncLookahead, pullEnabled)
	pullSync.Start(ctx)

	// Push channel registration and renewal
	renewEnabled := strings.ToLower(strings.TrimSpace(os.Getenv("CHANNEL_RENEW_ENABLED"))) != "false"
	renewInterval := parseDurationOrDefault(os.Getenv("CHANNEL_RENEW_INTERVAL"), time.Hour)
	renewThreshold := parseDurationOrDefault(os.Getenv("CHANNEL_RENEW_THRESHOLD"), 12*time.Hour)
	webhookBaseURL := strings.TrimRight(os.Getenv("WEBHOOK_BASE_URL"), "/")
	renewer := NewChannelRenewer(store, providers, webhookBaseURL, renewInterval, renewThreshold, renewEnabled)
	renewer.Start(ctx)

	// ICS feed generator
	feedGenerator := feed.NewGenerator(store)

	r := mux.NewRouter()

	// Health check endpoint
	r.HandleFunc("/healthz", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	// Account connection and OAuth endpoints
	NewConnectHandler(store, creds).RegisterRoutes(r)

	// Provider webhook endpoints
	NewWebhookHandler(store, debouncer).RegisterRoutes(r)

	// Manual sync trigger
	NewSyncHandler(engine).RegisterRoutes(r)

	// Slot holds
	NewHoldHandler(holds).RegisterRoutes(r)

	// Published ICS feeds
	NewFeedHandler(store, feedGenerator).RegisterRoutes(r)

	// Sync journal streaming
	registerSyncEventRoutes(r, syncJournal)

	// Configure server
	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Handler:      r,
		Addr:         "0.0.0.0:" + port,
		WriteTimeout: 180 * time.Second,
		ReadTimeout:  180 * time.Second,
	}

	log.Printf("Fieldbook Cloud Server v%s starting on %s", VERSION, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := HealthResponse{
		OK:      true,
		Version: VERSION,
		Service: "fieldbook-cloud",
	}

	json.NewEncoder(w).Encode(response)
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]string{
		"message": "Fieldbook Cloud API Server",
		"version": VERSION,
	}

	json.NewEncoder(w).Encode(response)
}

// Helper function to get environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
