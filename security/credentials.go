package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	calendar "google.golang.org/api/calendar/v3"

	"fieldbook-cloud/booking"
)

// refreshMargin is how close to expiry a token may get before it is
// proactively refreshed.
const refreshMargin = 5 * time.Minute

// ErrNeedsReauth is returned for accounts whose consent was revoked; no
// automatic refresh is attempted for them until a human reconnects.
var ErrNeedsReauth = errors.New("account needs re-authorization")

// GoogleCalendarScopes are requested on the Google consent screen. The
// openid/email scopes make the code exchange return an id_token carrying the
// account identity.
var GoogleCalendarScopes = []string{
	"openid",
	"email",
	calendar.CalendarReadonlyScope,
	calendar.CalendarEventsScope,
}

// MicrosoftCalendarScopes are requested on the Microsoft consent screen.
var MicrosoftCalendarScopes = []string{
	"openid",
	"email",
	"offline_access",
	"https://graph.microsoft.com/User.Read",
	"https://graph.microsoft.com/Calendars.ReadWrite",
}

// CredentialManager owns the OAuth lifecycle for connected calendar
// accounts: the connect handshake, token persistence on the account record,
// proactive refresh inside the safety margin, and flagging revoked accounts.
type CredentialManager struct {
	redisClient *redis.Client
	store       *booking.Store
	configs     map[booking.Provider]*oauth2.Config
	sealer      *tokenSealer

	now func() time.Time
}

func NewCredentialManager(redisClient *redis.Client, store *booking.Store, sealKey string) (*CredentialManager, error) {
	sealer, err := newTokenSealer(sealKey)
	if err != nil {
		return nil, err
	}
	return &CredentialManager{
		redisClient: redisClient,
		store:       store,
		configs:     make(map[booking.Provider]*oauth2.Config),
		sealer:      sealer,
		now:         time.Now,
	}, nil
}

// ConfigureGoogle registers the Google OAuth client.
func (cm *CredentialManager) ConfigureGoogle(clientID, clientSecret, redirectURL string) {
	cm.configs[booking.ProviderGoogle] = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       GoogleCalendarScopes,
		Endpoint:     google.Endpoint,
	}
	log.Printf("Configured Google OAuth with client ID: %s", clientID)
}

// ConfigureMicrosoft registers the Microsoft OAuth client.
func (cm *CredentialManager) ConfigureMicrosoft(clientID, clientSecret, redirectURL string) {
	cm.configs[booking.ProviderMicrosoft] = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       MicrosoftCalendarScopes,
		Endpoint:     microsoft.AzureADEndpoint("common"),
	}
	log.Printf("Configured Microsoft OAuth with client ID: %s", clientID)
}

func (cm *CredentialManager) config(p booking.Provider) (*oauth2.Config, error) {
	cfg, ok := cm.configs[p]
	if !ok {
		return nil, fmt.Errorf("OAuth config not found for provider %q", p)
	}
	return cfg, nil
}

// AuthURL generates the consent URL plus the CSRF state parameter. The state
// is held in Redis for ten minutes and consumed by the callback.
func (cm *CredentialManager) AuthURL(ctx context.Context, p booking.Provider, userID string) (string, string, error) {
	cfg, err := cm.config(p)
	if err != nil {
		return "", "", err
	}

	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", "", fmt.Errorf("generate state: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)

	stateKey := oauthStateKey(state)
	stateValue := string(p) + "|" + userID
	if err := cm.redisClient.Set(ctx, stateKey, stateValue, 10*time.Minute).Err(); err != nil {
		return "", "", fmt.Errorf("store OAuth state: %w", err)
	}

	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), state, nil
}

// HandleCallback verifies the state, exchanges the code and creates (or
// refreshes) the connected account for the user who started the handshake.
func (cm *CredentialManager) HandleCallback(ctx context.Context, state, code string) (*booking.Account, error) {
	stateKey := oauthStateKey(state)
	stored, err := cm.redisClient.Get(ctx, stateKey).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired state parameter")
	}
	if err != nil {
		return nil, fmt.Errorf("verify state: %w", err)
	}
	defer cm.redisClient.Del(ctx, stateKey)

	parts := strings.SplitN(stored, "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed OAuth state record")
	}
	p, userID := booking.Provider(parts[0]), parts[1]

	cfg, err := cm.config(p)
	if err != nil {
		return nil, err
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	// The account identity comes from the provider, never from the caller:
	// it is what keeps one (user, provider, identity) to one live account.
	email, err := cm.accountIdentity(ctx, p, token)
	if err != nil {
		return nil, fmt.Errorf("resolve account identity: %w", err)
	}

	acct, err := cm.upsertProviderAccount(ctx, userID, p, email)
	if err != nil {
		return nil, err
	}

	if err := cm.storeToken(ctx, acct, token); err != nil {
		return nil, err
	}
	log.Printf("Connected %s account %s for user %s", p, email, userID)
	return acct, nil
}

// upsertProviderAccount resolves the existing account for the (user,
// provider, identity) triple, clearing its re-auth flag, or prepares a fresh
// record when the identity is new. Reconnecting never duplicates an account.
func (cm *CredentialManager) upsertProviderAccount(ctx context.Context, userID string, p booking.Provider, email string) (*booking.Account, error) {
	existing, err := cm.store.ListUserAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.Provider == p && a.Email == email {
			a.NeedsReauth = false
			return a, nil
		}
	}
	return &booking.Account{UserID: userID, Provider: p, Email: email}, nil
}

// accountIdentity extracts the provider-side identity of the freshly
// connected account, preferring the id_token claim over a profile call.
func (cm *CredentialManager) accountIdentity(ctx context.Context, p booking.Provider, token *oauth2.Token) (string, error) {
	if email := identityFromIDToken(token); email != "" {
		return email, nil
	}
	return fetchProfileEmail(ctx, p, token)
}

// identityFromIDToken reads the email claim out of the OpenID id_token the
// code exchange returns. The signature is not re-verified: the token arrived
// directly from the provider's token endpoint over TLS.
func identityFromIDToken(token *oauth2.Token) string {
	raw, _ := token.Extra("id_token").(string)
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	if claims.Email != "" {
		return claims.Email
	}
	return claims.PreferredUsername
}

// fetchProfileEmail asks the provider's profile endpoint for the account
// email when the exchange carried no usable id_token.
func fetchProfileEmail(ctx context.Context, p booking.Provider, token *oauth2.Token) (string, error) {
	var endpoint string
	switch p {
	case booking.ProviderGoogle:
		endpoint = "https://openidconnect.googleapis.com/v1/userinfo"
	case booking.ProviderMicrosoft:
		endpoint = "https://graph.microsoft.com/v1.0/me"
	default:
		return "", fmt.Errorf("no profile endpoint for provider %q", p)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile endpoint returned %d", resp.StatusCode)
	}

	var profile struct {
		Email             string `json:"email"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", fmt.Errorf("decode profile: %w", err)
	}
	for _, v := range []string{profile.Email, profile.Mail, profile.UserPrincipalName} {
		if v != "" {
			return v, nil
		}
	}
	return "", errors.New("provider profile carries no email identity")
}

// RegisterICSAccount connects a pull-only ICS feed URL as an account. No
// OAuth is involved; possession of the URL is the credential.
func (cm *CredentialManager) RegisterICSAccount(ctx context.Context, userID, feedURL string) (*booking.Account, error) {
	if userID == "" || feedURL == "" {
		return nil, errors.New("user_id and feed url are required")
	}

	// Re-registering the same feed URL returns the existing account.
	existing, err := cm.store.ListUserAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.Provider == booking.ProviderICS && a.FeedURL == feedURL {
			if a.NeedsReauth {
				a.NeedsReauth = false
				if err := cm.store.SaveAccount(ctx, a); err != nil {
					return nil, err
				}
			}
			return a, nil
		}
	}

	acct := &booking.Account{
		UserID:   userID,
		Provider: booking.ProviderICS,
		FeedURL:  feedURL,
	}
	if err := cm.store.SaveAccount(ctx, acct); err != nil {
		return nil, err
	}
	log.Printf("Registered ICS feed account for user %s", userID)
	return acct, nil
}

// FreshToken returns a token valid beyond the safety margin, refreshing and
// persisting first when needed. Implements provider.TokenProvider.
func (cm *CredentialManager) FreshToken(ctx context.Context, acct *booking.Account) (*oauth2.Token, error) {
	if acct.NeedsReauth {
		return nil, ErrNeedsReauth
	}
	if acct.Provider == booking.ProviderICS {
		return &oauth2.Token{}, nil
	}

	if acct.TokenExpiry.After(cm.now().Add(refreshMargin)) {
		access, err := cm.sealer.open(acct.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("unseal access token: %w", err)
		}
		return &oauth2.Token{AccessToken: access, TokenType: "Bearer", Expiry: acct.TokenExpiry}, nil
	}

	log.Printf("Token for account %s inside refresh margin, refreshing", acct.ID)
	return cm.RefreshNow(ctx, acct)
}

// RefreshNow performs one refresh-token exchange and persists the result.
// A revoked-consent class failure flags the account as needing
// re-authorization so background sync stops retrying it.
func (cm *CredentialManager) RefreshNow(ctx context.Context, acct *booking.Account) (*oauth2.Token, error) {
	cfg, err := cm.config(acct.Provider)
	if err != nil {
		return nil, err
	}

	refresh, err := cm.sealer.open(acct.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("unseal refresh token: %w", err)
	}
	if refresh == "" {
		if markErr := cm.store.MarkNeedsReauth(ctx, acct.ID); markErr != nil {
			log.Printf("Warning: failed to flag account %s: %v", acct.ID, markErr)
		}
		acct.NeedsReauth = true
		return nil, ErrNeedsReauth
	}

	stale := &oauth2.Token{
		RefreshToken: refresh,
		// Force the token source to actually hit the refresh endpoint.
		Expiry: cm.now().Add(-time.Minute),
	}
	newToken, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		if isRevokedConsent(err) {
			log.Printf("Account %s consent revoked, flagging for re-authorization", acct.ID)
			if markErr := cm.store.MarkNeedsReauth(ctx, acct.ID); markErr != nil {
				log.Printf("Warning: failed to flag account %s: %v", acct.ID, markErr)
			}
			acct.NeedsReauth = true
			return nil, ErrNeedsReauth
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	if err := cm.storeToken(ctx, acct, newToken); err != nil {
		return nil, err
	}
	log.Printf("Refreshed OAuth token for account %s", acct.ID)
	return newToken, nil
}

func (cm *CredentialManager) storeToken(ctx context.Context, acct *booking.Account, token *oauth2.Token) error {
	if token == nil {
		return errors.New("token cannot be nil")
	}

	sealedAccess, err := cm.sealer.seal(token.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	acct.AccessToken = sealedAccess

	// Providers omit the refresh token on re-issues; keep the old one then.
	if token.RefreshToken != "" {
		sealedRefresh, err := cm.sealer.seal(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
		acct.RefreshToken = sealedRefresh
	}
	acct.TokenExpiry = token.Expiry

	return cm.store.SaveAccount(ctx, acct)
}

func oauthStateKey(state string) string {
	return "oauth_state:" + state
}

// isRevokedConsent matches the invalid_grant / revoked-consent error class
// across providers.
func isRevokedConsent(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return true
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == 400 {
			return strings.Contains(string(retrieveErr.Body), "invalid_grant")
		}
	}
	return strings.Contains(err.Error(), "invalid_grant")
}
