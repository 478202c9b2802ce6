package security

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"fieldbook-cloud/booking"
)

func newTestCredentialManager(t *testing.T, sealKey string) (*CredentialManager, *booking.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := booking.NewStore(client)
	cm, err := NewCredentialManager(client, store, sealKey)
	require.NoError(t, err)
	return cm, store, client
}

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := newTokenSealer("unit-test-key")
	require.NoError(t, err)

	sealed, err := sealer.seal("ya29.secret-token")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, sealedPrefix))
	require.NotContains(t, sealed, "secret-token")

	plain, err := sealer.open(sealed)
	require.NoError(t, err)
	require.Equal(t, "ya29.secret-token", plain)

	// Unsealed values pass through, so a key can be introduced later without
	// breaking accounts stored before it existed.
	plain, err = sealer.open("legacy-plain-token")
	require.NoError(t, err)
	require.Equal(t, "legacy-plain-token", plain)
}

func TestSealerDisabledWithoutKey(t *testing.T) {
	sealer, err := newTokenSealer("")
	require.NoError(t, err)

	sealed, err := sealer.seal("plain")
	require.NoError(t, err)
	require.Equal(t, "plain", sealed)

	// A sealed value without a key is unreadable rather than silently wrong.
	_, err = sealer.open(sealedPrefix + "Zm9v")
	require.Error(t, err)
}

func TestAuthURLStoresState(t *testing.T) {
	cm, _, client := newTestCredentialManager(t, "")
	cm.ConfigureGoogle("client-id", "client-secret", "http://localhost:8080/connect/callback")

	ctx := context.Background()
	authURL, state, err := cm.AuthURL(ctx, booking.ProviderGoogle, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, state)
	require.Contains(t, authURL, "client_id=client-id")
	require.Contains(t, authURL, "state="+state)

	stored, err := client.Get(ctx, oauthStateKey(state)).Result()
	require.NoError(t, err)
	require.Equal(t, "google|user-1", stored)
}

func TestAuthURLUnconfiguredProvider(t *testing.T) {
	cm, _, _ := newTestCredentialManager(t, "")

	_, _, err := cm.AuthURL(context.Background(), booking.ProviderMicrosoft, "user-1")
	require.Error(t, err)
}

func TestRegisterICSAccount(t *testing.T) {
	cm, store, _ := newTestCredentialManager(t, "")
	ctx := context.Background()

	acct, err := cm.RegisterICSAccount(ctx, "user-1", "https://example.com/team.ics")
	require.NoError(t, err)
	require.True(t, acct.ReadOnly())

	got, err := store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, booking.ProviderICS, got.Provider)
	require.Equal(t, "https://example.com/team.ics", got.FeedURL)

	_, err = cm.RegisterICSAccount(ctx, "", "https://example.com/team.ics")
	require.Error(t, err)
	_, err = cm.RegisterICSAccount(ctx, "user-1", "")
	require.Error(t, err)
}

func TestRegisterICSAccountDeduplicatesFeedURL(t *testing.T) {
	cm, store, _ := newTestCredentialManager(t, "")
	ctx := context.Background()

	first, err := cm.RegisterICSAccount(ctx, "user-1", "https://example.com/team.ics")
	require.NoError(t, err)

	// Same feed URL again returns the existing account, no duplicate.
	again, err := cm.RegisterICSAccount(ctx, "user-1", "https://example.com/team.ics")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	accounts, err := store.ListUserAccounts(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	// A different feed URL is a new account.
	other, err := cm.RegisterICSAccount(ctx, "user-1", "https://example.com/other.ics")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	// Re-registering clears a stuck re-auth flag.
	require.NoError(t, store.MarkNeedsReauth(ctx, first.ID))
	cleared, err := cm.RegisterICSAccount(ctx, "user-1", "https://example.com/team.ics")
	require.NoError(t, err)
	require.Equal(t, first.ID, cleared.ID)
	require.False(t, cleared.NeedsReauth)
}

func fakeIDToken(t *testing.T, claims map[string]string) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	segment := base64.RawURLEncoding.EncodeToString
	return segment([]byte(`{"alg":"RS256"}`)) + "." + segment(payload) + "." + segment([]byte("sig"))
}

func TestIdentityFromIDToken(t *testing.T) {
	token := (&oauth2.Token{}).WithExtra(map[string]interface{}{
		"id_token": fakeIDToken(t, map[string]string{"email": "dana@example.com"}),
	})
	require.Equal(t, "dana@example.com", identityFromIDToken(token))

	// Azure AD tokens may carry the identity as preferred_username only.
	token = (&oauth2.Token{}).WithExtra(map[string]interface{}{
		"id_token": fakeIDToken(t, map[string]string{"preferred_username": "dana@contoso.com"}),
	})
	require.Equal(t, "dana@contoso.com", identityFromIDToken(token))

	require.Empty(t, identityFromIDToken(&oauth2.Token{}))
	token = (&oauth2.Token{}).WithExtra(map[string]interface{}{"id_token": "not-a-jwt"})
	require.Empty(t, identityFromIDToken(token))
}

func TestUpsertProviderAccountKeepsOneAccountPerIdentity(t *testing.T) {
	cm, store, _ := newTestCredentialManager(t, "")
	ctx := context.Background()

	existing := &booking.Account{
		UserID:      "user-1",
		Provider:    booking.ProviderGoogle,
		Email:       "dana@example.com",
		NeedsReauth: true,
	}
	require.NoError(t, store.SaveAccount(ctx, existing))

	// Same identity resolves to the existing record and clears the flag.
	acct, err := cm.upsertProviderAccount(ctx, "user-1", booking.ProviderGoogle, "dana@example.com")
	require.NoError(t, err)
	require.Equal(t, existing.ID, acct.ID)
	require.False(t, acct.NeedsReauth)

	// A different identity on the same provider is a fresh account, never a
	// merge that would overwrite the first account's tokens.
	fresh, err := cm.upsertProviderAccount(ctx, "user-1", booking.ProviderGoogle, "sam@example.com")
	require.NoError(t, err)
	require.Empty(t, fresh.ID)
	require.Equal(t, "sam@example.com", fresh.Email)

	// Same identity on another provider is also distinct.
	ms, err := cm.upsertProviderAccount(ctx, "user-1", booking.ProviderMicrosoft, "dana@example.com")
	require.NoError(t, err)
	require.Empty(t, ms.ID)
}

func TestFreshTokenOutsideMargin(t *testing.T) {
	cm, _, _ := newTestCredentialManager(t, "")
	cm.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }

	acct := &booking.Account{
		ID:          "acct-1",
		UserID:      "user-1",
		Provider:    booking.ProviderGoogle,
		AccessToken: "valid-access",
		TokenExpiry: time.Date(2026, 8, 1, 16, 0, 0, 0, time.UTC),
	}

	token, err := cm.FreshToken(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, "valid-access", token.AccessToken)
}

func TestFreshTokenInsideMarginWithoutRefreshTokenFlagsAccount(t *testing.T) {
	cm, store, _ := newTestCredentialManager(t, "")
	cm.ConfigureGoogle("client-id", "client-secret", "http://localhost:8080/connect/callback")
	cm.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	acct := &booking.Account{
		UserID:      "user-1",
		Provider:    booking.ProviderGoogle,
		AccessToken: "stale-access",
		// Four minutes out is inside the five minute margin.
		TokenExpiry: time.Date(2026, 8, 1, 12, 4, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveAccount(ctx, acct))

	_, err := cm.FreshToken(ctx, acct)
	require.ErrorIs(t, err, ErrNeedsReauth)

	flagged, err := store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, flagged.NeedsReauth)
}

func TestFreshTokenNeedsReauthShortCircuits(t *testing.T) {
	cm, _, _ := newTestCredentialManager(t, "")

	acct := &booking.Account{ID: "acct-1", Provider: booking.ProviderGoogle, NeedsReauth: true}
	_, err := cm.FreshToken(context.Background(), acct)
	require.ErrorIs(t, err, ErrNeedsReauth)
}

func TestFreshTokenICSAccount(t *testing.T) {
	cm, _, _ := newTestCredentialManager(t, "")

	acct := &booking.Account{ID: "acct-1", Provider: booking.ProviderICS}
	token, err := cm.FreshToken(context.Background(), acct)
	require.NoError(t, err)
	require.Empty(t, token.AccessToken)
}

func TestIsRevokedConsent(t *testing.T) {
	require.True(t, isRevokedConsent(&oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: 400},
		Body:      []byte(`{"error":"invalid_grant"}`),
		ErrorCode: "invalid_grant",
	}))
	require.False(t, isRevokedConsent(&oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: 500},
		Body:      []byte(`{"error":"server_error"}`),
		ErrorCode: "server_error",
	}))
}
