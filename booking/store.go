package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrDuplicateExternalID is returned when a non-deleted booking already owns
// the (provider, projectId, externalEventId) key.
var ErrDuplicateExternalID = errors.New("booking with this external event id already exists")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists bookings, accounts, mappings and feeds in Redis.
//
// Uniqueness of (provider, projectId, externalEventId) among non-deleted
// bookings is enforced with HSETNX on a per-project hash index; the single
// Redis command is the atomic upsert backstop the reconciliation engine
// relies on.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func bookingKey(id string) string          { return "booking:" + id }
func projectBookingsKey(p string) string   { return "project:" + p + ":bookings" }
func extIndexKey(prov Provider, p string) string {
	return "extidx:" + string(prov) + ":" + p
}
func uidIndexKey(prov Provider, p string) string {
	return "uididx:" + string(prov) + ":" + p
}
func accountKey(id string) string         { return "account:" + id }
func userAccountsKey(u string) string     { return "user:" + u + ":accounts" }
func channelKey(ch string) string         { return "account_channel:" + ch }
func mappingKey(id string) string         { return "mapping:" + id }
func accountMappingsKey(a string) string  { return "account:" + a + ":mappings" }
func feedKey(token string) string         { return "feed_token:" + token }
func feedIDKey(id string) string          { return "feed:" + id }
func userFeedsKey(u string) string        { return "user:" + u + ":feeds" }

// --- Bookings ---

// CreateBooking stores a new booking. If the booking carries an external
// event id, the external index claim must succeed first; a lost claim means
// another writer already imported this event.
func (s *Store) CreateBooking(ctx context.Context, b *Booking) error {
	if s == nil || s.client == nil {
		return errors.New("booking store not initialized")
	}
	if b == nil {
		return errors.New("booking is required")
	}
	if b.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = StatusPending
	}

	if b.ExternalEventID != "" {
		claimed, err := s.client.HSetNX(ctx, extIndexKey(b.Provider, b.ProjectID), b.ExternalEventID, b.ID).Result()
		if err != nil {
			return fmt.Errorf("claim external id: %w", err)
		}
		if !claimed {
			return ErrDuplicateExternalID
		}
		if b.ExternalUID != "" {
			if err := s.client.HSet(ctx, uidIndexKey(b.Provider, b.ProjectID), b.ExternalUID, b.ID).Err(); err != nil {
				return fmt.Errorf("index external uid: %w", err)
			}
		}
	}

	if err := s.saveBooking(ctx, b); err != nil {
		// Release the claim so a later pass can import this event again.
		s.releaseExternalIndexes(ctx, b)
		return err
	}
	if err := s.client.SAdd(ctx, projectBookingsKey(b.ProjectID), b.ID).Err(); err != nil {
		return fmt.Errorf("index booking: %w", err)
	}
	return nil
}

func (s *Store) releaseExternalIndexes(ctx context.Context, b *Booking) {
	if b.ExternalEventID != "" {
		_ = s.client.HDel(ctx, extIndexKey(b.Provider, b.ProjectID), b.ExternalEventID)
	}
	if b.ExternalUID != "" {
		_ = s.client.HDel(ctx, uidIndexKey(b.Provider, b.ProjectID), b.ExternalUID)
	}
}

// UpdateBooking overwrites an existing booking record.
func (s *Store) UpdateBooking(ctx context.Context, b *Booking) error {
	if b == nil || b.ID == "" {
		return errors.New("booking with id is required")
	}
	b.UpdatedAt = time.Now().UTC()
	return s.saveBooking(ctx, b)
}

func (s *Store) saveBooking(ctx context.Context, b *Booking) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal booking: %w", err)
	}
	if err := s.client.Set(ctx, bookingKey(b.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store booking: %w", err)
	}
	return nil
}

// GetBooking loads a booking by id. Returns ErrNotFound for unknown ids.
func (s *Store) GetBooking(ctx context.Context, id string) (*Booking, error) {
	raw, err := s.client.Get(ctx, bookingKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read booking: %w", err)
	}
	var b Booking
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("decode booking: %w", err)
	}
	return &b, nil
}

// FindByExternalID resolves a non-deleted booking through the external id index.
func (s *Store) FindByExternalID(ctx context.Context, prov Provider, projectID, externalID string) (*Booking, error) {
	id, err := s.client.HGet(ctx, extIndexKey(prov, projectID), externalID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup external id: %w", err)
	}
	b, err := s.GetBooking(ctx, id)
	if err == ErrNotFound {
		// A crash between the index claim and the booking write leaves a
		// dangling entry; drop it so the external id is claimable again.
		_ = s.client.HDel(ctx, extIndexKey(prov, projectID), externalID)
		return nil, ErrNotFound
	}
	return b, err
}

// FindByUID resolves a booking through the provider's stable UID. Used when
// the opaque external event id has rotated.
func (s *Store) FindByUID(ctx context.Context, prov Provider, projectID, externalUID string) (*Booking, error) {
	id, err := s.client.HGet(ctx, uidIndexKey(prov, projectID), externalUID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup external uid: %w", err)
	}
	b, err := s.GetBooking(ctx, id)
	if err == ErrNotFound {
		_ = s.client.HDel(ctx, uidIndexKey(prov, projectID), externalUID)
		return nil, ErrNotFound
	}
	return b, err
}

// FindBookingsInWindow returns non-deleted, scheduled bookings for a project
// whose time window overlaps [start, end).
func (s *Store) FindBookingsInWindow(ctx context.Context, projectID string, start, end time.Time) ([]*Booking, error) {
	ids, err := s.client.SMembers(ctx, projectBookingsKey(projectID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list project bookings: %w", err)
	}

	result := make([]*Booking, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBooking(ctx, id)
		if err == ErrNotFound {
			_ = s.client.SRem(ctx, projectBookingsKey(projectID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if b.Deleted() || !b.Scheduled() {
			continue
		}
		if b.Start.Before(end) && b.End.After(start) {
			result = append(result, b)
		}
	}
	return result, nil
}

// SoftDeleteBooking cancels a booking without removing the record. The
// external id index entry is released so a later re-appearance of the same
// external id creates a fresh booking instead of resurrecting this one.
func (s *Store) SoftDeleteBooking(ctx context.Context, id string) error {
	b, err := s.GetBooking(ctx, id)
	if err != nil {
		return err
	}
	if b.Deleted() {
		return nil
	}
	b.Status = StatusCanceled
	b.DeletedAt = time.Now().UTC()
	if b.ExternalEventID != "" {
		if err := s.client.HDel(ctx, extIndexKey(b.Provider, b.ProjectID), b.ExternalEventID).Err(); err != nil {
			return fmt.Errorf("release external id: %w", err)
		}
	}
	if b.ExternalUID != "" {
		if err := s.client.HDel(ctx, uidIndexKey(b.Provider, b.ProjectID), b.ExternalUID).Err(); err != nil {
			return fmt.Errorf("release external uid: %w", err)
		}
	}
	return s.saveBooking(ctx, b)
}

// RebindExternalID moves a booking to a rotated external event id while the
// stable UID match keeps pointing at the same record.
func (s *Store) RebindExternalID(ctx context.Context, b *Booking, newExternalID string) error {
	if newExternalID == "" || newExternalID == b.ExternalEventID {
		return nil
	}
	claimed, err := s.client.HSetNX(ctx, extIndexKey(b.Provider, b.ProjectID), newExternalID, b.ID).Result()
	if err != nil {
		return fmt.Errorf("claim rotated external id: %w", err)
	}
	if !claimed {
		return ErrDuplicateExternalID
	}
	if b.ExternalEventID != "" {
		if err := s.client.HDel(ctx, extIndexKey(b.Provider, b.ProjectID), b.ExternalEventID).Err(); err != nil {
			return fmt.Errorf("release rotated external id: %w", err)
		}
	}
	b.ExternalEventID = newExternalID
	return s.UpdateBooking(ctx, b)
}

// AttachExternalID claims the external id index for an existing booking,
// e.g. after exporting an internally created booking to a provider.
func (s *Store) AttachExternalID(ctx context.Context, b *Booking, prov Provider, externalID, externalUID string) error {
	claimed, err := s.client.HSetNX(ctx, extIndexKey(prov, b.ProjectID), externalID, b.ID).Result()
	if err != nil {
		return fmt.Errorf("claim external id: %w", err)
	}
	if !claimed {
		return ErrDuplicateExternalID
	}
	b.Provider = prov
	b.ExternalEventID = externalID
	b.ExternalUID = externalUID
	if externalUID != "" {
		if err := s.client.HSet(ctx, uidIndexKey(prov, b.ProjectID), externalUID, b.ID).Err(); err != nil {
			return fmt.Errorf("index external uid: %w", err)
		}
	}
	return s.UpdateBooking(ctx, b)
}

// --- Accounts ---

// SaveAccount stores an account and maintains the user and channel indexes.
func (s *Store) SaveAccount(ctx context.Context, a *Account) error {
	if s == nil || s.client == nil {
		return errors.New("booking store not initialized")
	}
	if a == nil {
		return errors.New("account is required")
	}
	if a.UserID == "" || a.Provider == "" {
		return errors.New("user_id and provider are required")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := s.client.Set(ctx, accountKey(a.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store account: %w", err)
	}
	if err := s.client.SAdd(ctx, "accounts", a.ID).Err(); err != nil {
		return fmt.Errorf("index account: %w", err)
	}
	if err := s.client.SAdd(ctx, userAccountsKey(a.UserID), a.ID).Err(); err != nil {
		return fmt.Errorf("index user account: %w", err)
	}
	if a.ChannelID != "" {
		if err := s.client.Set(ctx, channelKey(a.ChannelID), a.ID, 0).Err(); err != nil {
			return fmt.Errorf("index account channel: %w", err)
		}
	}
	return nil
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	raw, err := s.client.Get(ctx, accountKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	var a Account
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &a, nil
}

// FindAccountByChannel resolves the account owning a webhook channel or
// Graph subscription id. Returns ErrNotFound for stale channels.
func (s *Store) FindAccountByChannel(ctx context.Context, channelID string) (*Account, error) {
	id, err := s.client.Get(ctx, channelKey(channelID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup channel: %w", err)
	}
	return s.GetAccount(ctx, id)
}

// ReplaceChannel swaps the account's webhook channel, dropping the reverse
// index for the old channel id.
func (s *Store) ReplaceChannel(ctx context.Context, a *Account, channelID, resourceID string, expiry time.Time) error {
	if a.ChannelID != "" && a.ChannelID != channelID {
		if err := s.client.Del(ctx, channelKey(a.ChannelID)).Err(); err != nil {
			return fmt.Errorf("drop old channel index: %w", err)
		}
	}
	a.ChannelID = channelID
	a.ResourceID = resourceID
	a.ChannelExpiry = expiry
	return s.SaveAccount(ctx, a)
}

// MarkNeedsReauth flags an account so background sync and refresh stop until
// a human reconnects it.
func (s *Store) MarkNeedsReauth(ctx context.Context, accountID string) error {
	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a.NeedsReauth {
		return nil
	}
	a.NeedsReauth = true
	return s.SaveAccount(ctx, a)
}

// TouchLastSynced records a completed reconciliation pass.
func (s *Store) TouchLastSynced(ctx context.Context, accountID string, at time.Time) error {
	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	a.LastSyncedAt = at.UTC()
	return s.SaveAccount(ctx, a)
}

// ListAccounts returns every connected account.
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	ids, err := s.client.SMembers(ctx, "accounts").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAccount(ctx, id)
		if err == ErrNotFound {
			_ = s.client.SRem(ctx, "accounts", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// ListUserAccounts returns the accounts connected by one user.
func (s *Store) ListUserAccounts(ctx context.Context, userID string) ([]*Account, error) {
	ids, err := s.client.SMembers(ctx, userAccountsKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list user accounts: %w", err)
	}
	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAccount(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// --- Mappings ---

// SaveMapping binds an account to a project scope.
func (s *Store) SaveMapping(ctx context.Context, m *Mapping) error {
	if m == nil || m.AccountID == "" || m.ProjectID == "" {
		return errors.New("account_id and project_id are required")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	if err := s.client.Set(ctx, mappingKey(m.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store mapping: %w", err)
	}
	if err := s.client.SAdd(ctx, accountMappingsKey(m.AccountID), m.ID).Err(); err != nil {
		return fmt.Errorf("index mapping: %w", err)
	}
	return nil
}

// MappingsForAccount returns the project bindings for an account.
func (s *Store) MappingsForAccount(ctx context.Context, accountID string) ([]*Mapping, error) {
	ids, err := s.client.SMembers(ctx, accountMappingsKey(accountID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	mappings := make([]*Mapping, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, mappingKey(id)).Result()
		if err == redis.Nil {
			_ = s.client.SRem(ctx, accountMappingsKey(accountID), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read mapping: %w", err)
		}
		var m Mapping
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}
	return mappings, nil
}

// --- Feeds ---

// SaveFeed stores a feed keyed by its token.
func (s *Store) SaveFeed(ctx context.Context, f *Feed) error {
	if f == nil || f.UserID == "" || f.Token == "" {
		return errors.New("user_id and token are required")
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal feed: %w", err)
	}
	if err := s.client.Set(ctx, feedKey(f.Token), data, 0).Err(); err != nil {
		return fmt.Errorf("store feed: %w", err)
	}
	if err := s.client.Set(ctx, feedIDKey(f.ID), f.Token, 0).Err(); err != nil {
		return fmt.Errorf("index feed id: %w", err)
	}
	if err := s.client.SAdd(ctx, userFeedsKey(f.UserID), f.ID).Err(); err != nil {
		return fmt.Errorf("index user feed: %w", err)
	}
	return nil
}

// GetFeedByToken resolves a feed by its opaque token.
func (s *Store) GetFeedByToken(ctx context.Context, token string) (*Feed, error) {
	raw, err := s.client.Get(ctx, feedKey(token)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	var f Feed
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return &f, nil
}

// GetFeedByID resolves a feed through the id index.
func (s *Store) GetFeedByID(ctx context.Context, id string) (*Feed, error) {
	token, err := s.client.Get(ctx, feedIDKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup feed id: %w", err)
	}
	return s.GetFeedByToken(ctx, token)
}

// RotateFeedToken replaces the feed's token; the old token stops resolving.
func (s *Store) RotateFeedToken(ctx context.Context, f *Feed, newToken string) error {
	if newToken == "" {
		return errors.New("new token is required")
	}
	oldToken := f.Token
	f.Token = newToken
	if err := s.SaveFeed(ctx, f); err != nil {
		return err
	}
	if oldToken != "" && oldToken != newToken {
		if err := s.client.Del(ctx, feedKey(oldToken)).Err(); err != nil {
			return fmt.Errorf("drop old feed token: %w", err)
		}
	}
	return nil
}
