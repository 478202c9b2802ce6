package booking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(client)
}

func TestCreateBookingClaimsExternalID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	first := &Booking{
		ProjectID:       "proj-1",
		Provider:        ProviderGoogle,
		ExternalEventID: "evt-123",
		Start:           start,
		End:             start.Add(time.Hour),
		Status:          StatusBooked,
	}
	require.NoError(t, store.CreateBooking(ctx, first))
	require.NotEmpty(t, first.ID)

	// Same external id again loses the index claim.
	dup := &Booking{
		ProjectID:       "proj-1",
		Provider:        ProviderGoogle,
		ExternalEventID: "evt-123",
		Start:           start,
		End:             start.Add(time.Hour),
	}
	err := store.CreateBooking(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateExternalID)

	// Same external id in a different project is independent.
	other := &Booking{
		ProjectID:       "proj-2",
		Provider:        ProviderGoogle,
		ExternalEventID: "evt-123",
		Start:           start,
		End:             start.Add(time.Hour),
	}
	require.NoError(t, store.CreateBooking(ctx, other))

	found, err := store.FindByExternalID(ctx, ProviderGoogle, "proj-1", "evt-123")
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
}

func TestSoftDeleteReleasesExternalID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	b := &Booking{
		ProjectID:       "proj-1",
		Provider:        ProviderGoogle,
		ExternalEventID: "evt-9",
		ExternalUID:     "uid-9",
		Start:           start,
		End:             start.Add(time.Hour),
		Status:          StatusBooked,
	}
	require.NoError(t, store.CreateBooking(ctx, b))

	require.NoError(t, store.SoftDeleteBooking(ctx, b.ID))

	// The record survives, canceled, but both index entries are gone.
	got, err := store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, got.Status)
	require.True(t, got.Deleted())

	_, err = store.FindByExternalID(ctx, ProviderGoogle, "proj-1", "evt-9")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindByUID(ctx, ProviderGoogle, "proj-1", "uid-9")
	require.ErrorIs(t, err, ErrNotFound)

	// A re-appearing external id creates a fresh booking rather than
	// resurrecting the canceled one.
	fresh := &Booking{
		ProjectID:       "proj-1",
		Provider:        ProviderGoogle,
		ExternalEventID: "evt-9",
		Start:           start,
		End:             start.Add(time.Hour),
	}
	require.NoError(t, store.CreateBooking(ctx, fresh))
	require.NotEqual(t, b.ID, fresh.ID)

	// Soft delete is idempotent.
	require.NoError(t, store.SoftDeleteBooking(ctx, b.ID))
}

func TestRebindExternalID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	b := &Booking{
		ProjectID:       "proj-1",
		Provider:        ProviderMicrosoft,
		ExternalEventID: "old-id",
		ExternalUID:     "stable-uid",
		Start:           start,
		End:             start.Add(time.Hour),
	}
	require.NoError(t, store.CreateBooking(ctx, b))

	require.NoError(t, store.RebindExternalID(ctx, b, "new-id"))
	require.Equal(t, "new-id", b.ExternalEventID)

	found, err := store.FindByExternalID(ctx, ProviderMicrosoft, "proj-1", "new-id")
	require.NoError(t, err)
	require.Equal(t, b.ID, found.ID)

	_, err = store.FindByExternalID(ctx, ProviderMicrosoft, "proj-1", "old-id")
	require.ErrorIs(t, err, ErrNotFound)

	// UID lookup still points at the same record.
	byUID, err := store.FindByUID(ctx, ProviderMicrosoft, "proj-1", "stable-uid")
	require.NoError(t, err)
	require.Equal(t, b.ID, byUID.ID)
}

func TestFindBookingsInWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	mk := func(startHour, endHour int) *Booking {
		b := &Booking{
			ProjectID: "proj-1",
			Start:     day.Add(time.Duration(startHour) * time.Hour),
			End:       day.Add(time.Duration(endHour) * time.Hour),
			Status:    StatusBooked,
		}
		require.NoError(t, store.CreateBooking(ctx, b))
		return b
	}

	inside := mk(10, 11)
	overlapping := mk(11, 13)
	mk(15, 16) // outside

	unscheduled := &Booking{ProjectID: "proj-1", Status: StatusPending}
	require.NoError(t, store.CreateBooking(ctx, unscheduled))

	deleted := mk(10, 12)
	require.NoError(t, store.SoftDeleteBooking(ctx, deleted.ID))

	got, err := store.FindBookingsInWindow(ctx, "proj-1", day.Add(9*time.Hour), day.Add(12*time.Hour))
	require.NoError(t, err)

	ids := make(map[string]bool, len(got))
	for _, b := range got {
		ids[b.ID] = true
	}
	require.Len(t, got, 2)
	require.True(t, ids[inside.ID])
	require.True(t, ids[overlapping.ID])
}

func TestAccountChannelIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Account{
		UserID:    "user-1",
		Provider:  ProviderGoogle,
		ChannelID: "chan-1",
	}
	require.NoError(t, store.SaveAccount(ctx, a))

	found, err := store.FindAccountByChannel(ctx, "chan-1")
	require.NoError(t, err)
	require.Equal(t, a.ID, found.ID)

	expiry := time.Now().Add(24 * time.Hour)
	require.NoError(t, store.ReplaceChannel(ctx, a, "chan-2", "res-2", expiry))

	_, err = store.FindAccountByChannel(ctx, "chan-1")
	require.ErrorIs(t, err, ErrNotFound)

	found, err = store.FindAccountByChannel(ctx, "chan-2")
	require.NoError(t, err)
	require.Equal(t, a.ID, found.ID)
	require.Equal(t, "res-2", found.ResourceID)
}

func TestMarkNeedsReauth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Account{UserID: "user-1", Provider: ProviderMicrosoft}
	require.NoError(t, store.SaveAccount(ctx, a))

	require.NoError(t, store.MarkNeedsReauth(ctx, a.ID))

	got, err := store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, got.NeedsReauth)

	require.ErrorIs(t, store.MarkNeedsReauth(ctx, "missing"), ErrNotFound)
}

func TestRotateFeedToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := &Feed{UserID: "user-1", Token: "token-a", Enabled: true}
	require.NoError(t, store.SaveFeed(ctx, f))

	require.NoError(t, store.RotateFeedToken(ctx, f, "token-b"))

	_, err := store.GetFeedByToken(ctx, "token-a")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := store.GetFeedByToken(ctx, "token-b")
	require.NoError(t, err)
	require.Equal(t, f.ID, got.ID)

	// Id lookup follows the new token.
	byID, err := store.GetFeedByID(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, "token-b", byID.Token)
}

func TestFindByExternalIDHealsDanglingIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(client)
	ctx := context.Background()

	// A claim whose booking write never happened, e.g. a crash between the
	// HSETNX and the record SET.
	require.NoError(t, client.HSet(ctx, extIndexKey(ProviderGoogle, "proj-1"), "evt-orphan", "no-such-booking").Err())
	require.NoError(t, client.HSet(ctx, uidIndexKey(ProviderGoogle, "proj-1"), "uid-orphan", "no-such-booking").Err())

	_, err := store.FindByExternalID(ctx, ProviderGoogle, "proj-1", "evt-orphan")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindByUID(ctx, ProviderGoogle, "proj-1", "uid-orphan")
	require.ErrorIs(t, err, ErrNotFound)

	// The lookups dropped the dangling entries, so the same external event
	// now imports instead of losing the claim forever.
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	b := &Booking{
		ProjectID:       "proj-1",
		Provider:        ProviderGoogle,
		ExternalEventID: "evt-orphan",
		ExternalUID:     "uid-orphan",
		Start:           start,
		End:             start.Add(time.Hour),
		Status:          StatusBooked,
	}
	require.NoError(t, store.CreateBooking(ctx, b))

	found, err := store.FindByExternalID(ctx, ProviderGoogle, "proj-1", "evt-orphan")
	require.NoError(t, err)
	require.Equal(t, b.ID, found.ID)
}
