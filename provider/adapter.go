package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"fieldbook-cloud/booking"
)

// requestTimeout bounds every outbound provider call so a hung provider can
// never stall the per-account sync lock indefinitely.
const requestTimeout = 30 * time.Second

// ErrorClass partitions provider failures for retry and flagging decisions.
type ErrorClass int

const (
	// ClassTransient covers rate limits, 5xx responses and timeouts.
	ClassTransient ErrorClass = iota
	// ClassAuth covers expired or revoked credentials.
	ClassAuth
	// ClassData covers malformed payloads and permanent request errors.
	ClassData
)

// Error is a classified provider failure.
type Error struct {
	Provider booking.Provider
	Op       string
	Class    ErrorClass
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the error class, defaulting unknown errors to transient so
// plain network failures get retried.
func ClassOf(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}

// IsAuthError reports whether the failure calls for a token refresh.
func IsAuthError(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Class == ClassAuth
}

// classify maps an HTTP status to an error class.
func classify(status int) ErrorClass {
	switch {
	case status == 401:
		return ClassAuth
	case status == 429 || status >= 500:
		return ClassTransient
	default:
		return ClassData
	}
}

// ExternalEvent is the normalized shape every adapter produces.
type ExternalEvent struct {
	ExternalID    string
	UID           string
	Start         time.Time
	End           time.Time
	Title         string
	Description   string
	Location      string
	AttendeeName  string
	AttendeeEmail string
	AttendeePhone string
	LastModified  time.Time
	Canceled      bool
	AllDay        bool
}

// ListResult carries a window listing plus whether the listing covered the
// whole window. Incomplete listings must never drive soft deletes.
type ListResult struct {
	Events   []ExternalEvent
	Complete bool
}

// TokenProvider hands adapters a token that is fresh within the safety
// margin. The credential lifecycle manager implements it.
type TokenProvider interface {
	FreshToken(ctx context.Context, acct *booking.Account) (*oauth2.Token, error)
}

// Adapter is the uniform capability set over Google, Microsoft and ICS.
// calendarID selects one calendar within the account; empty means the
// account's primary calendar (ignored for ICS feeds).
type Adapter interface {
	Provider() booking.Provider
	ListEvents(ctx context.Context, acct *booking.Account, calendarID string, start, end time.Time) (*ListResult, error)
	CreateEvent(ctx context.Context, acct *booking.Account, calendarID string, ev *ExternalEvent) (*ExternalEvent, error)
	UpdateEvent(ctx context.Context, acct *booking.Account, calendarID string, ev *ExternalEvent) error
	DeleteEvent(ctx context.Context, acct *booking.Account, calendarID, externalID string) error
}

// Channel is a provider push-notification subscription.
type Channel struct {
	ID         string
	ResourceID string
	Expiry     time.Time
}

// ChannelRegistrar is implemented by adapters whose provider supports push
// notifications. ICS feeds are pull-only and do not implement it.
type ChannelRegistrar interface {
	RegisterChannel(ctx context.Context, acct *booking.Account, calendarID, webhookURL string) (*Channel, error)
	StopChannel(ctx context.Context, acct *booking.Account, channelID, resourceID string) error
}

// Registry resolves the adapter for a provider.
type Registry struct {
	adapters map[booking.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[booking.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// ForProvider returns the adapter for a provider.
func (r *Registry) ForProvider(p booking.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", p)
	}
	return a, nil
}

const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
)

// newChannelID mints a fresh channel/subscription correlation id.
func newChannelID() string {
	return uuid.New().String()
}

// withRetry runs fn with bounded exponential backoff on transient failures.
// Auth and data errors return immediately.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := retryBase
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ClassOf(err) != ClassTransient {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
