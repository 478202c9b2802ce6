package booking

import (
	"time"
)

// Provider identifies which external calendar system an account talks to.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderICS       Provider = "ics"
)

// Status is the internal booking workflow state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBooked    Status = "booked"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Account is a connected third-party calendar identity
// (ExternalCalendarAccount in the data model).
type Account struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Provider      Provider  `json:"provider"`
	Email         string    `json:"email,omitempty"`
	FeedURL       string    `json:"feed_url,omitempty"`
	AccessToken   string    `json:"access_token,omitempty"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	TokenExpiry   time.Time `json:"token_expiry,omitempty"`
	ChannelID     string    `json:"channel_id,omitempty"`
	ResourceID    string    `json:"resource_id,omitempty"`
	ChannelExpiry time.Time `json:"channel_expiry,omitempty"`
	NeedsReauth   bool      `json:"needs_reauth"`
	LastSyncedAt  time.Time `json:"last_synced_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ReadOnly reports whether outbound pushes to this account are meaningful.
func (a *Account) ReadOnly() bool {
	return a.Provider == ProviderICS
}

// Mapping binds an account to an internal project, optionally restricted to
// one external calendar within that account.
type Mapping struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	ProjectID  string    `json:"project_id"`
	CalendarID string    `json:"calendar_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Booking is the canonical internal appointment record.
type Booking struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	CustomerName  string    `json:"customer_name,omitempty"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	Address       string    `json:"address,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	TechnicianID  string    `json:"technician_id,omitempty"`
	Start         time.Time `json:"start,omitempty"`
	End           time.Time `json:"end,omitempty"`
	Status        Status    `json:"status"`
	DeletedAt     time.Time `json:"deleted_at,omitempty"`

	// Identity bridges to the external calendar. ExternalUID is the
	// provider's stable UID for providers whose opaque event id can rotate.
	Provider           Provider  `json:"provider,omitempty"`
	ExternalEventID    string    `json:"external_event_id,omitempty"`
	ExternalUID        string    `json:"external_uid,omitempty"`
	ExternalModifiedAt time.Time `json:"external_modified_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scheduled reports whether the booking has a concrete time window.
func (b *Booking) Scheduled() bool {
	return !b.Start.IsZero() && !b.End.IsZero()
}

// Deleted reports whether the booking has been soft-deleted.
func (b *Booking) Deleted() bool {
	return !b.DeletedAt.IsZero()
}

// Feed is a published, token-authenticated read-only calendar view
// (IcsFeed in the data model).
type Feed struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Token        string    `json:"token"`
	ProjectID    string    `json:"project_id,omitempty"`
	TechnicianID string    `json:"technician_id,omitempty"`
	IncludeNotes bool      `json:"include_notes"`
	IncludePhone bool      `json:"include_phone"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
