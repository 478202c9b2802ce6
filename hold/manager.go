package hold

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	defaultTTL    = 5 * time.Minute
	sweepInterval = 30 * time.Second
)

// ErrSlotHeld is returned when the requested window already carries as many
// active holds as its capacity tolerates.
var ErrSlotHeld = errors.New("slot already held")

// Hold is a short-lived advisory claim on a time window. Holds are never
// persisted: a process restart releases every hold, and booking flows must
// re-issue a hold after an unexpectedly long gap.
type Hold struct {
	Token       string    `json:"token"`
	ProjectID   string    `json:"project_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Capacity    int       `json:"capacity"`
	ExpiresAt   time.Time `json:"expires_at"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// Manager is the in-memory TTL reservation table. All access goes through the
// mutex; expiry is enforced by the sweep loop and re-checked lazily on every
// read so a missed timer can never make a stale hold visible.
type Manager struct {
	mu    sync.Mutex
	holds map[string]*Hold

	now func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		holds: make(map[string]*Hold),
		now:   time.Now,
	}
}

// Start runs the periodic expiry sweep until ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.CleanupExpired(); n > 0 {
					log.Printf("Hold sweep: expired %d holds", n)
				}
			}
		}
	}()
}

// CreateHold claims [start, end) for a project and returns the hold token.
// capacity is the number of concurrent holds the slot tolerates (normally 1);
// the claim fails with ErrSlotHeld once that many active holds overlap.
func (m *Manager) CreateHold(projectID string, start, end time.Time, capacity int, ttl time.Duration, fingerprint string) (*Hold, error) {
	if projectID == "" {
		return nil, errors.New("project_id is required")
	}
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return nil, errors.New("hold requires a non-empty time window")
	}
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	token, err := newHoldToken()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	overlapping := 0
	for _, h := range m.holds {
		if h.ProjectID != projectID || !h.ExpiresAt.After(now) {
			continue
		}
		if h.Start.Before(end) && h.End.After(start) {
			overlapping++
		}
	}
	if overlapping >= capacity {
		return nil, ErrSlotHeld
	}

	h := &Hold{
		Token:       token,
		ProjectID:   projectID,
		Start:       start,
		End:         end,
		Capacity:    capacity,
		ExpiresAt:   now.Add(ttl),
		Fingerprint: fingerprint,
	}
	m.holds[token] = h

	copied := *h
	return &copied, nil
}

// GetHold returns the hold for a token, or nil if unknown or expired.
func (m *Manager) GetHold(token string) *Hold {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[token]
	if !ok {
		return nil
	}
	if !h.ExpiresAt.After(m.now()) {
		delete(m.holds, token)
		return nil
	}
	copied := *h
	return &copied
}

// ReleaseHold removes a hold explicitly. Returns false if the token was
// unknown or already expired.
func (m *Manager) ReleaseHold(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[token]
	if !ok {
		return false
	}
	delete(m.holds, token)
	return h.ExpiresAt.After(m.now())
}

// HasActiveHold reports whether any non-expired hold for the project overlaps
// [start, end).
func (m *Manager) HasActiveHold(projectID string, start, end time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, h := range m.holds {
		if h.ProjectID != projectID || !h.ExpiresAt.After(now) {
			continue
		}
		if h.Start.Before(end) && h.End.After(start) {
			return true
		}
	}
	return false
}

// Snapshot returns copies of the project's active holds. The reconciliation
// engine takes one snapshot at the start of a pass so every decision within
// the pass observes the same hold state.
func (m *Manager) Snapshot(projectID string) []Hold {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Hold
	for _, h := range m.holds {
		if h.ProjectID != projectID || !h.ExpiresAt.After(now) {
			continue
		}
		out = append(out, *h)
	}
	return out
}

// CleanupExpired drops every expired hold and returns how many were removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for token, h := range m.holds {
		if !h.ExpiresAt.After(now) {
			delete(m.holds, token)
			removed++
		}
	}
	return removed
}

func newHoldToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate hold token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
