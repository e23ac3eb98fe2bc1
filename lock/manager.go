// Package lock implements the record lock manager: at most one holder may
// edit a record at a time, enforced through time-bounded leases. Conflicts
// are ordinary outcomes returned as values; only storage trouble surfaces as
// an error. Lifecycle changes are pushed on a notification bus so every
// viewer of a record sees lock badges update in near real time.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/editlock-io/editlock/bus"
	"github.com/editlock-io/editlock/lease"
	"github.com/editlock-io/editlock/metrics"
)

// acquireAttempts bounds the create/renew retry loop used for same-holder
// reacquire and session takeover races.
const acquireAttempts = 3

// Holder identifies the principal requesting lock operations.
type Holder struct {
	ID          string
	SessionID   string
	DisplayName string
}

// LockInfo describes a live lock for display purposes.
type LockInfo struct {
	RecordID          string    `json:"recordId"`
	HolderID          string    `json:"holderId"`
	HolderDisplayName string    `json:"holderDisplayName"`
	AcquiredAt        time.Time `json:"acquiredAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// AcquireResult reports the outcome of an acquire attempt. A refused
// acquire carries the current holder's display name and lease expiry so the
// caller can render "Locked by X until T".
type AcquireResult struct {
	Granted   bool
	Lease     *lease.Lease
	HeldBy    string
	ExpiresAt time.Time
}

// Manager exposes the domain lock operations on top of a lease store and
// emits lifecycle events on the bus. Construct it with NewManager; it keeps
// no global state.
type Manager struct {
	store    lease.Store
	bus      bus.Bus
	duration time.Duration
	log      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDuration sets the lease duration granted on acquire. Default five
// minutes.
func WithDuration(d time.Duration) Option {
	return func(m *Manager) { m.duration = d }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager returns a Manager over the given store and bus. The bus may be
// nil, disabling event emission. If the store supports expiry notification,
// the manager emits lock_released events for lapsed leases.
func NewManager(store lease.Store, b bus.Bus, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		bus:      b,
		duration: lease.DefaultDuration,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if n, ok := store.(lease.ExpiryNotifier); ok {
		n.SetOnExpire(m.handleExpiry)
	}
	return m
}

// Duration returns the lease duration granted on acquire.
func (m *Manager) Duration() time.Duration {
	return m.duration
}

// Acquire attempts to take the edit lock on recordID for h. An already
// locked record is an expected outcome, reported through the result, never
// through the error. Re-acquire by the holder's current session renews the
// lease in place; an acquire from another session of the same holder takes
// the lease over, so a user never blocks themselves across browser tabs.
func (m *Manager) Acquire(ctx context.Context, recordID string, h Holder) (AcquireResult, error) {
	spec := lease.CreateSpec{
		RecordID:    recordID,
		HolderID:    h.ID,
		SessionID:   h.SessionID,
		DisplayName: h.DisplayName,
		Duration:    m.duration,
	}
	var lastHeld *lease.Lease
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		created, existing, err := m.store.TryCreate(ctx, spec)
		if err != nil {
			return AcquireResult{}, fmt.Errorf("lock: acquire %q: %w", recordID, err)
		}
		if created != nil {
			metrics.AcquireGranted.Inc()
			metrics.ActiveLeases.Inc()
			m.emitAcquired(ctx, created)
			return AcquireResult{Granted: true, Lease: created}, nil
		}
		lastHeld = existing

		if existing.HolderID != h.ID {
			break
		}
		if existing.SessionID == h.SessionID {
			renewed, err := m.store.Renew(ctx, recordID, h.ID, h.SessionID)
			if err != nil {
				return AcquireResult{}, fmt.Errorf("lock: acquire %q: %w", recordID, err)
			}
			if renewed != nil {
				metrics.AcquireGranted.Inc()
				return AcquireResult{Granted: true, Lease: renewed}, nil
			}
			// Lease vanished between create and renew; try again.
			continue
		}
		// Another session of the same holder: take the lease over.
		released, err := m.store.Release(ctx, recordID, existing.HolderID, existing.SessionID)
		if err != nil {
			return AcquireResult{}, fmt.Errorf("lock: acquire %q: %w", recordID, err)
		}
		if released {
			metrics.ActiveLeases.Dec()
		}
	}
	if lastHeld == nil {
		return AcquireResult{}, fmt.Errorf("lock: acquire %q: retries exhausted", recordID)
	}
	metrics.AcquireConflict.Inc()
	return AcquireResult{
		Granted:   false,
		HeldBy:    lastHeld.DisplayName,
		ExpiresAt: lastHeld.ExpiresAt,
	}, nil
}

// Renew extends h's lease on recordID. It returns false when h no longer
// holds a live lease; the caller must re-acquire. That is a normal flow,
// not an error.
func (m *Manager) Renew(ctx context.Context, recordID string, h Holder) (bool, error) {
	renewed, err := m.store.Renew(ctx, recordID, h.ID, h.SessionID)
	if err != nil {
		return false, fmt.Errorf("lock: renew %q: %w", recordID, err)
	}
	if renewed == nil {
		metrics.RenewRejected.Inc()
		return false, nil
	}
	metrics.RenewCounter.Inc()
	return true, nil
}

// RenewAll renews every record in one batch, as driven by the heartbeat
// coordinator. The result maps each record to its renewal outcome.
func (m *Manager) RenewAll(ctx context.Context, recordIDs []string, h Holder) (map[string]bool, error) {
	out := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		ok, err := m.Renew(ctx, id, h)
		if err != nil {
			return out, err
		}
		out[id] = ok
	}
	return out, nil
}

// Release drops h's lease on recordID. Releasing an unheld or foreign lease
// is a no-op reporting false: release is idempotent and never fails for
// business reasons.
func (m *Manager) Release(ctx context.Context, recordID string, h Holder) (bool, error) {
	released, err := m.store.Release(ctx, recordID, h.ID, h.SessionID)
	if err != nil {
		return false, fmt.Errorf("lock: release %q: %w", recordID, err)
	}
	if !released {
		return false, nil
	}
	metrics.ReleaseCounter.Inc()
	metrics.ActiveLeases.Dec()
	m.emitReleased(ctx, recordID)
	return true, nil
}

// IsLocked reports the live lock on recordID, or nil when the record is
// editable. It is a pure read with no side effects beyond lazy expiry.
func (m *Manager) IsLocked(ctx context.Context, recordID string) (*LockInfo, error) {
	l, err := m.store.Get(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("lock: query %q: %w", recordID, err)
	}
	if l == nil {
		return nil, nil
	}
	return &LockInfo{
		RecordID:          l.RecordID,
		HolderID:          l.HolderID,
		HolderDisplayName: l.DisplayName,
		AcquiredAt:        l.AcquiredAt,
		ExpiresAt:         l.ExpiresAt,
	}, nil
}

func (m *Manager) handleExpiry(l lease.Lease) {
	metrics.ExpiredCounter.Inc()
	metrics.ActiveLeases.Dec()
	m.log.Info("lease expired without renewal",
		"record", l.RecordID, "holder", l.HolderID)
	m.emitReleased(context.Background(), l.RecordID)
}

func (m *Manager) emitAcquired(ctx context.Context, l *lease.Lease) {
	ev := newEvent(EventLockAcquired, l.RecordID)
	ev.HolderID = l.HolderID
	ev.HolderDisplayName = l.DisplayName
	ev.ExpiresAt = l.ExpiresAt
	m.publish(ctx, ev)
}

func (m *Manager) emitReleased(ctx context.Context, recordID string) {
	m.publish(ctx, newEvent(EventLockReleased, recordID))
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	if m.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn("encode lock event failed", "type", ev.Type, "error", err)
		return
	}
	// Event delivery is best effort; a failed publish is corrected by the
	// consumers' reconciliation polls.
	if err := m.bus.Publish(ctx, EventKey(ev.RecordID), data); err != nil {
		m.log.Warn("publish lock event failed",
			"type", ev.Type, "record", ev.RecordID, "error", err)
	}
}
