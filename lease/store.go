package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidRecordID is returned when an empty record identifier is provided.
	ErrInvalidRecordID = errors.New("lease: record id must not be empty")
	// ErrInvalidHolder is returned when the holder or session identity is empty.
	ErrInvalidHolder = errors.New("lease: holder and session ids must not be empty")
	// ErrInvalidDuration is returned when a non-positive lease duration is provided.
	ErrInvalidDuration = errors.New("lease: duration must be positive")
)

// CreateSpec describes the lease to create.
type CreateSpec struct {
	RecordID    string
	HolderID    string
	SessionID   string
	DisplayName string
	// Duration defaults to DefaultDuration when zero.
	Duration time.Duration
}

func (s *CreateSpec) validate() error {
	if s.RecordID == "" {
		return ErrInvalidRecordID
	}
	if s.HolderID == "" || s.SessionID == "" {
		return ErrInvalidHolder
	}
	if s.Duration == 0 {
		s.Duration = DefaultDuration
	}
	if s.Duration < 0 {
		return ErrInvalidDuration
	}
	return nil
}

// Store persists at most one live lease per record.
//
// Conflicts and rejections are reported as values, not errors: errors signal
// storage trouble only. All implementations must make TryCreate atomic with
// respect to concurrent callers on the same record, so two simultaneous
// acquire attempts never both succeed.
type Store interface {
	// TryCreate creates a lease for spec.RecordID if no live lease exists.
	// On success created is non-nil. When a live lease is already present,
	// created is nil and existing holds it so callers can report who owns
	// the record.
	TryCreate(ctx context.Context, spec CreateSpec) (created, existing *Lease, err error)

	// Get returns the live lease for the record, or nil when the record is
	// unlocked or the lease has expired. Expiry is evaluated at read time.
	Get(ctx context.Context, recordID string) (*Lease, error)

	// Renew extends the lease expiry to now+duration for the current
	// holder/session. It returns nil, nil when the caller no longer holds a
	// live lease; the caller must then re-acquire.
	Renew(ctx context.Context, recordID, holderID, sessionID string) (*Lease, error)

	// Release removes the lease if the caller matches holder and session.
	// It reports false, without error, when the lease is already gone or
	// held by someone else.
	Release(ctx context.Context, recordID, holderID, sessionID string) (bool, error)
}

// ExpiryNotifier is implemented by stores that can report leases they
// discard after the leases lapsed. Consumers use it to emit lease-expired
// events without polling.
type ExpiryNotifier interface {
	SetOnExpire(fn func(Lease))
}
