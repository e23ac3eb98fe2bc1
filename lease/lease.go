package lease

import "time"

// DefaultDuration is the lease lifetime applied when a CreateSpec does not
// specify one. Heartbeats are expected to renew well within this window.
const DefaultDuration = 5 * time.Minute

// Lease is an exclusive, time-bounded editing claim on one record.
type Lease struct {
	RecordID    string        `json:"record"`
	HolderID    string        `json:"holder"`
	SessionID   string        `json:"session"`
	DisplayName string        `json:"display"`
	Token       string        `json:"token"`
	AcquiredAt  time.Time     `json:"acquiredAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	Duration    time.Duration `json:"duration"`
}

// Expired reports whether the lease is logically void at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Remaining returns the time left before the lease expires. It is negative
// for expired leases.
func (l *Lease) Remaining(now time.Time) time.Duration {
	return l.ExpiresAt.Sub(now)
}
