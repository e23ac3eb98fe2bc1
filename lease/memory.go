package lease

import (
	"context"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// InMemory implements Store using local memory. Expiry is checked lazily on
// every read; an optional background sweeper purges lapsed leases so that
// expiry notifications do not depend on traffic.
type InMemory struct {
	mu     sync.Mutex
	leases map[string]*Lease

	onExpire      func(Lease)
	sweepInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithSweepInterval enables a background goroutine that periodically purges
// expired leases. A zero or negative duration disables the sweeper; expired
// leases are then discarded on the next read.
func WithSweepInterval(d time.Duration) InMemoryOption {
	return func(s *InMemory) { s.sweepInterval = d }
}

// NewInMemory returns a new in-memory lease store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemory{
		leases: make(map[string]*Lease),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

// SetOnExpire implements ExpiryNotifier. The callback runs outside the
// store's internal lock.
func (s *InMemory) SetOnExpire(fn func(Lease)) {
	s.mu.Lock()
	s.onExpire = fn
	s.mu.Unlock()
}

// Close stops the background sweeper, if any.
func (s *InMemory) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *InMemory) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			var expired []Lease
			s.mu.Lock()
			for id, l := range s.leases {
				if l.Expired(now) {
					expired = append(expired, *l)
					delete(s.leases, id)
				}
			}
			fn := s.onExpire
			s.mu.Unlock()
			if fn != nil {
				for _, l := range expired {
					fn(l)
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// TryCreate implements Store.TryCreate.
func (s *InMemory) TryCreate(ctx context.Context, spec CreateSpec) (*Lease, *Lease, error) {
	if err := spec.validate(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	s.mu.Lock()
	if cur, ok := s.leases[spec.RecordID]; ok && !cur.Expired(now) {
		held := *cur
		s.mu.Unlock()
		return nil, &held, nil
	}
	prev, hadPrev := s.leases[spec.RecordID]
	var lapsed Lease
	if hadPrev {
		lapsed = *prev
	}
	l := &Lease{
		RecordID:    spec.RecordID,
		HolderID:    spec.HolderID,
		SessionID:   spec.SessionID,
		DisplayName: spec.DisplayName,
		Token:       token,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(spec.Duration),
		Duration:    spec.Duration,
	}
	s.leases[spec.RecordID] = l
	created := *l
	fn := s.onExpire
	s.mu.Unlock()

	if hadPrev && fn != nil {
		fn(lapsed)
	}
	return &created, nil, nil
}

// Get implements Store.Get.
func (s *InMemory) Get(ctx context.Context, recordID string) (*Lease, error) {
	if recordID == "" {
		return nil, ErrInvalidRecordID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	s.mu.Lock()
	cur, ok := s.leases[recordID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	if cur.Expired(now) {
		lapsed := *cur
		delete(s.leases, recordID)
		fn := s.onExpire
		s.mu.Unlock()
		if fn != nil {
			fn(lapsed)
		}
		return nil, nil
	}
	live := *cur
	s.mu.Unlock()
	return &live, nil
}

// Renew implements Store.Renew. The new expiry never moves backward.
func (s *InMemory) Renew(ctx context.Context, recordID, holderID, sessionID string) (*Lease, error) {
	if recordID == "" {
		return nil, ErrInvalidRecordID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	s.mu.Lock()
	cur, ok := s.leases[recordID]
	if !ok || cur.Expired(now) || cur.HolderID != holderID || cur.SessionID != sessionID {
		s.mu.Unlock()
		return nil, nil
	}
	if next := now.Add(cur.Duration); next.After(cur.ExpiresAt) {
		cur.ExpiresAt = next
	}
	renewed := *cur
	s.mu.Unlock()
	return &renewed, nil
}

// Release implements Store.Release.
func (s *InMemory) Release(ctx context.Context, recordID, holderID, sessionID string) (bool, error) {
	if recordID == "" {
		return false, ErrInvalidRecordID
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[recordID]
	if !ok {
		return false, nil
	}
	if cur.HolderID != holderID || cur.SessionID != sessionID {
		return false, nil
	}
	delete(s.leases, recordID)
	// An expired lease is already logically gone; removing it is hygiene,
	// not a release.
	return !cur.Expired(now), nil
}
