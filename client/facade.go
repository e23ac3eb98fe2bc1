package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/editlock-io/editlock/heartbeat"
	"github.com/editlock-io/editlock/lock"
)

// defaultPollInterval is how often cached lock state is reconciled against
// the authoritative query, correcting for any events dropped by the channel.
const defaultPollInterval = time.Minute

// Facade is the single entry point UI code uses for record locking. It
// caches lock state for synchronous badge reads; the cache is refreshed by
// channel events and periodic reconciliation polls and is never consulted
// for conflict decisions, which always go to the authoritative service.
type Facade struct {
	svc    Service
	holder lock.Holder
	hb     *heartbeat.Coordinator
	log    *slog.Logger

	mu       sync.Mutex
	cache    map[string]*lock.LockInfo
	watchers map[string]map[int]func(*lock.LockInfo)
	nextID   int

	sf           singleflight.Group
	pollInterval time.Duration
	hbInterval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

// WithPollInterval overrides the reconciliation poll interval. A
// non-positive value disables polling.
func WithPollInterval(d time.Duration) FacadeOption {
	return func(f *Facade) { f.pollInterval = d }
}

// WithHeartbeatInterval overrides the heartbeat renewal interval.
func WithHeartbeatInterval(d time.Duration) FacadeOption {
	return func(f *Facade) { f.hbInterval = d }
}

// WithFacadeLogger sets the structured logger. Defaults to slog.Default().
func WithFacadeLogger(log *slog.Logger) FacadeOption {
	return func(f *Facade) { f.log = log }
}

// NewFacade returns a facade for holder h. leaseDuration must match the
// duration the service grants; it sizes the heartbeat interval.
func NewFacade(svc Service, h lock.Holder, leaseDuration time.Duration, opts ...FacadeOption) *Facade {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Facade{
		svc:          svc,
		holder:       h,
		log:          slog.Default(),
		cache:        make(map[string]*lock.LockInfo),
		watchers:     make(map[string]map[int]func(*lock.LockInfo)),
		pollInterval: defaultPollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(f)
	}
	var hbOpts []heartbeat.Option
	if f.hbInterval > 0 {
		hbOpts = append(hbOpts, heartbeat.WithInterval(f.hbInterval))
	}
	hbOpts = append(hbOpts, heartbeat.WithLogger(f.log))
	f.hb = heartbeat.New(svc, h, leaseDuration, hbOpts...)
	if f.pollInterval > 0 {
		f.wg.Add(1)
		go f.reconcileLoop()
	}
	return f
}

// AcquireLock attempts to take the edit lock on recordID. On refusal the
// returned info identifies the current holder for a user-facing message.
func (f *Facade) AcquireLock(ctx context.Context, recordID string) (bool, *lock.LockInfo, error) {
	res, err := f.svc.Acquire(ctx, recordID, f.holder)
	if err != nil {
		return false, nil, err
	}
	if !res.Granted {
		info := &lock.LockInfo{
			RecordID:          recordID,
			HolderDisplayName: res.HeldBy,
			ExpiresAt:         res.ExpiresAt,
		}
		f.update(recordID, info)
		return false, info, nil
	}
	info := &lock.LockInfo{
		RecordID:          res.Lease.RecordID,
		HolderID:          res.Lease.HolderID,
		HolderDisplayName: res.Lease.DisplayName,
		AcquiredAt:        res.Lease.AcquiredAt,
		ExpiresAt:         res.Lease.ExpiresAt,
	}
	f.update(recordID, info)
	f.hb.Track(recordID)
	return true, info, nil
}

// ReleaseLock drops the lock on recordID. It is always safe to call,
// including when no lock is held; transport failures are swallowed and the
// lease expires naturally.
func (f *Facade) ReleaseLock(ctx context.Context, recordID string) {
	f.hb.Forget(recordID)
	if _, err := f.svc.Release(ctx, recordID, f.holder); err != nil {
		// The lease expires naturally; no retry.
		f.log.Warn("release failed, lease will expire", "record", recordID, "error", err)
	}
	f.update(recordID, nil)
}

// GetLock returns the cached lock state for recordID, or nil when the
// record is believed unlocked. It never blocks; use Refresh for an
// authoritative answer.
func (f *Facade) GetLock(recordID string) *lock.LockInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.cache[recordID]
	if !ok || info == nil {
		return nil
	}
	if !info.ExpiresAt.IsZero() && !time.Now().Before(info.ExpiresAt) {
		// Expiry is authoritative even before an event or poll confirms it.
		return nil
	}
	cp := *info
	return &cp
}

// Refresh queries the authoritative lock state for recordID and updates the
// cache. Concurrent refreshes of the same record are deduplicated.
func (f *Facade) Refresh(ctx context.Context, recordID string) (*lock.LockInfo, error) {
	v, err, _ := f.sf.Do(recordID, func() (interface{}, error) {
		info, err := f.svc.IsLocked(ctx, recordID)
		if err != nil {
			return nil, err
		}
		f.update(recordID, info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	info, _ := v.(*lock.LockInfo)
	return info, nil
}

// OnChange registers fn to run whenever the cached lock state of recordID
// changes. fn receives nil when the record becomes unlocked. The returned
// function cancels the registration.
func (f *Facade) OnChange(recordID string, fn func(*lock.LockInfo)) func() {
	f.mu.Lock()
	m := f.watchers[recordID]
	if m == nil {
		m = make(map[int]func(*lock.LockInfo))
		f.watchers[recordID] = m
	}
	id := f.nextID
	f.nextID++
	m[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		if m, ok := f.watchers[recordID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(f.watchers, recordID)
			}
		}
		f.mu.Unlock()
	}
}

// ApplyEvent folds a channel event into the cache. Wire it as the event
// handler of a Channel.
func (f *Facade) ApplyEvent(ev lock.Event) {
	switch ev.Type {
	case lock.EventLockAcquired:
		f.update(ev.RecordID, &lock.LockInfo{
			RecordID:          ev.RecordID,
			HolderID:          ev.HolderID,
			HolderDisplayName: ev.HolderDisplayName,
			ExpiresAt:         ev.ExpiresAt,
		})
	case lock.EventLockReleased:
		f.update(ev.RecordID, nil)
	}
}

// Close stops reconciliation and the heartbeat, releasing all held leases
// best-effort.
func (f *Facade) Close(ctx context.Context) {
	f.cancel()
	f.hb.Stop(ctx)
	f.wg.Wait()
}

func (f *Facade) update(recordID string, info *lock.LockInfo) {
	f.mu.Lock()
	prev := f.cache[recordID]
	if info == nil {
		delete(f.cache, recordID)
	} else {
		f.cache[recordID] = info
	}
	var fns []func(*lock.LockInfo)
	if changed(prev, info) {
		for _, fn := range f.watchers[recordID] {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		if info == nil {
			fn(nil)
		} else {
			cp := *info
			fn(&cp)
		}
	}
}

func changed(prev, next *lock.LockInfo) bool {
	switch {
	case prev == nil && next == nil:
		return false
	case prev == nil || next == nil:
		return true
	default:
		return *prev != *next
	}
}

func (f *Facade) reconcileLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Records of interest are the cached ones plus every record
			// someone watches: a watched record believed unlocked must
			// still be polled, or a dropped lock_acquired event would
			// leave it reading as unlocked forever.
			f.mu.Lock()
			set := make(map[string]struct{}, len(f.cache)+len(f.watchers))
			for id := range f.cache {
				set[id] = struct{}{}
			}
			for id := range f.watchers {
				set[id] = struct{}{}
			}
			f.mu.Unlock()
			ids := make([]string, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			for _, id := range ids {
				if _, err := f.Refresh(f.ctx, id); err != nil {
					f.log.Warn("lock reconciliation failed", "record", id, "error", err)
				}
			}
		case <-f.ctx.Done():
			return
		}
	}
}
