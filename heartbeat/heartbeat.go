// Package heartbeat keeps an editor's leases alive while they stay engaged.
// A coordinator batch-renews every tracked record on a fixed interval; a
// missed beat never drops a lock by itself, only crossing the lease expiry
// does. Stopping the coordinator releases the tracked leases best-effort,
// and a failed release degrades gracefully to passive expiry.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/editlock-io/editlock/lock"
)

// DefaultInterval is the renewal period. It is clamped to half the lease
// duration so at least one full beat can be missed without losing the lock.
const DefaultInterval = 30 * time.Second

// Renewer is the slice of the lock manager the coordinator drives.
type Renewer interface {
	RenewAll(ctx context.Context, recordIDs []string, h lock.Holder) (map[string]bool, error)
	Release(ctx context.Context, recordID string, h lock.Holder) (bool, error)
}

// Coordinator periodically renews all leases held by one session.
type Coordinator struct {
	renewer  Renewer
	holder   lock.Holder
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	tracked map[string]struct{}
	started bool
	stopped bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	failures int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInterval overrides the renewal interval. Values above half the lease
// duration are clamped down to keep the missed-beat slack.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New returns a coordinator renewing leases for holder h through r.
// leaseDuration is the duration granted on acquire; it bounds the interval.
func New(r Renewer, h lock.Holder, leaseDuration time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		renewer:  r,
		holder:   h,
		interval: DefaultInterval,
		log:      slog.Default(),
		tracked:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if max := leaseDuration / 2; max > 0 && c.interval > max {
		c.interval = max
	}
	return c
}

// Interval returns the effective renewal interval.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// Track adds recordID to the set of leases kept alive. The renewal loop is
// started on the first tracked record. The coordinator is single-use: after
// Stop, Track is ignored so a lease is never tracked with no loop renewing
// it.
func (c *Coordinator) Track(recordID string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Warn("track after stop ignored", "record", recordID)
		return
	}
	c.tracked[recordID] = struct{}{}
	start := !c.started
	c.started = true
	c.mu.Unlock()
	if start {
		go c.loop()
	}
}

// Untrack stops renewing recordID and releases the lease best-effort.
func (c *Coordinator) Untrack(ctx context.Context, recordID string) {
	c.mu.Lock()
	_, had := c.tracked[recordID]
	delete(c.tracked, recordID)
	c.mu.Unlock()
	if !had {
		return
	}
	if _, err := c.renewer.Release(ctx, recordID, c.holder); err != nil {
		// The lease expires naturally; no retry.
		c.log.Warn("release failed, lease will expire",
			"record", recordID, "error", err)
	}
}

// Forget stops renewing recordID without releasing the lease. Callers that
// release through another path use this to avoid a double release.
func (c *Coordinator) Forget(recordID string) {
	c.mu.Lock()
	delete(c.tracked, recordID)
	c.mu.Unlock()
}

// Tracked returns the records currently kept alive.
func (c *Coordinator) Tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		out = append(out, id)
	}
	return out
}

// Stop ends the renewal loop and releases every tracked lease best-effort.
// It is safe to call more than once.
func (c *Coordinator) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		c.stopped = true
		started := c.started
		ids := make([]string, 0, len(c.tracked))
		for id := range c.tracked {
			ids = append(ids, id)
		}
		c.tracked = make(map[string]struct{})
		c.mu.Unlock()
		if started {
			<-c.done
		}
		for _, id := range ids {
			if _, err := c.renewer.Release(ctx, id, c.holder); err != nil {
				c.log.Warn("release failed, lease will expire",
					"record", id, "error", err)
			}
		}
	})
}

func (c *Coordinator) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.beat()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) beat() {
	ids := c.Tracked()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()
	results, err := c.renewer.RenewAll(ctx, ids, c.holder)
	if err != nil {
		c.failures++
		c.log.Warn("heartbeat renew failed", "attempt", c.failures, "error", err)
		if c.failures >= 2 {
			c.log.Error("leases may expire soon, heartbeat failing",
				"records", ids, "attempts", c.failures)
		}
		return
	}
	if c.failures > 0 {
		c.log.Info("heartbeat recovered", "failures", c.failures)
		c.failures = 0
	}
	for id, renewed := range results {
		if renewed {
			continue
		}
		// Lost the lease (expired or taken over); re-acquire is up to the
		// caller.
		c.mu.Lock()
		delete(c.tracked, id)
		c.mu.Unlock()
		c.log.Warn("lease renewal rejected, dropped from heartbeat", "record", id)
	}
}
