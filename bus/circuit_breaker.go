package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker refuses an operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit breaker logic on the
// publish path. Events are hints, so shedding publishes while the backend
// is down is preferable to piling up blocked callers.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.Mutex
	state     cbState
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerBus. After threshold
// consecutive publish failures the circuit opens for timeout, then allows a
// single probe.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     cbClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready to probe.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == cbOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = cbHalfOpen
			return true
		}
		return false
	case cbHalfOpen:
		// One probe at a time.
		return false
	}
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = cbClosed
	cb.failures = 0
}

func (cb *CircuitBreakerBus) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == cbHalfOpen || (cb.state == cbClosed && cb.failures >= cb.threshold) {
		cb.state = cbOpen
	}
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, key, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Watch delegates to the wrapped bus.
func (cb *CircuitBreakerBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return cb.bus.Watch(ctx, key)
}

// SubscribePrefix delegates to the wrapped bus.
func (cb *CircuitBreakerBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return cb.bus.SubscribePrefix(ctx, prefix)
}

// Unwatch delegates to the wrapped bus.
func (cb *CircuitBreakerBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	return cb.bus.Unwatch(ctx, key, ch)
}
