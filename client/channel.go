package client

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/editlock-io/editlock/lock"
	"github.com/editlock-io/editlock/metrics"
)

// ChannelState is the connection state of a realtime channel.
type ChannelState int32

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrChannelAuth is reported when the server refuses the channel
// credentials. It is terminal: the channel stops reconnecting and the
// caller must re-authenticate out of band.
var ErrChannelAuth = errors.New("client: channel authentication rejected")

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 10 * time.Second
	pongWait       = 90 * time.Second
)

// Channel maintains a persistent websocket connection delivering lock
// events, reconnecting with exponential backoff after transient failures.
// Losing the channel never blocks editing; it only degrades the liveness of
// lock badges until the next reconciliation poll.
type Channel struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    *slog.Logger

	onEvent func(lock.Event)
	onState func(ChannelState)
	onAuth  func(error)

	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithEventHandler sets the callback receiving decoded lock events.
// Facade.ApplyEvent is the usual handler.
func WithEventHandler(fn func(lock.Event)) ChannelOption {
	return func(c *Channel) { c.onEvent = fn }
}

// WithStateHandler sets a callback observing connection state changes, used
// to surface a "realtime updates unavailable" banner.
func WithStateHandler(fn func(ChannelState)) ChannelOption {
	return func(c *Channel) { c.onState = fn }
}

// WithAuthErrorHandler sets the callback invoked when the channel hits a
// terminal authentication failure.
func WithAuthErrorHandler(fn func(error)) ChannelOption {
	return func(c *Channel) { c.onAuth = fn }
}

// WithHeader sets headers sent on the websocket handshake, typically the
// auth token.
func WithHeader(h http.Header) ChannelOption {
	return func(c *Channel) { c.header = h }
}

// WithChannelLogger sets the structured logger. Defaults to slog.Default().
func WithChannelLogger(log *slog.Logger) ChannelOption {
	return func(c *Channel) { c.log = log }
}

// NewChannel returns a channel for the given websocket URL.
func NewChannel(url string, opts ...ChannelOption) *Channel {
	c := &Channel{
		url:    url,
		dialer: websocket.DefaultDialer,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// Connect starts the connection loop. It returns immediately; delivery
// begins once the handshake completes.
func (c *Channel) Connect(ctx context.Context) {
	c.once.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.wg.Add(1)
		go c.run(ctx)
	})
}

// Close stops the channel and waits for the connection loop to exit.
func (c *Channel) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.setState(StateDisconnected)
}

func (c *Channel) setState(s ChannelState) {
	if ChannelState(c.state.Swap(int32(s))) == s {
		return
	}
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()
	backoff := initialBackoff
	connectedOnce := false
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if connectedOnce {
			c.setState(StateReconnecting)
			metrics.ChannelReconnects.Inc()
		} else {
			c.setState(StateConnecting)
		}

		conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				c.terminalAuth()
				return
			}
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			jitter := time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}

		connectedOnce = true
		backoff = initialBackoff
		c.setState(StateConnected)
		if terminal := c.read(ctx, conn); terminal {
			return
		}
	}
}

// read pumps events until the connection drops. It reports true when the
// failure is terminal and the loop must not reconnect.
func (c *Channel) read(ctx context.Context, conn *websocket.Conn) bool {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// The close watcher lives exactly as long as this connection, so a
	// flapping server does not leak one goroutine per reconnect.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				c.terminalAuth()
				return true
			}
			if ctx.Err() == nil {
				c.log.Warn("realtime channel dropped", "error", err)
			}
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		ev, err := lock.ParseEvent(data)
		if err != nil {
			c.log.Warn("discarding malformed channel event", "error", err)
			continue
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

func (c *Channel) terminalAuth() {
	c.setState(StateDisconnected)
	c.log.Error("realtime channel authentication rejected, not retrying")
	if c.onAuth != nil {
		c.onAuth(ErrChannelAuth)
	}
}
