package bus

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/editlock-io/editlock/metrics"
)

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{}

// HandlerOptions configures the streaming HTTP handlers.
type HandlerOptions struct {
	// Authorize inspects the request before any stream is opened. A non-nil
	// error terminates the request with 401; websocket clients must treat
	// that as terminal and stop reconnecting.
	Authorize func(*http.Request) error
	// Key resolves the watched bus key from the request. Defaults to the
	// "key" query parameter.
	Key func(*http.Request) string
}

func (o HandlerOptions) resolve(w http.ResponseWriter, r *http.Request) (string, bool) {
	if o.Authorize != nil {
		if err := o.Authorize(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return "", false
		}
	}
	keyFn := o.Key
	if keyFn == nil {
		keyFn = func(r *http.Request) string { return r.URL.Query().Get("key") }
	}
	key := keyFn(r)
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

// SSEHandler streams bus events over Server-Sent Events.
func SSEHandler(bus Bus, opts HandlerOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := opts.resolve(w, r)
		if !ok {
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Watch(ctx, key)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		metrics.WatcherGauge.Inc()
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
			metrics.WatcherGauge.Dec()
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		flusher.Flush()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

// WebSocketHandler streams bus events over WebSocket. The server pings
// periodically so dead peers are detected and their watches released.
func WebSocketHandler(bus Bus, opts HandlerOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := opts.resolve(w, r)
		if !ok {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Watch(ctx, key)
		if err != nil {
			cancel()
			return
		}
		metrics.WatcherGauge.Inc()
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
			metrics.WatcherGauge.Dec()
		}()

		// Drain the peer: control frames are handled internally and a read
		// error means the peer is gone.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
