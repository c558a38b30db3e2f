// Package broadcast fans volume events out to overlay clients over
// WebSocket.
//
// Delivery is best-effort and at-most-once. Each subscriber owns a bounded
// queue drained by its own writer; when the queue is full further events for
// that subscriber are dropped, so a slow client never blocks a publisher.
// Events published by one goroutine reach every subscriber in publish order.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/spotters/internal/observe"
)

// Defaults for [Hub] options.
const (
	DefaultBuffer       = 64
	DefaultWriteTimeout = 2 * time.Second
)

// Hub is a many-subscriber fan-out channel. It accepts subscribers only while
// open; publishing to a closed hub drops the events.
//
// All methods are safe for concurrent use.
type Hub struct {
	buffer       int
	writeTimeout time.Duration
	origins      []string
	metrics      *observe.Metrics

	mu   sync.RWMutex
	open bool
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
	done  chan struct{}
}

// Option configures a [Hub].
type Option func(*Hub)

// WithBuffer sets the per-subscriber queue length. Non-positive values keep
// [DefaultBuffer].
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithWriteTimeout bounds a single write to a subscriber. A subscriber whose
// write times out is disconnected.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin subscriptions from hosts matching
// the given patterns. Same-origin requests are always allowed.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = append(h.origins, patterns...) }
}

// WithMetrics records publish, drop and subscriber counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// New returns a closed hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		buffer:       DefaultBuffer,
		writeTimeout: DefaultWriteTimeout,
		subs:         make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open starts accepting subscribers. Opening an open hub is a no-op.
func (h *Hub) Open() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = true
}

// Close disconnects every subscriber and refuses new ones until the next
// [Hub.Open]. Closing a closed hub is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		return
	}
	h.open = false
	for s := range h.subs {
		close(s.done)
	}
	if h.metrics != nil && len(h.subs) > 0 {
		h.metrics.Subscribers.Add(context.Background(), -int64(len(h.subs)))
	}
	clear(h.subs)
}

// Connected reports whether the hub is open. Publishers skip work while it
// is not.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.open
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues events for every subscriber in order. It never blocks:
// events for a subscriber whose queue is full are dropped, and events
// published while the hub is closed are discarded.
func (h *Hub) Publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}
	msgs := make([][]byte, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			slog.Error("broadcast: encode event", "user", e.Username, "err", err)
			continue
		}
		msgs = append(msgs, data)
	}

	h.mu.RLock()
	if !h.open {
		h.mu.RUnlock()
		h.recordDropped(ctx, "offline", int64(len(msgs)))
		return
	}
	var dropped int64
	for s := range h.subs {
		for _, m := range msgs {
			select {
			case s.queue <- m:
			default:
				dropped++
			}
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.EventsPublished.Add(ctx, int64(len(msgs)))
	}
	h.recordDropped(ctx, "queue_full", dropped)
}

// ServeHTTP upgrades the request to a WebSocket subscription and streams
// events until the client disconnects or the hub closes. The stream is
// one-way: a data message from the client ends the subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Connected() {
		http.Error(w, "broadcast hub is not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Debug("broadcast: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s := &subscriber{
		conn:  conn,
		queue: make(chan []byte, h.buffer),
		done:  make(chan struct{}),
	}
	if !h.add(s) {
		conn.Close(websocket.StatusTryAgainLater, "hub closed")
		return
	}
	slog.Info("broadcast: subscriber connected", "remote", r.RemoteAddr)

	// ctx is cancelled once the client goes away.
	ctx := conn.CloseRead(r.Context())
	err = h.writeLoop(ctx, s)
	h.remove(s)

	status := websocket.CloseStatus(err)
	slog.Info("broadcast: subscriber disconnected", "remote", r.RemoteAddr, "status", status)
}

func (h *Hub) writeLoop(ctx context.Context, s *subscriber) error {
	for {
		select {
		case <-s.done:
			return s.conn.Close(websocket.StatusGoingAway, "server shutting down")
		case <-ctx.Done():
			s.conn.CloseNow()
			return ctx.Err()
		case msg := <-s.queue:
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				s.conn.CloseNow()
				if errors.Is(err, context.DeadlineExceeded) {
					slog.Warn("broadcast: dropping slow subscriber", "err", err)
				}
				return err
			}
		}
	}
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		return false
	}
	h.subs[s] = struct{}{}
	if h.metrics != nil {
		h.metrics.Subscribers.Add(context.Background(), 1)
	}
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	if h.metrics != nil {
		h.metrics.Subscribers.Add(context.Background(), -1)
	}
}

func (h *Hub) recordDropped(ctx context.Context, reason string, n int64) {
	if h.metrics != nil {
		h.metrics.RecordDropped(ctx, reason, n)
	}
}
