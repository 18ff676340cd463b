// Package notification fans request and route progress out to live
// observers in this process.
package notification

import (
	"sync"
	"time"

	"github.com/fleet-platform/route-orchestrator/pkg/logging"
	"github.com/fleet-platform/route-orchestrator/pkg/metrics"
)

const (
	DefaultBufferSize = 16
	sequenceIdleTTL   = time.Hour
	pruneEvery        = 1024
)

// Notification is one pushed status change. Sequence increases per route
// for route updates and per request otherwise.
type Notification struct {
	Sequence  int64     `json:"sequence"`
	Type      string    `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	RouteID   string    `json:"routeId,omitempty"`
	VehicleID string    `json:"vehicleId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// sequenceKey is the stream a notification is numbered in
func (n Notification) sequenceKey() string {
	if n.RequestID != "" {
		return "request:" + n.RequestID
	}
	return "route:" + n.RouteID
}

// Subscription receives notifications for one key until closed
type Subscription struct {
	Key string
	C   <-chan Notification

	id  uint64
	ch  chan Notification
	hub *Hub
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type sequenceState struct {
	last     int64
	lastUsed time.Time
}

// Hub delivers notifications to subscribers keyed by request, route or
// vehicle id. Sends never block: a subscriber whose buffer is full misses
// the notification. Nothing is replayed to late subscribers.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[uint64]chan Notification
	sequences map[string]*sequenceState
	nextID    uint64
	count     int
	published uint64
	closed    bool
	buffer    int
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// NewHub creates a hub whose subscriptions buffer up to buffer notifications
func NewHub(buffer int, m *metrics.Metrics, logger *logging.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		subs:      make(map[string]map[uint64]chan Notification),
		sequences: make(map[string]*sequenceState),
		buffer:    buffer,
		now:       time.Now,
		metrics:   m,
		logger:    logger.WithComponent("notification-hub"),
	}
}

// Subscribe registers for notifications about key. On a closed hub the
// returned channel is already closed.
func (h *Hub) Subscribe(key string) *Subscription {
	ch := make(chan Notification, h.buffer)
	sub := &Subscription{Key: key, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	if h.subs[key] == nil {
		h.subs[key] = make(map[uint64]chan Notification)
	}
	h.subs[key][sub.id] = ch
	h.count++
	h.metrics.SetHubSubscribers(h.count)
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.Key]
	if !ok {
		return
	}
	ch, ok := subs[sub.id]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.subs, sub.Key)
	}
	close(ch)
	h.count--
	h.metrics.SetHubSubscribers(h.count)
}

// PublishLocal numbers n and sends it to the subscribers of its request,
// route and vehicle ids. A notification that carries a sequence not above
// the last one sent for its stream is dropped. It returns the number of
// subscribers reached.
func (h *Hub) PublishLocal(n Notification) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}

	now := h.now()
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}

	key := n.sequenceKey()
	state := h.sequences[key]
	if state == nil {
		state = &sequenceState{}
		h.sequences[key] = state
	}
	switch {
	case n.Sequence == 0:
		n.Sequence = state.last + 1
	case n.Sequence <= state.last:
		h.logger.Debug("Dropping out of order notification",
			"stream", key, "sequence", n.Sequence, "last", state.last)
		h.metrics.RecordHubDrop()
		return 0
	}
	state.last = n.Sequence
	state.lastUsed = now

	h.published++
	if h.published%pruneEvery == 0 {
		h.pruneSequences(now)
	}

	delivered := 0
	seen := make(map[string]struct{}, 3)
	for _, k := range []string{n.RequestID, n.RouteID, n.VehicleID} {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		for _, ch := range h.subs[k] {
			select {
			case ch <- n:
				delivered++
			default:
				h.metrics.RecordHubDrop()
			}
		}
	}
	return delivered
}

func (h *Hub) pruneSequences(now time.Time) {
	for k, s := range h.sequences {
		if now.Sub(s.lastUsed) > sequenceIdleTTL {
			delete(h.sequences, k)
		}
	}
}

// Subscribers returns the number of open subscriptions
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Close closes every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	h.subs = nil
	h.count = 0
	h.metrics.SetHubSubscribers(0)
}
