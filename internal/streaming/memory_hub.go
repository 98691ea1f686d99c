package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the logger used to report slow subscribers.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *MemoryHub) { h.logger = l }
}

type subscription struct {
	ch      chan StreamEvent
	filter  EventFilter
	dropped uint64
}

// HubStats is a point-in-time view of the hub.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// MemoryHub is the in-process EventHub. Delivery never blocks the publisher:
// a subscriber whose buffer is full misses the event and the drop is counted.
type MemoryHub struct {
	mu      sync.Mutex
	subs    map[uint64]*subscription
	nextID  uint64
	seq     uint64
	dropped uint64
	closed  bool
	buffer  int
	logger  *slog.Logger
	now     func() time.Time
}

// NewMemoryHub creates a MemoryHub.
func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		subs:   make(map[uint64]*subscription),
		buffer: DefaultBuffer,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish stamps the event with the next sequence number and delivers it to
// every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}

	h.seq++
	event.Seq = h.seq
	if event.Time.IsZero() {
		event.Time = h.now().UTC()
	}

	for id, sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
			h.dropped++
			if sub.dropped == 1 {
				h.logger.Warn("event subscriber is falling behind, dropping events",
					slog.Uint64("subscriber", id),
					slog.String("event_type", event.EventType),
				)
			}
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. It ends when cancel is called,
// when ctx is done, or when the hub closes.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.nextID++
	id := h.nextID
	sub := &subscription{ch: make(chan StreamEvent, h.buffer), filter: filter}
	h.subs[id] = sub
	h.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.remove(id)
			close(stop)
		})
	}
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-stop:
			}
		}()
	}
	return sub.ch, cancel, nil
}

// remove drops a subscription and closes its channel. Holding the lock keeps
// the close from racing a send in Publish.
func (h *MemoryHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Close ends every subscription. Later Publish and Subscribe calls fail
// with ErrHubClosed.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Stats returns subscriber and delivery counters.
func (h *MemoryHub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{Subscribers: len(h.subs), Published: h.seq, Dropped: h.dropped}
}
