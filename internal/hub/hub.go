// Package hub keeps the registry of connected observers and fans record
// mutation events out to them.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncboard/internal/protocol"
)

// DefaultObserverBuffer is the per-observer frame buffer used when the hub
// is built with a non-positive size.
const DefaultObserverBuffer = 64

// Observer is one connected consumer: an identity plus a buffered outbound
// frame channel drained by its transport. Observers are owned by the Hub;
// the channel closes on Disconnect.
type Observer struct {
	id     uuid.UUID
	ch     chan protocol.Frame
	groups map[string]struct{}
}

// ID returns the observer's connection id.
func (o *Observer) ID() uuid.UUID {
	return o.id
}

// Frames is the observer's delivery channel. It closes when the observer is
// disconnected.
func (o *Observer) Frames() <-chan protocol.Frame {
	return o.ch
}

// Hub fans out events to every registered observer. Delivery is
// fire-and-forget: a send never blocks, and an observer whose buffer is full
// misses the frame without delaying anyone else. Catch-up queries repair
// whatever fan-out drops.
type Hub struct {
	buffer int
	now    func() time.Time

	mu        sync.Mutex
	observers map[uuid.UUID]*Observer
}

// New creates a hub. now supplies the server clock reported in connect
// confirmations and pongs; nil means wall time.
func New(buffer int, now func() time.Time) *Hub {
	if buffer <= 0 {
		buffer = DefaultObserverBuffer
	}
	if now == nil {
		now = time.Now
	}
	return &Hub{
		buffer:    buffer,
		now:       now,
		observers: make(map[uuid.UUID]*Observer),
	}
}

// Connect registers a new observer and returns its handle together with the
// confirmation to send it.
func (h *Hub) Connect() (*Observer, protocol.Connected) {
	o := &Observer{
		id:     uuid.New(),
		ch:     make(chan protocol.Frame, h.buffer),
		groups: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.observers[o.id] = o
	h.mu.Unlock()
	return o, protocol.Connected{ConnectionID: o.id, ServerTime: h.now()}
}

// Disconnect removes the observer and closes its channel. Calling it for an
// observer that is already gone is a no-op.
func (h *Hub) Disconnect(o *Observer) {
	if o == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.observers[o.id]; ok {
		delete(h.observers, o.id)
		close(o.ch)
	}
	h.mu.Unlock()
}

// Broadcast delivers the event to every registered observer.
func (h *Hub) Broadcast(ev protocol.Event) {
	h.fanOut(ev, "")
}

// BroadcastGroup delivers the event only to observers that joined the group.
func (h *Hub) BroadcastGroup(group string, ev protocol.Event) {
	h.fanOut(ev, group)
}

func (h *Hub) fanOut(ev protocol.Event, group string) {
	frame, err := protocol.EventFrame(ev)
	if err != nil {
		slog.Error("dropping unencodable event", "kind", ev.Kind, "err", err)
		return
	}

	// Sends happen under the registry lock so no frame can race a close.
	h.mu.Lock()
	for _, o := range h.observers {
		if group != "" {
			if _, ok := o.groups[group]; !ok {
				continue
			}
		}
		select {
		case o.ch <- frame:
		default:
		}
	}
	h.mu.Unlock()
}

// Pong enqueues a liveness answer on the observer's own channel, keeping it
// ordered with any broadcasts in flight.
func (h *Hub) Pong(o *Observer) {
	frame, err := protocol.PongFrame(protocol.Pong{ServerTime: h.now()})
	if err != nil {
		slog.Error("dropping unencodable pong", "err", err)
		return
	}
	h.mu.Lock()
	if _, ok := h.observers[o.id]; ok {
		select {
		case o.ch <- frame:
		default:
		}
	}
	h.mu.Unlock()
}

// Join adds the observer to a broadcast group. Membership is only a delivery
// filter; observers always receive ungrouped broadcasts.
func (h *Hub) Join(o *Observer, group string) {
	h.mu.Lock()
	if _, ok := h.observers[o.id]; ok {
		o.groups[group] = struct{}{}
	}
	h.mu.Unlock()
}

// Leave removes the observer from a broadcast group.
func (h *Hub) Leave(o *Observer, group string) {
	h.mu.Lock()
	if _, ok := h.observers[o.id]; ok {
		delete(o.groups, group)
	}
	h.mu.Unlock()
}

// Count reports how many observers are currently connected.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// DisconnectAll removes every observer and closes their channels. The hub
// stays usable for new connections.
func (h *Hub) DisconnectAll() {
	h.mu.Lock()
	for id, o := range h.observers {
		delete(h.observers, id)
		close(o.ch)
	}
	h.mu.Unlock()
}
