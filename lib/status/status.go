// Package status implements the fan-out broadcaster that reports
// connection lifecycle events to the external pairing-UI collaborator
// (spec.md §4.7).
package status

import "sync"

// Phase is the connection lifecycle state.
type Phase int

const (
	Waiting Phase = iota
	Connected
	Disconnected
)

func (p Phase) String() string {
	switch p {
	case Waiting:
		return "waiting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by its lowercase name, so an Event encodes
// to JSON with "status" set to "waiting", "connected" or "disconnected".
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Event is one status transition, JSON-compatible with spec.md §6's
// status-event interface: {status, peer?, session_id?}.
type Event struct {
	Status    Phase  `json:"status"`
	Peer      string `json:"peer,omitempty"`       // set when Status == Connected
	SessionID uint64 `json:"session_id,omitempty"` // set when Status == Connected
}

// Broadcaster fans out Events to zero or more subscribers. A late
// subscriber's first delivery is the latest known state. Broadcast is
// best-effort: a subscriber whose buffer is full is dropped rather than
// allowed to block the emitter.
type Broadcaster struct {
	mu          sync.Mutex
	latest      Event
	subscribers map[chan Event]struct{}
}

// NewBroadcaster returns a Broadcaster whose initial state is Waiting.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		latest:      Event{Status: Waiting},
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new subscriber and immediately delivers the latest
// known event on the returned channel. Callers must eventually call the
// returned cancel function to unregister.
func (b *Broadcaster) Subscribe(buffer int) (ch <-chan Event, cancel func()) {
	if buffer < 1 {
		buffer = 1
	}
	c := make(chan Event, buffer)

	b.mu.Lock()
	c <- b.latest
	b.subscribers[c] = struct{}{}
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[c]; ok {
			delete(b.subscribers, c)
			close(c)
		}
	}
}

// Publish updates the latest state and delivers it to every subscriber
// whose channel has room. A full subscriber channel is dropped (its
// channel closed and unregistered) rather than blocking this call.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = ev

	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			delete(b.subscribers, ch)
			close(ch)
		}
	}
}
