package mesh

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/disastermesh/wire"
)

// Delivery is a message surfaced to the embedding application
type Delivery struct {
	MessageID  uuid.UUID
	Kind       wire.MessageType // kind on the wire (RELAY for relayed copies)
	Sender     NodeID           // originator, not the relaying neighbor
	HopCount   uint8
	Record     wire.Record
	ReceivedAt time.Time
}

// Listener receives node events. Callbacks run on the node's dispatch
// goroutines and are never invoked while an internal lock is held.
type Listener interface {
	PeerDiscovered(peer Peer)
	PeerLost(peer Peer)
	MessageDelivered(delivery Delivery)
	MessageSent(messageID uuid.UUID, success bool)
	AckReceived(originalMessageID uuid.UUID)
}

// BaseListener is a no-op Listener. Embed it to implement only the
// callbacks you care about.
type BaseListener struct{}

func (BaseListener) PeerDiscovered(Peer)         {}
func (BaseListener) PeerLost(Peer)               {}
func (BaseListener) MessageDelivered(Delivery)   {}
func (BaseListener) MessageSent(uuid.UUID, bool) {}
func (BaseListener) AckReceived(uuid.UUID)       {}

// MultiListener fans one event stream out to several listeners
type MultiListener []Listener

func (m MultiListener) PeerDiscovered(peer Peer) {
	for _, l := range m {
		l.PeerDiscovered(peer)
	}
}

func (m MultiListener) PeerLost(peer Peer) {
	for _, l := range m {
		l.PeerLost(peer)
	}
}

func (m MultiListener) MessageDelivered(delivery Delivery) {
	for _, l := range m {
		l.MessageDelivered(delivery)
	}
}

func (m MultiListener) MessageSent(messageID uuid.UUID, success bool) {
	for _, l := range m {
		l.MessageSent(messageID, success)
	}
}

func (m MultiListener) AckReceived(originalMessageID uuid.UUID) {
	for _, l := range m {
		l.AckReceived(originalMessageID)
	}
}

// listenerBus holds the registered listeners. Dispatch copies the slice
// under the lock and invokes callbacks outside it.
type listenerBus struct {
	mu        sync.Mutex
	listeners []Listener
}

func (b *listenerBus) add(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *listenerBus) remove(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := b.listeners[:0]
	for _, registered := range b.listeners {
		if registered != l {
			filtered = append(filtered, registered)
		}
	}
	b.listeners = filtered
}

// snapshot returns the current listener set as a fan-out
func (b *listenerBus) snapshot() MultiListener {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := make(MultiListener, len(b.listeners))
	copy(snap, b.listeners)
	return snap
}
