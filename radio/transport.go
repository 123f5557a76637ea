package radio

import (
	"errors"
	"sync"
	"time"

	"github.com/user/disastermesh/logger"
	"github.com/user/disastermesh/mesh"
	"github.com/user/disastermesh/wire"
)

// ErrRadioOff simulates a host whose radio cannot be initialized
var ErrRadioOff = errors.New("simulated radio is off")

// SimTransport implements mesh.Transport over an in-process Hub.
// Each received datagram is delivered to the incoming handler at most
// once per link; cross-link deduplication stays with the routing
// engine.
type SimTransport struct {
	hub    *Hub
	selfID mesh.NodeID
	name   string

	// Unavailable makes Start fail, for radio-outage tests
	Unavailable bool

	advertisePeriod time.Duration

	mu          sync.Mutex
	started     bool
	ad          []byte
	incoming    mesh.IncomingHandler
	scanHandler mesh.AdvertisementHandler
	done        chan struct{}
}

// NewSimTransport creates a transport for one node and registers it
// with the hub. The advertise period is honored by a background
// beacon loop; tests can instead pump the hub directly.
func NewSimTransport(hub *Hub, selfID mesh.NodeID, name string, advertisePeriod time.Duration) *SimTransport {
	t := &SimTransport{
		hub:             hub,
		selfID:          selfID,
		name:            name,
		advertisePeriod: advertisePeriod,
	}
	hub.join(t)
	return t
}

// Start brings the simulated radio up
func (t *SimTransport) Start() error {
	if t.Unavailable {
		return ErrRadioOff
	}

	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.hub.join(t)
	return nil
}

// Stop halts beaconing and detaches from the hub
func (t *SimTransport) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	t.ad = nil
	close(t.done)
	t.mu.Unlock()

	t.hub.leave(t.selfID)
	return nil
}

func (t *SimTransport) isStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Advertise begins periodic beaconing of the service-data blob
func (t *SimTransport) Advertise(selfID mesh.NodeID, status wire.NodeStatus, version byte) error {
	var sender [wire.SenderIDSize]byte
	copy(sender[:], selfID[:])
	ad := &wire.Advertisement{SenderID: sender, Status: status, Version: version}

	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrRadioOff
	}
	firstAd := t.ad == nil
	t.ad = ad.Encode()
	done := t.done
	t.mu.Unlock()

	if firstAd && t.advertisePeriod > 0 {
		go t.beaconLoop(done)
	}
	return nil
}

func (t *SimTransport) beaconLoop(done chan struct{}) {
	ticker := time.NewTicker(t.advertisePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.hub.deliverAdvertisement(t)
		case <-done:
			return
		}
	}
}

// Scan registers the advertisement handler
func (t *SimTransport) Scan(handler mesh.AdvertisementHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return ErrRadioOff
	}
	t.scanHandler = handler
	return nil
}

// ConnectedPeers lists nodes currently in range with active links
func (t *SimTransport) ConnectedPeers() []mesh.NodeID {
	peers := t.hub.linkedPeers(t.selfID)
	ids := make([]mesh.NodeID, 0, len(peers))
	for _, peer := range peers {
		ids = append(ids, peer.selfID)
	}
	return ids
}

// Send writes one encoded datagram to one peer
func (t *SimTransport) Send(peerID mesh.NodeID, data []byte) error {
	if !t.isStarted() {
		return ErrRadioOff
	}
	return t.hub.send(t.selfID, peerID, data)
}

// Broadcast writes to every connected peer and returns the success
// count. One failed link does not stop the rest.
func (t *SimTransport) Broadcast(data []byte) int {
	if !t.isStarted() {
		return 0
	}

	sent := 0
	for _, peer := range t.hub.linkedPeers(t.selfID) {
		if err := t.hub.send(t.selfID, peer.selfID, data); err != nil {
			logger.Trace(t.selfID.Short(), "broadcast to %s failed: %v", peer.selfID.Short(), err)
			continue
		}
		sent++
	}
	return sent
}

// Incoming registers the inbound datagram handler
func (t *SimTransport) Incoming(handler mesh.IncomingHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incoming = handler
}

// deliver hands received bytes to the registered handler. The copy
// keeps receivers from sharing the sender's buffer.
func (t *SimTransport) deliver(data []byte) {
	t.mu.Lock()
	handler := t.incoming
	t.mu.Unlock()

	if handler == nil {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	handler(buf)
}

func (t *SimTransport) advertisementBlob() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.ad == nil {
		return nil, false
	}
	return t.ad, true
}

// receiveAdvertisement parses a beacon and feeds the scan handler
func (t *SimTransport) receiveAdvertisement(blob []byte, rssi int, name string) {
	t.mu.Lock()
	handler := t.scanHandler
	t.mu.Unlock()

	if handler == nil {
		return
	}

	ad, err := wire.DecodeAdvertisement(blob)
	if err != nil {
		return
	}

	var peerID mesh.NodeID
	copy(peerID[:], ad.SenderID[:])
	handler(peerID, name, rssi, ad.Status, ad.Version)
}
