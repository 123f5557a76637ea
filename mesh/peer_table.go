package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/user/disastermesh/wire"
)

// Peer is what we know about a live neighbor, built up from its
// periodic advertisements
type Peer struct {
	ID        NodeID          `json:"id"`
	Name      string          `json:"name"`
	RSSI      int             `json:"rssi"` // dBm, last-write-wins
	FirstSeen time.Time       `json:"first_seen"`
	LastSeen  time.Time       `json:"last_seen"`
	Status    wire.NodeStatus `json:"status"`
	Version   byte            `json:"version"`
}

// PeerTable tracks live neighbors. Entries are created on first
// advertisement, refreshed on every sighting, and evicted once unseen
// for longer than the liveness window.
type PeerTable struct {
	mu       sync.RWMutex
	peers    map[NodeID]*Peer
	liveness time.Duration
}

// NewPeerTable creates a peer table with the given liveness window
func NewPeerTable(liveness time.Duration) *PeerTable {
	return &PeerTable{
		peers:    make(map[NodeID]*Peer),
		liveness: liveness,
	}
}

// Observe upserts a peer from an advertisement sighting and reports
// whether the peer is newly discovered
func (pt *PeerTable) Observe(id NodeID, name string, rssi int, status wire.NodeStatus, version byte, now time.Time) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	peer, exists := pt.peers[id]
	if !exists {
		pt.peers[id] = &Peer{
			ID:        id,
			Name:      name,
			RSSI:      rssi,
			FirstSeen: now,
			LastSeen:  now,
			Status:    status,
			Version:   version,
		}
		return true
	}

	if name != "" {
		peer.Name = name
	}
	peer.RSSI = rssi
	peer.LastSeen = now
	peer.Status = status
	peer.Version = version
	return false
}

// Find returns a copy of the peer record, if present
func (pt *PeerTable) Find(id NodeID) (Peer, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	peer, exists := pt.peers[id]
	if !exists {
		return Peer{}, false
	}
	return *peer, true
}

// List returns copies of all live peers ordered by id
func (pt *PeerTable) List() []Peer {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	peers := make([]Peer, 0, len(pt.peers))
	for _, peer := range pt.peers {
		peers = append(peers, *peer)
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID.String() < peers[j].ID.String()
	})
	return peers
}

// Forget removes a peer immediately and reports whether it was present
func (pt *PeerTable) Forget(id NodeID) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	_, exists := pt.peers[id]
	delete(pt.peers, id)
	return exists
}

// Sweep evicts peers unseen for longer than the liveness window and
// returns the evicted records so observers can be notified
func (pt *PeerTable) Sweep(now time.Time) []Peer {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var evicted []Peer
	for id, peer := range pt.peers {
		if now.Sub(peer.LastSeen) > pt.liveness {
			evicted = append(evicted, *peer)
			delete(pt.peers, id)
		}
	}
	return evicted
}

// Count returns the number of live peers
func (pt *PeerTable) Count() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.peers)
}
