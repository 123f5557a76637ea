package radio

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/disastermesh/logger"
	"github.com/user/disastermesh/mesh"
)

// Hub wires simulated transports together. Adjacency is explicit: two
// nodes only hear each other once linked, which lets tests model
// chains, triangles, cliques and partitions.
type Hub struct {
	mu    sync.Mutex
	sim   *Simulator
	cfg   *SimulationConfig
	nodes map[mesh.NodeID]*SimTransport
	links map[mesh.NodeID]map[mesh.NodeID]bool
}

// NewHub creates an empty hub with the given simulation config
func NewHub(cfg *SimulationConfig) *Hub {
	if cfg == nil {
		cfg = DefaultSimulationConfig()
	}
	return &Hub{
		sim:   NewSimulator(cfg),
		cfg:   cfg,
		nodes: make(map[mesh.NodeID]*SimTransport),
		links: make(map[mesh.NodeID]map[mesh.NodeID]bool),
	}
}

func (h *Hub) join(t *SimTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[t.selfID] = t
	if h.links[t.selfID] == nil {
		h.links[t.selfID] = make(map[mesh.NodeID]bool)
	}
}

func (h *Hub) leave(id mesh.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, id)
	delete(h.links, id)
	for _, peers := range h.links {
		delete(peers, id)
	}
}

// Link puts two nodes in radio range of each other
func (h *Hub) Link(a, b mesh.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.links[a] == nil {
		h.links[a] = make(map[mesh.NodeID]bool)
	}
	if h.links[b] == nil {
		h.links[b] = make(map[mesh.NodeID]bool)
	}
	h.links[a][b] = true
	h.links[b][a] = true
}

// Unlink moves two nodes out of range, severing the logical connection
func (h *Hub) Unlink(a, b mesh.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.links[a], b)
	delete(h.links[b], a)
}

// LinkAll fully connects every joined node (a clique)
func (h *Hub) LinkAll() {
	h.mu.Lock()
	ids := make([]mesh.NodeID, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			h.Link(ids[i], ids[j])
		}
	}
}

// linkedPeers returns the transports currently in range of a node,
// capped at the per-node link limit
func (h *Hub) linkedPeers(id mesh.NodeID) []*SimTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	var peers []*SimTransport
	for peerID := range h.links[id] {
		if t, joined := h.nodes[peerID]; joined && t.isStarted() {
			peers = append(peers, t)
			if len(peers) >= h.cfg.MaxLinks {
				break
			}
		}
	}
	return peers
}

// send performs one link write. The hub mutex is not held while the
// receiver's handler runs, so relays can re-enter the hub. The write
// fails once SendTimeout passes without the handler returning.
func (h *Hub) send(from, to mesh.NodeID, data []byte) error {
	h.mu.Lock()
	linked := h.links[from][to]
	target, joined := h.nodes[to]
	h.mu.Unlock()

	if !linked || !joined || !target.isStarted() {
		return fmt.Errorf("no link from %s to %s", from, to)
	}

	if h.sim.ShouldDropPacket() {
		logger.Trace("radio", "lost packet %s -> %s", from.Short(), to.Short())
		return fmt.Errorf("packet lost on link %s -> %s", from, to)
	}

	if h.cfg.SendTimeout <= 0 {
		target.deliver(data)
		return nil
	}

	delivered := make(chan struct{})
	go func() {
		target.deliver(data)
		close(delivered)
	}()

	select {
	case <-delivered:
		return nil
	case <-time.After(h.cfg.SendTimeout):
		return fmt.Errorf("link write %s -> %s timed out after %v", from, to, h.cfg.SendTimeout)
	}
}

// PumpAdvertisements synchronously delivers one advertisement round
// from every advertising node to every linked scanner. Tests use this
// instead of waiting out the advertise period.
func (h *Hub) PumpAdvertisements() {
	h.mu.Lock()
	senders := make([]*SimTransport, 0, len(h.nodes))
	for _, t := range h.nodes {
		senders = append(senders, t)
	}
	h.mu.Unlock()

	for _, sender := range senders {
		h.deliverAdvertisement(sender)
	}
}

// deliverAdvertisement fans one node's beacon out to everyone in range
func (h *Hub) deliverAdvertisement(sender *SimTransport) {
	blob, ok := sender.advertisementBlob()
	if !ok {
		return
	}

	for _, peer := range h.linkedPeers(sender.selfID) {
		peer.receiveAdvertisement(blob, h.sim.RSSI(), sender.name)
	}
}
