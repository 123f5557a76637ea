package mesh

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/disastermesh/logger"
	"github.com/user/disastermesh/store"
	"github.com/user/disastermesh/util"
	"github.com/user/disastermesh/wire"
)

// Controller misuse and lifecycle errors
var (
	ErrAlreadyRunning   = errors.New("mesh node already running")
	ErrNotRunning       = errors.New("mesh node not running")
	ErrRadioUnavailable = errors.New("radio unavailable")
)

// Maintenance cadence: the base ticker fires every 10 seconds; the
// queue drains every 3rd tick (30 s) and the duplicate cache sweeps
// every 6th (60 s). One loop with tick counters, not a goroutine per
// timer.
const maintenanceTick = 10 * time.Second

// Statistics is a point-in-time snapshot of the node
type Statistics struct {
	Running        bool              `json:"running"`
	NodeID         string            `json:"node_id"`
	PeerCount      int               `json:"peer_count"`
	CacheSize      int               `json:"cache_size"`
	QueuedMessages int               `json:"queued_messages"`
	Counters       map[string]uint64 `json:"counters"`
}

// Node is one mesh relay node: it originates, relays and delivers
// datagrams over a Transport. The embedder owns the value; several
// nodes can live in one process, which the end-to-end tests rely on.
type Node struct {
	cfg       *Config
	id        NodeID
	transport Transport

	cache    *DuplicateCache
	peers    *PeerTable
	queue    *ForwardQueue
	router   *Router
	counters *Counters
	store    *store.MeshStore
	bus      listenerBus

	status wire.NodeStatus

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	// now is swappable for tests
	now func() time.Time
}

// NewNode assembles a node from a config and a transport. The node id
// is loaded from the data directory or generated on first start.
func NewNode(cfg *Config, transport Transport) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = util.GetDataDir()
	}

	id, err := LoadOrGenerateNodeID(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load node id: %w", err)
	}

	meshStore, err := store.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	counters := NewCounters()
	cache := NewDuplicateCache(cfg.DuplicateCacheSize, cfg.DuplicateCacheTTL)

	n := &Node{
		cfg:       cfg,
		id:        id,
		transport: transport,
		cache:     cache,
		peers:     NewPeerTable(cfg.PeerLivenessWindow),
		queue:     NewForwardQueue(cfg.QueueRetryInterval, cfg.QueueMaxAttempts, cfg.QueueMessageExpiry),
		router:    NewRouter(id, cfg, cache, counters),
		counters:  counters,
		store:     meshStore,
		status:    wire.StatusActive,
		now:       time.Now,
	}

	n.restoreQueue()
	return n, nil
}

// ID returns this node's 6-byte identifier
func (n *Node) ID() NodeID {
	return n.id
}

// Store exposes the durable tables (message history, statistics)
func (n *Node) Store() *store.MeshStore {
	return n.store
}

// Observe subscribes a listener to node events
func (n *Node) Observe(l Listener) {
	n.bus.add(l)
}

// Unobserve removes a previously subscribed listener
func (n *Node) Unobserve(l Listener) {
	n.bus.remove(l)
}

// SetStatus changes the advertised node status byte
func (n *Node) SetStatus(status wire.NodeStatus) {
	n.mu.Lock()
	n.status = status
	running := n.running
	n.mu.Unlock()

	if running {
		n.transport.Advertise(n.id, status, wire.ProtocolVersion)
	}
}

// Start initializes the transport and begins advertising, scanning and
// maintenance. Returns ErrAlreadyRunning on a second call and
// ErrRadioUnavailable if the radio cannot initialize.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return ErrAlreadyRunning
	}

	prefix := n.id.Short()

	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}

	n.transport.Incoming(n.handleIncoming)

	if err := n.transport.Scan(n.handleAdvertisement); err != nil {
		n.transport.Stop()
		return fmt.Errorf("%w: scan failed: %v", ErrRadioUnavailable, err)
	}

	if err := n.transport.Advertise(n.id, n.status, wire.ProtocolVersion); err != nil {
		n.transport.Stop()
		return fmt.Errorf("%w: advertise failed: %v", ErrRadioUnavailable, err)
	}

	n.done = make(chan struct{})
	n.running = true

	n.wg.Add(1)
	go n.maintenanceLoop(n.done)

	logger.Info(prefix, "🕸️  Mesh node started (id %s)", n.id)
	return nil
}

// Stop halts the transport, cancels timers and flushes volatile state.
// ACKs in flight may be dropped; observers receive no further
// callbacks once Stop returns.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNotRunning
	}
	n.running = false
	close(n.done)
	n.mu.Unlock()

	n.wg.Wait()
	n.transport.Stop()

	n.persistQueue()
	for _, peer := range n.peers.List() {
		n.peers.Forget(peer.ID)
	}

	logger.Info(n.id.Short(), "🛑 Mesh node stopped")
	return nil
}

// SendSOS originates an emergency broadcast and returns its message id
func (n *Node) SendSOS(content string, location wire.Location, sosType string) (uuid.UUID, error) {
	if !n.isRunning() {
		return uuid.Nil, ErrNotRunning
	}

	pkt, err := n.router.OriginateSOS(content, location, sosType)
	if err != nil {
		return uuid.Nil, err
	}

	logger.Info(n.id.Short(), "🆘 SOS broadcast %s (%s)", pkt.MessageID, sosType)
	n.recordMessage(pkt, content, "sent")
	n.transmit(pkt, true)
	return pkt.MessageID, nil
}

// SendDirect originates a person-to-person message. The recipient is
// the 12-hex-digit node id; a malformed recipient is surfaced
// synchronously.
func (n *Node) SendDirect(recipient, content string) (uuid.UUID, error) {
	if !n.isRunning() {
		return uuid.Nil, ErrNotRunning
	}

	target, err := ParseNodeID(recipient)
	if err != nil {
		return uuid.Nil, err
	}

	pkt, err := n.router.OriginateDirect(target, content)
	if err != nil {
		return uuid.Nil, err
	}

	logger.Info(n.id.Short(), "✉️  Direct message %s -> %s", pkt.MessageID, target.Short())
	n.recordMessage(pkt, content, "sent")
	n.transmit(pkt, true)
	return pkt.MessageID, nil
}

// Peers lists the live neighbor records
func (n *Node) Peers() []Peer {
	return n.peers.List()
}

// Statistics returns a snapshot of the node's state
func (n *Node) Statistics() Statistics {
	return Statistics{
		Running:        n.isRunning(),
		NodeID:         n.id.String(),
		PeerCount:      n.peers.Count(),
		CacheSize:      n.cache.Size(),
		QueuedMessages: n.queue.Len(),
		Counters:       n.counters.Snapshot(),
	}
}

func (n *Node) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// handleAdvertisement feeds scan sightings into the peer table
func (n *Node) handleAdvertisement(peerID NodeID, name string, rssi int, status wire.NodeStatus, version byte) {
	if peerID == n.id {
		return
	}

	now := n.now()
	isNew := n.peers.Observe(peerID, name, rssi, status, version, now)

	n.store.SavePeer(store.PeerRecord{
		ID:       peerID.String(),
		Name:     name,
		RSSI:     rssi,
		LastSeen: now,
		Status:   status.String(),
	})

	if isNew {
		logger.Info(n.id.Short(), "📡 Discovered peer %s (rssi %d, %s)", peerID.Short(), rssi, status)
		if peer, ok := n.peers.Find(peerID); ok {
			n.bus.snapshot().PeerDiscovered(peer)
		}
	}
}

// handleIncoming runs the routing engine on one inbound datagram and
// dispatches its decision
func (n *Node) handleIncoming(data []byte) {
	result := n.router.Ingest(data)
	if result.Decision == Drop {
		return
	}

	pkt := result.Packet
	rec := result.Record

	if result.Decision == Deliver || result.Decision == DeliverAndRelay {
		n.deliver(pkt, rec)
	}

	if result.AckPacket != nil {
		n.transmit(result.AckPacket, false)
	}

	if result.RelayPacket != nil {
		n.store.RecordRouting(pkt.DedupKey(), "relayed", n.now())
		n.transmit(result.RelayPacket, false)
	}
}

// deliver surfaces a message to the application
func (n *Node) deliver(pkt *wire.Packet, rec *wire.Record) {
	prefix := n.id.Short()
	now := n.now()

	n.store.RecordRouting(pkt.DedupKey(), "delivered", now)

	if rec.Type == "ACK" {
		originalID, err := uuid.Parse(rec.OriginalMessageID)
		if err != nil {
			// Validate already checked this; treat as malformed
			return
		}
		logger.Info(prefix, "✅ ACK received for %s", originalID)
		n.store.AppendStatistic(store.StatRecord{
			Kind:      "ack_received",
			Value:     1,
			Timestamp: now,
			Metadata:  map[string]string{"original_id": originalID.String()},
		})
		n.bus.snapshot().AckReceived(originalID)
		return
	}

	var sender NodeID
	copy(sender[:], pkt.SenderID[:])

	logger.Info(prefix, "📨 Delivered %s message %s from %s (hops %d)",
		rec.Type, pkt.MessageID, sender.Short(), pkt.HopCount)

	n.store.SaveMessage(store.MessageRecord{
		ID:          pkt.MessageID.String(),
		Kind:        rec.Type,
		Peer:        rec.Sender,
		Content:     rec.Content,
		Hops:        int(pkt.HopCount),
		SentAt:      time.Unix(int64(pkt.Timestamp), 0),
		DeliveredAt: now,
		Status:      "delivered",
	})

	// Hop count per delivery feeds the statistics table
	n.store.AppendStatistic(store.StatRecord{
		Kind:      "delivered",
		Value:     float64(pkt.HopCount),
		Timestamp: now,
		Metadata:  map[string]string{"kind": rec.Type},
	})

	n.bus.snapshot().MessageDelivered(Delivery{
		MessageID:  pkt.MessageID,
		Kind:       pkt.Type,
		Sender:     sender,
		HopCount:   pkt.HopCount,
		Record:     *rec,
		ReceivedAt: now,
	})
}

// transmit puts a datagram on the radio, falling back to the
// store-and-forward queue when no peer accepts it. notifySent controls
// the message_sent observer event for locally originated traffic.
func (n *Node) transmit(pkt *wire.Packet, notifySent bool) {
	prefix := n.id.Short()

	data, err := pkt.Encode()
	if err != nil {
		logger.Error(prefix, "❌ Failed to encode %s: %v", pkt.MessageID, err)
		return
	}

	sent := 0
	if len(n.transport.ConnectedPeers()) > 0 {
		sent = n.transport.Broadcast(data)
	}

	if sent == 0 {
		n.enqueue(pkt, data)
		return
	}

	logger.Debug(prefix, "📤 Sent %s to %d peers", pkt.MessageID, sent)
	if notifySent {
		n.bus.snapshot().MessageSent(pkt.MessageID, true)
	}
}

func (n *Node) enqueue(pkt *wire.Packet, data []byte) {
	prefix := n.id.Short()
	originated := time.Unix(int64(pkt.Timestamp), 0)

	if err := n.queue.Enqueue(pkt.MessageID, data, originated, n.now()); err != nil {
		logger.Warn(prefix, "⚠️  Dropped unqueueable %s: %v", pkt.MessageID, err)
		n.counters.Inc(CounterSendFailed)
		n.bus.snapshot().MessageSent(pkt.MessageID, false)
		return
	}

	n.counters.Inc(CounterQueued)
	logger.Debug(prefix, "📦 No peers, queued %s for store-and-forward", pkt.MessageID)
	n.persistQueue()
}

// maintenanceLoop runs the periodic sweeps: peers every tick (10 s),
// queue every 3rd tick (30 s), duplicate cache and store retention
// every 6th tick (60 s)
func (n *Node) maintenanceLoop(done chan struct{}) {
	defer n.wg.Done()

	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ticker.C:
			tick++
			n.sweepPeers(n.now())
			if tick%3 == 0 {
				n.drainQueue(n.now())
			}
			if tick%6 == 0 {
				n.sweepCache(n.now())
				tick = 0
			}
		case <-done:
			return
		}
	}
}

// sweepPeers evicts stale neighbors and notifies observers
func (n *Node) sweepPeers(now time.Time) {
	evicted := n.peers.Sweep(now)
	if len(evicted) == 0 {
		return
	}

	listeners := n.bus.snapshot()
	for _, peer := range evicted {
		logger.Info(n.id.Short(), "👋 Lost peer %s (last seen %s)", peer.ID.Short(), peer.LastSeen.Format(time.RFC3339))
		listeners.PeerLost(peer)
	}
}

// drainQueue retries buffered datagrams and expires dead ones
func (n *Node) drainQueue(now time.Time) {
	prefix := n.id.Short()
	hasPeers := len(n.transport.ConnectedPeers()) > 0

	entries := n.queue.Drain(now, hasPeers)
	for _, entry := range entries {
		sent := n.transport.Broadcast(entry.Data)
		if sent > 0 {
			n.queue.MarkSent(entry.MessageID)
			logger.Info(prefix, "📤 Store-and-forward delivered %s after %d retries", entry.MessageID, entry.Attempts)
			n.bus.snapshot().MessageSent(entry.MessageID, true)
		} else {
			n.queue.MarkFailed(entry.MessageID, now)
			n.counters.Inc(CounterSendFailed)
			logger.Debug(prefix, "📦 Retry %d failed for %s", entry.Attempts+1, entry.MessageID)
		}
	}

	dropped := n.queue.Sweep(now)
	listeners := n.bus.snapshot()
	for _, id := range dropped {
		n.counters.Inc(CounterQueueExpired)
		logger.Warn(prefix, "⚠️  Gave up on queued message %s", id)
		n.store.AppendStatistic(store.StatRecord{
			Kind:      "queue_expired",
			Value:     1,
			Timestamp: now,
		})
		listeners.MessageSent(id, false)
	}

	if len(entries) > 0 || len(dropped) > 0 {
		n.persistQueue()
	}
}

// sweepCache expires duplicate-cache entries and applies store retention
func (n *Node) sweepCache(now time.Time) {
	removed := n.cache.Sweep(now)
	if removed > 0 {
		logger.Debug(n.id.Short(), "🧹 Swept %d duplicate cache entries", removed)
	}
	n.store.Sweep(now)
}

func (n *Node) recordMessage(pkt *wire.Packet, content, status string) {
	n.store.SaveMessage(store.MessageRecord{
		ID:      pkt.MessageID.String(),
		Kind:    pkt.Type.String(),
		Peer:    pkt.SenderHex(),
		Content: content,
		SentAt:  time.Unix(int64(pkt.Timestamp), 0),
		Status:  status,
	})
	n.store.AppendStatistic(store.StatRecord{
		Kind:      "originated",
		Value:     1,
		Timestamp: n.now(),
		Metadata:  map[string]string{"kind": pkt.Type.String()},
	})
}

func (n *Node) persistQueue() {
	entries := n.queue.Entries()
	rows := make([]store.QueueRecord, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, store.QueueRecord{
			ID:          entry.MessageID.String(),
			Data:        entry.Data,
			RetryCount:  entry.Attempts,
			NextAttempt: entry.NextAttempt,
			Expiry:      entry.Originated.Add(n.cfg.QueueMessageExpiry),
		})
	}
	if err := n.store.SaveQueue(rows); err != nil {
		logger.Warn(n.id.Short(), "⚠️  Failed to persist queue: %v", err)
	}
}

func (n *Node) restoreQueue() {
	rows := n.store.Queue()
	if len(rows) == 0 {
		return
	}

	entries := make([]QueueEntry, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			continue
		}
		entries = append(entries, QueueEntry{
			MessageID:   id,
			Data:        row.Data,
			Originated:  row.Expiry.Add(-n.cfg.QueueMessageExpiry),
			Attempts:    row.RetryCount,
			NextAttempt: row.NextAttempt,
		})
	}

	n.queue.Restore(entries, n.now())
	logger.Info(n.id.Short(), "📦 Restored %d queued messages", n.queue.Len())
}
