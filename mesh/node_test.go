package mesh

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/disastermesh/wire"
)

// ============================================================================
// Test Transport
// ============================================================================

// fakeTransport wires nodes together directly in-process. Delivery is
// synchronous, which makes flood scenarios deterministic.
type fakeTransport struct {
	mu        sync.Mutex
	self      NodeID
	failStart bool
	started   bool
	links     []*fakeTransport

	incoming    IncomingHandler
	scanHandler AdvertisementHandler
	status      wire.NodeStatus
	version     byte

	received int // datagrams delivered to this radio
}

func (ft *fakeTransport) Start() error {
	if ft.failStart {
		return errors.New("simulated radio failure")
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.started = true
	return nil
}

func (ft *fakeTransport) Stop() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.started = false
	return nil
}

func (ft *fakeTransport) Advertise(selfID NodeID, status wire.NodeStatus, version byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.self = selfID
	ft.status = status
	ft.version = version
	return nil
}

func (ft *fakeTransport) Scan(handler AdvertisementHandler) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.scanHandler = handler
	return nil
}

func (ft *fakeTransport) ConnectedPeers() []NodeID {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ids := make([]NodeID, 0, len(ft.links))
	for _, link := range ft.links {
		ids = append(ids, link.self)
	}
	return ids
}

func (ft *fakeTransport) Send(peerID NodeID, data []byte) error {
	ft.mu.Lock()
	links := append([]*fakeTransport{}, ft.links...)
	ft.mu.Unlock()

	for _, link := range links {
		if link.self == peerID {
			link.deliver(data)
			return nil
		}
	}
	return errors.New("no such link")
}

func (ft *fakeTransport) Broadcast(data []byte) int {
	ft.mu.Lock()
	links := append([]*fakeTransport{}, ft.links...)
	ft.mu.Unlock()

	for _, link := range links {
		link.deliver(data)
	}
	return len(links)
}

func (ft *fakeTransport) Incoming(handler IncomingHandler) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.incoming = handler
}

func (ft *fakeTransport) deliver(data []byte) {
	ft.mu.Lock()
	ft.received++
	handler := ft.incoming
	ft.mu.Unlock()

	if handler != nil {
		buf := make([]byte, len(data))
		copy(buf, data)
		handler(buf)
	}
}

func (ft *fakeTransport) receivedCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.received
}

func linkTransports(a, b *fakeTransport) {
	a.mu.Lock()
	a.links = append(a.links, b)
	a.mu.Unlock()
	b.mu.Lock()
	b.links = append(b.links, a)
	b.mu.Unlock()
}

func unlinkAll(ft *fakeTransport) {
	ft.mu.Lock()
	peers := append([]*fakeTransport{}, ft.links...)
	ft.links = nil
	ft.mu.Unlock()

	for _, peer := range peers {
		peer.mu.Lock()
		kept := peer.links[:0]
		for _, link := range peer.links {
			if link != ft {
				kept = append(kept, link)
			}
		}
		peer.links = kept
		peer.mu.Unlock()
	}
}

// pumpAdvertisements synchronously delivers one beacon round between
// every pair of linked transports
func pumpAdvertisements(transports ...*fakeTransport) {
	for _, ft := range transports {
		ft.mu.Lock()
		links := append([]*fakeTransport{}, ft.links...)
		self, status, version := ft.self, ft.status, ft.version
		ft.mu.Unlock()

		for _, link := range links {
			link.mu.Lock()
			handler := link.scanHandler
			link.mu.Unlock()
			if handler != nil {
				handler(self, "", -50, status, version)
			}
		}
	}
}

// ============================================================================
// Listener Recorder
// ============================================================================

type sentEvent struct {
	id      uuid.UUID
	success bool
}

type recordingListener struct {
	mu         sync.Mutex
	discovered []Peer
	lost       []Peer
	delivered  []Delivery
	sent       []sentEvent
	acks       []uuid.UUID
}

func (l *recordingListener) PeerDiscovered(p Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discovered = append(l.discovered, p)
}

func (l *recordingListener) PeerLost(p Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost = append(l.lost, p)
}

func (l *recordingListener) MessageDelivered(d Delivery) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivered = append(l.delivered, d)
}

func (l *recordingListener) MessageSent(id uuid.UUID, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentEvent{id, success})
}

func (l *recordingListener) AckReceived(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acks = append(l.acks, id)
}

func (l *recordingListener) deliveredCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.delivered)
}

func (l *recordingListener) ackCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.acks)
}

// ============================================================================
// Node Setup
// ============================================================================

type testMeshNode struct {
	node      *Node
	transport *fakeTransport
	listener  *recordingListener
}

func startTestNode(t *testing.T) *testMeshNode {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	ft := &fakeTransport{}
	node, err := NewNode(cfg, ft)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	ft.self = node.ID()

	listener := &recordingListener{}
	node.Observe(listener)

	if err := node.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { node.Stop() })

	return &testMeshNode{node: node, transport: ft, listener: listener}
}

func startTestMesh(t *testing.T, size int) []*testMeshNode {
	t.Helper()

	nodes := make([]*testMeshNode, size)
	for i := range nodes {
		nodes[i] = startTestNode(t)
	}
	return nodes
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestNode_StartTwiceReturnsAlreadyRunning(t *testing.T) {
	tn := startTestNode(t)

	if err := tn.node.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	// Still running and usable after the rejected second start
	if !tn.node.Statistics().Running {
		t.Error("Node should still be running")
	}
}

func TestNode_StopAndStopAgain(t *testing.T) {
	tn := startTestNode(t)

	if err := tn.node.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := tn.node.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
	if tn.node.Statistics().Running {
		t.Error("Node should report stopped")
	}
}

func TestNode_StartRadioUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	ft := &fakeTransport{failStart: true}
	node, err := NewNode(cfg, ft)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if err := node.Start(); !errors.Is(err, ErrRadioUnavailable) {
		t.Errorf("Expected ErrRadioUnavailable, got %v", err)
	}
}

func TestNode_SendBeforeStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	node, err := NewNode(cfg, &fakeTransport{})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if _, err := node.SendSOS("help", wire.Location{}, "general"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
	if _, err := node.SendDirect("aabbccddeeff", "hi"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

func TestNode_SendDirectBadRecipient(t *testing.T) {
	tn := startTestNode(t)

	if _, err := tn.node.SendDirect("not-a-node-id", "hi"); err == nil {
		t.Error("Expected malformed recipient to fail synchronously")
	}
}

// ============================================================================
// Peer Lifecycle
// ============================================================================

func TestNode_PeerDiscoveryAndLoss(t *testing.T) {
	nodes := startTestMesh(t, 2)
	a, b := nodes[0], nodes[1]

	linkTransports(a.transport, b.transport)
	pumpAdvertisements(a.transport, b.transport)

	peers := a.node.Peers()
	if len(peers) != 1 {
		t.Fatalf("Expected 1 peer, got %d", len(peers))
	}
	if peers[0].ID != b.node.ID() {
		t.Errorf("Expected peer %s, got %s", b.node.ID(), peers[0].ID)
	}

	a.listener.mu.Lock()
	discovered := len(a.listener.discovered)
	a.listener.mu.Unlock()
	if discovered != 1 {
		t.Errorf("Expected exactly 1 discovery event, got %d", discovered)
	}

	// Repeat sightings must not re-fire discovery
	pumpAdvertisements(a.transport, b.transport)
	a.listener.mu.Lock()
	discovered = len(a.listener.discovered)
	a.listener.mu.Unlock()
	if discovered != 1 {
		t.Errorf("Expected no second discovery event, got %d", discovered)
	}

	// Liveness sweep past the window fires loss exactly once
	a.node.sweepPeers(time.Now().Add(31 * time.Second))
	a.listener.mu.Lock()
	lost := len(a.listener.lost)
	a.listener.mu.Unlock()
	if lost != 1 {
		t.Errorf("Expected exactly 1 loss event, got %d", lost)
	}
	if len(a.node.Peers()) != 0 {
		t.Error("Peer table should be empty after the sweep")
	}
}

// ============================================================================
// End-to-End Scenarios
// ============================================================================

func TestNode_LinearChainSOSFlood(t *testing.T) {
	// A - B - C - D - E, SOS originates at A with ttl 5
	nodes := startTestMesh(t, 5)
	for i := 0; i+1 < len(nodes); i++ {
		linkTransports(nodes[i].transport, nodes[i+1].transport)
	}

	if _, err := nodes[0].node.SendSOS("flood", wire.Location{Lat: 1, Lng: 2}, "general"); err != nil {
		t.Fatalf("SendSOS failed: %v", err)
	}

	// Every non-originator delivers exactly once
	for i, tn := range nodes[1:] {
		if got := tn.listener.deliveredCount(); got != 1 {
			t.Errorf("Node %d: expected 1 delivery, got %d", i+1, got)
		}
	}
	if nodes[0].listener.deliveredCount() != 0 {
		t.Error("Originator must not deliver its own SOS")
	}

	// Hop counts grow down the chain
	for i, tn := range nodes[1:] {
		tn.listener.mu.Lock()
		hops := tn.listener.delivered[0].HopCount
		tn.listener.mu.Unlock()
		if int(hops) != i {
			t.Errorf("Node %d: expected hop count %d, got %d", i+1, i, hops)
		}
	}

	// The wire carries exactly four relayed copies (one per
	// non-originator); a sixth hop never appears
	totalRelays := uint64(0)
	for _, tn := range nodes {
		totalRelays += tn.node.Statistics().Counters[CounterRelayed]
	}
	if totalRelays != 4 {
		t.Errorf("Expected 4 relay emissions, got %d", totalRelays)
	}

	// Originations and deliveries land in the persisted statistics table
	originated, delivered := 0, 0
	for _, rec := range nodes[0].node.Store().Statistics() {
		if rec.Kind == "originated" {
			originated++
		}
	}
	for _, rec := range nodes[1].node.Store().Statistics() {
		if rec.Kind == "delivered" {
			delivered++
		}
	}
	if originated != 1 {
		t.Errorf("Expected 1 originated statistic at A, got %d", originated)
	}
	if delivered != 1 {
		t.Errorf("Expected 1 delivered statistic at B, got %d", delivered)
	}
}

func TestNode_TriangleDirectWithAck(t *testing.T) {
	// Full triangle A - B - C; direct message A -> C
	nodes := startTestMesh(t, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]
	// A hears C before B so the first-hand DIRECT, not B's relayed
	// copy, reaches C first; only a first-hand DIRECT is acknowledged
	linkTransports(a.transport, c.transport)
	linkTransports(a.transport, b.transport)
	linkTransports(b.transport, c.transport)

	msgID, err := a.node.SendDirect(c.node.ID().String(), "meet at the shelter")
	if err != nil {
		t.Fatalf("SendDirect failed: %v", err)
	}

	// C delivers exactly once despite receiving copies from A and B
	if got := c.listener.deliveredCount(); got != 1 {
		t.Fatalf("Expected exactly 1 delivery at C, got %d", got)
	}
	c.listener.mu.Lock()
	delivery := c.listener.delivered[0]
	c.listener.mu.Unlock()
	if delivery.MessageID != msgID {
		t.Errorf("Expected delivery of %s, got %s", msgID, delivery.MessageID)
	}
	if delivery.Record.Content != "meet at the shelter" {
		t.Errorf("Unexpected content %q", delivery.Record.Content)
	}

	// B forwarded but did not deliver
	if b.listener.deliveredCount() != 0 {
		t.Error("B must not deliver a direct message addressed to C")
	}

	// The ACK came back to A exactly once; B does not forward an ACK
	// addressed to another node, so no second copy reaches A
	if got := a.listener.ackCount(); got != 1 {
		t.Fatalf("Expected exactly 1 ack at A, got %d", got)
	}
	a.listener.mu.Lock()
	ackedID := a.listener.acks[0]
	a.listener.mu.Unlock()
	if ackedID != msgID {
		t.Errorf("Expected ack for %s, got %s", msgID, ackedID)
	}
}

func TestNode_PartitionThenMerge(t *testing.T) {
	nodes := startTestMesh(t, 2)
	x, y := nodes[0], nodes[1]

	// X is partitioned: the send returns an id and the datagram queues
	msgID, err := x.node.SendSOS("anyone out there", wire.Location{Lat: 1, Lng: 2}, "general")
	if err != nil {
		t.Fatalf("SendSOS failed: %v", err)
	}
	if msgID == uuid.Nil {
		t.Fatal("Expected a message id even without peers")
	}
	if got := x.node.Statistics().QueuedMessages; got != 1 {
		t.Fatalf("Expected 1 queued message, got %d", got)
	}

	// No failure event yet: retries have not been exhausted
	x.listener.mu.Lock()
	sentEvents := len(x.listener.sent)
	x.listener.mu.Unlock()
	if sentEvents != 0 {
		t.Errorf("Expected no message_sent events while queued, got %d", sentEvents)
	}

	// A drain without peers produces nothing
	x.node.drainQueue(time.Now().Add(31 * time.Second))
	if y.listener.deliveredCount() != 0 {
		t.Fatal("Nothing should have been transmitted yet")
	}

	// Y comes into range; the next drain flushes the queue
	linkTransports(x.transport, y.transport)
	x.node.drainQueue(time.Now().Add(62 * time.Second))

	if got := y.listener.deliveredCount(); got != 1 {
		t.Fatalf("Expected delivery at Y after merge, got %d", got)
	}
	if got := x.node.Statistics().QueuedMessages; got != 0 {
		t.Errorf("Expected empty queue after send, got %d", got)
	}

	x.listener.mu.Lock()
	defer x.listener.mu.Unlock()
	if len(x.listener.sent) != 1 || !x.listener.sent[0].success {
		t.Errorf("Expected one message_sent success event, got %+v", x.listener.sent)
	}
}

func TestNode_QueueExhaustionFiresFailureOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.QueueMaxAttempts = 2

	ft := &fakeTransport{}
	node, err := NewNode(cfg, ft)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	ft.self = node.ID()

	listener := &recordingListener{}
	node.Observe(listener)
	if err := node.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { node.Stop() })

	msgID, err := node.SendSOS("void", wire.Location{}, "general")
	if err != nil {
		t.Fatalf("SendSOS failed: %v", err)
	}
	if node.queue.Len() != 1 {
		t.Fatal("Expected the datagram queued")
	}

	// Burn through the attempt budget, then let the drain's sweep give
	// up on the entry
	base := time.Now()
	node.queue.MarkFailed(msgID, base)
	node.queue.MarkFailed(msgID, base)
	node.drainQueue(base)
	node.drainQueue(base.Add(31 * time.Second))

	listener.mu.Lock()
	defer listener.mu.Unlock()
	failures := 0
	for _, ev := range listener.sent {
		if ev.id == msgID && !ev.success {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("Expected exactly 1 failure event, got %d", failures)
	}
	if node.queue.Len() != 0 {
		t.Errorf("Expected empty queue after giving up, got %d", node.queue.Len())
	}
}

func TestNode_FloodSuppressionInClique(t *testing.T) {
	// Fully connected 5-node clique, one SOS from A
	nodes := startTestMesh(t, 5)
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			linkTransports(nodes[i].transport, nodes[j].transport)
		}
	}

	if _, err := nodes[0].node.SendSOS("clique flood", wire.Location{Lat: 1, Lng: 2}, "general"); err != nil {
		t.Fatalf("SendSOS failed: %v", err)
	}

	for i, tn := range nodes[1:] {
		stats := tn.node.Statistics()
		if tn.listener.deliveredCount() != 1 {
			t.Errorf("Node %d: expected 1 delivery, got %d", i+1, tn.listener.deliveredCount())
		}
		if stats.Counters[CounterRelayed] != 1 {
			t.Errorf("Node %d: expected 1 relay, got %d", i+1, stats.Counters[CounterRelayed])
		}
	}

	// Wire bound: 4 original copies plus 4 relayers x 4 links = 20
	totalOnWire := 0
	for _, tn := range nodes {
		totalOnWire += tn.transport.receivedCount()
	}
	if totalOnWire > 20 {
		t.Errorf("Expected at most 20 datagrams on the wire, got %d", totalOnWire)
	}
}

func TestNode_WrongKeyNodeStaysQuiet(t *testing.T) {
	// Z runs a different network key: it must neither deliver nor
	// relay, and it must not crash
	a := startTestNode(t)

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.NetworkKey = "TotallyOtherKey!"

	zt := &fakeTransport{}
	z, err := NewNode(cfg, zt)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	zt.self = z.ID()
	zListener := &recordingListener{}
	z.Observe(zListener)
	if err := z.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { z.Stop() })

	linkTransports(a.transport, zt)

	if _, err := a.node.SendSOS("secret", wire.Location{}, "general"); err != nil {
		t.Fatalf("SendSOS failed: %v", err)
	}

	if zListener.deliveredCount() != 0 {
		t.Error("Wrong-key node must not deliver")
	}
	stats := z.Statistics()
	if stats.Counters[CounterRelayed] != 0 {
		t.Error("Wrong-key node must not relay")
	}
	if stats.Counters[CounterDropDecrypt] != 1 {
		t.Errorf("Expected 1 decrypt drop at Z, got %d", stats.Counters[CounterDropDecrypt])
	}
	// The datagram is still cached, so a replay is a cheap duplicate
	if stats.CacheSize != 1 {
		t.Errorf("Expected the datagram cached at Z, got %d entries", stats.CacheSize)
	}
}

func TestNode_StatisticsSnapshot(t *testing.T) {
	tn := startTestNode(t)

	stats := tn.node.Statistics()
	if !stats.Running {
		t.Error("Expected running")
	}
	if stats.NodeID != tn.node.ID().String() {
		t.Errorf("Expected node id %s, got %s", tn.node.ID(), stats.NodeID)
	}
	if stats.PeerCount != 0 || stats.QueuedMessages != 0 {
		t.Error("Fresh node should have no peers and an empty queue")
	}
}
