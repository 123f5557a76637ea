package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/user/disastermesh/logger"
	"github.com/user/disastermesh/mesh"
	"github.com/user/disastermesh/radio"
	"github.com/user/disastermesh/util"
	"github.com/user/disastermesh/wire"
)

// printListener dumps node events to stdout for the demo
type printListener struct {
	mesh.BaseListener
	label string
}

func (l *printListener) PeerDiscovered(peer mesh.Peer) {
	fmt.Printf("[%s] 📡 discovered peer %s (rssi %d)\n", l.label, peer.ID.Short(), peer.RSSI)
}

func (l *printListener) MessageDelivered(d mesh.Delivery) {
	fmt.Printf("[%s] 📨 %s from %s after %d hops: %q\n", l.label, d.Record.Type, d.Sender.Short(), d.HopCount, d.Record.Content)
}

func (l *printListener) AckReceived(originalID uuid.UUID) {
	fmt.Printf("[%s] ✅ ack for %s\n", l.label, originalID)
}

func main() {
	fmt.Println("=== Disaster Mesh Demo: A - B - C triangle ===")
	logger.SetLevel(logger.WARN)

	baseDir := util.SetRandom()
	hub := radio.NewHub(radio.PerfectSimulationConfig())

	labels := []string{"A", "B", "C"}
	nodes := make([]*mesh.Node, 0, len(labels))

	for _, label := range labels {
		cfg := mesh.DefaultConfig()
		cfg.DataDir = fmt.Sprintf("%s/%s", baseDir, label)

		id, err := mesh.LoadOrGenerateNodeID(cfg.DataDir)
		if err != nil {
			panic(err)
		}

		transport := radio.NewSimTransport(hub, id, label, cfg.AdvertisePeriod)
		node, err := mesh.NewNode(cfg, transport)
		if err != nil {
			panic(err)
		}

		node.Observe(&printListener{label: label})
		if err := node.Start(); err != nil {
			panic(err)
		}
		nodes = append(nodes, node)
	}

	// Full triangle: everyone hears everyone
	hub.LinkAll()
	hub.PumpAdvertisements()

	// SOS from A floods to B and C; each relays once, the echoes are
	// suppressed by the duplicate cache
	if _, err := nodes[0].SendSOS("building collapse, need medical", wire.Location{Lat: 37.7749, Lng: -122.4194}, "medical"); err != nil {
		panic(err)
	}

	// Direct message C -> A; B relays its copy and A delivers once. A
	// acknowledges back to C only when C's first-hand copy reaches it
	// before B's relayed one; the hub does not fix that order.
	if _, err := nodes[2].SendDirect(nodes[0].ID().String(), "rescue team on the way"); err != nil {
		panic(err)
	}

	time.Sleep(500 * time.Millisecond)

	for i, node := range nodes {
		stats := node.Statistics()
		fmt.Printf("[%s] delivered=%d relayed=%d queued=%d\n",
			labels[i], stats.Counters[mesh.CounterDelivered],
			stats.Counters[mesh.CounterRelayed], stats.QueuedMessages)
		node.Stop()
	}

	fmt.Println("=== Done ===")
}
