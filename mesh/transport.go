package mesh

import "github.com/user/disastermesh/wire"

// AdvertisementHandler is invoked once per peer advertisement seen
// while scanning
type AdvertisementHandler func(peerID NodeID, name string, rssi int, status wire.NodeStatus, version byte)

// IncomingHandler is invoked at most once per datagram received on a
// single link. Cross-link deduplication is the routing engine's job.
type IncomingHandler func(data []byte)

// Transport bridges the routing engine to a radio. Implementations
// hide radio-stack idiosyncrasies: connection limits (typically 7
// concurrent links), link establishment, advertisement parsing.
//
// Send must fail within 5 seconds if the link write does not complete.
// Failure of one peer must not abort a broadcast to the remaining
// peers. The node controller is the transport's only caller.
type Transport interface {
	// Start initializes the radio. It is called once, before any other
	// method, and its error fails Node.Start with ErrRadioUnavailable.
	Start() error

	// Stop halts advertising, scanning and all links
	Stop() error

	// Advertise begins or refreshes periodic radio advertisement of
	// the 24-byte service-data blob (interval about one second)
	Advertise(selfID NodeID, status wire.NodeStatus, version byte) error

	// Scan continuously receives peer advertisements
	Scan(handler AdvertisementHandler) error

	// ConnectedPeers lists peers with an active logical connection
	ConnectedPeers() []NodeID

	// Send writes one encoded datagram to one peer
	Send(peerID NodeID, data []byte) error

	// Broadcast writes to every currently connected peer and returns
	// the number of successful writes
	Broadcast(data []byte) int

	// Incoming registers the handler for inbound datagram bytes
	Incoming(handler IncomingHandler)
}
