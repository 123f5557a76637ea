package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/user/disastermesh/logger"
	"github.com/user/disastermesh/wire"
)

// Decision is the routing engine's verdict for one ingested datagram
type Decision int

const (
	Drop Decision = iota
	Deliver
	Relay
	DeliverAndRelay
)

// String returns a human-readable decision name
func (d Decision) String() string {
	switch d {
	case Drop:
		return "Drop"
	case Deliver:
		return "Deliver"
	case Relay:
		return "Relay"
	case DeliverAndRelay:
		return "DeliverAndRelay"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// IngestResult carries the decision and everything the controller
// needs to act on it
type IngestResult struct {
	Decision Decision

	// Packet and Record are set for Deliver and Relay decisions
	Packet *wire.Packet
	Record *wire.Record

	// RelayPacket is the re-encoded copy to put on the wire
	RelayPacket *wire.Packet

	// AckPacket is a locally originated acknowledgment for a direct
	// message delivered to us
	AckPacket *wire.Packet
}

// Router is the protocol decision engine. It is a pure function of the
// local node id and wall-clock time; its only side effects are the
// duplicate cache and the counters. It never touches the radio.
type Router struct {
	localID    NodeID
	networkKey []byte
	initialTTL uint8
	tolerance  time.Duration
	cache      *DuplicateCache
	counters   *Counters

	// now is swappable for tests
	now func() time.Time
}

// NewRouter creates a routing engine bound to a duplicate cache
func NewRouter(localID NodeID, cfg *Config, cache *DuplicateCache, counters *Counters) *Router {
	return &Router{
		localID:    localID,
		networkKey: []byte(cfg.NetworkKey),
		initialTTL: cfg.InitialTTL,
		tolerance:  cfg.TimestampTolerance,
		cache:      cache,
		counters:   counters,
		now:        time.Now,
	}
}

// Ingest runs the full inbound pipeline for one datagram:
// decode and checksum, freshness, duplicate suppression, decryption,
// schema validation, then the deliver/relay decision. Every failure is
// a silent Drop plus one counter increment.
func (r *Router) Ingest(data []byte) IngestResult {
	prefix := r.localID.Short()

	// Decode verifies length, CRC and kind
	pkt, err := wire.Decode(data)
	if err != nil {
		r.countDecodeFailure(err)
		logger.Trace(prefix, "dropped undecodable datagram: %v", err)
		return IngestResult{Decision: Drop}
	}

	now := r.now()

	// Replay guard: reject datagrams outside the freshness window.
	// The window edge itself is accepted.
	age := now.Unix() - int64(pkt.Timestamp)
	if age < 0 {
		age = -age
	}
	if age > int64(r.tolerance/time.Second) {
		r.counters.Inc(CounterDropStale)
		logger.Trace(prefix, "dropped stale datagram %s (age %ds)", pkt.MessageID, age)
		return IngestResult{Decision: Drop}
	}

	// Duplicate suppression. The key is marked before decryption so a
	// malformed duplicate of this datagram is also dropped.
	if r.cache.MarkAndCheck(pkt.DedupKey(), now) {
		r.counters.Inc(CounterDropDuplicate)
		logger.Trace(prefix, "dropped duplicate %s", pkt.MessageID)
		return IngestResult{Decision: Drop}
	}

	plaintext, err := wire.DecryptPayload(pkt.Payload, r.networkKey, pkt.MessageID)
	if err != nil {
		r.counters.Inc(CounterDropDecrypt)
		logger.Debug(prefix, "dropped undecryptable datagram %s", pkt.MessageID)
		return IngestResult{Decision: Drop}
	}

	record, err := wire.UnmarshalRecord(plaintext)
	if err != nil {
		r.counters.Inc(CounterDropRecord)
		logger.Debug(prefix, "dropped datagram %s with malformed record", pkt.MessageID)
		return IngestResult{Decision: Drop}
	}

	forMe := record.Recipient == r.localID.String()
	broadcast := record.Recipient == wire.BroadcastRecipient

	result := IngestResult{Decision: Drop, Packet: pkt, Record: record}

	if forMe || broadcast {
		result.Decision = Deliver
		r.counters.Inc(CounterDelivered)

		// Direct messages addressed to us are acknowledged back to the
		// originator
		if pkt.Type == wire.MessageTypeDirect && forMe {
			ack, err := r.OriginateAck(pkt.SenderID, pkt.MessageID)
			if err != nil {
				logger.Error(prefix, "❌ failed to build ACK for %s: %v", pkt.MessageID, err)
			} else {
				result.AckPacket = ack
			}
		}
	}

	if r.shouldRelay(pkt, forMe, broadcast) {
		relay, err := r.buildRelay(pkt, record)
		if err != nil {
			logger.Error(prefix, "❌ failed to build relay for %s: %v", pkt.MessageID, err)
		} else {
			result.RelayPacket = relay
			r.counters.Inc(CounterRelayed)
			if result.Decision == Deliver {
				result.Decision = DeliverAndRelay
			} else {
				result.Decision = Relay
			}
		}
	} else if pkt.TTL == 0 && result.Decision == Drop {
		r.counters.Inc(CounterDropTTL)
	}

	logger.Trace(prefix, "ingest %s kind=%s hops=%d ttl=%d -> %s",
		pkt.MessageID, pkt.Type, pkt.HopCount, pkt.TTL, result.Decision)
	return result
}

func (r *Router) countDecodeFailure(err error) {
	switch {
	case errors.Is(err, wire.ErrBadChecksum):
		r.counters.Inc(CounterDropChecksum)
	default:
		r.counters.Inc(CounterDropMalformed)
	}
}

// shouldRelay applies the flooding policy to an arriving datagram
func (r *Router) shouldRelay(pkt *wire.Packet, forMe, broadcast bool) bool {
	if pkt.TTL == 0 {
		return false
	}
	if pkt.Type == wire.MessageTypeSOS {
		return true
	}
	if broadcast {
		return true
	}
	if pkt.Type == wire.MessageTypeDirect && !forMe {
		return true
	}
	return false
}

// buildRelay constructs the re-emitted copy: kind RELAY, hop count up,
// TTL down, everything else preserved. Re-encrypting with the original
// message id keeps the IV, the ciphertext and the duplicate key
// identical across the network.
func (r *Router) buildRelay(pkt *wire.Packet, record *wire.Record) (*wire.Packet, error) {
	relay := &wire.Packet{
		Version:   wire.ProtocolVersion,
		Type:      wire.MessageTypeRelay,
		MessageID: pkt.MessageID,
		HopCount:  pkt.HopCount + 1,
		TTL:       pkt.TTL - 1,
		Timestamp: pkt.Timestamp,
		SenderID:  pkt.SenderID,
	}

	plaintext, err := record.Marshal()
	if err != nil {
		return nil, err
	}

	relay.Payload, err = wire.EncryptPayload(plaintext, r.networkKey, relay.MessageID)
	if err != nil {
		return nil, err
	}
	return relay, nil
}

// originate builds, encrypts and pre-marks a locally created datagram.
// Pre-marking the duplicate cache means the inevitable echo from a
// neighbor's relay does not loop back into delivery.
func (r *Router) originate(kind wire.MessageType, record *wire.Record) (*wire.Packet, error) {
	pkt := &wire.Packet{
		Version:   wire.ProtocolVersion,
		Type:      kind,
		MessageID: uuid.New(),
		HopCount:  0,
		TTL:       r.initialTTL,
		Timestamp: uint32(r.now().Unix()),
	}
	copy(pkt.SenderID[:], r.localID[:])

	plaintext, err := record.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	pkt.Payload, err = wire.EncryptPayload(plaintext, r.networkKey, pkt.MessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	r.cache.MarkAndCheck(pkt.DedupKey(), r.now())
	r.counters.Inc(CounterOriginated)
	return pkt, nil
}

// OriginateSOS builds an emergency broadcast datagram
func (r *Router) OriginateSOS(content string, location wire.Location, sosType string) (*wire.Packet, error) {
	record := &wire.Record{
		Type:      "SOS",
		Sender:    r.localID.String(),
		Recipient: wire.BroadcastRecipient,
		Content:   content,
		Location:  &location,
		Priority:  5,
		Timestamp: r.now().Unix(),
		SOSType:   sosType,
	}
	return r.originate(wire.MessageTypeSOS, record)
}

// OriginateDirect builds a person-to-person datagram
func (r *Router) OriginateDirect(recipient NodeID, content string) (*wire.Packet, error) {
	record := &wire.Record{
		Type:      "DIRECT",
		Sender:    r.localID.String(),
		Recipient: recipient.String(),
		Content:   content,
		Priority:  3,
		Timestamp: r.now().Unix(),
	}
	return r.originate(wire.MessageTypeDirect, record)
}

// OriginateAck builds the acknowledgment for a delivered direct message
func (r *Router) OriginateAck(originalSender [NodeIDSize]byte, originalMessageID uuid.UUID) (*wire.Packet, error) {
	var recipient NodeID
	copy(recipient[:], originalSender[:])

	record := &wire.Record{
		Type:              "ACK",
		Sender:            r.localID.String(),
		Recipient:         recipient.String(),
		Priority:          2,
		Timestamp:         r.now().Unix(),
		OriginalMessageID: originalMessageID.String(),
	}
	return r.originate(wire.MessageTypeAck, record)
}
