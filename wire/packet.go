package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MessageType identifies the kind of mesh datagram
type MessageType byte

const (
	MessageTypeSOS    MessageType = 0x01 // Emergency broadcast
	MessageTypeDirect MessageType = 0x02 // Person-to-person message
	MessageTypeRelay  MessageType = 0x03 // Re-emitted copy of another node's datagram
	MessageTypeAck    MessageType = 0x04 // Delivery acknowledgment for a direct message
)

// String returns the payload type tag for a message type
func (t MessageType) String() string {
	switch t {
	case MessageTypeSOS:
		return "SOS"
	case MessageTypeDirect:
		return "DIRECT"
	case MessageTypeRelay:
		return "RELAY"
	case MessageTypeAck:
		return "ACK"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", byte(t))
	}
}

// Valid reports whether the kind byte is one we understand
func (t MessageType) Valid() bool {
	return t >= MessageTypeSOS && t <= MessageTypeAck
}

// Wire layout constants. The header is exactly 32 bytes, immediately
// followed by the 2-byte CRC, immediately followed by the payload.
const (
	ProtocolVersion = 0x01

	HeaderSize = 32
	CRCSize    = 2

	// MaxPacketSize is the radio MTU ceiling for one datagram
	MaxPacketSize = 512

	// MaxPayloadSize is what fits after header and CRC
	MaxPayloadSize = MaxPacketSize - HeaderSize - CRCSize

	// SenderIDSize is the length of the opaque node identifier
	SenderIDSize = 6
)

// Decode failure taxonomy. All of these are non-fatal: the routing
// engine drops the datagram and increments a counter.
var (
	ErrMalformedHeader = errors.New("packet too small for header and CRC")
	ErrBadChecksum     = errors.New("CRC mismatch")
	ErrUnknownKind     = errors.New("unknown message type")
	ErrLengthMismatch  = errors.New("declared payload length inconsistent with packet")
	ErrPayloadTooLarge = errors.New("payload exceeds datagram MTU")
	ErrDecryptFailed   = errors.New("payload decryption failed")
	ErrMalformedRecord = errors.New("inner record violates schema")
)

// Packet is a single mesh datagram. Header fields travel in the clear;
// Payload is the AES-CBC ciphertext of the inner record.
type Packet struct {
	Version   byte
	Type      MessageType
	MessageID uuid.UUID
	HopCount  uint8
	TTL       uint8
	Timestamp uint32 // originator's wall clock, seconds since epoch
	SenderID  [SenderIDSize]byte
	Payload   []byte
}

// Encode serializes the packet to its on-wire byte image.
// All multi-byte integers are big-endian. The CRC covers the 32-byte
// header followed by the payload and is written between the two.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}

	buf := make([]byte, HeaderSize+CRCSize+len(p.Payload))

	buf[0] = p.Version
	buf[1] = byte(p.Type)
	copy(buf[2:18], p.MessageID[:])
	buf[18] = p.HopCount
	buf[19] = p.TTL
	binary.BigEndian.PutUint32(buf[20:24], p.Timestamp)
	copy(buf[24:30], p.SenderID[:])
	binary.BigEndian.PutUint16(buf[30:32], uint16(len(p.Payload)))

	copy(buf[HeaderSize+CRCSize:], p.Payload)

	crc := CRC16(append(append([]byte{}, buf[:HeaderSize]...), p.Payload...))
	binary.BigEndian.PutUint16(buf[HeaderSize:HeaderSize+CRCSize], crc)

	return buf, nil
}

// Decode parses and verifies a binary datagram.
// Returns ErrMalformedHeader, ErrLengthMismatch, ErrBadChecksum or
// ErrUnknownKind on the corresponding failure.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize+CRCSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(data))
	}

	payloadLen := int(binary.BigEndian.Uint16(data[30:32]))
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared %d", ErrLengthMismatch, payloadLen)
	}
	if len(data) < HeaderSize+CRCSize+payloadLen {
		return nil, fmt.Errorf("%w: declared %d, have %d payload bytes",
			ErrLengthMismatch, payloadLen, len(data)-HeaderSize-CRCSize)
	}

	payload := data[HeaderSize+CRCSize : HeaderSize+CRCSize+payloadLen]

	receivedCRC := binary.BigEndian.Uint16(data[HeaderSize : HeaderSize+CRCSize])
	calculated := CRC16(append(append([]byte{}, data[:HeaderSize]...), payload...))
	if receivedCRC != calculated {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrBadChecksum, calculated, receivedCRC)
	}

	msgType := MessageType(data[1])
	if !msgType.Valid() {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownKind, data[1])
	}

	p := &Packet{
		Version:   data[0],
		Type:      msgType,
		HopCount:  data[18],
		TTL:       data[19],
		Timestamp: binary.BigEndian.Uint32(data[20:24]),
	}
	copy(p.MessageID[:], data[2:18])
	copy(p.SenderID[:], data[24:30])
	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, payload)

	return p, nil
}

// DedupKey returns the duplicate-detection key for this datagram: the
// first 16 hex characters of SHA-256 over the message id's dashless hex
// form concatenated with the sender id's hex form. Relay copies of the
// same originated message yield the same key.
func (p *Packet) DedupKey() string {
	data := hex.EncodeToString(p.MessageID[:]) + hex.EncodeToString(p.SenderID[:])
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:16]
}

// SenderHex returns the lowercase hex form of the sender id, the form
// used for sender/recipient fields inside the encrypted record.
func (p *Packet) SenderHex() string {
	return hex.EncodeToString(p.SenderID[:])
}
