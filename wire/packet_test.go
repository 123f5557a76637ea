package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func makeTestPacket(t *testing.T) *Packet {
	t.Helper()

	iv := uuid.MustParse("a1b2c3d4-e5f6-7890-abcd-ef0123456789")
	payload, err := EncryptPayload([]byte(`{"type":"SOS","content":"help"}`), []byte("key"), iv)
	if err != nil {
		t.Fatalf("EncryptPayload failed: %v", err)
	}

	p := &Packet{
		Version:   ProtocolVersion,
		Type:      MessageTypeSOS,
		MessageID: iv,
		HopCount:  2,
		TTL:       3,
		Timestamp: 1700000000,
		Payload:   payload,
	}
	copy(p.SenderID[:], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	return p
}

func TestPacket_EncodeDecodeRoundTrip(t *testing.T) {
	original := makeTestPacket(t)

	data, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if len(data) != HeaderSize+CRCSize+len(original.Payload) {
		t.Errorf("Expected %d bytes on the wire, got %d", HeaderSize+CRCSize+len(original.Payload), len(data))
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Version != original.Version {
		t.Errorf("Expected version %d, got %d", original.Version, decoded.Version)
	}
	if decoded.Type != original.Type {
		t.Errorf("Expected type %v, got %v", original.Type, decoded.Type)
	}
	if decoded.MessageID != original.MessageID {
		t.Errorf("Expected message id %s, got %s", original.MessageID, decoded.MessageID)
	}
	if decoded.HopCount != original.HopCount {
		t.Errorf("Expected hop count %d, got %d", original.HopCount, decoded.HopCount)
	}
	if decoded.TTL != original.TTL {
		t.Errorf("Expected ttl %d, got %d", original.TTL, decoded.TTL)
	}
	if decoded.Timestamp != original.Timestamp {
		t.Errorf("Expected timestamp %d, got %d", original.Timestamp, decoded.Timestamp)
	}
	if decoded.SenderID != original.SenderID {
		t.Errorf("Expected sender %x, got %x", original.SenderID, decoded.SenderID)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Error("Payload mismatch after round trip")
	}
}

func TestPacket_HeaderLayout(t *testing.T) {
	p := makeTestPacket(t)

	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if data[0] != 0x01 {
		t.Errorf("Expected protocol version 0x01 at offset 0, got 0x%02X", data[0])
	}
	if data[1] != 0x01 {
		t.Errorf("Expected SOS kind 0x01 at offset 1, got 0x%02X", data[1])
	}
	if !bytes.Equal(data[2:18], p.MessageID[:]) {
		t.Error("Message id should occupy offsets 2-17")
	}
	if data[18] != 2 {
		t.Errorf("Expected hop count at offset 18, got %d", data[18])
	}
	if data[19] != 3 {
		t.Errorf("Expected ttl at offset 19, got %d", data[19])
	}
	if binary.BigEndian.Uint32(data[20:24]) != 1700000000 {
		t.Error("Timestamp should be big-endian at offsets 20-23")
	}
	if !bytes.Equal(data[24:30], p.SenderID[:]) {
		t.Error("Sender id should occupy offsets 24-29")
	}
	if int(binary.BigEndian.Uint16(data[30:32])) != len(p.Payload) {
		t.Error("Payload length should be big-endian at offsets 30-31")
	}
}

func TestDecode_TooShort(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize+CRCSize-1))
	if !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("Expected ErrMalformedHeader, got %v", err)
	}
}

func TestDecode_CorruptedHeader(t *testing.T) {
	p := makeTestPacket(t)
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Flip one bit in every header byte except the declared length,
	// which is reported as a length mismatch instead
	for i := 0; i < HeaderSize; i++ {
		if i == 30 || i == 31 {
			continue
		}
		corrupted := make([]byte, len(data))
		copy(corrupted, data)
		corrupted[i] ^= 0x01

		if _, err := Decode(corrupted); !errors.Is(err, ErrBadChecksum) {
			t.Errorf("Byte %d corruption: expected ErrBadChecksum, got %v", i, err)
		}
	}
}

func TestDecode_CorruptedPayload(t *testing.T) {
	p := makeTestPacket(t)
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	data[len(data)-1] ^= 0x80
	if _, err := Decode(data); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("Expected ErrBadChecksum, got %v", err)
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	p := makeTestPacket(t)
	p.Type = MessageType(0x7F)

	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// CRC is valid, the kind byte itself is out of range
	if _, err := Decode(data); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
}

func TestDecode_LengthMismatch(t *testing.T) {
	p := makeTestPacket(t)
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Declare more payload than the packet carries
	binary.BigEndian.PutUint16(data[30:32], uint16(len(p.Payload)+64))
	if _, err := Decode(data); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("Expected ErrLengthMismatch, got %v", err)
	}
}

func TestEncode_PayloadTooLarge(t *testing.T) {
	p := makeTestPacket(t)
	p.Payload = make([]byte, MaxPayloadSize+1)

	if _, err := p.Encode(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDedupKey_StableAcrossRelays(t *testing.T) {
	original := makeTestPacket(t)

	relay := *original
	relay.Type = MessageTypeRelay
	relay.HopCount = 3
	relay.TTL = 2

	if original.DedupKey() != relay.DedupKey() {
		t.Error("Relay copy should keep the originator's duplicate key")
	}
	if len(original.DedupKey()) != 16 {
		t.Errorf("Expected 16-hex-digit key, got %q", original.DedupKey())
	}
}

func TestDedupKey_DistinctMessages(t *testing.T) {
	a := makeTestPacket(t)
	b := makeTestPacket(t)
	b.MessageID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

	if a.DedupKey() == b.DedupKey() {
		t.Error("Different message ids should yield different duplicate keys")
	}

	c := makeTestPacket(t)
	c.SenderID[0] ^= 0xFF
	if a.DedupKey() == c.DedupKey() {
		t.Error("Different sender ids should yield different duplicate keys")
	}
}

func TestMessageType_Names(t *testing.T) {
	cases := map[MessageType]string{
		MessageTypeSOS:    "SOS",
		MessageTypeDirect: "DIRECT",
		MessageTypeRelay:  "RELAY",
		MessageTypeAck:    "ACK",
	}
	for mt, want := range cases {
		if mt.String() != want {
			t.Errorf("Expected %q, got %q", want, mt.String())
		}
	}
	if MessageType(0x00).Valid() || MessageType(0x05).Valid() {
		t.Error("Out-of-range kinds should be invalid")
	}
}
