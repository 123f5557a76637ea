package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// BroadcastRecipient is the sentinel recipient meaning any-and-all nodes
const BroadcastRecipient = "broadcast"

// Location is a latitude/longitude pair carried by SOS records
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Record is the plaintext carried inside the encrypted payload.
// The type tag echoes the originated datagram kind ("SOS", "DIRECT",
// "ACK") and is preserved unchanged when the datagram is relayed.
// Sender and recipient here drive message semantics. The clear header
// carries only the sender id, which feeds the duplicate key; the
// routing engine reads the recipient from this record to decide
// delivery and relay.
type Record struct {
	Type              string    `json:"type"`
	Sender            string    `json:"sender"`
	Recipient         string    `json:"recipient"`
	Content           string    `json:"content,omitempty"`
	Location          *Location `json:"location,omitempty"`
	Priority          int       `json:"priority,omitempty"`
	Timestamp         int64     `json:"timestamp"`
	SOSType           string    `json:"sosType,omitempty"`
	OriginalMessageID string    `json:"originalMessageId,omitempty"`
}

// Marshal serializes a record to its canonical JSON form
func (r *Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord parses and validates a decrypted payload.
// Any schema violation returns ErrMalformedRecord.
func UnmarshalRecord(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedRecord)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate enforces the per-kind schema
func (r *Record) Validate() error {
	switch r.Type {
	case "SOS":
		if r.Content == "" {
			return fmt.Errorf("%w: SOS record missing content", ErrMalformedRecord)
		}
		if r.Location == nil {
			return fmt.Errorf("%w: SOS record missing location", ErrMalformedRecord)
		}
		if r.SOSType == "" {
			return fmt.Errorf("%w: SOS record missing sosType", ErrMalformedRecord)
		}
	case "DIRECT":
		if r.Content == "" {
			return fmt.Errorf("%w: DIRECT record missing content", ErrMalformedRecord)
		}
	case "ACK":
		if r.OriginalMessageID == "" {
			return fmt.Errorf("%w: ACK record missing originalMessageId", ErrMalformedRecord)
		}
		if _, err := uuid.Parse(r.OriginalMessageID); err != nil {
			return fmt.Errorf("%w: ACK originalMessageId is not a UUID", ErrMalformedRecord)
		}
	default:
		return fmt.Errorf("%w: unknown record type %q", ErrMalformedRecord, r.Type)
	}

	if r.Sender == "" || !isHexID(r.Sender) {
		return fmt.Errorf("%w: bad sender %q", ErrMalformedRecord, r.Sender)
	}
	if r.Recipient != BroadcastRecipient && !isHexID(r.Recipient) {
		return fmt.Errorf("%w: bad recipient %q", ErrMalformedRecord, r.Recipient)
	}
	if r.Priority < 0 || r.Priority > 5 {
		return fmt.Errorf("%w: priority %d out of range", ErrMalformedRecord, r.Priority)
	}

	return nil
}

// isHexID reports whether s is the hex form of a 6-byte node id
func isHexID(s string) bool {
	if len(s) != SenderIDSize*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
