package wire

import (
	"errors"
	"fmt"
)

// Mesh service identity, shared by every node on the network.
// Advertisements carry a fixed 24-byte service-data blob under this UUID.
const (
	MeshServiceUUID = "0000FE50-0000-1000-8000-00805F9B34FB"
	MeshServiceName = "DisasterMeshNode"
)

// NodeStatus is the advertised health byte. It is surfaced to observers
// but never consumed by routing.
type NodeStatus byte

const (
	StatusActive     NodeStatus = 0x01
	StatusLowBattery NodeStatus = 0x02
	StatusHighLoad   NodeStatus = 0x03
)

// String returns a human-readable name for a node status
func (s NodeStatus) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusLowBattery:
		return "LowBattery"
	case StatusHighLoad:
		return "HighLoad"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", byte(s))
	}
}

// Valid reports whether the status byte is one we understand
func (s NodeStatus) Valid() bool {
	return s >= StatusActive && s <= StatusHighLoad
}

// AdvertisementSize is the fixed service-data blob length
const AdvertisementSize = 24

var ErrMalformedAdvertisement = errors.New("malformed advertisement blob")

// Advertisement is the periodic discovery beacon.
// Blob layout: bytes 0-5 sender id, byte 6 status, byte 7 protocol
// version, bytes 8-23 reserved (zero).
type Advertisement struct {
	SenderID [SenderIDSize]byte
	Status   NodeStatus
	Version  byte
}

// Encode produces the 24-byte service-data blob
func (a *Advertisement) Encode() []byte {
	blob := make([]byte, AdvertisementSize)
	copy(blob[0:SenderIDSize], a.SenderID[:])
	blob[6] = byte(a.Status)
	blob[7] = a.Version
	return blob
}

// DecodeAdvertisement parses a service-data blob seen during scanning
func DecodeAdvertisement(blob []byte) (*Advertisement, error) {
	if len(blob) != AdvertisementSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedAdvertisement, len(blob), AdvertisementSize)
	}

	a := &Advertisement{
		Status:  NodeStatus(blob[6]),
		Version: blob[7],
	}
	copy(a.SenderID[:], blob[0:SenderIDSize])

	if !a.Status.Valid() {
		return nil, fmt.Errorf("%w: status 0x%02X", ErrMalformedAdvertisement, blob[6])
	}

	return a, nil
}
