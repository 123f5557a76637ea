package mesh

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// NodeIDSize is the length of the opaque 6-byte node identifier
const NodeIDSize = 6

// NodeID identifies a mesh node. It doubles as the datagram sender id
// and as the recipient form (hex) inside encrypted records.
type NodeID [NodeIDSize]byte

// String returns the lowercase hex form of the node id
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns a truncated id for log prefixes
func (id NodeID) Short() string {
	return id.String()[:8]
}

// IsZero reports whether the id is unset
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// ParseNodeID parses the 12-hex-digit form of a node id
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != NodeIDSize {
		return id, fmt.Errorf("invalid node id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// GenerateNodeID creates a random node id from a fresh UUID
func GenerateNodeID() NodeID {
	var id NodeID
	u := uuid.New()
	copy(id[:], u[:NodeIDSize])
	return id
}

// nodeIDCache is the JSON structure persisted under the data directory
type nodeIDCache struct {
	NodeID string `json:"node_id"` // 12-character hex ID
}

// LoadOrGenerateNodeID loads the cached node id or generates a new one.
// The id is stored in node_id.json and persists across restarts.
func LoadOrGenerateNodeID(dataDir string) (NodeID, error) {
	cachePath := filepath.Join(dataDir, "node_id.json")

	// Try to load existing node id
	data, err := os.ReadFile(cachePath)
	if err == nil {
		var cache nodeIDCache
		if err := json.Unmarshal(data, &cache); err == nil && cache.NodeID != "" {
			if id, err := ParseNodeID(cache.NodeID); err == nil {
				return id, nil
			}
		}
	}

	// Generate new node id
	id := GenerateNodeID()

	cache := nodeIDCache{NodeID: id.String()}
	cacheData, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return NodeID{}, fmt.Errorf("failed to marshal node id cache: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return NodeID{}, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := os.WriteFile(cachePath, cacheData, 0644); err != nil {
		return NodeID{}, fmt.Errorf("failed to save node id cache: %w", err)
	}

	return id, nil
}
