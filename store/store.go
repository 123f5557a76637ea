// Package store is the node's durable collaborator: message history,
// peer sightings, routing-cache audit, the forward queue and statistics
// are persisted as JSON tables under the node's data directory.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/disastermesh/logger"
)

// Retention windows per table
const (
	MessageRetention   = 30 * 24 * time.Hour
	PeerRetention      = 7 * 24 * time.Hour
	StatisticRetention = 90 * 24 * time.Hour
	RoutingRetention   = 30 * 24 * time.Hour
)

// MessageRecord is one row of the messages table
type MessageRecord struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Peer        string    `json:"peer"` // originator or recipient hex id
	Content     string    `json:"content,omitempty"`
	Hops        int       `json:"hops"`
	SentAt      time.Time `json:"sent_at"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
	Status      string    `json:"status"` // sent, delivered, queued, failed
	Synced      bool      `json:"synced"` // pushed to the upstream bridge
}

// PeerRecord is one row of the peers table
type PeerRecord struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
	Status   string    `json:"status"`
}

// RoutingRecord is one row of the routing cache table
type RoutingRecord struct {
	Hash      string    `json:"hash"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Action    string    `json:"action"` // delivered, relayed, dropped
}

// QueueRecord is one row of the forward queue table
type QueueRecord struct {
	ID          string    `json:"id"`
	Data        []byte    `json:"data"`
	RetryCount  int       `json:"retry_count"`
	NextAttempt time.Time `json:"next_attempt"`
	Expiry      time.Time `json:"expiry"`
	Priority    int       `json:"priority"`
}

// StatRecord is one row of the statistics table
type StatRecord struct {
	Kind      string            `json:"kind"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MeshStore holds the five tables for one node. All mutation goes
// through its methods; writes are atomic (temp file then rename).
type MeshStore struct {
	mu  sync.Mutex
	dir string

	messages   []MessageRecord
	peers      map[string]PeerRecord
	routing    map[string]RoutingRecord
	queue      []QueueRecord
	statistics []StatRecord
}

// Open loads (or creates) the store under the given directory
func Open(dir string) (*MeshStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &MeshStore{
		dir:     dir,
		peers:   make(map[string]PeerRecord),
		routing: make(map[string]RoutingRecord),
	}

	// Missing tables are not an error, the node starts fresh
	s.loadTable("messages.json", &s.messages)
	s.loadTable("queue.json", &s.queue)
	s.loadTable("statistics.json", &s.statistics)

	var peerRows []PeerRecord
	s.loadTable("peers.json", &peerRows)
	for _, row := range peerRows {
		s.peers[row.ID] = row
	}

	var routingRows []RoutingRecord
	s.loadTable("routing_cache.json", &routingRows)
	for _, row := range routingRows {
		s.routing[row.Hash] = row
	}

	return s, nil
}

func (s *MeshStore) loadTable(name string, out interface{}) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger.Warn("store", "⚠️  corrupt table %s, starting fresh: %v", name, err)
	}
}

func (s *MeshStore) saveTable(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

// SaveMessage appends or updates a message row keyed by message id
func (s *MeshStore) SaveMessage(rec MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := false
	for i := range s.messages {
		if s.messages[i].ID == rec.ID {
			s.messages[i] = rec
			updated = true
			break
		}
	}
	if !updated {
		s.messages = append(s.messages, rec)
	}
	return s.saveTable("messages.json", s.messages)
}

// Messages returns a copy of the messages table
func (s *MeshStore) Messages() []MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MessageRecord, len(s.messages))
	copy(out, s.messages)
	return out
}

// SavePeer upserts a peer row
func (s *MeshStore) SavePeer(rec PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers[rec.ID] = rec
	return s.saveTable("peers.json", s.peerRows())
}

func (s *MeshStore) peerRows() []PeerRecord {
	rows := make([]PeerRecord, 0, len(s.peers))
	for _, row := range s.peers {
		rows = append(rows, row)
	}
	return rows
}

// Peers returns a copy of the peers table
func (s *MeshStore) Peers() []PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerRows()
}

// RecordRouting upserts a routing-cache row for a duplicate key
func (s *MeshStore) RecordRouting(hash, action string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.routing[hash]
	if !exists {
		row = RoutingRecord{Hash: hash, FirstSeen: now}
	}
	row.LastSeen = now
	row.Action = action
	s.routing[hash] = row

	return s.saveTable("routing_cache.json", s.routingRows())
}

func (s *MeshStore) routingRows() []RoutingRecord {
	rows := make([]RoutingRecord, 0, len(s.routing))
	for _, row := range s.routing {
		rows = append(rows, row)
	}
	return rows
}

// SaveQueue replaces the persisted forward queue
func (s *MeshStore) SaveQueue(rows []QueueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = make([]QueueRecord, len(rows))
	copy(s.queue, rows)
	return s.saveTable("queue.json", s.queue)
}

// Queue returns the persisted forward queue
func (s *MeshStore) Queue() []QueueRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]QueueRecord, len(s.queue))
	copy(out, s.queue)
	return out
}

// AppendStatistic appends a statistics row
func (s *MeshStore) AppendStatistic(rec StatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statistics = append(s.statistics, rec)
	return s.saveTable("statistics.json", s.statistics)
}

// Statistics returns a copy of the statistics table
func (s *MeshStore) Statistics() []StatRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StatRecord, len(s.statistics))
	copy(out, s.statistics)
	return out
}

// Sweep applies the retention windows: messages 30 days, peers 7 days
// after last contact, statistics 90 days. Returns the number of rows
// removed across all tables.
func (s *MeshStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	kept := s.messages[:0]
	for _, rec := range s.messages {
		if now.Sub(rec.SentAt) <= MessageRetention {
			kept = append(kept, rec)
		} else {
			removed++
		}
	}
	if len(kept) != len(s.messages) {
		s.messages = kept
		s.saveTable("messages.json", s.messages)
	}

	peersDirty := false
	for id, rec := range s.peers {
		if now.Sub(rec.LastSeen) > PeerRetention {
			delete(s.peers, id)
			peersDirty = true
			removed++
		}
	}
	if peersDirty {
		s.saveTable("peers.json", s.peerRows())
	}

	routingDirty := false
	for hash, rec := range s.routing {
		if now.Sub(rec.LastSeen) > RoutingRetention {
			delete(s.routing, hash)
			routingDirty = true
			removed++
		}
	}
	if routingDirty {
		s.saveTable("routing_cache.json", s.routingRows())
	}

	keptStats := s.statistics[:0]
	for _, rec := range s.statistics {
		if now.Sub(rec.Timestamp) <= StatisticRetention {
			keptStats = append(keptStats, rec)
		} else {
			removed++
		}
	}
	if len(keptStats) != len(s.statistics) {
		s.statistics = keptStats
		s.saveTable("statistics.json", s.statistics)
	}

	return removed
}
