package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueueEntry buffers one outbound datagram for store-and-forward.
// Data is the full encoded datagram, so routing decisions made at
// origination time are preserved exactly.
type QueueEntry struct {
	MessageID   uuid.UUID `json:"message_id"`
	Data        []byte    `json:"data"`
	Originated  time.Time `json:"originated"` // datagram timestamp
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt"`
}

// ForwardQueue buffers outbound traffic while no peers are reachable
// and retries on a fixed interval. Entries die when transmitted, when
// the attempt counter reaches the limit, or when the datagram outlives
// the message expiry.
type ForwardQueue struct {
	mu            sync.Mutex
	entries       map[uuid.UUID]*QueueEntry
	retryInterval time.Duration
	maxAttempts   int
	expiry        time.Duration
}

// NewForwardQueue creates an empty store-and-forward queue
func NewForwardQueue(retryInterval time.Duration, maxAttempts int, expiry time.Duration) *ForwardQueue {
	return &ForwardQueue{
		entries:       make(map[uuid.UUID]*QueueEntry),
		retryInterval: retryInterval,
		maxAttempts:   maxAttempts,
		expiry:        expiry,
	}
}

// Enqueue buffers an encoded datagram. Datagrams already older than
// the message expiry are rejected. Re-enqueueing the same message id
// is a no-op.
func (q *ForwardQueue) Enqueue(messageID uuid.UUID, data []byte, originated, now time.Time) error {
	if now.Sub(originated) > q.expiry {
		return fmt.Errorf("message %s older than queue expiry", messageID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[messageID]; exists {
		return nil
	}

	buffered := make([]byte, len(data))
	copy(buffered, data)

	q.entries[messageID] = &QueueEntry{
		MessageID:   messageID,
		Data:        buffered,
		Originated:  originated,
		NextAttempt: now.Add(q.retryInterval),
	}
	return nil
}

// Drain returns entries due for a transmission attempt. With no peers
// present it returns nothing. The caller reports the outcome of each
// attempt through MarkSent or MarkFailed.
func (q *ForwardQueue) Drain(now time.Time, hasPeers bool) []QueueEntry {
	if !hasPeers {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var due []QueueEntry
	for _, entry := range q.entries {
		if !entry.NextAttempt.After(now) {
			due = append(due, *entry)
		}
	}
	return due
}

// MarkSent removes an entry after its datagram went out on the radio
func (q *ForwardQueue) MarkSent(messageID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, messageID)
}

// MarkFailed counts a failed attempt and schedules the next one
func (q *ForwardQueue) MarkFailed(messageID uuid.UUID, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, exists := q.entries[messageID]
	if !exists {
		return
	}
	entry.Attempts++
	entry.NextAttempt = now.Add(q.retryInterval)
}

// Sweep drops entries past the message expiry or the attempt limit and
// returns their message ids so the sender can be notified exactly once
func (q *ForwardQueue) Sweep(now time.Time) []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []uuid.UUID
	for id, entry := range q.entries {
		if now.Sub(entry.Originated) > q.expiry || entry.Attempts >= q.maxAttempts {
			dropped = append(dropped, id)
			delete(q.entries, id)
		}
	}
	return dropped
}

// Len returns the number of buffered datagrams
func (q *ForwardQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queue for persistence
func (q *ForwardQueue) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]QueueEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		entries = append(entries, *entry)
	}
	return entries
}

// Restore reloads persisted entries, dropping any already expired
func (q *ForwardQueue) Restore(entries []QueueEntry, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range entries {
		if now.Sub(entry.Originated) > q.expiry || entry.Attempts >= q.maxAttempts {
			continue
		}
		restored := entry
		q.entries[entry.MessageID] = &restored
	}
}
