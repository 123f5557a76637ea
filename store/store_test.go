package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_MessagesPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	rec := MessageRecord{
		ID:      "msg-1",
		Kind:    "SOS",
		Peer:    "aabbccddeeff",
		Content: "help",
		Hops:    2,
		SentAt:  time.Now(),
		Status:  "delivered",
	}
	if err := s.SaveMessage(rec); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}

	messages := reopened.Messages()
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(messages))
	}
	if messages[0].ID != "msg-1" || messages[0].Content != "help" {
		t.Errorf("Message lost fields: %+v", messages[0])
	}
}

func TestStore_SaveMessageUpserts(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	s.SaveMessage(MessageRecord{ID: "msg-1", Status: "sent", SentAt: time.Now()})
	s.SaveMessage(MessageRecord{ID: "msg-1", Status: "delivered", SentAt: time.Now()})

	messages := s.Messages()
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message after upsert, got %d", len(messages))
	}
	if messages[0].Status != "delivered" {
		t.Errorf("Expected updated status, got %q", messages[0].Status)
	}
}

func TestStore_QueueRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	rows := []QueueRecord{
		{ID: "q-1", Data: []byte{0x01, 0x02}, RetryCount: 3, NextAttempt: time.Now(), Expiry: time.Now().Add(time.Hour)},
	}
	if err := s.SaveQueue(rows); err != nil {
		t.Fatalf("SaveQueue failed: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}

	queue := reopened.Queue()
	if len(queue) != 1 {
		t.Fatalf("Expected 1 queue row, got %d", len(queue))
	}
	if queue[0].RetryCount != 3 || len(queue[0].Data) != 2 {
		t.Errorf("Queue row lost fields: %+v", queue[0])
	}
}

func TestStore_RoutingUpsertKeepsFirstSeen(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	base := time.Now()
	s.RecordRouting("hash-1", "delivered", base)
	s.RecordRouting("hash-1", "relayed", base.Add(time.Minute))

	rows := s.routingRows()
	if len(rows) != 1 {
		t.Fatalf("Expected 1 routing row, got %d", len(rows))
	}
	if !rows[0].FirstSeen.Equal(base) {
		t.Error("FirstSeen should be preserved on upsert")
	}
	if rows[0].Action != "relayed" {
		t.Errorf("Expected latest action, got %q", rows[0].Action)
	}
}

func TestStore_SweepAppliesRetention(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	now := time.Now()

	s.SaveMessage(MessageRecord{ID: "old", SentAt: now.Add(-31 * 24 * time.Hour)})
	s.SaveMessage(MessageRecord{ID: "recent", SentAt: now.Add(-1 * 24 * time.Hour)})

	s.SavePeer(PeerRecord{ID: "gone", LastSeen: now.Add(-8 * 24 * time.Hour)})
	s.SavePeer(PeerRecord{ID: "around", LastSeen: now.Add(-1 * time.Hour)})

	s.AppendStatistic(StatRecord{Kind: "ancient", Timestamp: now.Add(-91 * 24 * time.Hour)})
	s.AppendStatistic(StatRecord{Kind: "recent", Timestamp: now})

	removed := s.Sweep(now)
	if removed != 3 {
		t.Errorf("Expected 3 rows removed, got %d", removed)
	}

	if messages := s.Messages(); len(messages) != 1 || messages[0].ID != "recent" {
		t.Errorf("Expected only the recent message, got %+v", messages)
	}
	if peers := s.Peers(); len(peers) != 1 || peers[0].ID != "around" {
		t.Errorf("Expected only the live peer, got %+v", peers)
	}
	if stats := s.Statistics(); len(stats) != 1 || stats[0].Kind != "recent" {
		t.Errorf("Expected only the recent statistic, got %+v", stats)
	}
}

func TestStore_CorruptTableStartsFresh(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.SaveMessage(MessageRecord{ID: "msg-1", SentAt: time.Now()})

	// Truncate the table to garbage
	if err := os.WriteFile(filepath.Join(dir, "messages.json"), []byte("{broken"), 0644); err != nil {
		t.Fatalf("Failed to corrupt table: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Reopen over corrupt table failed: %v", err)
	}
	if len(reopened.Messages()) != 0 {
		t.Error("Corrupt table should load as empty")
	}
}
