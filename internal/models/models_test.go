package models

import (
	"testing"
	"time"
)

func TestEntityTypeIsValid(t *testing.T) {
	for _, typ := range []EntityType{EntityAlbum, EntityPhoto, EntityJournal} {
		if !typ.IsValid() {
			t.Errorf("expected %q to be valid", typ)
		}
	}

	if EntityType("playlist").IsValid() {
		t.Error("expected unknown entity type to be invalid")
	}
	if EntityType("").IsValid() {
		t.Error("expected empty entity type to be invalid")
	}
}

func TestCachedEntitySynced(t *testing.T) {
	e := &CachedEntity{EntityType: EntityAlbum, LocalID: "a1"}
	if e.Synced() {
		t.Error("never-synced entity should not report synced")
	}

	e.RemoteID = "r-42"
	if e.Synced() {
		t.Error("entity with remote ID but version 0 should not report synced")
	}

	e.Version = 3
	if !e.Synced() {
		t.Error("entity with remote ID and version should report synced")
	}
}

func TestCachedEntityLastSyncedTime(t *testing.T) {
	e := &CachedEntity{}
	if !e.LastSyncedTime().IsZero() {
		t.Error("expected zero time for never-synced entity")
	}

	now := time.Now().Unix()
	e.LastSyncedAt = now
	if got := e.LastSyncedTime().Unix(); got != now {
		t.Errorf("expected %d, got %d", now, got)
	}
}

func TestQueueEntryReady(t *testing.T) {
	now := time.Now().Unix()

	tests := []struct {
		name  string
		entry QueueEntry
		want  bool
	}{
		{"pending and due", QueueEntry{Status: StatusPending, NextRetryAt: 0}, true},
		{"pending with retry in the past", QueueEntry{Status: StatusPending, NextRetryAt: now - 10}, true},
		{"pending with retry in the future", QueueEntry{Status: StatusPending, NextRetryAt: now + 60}, false},
		{"in flight", QueueEntry{Status: StatusInFlight}, false},
		{"failed permanently", QueueEntry{Status: StatusFailed, Permanent: true}, false},
		{"pending but marked permanent", QueueEntry{Status: StatusPending, Permanent: true}, false},
	}

	for _, tt := range tests {
		if got := tt.entry.Ready(now); got != tt.want {
			t.Errorf("%s: Ready() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestQueueEntryAge(t *testing.T) {
	now := time.Now()
	e := QueueEntry{CreatedAt: now.Add(-2 * time.Hour).Unix()}

	age := e.Age(now)
	if age < 2*time.Hour-time.Second || age > 2*time.Hour+time.Second {
		t.Errorf("expected age near 2h, got %v", age)
	}
}
