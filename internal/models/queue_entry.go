// Package models provides data model definitions for the Fernweh sync core.
package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of pending remote write recorded in the queue.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusInFlight EntryStatus = "in_flight"
	StatusFailed   EntryStatus = "failed"
)

// QueueEntry is a durable record of one pending remote write. The id column
// is an AUTOINCREMENT counter; FIFO order per entity follows id order.
type QueueEntry struct {
	ID          int64           `db:"id" json:"id"`
	EntityType  EntityType      `db:"entity_type" json:"entity_type"`
	LocalID     string          `db:"local_id" json:"local_id"`
	RemoteID    string          `db:"remote_id" json:"remote_id,omitempty"`
	Operation   Operation       `db:"operation" json:"operation"`
	Payload     json.RawMessage `db:"payload" json:"payload,omitempty"` // snapshot at enqueue time, null for deletes
	Status      EntryStatus     `db:"status" json:"status"`
	Attempts    int             `db:"attempts" json:"attempts"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at,omitempty"` // unix seconds, 0 = immediately
	Permanent   bool            `db:"permanent" json:"permanent"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "mutation_queue"
}

// Ready reports whether the entry is eligible for dispatch at the given time.
// Permanently failed entries are retained for inspection but never ready.
func (e *QueueEntry) Ready(now int64) bool {
	return e.Status == StatusPending && !e.Permanent && e.NextRetryAt <= now
}

// Age returns how long the entry has been waiting in the queue.
func (e *QueueEntry) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(e.CreatedAt, 0))
}
