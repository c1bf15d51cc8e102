// Package models provides data model definitions for the Fernweh sync core.
package models

import "time"

// ConflictLog records a version conflict that was resolved automatically
// during reconciliation, kept for user awareness.
type ConflictLog struct {
	ID            string     `db:"id" json:"id"`
	EntityType    EntityType `db:"entity_type" json:"entity_type"`
	LocalID       string     `db:"local_id" json:"local_id"`
	LocalVersion  int64      `db:"local_version" json:"local_version"`
	RemoteVersion int64      `db:"remote_version" json:"remote_version"`
	Resolution    string     `db:"resolution" json:"resolution"` // server_wins
	DetectedAt    int64      `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
