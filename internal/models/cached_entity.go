// Package models provides data model definitions for the Fernweh sync core.
package models

import (
	"encoding/json"
	"time"
)

// EntityType identifies the kind of record mirrored between the local cache
// and the remote service.
type EntityType string

const (
	EntityAlbum   EntityType = "album"
	EntityPhoto   EntityType = "photo"
	EntityJournal EntityType = "journal"
)

// IsValid reports whether the entity type is one the engine knows about.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityAlbum, EntityPhoto, EntityJournal:
		return true
	}
	return false
}

// CachedEntity is the locally cached copy of a remote record. The payload is
// opaque to the engine; only identity and version bookkeeping are interpreted.
type CachedEntity struct {
	EntityType   EntityType      `db:"entity_type" json:"entity_type"`
	LocalID      string          `db:"local_id" json:"local_id"`
	RemoteID     string          `db:"remote_id" json:"remote_id,omitempty"` // empty until first successful sync
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Version      int64           `db:"version" json:"version"` // 0 = never synced
	Dirty        bool            `db:"dirty" json:"dirty"`
	LastSyncedAt int64           `db:"last_synced_at" json:"last_synced_at,omitempty"` // unix seconds, 0 = never
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	UpdatedAt    int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for CachedEntity.
func (CachedEntity) TableName() string {
	return "cached_entities"
}

// Synced reports whether the entity has ever been confirmed by the remote
// service. A clean entity always has a remote ID and an authoritative version.
func (e *CachedEntity) Synced() bool {
	return e.RemoteID != "" && e.Version > 0
}

// LastSyncedTime returns LastSyncedAt as time.Time, or the zero time when the
// entity has never synced.
func (e *CachedEntity) LastSyncedTime() time.Time {
	if e.LastSyncedAt == 0 {
		return time.Time{}
	}
	return time.Unix(e.LastSyncedAt, 0)
}

// Touch updates the UpdatedAt timestamp.
func (e *CachedEntity) Touch() {
	e.UpdatedAt = time.Now().Unix()
}
