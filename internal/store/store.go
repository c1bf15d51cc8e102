package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/fernweh-app/fernweh-core/internal/errors"
	"github.com/fernweh-app/fernweh-core/internal/logging"
	"github.com/fernweh-app/fernweh-core/internal/models"
	"github.com/fernweh-app/fernweh-core/internal/uuid"
)

// Store owns all persisted sync state: the entity cache, the mutation queue,
// and the conflict log. Every exported operation is atomic; operations that
// touch both the cache and the queue run in a single transaction so a crash
// between the two cannot violate the queue invariants.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database under dataDir, applies
// migrations, and recovers any entries left in_flight by a previous process.
func Open(dataDir string) (*Store, error) {
	db, err := openDatabase(dataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "open database", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.recoverInFlight(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// recoverInFlight resets entries stranded in_flight by a crash back to
// pending. The single-flight lock died with the process, so they are safe to
// dispatch again.
func (s *Store) recoverInFlight(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mutation_queue SET status = ?, updated_at = ? WHERE status = ?`,
		models.StatusPending, time.Now().Unix(), models.StatusInFlight)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "recover in-flight entries", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Warn("Recovered stranded in-flight queue entries",
			map[string]interface{}{"count": n})
	}
	return nil
}

// =====================================================
// CachedEntity operations
// =====================================================

const entityColumns = `entity_type, local_id, remote_id, payload, version, dirty, last_synced_at, created_at, updated_at`

func scanEntity(row interface{ Scan(...interface{}) error }) (*models.CachedEntity, error) {
	var e models.CachedEntity
	var payload []byte
	err := row.Scan(&e.EntityType, &e.LocalID, &e.RemoteID, &payload,
		&e.Version, &e.Dirty, &e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

// GetEntity returns the cached entity, or a NOT_FOUND error.
func (s *Store) GetEntity(ctx context.Context, entityType models.EntityType, localID string) (*models.CachedEntity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM cached_entities WHERE entity_type = ? AND local_id = ?`,
		entityType, localID)
	e, err := scanEntity(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, "entity not cached: "+localID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "get entity", err)
	}
	return e, nil
}

// PutEntity inserts or replaces a cached entity without touching the queue.
// The reconciler uses it to apply authoritative remote state; optimistic UI
// writes go through RecordMutation instead.
func (s *Store) PutEntity(ctx context.Context, e *models.CachedEntity) error {
	now := time.Now().Unix()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO cached_entities (`+entityColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, local_id) DO UPDATE SET
		remote_id = excluded.remote_id,
		payload = excluded.payload,
		version = excluded.version,
		dirty = excluded.dirty,
		last_synced_at = excluded.last_synced_at,
		updated_at = excluded.updated_at`,
		e.EntityType, e.LocalID, e.RemoteID, []byte(e.Payload), e.Version,
		e.Dirty, e.LastSyncedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "put entity", err)
	}
	return nil
}

// DeleteEntity removes a cached entity without touching the queue.
func (s *Store) DeleteEntity(ctx context.Context, entityType models.EntityType, localID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_entities WHERE entity_type = ? AND local_id = ?`,
		entityType, localID)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "delete entity", err)
	}
	return nil
}

// ListDirty returns all entities of the given type with unconfirmed changes.
func (s *Store) ListDirty(ctx context.Context, entityType models.EntityType) ([]*models.CachedEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM cached_entities WHERE entity_type = ? AND dirty = 1 ORDER BY updated_at`,
		entityType)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "list dirty entities", err)
	}
	defer rows.Close()

	var entities []*models.CachedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan dirty entity", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "iterate dirty entities", err)
	}
	return entities, nil
}

// IsDirty reports whether the entity has local changes not yet confirmed by
// the remote service. Unknown entities are not dirty.
func (s *Store) IsDirty(ctx context.Context, entityType models.EntityType, localID string) (bool, error) {
	var dirty bool
	err := s.db.QueryRowContext(ctx,
		`SELECT dirty FROM cached_entities WHERE entity_type = ? AND local_id = ?`,
		entityType, localID).Scan(&dirty)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "query dirty flag", err)
	}
	return dirty, nil
}

// =====================================================
// Optimistic write + coalescing enqueue
// =====================================================

// RecordMutation applies an optimistic local write and its queue entry in one
// transaction. Coalescing rules for an existing pending entry of the same
// entity:
//   - Update after Update: the snapshot is replaced.
//   - Update after Create: the operation stays Create, snapshot replaced.
//   - Delete after anything: the entry collapses to a single Delete; if the
//     prior entry was an unsynced Create, both the entry and the cached row
//     are removed and no remote call will ever happen for this entity.
//
// Returns the resulting queue entry, or nil when a Create/Delete pair was
// annihilated. Attempt counters and retry schedules survive coalescing so
// backoff never resets on local edits.
func (s *Store) RecordMutation(ctx context.Context, e *models.CachedEntity, op models.Operation) (*models.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "begin mutation", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	// Look up the current cached row; deletes need its remote ID and
	// upserts need its created_at.
	var existing *models.CachedEntity
	row := tx.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM cached_entities WHERE entity_type = ? AND local_id = ?`,
		e.EntityType, e.LocalID)
	existing, err = scanEntity(row)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrStorage, "read cached entity", err)
	}

	// Load the pending entry for this entity, if any. In-flight entries are
	// owned by the reconciler and never coalesced into.
	pending, err := pendingEntryTx(ctx, tx, e.EntityType, e.LocalID)
	if err != nil {
		return nil, err
	}

	if op == models.OpDelete {
		return s.recordDeleteTx(ctx, tx, e, existing, pending, now)
	}

	// Optimistic cache write: the local copy immediately reflects the edit.
	remoteID := ""
	version := int64(0)
	createdAt := now
	lastSynced := int64(0)
	if existing != nil {
		remoteID = existing.RemoteID
		version = existing.Version
		createdAt = existing.CreatedAt
		lastSynced = existing.LastSyncedAt
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO cached_entities (`+entityColumns+`)
	VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
	ON CONFLICT(entity_type, local_id) DO UPDATE SET
		payload = excluded.payload,
		dirty = 1,
		updated_at = excluded.updated_at`,
		e.EntityType, e.LocalID, remoteID, []byte(e.Payload), version,
		lastSynced, createdAt, now); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "write optimistic entity", err)
	}

	var entry *models.QueueEntry
	switch {
	case pending == nil:
		entry = &models.QueueEntry{
			EntityType: e.EntityType,
			LocalID:    e.LocalID,
			RemoteID:   remoteID,
			Operation:  op,
			Payload:    e.Payload,
			Status:     models.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		res, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_queue (entity_type, local_id, remote_id, operation, payload, status, attempts, last_error, next_retry_at, permanent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', 0, 0, ?, ?)`,
			entry.EntityType, entry.LocalID, entry.RemoteID, entry.Operation,
			[]byte(entry.Payload), entry.Status, entry.CreatedAt, entry.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "enqueue mutation", err)
		}
		entry.ID, _ = res.LastInsertId()

	default:
		// Coalesce: a Create keeps its operation, anything else becomes the
		// incoming operation. Either way the snapshot is replaced.
		mergedOp := op
		if pending.Operation == models.OpCreate {
			mergedOp = models.OpCreate
		}
		if _, err := tx.ExecContext(ctx, `
		UPDATE mutation_queue SET operation = ?, payload = ?, updated_at = ? WHERE id = ?`,
			mergedOp, []byte(e.Payload), now, pending.ID); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "coalesce mutation", err)
		}
		entry = pending
		entry.Operation = mergedOp
		entry.Payload = e.Payload
		entry.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "commit mutation", err)
	}
	return entry, nil
}

// recordDeleteTx handles the Delete arm of RecordMutation inside tx.
func (s *Store) recordDeleteTx(ctx context.Context, tx *sql.Tx, e *models.CachedEntity, existing *models.CachedEntity, pending *models.QueueEntry, now int64) (*models.QueueEntry, error) {
	// The local copy disappears immediately regardless of sync state.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cached_entities WHERE entity_type = ? AND local_id = ?`,
		e.EntityType, e.LocalID); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "delete optimistic entity", err)
	}

	remoteID := ""
	if existing != nil {
		remoteID = existing.RemoteID
	}

	if remoteID == "" {
		// The server never acknowledged this entity. Unless a create is in
		// flight right now, every queued row for it (pending create,
		// permanently failed attempts) can be annihilated with no remote
		// call ever happening.
		var inFlight int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM mutation_queue WHERE entity_type = ? AND local_id = ? AND status = ?`,
			e.EntityType, e.LocalID, models.StatusInFlight).Scan(&inFlight); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "check in-flight", err)
		}
		if inFlight == 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM mutation_queue WHERE entity_type = ? AND local_id = ?`,
				e.EntityType, e.LocalID); err != nil {
				return nil, errors.Wrap(errors.ErrStorage, "drop unsynced mutations", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, errors.Wrap(errors.ErrStorage, "commit mutation", err)
			}
			return nil, nil
		}
		// A create is mid-dispatch; the delete must chase it. Its commit
		// backfills the remote id into this entry.
	}

	var entry *models.QueueEntry
	if pending != nil {
		if _, err := tx.ExecContext(ctx, `
		UPDATE mutation_queue SET operation = ?, payload = NULL, remote_id = ?, updated_at = ? WHERE id = ?`,
			models.OpDelete, remoteID, now, pending.ID); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "collapse to delete", err)
		}
		entry = pending
		entry.Operation = models.OpDelete
		entry.Payload = nil
		entry.RemoteID = remoteID
		entry.UpdatedAt = now
	} else {
		entry = &models.QueueEntry{
			EntityType: e.EntityType,
			LocalID:    e.LocalID,
			RemoteID:   remoteID,
			Operation:  models.OpDelete,
			Status:     models.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		res, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_queue (entity_type, local_id, remote_id, operation, payload, status, attempts, last_error, next_retry_at, permanent, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, 0, '', 0, 0, ?, ?)`,
			entry.EntityType, entry.LocalID, entry.RemoteID, entry.Operation,
			entry.Status, entry.CreatedAt, entry.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "enqueue delete", err)
		}
		entry.ID, _ = res.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "commit mutation", err)
	}
	return entry, nil
}

// =====================================================
// Queue operations
// =====================================================

const entryColumns = `id, entity_type, local_id, remote_id, operation, payload, status, attempts, last_error, next_retry_at, permanent, created_at, updated_at`

func scanEntry(row interface{ Scan(...interface{}) error }) (*models.QueueEntry, error) {
	var e models.QueueEntry
	var payload []byte
	err := row.Scan(&e.ID, &e.EntityType, &e.LocalID, &e.RemoteID, &e.Operation,
		&payload, &e.Status, &e.Attempts, &e.LastError, &e.NextRetryAt,
		&e.Permanent, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		e.Payload = payload
	}
	return &e, nil
}

func pendingEntryTx(ctx context.Context, tx *sql.Tx, entityType models.EntityType, localID string) (*models.QueueEntry, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM mutation_queue
		 WHERE entity_type = ? AND local_id = ? AND status = ? AND permanent = 0
		 ORDER BY id LIMIT 1`,
		entityType, localID, models.StatusPending)
	entry, err := scanEntry(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "read pending entry", err)
	}
	return entry, nil
}

// GetEntry returns a queue entry by ID.
func (s *Store) GetEntry(ctx context.Context, id int64) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM mutation_queue WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, "queue entry not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "get queue entry", err)
	}
	return entry, nil
}

// DequeueReady returns up to limit pending entries whose retry time has
// passed, in id order. Entries are not claimed; MarkInFlight claims them.
func (s *Store) DequeueReady(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM mutation_queue
		 WHERE status = ? AND permanent = 0 AND next_retry_at <= ?
		 ORDER BY id LIMIT ?`,
		models.StatusPending, time.Now().Unix(), limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "dequeue ready entries", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan queue entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "iterate queue entries", err)
	}
	return entries, nil
}

// MarkInFlight claims a pending entry for dispatch. The partial unique index
// on in_flight entries enforces the one-in-flight-per-entity invariant at the
// storage layer as well.
func (s *Store) MarkInFlight(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mutation_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.StatusInFlight, time.Now().Unix(), id, models.StatusPending)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "mark in-flight", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrConstraint, "entry is not pending")
	}
	return nil
}

// CommitEntry finalizes a successfully applied entry: the authoritative
// entity state and the queue-entry removal land in one transaction, making
// the pair the engine's durability point. A nil entity (deletes) skips the
// cache write.
func (s *Store) CommitEntry(ctx context.Context, entryID int64, e *models.CachedEntity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "begin commit", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	if e != nil {
		if _, err := tx.ExecContext(ctx, `
		UPDATE cached_entities
		SET remote_id = ?, version = ?, dirty = 0, last_synced_at = ?, updated_at = ?
		WHERE entity_type = ? AND local_id = ?`,
			e.RemoteID, e.Version, now, now, e.EntityType, e.LocalID); err != nil {
			return errors.Wrap(errors.ErrStorage, "apply authoritative state", err)
		}
		// A delete enqueued while this create was in flight carries an empty
		// remote id; fill it in so the delete can reach the server.
		if e.RemoteID != "" {
			if _, err := tx.ExecContext(ctx, `
			UPDATE mutation_queue SET remote_id = ?
			WHERE entity_type = ? AND local_id = ? AND remote_id = ''`,
				e.RemoteID, e.EntityType, e.LocalID); err != nil {
				return errors.Wrap(errors.ErrStorage, "backfill remote id", err)
			}
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, entryID)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "remove committed entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrConstraint, "committed entry vanished")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStorage, "commit entry", err)
	}
	return nil
}

// RescheduleRetry records a transient failure: the entry returns to pending
// with an incremented attempt counter and the next retry time.
func (s *Store) RescheduleRetry(ctx context.Context, id int64, cause string, nextRetryAt int64) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE mutation_queue
	SET status = ?, attempts = attempts + 1, last_error = ?, next_retry_at = ?, updated_at = ?
	WHERE id = ?`,
		models.StatusPending, cause, nextRetryAt, time.Now().Unix(), id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "reschedule retry", err)
	}
	return nil
}

// MarkFailed records a permanent failure. The entry is retained for user
// inspection and excluded from automatic retries.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE mutation_queue
	SET status = ?, permanent = 1, attempts = attempts + 1, last_error = ?, updated_at = ?
	WHERE id = ?`,
		models.StatusFailed, cause, time.Now().Unix(), id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "mark failed", err)
	}
	return nil
}

// RetryFailed returns a permanently failed entry to the pending state with a
// fresh retry budget. This is the manual-resolution path from the UI.
func (s *Store) RetryFailed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE mutation_queue
	SET status = ?, permanent = 0, attempts = 0, last_error = '', next_retry_at = 0, updated_at = ?
	WHERE id = ? AND status = ?`,
		models.StatusPending, time.Now().Unix(), id, models.StatusFailed)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "retry failed entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "no failed entry with that id")
	}
	return nil
}

// ResolveConflict applies the server-wins policy in one transaction: the
// cached payload is overwritten with the server's, the queue entry is
// discarded, and a conflict-log row records the merge for the user.
func (s *Store) ResolveConflict(ctx context.Context, entry *models.QueueEntry, serverPayload []byte, serverVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "begin conflict resolution", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	var localVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM cached_entities WHERE entity_type = ? AND local_id = ?`,
		entry.EntityType, entry.LocalID).Scan(&localVersion)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(errors.ErrStorage, "read local version", err)
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO cached_entities (entity_type, local_id, remote_id, payload, version, dirty, last_synced_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	ON CONFLICT(entity_type, local_id) DO UPDATE SET
		remote_id = excluded.remote_id,
		payload = excluded.payload,
		version = excluded.version,
		dirty = 0,
		last_synced_at = excluded.last_synced_at,
		updated_at = excluded.updated_at`,
		entry.EntityType, entry.LocalID, entry.RemoteID, serverPayload,
		serverVersion, now, now, now); err != nil {
		return errors.Wrap(errors.ErrStorage, "apply server payload", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mutation_queue WHERE id = ?`, entry.ID); err != nil {
		return errors.Wrap(errors.ErrStorage, "discard conflicted entry", err)
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO conflict_log (id, entity_type, local_id, local_version, remote_version, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, 'server_wins', ?)`,
		uuid.New(), entry.EntityType, entry.LocalID, localVersion, serverVersion, now); err != nil {
		return errors.Wrap(errors.ErrStorage, "record conflict", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStorage, "commit conflict resolution", err)
	}
	return nil
}

// =====================================================
// Stats queries
// =====================================================

// PendingCount counts entries awaiting sync (pending or in flight).
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutation_queue WHERE status IN (?, ?) AND permanent = 0`,
		models.StatusPending, models.StatusInFlight).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "count pending entries", err)
	}
	return n, nil
}

// FailedCount counts permanently failed entries awaiting manual resolution.
func (s *Store) FailedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutation_queue WHERE permanent = 1`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "count failed entries", err)
	}
	return n, nil
}

// StaleCount counts pending entries older than the given cutoff.
func (s *Store) StaleCount(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutation_queue WHERE status = ? AND permanent = 0 AND created_at <= ?`,
		models.StatusPending, cutoff).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "count stale entries", err)
	}
	return n, nil
}

// ListFailed returns all permanently failed entries in id order.
func (s *Store) ListFailed(ctx context.Context) ([]*models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM mutation_queue WHERE permanent = 1 ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "list failed entries", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan failed entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "iterate failed entries", err)
	}
	return entries, nil
}

// ListConflicts returns recent conflict-log rows, newest first.
func (s *Store) ListConflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, entity_type, local_id, local_version, remote_version, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "list conflicts", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.EntityType, &c.LocalID, &c.LocalVersion,
			&c.RemoteVersion, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan conflict", err)
		}
		logs = append(logs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "iterate conflicts", err)
	}
	return logs, nil
}
