package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fernweh-app/fernweh-core/internal/errors"
	"github.com/fernweh-app/fernweh-core/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntity(localID string, body string) *models.CachedEntity {
	return &models.CachedEntity{
		EntityType: models.EntityAlbum,
		LocalID:    localID,
		Payload:    json.RawMessage(body),
	}
}

func TestPutGetEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := testEntity("album-1", `{"title":"Lisbon"}`)
	e.RemoteID = "srv-1"
	e.Version = 3
	if err := s.PutEntity(ctx, e); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	got, err := s.GetEntity(ctx, models.EntityAlbum, "album-1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.RemoteID != "srv-1" || got.Version != 3 {
		t.Errorf("got remote=%q version=%d", got.RemoteID, got.Version)
	}
	if string(got.Payload) != `{"title":"Lisbon"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestGetEntityNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetEntity(context.Background(), models.EntityPhoto, "nope")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestRecordMutationEnqueuesCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.RecordMutation(ctx, testEntity("album-1", `{"title":"Porto"}`), models.OpCreate)
	if err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}
	if entry.Operation != models.OpCreate || entry.Status != models.StatusPending {
		t.Errorf("entry = %+v", entry)
	}

	// The optimistic write is immediately visible and dirty.
	got, err := s.GetEntity(ctx, models.EntityAlbum, "album-1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if !got.Dirty {
		t.Error("expected entity to be dirty")
	}

	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestCoalesceUpdateReplacesSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := testEntity("album-1", `{"title":"v1"}`)
	e.RemoteID = "srv-1"
	if err := s.PutEntity(ctx, e); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	first, err := s.RecordMutation(ctx, testEntity("album-1", `{"title":"v2"}`), models.OpUpdate)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	second, err := s.RecordMutation(ctx, testEntity("album-1", `{"title":"v3"}`), models.OpUpdate)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected coalescing into entry %d, got new entry %d", first.ID, second.ID)
	}
	if string(second.Payload) != `{"title":"v3"}` {
		t.Errorf("payload = %s", second.Payload)
	}

	n, _ := s.PendingCount(ctx)
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestCoalesceUpdateIntoCreateStaysCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordMutation(ctx, testEntity("album-1", `{"title":"v1"}`), models.OpCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	entry, err := s.RecordMutation(ctx, testEntity("album-1", `{"title":"v2"}`), models.OpUpdate)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if entry.Operation != models.OpCreate {
		t.Errorf("operation = %s, want create", entry.Operation)
	}
	if string(entry.Payload) != `{"title":"v2"}` {
		t.Errorf("payload = %s", entry.Payload)
	}
}

func TestCoalescePreservesRetryState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.RecordMutation(ctx, testEntity("album-1", `{"title":"v1"}`), models.OpCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	retryAt := time.Now().Add(time.Minute).Unix()
	if err := s.RescheduleRetry(ctx, first.ID, "network unreachable", retryAt); err != nil {
		t.Fatalf("RescheduleRetry: %v", err)
	}

	if _, err := s.RecordMutation(ctx, testEntity("album-1", `{"title":"v2"}`), models.OpUpdate); err != nil {
		t.Fatalf("coalesce: %v", err)
	}

	entry, err := s.GetEntry(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if entry.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 after coalescing", entry.Attempts)
	}
	if entry.NextRetryAt != retryAt {
		t.Errorf("next_retry_at = %d, want %d", entry.NextRetryAt, retryAt)
	}
}

func TestDeleteCollapsesPendingUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := testEntity("album-1", `{"title":"v1"}`)
	e.RemoteID = "srv-1"
	if err := s.PutEntity(ctx, e); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	if _, err := s.RecordMutation(ctx, testEntity("album-1", `{"title":"v2"}`), models.OpUpdate); err != nil {
		t.Fatalf("update: %v", err)
	}

	entry, err := s.RecordMutation(ctx, testEntity("album-1", ""), models.OpDelete)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if entry == nil || entry.Operation != models.OpDelete {
		t.Fatalf("entry = %+v, want delete", entry)
	}
	if entry.RemoteID != "srv-1" {
		t.Errorf("remote id = %q, want srv-1", entry.RemoteID)
	}

	// The local copy disappears immediately.
	if _, err := s.GetEntity(ctx, models.EntityAlbum, "album-1"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}

	n, _ := s.PendingCount(ctx)
	if n != 1 {
		t.Errorf("pending = %d, want single collapsed delete", n)
	}
}

func TestDeleteAnnihilatesUnsyncedCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordMutation(ctx, testEntity("album-1", `{"title":"draft"}`), models.OpCreate); err != nil {
		t.Fatalf("create: %v", err)
	}

	entry, err := s.RecordMutation(ctx, testEntity("album-1", ""), models.OpDelete)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if entry != nil {
		t.Errorf("expected annihilation, got entry %+v", entry)
	}

	n, _ := s.PendingCount(ctx)
	if n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if _, err := s.GetEntity(ctx, models.EntityAlbum, "album-1"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestDequeueReadySkipsScheduledEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ready, err := s.RecordMutation(ctx, testEntity("album-1", `{}`), models.OpCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waiting, err := s.RecordMutation(ctx, testEntity("album-2", `{}`), models.OpCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RescheduleRetry(ctx, waiting.ID, "timeout", time.Now().Add(time.Hour).Unix()); err != nil {
		t.Fatalf("RescheduleRetry: %v", err)
	}

	entries, err := s.DequeueReady(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueReady: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != ready.ID {
		t.Fatalf("entries = %+v, want only entry %d", entries, ready.ID)
	}
}

func TestMarkInFlightClaimsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.RecordMutation(ctx, testEntity("album-1", `{}`), models.OpCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkInFlight(ctx, entry.ID); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	if err := s.MarkInFlight(ctx, entry.ID); !errors.Is(err, errors.ErrConstraint) {
		t.Errorf("second claim: got %v, want CONSTRAINT", err)
	}
}

func TestCommitEntryClearsDirtyAndRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.RecordMutation(ctx, testEntity("album-1", `{"title":"v1"}`), models.OpCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkInFlight(ctx, entry.ID); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}

	authoritative := testEntity("album-1", `{"title":"v1"}`)
	authoritative.RemoteID = "srv-9"
	authoritative.Version = 1
	if err := s.CommitEntry(ctx, entry.ID, authoritative); err != nil {
		t.Fatalf("CommitEntry: %v", err)
	}

	got, err := s.GetEntity(ctx, models.EntityAlbum, "album-1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Dirty {
		t.Error("entity still dirty after commit")
	}
	if got.RemoteID != "srv-9" || got.Version != 1 {
		t.Errorf("remote=%q version=%d", got.RemoteID, got.Version)
	}
	if got.LastSyncedAt == 0 {
		t.Error("last_synced_at not set")
	}

	n, _ := s.PendingCount(ctx)
	if n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestCommitBackfillsRemoteIDIntoChasingDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create, err := s.RecordMutation(ctx, testEntity("album-1", `{}`), models.OpCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkInFlight(ctx, create.ID); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}

	// User deletes while the create is mid-dispatch.
	del, err := s.RecordMutation(ctx, testEntity("album-1", ""), models.OpDelete)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if del == nil {
		t.Fatal("delete must chase an in-flight create, not annihilate")
	}
	if del.RemoteID != "" {
		t.Fatalf("remote id = %q before commit", del.RemoteID)
	}

	authoritative := testEntity("album-1", `{}`)
	authoritative.RemoteID = "srv-42"
	authoritative.Version = 1
	if err := s.CommitEntry(ctx, create.ID, authoritative); err != nil {
		t.Fatalf("CommitEntry: %v", err)
	}

	got, err := s.GetEntry(ctx, del.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.RemoteID != "srv-42" {
		t.Errorf("remote id = %q, want srv-42", got.RemoteID)
	}
}

func TestMarkFailedAndRetryFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.RecordMutation(ctx, testEntity("album-1", `{}`), models.OpCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkFailed(ctx, entry.ID, "validation rejected"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	failed, err := s.ListFailed(ctx)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(failed) != 1 || failed[0].LastError != "validation rejected" {
		t.Fatalf("failed = %+v", failed)
	}

	// Failed entries are invisible to the dispatcher.
	ready, _ := s.DequeueReady(ctx, 10)
	if len(ready) != 0 {
		t.Errorf("ready = %d, want 0", len(ready))
	}

	if err := s.RetryFailed(ctx, entry.ID); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	got, err := s.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Status != models.StatusPending || got.Permanent || got.Attempts != 0 {
		t.Errorf("entry after retry = %+v", got)
	}
}

func TestRetryFailedRejectsNonFailedEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.RecordMutation(ctx, testEntity("album-1", `{}`), models.OpCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RetryFailed(ctx, entry.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("got %v, want NOT_FOUND", err)
	}
}

func TestResolveConflictAppliesServerState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := testEntity("journal-1", `{"body":"local"}`)
	e.EntityType = models.EntityJournal
	e.RemoteID = "srv-7"
	e.Version = 2
	if err := s.PutEntity(ctx, e); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	mut := testEntity("journal-1", `{"body":"local edit"}`)
	mut.EntityType = models.EntityJournal
	entry, err := s.RecordMutation(ctx, mut, models.OpUpdate)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := s.ResolveConflict(ctx, entry, []byte(`{"body":"server"}`), 5); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	got, err := s.GetEntity(ctx, models.EntityJournal, "journal-1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if string(got.Payload) != `{"body":"server"}` || got.Version != 5 || got.Dirty {
		t.Errorf("entity after conflict = %+v", got)
	}

	n, _ := s.PendingCount(ctx)
	if n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	conflicts, err := s.ListConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.LocalVersion != 2 || c.RemoteVersion != 5 || c.Resolution != "server_wins" {
		t.Errorf("conflict = %+v", c)
	}
}

func TestStaleCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.RecordMutation(ctx, testEntity("album-1", `{}`), models.OpCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Age the entry two days into the past.
	old := time.Now().Add(-48 * time.Hour).Unix()
	if _, err := s.db.Exec(
		`UPDATE mutation_queue SET created_at = ? WHERE id = ?`, old, entry.ID); err != nil {
		t.Fatalf("age entry: %v", err)
	}

	n, err := s.StaleCount(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("StaleCount: %v", err)
	}
	if n != 1 {
		t.Errorf("stale = %d, want 1", n)
	}
}

func TestOpenRecoversInFlightEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	entry, err := s.RecordMutation(context.Background(), testEntity("album-1", `{}`), models.OpCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkInFlight(context.Background(), entry.ID); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	s.Close()

	// Simulated crash: reopen and the entry must be pending again.
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("status = %s, want pending after recovery", got.Status)
	}
}

func TestListDirty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordMutation(ctx, testEntity("album-1", `{}`), models.OpCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	clean := testEntity("album-2", `{}`)
	clean.RemoteID = "srv-2"
	if err := s.PutEntity(ctx, clean); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	dirty, err := s.ListDirty(ctx, models.EntityAlbum)
	if err != nil {
		t.Fatalf("ListDirty: %v", err)
	}
	if len(dirty) != 1 || dirty[0].LocalID != "album-1" {
		t.Fatalf("dirty = %+v", dirty)
	}

	isDirty, err := s.IsDirty(ctx, models.EntityAlbum, "album-2")
	if err != nil {
		t.Fatalf("IsDirty: %v", err)
	}
	if isDirty {
		t.Error("album-2 should not be dirty")
	}
}
