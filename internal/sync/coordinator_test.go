package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/fernweh-app/fernweh-core/internal/models"
	"github.com/fernweh-app/fernweh-core/internal/netmon"
	"github.com/fernweh-app/fernweh-core/internal/store"
)

// recordingBroadcaster captures emitted events for assertions.
type recordingBroadcaster struct {
	mu     stdsync.Mutex
	events []string
}

func (b *recordingBroadcaster) Broadcast(event string, payload interface{}) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == event {
			n++
		}
	}
	return n
}

type coordinatorFixture struct {
	coord   *Coordinator
	store   *store.Store
	remote  *fakeRemote
	source  *netmon.CallbackSource
	monitor *netmon.Monitor
	events  *recordingBroadcaster
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := newFakeRemote()
	backoff := BackoffSchedule{Base: 2 * time.Second, Max: 5 * time.Minute}
	rec := NewReconciler(s, f, backoff, 100, 4, 15*time.Second, 24*time.Hour)

	src := netmon.NewCallbackSource()
	mon := netmon.New(0, src)
	mon.Start()
	t.Cleanup(mon.Stop)

	events := &recordingBroadcaster{}
	coord := NewCoordinator(s, rec, mon, events, time.Hour, 24*time.Hour)
	coord.Start()
	t.Cleanup(coord.Stop)

	return &coordinatorFixture{
		coord: coord, store: s, remote: f, source: src, monitor: mon, events: events,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestComingOnlineDrainsQueue(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	// Mutations recorded while offline stay queued.
	if _, err := fx.store.RecordMutation(ctx, albumEntity("a1", "Lisbon"), models.OpCreate); err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}
	fx.coord.NotifyMutation() // offline: no-op

	time.Sleep(50 * time.Millisecond)
	if n, _ := fx.store.PendingCount(ctx); n != 1 {
		t.Fatalf("pending = %d while offline, want 1", n)
	}

	fx.source.Set(true)
	waitFor(t, 2*time.Second, func() bool {
		n, _ := fx.store.PendingCount(ctx)
		return n == 0
	})

	got, err := fx.store.GetEntity(ctx, models.EntityAlbum, "a1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Dirty || got.RemoteID == "" {
		t.Errorf("entity = %+v", got)
	}
}

func TestTriggerSyncRunsPass(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	fx.source.Set(true)

	if _, err := fx.store.RecordMutation(ctx, albumEntity("a1", "Porto"), models.OpCreate); err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}
	fx.coord.TriggerSync()

	waitFor(t, 2*time.Second, func() bool {
		n, _ := fx.store.PendingCount(ctx)
		return n == 0
	})
	waitFor(t, 2*time.Second, func() bool {
		return fx.events.count(EventSyncCompleted) >= 1
	})
}

func TestStatsSnapshot(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	if _, err := fx.store.RecordMutation(ctx, albumEntity("a1", "x"), models.OpCreate); err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}

	stats, err := fx.coord.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Online {
		t.Error("stats report online while offline")
	}
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}
	if stats.State != "idle" {
		t.Errorf("state = %q, want idle", stats.State)
	}
}

func TestRetryFailedEntrySchedulesPass(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	fx.source.Set(true)

	entry, err := fx.store.RecordMutation(ctx, albumEntity("a1", "x"), models.OpCreate)
	if err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}
	if err := fx.store.MarkFailed(ctx, entry.ID, "scripted"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := fx.coord.RetryFailedEntry(ctx, entry.ID); err != nil {
		t.Fatalf("RetryFailedEntry: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		n, _ := fx.store.PendingCount(ctx)
		return n == 0
	})

	failed, _ := fx.coord.ListFailed(ctx)
	if len(failed) != 0 {
		t.Errorf("failed = %+v, want drained", failed)
	}
}

func TestMergedEventOnConflict(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	fx.source.Set(true)

	if _, err := fx.store.RecordMutation(ctx, albumEntity("a1", "v1"), models.OpCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	fx.coord.TriggerSync()
	waitFor(t, 2*time.Second, func() bool {
		n, _ := fx.store.PendingCount(ctx)
		return n == 0
	})

	got, _ := fx.store.GetEntity(ctx, models.EntityAlbum, "a1")
	fx.remote.mu.Lock()
	fx.remote.entities[got.RemoteID].Version = 5
	fx.remote.mu.Unlock()

	if _, err := fx.store.RecordMutation(ctx, albumEntity("a1", "v2"), models.OpUpdate); err != nil {
		t.Fatalf("update: %v", err)
	}
	fx.coord.TriggerSync()

	waitFor(t, 2*time.Second, func() bool {
		return fx.events.count(EventEntityMerged) >= 1
	})
}

func TestTriggerSyncFutureResolves(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	if _, err := fx.store.RecordMutation(ctx, albumEntity("a1", "Faro"), models.OpCreate); err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}

	// The future stays open while offline and resolves with the reconnect pass.
	fut := fx.coord.TriggerSync()
	fx.source.Set(true)

	select {
	case outcome := <-fut:
		if outcome.Err != nil {
			t.Fatalf("outcome error: %v", outcome.Err)
		}
		if outcome.Result.Committed != 1 {
			t.Errorf("committed = %d, want 1", outcome.Result.Committed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("future never resolved")
	}
}

func TestSimultaneousTriggersShareOnePass(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	if _, err := fx.store.RecordMutation(ctx, albumEntity("a1", "once"), models.OpCreate); err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}

	var futures []<-chan PassOutcome
	for i := 0; i < 5; i++ {
		futures = append(futures, fx.coord.TriggerSync())
	}
	fx.source.Set(true)
	for i, fut := range futures {
		select {
		case outcome := <-fut:
			if outcome.Err != nil {
				t.Fatalf("future %d error: %v", i, outcome.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("future %d never resolved", i)
		}
	}

	// The single queued entry must have produced exactly one remote call.
	if got := fx.remote.callCount(); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}
}

func TestSubscribeStatsDeliversSnapshots(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	fx.source.Set(true)

	var mu stdsync.Mutex
	var snapshots []Stats
	unsubscribe := fx.coord.SubscribeStats(func(s Stats) {
		mu.Lock()
		snapshots = append(snapshots, s)
		mu.Unlock()
	})
	defer unsubscribe()

	if _, err := fx.store.RecordMutation(ctx, albumEntity("a1", "x"), models.OpCreate); err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}
	fx.coord.TriggerSync()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range snapshots {
			if s.Pending == 0 && s.LastPassAt != 0 {
				return true
			}
		}
		return false
	})
}

func TestStopIsIdempotentAndPromptly(t *testing.T) {
	fx := newCoordinatorFixture(t)
	done := make(chan struct{})
	go func() {
		fx.coord.Stop()
		fx.coord.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestTriggerSyncWithoutRunningWorkerResolvesWithError(t *testing.T) {
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	f := newFakeRemote()
	backoff := BackoffSchedule{Base: 2 * time.Second, Max: 5 * time.Minute}
	rec := NewReconciler(s, f, backoff, 100, 4, 15*time.Second, 24*time.Hour)
	mon := netmon.New(0, netmon.NewCallbackSource())
	coord := NewCoordinator(s, rec, mon, nil, time.Hour, 24*time.Hour)

	// Before Start there is no worker to serve the future.
	select {
	case out := <-coord.TriggerSync():
		if out.Err == nil {
			t.Fatal("expected error before Start")
		}
	case <-time.After(time.Second):
		t.Fatal("future never resolved before Start")
	}

	coord.Start()
	coord.Stop()

	select {
	case out := <-coord.TriggerSync():
		if out.Err == nil {
			t.Fatal("expected error after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("future never resolved after Stop")
	}
}
