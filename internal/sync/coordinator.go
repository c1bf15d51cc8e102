package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/fernweh-app/fernweh-core/internal/errors"
	"github.com/fernweh-app/fernweh-core/internal/logging"
	"github.com/fernweh-app/fernweh-core/internal/metrics"
	"github.com/fernweh-app/fernweh-core/internal/models"
	"github.com/fernweh-app/fernweh-core/internal/netmon"
	"github.com/fernweh-app/fernweh-core/internal/store"
)

// Broadcaster pushes engine events to the embedding UI. The desktop shell
// backs it with its websocket hub; tests use a recording stub.
type Broadcaster interface {
	Broadcast(event string, payload interface{})
}

// Event names delivered through the Broadcaster.
const (
	EventSyncStarted   = "sync_started"
	EventSyncCompleted = "sync_completed"
	EventEntityMerged  = "entity_merged"
	EventSyncDegraded  = "sync_degraded"
)

// Stats is a point-in-time snapshot of engine state for status surfaces.
type Stats struct {
	State      string `json:"state"` // idle | running | degraded
	Online     bool   `json:"online"`
	Pending    int    `json:"pending"`
	Failed     int    `json:"failed"`
	Stale      int    `json:"stale"`
	LastPassAt int64  `json:"last_pass_at,omitempty"` // unix seconds
	LastError  string `json:"last_error,omitempty"`
}

// PassOutcome is what a TriggerSync future resolves to.
type PassOutcome struct {
	Result *PassResult
	Err    error
}

// Coordinator owns the single sync worker. Triggers from any source (timer,
// connectivity, mutation, UI) collapse into at most one queued re-run; at most
// one pass executes at a time.
type Coordinator struct {
	store      *store.Store
	reconciler *Reconciler
	monitor    *netmon.Monitor
	broadcast  Broadcaster
	interval   time.Duration
	staleAfter time.Duration

	kick chan struct{}

	mu        stdsync.Mutex
	started   bool
	running   bool
	rerun     bool
	degraded  bool
	lastPass  int64
	lastErr   string
	waiters   []chan PassOutcome
	statsSubs map[int]func(Stats)
	nextSub   int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator wires the worker to its collaborators. broadcast may be nil.
func NewCoordinator(s *store.Store, r *Reconciler, m *netmon.Monitor, broadcast Broadcaster, interval, staleAfter time.Duration) *Coordinator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Coordinator{
		store:      s,
		reconciler: r,
		monitor:    m,
		broadcast:  broadcast,
		interval:   interval,
		staleAfter: staleAfter,
		kick:       make(chan struct{}, 1),
		statsSubs:  make(map[int]func(Stats)),
	}
}

// Start launches the worker goroutine. It wakes on the periodic timer, on
// offline-to-online transitions, and on TriggerSync.
func (c *Coordinator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)

	// An initial pass drains whatever survived the last shutdown.
	c.schedule()
}

// Stop cancels the worker and waits for the in-progress pass, if any, to
// finish settling.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

// TriggerSync requests a pass and returns a future resolving to its outcome.
// Triggers while a pass runs collapse into one queued re-run, which serves
// every waiter. While offline the future stays open until the reconnect pass.
// Before Start (or after Stop) the future resolves immediately with an error.
func (c *Coordinator) TriggerSync() <-chan PassOutcome {
	ch := make(chan PassOutcome, 1)
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		ch <- PassOutcome{Err: errors.New(errors.ErrSyncStopped, "sync worker is not running")}
		return ch
	}
	c.waiters = append(c.waiters, ch)
	if c.degraded {
		c.mu.Unlock()
		c.settleWaiters(PassOutcome{Err: errors.New(errors.ErrStorage, "engine degraded")})
		return ch
	}
	c.mu.Unlock()
	c.schedule()
	return ch
}

// schedule requests a pass without attaching a waiter. Internal triggers
// (timer, reconnect, mutation hook) use it so offline periods do not pile up
// futures.
func (c *Coordinator) schedule() {
	c.mu.Lock()
	if c.running {
		c.rerun = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// NotifyMutation is the store-write hook: a new local mutation schedules a
// pass if we are online.
func (c *Coordinator) NotifyMutation() {
	if c.monitor.Online() {
		c.schedule()
	}
}

// SubscribeStats registers a callback invoked with a fresh snapshot after
// every pass and on degradation. The callback must not block. The returned
// function removes the subscription.
func (c *Coordinator) SubscribeStats(cb func(Stats)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.statsSubs[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.statsSubs, id)
		c.mu.Unlock()
	}
}

// settleWaiters resolves all outstanding futures with the given outcome.
func (c *Coordinator) settleWaiters(outcome PassOutcome) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- outcome
	}
}

// notifyStats pushes a snapshot to every stats subscriber.
func (c *Coordinator) notifyStats() {
	stats, err := c.Stats(context.Background())
	if err != nil {
		return
	}
	c.mu.Lock()
	subs := make([]func(Stats), 0, len(c.statsSubs))
	for _, cb := range c.statsSubs {
		subs = append(subs, cb)
	}
	c.mu.Unlock()
	for _, cb := range subs {
		cb(*stats)
	}
}

// Stats assembles the current status snapshot.
func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	pending, err := c.store.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := c.store.FailedCount(ctx)
	if err != nil {
		return nil, err
	}
	stale, err := c.store.StaleCount(ctx, c.staleAfter)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state := "idle"
	if c.degraded {
		state = "degraded"
	} else if c.running {
		state = "running"
	}
	return &Stats{
		State:      state,
		Online:     c.monitor.Online(),
		Pending:    pending,
		Failed:     failed,
		Stale:      stale,
		LastPassAt: c.lastPass,
		LastError:  c.lastErr,
	}, nil
}

// Degraded reports whether storage failures have forced read-only operation.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	states, unsubscribe := c.monitor.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-states:
			if s == netmon.StateOnline {
				metrics.Online.Set(1)
				c.schedule()
			} else {
				metrics.Online.Set(0)
			}
		case <-ticker.C:
			c.schedule()
		case <-c.kick:
			c.runPassLoop(ctx)
		}
	}
}

// runPassLoop executes one pass plus at most the single queued re-run per
// iteration, looping until no trigger arrived mid-pass.
func (c *Coordinator) runPassLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.monitor.Online() {
			// Triggers while offline are satisfied by the online-transition
			// pass later.
			return
		}

		c.mu.Lock()
		if c.degraded {
			c.mu.Unlock()
			c.settleWaiters(PassOutcome{Err: errors.New(errors.ErrStorage, "engine degraded")})
			return
		}
		c.running = true
		c.rerun = false
		c.mu.Unlock()

		c.emit(EventSyncStarted, nil)
		result, err := c.reconciler.RunPass(ctx)
		now := time.Now().Unix()

		c.mu.Lock()
		c.running = false
		c.lastPass = now
		if err != nil {
			c.lastErr = err.Error()
		} else {
			c.lastErr = ""
		}
		again := c.rerun
		c.rerun = false
		c.mu.Unlock()

		if err != nil {
			c.settleWaiters(PassOutcome{Err: err})
			if errors.Is(err, errors.ErrStorage) {
				c.enterDegraded(err)
				return
			}
			logging.ErrorWithCode("Sync pass failed", string(errors.CodeOf(err)), err, nil)
			c.notifyStats()
			return
		}

		for _, entity := range result.ConflictEntities {
			c.emit(EventEntityMerged, map[string]interface{}{"entity": entity})
		}
		c.emit(EventSyncCompleted, map[string]interface{}{
			"committed": result.Committed,
			"conflicts": result.Conflicts,
			"failed":    result.PermanentFailures,
		})

		if !again {
			c.settleWaiters(PassOutcome{Result: result})
			c.notifyStats()
			return
		}
	}
}

// enterDegraded flips the engine into read-only mode after a storage failure.
// Cached reads keep working; no further passes run until restart.
func (c *Coordinator) enterDegraded(err error) {
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()

	logging.ErrorWithCode("Storage failure, sync disabled", string(errors.ErrStorage), err, nil)
	c.emit(EventSyncDegraded, map[string]interface{}{"error": err.Error()})
	c.notifyStats()
}

// RetryFailedEntry is the manual-resolution path: the entry returns to the
// queue and a pass is scheduled.
func (c *Coordinator) RetryFailedEntry(ctx context.Context, id int64) error {
	if err := c.store.RetryFailed(ctx, id); err != nil {
		return err
	}
	c.schedule()
	return nil
}

// ListFailed exposes permanently failed entries for the UI.
func (c *Coordinator) ListFailed(ctx context.Context) ([]*models.QueueEntry, error) {
	return c.store.ListFailed(ctx)
}

// ListDirty exposes entities with unconfirmed changes, for sync badges.
func (c *Coordinator) ListDirty(ctx context.Context, entityType models.EntityType) ([]*models.CachedEntity, error) {
	return c.store.ListDirty(ctx, entityType)
}

// IsDirty reports whether a single entity has unconfirmed changes.
func (c *Coordinator) IsDirty(ctx context.Context, entityType models.EntityType, localID string) (bool, error) {
	return c.store.IsDirty(ctx, entityType, localID)
}

func (c *Coordinator) emit(event string, payload interface{}) {
	if c.broadcast != nil {
		c.broadcast.Broadcast(event, payload)
	}
}
