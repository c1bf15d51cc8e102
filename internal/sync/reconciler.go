// Package sync drains the mutation queue against the remote service and
// keeps the local cache converged with the server's authoritative state.
package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/fernweh-app/fernweh-core/internal/errors"
	"github.com/fernweh-app/fernweh-core/internal/logging"
	"github.com/fernweh-app/fernweh-core/internal/metrics"
	"github.com/fernweh-app/fernweh-core/internal/models"
	"github.com/fernweh-app/fernweh-core/internal/remote"
	"github.com/fernweh-app/fernweh-core/internal/store"
)

// entityKey identifies one locally tracked entity across the queue.
type entityKey struct {
	Type    models.EntityType
	LocalID string
}

func (k entityKey) String() string {
	return string(k.Type) + "/" + k.LocalID
}

// PassResult summarizes one reconciler pass. Retried entries remain pending
// with a future retry time; Stale counts pending entries older than the
// staleness ceiling at the end of the pass.
type PassResult struct {
	Committed         int
	Conflicts         int
	PermanentFailures int
	Retried           int
	Skipped           int
	Stale             int
	ConflictEntities  []string
	FailedEntities    []string
}

// Reconciler drains ready queue entries. Entries for the same entity run
// strictly in queue order; distinct entities dispatch concurrently up to the
// concurrency cap.
type Reconciler struct {
	store       *store.Store
	client      remote.Client
	backoff     BackoffSchedule
	batchSize   int
	concurrency int
	callTimeout time.Duration
	staleAfter  time.Duration
}

// NewReconciler builds a reconciler over the given store and remote client.
func NewReconciler(s *store.Store, client remote.Client, backoff BackoffSchedule, batchSize, concurrency int, callTimeout, staleAfter time.Duration) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Reconciler{
		store:       s,
		client:      client,
		backoff:     backoff,
		batchSize:   batchSize,
		concurrency: concurrency,
		callTimeout: callTimeout,
		staleAfter:  staleAfter,
	}
}

// RunPass drains one batch of ready entries. A storage error aborts the pass;
// remote errors are absorbed into the result. Cancellation is honored between
// entries, never mid-commit.
func (r *Reconciler) RunPass(ctx context.Context) (*PassResult, error) {
	started := time.Now()
	entries, err := r.store.DequeueReady(ctx, r.batchSize)
	if err != nil {
		metrics.SyncPasses.WithLabelValues("aborted").Inc()
		return nil, err
	}

	result := &PassResult{}
	if len(entries) == 0 {
		metrics.SyncPasses.WithLabelValues("completed").Inc()
		return result, nil
	}

	// Group per entity, preserving queue order inside each group and the
	// order in which entities first appear across groups.
	groups := make(map[entityKey][]*models.QueueEntry)
	var order []entityKey
	for _, e := range entries {
		k := entityKey{Type: e.EntityType, LocalID: e.LocalID}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var (
		mu  stdsync.Mutex
		wg  stdsync.WaitGroup
		sem = make(chan struct{}, r.concurrency)
	)
	for _, k := range order {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(key entityKey, group []*models.QueueEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runGroup(ctx, key, group, result, &mu)
		}(k, groups[k])
	}
	wg.Wait()

	metrics.SyncPasses.WithLabelValues("completed").Inc()
	metrics.PassDuration.Observe(time.Since(started).Seconds())
	if n, err := r.store.PendingCount(context.Background()); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	if n, err := r.store.StaleCount(context.Background(), r.staleAfter); err == nil {
		result.Stale = n
	}

	logging.Info("Sync pass finished", map[string]interface{}{
		"committed": result.Committed,
		"conflicts": result.Conflicts,
		"permanent": result.PermanentFailures,
		"retried":   result.Retried,
	})
	return result, nil
}

// runGroup processes one entity's entries in order. The first non-success
// stops the group; later entries stay queued behind it.
func (r *Reconciler) runGroup(ctx context.Context, key entityKey, group []*models.QueueEntry, result *PassResult, mu *stdsync.Mutex) {
	for _, entry := range group {
		if ctx.Err() != nil {
			return
		}
		outcome := r.dispatch(ctx, key, entry)
		mu.Lock()
		switch outcome {
		case outcomeCommitted:
			result.Committed++
		case outcomeConflict:
			result.Conflicts++
			result.ConflictEntities = append(result.ConflictEntities, key.String())
		case outcomePermanent:
			result.PermanentFailures++
			result.FailedEntities = append(result.FailedEntities, key.String())
		case outcomeRetry:
			result.Retried++
		case outcomeSkipped:
			result.Skipped++
		}
		mu.Unlock()
		if outcome != outcomeCommitted && outcome != outcomeSkipped {
			return
		}
	}
}

type dispatchOutcome int

const (
	outcomeCommitted dispatchOutcome = iota
	outcomeConflict
	outcomePermanent
	outcomeRetry
	outcomeSkipped
)

// dispatch pushes one entry to the remote service and settles it in storage.
func (r *Reconciler) dispatch(ctx context.Context, key entityKey, entry *models.QueueEntry) dispatchOutcome {
	if err := r.store.MarkInFlight(ctx, entry.ID); err != nil {
		// Claimed elsewhere or no longer pending; nothing to do.
		logging.Warn("Skipping unclaimable entry", map[string]interface{}{
			"entry": entry.ID, "entity": key.String(), "error": err.Error(),
		})
		return outcomeSkipped
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	switch entry.Operation {
	case models.OpCreate:
		return r.dispatchCreate(callCtx, key, entry)
	case models.OpUpdate:
		return r.dispatchUpdate(callCtx, key, entry)
	case models.OpDelete:
		return r.dispatchDelete(callCtx, key, entry)
	}
	// Unknown operation can never succeed.
	r.settleFailed(entry, fmt.Sprintf("unknown operation %q", entry.Operation))
	return outcomePermanent
}

func (r *Reconciler) dispatchCreate(ctx context.Context, key entityKey, entry *models.QueueEntry) dispatchOutcome {
	res, err := r.client.CreateEntity(ctx, entry.EntityType, entry.Payload)
	if err != nil {
		return r.settleError(ctx, key, entry, err)
	}
	return r.commit(key, entry, res)
}

func (r *Reconciler) dispatchUpdate(ctx context.Context, key entityKey, entry *models.QueueEntry) dispatchOutcome {
	// The cached row carries the current remote identity and version; the
	// entry's snapshot may predate a commit that assigned them.
	cached, err := r.store.GetEntity(ctx, entry.EntityType, entry.LocalID)
	if errors.Is(err, errors.ErrNotFound) {
		// Entity vanished locally without a delete entry; drop the orphan.
		if cerr := r.store.CommitEntry(context.Background(), entry.ID, nil); cerr != nil {
			logging.ErrorWithCode("Dropping orphaned entry failed", string(errors.ErrStorage), cerr,
				map[string]interface{}{"entry": entry.ID})
		}
		return outcomeSkipped
	}
	if err != nil {
		r.reschedule(entry, err.Error())
		return outcomeRetry
	}
	if cached.RemoteID == "" {
		// Update queued before the create committed; not dispatchable yet.
		r.reschedule(entry, "awaiting remote identity")
		return outcomeRetry
	}

	res, err := r.client.UpdateEntity(ctx, entry.EntityType, cached.RemoteID, cached.Version, entry.Payload)
	if err != nil {
		return r.settleError(ctx, key, entry, err)
	}
	return r.commit(key, entry, res)
}

func (r *Reconciler) dispatchDelete(ctx context.Context, key entityKey, entry *models.QueueEntry) dispatchOutcome {
	if entry.RemoteID == "" {
		// A delete chasing an in-flight create is enqueued without a remote
		// id; the create's commit backfills it into the stored row. Re-read
		// before concluding the server never saw this entity.
		fresh, err := r.store.GetEntry(ctx, entry.ID)
		if err != nil {
			r.reschedule(entry, err.Error())
			return outcomeRetry
		}
		entry.RemoteID = fresh.RemoteID
	}
	if entry.RemoteID == "" {
		// The server never learned of this entity; deletion is already true.
		if err := r.store.CommitEntry(context.Background(), entry.ID, nil); err != nil {
			r.reschedule(entry, err.Error())
			return outcomeRetry
		}
		metrics.MutationsCommitted.WithLabelValues(string(models.OpDelete)).Inc()
		return outcomeCommitted
	}

	err := r.client.DeleteEntity(ctx, entry.EntityType, entry.RemoteID)
	if err != nil && !remote.IsNotFound(err) {
		return r.settleError(ctx, key, entry, err)
	}
	if err := r.store.CommitEntry(context.Background(), entry.ID, nil); err != nil {
		r.reschedule(entry, err.Error())
		return outcomeRetry
	}
	metrics.MutationsCommitted.WithLabelValues(string(models.OpDelete)).Inc()
	return outcomeCommitted
}

// commit applies the server's authoritative result and removes the entry.
func (r *Reconciler) commit(key entityKey, entry *models.QueueEntry, res *remote.Result) dispatchOutcome {
	e := &models.CachedEntity{
		EntityType: entry.EntityType,
		LocalID:    entry.LocalID,
		RemoteID:   res.RemoteID,
		Version:    res.Version,
	}
	// Commit runs outside the pass context: once the server accepted the
	// write, losing the local record of that is the worse failure.
	if err := r.store.CommitEntry(context.Background(), entry.ID, e); err != nil {
		r.reschedule(entry, err.Error())
		return outcomeRetry
	}
	metrics.MutationsCommitted.WithLabelValues(string(entry.Operation)).Inc()
	logging.Debug("Mutation committed", map[string]interface{}{
		"entity": key.String(), "operation": string(entry.Operation), "version": res.Version,
	})
	return outcomeCommitted
}

// settleError maps a remote failure onto the entry's next state.
func (r *Reconciler) settleError(ctx context.Context, key entityKey, entry *models.QueueEntry, err error) dispatchOutcome {
	if conflict, ok := remote.IsConflict(err); ok {
		if rerr := r.store.ResolveConflict(context.Background(), entry, conflict.ServerPayload, conflict.ServerVersion); rerr != nil {
			r.reschedule(entry, rerr.Error())
			return outcomeRetry
		}
		metrics.MutationsFailed.WithLabelValues("conflict").Inc()
		logging.Warn("Conflict resolved, server state kept", map[string]interface{}{
			"entity": key.String(), "server_version": conflict.ServerVersion,
		})
		return outcomeConflict
	}

	if remote.IsNotFound(err) {
		// The remote entity is gone; the server's deletion wins over the
		// queued local edit.
		if derr := r.store.DeleteEntity(context.Background(), entry.EntityType, entry.LocalID); derr != nil {
			r.reschedule(entry, derr.Error())
			return outcomeRetry
		}
		if cerr := r.store.CommitEntry(context.Background(), entry.ID, nil); cerr != nil {
			r.reschedule(entry, cerr.Error())
			return outcomeRetry
		}
		metrics.MutationsFailed.WithLabelValues("conflict").Inc()
		logging.Warn("Remote entity deleted, dropping local edit", map[string]interface{}{
			"entity": key.String(),
		})
		return outcomeConflict
	}

	if remote.IsPermanent(err) {
		r.settleFailed(entry, err.Error())
		return outcomePermanent
	}

	r.reschedule(entry, err.Error())
	return outcomeRetry
}

func (r *Reconciler) settleFailed(entry *models.QueueEntry, cause string) {
	if err := r.store.MarkFailed(context.Background(), entry.ID, cause); err != nil {
		logging.ErrorWithCode("Marking entry failed", string(errors.ErrStorage), err,
			map[string]interface{}{"entry": entry.ID})
		return
	}
	metrics.MutationsFailed.WithLabelValues("permanent").Inc()
	logging.Warn("Mutation permanently failed", map[string]interface{}{
		"entry": entry.ID, "cause": cause,
	})
}

func (r *Reconciler) reschedule(entry *models.QueueEntry, cause string) {
	delay := r.backoff.Delay(entry.Attempts + 1)
	next := time.Now().Add(delay).Unix()
	if err := r.store.RescheduleRetry(context.Background(), entry.ID, cause, next); err != nil {
		logging.ErrorWithCode("Rescheduling entry failed", string(errors.ErrStorage), err,
			map[string]interface{}{"entry": entry.ID})
		return
	}
	metrics.Retries.Inc()
	logging.Debug("Mutation rescheduled", map[string]interface{}{
		"entry": entry.ID, "delay": delay.String(), "cause": cause,
	})
}
