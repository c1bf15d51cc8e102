// Package handlers provides REST API handlers for sync status and operations.
package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/fernweh-app/fernweh-core/internal/errors"
	"github.com/fernweh-app/fernweh-core/internal/models"
	appsync "github.com/fernweh-app/fernweh-core/internal/sync"
)

// SyncEngine is the slice of the coordinator the handlers need.
type SyncEngine interface {
	Stats(ctx context.Context) (*appsync.Stats, error)
	TriggerSync() <-chan appsync.PassOutcome
	ListDirty(ctx context.Context, entityType models.EntityType) ([]*models.CachedEntity, error)
	IsDirty(ctx context.Context, entityType models.EntityType, localID string) (bool, error)
	ListFailed(ctx context.Context) ([]*models.QueueEntry, error)
	RetryFailedEntry(ctx context.Context, id int64) error
	Degraded() bool
}

// ConflictLister exposes the conflict log for the UI.
type ConflictLister interface {
	ListConflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// SyncHandler handles sync status and queue management endpoints.
type SyncHandler struct {
	engine    SyncEngine
	conflicts ConflictLister
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine SyncEngine, conflicts ConflictLister) *SyncHandler {
	return &SyncHandler{engine: engine, conflicts: conflicts}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Status handles GET /sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read sync status")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// TriggerNow handles POST /sync/now. While offline the trigger is accepted
// and satisfied by the next reconnect pass.
func (h *SyncHandler) TriggerNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.engine.Degraded() {
		writeError(w, http.StatusServiceUnavailable, "sync disabled after storage failure")
		return
	}

	h.engine.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// Dirty handles GET /sync/dirty?type=album[&local_id=...].
func (h *SyncHandler) Dirty(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entityType := models.EntityType(r.URL.Query().Get("type"))
	if !entityType.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown entity type")
		return
	}

	if localID := r.URL.Query().Get("local_id"); localID != "" {
		dirty, err := h.engine.IsDirty(r.Context(), entityType, localID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read dirty flag")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"dirty": dirty})
		return
	}

	entities, err := h.engine.ListDirty(r.Context(), entityType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dirty entities")
		return
	}
	if entities == nil {
		entities = []*models.CachedEntity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": entities})
}

// Failed handles GET /sync/failed.
func (h *SyncHandler) Failed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries, err := h.engine.ListFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list failed entries")
		return
	}
	if entries == nil {
		entries = []*models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// RetryFailed handles POST /sync/failed/retry with body {"id": N}.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var request struct {
		ID json.Number `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := strconv.ParseInt(request.ID.String(), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := h.engine.RetryFailedEntry(r.Context(), id); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no failed entry with that id")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to requeue entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// Conflicts handles GET /sync/conflicts.
func (h *SyncHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	logs, err := h.conflicts.ListConflicts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conflicts")
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": logs})
}
