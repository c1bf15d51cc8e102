// Package remote talks to the Fernweh backend. The reconciler is its only
// caller; everything here is a thin, typed HTTP client whose error taxonomy
// drives the retry policy.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fernweh-app/fernweh-core/internal/models"
)

// Result is the server's authoritative view of an entity after a write.
type Result struct {
	RemoteID string          `json:"id"`
	Version  int64           `json:"version"`
	Payload  json.RawMessage `json:"payload"`
}

// Client is the remote write surface the reconciler dispatches against.
type Client interface {
	CreateEntity(ctx context.Context, entityType models.EntityType, payload json.RawMessage) (*Result, error)
	UpdateEntity(ctx context.Context, entityType models.EntityType, remoteID string, expectedVersion int64, payload json.RawMessage) (*Result, error)
	DeleteEntity(ctx context.Context, entityType models.EntityType, remoteID string) error
}

// ConflictError reports a version mismatch on update. The server's current
// state rides along so the reconciler can resolve without another round trip.
type ConflictError struct {
	ServerVersion int64
	ServerPayload json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote version conflict (server at v%d)", e.ServerVersion)
}

// NotFoundError reports that the remote entity no longer exists.
type NotFoundError struct {
	RemoteID string
}

func (e *NotFoundError) Error() string {
	return "remote entity not found: " + e.RemoteID
}

// ValidationError reports a request the server will never accept. Retrying it
// is pointless.
type ValidationError struct {
	Status int
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("remote rejected request (%d): %s", e.Status, e.Detail)
}

// TransportError reports a network-level or server-side failure worth
// retrying.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return "remote unreachable: " + e.Cause.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// IsConflict reports whether err is a version conflict and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsNotFound reports whether err means the remote entity is gone.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsPermanent reports whether err will never succeed on retry. Conflicts are
// handled separately and are not permanent in this sense.
func IsPermanent(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
