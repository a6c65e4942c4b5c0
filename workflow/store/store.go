// Package store provides durable persistence backends for workflow
// checkpoints.
//
// The executor serializes checkpoints to JSON before handing them to a
// store, so implementations only deal with opaque documents keyed by
// checkpoint ID. Backends included: in-memory (testing, single process),
// SQLite (local persistence, zero setup), MySQL (production).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested checkpoint ID does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// CheckpointStore persists checkpoint documents.
//
// Implementations must be safe for concurrent use: the executor may save
// checkpoints from the scheduling goroutine while callers list or load
// from others.
type CheckpointStore interface {
	// Save persists a checkpoint document under the given ID. Saving an
	// existing ID overwrites the previous document.
	Save(ctx context.Context, id string, data []byte, createdAt time.Time) error

	// Load retrieves a checkpoint document by ID. Returns ErrNotFound if
	// the ID does not exist.
	Load(ctx context.Context, id string) ([]byte, error)

	// List returns all stored checkpoint IDs ordered by creation time,
	// oldest first.
	List(ctx context.Context) ([]string, error)

	// Delete removes one checkpoint. Deleting a missing ID is not an error.
	Delete(ctx context.Context, id string) error

	// Clear removes every stored checkpoint.
	Clear(ctx context.Context) error
}
