// Package kvstore implements the transactional key-value store that
// spec.md §1 treats as an external collaborator ("the embedded key-value
// store, treated abstractly as a transactional KV with atomic write, read,
// delete"). It is implemented here — not merely stubbed — because the
// Update State Engine's crash safety (spec.md §4.5, Testable Property 6)
// is load-bearing and the retrieval pack already supplies the right idiom:
// a small Backend interface selected by a config string, grounded on the
// teacher's internal/leaderelection package (file_backend.go, redis_backend.go),
// repurposed from "who holds leadership" to "who holds the write transaction".
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetValue (and by a transaction's Get) when the
// key is absent.
var ErrNotFound = errors.New("kvstore: key not found")

// Tx is a single read or write transaction. Transactions are non-nesting
// (spec.md §5): both backends serialize Write calls with a mutex, so a
// second Write waits until the open one finishes. Nothing is rejected; a
// Write started from inside a running Write's fn blocks forever.
type Tx interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Store is the process-wide KV instance. Every install/commit/rollback
// operation of the Update State Engine wraps its mutations in a single
// Write transaction (spec.md §5); reads of individual keys may use Read or
// the convenience GetValue.
type Store interface {
	// Read runs fn under a read-only transaction.
	Read(ctx context.Context, fn func(Tx) error) error
	// Write runs fn under an exclusive write transaction. If fn returns an
	// error, no mutation made by fn is retained.
	Write(ctx context.Context, fn func(Tx) error) error
	// GetValue is sugar for a single-key Read.
	GetValue(ctx context.Context, key string) ([]byte, error)
	// Close releases backend resources (open file handles, Redis client).
	Close() error
}

// Well-known keys, per spec.md §6 "Persisted state layout".
const (
	StandaloneStateKey = "standalone-state"
	ArtifactNameKey    = "artifact-name"
	ArtifactGroupKey   = "artifact-group"
	ControlMapCacheKey = "control-map-cache"
	// ActiveDeploymentIDKey remembers which server-side deployment the
	// current (or just-completed) standalone-state belongs to, so the
	// updater daemon can report status on it across a reboot even though
	// Update State Engine's own StateData has no notion of a deployment ID
	// (spec.md keeps the Update State Engine and Deployment Client as
	// separate components; this key is the cmd-level glue between them).
	ActiveDeploymentIDKey = "active-deployment-id"
	// ProvidesKeyPrefix namespaces one entry per artifact-provides key, e.g.
	// ProvidesKeyPrefix+"rootfs-image.checksum".
	ProvidesKeyPrefix = "provides."
)
