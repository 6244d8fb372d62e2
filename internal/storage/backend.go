// Package storage implements the four pluggable storage backends (spec
// §4.3): in-memory, snapshot-JSON, snapshot-binary, and an append-only
// log. All four share the Backend contract; Compactor and Clearer are
// optional capabilities a concrete backend may additionally implement,
// the idiomatic Go rendering of the spec's duck-typed storage interface
// (spec §9).
package storage

import (
	"context"

	"github.com/kartikbazzad/lmcs/internal/walfmt"
)

// Backend is the contract every storage variant implements.
type Backend interface {
	// Initialize opens or creates backing state. No other method may be
	// called before Initialize returns successfully.
	Initialize(ctx context.Context) error

	// Append persists one entry in strict insertion order. May buffer.
	Append(ctx context.Context, entry *walfmt.LogEntry) error

	// ReadStream produces entries in write order. The returned channel
	// is closed when the stream is exhausted; restart by calling
	// ReadStream again.
	ReadStream(ctx context.Context) (<-chan StreamItem, error)

	// Flush guarantees all prior Append calls are durable on return (a
	// no-op for MemoryStorage).
	Flush(ctx context.Context) error

	// Close flushes and releases resources. The backend is unusable
	// afterwards.
	Close(ctx context.Context) error
}

// Compactor is implemented by backends that can collapse history into
// current state (MemoryStorage, JSONStorage, BinaryStorage, AOLStorage).
type Compactor interface {
	Compact(ctx context.Context) error
}

// Clearer is implemented by backends that can discard all entries.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Sizer is implemented by backends with an on-disk footprint worth
// reporting (everything but MemoryStorage). Database.Stats uses it to
// fill in WALSize.
type Sizer interface {
	Size() (int64, error)
}

// StreamItem is one element of a ReadStream: either a decoded entry or a
// non-fatal error (AOLStorage reports a data entry whose checksum did not
// verify this way; malformed lines are skipped with a warning and yield no
// item).
type StreamItem struct {
	Entry *walfmt.LogEntry
	Err   error
}
