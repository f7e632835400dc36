// Package store defines the durable log store contract and a synchronous
// implementation on top of a pluggable low-level Engine. Callers needing
// the asynchronous access discipline use internal/telemetry/asyncstore,
// which wraps a *LogStore.
package store

import (
	"errors"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
)

// ErrNotFound is returned by Engine.ReadIndex/ReadAt when no entry exists.
var ErrNotFound = errors.New("store: not found")

// ErrCorrupted is returned when a persisted record fails integrity checks.
var ErrCorrupted = errors.New("store: corrupted entry")

// ErrNoPendingLogs is returned by LogStore.GetLogs when no unclaimed rows
// are available for the group.
var ErrNoPendingLogs = errors.New("store: no pending logs")

// Status is the lifecycle state of a persisted row.
type Status uint8

const (
	// StatusPending means the row is persisted and not claimed by any batch.
	StatusPending Status = iota
	// StatusClaimed means the row has been returned by GetLogs under an
	// open batch_id and is awaiting DeleteBatch or a restart-time release.
	StatusClaimed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// IndexEntry is the durable bookkeeping record for one persisted log.
type IndexEntry struct {
	Offset  int64
	Status  Status
	Group   string
	BatchID string
	// Seq is a monotone per-engine insertion counter used to recover FIFO
	// order for a group after a restart (offsets alone aren't enough once
	// compaction has rewritten them).
	Seq uint64
}

// Engine is the low-level durable storage contract: append-only log bodies
// plus an index of lifecycle state, keyed by log id.
type Engine interface {
	// Append writes log to the body log and returns its byte offset.
	// WriteIndex must be called afterward to make the row visible.
	Append(log *telemetry.Log) (offset int64, err error)
	// ReadAt reads and decodes the log body written at offset.
	ReadAt(offset int64) (*telemetry.Log, error)
	// WriteIndex upserts the index entry for id.
	WriteIndex(id string, entry IndexEntry) error
	// ReadIndex retrieves the index entry for id, or ErrNotFound.
	ReadIndex(id string) (IndexEntry, error)
	// DeleteIndex removes the index entry for id permanently.
	DeleteIndex(id string) error
	// ForEach calls fn for every index entry. Used for startup recovery.
	ForEach(fn func(id string, entry IndexEntry) error) error
	// Close releases underlying resources.
	Close() error
}
