// ABOUTME: Store interfaces and data types for harbor persistence
// ABOUTME: Defines Snapshot, OutboxEntry, record types and the Store interface

package store

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Snapshot is one captured response for a request fingerprint: status,
// headers, body and the time it was taken from the network.
type Snapshot struct {
	Status     int
	Header     http.Header
	Body       []byte
	CapturedAt time.Time
}

// OutboxEntry is a write request that failed against the network and is
// queued for replay. IDs are assigned on enqueue and increase monotonically.
type OutboxEntry struct {
	ID           int64
	Method       string
	URL          string
	Header       http.Header
	Body         []byte
	EnqueuedAt   time.Time
	Attempts     int
	Poisoned     bool
	PoisonReason string
}

// MoodRecord is a locally held mood entry, keyed by calendar date (YYYY-MM-DD).
type MoodRecord struct {
	Date       string
	Value      int
	Note       string
	RecordedAt time.Time
	Synced     bool
}

// ProgressRecord tracks completion of one audio session, keyed by session id.
type ProgressRecord struct {
	SessionID      string
	CompletedSteps int
	TotalSteps     int
	UpdatedAt      time.Time
	Synced         bool
}

// PartitionStore persists response snapshots in named cache partitions.
// Partitions are created lazily on first put. Puts are last-write-wins.
type PartitionStore interface {
	GetSnapshot(ctx context.Context, partition, fingerprint string) (*Snapshot, error)
	PutSnapshot(ctx context.Context, partition, fingerprint string, snap *Snapshot) error
	ListPartitions(ctx context.Context) ([]string, error)
	PartitionCounts(ctx context.Context) (map[string]int, error)
	// DeletePartitionsExcept removes every partition whose name is not in keep
	// and returns the names that were deleted.
	DeletePartitionsExcept(ctx context.Context, keep []string) ([]string, error)
	ClearPartitions(ctx context.Context) error
}

// OutboxStore persists the ordered queue of pending write requests.
type OutboxStore interface {
	Enqueue(ctx context.Context, entry *OutboxEntry) (int64, error)
	// ListPending returns unpoisoned entries in enqueue order.
	ListPending(ctx context.Context) ([]*OutboxEntry, error)
	ListPoisoned(ctx context.Context) ([]*OutboxEntry, error)
	RemoveEntry(ctx context.Context, id int64) error
	RecordAttempt(ctx context.Context, id int64) error
	MarkPoisoned(ctx context.Context, id int64, reason string) error
	OutboxDepth(ctx context.Context) (int, error)
	ClearOutbox(ctx context.Context) error
}

// RecordStore persists the durable local collections the sync channels and
// notification triggers read: mood entries and session progress.
type RecordStore interface {
	PutMood(ctx context.Context, rec *MoodRecord) error
	MoodForDate(ctx context.Context, date string) (*MoodRecord, error)
	// ListMoodSince returns records with Date >= since, oldest first.
	ListMoodSince(ctx context.Context, since string) ([]*MoodRecord, error)
	ListUnsyncedMood(ctx context.Context) ([]*MoodRecord, error)
	MarkMoodSynced(ctx context.Context, dates []string) error

	PutProgress(ctx context.Context, rec *ProgressRecord) error
	ListUnsyncedProgress(ctx context.Context) ([]*ProgressRecord, error)
	MarkProgressSynced(ctx context.Context, sessionIDs []string) error

	ClearRecords(ctx context.Context) error
}

// Store is the complete persistence interface for the engine.
type Store interface {
	PartitionStore
	OutboxStore
	RecordStore

	Close() error
}
