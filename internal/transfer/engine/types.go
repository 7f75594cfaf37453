package engine

import (
	"time"

	"github.com/gurveeer/TG-DL-BOT/internal/relay"
)

// MaxBatchSize is the hard cap on tasks per batch.
const MaxBatchSize = 300

// Status is the lifecycle of one transfer task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusUploading   Status = "uploading"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// BatchState is the lifecycle of a batch job.
type BatchState string

const (
	BatchCreated   BatchState = "created"
	BatchRunning   BatchState = "running"
	BatchPaused    BatchState = "paused"
	BatchCompleted BatchState = "completed"
	BatchCancelled BatchState = "cancelled"
	BatchFailed    BatchState = "failed"
)

// Terminal reports whether the batch can no longer change state.
func (s BatchState) Terminal() bool {
	return s == BatchCompleted || s == BatchCancelled || s == BatchFailed
}

// TaskSpec is the caller-facing description of one transfer.
type TaskSpec struct {
	Source relay.SourceRef
	Dest   relay.DestRef
}

// Task is one source-to-destination transfer unit within a batch.
//
// Ownership: while active, a task is mutated only by the worker that holds
// it (under the batch lock); otherwise it belongs to the batch's task list.
type Task struct {
	ID         string
	Seq        int
	Source     relay.SourceRef
	Dest       relay.DestRef
	Kind       relay.MediaKind
	Status     Status
	Attempts   int
	LastError  string
	ErrorClass string

	BytesTotal int64
	BytesDone  int64

	Delivered relay.Delivered
}

// Batch is an ordered, bounded collection of tasks under one lifecycle.
//
// Invariants:
//   - 1 <= len(Tasks) <= MaxBatchSize
//   - Cursor points at the next task eligible for dispatch; tasks before it
//     are terminal or in-flight. It rewinds only when the dispatcher hands a
//     committed task back on pause, or on rehydration after a restart.
type Batch struct {
	ID         string
	Owner      int64
	Tasks      []*Task
	Cursor     int
	State      BatchState
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Stats aggregates terminal task counts for summaries.
type Stats struct {
	Total   int
	Done    int
	Failed  int
	Skipped int
	Pending int
	Active  int
	Bytes   int64
}

func (b *Batch) stats() Stats {
	st := Stats{Total: len(b.Tasks)}
	for _, t := range b.Tasks {
		switch t.Status {
		case StatusDone:
			st.Done++
			st.Bytes += t.BytesTotal
		case StatusFailed:
			st.Failed++
		case StatusSkipped:
			st.Skipped++
		case StatusPending:
			st.Pending++
		default:
			st.Active++
		}
	}
	return st
}

// Snapshot is a point-in-time copy of a batch for status queries and events.
type Snapshot struct {
	ID         string
	Owner      int64
	State      BatchState
	Cursor     int
	Stats      Stats
	Tasks      []Task
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Elapsed is the wall-clock batch duration so far (or final, once finished).
func (s Snapshot) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// TaskEvent is published on the event bus when a task reaches a terminal
// state.
type TaskEvent struct {
	BatchID    string
	TaskID     string
	Seq        int
	Status     Status
	Kind       relay.MediaKind
	Attempts   int
	Error      string
	ErrorClass string
	Delivered  relay.Delivered
}

// BatchEvent is published on the event bus for batch lifecycle transitions.
type BatchEvent struct {
	BatchID string
	Owner   int64
	State   BatchState
	Stats   Stats
	Elapsed time.Duration
	Error   string
}
