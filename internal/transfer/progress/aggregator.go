// Package progress turns frequent per-task byte callbacks into throttled,
// smoothed snapshots fit for downstream consumption (message edits cost a
// remote call each, so emission is bounded per task).
package progress

import (
	"sync"
	"time"

	"github.com/gurveeer/TG-DL-BOT/internal/eventbus"
)

// Phase tags a snapshot with the transfer direction in flight.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
)

// Snapshot is an ephemeral progress view; recomputed every emission, never
// persisted. ETA is zero when unknown (no smoothed speed or unknown total).
type Snapshot struct {
	TaskID        string
	BatchID       string
	Phase         Phase
	BytesDone     int64
	BytesTotal    int64
	Speed         float64 // bytes/sec, instantaneous
	SmoothedSpeed float64 // bytes/sec, EWMA
	ETA           time.Duration
	At            time.Time
}

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (s Snapshot) Percent() int {
	if s.BytesTotal <= 0 {
		return -1
	}
	p := int(s.BytesDone * 100 / s.BytesTotal)
	if p > 100 {
		p = 100
	}
	return p
}

// Config controls emission throttling and smoothing.
type Config struct {
	// MinInterval is the floor between emissions for one task.
	MinInterval time.Duration
	// SmoothingFactor is the EWMA alpha in (0,1]; higher follows the
	// instantaneous speed more closely.
	SmoothingFactor float64
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 1500 * time.Millisecond
	}
	if c.SmoothingFactor <= 0 || c.SmoothingFactor > 1 {
		c.SmoothingFactor = 0.3
	}
	return c
}

type taskState struct {
	batchID string
	phase   Phase

	bytesDone  int64
	bytesTotal int64

	lastEmit   time.Time
	lastSample time.Time
	lastBytes  int64
	smoothed   float64
}

// Aggregator receives Report calls from workers and publishes throttled
// snapshots on the bus. One writer per task (the owning worker), so per-task
// state needs no finer locking than the aggregator map lock.
type Aggregator struct {
	cfg Config
	bus eventbus.Bus

	mu    sync.Mutex
	tasks map[string]*taskState

	now func() time.Time
}

func New(cfg Config, bus eventbus.Bus) *Aggregator {
	return &Aggregator{
		cfg:   cfg.withDefaults(),
		bus:   bus,
		tasks: map[string]*taskState{},
		now:   time.Now,
	}
}

// Start registers a task entering a transfer phase. Resets byte counters:
// download and upload phases each count from zero.
func (a *Aggregator) Start(taskID, batchID string, phase Phase, bytesTotal int64) {
	a.mu.Lock()
	a.tasks[taskID] = &taskState{
		batchID:    batchID,
		phase:      phase,
		bytesTotal: bytesTotal,
		lastSample: a.now(),
	}
	a.mu.Unlock()
}

// Report records byte progress for a task. bytes_done is clamped monotonic:
// a stale callback can never move progress backwards. Emits a snapshot on
// the bus at most once per MinInterval per task, plus always on completion.
func (a *Aggregator) Report(taskID string, bytesDone, bytesTotal int64) {
	a.mu.Lock()
	st := a.tasks[taskID]
	if st == nil {
		a.mu.Unlock()
		return
	}
	if bytesTotal > 0 {
		st.bytesTotal = bytesTotal
	}
	if bytesDone < st.bytesDone {
		bytesDone = st.bytesDone
	}
	st.bytesDone = bytesDone

	now := a.now()
	done := st.bytesTotal > 0 && st.bytesDone >= st.bytesTotal
	if !done && now.Sub(st.lastEmit) < a.cfg.MinInterval {
		a.mu.Unlock()
		return
	}

	// Instantaneous speed over the window since the last sample, folded
	// into the EWMA.
	var inst float64
	if dt := now.Sub(st.lastSample).Seconds(); dt > 0 {
		inst = float64(st.bytesDone-st.lastBytes) / dt
	}
	if st.smoothed == 0 {
		st.smoothed = inst
	} else {
		st.smoothed = a.cfg.SmoothingFactor*inst + (1-a.cfg.SmoothingFactor)*st.smoothed
	}
	st.lastSample = now
	st.lastBytes = st.bytesDone
	st.lastEmit = now

	snap := Snapshot{
		TaskID:        taskID,
		BatchID:       st.batchID,
		Phase:         st.phase,
		BytesDone:     st.bytesDone,
		BytesTotal:    st.bytesTotal,
		Speed:         inst,
		SmoothedSpeed: st.smoothed,
		At:            now,
	}
	if st.smoothed > 0 && st.bytesTotal > 0 && st.bytesDone < st.bytesTotal {
		snap.ETA = time.Duration(float64(st.bytesTotal-st.bytesDone) / st.smoothed * float64(time.Second))
	}
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Topic: eventbus.TopicTaskProgress, At: now, Data: snap})
	}
}

// Finish drops a task's accumulator once it reaches a terminal state.
func (a *Aggregator) Finish(taskID string) {
	a.mu.Lock()
	delete(a.tasks, taskID)
	a.mu.Unlock()
}
