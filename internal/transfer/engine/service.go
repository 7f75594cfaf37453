// Package engine is the batch transfer engine: bounded download/upload
// worker domains pulling tasks in list order, a per-batch state machine with
// pause/resume/cancel, and progress/lifecycle events on the bus.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gurveeer/TG-DL-BOT/internal/eventbus"
	"github.com/gurveeer/TG-DL-BOT/internal/relay"
	"github.com/gurveeer/TG-DL-BOT/internal/runtime/supervisor"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/artifact"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/progress"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/retry"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// Config controls worker pool sizes and retry policy.
type Config struct {
	// MaxDownloads bounds concurrent fetches across all batches.
	MaxDownloads int
	// MaxUploads bounds concurrent sends; payloads are larger, so this
	// sits below MaxDownloads.
	MaxUploads int

	MaxAttempts int

	// SendWaitCap bounds a single announced cooldown for interactive sends.
	SendWaitCap time.Duration
	// TransferWaitCap bounds cooldowns for large media transfers.
	TransferWaitCap time.Duration

	// FetchTimeout bounds one fetch attempt end to end.
	FetchTimeout time.Duration

	// FailureRatio escalates a finished batch to Failed when
	// failed/total >= ratio. Zero keeps the default policy: prefer
	// Completed with per-task failure detail.
	FailureRatio float64
}

func (c Config) withDefaults() Config {
	if c.MaxDownloads <= 0 {
		c.MaxDownloads = 3
	}
	if c.MaxUploads <= 0 {
		c.MaxUploads = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SendWaitCap <= 0 {
		c.SendWaitCap = 60 * time.Second
	}
	if c.TransferWaitCap <= 0 {
		c.TransferWaitCap = 300 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 300 * time.Second
	}
	return c
}

// Store persists batch snapshots so unfinished work survives restarts.
// Implementations must tolerate frequent saves of the same batch.
type Store interface {
	SaveBatch(ctx context.Context, snap Snapshot) error
	LoadOpenBatches(ctx context.Context) ([]*Batch, error)
}

// batchRun is the runtime shell around one batch: its lock, control
// signals, and in-flight accounting.
type batchRun struct {
	b *Batch

	mu   sync.Mutex
	cond *sync.Cond // signaled on control changes and worker completion

	inflight   int
	cancelCh   chan struct{}
	cancelOnce sync.Once
	fatal      error
}

func newBatchRun(b *Batch) *batchRun {
	r := &batchRun{b: b, cancelCh: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *batchRun) snapshotLocked() Snapshot {
	tasks := make([]Task, len(r.b.Tasks))
	for i, t := range r.b.Tasks {
		tasks[i] = *t
	}
	return Snapshot{
		ID:         r.b.ID,
		Owner:      r.b.Owner,
		State:      r.b.State,
		Cursor:     r.b.Cursor,
		Stats:      r.b.stats(),
		Tasks:      tasks,
		CreatedAt:  r.b.CreatedAt,
		StartedAt:  r.b.StartedAt,
		FinishedAt: r.b.FinishedAt,
	}
}

// Service owns all batch jobs and the shared worker capacity.
type Service struct {
	cfg     Config
	fetcher relay.Fetcher
	sender  relay.Sender
	invoker *retry.Invoker
	guard   *artifact.Guard
	agg     *progress.Aggregator
	bus     eventbus.Bus
	store   Store
	log     logx.Logger

	downloadSem chan struct{}
	uploadSem   chan struct{}

	mu      sync.Mutex
	batches map[string]*batchRun
	byOwner map[int64]*batchRun

	sup *supervisor.Supervisor
}

func New(cfg Config, fetcher relay.Fetcher, sender relay.Sender, invoker *retry.Invoker,
	guard *artifact.Guard, agg *progress.Aggregator, bus eventbus.Bus, store Store, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		fetcher:     fetcher,
		sender:      sender,
		invoker:     invoker,
		guard:       guard,
		agg:         agg,
		bus:         bus,
		store:       store,
		log:         log,
		downloadSem: make(chan struct{}, cfg.MaxDownloads),
		uploadSem:   make(chan struct{}, cfg.MaxUploads),
		batches:     map[string]*batchRun{},
		byOwner:     map[int64]*batchRun{},
	}
}

// Start brings up the engine and rehydrates unfinished batches from the
// store, resuming each from its cursor.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	open, err := s.store.LoadOpenBatches(ctx)
	if err != nil {
		return fmt.Errorf("load open batches: %w", err)
	}
	for _, b := range open {
		if err := s.Rehydrate(b); err != nil {
			s.log.Warn("batch rehydration failed", logx.String("batch", b.ID), logx.Err(err))
		}
	}
	return nil
}

// Stop cancels all runners and waits up to timeout for workers to finish
// their current attempt.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	sup := s.sup
	runs := make([]*batchRun, 0, len(s.batches))
	for _, r := range s.batches {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	// Cancel first, then wake paused runners so they observe the dying
	// context instead of re-entering cond.Wait.
	sup.Cancel()
	for _, r := range runs {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	}
	return sup.Stop(timeout)
}

// StartBatch validates specs, creates the job, and begins dispatch.
// An owner may run one batch at a time.
func (s *Service) StartBatch(ctx context.Context, owner int64, specs []TaskSpec) (Snapshot, error) {
	if len(specs) < 1 {
		return Snapshot{}, relay.Validation(fmt.Errorf("batch is empty"))
	}
	if len(specs) > MaxBatchSize {
		return Snapshot{}, relay.Validation(fmt.Errorf("batch size %d exceeds limit of %d", len(specs), MaxBatchSize))
	}

	b := &Batch{
		ID:        uuid.NewString(),
		Owner:     owner,
		State:     BatchCreated,
		CreatedAt: time.Now(),
	}
	for i, spec := range specs {
		b.Tasks = append(b.Tasks, &Task{
			ID:     uuid.NewString(),
			Seq:    i,
			Source: spec.Source,
			Dest:   spec.Dest,
			Kind:   relay.MediaUnknown,
			Status: StatusPending,
		})
	}

	r, err := s.register(b)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	snap := r.snapshotLocked()
	r.mu.Unlock()
	s.persist(ctx, snap)

	s.spawn(r)
	return snap, nil
}

// StartSingle is the single-item mode: a batch of one.
func (s *Service) StartSingle(ctx context.Context, owner int64, spec TaskSpec) (Snapshot, error) {
	return s.StartBatch(ctx, owner, []TaskSpec{spec})
}

// Rehydrate accepts a persisted batch (possibly with terminal tasks before
// the cursor) and resumes dispatch from the cursor forward.
func (s *Service) Rehydrate(b *Batch) error {
	if len(b.Tasks) == 0 || len(b.Tasks) > MaxBatchSize {
		return relay.Validation(fmt.Errorf("rehydrated batch %s has invalid size %d", b.ID, len(b.Tasks)))
	}
	// Any task recorded mid-flight did not survive the restart; it goes
	// back to pending and the cursor rewinds to the first non-terminal.
	for _, t := range b.Tasks {
		if !t.Status.Terminal() {
			t.Status = StatusPending
		}
	}
	cur := len(b.Tasks)
	for i, t := range b.Tasks {
		if !t.Status.Terminal() {
			cur = i
			break
		}
	}
	b.Cursor = cur
	b.State = BatchCreated

	r, err := s.register(b)
	if err != nil {
		return err
	}
	s.spawn(r)
	s.log.Info("batch rehydrated",
		logx.String("batch", b.ID),
		logx.Int("cursor", b.Cursor),
		logx.Int("tasks", len(b.Tasks)))
	return nil
}

func (s *Service) register(b *Batch) (*batchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.byOwner[b.Owner]; prev != nil {
		prev.mu.Lock()
		active := !prev.b.State.Terminal()
		prev.mu.Unlock()
		if active {
			return nil, relay.Validation(fmt.Errorf("owner %d already has an active batch", b.Owner))
		}
		delete(s.batches, prev.b.ID)
	}
	r := newBatchRun(b)
	s.batches[b.ID] = r
	s.byOwner[b.Owner] = r
	return r, nil
}

func (s *Service) spawn(r *batchRun) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		// Engine not started; runner begins once Start is called. Treat as
		// a programming error in this codebase.
		s.log.Error("spawn before engine start", logx.String("batch", r.b.ID))
		return
	}
	sup.Go("batch."+r.b.ID, func(ctx context.Context) error {
		s.runBatch(ctx, r)
		return nil
	})
}

// Pause stops new dispatch; in-flight tasks finish their current attempt.
// Returns false (no-op) unless the batch is Running.
func (s *Service) Pause(batchID string) (bool, error) {
	r, err := s.get(batchID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.b.State != BatchRunning || r.cancelled() {
		return false, nil
	}
	r.b.State = BatchPaused
	r.cond.Broadcast()
	s.publish(eventbus.TopicBatchPaused, r.snapshotLocked(), nil)
	return true, nil
}

// Resume re-enters Running from Paused and continues from the cursor.
// Returns false (no-op) unless the batch is Paused.
func (s *Service) Resume(batchID string) (bool, error) {
	r, err := s.get(batchID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.b.State != BatchPaused || r.cancelled() {
		return false, nil
	}
	r.b.State = BatchRunning
	r.cond.Broadcast()
	s.publish(eventbus.TopicBatchResumed, r.snapshotLocked(), nil)
	return true, nil
}

// Cancel is terminal from Running or Paused: pending tasks are never
// dispatched, active workers abort at their next safe checkpoint. The batch
// stays in its current state until those workers have drained; the terminal
// Cancelled state is published once the runner quiesces.
func (s *Service) Cancel(batchID string) (bool, error) {
	r, err := s.get(batchID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.b.State != BatchRunning && r.b.State != BatchPaused {
		return false, nil
	}
	if r.cancelled() {
		return false, nil
	}
	r.cancelOnce.Do(func() { close(r.cancelCh) })
	r.cond.Broadcast()
	return true, nil
}

// Get returns a snapshot of the batch.
func (s *Service) Get(batchID string) (Snapshot, error) {
	r, err := s.get(batchID)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), nil
}

// ForOwner returns the owner's current batch, terminal or not.
func (s *Service) ForOwner(owner int64) (Snapshot, bool) {
	s.mu.Lock()
	r := s.byOwner[owner]
	s.mu.Unlock()
	if r == nil {
		return Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), true
}

// Snapshots returns every tracked batch, running or terminal, in no
// particular order.
func (s *Service) Snapshots() []Snapshot {
	s.mu.Lock()
	runs := make([]*batchRun, 0, len(s.batches))
	for _, r := range s.batches {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, r.snapshotLocked())
		r.mu.Unlock()
	}
	return out
}

// Forget drops a terminal batch from the owner's slot.
func (s *Service) Forget(owner int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.byOwner[owner]
	if r == nil {
		return false
	}
	r.mu.Lock()
	terminal := r.b.State.Terminal()
	r.mu.Unlock()
	if !terminal {
		return false
	}
	delete(s.byOwner, owner)
	delete(s.batches, r.b.ID)
	return true
}

func (s *Service) get(batchID string) (*batchRun, error) {
	s.mu.Lock()
	r := s.batches[batchID]
	s.mu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("unknown batch %q", batchID)
	}
	return r, nil
}

func (s *Service) publish(topic eventbus.Topic, snap Snapshot, err error) {
	if s.bus == nil {
		return
	}
	ev := BatchEvent{
		BatchID: snap.ID,
		Owner:   snap.Owner,
		State:   snap.State,
		Stats:   snap.Stats,
		Elapsed: snap.Elapsed(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Topic: topic, Data: ev})
}

func (s *Service) persist(ctx context.Context, snap Snapshot) {
	if s.store == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		// Terminal saves still matter during shutdown.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.store.SaveBatch(ctx, snap); err != nil {
		s.log.Warn("batch persist failed", logx.String("batch", snap.ID), logx.Err(err))
	}
}
