package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gurveeer/TG-DL-BOT/internal/eventbus"
	"github.com/gurveeer/TG-DL-BOT/internal/relay"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/progress"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/retry"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// runBatch is the per-batch dispatcher. It pulls tasks in list order,
// blocks on the shared download capacity, and hands each task to its own
// worker goroutine. Completion order is up to the workers.
func (s *Service) runBatch(ctx context.Context, r *batchRun) {
	r.mu.Lock()
	if r.b.State == BatchCreated {
		r.b.State = BatchRunning
		r.b.StartedAt = time.Now()
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()
	s.publish(eventbus.TopicBatchStarted, snap, nil)
	s.persist(ctx, snap)

	s.log.Info("batch started",
		logx.String("batch", r.b.ID),
		logx.Int64("owner", r.b.Owner),
		logx.Int("tasks", len(snap.Tasks)),
		logx.Int("cursor", snap.Cursor))

dispatch:
	for {
		r.mu.Lock()
		for r.b.State == BatchPaused && !r.cancelled() && ctx.Err() == nil {
			r.cond.Wait()
		}
		if r.cancelled() || r.fatal != nil || ctx.Err() != nil {
			r.mu.Unlock()
			break dispatch
		}
		if r.b.Cursor >= len(r.b.Tasks) {
			r.mu.Unlock()
			break dispatch
		}
		t := r.b.Tasks[r.b.Cursor]
		r.b.Cursor++
		r.inflight++
		r.mu.Unlock()

		// The download domain is bounded here, before the worker exists,
		// which keeps dispatch strictly FIFO.
		select {
		case s.downloadSem <- struct{}{}:
		case <-r.cancelCh:
			r.undispatch()
			break dispatch
		case <-ctx.Done():
			r.undispatch()
			break dispatch
		}

		// The capacity wait can outlive a control change. Re-check before
		// the worker exists so a pause or cancel issued during the wait
		// never starts this task.
		r.mu.Lock()
		if r.cancelled() || r.fatal != nil || ctx.Err() != nil {
			r.inflight--
			r.cond.Broadcast()
			r.mu.Unlock()
			<-s.downloadSem
			break dispatch
		}
		if r.b.State == BatchPaused {
			// Hand the task back; it re-dispatches on resume.
			r.b.Cursor--
			r.inflight--
			r.cond.Broadcast()
			r.mu.Unlock()
			<-s.downloadSem
			continue
		}
		r.mu.Unlock()

		task := t
		s.sup.Go("task."+task.ID, func(ctx context.Context) error {
			s.runTask(ctx, r, task)
			return nil
		})
	}

	// Quiesce: in-flight workers finish their current attempt, never
	// aborted mid-call.
	r.mu.Lock()
	for r.inflight > 0 {
		r.cond.Wait()
	}
	s.finishLocked(ctx, r)
}

// undispatch returns an inflight slot that never reached a worker.
func (r *batchRun) undispatch() {
	r.mu.Lock()
	r.inflight--
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *batchRun) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// finishLocked resolves the batch's terminal state. Called with r.mu held;
// releases it.
func (s *Service) finishLocked(ctx context.Context, r *batchRun) {
	if ctx.Err() != nil && !r.cancelled() && r.fatal == nil {
		// Process shutdown, not an operator decision: leave the batch
		// non-terminal and persist so it rehydrates on the next start.
		snap := r.snapshotLocked()
		r.mu.Unlock()
		s.persist(ctx, snap)
		return
	}

	var topic eventbus.Topic
	var ferr error
	switch {
	case r.fatal != nil:
		r.b.State = BatchFailed
		s.skipPendingLocked(r, "batch failed: "+r.fatal.Error())
		topic, ferr = eventbus.TopicBatchFailed, r.fatal
	case r.cancelled():
		// The terminal state lands only now, with every worker drained.
		r.b.State = BatchCancelled
		s.skipPendingLocked(r, "cancelled")
		topic = eventbus.TopicBatchCancelled
	default:
		st := r.b.stats()
		if s.cfg.FailureRatio > 0 && st.Total > 0 &&
			float64(st.Failed)/float64(st.Total) >= s.cfg.FailureRatio {
			r.b.State = BatchFailed
			topic = eventbus.TopicBatchFailed
		} else {
			r.b.State = BatchCompleted
			topic = eventbus.TopicBatchCompleted
		}
	}
	r.b.FinishedAt = time.Now()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	s.publish(topic, snap, ferr)
	s.persist(ctx, snap)
	s.log.Info("batch finished",
		logx.String("batch", snap.ID),
		logx.String("state", string(snap.State)),
		logx.Int("done", snap.Stats.Done),
		logx.Int("failed", snap.Stats.Failed),
		logx.Int("skipped", snap.Stats.Skipped),
		logx.Duration("elapsed", snap.Elapsed()))
}

func (s *Service) skipPendingLocked(r *batchRun, reason string) {
	for _, t := range r.b.Tasks {
		if t.Status == StatusPending {
			t.Status = StatusSkipped
			t.LastError = reason
		}
	}
}

// runTask drives one task through fetch then send. The caller has already
// debited a download slot; it is released once the fetch returns.
func (s *Service) runTask(ctx context.Context, r *batchRun, t *Task) {
	defer func() {
		r.mu.Lock()
		r.inflight--
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	art := s.guard.Acquire(t.ID)
	defer art.Release()
	defer s.agg.Finish(t.ID)
	defer func() {
		// A panicking worker still leaves its task in a terminal state; the
		// supervisor logs the stack after the re-panic.
		if p := recover(); p != nil {
			s.failTask(ctx, r, t, fmt.Errorf("task worker panicked: %v", p))
			panic(p)
		}
	}()

	r.mu.Lock()
	t.Status = StatusDownloading
	batchID := r.b.ID
	r.mu.Unlock()
	s.agg.Start(t.ID, batchID, progress.PhaseDownload, 0)

	// The dispatcher debited a download slot for this task. Release it the
	// moment the fetch phase is over, but also on any panic unwinding, or
	// the slot would be lost for the life of the process.
	downloadHeld := true
	releaseDownload := func() {
		if downloadHeld {
			downloadHeld = false
			<-s.downloadSem
		}
	}
	defer releaseDownload()

	var fetched relay.Fetched
	fetchPol := retry.Policy{MaxAttempts: s.cfg.MaxAttempts, WaitCap: s.cfg.TransferWaitCap, Stop: r.cancelCh}
	attempts, err := s.invoker.Invoke(ctx, t.Dest.Key(), fetchPol, func(ctx context.Context) error {
		if s.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()
		}
		f, ferr := s.fetcher.Fetch(ctx, t.Source, art.Path(), func(done, total int64) {
			s.trackBytes(r, t, done, total)
		})
		if ferr == nil {
			fetched = f
		}
		return ferr
	})
	releaseDownload()
	s.recordAttempts(r, t, attempts)

	if err != nil {
		if errors.Is(err, retry.ErrStopped) {
			s.skipTask(ctx, r, t, "cancelled")
			return
		}
		if ctx.Err() != nil {
			return // shutdown; the task rehydrates as pending
		}
		s.failTask(ctx, r, t, err)
		return
	}

	r.mu.Lock()
	t.Kind = fetched.Kind
	if fetched.Size > 0 {
		t.BytesTotal = fetched.Size
	}
	r.mu.Unlock()

	// Safe checkpoint: cancellation is observed between calls only.
	if r.cancelled() {
		s.skipTask(ctx, r, t, "cancelled")
		return
	}

	select {
	case s.uploadSem <- struct{}{}:
	case <-r.cancelCh:
		s.skipTask(ctx, r, t, "cancelled")
		return
	case <-ctx.Done():
		return
	}
	defer func() { <-s.uploadSem }()

	r.mu.Lock()
	t.Status = StatusUploading
	r.mu.Unlock()
	s.agg.Start(t.ID, batchID, progress.PhaseUpload, fetched.Size)

	sendPol := retry.Policy{MaxAttempts: s.cfg.MaxAttempts, WaitCap: s.cfg.TransferWaitCap, Stop: r.cancelCh}
	if fetched.Kind == relay.MediaText {
		sendPol.WaitCap = s.cfg.SendWaitCap
	}
	var delivered relay.Delivered
	attempts, err = s.invoker.Invoke(ctx, t.Dest.Key(), sendPol, func(ctx context.Context) error {
		d, serr := s.sender.Send(ctx, t.Dest, fetched, func(done, total int64) {
			s.trackBytes(r, t, done, total)
		})
		if serr == nil {
			delivered = d
		}
		return serr
	})
	s.recordAttempts(r, t, attempts)

	if err != nil {
		if errors.Is(err, retry.ErrStopped) {
			s.skipTask(ctx, r, t, "cancelled")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if relay.IsBatchFatal(err) {
			r.mu.Lock()
			if r.fatal == nil {
				r.fatal = err
			}
			r.cond.Broadcast()
			r.mu.Unlock()
		}
		s.failTask(ctx, r, t, err)
		return
	}

	r.mu.Lock()
	t.Status = StatusDone
	t.Delivered = delivered
	if t.BytesTotal > 0 && t.BytesDone < t.BytesTotal {
		t.BytesDone = t.BytesTotal
	}
	ev := taskEvent(batchID, t)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicTaskDone, Data: ev})
	}
	s.persist(ctx, snap)
}

// recordAttempts folds one invocation's attempt count into the task.
// Fetch and send are separate invocations; the task records the larger of
// the two so attempt_count stays monotonic and within the configured bound.
func (s *Service) recordAttempts(r *batchRun, t *Task, attempts int) {
	r.mu.Lock()
	if attempts > t.Attempts {
		t.Attempts = attempts
	}
	r.mu.Unlock()
}

func (s *Service) failTask(ctx context.Context, r *batchRun, t *Task, err error) {
	class, _ := relay.Classify(err)
	r.mu.Lock()
	t.Status = StatusFailed
	t.LastError = truncate(err.Error(), 500)
	t.ErrorClass = class.String()
	ev := taskEvent(r.b.ID, t)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	s.log.Warn("task failed",
		logx.String("batch", ev.BatchID),
		logx.String("task", t.ID),
		logx.Int("seq", t.Seq),
		logx.String("class", ev.ErrorClass),
		logx.Err(err))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicTaskFailed, Data: ev})
	}
	s.persist(ctx, snap)
}

func (s *Service) skipTask(ctx context.Context, r *batchRun, t *Task, reason string) {
	r.mu.Lock()
	t.Status = StatusSkipped
	t.LastError = reason
	snap := r.snapshotLocked()
	r.mu.Unlock()
	s.persist(ctx, snap)
}

func (s *Service) trackBytes(r *batchRun, t *Task, done, total int64) {
	r.mu.Lock()
	if total > 0 {
		t.BytesTotal = total
	}
	if done > t.BytesDone {
		t.BytesDone = done
	}
	r.mu.Unlock()
	s.agg.Report(t.ID, done, total)
}

func taskEvent(batchID string, t *Task) TaskEvent {
	return TaskEvent{
		BatchID:    batchID,
		TaskID:     t.ID,
		Seq:        t.Seq,
		Status:     t.Status,
		Kind:       t.Kind,
		Attempts:   t.Attempts,
		Error:      t.LastError,
		ErrorClass: t.ErrorClass,
		Delivered:  t.Delivered,
	}
}

func truncate(s string, maxN int) string {
	if len(s) <= maxN {
		return s
	}
	return s[:maxN-3] + "..."
}
