package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gurveeer/TG-DL-BOT/internal/relay"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/engine"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "bot.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleSnapshot(id string, state engine.BatchState) engine.Snapshot {
	now := time.Now().Truncate(time.Second)
	return engine.Snapshot{
		ID:        id,
		Owner:     42,
		State:     state,
		Cursor:    1,
		CreatedAt: now,
		StartedAt: now,
		Tasks: []engine.Task{
			{
				ID:         id + "-t0",
				Seq:        0,
				Source:     relay.SourceRef{Chat: "channel", MessageID: 100},
				Dest:       relay.DestRef{ChatID: 7},
				Kind:       relay.MediaVideo,
				Status:     engine.StatusDone,
				Attempts:   2,
				BytesTotal: 2048,
				BytesDone:  2048,
				Delivered:  relay.Delivered{ChatID: 7, MessageID: 555},
			},
			{
				ID:         id + "-t1",
				Seq:        1,
				Source:     relay.SourceRef{Chat: "123456789", MessageID: 101, Private: true},
				Dest:       relay.DestRef{ChatID: 7},
				Status:     engine.StatusFailed,
				Attempts:   3,
				LastError:  "upstream said no",
				ErrorClass: "transient",
			},
			{
				ID:     id + "-t2",
				Seq:    2,
				Source: relay.SourceRef{Chat: "channel", MessageID: 102},
				Dest:   relay.DestRef{ChatID: 7},
				Status: engine.StatusPending,
			},
		},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store, want nil", driver)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	want := sampleSnapshot("batch-1", engine.BatchRunning)
	if err := st.SaveBatch(ctx, want); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	open, err := st.LoadOpenBatches(ctx)
	if err != nil {
		t.Fatalf("LoadOpenBatches: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("loaded %d batches, want 1", len(open))
	}
	got := open[0]
	if got.ID != want.ID || got.Owner != want.Owner || got.State != want.State || got.Cursor != want.Cursor {
		t.Fatalf("batch header = %+v", got)
	}
	if len(got.Tasks) != 3 {
		t.Fatalf("loaded %d tasks, want 3", len(got.Tasks))
	}
	for i, task := range got.Tasks {
		w := want.Tasks[i]
		if task.ID != w.ID || task.Seq != w.Seq {
			t.Fatalf("task %d identity = %s/%d, want %s/%d", i, task.ID, task.Seq, w.ID, w.Seq)
		}
		if task.Source != w.Source || task.Dest != w.Dest {
			t.Fatalf("task %d refs = %+v/%+v", i, task.Source, task.Dest)
		}
		if task.Status != w.Status || task.Attempts != w.Attempts {
			t.Fatalf("task %d state = %s/%d, want %s/%d", i, task.Status, task.Attempts, w.Status, w.Attempts)
		}
		if task.LastError != w.LastError || task.ErrorClass != w.ErrorClass {
			t.Fatalf("task %d error = %q/%q", i, task.LastError, task.ErrorClass)
		}
		if task.BytesTotal != w.BytesTotal || task.BytesDone != w.BytesDone {
			t.Fatalf("task %d bytes = %d/%d", i, task.BytesDone, task.BytesTotal)
		}
		if task.Delivered.MessageID != w.Delivered.MessageID {
			t.Fatalf("task %d delivered = %+v", i, task.Delivered)
		}
	}
}

func TestSaveBatchUpsertsInPlace(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("batch-up", engine.BatchRunning)
	if err := st.SaveBatch(ctx, snap); err != nil {
		t.Fatalf("first save: %v", err)
	}

	snap.Cursor = 3
	snap.Tasks[2].Status = engine.StatusDone
	snap.Tasks[2].Attempts = 1
	snap.Tasks[2].Delivered = relay.Delivered{ChatID: 7, MessageID: 556}
	if err := st.SaveBatch(ctx, snap); err != nil {
		t.Fatalf("second save: %v", err)
	}

	open, err := st.LoadOpenBatches(ctx)
	if err != nil {
		t.Fatalf("LoadOpenBatches: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("loaded %d batches, want 1 (no duplicate rows)", len(open))
	}
	got := open[0]
	if got.Cursor != 3 {
		t.Fatalf("cursor = %d, want 3", got.Cursor)
	}
	if got.Tasks[2].Status != engine.StatusDone || got.Tasks[2].Delivered.MessageID != 556 {
		t.Fatalf("task 2 after upsert = %+v", got.Tasks[2])
	}
}

func TestLoadSkipsTerminalBatches(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id    string
		state engine.BatchState
	}{
		{"b-running", engine.BatchRunning},
		{"b-paused", engine.BatchPaused},
		{"b-done", engine.BatchCompleted},
		{"b-cancelled", engine.BatchCancelled},
		{"b-failed", engine.BatchFailed},
	} {
		if err := st.SaveBatch(ctx, sampleSnapshot(tc.id, tc.state)); err != nil {
			t.Fatalf("SaveBatch(%s): %v", tc.id, err)
		}
	}

	open, err := st.LoadOpenBatches(ctx)
	if err != nil {
		t.Fatalf("LoadOpenBatches: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("loaded %d batches, want the 2 non-terminal ones", len(open))
	}
	for _, b := range open {
		if b.State.Terminal() {
			t.Fatalf("loaded terminal batch %s (%s)", b.ID, b.State)
		}
	}
}

func TestDeleteBatchCascades(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.SaveBatch(ctx, sampleSnapshot("batch-del", engine.BatchRunning)); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	if err := st.DeleteBatch(ctx, "batch-del"); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	open, err := st.LoadOpenBatches(ctx)
	if err != nil {
		t.Fatalf("LoadOpenBatches: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("batch survived deletion: %v", open[0].ID)
	}
	// Deleting a batch that never existed is not an error.
	if err := st.DeleteBatch(ctx, "no-such-batch"); err != nil {
		t.Fatalf("DeleteBatch(missing): %v", err)
	}
}

func TestPruneTerminalHonorsAge(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.SaveBatch(ctx, sampleSnapshot("b-old-done", engine.BatchCompleted)); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	if err := st.SaveBatch(ctx, sampleSnapshot("b-open", engine.BatchRunning)); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	// Rows were just written, so a 1h retention prunes nothing.
	n, err := st.PruneTerminal(ctx, time.Hour)
	if err != nil {
		t.Fatalf("PruneTerminal: %v", err)
	}
	if n != 0 {
		t.Fatalf("pruned %d fresh batches, want 0", n)
	}

	// A negative age puts the cutoff in the future: every terminal batch
	// qualifies, open ones never do.
	n, err = st.PruneTerminal(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("PruneTerminal: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d batches, want 1", n)
	}
	open, err := st.LoadOpenBatches(ctx)
	if err != nil {
		t.Fatalf("LoadOpenBatches: %v", err)
	}
	if len(open) != 1 || open[0].ID != "b-open" {
		t.Fatalf("open batches after prune = %v", open)
	}
}
