package files

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "downloads"), 24*time.Hour, logx.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func writeAged(t *testing.T, m *Manager, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(m.Dir(), name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if age > 0 {
		old := time.Now().Add(-age)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
	return path
}

func TestNewManagerCreatesDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "a", "b", "downloads")
	m, err := NewManager(dir, 0, logx.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.Dir() != dir {
		t.Fatalf("Dir() = %q, want %q", m.Dir(), dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Files != 0 || st.Bytes != 0 {
		t.Fatalf("empty dir stats = %+v", st)
	}

	writeAged(t, m, "a.bin", 100, 0)
	writeAged(t, m, "b.bin", 250, 2*time.Hour)

	st, err = m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Files != 2 || st.Bytes != 350 {
		t.Fatalf("stats = %+v, want 2 files / 350 bytes", st)
	}
	if st.Oldest.After(time.Now().Add(-time.Hour)) {
		t.Fatalf("oldest = %v, want the aged file's mtime", st.Oldest)
	}
}

func TestCleanupRemovesOnlyStaleFiles(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	stale := writeAged(t, m, "stale.bin", 100, 48*time.Hour)
	fresh := writeAged(t, m, "fresh.bin", 50, 0)

	res, err := m.Cleanup(ctx, 0) // zero falls back to the 24h retention
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.Removed != 1 || res.Freed != 100 {
		t.Fatalf("result = %+v, want 1 removed / 100 freed", res)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file survived: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
}

func TestCleanupNegativeAgeRemovesEverything(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	writeAged(t, m, "a.bin", 10, 0)
	writeAged(t, m, "b.bin", 20, time.Hour)

	res, err := m.Cleanup(ctx, -time.Second)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.Removed != 2 || res.Freed != 30 {
		t.Fatalf("result = %+v, want everything removed", res)
	}
	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Files != 0 {
		t.Fatalf("%d files remain after full cleanup", st.Files)
	}
}

func TestFreeSpace(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	free, err := m.FreeSpace()
	if err != nil {
		t.Fatalf("FreeSpace: %v", err)
	}
	if free == 0 {
		t.Fatal("FreeSpace() = 0 on a writable filesystem")
	}
}

func TestCleanupHonorsContext(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	writeAged(t, m, "a.bin", 10, 48*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Cleanup(ctx, 0); err == nil {
		t.Fatal("Cleanup ignored a cancelled context")
	}
}

func TestStartScheduleRejectsBadSpec(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if err := m.StartSchedule(context.Background(), "not a cron spec"); err == nil {
		t.Fatal("bad cron spec accepted")
	}
	if err := m.StartSchedule(context.Background(), "0 * * * *"); err != nil {
		t.Fatalf("StartSchedule: %v", err)
	}
	// Second start is a no-op, and Stop is safe to call repeatedly.
	if err := m.StartSchedule(context.Background(), "0 * * * *"); err != nil {
		t.Fatalf("second StartSchedule: %v", err)
	}
	m.Stop()
	m.Stop()
}
