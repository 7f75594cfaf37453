package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := NewGuard(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return g
}

func TestReleaseRemovesFile(t *testing.T) {
	t.Parallel()
	g := newTestGuard(t)
	a := g.Acquire("task-1")
	if err := os.WriteFile(a.Path(), []byte("partial"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	a.Release()
	if _, err := os.Stat(a.Path()); !os.IsNotExist(err) {
		t.Fatalf("artifact still present after Release: %v", err)
	}
}

func TestReleaseIdempotentAndMissingFileOK(t *testing.T) {
	t.Parallel()
	g := newTestGuard(t)
	a := g.Acquire("task-1")

	// Never created; double release must be silent.
	a.Release()
	a.Release()
}

func TestAcquireSanitizesTaskID(t *testing.T) {
	t.Parallel()
	g := newTestGuard(t)
	a := g.Acquire(`../../etc/passwd<>:"|?*`)

	rel, err := filepath.Rel(g.Dir(), a.Path())
	if err != nil || strings.HasPrefix(rel, "..") {
		t.Fatalf("artifact path %q escapes the downloads dir", a.Path())
	}
	if !strings.HasSuffix(a.Path(), ".part") {
		t.Fatalf("artifact path %q missing .part suffix", a.Path())
	}
}

func TestAcquireUniquePerTask(t *testing.T) {
	t.Parallel()
	g := newTestGuard(t)
	if g.Acquire("a").Path() == g.Acquire("b").Path() {
		t.Fatal("different tasks share an artifact path")
	}
}

func TestSweepRemovesOnlyStaleParts(t *testing.T) {
	t.Parallel()
	g := newTestGuard(t)

	stale := filepath.Join(g.Dir(), "old.part")
	fresh := filepath.Join(g.Dir(), "new.part")
	keep := filepath.Join(g.Dir(), "done.mp4")
	for _, p := range []string{stale, fresh, keep} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if removed := g.Sweep(24 * time.Hour); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale part survived sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh part removed: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("non-part file removed: %v", err)
	}
}
