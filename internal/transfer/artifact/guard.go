// Package artifact scopes the temporary file a task downloads into, and
// guarantees its removal on every exit path.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// Guard hands out per-task artifact slots under one downloads directory.
type Guard struct {
	dir string
	log logx.Logger
}

func NewGuard(dir string, log logx.Logger) (*Guard, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "./downloads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{dir: dir, log: log}, nil
}

func (g *Guard) Dir() string { return g.dir }

// Artifact is one task's local temporary file. Release is idempotent and
// safe to defer on every path, including cancellation.
type Artifact struct {
	path string
	log  logx.Logger

	once sync.Once
}

// Acquire reserves a unique path for a task's artifact. The file itself is
// created by the fetcher; Acquire only guarantees a collision-free name.
func (g *Guard) Acquire(taskID string) *Artifact {
	name := sanitizeFilename(taskID)
	path := filepath.Join(g.dir, name+".part")
	return &Artifact{path: path, log: g.log}
}

func (a *Artifact) Path() string { return a.path }

// Release deletes the artifact. Called from a defer in the worker, it runs
// on success, exhausted retries, fatal failure, and cancellation alike.
func (a *Artifact) Release() {
	a.once.Do(func() {
		err := os.Remove(a.path)
		if err != nil && !os.IsNotExist(err) {
			a.log.Warn("artifact cleanup failed", logx.String("path", a.path), logx.Err(err))
		}
	})
}

// Sweep removes leftover partial artifacts older than maxAge, covering
// process crashes where Release never ran. Returns the number removed.
func (g *Guard) Sweep(maxAge time.Duration) int {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		g.log.Warn("artifact sweep failed", logx.Err(err))
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if maxAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(g.dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		g.log.Info("swept stale artifacts", logx.Int("count", removed))
	}
	return removed
}

// sanitizeFilename strips characters that are unsafe in filenames.
func sanitizeFilename(s string) string {
	const invalid = `<>:"/\|?*`
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(invalid, r) || r < 0x20 {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		out = "artifact"
	}
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}
