// Package files manages the downloads directory: usage stats for the
// operator commands and scheduled removal of files older than a retention
// window.
package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// Stats summarizes the downloads directory.
type Stats struct {
	Files  int
	Bytes  int64
	Oldest time.Time
}

// HumanBytes renders the total size for chat output.
func (s Stats) HumanBytes() string { return humanize.Bytes(uint64(s.Bytes)) }

// CleanupResult reports one cleanup pass.
type CleanupResult struct {
	Removed int
	Freed   int64
}

func (r CleanupResult) HumanFreed() string { return humanize.Bytes(uint64(r.Freed)) }

// Manager owns the downloads directory.
type Manager struct {
	dir    string
	maxAge time.Duration
	log    logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

// NewManager creates the directory if needed. maxAge bounds how long
// finished artifacts may linger before the scheduled sweep removes them.
func NewManager(dir string, maxAge time.Duration, log logx.Logger) (*Manager, error) {
	if dir == "" {
		dir = "downloads"
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{dir: dir, maxAge: maxAge, log: log}, nil
}

// Dir returns the managed directory path.
func (m *Manager) Dir() string { return m.dir }

// FreeSpace reports the bytes available to unprivileged writes on the
// filesystem holding the downloads directory.
func (m *Manager) FreeSpace() (uint64, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(m.dir, &fs); err != nil {
		return 0, err
	}
	return fs.Bavail * uint64(fs.Bsize), nil
}

// Stats walks the directory and totals regular files.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // raced with a delete
		}
		st.Files++
		st.Bytes += info.Size()
		if st.Oldest.IsZero() || info.ModTime().Before(st.Oldest) {
			st.Oldest = info.ModTime()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return Stats{}, nil
	}
	return st, err
}

// Cleanup removes regular files older than maxAge. A zero maxAge uses the
// manager's configured retention; a negative one removes everything.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	if maxAge == 0 {
		maxAge = m.maxAge
	}
	cutoff := time.Now().Add(-maxAge)

	var res CleanupResult
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if rerr := os.Remove(path); rerr != nil {
			m.log.Warn("cleanup remove failed", logx.String("path", path), logx.Err(rerr))
			return nil
		}
		res.Removed++
		res.Freed += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	if res.Removed > 0 {
		m.log.Info("downloads cleanup",
			logx.Int("removed", res.Removed),
			logx.String("freed", res.HumanFreed()))
	}
	return res, err
}

// StartSchedule runs Cleanup on the given cron spec until Stop is called.
func (m *Manager) StartSchedule(ctx context.Context, spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := m.Cleanup(runCtx, 0); err != nil {
			m.log.Warn("scheduled cleanup failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", spec, err)
	}
	c.Start()
	m.c = c
	m.log.Info("cleanup scheduled", logx.String("spec", spec), logx.Duration("max_age", m.maxAge))
	return nil
}

// Stop halts the schedule and waits for any in-flight sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
