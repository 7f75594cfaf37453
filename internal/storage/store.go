// Package storage persists batch jobs so unfinished transfers survive a
// process restart. The engine saves snapshots on every meaningful
// transition and loads non-terminal batches back at startup.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gurveeer/TG-DL-BOT/internal/transfer/engine"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled and the engine runs
// purely in memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite; 0 means default
}

// Store is the persistence API consumed by the engine plus housekeeping.
type Store interface {
	engine.Store
	DeleteBatch(ctx context.Context, batchID string) error
	PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
