package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gurveeer/TG-DL-BOT/internal/relay"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/engine"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveBatch upserts the batch row and every task row in one transaction.
// Batches are small (<= 300 tasks); a full rewrite per save keeps the
// write path simple and crash-consistent.
func (s *sqliteStore) SaveBatch(ctx context.Context, snap engine.Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches(id, owner, state, cursor, created_at, started_at, finished_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   state=excluded.state, cursor=excluded.cursor,
		   started_at=excluded.started_at, finished_at=excluded.finished_at,
		   updated_at=excluded.updated_at`,
		snap.ID, snap.Owner, string(snap.State), snap.Cursor,
		fmtTime(snap.CreatedAt), nullTime(snap.StartedAt), nullTime(snap.FinishedAt),
		fmtTime(time.Now()),
	)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks(id, batch_id, seq, source_chat, source_msg_id, source_private,
		                   dest_chat_id, kind, status, attempts, last_error, error_class,
		                   bytes_total, bytes_done, delivered_msg_id)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind=excluded.kind, status=excluded.status, attempts=excluded.attempts,
		   last_error=excluded.last_error, error_class=excluded.error_class,
		   bytes_total=excluded.bytes_total, bytes_done=excluded.bytes_done,
		   delivered_msg_id=excluded.delivered_msg_id`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range snap.Tasks {
		t := &snap.Tasks[i]
		_, err = stmt.ExecContext(ctx,
			t.ID, snap.ID, t.Seq, t.Source.Chat, t.Source.MessageID, boolInt(t.Source.Private),
			t.Dest.ChatID, string(t.Kind), string(t.Status), t.Attempts,
			nullStr(t.LastError), nullStr(t.ErrorClass),
			t.BytesTotal, t.BytesDone, t.Delivered.MessageID,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadOpenBatches returns every non-terminal batch with its tasks in seq
// order, ready for rehydration.
func (s *sqliteStore) LoadOpenBatches(ctx context.Context) ([]*engine.Batch, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, state, cursor, created_at, started_at, finished_at
		 FROM batches WHERE state IN ('created','running','paused')
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*engine.Batch
	for rows.Next() {
		var b engine.Batch
		var state, createdAt string
		var startedAt, finishedAt sql.NullString
		if err := rows.Scan(&b.ID, &b.Owner, &state, &b.Cursor, &createdAt, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		b.State = engine.BatchState(state)
		b.CreatedAt = parseTime(createdAt)
		if startedAt.Valid {
			b.StartedAt = parseTime(startedAt.String)
		}
		if finishedAt.Valid {
			b.FinishedAt = parseTime(finishedAt.String)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, b := range out {
		if err := s.loadTasks(ctx, b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) loadTasks(ctx context.Context, b *engine.Batch) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, source_chat, source_msg_id, source_private, dest_chat_id,
		        kind, status, attempts, last_error, error_class,
		        bytes_total, bytes_done, delivered_msg_id
		 FROM tasks WHERE batch_id = ? ORDER BY seq`, b.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var t engine.Task
		var private int
		var kind, status string
		var lastErr, errClass sql.NullString
		if err := rows.Scan(&t.ID, &t.Seq, &t.Source.Chat, &t.Source.MessageID, &private,
			&t.Dest.ChatID, &kind, &status, &t.Attempts, &lastErr, &errClass,
			&t.BytesTotal, &t.BytesDone, &t.Delivered.MessageID); err != nil {
			return err
		}
		t.Source.Private = private != 0
		t.Kind = relay.MediaKind(kind)
		t.Status = engine.Status(status)
		t.LastError = lastErr.String
		t.ErrorClass = errClass.String
		t.Delivered.ChatID = t.Dest.ChatID
		b.Tasks = append(b.Tasks, &t)
	}
	return rows.Err()
}

func (s *sqliteStore) DeleteBatch(ctx context.Context, batchID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, batchID)
	return err
}

// PruneTerminal removes finished batches older than the given age.
func (s *sqliteStore) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	cutoff := fmtTime(time.Now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM batches WHERE state IN ('completed','cancelled','failed') AND updated_at < ?`,
		cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
