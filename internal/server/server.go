// Package server exposes the HTTP health surface: liveness, transfer
// metrics, and a human-readable status page for hosting platforms that probe
// a port.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/gurveeer/TG-DL-BOT/internal/files"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/engine"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// Engine is the slice of the transfer engine the server reads from.
type Engine interface {
	Snapshots() []engine.Snapshot
}

// Server serves the health endpoints on its own listener.
type Server struct {
	cfg     Config
	eng     Engine
	fm      *files.Manager
	log     logx.Logger
	started time.Time

	http *http.Server
}

// Config carries the listen settings.
type Config struct {
	Port    int
	Version string
}

func New(cfg Config, eng Engine, fm *files.Manager, log logx.Logger) *Server {
	if cfg.Port <= 0 {
		cfg.Port = 3000
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, eng: eng, fm: fm, log: log, started: time.Now()}
}

// Start begins serving in a background goroutine. Listen errors other than
// graceful close are logged, not returned; the bot keeps running without the
// health surface.
func (s *Server) Start() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	// The surface is GET-only and read-only, so cross-origin reads are fine.
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Next()
	})

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/status", s.handleStatus)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("health server listening", logx.Int("port", s.cfg.Port))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("health server failed", logx.Err(err))
		}
	}()
}

// Stop shuts the listener down, waiting up to the context deadline for
// in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "tg-dl-bot",
		"version": s.cfg.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	var (
		active, terminal int
		stats            engine.Stats
	)
	if s.eng != nil {
		for _, snap := range s.eng.Snapshots() {
			if snap.State.Terminal() {
				terminal++
			} else {
				active++
			}
			stats.Total += snap.Stats.Total
			stats.Done += snap.Stats.Done
			stats.Failed += snap.Stats.Failed
			stats.Skipped += snap.Stats.Skipped
			stats.Pending += snap.Stats.Pending
			stats.Active += snap.Stats.Active
			stats.Bytes += snap.Stats.Bytes
		}
	}
	out := gin.H{
		"batches_active":    active,
		"batches_terminal":  terminal,
		"tasks_total":       stats.Total,
		"tasks_done":        stats.Done,
		"tasks_failed":      stats.Failed,
		"tasks_skipped":     stats.Skipped,
		"tasks_pending":     stats.Pending,
		"tasks_in_flight":   stats.Active,
		"bytes_transferred": stats.Bytes,
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
	}
	if s.fm != nil {
		if fs, err := s.fm.Stats(c.Request.Context()); err == nil {
			out["downloads_files"] = fs.Files
			out["downloads_bytes"] = fs.Bytes
		}
		if free, err := s.fm.FreeSpace(); err == nil {
			out["disk_free_bytes"] = free
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStatus(c *gin.Context) {
	type batchView struct {
		ID      string `json:"id"`
		State   string `json:"state"`
		Total   int    `json:"total"`
		Done    int    `json:"done"`
		Failed  int    `json:"failed"`
		Bytes   string `json:"bytes"`
		Elapsed string `json:"elapsed"`
	}
	var views []batchView
	if s.eng != nil {
		for _, snap := range s.eng.Snapshots() {
			views = append(views, batchView{
				ID:      snap.ID,
				State:   string(snap.State),
				Total:   snap.Stats.Total,
				Done:    snap.Stats.Done,
				Failed:  snap.Stats.Failed,
				Bytes:   humanize.Bytes(uint64(snap.Stats.Bytes)),
				Elapsed: snap.Elapsed().Round(time.Second).String(),
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"service": "tg-dl-bot",
		"version": s.cfg.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"batches": views,
	})
}
