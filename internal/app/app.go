// Package app wires the process together: configuration, logging, storage,
// the transfer engine, the Telegram front end, and the health server, with
// one Start/Stop lifecycle over all of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	tele "gopkg.in/telebot.v4"

	"github.com/gurveeer/TG-DL-BOT/internal/bot"
	"github.com/gurveeer/TG-DL-BOT/internal/config"
	"github.com/gurveeer/TG-DL-BOT/internal/eventbus"
	"github.com/gurveeer/TG-DL-BOT/internal/files"
	"github.com/gurveeer/TG-DL-BOT/internal/relay/telegram"
	"github.com/gurveeer/TG-DL-BOT/internal/server"
	"github.com/gurveeer/TG-DL-BOT/internal/speed"
	"github.com/gurveeer/TG-DL-BOT/internal/storage"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/artifact"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/engine"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/progress"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/ratelimit"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/retry"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// Version is stamped into status surfaces. Overridable via -ldflags.
var Version = "dev"

// App owns every long-lived component.
type App struct {
	cfgPath string
	cfg     *config.Config

	logSvc *logx.Service
	log    logx.Logger

	store  storage.Store
	bus    eventbus.Bus
	fm     *files.Manager
	guard  *artifact.Guard
	eng    *engine.Service
	router *bot.Router
	srv    *server.Server

	fileMaxAge time.Duration
}

// New builds the full dependency graph but starts nothing.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	log = log.With(logx.String("svc", "tg-dl-bot"))

	a := &App{cfgPath: cfgPath, cfg: cfg, logSvc: logSvc, log: log}
	if err := a.build(); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	fileMaxAge, err := config.ParseDurationOrDefault("files.max_age", cfg.Files.MaxAge, 24*time.Hour)
	if err != nil {
		return err
	}
	a.fileMaxAge = fileMaxAge
	fm, err := files.NewManager(cfg.Transfer.DownloadsDir, fileMaxAge, a.log.With(logx.String("comp", "files")))
	if err != nil {
		return err
	}
	a.fm = fm

	guard, err := artifact.NewGuard(cfg.Transfer.DownloadsDir, a.log.With(logx.String("comp", "artifact")))
	if err != nil {
		return err
	}
	a.guard = guard

	a.bus = eventbus.New()
	limiter := ratelimit.New(ratelimit.Config{
		Rate:  cfg.Transfer.RateLimitRate,
		Burst: cfg.Transfer.RateLimitBurst,
	})
	invoker := retry.New(limiter, a.log.With(logx.String("comp", "retry")))
	agg := progress.New(progress.Config{}, a.bus)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Telegram.Token,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
	})
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}

	staging := cfg.Telegram.StagingChatID
	if staging == 0 && len(cfg.Telegram.OwnerUserIDs) > 0 {
		staging = cfg.Telegram.OwnerUserIDs[0]
	}
	if staging == 0 {
		return errors.New("telegram.staging_chat_id or telegram.owner_user_ids is required")
	}
	client, err := telegram.New(tb, staging, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}

	sendWaitCap, err := config.ParseDurationOrDefault("transfer.send_wait_cap", cfg.Transfer.SendWaitCap, 60*time.Second)
	if err != nil {
		return err
	}
	transferWaitCap, err := config.ParseDurationOrDefault("transfer.transfer_wait_cap", cfg.Transfer.TransferWaitCap, 300*time.Second)
	if err != nil {
		return err
	}
	fetchTimeout, err := config.ParseDurationOrDefault("transfer.fetch_timeout", cfg.Transfer.FetchTimeout, 300*time.Second)
	if err != nil {
		return err
	}

	var engStore engine.Store
	if store != nil {
		engStore = store
	}
	a.eng = engine.New(engine.Config{
		MaxDownloads:    cfg.Transfer.MaxDownloads,
		MaxUploads:      cfg.Transfer.MaxUploads,
		MaxAttempts:     cfg.Transfer.MaxAttempts,
		SendWaitCap:     sendWaitCap,
		TransferWaitCap: transferWaitCap,
		FetchTimeout:    fetchTimeout,
		FailureRatio:    cfg.Transfer.FailureRatio,
	}, client, client, invoker, guard, agg, a.bus, engStore, a.log.With(logx.String("comp", "engine")))

	spd := speed.NewRunner(90*time.Second, a.log.With(logx.String("comp", "speed")))
	a.router = bot.New(tb, a.eng, fm, spd, a.bus, bot.Config{
		Owners:        cfg.Telegram.OwnerUserIDs,
		CleanupMaxAge: fileMaxAge,
		Version:       Version,
	}, a.log.With(logx.String("comp", "bot")))

	if cfg.Server.Enabled {
		a.srv = server.New(server.Config{Port: cfg.Server.Port, Version: Version},
			a.eng, fm, a.log.With(logx.String("comp", "server")))
	}
	return nil
}

// Start brings every component up. Rehydrated batches resume immediately.
func (a *App) Start(ctx context.Context) error {
	if removed := a.guard.Sweep(a.fileMaxAge); removed > 0 {
		a.log.Info("stale partial artifacts removed", logx.Int("count", removed))
	}
	if err := a.eng.Start(ctx); err != nil {
		return err
	}
	if err := a.router.Start(ctx); err != nil {
		return err
	}
	if a.srv != nil {
		a.srv.Start()
	}
	if a.cfg.Files.CleanupSchedule != "" {
		if err := a.fm.StartSchedule(ctx, a.cfg.Files.CleanupSchedule); err != nil {
			return err
		}
	}

	// Log config hot reload: only the logging section is live-applied;
	// everything else needs a restart.
	go func() {
		err := config.Watch(ctx, a.cfgPath, a.log.With(logx.String("comp", "config")), func(next *config.Config) {
			a.logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File:    logx.FileConfig{Enabled: next.Logging.File.Enabled, Path: next.Logging.File.Path},
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("started", logx.String("version", Version))
	return nil
}

// Stop tears components down in reverse dependency order.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(a.router.Stop(5 * time.Second))
	keep(a.eng.Stop(15 * time.Second))
	if a.srv != nil {
		keep(a.srv.Stop(ctx))
	}
	a.fm.Stop()
	if a.store != nil {
		keep(a.store.Close())
	}
	a.log.Info("stopped")
	keep(a.logSvc.Close())
	return firstErr
}
