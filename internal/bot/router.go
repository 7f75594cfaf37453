// Package bot is the Telegram command front end: command routing, the
// conversational batch setup flow, and live status message updates fed from
// the transfer event bus.
package bot

import (
	"context"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/gurveeer/TG-DL-BOT/internal/eventbus"
	"github.com/gurveeer/TG-DL-BOT/internal/files"
	rtsup "github.com/gurveeer/TG-DL-BOT/internal/runtime/supervisor"
	"github.com/gurveeer/TG-DL-BOT/internal/speed"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/engine"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// Config carries router settings.
type Config struct {
	// Owners restricts commands to these user IDs; empty allows everyone.
	Owners []int64
	// CleanupMaxAge is the retention used by /cleanup.
	CleanupMaxAge time.Duration
	Version       string
}

// Router owns the bot's update loop and all command handlers.
type Router struct {
	bot *tele.Bot
	eng *engine.Service
	fm  *files.Manager
	spd *speed.Runner
	bus eventbus.Bus
	log logx.Logger
	cfg Config

	sessions *sessionStore
	sink     *progressSink
	started  time.Time

	runMu   sync.Mutex
	sup     *rtsup.Supervisor
	running bool
}

func New(b *tele.Bot, eng *engine.Service, fm *files.Manager, spd *speed.Runner, bus eventbus.Bus, cfg Config, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.CleanupMaxAge <= 0 {
		cfg.CleanupMaxAge = 24 * time.Hour
	}
	r := &Router{
		bot:      b,
		eng:      eng,
		fm:       fm,
		spd:      spd,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		sessions: newSessionStore(),
		started:  time.Now(),
	}
	r.sink = newProgressSink(b, eng, log.With(logx.String("comp", "bot.progress")))
	r.register()
	return r
}

func (r *Router) register() {
	r.bot.Handle("/start", r.guard(r.handleStart))
	r.bot.Handle("/help", r.guard(r.handleHelp))
	r.bot.Handle("/download", r.guard(r.handleDownload))
	r.bot.Handle("/batch", r.guard(r.handleBatch))
	r.bot.Handle("/batch_status", r.guard(r.handleBatchStatus))
	r.bot.Handle("/batch_pause", r.guard(r.handleBatchPause))
	r.bot.Handle("/batch_resume", r.guard(r.handleBatchResume))
	r.bot.Handle("/batch_cancel", r.guard(r.handleBatchCancel))
	r.bot.Handle("/cancel", r.guard(r.handleCancel))
	r.bot.Handle("/stats", r.guard(r.handleStats))
	r.bot.Handle("/cleanup", r.guard(r.handleCleanup))
	r.bot.Handle("/speed", r.guard(r.handleSpeed))
	r.bot.Handle(tele.OnText, r.guard(r.handleText))
}

// guard drops updates from non-owners when an owner list is configured.
func (r *Router) guard(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if len(r.cfg.Owners) > 0 {
			from := c.Sender()
			if from == nil || !r.isOwner(from.ID) {
				r.log.Debug("update from non-owner ignored", logx.Int64("from", senderID(c)))
				return nil
			}
		}
		return next(c)
	}
}

func (r *Router) isOwner(id int64) bool {
	for _, o := range r.cfg.Owners {
		if o == id {
			return true
		}
	}
	return false
}

func senderID(c tele.Context) int64 {
	if s := c.Sender(); s != nil {
		return s.ID
	}
	return 0
}

// Start begins long polling and the progress sink. It returns immediately;
// the loops run under the router's supervisor.
func (r *Router) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log.With(logx.String("comp", "bot"))))

	r.sup.Go("bot.progress_sink", func(c context.Context) error {
		return r.sink.run(c, r.bus)
	})
	r.sup.Go("bot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		r.bot.Stop()
		return nil
	})
	r.sup.Go("bot.poll", func(c context.Context) error {
		r.log.Info("polling started")
		r.bot.Start()
		r.log.Info("polling stopped")
		return nil
	})
	return nil
}

// Stop halts polling and waits for in-flight handlers.
func (r *Router) Stop(timeout time.Duration) error {
	r.runMu.Lock()
	sup := r.sup
	r.sup = nil
	wasRunning := r.running
	r.running = false
	r.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Stop(timeout)
}

// spawn runs fn under the supervisor, or on a plain goroutine when the
// router has not been started (tests).
func (r *Router) spawn(name string, fn func(ctx context.Context) error) {
	r.runMu.Lock()
	sup := r.sup
	r.runMu.Unlock()
	if sup == nil {
		go func() { _ = fn(context.Background()) }()
		return
	}
	sup.Go(name, fn)
}

// ctx returns the lifecycle context handlers should use for engine calls.
func (r *Router) ctx() context.Context {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.sup != nil {
		return r.sup.Context()
	}
	return context.Background()
}
