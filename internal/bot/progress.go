package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	tele "gopkg.in/telebot.v4"

	"github.com/gurveeer/TG-DL-BOT/internal/eventbus"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/engine"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/progress"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// minEditInterval throttles edits of one status message. The aggregator
// throttles per task; a batch can have several tasks in flight at once.
const minEditInterval = 2 * time.Second

const barBlocks = 20

// statusRef points at the Telegram message a batch's progress is rendered
// into.
type statusRef struct {
	chat     int64
	msg      int
	lastEdit time.Time
}

// progressSink subscribes to transfer events and keeps one status message
// per batch up to date.
type progressSink struct {
	bot *tele.Bot
	eng *engine.Service
	log logx.Logger

	mu      sync.Mutex
	byBatch map[string]*statusRef
}

func newProgressSink(b *tele.Bot, eng *engine.Service, log logx.Logger) *progressSink {
	return &progressSink{bot: b, eng: eng, log: log, byBatch: make(map[string]*statusRef)}
}

// track binds a batch to the status message its progress is edited into.
func (p *progressSink) track(batchID string, chat int64, msgID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byBatch[batchID] = &statusRef{chat: chat, msg: msgID}
}

func (p *progressSink) run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(128,
		eventbus.TopicTaskProgress,
		eventbus.TopicBatchPaused, eventbus.TopicBatchResumed,
		eventbus.TopicBatchCompleted, eventbus.TopicBatchCancelled, eventbus.TopicBatchFailed)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			switch ev.Topic {
			case eventbus.TopicTaskProgress:
				if snap, ok := ev.Data.(progress.Snapshot); ok {
					p.onProgress(snap)
				}
			case eventbus.TopicBatchPaused, eventbus.TopicBatchResumed:
				if be, ok := ev.Data.(engine.BatchEvent); ok {
					p.onStateChange(be)
				}
			case eventbus.TopicBatchCompleted, eventbus.TopicBatchCancelled, eventbus.TopicBatchFailed:
				if be, ok := ev.Data.(engine.BatchEvent); ok {
					p.onFinished(be)
				}
			}
		}
	}
}

func (p *progressSink) onProgress(snap progress.Snapshot) {
	ref := p.claim(snap.BatchID, false)
	if ref == nil {
		return
	}
	batch, err := p.eng.Get(snap.BatchID)
	if err != nil {
		return
	}
	p.edit(ref, renderProgress(batch, snap))
}

func (p *progressSink) onStateChange(be engine.BatchEvent) {
	ref := p.claim(be.BatchID, true)
	if ref == nil {
		return
	}
	verb := "⏸ <b>Batch paused</b>"
	if be.State == engine.BatchRunning {
		verb = "▶️ <b>Batch resumed</b>"
	}
	done := be.Stats.Done + be.Stats.Failed + be.Stats.Skipped
	p.edit(ref, fmt.Sprintf("%s\n\nProgress: %d/%d", verb, done, be.Stats.Total))
}

func (p *progressSink) onFinished(be engine.BatchEvent) {
	ref := p.claim(be.BatchID, true)
	if ref == nil {
		return
	}
	p.edit(ref, renderSummary(be))
	p.mu.Lock()
	delete(p.byBatch, be.BatchID)
	p.mu.Unlock()
}

// claim returns the batch's status ref if an edit is due. Lifecycle events
// bypass the throttle.
func (p *progressSink) claim(batchID string, force bool) *statusRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := p.byBatch[batchID]
	if ref == nil {
		return nil
	}
	if !force && time.Since(ref.lastEdit) < minEditInterval {
		return nil
	}
	ref.lastEdit = time.Now()
	return ref
}

func (p *progressSink) edit(ref *statusRef, text string) {
	target := tele.StoredMessage{MessageID: strconv.Itoa(ref.msg), ChatID: ref.chat}
	if _, err := p.bot.Edit(target, text, tele.ModeHTML); err != nil {
		// "message is not modified" and friends are routine here.
		p.log.Debug("status edit failed", logx.Int64("chat", ref.chat), logx.Err(err))
	}
}

func renderProgress(batch engine.Snapshot, snap progress.Snapshot) string {
	var b strings.Builder
	verb := "📥 <b>Downloading</b>"
	if snap.Phase == progress.PhaseUpload {
		verb = "📤 <b>Uploading</b>"
	}
	done := batch.Stats.Done + batch.Stats.Failed + batch.Stats.Skipped
	fmt.Fprintf(&b, "%s task %d/%d\n\n", verb, min(done+1, batch.Stats.Total), batch.Stats.Total)

	if pct := snap.Percent(); pct >= 0 {
		fmt.Fprintf(&b, "<code>%s</code> %d%%\n", renderBar(pct), pct)
		fmt.Fprintf(&b, "📦 %s / %s\n", humanize.Bytes(uint64(snap.BytesDone)), humanize.Bytes(uint64(snap.BytesTotal)))
	} else {
		fmt.Fprintf(&b, "📦 %s\n", humanize.Bytes(uint64(snap.BytesDone)))
	}
	if snap.SmoothedSpeed > 0 {
		fmt.Fprintf(&b, "🚀 %s/s", humanize.Bytes(uint64(snap.SmoothedSpeed)))
		if snap.ETA > 0 {
			fmt.Fprintf(&b, " • ETA %s", snap.ETA.Round(time.Second))
		}
		b.WriteString("\n")
	}
	if batch.Stats.Failed > 0 {
		fmt.Fprintf(&b, "\n⚠️ %d failed so far", batch.Stats.Failed)
	}
	return b.String()
}

func renderSummary(be engine.BatchEvent) string {
	var head string
	switch be.State {
	case engine.BatchCompleted:
		head = "✅ <b>Batch completed</b>"
	case engine.BatchCancelled:
		head = "🛑 <b>Batch cancelled</b>"
	default:
		head = "❌ <b>Batch failed</b>"
	}
	var b strings.Builder
	b.WriteString(head + "\n\n")
	fmt.Fprintf(&b, "Done: %d • Failed: %d • Skipped: %d\n", be.Stats.Done, be.Stats.Failed, be.Stats.Skipped)
	fmt.Fprintf(&b, "Transferred: %s in %s", humanize.Bytes(uint64(be.Stats.Bytes)), be.Elapsed.Round(time.Second))
	if be.Error != "" {
		fmt.Fprintf(&b, "\n\n%s", be.Error)
	}
	return b.String()
}

func renderBar(pct int) string {
	filled := pct * barBlocks / 100
	if filled > barBlocks {
		filled = barBlocks
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", barBlocks-filled)
}
