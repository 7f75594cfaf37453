package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tele "gopkg.in/telebot.v4"

	"github.com/gurveeer/TG-DL-BOT/internal/relay"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/engine"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

const startText = `👋 <b>Media Relay Bot</b>

Send me a message link and I will copy its content here.

<b>Quick commands:</b>
/download &lt;link&gt; - copy a single message
/batch - copy a sequential range of messages
/help - all commands`

const helpText = `<b>Commands</b>

<b>Basic:</b>
/start - start the bot
/help - this message
/speed - run a network speed test
/stats - transfer and disk statistics
/cleanup - remove old downloaded files

<b>Download:</b>
/download &lt;link&gt; - copy a single message
Sending a bare link works too.

<b>Batch:</b>
/batch - start a batch (guided setup)
/batch_status - progress of the current batch
/batch_pause - pause the current batch
/batch_resume - resume a paused batch
/batch_cancel - cancel the current batch

<b>General:</b>
/cancel - abort the current setup

<b>Link formats:</b>
https://t.me/channel/123 (public)
https://t.me/c/123456/789 (private)`

func (r *Router) handleStart(c tele.Context) error {
	return c.Send(startText, tele.ModeHTML)
}

func (r *Router) handleHelp(c tele.Context) error {
	return c.Send(helpText, tele.ModeHTML)
}

func (r *Router) handleDownload(c tele.Context) error {
	link := strings.TrimSpace(c.Message().Payload)
	if link == "" {
		return c.Send("Usage: <code>/download https://t.me/channel/123</code>", tele.ModeHTML)
	}
	return r.startSingle(c, link)
}

func (r *Router) startSingle(c tele.Context, link string) error {
	ref, err := ParseLink(link)
	if err != nil {
		return c.Send("❌ <b>Invalid link</b>\n\nSupported formats:\nhttps://t.me/channel/123\nhttps://t.me/c/123456/789", tele.ModeHTML)
	}
	spec := engine.TaskSpec{Source: ref, Dest: destOf(c)}
	snap, err := r.eng.StartSingle(r.ctx(), senderID(c), spec)
	if err != nil {
		return c.Send("⚠️ "+err.Error()+"\n\nUse /batch_status or /batch_cancel for the running batch.", tele.ModeHTML)
	}
	status, err := c.Bot().Send(c.Recipient(), "⬇️ <b>Queued</b>", tele.ModeHTML)
	if err == nil {
		r.sink.track(snap.ID, status.Chat.ID, status.ID)
	}
	r.log.Info("single transfer queued",
		logx.String("batch", snap.ID),
		logx.String("chat", ref.Chat),
		logx.Int("message_id", ref.MessageID))
	return nil
}

func (r *Router) handleBatch(c tele.Context) error {
	user := senderID(c)
	if snap, ok := r.eng.ForOwner(user); ok && !snap.State.Terminal() {
		return c.Send(fmt.Sprintf(
			"⚠️ <b>Batch already running</b>\n\nProgress: %d/%d\nState: %s\n\nUse /batch_status or /batch_cancel.",
			snap.Stats.Done+snap.Stats.Failed+snap.Stats.Skipped, snap.Stats.Total, snap.State), tele.ModeHTML)
	}
	r.sessions.begin(user)
	return c.Send(`📦 <b>Batch setup</b>

Step 1: send the <b>first message link</b> to start from.

Formats:
https://t.me/channel/123 (public)
https://t.me/c/123456/789 (private)

Messages are copied sequentially from that point.
Send /cancel to abort.`, tele.ModeHTML)
}

func (r *Router) handleText(c tele.Context) error {
	user := senderID(c)
	text := strings.TrimSpace(c.Text())

	if sess := r.sessions.get(user); sess != nil {
		switch sess.step {
		case stepBatchLink:
			return r.batchLinkStep(c, text)
		case stepBatchCount:
			return r.batchCountStep(c, sess, text)
		}
	}

	if strings.Contains(text, "t.me/") {
		return r.startSingle(c, text)
	}
	return c.Send("Send a message link to copy it, or /help for commands.")
}

func (r *Router) batchLinkStep(c tele.Context, text string) error {
	ref, err := ParseLink(text)
	if err != nil {
		return c.Send("❌ <b>Invalid link</b>\n\nSend a valid message link, or /cancel to abort.", tele.ModeHTML)
	}
	r.sessions.advance(senderID(c), ref)
	kind := "public"
	if ref.Private {
		kind = "private"
	}
	return c.Send(fmt.Sprintf(`✅ <b>Link accepted</b>

Channel: %s (%s)
Starting from: message %d

Step 2: how many messages? (1-%d)

Send /cancel to abort.`, ref.Chat, kind, ref.MessageID, engine.MaxBatchSize), tele.ModeHTML)
}

func (r *Router) batchCountStep(c tele.Context, sess *session, text string) error {
	count, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return c.Send(fmt.Sprintf("❌ Send a number between 1 and %d, or /cancel to abort.", engine.MaxBatchSize))
	}
	if count < 1 || count > engine.MaxBatchSize {
		return c.Send(fmt.Sprintf("❌ Out of range. Send a number between 1 and %d.", engine.MaxBatchSize))
	}

	user := senderID(c)
	dest := destOf(c)
	specs := make([]engine.TaskSpec, count)
	for i := 0; i < count; i++ {
		src := sess.start
		src.MessageID += i
		specs[i] = engine.TaskSpec{Source: src, Dest: dest}
	}
	r.sessions.clear(user)

	snap, err := r.eng.StartBatch(r.ctx(), user, specs)
	if err != nil {
		return c.Send("❌ <b>Batch start failed</b>\n\n"+err.Error(), tele.ModeHTML)
	}
	status, serr := c.Bot().Send(c.Recipient(), fmt.Sprintf(
		"🚀 <b>Batch started</b>\n\nMessages: %d\nFrom: message %d\n\n/batch_status /batch_pause /batch_cancel",
		count, sess.start.MessageID), tele.ModeHTML)
	if serr == nil {
		r.sink.track(snap.ID, status.Chat.ID, status.ID)
	}
	r.log.Info("batch queued",
		logx.String("batch", snap.ID),
		logx.Int64("owner", user),
		logx.Int("count", count))
	return nil
}

func (r *Router) handleBatchStatus(c tele.Context) error {
	snap, ok := r.eng.ForOwner(senderID(c))
	if !ok {
		return c.Send("ℹ️ No batch found. Use /batch to start one.")
	}

	var b strings.Builder
	done := snap.Stats.Done + snap.Stats.Failed + snap.Stats.Skipped
	pct := 0
	if snap.Stats.Total > 0 {
		pct = done * 100 / snap.Stats.Total
	}
	fmt.Fprintf(&b, "📊 <b>Batch status</b>\n\n")
	fmt.Fprintf(&b, "Progress: %d/%d (%d%%)\n", done, snap.Stats.Total, pct)
	fmt.Fprintf(&b, "State: %s\n", snap.State)
	fmt.Fprintf(&b, "Transferred: %s\n", humanize.Bytes(uint64(snap.Stats.Bytes)))
	fmt.Fprintf(&b, "Elapsed: %s\n", snap.Elapsed().Round(time.Second))

	switch snap.State {
	case engine.BatchRunning:
		b.WriteString("\n/batch_pause - pause\n/batch_cancel - cancel")
	case engine.BatchPaused:
		b.WriteString("\n/batch_resume - resume\n/batch_cancel - cancel")
	case engine.BatchCompleted:
		b.WriteString("\n✅ Batch completed.")
		r.eng.Forget(senderID(c))
	case engine.BatchCancelled:
		b.WriteString("\n⚠️ Batch was cancelled.")
		r.eng.Forget(senderID(c))
	case engine.BatchFailed:
		b.WriteString("\n❌ Batch failed; see /stats.")
		r.eng.Forget(senderID(c))
	}
	return c.Send(b.String(), tele.ModeHTML)
}

func (r *Router) handleBatchPause(c tele.Context) error {
	snap, ok := r.eng.ForOwner(senderID(c))
	if !ok {
		return c.Send("ℹ️ No active batch to pause.")
	}
	paused, err := r.eng.Pause(snap.ID)
	if err != nil || !paused {
		return c.Send("⚠️ No running batch to pause.")
	}
	return c.Send("⏸ <b>Batch paused</b>\n\n/batch_resume to continue, /batch_cancel to cancel.", tele.ModeHTML)
}

func (r *Router) handleBatchResume(c tele.Context) error {
	snap, ok := r.eng.ForOwner(senderID(c))
	if !ok {
		return c.Send("ℹ️ No paused batch to resume.")
	}
	resumed, err := r.eng.Resume(snap.ID)
	if err != nil || !resumed {
		return c.Send("⚠️ No paused batch to resume.")
	}
	return c.Send("▶️ <b>Batch resumed</b>\n\n/batch_status to check progress.", tele.ModeHTML)
}

func (r *Router) handleBatchCancel(c tele.Context) error {
	user := senderID(c)
	r.sessions.clear(user)
	snap, ok := r.eng.ForOwner(user)
	if !ok {
		return c.Send("ℹ️ No active batch to cancel.")
	}
	cancelled, err := r.eng.Cancel(snap.ID)
	if err != nil || !cancelled {
		return c.Send("ℹ️ Nothing to cancel.")
	}
	return c.Send("🛑 <b>Batch cancelled</b>\n\nRemaining messages were skipped. Use /batch to start again.", tele.ModeHTML)
}

func (r *Router) handleCancel(c tele.Context) error {
	r.sessions.clear(senderID(c))
	return c.Send("✅ Setup cancelled. A running batch is unaffected; use /batch_cancel for that.")
}

func (r *Router) handleStats(c tele.Context) error {
	var agg engine.Stats
	active := 0
	for _, snap := range r.eng.Snapshots() {
		if !snap.State.Terminal() {
			active++
		}
		agg.Total += snap.Stats.Total
		agg.Done += snap.Stats.Done
		agg.Failed += snap.Stats.Failed
		agg.Skipped += snap.Stats.Skipped
		agg.Bytes += snap.Stats.Bytes
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Statistics</b>\n\n")
	fmt.Fprintf(&b, "Active batches: %d\n", active)
	fmt.Fprintf(&b, "Tasks done: %d\n", agg.Done)
	fmt.Fprintf(&b, "Tasks failed: %d\n", agg.Failed)
	fmt.Fprintf(&b, "Tasks skipped: %d\n", agg.Skipped)
	fmt.Fprintf(&b, "Data transferred: %s\n", humanize.Bytes(uint64(agg.Bytes)))
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(r.started).Round(time.Second))

	if r.fm != nil {
		if fs, err := r.fm.Stats(r.ctx()); err == nil {
			fmt.Fprintf(&b, "\n<b>Downloads directory:</b>\n")
			fmt.Fprintf(&b, "Files: %d\n", fs.Files)
			fmt.Fprintf(&b, "Size: %s\n", fs.HumanBytes())
		}
		if free, err := r.fm.FreeSpace(); err == nil {
			fmt.Fprintf(&b, "Disk free: %s\n", humanize.Bytes(free))
		}
	}
	return c.Send(b.String(), tele.ModeHTML)
}

func (r *Router) handleCleanup(c tele.Context) error {
	status, err := c.Bot().Send(c.Recipient(), "🧹 Cleaning up old files...")
	if err != nil {
		return err
	}
	res, err := r.fm.Cleanup(r.ctx(), r.cfg.CleanupMaxAge)
	if err != nil {
		_, eerr := c.Bot().Edit(status, "❌ Cleanup failed: "+err.Error())
		return eerr
	}
	fs, _ := r.fm.Stats(r.ctx())
	_, err = c.Bot().Edit(status, fmt.Sprintf(
		"✅ <b>Cleanup complete</b>\n\nRemoved: %d files (%s)\nRemaining: %d files (%s)",
		res.Removed, res.HumanFreed(), fs.Files, fs.HumanBytes()), tele.ModeHTML)
	return err
}

func (r *Router) handleSpeed(c tele.Context) error {
	status, err := c.Bot().Send(c.Recipient(), "🚀 Running speed test, this takes a minute...")
	if err != nil {
		return err
	}
	// The test takes tens of seconds; keep the poll loop free.
	r.spawn("bot.speedtest", func(ctx context.Context) error {
		res, err := r.spd.Run(ctx)
		if err != nil {
			_, _ = c.Bot().Edit(status, "❌ Speed test failed: "+err.Error())
			return nil
		}
		_, _ = c.Bot().Edit(status, fmt.Sprintf(
			"🚀 <b>Speed test</b>\n\nServer: %s (%s)\nPing: %dms\nDownload: %.1f Mbps\nUpload: %.1f Mbps\nTook: %s",
			res.Server, res.Country, res.Latency.Milliseconds(),
			res.Download, res.Upload, res.Took.Round(time.Second)), tele.ModeHTML)
		return nil
	})
	return nil
}

func destOf(c tele.Context) relay.DestRef {
	return relay.DestRef{ChatID: c.Chat().ID}
}
