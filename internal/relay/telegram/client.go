// Package telegram implements the relay boundary on top of the Telegram Bot
// API via telebot. Media is captured by forwarding the source message into a
// staging chat, streaming the file to local disk, and deleting the staged
// copy; delivery re-uploads the artifact to the destination chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/gurveeer/TG-DL-BOT/internal/relay"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// copyBufSize is the chunk size for streamed downloads; progress callbacks
// fire once per chunk.
const copyBufSize = 64 * 1024

// Client adapts a telebot Bot to the relay Fetcher and Sender interfaces.
// The bot instance is shared with the command front end; Client never starts
// or stops polling.
type Client struct {
	bot     *tele.Bot
	staging int64
	log     logx.Logger

	mu    sync.Mutex
	chats map[string]int64 // username -> resolved chat ID
}

// New wires a Client around an already constructed bot. staging is the chat
// media is forwarded through during capture; it must be a chat the bot can
// both post to and delete from.
func New(b *tele.Bot, staging int64, log logx.Logger) (*Client, error) {
	if b == nil {
		return nil, errors.New("telegram: nil bot")
	}
	if staging == 0 {
		return nil, errors.New("telegram: staging chat is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{bot: b, staging: staging, log: log, chats: make(map[string]int64)}, nil
}

// Fetch forwards the referenced message into the staging chat, extracts its
// media (or text), and streams any file to path.
func (c *Client) Fetch(ctx context.Context, ref relay.SourceRef, path string, progress relay.ProgressFunc) (relay.Fetched, error) {
	if err := ctx.Err(); err != nil {
		return relay.Fetched{}, err
	}
	srcID, err := c.resolveChat(ref)
	if err != nil {
		return relay.Fetched{}, err
	}

	src := tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: srcID}
	staged, err := c.bot.Forward(tele.ChatID(c.staging), src)
	if err != nil {
		return relay.Fetched{}, classifyFetch(err)
	}
	defer func() {
		if derr := c.bot.Delete(staged); derr != nil {
			c.log.Debug("staged message cleanup failed",
				logx.Int("message_id", staged.ID), logx.Err(derr))
		}
	}()

	media := staged.Media()
	if media == nil {
		if staged.Text == "" {
			return relay.Fetched{}, relay.Fatal(fmt.Errorf("%w: message %d has no content", relay.ErrNotFound, ref.MessageID))
		}
		return relay.Fetched{Kind: relay.MediaText, Text: staged.Text}, nil
	}

	file := media.MediaFile()
	f := relay.Fetched{
		Path:       path,
		Size:       file.FileSize,
		Kind:       kindOf(media),
		Caption:    staged.Caption,
		SourceName: fileNameOf(media),
	}
	if err := c.download(ctx, file, path, f.Size, progress); err != nil {
		return relay.Fetched{}, err
	}
	if fi, err := os.Stat(path); err == nil {
		f.Size = fi.Size()
	}
	return f, nil
}

func (c *Client) download(ctx context.Context, file *tele.File, path string, total int64, progress relay.ProgressFunc) error {
	rc, err := c.bot.File(file)
	if err != nil {
		return classifyFetch(err)
	}
	defer rc.Close()

	out, err := os.Create(path)
	if err != nil {
		return relay.Transient(err)
	}
	defer out.Close()

	var done int64
	buf := make([]byte, copyBufSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := rc.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return relay.Transient(werr)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return relay.Transient(rerr)
		}
	}
	return out.Close()
}

// Send delivers the fetched artifact to the destination chat. Text messages
// go out as-is; media is re-uploaded from the local file.
func (c *Client) Send(ctx context.Context, to relay.DestRef, f relay.Fetched, progress relay.ProgressFunc) (relay.Delivered, error) {
	if err := ctx.Err(); err != nil {
		return relay.Delivered{}, err
	}
	rcpt := tele.ChatID(to.ChatID)

	var (
		msg *tele.Message
		err error
	)
	if f.Kind == relay.MediaText {
		msg, err = c.bot.Send(rcpt, f.Text)
	} else {
		what, berr := sendable(f)
		if berr != nil {
			return relay.Delivered{}, berr
		}
		if progress != nil {
			progress(0, f.Size)
		}
		msg, err = c.bot.Send(rcpt, what)
	}
	if err != nil {
		return relay.Delivered{}, classifySend(err)
	}
	if progress != nil && f.Kind != relay.MediaText {
		progress(f.Size, f.Size)
	}
	return relay.Delivered{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

// sendable maps a fetched artifact onto the telebot media type matching its
// kind so Telegram renders it the same way the source did.
func sendable(f relay.Fetched) (interface{}, error) {
	disk := tele.FromDisk(f.Path)
	switch f.Kind {
	case relay.MediaPhoto:
		return &tele.Photo{File: disk, Caption: f.Caption}, nil
	case relay.MediaVideo:
		return &tele.Video{File: disk, Caption: f.Caption, FileName: f.SourceName}, nil
	case relay.MediaAudio:
		return &tele.Audio{File: disk, Caption: f.Caption, FileName: f.SourceName}, nil
	case relay.MediaVoice:
		return &tele.Voice{File: disk, Caption: f.Caption}, nil
	case relay.MediaVideoNote:
		return &tele.VideoNote{File: disk}, nil
	case relay.MediaSticker:
		return &tele.Sticker{File: disk}, nil
	case relay.MediaAnimation:
		return &tele.Animation{File: disk, Caption: f.Caption, FileName: f.SourceName}, nil
	case relay.MediaDocument, relay.MediaUnknown:
		return &tele.Document{File: disk, Caption: f.Caption, FileName: f.SourceName}, nil
	default:
		return nil, relay.Validation(fmt.Errorf("unsupported media kind %q", f.Kind))
	}
}

// resolveChat turns a source reference into a numeric chat ID. Private links
// carry the channel's internal ID; public links carry a username that is
// resolved once and cached.
func (c *Client) resolveChat(ref relay.SourceRef) (int64, error) {
	name := strings.TrimSpace(ref.Chat)
	if name == "" {
		return 0, relay.Validation(errors.New("empty source chat"))
	}
	if ref.Private || strings.HasPrefix(name, "-") {
		if !strings.HasPrefix(name, "-") {
			// Internal channel ID from a t.me/c link; the Bot API form
			// prefixes it with -100.
			name = "-100" + name
		}
		n, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			return 0, relay.Validation(fmt.Errorf("bad chat id %q: %w", name, err))
		}
		return n, nil
	}

	c.mu.Lock()
	id, ok := c.chats[name]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	chat, err := c.bot.ChatByUsername("@" + strings.TrimPrefix(name, "@"))
	if err != nil {
		return 0, classifyFetch(err)
	}
	c.mu.Lock()
	c.chats[name] = chat.ID
	c.mu.Unlock()
	return chat.ID, nil
}

func kindOf(m tele.Media) relay.MediaKind {
	switch m.MediaType() {
	case "photo":
		return relay.MediaPhoto
	case "video":
		return relay.MediaVideo
	case "document":
		return relay.MediaDocument
	case "audio":
		return relay.MediaAudio
	case "voice":
		return relay.MediaVoice
	case "videoNote":
		return relay.MediaVideoNote
	case "sticker":
		return relay.MediaSticker
	case "animation":
		return relay.MediaAnimation
	default:
		return relay.MediaUnknown
	}
}

func fileNameOf(m tele.Media) string {
	switch v := m.(type) {
	case *tele.Document:
		return v.FileName
	case *tele.Video:
		return v.FileName
	case *tele.Audio:
		return v.FileName
	case *tele.Animation:
		return v.FileName
	default:
		return ""
	}
}

// classifyFetch folds a telebot error into the relay taxonomy for the source
// side of a transfer.
func classifyFetch(err error) error {
	if wait, ok := floodWait(err); ok {
		return relay.RateLimited(wait, err)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 401 || te.Code == 403:
			return relay.Fatal(fmt.Errorf("%w: %v", relay.ErrForbidden, err))
		case te.Code == 400:
			d := strings.ToLower(te.Description)
			if strings.Contains(d, "not found") || strings.Contains(d, "message to forward") || strings.Contains(d, "message can't be forwarded") {
				return relay.Fatal(fmt.Errorf("%w: %v", relay.ErrNotFound, err))
			}
			return relay.Fatal(err)
		case te.Code >= 500:
			return relay.Transient(err)
		}
	}
	return relay.Transient(err)
}

// classifySend does the same for the destination side, where a missing or
// blocking chat poisons the whole batch rather than one task.
func classifySend(err error) error {
	if wait, ok := floodWait(err); ok {
		return relay.RateLimited(wait, err)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 401 || te.Code == 403:
			return relay.Fatal(fmt.Errorf("%w: %v", relay.ErrDestinationUnreachable, err))
		case te.Code == 400:
			d := strings.ToLower(te.Description)
			if strings.Contains(d, "chat not found") || strings.Contains(d, "peer_id_invalid") {
				return relay.Fatal(fmt.Errorf("%w: %v", relay.ErrDestinationUnreachable, err))
			}
			return relay.Fatal(err)
		case te.Code >= 500:
			return relay.Transient(err)
		}
	}
	return relay.Transient(err)
}

func floodWait(err error) (time.Duration, bool) {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return time.Duration(fe.RetryAfter) * time.Second, true
	}
	return 0, false
}
