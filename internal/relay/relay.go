// Package relay defines the boundary to the messaging service: the Fetcher
// and Sender capabilities consumed by the transfer engine, the reference and
// media types they exchange, and the closed failure taxonomy used to decide
// retry behavior.
package relay

import (
	"context"
	"strconv"
)

// MediaKind identifies the payload type of a message, which determines the
// send method on the destination side.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaVideoNote MediaKind = "video_note"
	MediaSticker   MediaKind = "sticker"
	MediaAnimation MediaKind = "animation"
	MediaText      MediaKind = "text"
	MediaUnknown   MediaKind = "unknown"
)

// SourceRef identifies one message in a source chat.
//
// Chat is either a public username or a numeric chat ID rendered as a string
// (private "t.me/c/..." links). MessageID addresses the message within it.
type SourceRef struct {
	Chat      string
	MessageID int
	Private   bool
}

// DestRef identifies the destination chat for delivery.
type DestRef struct {
	ChatID int64
}

// Key returns the rate-limiter key for the destination. All sends to the
// same chat share one token bucket.
func (d DestRef) Key() string {
	return "dest:" + strconv.FormatInt(d.ChatID, 10)
}

// Fetched describes a successfully fetched artifact on local disk.
type Fetched struct {
	Path       string
	Size       int64
	Kind       MediaKind
	Caption    string
	Text       string // set for text-only messages, Path empty
	SourceName string
}

// Delivered is the destination-side reference of a sent message.
type Delivered struct {
	ChatID    int64
	MessageID int
}

// ProgressFunc receives byte-level progress during a fetch or send.
// Implementations must be cheap; they are called from transfer hot paths.
type ProgressFunc func(done, total int64)

// Fetcher retrieves the content a source reference points at, writing any
// media artifact to path. Failures follow the package error taxonomy.
type Fetcher interface {
	Fetch(ctx context.Context, ref SourceRef, path string, progress ProgressFunc) (Fetched, error)
}

// Sender delivers a fetched artifact (or plain text) to a destination.
type Sender interface {
	Send(ctx context.Context, to DestRef, f Fetched, progress ProgressFunc) (Delivered, error)
}
