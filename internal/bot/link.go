package bot

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/gurveeer/TG-DL-BOT/internal/relay"
)

// ErrBadLink is returned for anything that is not a recognizable message
// link.
var ErrBadLink = errors.New("not a valid message link")

var (
	// t.me/c/<chat>/<msg> and the thread form t.me/c/<chat>/<thread>/<msg>.
	rePrivateLink = regexp.MustCompile(`^https://t\.me/c/(\d+)(?:/\d+)?/(\d+)/?(\?.*)?$`)
	rePublicLink  = regexp.MustCompile(`^https://t\.me/([^/?]+)/(\d+)/?(\?.*)?$`)
	reUsername    = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9_]*[A-Za-z0-9])?$`)
)

// ParseLink extracts a source reference from a t.me message link. Both
// public (t.me/channel/123) and private (t.me/c/123456/789) forms are
// accepted, with or without scheme, with optional query suffixes.
func ParseLink(link string) (relay.SourceRef, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return relay.SourceRef{}, ErrBadLink
	}
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		i := strings.Index(link, "t.me/")
		if i < 0 {
			return relay.SourceRef{}, ErrBadLink
		}
		link = "https://" + link[i:]
	}
	link = strings.Replace(link, "http://", "https://", 1)

	if m := rePrivateLink.FindStringSubmatch(link); m != nil {
		id, err := strconv.Atoi(m[2])
		if err != nil || id <= 0 {
			return relay.SourceRef{}, ErrBadLink
		}
		return relay.SourceRef{Chat: m[1], MessageID: id, Private: true}, nil
	}

	if m := rePublicLink.FindStringSubmatch(link); m != nil {
		name := m[1]
		if len(name) < 3 || len(name) > 32 || !reUsername.MatchString(name) {
			return relay.SourceRef{}, ErrBadLink
		}
		id, err := strconv.Atoi(m[2])
		if err != nil || id <= 0 {
			return relay.SourceRef{}, ErrBadLink
		}
		return relay.SourceRef{Chat: name, MessageID: id, Private: false}, nil
	}

	return relay.SourceRef{}, ErrBadLink
}
