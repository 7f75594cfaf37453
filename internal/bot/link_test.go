package bot

import (
	"errors"
	"testing"

	"github.com/gurveeer/TG-DL-BOT/internal/relay"
)

func TestParseLink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		link string
		want relay.SourceRef
		ok   bool
	}{
		{
			name: "public link",
			link: "https://t.me/somechannel/123",
			want: relay.SourceRef{Chat: "somechannel", MessageID: 123},
			ok:   true,
		},
		{
			name: "public link trailing slash",
			link: "https://t.me/somechannel/123/",
			want: relay.SourceRef{Chat: "somechannel", MessageID: 123},
			ok:   true,
		},
		{
			name: "public link with query",
			link: "https://t.me/somechannel/123?single",
			want: relay.SourceRef{Chat: "somechannel", MessageID: 123},
			ok:   true,
		},
		{
			name: "private link",
			link: "https://t.me/c/1234567/89",
			want: relay.SourceRef{Chat: "1234567", MessageID: 89, Private: true},
			ok:   true,
		},
		{
			name: "private link thread form",
			link: "https://t.me/c/1234567/42/89",
			want: relay.SourceRef{Chat: "1234567", MessageID: 89, Private: true},
			ok:   true,
		},
		{
			name: "schemeless",
			link: "t.me/somechannel/5",
			want: relay.SourceRef{Chat: "somechannel", MessageID: 5},
			ok:   true,
		},
		{
			name: "schemeless with host prefix",
			link: "www.t.me/somechannel/5",
			want: relay.SourceRef{Chat: "somechannel", MessageID: 5},
			ok:   true,
		},
		{
			name: "http scheme upgraded",
			link: "http://t.me/somechannel/5",
			want: relay.SourceRef{Chat: "somechannel", MessageID: 5},
			ok:   true,
		},
		{
			name: "surrounding whitespace",
			link: "  https://t.me/somechannel/5  ",
			want: relay.SourceRef{Chat: "somechannel", MessageID: 5},
			ok:   true,
		},
		{name: "empty", link: ""},
		{name: "not a link", link: "hello there"},
		{name: "no message id", link: "https://t.me/somechannel"},
		{name: "non numeric id", link: "https://t.me/somechannel/abc"},
		{name: "zero id", link: "https://t.me/somechannel/0"},
		{name: "username too short", link: "https://t.me/ab/5"},
		{name: "username too long", link: "https://t.me/" + "a23456789012345678901234567890123" + "/5"},
		{name: "username bad chars", link: "https://t.me/some-channel/5"},
		{name: "private non numeric chat", link: "https://t.me/c/abc/5"},
		{name: "wrong host", link: "https://telegram.org/somechannel/5"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseLink(tt.link)
			if !tt.ok {
				if !errors.Is(err, ErrBadLink) {
					t.Fatalf("ParseLink(%q) err = %v, want ErrBadLink", tt.link, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLink(%q): %v", tt.link, err)
			}
			if got != tt.want {
				t.Fatalf("ParseLink(%q) = %+v, want %+v", tt.link, got, tt.want)
			}
		})
	}
}
