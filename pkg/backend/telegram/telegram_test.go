package telegram

import (
	"testing"

	"github.com/relaywire/relaywire/pkg/backend"
)

func TestCanonicalChatID(t *testing.T) {
	cases := []struct {
		in   int64
		want backend.ChannelID
	}{
		{-1001234567890, "1234567890"},
		{-100777, "777"},
		{-987654, "-987654"},
		{424242, "424242"},
		{-100, "-100"},
	}
	for _, tc := range cases {
		if got := canonicalChatID(tc.in); got != tc.want {
			t.Errorf("canonicalChatID(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestChatIDNumericAndUsername(t *testing.T) {
	if got := chatID("123456"); got.ID != 123456 {
		t.Fatalf("numeric ref parsed as %+v", got)
	}
	if got := chatID("@newsfeed"); got.Username != "@newsfeed" {
		t.Fatalf("username ref parsed as %+v", got)
	}
	if got := chatID("newsfeed"); got.Username != "@newsfeed" {
		t.Fatalf("bare username ref parsed as %+v", got)
	}
}

func TestTargetRestoresWrappedForm(t *testing.T) {
	c := &Client{raw: map[backend.ChannelID]int64{"555": -100555}}

	// A remembered id maps straight back.
	got, err := c.target("555")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if got.ID != -100555 {
		t.Fatalf("target = %+v, want the raw id", got)
	}

	// Unseen canonical ids are assumed to be wrapped channel ids.
	got, err = c.target("888")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if got.ID != -100888 {
		t.Fatalf("target = %+v, want -100888", got)
	}
}
