package inbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoss/dmpilot/internal/storage"
)

func TestNormalizeDedupIdempotent(t *testing.T) {
	raw := []rawMessage{
		{Sender: "alice", Text: "hey", IsMe: false},
		{Sender: "Me", Text: "hi", IsMe: true},
		{Sender: "alice", Text: "hey", IsMe: false},
	}

	first := Normalize("alice", raw)
	second := Normalize("alice", raw)

	require.Len(t, first, 3)
	for i := range first {
		assert.Equal(t, first[i].DedupID, second[i].DedupID, "re-reads must yield identical ids")
	}

	// Identical content repeated in the conversation gets distinct ids.
	assert.NotEqual(t, first[0].DedupID, first[2].DedupID)
}

func TestNormalizeDedupVariesByChat(t *testing.T) {
	raw := []rawMessage{{Sender: "alice", Text: "hey"}}

	a := Normalize("alice", raw)
	b := Normalize("bob", raw)
	assert.NotEqual(t, a[0].DedupID, b[0].DedupID)
}

func TestNormalizeMedia(t *testing.T) {
	raw := []rawMessage{
		{Sender: "alice", Media: &rawMedia{URL: "http://x/v", Alt: "Open Video thumbnail"}},
		{Sender: "alice", Media: &rawMedia{URL: "http://x/p", Alt: "Open photo"}},
		{Sender: "alice", Media: &rawMedia{URL: "http://x/r", Alt: "", Width: 270, Height: 480}},
		{Sender: "alice", Media: &rawMedia{URL: "http://x/s", Alt: "", Width: 480, Height: 480}},
		{Sender: "alice", Media: &rawMedia{URL: "http://x/u", Alt: "Something else"}},
	}

	messages := Normalize("alice", raw)
	require.Len(t, messages, 5)
	assert.Equal(t, storage.MediaVideo, messages[0].MediaKind)
	assert.Equal(t, storage.MediaPhoto, messages[1].MediaKind)
	assert.Equal(t, storage.MediaReel, messages[2].MediaKind, "tall aspect ratio reads as a reel")
	assert.Equal(t, storage.MediaPost, messages[3].MediaKind, "square aspect ratio reads as a post")
	assert.Equal(t, storage.MediaUnknown, messages[4].MediaKind)

	assert.InDelta(t, 270.0/480.0, messages[2].MediaRatio, 0.001)
}

func TestStripQuoteSuffix(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hey there", "hey there"},
		{"reply quote", "You replied to alice\nquoted original\nactual reply", "actual reply"},
		{"replied to you", "Replied to you\nquoted\nthe answer", "the answer"},
		{"forwarded", "Forwarded\noriginal\nwhat I said", "what I said"},
		{"stacked quotes", "You replied\nq1\nReplied to you\nq2\nfinal text", "final text"},
		{"quote only", "You sent\nan attachment", "an attachment"},
		{"multiline body", "You replied\nquoted\nline one\nline two", "line one\nline two"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stripQuoteSuffix(tc.in))
		})
	}
}

func TestNormalizePreservesRawText(t *testing.T) {
	raw := []rawMessage{{Sender: "alice", Text: "You replied\nquoted\nreal text"}}

	messages := Normalize("alice", raw)
	require.Len(t, messages, 1)
	assert.Equal(t, "real text", messages[0].Text)
	assert.Equal(t, "You replied\nquoted\nreal text", messages[0].RawText)
}
