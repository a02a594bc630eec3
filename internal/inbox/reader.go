package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nvoss/dmpilot/internal/storage"
)

const defaultTranscriptLimit = 50

// Reader produces normalized, deduplicatable transcripts for single chats.
// Re-reading the same range is idempotent: identical content yields identical
// dedup ids.
type Reader struct {
	client *Client
}

// NewReader creates a conversation reader over the inbox client
func NewReader(client *Client) *Reader {
	return &Reader{client: client}
}

// ReadTranscript returns the chat's messages in chronological order. When
// sinceID is non-empty, only messages after the matching dedup id are
// returned; if the id is not in the scraped window the whole window comes
// back (the message log drops duplicates downstream).
func (r *Reader) ReadTranscript(ctx context.Context, chatID, sinceID string, limit int) ([]storage.Message, error) {
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	raw, err := r.client.fetchRawTranscript(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}

	messages := Normalize(chatID, raw)

	if sinceID != "" {
		for i, msg := range messages {
			if msg.DedupID == sinceID {
				return messages[i+1:], nil
			}
		}
	}
	return messages, nil
}

// Normalize converts scraped rows into stored messages: quote stripping,
// media classification, and stable content-derived dedup ids.
func Normalize(chatID string, raw []rawMessage) []storage.Message {
	messages := make([]storage.Message, 0, len(raw))
	ordinals := make(map[string]int)

	for _, rm := range raw {
		msg := storage.Message{
			ChatID:  chatID,
			Sender:  rm.Sender,
			RawText: rm.Text,
			Text:    stripQuoteSuffix(rm.Text),
			IsSelf:  rm.IsMe,
		}
		if rm.Media != nil {
			msg.MediaKind = classifyMedia(rm.Media)
			msg.MediaURL = rm.Media.URL
			if rm.Media.Height > 0 {
				msg.MediaRatio = rm.Media.Width / rm.Media.Height
			}
		}

		// Ordinal disambiguates genuinely repeated messages while keeping
		// re-reads of the same range idempotent.
		key := dedupKey(&msg)
		ordinals[key]++
		msg.DedupID = dedupID(key, ordinals[key])

		messages = append(messages, msg)
	}
	return messages
}

func dedupKey(msg *storage.Message) string {
	return strings.Join([]string{msg.ChatID, msg.Sender, msg.RawText, msg.MediaURL}, "\x1f")
}

func dedupID(key string, ordinal int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x1f%d", key, ordinal))
	return hex.EncodeToString(sum[:16])
}

// classifyMedia assigns a media kind from structural cues. Best-effort:
// anything present but unmatched falls back to unknown rather than being
// dropped.
func classifyMedia(m *rawMedia) string {
	switch {
	case strings.Contains(m.Alt, "Open Video"):
		return storage.MediaVideo
	case strings.Contains(m.Alt, "Open photo"):
		return storage.MediaPhoto
	case strings.TrimSpace(m.Alt) == "" && m.Width > 0 && m.Height > 0:
		// Reels render tall (~9:16); posts render square or 4:5.
		if m.Width/m.Height < 0.65 {
			return storage.MediaReel
		}
		return storage.MediaPost
	default:
		return storage.MediaUnknown
	}
}

// quotePrefixes mark the platform-injected reply-quote header lines that
// precede the actual message text in a reply bubble.
var quotePrefixes = []string{
	"You replied",
	"Replied to you",
	"Replied to ",
	"You sent",
	"Forwarded",
}

// stripQuoteSuffix removes leading reply-quote lines so downstream consumers
// see only the conversational content. The raw text is preserved separately
// for audit.
func stripQuoteSuffix(text string) string {
	lines := strings.Split(text, "\n")
	start := 0
	for start < len(lines)-1 {
		trimmed := strings.TrimSpace(lines[start])
		if trimmed == "" {
			start++
			continue
		}
		matched := false
		for _, prefix := range quotePrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			break
		}
		// The quoted original follows the header line; skip both.
		start += 2
	}
	if start == 0 {
		return text
	}
	if start >= len(lines) {
		return strings.TrimSpace(lines[len(lines)-1])
	}
	return strings.TrimSpace(strings.Join(lines[start:], "\n"))
}
