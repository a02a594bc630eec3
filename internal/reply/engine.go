package reply

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/nvoss/dmpilot/internal/config"
	"github.com/nvoss/dmpilot/internal/llm"
	"github.com/nvoss/dmpilot/internal/storage"
)

// ErrGenerationFailed wraps any external generation failure. There is no
// automatic retry: a retry is a new generation job triggered by the operator
// or the state machine.
var ErrGenerationFailed = errors.New("reply generation failed")

// selfName is how the account owner appears in scraped transcripts
const selfName = "Me"

const (
	historyLimit        = 15
	writingExampleLimit = 30
)

// Generator is the external reply-generation boundary
type Generator interface {
	GenerateReply(ctx context.Context, req *llm.ReplyRequest) (string, error)
}

// Result is one generated candidate and its routing classification
type Result struct {
	Text     string
	AutoSend bool
}

// Engine owns prompt construction: rule precedence, transcript formatting,
// and output sanitization. Token generation itself is delegated.
type Engine struct {
	gen      Generator
	profiles *ProfileService
}

// NewEngine creates a reply engine
func NewEngine(gen Generator, profiles *ProfileService) *Engine {
	return &Engine{gen: gen, profiles: profiles}
}

// Generate produces one candidate reply for a chat. Rule precedence is
// chat-specific rules over global rules over none. isStarter switches the
// prompt from "reply to the latest inbound" to "start/revive the
// conversation".
func (e *Engine) Generate(ctx context.Context, chatID string, transcript []storage.Message, settings *storage.ChatSettings, snap config.Snapshot, isStarter bool) (*Result, error) {
	profile, err := e.profiles.GetOrGenerate(ctx, chatID, transcript)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	var rules *string
	if settings != nil && settings.CustomRules != nil {
		rules = settings.CustomRules
	} else if snap.Settings.GlobalRules != nil {
		rules = snap.Settings.GlobalRules
	}

	examples := ""
	if texts, err := storage.SelfMessages(writingExampleLimit); err == nil && len(texts) > 0 {
		var sb strings.Builder
		for _, t := range texts {
			sb.WriteString("- ")
			sb.WriteString(t)
			sb.WriteString("\n")
		}
		examples = sb.String()
	}

	req := &llm.ReplyRequest{
		ChatID:          chatID,
		Transcript:      FormatTranscript(transcript, historyLimit),
		Profile:         profile,
		Rules:           rules,
		WritingExamples: examples,
		IsStarter:       isStarter,
	}

	raw, err := e.gen.GenerateReply(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	text := Sanitize(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: sanitized reply is empty", ErrGenerationFailed)
	}

	autoSend := settings != nil && settings.AutoReply
	log.Printf("[Reply] Generated %s for %q (auto_send=%v)", mode(isStarter), chatID, autoSend)
	return &Result{Text: text, AutoSend: autoSend}, nil
}

func mode(isStarter bool) string {
	if isStarter {
		return "starter"
	}
	return "reply"
}

// FormatTranscript renders the newest messages as "Sender: text" lines with
// media placeholders, the shape the generation endpoint expects.
func FormatTranscript(messages []storage.Message, limit int) string {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	if len(messages) == 0 {
		return "(No recent history)"
	}

	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		line := msg.Sender + ": " + msg.Text
		if msg.MediaKind != "" {
			shared := "[Shared " + sharedKind(msg.MediaKind) + "]"
			if msg.Text == "" {
				line = msg.Sender + ": " + shared
			} else {
				line += " " + shared
			}
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func sharedKind(kind string) string {
	if kind == storage.MediaUnknown {
		return "media"
	}
	return kind
}

// Sanitize cleans the model's raw output: surrounding quote pairs and a
// leading self-name prefix are artifacts of the prompt, not the reply.
func Sanitize(raw string) string {
	text := strings.TrimSpace(raw)

	for len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			text = strings.TrimSpace(text[1 : len(text)-1])
			continue
		}
		break
	}

	if rest, ok := strings.CutPrefix(text, selfName+":"); ok {
		text = strings.TrimSpace(rest)
	}
	return text
}
