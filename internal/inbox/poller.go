package inbox

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nvoss/dmpilot/internal/event"
	"github.com/nvoss/dmpilot/internal/session"
	"github.com/nvoss/dmpilot/internal/storage"
)

const (
	defaultInterval = 3 * time.Second
	pollTimeout     = 20 * time.Second

	// Consecutive cycle failures before the session is marked suspect
	maxFailures = 3
)

// Fetcher returns the live conversation list
type Fetcher interface {
	FetchInbox(ctx context.Context) ([]ChatSummary, error)
}

// TranscriptReader fetches a message delta for one chat
type TranscriptReader interface {
	ReadTranscript(ctx context.Context, chatID, sinceID string, limit int) ([]storage.Message, error)
}

// InboundHandler is called for each newly recorded message that was not sent
// by the account owner. The automation worker hangs its state machine off it.
type InboundHandler func(chatID string, msg storage.Message)

// Poller watches the inbox on a fixed interval plus push triggers, diffs the
// visible chat list against the previous snapshot, records message deltas for
// changed chats, and fans results out on the event bus. Poll cycles never
// overlap: the loop is single-threaded by construction.
type Poller struct {
	fetcher   Fetcher
	reader    TranscriptReader
	bus       *event.Bus
	onInbound InboundHandler
	recover   func(ctx context.Context, authExpired bool)

	interval time.Duration
	trigger  chan struct{}

	snapshot map[string]string // chat id -> last preview
	failures int
}

// NewPoller creates a poller. recover is invoked when the session is suspect
// (three straight failures) or definitively expired.
func NewPoller(fetcher Fetcher, reader TranscriptReader, bus *event.Bus, onInbound InboundHandler, recover func(ctx context.Context, authExpired bool)) *Poller {
	return &Poller{
		fetcher:   fetcher,
		reader:    reader,
		bus:       bus,
		onInbound: onInbound,
		recover:   recover,
		interval:  defaultInterval,
		trigger:   make(chan struct{}, 1),
		snapshot:  make(map[string]string),
	}
}

// SetInterval overrides the poll interval (tests use a short one)
func (p *Poller) SetInterval(d time.Duration) {
	p.interval = d
}

// Trigger requests an immediate poll cycle. Safe from any goroutine;
// coalesces with a pending trigger.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled
func (p *Poller) Run(ctx context.Context) {
	log.Printf("[Poller] Running, interval %s", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Poller] Stopped")
			return
		case <-ticker.C:
		case <-p.trigger:
		}
		p.poll(ctx)
	}
}

// poll runs one cycle. A transient failure is logged and retried next cycle;
// three in a row escalate to session recovery.
func (p *Poller) poll(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	chats, err := p.fetcher.FetchInbox(cycleCtx)
	if err != nil {
		if errors.Is(err, session.ErrAuthExpired) {
			log.Printf("[Poller] Session expired")
			p.failures = 0
			p.recover(ctx, true)
			return
		}
		p.failures++
		log.Printf("[Poller] Cycle failed (%d/%d): %v", p.failures, maxFailures, err)
		if p.failures >= maxFailures {
			p.failures = 0
			p.recover(ctx, false)
		}
		return
	}
	p.failures = 0

	current := make(map[string]string, len(chats))
	for _, c := range chats {
		current[c.ID] = c.Preview
	}
	if snapshotsEqual(p.snapshot, current) {
		return
	}

	var changed []string
	for id, preview := range current {
		if prev, known := p.snapshot[id]; !known || prev != preview {
			changed = append(changed, id)
		}
	}
	// Chats that dropped out of the visible list stay in storage untouched.
	p.snapshot = current

	p.persistAndBroadcast(chats)

	for _, chatID := range changed {
		p.readDelta(cycleCtx, chatID)
	}
}

// persistAndBroadcast upserts the observed chats and publishes a full
// sidebar update.
func (p *Poller) persistAndBroadcast(chats []ChatSummary) {
	tracked := make(map[string]bool)
	if ids, err := storage.EnabledChatIDs(); err == nil {
		for _, id := range ids {
			tracked[id] = true
		}
	}

	sidebar := make([]event.SidebarChat, 0, len(chats))
	for _, c := range chats {
		if _, err := storage.UpsertChat(&storage.Chat{
			ID:          c.ID,
			Username:    c.Name,
			LastMessage: c.Preview,
			ProfilePic:  c.ProfilePic,
		}); err != nil {
			log.Printf("[Poller] Upsert %q failed: %v", c.ID, err)
		}
		sidebar = append(sidebar, event.SidebarChat{
			ID:          c.ID,
			Username:    c.Name,
			FullName:    c.Name,
			LastMessage: c.Preview,
			ProfilePic:  c.ProfilePic,
			IsTracked:   tracked[c.ID],
		})
	}
	p.bus.Publish(event.NewSidebarUpdate(sidebar))
}

// readDelta fetches messages after the last known dedup id for one chat,
// records them, and emits new-message events. Only genuinely inserted
// messages are re-emitted: the log enforces dedup-id uniqueness, so the
// overlapping poll and push paths cannot double-deliver.
func (p *Poller) readDelta(ctx context.Context, chatID string) {
	sinceID, err := storage.LastDedupID(chatID)
	if err != nil {
		log.Printf("[Poller] Last dedup id for %q: %v", chatID, err)
		return
	}

	messages, err := p.reader.ReadTranscript(ctx, chatID, sinceID, 0)
	if err != nil {
		log.Printf("[Poller] Delta read %q failed: %v", chatID, err)
		return
	}

	var lastInbound *storage.Message
	for i := range messages {
		msg := &messages[i]
		inserted, err := storage.RecordMessage(msg)
		if err != nil {
			log.Printf("[Poller] Record message failed: %v", err)
			continue
		}
		if !inserted {
			continue
		}
		p.bus.Publish(event.NewMessageEvent(chatID, msg))
		if !msg.IsSelf {
			lastInbound = msg
		}
	}

	if lastInbound != nil && p.onInbound != nil {
		p.onInbound(chatID, *lastInbound)
	}
}

func snapshotsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
