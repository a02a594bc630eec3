package automation

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/nvoss/dmpilot/internal/config"
	"github.com/nvoss/dmpilot/internal/event"
	"github.com/nvoss/dmpilot/internal/reply"
	"github.com/nvoss/dmpilot/internal/storage"
)

const (
	generationTimeout = 90 * time.Second
	transcriptWindow  = 15
)

// ReplyGenerator produces one candidate reply for a chat
type ReplyGenerator interface {
	Generate(ctx context.Context, chatID string, transcript []storage.Message, settings *storage.ChatSettings, snap config.Snapshot, isStarter bool) (*reply.Result, error)
}

// MessageSender delivers outbound messages (the serialized dispatcher)
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// SessionControl is what the worker needs from the session store when the
// poller marks it suspect.
type SessionControl interface {
	Reacquire(ctx context.Context) error
	Invalidate()
}

// Worker is the per-account automation loop glue: it reacts to inbound
// messages from the poller, runs generation jobs through the state machine,
// and routes results to the dispatcher or to the UI as suggestions.
// Generation jobs for different chats run concurrently; everything touching
// the session stays serialized behind the dispatcher and session gate.
type Worker struct {
	machine  *Machine
	engine   ReplyGenerator
	sender   MessageSender
	bus      *event.Bus
	cfg      *config.State
	sessions SessionControl

	baseCtx context.Context
	offline atomic.Bool
}

// NewWorker creates the automation worker
func NewWorker(ctx context.Context, machine *Machine, engine ReplyGenerator, sender MessageSender, bus *event.Bus, cfg *config.State, sessions SessionControl) *Worker {
	return &Worker{
		machine:  machine,
		engine:   engine,
		sender:   sender,
		bus:      bus,
		cfg:      cfg,
		sessions: sessions,
		baseCtx:  ctx,
	}
}

// Offline reports whether the session is currently down and reconnect is
// required. Surfaced through /auth/status.
func (w *Worker) Offline() bool {
	return w.offline.Load()
}

// Machine exposes the state machine for read-side queries
func (w *Worker) Machine() *Machine {
	return w.machine
}

// HandleInbound is the poller's inbound hook. Chats with automation off get
// no generation job; the sidebar update already happened upstream.
func (w *Worker) HandleInbound(chatID string, msg storage.Message) {
	settings, err := storage.GetSettings(chatID)
	if err != nil {
		log.Printf("[Worker] Settings lookup for %q: %v", chatID, err)
		return
	}
	if settings == nil || !settings.Enabled {
		return
	}

	jobID, start := w.machine.OnInbound(chatID, msg)
	if !start {
		log.Printf("[Worker] Inbound for %q queued (state=%s)", chatID, w.machine.State(chatID))
		return
	}
	go w.runJob(chatID, jobID, false)
}

// StartConversation manually triggers a starter/revive generation
func (w *Worker) StartConversation(chatID string) error {
	jobID, err := w.machine.Begin(chatID)
	if err != nil {
		return err
	}
	go w.runJob(chatID, jobID, true)
	return nil
}

// Regenerate discards the pending suggestion and produces a new one
func (w *Worker) Regenerate(chatID string) error {
	jobID, err := w.machine.Regenerate(chatID)
	if err != nil {
		return err
	}
	go w.runJob(chatID, jobID, false)
	return nil
}

// AcceptSuggestion sends the pending suggestion, or the operator's edited
// text when non-empty, and returns the chat to idle. A failed send is
// reported to the caller; the suggestion is consumed either way.
func (w *Worker) AcceptSuggestion(ctx context.Context, chatID, editedText string) error {
	candidate, err := w.machine.Accept(chatID)
	if err != nil {
		return err
	}
	text := candidate
	if editedText != "" {
		text = editedText
	}
	return w.deliver(ctx, chatID, text)
}

// DismissSuggestion drops the pending suggestion
func (w *Worker) DismissSuggestion(chatID string) error {
	if err := w.machine.Dismiss(chatID); err != nil {
		return err
	}
	w.bus.Publish(event.NewLogEvent(chatID, event.LogClear, ""))
	w.replayPending(chatID)
	return nil
}

// ManualSend sends operator-written text. Always cancels any in-flight
// generation or pending suggestion for the chat first.
func (w *Worker) ManualSend(ctx context.Context, chatID, text string) error {
	w.machine.CancelForManual(chatID)
	w.bus.Publish(event.NewLogEvent(chatID, event.LogClear, ""))
	return w.sender.SendMessage(ctx, chatID, text)
}

// RecoverSession handles the poller's suspect/expired signal. A suspect
// session is re-acquired in place; a definitively expired one degrades the
// process to offline until the operator logs in again.
func (w *Worker) RecoverSession(ctx context.Context, authExpired bool) {
	if authExpired {
		w.sessions.Invalidate()
		w.offline.Store(true)
		log.Printf("[Worker] Session expired, reconnect required")
		return
	}

	log.Printf("[Worker] Session suspect, re-acquiring")
	if err := w.sessions.Reacquire(ctx); err != nil {
		w.offline.Store(true)
		log.Printf("[Worker] Re-acquire failed: %v", err)
		return
	}
	w.offline.Store(false)
}

// MarkOnline clears the offline flag after a successful login/acquire
func (w *Worker) MarkOnline() {
	w.offline.Store(false)
}

// runJob executes one generation job to completion: success, failure, or
// silent discard when the job was cancelled mid-flight.
func (w *Worker) runJob(chatID string, jobID uint64, isStarter bool) {
	ctx, cancel := context.WithTimeout(w.baseCtx, generationTimeout)
	defer cancel()

	w.bus.Publish(event.NewLogEvent(chatID, event.LogGenerating, "Generating reply..."))

	transcript, err := storage.GetMessages(chatID, transcriptWindow)
	if err != nil {
		log.Printf("[Worker] Transcript load for %q: %v", chatID, err)
		w.failJob(chatID, jobID)
		return
	}
	settings, err := storage.GetSettings(chatID)
	if err != nil {
		log.Printf("[Worker] Settings load for %q: %v", chatID, err)
		w.failJob(chatID, jobID)
		return
	}

	result, err := w.engine.Generate(ctx, chatID, transcript, settings, w.cfg.Current(), isStarter)
	if err != nil {
		log.Printf("[Worker] Generation for %q failed: %v", chatID, err)
		w.failJob(chatID, jobID)
		return
	}

	if !w.machine.Complete(chatID, jobID, result.Text, result.AutoSend) {
		// Cancelled or superseded while the external call ran.
		log.Printf("[Worker] Discarding stale result for %q", chatID)
		return
	}

	if result.AutoSend {
		log.Printf("[Worker] Auto-sending to %q", chatID)
		w.deliver(ctx, chatID, result.Text)
		return
	}

	log.Printf("[Worker] Suggestion ready for %q", chatID)
	w.bus.Publish(event.NewLogEvent(chatID, event.LogSuggestion, result.Text))
}

func (w *Worker) failJob(chatID string, jobID uint64) {
	if w.machine.Fail(chatID, jobID) {
		w.bus.Publish(event.NewLogEvent(chatID, event.LogClear, ""))
	}
}

// deliver pushes text through the serialized dispatcher and resolves the
// sending state. The sent message itself comes back through the next poll
// cycle and the dedup log.
func (w *Worker) deliver(ctx context.Context, chatID, text string) error {
	w.bus.Publish(event.NewLogEvent(chatID, event.LogSending, "Sending: "+text))

	err := w.sender.SendMessage(ctx, chatID, text)
	if err != nil {
		log.Printf("[Worker] Send to %q failed: %v", chatID, err)
	}

	w.machine.FinishSend(chatID)
	w.bus.Publish(event.NewLogEvent(chatID, event.LogClear, ""))
	w.replayPending(chatID)
	return err
}

// replayPending starts a follow-up generation for an inbound message that
// arrived while a suggestion was pending or a send was in progress.
func (w *Worker) replayPending(chatID string) {
	msg := w.machine.TakePendingInbound(chatID)
	if msg == nil {
		return
	}
	log.Printf("[Worker] Replaying queued inbound for %q", chatID)
	w.HandleInbound(chatID, *msg)
}
