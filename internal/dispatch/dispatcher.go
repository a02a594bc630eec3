package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrSendFailed indicates a network or session problem during an
	// outbound action. Triggers a session re-acquire upstream.
	ErrSendFailed = errors.New("send failed")

	// ErrBlocked indicates the remote surface signalled rate-limiting or
	// automation suspicion. The whole queue backs off exponentially.
	ErrBlocked = errors.New("outbound actions blocked by remote surface")
)

const (
	defaultBackoffBase = 30 * time.Second
	backoffCap         = 30 * time.Minute
	actionTimeout      = 30 * time.Second
)

// Sender performs the underlying session interaction for one action
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
	MarkRead(ctx context.Context, chatID string) error
}

type actionKind int

const (
	actionSend actionKind = iota
	actionMarkRead
)

type action struct {
	kind   actionKind
	chatID string
	text   string
	done   chan error
}

// Dispatcher serializes all outbound writes against the single session: one
// global FIFO queue, one action in flight, no concurrent sends even across
// different chats. A Blocked signal gates the entire queue with exponential
// backoff, not just the failing message.
type Dispatcher struct {
	sender      Sender
	queue       chan action
	backoffBase time.Duration

	mu           sync.Mutex
	backoffUntil time.Time
	backoff      time.Duration

	onSendFailed func()
	onBlocked    func(wait time.Duration)
}

// NewDispatcher creates a dispatcher. onSendFailed fires on session-level
// send failures, onBlocked on every anti-automation backoff escalation.
func NewDispatcher(sender Sender, onSendFailed func(), onBlocked func(wait time.Duration)) *Dispatcher {
	return &Dispatcher{
		sender:       sender,
		queue:        make(chan action, 64),
		backoffBase:  defaultBackoffBase,
		onSendFailed: onSendFailed,
		onBlocked:    onBlocked,
	}
}

// SetBackoffBase overrides the initial backoff delay (tests use a short one)
func (d *Dispatcher) SetBackoffBase(base time.Duration) {
	d.backoffBase = base
}

// Run drains the queue until the context is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[Dispatcher] Running")
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Dispatcher] Stopped")
			return
		case act := <-d.queue:
			act.done <- d.execute(ctx, act)
		}
	}
}

// SendMessage enqueues a message send and waits for its turn and its result
func (d *Dispatcher) SendMessage(ctx context.Context, chatID, text string) error {
	return d.enqueue(ctx, action{kind: actionSend, chatID: chatID, text: text, done: make(chan error, 1)})
}

// MarkRead enqueues a mark-as-read action for a chat
func (d *Dispatcher) MarkRead(ctx context.Context, chatID string) error {
	return d.enqueue(ctx, action{kind: actionMarkRead, chatID: chatID, done: make(chan error, 1)})
}

func (d *Dispatcher) enqueue(ctx context.Context, act action) error {
	select {
	case d.queue <- act:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-act.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs one action, honoring any active backoff window first. While
// the window is open nothing reaches the remote surface.
func (d *Dispatcher) execute(ctx context.Context, act action) error {
	d.mu.Lock()
	wait := time.Until(d.backoffUntil)
	d.mu.Unlock()
	if wait > 0 {
		log.Printf("[Dispatcher] Backing off %s before next action", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	actCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	var err error
	switch act.kind {
	case actionSend:
		err = d.sender.Send(actCtx, act.chatID, act.text)
	case actionMarkRead:
		err = d.sender.MarkRead(actCtx, act.chatID)
	}

	switch {
	case err == nil:
		d.mu.Lock()
		d.backoff = 0
		d.mu.Unlock()
		return nil

	case errors.Is(err, ErrBlocked):
		d.mu.Lock()
		if d.backoff == 0 {
			d.backoff = d.backoffBase
		} else {
			d.backoff *= 2
			if d.backoff > backoffCap {
				d.backoff = backoffCap
			}
		}
		d.backoffUntil = time.Now().Add(d.backoff)
		wait := d.backoff
		d.mu.Unlock()

		log.Printf("[Dispatcher] Blocked by remote surface, backing off %s", wait)
		if d.onBlocked != nil {
			d.onBlocked(wait)
		}
		return err

	default:
		log.Printf("[Dispatcher] Action failed for %q: %v", act.chatID, err)
		if d.onSendFailed != nil {
			d.onSendFailed()
		}
		if errors.Is(err, ErrSendFailed) {
			return err
		}
		return errors.Join(ErrSendFailed, err)
	}
}

// InBackoff reports whether the queue is currently gated
func (d *Dispatcher) InBackoff() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Now().Before(d.backoffUntil)
}
