package automation

import (
	"errors"
	"sync"

	"github.com/nvoss/dmpilot/internal/storage"
)

// State of one chat's automation lifecycle
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateAwaitingApproval
	StateSending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateAwaitingApproval:
		return "awaiting_approval"
	case StateSending:
		return "sending"
	default:
		return "unknown"
	}
}

var (
	// ErrJobInFlight rejects a second generation for a chat that already
	// has one running: at most one generation job per chat.
	ErrJobInFlight = errors.New("generation already in flight for this chat")

	// ErrNoSuggestion rejects approval actions when nothing is pending
	ErrNoSuggestion = errors.New("no pending suggestion for this chat")
)

// chatState is the per-chat record. jobID identifies the current generation
// job; a completed job whose id is stale was cancelled and its result is
// silently discarded.
type chatState struct {
	state          State
	jobID          uint64
	suggestion     string
	pendingInbound *storage.Message
}

// Machine tracks every chat's automation state. All transitions go through
// it under one lock; the worker acts on what each transition returns.
type Machine struct {
	mu      sync.Mutex
	chats   map[string]*chatState
	nextJob uint64
}

// NewMachine creates an empty state machine
func NewMachine() *Machine {
	return &Machine{chats: make(map[string]*chatState)}
}

func (m *Machine) get(chatID string) *chatState {
	cs, ok := m.chats[chatID]
	if !ok {
		cs = &chatState{state: StateIdle}
		m.chats[chatID] = cs
	}
	return cs
}

// State returns the chat's current state
func (m *Machine) State(chatID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(chatID).state
}

// Suggestion returns the pending candidate text, if any
func (m *Machine) Suggestion(chatID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.get(chatID)
	if cs.state != StateAwaitingApproval {
		return "", false
	}
	return cs.suggestion, true
}

// OnInbound reacts to a newly recorded inbound message. From idle it starts
// a generation job. While generating or awaiting approval the message is
// queued instead (single slot, latest wins) and replayed when the current
// cycle resolves; a pending suggestion is never auto-discarded.
func (m *Machine) OnInbound(chatID string, msg storage.Message) (jobID uint64, start bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.get(chatID)
	switch cs.state {
	case StateIdle:
		return m.beginLocked(cs), true
	default:
		cs.pendingInbound = &msg
		return 0, false
	}
}

// Begin starts a generation job from idle. Used for manual triggers
// (conversation starter). Rejects when a job is already in flight or a
// suggestion is pending.
func (m *Machine) Begin(chatID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.get(chatID)
	if cs.state != StateIdle {
		return 0, ErrJobInFlight
	}
	return m.beginLocked(cs), nil
}

func (m *Machine) beginLocked(cs *chatState) uint64 {
	m.nextJob++
	cs.jobID = m.nextJob
	cs.state = StateGenerating
	cs.suggestion = ""
	return cs.jobID
}

// Complete records a finished generation job. Returns false when the job was
// superseded or cancelled, in which case the result must be discarded.
// Accepted auto-send results move to sending; suggestions hold for approval.
func (m *Machine) Complete(chatID string, jobID uint64, text string, autoSend bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.get(chatID)
	if cs.state != StateGenerating || cs.jobID != jobID {
		return false
	}
	if autoSend {
		cs.state = StateSending
		return true
	}
	cs.state = StateAwaitingApproval
	cs.suggestion = text
	return true
}

// Fail records a failed generation job, returning the chat to idle.
// Returns false when the job was already superseded.
func (m *Machine) Fail(chatID string, jobID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.get(chatID)
	if cs.state != StateGenerating || cs.jobID != jobID {
		return false
	}
	cs.state = StateIdle
	return true
}

// Accept approves the pending suggestion and moves to sending. Returns the
// candidate text (callers may substitute an operator-edited version).
func (m *Machine) Accept(chatID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.get(chatID)
	if cs.state != StateAwaitingApproval {
		return "", ErrNoSuggestion
	}
	text := cs.suggestion
	cs.state = StateSending
	cs.suggestion = ""
	return text, nil
}

// Dismiss discards the pending suggestion and returns to idle
func (m *Machine) Dismiss(chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.get(chatID)
	if cs.state != StateAwaitingApproval {
		return ErrNoSuggestion
	}
	cs.state = StateIdle
	cs.suggestion = ""
	return nil
}

// Regenerate discards the pending suggestion and starts a fresh job
func (m *Machine) Regenerate(chatID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.get(chatID)
	if cs.state != StateAwaitingApproval {
		return 0, ErrNoSuggestion
	}
	return m.beginLocked(cs), nil
}

// FinishSend completes the sending state and returns to idle
func (m *Machine) FinishSend(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.get(chatID)
	if cs.state == StateSending {
		cs.state = StateIdle
	}
}

// CancelForManual resets the chat to idle because the operator sent a manual
// message. Any in-flight job is cancelled (its result will be discarded on
// arrival) and any pending suggestion or queued inbound is dropped.
func (m *Machine) CancelForManual(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.get(chatID)
	cs.jobID = 0
	cs.state = StateIdle
	cs.suggestion = ""
	cs.pendingInbound = nil
}

// TakePendingInbound pops the queued inbound message, if any. Called after a
// cycle resolves to decide whether a follow-up generation should start.
func (m *Machine) TakePendingInbound(chatID string) *storage.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.get(chatID)
	msg := cs.pendingInbound
	cs.pendingInbound = nil
	return msg
}
