package event

import (
	"time"

	"github.com/nvoss/dmpilot/internal/storage"
)

// Topic scheme: "sidebar" carries full chat-list refreshes, "chat.<id>"
// carries per-conversation deltas and status logs.
const (
	TopicSidebar = "sidebar"
)

// TopicChat returns the topic for a single conversation
func TopicChat(chatID string) string {
	return "chat." + chatID
}

// Event kinds published on the bus and forwarded to UI clients
const (
	KindSidebarUpdate = "sidebar_update"
	KindNewMessage    = "new_message"
	KindLog           = "log"
)

// Log types for the ephemeral per-chat status line
const (
	LogGenerating = "generating"
	LogSending    = "sending"
	LogSuggestion = "suggestion"
	LogClear      = "clear"
)

// Event is one bus message. Exactly one of Chats, Message, Log is set,
// matching Kind.
type Event struct {
	Topic     string           `json:"-"`
	Kind      string           `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
	Chats     []SidebarChat    `json:"chats,omitempty"`
	Message   *storage.Message `json:"message,omitempty"`
	Log       *Log             `json:"log,omitempty"`
}

// SidebarChat is the chat summary shown in the inbox list
type SidebarChat struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	FullName    string `json:"full_name"`
	LastMessage string `json:"last_message"`
	ProfilePic  string `json:"profile_pic"`
	IsTracked   bool   `json:"is_tracked"`
}

// Log is the ephemeral status for a chat: generating, sending, a suggestion
// carrying candidate text, or clear.
type Log struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewSidebarUpdate builds a full-list sidebar event
func NewSidebarUpdate(chats []SidebarChat) *Event {
	return &Event{
		Topic:     TopicSidebar,
		Kind:      KindSidebarUpdate,
		Timestamp: time.Now(),
		Chats:     chats,
	}
}

// NewMessageEvent builds a single-message delta event for a chat
func NewMessageEvent(chatID string, msg *storage.Message) *Event {
	return &Event{
		Topic:     TopicChat(chatID),
		Kind:      KindNewMessage,
		Timestamp: time.Now(),
		Message:   msg,
	}
}

// NewLogEvent builds a per-chat status log event
func NewLogEvent(chatID, logType, text string) *Event {
	return &Event{
		Topic:     TopicChat(chatID),
		Kind:      KindLog,
		Timestamp: time.Now(),
		Log:       &Log{Type: logType, Text: text},
	}
}
