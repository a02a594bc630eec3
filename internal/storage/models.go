package storage

import (
	"time"
)

// Chat represents one Instagram conversation thread as observed in the inbox.
// Chats are discovered by the poller and never hard-deleted, only deprioritized
// when they drop out of the visible list.
type Chat struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Username    string    `json:"username"`
	FullName    string    `json:"full_name"`
	ProfilePic  string    `json:"profile_pic"`
	LastMessage string    `json:"last_message"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Settings *ChatSettings   `gorm:"foreignKey:ChatID" json:"settings,omitempty"`
	Profile  *PersonaProfile `gorm:"foreignKey:ChatID" json:"-"`
	Messages []Message       `gorm:"foreignKey:ChatID" json:"-"`
}

// ChatSettings holds the automation toggles for a chat. Created lazily on
// first toggle. Invariant: AutoReply implies Enabled.
type ChatSettings struct {
	ChatID      string    `gorm:"primaryKey" json:"chat_id"`
	Enabled     bool      `json:"enabled"`
	AutoReply   bool      `json:"auto_reply"`
	CustomRules *string   `json:"custom_rules"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Media kinds assigned by the conversation reader. Classification is a
// heuristic; MediaUnknown means media was present but not classified.
const (
	MediaPhoto   = "photo"
	MediaVideo   = "video"
	MediaReel    = "reel"
	MediaPost    = "post"
	MediaUnknown = "unknown"
)

// Message is one entry in a chat transcript. DedupID is content-derived and
// unique: recording the same inbound event twice is a no-op. Text has
// platform-injected reply quotes stripped; RawText keeps the scrape verbatim
// for audit.
type Message struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID     string    `gorm:"index" json:"chat_id"`
	DedupID    string    `gorm:"uniqueIndex" json:"dedup_id"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	RawText    string    `json:"-"`
	IsSelf     bool      `json:"is_me"`
	MediaKind  string    `json:"media_kind,omitempty"`
	MediaURL   string    `json:"media_url,omitempty"`
	MediaRatio float64   `json:"media_ratio,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PersonaProfile caches the generated typing-mechanics profile for a chat.
// Overwritten wholesale on regeneration or edit, never merged.
type PersonaProfile struct {
	ChatID      string    `gorm:"primaryKey" json:"chat_id"`
	ProfileData string    `json:"profile_data"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
