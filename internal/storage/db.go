package storage

import (
	"errors"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// Init initializes the database connection
func Init(dbPath string) error {
	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return err
	}

	if err := DB.AutoMigrate(&Chat{}, &ChatSettings{}, &Message{}, &PersonaProfile{}); err != nil {
		return err
	}

	log.Printf("[Storage] Database initialized: %s", dbPath)
	return nil
}

// UpsertChat records a chat observed in the live inbox, creating it on first
// sight and refreshing the preview fields on every later one.
// Returns true when the chat was newly created.
func UpsertChat(chat *Chat) (bool, error) {
	var existing Chat
	err := DB.First(&existing, "id = ?", chat.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		chat.LastSeenAt = time.Now()
		return true, DB.Create(chat).Error
	}
	if err != nil {
		return false, err
	}

	updates := map[string]any{
		"username":     chat.Username,
		"last_message": chat.LastMessage,
		"last_seen_at": time.Now(),
	}
	if chat.FullName != "" {
		updates["full_name"] = chat.FullName
	}
	if chat.ProfilePic != "" {
		updates["profile_pic"] = chat.ProfilePic
	}
	return false, DB.Model(&Chat{}).Where("id = ?", chat.ID).Updates(updates).Error
}

// GetChat retrieves a chat with its settings
func GetChat(chatID string) (*Chat, error) {
	var chat Chat
	err := DB.Preload("Settings").First(&chat, "id = ?", chatID).Error
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetChats retrieves all known chats with settings, most recently seen first
func GetChats() ([]Chat, error) {
	var chats []Chat
	err := DB.Preload("Settings").Order("last_seen_at DESC").Find(&chats).Error
	return chats, err
}

// GetSettings returns the settings row for a chat, or nil when the chat has
// never been toggled.
func GetSettings(chatID string) (*ChatSettings, error) {
	var settings ChatSettings
	err := DB.First(&settings, "chat_id = ?", chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// SaveSettings persists a settings row, enforcing the toggle invariant:
// auto-reply cannot be on while automation is off.
func SaveSettings(settings *ChatSettings) error {
	if !settings.Enabled {
		settings.AutoReply = false
	}
	if settings.CustomRules != nil && *settings.CustomRules == "" {
		settings.CustomRules = nil
	}
	settings.UpdatedAt = time.Now()
	return DB.Save(settings).Error
}

// CountAutoReplyChats counts chats with auto-pilot currently enabled.
// Used by the billing quota gate.
func CountAutoReplyChats() (int64, error) {
	var n int64
	err := DB.Model(&ChatSettings{}).Where("auto_reply = ?", true).Count(&n).Error
	return n, err
}

// EnabledChatIDs returns the ids of all chats with automation on
func EnabledChatIDs() ([]string, error) {
	var ids []string
	err := DB.Model(&ChatSettings{}).Where("enabled = ?", true).Pluck("chat_id", &ids).Error
	return ids, err
}

// RecordMessage appends a message to the log. The dedup id owns uniqueness:
// both the poll path and the push path insert through here, and a duplicate
// is silently dropped. Returns true when the message was actually inserted.
func RecordMessage(msg *Message) (bool, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	res := DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_id"}},
		DoNothing: true,
	}).Create(msg)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetMessages retrieves the stored transcript for a chat in order
func GetMessages(chatID string, limit int) ([]Message, error) {
	var messages []Message
	q := DB.Where("chat_id = ?", chatID).Order("id ASC")
	if limit > 0 {
		// Take the newest N but keep chronological order.
		var ids []uint
		if err := DB.Model(&Message{}).Where("chat_id = ?", chatID).
			Order("id DESC").Limit(limit).Pluck("id", &ids).Error; err != nil {
			return nil, err
		}
		q = DB.Where("id IN ?", ids).Order("id ASC")
	}
	err := q.Find(&messages).Error
	return messages, err
}

// LastDedupID returns the dedup id of the newest stored message for a chat,
// or "" when the transcript is empty. The poller uses it to fetch deltas.
func LastDedupID(chatID string) (string, error) {
	var msg Message
	err := DB.Where("chat_id = ?", chatID).Order("id DESC").First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return msg.DedupID, nil
}

// SelfMessages returns recent messages written by the account owner across
// all chats, newest first. Used as writing examples for reply generation.
func SelfMessages(limit int) ([]string, error) {
	var texts []string
	err := DB.Model(&Message{}).
		Where("is_self = ? AND text <> ''", true).
		Order("id DESC").Limit(limit).Pluck("text", &texts).Error
	return texts, err
}

// GetProfile returns the cached persona profile for a chat, or nil
func GetProfile(chatID string) (*PersonaProfile, error) {
	var profile PersonaProfile
	err := DB.First(&profile, "chat_id = ?", chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// SaveProfile overwrites the persona profile for a chat wholesale
func SaveProfile(chatID, data string) error {
	now := time.Now()
	return DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.Assignments(map[string]any{"profile_data": data, "updated_at": now}),
	}).Create(&PersonaProfile{
		ChatID:      chatID,
		ProfileData: data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}).Error
}
