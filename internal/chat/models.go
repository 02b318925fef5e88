package chat

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Session struct {
	ID                 string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title              string    `gorm:"type:varchar(200);not null;default:''" json:"title"`
	CustomInstructions string    `gorm:"type:text" json:"custom_instructions"`
	CreatedAt          time.Time `gorm:"index" json:"created_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message rows are append-only. Ordering is (created_at, id); id is
// auto-increment so it breaks timestamp ties in insertion order.
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(36);not null;index:idx_chat_msg_session_created,priority:1" json:"-"`
	Role      Role      `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index:idx_chat_msg_session_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// MessagePreview is the last_message field of a session representation.
type MessagePreview struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionView is the caller-facing representation of a session.
type SessionView struct {
	Session
	LastMessage *MessagePreview `json:"last_message"`
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Session{}, &Message{}, &Job{}}
}
