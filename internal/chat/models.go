package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultSessionTitle = "New chat"
	WelcomeSessionTitle = "Welcome"
)

type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(128);not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_session_id,priority:2" json:"session_id"`
	UserID    uint64    `gorm:"not null;index:idx_chat_msg_user_session_id,priority:1" json:"-"`
	Role      string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string { return "chat_messages" }

// isDefaultTitle reports whether the session still carries a generated title
// and should be renamed after its first exchange.
func isDefaultTitle(title string) bool {
	return title == "" || title == DefaultSessionTitle || title == WelcomeSessionTitle
}

// titleFromText takes the first 40 characters of the learner's message.
func titleFromText(text string) string {
	r := []rune(text)
	if len(r) > 40 {
		r = r[:40]
	}
	if t := string(r); t != "" {
		return t
	}
	return DefaultSessionTitle
}
