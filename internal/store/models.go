package store

import "time"

// Chat is one conversation owned by a user.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	MetaInfo  string    `json:"meta_info"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn in a chat. Role is "user" or "assistant".
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// maxTitleLen is the chat title budget taken from the first user message.
const maxTitleLen = 50

// TitleFromContent derives a chat title from the first user message: the
// first 50 characters plus an ellipsis when longer. Counted in runes so a
// multi-byte message is not cut mid-character.
func TitleFromContent(content string) string {
	runes := []rune(content)
	if len(runes) <= maxTitleLen {
		return content
	}
	return string(runes[:maxTitleLen]) + "…"
}
