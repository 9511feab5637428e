// Package domain contains core domain types for the inkd service.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message roles as they appear on the wire and in persisted history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is a single entry in an entity's conversation history.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewChatMessage builds a message with a fresh id and timestamp.
func NewChatMessage(role, content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// IsAssistant returns true for assistant-authored messages.
func (m ChatMessage) IsAssistant() bool {
	return m.Role == RoleAssistant
}
