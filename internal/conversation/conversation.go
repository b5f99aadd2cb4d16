// Package conversation keeps the client-side conversation list in sync with
// the server: initial REST load, live previews of incoming messages, unread
// counters and selection of the conversation to open.
package conversation

import (
	"time"

	"github.com/multitask/messenger/internal/chat"
)

// Conversation is a two-party conversation as seen by the current user.
type Conversation struct {
	ID                 int64      `json:"id"`
	OtherParticipant   *chat.User `json:"other_participant"`
	Task               *int64     `json:"task"`
	TaskTitle          string     `json:"task_title"`
	LastMessageContent string     `json:"last_message_content"`
	LastMessageAt      *time.Time `json:"last_message_at"`
	UnreadCount        int        `json:"unread_count"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
}

// OtherUsername returns the other participant's username, or "" when the
// server did not include one.
func (c Conversation) OtherUsername() string {
	if c.OtherParticipant == nil {
		return ""
	}
	return c.OtherParticipant.Username
}

// OtherID returns the other participant's user id, or 0.
func (c Conversation) OtherID() int64 {
	if c.OtherParticipant == nil {
		return 0
	}
	return c.OtherParticipant.ID
}
