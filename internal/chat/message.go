// Package chat holds the message model of an open conversation and the
// ordered, de-duplicated store that the session renders from.
package chat

import (
	"strconv"
	"time"
)

// MessageTypeText is the default message_type sent to the backend.
const MessageTypeText = "TEXT"

// User is the public profile summary the backend embeds in messages and
// conversations.
type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	FullName       string `json:"full_name,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
	UserType       string `json:"user_type,omitempty"`
}

// Status is the client-side delivery state of a message.
type Status int

const (
	// StatusConfirmed marks a copy that came from the server.
	StatusConfirmed Status = iota
	// StatusPending marks an optimistic local copy awaiting confirmation.
	StatusPending
	// StatusFailed marks an optimistic copy whose delivery failed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Message is one entry of a conversation. ID is zero until the server has
// assigned one; LocalID is set only on optimistic copies.
type Message struct {
	ID             int64     `json:"id,omitempty"`
	ConversationID int64     `json:"conversation,omitempty"`
	Sender         User      `json:"sender"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`

	LocalID string `json:"-"`
	Status  Status `json:"-"`
}

// Key is the de-duplication tuple used when the server id is not known.
type Key struct {
	SenderID  int64
	CreatedAt int64 // unix nanoseconds
	Content   string
}

// Key returns the (sender, created_at, content) tuple of m.
func (m Message) Key() Key {
	return Key{SenderID: m.Sender.ID, CreatedAt: m.CreatedAt.UnixNano(), Content: m.Content}
}

// IsLocal reports whether m is an optimistic copy not yet confirmed.
func (m Message) IsLocal() bool {
	return m.Status != StatusConfirmed
}
