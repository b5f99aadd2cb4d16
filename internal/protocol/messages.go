// Package protocol defines the live-channel event types exchanged with the
// MultiTask chat and notification gateways. All frames are JSON objects with
// a "type" discriminator; inbound frames decode into a closed set of Event
// implementations and anything unrecognised lands in UnknownEvent.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/multitask/messenger/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Server -> Client event types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeChatMessage           = "chat_message"
	TypeTyping                = "typing"
	TypeReadReceipt           = "read_receipt"
	TypeError                 = "error"
	TypeUnreadCount           = "unread_count"
	TypeNewNotification       = "new_notification"
)

// Client -> Server event types. chat_message and typing share their names
// with the inbound events.
const (
	TypeMarkRead       = "mark_read"
	TypeGetUnreadCount = "get_unread_count"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the payload can be decoded later into a concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// Event is implemented by every inbound event.
type Event interface {
	EventType() string
}

// ConnectionEstablishedEvent is sent once the gateway has accepted the
// connection and joined it to the conversation group.
type ConnectionEstablishedEvent struct {
	Message string `json:"message"`
}

// ChatMessageEvent carries a server-confirmed message. The sender receives
// its own messages back through this event.
type ChatMessageEvent struct {
	Message chat.Message `json:"message"`
}

// TypingEvent relays the other participant's typing indicator.
type TypingEvent struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// ReadReceiptEvent reports that a message was read by its recipient.
type ReadReceiptEvent struct {
	MessageID int64 `json:"message_id"`
}

// ErrorEvent is the gateway's error report, e.g. for an empty message.
type ErrorEvent struct {
	Message string `json:"message"`
}

// UnreadCountEvent is the notification gateway's unread counter.
type UnreadCountEvent struct {
	Count int `json:"count"`
}

// Notification is a user-scoped notification record.
type Notification struct {
	ID               int64     `json:"id"`
	NotificationType string    `json:"notification_type"`
	Title            string    `json:"title"`
	Message          string    `json:"message"`
	TaskID           *int64    `json:"task_id,omitempty"`
	MessageID        *int64    `json:"message_id,omitempty"`
	SenderID         *int64    `json:"sender_id,omitempty"`
	Link             string    `json:"link,omitempty"`
	IsRead           bool      `json:"is_read"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewNotificationEvent pushes a freshly created notification.
type NewNotificationEvent struct {
	Notification Notification `json:"notification"`
}

// UnknownEvent is any well-formed frame whose type this client does not
// know.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (ConnectionEstablishedEvent) EventType() string { return TypeConnectionEstablished }
func (ChatMessageEvent) EventType() string           { return TypeChatMessage }
func (TypingEvent) EventType() string                { return TypeTyping }
func (ReadReceiptEvent) EventType() string           { return TypeReadReceipt }
func (ErrorEvent) EventType() string                 { return TypeError }
func (UnreadCountEvent) EventType() string           { return TypeUnreadCount }
func (NewNotificationEvent) EventType() string       { return TypeNewNotification }
func (e UnknownEvent) EventType() string             { return e.Type }

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// ChatMsg sends a text message over the conversation channel.
type ChatMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TypingMsg reports whether the local user is typing.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// MarkReadMsg marks conversation messages read (conversation channel) or a
// single notification read (notification channel, NotificationID set).
type MarkReadMsg struct {
	Type           string `json:"type"`
	NotificationID *int64 `json:"notification_id,omitempty"`
}

// GetUnreadCountMsg asks the notification gateway for the unread counter.
type GetUnreadCountMsg struct {
	Type string `json:"type"`
}

// NewChatMsg builds an outbound chat_message event.
func NewChatMsg(text string) ChatMsg {
	return ChatMsg{Type: TypeChatMessage, Message: text}
}

// NewTypingMsg builds an outbound typing event.
func NewTypingMsg(isTyping bool) TypingMsg {
	return TypingMsg{Type: TypeTyping, IsTyping: isTyping}
}

// NewMarkReadMsg builds an outbound mark_read event. A zero notificationID
// marks the current conversation read.
func NewMarkReadMsg(notificationID int64) MarkReadMsg {
	m := MarkReadMsg{Type: TypeMarkRead}
	if notificationID != 0 {
		m.NotificationID = &notificationID
	}
	return m
}

// NewGetUnreadCountMsg builds an outbound get_unread_count event.
func NewGetUnreadCountMsg() GetUnreadCountMsg {
	return GetUnreadCountMsg{Type: TypeGetUnreadCount}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent parses a raw frame into a typed event. Unrecognised types
// are returned as UnknownEvent without error; an error is returned only for
// frames that are not JSON objects with a type, or whose payload does not
// decode into the struct for its type.
func ParseServerEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		ev  Event
		err error
	)

	switch env.Type {
	case TypeConnectionEstablished:
		var m ConnectionEstablishedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeChatMessage:
		var m ChatMessageEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeTyping:
		var m TypingEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeReadReceipt:
		var m ReadReceiptEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeError:
		var m ErrorEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeUnreadCount:
		var m UnreadCountEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeNewNotification:
		var m NewNotificationEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	default:
		return UnknownEvent{Type: env.Type, Raw: env.Raw}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return ev, nil
}
