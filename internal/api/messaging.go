package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/multitask/messenger/internal/chat"
	"github.com/multitask/messenger/internal/conversation"
)

// ---------------------------------------------------------------------------
// Response and request bodies
// ---------------------------------------------------------------------------

// TaskInfo is the task summary embedded in a conversation detail.
type TaskInfo struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// ConversationDetail is a conversation together with its full history.
type ConversationDetail struct {
	ID               int64          `json:"id"`
	OtherParticipant *chat.User     `json:"other_participant"`
	Task             *int64         `json:"task"`
	TaskInfo         *TaskInfo      `json:"task_info"`
	Messages         []chat.Message `json:"messages"`
	IsActive         bool           `json:"is_active"`
	CreatedAt        time.Time      `json:"created_at"`
}

// SentMessage is the body returned by the send endpoint. It carries no id
// or timestamp, so callers refetch history to obtain the confirmed message.
type SentMessage struct {
	Content     string  `json:"content"`
	MessageType string  `json:"message_type"`
	Attachment  *string `json:"attachment"`
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

// CreateConversationRequest opens (or finds) a conversation with a user.
type CreateConversationRequest struct {
	ParticipantID  int64  `json:"participant_id"`
	TaskID         *int64 `json:"task_id,omitempty"`
	InitialMessage string `json:"initial_message,omitempty"`
}

// Statistics are the current user's messaging totals.
type Statistics struct {
	TotalConversations    int `json:"total_conversations"`
	ActiveConversations   int `json:"active_conversations"`
	UnreadMessages        int `json:"unread_messages"`
	TotalMessagesSent     int `json:"total_messages_sent"`
	TotalMessagesReceived int `json:"total_messages_received"`
	TotalMessages         int `json:"total_messages"`
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// ListConversations fetches the conversation list. Both a bare array and a
// paginated body are accepted.
func (c *Client) ListConversations(ctx context.Context) ([]conversation.Conversation, error) {
	var raw json.RawMessage
	if _, err := c.do(ctx, "list_conversations", http.MethodGet, "/conversations/", nil, &raw); err != nil {
		return nil, err
	}
	items, err := decodeList[conversation.Conversation](raw)
	if err != nil {
		return nil, fmt.Errorf("api: list_conversations: decode: %w", err)
	}
	return items, nil
}

// GetConversation fetches a conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, id int64) (ConversationDetail, error) {
	var d ConversationDetail
	_, err := c.do(ctx, "get_conversation", http.MethodGet, fmt.Sprintf("/conversations/%d/", id), nil, &d)
	return d, err
}

// History returns the messages of a conversation, oldest first.
func (c *Client) History(ctx context.Context, id int64) ([]chat.Message, error) {
	d, err := c.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.Messages, nil
}

// SendMessage posts a text message to a conversation.
func (c *Client) SendMessage(ctx context.Context, id int64, content string) (SentMessage, error) {
	var sent SentMessage
	req := sendMessageRequest{Content: content, MessageType: chat.MessageTypeText}
	_, err := c.do(ctx, "send_message", http.MethodPost, fmt.Sprintf("/conversations/%d/messages/send/", id), req, &sent)
	return sent, err
}

// MarkRead marks all messages from others in a conversation as read.
func (c *Client) MarkRead(ctx context.Context, id int64) error {
	_, err := c.do(ctx, "mark_read", http.MethodPost, fmt.Sprintf("/conversations/%d/mark-read/", id), struct{}{}, nil)
	return err
}

// CreateConversation returns the conversation with req.ParticipantID,
// creating it when none exists. created reports whether a new conversation
// was made.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (conv conversation.Conversation, created bool, err error) {
	code, err := c.do(ctx, "create_conversation", http.MethodPost, "/conversations/create/", req, &conv)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	return conv, code == http.StatusCreated, nil
}

// Statistics fetches messaging totals for the current user.
func (c *Client) Statistics(ctx context.Context) (Statistics, error) {
	var s Statistics
	_, err := c.do(ctx, "statistics", http.MethodGet, "/statistics/", nil, &s)
	return s, err
}
