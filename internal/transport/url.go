package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// ConversationURL builds the conversation-scope live channel URL,
// e.g. ws://host/ws/chat/42/?token=...
func ConversationURL(base string, conversationID int64, token string) string {
	return fmt.Sprintf("%s/chat/%d/?token=%s", strings.TrimRight(base, "/"), conversationID, url.QueryEscape(token))
}

// NotificationsURL builds the user-scope notification channel URL.
func NotificationsURL(base string, token string) string {
	return fmt.Sprintf("%s/notifications/?token=%s", strings.TrimRight(base, "/"), url.QueryEscape(token))
}
