package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/multitask/messenger/internal/chat"
)

// Fetcher loads the current user's conversations from the server.
type Fetcher interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
}

// List is the ordered conversation list. The most recently active
// conversation is first. It is safe for concurrent use.
type List struct {
	fetcher Fetcher
	selfID  int64
	logger  *slog.Logger

	mu     sync.RWMutex
	items  []Conversation
	active int64
}

// NewList creates an empty list for the user selfID.
func NewList(fetcher Fetcher, selfID int64, logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}
	return &List{fetcher: fetcher, selfID: selfID, logger: logger}
}

// LoadAll replaces the list with the server's. A failed fetch is logged and
// leaves the list empty; it is never returned to the caller.
func (l *List) LoadAll(ctx context.Context) []Conversation {
	items, err := l.fetcher.ListConversations(ctx)
	if err != nil {
		l.logger.Warn("[conversation] load failed", "err", err)
		items = nil
	}
	for i := range items {
		if items[i].UnreadCount < 0 {
			items[i].UnreadCount = 0
		}
	}

	l.mu.Lock()
	l.items = items
	if l.active != 0 {
		if i := l.indexLocked(l.active); i >= 0 {
			l.items[i].UnreadCount = 0
		}
	}
	out := l.snapshotLocked()
	l.mu.Unlock()
	return out
}

// ApplyIncomingPreview records msg as the latest message of conversationID
// and moves that conversation to the top. The unread counter grows only for
// messages from others in a conversation that is not active. It reports
// false when the conversation is not in the list.
func (l *List) ApplyIncomingPreview(conversationID int64, msg chat.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(conversationID)
	if i < 0 {
		return false
	}
	c := l.items[i]
	c.LastMessageContent = msg.Content
	at := msg.CreatedAt
	c.LastMessageAt = &at
	if conversationID == l.active {
		c.UnreadCount = 0
	} else if msg.Sender.ID != l.selfID {
		c.UnreadCount++
	}

	copy(l.items[1:i+1], l.items[:i])
	l.items[0] = c
	return true
}

// MarkRead zeroes the unread counter of conversationID.
func (l *List) MarkRead(conversationID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(conversationID)
	if i < 0 {
		return false
	}
	l.items[i].UnreadCount = 0
	return true
}

// SetActive records the open conversation; 0 means none.
func (l *List) SetActive(conversationID int64) {
	l.mu.Lock()
	l.active = conversationID
	l.mu.Unlock()
}

// Active returns the open conversation id, or 0.
func (l *List) Active() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Get returns the conversation with the given id.
func (l *List) Get(conversationID int64) (Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.indexLocked(conversationID)
	if i < 0 {
		return Conversation{}, false
	}
	return l.items[i], true
}

// Upsert replaces an existing conversation in place or prepends a new one.
func (l *List) Upsert(c Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(c.ID); i >= 0 {
		l.items[i] = c
		return
	}
	l.items = append([]Conversation{c}, l.items...)
}

// All returns a snapshot of the list in display order.
func (l *List) All() []Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Filter returns the conversations whose other participant's username, task
// title or last message contains query, case-insensitively. An empty query
// matches everything.
func (l *List) Filter(query string) []Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	l.mu.RLock()
	defer l.mu.RUnlock()
	if q == "" {
		return l.snapshotLocked()
	}
	var out []Conversation
	for _, c := range l.items {
		if matches(c, q) {
			out = append(out, c)
		}
	}
	return out
}

func matches(c Conversation, q string) bool {
	for _, field := range []string{c.OtherUsername(), c.TaskTitle, c.LastMessageContent} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// SelectInitial picks the conversation to open first: the one with
// preferredUserID when that user has a conversation, else the first in the
// list. It reports false when the list is empty.
func (l *List) SelectInitial(preferredUserID int64) (Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if preferredUserID != 0 {
		for _, c := range l.items {
			if c.OtherID() == preferredUserID {
				return c, true
			}
		}
	}
	if len(l.items) == 0 {
		return Conversation{}, false
	}
	return l.items[0], true
}

// TotalUnread sums the unread counters.
func (l *List) TotalUnread() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, c := range l.items {
		n += c.UnreadCount
	}
	return n
}

func (l *List) indexLocked(id int64) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *List) snapshotLocked() []Conversation {
	out := make([]Conversation, len(l.items))
	copy(out, l.items)
	return out
}
