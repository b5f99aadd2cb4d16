package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the visible message sequence of the active conversation. It keeps
// messages sorted by CreatedAt (ties keep arrival order) and suppresses
// duplicates by server id or by (sender, created_at, content).
//
// Optimistic copies added with AddPending are confirmed, not duplicated, when
// a server copy from the same sender with the same content arrives through
// Append or ReplaceHistory. It is goroutine-safe.
type Store struct {
	mu    sync.RWMutex
	items []Message
	ids   map[int64]struct{}
	keys  map[Key]struct{}
	now   func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		ids:  make(map[int64]struct{}),
		keys: make(map[Key]struct{}),
		now:  time.Now,
	}
}

// Append adds a server-confirmed message. It returns false when the message
// is a duplicate of one already visible. If a pending or failed local copy
// matches, that copy is replaced by m.
func (s *Store) Append(m Message) bool {
	m.LocalID = ""
	m.Status = StatusConfirmed

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seenLocked(m) {
		return false
	}
	if i := s.matchLocalLocked(m); i >= 0 {
		s.removeAtLocked(i)
	}
	s.trackLocked(m)
	s.insertLocked(m)
	return true
}

// ReplaceHistory replaces the visible sequence with the server history.
// Confirmed messages missing from history (live arrivals newer than the
// server's snapshot) are kept. Local copies are kept unless a history entry
// that was not visible before confirms them.
func (s *Store) ReplaceHistory(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevIDs, prevKeys := s.ids, s.keys
	var locals, live []Message
	for _, m := range s.items {
		if m.IsLocal() {
			locals = append(locals, m)
		} else {
			live = append(live, m)
		}
	}

	s.items = make([]Message, 0, len(history)+len(live)+len(locals))
	s.ids = make(map[int64]struct{}, len(history)+len(live))
	s.keys = make(map[Key]struct{}, len(history)+len(live))

	sorted := make([]Message, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	for _, m := range sorted {
		m.LocalID = ""
		m.Status = StatusConfirmed
		if s.seenLocked(m) {
			continue
		}
		_, oldID := prevIDs[m.ID]
		_, oldKey := prevKeys[m.Key()]
		if !(m.ID != 0 && oldID) && !oldKey {
			if i := indexOfMatch(locals, m); i >= 0 {
				locals = append(locals[:i], locals[i+1:]...)
			}
		}
		s.trackLocked(m)
		s.items = append(s.items, m)
	}

	for _, m := range live {
		if s.seenLocked(m) {
			continue
		}
		s.trackLocked(m)
		s.insertLocked(m)
	}
	for _, m := range locals {
		s.insertLocked(m)
	}
}

// AddPending inserts an optimistic copy of an outgoing message and returns
// it with its LocalID set.
func (s *Store) AddPending(conversationID int64, sender User, content string) Message {
	m := Message{
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		MessageType:    MessageTypeText,
		CreatedAt:      s.now(),
		LocalID:        uuid.NewString(),
		Status:         StatusPending,
	}

	s.mu.Lock()
	s.insertLocked(m)
	s.mu.Unlock()
	return m
}

// Lookup returns the local copy with the given LocalID. The second result is
// false once the copy has been confirmed or removed.
func (s *Store) Lookup(localID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocalLocked(localID); i >= 0 {
		return s.items[i], true
	}
	return Message{}, false
}

// MarkFailed flags a local copy as failed. It returns false if the copy is
// gone (confirmed or removed).
func (s *Store) MarkFailed(localID string) bool {
	return s.setStatus(localID, StatusFailed)
}

// Remove deletes a local copy.
func (s *Store) Remove(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocalLocked(localID)
	if i < 0 {
		return false
	}
	s.removeAtLocked(i)
	return true
}

// MarkAllRead flags every confirmed message not sent by selfID as read and
// returns how many changed.
func (s *Store) MarkAllRead(selfID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.items {
		m := &s.items[i]
		if m.Status == StatusConfirmed && m.Sender.ID != selfID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n
}

// MarkRead flags a single message as read (read receipt).
func (s *Store) MarkRead(messageID int64) bool {
	if messageID == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == messageID {
			s.items[i].IsRead = true
			return true
		}
	}
	return false
}

// Reset empties the store.
func (s *Store) Reset() {
	s.mu.Lock()
	s.items = nil
	s.ids = make(map[int64]struct{})
	s.keys = make(map[Key]struct{})
	s.mu.Unlock()
}

// Messages returns a snapshot of the visible sequence, oldest first.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of visible messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) setStatus(localID string, st Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocalLocked(localID)
	if i < 0 {
		return false
	}
	s.items[i].Status = st
	return true
}

func (s *Store) seenLocked(m Message) bool {
	if m.ID != 0 {
		if _, ok := s.ids[m.ID]; ok {
			return true
		}
	}
	_, ok := s.keys[m.Key()]
	return ok
}

func (s *Store) trackLocked(m Message) {
	if m.ID != 0 {
		s.ids[m.ID] = struct{}{}
	}
	s.keys[m.Key()] = struct{}{}
}

// matchLocalLocked finds the oldest local copy that m confirms.
func (s *Store) matchLocalLocked(m Message) int {
	for i, e := range s.items {
		if e.IsLocal() && e.Sender.ID == m.Sender.ID && e.Content == m.Content {
			return i
		}
	}
	return -1
}

func (s *Store) indexLocalLocked(localID string) int {
	if localID == "" {
		return -1
	}
	for i, e := range s.items {
		if e.LocalID == localID {
			return i
		}
	}
	return -1
}

func (s *Store) insertLocked(m Message) {
	i := sort.Search(len(s.items), func(i int) bool {
		return s.items[i].CreatedAt.After(m.CreatedAt)
	})
	s.items = append(s.items, Message{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = m
}

func (s *Store) removeAtLocked(i int) {
	s.items = append(s.items[:i], s.items[i+1:]...)
}

func indexOfMatch(locals []Message, m Message) int {
	for i, e := range locals {
		if e.Sender.ID == m.Sender.ID && e.Content == m.Content {
			return i
		}
	}
	return -1
}
