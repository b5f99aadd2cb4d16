// Package drafts persists outgoing messages that could not be delivered so
// that their text survives until the user retries or dismisses them.
package drafts

import (
	"context"
	"sort"
	"sync"
)

// Draft is an undelivered outgoing message.
type Draft struct {
	LocalID        string `redis:"local_id"`
	ConversationID int64  `redis:"conversation_id"`
	Content        string `redis:"content"`
	Reason         string `redis:"reason"`    // last delivery error
	FailedAt       int64  `redis:"failed_at"` // unix milliseconds
	Attempts       int    `redis:"attempts"`
}

// Store persists drafts. Implementations must be safe for concurrent use.
type Store interface {
	Save(ctx context.Context, d Draft) error
	Delete(ctx context.Context, localID string) error
	List(ctx context.Context) ([]Draft, error)
}

// MemoryStore keeps drafts for the lifetime of the process.
type MemoryStore struct {
	mu     sync.Mutex
	drafts map[string]Draft
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string]Draft)}
}

func (s *MemoryStore) Save(ctx context.Context, d Draft) error {
	s.mu.Lock()
	s.drafts[d.LocalID] = d
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, localID string) error {
	s.mu.Lock()
	delete(s.drafts, localID)
	s.mu.Unlock()
	return nil
}

// List returns drafts oldest first.
func (s *MemoryStore) List(ctx context.Context) ([]Draft, error) {
	s.mu.Lock()
	out := make([]Draft, 0, len(s.drafts))
	for _, d := range s.drafts {
		out = append(out, d)
	}
	s.mu.Unlock()
	sortDrafts(out)
	return out, nil
}

func sortDrafts(ds []Draft) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].FailedAt != ds[j].FailedAt {
			return ds[i].FailedAt < ds[j].FailedAt
		}
		return ds[i].LocalID < ds[j].LocalID
	})
}
