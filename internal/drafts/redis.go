package drafts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DraftPrefix is the Redis key prefix for draft hashes:
	// draft:<user_id>:<local_id>.
	DraftPrefix = "draft:"

	// IndexPrefix is the key prefix of the per-user sorted set of local ids,
	// scored by failure time.
	IndexPrefix = "drafts:"

	// DraftTTL bounds how long an undelivered message is kept.
	DraftTTL = 7 * 24 * time.Hour
)

// RedisStore persists drafts in Redis, namespaced by user id so several
// accounts can share one instance.
type RedisStore struct {
	rdb    *redis.Client
	userID int64
}

// NewRedisStore creates a draft store for userID.
func NewRedisStore(rdb *redis.Client, userID int64) *RedisStore {
	return &RedisStore{rdb: rdb, userID: userID}
}

func (s *RedisStore) key(localID string) string {
	return DraftPrefix + strconv.FormatInt(s.userID, 10) + ":" + localID
}

func (s *RedisStore) index() string {
	return IndexPrefix + strconv.FormatInt(s.userID, 10)
}

// Save stores or overwrites a draft and refreshes its TTL.
func (s *RedisStore) Save(ctx context.Context, d Draft) error {
	key := s.key(d.LocalID)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"local_id":        d.LocalID,
		"conversation_id": d.ConversationID,
		"content":         d.Content,
		"reason":          d.Reason,
		"failed_at":       d.FailedAt,
		"attempts":        d.Attempts,
	})
	pipe.Expire(ctx, key, DraftTTL)
	pipe.ZAdd(ctx, s.index(), redis.Z{Score: float64(d.FailedAt), Member: d.LocalID})
	pipe.Expire(ctx, s.index(), DraftTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drafts: save: %w", err)
	}
	return nil
}

// Delete removes a draft. Deleting an unknown draft is not an error.
func (s *RedisStore) Delete(ctx context.Context, localID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.key(localID))
	pipe.ZRem(ctx, s.index(), localID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drafts: delete: %w", err)
	}
	return nil
}

// List returns the user's drafts oldest first. Index entries whose hash has
// expired are pruned.
func (s *RedisStore) List(ctx context.Context) ([]Draft, error) {
	ids, err := s.rdb.ZRange(ctx, s.index(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("drafts: list: %w", err)
	}

	out := make([]Draft, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		var d Draft
		if err := s.rdb.HGetAll(ctx, s.key(id)).Scan(&d); err != nil {
			return nil, fmt.Errorf("drafts: list: %w", err)
		}
		if d.LocalID == "" {
			stale = append(stale, id)
			continue
		}
		out = append(out, d)
	}

	if len(stale) > 0 {
		s.rdb.ZRem(ctx, s.index(), stale...)
	}
	return out, nil
}
