package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/multitask/messenger/internal/chat"
)

const (
	// CredentialsPrefix is the Redis key prefix for saved sign-ins, keyed by
	// profile name.
	CredentialsPrefix = "credentials:"

	// DefaultTTL applies when the access token carries no expiry.
	DefaultTTL = 24 * time.Hour
)

// stored is the Redis hash layout.
type stored struct {
	AccessToken  string `redis:"access_token"`
	RefreshToken string `redis:"refresh_token"`
	User         string `redis:"user"` // JSON-encoded chat.User
	SavedAt      int64  `redis:"saved_at"`
}

// RedisStore persists credentials in a Redis hash so that several client
// processes on one machine share a sign-in.
type RedisStore struct {
	client  *redis.Client
	profile string
	now     func() time.Time
}

// NewRedisStore creates a credentials store for profile.
func NewRedisStore(client *redis.Client, profile string) *RedisStore {
	if profile == "" {
		profile = "default"
	}
	return &RedisStore{client: client, profile: profile, now: time.Now}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("credentials: redis connection failed: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key() string {
	return CredentialsPrefix + s.profile
}

// Load returns the saved credentials or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context) (Credentials, error) {
	var st stored
	if err := s.client.HGetAll(ctx, s.key()).Scan(&st); err != nil {
		return Credentials{}, fmt.Errorf("credentials: load: %w", err)
	}
	if st.AccessToken == "" {
		return Credentials{}, ErrNotFound
	}

	c := Credentials{AccessToken: st.AccessToken, RefreshToken: st.RefreshToken}
	if st.User != "" {
		var u chat.User
		if err := json.Unmarshal([]byte(st.User), &u); err != nil {
			return Credentials{}, fmt.Errorf("credentials: decode user: %w", err)
		}
		c.User = u
	}
	return c, nil
}

// Save stores c. The key expires with the access token.
func (s *RedisStore) Save(ctx context.Context, c Credentials) error {
	user, err := json.Marshal(c.User)
	if err != nil {
		return fmt.Errorf("credentials: encode user: %w", err)
	}

	ttl := DefaultTTL
	if claims, err := ParseClaims(c.AccessToken); err == nil && !claims.ExpiresAt.IsZero() {
		if d := claims.ExpiresAt.Sub(s.now()); d > 0 {
			ttl = d
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key())
	pipe.HSet(ctx, s.key(), map[string]interface{}{
		"access_token":  c.AccessToken,
		"refresh_token": c.RefreshToken,
		"user":          string(user),
		"saved_at":      s.now().Unix(),
	})
	pipe.Expire(ctx, s.key(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("credentials: save: %w", err)
	}
	return nil
}

// Clear removes the saved credentials.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key()).Err()
}

// TTL returns the remaining lifetime of the saved credentials.
func (s *RedisStore) TTL(ctx context.Context) (time.Duration, error) {
	return s.client.TTL(ctx, s.key()).Result()
}
