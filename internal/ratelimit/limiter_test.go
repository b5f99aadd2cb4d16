package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, nil), client
}

func TestAllow(t *testing.T) {
	l, client := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	client.Del(ctx, rule.Key+"u1")
	t.Cleanup(func() { client.Del(ctx, rule.Key+"u1") })

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil || !ok {
			t.Fatalf("request %d should be allowed: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "u1", rule); ok {
		t.Fatal("fourth request should be limited")
	}

	ttl := client.TTL(ctx, rule.Key+"u1").Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected the window to expire within a minute, ttl=%v", ttl)
	}
	if n, err := l.Remaining(ctx, "u1", rule); err != nil || n != 0 {
		t.Errorf("expected 0 remaining, got %d (%v)", n, err)
	}
}

func TestRemaining_NoWindow(t *testing.T) {
	l, client := setupLimiter(t)
	ctx := context.Background()
	client.Del(ctx, RuleOutbox.Key+"fresh")

	n, err := l.Remaining(ctx, "fresh", RuleOutbox)
	if err != nil || n != RuleOutbox.Limit {
		t.Fatalf("expected full budget, got %d (%v)", n, err)
	}
}

func TestWindowExpires(t *testing.T) {
	l, client := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}
	client.Del(ctx, rule.Key+"u2")
	t.Cleanup(func() { client.Del(ctx, rule.Key+"u2") })

	if ok, _ := l.Allow(ctx, "u2", rule); !ok {
		t.Fatal("first request should be allowed")
	}
	if ok, _ := l.Allow(ctx, "u2", rule); ok {
		t.Fatal("second request should be limited")
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "u2", rule); !ok {
		t.Fatal("request after the window should be allowed")
	}
}
