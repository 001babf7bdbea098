package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter connects to a local Redis instance and cleans up its
// rl:* keys before and after the test. Tests using this helper require a
// running Redis on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, "rl:*", 200).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_WithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := NewMessageRule(3)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow #%d: expected allowed within limit", i)
		}
	}
}

func TestAllow_ExceedsLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := NewMessageRule(2)

	for i := 0; i < 2; i++ {
		if ok, err := l.Allow(ctx, "u2", rule); err != nil || !ok {
			t.Fatalf("Allow #%d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "u2", rule)
	if err != nil {
		t.Fatalf("Allow over limit: %v", err)
	}
	if ok {
		t.Fatal("expected the request past the limit to be rejected")
	}
}

func TestAllow_IsolatedByIdentifier(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := NewMessageRule(1)

	if ok, err := l.Allow(ctx, "userA", rule); err != nil || !ok {
		t.Fatalf("userA: ok=%v err=%v", ok, err)
	}
	// userB has its own independent counter.
	if ok, err := l.Allow(ctx, "userB", rule); err != nil || !ok {
		t.Fatalf("userB: ok=%v err=%v", ok, err)
	}
}

func TestAllow_ResetsAfterWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 50 * time.Millisecond}

	if ok, err := l.Allow(ctx, "u3", rule); err != nil || !ok {
		t.Fatalf("first: ok=%v err=%v", ok, err)
	}
	if ok, err := l.Allow(ctx, "u3", rule); err != nil || ok {
		t.Fatalf("second (same window): expected rejected, got ok=%v err=%v", ok, err)
	}

	time.Sleep(80 * time.Millisecond)

	if ok, err := l.Allow(ctx, "u3", rule); err != nil || !ok {
		t.Fatalf("after window reset: expected allowed, got ok=%v err=%v", ok, err)
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := NewQueueJoinRule(5, time.Minute)

	remaining, err := l.Remaining(ctx, "u4", rule)
	if err != nil {
		t.Fatalf("Remaining (unset key): %v", err)
	}
	if remaining != 5 {
		t.Errorf("expected full limit 5 for an unset key, got %d", remaining)
	}

	if _, err := l.Allow(ctx, "u4", rule); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	remaining, err = l.Remaining(ctx, "u4", rule)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != 4 {
		t.Errorf("expected remaining 4 after one request, got %d", remaining)
	}
}
