package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftline/core/internal/store"
)

// newTestManager connects to a local Redis instance and cleans up its
// queue:* keys before and after the test. Tests using this helper require
// a running Redis on localhost:6379.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, pattern := range []string{"queue:*", "matching:*"} {
			iter := client.Scan(ctx, 0, pattern, 200).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return New(store.New(client), time.Minute, 3*time.Second)
}

func TestEnqueue_RejectsDoubleJoin(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Enqueue(ctx, "u1", "s1", "video")
	if err != nil || !ok {
		t.Fatalf("first enqueue: ok=%v err=%v", ok, err)
	}
	ok, err = m.Enqueue(ctx, "u1", "s1", "video")
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if ok {
		t.Fatal("expected second enqueue of the same user to be rejected")
	}
}

func TestDequeue_RemovesEntry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "u1", "s1", "video"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ok, err := m.Dequeue(ctx, "u1", "video")
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	size, err := m.Size(ctx, "video")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Errorf("expected empty queue after dequeue, got size %d", size)
	}
}

func TestPair_ExtractsTwoOldest(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "u1", "s1", "video"); err != nil {
		t.Fatalf("enqueue u1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Enqueue(ctx, "u2", "s2", "video"); err != nil {
		t.Fatalf("enqueue u2: %v", err)
	}

	partner, err := m.Pair(ctx, "u1", "video")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if partner == nil {
		t.Fatal("expected a partner for u1")
	}
	if partner.UserID != "u2" {
		t.Errorf("expected partner u2, got %s", partner.UserID)
	}

	size, err := m.Size(ctx, "video")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Errorf("expected both entries removed, got size %d", size)
	}
}

func TestPair_NotAmongOldestReturnsNil(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "u1", "s1", "video"); err != nil {
		t.Fatalf("enqueue u1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Enqueue(ctx, "u2", "s2", "video"); err != nil {
		t.Fatalf("enqueue u2: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Enqueue(ctx, "u3", "s3", "video"); err != nil {
		t.Fatalf("enqueue u3: %v", err)
	}

	partner, err := m.Pair(ctx, "u3", "video")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if partner != nil {
		t.Fatalf("u3 is not among the two oldest, expected nil partner, got %+v", partner)
	}
}

func TestPosition(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "u1", "s1", "audio"); err != nil {
		t.Fatalf("enqueue u1: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Enqueue(ctx, "u2", "s2", "audio"); err != nil {
		t.Fatalf("enqueue u2: %v", err)
	}

	pos, err := m.Position(ctx, "u2", "audio")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos != 2 {
		t.Errorf("expected position 2, got %d", pos)
	}
}

func TestSweepStale(t *testing.T) {
	m := newTestManager(t)
	m.timeout = 100 * time.Millisecond
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "u1", "s1", "text"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Past the staleness cutoff (timeout) but before the keys' own TTL
	// (2x timeout) expires them out from under the sweep.
	time.Sleep(150 * time.Millisecond)

	n, err := m.SweepStale(ctx, "text")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept entry, got %d", n)
	}

	// The sidecar entry blob must be gone too, or a re-enqueue of the same
	// user would wrongly see it as still queued.
	ok, err := m.Enqueue(ctx, "u1", "s1-new", "text")
	if err != nil {
		t.Fatalf("re-enqueue after sweep: %v", err)
	}
	if !ok {
		t.Fatal("expected re-enqueue to succeed once the sidecar is swept along with the queue member")
	}
}

func TestRemoveFromAll_UnknownUser(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.RemoveFromAll(ctx, "ghost"); err != nil {
		t.Fatalf("expected no error removing a user not in any queue, got %v", err)
	}
}
