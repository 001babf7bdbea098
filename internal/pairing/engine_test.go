package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftline/core/internal/queue"
	"github.com/driftline/core/internal/socket"
	"github.com/driftline/core/internal/store"
)

// discardSender implements socket.Sender but never actually delivers
// anything; engine tests assert on queue/session state, not wire frames.
type discardSender struct{}

func (discardSender) Send(socketID string, data []byte) error { return nil }

// newTestEngine connects to a local Redis instance and cleans up the keys
// the queue, session, and socket packages use before and after the test.
// Tests using this helper require a running Redis on localhost:6379.
func newTestEngine(t *testing.T, modalities []string) *Engine {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, pattern := range []string{"queue:*", "matching:*", "session:*", "presence:*"} {
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

	ss := store.New(client)
	qm := queue.New(ss, time.Minute, 3*time.Second)
	sm := NewSessionManager(ss, time.Minute, time.Hour, 3*time.Second)
	sr := socket.New(ss, discardSender{}, "inst-test", time.Minute)

	return NewEngine(qm, sm, sr, time.Hour, modalities)
}

func TestQuickMatch_PairsTwoWaitingUsers(t *testing.T) {
	e := newTestEngine(t, []string{"video"})
	ctx := context.Background()

	if err := e.QuickMatch(ctx, "a", "sock-a", "video"); err != nil {
		t.Fatalf("QuickMatch(a): %v", err)
	}
	if err := e.QuickMatch(ctx, "b", "sock-b", "video"); err != nil {
		t.Fatalf("QuickMatch(b): %v", err)
	}

	sessA, err := e.sm.ActiveSessionFor(ctx, "a")
	if err != nil {
		t.Fatalf("ActiveSessionFor(a): %v", err)
	}
	if sessA == nil {
		t.Fatal("expected a to be paired into an active session")
	}
	if sessA.Other("a") != "b" {
		t.Errorf("expected a's partner to be b, got %s", sessA.Other("a"))
	}
}

func TestQuickMatch_SecondJoinRejectsDuplicateQueue(t *testing.T) {
	e := newTestEngine(t, []string{"video"})
	ctx := context.Background()

	if err := e.QuickMatch(ctx, "a", "sock-a", "video"); err != nil {
		t.Fatalf("first QuickMatch: %v", err)
	}
	if err := e.QuickMatch(ctx, "a", "sock-a2", "video"); err == nil {
		t.Fatal("expected an error re-joining the queue while already waiting")
	}
}

func TestCancel_RemovesFromQueue(t *testing.T) {
	e := newTestEngine(t, []string{"video"})
	ctx := context.Background()

	if err := e.QuickMatch(ctx, "a", "sock-a", "video"); err != nil {
		t.Fatalf("QuickMatch: %v", err)
	}
	ok, err := e.Cancel(ctx, "a", "video")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("expected Cancel to remove a from the queue")
	}

	status, err := e.QueryStatus(ctx, "a")
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if status.InQueue {
		t.Fatalf("expected a to no longer be queued, got %+v", status)
	}
}

func TestWithFriend_CreatesDirectSession(t *testing.T) {
	e := newTestEngine(t, []string{"video"})
	ctx := context.Background()

	sess, err := e.WithFriend(ctx, "a", "b", "video")
	if err != nil {
		t.Fatalf("WithFriend: %v", err)
	}
	if sess.Other("a") != "b" {
		t.Errorf("expected friend session between a and b, got %+v", sess)
	}
}

func TestWithFriend_RejectsWhenAlreadyInSession(t *testing.T) {
	e := newTestEngine(t, []string{"video"})
	ctx := context.Background()

	if _, err := e.WithFriend(ctx, "a", "b", "video"); err != nil {
		t.Fatalf("first WithFriend: %v", err)
	}
	if _, err := e.WithFriend(ctx, "a", "c", "video"); err == nil {
		t.Fatal("expected an error pairing a again while already in a session")
	}
}

func TestRematch_EndsCurrentSessionAndRequeues(t *testing.T) {
	e := newTestEngine(t, []string{"video"})
	ctx := context.Background()

	if _, err := e.WithFriend(ctx, "a", "b", "video"); err != nil {
		t.Fatalf("WithFriend: %v", err)
	}

	if err := e.Rematch(ctx, "a", "video"); err != nil {
		t.Fatalf("Rematch: %v", err)
	}

	active, err := e.sm.ActiveSessionFor(ctx, "a")
	if err != nil {
		t.Fatalf("ActiveSessionFor(a): %v", err)
	}
	if active != nil {
		t.Fatalf("expected a's old session ended by Rematch, still active: %+v", active)
	}

	status, err := e.QueryStatus(ctx, "a")
	if err != nil {
		t.Fatalf("QueryStatus(a): %v", err)
	}
	if !status.InQueue {
		t.Fatal("expected a to be back in the queue after Rematch with no waiting partner")
	}
}

func TestQueryStatus_NoneWhenIdle(t *testing.T) {
	e := newTestEngine(t, []string{"video", "audio"})
	ctx := context.Background()

	status, err := e.QueryStatus(ctx, "ghost")
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if status.InQueue {
		t.Fatalf("expected an idle user to not be in queue, got %+v", status)
	}
}
