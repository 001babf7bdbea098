package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftline/core/internal/store"
)

// newTestSessionManager connects to a local Redis instance and cleans up its
// session:* keys before and after the test. Tests using this helper require
// a running Redis on localhost:6379.
func newTestSessionManager(t *testing.T) *SessionManager {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, "session:*", 200).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewSessionManager(store.New(client), time.Minute, time.Hour, 3*time.Second)
}

func TestCreate_RejectsWhenAlreadyInSession(t *testing.T) {
	sm := newTestSessionManager(t)
	ctx := context.Background()

	if _, err := sm.Create(ctx, "video", "a", "b"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := sm.Create(ctx, "video", "a", "c"); err == nil {
		t.Fatal("expected an error creating a second session for an already-paired user")
	}
}

func TestPartnerOf_ResolvesViaReversePointer(t *testing.T) {
	sm := newTestSessionManager(t)
	ctx := context.Background()

	if _, err := sm.Create(ctx, "video", "a", "b"); err != nil {
		t.Fatalf("create: %v", err)
	}

	partner, err := sm.PartnerOf(ctx, "a")
	if err != nil {
		t.Fatalf("PartnerOf(a): %v", err)
	}
	if partner != "b" {
		t.Errorf("expected partner b, got %q", partner)
	}

	partner, err = sm.PartnerOf(ctx, "b")
	if err != nil {
		t.Fatalf("PartnerOf(b): %v", err)
	}
	if partner != "a" {
		t.Errorf("expected partner a, got %q", partner)
	}
}

func TestEnd_IsIdempotent(t *testing.T) {
	sm := newTestSessionManager(t)
	ctx := context.Background()

	sess, err := sm.Create(ctx, "video", "a", "b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := sm.End(ctx, sess.ID, ReasonNormal)
	if err != nil {
		t.Fatalf("first End: %v", err)
	}
	if !ok {
		t.Fatal("expected first End to succeed")
	}

	ok, err = sm.End(ctx, sess.ID, ReasonNormal)
	if err != nil {
		t.Fatalf("second End: %v", err)
	}
	if ok {
		t.Fatal("expected second End on an already-ended session to return false")
	}

	partner, err := sm.PartnerOf(ctx, "a")
	if err != nil {
		t.Fatalf("PartnerOf after end: %v", err)
	}
	if partner != "" {
		t.Errorf("expected no partner after End, got %q", partner)
	}
}

func TestEndForUser_EndsTheirActiveSession(t *testing.T) {
	sm := newTestSessionManager(t)
	ctx := context.Background()

	sess, err := sm.Create(ctx, "audio", "a", "b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ended, err := sm.EndForUser(ctx, "a", ReasonDisconnect)
	if err != nil {
		t.Fatalf("EndForUser: %v", err)
	}
	if ended == nil || ended.ID != sess.ID {
		t.Fatalf("expected to end session %s, got %+v", sess.ID, ended)
	}

	again, err := sm.ActiveSessionFor(ctx, "b")
	if err != nil {
		t.Fatalf("ActiveSessionFor(b): %v", err)
	}
	if again != nil {
		t.Fatalf("expected b to have no active session after partner's disconnect, got %+v", again)
	}
}

func TestExtend_RefreshesBothReversePointers(t *testing.T) {
	sm := newTestSessionManager(t)
	sm.ttl = 50 * time.Millisecond
	ctx := context.Background()

	sess, err := sm.Create(ctx, "video", "a", "b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := sm.Extend(ctx, sess.ID); err != nil {
		t.Fatalf("extend: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	// Both reverse pointers should have survived past the original TTL
	// because Extend refreshed both, not just userA's.
	for _, uid := range []string{"a", "b"} {
		partner, err := sm.PartnerOf(ctx, uid)
		if err != nil {
			t.Fatalf("PartnerOf(%s) after extend: %v", uid, err)
		}
		if partner == "" {
			t.Errorf("expected %s's reverse pointer to survive Extend, but it was gone", uid)
		}
	}
}

func TestSweepAbandoned_EndsOverdueSessions(t *testing.T) {
	sm := newTestSessionManager(t)
	sm.maxDuration = 10 * time.Millisecond
	ctx := context.Background()

	if _, err := sm.Create(ctx, "video", "a", "b"); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	n, err := sm.SweepAbandoned(ctx)
	if err != nil {
		t.Fatalf("SweepAbandoned: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 abandoned session swept, got %d", n)
	}

	partner, err := sm.PartnerOf(ctx, "a")
	if err != nil {
		t.Fatalf("PartnerOf after sweep: %v", err)
	}
	if partner != "" {
		t.Errorf("expected no active partner after sweep, got %q", partner)
	}
}
