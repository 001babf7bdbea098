package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftline/core/internal/pairing"
	"github.com/driftline/core/internal/protocol"
	"github.com/driftline/core/internal/socket"
	"github.com/driftline/core/internal/store"
)

// fakeSender records every frame sent to it, keyed by socket ID.
type fakeSender struct {
	mu  sync.Mutex
	out map[string][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{out: make(map[string][][]byte)}
}

func (f *fakeSender) Send(socketID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out[socketID] = append(f.out[socketID], data)
	return nil
}

func (f *fakeSender) messagesFor(socketID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.out[socketID]...)
}

// newTestRelay connects to a local Redis instance and cleans up the session
// and presence keys it touches before and after the test. Tests using this
// helper require a running Redis on localhost:6379.
func newTestRelay(t *testing.T) (*Relay, *fakeSender) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, pattern := range []string{"session:*", "presence:*", "sr:sockets:*"} {
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
	sm := pairing.NewSessionManager(ss, time.Minute, time.Hour, 3*time.Second)
	sender := newFakeSender()
	sr := socket.New(ss, sender, "inst-1", time.Minute)
	return New(sm, sr), sender
}

func TestCallEnd_EndsSessionWithNormalReason(t *testing.T) {
	r, sender := newTestRelay(t)
	ctx := context.Background()

	sess, err := r.sm.Create(ctx, "video", "a", "b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.sr.Register(ctx, "b", "sock-b"); err != nil {
		t.Fatalf("register b: %v", err)
	}

	if err := r.CallEnd(ctx, "a"); err != nil {
		t.Fatalf("CallEnd: %v", err)
	}

	partner, err := r.sm.PartnerOf(ctx, "b")
	if err != nil {
		t.Fatalf("PartnerOf(b) after CallEnd: %v", err)
	}
	if partner != "" {
		t.Errorf("expected session %s to be ended, but b still has partner %q", sess.ID, partner)
	}

	msgs := sender.messagesFor("sock-b")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message delivered to b, got %d", len(msgs))
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(msgs[0], &decoded); err != nil {
		t.Fatalf("unmarshal delivered message: %v", err)
	}
	if decoded["type"] != protocol.TypeCallEnd {
		t.Errorf("expected a %s event, got %v", protocol.TypeCallEnd, decoded["type"])
	}
}

// TestDisconnect_EndsSessionWithDisconnectReason covers review comment #5:
// the Connection Supervisor's disconnect cascade must end the session with
// reason=disconnect and notify the partner with match:disconnected, not
// silently reuse CallEnd's normal-reason call:end path.
func TestDisconnect_EndsSessionWithDisconnectReason(t *testing.T) {
	r, sender := newTestRelay(t)
	ctx := context.Background()

	if _, err := r.sm.Create(ctx, "video", "a", "b"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.sr.Register(ctx, "b", "sock-b"); err != nil {
		t.Fatalf("register b: %v", err)
	}

	if err := r.Disconnect(ctx, "a"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	partner, err := r.sm.PartnerOf(ctx, "b")
	if err != nil {
		t.Fatalf("PartnerOf(b) after Disconnect: %v", err)
	}
	if partner != "" {
		t.Errorf("expected session to be ended, but b still has partner %q", partner)
	}

	msgs := sender.messagesFor("sock-b")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message delivered to b, got %d", len(msgs))
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(msgs[0], &decoded); err != nil {
		t.Fatalf("unmarshal delivered message: %v", err)
	}
	if decoded["type"] != protocol.TypeMatchDisconnected {
		t.Errorf("expected a %s event, got %v", protocol.TypeMatchDisconnected, decoded["type"])
	}
	if decoded["reason"] != "disconnect" {
		t.Errorf("expected reason %q, got %v", "disconnect", decoded["reason"])
	}
}
