package socket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

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

// newTestRegistry connects to a local Redis instance and cleans up its
// presence/fanout keys before and after the test. Tests using this helper
// require a running Redis on localhost:6379.
func newTestRegistry(t *testing.T, sender Sender, instanceID string) *Registry {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, pattern := range []string{"presence:*", "sr:sockets:*"} {
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
	return New(store.New(client), sender, instanceID, time.Minute)
}

func TestRegisterUnregister_LocalDelivery(t *testing.T) {
	sender := newFakeSender()
	r := newTestRegistry(t, sender, "inst-1")
	ctx := context.Background()

	if err := r.Register(ctx, "u1", "sock-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.ConnectionCount() != 1 {
		t.Fatalf("expected 1 local connection, got %d", r.ConnectionCount())
	}

	payload, _ := json.Marshal(map[string]string{"text": "hi"})
	r.EmitToUser(ctx, "u1", "chat:message", payload)

	msgs := sender.messagesFor("sock-1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(msgs))
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(msgs[0], &decoded); err != nil {
		t.Fatalf("unmarshal delivered message: %v", err)
	}
	if decoded["type"] != "chat:message" || decoded["text"] != "hi" {
		t.Errorf("unexpected delivered message: %v", decoded)
	}

	if err := r.Unregister(ctx, "sock-1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if r.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections after unregister, got %d", r.ConnectionCount())
	}
}

func TestSocketsForUser_MultipleSockets(t *testing.T) {
	sender := newFakeSender()
	r := newTestRegistry(t, sender, "inst-1")
	ctx := context.Background()

	if err := r.Register(ctx, "u1", "sock-a"); err != nil {
		t.Fatalf("register sock-a: %v", err)
	}
	if err := r.Register(ctx, "u1", "sock-b"); err != nil {
		t.Fatalf("register sock-b: %v", err)
	}

	sockets := r.SocketsForUser("u1")
	if len(sockets) != 2 {
		t.Fatalf("expected 2 sockets for u1, got %d: %v", len(sockets), sockets)
	}
}

// TestUnregister_StaysOnlineUntilLastFleetSocketCloses covers spec §4.8's
// multi-tab/multi-instance presence rule: a user connected to two
// instances must only go offline once both sockets close, not after the
// first one.
func TestUnregister_StaysOnlineUntilLastFleetSocketCloses(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		for _, pattern := range []string{"presence:*", "sr:sockets:*"} {
			iter := client.Scan(ctx, 0, pattern, 200).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
		client.Close()
	})

	ss := store.New(client)
	r1 := New(ss, newFakeSender(), "inst-1", time.Minute)
	r2 := New(ss, newFakeSender(), "inst-2", time.Minute)

	if err := r1.Register(ctx, "u1", "sock-on-1"); err != nil {
		t.Fatalf("register on inst-1: %v", err)
	}
	if err := r2.Register(ctx, "u1", "sock-on-2"); err != nil {
		t.Fatalf("register on inst-2: %v", err)
	}

	if err := r1.Unregister(ctx, "sock-on-1"); err != nil {
		t.Fatalf("unregister inst-1's socket: %v", err)
	}
	if _, ok, err := ss.GetString(ctx, presenceKey("u1")); err != nil || !ok {
		t.Fatalf("expected presence to survive while inst-2's socket is still open: ok=%v err=%v", ok, err)
	}

	if err := r2.Unregister(ctx, "sock-on-2"); err != nil {
		t.Fatalf("unregister inst-2's socket: %v", err)
	}
	if _, ok, err := ss.GetString(ctx, presenceKey("u1")); err != nil || ok {
		t.Fatalf("expected presence to be cleared once the last fleet socket closed: ok=%v err=%v", ok, err)
	}
}

func TestEmitToUser_NoLocalSocketFansOut(t *testing.T) {
	sender := newFakeSender()
	r := newTestRegistry(t, sender, "inst-1")
	ctx := context.Background()

	// u1 has no local socket on this registry; EmitToUser should not attempt
	// local delivery and should publish the event on the fan-out channel.
	sub := r.ss.Subscribe(ctx, fanoutChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe to fan-out channel: %v", err)
	}

	r.EmitToUser(ctx, "u1", "chat:message", []byte(`{"text":"hi"}`))

	if len(sender.messagesFor("sock-1")) != 0 {
		t.Fatal("expected no local delivery for a user with no local socket")
	}

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	if err != nil {
		t.Fatalf("expected a fan-out message for u1: %v", err)
	}
	var fm fanoutMessage
	if err := json.Unmarshal([]byte(msg.Payload), &fm); err != nil || fm.TargetUserID != "u1" || fm.Event != "chat:message" {
		t.Fatalf("unexpected fan-out message %q: %v", msg.Payload, err)
	}
}
