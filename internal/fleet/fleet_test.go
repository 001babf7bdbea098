package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftline/core/internal/store"
)

// newTestCoordinator connects to a local Redis instance and cleans up its
// fleet:* keys before and after the test. Tests using this helper require
// a running Redis on localhost:6379.
func newTestCoordinator(t *testing.T, port int) *Coordinator {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, "fleet:*", 200).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return New(store.New(client), "test-host", port, 30*time.Second, time.Hour, func() int { return 0 })
}

func TestStart_WritesHealthyRecord(t *testing.T) {
	c := newTestCoordinator(t, 9001)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	accept, err := c.ShouldAccept(ctx)
	if err != nil {
		t.Fatalf("ShouldAccept: %v", err)
	}
	if !accept {
		t.Fatal("a freshly started instance under normal load should accept connections")
	}
}

func TestGetHealthyInstances_SeesSelf(t *testing.T) {
	c := newTestCoordinator(t, 9002)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	instances, err := c.GetHealthyInstances(ctx)
	if err != nil {
		t.Fatalf("GetHealthyInstances: %v", err)
	}
	found := false
	for _, rec := range instances {
		if rec.InstanceID == c.InstanceID() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected self (%s) among healthy instances, got %+v", c.InstanceID(), instances)
	}
}

func TestDeregister_RemovesRecord(t *testing.T) {
	c := newTestCoordinator(t, 9003)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()

	if err := c.Deregister(ctx); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	instances, err := c.GetHealthyInstances(ctx)
	if err != nil {
		t.Fatalf("GetHealthyInstances: %v", err)
	}
	for _, rec := range instances {
		if rec.InstanceID == c.InstanceID() {
			t.Fatalf("expected instance record gone after Deregister, still present: %+v", rec)
		}
	}
}

func TestLeastLoaded_PicksLowerScore(t *testing.T) {
	light := Record{InstanceID: "light", CPUPct: 10, MemPct: 10, ActiveConnections: 0, Healthy: true, LastHeartbeat: time.Now()}
	heavy := Record{InstanceID: "heavy", CPUPct: 80, MemPct: 80, ActiveConnections: 500, Healthy: true, LastHeartbeat: time.Now()}

	if loadScore(light) >= loadScore(heavy) {
		t.Fatalf("expected light instance to score lower: light=%.2f heavy=%.2f", loadScore(light), loadScore(heavy))
	}
}

func TestEncodeDecodeRecord_RoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	original := Record{
		Host: "h1", Port: 8080, CPUPct: 12.5, MemPct: 33.25,
		ActiveConnections: 7, LastHeartbeat: now, Healthy: true,
	}
	encoded := encodeRecord(original)
	decoded, err := decodeRecord("some-id", encoded)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if decoded.Host != original.Host || decoded.Port != original.Port {
		t.Errorf("host/port mismatch: %+v vs %+v", decoded, original)
	}
	if decoded.ActiveConnections != original.ActiveConnections {
		t.Errorf("activeConnections mismatch: got %d want %d", decoded.ActiveConnections, original.ActiveConnections)
	}
	if decoded.Healthy != original.Healthy {
		t.Errorf("healthy mismatch: got %v want %v", decoded.Healthy, original.Healthy)
	}
	if !decoded.LastHeartbeat.Equal(original.LastHeartbeat) {
		t.Errorf("lastHeartbeat mismatch: got %v want %v", decoded.LastHeartbeat, original.LastHeartbeat)
	}
}
