// Package fleet implements the Fleet Coordinator: instance registration,
// load-sampling heartbeats, admission control, and dead-instance reaping.
// The teacher has no equivalent of this — it runs a single process — so
// this package is new code, grounded on the teacher's ticker-driven
// background-task shape (matching/service.go's matchLoop, matching/
// cleanup.go's StartCleanup) for its heartbeat loop, with real host
// sampling via gopsutil rather than a stub.
package fleet

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/driftline/core/internal/messaging"
	"github.com/driftline/core/internal/metrics"
	"github.com/driftline/core/internal/store"
)

const (
	instanceKeyPrefix   = "fleet:instance:"
	timeseriesKeyPrefix = "fleet:timeseries:"
	timeseriesCap       = 100
	timeseriesTTL       = 1 * time.Hour
	deadAfter           = 60 * time.Second
	healthyWindow       = 30 * time.Second

	cpuOverloadPct = 90.0
	memOverloadPct = 85.0
)

// Record is one instance's liveness and load snapshot.
type Record struct {
	InstanceID        string
	Host              string
	Port              int
	CPUPct            float64
	MemPct            float64
	ActiveConnections int
	LastHeartbeat     time.Time
	Healthy           bool
}

// Coordinator owns this process's instance record and the fleet-wide view
// derived from everyone else's.
type Coordinator struct {
	ss         *store.Store
	bus        *messaging.NATSClient // optional; nil disables the lifecycle broadcast
	instanceID string
	host       string
	port       int
	ttl        time.Duration
	interval   time.Duration
	connCount  func() int

	stop chan struct{}
}

// New builds a Coordinator. connCount reports the current number of
// locally-held socket connections (the Socket Registry's ConnectionCount),
// used as the load sample's activeConnections field.
func New(ss *store.Store, host string, port int, ttl, heartbeatInterval time.Duration, connCount func() int) *Coordinator {
	return &Coordinator{
		ss:         ss,
		instanceID: newInstanceID(host),
		host:       host,
		port:       port,
		ttl:        ttl,
		interval:   heartbeatInterval,
		connCount:  connCount,
		stop:       make(chan struct{}),
	}
}

// SetBus attaches the fleet-wide lifecycle broadcast. The Shared Store
// record remains authoritative; the bus only lets peers react to a join,
// clean leave, or reap faster than their next SCAN would notice it.
func (c *Coordinator) SetBus(bus *messaging.NATSClient) { c.bus = bus }

func newInstanceID(host string) string {
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}

// InstanceID returns this process's generated instance identifier.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Start writes the initial instance record and begins the heartbeat loop.
// It returns after the first record is written; the loop runs in the
// background until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.heartbeatOnce(ctx); err != nil {
		return fmt.Errorf("fleet: initial heartbeat: %w", err)
	}
	c.publishLifecycle(messaging.SubjectInstanceJoin)

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if err := c.heartbeatOnce(ctx); err != nil {
					log.Printf("fleet: heartbeat failed: %v", err)
				}
			}
		}
	}()
	return nil
}

// Stop ends the heartbeat loop without removing the instance record;
// callers should call Deregister first during a graceful shutdown.
func (c *Coordinator) Stop() { close(c.stop) }

// Deregister removes this instance's record, used during graceful
// shutdown so the fleet view reflects the departure immediately instead
// of waiting for the TTL or reaper.
func (c *Coordinator) Deregister(ctx context.Context) error {
	c.publishLifecycle(messaging.SubjectInstanceLeave)
	return c.ss.Delete(ctx, instanceKeyPrefix+c.instanceID)
}

// publishLifecycle is a best-effort broadcast; a missing or down bus never
// blocks or fails the caller.
func (c *Coordinator) publishLifecycle(subject string) {
	if c.bus == nil {
		return
	}
	payload := []byte(fmt.Sprintf(`{"instanceId":%q,"host":%q,"port":%d}`, c.instanceID, c.host, c.port))
	if err := c.bus.Publish(subject, payload); err != nil {
		log.Printf("fleet: lifecycle publish %s failed: %v", subject, err)
	}
}

func (c *Coordinator) heartbeatOnce(ctx context.Context) error {
	cpuPct, memPct := sampleLoad()
	conns := 0
	if c.connCount != nil {
		conns = c.connCount()
	}
	now := time.Now()

	healthy := cpuPct < cpuOverloadPct && memPct < memOverloadPct
	record := encodeRecord(Record{
		InstanceID:        c.instanceID,
		Host:              c.host,
		Port:              c.port,
		CPUPct:            cpuPct,
		MemPct:            memPct,
		ActiveConnections: conns,
		LastHeartbeat:     now,
		Healthy:           healthy,
	})

	if err := c.ss.SetString(ctx, instanceKeyPrefix+c.instanceID, record, c.ttl); err != nil {
		return err
	}

	tsKey := timeseriesKeyPrefix + c.instanceID
	if err := c.ss.ZAdd(ctx, tsKey, float64(now.UnixMilli()), fmt.Sprintf("%d|%.2f|%.2f", now.UnixMilli(), cpuPct, memPct), timeseriesTTL); err != nil {
		return err
	}
	// Cap the timeseries to the last 100 samples.
	if size, err := c.ss.ZCard(ctx, tsKey); err == nil && size > timeseriesCap {
		if lowest, err := c.ss.ZLowestN(ctx, tsKey, size-timeseriesCap); err == nil {
			members := make([]string, 0, len(lowest))
			for _, z := range lowest {
				if s, ok := z.Member.(string); ok {
					members = append(members, s)
				}
			}
			_ = c.ss.ZRemMulti(ctx, tsKey, members...)
		}
	}

	if healthy {
		metrics.ConnectionsTotal.Set(float64(conns))
	}
	return nil
}

// sampleLoad takes a 1-second CPU sample across all cores and the current
// memory usage percentage.
func sampleLoad() (cpuPct, memPct float64) {
	percents, err := cpu.Percent(1*time.Second, false)
	if err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}

// ShouldAccept reports whether this instance currently has headroom to
// accept a new WebSocket connection, per the last heartbeat sample.
func (c *Coordinator) ShouldAccept(ctx context.Context) (bool, error) {
	raw, ok, err := c.ss.GetString(ctx, instanceKeyPrefix+c.instanceID)
	if err != nil {
		return true, err // fail open: a store hiccup shouldn't refuse every connection
	}
	if !ok {
		return true, nil
	}
	rec, err := decodeRecord(c.instanceID, raw)
	if err != nil {
		return true, nil
	}
	return rec.Healthy, nil
}

// GetHealthyInstances returns every instance whose last heartbeat is
// within healthyWindow and whose own sample marked it healthy.
func (c *Coordinator) GetHealthyInstances(ctx context.Context) ([]Record, error) {
	var out []Record
	now := time.Now()
	err := c.ss.Scan(ctx, instanceKeyPrefix+"*", func(key string) error {
		id := key[len(instanceKeyPrefix):]
		raw, ok, err := c.ss.GetString(ctx, key)
		if err != nil || !ok {
			return nil
		}
		rec, err := decodeRecord(id, raw)
		if err != nil {
			return nil
		}
		if rec.Healthy && now.Sub(rec.LastHeartbeat) <= healthyWindow {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ReapDead deletes instance records (and their timeseries) whose last
// heartbeat is older than deadAfter, returning how many were removed.
func (c *Coordinator) ReapDead(ctx context.Context) (int, error) {
	removed := 0
	now := time.Now()
	err := c.ss.Scan(ctx, instanceKeyPrefix+"*", func(key string) error {
		id := key[len(instanceKeyPrefix):]
		raw, ok, err := c.ss.GetString(ctx, key)
		if err != nil || !ok {
			return nil
		}
		rec, err := decodeRecord(id, raw)
		if err != nil {
			return nil
		}
		if now.Sub(rec.LastHeartbeat) > deadAfter {
			_ = c.ss.Delete(ctx, key, timeseriesKeyPrefix+id)
			if c.bus != nil {
				payload := []byte(fmt.Sprintf(`{"instanceId":%q}`, id))
				if err := c.bus.Publish(messaging.SubjectInstanceReaped, payload); err != nil {
					log.Printf("fleet: lifecycle publish %s failed: %v", messaging.SubjectInstanceReaped, err)
				}
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// LeastLoaded ranks healthy instances by 0.4*cpu + 0.3*mem +
// 0.3*(activeConnections/100), ties broken by the older heartbeat, and
// returns the best candidate. Returns (Record{}, false, err) if no instance
// is healthy or the scan fails.
func (c *Coordinator) LeastLoaded(ctx context.Context) (Record, bool, error) {
	instances, err := c.GetHealthyInstances(ctx)
	if err != nil || len(instances) == 0 {
		return Record{}, false, err
	}

	best := instances[0]
	bestScore := loadScore(best)
	for _, rec := range instances[1:] {
		score := loadScore(rec)
		if score < bestScore || (score == bestScore && rec.LastHeartbeat.Before(best.LastHeartbeat)) {
			best = rec
			bestScore = score
		}
	}
	return best, true, nil
}

func loadScore(r Record) float64 {
	return 0.4*r.CPUPct + 0.3*r.MemPct + 0.3*(float64(r.ActiveConnections)/100.0)
}

func encodeRecord(r Record) string {
	healthy := "0"
	if r.Healthy {
		healthy = "1"
	}
	return fmt.Sprintf("%s|%d|%.2f|%.2f|%d|%d|%s",
		r.Host, r.Port, r.CPUPct, r.MemPct, r.ActiveConnections, r.LastHeartbeat.UnixMilli(), healthy)
}

func decodeRecord(instanceID, raw string) (Record, error) {
	parts := strings.SplitN(raw, "|", 7)
	if len(parts) != 7 {
		return Record{}, fmt.Errorf("fleet: malformed instance record")
	}
	port, _ := strconv.Atoi(parts[1])
	cpuPct, _ := strconv.ParseFloat(parts[2], 64)
	memPct, _ := strconv.ParseFloat(parts[3], 64)
	conns, _ := strconv.Atoi(parts[4])
	hbMillis, _ := strconv.ParseInt(parts[5], 10, 64)

	return Record{
		InstanceID:        instanceID,
		Host:              parts[0],
		Port:              port,
		CPUPct:            cpuPct,
		MemPct:            memPct,
		ActiveConnections: conns,
		LastHeartbeat:     time.UnixMilli(hbMillis),
		Healthy:           parts[6] == "1",
	}, nil
}
