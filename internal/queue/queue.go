// Package queue implements the Queue Manager: one FIFO wait queue per
// modality with atomic two-party pair extraction under a distributed
// lock. It replaces the teacher's four-tier interest matcher — exact,
// overlap, single-interest, random — with the strict FIFO-by-joinedAt
// rule the pairing engine now requires; the sorted-set-plus-sidecar-hash
// storage idiom and the pipeline-based enqueue/dequeue are kept straight
// from matching/queue.go.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/driftline/core/internal/corerr"
	"github.com/driftline/core/internal/metrics"
	"github.com/driftline/core/internal/store"
)

const (
	queueKeyPrefix = "queue:"       // + modality -> sorted set, score = joinedAt (unix ms)
	entryKeyPrefix = "queue:entry:" // + userId -> string "modality|socketId|joinedAt"
	lockKeyPrefix  = "matching:"    // + modality -> pair-extraction lock
)

// Entry is a user's record while waiting in a modality's queue.
type Entry struct {
	UserID   string
	SocketID string
	Modality string
	JoinedAt int64 // unix ms
}

// Manager owns the per-modality queues.
type Manager struct {
	ss      *store.Store
	timeout time.Duration // staleness cutoff, QUEUE_TIMEOUT
	lockTTL time.Duration // PAIR_LOCK_TTL
}

// New builds a Manager. timeout is QUEUE_TIMEOUT, lockTTL is PAIR_LOCK_TTL.
func New(ss *store.Store, timeout, lockTTL time.Duration) *Manager {
	return &Manager{ss: ss, timeout: timeout, lockTTL: lockTTL}
}

func queueKey(modality string) string { return queueKeyPrefix + modality }
func entryKey(userID string) string   { return entryKeyPrefix + userID }
func lockKey(modality string) string  { return lockKeyPrefix + modality }

// Enqueue inserts userId into modality's queue at the current time, unless
// the user is already waiting in any modality. Returns false without error
// when the user was already queued.
func (m *Manager) Enqueue(ctx context.Context, userID, socketID, modality string) (bool, error) {
	existing, err := m.entry(ctx, userID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	return true, m.insertAt(ctx, userID, socketID, modality, time.Now().UnixMilli())
}

// ReinsertAt re-inserts userId into modality's queue at a caller-supplied
// joinedAt score instead of now(), unconditionally (no already-queued
// check). It exists for the one case where an entry must come back after
// already having been removed without losing its place in line: spec
// §4.6 requires that when SM.Create fails after Pair has extracted both
// parties, they are "re-enqueue[d]... at their original joinedAt scores
// (preserving queue fairness)" rather than sent to the back of the queue.
func (m *Manager) ReinsertAt(ctx context.Context, userID, socketID, modality string, joinedAt int64) error {
	return m.insertAt(ctx, userID, socketID, modality, joinedAt)
}

func (m *Manager) insertAt(ctx context.Context, userID, socketID, modality string, joinedAt int64) error {
	ttl := m.timeout + m.timeout // keep the sidecar alive a little past the sweep cutoff

	if err := m.ss.SetString(ctx, entryKey(userID),
		fmt.Sprintf("%s|%s|%d", modality, socketID, joinedAt), ttl); err != nil {
		return err
	}
	return m.ss.ZAdd(ctx, queueKey(modality), float64(joinedAt), userID, ttl)
}

// Peek returns userId's current waiting entry without modifying it, or nil
// if the user isn't waiting anywhere. Used to capture an entry's original
// joinedAt before an operation that might need to restore it.
func (m *Manager) Peek(ctx context.Context, userID string) (*Entry, error) {
	return m.entry(ctx, userID)
}

// Dequeue removes userId from modality's queue. Returns whether a removal
// actually happened.
func (m *Manager) Dequeue(ctx context.Context, userID, modality string) (bool, error) {
	existing, err := m.entry(ctx, userID)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.Modality != modality {
		return false, nil
	}
	if err := m.ss.ZRemMulti(ctx, queueKey(modality), userID); err != nil {
		return false, err
	}
	if err := m.ss.Delete(ctx, entryKey(userID)); err != nil {
		return false, err
	}
	recordWait(modality, existing.JoinedAt)
	return true, nil
}

// RemoveFromAll removes userId from whichever modality queue it occupies,
// if any. Used by disconnect cleanup and rematch, which don't know the
// modality ahead of time.
func (m *Manager) RemoveFromAll(ctx context.Context, userID string) error {
	existing, err := m.entry(ctx, userID)
	if err != nil || existing == nil {
		return err
	}
	_, err = m.Dequeue(ctx, userID, existing.Modality)
	return err
}

// Pair attempts to extract userId and a partner from modality's queue. It
// acquires the pair-extraction lock, inspects the two lowest-joinedAt
// entries, and — only if userId is one of them — removes both and returns
// the other's entry. If the caller is not among the two oldest, or the
// lock can't be acquired, it returns (nil, nil): the caller retries later.
func (m *Manager) Pair(ctx context.Context, userID, modality string) (*Entry, error) {
	token, err := m.ss.TryAcquireLock(ctx, lockKey(modality), m.lockTTL)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}
	defer m.ss.ReleaseLock(ctx, lockKey(modality), token)

	lowest, err := m.ss.ZLowestN(ctx, queueKey(modality), 2)
	if err != nil {
		return nil, err
	}
	if len(lowest) < 2 {
		return nil, nil
	}

	var other string
	switch {
	case lowest[0].Member == userID:
		other = lowest[1].Member.(string)
	case lowest[1].Member == userID:
		other = lowest[0].Member.(string)
	default:
		return nil, nil
	}

	partner, err := m.entry(ctx, other)
	if err != nil {
		return nil, err
	}
	if partner == nil {
		// Partner's sidecar vanished (race with its own dequeue/sweep).
		// Drop just the dangling queue member and let the caller retry.
		_ = m.ss.ZRemMulti(ctx, queueKey(modality), other)
		return nil, nil
	}

	if err := m.ss.ZRemMulti(ctx, queueKey(modality), userID, other); err != nil {
		return nil, err
	}
	if err := m.ss.Delete(ctx, entryKey(userID), entryKey(other)); err != nil {
		return nil, err
	}

	recordWait(modality, partner.JoinedAt)
	return partner, nil
}

func recordWait(modality string, joinedAtMillis int64) {
	waited := time.Since(time.UnixMilli(joinedAtMillis))
	metrics.QueueWaitSeconds.WithLabelValues(modality).Observe(waited.Seconds())
}

// Position returns userId's 1-based position in modality's queue, or 0 if
// the user is not waiting there.
func (m *Manager) Position(ctx context.Context, userID, modality string) (int, error) {
	rank, err := m.ss.ZRank(ctx, queueKey(modality), userID)
	if err != nil {
		return 0, err
	}
	if rank < 0 {
		return 0, nil
	}
	return int(rank) + 1, nil
}

// PeekLowest returns the userIDs of the n oldest waiting entries in
// modality's queue without removing them, used by the safety-tick matcher
// to pick whom to impersonate for the next pair attempt.
func (m *Manager) PeekLowest(ctx context.Context, modality string, n int64) ([]string, error) {
	z, err := m.ss.ZLowestN(ctx, queueKey(modality), n)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(z))
	for _, item := range z {
		if s, ok := item.Member.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Size returns the number of users waiting in modality's queue.
func (m *Manager) Size(ctx context.Context, modality string) (int64, error) {
	return m.ss.ZCard(ctx, queueKey(modality))
}

// SweepStale removes entries older than QUEUE_TIMEOUT from modality's
// queue, returning the number removed. It deletes each removed entry's
// sidecar string along with its sorted-set member so the two never drift
// apart, and records a timeout wait-time sample for each (spec §8 scenario
// 5's "queue:leave metric with reason timeout"). A background task calls
// this every QUEUE_CLEANUP_INTERVAL.
func (m *Manager) SweepStale(ctx context.Context, modality string) (int, error) {
	cutoff := time.Now().Add(-m.timeout).UnixMilli()
	stale, err := m.ss.ZMembersByScore(ctx, queueKey(modality), "-inf", fmt.Sprintf("(%d", cutoff))
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := m.ss.ZRemMulti(ctx, queueKey(modality), stale...); err != nil {
		return 0, err
	}

	n := 0
	for _, userID := range stale {
		existing, err := m.entry(ctx, userID)
		if err != nil {
			continue
		}
		if err := m.ss.Delete(ctx, entryKey(userID)); err != nil {
			continue
		}
		if existing != nil {
			metrics.QueueLeaveTotal.WithLabelValues(modality, "timeout").Inc()
			recordWait(modality, existing.JoinedAt)
		}
		n++
	}
	return n, nil
}

func (m *Manager) entry(ctx context.Context, userID string) (*Entry, error) {
	raw, ok, err := m.ss.GetString(ctx, entryKey(userID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return nil, corerr.New(corerr.Internal, "malformed queue entry")
	}
	joinedAt, _ := strconv.ParseInt(parts[2], 10, 64)

	return &Entry{
		UserID:   userID,
		Modality: parts[0],
		SocketID: parts[1],
		JoinedAt: joinedAt,
	}, nil
}
