// Package pairing hosts the Session Manager (authoritative active-pair
// state) and the Pairing Engine (the orchestrator over the queue and
// session managers). The session half is grounded on chat/store.go's
// hash-backed record and Lua compare-and-swap, and on session/store.go's
// per-user hash lifecycle, fused into the single active-session-per-user
// model the core spec requires.
package pairing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/core/internal/corerr"
	"github.com/driftline/core/internal/metrics"
	"github.com/driftline/core/internal/store"
)

const (
	StatusActive    = "active"
	StatusEnded     = "ended"
	StatusAbandoned = "abandoned"

	sessionKeyPrefix = "session:"      // + sessionId -> encoded record string
	reverseKeyPrefix = "session:user:" // + userId -> sessionId
	createLockPrefix = "session:create:"
)

// EndReason identifies why a session was torn down.
type EndReason string

const (
	ReasonNormal     EndReason = "normal"
	ReasonSkip       EndReason = "skip"
	ReasonDisconnect EndReason = "disconnect"
	ReasonTimeout    EndReason = "timeout"
	ReasonAbandoned  EndReason = "abandoned"
)

// Session is the authoritative record of an active or ended pairing.
type Session struct {
	ID        string
	Modality  string
	UserA     string
	UserB     string
	StartedAt time.Time
	EndedAt   time.Time
	Status    string
}

// Other returns the opposite participant of userID, or "" if userID is not
// a participant.
func (s *Session) Other(userID string) string {
	switch userID {
	case s.UserA:
		return s.UserB
	case s.UserB:
		return s.UserA
	default:
		return ""
	}
}

// SessionManager owns session creation, lookup, and teardown.
type SessionManager struct {
	ss          *store.Store
	ttl         time.Duration // SESSION_TTL
	maxDuration time.Duration // MAX_SESSION_DURATION
	lockTTL     time.Duration // SESSION_LOCK_TTL
}

// NewSessionManager builds a SessionManager.
func NewSessionManager(ss *store.Store, ttl, maxDuration, lockTTL time.Duration) *SessionManager {
	return &SessionManager{ss: ss, ttl: ttl, maxDuration: maxDuration, lockTTL: lockTTL}
}

// matchFoundChannel is the SS channel SM broadcasts on when a session is created.
// It is a fleet-wide audit signal, separate from the Socket Registry's
// per-user directed delivery that the Pairing Engine triggers explicitly
// after Create returns.
const matchFoundChannel = "ss:match:found"

func sessionKey(id string) string   { return sessionKeyPrefix + id }
func reverseKey(user string) string { return reverseKeyPrefix + user }

// Create allocates a new active session for (a, b), rejecting either user
// that already has one. The probe-and-create pair runs under a fenced
// lock keyed by the sorted pair of user IDs so two concurrent Create calls
// for the same pair (or overlapping pairs) cannot both succeed.
func (sm *SessionManager) Create(ctx context.Context, modality, a, b string) (*Session, error) {
	lockKey := createLockPrefix + pairKey(a, b)
	token, err := sm.ss.TryAcquireLock(ctx, lockKey, sm.lockTTL)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, corerr.New(corerr.Overloaded, "session creation lock contended, retry")
	}
	defer sm.ss.ReleaseLock(ctx, lockKey, token)

	if sid, _, _ := sm.ss.GetString(ctx, reverseKey(a)); sid != "" {
		return nil, corerr.New(corerr.AlreadyInSession, "user already has an active session")
	}
	if sid, _, _ := sm.ss.GetString(ctx, reverseKey(b)); sid != "" {
		return nil, corerr.New(corerr.AlreadyInSession, "user already has an active session")
	}

	now := time.Now()
	sess := &Session{
		ID:        uuid.New().String(),
		Modality:  modality,
		UserA:     a,
		UserB:     b,
		StartedAt: now,
		Status:    StatusActive,
	}

	record := fmt.Sprintf("%s|%s|%s|%d|%s", modality, a, b, now.Unix(), StatusActive)
	if err := sm.ss.SetString(ctx, sessionKey(sess.ID), record, sm.ttl); err != nil {
		return nil, err
	}
	if err := sm.ss.SetString(ctx, reverseKey(a), sess.ID, sm.ttl); err != nil {
		return nil, err
	}
	if err := sm.ss.SetString(ctx, reverseKey(b), sess.ID, sm.ttl); err != nil {
		return nil, err
	}

	broadcast := fmt.Sprintf("%s|%s|%s|%s", sess.ID, a, b, modality)
	_ = sm.ss.Publish(ctx, matchFoundChannel, broadcast)

	return sess, nil
}

// PartnerOf resolves userID's current partner via the reverse pointer. A
// dangling pointer (session gone) is deleted and ("", nil) is returned.
func (sm *SessionManager) PartnerOf(ctx context.Context, userID string) (string, error) {
	sess, err := sm.sessionForUser(ctx, userID)
	if err != nil || sess == nil {
		return "", err
	}
	return sess.Other(userID), nil
}

// ActiveSessionFor returns the active session userID currently
// participates in, or nil if it has none.
func (sm *SessionManager) ActiveSessionFor(ctx context.Context, userID string) (*Session, error) {
	return sm.sessionForUser(ctx, userID)
}

// Get loads a session by ID, or nil if it doesn't exist.
func (sm *SessionManager) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, ok, err := sm.ss.GetString(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return decodeSession(sessionID, raw)
}

func (sm *SessionManager) sessionForUser(ctx context.Context, userID string) (*Session, error) {
	sid, ok, err := sm.ss.GetString(ctx, reverseKey(userID))
	if err != nil || !ok {
		return nil, err
	}
	sess, err := sm.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		// Reverse pointer outlived the session record; self-heal.
		_ = sm.ss.Delete(ctx, reverseKey(userID))
		return nil, nil
	}
	return sess, nil
}

// End tears down a session, marking it with reason and removing both
// reverse pointers atomically. It is idempotent: a session already in a
// terminal state returns false on the second call.
func (sm *SessionManager) End(ctx context.Context, sessionID string, reason EndReason) (bool, error) {
	sess, err := sm.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil || sess.Status != StatusActive {
		return false, nil
	}

	status := StatusEnded
	if reason == ReasonAbandoned || reason == ReasonTimeout {
		status = StatusAbandoned
	}

	record := fmt.Sprintf("%s|%s|%s|%d|%s", sess.Modality, sess.UserA, sess.UserB, sess.StartedAt.Unix(), status)
	if err := sm.ss.SetString(ctx, sessionKey(sessionID), record, 10*time.Minute); err != nil {
		return false, err
	}
	if err := sm.ss.Delete(ctx, reverseKey(sess.UserA), reverseKey(sess.UserB)); err != nil {
		return false, err
	}
	metrics.SessionDurationSeconds.WithLabelValues(sess.Modality, string(reason)).
		Observe(time.Since(sess.StartedAt).Seconds())
	return true, nil
}

// EndForUser ends the session (if any) that userID currently participates
// in, returning the session that was ended (or nil if none).
func (sm *SessionManager) EndForUser(ctx context.Context, userID string, reason EndReason) (*Session, error) {
	sess, err := sm.sessionForUser(ctx, userID)
	if err != nil || sess == nil {
		return nil, err
	}
	if _, err := sm.End(ctx, sess.ID, reason); err != nil {
		return nil, err
	}
	return sess, nil
}

// Extend refreshes a session's TTL on observed activity.
func (sm *SessionManager) Extend(ctx context.Context, sessionID string) error {
	sess, err := sm.Get(ctx, sessionID)
	if err != nil || sess == nil || sess.Status != StatusActive {
		return err
	}
	record := fmt.Sprintf("%s|%s|%s|%d|%s", sess.Modality, sess.UserA, sess.UserB, sess.StartedAt.Unix(), sess.Status)
	if err := sm.ss.SetString(ctx, sessionKey(sessionID), record, sm.ttl); err != nil {
		return err
	}
	if err := sm.ss.SetString(ctx, reverseKey(sess.UserA), sessionID, sm.ttl); err != nil {
		return err
	}
	return sm.ss.SetString(ctx, reverseKey(sess.UserB), sessionID, sm.ttl)
}

// SweepAbandoned scans active sessions and marks any exceeding
// MAX_SESSION_DURATION as abandoned. It is called by a background task
// every 5 minutes, grounded on the teacher's cleanup.go ticker shape.
func (sm *SessionManager) SweepAbandoned(ctx context.Context) (int, error) {
	n := 0
	err := sm.ss.Scan(ctx, sessionKeyPrefix+"*", func(key string) error {
		if len(key) > len(reverseKeyPrefix) && key[:len(reverseKeyPrefix)] == reverseKeyPrefix {
			return nil // skip reverse-pointer keys, which share the session: prefix
		}
		id := key[len(sessionKeyPrefix):]
		sess, err := sm.Get(ctx, id)
		if err != nil || sess == nil || sess.Status != StatusActive {
			return nil
		}
		if time.Since(sess.StartedAt) > sm.maxDuration {
			if ok, err := sm.End(ctx, id, ReasonAbandoned); err == nil && ok {
				n++
			}
		}
		return nil
	})
	return n, err
}

func decodeSession(id, raw string) (*Session, error) {
	parts := splitN(raw, '|', 5)
	if len(parts) != 5 {
		return nil, corerr.New(corerr.Internal, "malformed session record")
	}
	startedUnix, _ := strconv.ParseInt(parts[3], 10, 64)
	return &Session{
		ID:        id,
		Modality:  parts[0],
		UserA:     parts[1],
		UserB:     parts[2],
		StartedAt: time.Unix(startedUnix, 0),
		Status:    parts[4],
	}, nil
}

func splitN(s string, sep byte, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(s) && len(parts) < n-1; i++ {
		if s[i] == sep {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// pairKey produces a stable, order-independent key for two user IDs so
// the same lock guards Create(a,b) and Create(b,a).
func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}
