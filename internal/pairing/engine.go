package pairing

import (
	"context"
	"log"
	"time"

	"github.com/driftline/core/internal/corerr"
	"github.com/driftline/core/internal/metrics"
	"github.com/driftline/core/internal/protocol"
	"github.com/driftline/core/internal/queue"
	"github.com/driftline/core/internal/socket"
)

// Status reports a user's current position in the matching pipeline.
type Status struct {
	InQueue       bool
	Modality      string
	Position      int
	EstimatedWait time.Duration
}

// Engine is the Pairing Engine: it orchestrates the Queue Manager and
// Session Manager, and notifies peers through the Socket Registry. It is
// parameterized on QM and SM rather than the reverse, so neither of them
// ever calls back into the engine.
type Engine struct {
	qm *queue.Manager
	sm *SessionManager
	sr *socket.Registry

	matchInterval time.Duration
	modalities    []string
	stop          chan struct{}
}

// NewEngine builds a Pairing Engine over the given collaborators.
// modalities lists every modality the safety tick should sweep.
func NewEngine(qm *queue.Manager, sm *SessionManager, sr *socket.Registry, matchInterval time.Duration, modalities []string) *Engine {
	return &Engine{
		qm:            qm,
		sm:            sm,
		sr:            sr,
		matchInterval: matchInterval,
		modalities:    modalities,
		stop:          make(chan struct{}),
	}
}

// QuickMatch enqueues userID and immediately attempts to pair it. On a
// successful pair it creates the session and notifies both peers with
// match:found; otherwise it reports the caller's queue position.
func (e *Engine) QuickMatch(ctx context.Context, userID, socketID, modality string) error {
	queued, err := e.qm.Enqueue(ctx, userID, socketID, modality)
	if err != nil {
		return err
	}
	if !queued {
		return corerr.New(corerr.AlreadyQueued, "already waiting for a match")
	}

	if err := e.attemptPair(ctx, userID, modality); err != nil {
		return err
	}

	pos, err := e.qm.Position(ctx, userID, modality)
	if err != nil {
		return err
	}
	if pos == 0 {
		// Paired (or already gone) — attemptPair already notified.
		return nil
	}

	payload, _ := protocol.EncodePayload(protocol.QueuePositionMsg{Position: pos})
	e.sr.EmitToUser(ctx, userID, protocol.TypeQueuePosition, payload)
	return nil
}

// attemptPair tries to pair userID in modality. On success it creates the
// session and notifies both endpoints. On SM.Create failure it re-enqueues
// both users at their original joinedAt scores so queue fairness is not
// lost (spec §4.6), and reports the failure as a metric rather than to the
// client directly — the caller still sees its queue position on the next
// status check.
func (e *Engine) attemptPair(ctx context.Context, userID, modality string) error {
	// Captured before Pair removes the entry, so a failed create can
	// restore userID's original place in line instead of sending it to
	// the back of the queue.
	callerEntry, err := e.qm.Peek(ctx, userID)
	if err != nil {
		return err
	}

	partner, err := e.qm.Pair(ctx, userID, modality)
	if err != nil {
		return err
	}
	if partner == nil {
		return nil
	}

	sess, err := e.sm.Create(ctx, modality, userID, partner.UserID)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("pairing", string(corerr.Internal)).Inc()
		log.Printf("pairing: session create failed for %s/%s: %v", userID, partner.UserID, err)

		callerSocket, callerJoinedAt := "", time.Now().UnixMilli()
		if callerEntry != nil {
			callerSocket, callerJoinedAt = callerEntry.SocketID, callerEntry.JoinedAt
		}
		if reErr := e.qm.ReinsertAt(ctx, userID, callerSocket, modality, callerJoinedAt); reErr != nil {
			log.Printf("pairing: re-enqueue of %s after failed create: %v", userID, reErr)
		}
		if reErr := e.qm.ReinsertAt(ctx, partner.UserID, partner.SocketID, modality, partner.JoinedAt); reErr != nil {
			log.Printf("pairing: re-enqueue of %s after failed create: %v", partner.UserID, reErr)
		}
		return nil
	}

	e.notifyMatch(ctx, sess)
	return nil
}

func (e *Engine) notifyMatch(ctx context.Context, sess *Session) {
	for _, uid := range []string{sess.UserA, sess.UserB} {
		partnerID := sess.Other(uid)
		payload, _ := protocol.EncodePayload(protocol.MatchFoundMsg{
			SessionID:   sess.ID,
			PartnerID:   partnerID,
			SessionType: sess.Modality,
		})
		e.sr.EmitToUser(ctx, uid, protocol.TypeMatchFound, payload)
	}
}

// Cancel removes userID from modality's queue.
func (e *Engine) Cancel(ctx context.Context, userID, modality string) (bool, error) {
	return e.qm.Dequeue(ctx, userID, modality)
}

// QueryStatus reports userID's current queue state across modalities. It
// checks every known modality since the caller may not know which one.
func (e *Engine) QueryStatus(ctx context.Context, userID string) (Status, error) {
	for _, modality := range e.modalities {
		pos, err := e.qm.Position(ctx, userID, modality)
		if err != nil {
			return Status{}, err
		}
		if pos > 0 {
			return Status{
				InQueue:       true,
				Modality:      modality,
				Position:      pos,
				EstimatedWait: time.Duration(pos-1) * 5 * time.Second,
			}, nil
		}
	}
	return Status{}, nil
}

// WithFriend bypasses the queue and pairs userID directly with friendID,
// rejecting if either already has an active session.
func (e *Engine) WithFriend(ctx context.Context, userID, friendID, modality string) (*Session, error) {
	sess, err := e.sm.Create(ctx, modality, userID, friendID)
	if err != nil {
		return nil, err
	}
	e.notifyMatch(ctx, sess)
	return sess, nil
}

// Rematch ends userID's current session (if any), removes it from any
// queue it might be in, and enters it back into quickMatch for modality.
func (e *Engine) Rematch(ctx context.Context, userID, modality string) error {
	if _, err := e.sm.EndForUser(ctx, userID, ReasonSkip); err != nil {
		return err
	}
	if err := e.qm.RemoveFromAll(ctx, userID); err != nil {
		return err
	}
	return e.QuickMatch(ctx, userID, "", modality)
}

// StartSafetyTick launches the per-modality background matcher described
// in the spec as defense-in-depth against race losses in QuickMatch: every
// matchInterval it re-attempts floor(queueSize/2) paired extractions per
// modality, impersonating the oldest waiting user in each attempt (the
// resolution to the source's ambiguous matchWithOldestUsers). It returns
// immediately; call Stop to end it.
func (e *Engine) StartSafetyTick(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.matchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				for _, modality := range e.modalities {
					e.safetyTickOnce(ctx, modality)
				}
			}
		}
	}()
}

// Stop ends the background safety-tick matcher.
func (e *Engine) Stop() {
	close(e.stop)
}

func (e *Engine) safetyTickOnce(ctx context.Context, modality string) {
	size, err := e.qm.Size(ctx, modality)
	if err != nil {
		log.Printf("pairing: safety tick size check failed for %s: %v", modality, err)
		return
	}
	metrics.QueueSize.WithLabelValues(modality).Set(float64(size))
	if size < 2 {
		return
	}

	attempts := int(size / 2)
	for i := 0; i < attempts; i++ {
		lowest, err := e.qm.PeekLowest(ctx, modality, 1)
		if err != nil || len(lowest) == 0 {
			return
		}
		if err := e.attemptPair(ctx, lowest[0], modality); err != nil {
			log.Printf("pairing: safety tick pair failed for %s/%s: %v", lowest[0], modality, err)
			return
		}
	}
}
