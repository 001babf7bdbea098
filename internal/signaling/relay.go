// Package signaling implements the Signaling Relay: per-session chat and
// WebRTC offer/answer/ICE pass-through. Text validation is adapted from
// chat/validator.go (tightened to the spec's 1000-character cap); the
// recent-message buffer is chat/buffer.go, renamed to key by session
// instead of chat ID. The relay holds no WebRTC state of its own — every
// call:* handler is a stateless forward to the partner's socket, per the
// spec's "async-callback control flow... modeled as stateless relays".
package signaling

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/driftline/core/internal/corerr"
	"github.com/driftline/core/internal/pairing"
	"github.com/driftline/core/internal/protocol"
	"github.com/driftline/core/internal/socket"
)

const (
	MaxMessageBytes = 4096
	MaxTextChars    = 1000
)

// Relay dispatches per-session messages to the partner's socket.
type Relay struct {
	sm      *pairing.SessionManager
	sr      *socket.Registry
	buffers *MessageBuffer
}

// New builds a Relay over the given Session Manager and Socket Registry.
func New(sm *pairing.SessionManager, sr *socket.Registry) *Relay {
	return &Relay{sm: sm, sr: sr, buffers: NewMessageBuffer()}
}

// ValidateText enforces the chat message size limits.
func ValidateText(text string) error {
	if len(text) == 0 {
		return corerr.New(corerr.Validation, "message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return corerr.New(corerr.Validation, fmt.Sprintf("message exceeds %d byte limit", MaxMessageBytes))
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return corerr.New(corerr.Validation, fmt.Sprintf("message exceeds %d character limit", MaxTextChars))
	}
	if !utf8.ValidString(text) {
		return corerr.New(corerr.Validation, "message contains invalid UTF-8")
	}
	return nil
}

// ChatMessage validates and relays a chat line from userID to its partner,
// retaining it in the in-memory recent-message buffer for report context.
// Chat bodies are never persisted anywhere else.
func (r *Relay) ChatMessage(ctx context.Context, userID, text string) error {
	if err := ValidateText(text); err != nil {
		return err
	}

	sess, partnerID, err := r.requirePartner(ctx, userID)
	if err != nil {
		return err
	}

	ts := time.Now().Unix()
	r.buffers.Add(sess.ID, BufferedMessage{From: userID, Text: text, Ts: ts})

	payload, _ := protocol.EncodePayload(protocol.ServerChatMessageMsg{
		SenderID: userID, Text: text, Timestamp: ts,
	})
	r.sr.EmitToUser(ctx, partnerID, protocol.TypeChatMessage, payload)
	return nil
}

// RecentMessages returns the last buffered chat lines for a session, used
// to attach context to a report.
func (r *Relay) RecentMessages(sessionID string) []BufferedMessage {
	return r.buffers.Get(sessionID)
}

// Typing relays a typing indicator to the partner, ephemeral and
// unvalidated beyond the active-session check.
func (r *Relay) Typing(ctx context.Context, userID string, stop bool) error {
	_, partnerID, err := r.requirePartner(ctx, userID)
	if err != nil {
		return err
	}
	event := protocol.TypeChatTyping
	if stop {
		event = protocol.TypeChatStopTyping
	}
	r.sr.EmitToUser(ctx, partnerID, event, nil)
	return nil
}

// CallOffer relays an opaque SDP offer to the partner. Dropped silently
// if there is no partner — a common race at call teardown.
func (r *Relay) CallOffer(ctx context.Context, userID, sdp string) {
	r.relayOpaqueCall(ctx, userID, protocol.TypeCallOffer, map[string]interface{}{"sdp": sdp})
}

// CallAnswer relays an opaque SDP answer to the partner.
func (r *Relay) CallAnswer(ctx context.Context, userID, sdp string) {
	r.relayOpaqueCall(ctx, userID, protocol.TypeCallAnswer, map[string]interface{}{"sdp": sdp})
}

// CallICE relays an opaque ICE candidate to the partner.
func (r *Relay) CallICE(ctx context.Context, userID, candidate string) {
	r.relayOpaqueCall(ctx, userID, protocol.TypeCallICE, map[string]interface{}{"candidate": candidate})
}

func (r *Relay) relayOpaqueCall(ctx context.Context, userID, event string, fields map[string]interface{}) {
	partnerID, err := r.sm.PartnerOf(ctx, userID)
	if err != nil || partnerID == "" {
		return
	}
	payload, _ := protocol.EncodePayload(fields)
	r.sr.EmitToUser(ctx, partnerID, event, payload)
}

// CallEnd notifies the partner the call ended, then tears down the session
// with reason=normal.
func (r *Relay) CallEnd(ctx context.Context, userID string) error {
	sess, partnerID, err := r.requirePartner(ctx, userID)
	if err != nil {
		return err
	}
	r.sr.EmitToUser(ctx, partnerID, protocol.TypeCallEnd, nil)
	r.buffers.Remove(sess.ID)
	_, err = r.sm.EndForUser(ctx, userID, pairing.ReasonNormal)
	return err
}

// Disconnect notifies the partner that userID dropped off the fleet and
// tears down the session with reason=disconnect. The Connection Supervisor
// calls this from its disconnect cascade instead of CallEnd so the session
// record and duration metric carry spec §4.8's "reason=disconnect" rather
// than being mislabeled as a normal call:end.
func (r *Relay) Disconnect(ctx context.Context, userID string) error {
	sess, partnerID, err := r.requirePartner(ctx, userID)
	if err != nil {
		return err
	}
	payload, _ := protocol.EncodePayload(protocol.MatchDisconnectedMsg{Reason: "disconnect"})
	r.sr.EmitToUser(ctx, partnerID, protocol.TypeMatchDisconnected, payload)
	r.buffers.Remove(sess.ID)
	_, err = r.sm.EndForUser(ctx, userID, pairing.ReasonDisconnect)
	return err
}

// MatchNext (skip) notifies the partner of the disconnect reason and ends
// the session, letting the caller re-enter the queue afterward.
func (r *Relay) MatchNext(ctx context.Context, userID string) error {
	sess, partnerID, err := r.requirePartner(ctx, userID)
	if err != nil {
		return err
	}
	payload, _ := protocol.EncodePayload(protocol.MatchDisconnectedMsg{Reason: "skip"})
	r.sr.EmitToUser(ctx, partnerID, protocol.TypeMatchDisconnected, payload)
	r.buffers.Remove(sess.ID)
	_, err = r.sm.EndForUser(ctx, userID, pairing.ReasonSkip)
	return err
}

func (r *Relay) requirePartner(ctx context.Context, userID string) (*pairing.Session, string, error) {
	sess, err := r.sm.ActiveSessionFor(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if sess == nil {
		return nil, "", corerr.New(corerr.NotInSession, "no active session")
	}
	partnerID := sess.Other(userID)
	if partnerID == "" {
		return nil, "", corerr.New(corerr.NotInSession, "no active session")
	}
	return sess, partnerID, nil
}
