// Package supervisor implements the Connection Supervisor: the glue between
// the raw WebSocket transport (internal/ws) and the domain collaborators
// (auth, fleet admission, the pairing engine, the signaling relay, rate
// limiting). It owns no domain state of its own — every handler here is a
// thin translation from a parsed protocol message to a call on one of those
// collaborators, in the same dispatch-table shape as the teacher wired its
// cmd/wsserver/main.go closures, pulled out into its own package so the
// composition root stays declarative.
package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/driftline/core/internal/collaborators"
	"github.com/driftline/core/internal/corerr"
	"github.com/driftline/core/internal/fleet"
	"github.com/driftline/core/internal/metrics"
	"github.com/driftline/core/internal/pairing"
	"github.com/driftline/core/internal/protocol"
	"github.com/driftline/core/internal/ratelimit"
	"github.com/driftline/core/internal/signaling"
	"github.com/driftline/core/internal/socket"
	"github.com/driftline/core/internal/ws"
)

// Supervisor wires a WS transport connection to the domain collaborators.
type Supervisor struct {
	Server *ws.Server

	auth    collaborators.Authenticator
	users   collaborators.UserRepository
	friends collaborators.FriendRepository
	reports collaborators.ReportRecorder
	fc      *fleet.Coordinator
	sr      *socket.Registry
	pe      *pairing.Engine
	sg      *signaling.Relay
	rl      *ratelimit.Limiter

	msgRule       ratelimit.Rule
	queueJoinRule ratelimit.Rule

	mu         sync.RWMutex
	authByConn map[string]string // socketID -> userID, populated on auth:success
}

func (sv *Supervisor) userFor(socketID string) (string, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	userID, ok := sv.authByConn[socketID]
	return userID, ok
}

func (sv *Supervisor) bindUser(socketID, userID string) {
	sv.mu.Lock()
	sv.authByConn[socketID] = userID
	sv.mu.Unlock()
}

func (sv *Supervisor) unbindUser(socketID string) (string, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	userID, ok := sv.authByConn[socketID]
	delete(sv.authByConn, socketID)
	return userID, ok
}

// New builds a Supervisor. Call Wire to build the ws.Server with this
// Supervisor's callbacks registered; the caller owns starting and shutting
// down that server.
func New(
	auth collaborators.Authenticator,
	users collaborators.UserRepository,
	friends collaborators.FriendRepository,
	reports collaborators.ReportRecorder,
	fc *fleet.Coordinator,
	sr *socket.Registry,
	pe *pairing.Engine,
	sg *signaling.Relay,
	rl *ratelimit.Limiter,
	msgRule, queueJoinRule ratelimit.Rule,
) *Supervisor {
	return &Supervisor{
		auth:          auth,
		users:         users,
		friends:       friends,
		reports:       reports,
		fc:            fc,
		sr:            sr,
		pe:            pe,
		sg:            sg,
		rl:            rl,
		msgRule:       msgRule,
		queueJoinRule: queueJoinRule,
		authByConn:    make(map[string]string),
	}
}

// Wire builds the ws.Server and registers its callbacks against this
// Supervisor, returning the server for the caller to Start/Shutdown.
func (sv *Supervisor) Wire(wsConfig ws.ServerConfig) *ws.Server {
	server := ws.NewServer(wsConfig, nil)
	dispatcher := ws.NewMessageDispatcher(server)
	server = ws.NewServer(wsConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	// dispatcher.Dispatch is bound to the final server via SetServer above;
	// the first NewServer call only exists to construct the dispatcher.

	dispatcher.Register(protocol.TypeAuth, sv.handleAuth)
	dispatcher.Register(protocol.TypeQueueJoin, sv.authed(sv.handleQueueJoin))
	dispatcher.Register(protocol.TypeQueueLeave, sv.authed(sv.handleQueueLeave))
	dispatcher.Register(protocol.TypeMatchNext, sv.authed(sv.handleMatchNext))
	dispatcher.Register(protocol.TypeCallOffer, sv.authed(sv.handleCallOffer))
	dispatcher.Register(protocol.TypeCallAnswer, sv.authed(sv.handleCallAnswer))
	dispatcher.Register(protocol.TypeCallICE, sv.authed(sv.handleCallICE))
	dispatcher.Register(protocol.TypeCallEnd, sv.authed(sv.handleCallEnd))
	dispatcher.Register(protocol.TypeChatMessage, sv.authed(sv.handleChatMessage))
	dispatcher.Register(protocol.TypeChatTyping, sv.authed(sv.handleChatTyping))
	dispatcher.Register(protocol.TypeChatStopTyping, sv.authed(sv.handleChatStopTyping))
	dispatcher.Register(protocol.TypeReportUser, sv.authed(sv.handleReportUser))
	dispatcher.Register(protocol.TypeFriendCall, sv.authed(sv.handleFriendCall))

	server.SetOnConnect(sv.handleConnect)
	server.SetOnDisconnect(sv.handleDisconnect)

	sv.Server = server
	return server
}

// authed wraps a handler so it only runs once the socket has completed
// auth:success, answering unauthenticated sockets with an auth_invalid error
// frame, and applies the per-socket message rate limit.
func (sv *Supervisor) authed(h func(ctx context.Context, conn *ws.Connection, userID string, msg interface{})) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		userID, ok := sv.userFor(conn.ID)
		if !ok {
			sv.sendError(conn, "auth_invalid", "authenticate first")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if !sv.allow(ctx, conn, conn.ID, sv.msgRule) {
			return
		}
		h(ctx, conn, userID, msg)
	}
}

func (sv *Supervisor) allow(ctx context.Context, conn *ws.Connection, identifier string, rule ratelimit.Rule) bool {
	ok, err := sv.rl.Allow(ctx, identifier, rule)
	if err != nil {
		log.Printf("supervisor: rate limit check failed for %s: %v", identifier, err)
	}
	if !ok {
		sv.sendError(conn, "rate_limited", "slow down")
		metrics.ErrorsTotal.WithLabelValues("supervisor", string(corerr.RateLimited)).Inc()
		return false
	}
	return true
}

// handleConnect runs admission control before a socket is usable for
// anything beyond the initial auth handshake.
func (sv *Supervisor) handleConnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if sv.fc != nil {
		accept, err := sv.fc.ShouldAccept(ctx)
		if err != nil {
			log.Printf("supervisor: admission check failed: %v", err)
		}
		if !accept {
			sv.sendError(conn, "overloaded", "this instance is at capacity")
			sv.Server.RemoveConnection(conn)
			return
		}
	}
}

// handleAuth verifies the access token and, on success, registers the
// socket with the Socket Registry and records the local auth mapping.
func (sv *Supervisor) handleAuth(conn *ws.Connection, msg interface{}) {
	auth, ok := msg.(protocol.AuthMsg)
	if !ok {
		sv.sendError(conn, "auth_invalid", "malformed auth message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := sv.auth.VerifyAccessToken(ctx, auth.Token)
	if err != nil || result == nil {
		sv.send(conn, protocol.TypeAuthError, protocol.AuthErrorMsg{Message: "invalid or expired token"})
		sv.Server.RemoveConnection(conn)
		return
	}

	if banned, _ := sv.users.IsBanned(ctx, result.UserID); banned {
		sv.send(conn, protocol.TypeAuthError, protocol.AuthErrorMsg{Message: "account suspended"})
		sv.Server.RemoveConnection(conn)
		return
	}

	sv.bindUser(conn.ID, result.UserID)
	if err := sv.sr.Register(ctx, result.UserID, conn.ID); err != nil {
		log.Printf("supervisor: socket registry register failed for %s: %v", result.UserID, err)
	}

	sv.send(conn, protocol.TypeAuthSuccess, protocol.AuthSuccessMsg{
		SocketID: conn.ID, UserID: result.UserID, Username: result.Username,
	})
}

// handleDisconnect tears down everything a socket held: queue membership,
// any active session (reason=disconnect), and the Socket Registry entry.
func (sv *Supervisor) handleDisconnect(socketID string) {
	userID, ok := sv.unbindUser(socketID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, modality := range []string{"video", "audio", "text"} {
		_, _ = sv.pe.Cancel(ctx, userID, modality)
	}
	if err := sv.sg.Disconnect(ctx, userID); err != nil {
		if ce, ok := corerr.As(err); !ok || ce.Kind != corerr.NotInSession {
			log.Printf("supervisor: disconnect session teardown failed for %s: %v", userID, err)
		}
	}
	if err := sv.sr.Unregister(ctx, socketID); err != nil {
		log.Printf("supervisor: socket registry unregister failed for %s: %v", socketID, err)
	}
}

func (sv *Supervisor) handleQueueJoin(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	if !sv.allow(ctx, conn, userID, sv.queueJoinRule) {
		return
	}
	m := msg.(protocol.QueueJoinMsg)
	if err := sv.pe.QuickMatch(ctx, userID, conn.ID, m.Modality); err != nil {
		sv.sendDomainError(conn, protocol.TypeQueueError, err)
	}
}

func (sv *Supervisor) handleQueueLeave(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	for _, modality := range []string{"video", "audio", "text"} {
		_, _ = sv.pe.Cancel(ctx, userID, modality)
	}
}

func (sv *Supervisor) handleMatchNext(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	if err := sv.sg.MatchNext(ctx, userID); err != nil {
		sv.sendDomainError(conn, protocol.TypeMatchError, err)
	}
}

func (sv *Supervisor) handleCallOffer(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	m := msg.(protocol.CallOfferMsg)
	sv.sg.CallOffer(ctx, userID, m.SDP)
}

func (sv *Supervisor) handleCallAnswer(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	m := msg.(protocol.CallAnswerMsg)
	sv.sg.CallAnswer(ctx, userID, m.SDP)
}

func (sv *Supervisor) handleCallICE(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	m := msg.(protocol.CallICEMsg)
	sv.sg.CallICE(ctx, userID, m.Candidate)
}

func (sv *Supervisor) handleCallEnd(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	if err := sv.sg.CallEnd(ctx, userID); err != nil {
		sv.sendDomainError(conn, protocol.TypeCallErrorS, err)
	}
}

func (sv *Supervisor) handleChatMessage(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	m := msg.(protocol.ChatMessageMsg)
	if err := sv.sg.ChatMessage(ctx, userID, m.Text); err != nil {
		sv.sendDomainError(conn, protocol.TypeError, err)
	}
}

func (sv *Supervisor) handleChatTyping(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	_ = sv.sg.Typing(ctx, userID, false)
}

func (sv *Supervisor) handleChatStopTyping(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	_ = sv.sg.Typing(ctx, userID, true)
}

func (sv *Supervisor) handleFriendCall(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	m := msg.(protocol.FriendCallMsg)
	if sv.friends == nil {
		sv.sendDomainError(conn, protocol.TypeMatchError, corerr.New(corerr.PartnerUnavailable, "friend calling is unavailable"))
		return
	}
	areFriends, err := sv.friends.AreFriends(ctx, userID, m.FriendID)
	if err != nil {
		sv.sendDomainError(conn, protocol.TypeMatchError, corerr.Wrap(corerr.Internal, "could not verify friendship", err))
		return
	}
	if !areFriends {
		sv.sendDomainError(conn, protocol.TypeMatchError, corerr.New(corerr.PartnerUnavailable, "not friends with that user"))
		return
	}
	if _, err := sv.pe.WithFriend(ctx, userID, m.FriendID, m.Modality); err != nil {
		sv.sendDomainError(conn, protocol.TypeMatchError, err)
	}
}

func (sv *Supervisor) handleReportUser(ctx context.Context, conn *ws.Connection, userID string, msg interface{}) {
	m := msg.(protocol.ReportUserMsg)
	var recent []collaborators.RecentMessage
	for _, bm := range sv.sg.RecentMessages(m.SessionID) {
		recent = append(recent, collaborators.RecentMessage{From: bm.From, Text: bm.Text, Ts: bm.Ts})
	}
	report := collaborators.Report{
		ReporterID: userID, ReportedUserID: m.ReportedUserID, SessionID: m.SessionID,
		Reason: m.Reason, Description: m.Description, RecentMessages: recent,
	}
	if sv.reports == nil {
		return
	}
	if err := sv.reports.RecordReport(ctx, report); err != nil {
		log.Printf("supervisor: record report failed for reporter %s: %v", userID, err)
		sv.sendError(conn, "internal", "could not file report")
	}
}

func (sv *Supervisor) send(conn *ws.Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("supervisor: failed to build %s message: %v", msgType, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("supervisor: failed to send %s to %s: %v", msgType, conn.ID, err)
	}
}

func (sv *Supervisor) sendError(conn *ws.Connection, code, message string) {
	sv.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (sv *Supervisor) sendDomainError(conn *ws.Connection, msgType string, err error) {
	if ce, ok := corerr.As(err); ok {
		sv.send(conn, msgType, protocol.ErrorMsg{Code: string(ce.Kind), Message: ce.Message})
		return
	}
	log.Printf("supervisor: unclassified error: %v", err)
	sv.send(conn, msgType, protocol.ErrorMsg{Code: string(corerr.Internal), Message: "internal error"})
}
