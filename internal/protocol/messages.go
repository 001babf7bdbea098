// Package protocol defines the WebSocket message vocabulary exchanged
// between clients and the core, and the JSON envelope used to parse an
// inbound frame before dispatching on its type. The envelope-with-raw-
// payload parsing trick and the parse/build helper shape are kept from
// the teacher's protocol/messages.go; the type vocabulary itself is
// replaced with the spec's queue/match/call/chat surface.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server message types.
const (
	TypeAuth           = "auth"
	TypeQueueJoin      = "queue:join"
	TypeQueueLeave     = "queue:leave"
	TypeMatchNext      = "match:next"
	TypeCallOffer      = "call:offer"
	TypeCallAnswer     = "call:answer"
	TypeCallICE        = "call:ice"
	TypeCallEnd        = "call:end"
	TypeChatMessage    = "chat:message"
	TypeChatTyping     = "chat:typing"
	TypeChatStopTyping = "chat:stop_typing"
	TypeFriendCall     = "friend:call"
	TypeReportUser     = "report:user"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeAuthSuccess       = "auth:success"
	TypeAuthError         = "auth:error"
	TypeQueuePosition     = "queue:position"
	TypeQueueError        = "queue:error"
	TypeMatchFound        = "match:found"
	TypeMatchDisconnected = "match:disconnected"
	TypeMatchError        = "match:error"
	TypeCallErrorS        = "call:error"
	TypeUserCount         = "user:count"
	TypeError             = "error"
	TypePong              = "pong"
)

// Envelope captures the type discriminator and the raw JSON so the rest
// of the payload can be decoded into a concrete struct afterward.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type QueueJoinMsg struct {
	Type     string `json:"type"`
	Modality string `json:"modality"`
}

type QueueLeaveMsg struct {
	Type string `json:"type"`
}

type MatchNextMsg struct {
	Type string `json:"type"`
}

type CallOfferMsg struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type CallAnswerMsg struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type CallICEMsg struct {
	Type      string `json:"type"`
	Candidate string `json:"candidate"`
}

type CallEndMsg struct {
	Type string `json:"type"`
}

type ChatMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ChatTypingMsg struct {
	Type string `json:"type"`
}

type ChatStopTypingMsg struct {
	Type string `json:"type"`
}

type FriendCallMsg struct {
	Type     string `json:"type"`
	FriendID string `json:"friendId"`
	Modality string `json:"modality"`
}

type ReportUserMsg struct {
	Type           string `json:"type"`
	ReportedUserID string `json:"reportedUserId"`
	Reason         string `json:"reason"`
	Description    string `json:"description,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

type AuthSuccessMsg struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type AuthErrorMsg struct {
	Message string `json:"message"`
}

type QueuePositionMsg struct {
	Position int `json:"position"`
}

type QueueErrorMsg struct {
	Message string `json:"message"`
}

type MatchFoundMsg struct {
	SessionID       string `json:"sessionId"`
	PartnerID       string `json:"partnerId"`
	PartnerUsername string `json:"partnerUsername"`
	SessionType     string `json:"sessionType"`
}

type MatchDisconnectedMsg struct {
	Reason string `json:"reason"`
}

type MatchErrorMsg struct {
	Message string `json:"message"`
}

type ServerChatMessageMsg struct {
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type CallErrorMsg struct {
	Message string `json:"message"`
}

type UserCountMsg struct {
	N int `json:"n"`
}

type ErrorMsg struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage decodes raw WebSocket bytes into the concrete struct
// for its type. It returns the message type, the decoded struct, and any
// parse error; unknown types are reported as an error.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeQueueJoin:
		var m QueueJoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeQueueLeave:
		var m QueueLeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMatchNext:
		var m MatchNextMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallOffer:
		var m CallOfferMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallAnswer:
		var m CallAnswerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallICE:
		var m CallICEMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallEnd:
		var m CallEndMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage:
		var m ChatMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatTyping:
		var m ChatTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatStopTyping:
		var m ChatStopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFriendCall:
		var m FriendCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportUser:
		var m ReportUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and injects msgType under "type",
// producing the final wire bytes for a direct (same-socket) send.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// EncodePayload marshals payload to JSON for use with the Socket
// Registry's EmitToUser, which injects the "type" field itself so
// cross-instance fan-out doesn't need to round-trip through
// NewServerMessage's type-discriminated map.
func EncodePayload(payload interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	return raw, nil
}
