// Package socket implements the Socket Registry: the local user-to-socket
// map plus the cross-instance fan-out needed to deliver an event to a user
// no matter which fleet instance holds their connection. The local map is
// modeled directly on ws/connection.go's ConnectionManager; cross-instance
// delivery is grounded on the teacher's NATS subscribe-on-boot pattern in
// cmd/wsserver/main.go's subscribeToChatNATS, generalized onto the Shared
// Store's pub/sub primitive per the spec's framing of SR as forwarding
// "through SS pub/sub" rather than a separate messaging layer.
package socket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/driftline/core/internal/store"
)

const fanoutChannel = "sr:fanout"

// Handle identifies one live connection.
type Handle struct {
	SocketID    string
	UserID      string
	InstanceID  string
	ConnectedAt time.Time
}

// Sender delivers a raw frame to a locally-held socket. cmd/coreserver
// satisfies this by adapting the transport's ws.Server.SendMessage.
type Sender interface {
	Send(socketID string, data []byte) error
}

// fanoutMessage is the wire shape published on the fleet-wide channel.
type fanoutMessage struct {
	TargetUserID string          `json:"targetUserId"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
}

// Registry maps users to sockets on this instance and relays events to
// users held by other instances via the Shared Store.
type Registry struct {
	ss          *store.Store
	sender      Sender
	instanceID  string
	presenceTTL time.Duration

	mu       sync.RWMutex
	byUser   map[string]map[string]*Handle // userId -> socketId -> handle
	bySocket map[string]*Handle
}

// New builds a Registry bound to this instance's ID and local sender.
func New(ss *store.Store, sender Sender, instanceID string, presenceTTL time.Duration) *Registry {
	return &Registry{
		ss:          ss,
		sender:      sender,
		instanceID:  instanceID,
		presenceTTL: presenceTTL,
		byUser:      make(map[string]map[string]*Handle),
		bySocket:    make(map[string]*Handle),
	}
}

// Start subscribes to the fleet-wide fan-out channel; call once at boot.
// It runs until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	sub := r.ss.Subscribe(ctx, fanoutChannel)
	ch := sub.Channel()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var fm fanoutMessage
				if err := json.Unmarshal([]byte(msg.Payload), &fm); err != nil {
					log.Printf("socket: malformed fanout message: %v", err)
					continue
				}
				r.deliverLocal(fm.TargetUserID, fm.Event, fm.Payload)
			}
		}
	}()
}

// Register adds a socket handle for userID. If this is the user's first
// socket on this instance, it publishes user:online and refreshes the
// presence record. It also adds this socket to the fleet-wide socket set
// so Unregister on any instance can tell whether the user's *last* socket
// across the whole fleet has gone, not just their last socket here.
func (r *Registry) Register(ctx context.Context, userID, socketID string) error {
	h := &Handle{SocketID: socketID, UserID: userID, InstanceID: r.instanceID, ConnectedAt: time.Now()}

	r.mu.Lock()
	wasEmpty := len(r.byUser[userID]) == 0
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Handle)
	}
	r.byUser[userID][socketID] = h
	r.bySocket[socketID] = h
	r.mu.Unlock()

	if err := r.ss.SAdd(ctx, fleetSocketsKey(userID), fleetSocketMember(r.instanceID, socketID), r.presenceTTL); err != nil {
		return err
	}
	if err := r.refreshPresence(ctx, userID); err != nil {
		return err
	}
	if wasEmpty {
		r.publishPresence(ctx, userID, "user:online")
	}
	return nil
}

// Unregister removes a socket. Presence is cleared and user:offline is
// published only once the fleet-wide socket set for this user is empty —
// per spec §4.8, "Presence transitions offline only when the user's last
// socket across the fleet disappears" — so a user connected through two
// instances (multi-tab) stays online after closing just one of them.
func (r *Registry) Unregister(ctx context.Context, socketID string) error {
	r.mu.Lock()
	h, ok := r.bySocket[socketID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.bySocket, socketID)
	set := r.byUser[h.UserID]
	delete(set, socketID)
	if len(set) == 0 {
		delete(r.byUser, h.UserID)
	}
	r.mu.Unlock()

	if err := r.ss.SRem(ctx, fleetSocketsKey(h.UserID), fleetSocketMember(r.instanceID, socketID)); err != nil {
		return err
	}

	remaining, err := r.ss.SCard(ctx, fleetSocketsKey(h.UserID))
	if err != nil {
		return err
	}
	if remaining == 0 {
		_ = r.ss.Delete(ctx, presenceKey(h.UserID))
		r.publishPresence(ctx, h.UserID, "user:offline")
	}
	return nil
}

// EmitToUser delivers event/payload to userID: locally if this instance
// holds a socket for them, otherwise via the fleet-wide fan-out channel so
// whichever instance does hold them can deliver it.
func (r *Registry) EmitToUser(ctx context.Context, userID, event string, payload []byte) {
	if r.deliverLocal(userID, event, payload) {
		return
	}

	raw, err := json.Marshal(fanoutMessage{TargetUserID: userID, Event: event, Payload: payload})
	if err != nil {
		log.Printf("socket: failed to marshal fanout message: %v", err)
		return
	}
	if err := r.ss.Publish(ctx, fanoutChannel, string(raw)); err != nil {
		log.Printf("socket: failed to publish fanout message: %v", err)
	}
}

// deliverLocal writes event/payload to every socket userID holds on this
// instance. Returns true if at least one local socket received it.
func (r *Registry) deliverLocal(userID, event string, payload json.RawMessage) bool {
	r.mu.RLock()
	sockets := make([]string, 0, len(r.byUser[userID]))
	for sid := range r.byUser[userID] {
		sockets = append(sockets, sid)
	}
	r.mu.RUnlock()

	if len(sockets) == 0 {
		return false
	}

	env := map[string]interface{}{"type": event}
	if len(payload) > 0 {
		var fields map[string]interface{}
		if err := json.Unmarshal(payload, &fields); err == nil {
			for k, v := range fields {
				env[k] = v
			}
		}
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("socket: failed to marshal event %q for %s: %v", event, userID, err)
		return true
	}

	for _, sid := range sockets {
		if err := r.sender.Send(sid, data); err != nil {
			log.Printf("socket: delivery to socket %s failed: %v", sid, err)
		}
	}
	return true
}

// ConnectionCount returns the number of sockets held locally, used by the
// Fleet Coordinator's load metric.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySocket)
}

// SocketsForUser returns the local socket IDs for userID.
func (r *Registry) SocketsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser[userID]))
	for sid := range r.byUser[userID] {
		out = append(out, sid)
	}
	return out
}

func (r *Registry) refreshPresence(ctx context.Context, userID string) error {
	return r.ss.SetString(ctx, presenceKey(userID), r.instanceID, r.presenceTTL)
}

func (r *Registry) publishPresence(ctx context.Context, userID, event string) {
	raw, _ := json.Marshal(struct {
		UserID     string `json:"userId"`
		InstanceID string `json:"instanceId"`
	}{userID, r.instanceID})
	if err := r.ss.Publish(ctx, "sr:presence:"+event, string(raw)); err != nil {
		log.Printf("socket: failed to publish %s for %s: %v", event, userID, err)
	}
}

func presenceKey(userID string) string { return "presence:" + userID }

// fleetSocketsKey is the SS set of every socket held for userID across the
// whole fleet, used to detect when their last connection anywhere closes.
func fleetSocketsKey(userID string) string { return "sr:sockets:" + userID }

func fleetSocketMember(instanceID, socketID string) string { return instanceID + ":" + socketID }
