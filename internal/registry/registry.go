package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/pkg/logger"
)

// Sender delivers a payload to one live connection. The WebSocket client
// implements it with a buffered outbound queue; a returned error means the
// connection can no longer accept messages.
type Sender interface {
	Send(payload []byte) error
}

// Registry maps users to their live connections and connections to named
// broadcast channels. It performs no call-state changes of its own.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*connection
	users    map[uuid.UUID]map[string]struct{}
	channels map[string]map[string]struct{}
}

type connection struct {
	userID   uuid.UUID
	sender   Sender
	channels map[string]struct{}
}

// New creates an empty connection registry
func New() *Registry {
	return &Registry{
		conns:    make(map[string]*connection),
		users:    make(map[uuid.UUID]map[string]struct{}),
		channels: make(map[string]map[string]struct{}),
	}
}

// UserChannel returns the personal channel name for a user
func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s", userID)
}

// CallChannel returns the broadcast channel name for a call
func CallChannel(callID uuid.UUID) string {
	return fmt.Sprintf("call:%s", callID)
}

// Bind registers a connection for a user and subscribes it to the user's
// personal channel. Rebinding an existing connection ID is idempotent.
func (r *Registry) Bind(userID uuid.UUID, connID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		return
	}

	conn := &connection{
		userID:   userID,
		sender:   sender,
		channels: make(map[string]struct{}),
	}
	r.conns[connID] = conn

	if r.users[userID] == nil {
		r.users[userID] = make(map[string]struct{})
	}
	r.users[userID][connID] = struct{}{}

	r.addToChannel(connID, UserChannel(userID))
}

// Unbind removes a connection and all of its channel memberships, returning
// the user it was bound to. The second return is false if the connection was
// already removed, so disconnection side effects run exactly once.
func (r *Registry) Unbind(connID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return uuid.Nil, false
	}

	for channel := range conn.channels {
		r.removeFromChannel(connID, channel)
	}
	delete(r.conns, connID)

	if connIDs, ok := r.users[conn.userID]; ok {
		delete(connIDs, connID)
		if len(connIDs) == 0 {
			delete(r.users, conn.userID)
		}
	}
	return conn.userID, true
}

// Subscribe joins a connection to a named broadcast channel
func (r *Registry) Subscribe(connID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return false
	}
	r.addToChannel(connID, channel)
	return true
}

// Unsubscribe removes a connection from a named broadcast channel
func (r *Registry) Unsubscribe(connID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return
	}
	r.removeFromChannel(connID, channel)
}

// Broadcast fans a payload out to every connection subscribed to the channel.
// Delivery is best-effort: a connection whose sender fails is dropped from
// the channel so it does not slow the next broadcast, and the failure is
// logged, never propagated. Returns the number of deliveries.
func (r *Registry) Broadcast(channel string, payload []byte) int {
	return r.BroadcastExcept(channel, "", payload)
}

// BroadcastExcept behaves like Broadcast but skips one connection, typically
// the sender of the triggering message.
func (r *Registry) BroadcastExcept(channel, exceptConnID string, payload []byte) int {
	type member struct {
		connID string
		sender Sender
	}

	r.mu.RLock()
	members := make([]member, 0, len(r.channels[channel]))
	for connID := range r.channels[channel] {
		if connID == exceptConnID {
			continue
		}
		if conn, ok := r.conns[connID]; ok {
			members = append(members, member{connID, conn.sender})
		}
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []string
	for _, m := range members {
		if err := m.sender.Send(payload); err != nil {
			logger.Debug("Broadcast delivery failed, dropping from channel",
				zap.String("channel", channel),
				zap.String("connection_id", m.connID),
				zap.Error(err))
			failed = append(failed, m.connID)
			continue
		}
		delivered++
	}
	for _, connID := range failed {
		r.Unsubscribe(connID, channel)
	}
	return delivered
}

// Connections returns the connection IDs currently bound to a user
func (r *Registry) Connections(userID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connIDs := make([]string, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		connIDs = append(connIDs, id)
	}
	return connIDs
}

// IsOnline reports whether a user has at least one live connection
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Len returns the number of live connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// callers must hold r.mu
func (r *Registry) addToChannel(connID, channel string) {
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]struct{})
	}
	r.channels[channel][connID] = struct{}{}
	r.conns[connID].channels[channel] = struct{}{}
}

// callers must hold r.mu
func (r *Registry) removeFromChannel(connID, channel string) {
	if members, ok := r.channels[channel]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
	if conn, ok := r.conns[connID]; ok {
		delete(conn.channels, channel)
	}
}
