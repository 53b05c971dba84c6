// ABOUTME: In-memory bidirectional index of conversation membership for fan-out
// ABOUTME: Broadcasts envelopes to member connections, deferring dead-sink cleanup

package registry

import (
	"log/slog"
	"sync"

	"github.com/crewhq/crew-gateway/internal/envelope"
)

// Sink is the writable side of a connection as seen by the registry.
// WriteEnvelope must be safe for concurrent use.
type Sink interface {
	ID() string
	WriteEnvelope(env *envelope.Envelope) error
}

// Registry is the in-memory conversation membership index. It owns no
// business state: conversations live in the store, the registry only mirrors
// which connections are joined to which conversations.
type Registry struct {
	mu             sync.RWMutex
	byConversation map[int64]map[string]Sink     // conversationID -> connID -> sink
	byConnection   map[string]map[int64]struct{} // connID -> set of conversationIDs
	stale          map[string]struct{}           // connIDs whose transport failed a write
	logger         *slog.Logger
}

// New creates an empty registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byConversation: make(map[int64]map[string]Sink),
		byConnection:   make(map[string]map[int64]struct{}),
		stale:          make(map[string]struct{}),
		logger:         logger.With("component", "registry"),
	}
}

// Join adds a connection to a conversation's member set. Idempotent.
func (r *Registry) Join(conn Sink, conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConversation[conversationID]; !ok {
		r.byConversation[conversationID] = make(map[string]Sink)
	}
	r.byConversation[conversationID][conn.ID()] = conn

	if _, ok := r.byConnection[conn.ID()]; !ok {
		r.byConnection[conn.ID()] = make(map[int64]struct{})
	}
	r.byConnection[conn.ID()][conversationID] = struct{}{}

	r.logger.Debug("connection joined conversation",
		"conn_id", conn.ID(),
		"conversation_id", conversationID)
}

// Leave removes a connection from one conversation's member set.
func (r *Registry) Leave(connID string, conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, conversationID)
}

// leaveLocked removes one membership edge. Must be called with mu held.
func (r *Registry) leaveLocked(connID string, conversationID int64) {
	if members, ok := r.byConversation[conversationID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.byConversation, conversationID)
		}
	}
	if convs, ok := r.byConnection[connID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(r.byConnection, connID)
		}
	}
}

// Remove tears down every membership edge for a connection. Called
// synchronously with connection teardown so MembersOf never returns a
// connection without a live Connection record.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for conversationID := range r.byConnection[connID] {
		r.leaveLocked(connID, conversationID)
	}
	delete(r.byConnection, connID)
	delete(r.stale, connID)

	r.logger.Debug("connection removed", "conn_id", connID)
}

// MembersOf returns the connection IDs currently joined to a conversation.
func (r *Registry) MembersOf(conversationID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byConversation[conversationID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// ConversationsOf returns the conversation IDs a connection has joined.
func (r *Registry) ConversationsOf(connID string) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	convs := r.byConnection[connID]
	out := make([]int64, 0, len(convs))
	for id := range convs {
		out = append(out, id)
	}
	return out
}

// Broadcast sends an envelope to every member of a conversation, skipping
// excludeConnID if non-empty. Connections whose transport fails a write are
// marked stale rather than torn down here; the gateway's activity sweep
// reaps them. Returns the number of successful deliveries.
func (r *Registry) Broadcast(conversationID int64, env *envelope.Envelope, excludeConnID string) int {
	r.mu.RLock()
	members := r.byConversation[conversationID]
	targets := make([]Sink, 0, len(members))
	for id, sink := range members {
		if excludeConnID != "" && id == excludeConnID {
			continue
		}
		targets = append(targets, sink)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sink := range targets {
		if err := sink.WriteEnvelope(env); err != nil {
			r.logger.Debug("broadcast write failed, marking connection stale",
				"conn_id", sink.ID(),
				"conversation_id", conversationID,
				"error", err)
			r.markStale(sink.ID())
			continue
		}
		delivered++
	}
	return delivered
}

// markStale records a connection as having a dead transport.
func (r *Registry) markStale(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale[connID] = struct{}{}
}

// DrainStale returns the set of connections marked stale since the last
// call and clears it. The gateway reaps these on its activity sweep.
func (r *Registry) DrainStale() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.stale))
	for id := range r.stale {
		out = append(out, id)
	}
	r.stale = make(map[string]struct{})
	return out
}

// ActiveConversations counts conversations with at least one member.
func (r *Registry) ActiveConversations() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConversation)
}

// ActiveConnections counts connections joined to at least one conversation.
func (r *Registry) ActiveConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConnection)
}
