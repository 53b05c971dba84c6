// ABOUTME: Per-envelope dispatch for inbound WebSocket traffic
// ABOUTME: Persists messages, fans them out, and gates agent responses by probability

package gateway

import (
	"context"
	"time"

	"github.com/crewhq/crew-gateway/internal/envelope"
	"github.com/crewhq/crew-gateway/internal/scheduler"
	"github.com/crewhq/crew-gateway/internal/selector"
	"github.com/crewhq/crew-gateway/internal/store"
)

// dispatchTimeout bounds the store work done for one inbound frame.
const dispatchTimeout = 10 * time.Second

// dispatch routes one decoded envelope. A panicking handler is logged
// and the connection keeps reading.
func (g *Gateway) dispatch(conn *Conn, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic handling envelope",
				"connection_id", conn.ID(), "type", env.Type, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch env.Type {
	case envelope.KindUserMessage:
		g.handleUserMessage(ctx, conn, env)
	case envelope.KindAgentMessage:
		g.handleAgentMessage(ctx, conn, env)
	case envelope.KindTypingIndicator:
		g.handleTypingIndicator(conn, env)
	case envelope.KindJoinConversation:
		g.handleJoin(ctx, conn, env)
	case envelope.KindLeaveConversation:
		g.handleLeave(conn, env)
	case envelope.KindAgentStatusUpdate:
		g.handleAgentStatus(ctx, conn, env)
	default:
		// Decode validates kinds, so this only fires if the two fall
		// out of sync.
		g.logger.Debug("dropping unhandled envelope type",
			"connection_id", conn.ID(), "type", env.Type)
	}
}

// handleUserMessage persists the message, fans it out to the
// conversation, and samples agent participants for responses. A
// persistence failure suppresses the broadcast.
func (g *Gateway) handleUserMessage(ctx context.Context, conn *Conn, env *envelope.Envelope) {
	if env.ConversationID == envelope.SystemConversationID || env.Content == "" {
		g.logger.Debug("dropping invalid user message", "connection_id", conn.ID())
		return
	}

	conv, err := g.store.GetConversation(ctx, env.ConversationID)
	if err != nil {
		g.logger.Warn("user message for unknown conversation",
			"connection_id", conn.ID(), "conversation_id", env.ConversationID, "error", err)
		return
	}

	msg := &store.Message{
		ConversationID: env.ConversationID,
		SenderID:       conn.userID,
		SenderType:     envelope.SenderUser,
		Content:        env.Content,
		Kind:           store.MessageKindText,
		Metadata:       env.Metadata,
	}

	// Persist and broadcast under the conversation lock so members see
	// messages in store order even with concurrent senders.
	lock := g.conversationLock(env.ConversationID)
	lock.Lock()
	if err := g.store.CreateMessage(ctx, msg); err != nil {
		lock.Unlock()
		g.logger.Error("persisting user message",
			"conversation_id", env.ConversationID, "error", err)
		return
	}

	// Typing stops the moment the composed message arrives.
	g.presence.ClearTyping(env.ConversationID, conn.userID)

	out := envelope.New(envelope.KindUserMessage, env.ConversationID, conn.userID, envelope.SenderUser, env.Content)
	out.Metadata = env.Metadata
	g.registry.Broadcast(env.ConversationID, out, "")
	lock.Unlock()

	g.triggerAgents(conv, conn.userID, msg)
}

// handleAgentMessage accepts messages only from agent-bound
// connections, for externally driven agents.
func (g *Gateway) handleAgentMessage(ctx context.Context, conn *Conn, env *envelope.Envelope) {
	if !conn.agentBound() {
		g.logger.Warn("agent message from non-agent connection",
			"connection_id", conn.ID(), "user_id", conn.userID)
		return
	}
	if env.ConversationID == envelope.SystemConversationID || env.Content == "" {
		return
	}

	msg := &store.Message{
		ConversationID: env.ConversationID,
		SenderID:       conn.agentID,
		SenderType:     envelope.SenderAgent,
		Content:        env.Content,
		Kind:           store.MessageKindText,
		Metadata:       env.Metadata,
	}

	lock := g.conversationLock(env.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := g.store.CreateMessage(ctx, msg); err != nil {
		g.logger.Error("persisting agent message",
			"conversation_id", env.ConversationID, "error", err)
		return
	}

	g.presence.ClearTyping(env.ConversationID, conn.agentID)

	out := envelope.New(envelope.KindAgentMessage, env.ConversationID, conn.agentID, envelope.SenderAgent, env.Content)
	out.Metadata = env.Metadata
	g.registry.Broadcast(env.ConversationID, out, "")
}

// handleTypingIndicator updates presence and relays the indicator to
// the other members. Nothing is persisted.
func (g *Gateway) handleTypingIndicator(conn *Conn, env *envelope.Envelope) {
	if env.ConversationID == envelope.SystemConversationID {
		return
	}

	actorID := conn.ActorID()
	if env.TypingMetadata() {
		g.presence.SetTyping(env.ConversationID, actorID)
	} else {
		g.presence.ClearTyping(env.ConversationID, actorID)
	}

	senderType := envelope.SenderUser
	if conn.agentBound() {
		senderType = envelope.SenderAgent
	}
	out := envelope.NewTypingIndicator(env.ConversationID, actorID, senderType, env.TypingMetadata())
	g.registry.Broadcast(env.ConversationID, out, conn.ID())
}

// handleJoin subscribes the connection to an existing conversation and
// replays its history. Agent-bound joins announce a collaborative
// session to the other members.
func (g *Gateway) handleJoin(ctx context.Context, conn *Conn, env *envelope.Envelope) {
	if env.ConversationID == envelope.SystemConversationID {
		return
	}
	if _, err := g.store.GetConversation(ctx, env.ConversationID); err != nil {
		g.logger.Warn("join for unknown conversation",
			"connection_id", conn.ID(), "conversation_id", env.ConversationID)
		return
	}

	g.registry.Join(conn, env.ConversationID)
	g.sendHistory(ctx, conn, env.ConversationID)

	if conn.agentBound() {
		if agent, ok := g.agentProfile(conn.agentID); ok {
			notice, err := envelope.SystemNotice(env.ConversationID, map[string]any{
				"type":      "collaborative_session_started",
				"agentId":   agent.ID,
				"agentName": agent.Name,
			})
			if err == nil {
				g.registry.Broadcast(env.ConversationID, notice, conn.ID())
			}
		}
	}
}

func (g *Gateway) handleLeave(conn *Conn, env *envelope.Envelope) {
	if env.ConversationID == envelope.SystemConversationID {
		return
	}
	g.registry.Leave(conn.ID(), env.ConversationID)
	g.presence.ClearTyping(env.ConversationID, conn.ActorID())
}

// handleAgentStatus lets an agent-bound connection move its agent
// between idle, working, and offline, announcing the change.
func (g *Gateway) handleAgentStatus(ctx context.Context, conn *Conn, env *envelope.Envelope) {
	if !conn.agentBound() {
		g.logger.Warn("status update from non-agent connection", "connection_id", conn.ID())
		return
	}

	status := env.Content
	switch status {
	case store.AgentIdle, store.AgentWorking, store.AgentOffline:
	default:
		g.logger.Warn("invalid agent status", "connection_id", conn.ID(), "status", status)
		return
	}

	if err := g.store.UpdateAgentStatus(ctx, conn.agentID, status); err != nil {
		g.logger.Error("updating agent status", "agent_id", conn.agentID, "error", err)
		return
	}
	// Replace the roster entry instead of mutating it; snapshots handed
	// out by agentProfile stay immutable.
	g.mu.Lock()
	if a, ok := g.roster[conn.agentID]; ok {
		updated := *a
		updated.Status = status
		g.roster[conn.agentID] = &updated
	}
	g.mu.Unlock()

	if env.ConversationID != envelope.SystemConversationID {
		notice, err := envelope.SystemNotice(env.ConversationID, map[string]any{
			"type":    "agent_status_changed",
			"agentId": conn.agentID,
			"status":  status,
		})
		if err == nil {
			g.registry.Broadcast(env.ConversationID, notice, "")
		}
	}
}

// triggerAgents samples every agent participant of an active
// conversation against its response probability for the trigger
// message and enqueues a task per hit.
func (g *Gateway) triggerAgents(conv *store.Conversation, senderID int64, msg *store.Message) {
	if conv.Status != store.ConversationActive {
		g.logger.Debug("skipping agent responses for inactive conversation",
			"conversation_id", conv.ID, "status", conv.Status)
		return
	}

	for _, pid := range conv.ParticipantIDs {
		if pid == senderID {
			continue
		}
		agent, ok := g.agentProfile(pid)
		if !ok {
			continue // human participant
		}
		if agent.Status == store.AgentOffline {
			continue
		}

		p := selector.ResponseProbability(agent, msg.Content)
		if g.sample() >= p {
			continue
		}

		g.scheduler.Enqueue(conv.ID, &scheduler.Task{
			Agent:            agent,
			TriggerMessageID: msg.ID,
			TriggerContent:   msg.Content,
			EnqueuedAt:       time.Now(),
		})
		g.logger.Info("agent response queued",
			"conversation_id", conv.ID,
			"agent_id", agent.ID,
			"agent_name", agent.Name,
			"probability", p)
	}
}
