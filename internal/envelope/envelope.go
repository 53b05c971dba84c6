// ABOUTME: Wire envelope types exchanged over the persistent WebSocket connection
// ABOUTME: Defines the enumerated kind set and JSON decode/encode with validation

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind enumerates every envelope type the gateway understands.
// Dispatch over kinds is exhaustive; adding a kind is a compile-time decision.
type Kind string

const (
	KindUserMessage        Kind = "user_message"
	KindAgentMessage       Kind = "agent_message"
	KindSystemNotification Kind = "system_notification"
	KindTypingIndicator    Kind = "typing_indicator"
	KindJoinConversation   Kind = "join_conversation"
	KindLeaveConversation  Kind = "leave_conversation"
	KindAgentStatusUpdate  Kind = "agent_status_update"
)

// SenderType values for the senderType field.
const (
	SenderUser   = "user"
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// SystemConversationID is the reserved conversation ID for connection-scoped
// system notices not tied to any conversation.
const SystemConversationID = 0

// ErrUnknownKind is returned when an envelope carries a type outside the
// enumerated set. Callers log and drop; an unknown kind never faults.
var ErrUnknownKind = errors.New("unknown envelope kind")

// ErrMalformed is returned when the payload is not a valid envelope at all.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the single wire message shape, sent in both directions.
type Envelope struct {
	Type           Kind           `json:"type"`
	ConversationID int64          `json:"conversationId"`
	SenderID       int64          `json:"senderId"`
	SenderType     string         `json:"senderType,omitempty"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// knownKinds is the closed set accepted off the wire.
var knownKinds = map[Kind]struct{}{
	KindUserMessage:        {},
	KindAgentMessage:       {},
	KindSystemNotification: {},
	KindTypingIndicator:    {},
	KindJoinConversation:   {},
	KindLeaveConversation:  {},
	KindAgentStatusUpdate:  {},
}

// Decode parses a raw frame into an Envelope.
// Returns ErrMalformed for unparseable JSON and ErrUnknownKind for a type
// outside the enumerated set (wrapped with the offending value).
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if _, ok := knownKinds[env.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// New builds an envelope with the timestamp set to now.
func New(kind Kind, conversationID, senderID int64, senderType, content string) *Envelope {
	return &Envelope{
		Type:           kind,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderType:     senderType,
		Content:        content,
		Timestamp:      time.Now().UTC(),
	}
}

// SystemNotice builds a system_notification envelope whose content is itself
// a JSON-encoded payload carrying a nested {type, ...} structure, e.g.
// conversation_history or collaborative_session_started.
func SystemNotice(conversationID int64, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding system notice: %w", err)
	}
	env := New(KindSystemNotification, conversationID, 0, SenderSystem, string(body))
	return env, nil
}

// TypingMetadata reports whether a typing_indicator envelope signals typing
// started (true) or stopped (false). Absent metadata means stopped.
func (e *Envelope) TypingMetadata() bool {
	if e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata["isTyping"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// NewTypingIndicator builds a typing_indicator envelope for an actor.
func NewTypingIndicator(conversationID, actorID int64, senderType string, typing bool) *Envelope {
	env := New(KindTypingIndicator, conversationID, actorID, senderType, "")
	env.Metadata = map[string]any{"isTyping": typing}
	return env
}
