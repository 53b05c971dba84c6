// ABOUTME: Store interface and data types for crew-gateway persistence
// ABOUTME: Defines Conversation, Message, AgentProfile and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Conversation lifecycle status values.
const (
	ConversationActive    = "active"
	ConversationPaused    = "paused"
	ConversationCompleted = "completed"
)

// Conversation represents a shared conversation between users and agents.
// The store is authoritative for conversations; the in-memory registry only
// mirrors connection membership for fan-out.
type Conversation struct {
	ID             int64
	Title          string
	ParticipantIDs []int64 // ordered mix of user and agent IDs
	Status         string  // active, paused, completed
	ProjectID      *int64  // optional parent project reference
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessageKind values for the message kind tag.
const (
	MessageKindText          = "text"
	MessageKindCode          = "code"
	MessageKindTypingControl = "typing-control"
	MessageKindSystemNotice  = "system-notice"
)

// Message is a single immutable message within a conversation.
// Messages are created by the gateway (user turns) or the response
// scheduler (agent turns) and never mutated or deleted.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	SenderType     string // user, agent, system
	Content        string
	Kind           string         // text, code, typing-control, system-notice
	Metadata       map[string]any // optional structured metadata
	CreatedAt      time.Time
}

// Agent availability status values.
const (
	AgentIdle    = "idle"
	AgentWorking = "working"
	AgentOffline = "offline"
)

// AgentProfile describes one AI agent: identity, routing hints for the
// selector, and its provider assignment for the completion router.
type AgentProfile struct {
	ID             int64
	Name           string
	Role           string   // e.g. "frontend_developer"
	Specialization []string // keyword set matched by the selector
	Provider       string   // preferred completion provider name
	Model          string   // default model for that provider
	SystemPrompt   string
	Status         string // idle, working, offline
	CreatedAt      time.Time
}

// ConversationStore covers conversation records.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	GetConversationsByParticipant(ctx context.Context, participantID int64) ([]*Conversation, error)
	UpdateConversationStatus(ctx context.Context, id int64, status string) error
}

// MessageStore covers the append-only message log.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessagesByConversation(ctx context.Context, conversationID int64, limit int) ([]*Message, error)
}

// AgentStore covers agent profile records.
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *AgentProfile) error
	GetAgent(ctx context.Context, id int64) (*AgentProfile, error)
	GetAllAgents(ctx context.Context) ([]*AgentProfile, error)
	UpdateAgentStatus(ctx context.Context, id int64, status string) error
}

// Store is the full persistence interface consumed by the gateway.
type Store interface {
	ConversationStore
	MessageStore
	AgentStore

	Close() error
}
