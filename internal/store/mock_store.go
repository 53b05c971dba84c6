// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[int64]*Conversation
	messages      map[int64][]*Message // keyed by conversation ID
	agents        map[int64]*AgentProfile
	nextConvID    int64
	nextMsgID     int64
	nextAgentID   int64

	// FailCreateMessage makes CreateMessage return this error, for
	// exercising persistence-failure paths.
	FailCreateMessage error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[int64]*Conversation),
		messages:      make(map[int64][]*Message),
		agents:        make(map[int64]*AgentProfile),
	}
}

// CreateConversation stores a new conversation and assigns its ID.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextConvID++
	conv.ID = m.nextConvID
	if conv.Status == "" {
		conv.Status = ConversationActive
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = conv.CreatedAt

	// Copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetConversationsByParticipant returns conversations containing the participant.
func (m *MockStore) GetConversationsByParticipant(ctx context.Context, participantID int64) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		for _, pid := range c.ParticipantIDs {
			if pid == participantID {
				result := *c
				out = append(out, &result)
				break
			}
		}
	}
	return out, nil
}

// UpdateConversationStatus transitions a conversation's lifecycle status.
func (m *MockStore) UpdateConversationStatus(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateMessage appends a message and assigns its ID.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreateMessage != nil {
		return m.FailCreateMessage
	}

	m.nextMsgID++
	msg.ID = m.nextMsgID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = MessageKindText
	}

	stored := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &stored)
	return nil
}

// GetMessagesByConversation returns messages in creation order.
func (m *MockStore) GetMessagesByConversation(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		result := *msg
		out = append(out, &result)
	}
	return out, nil
}

// UpsertAgent stores an agent profile, assigning an ID for new agents.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *AgentProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent.ID == 0 {
		m.nextAgentID++
		agent.ID = m.nextAgentID
	} else if agent.ID > m.nextAgentID {
		m.nextAgentID = agent.ID
	}
	if agent.Status == "" {
		agent.Status = AgentIdle
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent profile by ID.
func (m *MockStore) GetAgent(ctx context.Context, id int64) (*AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// GetAllAgents returns every registered agent profile.
func (m *MockStore) GetAllAgents(ctx context.Context) ([]*AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentProfile, 0, len(m.agents))
	for i := int64(1); i <= m.nextAgentID; i++ {
		if a, ok := m.agents[i]; ok {
			result := *a
			out = append(out, &result)
		}
	}
	return out, nil
}

// UpdateAgentStatus sets an agent's availability status.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

// Close satisfies the Store interface.
func (m *MockStore) Close() error {
	return nil
}
