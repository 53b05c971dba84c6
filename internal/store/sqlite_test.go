// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Uses in-memory databases; covers CRUD, ordering, and not-found paths

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_ConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	projectID := int64(42)
	conv := &Conversation{
		Title:          "API design",
		ParticipantIDs: []int64{1, 101, 102},
		ProjectID:      &projectID,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))
	require.NotZero(t, conv.ID)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "API design", got.Title)
	assert.Equal(t, []int64{1, 101, 102}, got.ParticipantIDs)
	assert.Equal(t, ConversationActive, got.Status)
	require.NotNil(t, got.ProjectID)
	assert.Equal(t, int64(42), *got.ProjectID)
}

func TestSQLiteStore_GetConversationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_GetConversationsByParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, &Conversation{Title: "a", ParticipantIDs: []int64{1, 2}}))
	require.NoError(t, s.CreateConversation(ctx, &Conversation{Title: "b", ParticipantIDs: []int64{2, 3}}))
	require.NoError(t, s.CreateConversation(ctx, &Conversation{Title: "c", ParticipantIDs: []int64{1, 3}}))

	convs, err := s.GetConversationsByParticipant(ctx, 1)
	require.NoError(t, err)
	require.Len(t, convs, 2)

	titles := []string{convs[0].Title, convs[1].Title}
	assert.ElementsMatch(t, []string{"a", "c"}, titles)
}

func TestSQLiteStore_UpdateConversationStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Title: "standup", ParticipantIDs: []int64{1}}
	require.NoError(t, s.CreateConversation(ctx, conv))

	require.NoError(t, s.UpdateConversationStatus(ctx, conv.ID, ConversationPaused))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationPaused, got.Status)

	assert.ErrorIs(t, s.UpdateConversationStatus(ctx, 999, ConversationActive), ErrNotFound)
}

func TestSQLiteStore_MessagesPreserveInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Title: "ordering", ParticipantIDs: []int64{1}}
	require.NoError(t, s.CreateConversation(ctx, conv))

	for _, content := range []string{"first", "second", "third"} {
		msg := &Message{
			ConversationID: conv.ID,
			SenderID:       1,
			SenderType:     "user",
			Content:        content,
		}
		require.NoError(t, s.CreateMessage(ctx, msg))
		require.NotZero(t, msg.ID)
	}

	msgs, err := s.GetMessagesByConversation(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestSQLiteStore_MessageLimitReturnsMostRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Title: "limits", ParticipantIDs: []int64{1}}
	require.NoError(t, s.CreateConversation(ctx, conv))

	for _, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.CreateMessage(ctx, &Message{
			ConversationID: conv.ID,
			SenderID:       1,
			SenderType:     "user",
			Content:        content,
		}))
	}

	msgs, err := s.GetMessagesByConversation(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Content)
	assert.Equal(t, "four", msgs[1].Content)
}

func TestSQLiteStore_MessageMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{Title: "meta", ParticipantIDs: []int64{1}}
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := &Message{
		ConversationID: conv.ID,
		SenderID:       101,
		SenderType:     "agent",
		Content:        "generated",
		Kind:           MessageKindCode,
		Metadata:       map[string]any{"provider": "openai", "confidence": 0.8},
	}
	require.NoError(t, s.CreateMessage(ctx, msg))

	msgs, err := s.GetMessagesByConversation(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageKindCode, msgs[0].Kind)
	assert.Equal(t, "openai", msgs[0].Metadata["provider"])
	assert.Equal(t, 0.8, msgs[0].Metadata["confidence"])
}

func TestSQLiteStore_AgentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &AgentProfile{
		Name:           "Maya Designer",
		Role:           "ui_designer",
		Specialization: []string{"design", "css", "figma"},
		Provider:       "openai",
		Model:          "gpt-4o",
		SystemPrompt:   "You are a UI designer.",
	}
	require.NoError(t, s.UpsertAgent(ctx, agent))
	require.NotZero(t, agent.ID)

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Maya Designer", got.Name)
	assert.Equal(t, []string{"design", "css", "figma"}, got.Specialization)
	assert.Equal(t, AgentIdle, got.Status)

	// Upsert with the same ID updates in place
	agent.Model = "gpt-4o-mini"
	require.NoError(t, s.UpsertAgent(ctx, agent))

	all, err := s.GetAllAgents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "gpt-4o-mini", all[0].Model)
}

func TestSQLiteStore_UpdateAgentStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &AgentProfile{Name: "Sam", Role: "backend_developer", Provider: "openai"}
	require.NoError(t, s.UpsertAgent(ctx, agent))

	require.NoError(t, s.UpdateAgentStatus(ctx, agent.ID, AgentWorking))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentWorking, got.Status)

	assert.ErrorIs(t, s.UpdateAgentStatus(ctx, 999, AgentIdle), ErrNotFound)
}
