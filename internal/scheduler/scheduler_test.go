// ABOUTME: Tests for the per-conversation response scheduler
// ABOUTME: Covers FIFO ordering, single in-flight task, typing transitions, and fallback

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crew-gateway/internal/envelope"
	"github.com/crewhq/crew-gateway/internal/provider"
	"github.com/crewhq/crew-gateway/internal/store"
)

// scriptedCompleter records call order and can fail or block.
type scriptedCompleter struct {
	mu          sync.Mutex
	calls       []string // preferred provider per call
	err         error
	block       chan struct{} // if non-nil, matching calls wait for close
	blockFor    string        // block only calls whose system prompt contains this
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (c *scriptedCompleter) CompleteWithFallback(ctx context.Context, prompt, systemPrompt, preferred string) (*provider.Result, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		old := c.maxInFlight.Load()
		if n <= old || c.maxInFlight.CompareAndSwap(old, n) {
			break
		}
	}

	if c.block != nil && (c.blockFor == "" || strings.Contains(systemPrompt, c.blockFor)) {
		<-c.block
	}

	c.mu.Lock()
	c.calls = append(c.calls, preferred)
	count := len(c.calls)
	c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	return &provider.Result{
		Content:    fmt.Sprintf("reply %d", count),
		Provider:   preferred,
		Confidence: 0.9,
	}, nil
}

// recordingBroadcaster captures envelopes per conversation.
type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []*envelope.Envelope
}

func (b *recordingBroadcaster) Broadcast(conversationID int64, env *envelope.Envelope, exclude string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, env)
	return 1
}

func (b *recordingBroadcaster) envelopes() []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*envelope.Envelope, len(b.sent))
	copy(out, b.sent)
	return out
}

// nopTyping satisfies Typing while recording transitions.
type nopTyping struct {
	mu     sync.Mutex
	events []string
}

func (t *nopTyping) SetTyping(conversationID, actorID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, fmt.Sprintf("set %d/%d", conversationID, actorID))
}

func (t *nopTyping) ClearTyping(conversationID, actorID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, fmt.Sprintf("clear %d/%d", conversationID, actorID))
}

func testAgent(id int64, name string) *store.AgentProfile {
	return &store.AgentProfile{
		ID:             id,
		Name:           name,
		Role:           "backend_developer",
		Specialization: []string{"api"},
		Provider:       "openai",
	}
}

func newTestScheduler(t *testing.T, completer Completer) (*Scheduler, *store.MockStore, *recordingBroadcaster, *nopTyping) {
	t.Helper()
	ms := store.NewMockStore()
	bc := &recordingBroadcaster{}
	ty := &nopTyping{}
	s := New(ms, completer, bc, ty, 5*time.Millisecond, nil)
	return s, ms, bc, ty
}

func waitForMessages(t *testing.T, ms *store.MockStore, conversationID int64, n int) []*store.Message {
	t.Helper()
	var msgs []*store.Message
	require.Eventually(t, func() bool {
		var err error
		msgs, err = ms.GetMessagesByConversation(context.Background(), conversationID, 0)
		return err == nil && len(msgs) >= n
	}, 3*time.Second, 5*time.Millisecond)
	return msgs
}

func TestScheduler_TasksRunInEnqueueOrder(t *testing.T) {
	completer := &scriptedCompleter{}
	s, ms, _, _ := newTestScheduler(t, completer)

	for i := 0; i < 3; i++ {
		s.Enqueue(1, &Task{
			Agent:          testAgent(int64(100+i), fmt.Sprintf("Agent%d", i)),
			TriggerContent: "go",
		})
	}

	msgs := waitForMessages(t, ms, 1, 3)
	assert.Equal(t, int64(100), msgs[0].SenderID)
	assert.Equal(t, int64(101), msgs[1].SenderID)
	assert.Equal(t, int64(102), msgs[2].SenderID)
}

func TestScheduler_OneTaskAtATimePerConversation(t *testing.T) {
	completer := &scriptedCompleter{}
	s, ms, _, _ := newTestScheduler(t, completer)

	for i := 0; i < 5; i++ {
		s.Enqueue(1, &Task{Agent: testAgent(int64(100+i), "A"), TriggerContent: "go"})
	}

	waitForMessages(t, ms, 1, 5)
	assert.Equal(t, int64(1), completer.maxInFlight.Load(),
		"tasks from one conversation must never overlap")
}

func TestScheduler_ConversationsProceedIndependently(t *testing.T) {
	completer := &scriptedCompleter{block: make(chan struct{}), blockFor: "Stuck"}
	s, ms, _, _ := newTestScheduler(t, completer)

	// Conversation 1 is stuck generating; conversation 2 must not wait.
	s.Enqueue(1, &Task{Agent: testAgent(100, "Stuck"), TriggerContent: "go"})
	s.Enqueue(2, &Task{Agent: testAgent(101, "Fast"), TriggerContent: "go"})

	waitForMessages(t, ms, 2, 1)

	msgs, err := ms.GetMessagesByConversation(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "blocked conversation has not produced output yet")

	close(completer.block)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestScheduler_TypingTransitionsAroundGeneration(t *testing.T) {
	completer := &scriptedCompleter{}
	s, ms, bc, ty := newTestScheduler(t, completer)

	s.Enqueue(7, &Task{Agent: testAgent(100, "Maya"), TriggerContent: "go"})
	waitForMessages(t, ms, 7, 1)
	require.NoError(t, s.Shutdown(context.Background()))

	envs := bc.envelopes()
	require.Len(t, envs, 3)
	assert.Equal(t, envelope.KindTypingIndicator, envs[0].Type)
	assert.True(t, envs[0].TypingMetadata())
	assert.Equal(t, envelope.KindTypingIndicator, envs[1].Type)
	assert.False(t, envs[1].TypingMetadata())
	assert.Equal(t, envelope.KindAgentMessage, envs[2].Type)

	ty.mu.Lock()
	defer ty.mu.Unlock()
	assert.Equal(t, []string{"set 7/100", "clear 7/100"}, ty.events)
}

func TestScheduler_FallbackMessageOnTotalProviderFailure(t *testing.T) {
	completer := &scriptedCompleter{err: errors.New("everything is down")}
	s, ms, bc, _ := newTestScheduler(t, completer)

	s.Enqueue(1, &Task{Agent: testAgent(100, "Maya"), TriggerContent: "help?"})

	msgs := waitForMessages(t, ms, 1, 1)
	assert.Contains(t, msgs[0].Content, "Maya")
	assert.Contains(t, msgs[0].Content, "api")
	assert.NotContains(t, msgs[0].Content, "everything is down",
		"raw errors never reach the conversation")
	assert.Equal(t, true, msgs[0].Metadata["failed"])

	require.NoError(t, s.Shutdown(context.Background()))
	envs := bc.envelopes()
	require.Len(t, envs, 3, "typing stop and message still broadcast on failure")
}

func TestScheduler_PersistenceFailureSuppressesBroadcast(t *testing.T) {
	completer := &scriptedCompleter{}
	s, ms, bc, _ := newTestScheduler(t, completer)
	ms.FailCreateMessage = errors.New("disk full")

	s.Enqueue(1, &Task{Agent: testAgent(100, "Maya"), TriggerContent: "go"})
	require.NoError(t, s.Shutdown(context.Background()))

	for _, env := range bc.envelopes() {
		assert.NotEqual(t, envelope.KindAgentMessage, env.Type,
			"unpersisted content must not be broadcast")
	}
}

func TestScheduler_QueueDrainsToIdle(t *testing.T) {
	completer := &scriptedCompleter{}
	s, ms, _, _ := newTestScheduler(t, completer)

	s.Enqueue(1, &Task{Agent: testAgent(100, "A"), TriggerContent: "go"})
	waitForMessages(t, ms, 1, 1)
	require.NoError(t, s.Shutdown(context.Background()))

	assert.Equal(t, 0, s.QueueDepth(1))
}

func TestScheduler_NoPacingDelayAfterFinalTask(t *testing.T) {
	completer := &scriptedCompleter{}
	ms := store.NewMockStore()
	s := New(ms, completer, &recordingBroadcaster{}, &nopTyping{}, 5*time.Second, nil)

	s.Enqueue(1, &Task{Agent: testAgent(100, "A"), TriggerContent: "go"})
	waitForMessages(t, ms, 1, 1)

	// The worker must exit without serving the pacing interval once the
	// queue is empty, so shutdown completes well inside it.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestScheduler_ShutdownRejectsNewTasks(t *testing.T) {
	completer := &scriptedCompleter{}
	s, ms, _, _ := newTestScheduler(t, completer)
	require.NoError(t, s.Shutdown(context.Background()))

	s.Enqueue(1, &Task{Agent: testAgent(100, "A"), TriggerContent: "go"})
	time.Sleep(20 * time.Millisecond)

	msgs, err := ms.GetMessagesByConversation(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
