// ABOUTME: Per-conversation FIFO queue that serializes agent response generation
// ABOUTME: Emits typing transitions around each provider call and paces successive replies

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/crewhq/crew-gateway/internal/envelope"
	"github.com/crewhq/crew-gateway/internal/provider"
	"github.com/crewhq/crew-gateway/internal/store"
)

// historyWindow bounds how many recent messages feed the prompt.
const historyWindow = 20

// generationTimeout bounds one agent turn including provider fallback.
const generationTimeout = 2 * time.Minute

// Broadcaster fans an envelope out to a conversation's member connections.
type Broadcaster interface {
	Broadcast(conversationID int64, env *envelope.Envelope, excludeConnID string) int
}

// Typing is the scheduler's view of the presence tracker.
type Typing interface {
	SetTyping(conversationID, actorID int64)
	ClearTyping(conversationID, actorID int64)
}

// Completer is the scheduler's view of the provider router.
type Completer interface {
	CompleteWithFallback(ctx context.Context, prompt, systemPrompt, preferredProvider string) (*provider.Result, error)
}

// Task is one queued agent response. Tasks within a conversation's queue
// execute strictly one at a time, in enqueue order.
type Task struct {
	Agent            *store.AgentProfile
	TriggerMessageID int64
	TriggerContent   string
	EnqueuedAt       time.Time
	Attempts         int
}

// Scheduler drains one task at a time per conversation. A conversation with
// an empty queue holds no goroutine and consumes no resources.
type Scheduler struct {
	mu       sync.Mutex
	queues   map[int64][]*Task
	draining map[int64]bool
	stopped  bool

	store       store.MessageStore
	completer   Completer
	broadcaster Broadcaster
	typing      Typing
	pacing      time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// New creates a scheduler. pacing is the delay between successive tasks in
// one conversation; unrelated conversations proceed independently.
func New(msgStore store.MessageStore, completer Completer, broadcaster Broadcaster, typing Typing, pacing time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queues:      make(map[int64][]*Task),
		draining:    make(map[int64]bool),
		store:       msgStore,
		completer:   completer,
		broadcaster: broadcaster,
		typing:      typing,
		pacing:      pacing,
		logger:      logger.With("component", "scheduler"),
	}
}

// Enqueue appends a task to a conversation's queue and starts the drain
// worker for that conversation if none is running.
func (s *Scheduler) Enqueue(conversationID int64, task *Task) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Warn("enqueue after shutdown, task dropped",
			"conversation_id", conversationID,
			"agent", task.Agent.Name)
		return
	}
	s.queues[conversationID] = append(s.queues[conversationID], task)
	startWorker := !s.draining[conversationID]
	if startWorker {
		s.draining[conversationID] = true
		s.wg.Add(1)
	}
	queued := len(s.queues[conversationID])
	s.mu.Unlock()

	s.logger.Debug("response task enqueued",
		"conversation_id", conversationID,
		"agent", task.Agent.Name,
		"queue_depth", queued)

	if startWorker {
		go s.drain(conversationID)
	}
}

// QueueDepth reports the number of pending tasks for a conversation.
func (s *Scheduler) QueueDepth(conversationID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[conversationID])
}

// Shutdown stops accepting tasks and waits for in-flight workers to finish,
// or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// drain is the per-conversation worker loop. It pops tasks strictly in
// enqueue order and exits when the queue is empty, so the FIFO invariant is
// enforced by construction.
func (s *Scheduler) drain(conversationID int64) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		queue := s.queues[conversationID]
		if len(queue) == 0 {
			s.draining[conversationID] = false
			delete(s.queues, conversationID)
			s.mu.Unlock()
			return
		}
		task := queue[0]
		s.queues[conversationID] = queue[1:]
		s.mu.Unlock()

		s.runTask(conversationID, task)

		// Pacing between successive replies keeps multi-agent threads
		// legible. Per-conversation only; other conversations proceed.
		// No sleep after the final task, so the worker and any Shutdown
		// waiter exit immediately.
		s.mu.Lock()
		pending := len(s.queues[conversationID])
		s.mu.Unlock()
		if pending > 0 {
			time.Sleep(s.pacing)
		}
	}
}

// runTask executes one agent turn: typing-start, generation, typing-stop,
// persist, broadcast. A failed generation becomes a templated message, never
// a bare error in the conversation.
func (s *Scheduler) runTask(conversationID int64, task *Task) {
	agent := task.Agent
	task.Attempts++

	s.typing.SetTyping(conversationID, agent.ID)
	s.broadcaster.Broadcast(conversationID,
		envelope.NewTypingIndicator(conversationID, agent.ID, envelope.SenderAgent, true), "")

	content, metadata := s.generate(conversationID, task)

	s.typing.ClearTyping(conversationID, agent.ID)
	s.broadcaster.Broadcast(conversationID,
		envelope.NewTypingIndicator(conversationID, agent.ID, envelope.SenderAgent, false), "")

	msg := &store.Message{
		ConversationID: conversationID,
		SenderID:       agent.ID,
		SenderType:     envelope.SenderAgent,
		Content:        content,
		Kind:           store.MessageKindText,
		Metadata:       metadata,
	}

	// Persist before broadcast; unpersisted state is never visible.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.CreateMessage(saveCtx, msg); err != nil {
		s.logger.Error("failed to persist agent message, dropping broadcast",
			"conversation_id", conversationID,
			"agent", agent.Name,
			"error", err)
		return
	}

	env := envelope.New(envelope.KindAgentMessage, conversationID, agent.ID, envelope.SenderAgent, content)
	env.Metadata = metadata
	s.broadcaster.Broadcast(conversationID, env, "")

	s.logger.Debug("agent response delivered",
		"conversation_id", conversationID,
		"agent", agent.Name,
		"message_id", msg.ID)
}

// generate calls the provider router and converts any failure, including a
// panic inside a backend, into a fallback outcome.
func (s *Scheduler) generate(conversationID int64, task *Task) (content string, metadata map[string]any) {
	agent := task.Agent

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("generation panicked, using fallback response",
				"conversation_id", conversationID,
				"agent", agent.Name,
				"panic", r)
			content = fallbackMessage(agent)
			metadata = map[string]any{"failed": true}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), generationTimeout)
	defer cancel()

	prompt := s.buildPrompt(ctx, conversationID, task)

	result, err := s.completer.CompleteWithFallback(ctx, prompt, systemPrompt(agent), agent.Provider)
	if err != nil {
		s.logger.Warn("generation failed on every provider, using fallback response",
			"conversation_id", conversationID,
			"agent", agent.Name,
			"error", err)
		return fallbackMessage(agent), map[string]any{"failed": true}
	}

	return result.Content, map[string]any{
		"provider":   result.Provider,
		"confidence": result.Confidence,
	}
}

// buildPrompt assembles the recent conversation window plus the triggering
// message. History failures degrade to the trigger alone.
func (s *Scheduler) buildPrompt(ctx context.Context, conversationID int64, task *Task) string {
	var b strings.Builder

	history, err := s.store.GetMessagesByConversation(ctx, conversationID, historyWindow)
	if err != nil {
		s.logger.Warn("failed to load history for prompt",
			"conversation_id", conversationID,
			"error", err)
	} else if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "[%s %d] %s\n", msg.SenderType, msg.SenderID, msg.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Respond to this message: %s", task.TriggerContent)
	return b.String()
}

// systemPrompt derives the system instruction from the agent profile.
func systemPrompt(agent *store.AgentProfile) string {
	if agent.SystemPrompt != "" {
		return agent.SystemPrompt
	}

	role := strings.ReplaceAll(agent.Role, "_", " ")
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s on a software team.", agent.Name, role)
	if len(agent.Specialization) > 0 {
		fmt.Fprintf(&b, " Your specializations: %s.", strings.Join(agent.Specialization, ", "))
	}
	b.WriteString(` Reply as a JSON object with a "content" field holding your message.`)
	return b.String()
}

// fallbackMessage is the user-visible outcome when every provider failed.
// The conversation never shows a bare error.
func fallbackMessage(agent *store.AgentProfile) string {
	role := strings.ReplaceAll(agent.Role, "_", " ")
	if len(agent.Specialization) > 0 {
		return fmt.Sprintf("Hi, I'm %s (%s). I'm having trouble responding right now, but I'm here to help with %s. Please try me again in a moment.",
			agent.Name, role, strings.Join(agent.Specialization, ", "))
	}
	return fmt.Sprintf("Hi, I'm %s (%s). I'm having trouble responding right now. Please try me again in a moment.",
		agent.Name, role)
}
