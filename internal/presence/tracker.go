// ABOUTME: Thread-safe typing/presence tracker with time-based expiry
// ABOUTME: Entries auto-expire via a periodic sweep so stalled actors never stick as "typing"

package presence

import (
	"sync"
	"time"
)

// Key identifies one typing entry.
type Key struct {
	ConversationID int64
	ActorID        int64
}

// Snapshot holds read-only presence counters for observability.
type Snapshot struct {
	ActiveTypers         int           `json:"activeTypers"`
	TypersByConversation map[int64]int `json:"typersByConversation"`
}

// Tracker holds ephemeral typing state keyed by (conversation, actor).
// Entries are overwritten on repeat signals, removed on explicit clear, and
// expired by a background sweep after the idle TTL. Nothing is persisted.
type Tracker struct {
	mu     sync.RWMutex
	typing map[Key]time.Time
	ttl    time.Duration
	done   chan struct{}
	closed bool
}

// New creates a tracker whose entries expire after ttl. A background
// goroutine sweeps expired entries every sweepInterval.
func New(ttl, sweepInterval time.Duration) *Tracker {
	t := &Tracker{
		typing: make(map[Key]time.Time),
		ttl:    ttl,
		done:   make(chan struct{}),
	}
	go t.sweep(sweepInterval)
	return t
}

// SetTyping records that an actor is typing in a conversation, refreshing
// the entry's expiry if it already exists.
func (t *Tracker) SetTyping(conversationID, actorID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing[Key{ConversationID: conversationID, ActorID: actorID}] = time.Now()
}

// ClearTyping removes an actor's typing entry for a conversation.
func (t *Tracker) ClearTyping(conversationID, actorID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing, Key{ConversationID: conversationID, ActorID: actorID})
}

// ClearActor removes every typing entry for an actor across all
// conversations. Called on disconnect.
func (t *Tracker) ClearActor(actorID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.typing {
		if key.ActorID == actorID {
			delete(t.typing, key)
		}
	}
}

// IsTyping reports whether an actor has a live typing entry.
func (t *Tracker) IsTyping(conversationID, actorID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stamp, ok := t.typing[Key{ConversationID: conversationID, ActorID: actorID}]
	if !ok {
		return false
	}
	return time.Since(stamp) < t.ttl
}

// TypersOf returns the actors currently typing in a conversation.
func (t *Tracker) TypersOf(conversationID int64) []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int64
	now := time.Now()
	for key, stamp := range t.typing {
		if key.ConversationID == conversationID && now.Sub(stamp) < t.ttl {
			out = append(out, key.ActorID)
		}
	}
	return out
}

// Stats returns a read-only, side-effect-free snapshot of typing state.
func (t *Tracker) Stats() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{TypersByConversation: make(map[int64]int)}
	now := time.Now()
	for key, stamp := range t.typing {
		if now.Sub(stamp) >= t.ttl {
			continue
		}
		snap.ActiveTypers++
		snap.TypersByConversation[key.ConversationID]++
	}
	return snap
}

// sweep runs in a background goroutine, removing expired entries so a
// crashed or stalled agent task cannot leave a permanent typing indicator.
func (t *Tracker) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runSweep()
		case <-t.done:
			return
		}
	}
}

// runSweep removes all expired entries.
func (t *Tracker) runSweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, stamp := range t.typing {
		if now.Sub(stamp) >= t.ttl {
			delete(t.typing, key)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
