// ABOUTME: Tests for the typing/presence tracker
// ABOUTME: Covers set/clear, TTL expiry via sweep, actor-wide clears, and stats

package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_SetAndClear(t *testing.T) {
	tr := New(time.Second, time.Hour)
	defer tr.Close()

	tr.SetTyping(1, 100)
	assert.True(t, tr.IsTyping(1, 100))
	assert.False(t, tr.IsTyping(1, 101))
	assert.False(t, tr.IsTyping(2, 100))

	tr.ClearTyping(1, 100)
	assert.False(t, tr.IsTyping(1, 100))
}

func TestTracker_RepeatSignalOverwrites(t *testing.T) {
	tr := New(100*time.Millisecond, time.Hour)
	defer tr.Close()

	tr.SetTyping(1, 100)
	time.Sleep(60 * time.Millisecond)
	tr.SetTyping(1, 100)
	time.Sleep(60 * time.Millisecond)

	// Would have expired without the refresh
	assert.True(t, tr.IsTyping(1, 100))
}

func TestTracker_SweepExpiresIdleEntries(t *testing.T) {
	tr := New(40*time.Millisecond, 20*time.Millisecond)
	defer tr.Close()

	tr.SetTyping(1, 100)
	tr.SetTyping(2, 200)

	assert.Eventually(t, func() bool {
		return tr.Stats().ActiveTypers == 0
	}, time.Second, 10*time.Millisecond, "entries not explicitly cleared must expire")
}

func TestTracker_ClearActorRemovesAllConversations(t *testing.T) {
	tr := New(time.Minute, time.Hour)
	defer tr.Close()

	tr.SetTyping(1, 100)
	tr.SetTyping(2, 100)
	tr.SetTyping(1, 200)

	tr.ClearActor(100)

	assert.False(t, tr.IsTyping(1, 100))
	assert.False(t, tr.IsTyping(2, 100))
	assert.True(t, tr.IsTyping(1, 200))
}

func TestTracker_TypersOf(t *testing.T) {
	tr := New(time.Minute, time.Hour)
	defer tr.Close()

	tr.SetTyping(1, 100)
	tr.SetTyping(1, 101)
	tr.SetTyping(2, 102)

	assert.ElementsMatch(t, []int64{100, 101}, tr.TypersOf(1))
	assert.ElementsMatch(t, []int64{102}, tr.TypersOf(2))
	assert.Empty(t, tr.TypersOf(3))
}

func TestTracker_StatsCountsByConversation(t *testing.T) {
	tr := New(time.Minute, time.Hour)
	defer tr.Close()

	tr.SetTyping(1, 100)
	tr.SetTyping(1, 101)
	tr.SetTyping(2, 102)

	snap := tr.Stats()
	assert.Equal(t, 3, snap.ActiveTypers)
	assert.Equal(t, 2, snap.TypersByConversation[1])
	assert.Equal(t, 1, snap.TypersByConversation[2])
}

func TestTracker_CloseIsIdempotent(t *testing.T) {
	tr := New(time.Minute, time.Hour)
	tr.Close()
	tr.Close()
}
