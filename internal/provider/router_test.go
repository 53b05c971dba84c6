// ABOUTME: Tests for the provider router fallback chain and envelope parsing
// ABOUTME: Uses scripted fake backends; covers fence-stripping and confidence scoring

package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend returns a fixed completion or error and counts calls.
type fakeBackend struct {
	content string
	err     error
	calls   atomic.Int64
}

func (f *fakeBackend) Generate(ctx context.Context, prompt, systemPrompt, model string) (*Completion, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Completion{Content: f.content}, nil
}

func TestRouter_CompleteUnknownProvider(t *testing.T) {
	r := NewRouter(map[string]Backend{}, nil, nil)

	_, err := r.Complete(context.Background(), "nope", "p", "s", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRouter_FallbackSkipsTriedProvider(t *testing.T) {
	a := &fakeBackend{err: errors.New("rate limited")}
	b := &fakeBackend{err: errors.New("timeout")}
	c := &fakeBackend{content: `{"content":"from c"}`}

	r := NewRouter(map[string]Backend{"a": a, "b": b, "c": c}, []string{"a", "b", "c"}, nil)

	result, err := r.CompleteWithFallback(context.Background(), "prompt", "system", "a")
	require.NoError(t, err)

	assert.Equal(t, "from c", result.Content)
	assert.Equal(t, "c", result.Provider)
	assert.Equal(t, int64(1), a.calls.Load(), "preferred provider tried exactly once")
	assert.Equal(t, int64(1), b.calls.Load())
	assert.Equal(t, int64(1), c.calls.Load())
}

func TestRouter_FallbackPreferredFirst(t *testing.T) {
	a := &fakeBackend{content: `{"content":"from a"}`}
	b := &fakeBackend{content: `{"content":"from b"}`}

	r := NewRouter(map[string]Backend{"a": a, "b": b}, []string{"a", "b"}, nil)

	result, err := r.CompleteWithFallback(context.Background(), "prompt", "", "b")
	require.NoError(t, err)

	assert.Equal(t, "from b", result.Content)
	assert.Equal(t, int64(0), a.calls.Load(), "preferred succeeded, no fallback")
}

func TestRouter_AllProvidersFailed(t *testing.T) {
	a := &fakeBackend{err: errors.New("down")}
	b := &fakeBackend{err: errors.New("also down")}

	r := NewRouter(map[string]Backend{"a": a, "b": b}, []string{"a", "b"}, nil)

	_, err := r.CompleteWithFallback(context.Background(), "prompt", "", "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Contains(t, err.Error(), "down")
}

func TestRouter_UnknownPreferredFallsThrough(t *testing.T) {
	b := &fakeBackend{content: `{"content":"ok"}`}
	r := NewRouter(map[string]Backend{"b": b}, []string{"b"}, nil)

	result, err := r.CompleteWithFallback(context.Background(), "prompt", "", "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
}

func TestParseResponse_PlainEnvelope(t *testing.T) {
	result := parseResponse(`{"content":"hello there, this is a reply."}`)
	assert.Equal(t, "hello there, this is a reply.", result.Content)
	assert.Greater(t, result.Confidence, fallbackConfidence)
}

func TestParseResponse_FencedEnvelope(t *testing.T) {
	result := parseResponse("```json\n{\"content\":\"hi\"}\n```")
	assert.Equal(t, "hi", result.Content)
}

func TestParseResponse_FencedEnvelopeNoLanguageTag(t *testing.T) {
	result := parseResponse("```\n{\"content\":\"hi\"}\n```")
	assert.Equal(t, "hi", result.Content)
}

func TestParseResponse_RawTextFallback(t *testing.T) {
	raw := "Sure! Here's what I think about the design."
	result := parseResponse(raw)

	assert.Equal(t, raw, result.Content)
	assert.InDelta(t, fallbackConfidence, result.Confidence, 1e-9)
}

func TestScoreConfidence_LongerCompleteResponsesScoreHigher(t *testing.T) {
	short := scoreConfidence("ok")
	medium := scoreConfidence("This is a mid-sized reply about the topic at hand.")
	long := scoreConfidence(headline + " " + headline + " It ends with a full stop.")
	truncated := scoreConfidence(headline + " " + headline + " and then it just")

	assert.Less(t, short, medium)
	assert.Less(t, medium, long)
	assert.Less(t, truncated, long)
}

const headline = "A complete response with plenty of detail about the implementation approach."
