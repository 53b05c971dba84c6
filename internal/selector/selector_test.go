// ABOUTME: Tests for the response-probability rule table
// ABOUTME: Covers rule priority, case folding, and a two-agent scoring scenario

package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crewhq/crew-gateway/internal/store"
)

func maya() *store.AgentProfile {
	return &store.AgentProfile{
		ID:             101,
		Name:           "Maya",
		Role:           "ui_designer",
		Specialization: []string{"design", "css"},
	}
}

func sam() *store.AgentProfile {
	return &store.AgentProfile{
		ID:             102,
		Name:           "Sam",
		Role:           "backend_developer",
		Specialization: []string{"database", "api"},
	}
}

func TestResponseProbability_RuleTable(t *testing.T) {
	tests := []struct {
		name  string
		agent *store.AgentProfile
		text  string
		want  float64
	}{
		{"name mention", maya(), "maya please take a look", 1.0},
		{"name mention case-insensitive", maya(), "MAYA?", 1.0},
		{"role with underscores as spaces", maya(), "any ui designer around", 0.9},
		{"specialization keyword", maya(), "the css grid is broken", 0.6},
		{"question mark", sam(), "how long will this take?", 0.7},
		{"team word", sam(), "let's discuss tomorrow", 0.4},
		{"substantive message", sam(), "shipping the release now", 0.3},
		{"short message", sam(), "ok", 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ResponseProbability(tt.agent, tt.text), 1e-9)
		})
	}
}

func TestResponseProbability_FirstMatchWins(t *testing.T) {
	// A name mention that is also a question scores as a plain mention.
	assert.InDelta(t, 1.0, ResponseProbability(maya(), "Maya, can you help?"), 1e-9)

	// A specialization keyword in a question resolves at the keyword rule,
	// which sits above the question rule in priority.
	assert.InDelta(t, 0.6, ResponseProbability(maya(), "is the design final?"), 1e-9)
}

func TestResponseProbability_DesignScenario(t *testing.T) {
	text := "Maya, can you help with the design?"

	// Maya is named directly.
	assert.InDelta(t, 1.0, ResponseProbability(maya(), text), 1e-9)

	// Sam has no "design" keyword, so the question rule applies instead.
	assert.InDelta(t, 0.7, ResponseProbability(sam(), text), 1e-9)
}

func TestResponseProbability_Deterministic(t *testing.T) {
	agent := sam()
	text := "can someone review the api changes?"

	first := ResponseProbability(agent, text)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, ResponseProbability(agent, text))
	}
}
