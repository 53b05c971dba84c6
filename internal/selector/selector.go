// ABOUTME: Pure decision function scoring how likely an agent is to respond
// ABOUTME: Ordered first-match rule table over the message text and agent profile

package selector

import (
	"strings"

	"github.com/crewhq/crew-gateway/internal/store"
)

// Probabilities returned by the rule table. The table is intentionally
// probabilistic rather than deterministic: it produces natural multi-agent
// participation instead of every agent answering every message.
const (
	probNameMention    = 1.0
	probRoleMention    = 0.9
	probQuestion       = 0.7
	probSpecialization = 0.6
	probTeamWords      = 0.4
	probSubstantive    = 0.3
	probBase           = 0.1
)

// teamWords trigger group-discussion participation.
var teamWords = []string{"team", "discuss", "together"}

// ResponseProbability scores how likely the given agent should respond to
// the message text, in [0,1]. Rules are evaluated in priority order and the
// first match wins; a message that both names the agent and asks a question
// scores the same as a plain name mention. The caller samples a uniform
// draw against the returned value; the selector itself is deterministic.
func ResponseProbability(agent *store.AgentProfile, text string) float64 {
	lower := strings.ToLower(text)

	// 1. Direct name mention
	if agent.Name != "" && strings.Contains(lower, strings.ToLower(agent.Name)) {
		return probNameMention
	}

	// 2. Role mention, underscores read as spaces ("ui_designer" -> "ui designer")
	role := strings.ReplaceAll(strings.ToLower(agent.Role), "_", " ")
	if role != "" && strings.Contains(lower, role) {
		return probRoleMention
	}

	// 3. Specialization keyword
	for _, keyword := range agent.Specialization {
		if keyword != "" && strings.Contains(lower, strings.ToLower(keyword)) {
			return probSpecialization
		}
	}

	// 4. Question addressed to the room
	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		return probQuestion
	}

	// 5. Group-discussion words
	for _, word := range teamWords {
		if strings.Contains(lower, word) {
			return probTeamWords
		}
	}

	// 6. Substantive message
	if len(text) > 10 {
		return probSubstantive
	}

	return probBase
}
