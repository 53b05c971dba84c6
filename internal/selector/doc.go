// Package selector decides how likely an agent is to respond to a message.
//
// ResponseProbability is a pure function over (agent profile, message text):
// the randomness lives entirely in the caller's sampling step. Rules are
// evaluated in priority order and the first match sets the probability.
package selector
