// Package scheduler serializes agent response generation per conversation.
//
// Each conversation with pending work owns exactly one drain goroutine that
// pops tasks in enqueue order, so no two tasks from the same conversation
// ever run concurrently. Around each provider call the scheduler emits
// typing-start and typing-stop broadcasts, and between tasks it sleeps a
// pacing interval so multi-agent replies stay readable. Generation failures
// surface as a templated message carrying the agent's name and
// specialization; the scheduler itself never retries; provider-level
// fallback belongs to the provider router.
package scheduler
