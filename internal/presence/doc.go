// Package presence tracks ephemeral typing state for conversations.
//
// Entries are keyed by (conversation, actor), refreshed on repeat typing
// signals, and expired by a periodic sweep after an idle TTL independent of
// explicit clears. Stats exposes counters for the observability endpoint.
package presence
