// Package gateway is the WebSocket front door. It upgrades client
// connections, decodes wire envelopes, and routes them through the
// conversation registry, presence tracker, store, and response scheduler.
//
// Each connection represents either a human user or an externally driven
// agent (agent_id query parameter). User messages are persisted before
// they are broadcast; a persistence failure suppresses the broadcast so
// members never see a message the store lost. After fan-out the gateway
// samples agent participants against their response probability and
// enqueues scheduler tasks for the hits.
//
// The package also exposes the plain HTTP surface: /health, /health/ready,
// and /api/stats.
package gateway
