// Package registry tracks which connections are joined to which
// conversations and fans envelopes out to the member set.
//
// The registry is purely in-memory and mirrors membership only; the store
// remains authoritative for conversation records. Join is idempotent, and
// teardown via Remove is synchronous with connection close so the member
// index never references a dead connection. Write failures during broadcast
// mark the connection stale for deferred reaping instead of tearing it down
// mid-fan-out.
package registry
