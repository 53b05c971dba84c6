// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The package is interface-driven: the gateway and scheduler consume the
// narrow ConversationStore, MessageStore, and AgentStore interfaces, and
// SQLiteStore implements all of them in a single struct. MockStore offers
// an in-memory implementation for tests.
//
// # Data Models
//
//   - Conversation: shared conversation with an ordered participant list
//     (mix of user and agent IDs) and a lifecycle status
//   - Message: immutable log entry; never updated or deleted
//   - AgentProfile: agent identity, selector keywords, provider assignment
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Testing uses :memory: databases.
//
// # Error Handling
//
// ErrNotFound is returned when a requested entity does not exist. All other
// errors are wrapped with operation context.
package store
