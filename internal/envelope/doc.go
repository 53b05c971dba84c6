// Package envelope defines the JSON wire protocol for the gateway.
//
// Every frame on the persistent connection is a single Envelope with an
// enumerated type. The gateway dispatches on the kind exhaustively; frames
// with unknown kinds are logged and dropped without faulting the connection.
//
// Conversation ID 0 is reserved for connection-scoped system notices.
package envelope
