// Package bus implements the S2 RPC transport contract (SPEC_FULL.md §6):
// unicast Connect/KeepAlive/Message calls to a resource manager, and
// broadcast Message/Disconnect signals filtered by object path
// "/Devices/{n}/S2". One Bus is shared by every connected consumer's
// session.
package bus

import (
	"context"
	"time"
)

// SignalKind distinguishes the two broadcast signal types a session
// subscribes to.
type SignalKind string

const (
	SignalMessage    SignalKind = "Message"
	SignalDisconnect SignalKind = "Disconnect"
)

// Signal is one broadcast event for a single client id (ClientID). The
// transport delivers signals for every client id; it does not filter them.
type Signal struct {
	Kind     SignalKind
	ClientID string
	Payload  string // JSON encoding of one S2 message, present for SignalMessage
	Reason   string // present for SignalDisconnect
}

// Bus is the RPC contract a ConsumerSession drives. One Bus value serves
// every connected resource manager; signals for all client ids arrive on
// the same channel and the EMSController routes each one to its session by
// ClientID.
type Bus interface {
	// Connect registers clientID with the remote resource-manager runtime
	// and requests a keep-alive cadence. Returns false (not an error) if
	// the remote runtime rejects the registration.
	Connect(ctx context.Context, clientID string, keepAliveInterval time.Duration) (bool, error)

	// KeepAlive pings clientID's connection. Returns false if the remote
	// considers the connection stale.
	KeepAlive(ctx context.Context, clientID string) (bool, error)

	// Message sends one S2 envelope (already JSON-encoded by the caller)
	// to clientID. Fire-and-forget: replies, if any, arrive as a
	// ReceptionStatus message on Signals(), not as a return value here.
	Message(ctx context.Context, clientID string, payload string) error

	// Signals returns the channel broadcast Message/Disconnect events are
	// delivered on for the lifetime of the Bus.
	Signals() <-chan Signal

	// Close releases the underlying transport.
	Close() error
}
