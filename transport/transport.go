// Package transport defines the contract between the harness and the wire
// protocol layer. The concrete encoding and the reconnect-with-backoff logic
// live behind this interface; the orchestration core only consumes typed
// messages and lifecycle events.
package transport

import (
	"context"

	"gauntlet/game"
)

// MessageType discriminates server messages.
type MessageType string

const (
	MessageStateUpdate MessageType = "state_update"
	MessageError       MessageType = "error"
	MessageLobbyState  MessageType = "lobby_state"
)

// Message is one typed server message.
type Message struct {
	Type MessageType

	// state_update
	State  game.Snapshot
	Events []game.Event

	// error
	Code string
	Text string

	// lobby_state
	GameID  string
	Players []string
}

// EventKind classifies connection-lifecycle events.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventReconnecting EventKind = "reconnecting"
)

// ConnEvent is one connection-lifecycle event. Reconnection with bounded
// exponential backoff is the transport's own responsibility; the harness only
// observes the resulting events.
type ConnEvent struct {
	Kind   EventKind
	Reason string
}

// Transport is one player's connection to the game server.
type Transport interface {
	Connect(ctx context.Context) error
	SendAction(ctx context.Context, action any) error
	// Messages yields typed server messages. Closed when the connection is
	// permanently gone.
	Messages() <-chan Message
	// Lifecycle yields connection-lifecycle events.
	Lifecycle() <-chan ConnEvent
	Close() error
}
