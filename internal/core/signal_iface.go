package core

import (
	"encoding/json"

	"github.com/dkeye/studio/internal/protocol"
)

// Frame is a raw encoded signaling frame.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Handler receives the raw payload of one event. Handlers are called
// sequentially, in arrival order, from the channel's reader goroutine.
type Handler func(payload json.RawMessage)

// Subscription is returned by SignalChannel.On; Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// SignalChannel is the client side of the transport channel: a
// bidirectional event pipe to the relay.
type SignalChannel interface {
	// Emit encodes v and sends it as an event of type t.
	Emit(t protocol.EventType, v any) error
	// On registers h for events of type t.
	On(t protocol.EventType, h Handler) Subscription
}
