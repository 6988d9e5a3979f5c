package model

import "encoding/json"

// Relay frame operations. Clients send subscribe, unsubscribe and publish,
// the relay answers with message (and error for rejected frames).
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpMessage     = "message"
	OpError       = "error"
)

// Frame is the unit exchanged between a websocket transport and the relay.
type Frame struct {
	Op      string          `json:"op"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is an inbound delivery on a subscribed channel.
type Message struct {
	Channel string
	Payload json.RawMessage
}

// Wire is the outbound side of a relay endpoint: the switch writes frames
// that must be delivered to the endpoint into TX.
type Wire struct {
	TX chan Frame
}

func NewWire(size int) Wire {
	return Wire{
		TX: make(chan Frame, size),
	}
}
