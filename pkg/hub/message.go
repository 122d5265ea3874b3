// Package hub is a websocket broadcast hub that fans pipeline events out
// to rendering clients.
package hub

// MessageType indicates the websocket message format
type MessageType int

const (
	// JSONMessage is a JSON-encoded message
	JSONMessage MessageType = iota
	// BinaryMessage is raw binary data
	BinaryMessage
)

// Message is broadcast to every client.
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage wraps JSON-encoded data.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage wraps binary data.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}
