// Package channel carries dispatcher calls over a websocket and pushes
// session events to every connected client.
package channel

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/angelfreak/peerlink/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type MessageType string

const (
	MsgReply MessageType = "reply"
	MsgEvent MessageType = "event"
)

// Request is one method call sent by a client
type Request struct {
	ID     uint64              `json:"id"`
	Method string              `json:"method"`
	Args   jsoniter.RawMessage `json:"args,omitempty"`
}

// ErrorPayload is a rejected call
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is everything the server sends. A reply with neither Result,
// Error nor NotImplemented set carries a null result.
type Message struct {
	Type           MessageType         `json:"type"`
	ID             uint64              `json:"id,omitempty"`
	Result         jsoniter.RawMessage `json:"result,omitempty"`
	Error          *ErrorPayload       `json:"error,omitempty"`
	NotImplemented bool                `json:"notImplemented,omitempty"`
	Event          *types.SessionEvent `json:"event,omitempty"`
}
