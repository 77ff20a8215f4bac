// Package protocol defines the client wire protocol: newline-delimited
// JSON frames over a duplex stream (WebSocket text frames in practice).
// The server sends the stateful snapshot immediately after connection,
// then streams events until close.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is reported on /health and stamped on event frames.
const ProtocolVersion = 1

// Incoming frame types (client → host).
const (
	TypeCall      = "call"
	TypeSubscribe = "subscribe"
)

// Outgoing frame types (host → client).
const (
	TypeEvent    = "event"
	TypeResponse = "response"
)

// Incoming is a client → host frame, tagged on Type.
//
//	call      {request_id, module, name, version?=1, params?={}}
//	subscribe {module, name}
type Incoming struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Module    string          `json:"module"`
	Name      string          `json:"name"`
	Version   uint32          `json:"version,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Decode parses one line into an Incoming frame and applies defaults:
// version 1, empty params object.
func Decode(line []byte) (*Incoming, error) {
	var msg Incoming
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	switch msg.Type {
	case TypeCall, TypeSubscribe:
	default:
		return nil, fmt.Errorf("protocol: unknown frame type %q", msg.Type)
	}
	if msg.Version == 0 {
		msg.Version = 1
	}
	if len(msg.Params) == 0 {
		msg.Params = json.RawMessage("{}")
	}
	return &msg, nil
}

// Event is the wire form of a published event.
type Event struct {
	Type      string          `json:"type"`
	Module    string          `json:"module"`
	Name      string          `json:"name"`
	Version   uint32          `json:"version"`
	Data      json.RawMessage `json:"data"`
	Timestamp uint64          `json:"timestamp"`
}

// NewEvent builds an event frame, stamping the timestamp with the current
// unix time in seconds.
func NewEvent(module, name string, data json.RawMessage) *Event {
	return &Event{
		Type:      TypeEvent,
		Module:    module,
		Name:      name,
		Version:   ProtocolVersion,
		Data:      data,
		Timestamp: uint64(time.Now().Unix()),
	}
}

// Response replies to a prior call. There is no end-to-end path from a
// module handler back to the originating request yet; request ids on
// incoming calls are dropped silently and no Response frames are emitted.
type Response struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
}
