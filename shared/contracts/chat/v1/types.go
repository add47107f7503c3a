// Package v1 defines the minichat bridge protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server gateway and clients to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeInit is the handshake frame (client -> server). It carries the
	// user identity and the target room and is never broadcast or stored.
	TypeInit = "init"
	// TypeJoined acknowledges a successful handshake (server -> client).
	TypeJoined = "joined"

	// TypeHistory carries the recent messages of the joined room
	// (server -> client), pushed once right after TypeJoined.
	TypeHistory = "history"

	// TypeMessage is a chat message. Client -> server it carries
	// MessageSendPayload; server -> client it carries MessagePayload.
	TypeMessage = "message"

	// TypePing / TypePong are an application-level liveness probe.
	TypePing = "ping"
	TypePong = "pong"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeInit,
		TypeJoined,
		TypeHistory,
		TypeMessage,
		TypePing,
		TypePong,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// InitPayload establishes session identity and the target room.
// Empty user or room (after trimming) is rejected by the server.
type InitPayload struct {
	User string `json:"user"`
	Room string `json:"room"`
}

// JoinedPayload confirms the handshake and reports the server session id.
type JoinedPayload struct {
	SessionID string `json:"session_id"`
	Detail    string `json:"detail,omitempty"`
}

// MessagePayload is a delivered chat message (server -> client).
// Timestamp is server-assigned milliseconds since the Unix epoch.
type MessagePayload struct {
	Sender    string `json:"sender"`
	Room      string `json:"room"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// MessageSendPayload requests sending a message into the joined room
// (client -> server). Sender and room come from the handshake.
type MessageSendPayload struct {
	Text string `json:"text"`
}

// HistoryPayload carries the most recent messages of a room in
// chronological order.
type HistoryPayload struct {
	Room     string           `json:"room"`
	Messages []MessagePayload `json:"messages"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
