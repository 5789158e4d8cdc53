// Package wire defines the three envelope shapes that cross the broker
// boundary. Field-name asymmetry between ingress (eventType) and egress
// (type) is deliberate and preserved bit-for-bit.
package wire

import (
	"encoding/json"
	"time"
)

// Incoming is a frame read from a peer socket, client or adapter.
type Incoming struct {
	EventType   string          `json:"eventType"`
	Data        json.RawMessage `json:"data"`
	MessageID   *string         `json:"messageId,omitempty"`
	ReplyTo     *string         `json:"replyTo,omitempty"`
	Timestamp   *uint64         `json:"timestamp,omitempty"`
	TimeoutMs   *uint64         `json:"timeoutMs,omitempty"`
	RequiresAck *bool           `json:"requiresAck,omitempty"`
}

// IsAuthMessage reports whether this frame is the client's in-band auth
// attempt.
func (m *Incoming) IsAuthMessage() bool { return m.EventType == "auth" }

// Outgoing is a frame written to a peer socket. SocketID is only
// populated on the client listener's very first frame
// ("connection_established"), which carries it at the top level rather
// than nested in Data.
type Outgoing struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   uint64          `json:"timestamp"`
	Success     *bool           `json:"success,omitempty"`
	Error       *string         `json:"error,omitempty"`
	MessageID   *string         `json:"messageId,omitempty"`
	ReplyTo     *string         `json:"replyTo,omitempty"`
	TimeoutMs   *uint64         `json:"timeoutMs,omitempty"`
	RequiresAck *bool           `json:"requiresAck,omitempty"`
	SocketID    *string         `json:"socketId,omitempty"`
}

// ConnectionEstablished builds the client listener's mandatory
// first frame.
func ConnectionEstablished(socketID string) Outgoing {
	o := NewOutgoing("connection_established", nil)
	o.SocketID = &socketID
	return o
}

func nowSec() uint64 { return uint64(time.Now().Unix()) }

// NewOutgoing builds a bare outgoing envelope with the current timestamp.
func NewOutgoing(msgType string, data json.RawMessage) Outgoing {
	return Outgoing{Type: msgType, Data: data, Timestamp: nowSec()}
}

// Success builds an outgoing envelope with success=true.
func Success(msgType string, data json.RawMessage) Outgoing {
	o := NewOutgoing(msgType, data)
	t := true
	o.Success = &t
	return o
}

// Failure builds an outgoing envelope with success=false and an error
// message, data left null.
func Failure(msgType string, errMsg string) Outgoing {
	o := NewOutgoing(msgType, json.RawMessage("null"))
	f := false
	o.Success = &f
	o.Error = &errMsg
	return o
}

// WithMessageID returns a copy of o with MessageID set.
func (o Outgoing) WithMessageID(id string) Outgoing {
	o.MessageID = &id
	return o
}

// WithReplyTo returns a copy of o with ReplyTo set.
func (o Outgoing) WithReplyTo(id string) Outgoing {
	o.ReplyTo = &id
	return o
}

// WithTimeoutMs returns a copy of o with TimeoutMs set.
func (o Outgoing) WithTimeoutMs(ms uint64) Outgoing {
	o.TimeoutMs = &ms
	return o
}

// WithRequiresAck returns a copy of o with RequiresAck set.
func (o Outgoing) WithRequiresAck(v bool) Outgoing {
	o.RequiresAck = &v
	return o
}

// WithData returns a copy of o with Data replaced.
func (o Outgoing) WithData(data json.RawMessage) Outgoing {
	o.Data = data
	return o
}

// Relay is the nested payload the broker emits when forwarding a
// producer's event to consumers. The outer envelope's Data field holds
// the JSON-encoded form of this struct.
type Relay struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp uint64          `json:"timestamp"`
	SourceID  *string         `json:"source_id,omitempty"`
}

// NewRelay builds a relay payload with the caller-supplied id and the
// current timestamp.
func NewRelay(msgType string, data json.RawMessage, sourceID *string, id string) Relay {
	return Relay{
		ID:        id,
		Type:      msgType,
		Data:      data,
		Timestamp: nowSec(),
		SourceID:  sourceID,
	}
}

// UserInfo describes the authenticated peer embedded in the
// "authenticated" success envelope.
type UserInfo struct {
	Username         string  `json:"username"`
	Role             string  `json:"role"`
	PermissionLevel  *uint32 `json:"permissionLevel,omitempty"`
}
