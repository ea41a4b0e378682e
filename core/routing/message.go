// message.go - Transport message representation and codec.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package routing

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrMalformedMessage is returned when a payload does not decode to a
	// transport message.
	ErrMalformedMessage = errors.New("routing: malformed message")

	// Reusable encoder with immutable canonical options, safe for
	// concurrent use.
	ccbor cbor.EncMode
)

// Message is the unit of routed communication: a payload together with the
// onward route describing where it is going and the return route describing
// how replies reach the sender.  A message with an empty onward route is a
// heartbeat and carries no payload semantics beyond liveness.
type Message struct {
	OnwardRoute Route
	ReturnRoute Route
	Payload     []byte
}

// MarshalCBOR implements cbor.Marshaler.
func (r Route) MarshalCBOR() ([]byte, error) {
	return ccbor.Marshal(r.hops)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (r *Route) UnmarshalCBOR(b []byte) error {
	return cbor.Unmarshal(b, &r.hops)
}

// NewMessage constructs a message bound for onward with the given payload.
func NewMessage(onward Route, payload []byte) *Message {
	return &Message{
		OnwardRoute: onward,
		Payload:     payload,
	}
}

// IsHeartbeat returns true iff the message has an empty onward route.
func (m *Message) IsHeartbeat() bool {
	return m.OnwardRoute.IsEmpty()
}

// Encode serializes the message with the canonical codec.
func (m *Message) Encode() ([]byte, error) {
	return ccbor.Marshal(m)
}

// DecodeMessage deserializes a message previously produced by Encode.
func DecodeMessage(b []byte) (*Message, error) {
	m := new(Message)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, ErrMalformedMessage
	}
	return m, nil
}

// SessionID is an ephemeral correlation token bound to one transport
// connection.  It is attached to every message that traverses the
// connection and never persisted.
type SessionID [16]byte

// LocalMessage is the in-process envelope around a Message.  It carries
// metadata accumulated while the message traversed local workers: the
// transport session that produced it and the identifier verified by the
// secure channel it arrived through.  LocalMessage is never serialized.
type LocalMessage struct {
	Message

	// SessionID is the transport session the message arrived on, if any.
	SessionID *SessionID

	// RemoteIdentity is the hex form of the identifier verified during
	// the secure channel handshake the message arrived through, or empty
	// when the message did not traverse a secure channel.
	RemoteIdentity string
}

// NewLocalMessage wraps m in an envelope with no metadata.
func NewLocalMessage(m *Message) *LocalMessage {
	return &LocalMessage{Message: *m}
}

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
