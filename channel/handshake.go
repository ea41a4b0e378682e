// handshake.go - Secure channel handshake messages and transcript.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/identity"
	"github.com/quiltnet/quilt/vault"
)

const (
	kindHello   uint8 = 1
	kindAccept  uint8 = 2
	kindConfirm uint8 = 3
	kindData    uint8 = 4

	roleInitiator byte = 'I'
	roleResponder byte = 'R'
)

// Prologue bound into the transcript, bumped on incompatible protocol
// changes.
var prologue = []byte("quilt-channel-handshake-v1")

var (
	// ErrInvalidState is returned when an operation is attempted on a
	// channel that is not established.
	ErrInvalidState = errors.New("channel: invalid state")

	// ErrAuthenticationFailed is returned when the peer's handshake proof
	// does not verify.
	ErrAuthenticationFailed = errors.New("channel: authentication failed")

	// ErrAuthenticationRejected is returned when the peer's verified
	// identifier is refused by the trust policy.
	ErrAuthenticationRejected = errors.New("channel: peer rejected by trust policy")

	// ErrHandshakeTimeout is returned when the peer does not answer within
	// the handshake timeout.
	ErrHandshakeTimeout = errors.New("channel: handshake timed out")

	// ErrMalformedHandshake is returned when a handshake message does not
	// decode or is of an unexpected kind.
	ErrMalformedHandshake = errors.New("channel: malformed handshake message")

	ccbor cbor.EncMode
)

// wireMessage is the single on-route frame of the channel protocol.  Kind
// selects the handshake step or the data phase; the other fields are used
// per kind: Ephemeral by hello and accept, Sealed by accept, confirm and
// data, Nonce by data only.
type wireMessage struct {
	Kind      uint8
	Ephemeral []byte `cbor:",omitempty"`
	Sealed    []byte `cbor:",omitempty"`
	Nonce     uint64 `cbor:",omitempty"`
}

func (m *wireMessage) encode() []byte {
	b, err := ccbor.Marshal(m)
	if err != nil {
		panic("channel: failed to encode wire message: " + err.Error())
	}
	return b
}

func decodeWireMessage(b []byte) (*wireMessage, error) {
	m := new(wireMessage)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, ErrMalformedHandshake
	}
	return m, nil
}

// identityProof is the authenticated payload sealed into the accept and
// confirm messages: the sender's static signing key and its signature over
// the role-separated handshake transcript.
type identityProof struct {
	SignKey   []byte
	Signature []byte
}

// transcript accumulates the handshake hash chain.  Both sides feed it the
// same inputs in the same order and end up with the same binding value,
// which keys are derived from and proofs sign over.
type transcript struct {
	h [32]byte
}

func newTranscript(initiatorEphemeral []byte) *transcript {
	t := new(transcript)
	t.h = vault.Hash(append(append([]byte{}, prologue...), initiatorEphemeral...))
	return t
}

func (t *transcript) mix(data []byte) {
	t.h = vault.Hash(append(t.h[:len(t.h):len(t.h)], data...))
}

// binding returns the bytes a proof for the given role signs.
func (t *transcript) binding(role byte) []byte {
	return append(t.h[:len(t.h):len(t.h)], role)
}

func (t *transcript) hash() []byte {
	return t.h[:]
}

// makeProof builds our identity proof for the given role.
func makeProof(v vault.Vault, t *transcript, role byte) []byte {
	p := identityProof{
		SignKey:   v.SignerPublicKey(),
		Signature: v.Sign(t.binding(role)),
	}
	b, err := ccbor.Marshal(&p)
	if err != nil {
		panic("channel: failed to encode identity proof: " + err.Error())
	}
	return b
}

// verifyProof decodes and verifies the peer's identity proof and applies
// the trust policy to the verified identifier.
func verifyProof(v vault.Vault, t *transcript, role byte, b []byte, policy TrustPolicy) (identity.Identifier, error) {
	var id identity.Identifier
	p := new(identityProof)
	if err := cbor.Unmarshal(b, p); err != nil {
		return id, ErrMalformedHandshake
	}
	if !v.Verify(p.SignKey, t.binding(role), p.Signature) {
		return id, ErrAuthenticationFailed
	}
	id = identity.IdentifierFromKey(p.SignKey)
	if !policy.Authorize(id) {
		return id, ErrAuthenticationRejected
	}
	return id, nil
}

func ephemeralFromSlice(b []byte) ([vault.KeySize]byte, error) {
	var pub [vault.KeySize]byte
	if len(b) != vault.KeySize {
		return pub, ErrMalformedHandshake
	}
	copy(pub[:], b)
	return pub, nil
}

// sendWire delivers a channel protocol frame along route with the given
// return route.
func sendWire(r *routing.Router, route, returnRoute routing.Route, m *wireMessage) error {
	msg := routing.NewMessage(route, m.encode())
	msg.ReturnRoute = returnRoute
	return r.Deliver(routing.NewLocalMessage(msg))
}

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
