// exchange.go - Credential exchange protocol messages and states.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package exchange implements the credential exchange protocol: workers
// that verify peer-presented credentials and write the attested attributes
// into an attribute store, client operations to present credentials, and
// the authority-side issuer that turns one-time enrollment tokens into
// signed credentials.
package exchange

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/quiltnet/quilt/core/routing"
)

const (
	// DefaultWorkerAddress is the well known address a node's credential
	// exchange worker is registered at.
	DefaultWorkerAddress routing.Address = "credential_exchange"

	// DefaultIssuerAddress is the well known address an authority's
	// credential issuer is registered at.
	DefaultIssuerAddress routing.Address = "credential_issuer"
)

var (
	// ErrAlreadyHasCredential is the idempotent short circuit: the
	// identity already holds a credential and overwrite was not requested.
	ErrAlreadyHasCredential = errors.New("exchange: identity already holds a credential")

	// ErrNoKnownAuthority is returned when credential retrieval is
	// attempted without a configured authority.
	ErrNoKnownAuthority = errors.New("exchange: no known authority configured")

	// ErrNoCredential is returned when a present operation is attempted by
	// an identity that holds no credential.
	ErrNoCredential = errors.New("exchange: identity holds no credential to present")

	// ErrExchangeRejected is returned when the peer refuses the exchange.
	ErrExchangeRejected = errors.New("exchange: peer rejected the exchange")

	// ErrNotSecured is returned when a protocol message arrives outside a
	// secure channel and so carries no verified remote identifier.
	ErrNotSecured = errors.New("exchange: message did not arrive over a secure channel")

	ccbor cbor.EncMode
)

// state tracks the progress of one exchange attempt.  committed is the only
// state that writes the attribute store; rejected leaves all prior state
// untouched.
type state uint32

const (
	stateIdle state = iota
	stateChannelEstablishing
	stateCredentialRequested
	stateVerifying
	stateCommitted
	stateRejected
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateChannelEstablishing:
		return "ChannelEstablishing"
	case stateCredentialRequested:
		return "CredentialRequested"
	case stateVerifying:
		return "Verifying"
	case stateCommitted:
		return "Committed"
	case stateRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// presentRequest is the frame a peer presents its credential with.  Mutual
// asks the recipient to answer with its own credential.
type presentRequest struct {
	Mutual     bool
	Credential []byte
}

// presentReply answers a mutual presentRequest.
type presentReply struct {
	Ok         bool
	Credential []byte `cbor:",omitempty"`
	Reason     string `cbor:",omitempty"`
}

// issueRequest redeems a one-time enrollment token with an authority.
type issueRequest struct {
	Token string
}

// issueReply carries the freshly issued credential.
type issueReply struct {
	Ok         bool
	Credential []byte `cbor:",omitempty"`
	Reason     string `cbor:",omitempty"`
}

func encode(v interface{}) []byte {
	b, err := ccbor.Marshal(v)
	if err != nil {
		panic("exchange: failed to encode protocol message: " + err.Error())
	}
	return b
}

func decode(b []byte, v interface{}) error {
	return cbor.Unmarshal(b, v)
}

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
