// channel.go - Established secure channel worker and initiator handshake.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/core/worker"
	"github.com/quiltnet/quilt/identity"
	"github.com/quiltnet/quilt/vault"
)

const (
	stateInit        uint32 = 0
	stateEstablished uint32 = 1
	stateInvalid     uint32 = 2

	defaultHandshakeTimeout = 30 * time.Second
)

// Config bundles the node facilities a channel endpoint needs.
type Config struct {
	// Router is the node's message router.
	Router *routing.Router

	// Identity is the node's principal; its vault performs all handshake
	// and traffic cryptography.
	Identity *identity.Identity

	// LogBackend is the node's logging backend.
	LogBackend *log.Backend

	// HandshakeTimeout bounds how long a handshake waits for the peer's
	// next message.  0 selects a sane default.
	HandshakeTimeout time.Duration
}

func (cfg *Config) validate() error {
	if cfg.Router == nil {
		return fmt.Errorf("channel: Router is mandatory")
	}
	if cfg.Identity == nil {
		return fmt.Errorf("channel: Identity is mandatory")
	}
	if cfg.LogBackend == nil {
		return fmt.Errorf("channel: LogBackend is mandatory")
	}
	return nil
}

func (cfg *Config) handshakeTimeout() time.Duration {
	if cfg.HandshakeTimeout <= 0 {
		return defaultHandshakeTimeout
	}
	return cfg.HandshakeTimeout
}

// Channel is one endpoint of an established secure channel.  It owns two
// addresses: a local address that plaintext from co-located workers enters
// through, and a wire address that ciphertext from the peer arrives at.
// Messages entering the local address are encrypted and forwarded to the
// peer; ciphertext arriving at the wire address is decrypted, stamped with
// the peer's verified identifier and delivered onward.
type Channel struct {
	worker.Worker

	cfg   *Config
	vault vault.Vault
	log   *logging.Logger

	localAddr routing.Address
	wireAddr  routing.Address

	appMailbox  *routing.Mailbox
	wireMailbox *routing.Mailbox

	remoteRoute routing.Route
	remoteID    identity.Identifier

	transcript []byte
	txKey      [vault.KeySize]byte
	rxKey      [vault.KeySize]byte
	txNonce    uint64
	rxNonce    uint64

	state     uint32
	closeOnce sync.Once
}

// Address returns the channel's local address.  A message whose onward
// route passes through this address is encrypted and carried to the peer,
// where the remainder of the route continues to be processed.
func (ch *Channel) Address() routing.Address {
	return ch.localAddr
}

// RemoteIdentifier returns the identifier verified during the handshake.
func (ch *Channel) RemoteIdentifier() identity.Identifier {
	return ch.remoteID
}

// Route returns a route that reaches a worker at addr on the peer node
// through this channel.
func (ch *Channel) Route(addr routing.Address) routing.Route {
	return routing.NewRoute(ch.localAddr, addr)
}

// Close tears the channel down.  Messages already decrypted stay delivered;
// nothing is flushed to the peer.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		atomic.StoreUint32(&ch.state, stateInvalid)
		ch.Halt()
	})
}

func (ch *Channel) worker() {
	defer func() {
		atomic.StoreUint32(&ch.state, stateInvalid)
		ch.cfg.Router.Unregister(ch.localAddr)
		ch.cfg.Router.Unregister(ch.wireAddr)
		ch.appMailbox.Close()
		ch.wireMailbox.Close()
	}()

	for {
		select {
		case <-ch.HaltCh():
			return
		case m, ok := <-ch.appMailbox.C():
			if !ok {
				return
			}
			ch.onOutbound(m)
		case m, ok := <-ch.wireMailbox.C():
			if !ok {
				return
			}
			ch.onInbound(m)
		}
	}
}

// onOutbound encrypts a plaintext message from a co-located worker and
// forwards it to the peer endpoint.
func (ch *Channel) onOutbound(m *routing.LocalMessage) {
	if atomic.LoadUint32(&ch.state) != stateEstablished {
		ch.log.Warningf("Dropping outbound message: %v", ErrInvalidState)
		return
	}

	onward := m.OnwardRoute
	if next, rest, err := onward.Step(); err == nil && next == ch.localAddr {
		onward = rest
	}
	inner := &routing.Message{
		OnwardRoute: onward,
		ReturnRoute: m.ReturnRoute,
		Payload:     m.Payload,
	}
	pt, err := inner.Encode()
	if err != nil {
		ch.log.Errorf("Failed to encode outbound message: %v", err)
		return
	}

	ch.txNonce++
	ct, err := ch.vault.Seal(&ch.txKey, ch.txNonce, pt, ch.transcript)
	if err != nil {
		ch.log.Errorf("Failed to seal outbound message: %v", err)
		return
	}
	env := &wireMessage{Kind: kindData, Nonce: ch.txNonce, Sealed: ct}
	if err := sendWire(ch.cfg.Router, ch.remoteRoute.Clone(), routing.Route{}, env); err != nil {
		ch.log.Warningf("Failed to forward to peer: %v", err)
	}
}

// onInbound decrypts ciphertext from the peer, stamps the verified remote
// identifier onto the recovered message and delivers it onward.
func (ch *Channel) onInbound(m *routing.LocalMessage) {
	if atomic.LoadUint32(&ch.state) != stateEstablished {
		ch.log.Warningf("Dropping inbound message: %v", ErrInvalidState)
		return
	}

	env, err := decodeWireMessage(m.Payload)
	if err != nil {
		ch.log.Warningf("Dropping inbound message: %v", err)
		return
	}
	if env.Kind != kindData {
		ch.log.Warningf("Dropping inbound message of kind %d", env.Kind)
		return
	}
	// Nonces are strictly increasing per direction; anything at or below
	// the watermark is a replay.
	if env.Nonce <= ch.rxNonce {
		ch.log.Warningf("Dropping replayed message with nonce %d", env.Nonce)
		return
	}
	pt, err := ch.vault.Open(&ch.rxKey, env.Nonce, env.Sealed, ch.transcript)
	if err != nil {
		ch.log.Warningf("Dropping undecryptable message: %v", err)
		return
	}
	ch.rxNonce = env.Nonce

	inner, err := routing.DecodeMessage(pt)
	if err != nil {
		ch.log.Warningf("Dropping malformed inner message: %v", err)
		return
	}
	lm := routing.NewLocalMessage(inner)
	lm.ReturnRoute = inner.ReturnRoute.Prepend(ch.localAddr)
	lm.SessionID = m.SessionID
	lm.RemoteIdentity = ch.remoteID.String()
	if err := ch.cfg.Router.Deliver(lm); err != nil {
		ch.log.Warningf("Failed to deliver decrypted message: %v", err)
	}
}

// newEstablished wires up an established endpoint and starts its worker.
// The wire mailbox is already registered by the handshake; the local
// address is registered here.
func newEstablished(cfg *Config, wireAddr routing.Address, wireMailbox *routing.Mailbox, remoteRoute routing.Route, remoteID identity.Identifier, t *transcript, txKey, rxKey [vault.KeySize]byte) (*Channel, error) {
	ch := &Channel{
		cfg:         cfg,
		vault:       cfg.Identity.Vault(),
		localAddr:   routing.RandomAddress("sc"),
		wireAddr:    wireAddr,
		appMailbox:  routing.NewMailbox(),
		wireMailbox: wireMailbox,
		remoteRoute: remoteRoute,
		remoteID:    remoteID,
		transcript:  append([]byte{}, t.hash()...),
		txKey:       txKey,
		rxKey:       rxKey,
		state:       stateEstablished,
	}
	ch.log = cfg.LogBackend.GetLogger(fmt.Sprintf("channel:%s", ch.localAddr))
	if err := cfg.Router.Register(ch.localAddr, ch.appMailbox); err != nil {
		return nil, err
	}
	ch.Go(ch.worker)
	return ch, nil
}

// Create performs the initiator side of the handshake over route, which
// must terminate at a channel listener, and returns the established
// channel.  The peer's verified identifier must satisfy policy.
func Create(cfg *Config, route routing.Route, policy TrustPolicy) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	v := cfg.Identity.Vault()

	eph, err := v.GenerateEphemeral()
	if err != nil {
		return nil, err
	}

	wireAddr := routing.RandomAddress("sc_wire")
	wireMailbox := routing.NewMailbox()
	if err := cfg.Router.Register(wireAddr, wireMailbox); err != nil {
		return nil, err
	}
	cleanup := func() {
		cfg.Router.Unregister(wireAddr)
		wireMailbox.Close()
	}

	t := newTranscript(eph.Public[:])
	hello := &wireMessage{Kind: kindHello, Ephemeral: eph.Public[:]}
	if err := sendWire(cfg.Router, route, routing.NewRoute(wireAddr), hello); err != nil {
		cleanup()
		return nil, err
	}

	var reply *routing.LocalMessage
	timer := time.NewTimer(cfg.handshakeTimeout())
	defer timer.Stop()
	select {
	case m, ok := <-wireMailbox.C():
		if !ok {
			cleanup()
			return nil, ErrInvalidState
		}
		reply = m
	case <-timer.C:
		cleanup()
		return nil, ErrHandshakeTimeout
	}

	accept, err := decodeWireMessage(reply.Payload)
	if err != nil {
		cleanup()
		return nil, err
	}
	if accept.Kind != kindAccept {
		cleanup()
		return nil, ErrMalformedHandshake
	}
	peerEph, err := ephemeralFromSlice(accept.Ephemeral)
	if err != nil {
		cleanup()
		return nil, err
	}
	t.mix(accept.Ephemeral)

	secret, err := v.Agree(eph, peerEph)
	if err != nil {
		cleanup()
		return nil, err
	}
	keys, err := v.DeriveDuplex(secret, t.hash())
	if err != nil {
		cleanup()
		return nil, err
	}

	sealed, err := v.Open(&keys.Rx, 0, accept.Sealed, t.hash())
	if err != nil {
		cleanup()
		return nil, ErrAuthenticationFailed
	}
	remoteID, err := verifyProof(v, t, roleResponder, sealed, policy)
	if err != nil {
		cleanup()
		return nil, err
	}

	proof, err := v.Seal(&keys.Tx, 0, makeProof(v, t, roleInitiator), t.hash())
	if err != nil {
		cleanup()
		return nil, err
	}
	confirm := &wireMessage{Kind: kindConfirm, Sealed: proof}
	remoteRoute := reply.ReturnRoute.Clone()
	if err := sendWire(cfg.Router, remoteRoute, routing.NewRoute(wireAddr), confirm); err != nil {
		cleanup()
		return nil, err
	}

	ch, err := newEstablished(cfg, wireAddr, wireMailbox, remoteRoute, remoteID, t, keys.Tx, keys.Rx)
	if err != nil {
		cleanup()
		return nil, err
	}
	return ch, nil
}
