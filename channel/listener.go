// listener.go - Secure channel listener and responder handshake.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/core/worker"
)

// Listener accepts secure channel handshakes at a well known address and
// spawns an established Channel per successful handshake.  Every peer must
// satisfy the listener's trust policy.
type Listener struct {
	worker.Worker

	cfg    *Config
	policy TrustPolicy
	addr   routing.Address
	log    *logging.Logger

	mailbox *routing.Mailbox

	chLock   sync.Mutex
	channels *list.List

	onNewChannel func(*Channel)
}

// NewListener registers a channel listener at addr.  onNewChannel, if not
// nil, is invoked for every established channel.
func NewListener(cfg *Config, addr routing.Address, policy TrustPolicy, onNewChannel func(*Channel)) (*Listener, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, fmt.Errorf("channel: listener policy is mandatory")
	}

	l := &Listener{
		cfg:          cfg,
		policy:       policy,
		addr:         addr,
		log:          cfg.LogBackend.GetLogger(fmt.Sprintf("channel/listener:%s", addr)),
		mailbox:      routing.NewMailbox(),
		channels:     list.New(),
		onNewChannel: onNewChannel,
	}
	if err := cfg.Router.Register(addr, l.mailbox); err != nil {
		return nil, err
	}
	l.Go(l.acceptWorker)
	return l, nil
}

// Address returns the address the listener accepts handshakes at.
func (l *Listener) Address() routing.Address {
	return l.addr
}

// Shutdown halts the listener and closes every channel it spawned.
func (l *Listener) Shutdown() {
	l.cfg.Router.Unregister(l.addr)
	l.mailbox.Close()
	l.Halt()

	l.chLock.Lock()
	defer l.chLock.Unlock()
	for e := l.channels.Front(); e != nil; e = e.Next() {
		e.Value.(*Channel).Close()
	}
	l.channels.Init()
}

func (l *Listener) acceptWorker() {
	for {
		select {
		case <-l.HaltCh():
			return
		case m, ok := <-l.mailbox.C():
			if !ok {
				return
			}
			l.Go(func() { l.respond(m) })
		}
	}
}

// respond runs the responder side of one handshake.
func (l *Listener) respond(m *routing.LocalMessage) {
	v := l.cfg.Identity.Vault()

	hello, err := decodeWireMessage(m.Payload)
	if err != nil || hello.Kind != kindHello {
		l.log.Warningf("Dropping message that is not a handshake hello")
		return
	}
	peerEph, err := ephemeralFromSlice(hello.Ephemeral)
	if err != nil {
		l.log.Warningf("Dropping hello with bad ephemeral key")
		return
	}

	eph, err := v.GenerateEphemeral()
	if err != nil {
		l.log.Errorf("Failed to generate ephemeral key: %v", err)
		return
	}

	t := newTranscript(hello.Ephemeral)
	t.mix(eph.Public[:])

	secret, err := v.Agree(eph, peerEph)
	if err != nil {
		l.log.Warningf("Key agreement failed: %v", err)
		return
	}
	keys, err := v.DeriveDuplex(secret, t.hash())
	if err != nil {
		l.log.Errorf("Key derivation failed: %v", err)
		return
	}

	wireAddr := routing.RandomAddress("sc_wire")
	wireMailbox := routing.NewMailbox()
	if err := l.cfg.Router.Register(wireAddr, wireMailbox); err != nil {
		l.log.Errorf("Failed to register handshake address: %v", err)
		return
	}
	cleanup := func() {
		l.cfg.Router.Unregister(wireAddr)
		wireMailbox.Close()
	}

	// The responder transmits under the Rx half; the initiator derives the
	// same keys and uses them unswapped.
	proof, err := v.Seal(&keys.Rx, 0, makeProof(v, t, roleResponder), t.hash())
	if err != nil {
		cleanup()
		l.log.Errorf("Failed to seal handshake proof: %v", err)
		return
	}
	accept := &wireMessage{Kind: kindAccept, Ephemeral: eph.Public[:], Sealed: proof}
	if err := sendWire(l.cfg.Router, m.ReturnRoute.Clone(), routing.NewRoute(wireAddr), accept); err != nil {
		cleanup()
		l.log.Warningf("Failed to send handshake accept: %v", err)
		return
	}

	var reply *routing.LocalMessage
	timer := time.NewTimer(l.cfg.handshakeTimeout())
	defer timer.Stop()
	select {
	case <-l.HaltCh():
		cleanup()
		return
	case reply = <-wireMailbox.C():
		if reply == nil {
			cleanup()
			return
		}
	case <-timer.C:
		cleanup()
		l.log.Debugf("Handshake timed out waiting for confirm")
		return
	}

	confirm, err := decodeWireMessage(reply.Payload)
	if err != nil || confirm.Kind != kindConfirm {
		cleanup()
		l.log.Warningf("Dropping message that is not a handshake confirm")
		return
	}
	sealed, err := v.Open(&keys.Tx, 0, confirm.Sealed, t.hash())
	if err != nil {
		cleanup()
		l.log.Warningf("Handshake confirm failed to decrypt: %v", err)
		return
	}
	remoteID, err := verifyProof(v, t, roleInitiator, sealed, l.policy)
	if err != nil {
		cleanup()
		l.log.Warningf("Handshake rejected: %v", err)
		return
	}

	ch, err := newEstablished(l.cfg, wireAddr, wireMailbox, reply.ReturnRoute.Clone(), remoteID, t, keys.Rx, keys.Tx)
	if err != nil {
		cleanup()
		l.log.Errorf("Failed to start channel: %v", err)
		return
	}
	l.log.Debugf("Established channel with %v", remoteID)

	l.chLock.Lock()
	l.channels.PushBack(ch)
	l.chLock.Unlock()

	if l.onNewChannel != nil {
		l.onNewChannel(ch)
	}
}
