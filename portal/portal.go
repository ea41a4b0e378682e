// portal.go - Portal protocol frames and the byte relay worker.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package portal carries raw TCP byte streams over routed messaging: an
// inlet accepts local connections and forwards their bytes along a route,
// normally through a secure channel, to an outlet that relays them to a
// local target.  An abac.Gate in front of either end turns the portal into
// a protected destination.
package portal

import (
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/abac"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/core/worker"
)

const (
	portalOpen uint8 = iota + 1
	portalData
	portalClose

	// Chunks must leave room for the encrypted envelope and the transport
	// frame around them.
	relayBufferSize = 32768
)

// portalMessage is the frame relayed between the two portal halves.
type portalMessage struct {
	Kind uint8
	Data []byte `cbor:",omitempty"`
}

var ccbor cbor.EncMode

func encodePortal(m *portalMessage) []byte {
	b, err := ccbor.Marshal(m)
	if err != nil {
		panic("portal: failed to encode portal message: " + err.Error())
	}
	return b
}

func decodePortal(b []byte) (*portalMessage, error) {
	m := new(portalMessage)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

// relay shovels bytes between one net.Conn and one remote portal half
// reachable at peerRoute.  Messages arriving for the conn pass gate first
// when one is configured.
type relay struct {
	worker.Worker

	router *routing.Router
	log    *logging.Logger
	conn   net.Conn
	gate   *abac.Gate

	addr      routing.Address
	mailbox   *routing.Mailbox
	peerRoute routing.Route

	closedCh  chan struct{}
	closeOnce sync.Once
}

func newRelay(router *routing.Router, l *logging.Logger, conn net.Conn, gate *abac.Gate, addr routing.Address, mailbox *routing.Mailbox, peerRoute routing.Route) *relay {
	r := &relay{
		router:    router,
		log:       l,
		conn:      conn,
		gate:      gate,
		addr:      addr,
		mailbox:   mailbox,
		peerRoute: peerRoute,
		closedCh:  make(chan struct{}),
	}
	r.Go(r.connReader)
	r.Go(r.messageWorker)
	return r
}

// close tears the relay down from outside its workers.
func (r *relay) close() {
	r.closeOnce.Do(func() { r.conn.Close() })
	r.Halt()
}

// connReader pumps bytes from the conn to the peer half.
func (r *relay) connReader() {
	defer close(r.closedCh)

	buf := make([]byte, relayBufferSize)
	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			pm := &portalMessage{Kind: portalData, Data: data}
			if err := r.router.Send(r.peerRoute.Clone(), routing.NewRoute(r.addr), encodePortal(pm)); err != nil {
				r.log.Warningf("Failed to relay %d bytes: %v", n, err)
				return
			}
		}
		if err != nil {
			r.log.Debugf("Connection read finished: %v", err)
			pm := &portalMessage{Kind: portalClose}
			if err := r.router.Send(r.peerRoute.Clone(), routing.NewRoute(r.addr), encodePortal(pm)); err != nil {
				r.log.Debugf("Failed to send close: %v", err)
			}
			return
		}
	}
}

// messageWorker pumps bytes from the peer half to the conn.
func (r *relay) messageWorker() {
	defer func() {
		r.router.Unregister(r.addr)
		r.mailbox.Close()
		r.closeOnce.Do(func() { r.conn.Close() })
	}()

	for {
		select {
		case <-r.HaltCh():
			return
		case <-r.closedCh:
			return
		case m, ok := <-r.mailbox.C():
			if !ok {
				return
			}
			if r.gate != nil && !r.gate.Authorize(m) {
				continue
			}
			pm, err := decodePortal(m.Payload)
			if err != nil {
				r.log.Warningf("Dropping malformed portal message: %v", err)
				continue
			}
			switch pm.Kind {
			case portalData:
				if _, err := r.conn.Write(pm.Data); err != nil {
					r.log.Debugf("Connection write failed: %v", err)
					return
				}
			case portalClose:
				r.log.Debugf("Peer closed the portal")
				return
			default:
				r.log.Warningf("Dropping portal message of kind %d", pm.Kind)
			}
		}
	}
}

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
