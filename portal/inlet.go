// inlet.go - TCP inlet worker.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package portal

import (
	"container/list"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/abac"
	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/core/worker"
)

const defaultOpenTimeout = 30 * time.Second

// InletConfig bundles what an inlet needs.
type InletConfig struct {
	// Router is the node's message router.
	Router *routing.Router

	// LogBackend is the node's logging backend.
	LogBackend *log.Backend

	// ListenAddr is the local "host:port" the inlet accepts connections
	// on.
	ListenAddr string

	// Route reaches the outlet, normally through a secure channel.
	Route routing.Route

	// Gate, when not nil, is consulted before relaying each message
	// toward an accepted connection, the open acknowledgment included.
	Gate *abac.Gate

	// OpenTimeout bounds how long an accepted connection waits for the
	// outlet's acknowledgment.  0 selects a sane default.
	OpenTimeout time.Duration
}

func (cfg *InletConfig) validate() error {
	if cfg.Router == nil {
		return fmt.Errorf("portal: Router is mandatory")
	}
	if cfg.LogBackend == nil {
		return fmt.Errorf("portal: LogBackend is mandatory")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("portal: ListenAddr is mandatory")
	}
	if cfg.Route.IsEmpty() {
		return fmt.Errorf("portal: Route is mandatory")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	return nil
}

// Inlet listens on a local TCP address and opens a portal along the
// configured route for every accepted connection.
type Inlet struct {
	worker.Worker

	cfg *InletConfig
	l   net.Listener
	log *logging.Logger

	relayLock sync.Mutex
	relays    *list.List
}

// NewInlet binds the inlet's local listener and starts accepting.
func NewInlet(cfg *InletConfig) (*Inlet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	i := &Inlet{
		cfg:    cfg,
		l:      l,
		log:    cfg.LogBackend.GetLogger(fmt.Sprintf("portal/inlet:%s", l.Addr())),
		relays: list.New(),
	}
	i.Go(i.acceptWorker)
	return i, nil
}

// Addr returns the local address the inlet listens on.
func (i *Inlet) Addr() net.Addr {
	return i.l.Addr()
}

// Shutdown halts the inlet and closes every portal it opened.
func (i *Inlet) Shutdown() {
	i.l.Close()
	i.Halt()

	i.relayLock.Lock()
	defer i.relayLock.Unlock()
	for e := i.relays.Front(); e != nil; e = e.Next() {
		e.Value.(*relay).close()
	}
	i.relays.Init()
}

func (i *Inlet) acceptWorker() {
	for {
		conn, err := i.l.Accept()
		if err != nil {
			select {
			case <-i.HaltCh():
				return
			default:
			}
			i.log.Errorf("Failed to accept: %v", err)
			return
		}
		i.Go(func() { i.handleConn(conn) })
	}
}

// handleConn opens a portal for one accepted connection and hands the
// stream to a relay once the outlet acknowledges.
func (i *Inlet) handleConn(conn net.Conn) {
	addr := routing.RandomAddress("inlet_conn")
	mailbox := routing.NewMailbox()
	if err := i.cfg.Router.Register(addr, mailbox); err != nil {
		i.log.Errorf("Failed to register portal address: %v", err)
		conn.Close()
		return
	}
	cleanup := func() {
		i.cfg.Router.Unregister(addr)
		mailbox.Close()
		conn.Close()
	}

	open := &portalMessage{Kind: portalOpen}
	if err := i.cfg.Router.Send(i.cfg.Route.Clone(), routing.NewRoute(addr), encodePortal(open)); err != nil {
		i.log.Warningf("Failed to send open: %v", err)
		cleanup()
		return
	}

	var ack *routing.LocalMessage
	timer := time.NewTimer(i.cfg.OpenTimeout)
	defer timer.Stop()
	select {
	case <-i.HaltCh():
		cleanup()
		return
	case m, ok := <-mailbox.C():
		if !ok {
			cleanup()
			return
		}
		ack = m
	case <-timer.C:
		i.log.Warningf("Timed out waiting for open acknowledgment")
		cleanup()
		return
	}

	if i.cfg.Gate != nil && !i.cfg.Gate.Authorize(ack) {
		cleanup()
		return
	}
	pm, err := decodePortal(ack.Payload)
	if err != nil || pm.Kind != portalOpen {
		i.log.Warningf("Dropping message that is not an open acknowledgment")
		cleanup()
		return
	}

	r := newRelay(i.cfg.Router, i.log, conn, i.cfg.Gate, addr, mailbox, ack.ReturnRoute.Clone())
	i.relayLock.Lock()
	i.relays.PushBack(r)
	i.relayLock.Unlock()
	i.log.Debugf("Opened portal for %v", conn.RemoteAddr())
}
