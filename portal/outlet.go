// outlet.go - TCP outlet worker.
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

const defaultDialTimeout = 10 * time.Second

// OutletConfig bundles what an outlet needs.
type OutletConfig struct {
	// Router is the node's message router.
	Router *routing.Router

	// LogBackend is the node's logging backend.
	LogBackend *log.Backend

	// Address is the address the outlet accepts opens at.
	Address routing.Address

	// Target is the "host:port" the outlet relays accepted portals to.
	Target string

	// Gate, when not nil, is consulted before honoring an open and before
	// relaying each message to the target.
	Gate *abac.Gate

	// DialTimeout bounds the dial of the target.  0 selects a sane
	// default.
	DialTimeout time.Duration
}

func (cfg *OutletConfig) validate() error {
	if cfg.Router == nil {
		return fmt.Errorf("portal: Router is mandatory")
	}
	if cfg.LogBackend == nil {
		return fmt.Errorf("portal: LogBackend is mandatory")
	}
	if cfg.Address == "" {
		return fmt.Errorf("portal: Address is mandatory")
	}
	if cfg.Target == "" {
		return fmt.Errorf("portal: Target is mandatory")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return nil
}

// Outlet accepts portal opens at a well known address, dials the configured
// local TCP target once per open, and relays bytes both ways.
type Outlet struct {
	worker.Worker

	cfg     *OutletConfig
	log     *logging.Logger
	mailbox *routing.Mailbox

	relayLock sync.Mutex
	relays    *list.List
}

// NewOutlet registers an outlet at cfg.Address and starts it.
func NewOutlet(cfg *OutletConfig) (*Outlet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := &Outlet{
		cfg:     cfg,
		log:     cfg.LogBackend.GetLogger(fmt.Sprintf("portal/outlet:%s", cfg.Address)),
		mailbox: routing.NewMailbox(),
		relays:  list.New(),
	}
	if err := cfg.Router.Register(cfg.Address, o.mailbox); err != nil {
		return nil, err
	}
	o.Go(o.serve)
	return o, nil
}

// Address returns the address the outlet accepts opens at.
func (o *Outlet) Address() routing.Address {
	return o.cfg.Address
}

// Shutdown halts the outlet and closes every portal it opened.
func (o *Outlet) Shutdown() {
	o.cfg.Router.Unregister(o.cfg.Address)
	o.mailbox.Close()
	o.Halt()

	o.relayLock.Lock()
	defer o.relayLock.Unlock()
	for e := o.relays.Front(); e != nil; e = e.Next() {
		e.Value.(*relay).close()
	}
	o.relays.Init()
}

func (o *Outlet) serve() {
	for {
		select {
		case <-o.HaltCh():
			return
		case m, ok := <-o.mailbox.C():
			if !ok {
				return
			}
			o.onOpen(m)
		}
	}
}

func (o *Outlet) onOpen(m *routing.LocalMessage) {
	if o.cfg.Gate != nil && !o.cfg.Gate.Authorize(m) {
		return
	}
	pm, err := decodePortal(m.Payload)
	if err != nil || pm.Kind != portalOpen {
		o.log.Warningf("Dropping message that is not a portal open")
		return
	}
	if m.ReturnRoute.IsEmpty() {
		o.log.Warningf("Dropping open with no return route")
		return
	}

	conn, err := net.DialTimeout("tcp", o.cfg.Target, o.cfg.DialTimeout)
	if err != nil {
		o.log.Warningf("Failed to dial target %v: %v", o.cfg.Target, err)
		return
	}

	addr := routing.RandomAddress("outlet_conn")
	mailbox := routing.NewMailbox()
	if err := o.cfg.Router.Register(addr, mailbox); err != nil {
		o.log.Errorf("Failed to register portal address: %v", err)
		conn.Close()
		return
	}

	peerRoute := m.ReturnRoute.Clone()
	r := newRelay(o.cfg.Router, o.log, conn, o.cfg.Gate, addr, mailbox, peerRoute)

	o.relayLock.Lock()
	o.relays.PushBack(r)
	o.relayLock.Unlock()

	// Acknowledge from the per-connection address so the inlet learns the
	// data route.
	ack := &portalMessage{Kind: portalOpen}
	if err := o.cfg.Router.Send(peerRoute.Clone(), routing.NewRoute(addr), encodePortal(ack)); err != nil {
		o.log.Warningf("Failed to acknowledge open: %v", err)
		r.close()
		return
	}
	o.log.Debugf("Opened portal to %v for %v", o.cfg.Target, peerRoute)
}
