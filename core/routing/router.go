// router.go - In-process message router.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package routing

import (
	"errors"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const mailboxDepth = 64

var (
	// ErrUnknownAddress is returned when no worker is registered at a
	// message's next hop.
	ErrUnknownAddress = errors.New("routing: no worker registered at address")

	// ErrDuplicateAddress is returned when registering an address that is
	// already taken.
	ErrDuplicateAddress = errors.New("routing: address already registered")

	// ErrMailboxFull is returned when the destination worker cannot keep
	// up and its mailbox overflows.
	ErrMailboxFull = errors.New("routing: mailbox full")

	// ErrMailboxClosed is returned when receiving from a mailbox whose
	// owner has shut down.
	ErrMailboxClosed = errors.New("routing: mailbox closed")
)

// Mailbox is the receive queue of a worker registered with the router.
type Mailbox struct {
	ch chan *LocalMessage

	closeOnce sync.Once
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{ch: make(chan *LocalMessage, mailboxDepth)}
}

// C returns the receive channel of the mailbox.  The channel is closed when
// the mailbox owner shuts down.
func (mb *Mailbox) C() <-chan *LocalMessage {
	return mb.ch
}

// Close closes the mailbox.  Pending messages remain readable.
func (mb *Mailbox) Close() {
	mb.closeOnce.Do(func() { close(mb.ch) })
}

func (mb *Mailbox) push(m *LocalMessage) (err error) {
	defer func() {
		// A concurrent Close loses the race with push; treat it the same
		// as an unregistered address.
		if recover() != nil {
			err = ErrUnknownAddress
		}
	}()
	select {
	case mb.ch <- m:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Router delivers local messages to the mailbox registered at the message's
// next onward hop.  It implements the "deliver by address, report
// undeliverable" primitive consumed by every worker; route table maintenance
// beyond explicit registration is out of its scope.
type Router struct {
	sync.RWMutex

	log      *logging.Logger
	bindings map[Address]*Mailbox
}

// NewRouter constructs an empty Router logging through l.
func NewRouter(l *logging.Logger) *Router {
	return &Router{
		log:      l,
		bindings: make(map[Address]*Mailbox),
	}
}

// Register binds mb to addr.
func (r *Router) Register(addr Address, mb *Mailbox) error {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.bindings[addr]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateAddress, addr)
	}
	r.bindings[addr] = mb
	return nil
}

// Unregister removes the binding for addr, if any.  The mailbox itself is
// not closed; that is the owner's job.
func (r *Router) Unregister(addr Address) {
	r.Lock()
	defer r.Unlock()
	delete(r.bindings, addr)
}

// Lookup returns the mailbox bound to addr.
func (r *Router) Lookup(addr Address) (*Mailbox, bool) {
	r.RLock()
	defer r.RUnlock()
	mb, ok := r.bindings[addr]
	return mb, ok
}

// Deliver routes m to the worker registered at its next onward hop.  An
// unknown next hop yields ErrUnknownAddress.
func (r *Router) Deliver(m *LocalMessage) error {
	next, err := m.OnwardRoute.Next()
	if err != nil {
		return err
	}
	mb, ok := r.Lookup(next)
	if !ok {
		r.log.Debugf("Undeliverable message for %v", next)
		return fmt.Errorf("%w: %v", ErrUnknownAddress, next)
	}
	if err := mb.push(m); err != nil {
		r.log.Warningf("Failed to deliver to %v: %v", next, err)
		return err
	}
	return nil
}

// Send is a convenience wrapper that builds a message addressed to route
// with the given payload and return route, and delivers it.
func (r *Router) Send(route Route, returnRoute Route, payload []byte) error {
	m := NewMessage(route, payload)
	m.ReturnRoute = returnRoute
	return r.Deliver(NewLocalMessage(m))
}
