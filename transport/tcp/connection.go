// connection.go - Connection worker pair lifecycle.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package tcp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/core/worker"
)

const (
	// maxFrameLen is the largest frame payload expressible with the
	// 2 byte length prefix.
	maxFrameLen = 65535

	defaultHeartbeatInterval = 10 * time.Second
	defaultDialTimeout       = 1 * time.Minute
)

var (
	// ErrTransportClosed indicates that the peer disconnected.  The
	// connection is not re-established internally; reconnection is the
	// caller's concern.
	ErrTransportClosed = errors.New("tcp: transport closed by peer")

	// ErrOversizedMessage indicates an encoded message too large for the
	// frame length prefix.
	ErrOversizedMessage = errors.New("tcp: message exceeds maximum frame size")
)

// Config carries the collaborators a connection worker pair needs.  All
// fields except HeartbeatInterval are required.
type Config struct {
	// Router delivers inbound messages to their next hop.
	Router *routing.Router

	// Registry is the process-wide connection worker registry.
	Registry *Registry

	// LogBackend supplies per-worker loggers.
	LogBackend *log.Backend

	// HeartbeatInterval is the idle interval between heartbeat frames
	// written by the sender.  Zero selects the default.
	HeartbeatInterval time.Duration
}

func (cfg *Config) validate() error {
	if cfg.Router == nil {
		return errors.New("tcp: missing Router")
	}
	if cfg.Registry == nil {
		return errors.New("tcp: missing Registry")
	}
	if cfg.LogBackend == nil {
		return errors.New("tcp: missing LogBackend")
	}
	return nil
}

func (cfg *Config) heartbeatInterval() time.Duration {
	if cfg.HeartbeatInterval == 0 {
		return defaultHeartbeatInterval
	}
	return cfg.HeartbeatInterval
}

// Connection is one live transport connection and its worker pair.  The
// sender accepts messages routed to its address and writes framed bytes;
// the receiver reads framed bytes and forwards reconstructed messages
// inward, binding the connection's session identifier to each.
type Connection struct {
	worker.Worker

	cfg  *Config
	conn net.Conn
	peer string

	addrs     Addresses
	sessionID routing.SessionID

	mailbox *routing.Mailbox

	// closedCh is the internal control notification from the receiver to
	// the sender: closed on every path that terminates the receive loop.
	closedCh  chan struct{}
	closeOnce sync.Once
}

// New binds an established net.Conn to a new connection worker pair and
// starts both halves.
func New(cfg *Config, conn net.Conn) (*Connection, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Connection{
		cfg:      cfg,
		conn:     conn,
		peer:     conn.RemoteAddr().String(),
		addrs:    newAddresses(),
		mailbox:  routing.NewMailbox(),
		closedCh: make(chan struct{}),
	}
	if _, err := io.ReadFull(rand.Reader, c.sessionID[:]); err != nil {
		return nil, err
	}
	if err := cfg.Router.Register(c.addrs.Sender, c.mailbox); err != nil {
		return nil, err
	}

	c.Go(c.sendWorker)
	c.Go(c.recvWorker)
	return c, nil
}

// Dial establishes a TCP connection to address and binds a worker pair
// to it.
func Dial(cfg *Config, address string) (*Connection, error) {
	d := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := d.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %v: %w", address, err)
	}
	return New(cfg, conn)
}

// SenderAddress returns the address outbound messages for this connection
// are routed to, the first hop of any route across it.
func (c *Connection) SenderAddress() routing.Address {
	return c.addrs.Sender
}

// SessionID returns the session identifier bound to this connection.
func (c *Connection) SessionID() routing.SessionID {
	return c.sessionID
}

// Close tears down the connection and waits for both workers to return.
// It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.Halt()
	})
}

// ClosedCh returns a channel closed when the receive loop has terminated,
// for callers that need to observe peer disconnection.
func (c *Connection) ClosedCh() <-chan struct{} {
	return c.closedCh
}
