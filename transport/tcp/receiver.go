// receiver.go - Connection receive worker.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package tcp

import (
	"encoding/binary"
	"io"

	"github.com/quiltnet/quilt/core/routing"
)

// recvWorker reads length-prefixed frames off the stream and relays the
// reconstructed messages into the routed message fabric.
//
// Failure semantics: an I/O error on the length prefix is treated as the
// peer disconnecting and terminates the loop, a short payload read or a
// frame that does not decode drops that single message and keeps the
// connection alive.  Every path that ends the loop notifies the paired
// sender, so a dangling sender with no reader cannot leak.
func (c *Connection) recvWorker() {
	log := c.cfg.LogBackend.GetLogger("tcp/recv:" + string(c.addrs.Receiver))

	c.cfg.Registry.addReceiver(c.addrs.Receiver)
	defer func() {
		c.cfg.Registry.removeReceiver(c.addrs.Receiver)
		close(c.closedCh)
		log.Debugf("Terminating receive worker.")
	}()

	var lenBuf [2]byte
	for {
		// Read the message length header.
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			log.Infof("Connection to peer '%v' was closed: %v", c.peer, err)
			return
		}
		frameLen := binary.BigEndian.Uint16(lenBuf[:])

		// Then read the payload.
		buf := make([]byte, frameLen)
		if _, err := io.ReadFull(c.conn, buf); err != nil {
			log.Errorf("Failed to receive message of length %d: %v", frameLen, err)
			continue
		}

		m, err := routing.DecodeMessage(buf)
		if err != nil {
			log.Errorf("Dropping malformed frame from '%v': %v", c.peer, err)
			continue
		}

		if m.IsHeartbeat() {
			log.Debugf("Got heartbeat message from '%v'", c.peer)
			continue
		}

		// Insert our sender address into the return route so that reply
		// routing resolves back through this connection, and bind the
		// connection's session to the message.
		m.ReturnRoute = m.ReturnRoute.Prepend(c.addrs.Sender)
		lm := routing.NewLocalMessage(m)
		sid := c.sessionID
		lm.SessionID = &sid

		if err := c.cfg.Router.Deliver(lm); err != nil {
			log.Warningf("Failed to forward message: %v", err)
		}
	}
}
