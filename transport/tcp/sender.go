// sender.go - Connection send worker.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package tcp

import (
	"encoding/binary"
	"time"

	"github.com/quiltnet/quilt/core/routing"
)

// sendWorker accepts outbound messages addressed to the sender address,
// writes the framed bytes to the stream, and emits heartbeat frames when
// idle.  On the connection-closed notification from the receiver it stops
// accepting further work and releases the stream.
func (c *Connection) sendWorker() {
	log := c.cfg.LogBackend.GetLogger("tcp/send:" + string(c.addrs.Sender))

	c.cfg.Registry.addSender(c.addrs.Sender)
	defer func() {
		c.cfg.Registry.removeSender(c.addrs.Sender)
		c.cfg.Router.Unregister(c.addrs.Sender)
		c.mailbox.Close()
		c.conn.Close()
		log.Debugf("Terminating send worker.")
	}()

	heartbeat := time.NewTicker(c.cfg.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.closedCh:
			log.Debugf("Receive loop reported connection closed.")
			return
		case m := <-c.mailbox.C():
			// Pop our own hop so the peer sees only the onward remainder.
			if next, rest, err := m.OnwardRoute.Step(); err == nil && next == c.addrs.Sender {
				m.OnwardRoute = rest
			}
			if err := c.writeMessage(&m.Message); err != nil {
				log.Warningf("Failed to write message to %v: %v", c.peer, err)
				return
			}
			heartbeat.Reset(c.cfg.heartbeatInterval())
		case <-heartbeat.C:
			if err := c.writeMessage(&routing.Message{}); err != nil {
				log.Warningf("Failed to write heartbeat to %v: %v", c.peer, err)
				return
			}
		}
	}
}

// writeMessage encodes m and writes it as a single length-prefixed frame:
// a 2 byte big-endian length immediately followed by that many payload
// bytes.
func (c *Connection) writeMessage(m *routing.Message) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	if len(payload) > maxFrameLen {
		return ErrOversizedMessage
	}

	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(payload)))
	copy(frame[2:], payload)
	_, err = c.conn.Write(frame)
	return err
}
