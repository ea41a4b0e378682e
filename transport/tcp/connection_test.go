// connection_test.go - Connection worker pair tests.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package tcp

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
)

type harness struct {
	router  *routing.Router
	cfg     *Config
	conn    *Connection
	peer    net.Conn
	mailbox *routing.Mailbox
}

// newHarness wires a connection worker pair to one end of an in-memory
// duplex pipe and registers an application mailbox at "app".
func newHarness(t *testing.T) *harness {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	router := routing.NewRouter(backend.GetLogger("router"))
	cfg := &Config{
		Router:     router,
		Registry:   NewRegistry(),
		LogBackend: backend,
		// Keep heartbeats out of the way; the peer end is not draining.
		HeartbeatInterval: time.Hour,
	}

	local, peer := net.Pipe()
	conn, err := New(cfg, local)
	require.NoError(t, err)

	mb := routing.NewMailbox()
	require.NoError(t, router.Register("app", mb))

	return &harness{router: router, cfg: cfg, conn: conn, peer: peer, mailbox: mb}
}

func (h *harness) writeFrame(t *testing.T, payload []byte) {
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(payload)))
	copy(frame[2:], payload)
	_, err := h.peer.Write(frame)
	require.NoError(t, err)
}

func (h *harness) writeMessage(t *testing.T, m *routing.Message) {
	payload, err := m.Encode()
	require.NoError(t, err)
	h.writeFrame(t, payload)
}

func (h *harness) readMessage(t *testing.T) *routing.Message {
	var lenBuf [2]byte
	h.peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadFull(h.peer, lenBuf[:])
	require.NoError(t, err)
	buf := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	_, err = io.ReadFull(h.peer, buf)
	require.NoError(t, err)
	m, err := routing.DecodeMessage(buf)
	require.NoError(t, err)
	return m
}

func (h *harness) expectDelivery(t *testing.T) *routing.LocalMessage {
	select {
	case m := <-h.mailbox.C():
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func (h *harness) expectNoDelivery(t *testing.T) {
	select {
	case m := <-h.mailbox.C():
		t.Fatalf("unexpected delivery: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceiverForwardsInOrder(t *testing.T) {
	h := newHarness(t)
	defer h.conn.Close()

	for i := byte(0); i < 3; i++ {
		m := routing.NewMessage(routing.NewRoute("app"), []byte{i})
		m.ReturnRoute = routing.NewRoute("origin")
		h.writeMessage(t, m)
	}

	for i := byte(0); i < 3; i++ {
		got := h.expectDelivery(t)
		require.Equal(t, []byte{i}, got.Payload)

		// The sender's address is prepended to the return route so
		// replies come back through this connection.
		hops := got.ReturnRoute.Hops()
		require.Len(t, hops, 2)
		require.Equal(t, h.conn.SenderAddress(), hops[0])
		require.Equal(t, routing.Address("origin"), hops[1])

		// The connection's session is bound to every forwarded message.
		require.NotNil(t, got.SessionID)
		require.Equal(t, h.conn.SessionID(), *got.SessionID)
	}
}

func TestReceiverDiscardsHeartbeat(t *testing.T) {
	h := newHarness(t)
	defer h.conn.Close()

	h.writeMessage(t, &routing.Message{})
	h.expectNoDelivery(t)

	// The connection is still healthy afterwards.
	m := routing.NewMessage(routing.NewRoute("app"), []byte("after"))
	h.writeMessage(t, m)
	got := h.expectDelivery(t)
	require.Equal(t, []byte("after"), got.Payload)
}

func TestReceiverSurvivesMalformedFrame(t *testing.T) {
	h := newHarness(t)
	defer h.conn.Close()

	h.writeFrame(t, []byte{0xde, 0xad, 0xbe, 0xef})
	h.expectNoDelivery(t)

	m := routing.NewMessage(routing.NewRoute("app"), []byte("ok"))
	h.writeMessage(t, m)
	got := h.expectDelivery(t)
	require.Equal(t, []byte("ok"), got.Payload)
}

func TestReceiverTruncatedFrameClosesPair(t *testing.T) {
	h := newHarness(t)

	// Announce a 10 byte payload but deliver only 4 before disconnecting.
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], 10)
	_, err := h.peer.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = h.peer.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	h.peer.Close()

	select {
	case <-h.conn.ClosedCh():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not report the closed connection")
	}
	h.expectNoDelivery(t)
	h.conn.Halt()
}

func TestReceiverCleanDisconnect(t *testing.T) {
	h := newHarness(t)

	h.peer.Close()
	select {
	case <-h.conn.ClosedCh():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not report the closed connection")
	}
	h.conn.Halt()

	// Both workers deregistered on shutdown.
	require.Empty(t, h.cfg.Registry.Senders())
	require.Empty(t, h.cfg.Registry.Receivers())
}

func TestSenderPopsOwnHop(t *testing.T) {
	h := newHarness(t)
	defer h.conn.Close()

	// Mailbox delivery is buffered, so the send returns before the frame
	// is written; the write then blocks until we read the peer end.
	err := h.router.Send(
		routing.NewRoute(h.conn.SenderAddress(), "remote_app"),
		routing.NewRoute("reply_here"),
		[]byte("outbound"),
	)
	require.NoError(t, err)

	m := h.readMessage(t)
	require.Equal(t, []routing.Address{"remote_app"}, m.OnwardRoute.Hops())
	require.Equal(t, []routing.Address{"reply_here"}, m.ReturnRoute.Hops())
	require.Equal(t, []byte("outbound"), m.Payload)
}

func TestRegistryTracksWorkers(t *testing.T) {
	h := newHarness(t)

	require.Len(t, h.cfg.Registry.Senders(), 1)
	require.Len(t, h.cfg.Registry.Receivers(), 1)

	h.conn.Close()
	require.Empty(t, h.cfg.Registry.Senders())
	require.Empty(t, h.cfg.Registry.Receivers())
}
