// portal_test.go - Inlet/outlet relay tests.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package portal

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quiltnet/quilt/abac"
	"github.com/quiltnet/quilt/channel"
	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/identity"
	"github.com/quiltnet/quilt/vault"
)

// startEcho serves a TCP echo on a loopback port for the outlet to target.
func startEcho(t *testing.T) net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return l
}

func TestPortalEcho(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	backend := log.NewDefault()
	router := routing.NewRouter(backend.GetLogger("router"))
	echo := startEcho(t)

	outlet, err := NewOutlet(&OutletConfig{
		Router:     router,
		LogBackend: backend,
		Address:    "outlet",
		Target:     echo.Addr().String(),
	})
	require.NoError(err)
	defer outlet.Shutdown()

	inlet, err := NewInlet(&InletConfig{
		Router:     router,
		LogBackend: backend,
		ListenAddr: "127.0.0.1:0",
		Route:      routing.NewRoute("outlet"),
	})
	require.NoError(err)
	defer inlet.Shutdown()

	conn, err := net.Dial("tcp", inlet.Addr().String())
	require.NoError(err)
	defer conn.Close()
	require.NoError(conn.SetDeadline(time.Now().Add(10 * time.Second)))

	// A payload crossing several relay chunks comes back intact.
	payload := make([]byte, 3*relayBufferSize+17)
	_, err = rand.Read(payload)
	require.NoError(err)

	go func() {
		conn.Write(payload)
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(err)
	require.True(bytes.Equal(payload, got))
}

func TestPortalThroughSecureChannelGated(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	backend := log.NewDefault()
	router := routing.NewRouter(backend.GetLogger("router"))
	echo := startEcho(t)

	newIdentity := func() *identity.Identity {
		v, err := vault.NewSoftwareVault()
		require.NoError(err)
		return identity.New(v)
	}
	alice := newIdentity()
	bob := newIdentity()
	store := identity.NewMemoryAttributeStore()

	bobListener, err := channel.NewListener(&channel.Config{
		Router:     router,
		Identity:   bob,
		LogBackend: backend,
	}, "bob", channel.TrustEveryone{}, nil)
	require.NoError(err)
	defer bobListener.Shutdown()

	gate := abac.NewGate(backend, store, "component", "edge")
	outlet, err := NewOutlet(&OutletConfig{
		Router:     router,
		LogBackend: backend,
		Address:    "outlet",
		Target:     echo.Addr().String(),
		Gate:       gate,
	})
	require.NoError(err)
	defer outlet.Shutdown()

	ch, err := channel.Create(&channel.Config{
		Router:     router,
		Identity:   alice,
		LogBackend: backend,
	}, routing.NewRoute("bob"), channel.TrustEveryone{})
	require.NoError(err)
	defer ch.Close()

	// Alice lacks the required attribute; the gate refuses the open and
	// the inlet connection dies without relaying anything.
	inlet, err := NewInlet(&InletConfig{
		Router:      router,
		LogBackend:  backend,
		ListenAddr:  "127.0.0.1:0",
		Route:       ch.Route("outlet"),
		OpenTimeout: 300 * time.Millisecond,
	})
	require.NoError(err)
	defer inlet.Shutdown()

	conn, err := net.Dial("tcp", inlet.Addr().String())
	require.NoError(err)
	require.NoError(conn.SetDeadline(time.Now().Add(10 * time.Second)))
	_, err = conn.Write([]byte("ping"))
	require.NoError(err)
	_, err = conn.Read(make([]byte, 4))
	require.Error(err)
	conn.Close()

	// With the attribute attested, traffic flows end to end.
	require.NoError(store.Put(alice.Identifier(), identity.Attributes{"component": "edge"}))

	conn, err = net.Dial("tcp", inlet.Addr().String())
	require.NoError(err)
	defer conn.Close()
	require.NoError(conn.SetDeadline(time.Now().Add(10 * time.Second)))

	_, err = conn.Write([]byte("ping"))
	require.NoError(err)
	got := make([]byte, 4)
	_, err = io.ReadFull(conn, got)
	require.NoError(err)
	require.Equal([]byte("ping"), got)
}

func TestOutletGateDeniesUnverifiedOpen(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	backend := log.NewDefault()
	router := routing.NewRouter(backend.GetLogger("router"))
	echo := startEcho(t)

	store := identity.NewMemoryAttributeStore()
	outlet, err := NewOutlet(&OutletConfig{
		Router:     router,
		LogBackend: backend,
		Address:    "outlet",
		Target:     echo.Addr().String(),
		Gate:       abac.NewGate(backend, store, "component", "edge"),
	})
	require.NoError(err)
	defer outlet.Shutdown()

	// No secure channel in the route, so the open carries no verified
	// identity and is refused.
	inlet, err := NewInlet(&InletConfig{
		Router:      router,
		LogBackend:  backend,
		ListenAddr:  "127.0.0.1:0",
		Route:       routing.NewRoute("outlet"),
		OpenTimeout: 300 * time.Millisecond,
	})
	require.NoError(err)
	defer inlet.Shutdown()

	conn, err := net.Dial("tcp", inlet.Addr().String())
	require.NoError(err)
	defer conn.Close()
	require.NoError(conn.SetDeadline(time.Now().Add(10 * time.Second)))

	_, err = conn.Read(make([]byte, 1))
	require.Error(err)
}
