// node_test.go - Two-node integration over a real transport.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quiltnet/quilt/channel"
	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/exchange"
	"github.com/quiltnet/quilt/identity"
	"github.com/quiltnet/quilt/vault"
)

const testTimeout = 10 * time.Second

func newTestNode(t *testing.T) *Node {
	v, err := vault.NewSoftwareVault()
	require.NoError(t, err)
	n, err := New(log.NewDefault(), v, nil)
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	return n
}

// The full stack: two nodes joined by TCP, a secure channel across the
// hop, and a mutual credential exchange that lands attributes in both
// attribute stores.
func TestNodesExchangeCredentialsOverTCP(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	authVault, err := vault.NewSoftwareVault()
	require.NoError(err)
	authority := identity.New(authVault)
	issuers := []*identity.PublicIdentity{authority.Public()}

	alice := newTestNode(t)
	bob := newTestNode(t)

	for n, component := range map[*Node]string{alice: "edge", bob: "control"} {
		cred, err := identity.Issue(authority, n.Identity().Identifier(),
			identity.Attributes{"component": component}, time.Now().Add(time.Hour))
		require.NoError(err)
		n.Identity().SetCredential(cred)
	}

	bobTCP, err := bob.ListenTCP("127.0.0.1:0")
	require.NoError(err)
	_, err = bob.ListenChannel("channel", channel.TrustEveryone{})
	require.NoError(err)
	_, err = bob.StartExchangeWorker(issuers)
	require.NoError(err)

	conn, err := alice.DialTCP(bobTCP.Addr().String())
	require.NoError(err)

	ch, err := alice.CreateChannel(
		routing.NewRoute(conn.SenderAddress(), "channel"), channel.TrustEveryone{})
	require.NoError(err)
	require.Equal(bob.Identity().Identifier(), ch.RemoteIdentifier())

	cfg := alice.ExchangeClientConfig(issuers)
	err = exchange.PresentMutual(cfg, ch.Route(exchange.DefaultWorkerAddress), testTimeout)
	require.NoError(err)

	attrs, ok := bob.Attributes().Get(alice.Identity().Identifier())
	require.True(ok)
	require.Equal(identity.Attributes{"component": "edge"}, attrs)

	attrs, ok = alice.Attributes().Get(bob.Identity().Identifier())
	require.True(ok)
	require.Equal(identity.Attributes{"component": "control"}, attrs)

	// The gate over Bob's store now authorizes Alice's traffic.
	gate := bob.Gate("component", "edge")
	m := routing.NewLocalMessage(routing.NewMessage(routing.NewRoute("x"), nil))
	m.RemoteIdentity = alice.Identity().Identifier().String()
	require.True(gate.Authorize(m))
}

func TestNodeEnrollsWithAuthorityOverTCP(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	authNode := newTestNode(t)
	alice := newTestNode(t)

	tokens := exchange.NewTokenRegistry()
	_, err := authNode.StartIssuer(tokens)
	require.NoError(err)
	_, err = authNode.ListenChannel("channel", channel.TrustEveryone{})
	require.NoError(err)
	authTCP, err := authNode.ListenTCP("127.0.0.1:0")
	require.NoError(err)

	token := exchange.NewOneTimeToken()
	tokens.Add(token, identity.Attributes{"component": "edge"})

	conn, err := alice.DialTCP(authTCP.Addr().String())
	require.NoError(err)

	authorityInfo := &exchange.Authority{
		Identity: authNode.Identity().Public(),
		Route:    routing.NewRoute(conn.SenderAddress(), "channel"),
	}
	cfg := alice.ExchangeClientConfig([]*identity.PublicIdentity{authNode.Identity().Public()})
	cred, err := exchange.GetCredential(cfg, authorityInfo, token, false, testTimeout)
	require.NoError(err)
	require.Equal(alice.Identity().Identifier(), cred.Subject)
	require.Equal(identity.Attributes{"component": "edge"}, cred.Attributes)
	require.NotNil(alice.Identity().Credential())
}

func TestNodeShutdownIdempotent(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	_, err := n.ListenChannel("channel", channel.TrustEveryone{})
	require.NoError(t, err)

	n.Shutdown()
	n.Shutdown()

	select {
	case <-n.HaltedCh():
	default:
		t.Fatal("HaltedCh not closed after Shutdown")
	}
}
