// exchange_test.go - Credential exchange protocol tests.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quiltnet/quilt/channel"
	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/identity"
	"github.com/quiltnet/quilt/vault"
)

const testTimeout = 5 * time.Second

type harness struct {
	t       *testing.T
	router  *routing.Router
	backend *log.Backend
}

func newHarness(t *testing.T) *harness {
	backend := log.NewDefault()
	return &harness{
		t:       t,
		router:  routing.NewRouter(backend.GetLogger("router")),
		backend: backend,
	}
}

// principal is one logical node on the shared test router: an identity, an
// attribute store and the channel plumbing.
type principal struct {
	id    *identity.Identity
	store *identity.MemoryAttributeStore
}

func (h *harness) principal() *principal {
	v, err := vault.NewSoftwareVault()
	require.NoError(h.t, err)
	return &principal{
		id:    identity.New(v),
		store: identity.NewMemoryAttributeStore(),
	}
}

func (h *harness) channelConfig(p *principal) *channel.Config {
	return &channel.Config{
		Router:           h.router,
		Identity:         p.id,
		LogBackend:       h.backend,
		HandshakeTimeout: testTimeout,
	}
}

func (h *harness) clientConfig(p *principal, issuers ...*identity.PublicIdentity) *ClientConfig {
	return &ClientConfig{
		Router:         h.router,
		Identity:       p.id,
		LogBackend:     h.backend,
		TrustedIssuers: issuers,
		Store:          p.store,
	}
}

// startAuthority stands up an authority principal: a channel listener at
// listenerAddr and an issuer behind it.
func (h *harness) startAuthority(listenerAddr routing.Address) (*principal, *TokenRegistry, *channel.Listener, *Issuer) {
	auth := h.principal()
	tokens := NewTokenRegistry()
	issuer, err := NewIssuer(&IssuerConfig{
		Router:     h.router,
		Identity:   auth.id,
		LogBackend: h.backend,
		Tokens:     tokens,
	})
	require.NoError(h.t, err)
	l, err := channel.NewListener(h.channelConfig(auth), listenerAddr, channel.TrustEveryone{}, nil)
	require.NoError(h.t, err)
	return auth, tokens, l, issuer
}

func TestEnrollmentAndMutualExchange(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newHarness(t)

	auth, tokens, authListener, issuer := h.startAuthority("authority")
	defer authListener.Shutdown()
	defer issuer.Shutdown()

	alice := h.principal()
	bob := h.principal()

	// Bob is already enrolled and runs an exchange worker behind his own
	// channel listener.
	bobCred, err := identity.Issue(auth.id, bob.id.Identifier(),
		identity.Attributes{"component": "control"}, time.Now().Add(time.Hour))
	require.NoError(err)
	bob.id.SetCredential(bobCred)

	w, err := NewWorker(&WorkerConfig{
		Router:         h.router,
		Identity:       bob.id,
		LogBackend:     h.backend,
		TrustedIssuers: []*identity.PublicIdentity{auth.id.Public()},
		Store:          bob.store,
	})
	require.NoError(err)
	defer w.Shutdown()
	bobListener, err := channel.NewListener(h.channelConfig(bob), "bob", channel.TrustEveryone{}, nil)
	require.NoError(err)
	defer bobListener.Shutdown()

	// Alice redeems a one-time token for a credential.
	token := NewOneTimeToken()
	tokens.Add(token, identity.Attributes{"component": "edge"})

	authority := &Authority{Identity: auth.id.Public(), Route: routing.NewRoute("authority")}
	aliceCfg := h.clientConfig(alice, auth.id.Public())
	cred, err := GetCredential(aliceCfg, authority, token, false, testTimeout)
	require.NoError(err)
	require.Equal(alice.id.Identifier(), cred.Subject)
	require.Equal(cred, alice.id.Credential())

	// Mutual exchange with Bob commits attributes on both sides.
	ch, err := channel.Create(h.channelConfig(alice), routing.NewRoute("bob"), channel.TrustEveryone{})
	require.NoError(err)
	defer ch.Close()

	err = PresentMutual(aliceCfg, ch.Route(DefaultWorkerAddress), testTimeout)
	require.NoError(err)

	attrs, ok := bob.store.Get(alice.id.Identifier())
	require.True(ok)
	require.Equal(identity.Attributes{"component": "edge"}, attrs)

	attrs, ok = alice.store.Get(bob.id.Identifier())
	require.True(ok)
	require.Equal(identity.Attributes{"component": "control"}, attrs)

	// The token was consumed; redeeming it again is refused.
	_, err = GetCredential(aliceCfg, authority, token, true, testTimeout)
	require.ErrorIs(err, ErrExchangeRejected)
}

func TestGetCredentialShortCircuits(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newHarness(t)

	p := h.principal()
	cred, err := identity.Issue(p.id, p.id.Identifier(), identity.Attributes{"a": "b"}, time.Now().Add(time.Hour))
	require.NoError(err)
	p.id.SetCredential(cred)

	// The short circuit fires before the authority is even looked at.
	_, err = GetCredential(h.clientConfig(p), nil, "token", false, testTimeout)
	require.ErrorIs(err, ErrAlreadyHasCredential)
}

func TestGetCredentialNoKnownAuthority(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newHarness(t)

	p := h.principal()
	_, err := GetCredential(h.clientConfig(p), nil, "token", false, testTimeout)
	require.ErrorIs(err, ErrNoKnownAuthority)

	_, err = GetCredential(h.clientConfig(p), &Authority{}, "token", false, testTimeout)
	require.ErrorIs(err, ErrNoKnownAuthority)
}

func TestGetCredentialChannelFailurePropagates(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newHarness(t)

	p := h.principal()
	other := h.principal()

	// The authority route points nowhere; the failure surfaces as a
	// normal error and no credential is installed.
	authority := &Authority{Identity: other.id.Public(), Route: routing.NewRoute("nowhere")}
	_, err := GetCredential(h.clientConfig(p), authority, "token", false, testTimeout)
	require.Error(err)
	require.Nil(p.id.Credential())
}

func TestGetCredentialRejectsImpostorAuthority(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newHarness(t)

	_, tokens, authListener, issuer := h.startAuthority("authority")
	defer authListener.Shutdown()
	defer issuer.Shutdown()

	alice := h.principal()
	impostor := h.principal()

	token := NewOneTimeToken()
	tokens.Add(token, identity.Attributes{"component": "edge"})

	// The client expects the impostor's identifier on the channel; the
	// actual authority fails the allow-list check.
	authority := &Authority{Identity: impostor.id.Public(), Route: routing.NewRoute("authority")}
	_, err := GetCredential(h.clientConfig(alice), authority, token, false, testTimeout)
	require.ErrorIs(err, channel.ErrAuthenticationRejected)
	require.Nil(alice.id.Credential())
}

func TestMutualExchangeAtomicOnVerificationFailure(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newHarness(t)

	trusted := h.principal()
	rogue := h.principal()
	alice := h.principal()
	bob := h.principal()

	// Alice's credential comes from an issuer Bob does not trust.
	aliceCred, err := identity.Issue(rogue.id, alice.id.Identifier(),
		identity.Attributes{"component": "edge"}, time.Now().Add(time.Hour))
	require.NoError(err)
	alice.id.SetCredential(aliceCred)

	w, err := NewWorker(&WorkerConfig{
		Router:         h.router,
		Identity:       bob.id,
		LogBackend:     h.backend,
		TrustedIssuers: []*identity.PublicIdentity{trusted.id.Public()},
		Store:          bob.store,
	})
	require.NoError(err)
	defer w.Shutdown()
	bobListener, err := channel.NewListener(h.channelConfig(bob), "bob", channel.TrustEveryone{}, nil)
	require.NoError(err)
	defer bobListener.Shutdown()

	ch, err := channel.Create(h.channelConfig(alice), routing.NewRoute("bob"), channel.TrustEveryone{})
	require.NoError(err)
	defer ch.Close()

	err = PresentMutual(h.clientConfig(alice, trusted.id.Public()), ch.Route(DefaultWorkerAddress), testTimeout)
	require.ErrorIs(err, ErrExchangeRejected)

	// Nothing was written on either side.
	_, ok := bob.store.Get(alice.id.Identifier())
	require.False(ok)
	_, ok = alice.store.Get(bob.id.Identifier())
	require.False(ok)
}

func TestPresentOneWay(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newHarness(t)

	auth := h.principal()
	alice := h.principal()
	bob := h.principal()

	aliceCred, err := identity.Issue(auth.id, alice.id.Identifier(),
		identity.Attributes{"component": "edge"}, time.Now().Add(time.Hour))
	require.NoError(err)
	alice.id.SetCredential(aliceCred)

	w, err := NewWorker(&WorkerConfig{
		Router:         h.router,
		Identity:       bob.id,
		LogBackend:     h.backend,
		TrustedIssuers: []*identity.PublicIdentity{auth.id.Public()},
		Store:          bob.store,
	})
	require.NoError(err)
	defer w.Shutdown()
	bobListener, err := channel.NewListener(h.channelConfig(bob), "bob", channel.TrustEveryone{}, nil)
	require.NoError(err)
	defer bobListener.Shutdown()

	ch, err := channel.Create(h.channelConfig(alice), routing.NewRoute("bob"), channel.TrustEveryone{})
	require.NoError(err)
	defer ch.Close()

	err = Present(h.clientConfig(alice), ch.Route(DefaultWorkerAddress))
	require.NoError(err)

	require.Eventually(func() bool {
		attrs, ok := bob.store.Get(alice.id.Identifier())
		return ok && attrs["component"] == "edge"
	}, testTimeout, 10*time.Millisecond)
}

func TestWorkerRejectsUnsecuredPresentation(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newHarness(t)

	auth := h.principal()
	alice := h.principal()
	bob := h.principal()

	aliceCred, err := identity.Issue(auth.id, alice.id.Identifier(),
		identity.Attributes{"component": "edge"}, time.Now().Add(time.Hour))
	require.NoError(err)
	alice.id.SetCredential(aliceCred)

	w, err := NewWorker(&WorkerConfig{
		Router:         h.router,
		Identity:       bob.id,
		LogBackend:     h.backend,
		TrustedIssuers: []*identity.PublicIdentity{auth.id.Public()},
		Store:          bob.store,
	})
	require.NoError(err)
	defer w.Shutdown()

	// Present straight to the worker, skipping the secure channel.  The
	// mutual variant gets an explicit rejection.
	b, err := aliceCred.Marshal()
	require.NoError(err)
	_, err = routing.Call(h.router, routing.NewRoute(DefaultWorkerAddress),
		encode(&presentRequest{Mutual: true, Credential: b}), testTimeout)
	require.NoError(err)

	_, ok := bob.store.Get(alice.id.Identifier())
	require.False(ok)
}

func TestTokenRegistryOneTime(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := NewTokenRegistry()
	token := NewOneTimeToken()
	r.Add(token, identity.Attributes{"k": "v"})

	attrs, ok := r.redeem(token)
	require.True(ok)
	require.Equal(identity.Attributes{"k": "v"}, attrs)

	_, ok = r.redeem(token)
	require.False(ok)
}
