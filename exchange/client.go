// client.go - Credential presentation and retrieval operations.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package exchange

import (
	"fmt"
	"time"

	"github.com/quiltnet/quilt/channel"
	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/identity"
)

// ClientConfig bundles what the client side operations need.
type ClientConfig struct {
	// Router is the node's message router.
	Router *routing.Router

	// Identity is the node's principal.
	Identity *identity.Identity

	// LogBackend is the node's logging backend.
	LogBackend *log.Backend

	// TrustedIssuers is the set of authorities whose credentials this node
	// accepts from peers.
	TrustedIssuers []*identity.PublicIdentity

	// Store receives verified attributes from mutual exchanges.
	Store identity.AttributeStore
}

func (cfg *ClientConfig) validate() error {
	if cfg.Router == nil {
		return fmt.Errorf("exchange: Router is mandatory")
	}
	if cfg.Identity == nil {
		return fmt.Errorf("exchange: Identity is mandatory")
	}
	if cfg.LogBackend == nil {
		return fmt.Errorf("exchange: LogBackend is mandatory")
	}
	return nil
}

// Authority identifies a credential issuing authority: its public identity
// and a route to its secure channel listener.
type Authority struct {
	Identity *identity.PublicIdentity
	Route    routing.Route
}

// Present sends the local credential to the exchange worker reachable at
// route, one way.  route normally passes through a secure channel so the
// recipient can bind the credential subject to a verified identifier.
func Present(cfg *ClientConfig, route routing.Route) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cred := cfg.Identity.Credential()
	if cred == nil {
		return ErrNoCredential
	}
	b, err := cred.Marshal()
	if err != nil {
		return err
	}
	req := &presentRequest{Mutual: false, Credential: b}
	return cfg.Router.Send(route, routing.Route{}, encode(req))
}

// PresentMutual sends the local credential to the exchange worker reachable
// at route and requires the peer to answer with its own.  The received
// credential is verified against the trusted issuer set and must attest the
// identifier the delivering secure channel verified; only then are its
// attributes committed to the store.  Verification failure leaves the store
// completely unchanged.
func PresentMutual(cfg *ClientConfig, route routing.Route, timeout time.Duration) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.Store == nil {
		return fmt.Errorf("exchange: Store is mandatory for a mutual exchange")
	}
	cred := cfg.Identity.Credential()
	if cred == nil {
		return ErrNoCredential
	}
	b, err := cred.Marshal()
	if err != nil {
		return err
	}

	req := &presentRequest{Mutual: true, Credential: b}
	reply, err := routing.Call(cfg.Router, route, encode(req), timeout)
	if err != nil {
		return err
	}

	r := new(presentReply)
	if err := decode(reply.Payload, r); err != nil {
		return err
	}
	if !r.Ok {
		return fmt.Errorf("%w: %s", ErrExchangeRejected, r.Reason)
	}

	if reply.RemoteIdentity == "" {
		return ErrNotSecured
	}
	remote, err := identity.ParseIdentifier(reply.RemoteIdentity)
	if err != nil {
		return err
	}
	peerCred, err := identity.UnmarshalCredential(r.Credential)
	if err != nil {
		return err
	}
	attrs, err := peerCred.Verify(cfg.Identity.Vault(), cfg.TrustedIssuers)
	if err != nil {
		return err
	}
	if peerCred.Subject != remote {
		return identity.ErrSubjectMismatch
	}
	return cfg.Store.Put(peerCred.Subject, attrs)
}

// GetCredential redeems a one-time token with authority for a fresh
// credential and installs it on the local identity.  An identity that
// already holds a credential short circuits with ErrAlreadyHasCredential
// unless overwrite is set.  The channel to the authority trusts exactly the
// authority's identifier; any failure along the way, transport included,
// aborts before identity state is mutated.
func GetCredential(cfg *ClientConfig, authority *Authority, token string, overwrite bool, timeout time.Duration) (*identity.Credential, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Identity.Credential() != nil && !overwrite {
		return nil, ErrAlreadyHasCredential
	}
	if authority == nil || authority.Identity == nil {
		return nil, ErrNoKnownAuthority
	}

	l := cfg.LogBackend.GetLogger("exchange/client")
	st := stateChannelEstablishing
	l.Debugf("Credential retrieval %v", st)

	chCfg := &channel.Config{
		Router:           cfg.Router,
		Identity:         cfg.Identity,
		LogBackend:       cfg.LogBackend,
		HandshakeTimeout: timeout,
	}
	policy := channel.NewTrustMultiIdentifiers(authority.Identity.Identifier)
	ch, err := channel.Create(chCfg, authority.Route, policy)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	st = stateCredentialRequested
	l.Debugf("Credential retrieval %v", st)
	req := &issueRequest{Token: token}
	reply, err := routing.Call(cfg.Router, ch.Route(DefaultIssuerAddress), encode(req), timeout)
	if err != nil {
		return nil, err
	}

	st = stateVerifying
	l.Debugf("Credential retrieval %v", st)
	r := new(issueReply)
	if err := decode(reply.Payload, r); err != nil {
		return nil, err
	}
	if !r.Ok {
		return nil, fmt.Errorf("%w: %s", ErrExchangeRejected, r.Reason)
	}
	cred, err := identity.UnmarshalCredential(r.Credential)
	if err != nil {
		return nil, err
	}
	if _, err := cred.Verify(cfg.Identity.Vault(), []*identity.PublicIdentity{authority.Identity}); err != nil {
		return nil, err
	}
	if cred.Subject != cfg.Identity.Identifier() {
		return nil, identity.ErrSubjectMismatch
	}

	cfg.Identity.SetCredential(cred)
	l.Debugf("Credential retrieval %v: credential installed", stateCommitted)
	return cred, nil
}
