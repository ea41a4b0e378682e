// issuer.go - Authority-side credential issuer and one-time tokens.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package exchange

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/core/worker"
	"github.com/quiltnet/quilt/identity"
)

const defaultCredentialValidity = 24 * time.Hour

// NewOneTimeToken mints an unguessable enrollment token.
func NewOneTimeToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("exchange: failed to read entropy: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// TokenRegistry maps outstanding one-time enrollment tokens to the
// attributes a redeeming principal will be attested.  Redeeming consumes
// the token.
type TokenRegistry struct {
	sync.Mutex

	tokens map[string]identity.Attributes
}

// NewTokenRegistry creates an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]identity.Attributes)}
}

// Add registers token with the attributes it entitles the bearer to.
func (r *TokenRegistry) Add(token string, attrs identity.Attributes) {
	r.Lock()
	defer r.Unlock()
	cp := make(identity.Attributes, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	r.tokens[token] = cp
}

// redeem consumes token and returns its attributes.
func (r *TokenRegistry) redeem(token string) (identity.Attributes, bool) {
	r.Lock()
	defer r.Unlock()
	attrs, ok := r.tokens[token]
	if ok {
		delete(r.tokens, token)
	}
	return attrs, ok
}

// IssuerConfig bundles what the authority-side issuer needs.
type IssuerConfig struct {
	// Router is the node's message router.
	Router *routing.Router

	// Identity is the authority principal credentials are signed with.
	Identity *identity.Identity

	// LogBackend is the node's logging backend.
	LogBackend *log.Backend

	// Tokens is the registry of outstanding enrollment tokens.
	Tokens *TokenRegistry

	// Validity is how long issued credentials live.  0 selects a sane
	// default.
	Validity time.Duration

	// Address is the address the issuer registers at.  Empty selects
	// DefaultIssuerAddress.
	Address routing.Address
}

func (cfg *IssuerConfig) validate() error {
	if cfg.Router == nil {
		return fmt.Errorf("exchange: Router is mandatory")
	}
	if cfg.Identity == nil {
		return fmt.Errorf("exchange: Identity is mandatory")
	}
	if cfg.LogBackend == nil {
		return fmt.Errorf("exchange: LogBackend is mandatory")
	}
	if cfg.Tokens == nil {
		return fmt.Errorf("exchange: Tokens is mandatory")
	}
	if cfg.Validity <= 0 {
		cfg.Validity = defaultCredentialValidity
	}
	if cfg.Address == "" {
		cfg.Address = DefaultIssuerAddress
	}
	return nil
}

// Issuer is the authority-side worker that redeems one-time tokens for
// signed credentials.  The credential subject is always the identifier
// verified by the secure channel the request arrived through; the bearer
// cannot enroll anyone but itself.
type Issuer struct {
	worker.Worker

	cfg     *IssuerConfig
	log     *logging.Logger
	mailbox *routing.Mailbox
}

// NewIssuer registers a credential issuer and starts it.
func NewIssuer(cfg *IssuerConfig) (*Issuer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	i := &Issuer{
		cfg:     cfg,
		log:     cfg.LogBackend.GetLogger(fmt.Sprintf("exchange/issuer:%s", cfg.Address)),
		mailbox: routing.NewMailbox(),
	}
	if err := cfg.Router.Register(cfg.Address, i.mailbox); err != nil {
		return nil, err
	}
	i.Go(i.serve)
	return i, nil
}

// Address returns the address the issuer serves at.
func (i *Issuer) Address() routing.Address {
	return i.cfg.Address
}

// Shutdown halts the issuer and releases its address.
func (i *Issuer) Shutdown() {
	i.cfg.Router.Unregister(i.cfg.Address)
	i.mailbox.Close()
	i.Halt()
}

func (i *Issuer) serve() {
	for {
		select {
		case <-i.HaltCh():
			return
		case m, ok := <-i.mailbox.C():
			if !ok {
				return
			}
			i.onRequest(m)
		}
	}
}

func (i *Issuer) onRequest(m *routing.LocalMessage) {
	req := new(issueRequest)
	if err := decode(m.Payload, req); err != nil {
		i.log.Warningf("Dropping malformed issue request: %v", err)
		return
	}

	if m.RemoteIdentity == "" {
		i.refuse(m, "request did not arrive over a secure channel")
		return
	}
	caller, err := identity.ParseIdentifier(m.RemoteIdentity)
	if err != nil {
		i.refuse(m, "bad caller identifier")
		return
	}

	attrs, ok := i.cfg.Tokens.redeem(req.Token)
	if !ok {
		i.log.Warningf("Refusing unknown or spent token from %v", caller)
		i.refuse(m, "unknown or spent token")
		return
	}

	cred, err := identity.Issue(i.cfg.Identity, caller, attrs, time.Now().Add(i.cfg.Validity))
	if err != nil {
		i.log.Errorf("Failed to issue credential: %v", err)
		i.refuse(m, "issuance failed")
		return
	}
	b, err := cred.Marshal()
	if err != nil {
		i.log.Errorf("Failed to marshal credential: %v", err)
		i.refuse(m, "issuance failed")
		return
	}
	i.log.Noticef("Issued credential for %v", caller)
	i.reply(m, &issueReply{Ok: true, Credential: b})
}

func (i *Issuer) refuse(m *routing.LocalMessage, reason string) {
	i.reply(m, &issueReply{Ok: false, Reason: reason})
}

func (i *Issuer) reply(m *routing.LocalMessage, r *issueReply) {
	if m.ReturnRoute.IsEmpty() {
		i.log.Warningf("Cannot reply: empty return route")
		return
	}
	if err := i.cfg.Router.Send(m.ReturnRoute.Clone(), routing.Route{}, encode(r)); err != nil {
		i.log.Warningf("Failed to send issue reply: %v", err)
	}
}
