// node.go - Per-node component wiring.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package node owns the shared facilities of one running node, the router,
// the vault-backed identity and the attribute store among them, and wires
// the transport, channel, exchange and portal workers on top of them.
// Components receive non-owning references; the Node creates and shuts
// everything down exactly once.
package node

import (
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/abac"
	"github.com/quiltnet/quilt/channel"
	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/exchange"
	"github.com/quiltnet/quilt/identity"
	"github.com/quiltnet/quilt/portal"
	"github.com/quiltnet/quilt/transport/tcp"
	"github.com/quiltnet/quilt/vault"
)

// Node is one running instance: the shared facilities plus every worker
// started on top of them.
type Node struct {
	backend    *log.Backend
	router     *routing.Router
	registry   *tcp.Registry
	vault      vault.Vault
	identity   *identity.Identity
	attributes identity.AttributeStore

	log *logging.Logger

	connLock     sync.Mutex
	tcpListeners []*tcp.Listener
	tcpConns     []*tcp.Connection
	chListeners  []*channel.Listener
	channels     []*channel.Channel
	exchangers   []*exchange.Worker
	issuers      []*exchange.Issuer
	inlets       []*portal.Inlet
	outlets      []*portal.Outlet

	onShutdown []func()

	haltedCh chan struct{}
	haltOnce sync.Once
}

// OnShutdown registers fn to run after every worker has halted, for
// releasing resources the node was built around.
func (n *Node) OnShutdown(fn func()) {
	n.connLock.Lock()
	defer n.connLock.Unlock()
	n.onShutdown = append(n.onShutdown, fn)
}

// New assembles a node around the given vault and attribute store, both
// owned by the node from here on.
func New(backend *log.Backend, v vault.Vault, attributes identity.AttributeStore) (*Node, error) {
	if backend == nil {
		return nil, fmt.Errorf("node: log backend is mandatory")
	}
	if v == nil {
		return nil, fmt.Errorf("node: vault is mandatory")
	}
	if attributes == nil {
		attributes = identity.NewMemoryAttributeStore()
	}
	n := &Node{
		backend:    backend,
		router:     routing.NewRouter(backend.GetLogger("router")),
		registry:   tcp.NewRegistry(),
		vault:      v,
		identity:   identity.New(v),
		attributes: attributes,
		log:        backend.GetLogger("node"),
		haltedCh:   make(chan struct{}),
	}
	n.log.Noticef("Node identifier: %v", n.identity.Identifier())
	return n, nil
}

// LogBackend returns the node's logging backend.
func (n *Node) LogBackend() *log.Backend {
	return n.backend
}

// Router returns the node's message router.
func (n *Node) Router() *routing.Router {
	return n.router
}

// Registry returns the node's transport worker registry.
func (n *Node) Registry() *tcp.Registry {
	return n.registry
}

// Identity returns the node's principal.
func (n *Node) Identity() *identity.Identity {
	return n.identity
}

// Attributes returns the node's attribute store.
func (n *Node) Attributes() identity.AttributeStore {
	return n.attributes
}

func (n *Node) tcpConfig() *tcp.Config {
	return &tcp.Config{
		Router:     n.router,
		Registry:   n.registry,
		LogBackend: n.backend,
	}
}

func (n *Node) channelConfig() *channel.Config {
	return &channel.Config{
		Router:     n.router,
		Identity:   n.identity,
		LogBackend: n.backend,
	}
}

// ListenTCP starts a transport listener on address ("host:port").
func (n *Node) ListenTCP(address string) (*tcp.Listener, error) {
	l, err := tcp.NewListener(n.tcpConfig(), address, nil)
	if err != nil {
		return nil, err
	}
	n.connLock.Lock()
	n.tcpListeners = append(n.tcpListeners, l)
	n.connLock.Unlock()
	return l, nil
}

// DialTCP connects a transport pair to the peer at address.
func (n *Node) DialTCP(address string) (*tcp.Connection, error) {
	c, err := tcp.Dial(n.tcpConfig(), address)
	if err != nil {
		return nil, err
	}
	n.connLock.Lock()
	n.tcpConns = append(n.tcpConns, c)
	n.connLock.Unlock()
	return c, nil
}

// ListenChannel starts a secure channel listener at addr guarded by policy.
func (n *Node) ListenChannel(addr routing.Address, policy channel.TrustPolicy) (*channel.Listener, error) {
	l, err := channel.NewListener(n.channelConfig(), addr, policy, nil)
	if err != nil {
		return nil, err
	}
	n.connLock.Lock()
	n.chListeners = append(n.chListeners, l)
	n.connLock.Unlock()
	return l, nil
}

// CreateChannel establishes a secure channel to the listener reachable at
// route, accepting only peers policy allows.
func (n *Node) CreateChannel(route routing.Route, policy channel.TrustPolicy) (*channel.Channel, error) {
	ch, err := channel.Create(n.channelConfig(), route, policy)
	if err != nil {
		return nil, err
	}
	n.connLock.Lock()
	n.channels = append(n.channels, ch)
	n.connLock.Unlock()
	return ch, nil
}

// StartExchangeWorker starts the credential exchange worker accepting
// credentials issued by the given authorities.
func (n *Node) StartExchangeWorker(issuers []*identity.PublicIdentity) (*exchange.Worker, error) {
	w, err := exchange.NewWorker(&exchange.WorkerConfig{
		Router:         n.router,
		Identity:       n.identity,
		LogBackend:     n.backend,
		TrustedIssuers: issuers,
		Store:          n.attributes,
	})
	if err != nil {
		return nil, err
	}
	n.connLock.Lock()
	n.exchangers = append(n.exchangers, w)
	n.connLock.Unlock()
	return w, nil
}

// StartIssuer starts the authority-side credential issuer backed by tokens.
func (n *Node) StartIssuer(tokens *exchange.TokenRegistry) (*exchange.Issuer, error) {
	i, err := exchange.NewIssuer(&exchange.IssuerConfig{
		Router:     n.router,
		Identity:   n.identity,
		LogBackend: n.backend,
		Tokens:     tokens,
	})
	if err != nil {
		return nil, err
	}
	n.connLock.Lock()
	n.issuers = append(n.issuers, i)
	n.connLock.Unlock()
	return i, nil
}

// ExchangeClientConfig builds the client-side exchange configuration for
// this node, trusting the given authorities.
func (n *Node) ExchangeClientConfig(issuers []*identity.PublicIdentity) *exchange.ClientConfig {
	return &exchange.ClientConfig{
		Router:         n.router,
		Identity:       n.identity,
		LogBackend:     n.backend,
		TrustedIssuers: issuers,
		Store:          n.attributes,
	}
}

// StartOutlet starts a portal outlet at addr relaying to target, guarded by
// gate when one is given.
func (n *Node) StartOutlet(addr routing.Address, target string, gate *abac.Gate) (*portal.Outlet, error) {
	o, err := portal.NewOutlet(&portal.OutletConfig{
		Router:     n.router,
		LogBackend: n.backend,
		Address:    addr,
		Target:     target,
		Gate:       gate,
	})
	if err != nil {
		return nil, err
	}
	n.connLock.Lock()
	n.outlets = append(n.outlets, o)
	n.connLock.Unlock()
	return o, nil
}

// StartInlet starts a portal inlet listening on listenAddr ("host:port")
// and relaying along route.
func (n *Node) StartInlet(listenAddr string, route routing.Route, gate *abac.Gate) (*portal.Inlet, error) {
	i, err := portal.NewInlet(&portal.InletConfig{
		Router:     n.router,
		LogBackend: n.backend,
		ListenAddr: listenAddr,
		Route:      route,
		Gate:       gate,
	})
	if err != nil {
		return nil, err
	}
	n.connLock.Lock()
	n.inlets = append(n.inlets, i)
	n.connLock.Unlock()
	return i, nil
}

// Gate builds an abac gate over the node's attribute store.
func (n *Node) Gate(attribute, value string) *abac.Gate {
	return abac.NewGate(n.backend, n.attributes, attribute, value)
}

// HaltedCh returns the channel closed when the node has shut down.
func (n *Node) HaltedCh() <-chan struct{} {
	return n.haltedCh
}

// Shutdown halts every worker the node started, in reverse dependency
// order.
func (n *Node) Shutdown() {
	n.haltOnce.Do(n.shutdown)
}

func (n *Node) shutdown() {
	n.log.Noticef("Shutting down")

	n.connLock.Lock()
	defer n.connLock.Unlock()

	for _, i := range n.inlets {
		i.Shutdown()
	}
	for _, o := range n.outlets {
		o.Shutdown()
	}
	for _, w := range n.exchangers {
		w.Shutdown()
	}
	for _, i := range n.issuers {
		i.Shutdown()
	}
	for _, ch := range n.channels {
		ch.Close()
	}
	for _, l := range n.chListeners {
		l.Shutdown()
	}
	for _, c := range n.tcpConns {
		c.Close()
	}
	for _, l := range n.tcpListeners {
		l.Shutdown()
	}
	for _, fn := range n.onShutdown {
		fn()
	}

	n.log.Noticef("Shutdown complete")
	close(n.haltedCh)
}
