// daemon.go - Node assembly from a configuration file.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quiltnet/quilt/abac"
	"github.com/quiltnet/quilt/channel"
	"github.com/quiltnet/quilt/config"
	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/exchange"
	"github.com/quiltnet/quilt/identity"
	"github.com/quiltnet/quilt/vault"
)

const (
	seedFile       = "identity.seed"
	attributesFile = "attributes.db"

	enrollTimeout = 1 * time.Minute
)

// NewFromConfig builds a node from cfg, loads or generates its identity
// key, opens its attribute store and starts every configured service,
// enrollment with the authority included.
func NewFromConfig(cfg *config.Config) (*Node, error) {
	if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("node: failed to create DataDir: %v", err)
	}

	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.Node.DataDir, logFile)
	}
	backend, err := log.New(logFile, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	seed, err := loadOrGenerateSeed(filepath.Join(cfg.Node.DataDir, seedFile))
	if err != nil {
		return nil, err
	}
	v := vault.NewSoftwareVaultFromSeed(seed)

	store, err := identity.NewBoltAttributeStore(filepath.Join(cfg.Node.DataDir, attributesFile))
	if err != nil {
		return nil, err
	}

	n, err := New(backend, v, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	n.OnShutdown(func() {
		if err := store.Close(); err != nil {
			n.log.Warningf("Failed to close attribute store: %v", err)
		}
	})

	if err := n.startServices(cfg); err != nil {
		n.Shutdown()
		return nil, err
	}
	return n, nil
}

func (n *Node) startServices(cfg *config.Config) error {
	for _, a := range cfg.Transport.Listen {
		if _, err := n.ListenTCP(a); err != nil {
			return err
		}
	}

	if cfg.ChannelListener != nil {
		var policy channel.TrustPolicy = channel.TrustEveryone{}
		if ids := cfg.ChannelListener.Identifiers(); len(ids) != 0 {
			policy = channel.NewTrustMultiIdentifiers(ids...)
		}
		if _, err := n.ListenChannel(routing.Address(cfg.ChannelListener.Address), policy); err != nil {
			return err
		}
	}

	var issuers []*identity.PublicIdentity
	if cfg.Authority != nil {
		issuers = append(issuers, cfg.Authority.PublicIdentity())
	}

	if cfg.ExchangeWorker != nil && cfg.ExchangeWorker.Enable {
		if _, err := n.StartExchangeWorker(issuers); err != nil {
			return err
		}
	}

	if cfg.Issuer != nil && cfg.Issuer.Enable {
		tokens := exchange.NewTokenRegistry()
		for token, attrs := range cfg.Issuer.Tokens {
			tokens.Add(token, identity.Attributes(attrs))
		}
		if _, err := n.StartIssuer(tokens); err != nil {
			return err
		}
	}

	if cfg.Authority != nil && cfg.Authority.Token != "" {
		if err := n.enroll(cfg.Authority); err != nil {
			return err
		}
	}

	for _, a := range cfg.Transport.Peers {
		if _, err := n.DialTCP(a); err != nil {
			return err
		}
	}

	for _, oCfg := range cfg.Outlets {
		gate := gateFor(n, oCfg.RequireAttribute, oCfg.RequireValue)
		if _, err := n.StartOutlet(routing.Address(oCfg.Address), oCfg.Target, gate); err != nil {
			return err
		}
	}

	for _, iCfg := range cfg.Inlets {
		conn, err := n.DialTCP(iCfg.Peer)
		if err != nil {
			return err
		}
		ch, err := n.CreateChannel(
			routing.NewRoute(conn.SenderAddress(), routing.Address(iCfg.ChannelAddress)),
			channel.TrustEveryone{})
		if err != nil {
			return err
		}
		gate := gateFor(n, iCfg.RequireAttribute, iCfg.RequireValue)
		if _, err := n.StartInlet(iCfg.Listen, ch.Route(routing.Address(iCfg.OutletAddress)), gate); err != nil {
			return err
		}
	}

	return nil
}

// enroll redeems the configured one-time token for a credential.
func (n *Node) enroll(aCfg *config.Authority) error {
	conn, err := n.DialTCP(aCfg.Peer)
	if err != nil {
		return err
	}
	defer conn.Close()

	authority := &exchange.Authority{
		Identity: aCfg.PublicIdentity(),
		Route:    routing.NewRoute(conn.SenderAddress(), routing.Address(aCfg.ChannelAddress)),
	}
	clientCfg := n.ExchangeClientConfig([]*identity.PublicIdentity{authority.Identity})
	cred, err := exchange.GetCredential(clientCfg, authority, aCfg.Token, false, enrollTimeout)
	if err != nil {
		return fmt.Errorf("node: enrollment failed: %w", err)
	}
	n.log.Noticef("Enrolled with authority %v, credential expires %v",
		authority.Identity.Identifier, time.Unix(cred.Expiry, 0).UTC())
	return nil
}

func gateFor(n *Node, attribute, value string) *abac.Gate {
	if attribute == "" {
		return nil
	}
	return n.Gate(attribute, value)
}

// loadOrGenerateSeed reads the hex identity seed at path, minting and
// persisting a fresh one on first start.
func loadOrGenerateSeed(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil || len(seed) != vault.KeySize {
			return nil, fmt.Errorf("node: malformed identity seed %v", path)
		}
		return seed, nil
	case os.IsNotExist(err):
		seed := make([]byte, vault.KeySize)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0600); err != nil {
			return nil, err
		}
		return seed, nil
	default:
		return nil, err
	}
}
