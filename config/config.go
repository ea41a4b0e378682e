// config.go - Quilt node daemon configuration.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the quiltd configuration.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/quiltnet/quilt/identity"
)

const (
	defaultLogLevel       = "NOTICE"
	defaultChannelAddress = "channel"
)

// Node is the top level node configuration.
type Node struct {
	// DataDir is the absolute path to the node's state directory: the
	// identity seed and the attribute store live there.
	DataDir string
}

func (nCfg *Node) validate() error {
	if nCfg.DataDir == "" {
		return errors.New("config: Node: DataDir is not set")
	}
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Transport configures the TCP transport.
type Transport struct {
	// Listen are the "host:port" addresses transport listeners bind to.
	Listen []string

	// Peers are "host:port" addresses dialed at startup.
	Peers []string
}

func (tCfg *Transport) validate() error {
	for _, a := range tCfg.Listen {
		if a == "" {
			return errors.New("config: Transport: empty Listen address")
		}
	}
	for _, a := range tCfg.Peers {
		if a == "" {
			return errors.New("config: Transport: empty Peer address")
		}
	}
	return nil
}

// ChannelListener configures the secure channel listener.
type ChannelListener struct {
	// Address is the route address handshakes are accepted at.
	Address string

	// AllowedIdentifiers restricts accepted peers to the listed hex
	// identifiers.  Empty trusts everyone.
	AllowedIdentifiers []string
}

func (cCfg *ChannelListener) validate() error {
	if cCfg.Address == "" {
		cCfg.Address = defaultChannelAddress
	}
	for _, s := range cCfg.AllowedIdentifiers {
		if _, err := identity.ParseIdentifier(s); err != nil {
			return fmt.Errorf("config: ChannelListener: bad identifier '%v': %v", s, err)
		}
	}
	return nil
}

// Identifiers returns the parsed allow-list.
func (cCfg *ChannelListener) Identifiers() []identity.Identifier {
	ids := make([]identity.Identifier, 0, len(cCfg.AllowedIdentifiers))
	for _, s := range cCfg.AllowedIdentifiers {
		id, err := identity.ParseIdentifier(s)
		if err != nil {
			panic("config: identifier validated but failed to parse: " + err.Error())
		}
		ids = append(ids, id)
	}
	return ids
}

// Authority names the credential authority this node trusts, and how to
// reach it for enrollment.
type Authority struct {
	// PublicKey is the authority's ed25519 public signing key, hex.
	PublicKey string

	// Peer is the authority's transport "host:port", used for enrollment.
	Peer string

	// ChannelAddress is the authority's channel listener address.
	ChannelAddress string

	// Token is a one-time enrollment token, if this node still needs a
	// credential.
	Token string
}

func (aCfg *Authority) validate() error {
	if _, err := aCfg.publicKey(); err != nil {
		return err
	}
	if aCfg.ChannelAddress == "" {
		aCfg.ChannelAddress = defaultChannelAddress
	}
	if aCfg.Token != "" && aCfg.Peer == "" {
		return errors.New("config: Authority: Token set but no Peer to enroll with")
	}
	return nil
}

func (aCfg *Authority) publicKey() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(aCfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("config: Authority: PublicKey is not hex: %v", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("config: Authority: PublicKey has size %d, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// PublicIdentity returns the authority as a trust anchor.
func (aCfg *Authority) PublicIdentity() *identity.PublicIdentity {
	pub, err := aCfg.publicKey()
	if err != nil {
		panic("config: authority key validated but failed to parse: " + err.Error())
	}
	return &identity.PublicIdentity{
		Identifier: identity.IdentifierFromKey(pub),
		SignKey:    pub,
	}
}

// Issuer configures the authority side credential issuer.
type Issuer struct {
	// Enable starts the issuer worker.
	Enable bool

	// Tokens maps outstanding one-time tokens to the attributes they
	// entitle the bearer to.
	Tokens map[string]map[string]string
}

// ExchangeWorker configures the credential exchange worker.
type ExchangeWorker struct {
	// Enable starts the worker at the well known exchange address.
	Enable bool
}

// Inlet configures one portal inlet.
type Inlet struct {
	// Listen is the local "host:port" the inlet accepts connections on.
	Listen string

	// Peer is the outlet node's transport "host:port".
	Peer string

	// ChannelAddress is the outlet node's channel listener address.
	ChannelAddress string

	// OutletAddress is the outlet's route address on the peer.
	OutletAddress string

	// RequireAttribute / RequireValue gate traffic relayed toward the
	// inlet's connections.  Empty attribute disables the gate.
	RequireAttribute string
	RequireValue     string
}

func (iCfg *Inlet) validate() error {
	if iCfg.Listen == "" {
		return errors.New("config: Inlet: Listen is not set")
	}
	if iCfg.Peer == "" {
		return errors.New("config: Inlet: Peer is not set")
	}
	if iCfg.ChannelAddress == "" {
		iCfg.ChannelAddress = defaultChannelAddress
	}
	if iCfg.OutletAddress == "" {
		return errors.New("config: Inlet: OutletAddress is not set")
	}
	return nil
}

// Outlet configures one portal outlet.
type Outlet struct {
	// Address is the route address the outlet accepts opens at.
	Address string

	// Target is the local "host:port" relayed to.
	Target string

	// RequireAttribute / RequireValue gate opens and traffic relayed
	// toward the target.  Empty attribute disables the gate.
	RequireAttribute string
	RequireValue     string
}

func (oCfg *Outlet) validate() error {
	if oCfg.Address == "" {
		return errors.New("config: Outlet: Address is not set")
	}
	if oCfg.Target == "" {
		return errors.New("config: Outlet: Target is not set")
	}
	return nil
}

// Config is the top level quiltd configuration.
type Config struct {
	Node            *Node
	Logging         *Logging
	Transport       *Transport
	ChannelListener *ChannelListener
	Authority       *Authority
	Issuer          *Issuer
	ExchangeWorker  *ExchangeWorker
	Inlets          []*Inlet
	Outlets         []*Outlet
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Transport == nil {
		cfg.Transport = &Transport{}
	}

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Transport.validate(); err != nil {
		return err
	}
	if cfg.ChannelListener != nil {
		if err := cfg.ChannelListener.validate(); err != nil {
			return err
		}
	}
	if cfg.Authority != nil {
		if err := cfg.Authority.validate(); err != nil {
			return err
		}
	}

	addrs := make(map[string]bool)
	for _, o := range cfg.Outlets {
		if err := o.validate(); err != nil {
			return err
		}
		if addrs[o.Address] {
			return fmt.Errorf("config: Outlets: Address '%v' is present more than once", o.Address)
		}
		addrs[o.Address] = true
	}
	for _, i := range cfg.Inlets {
		if err := i.validate(); err != nil {
			return err
		}
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
