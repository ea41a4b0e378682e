// identity.go - Cryptographic principals.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity provides the node's cryptographic principal, the signed
// attribute credentials exchanged between principals, and the attribute
// stores that credential verification writes into.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"sync"

	"github.com/quiltnet/quilt/vault"
)

// IdentifierSize is the size of an identity identifier.
const IdentifierSize = 32

// Identifier is the stable identifier of a principal: the blake2b-256
// digest of its public signing key.
type Identifier [IdentifierSize]byte

// String returns the identifier in hex display form.
func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

// IdentifierFromKey computes the identifier of a public signing key.
func IdentifierFromKey(pub ed25519.PublicKey) Identifier {
	return Identifier(vault.Hash(pub))
}

// ParseIdentifier decodes the hex display form of an identifier.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != IdentifierSize {
		return id, ErrBadIdentifier
	}
	copy(id[:], b)
	return id, nil
}

// PublicIdentity is the public half of a principal, what trust
// configuration carries around: an identifier and the signing key it is
// derived from.
type PublicIdentity struct {
	Identifier Identifier
	SignKey    ed25519.PublicKey
}

// Identity is a node's principal: a Vault-held keypair plus at most one
// currently valid credential.  An Identity is created once per node and is
// never mutated except for credential replacement.
type Identity struct {
	sync.RWMutex

	vault      vault.Vault
	identifier Identifier
	credential *Credential
}

// New creates an Identity backed by v.
func New(v vault.Vault) *Identity {
	return &Identity{
		vault:      v,
		identifier: IdentifierFromKey(v.SignerPublicKey()),
	}
}

// Identifier returns the principal's identifier.
func (i *Identity) Identifier() Identifier {
	return i.identifier
}

// Vault returns the principal's vault capability.
func (i *Identity) Vault() vault.Vault {
	return i.vault
}

// Public returns the shareable half of the identity.
func (i *Identity) Public() *PublicIdentity {
	return &PublicIdentity{
		Identifier: i.identifier,
		SignKey:    i.vault.SignerPublicKey(),
	}
}

// Credential returns the currently held credential, or nil.
func (i *Identity) Credential() *Credential {
	i.RLock()
	defer i.RUnlock()
	return i.credential
}

// SetCredential replaces the held credential.
func (i *Identity) SetCredential(c *Credential) {
	i.Lock()
	defer i.Unlock()
	i.credential = c
}
