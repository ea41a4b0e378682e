// vault.go - Cryptographic capability interface and software implementation.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package vault isolates all cryptographic operations behind a capability
// interface.  Components never touch key material directly; they hold a
// non-owning Vault reference handed to them at construction.
package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of symmetric and agreement keys.
	KeySize = 32

	// NonceSize is the AEAD nonce size.
	NonceSize = chacha20poly1305.NonceSize

	// Overhead is the AEAD ciphertext expansion.
	Overhead = chacha20poly1305.Overhead
)

var (
	// ErrDecrypt is returned when an AEAD open fails.
	ErrDecrypt = errors.New("vault: decryption failed")

	hkdfInfo = []byte("quilt-channel-v1")
)

// EphemeralKey is a X25519 keypair used for a single key agreement.
type EphemeralKey struct {
	Public  [KeySize]byte
	private [KeySize]byte
}

// DuplexKeys are the directional symmetric keys derived for a secure
// channel.  Tx encrypts traffic from the initiator to the responder; the
// responder swaps them.
type DuplexKeys struct {
	Tx [KeySize]byte
	Rx [KeySize]byte
}

// Vault provides identity key material and cryptographic operations: sign,
// verify, key agreement and symmetric encrypt/decrypt.  Exact algorithms
// are an implementation detail of the Vault.
type Vault interface {
	// SignerPublicKey returns the long term public signing key.
	SignerPublicKey() ed25519.PublicKey

	// Sign signs data with the long term signing key.
	Sign(data []byte) []byte

	// Verify reports whether sig is a valid signature of data under pub.
	Verify(pub ed25519.PublicKey, data, sig []byte) bool

	// GenerateEphemeral creates a fresh agreement keypair.
	GenerateEphemeral() (*EphemeralKey, error)

	// Agree computes the shared secret between our ephemeral key and the
	// peer's ephemeral public key.
	Agree(key *EphemeralKey, peerPublic [KeySize]byte) ([]byte, error)

	// DeriveDuplex expands a shared secret bound to a handshake transcript
	// into directional channel keys.
	DeriveDuplex(secret, transcript []byte) (*DuplexKeys, error)

	// Seal encrypts plaintext with key, a nonce counter and additional data.
	Seal(key *[KeySize]byte, nonce uint64, plaintext, ad []byte) ([]byte, error)

	// Open decrypts ciphertext produced by Seal.
	Open(key *[KeySize]byte, nonce uint64, ciphertext, ad []byte) ([]byte, error)
}

// SoftwareVault is an in-memory Vault implementation built on x25519,
// ed25519, HKDF and ChaCha20-Poly1305.
type SoftwareVault struct {
	signer ed25519.PrivateKey
	public ed25519.PublicKey
}

// NewSoftwareVault creates a SoftwareVault with a freshly generated long
// term signing key.
func NewSoftwareVault() (*SoftwareVault, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SoftwareVault{signer: priv, public: pub}, nil
}

// NewSoftwareVaultFromSeed derives the long term signing key from a 32 byte
// seed, for deterministic test fixtures and key files.
func NewSoftwareVaultFromSeed(seed []byte) *SoftwareVault {
	priv := ed25519.NewKeyFromSeed(seed)
	return &SoftwareVault{
		signer: priv,
		public: priv.Public().(ed25519.PublicKey),
	}
}

// SignerPublicKey returns the long term public signing key.
func (v *SoftwareVault) SignerPublicKey() ed25519.PublicKey {
	return v.public
}

// Sign signs data with the long term signing key.
func (v *SoftwareVault) Sign(data []byte) []byte {
	return ed25519.Sign(v.signer, data)
}

// Verify reports whether sig is a valid signature of data under pub.
func (v *SoftwareVault) Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// GenerateEphemeral creates a fresh X25519 keypair.
func (v *SoftwareVault) GenerateEphemeral() (*EphemeralKey, error) {
	k := new(EphemeralKey)
	if _, err := io.ReadFull(rand.Reader, k.private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(k.Public[:], pub)
	return k, nil
}

// Agree computes the X25519 shared secret.
func (v *SoftwareVault) Agree(key *EphemeralKey, peerPublic [KeySize]byte) ([]byte, error) {
	return curve25519.X25519(key.private[:], peerPublic[:])
}

// DeriveDuplex expands secret into directional keys bound to transcript.
func (v *SoftwareVault) DeriveDuplex(secret, transcript []byte) (*DuplexKeys, error) {
	r := hkdf.New(newBlake2b, secret, transcript, hkdfInfo)
	keys := new(DuplexKeys)
	if _, err := io.ReadFull(r, keys.Tx[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, keys.Rx[:]); err != nil {
		return nil, err
	}
	return keys, nil
}

// Seal encrypts plaintext under key with a counter nonce.
func (v *SoftwareVault) Seal(key *[KeySize]byte, nonce uint64, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, counterNonce(nonce), plaintext, ad), nil
}

// Open decrypts ciphertext produced by Seal.
func (v *SoftwareVault) Open(key *[KeySize]byte, nonce uint64, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, counterNonce(nonce), ciphertext, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func newBlake2b() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

func counterNonce(n uint64) []byte {
	nonce := make([]byte, NonceSize)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-1-i] = byte(n >> (8 * i))
	}
	return nonce
}

// Hash returns the blake2b-256 digest of data, the digest used for
// identifiers and handshake transcripts throughout.
func Hash(data []byte) [32]byte {
	return blake2b.Sum256(data)
}
