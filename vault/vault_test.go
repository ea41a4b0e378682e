// vault_test.go - Software vault tests.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	v, err := NewSoftwareVault()
	require.NoError(err)

	data := []byte("handshake transcript")
	sig := v.Sign(data)
	assert.True(t, v.Verify(v.SignerPublicKey(), data, sig))
	assert.False(t, v.Verify(v.SignerPublicKey(), []byte("other"), sig))

	other, err := NewSoftwareVault()
	require.NoError(err)
	assert.False(t, v.Verify(other.SignerPublicKey(), data, sig))
}

func TestAgreement(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	v1, err := NewSoftwareVault()
	require.NoError(err)
	v2, err := NewSoftwareVault()
	require.NoError(err)

	e1, err := v1.GenerateEphemeral()
	require.NoError(err)
	e2, err := v2.GenerateEphemeral()
	require.NoError(err)

	s1, err := v1.Agree(e1, e2.Public)
	require.NoError(err)
	s2, err := v2.Agree(e2, e1.Public)
	require.NoError(err)
	require.Equal(s1, s2)

	transcript := []byte("m1 || m2 || m3")
	k1, err := v1.DeriveDuplex(s1, transcript)
	require.NoError(err)
	k2, err := v2.DeriveDuplex(s2, transcript)
	require.NoError(err)

	// The initiator's tx key is the responder's rx key once swapped.
	require.Equal(k1.Tx, k2.Tx)
	require.Equal(k1.Rx, k2.Rx)
	require.NotEqual(k1.Tx, k1.Rx)
}

func TestSealOpen(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	v, err := NewSoftwareVault()
	require.NoError(err)

	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	ct, err := v.Seal(&key, 7, []byte("secret"), []byte("ad"))
	require.NoError(err)

	pt, err := v.Open(&key, 7, ct, []byte("ad"))
	require.NoError(err)
	require.Equal([]byte("secret"), pt)

	// Wrong nonce counter fails.
	_, err = v.Open(&key, 8, ct, []byte("ad"))
	require.Equal(ErrDecrypt, err)

	// Wrong additional data fails.
	_, err = v.Open(&key, 7, ct, []byte("xx"))
	require.Equal(ErrDecrypt, err)
}

func TestDeterministicSeed(t *testing.T) {
	t.Parallel()
	seed := make([]byte, 32)
	v1 := NewSoftwareVaultFromSeed(seed)
	v2 := NewSoftwareVaultFromSeed(seed)
	assert.Equal(t, v1.SignerPublicKey(), v2.SignerPublicKey())
}
