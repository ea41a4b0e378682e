// config_test.go - Configuration loading tests.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthorityKey(t *testing.T) string {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return hex.EncodeToString(pub)
}

func TestLoadFull(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	key := testAuthorityKey(t)
	b := []byte(fmt.Sprintf(`
[Node]
DataDir = "/var/lib/quilt"

[Logging]
Level = "debug"

[Transport]
Listen = ["127.0.0.1:4000"]
Peers = ["10.0.0.2:4000"]

[ChannelListener]

[Authority]
PublicKey = "%s"
Peer = "10.0.0.1:4000"
Token = "0102030405060708"

[ExchangeWorker]
Enable = true

[[Outlets]]
Address = "outlet"
Target = "127.0.0.1:22"
RequireAttribute = "component"
RequireValue = "control"

[[Inlets]]
Listen = "127.0.0.1:5000"
Peer = "10.0.0.2:4000"
OutletAddress = "outlet"
`, key))

	cfg, err := Load(b)
	require.NoError(err)

	assert.Equal("DEBUG", cfg.Logging.Level)
	assert.Equal(defaultChannelAddress, cfg.ChannelListener.Address)
	assert.Equal(defaultChannelAddress, cfg.Authority.ChannelAddress)
	assert.Equal(defaultChannelAddress, cfg.Inlets[0].ChannelAddress)

	auth := cfg.Authority.PublicIdentity()
	assert.Equal(key, hex.EncodeToString(auth.SignKey))
}

func TestLoadRejectsBadInput(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	// No Node block.
	_, err := Load([]byte(`[Logging]`))
	assert.Error(err)

	// Relative DataDir.
	_, err = Load([]byte(`
[Node]
DataDir = "quilt"
`))
	assert.Error(err)

	// Unknown keys fail loudly.
	_, err = Load([]byte(`
[Node]
DataDir = "/var/lib/quilt"
Bogus = true
`))
	assert.Error(err)

	// Bad log level.
	_, err = Load([]byte(`
[Node]
DataDir = "/var/lib/quilt"
[Logging]
Level = "verbose"
`))
	assert.Error(err)

	// Authority token without a peer.
	_, err = Load([]byte(fmt.Sprintf(`
[Node]
DataDir = "/var/lib/quilt"
[Authority]
PublicKey = "%s"
Token = "abc"
`, testAuthorityKey(t))))
	assert.Error(err)

	// Bad authority key.
	_, err = Load([]byte(`
[Node]
DataDir = "/var/lib/quilt"
[Authority]
PublicKey = "nothex"
`))
	assert.Error(err)

	// Duplicate outlet address.
	_, err = Load([]byte(`
[Node]
DataDir = "/var/lib/quilt"
[[Outlets]]
Address = "outlet"
Target = "127.0.0.1:1"
[[Outlets]]
Address = "outlet"
Target = "127.0.0.1:2"
`))
	assert.Error(err)

	// Inlet without an outlet address.
	_, err = Load([]byte(`
[Node]
DataDir = "/var/lib/quilt"
[[Inlets]]
Listen = "127.0.0.1:5000"
Peer = "10.0.0.2:4000"
`))
	assert.Error(err)
}

func TestChannelListenerIdentifiers(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	id := make([]byte, 32)
	_, err := rand.Read(id)
	require.NoError(err)

	cfg, err := Load([]byte(fmt.Sprintf(`
[Node]
DataDir = "/var/lib/quilt"
[ChannelListener]
AllowedIdentifiers = ["%s"]
`, hex.EncodeToString(id))))
	require.NoError(err)

	ids := cfg.ChannelListener.Identifiers()
	require.Len(ids, 1)
	require.Equal(hex.EncodeToString(id), ids[0].String())

	_, err = Load([]byte(`
[Node]
DataDir = "/var/lib/quilt"
[ChannelListener]
AllowedIdentifiers = ["zz"]
`))
	require.Error(err)
}
