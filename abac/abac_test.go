// abac_test.go - Attribute gate tests.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package abac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/identity"
	"github.com/quiltnet/quilt/vault"
)

func testMessage(remote string) *routing.LocalMessage {
	m := routing.NewLocalMessage(routing.NewMessage(routing.NewRoute("dest"), nil))
	m.RemoteIdentity = remote
	return m
}

func TestGateAuthorize(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	require := require.New(t)

	v, err := vault.NewSoftwareVault()
	require.NoError(err)
	id := identity.New(v).Identifier()

	store := identity.NewMemoryAttributeStore()
	gate := NewGate(log.NewDefault(), store, "component", "control")

	// Unknown identifier denies.
	assert.False(gate.Authorize(testMessage(id.String())))

	// Present and correct allows.
	require.NoError(store.Put(id, identity.Attributes{"component": "control"}))
	assert.True(gate.Authorize(testMessage(id.String())))

	// Present but wrong value denies, exact string match only.
	require.NoError(store.Put(id, identity.Attributes{"component": "Control"}))
	assert.False(gate.Authorize(testMessage(id.String())))

	// Attribute absent denies.
	require.NoError(store.Put(id, identity.Attributes{"other": "control"}))
	assert.False(gate.Authorize(testMessage(id.String())))
}

func TestGateDeniesUnverified(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	store := identity.NewMemoryAttributeStore()
	gate := NewGate(log.NewDefault(), store, "component", "control")

	// No secure channel metadata at all.
	assert.False(gate.Authorize(testMessage("")))

	// Garbage identifier.
	assert.False(gate.Authorize(testMessage("not-hex")))
}
