// attributes_test.go - Attribute store tests.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s AttributeStore) {
	id := newTestIdentity(t).Identifier()

	_, ok := s.Get(id)
	require.False(t, ok)

	require.NoError(t, s.Put(id, Attributes{"component": "edge"}))
	attrs, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, Attributes{"component": "edge"}, attrs)

	// A second put replaces the whole entry.
	require.NoError(t, s.Put(id, Attributes{"tier": "1"}))
	attrs, ok = s.Get(id)
	require.True(t, ok)
	require.Equal(t, Attributes{"tier": "1"}, attrs)
	_, hasOld := attrs["component"]
	require.False(t, hasOld)
}

func TestMemoryAttributeStore(t *testing.T) {
	t.Parallel()
	testStore(t, NewMemoryAttributeStore())
}

func TestMemoryAttributeStoreIsolation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewMemoryAttributeStore()
	id := newTestIdentity(t).Identifier()
	require.NoError(s.Put(id, Attributes{"k": "v"}))

	// Mutating a returned map must not affect the stored entry.
	attrs, _ := s.Get(id)
	attrs["k"] = "hacked"
	attrs2, _ := s.Get(id)
	require.Equal("v", attrs2["k"])
}

func TestBoltAttributeStore(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, err := NewBoltAttributeStore(filepath.Join(t.TempDir(), "attributes.db"))
	require.NoError(err)
	defer s.Close()

	testStore(t, s)
}
