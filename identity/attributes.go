// attributes.go - Verified attribute stores.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import "sync"

// AttributeStore is the durable mapping from identity identifier to the set
// of attributes verified for it.  Entries are only ever written as a side
// effect of a successfully verified credential, and a write replaces the
// whole entry atomically.
type AttributeStore interface {
	// Put stores attrs for id, replacing any prior entry.
	Put(id Identifier, attrs Attributes) error

	// Get returns the attributes stored for id, or false when the
	// identifier is unknown.
	Get(id Identifier) (Attributes, bool)
}

// MemoryAttributeStore is an in-process AttributeStore.  Reads may happen
// concurrently with writes and observe either the pre- or post-write entry,
// never a torn one.
type MemoryAttributeStore struct {
	sync.RWMutex

	entries map[Identifier]Attributes
}

// NewMemoryAttributeStore creates an empty MemoryAttributeStore.
func NewMemoryAttributeStore() *MemoryAttributeStore {
	return &MemoryAttributeStore{entries: make(map[Identifier]Attributes)}
}

// Put stores attrs for id, replacing any prior entry.
func (s *MemoryAttributeStore) Put(id Identifier, attrs Attributes) error {
	cp := make(Attributes, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}

	s.Lock()
	defer s.Unlock()
	s.entries[id] = cp
	return nil
}

// Get returns the attributes stored for id.
func (s *MemoryAttributeStore) Get(id Identifier) (Attributes, bool) {
	s.RLock()
	defer s.RUnlock()
	attrs, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	cp := make(Attributes, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp, true
}
