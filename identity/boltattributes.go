// boltattributes.go - BoltDB backed attribute store.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const attributesBucket = "attributes"

// BoltAttributeStore is an AttributeStore with a simple boltdb backend,
// used when verified attributes must survive a node restart.  Entry writes
// are single bolt transactions, so readers observe whole entries only.
type BoltAttributeStore struct {
	db *bolt.DB
}

// NewBoltAttributeStore creates or opens the attribute database at path f.
func NewBoltAttributeStore(f string) (*BoltAttributeStore, error) {
	const fileMode = 0600

	db, err := bolt.Open(f, fileMode, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(attributesBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: failed to create attributes bucket: %v", err)
	}
	return &BoltAttributeStore{db: db}, nil
}

// Put stores attrs for id, replacing any prior entry.
func (s *BoltAttributeStore) Put(id Identifier, attrs Attributes) error {
	raw, err := ccbor.Marshal(attrs)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(attributesBucket))
		return bkt.Put(id[:], raw)
	})
}

// Get returns the attributes stored for id.
func (s *BoltAttributeStore) Get(id Identifier) (Attributes, bool) {
	var attrs Attributes
	found := false
	if err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(attributesBucket))
		raw := bkt.Get(id[:])
		if raw == nil {
			return nil
		}
		if err := cbor.Unmarshal(raw, &attrs); err != nil {
			return err
		}
		found = true
		return nil
	}); err != nil {
		return nil, false
	}
	if !found {
		return nil, false
	}
	return attrs, true
}

// Close closes the underlying database.
func (s *BoltAttributeStore) Close() error {
	return s.db.Close()
}
