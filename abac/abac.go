// abac.go - Attribute based access control gate.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package abac provides the attribute based access control gate consulted
// by forwarding points before delivering traffic to a protected
// destination.
package abac

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/identity"
)

// Gate allows a message iff the identifier verified by the secure channel
// it arrived through has the configured attribute with exactly the
// configured value in the attribute store.  The check is read only and a
// denial is a normal outcome, not an error.
type Gate struct {
	store     identity.AttributeStore
	attribute string
	value     string
	log       *logging.Logger
}

// NewGate builds a gate requiring attribute == value.
func NewGate(backend *log.Backend, store identity.AttributeStore, attribute, value string) *Gate {
	return &Gate{
		store:     store,
		attribute: attribute,
		value:     value,
		log:       backend.GetLogger("abac"),
	}
}

// Authorize decides whether m may pass.  A message with no verified remote
// identifier, an unknown identifier, an absent attribute or a mismatched
// value is denied.
func (g *Gate) Authorize(m *routing.LocalMessage) bool {
	if m.RemoteIdentity == "" {
		g.log.Debugf("Deny: no verified remote identity")
		return false
	}
	id, err := identity.ParseIdentifier(m.RemoteIdentity)
	if err != nil {
		g.log.Debugf("Deny: bad remote identifier: %v", err)
		return false
	}
	attrs, ok := g.store.Get(id)
	if !ok {
		g.log.Debugf("Deny: no attributes for %v", id)
		return false
	}
	v, ok := attrs[g.attribute]
	if !ok {
		g.log.Debugf("Deny: %v lacks attribute %q", id, g.attribute)
		return false
	}
	if v != g.value {
		g.log.Debugf("Deny: %v has %q = %q, want %q", id, g.attribute, v, g.value)
		return false
	}
	return true
}
