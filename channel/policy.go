// policy.go - Handshake trust policies.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package channel implements secure channels: bidirectional, route
// addressed encrypted overlays bound to a mutually verified remote
// identifier, established over arbitrary routed messaging.
package channel

import "github.com/quiltnet/quilt/identity"

// TrustPolicy is the predicate applied to the verified identifier
// presented by the peer during a secure channel handshake.  A handshake
// whose peer the policy rejects fails with ErrAuthenticationRejected and
// produces no channel.
type TrustPolicy interface {
	// Authorize returns true iff a channel with the presented identifier
	// may be established.
	Authorize(id identity.Identifier) bool
}

// TrustEveryone accepts any verified identifier.
type TrustEveryone struct{}

// Authorize always returns true.
func (TrustEveryone) Authorize(identity.Identifier) bool { return true }

// TrustMultiIdentifiers accepts only identifiers from a fixed allow-list.
type TrustMultiIdentifiers struct {
	allowed map[identity.Identifier]struct{}
}

// NewTrustMultiIdentifiers builds the allow-list policy from ids.
func NewTrustMultiIdentifiers(ids ...identity.Identifier) *TrustMultiIdentifiers {
	p := &TrustMultiIdentifiers{allowed: make(map[identity.Identifier]struct{}, len(ids))}
	for _, id := range ids {
		p.allowed[id] = struct{}{}
	}
	return p
}

// Authorize returns true iff id is in the allow-list.
func (p *TrustMultiIdentifiers) Authorize(id identity.Identifier) bool {
	_, ok := p.allowed[id]
	return ok
}
