// route.go - Logical addresses and multi-hop routes.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package routing provides logical addresses, multi-hop routes, the
// transport message representation and the in-process router that delivers
// messages to the worker registered at an address.
package routing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrEmptyRoute is returned when a route operation requires at least
	// one hop and the route has none.
	ErrEmptyRoute = errors.New("routing: empty route")
)

// Address is a logical worker address.  Addresses are opaque strings; the
// router only ever compares them for equality.
type Address string

// RandomAddress returns a fresh unguessable address with the given prefix,
// used for ephemeral workers such as secure channel endpoints and reply
// mailboxes.
func RandomAddress(prefix string) Address {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("routing: failed to read entropy: " + err.Error())
	}
	return Address(prefix + "_" + hex.EncodeToString(b[:]))
}

// Route is an ordered sequence of hop addresses describing how to reach a
// destination.  The zero value is the empty route.
type Route struct {
	hops []Address
}

// NewRoute constructs a Route from the given hops in order.
func NewRoute(hops ...Address) Route {
	r := Route{hops: make([]Address, len(hops))}
	copy(r.hops, hops)
	return r
}

// Len returns the number of hops.
func (r Route) Len() int {
	return len(r.hops)
}

// IsEmpty returns true iff the route has no hops.
func (r Route) IsEmpty() bool {
	return len(r.hops) == 0
}

// Next returns the first hop of the route.
func (r Route) Next() (Address, error) {
	if len(r.hops) == 0 {
		return "", ErrEmptyRoute
	}
	return r.hops[0], nil
}

// Step removes and returns the first hop, yielding the shortened route.
func (r Route) Step() (Address, Route, error) {
	if len(r.hops) == 0 {
		return "", Route{}, ErrEmptyRoute
	}
	return r.hops[0], Route{hops: r.hops[1:]}, nil
}

// Prepend returns a route with addr inserted before the existing hops.
func (r Route) Prepend(addr Address) Route {
	hops := make([]Address, 0, len(r.hops)+1)
	hops = append(hops, addr)
	hops = append(hops, r.hops...)
	return Route{hops: hops}
}

// Append returns a route with addr added after the existing hops.
func (r Route) Append(addr Address) Route {
	hops := make([]Address, 0, len(r.hops)+1)
	hops = append(hops, r.hops...)
	hops = append(hops, addr)
	return Route{hops: hops}
}

// Concat returns a route consisting of r's hops followed by other's hops.
func (r Route) Concat(other Route) Route {
	hops := make([]Address, 0, len(r.hops)+len(other.hops))
	hops = append(hops, r.hops...)
	hops = append(hops, other.hops...)
	return Route{hops: hops}
}

// Clone returns a deep copy of the route.
func (r Route) Clone() Route {
	hops := make([]Address, len(r.hops))
	copy(hops, r.hops)
	return Route{hops: hops}
}

// Hops returns the hops of the route.  The returned slice must not be
// mutated.
func (r Route) Hops() []Address {
	return r.hops
}

// String returns the route in "a => b => c" display form.
func (r Route) String() string {
	if len(r.hops) == 0 {
		return "<empty>"
	}
	s := make([]string, len(r.hops))
	for i, h := range r.hops {
		s[i] = string(h)
	}
	return strings.Join(s, " => ")
}
