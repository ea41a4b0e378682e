// registry.go - Process-wide connection worker registry.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package tcp

import (
	"sync"

	"github.com/quiltnet/quilt/core/routing"
)

// Registry tracks the live connection worker addresses of a node, for
// diagnostics and cleanup.  Workers add themselves on initialization and
// remove themselves on shutdown.
type Registry struct {
	sync.Mutex

	senders   map[routing.Address]struct{}
	receivers map[routing.Address]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		senders:   make(map[routing.Address]struct{}),
		receivers: make(map[routing.Address]struct{}),
	}
}

func (r *Registry) addSender(a routing.Address) {
	r.Lock()
	defer r.Unlock()
	r.senders[a] = struct{}{}
}

func (r *Registry) removeSender(a routing.Address) {
	r.Lock()
	defer r.Unlock()
	delete(r.senders, a)
}

func (r *Registry) addReceiver(a routing.Address) {
	r.Lock()
	defer r.Unlock()
	r.receivers[a] = struct{}{}
}

func (r *Registry) removeReceiver(a routing.Address) {
	r.Lock()
	defer r.Unlock()
	delete(r.receivers, a)
}

// Senders returns the addresses of the live sender workers.
func (r *Registry) Senders() []routing.Address {
	r.Lock()
	defer r.Unlock()
	out := make([]routing.Address, 0, len(r.senders))
	for a := range r.senders {
		out = append(out, a)
	}
	return out
}

// Receivers returns the addresses of the live receiver workers.
func (r *Registry) Receivers() []routing.Address {
	r.Lock()
	defer r.Unlock()
	out := make([]routing.Address, 0, len(r.receivers))
	for a := range r.receivers {
		out = append(out, a)
	}
	return out
}
