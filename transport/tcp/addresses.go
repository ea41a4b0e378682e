// addresses.go - Per-connection worker addresses.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package tcp implements the TCP connection worker pair: a sender and a
// receiver that together turn a raw duplex byte stream into a reliable,
// framed, addressable message channel with session binding and graceful
// teardown.
package tcp

import "github.com/quiltnet/quilt/core/routing"

// Addresses holds the logical addresses of one connection worker pair.
type Addresses struct {
	// Sender is the address outbound messages are routed to.
	Sender routing.Address

	// Receiver is the receive loop's diagnostic address.
	Receiver routing.Address
}

func newAddresses() Addresses {
	return Addresses{
		Sender:   routing.RandomAddress("tcp_send"),
		Receiver: routing.RandomAddress("tcp_recv"),
	}
}
