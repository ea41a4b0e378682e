// call.go - Request/response helper over routed messaging.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package routing

import (
	"errors"
	"time"
)

// ErrTimeout is returned when a bounded operation exceeds its deadline.
// The pending operation is abandoned; no partial state is left visible.
var ErrTimeout = errors.New("routing: operation timed out")

// Call sends payload along route and waits for a single reply addressed to
// an ephemeral mailbox, bounded by timeout.  It is the building block for
// the request/response protocol actors layered on top of routed messaging.
func Call(r *Router, route Route, payload []byte, timeout time.Duration) (*LocalMessage, error) {
	replyAddr := RandomAddress("call")
	mb := NewMailbox()
	if err := r.Register(replyAddr, mb); err != nil {
		return nil, err
	}
	defer func() {
		r.Unregister(replyAddr)
		mb.Close()
	}()

	if err := r.Send(route, NewRoute(replyAddr), payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-mb.C():
		if !ok {
			return nil, ErrMailboxClosed
		}
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}
