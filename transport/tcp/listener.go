// listener.go - TCP accept loop.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package tcp

import (
	"container/list"
	"net"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/core/worker"
)

// Listener accepts inbound TCP connections and binds a connection worker
// pair to each.
type Listener struct {
	worker.Worker

	cfg *Config
	l   net.Listener
	log *logging.Logger

	connLock sync.Mutex
	conns    *list.List

	// OnNewConn, when set, is invoked for every accepted connection after
	// its worker pair has started.
	onNewConn func(*Connection)
}

// NewListener binds to the given address and starts the accept loop.
// onNewConn may be nil.
func NewListener(cfg *Config, address string, onNewConn func(*Connection)) (*Listener, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	netListener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		cfg:       cfg,
		l:         netListener,
		log:       cfg.LogBackend.GetLogger("tcp/listener:" + address),
		conns:     list.New(),
		onNewConn: onNewConn,
	}
	l.Go(l.acceptWorker)
	return l, nil
}

// Addr returns the listener's bound network address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Shutdown stops accepting and tears down every live connection.
func (l *Listener) Shutdown() {
	l.l.Close()
	l.Halt()

	l.connLock.Lock()
	defer l.connLock.Unlock()
	for e := l.conns.Front(); e != nil; e = e.Next() {
		e.Value.(*Connection).Close()
	}
	l.conns.Init()
}

func (l *Listener) acceptWorker() {
	defer l.log.Debugf("Terminating accept worker.")

	for {
		conn, err := l.l.Accept()
		if err != nil {
			select {
			case <-l.HaltCh():
			default:
				l.log.Warningf("Accept failure: %v", err)
			}
			return
		}
		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		c, err := New(l.cfg, conn)
		if err != nil {
			l.log.Errorf("Failed to start worker pair: %v", err)
			conn.Close()
			continue
		}

		l.connLock.Lock()
		l.conns.PushBack(c)
		l.connLock.Unlock()

		if l.onNewConn != nil {
			l.onNewConn(c)
		}
	}
}
