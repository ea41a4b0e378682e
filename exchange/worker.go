// worker.go - Credential exchange verification worker.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package exchange

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/core/log"
	"github.com/quiltnet/quilt/core/routing"
	"github.com/quiltnet/quilt/core/worker"
	"github.com/quiltnet/quilt/identity"
)

// WorkerConfig bundles what a credential exchange worker needs.
type WorkerConfig struct {
	// Router is the node's message router.
	Router *routing.Router

	// Identity is the node's principal.  Its own credential, if any, is
	// what mutual exchanges answer with.
	Identity *identity.Identity

	// LogBackend is the node's logging backend.
	LogBackend *log.Backend

	// TrustedIssuers is the set of authorities whose credentials are
	// accepted.
	TrustedIssuers []*identity.PublicIdentity

	// Store receives verified attributes.
	Store identity.AttributeStore

	// Address is the address the worker registers at.  Empty selects
	// DefaultWorkerAddress.
	Address routing.Address
}

func (cfg *WorkerConfig) validate() error {
	if cfg.Router == nil {
		return fmt.Errorf("exchange: Router is mandatory")
	}
	if cfg.Identity == nil {
		return fmt.Errorf("exchange: Identity is mandatory")
	}
	if cfg.LogBackend == nil {
		return fmt.Errorf("exchange: LogBackend is mandatory")
	}
	if cfg.Store == nil {
		return fmt.Errorf("exchange: Store is mandatory")
	}
	if cfg.Address == "" {
		cfg.Address = DefaultWorkerAddress
	}
	return nil
}

// Worker accepts presented credentials at a well known address, verifies
// them against the trusted issuer set, and commits the attested attributes
// to the attribute store.  A credential whose subject differs from the
// identifier verified by the delivering secure channel is rejected; so is
// anything that did not arrive over a secure channel at all.
type Worker struct {
	worker.Worker

	cfg     *WorkerConfig
	log     *logging.Logger
	mailbox *routing.Mailbox
}

// NewWorker registers a credential exchange worker and starts it.
func NewWorker(cfg *WorkerConfig) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:     cfg,
		log:     cfg.LogBackend.GetLogger(fmt.Sprintf("exchange:%s", cfg.Address)),
		mailbox: routing.NewMailbox(),
	}
	if err := cfg.Router.Register(cfg.Address, w.mailbox); err != nil {
		return nil, err
	}
	w.Go(w.serve)
	return w, nil
}

// Address returns the address the worker serves at.
func (w *Worker) Address() routing.Address {
	return w.cfg.Address
}

// Shutdown halts the worker and releases its address.
func (w *Worker) Shutdown() {
	w.cfg.Router.Unregister(w.cfg.Address)
	w.mailbox.Close()
	w.Halt()
}

func (w *Worker) serve() {
	for {
		select {
		case <-w.HaltCh():
			return
		case m, ok := <-w.mailbox.C():
			if !ok {
				return
			}
			w.onPresent(m)
		}
	}
}

// onPresent runs one exchange attempt through the verification states and
// commits attributes only from the committed state.
func (w *Worker) onPresent(m *routing.LocalMessage) {
	req := new(presentRequest)
	if err := decode(m.Payload, req); err != nil {
		w.log.Warningf("Dropping malformed present request: %v", err)
		return
	}

	st := stateVerifying
	subject, attrs, err := w.verify(m, req)
	if err != nil {
		st = stateRejected
		w.log.Warningf("Exchange %v: %v", st, err)
		if req.Mutual {
			w.reply(m, &presentReply{Ok: false, Reason: err.Error()})
		}
		return
	}

	if err := w.cfg.Store.Put(subject, attrs); err != nil {
		w.log.Errorf("Exchange %v: attribute store write failed: %v", stateRejected, err)
		if req.Mutual {
			w.reply(m, &presentReply{Ok: false, Reason: "attribute store write failed"})
		}
		return
	}
	st = stateCommitted
	w.log.Debugf("Exchange %v: stored attributes for %v", st, subject)

	if !req.Mutual {
		return
	}
	cred := w.cfg.Identity.Credential()
	if cred == nil {
		w.reply(m, &presentReply{Ok: false, Reason: "no credential to present back"})
		return
	}
	b, err := cred.Marshal()
	if err != nil {
		w.log.Errorf("Failed to marshal local credential: %v", err)
		return
	}
	w.reply(m, &presentReply{Ok: true, Credential: b})
}

// verify checks the presented credential end to end.  Nothing is written
// unless every step passes.
func (w *Worker) verify(m *routing.LocalMessage, req *presentRequest) (identity.Identifier, identity.Attributes, error) {
	var subject identity.Identifier
	if m.RemoteIdentity == "" {
		return subject, nil, ErrNotSecured
	}
	remote, err := identity.ParseIdentifier(m.RemoteIdentity)
	if err != nil {
		return subject, nil, err
	}

	cred, err := identity.UnmarshalCredential(req.Credential)
	if err != nil {
		return subject, nil, err
	}
	attrs, err := cred.Verify(w.cfg.Identity.Vault(), w.cfg.TrustedIssuers)
	if err != nil {
		return subject, nil, err
	}
	// The credential must attest the principal that is actually on the
	// other end of the channel.
	if cred.Subject != remote {
		return subject, nil, identity.ErrSubjectMismatch
	}
	return cred.Subject, attrs, nil
}

func (w *Worker) reply(m *routing.LocalMessage, r *presentReply) {
	if m.ReturnRoute.IsEmpty() {
		w.log.Warningf("Cannot reply: empty return route")
		return
	}
	if err := w.cfg.Router.Send(m.ReturnRoute.Clone(), routing.Route{}, encode(r)); err != nil {
		w.log.Warningf("Failed to send exchange reply: %v", err)
	}
}
