//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
)

// Pending request states.
// An entry leaves stateWaiting exactly once;
// whichever of delivery or expiry swaps it first decides the outcome.
const (
	stateWaiting uint32 = iota
	stateDelivered
	stateExpired
)

// pending is one request awaiting its response.
type pending struct {
	id      llrp.MessageID
	timeout time.Duration
	reply   chan *llrp.Message // buffered; receives at most one value
	aborted chan struct{}      // closed if the connection goes away
	state   atomic.Uint32
}

// awaitTable pairs incoming responses with the requests awaiting them.
type awaitTable struct {
	mu       sync.Mutex
	awaiting map[llrp.MessageID]*pending
	closed   bool
}

func newAwaitTable() *awaitTable {
	return &awaitTable{awaiting: make(map[llrp.MessageID]*pending)}
}

// register creates the entry for a request about to be sent.
// It must be followed by unregister once the caller stops waiting.
func (t *awaitTable) register(id llrp.MessageID, timeout time.Duration) (*pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.Wrap(ErrClientClosed, "request not registered")
	}

	if _, ok := t.awaiting[id]; ok {
		return nil, errors.Wrapf(ErrDuplicateID, "message ID %d", id)
	}

	p := &pending{
		id:      id,
		timeout: timeout,
		reply:   make(chan *llrp.Message, 1),
		aborted: make(chan struct{}),
	}
	t.awaiting[id] = p
	return p, nil
}

// unregister removes the entry for id, if present.
func (t *awaitTable) unregister(id llrp.MessageID) {
	t.mu.Lock()
	delete(t.awaiting, id)
	t.mu.Unlock()
}

// size returns the number of requests awaiting a response.
func (t *awaitTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.awaiting)
}

// await blocks until the response arrives, the entry's timeout passes,
// the context is canceled, or the connection is torn down.
//
// It returns the response and true if it arrived in time.
// On timeout it returns nil and false.
// A response delivered at the same instant the timeout fires
// is always reported as in time; one that loses the race is dropped.
func (t *awaitTable) await(ctx context.Context, p *pending) (*llrp.Message, bool, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	var err error
	select {
	case resp := <-p.reply:
		return resp, true, nil
	case <-timer.C:
	case <-ctx.Done():
		err = ctx.Err()
	case <-p.aborted:
		err = errors.Wrap(ErrClientClosed, "connection closed while awaiting response")
	}

	if !p.state.CAS(stateWaiting, stateExpired) {
		// notify won; its value is on the way.
		return <-p.reply, true, nil
	}

	return nil, false, err
}

// notify hands a response to the request awaiting it.
// It reports false if nothing is awaiting that ID,
// e.g. the response is late, duplicated, or unsolicited.
func (t *awaitTable) notify(m llrp.Message) bool {
	t.mu.Lock()
	p, ok := t.awaiting[m.ID]
	t.mu.Unlock()

	if !ok || !p.state.CAS(stateWaiting, stateDelivered) {
		return false
	}

	p.reply <- &m
	return true
}

// abortAll releases every current waiter with ErrClientClosed.
func (t *awaitTable) abortAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortLocked()
}

// close aborts every waiter and refuses future registrations.
func (t *awaitTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.abortLocked()
}

func (t *awaitTable) abortLocked() {
	for id, p := range t.awaiting {
		close(p.aborted)
		delete(t.awaiting, id)
	}
}
