//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"

	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
)

// eventPipeline is an unbounded FIFO of reader-initiated messages
// with a single consumer.
//
// The message pump enqueues without blocking,
// so a slow callback never holds up reads from the socket.
type eventPipeline struct {
	mu     sync.Mutex
	queue  []llrp.Message
	closed bool
	ready  chan struct{} // holds a token when the queue may be non-empty
	done   chan struct{} // closed by dispose
}

func newEventPipeline() *eventPipeline {
	return &eventPipeline{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// enqueue appends m; it reports false if the pipeline is disposed.
func (ep *eventPipeline) enqueue(m llrp.Message) bool {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return false
	}
	ep.queue = append(ep.queue, m)
	ep.mu.Unlock()

	select {
	case ep.ready <- struct{}{}:
	default:
	}
	return true
}

// dequeue blocks until a message is available or the pipeline is disposed.
// After dispose, it returns false, even if messages were still queued.
func (ep *eventPipeline) dequeue() (llrp.Message, bool) {
	for {
		ep.mu.Lock()
		if ep.closed {
			ep.mu.Unlock()
			return llrp.Message{}, false
		}

		if len(ep.queue) > 0 {
			m := ep.queue[0]
			ep.queue[0] = llrp.Message{}
			ep.queue = ep.queue[1:]
			ep.mu.Unlock()
			return m, true
		}
		ep.mu.Unlock()

		select {
		case <-ep.ready:
		case <-ep.done:
		}
	}
}

// len returns the number of queued messages.
func (ep *eventPipeline) len() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.queue)
}

// dispose discards queued messages and unblocks the consumer.
// It is safe to call more than once.
func (ep *eventPipeline) dispose() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return
	}
	ep.closed = true
	ep.queue = nil
	close(ep.done)
}
