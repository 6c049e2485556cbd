//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

import (
	"go.uber.org/atomic"
)

// IDGenerator hands out message IDs for outgoing requests.
// It is safe for concurrent use.
//
// IDs increase monotonically and wrap at 2^32;
// the wrap is a limit of the protocol's 32 bit ID field.
type IDGenerator struct {
	last atomic.Uint32
}

// NewIDGenerator returns a generator whose first ID is start+1.
func NewIDGenerator(start uint32) *IDGenerator {
	g := &IDGenerator{}
	g.last.Store(start)
	return g
}

// Next returns the next message ID.
func (g *IDGenerator) Next() MessageID {
	return MessageID(g.last.Inc())
}

// DefaultIDs is shared by every client that isn't given its own generator.
// It lives for the whole process and is never reset.
var DefaultIDs = NewIDGenerator(0)
