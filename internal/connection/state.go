//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"

	"github.com/looplab/fsm"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateClosing      = "closing"
)

const (
	eventDial        = "dial"
	eventEstablished = "established"
	eventFailed      = "failed"
	eventClose       = "close"
	eventClosed      = "closed"
)

// newStateMachine returns the connection lifecycle:
//
//   disconnected -dial-> connecting -established-> connected
//   connecting -failed-> disconnected
//   connecting|connected -close-> closing -closed-> disconnected
func newStateMachine(log Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventDial, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventFailed, Src: []string{StateConnecting}, Dst: StateDisconnected},
			{Name: eventClose, Src: []string{StateConnecting, StateConnected}, Dst: StateClosing},
			{Name: eventClosed, Src: []string{StateClosing}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugf("Connection state %s -> %s (%s).", e.Src, e.Dst, e.Event)
			},
		},
	)
}
