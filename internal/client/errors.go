//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
)

var (
	// ErrClientClosed is returned if an operation is attempted on a disposed Client,
	// or if the connection is torn down while a request awaits its response.
	// It may be wrapped, so to check for it, use errors.Is.
	ErrClientClosed = errors.New("client closed")

	// ErrNotConnected is returned if an operation needs an open connection.
	ErrNotConnected = errors.New("not connected")

	// ErrDuplicateID is returned if a request ID is already awaiting a response.
	ErrDuplicateID = errors.New("message ID already awaiting a response")

	// ErrUnexpectedResponse is returned if the reader answers a request
	// with a response meant for a different request type.
	ErrUnexpectedResponse = errors.New("unexpected response type")
)

// TimeoutError is returned when the reader doesn't answer a request in time.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timeout during '%s' Occurred at LLRP Reader", e.Op)
}

// Timeout is always true.
func (e *TimeoutError) Timeout() bool {
	return true
}

// ProtocolError is returned when the reader answers a request
// with an ErrorMessage or a response whose status isn't success.
//
// An ErrorMessage is a ProtocolError even if its status can't be decoded;
// in that case, Status is the zero value and Cause holds the decode error.
type ProtocolError struct {
	Op     string
	Type   llrp.MessageType // type of the reader's response
	Status llrp.LLRPStatus
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("reader rejected '%s' with %v (unreadable status: %v)", e.Op, e.Type, e.Cause)
	}
	return fmt.Sprintf("reader rejected '%s' with %v: %v", e.Op, e.Type, e.Status.Err())
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}
