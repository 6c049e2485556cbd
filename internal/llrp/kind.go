//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

// Kind tells a receiver what to do with an incoming message.
type Kind int

const (
	// KindUnhandled messages are neither awaited nor dispatched as events.
	KindUnhandled Kind = iota
	// KindResponse messages answer a specific request and are matched by ID.
	KindResponse
	// KindEvent messages are sent by the reader on its own initiative.
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "unhandled"
	}
}

// Kind classifies the message type for delivery.
//
// Every *Response type and ErrorMessage are responses;
// ROAccessReport, ClientRequestOp, KeepAlive and ReaderEventNotification
// are events. Everything else is unhandled.
func (mt MessageType) Kind() Kind {
	switch mt {
	case GetSupportedVersionResponse,
		SetProtocolVersionResponse,
		GetReaderCapabilitiesResponse,
		AddROSpecResponse,
		DeleteROSpecResponse,
		StartROSpecResponse,
		StopROSpecResponse,
		EnableROSpecResponse,
		DisableROSpecResponse,
		GetROSpecsResponse,
		AddAccessSpecResponse,
		DeleteAccessSpecResponse,
		EnableAccessSpecResponse,
		DisableAccessSpecResponse,
		GetAccessSpecsResponse,
		GetReaderConfigResponse,
		SetReaderConfigResponse,
		CloseConnectionResponse,
		ClientRequestOpResponse,
		ErrorMessage:
		return KindResponse
	case ROAccessReport,
		ClientRequestOp,
		KeepAlive,
		ReaderEventNotification:
		return KindEvent
	default:
		return KindUnhandled
	}
}
