//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package llrp holds the framing side of the Low Level Reader Protocol (LLRP):
// message types, the 10 byte message header, and the codec used
// to move whole messages on and off the wire.
//
// Parameter payloads are treated as opaque bytes,
// with the exception of the LLRPStatus parameter,
// which is decoded so that callers can tell success from failure.
package llrp

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// MessageType is the 10 bit value identifying an LLRP message.
type MessageType uint16

// VersionNum is the 3 bit LLRP version carried in each header.
type VersionNum uint8

// MessageID correlates a request with its response.
type MessageID uint32

const (
	Version1_0_1 = VersionNum(1)
	Version1_1   = VersionNum(2)
)

const (
	GetReaderCapabilities         = MessageType(1)
	GetReaderConfig               = MessageType(2)
	SetReaderConfig               = MessageType(3)
	CloseConnectionResponse       = MessageType(4)
	GetReaderCapabilitiesResponse = MessageType(11)
	GetReaderConfigResponse       = MessageType(12)
	SetReaderConfigResponse       = MessageType(13)
	CloseConnection               = MessageType(14)
	AddROSpec                     = MessageType(20)
	DeleteROSpec                  = MessageType(21)
	StartROSpec                   = MessageType(22)
	StopROSpec                    = MessageType(23)
	EnableROSpec                  = MessageType(24)
	DisableROSpec                 = MessageType(25)
	GetROSpecs                    = MessageType(26)
	AddROSpecResponse             = MessageType(30)
	DeleteROSpecResponse          = MessageType(31)
	StartROSpecResponse           = MessageType(32)
	StopROSpecResponse            = MessageType(33)
	EnableROSpecResponse          = MessageType(34)
	DisableROSpecResponse         = MessageType(35)
	GetROSpecsResponse            = MessageType(36)
	AddAccessSpec                 = MessageType(40)
	DeleteAccessSpec              = MessageType(41)
	EnableAccessSpec              = MessageType(42)
	DisableAccessSpec             = MessageType(43)
	GetAccessSpecs                = MessageType(44)
	ClientRequestOp               = MessageType(45)
	GetSupportedVersion           = MessageType(46)
	SetProtocolVersion            = MessageType(47)
	AddAccessSpecResponse         = MessageType(50)
	DeleteAccessSpecResponse      = MessageType(51)
	EnableAccessSpecResponse      = MessageType(52)
	DisableAccessSpecResponse     = MessageType(53)
	GetAccessSpecsResponse        = MessageType(54)
	ClientRequestOpResponse       = MessageType(55)
	GetSupportedVersionResponse   = MessageType(56)
	SetProtocolVersionResponse    = MessageType(57)
	GetReport                     = MessageType(60)
	ROAccessReport                = MessageType(61)
	KeepAlive                     = MessageType(62)
	ReaderEventNotification       = MessageType(63)
	EnableEventsAndReports        = MessageType(64)
	KeepAliveAck                  = MessageType(72)
	ErrorMessage                  = MessageType(100)
	CustomMessage                 = MessageType(1023)

	minMsgType = GetReaderCapabilities
	maxMsgType = MessageType(1<<10 - 1) // highest legal message type

	HeaderSz     = 10                           // LLRP message headers are 10 bytes
	maxPayloadSz = uint32(1<<32 - 1 - HeaderSz) // max size for a payload
)

var msgTypeNames = map[MessageType]string{
	GetReaderCapabilities:         "GetReaderCapabilities",
	GetReaderConfig:               "GetReaderConfig",
	SetReaderConfig:               "SetReaderConfig",
	CloseConnectionResponse:       "CloseConnectionResponse",
	GetReaderCapabilitiesResponse: "GetReaderCapabilitiesResponse",
	GetReaderConfigResponse:       "GetReaderConfigResponse",
	SetReaderConfigResponse:       "SetReaderConfigResponse",
	CloseConnection:               "CloseConnection",
	AddROSpec:                     "AddROSpec",
	DeleteROSpec:                  "DeleteROSpec",
	StartROSpec:                   "StartROSpec",
	StopROSpec:                    "StopROSpec",
	EnableROSpec:                  "EnableROSpec",
	DisableROSpec:                 "DisableROSpec",
	GetROSpecs:                    "GetROSpecs",
	AddROSpecResponse:             "AddROSpecResponse",
	DeleteROSpecResponse:          "DeleteROSpecResponse",
	StartROSpecResponse:           "StartROSpecResponse",
	StopROSpecResponse:            "StopROSpecResponse",
	EnableROSpecResponse:          "EnableROSpecResponse",
	DisableROSpecResponse:         "DisableROSpecResponse",
	GetROSpecsResponse:            "GetROSpecsResponse",
	AddAccessSpec:                 "AddAccessSpec",
	DeleteAccessSpec:              "DeleteAccessSpec",
	EnableAccessSpec:              "EnableAccessSpec",
	DisableAccessSpec:             "DisableAccessSpec",
	GetAccessSpecs:                "GetAccessSpecs",
	ClientRequestOp:               "ClientRequestOp",
	GetSupportedVersion:           "GetSupportedVersion",
	SetProtocolVersion:            "SetProtocolVersion",
	AddAccessSpecResponse:         "AddAccessSpecResponse",
	DeleteAccessSpecResponse:      "DeleteAccessSpecResponse",
	EnableAccessSpecResponse:      "EnableAccessSpecResponse",
	DisableAccessSpecResponse:     "DisableAccessSpecResponse",
	GetAccessSpecsResponse:        "GetAccessSpecsResponse",
	ClientRequestOpResponse:       "ClientRequestOpResponse",
	GetSupportedVersionResponse:   "GetSupportedVersionResponse",
	SetProtocolVersionResponse:    "SetProtocolVersionResponse",
	GetReport:                     "GetReport",
	ROAccessReport:                "ROAccessReport",
	KeepAlive:                     "KeepAlive",
	ReaderEventNotification:       "ReaderEventNotification",
	EnableEventsAndReports:        "EnableEventsAndReports",
	KeepAliveAck:                  "KeepAliveAck",
	ErrorMessage:                  "ErrorMessage",
	CustomMessage:                 "CustomMessage",
}

func (mt MessageType) String() string {
	if name, ok := msgTypeNames[mt]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint16(mt))
}

func (v VersionNum) String() string {
	switch v {
	case Version1_0_1:
		return "1.0.1"
	case Version1_1:
		return "1.1"
	}
	return fmt.Sprintf("VersionNum(%d)", uint8(v))
}

// responseType maps request types to their response type.
var responseType = map[MessageType]MessageType{
	GetReaderCapabilities: GetReaderCapabilitiesResponse,
	GetReaderConfig:       GetReaderConfigResponse,
	SetReaderConfig:       SetReaderConfigResponse,
	CloseConnection:       CloseConnectionResponse,
	AddROSpec:             AddROSpecResponse,
	DeleteROSpec:          DeleteROSpecResponse,
	StartROSpec:           StartROSpecResponse,
	StopROSpec:            StopROSpecResponse,
	EnableROSpec:          EnableROSpecResponse,
	DisableROSpec:         DisableROSpecResponse,
	GetROSpecs:            GetROSpecsResponse,
	AddAccessSpec:         AddAccessSpecResponse,
	DeleteAccessSpec:      DeleteAccessSpecResponse,
	EnableAccessSpec:      EnableAccessSpecResponse,
	DisableAccessSpec:     DisableAccessSpecResponse,
	GetAccessSpecs:        GetAccessSpecsResponse,
	ClientRequestOp:       ClientRequestOpResponse,
	GetSupportedVersion:   GetSupportedVersionResponse,
	SetProtocolVersion:    SetProtocolVersionResponse,
}

// IsValid returns true if the MessageType is within the permitted space.
func (mt MessageType) IsValid() bool {
	return mt >= minMsgType && mt <= maxMsgType
}

// ResponseType returns the MessageType of a response to a request of this type,
// or the zero value and false if there is not a known response type.
func (mt MessageType) ResponseType() (MessageType, bool) {
	t, ok := responseType[mt]
	return t, ok
}

// Header holds the fields of an LLRP message header.
//
// Length is the total message length as it appears on the wire,
// so it includes the header's 10 bytes.
type Header struct {
	Length  uint32
	ID      MessageID
	Type    MessageType
	Version VersionNum
}

func (h Header) String() string {
	return fmt.Sprintf("{id: %d, type: %v, length: %d bytes, version: %v}",
		h.ID, h.Type, h.Length, h.Version)
}

// BodyLen returns the number of bytes following the header.
func (h Header) BodyLen() uint32 {
	if h.Length <= HeaderSz {
		return 0
	}
	return h.Length - HeaderSz
}

// UnmarshalBinary fills the header from the first HeaderSz bytes of buf.
//
// It returns an error if buf is too short
// or the declared length is smaller than a header.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSz {
		return msgErr("not enough data for a message header: %d < %d", len(buf), HeaderSz)
	}

	_ = buf[9] // prevent extraneous bounds checks: golang.org/issue/14808
	*h = Header{
		ID:      MessageID(binary.BigEndian.Uint32(buf[6:10])),
		Length:  binary.BigEndian.Uint32(buf[2:6]),
		Type:    MessageType(binary.BigEndian.Uint16(buf[0:2]) & 0b0011_1111_1111),
		Version: VersionNum(buf[0] >> 2 & 0b111),
	}

	if h.Length < HeaderSz {
		return msgErr("message length is smaller than the minimum: %d < %d",
			h.Length, HeaderSz)
	}

	return nil
}

// MarshalBinary returns the 10 byte wire form of the header.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSz)
	if err := h.put(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (h Header) put(buf []byte) error {
	if err := validateHeader(h.Length, h.Type); err != nil {
		return err
	}
	if len(buf) < HeaderSz {
		return msgErr("buffer too small for header: %d < %d", len(buf), HeaderSz)
	}

	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Version&0b111)<<10|uint16(h.Type))
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	binary.BigEndian.PutUint32(buf[6:10], uint32(h.ID))
	return nil
}

// validateHeader returns an error if the values aren't valid for an LLRP header.
func validateHeader(length uint32, typ MessageType) error {
	if typ > maxMsgType {
		return msgErr("type %d exceeds max message type", typ)
	}

	if length < HeaderSz {
		return msgErr("message length is smaller than the minimum: %d < %d", length, HeaderSz)
	}

	if length-HeaderSz > maxPayloadSz {
		return msgErr("payload length is larger than the max LLRP message size: %d > %d",
			length-HeaderSz, maxPayloadSz)
	}

	return nil
}

// Message is a complete LLRP message.
// Payload holds the bytes following the header; it may be empty.
type Message struct {
	Header
	Payload []byte
}

// NewMessage returns a message of the given type and payload
// with its Length set to match.
// The ID is left for the sender to assign.
func NewMessage(typ MessageType, payload []byte) Message {
	return Message{
		Header: Header{
			Type:    typ,
			Version: Version1_0_1,
			Length:  uint32(len(payload)) + HeaderSz,
		},
		Payload: payload,
	}
}

func (m Message) String() string {
	return fmt.Sprintf("message%v", m.Header)
}

// IsResponseTo returns nil if reqType's expected response type matches m's type.
func (m Message) IsResponseTo(reqType MessageType) error {
	expected, ok := reqType.ResponseType()
	if !ok {
		return errors.Errorf("unknown request type %v", reqType)
	}

	if m.Type != expected && m.Type != ErrorMessage {
		return errors.Errorf("response message type (%v) "+
			"does not match request's expected response type (%v -> %v)",
			m.Type, reqType, expected)
	}
	return nil
}

type messageError struct {
	msg string
}

func (e *messageError) Error() string {
	return e.msg
}

// IsMessageError reports whether err was caused by malformed message data.
func IsMessageError(err error) bool {
	var me *messageError
	return errors.As(err, &me)
}

func msgErr(why string, v ...interface{}) error {
	return errors.WithStack(&messageError{msg: fmt.Sprintf(why, v...)})
}
