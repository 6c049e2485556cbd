//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// paramType is the 10 bit type of a TLV-encoded LLRP parameter.
type paramType uint16

const (
	ParamLLRPStatus     = paramType(287)
	ParamFieldError     = paramType(288)
	ParamParameterError = paramType(289)

	tlvHeaderSz = 4
)

// StatusCode is the result code a reader reports in an LLRPStatus parameter.
type StatusCode uint16

const (
	StatusSuccess = StatusCode(0)

	StatusMsgParamError        = StatusCode(100)
	StatusMsgFieldError        = StatusCode(101)
	StatusMsgParamUnexpected   = StatusCode(102)
	StatusMsgParamMissing      = StatusCode(103)
	StatusMsgParamDuplicate    = StatusCode(104)
	StatusMsgParamOverflow     = StatusCode(105)
	StatusMsgFieldOverflow     = StatusCode(106)
	StatusMsgParamUnknown      = StatusCode(107)
	StatusMsgFieldUnknown      = StatusCode(108)
	StatusMsgMsgUnsupported    = StatusCode(109)
	StatusMsgVerUnsupported    = StatusCode(110)
	StatusMsgParamUnsupported  = StatusCode(111)
	StatusMsgMsgUnexpected     = StatusCode(112)
	StatusParamParamError      = StatusCode(200)
	StatusParamFieldError      = StatusCode(201)
	StatusParamParamUnexpected = StatusCode(202)
	StatusParamParamMissing    = StatusCode(203)
	StatusParamParamDuplicate  = StatusCode(204)
	StatusParamParamOverflow   = StatusCode(205)
	StatusParamFieldOverflow   = StatusCode(206)
	StatusParamParamUnknown    = StatusCode(207)
	StatusParamFieldUnknown    = StatusCode(208)
	StatusParamParamUnsupport  = StatusCode(209)
	StatusFieldInvalid         = StatusCode(300)
	StatusFieldOutOfRange      = StatusCode(301)
	StatusDeviceError          = StatusCode(401)
)

var statusNames = map[StatusCode]string{
	StatusSuccess:              "M_Success",
	StatusMsgParamError:        "M_ParameterError",
	StatusMsgFieldError:        "M_FieldError",
	StatusMsgParamUnexpected:   "M_UnexpectedParameter",
	StatusMsgParamMissing:      "M_MissingParameter",
	StatusMsgParamDuplicate:    "M_DuplicateParameter",
	StatusMsgParamOverflow:     "M_OverflowParameter",
	StatusMsgFieldOverflow:     "M_OverflowField",
	StatusMsgParamUnknown:      "M_UnknownParameter",
	StatusMsgFieldUnknown:      "M_UnknownField",
	StatusMsgMsgUnsupported:    "M_UnsupportedMessage",
	StatusMsgVerUnsupported:    "M_UnsupportedVersion",
	StatusMsgParamUnsupported:  "M_UnsupportedParameter",
	StatusMsgMsgUnexpected:     "M_UnexpectedMessage",
	StatusParamParamError:      "P_ParameterError",
	StatusParamFieldError:      "P_FieldError",
	StatusParamParamUnexpected: "P_UnexpectedParameter",
	StatusParamParamMissing:    "P_MissingParameter",
	StatusParamParamDuplicate:  "P_DuplicateParameter",
	StatusParamParamOverflow:   "P_OverflowParameter",
	StatusParamFieldOverflow:   "P_OverflowField",
	StatusParamParamUnknown:    "P_UnknownParameter",
	StatusParamFieldUnknown:    "P_UnknownField",
	StatusParamParamUnsupport:  "P_UnsupportedParameter",
	StatusFieldInvalid:         "A_Invalid",
	StatusFieldOutOfRange:      "A_OutOfRange",
	StatusDeviceError:          "R_DeviceError",
}

func (sc StatusCode) String() string {
	if name, ok := statusNames[sc]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(%d)", uint16(sc))
}

// LLRPStatus is the status parameter most responses carry.
type LLRPStatus struct {
	Code           StatusCode
	ErrDescription string
	FieldError     *FieldError
	ParamError     *ParamError
}

type FieldError struct {
	FieldNum  uint16
	ErrorCode StatusCode
}

type ParamError struct {
	ParamType  uint16
	ErrorCode  StatusCode
	FieldError *FieldError
	ParamError *ParamError
}

// Success reports whether the status code is M_Success.
func (s LLRPStatus) Success() bool {
	return s.Code == StatusSuccess
}

// Err returns nil if the status indicates success,
// or an error describing the failure otherwise.
func (s LLRPStatus) Err() error {
	if s.Success() {
		return nil
	}

	b := strings.Builder{}
	fmt.Fprintf(&b, "LLRP status %v (%d)", s.Code, uint16(s.Code))
	if s.ErrDescription != "" {
		fmt.Fprintf(&b, ": %s", s.ErrDescription)
	}
	if s.FieldError != nil {
		fmt.Fprintf(&b, "; field %d: %v", s.FieldError.FieldNum, s.FieldError.ErrorCode)
	}
	for pe := s.ParamError; pe != nil; pe = pe.ParamError {
		fmt.Fprintf(&b, "; parameter %d: %v", pe.ParamType, pe.ErrorCode)
		if pe.FieldError != nil {
			fmt.Fprintf(&b, " (field %d: %v)", pe.FieldError.FieldNum, pe.FieldError.ErrorCode)
		}
	}
	return errors.New(b.String())
}

// statusOffset returns where the LLRPStatus parameter starts in a message body,
// or false if messages of that type don't carry one.
func statusOffset(mt MessageType) (int, bool) {
	switch mt {
	case GetSupportedVersionResponse:
		// CurrentVersion and SupportedVersion precede it.
		return 2, true
	case ClientRequestOpResponse:
		return 0, false
	}

	if mt.Kind() == KindResponse {
		return 0, true
	}
	return 0, false
}

// StatusOf decodes the LLRPStatus from a response or ErrorMessage.
// If the message type doesn't carry a status, it returns false.
func StatusOf(m Message) (LLRPStatus, bool, error) {
	offset, ok := statusOffset(m.Type)
	if !ok {
		return LLRPStatus{}, false, nil
	}

	if len(m.Payload) < offset {
		return LLRPStatus{}, true, msgErr("%v payload too short for status: %d bytes", m.Type, len(m.Payload))
	}

	s := LLRPStatus{}
	if err := s.UnmarshalBinary(m.Payload[offset:]); err != nil {
		return LLRPStatus{}, true, errors.WithMessagef(err, "failed to read LLRPStatus from %v", m.Type)
	}
	return s, true, nil
}

// tlv reads a TLV parameter header from b,
// returning the parameter type, its body, and the remaining bytes.
func tlv(b []byte) (paramType, []byte, []byte, error) {
	if len(b) < tlvHeaderSz {
		return 0, nil, nil, msgErr("not enough data for a parameter header: %d < %d", len(b), tlvHeaderSz)
	}

	typ := paramType(binary.BigEndian.Uint16(b[0:2]) & 0b0011_1111_1111)
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < tlvHeaderSz || length > len(b) {
		return 0, nil, nil, msgErr("parameter %d has invalid length %d (%d available)", typ, length, len(b))
	}

	return typ, b[tlvHeaderSz:length], b[length:], nil
}

func putTLV(typ paramType, body []byte) []byte {
	b := make([]byte, tlvHeaderSz+len(body))
	binary.BigEndian.PutUint16(b[0:2], uint16(typ))
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	copy(b[tlvHeaderSz:], body)
	return b
}

// UnmarshalBinary decodes an LLRPStatus parameter, including its TLV header,
// from the start of b. Bytes after the parameter are ignored.
func (s *LLRPStatus) UnmarshalBinary(b []byte) error {
	typ, body, _, err := tlv(b)
	if err != nil {
		return err
	}
	if typ != ParamLLRPStatus {
		return msgErr("expected %d (LLRPStatus), but found parameter %d", ParamLLRPStatus, typ)
	}

	if len(body) < 4 {
		return msgErr("LLRPStatus too short: %d bytes", len(body))
	}

	*s = LLRPStatus{Code: StatusCode(binary.BigEndian.Uint16(body[0:2]))}
	descLen := int(binary.BigEndian.Uint16(body[2:4]))
	body = body[4:]
	if descLen > len(body) {
		return msgErr("LLRPStatus description length %d exceeds remaining %d bytes", descLen, len(body))
	}
	s.ErrDescription = string(body[:descLen])
	body = body[descLen:]

	for len(body) > 0 {
		var sub []byte
		typ, sub, body, err = tlv(body)
		if err != nil {
			return err
		}

		switch typ {
		case ParamFieldError:
			fe := &FieldError{}
			if err := fe.decode(sub); err != nil {
				return err
			}
			s.FieldError = fe
		case ParamParameterError:
			pe := &ParamError{}
			if err := pe.decode(sub); err != nil {
				return err
			}
			s.ParamError = pe
		default:
			return errors.Errorf("expected either %d or %d, but found %d",
				ParamFieldError, ParamParameterError, typ)
		}
	}

	return nil
}

// MarshalBinary encodes the status as a complete TLV parameter.
func (s LLRPStatus) MarshalBinary() ([]byte, error) {
	if len(s.ErrDescription) > 0xFFFF {
		return nil, msgErr("error description too long: %d bytes", len(s.ErrDescription))
	}

	body := make([]byte, 4, 4+len(s.ErrDescription))
	binary.BigEndian.PutUint16(body[0:2], uint16(s.Code))
	binary.BigEndian.PutUint16(body[2:4], uint16(len(s.ErrDescription)))
	body = append(body, s.ErrDescription...)

	if s.FieldError != nil {
		body = append(body, s.FieldError.encode()...)
	}
	if s.ParamError != nil {
		body = append(body, s.ParamError.encode()...)
	}

	return putTLV(ParamLLRPStatus, body), nil
}

func (fe *FieldError) decode(b []byte) error {
	if len(b) < 4 {
		return msgErr("FieldError too short: %d bytes", len(b))
	}
	fe.FieldNum = binary.BigEndian.Uint16(b[0:2])
	fe.ErrorCode = StatusCode(binary.BigEndian.Uint16(b[2:4]))
	return nil
}

func (fe *FieldError) encode() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:2], fe.FieldNum)
	binary.BigEndian.PutUint16(body[2:4], uint16(fe.ErrorCode))
	return putTLV(ParamFieldError, body)
}

func (pe *ParamError) decode(b []byte) error {
	if len(b) < 4 {
		return msgErr("ParameterError too short: %d bytes", len(b))
	}
	pe.ParamType = binary.BigEndian.Uint16(b[0:2])
	pe.ErrorCode = StatusCode(binary.BigEndian.Uint16(b[2:4]))
	b = b[4:]

	for len(b) > 0 {
		typ, sub, rest, err := tlv(b)
		if err != nil {
			return err
		}
		b = rest

		switch typ {
		case ParamFieldError:
			pe.FieldError = &FieldError{}
			if err := pe.FieldError.decode(sub); err != nil {
				return err
			}
		case ParamParameterError:
			pe.ParamError = &ParamError{}
			if err := pe.ParamError.decode(sub); err != nil {
				return err
			}
		default:
			return errors.Errorf("expected either %d or %d, but found %d",
				ParamFieldError, ParamParameterError, typ)
		}
	}

	return nil
}

func (pe *ParamError) encode() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:2], pe.ParamType)
	binary.BigEndian.PutUint16(body[2:4], uint16(pe.ErrorCode))
	if pe.FieldError != nil {
		body = append(body, pe.FieldError.encode()...)
	}
	if pe.ParamError != nil {
		body = append(body, pe.ParamError.encode()...)
	}
	return putTLV(ParamParameterError, body)
}
