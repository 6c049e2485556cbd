//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

// Codec converts between Messages and their wire form.
//
// A receiver reads HeaderSz bytes, calls DeserializeHeader,
// reads Header.BodyLen more bytes, then calls DeserializeMessage.
// A sender sizes a buffer with SerializeLength and fills it with Serialize.
type Codec interface {
	SerializeLength(m Message) int
	Serialize(m Message, dst []byte) error
	DeserializeHeader(b []byte) (Header, error)
	DeserializeMessage(h Header, body []byte) (Message, error)
}

// BinaryCodec is the standard LLRP binary framing.
// Payloads are copied as-is; their parameters are not validated.
type BinaryCodec struct{}

var _ Codec = BinaryCodec{}

// SerializeLength returns the number of bytes Serialize will write.
func (BinaryCodec) SerializeLength(m Message) int {
	return HeaderSz + len(m.Payload)
}

// Serialize writes the header and payload to dst.
// The header Length is taken from the payload, not from m.Length.
func (c BinaryCodec) Serialize(m Message, dst []byte) error {
	n := c.SerializeLength(m)
	if len(dst) < n {
		return msgErr("destination too small for %v: %d < %d", m.Type, len(dst), n)
	}

	h := m.Header
	h.Length = uint32(n)
	if err := h.put(dst); err != nil {
		return err
	}
	copy(dst[HeaderSz:], m.Payload)
	return nil
}

// DeserializeHeader decodes a header from the first HeaderSz bytes of b.
func (BinaryCodec) DeserializeHeader(b []byte) (Header, error) {
	h := Header{}
	err := h.UnmarshalBinary(b)
	return h, err
}

// DeserializeMessage pairs a header with its body.
// The body must be exactly h.BodyLen bytes; it is retained, not copied.
func (BinaryCodec) DeserializeMessage(h Header, body []byte) (Message, error) {
	if uint32(len(body)) != h.BodyLen() {
		return Message{}, msgErr("body length mismatch for %v: got %d, header says %d",
			h, len(body), h.BodyLen())
	}

	if !h.Type.IsValid() {
		return Message{}, msgErr("invalid message type %d", uint16(h.Type))
	}

	return Message{Header: h, Payload: body}, nil
}
