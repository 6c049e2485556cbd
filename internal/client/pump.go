//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/edgexfoundry/llrp-control-go/internal/connection"
	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
)

// transport is the part of a connection the Client and its pump rely on.
// *connection.TCPConnection satisfies it.
type transport interface {
	Open(ctx context.Context) bool
	Read(n int, timeout time.Duration) ([]byte, error)
	Write(b []byte) error
	IsConnected() bool
	Close() error
	Dispose() error
	Timeout() time.Duration
	Keepalive() time.Duration
}

var _ transport = (*connection.TCPConnection)(nil)

// errUnexpected marks faults that aren't I/O related, like undecodable data.
// The pump gives up when it sees one.
type errUnexpected struct {
	err error
}

func (e errUnexpected) Error() string { return e.err.Error() }
func (e errUnexpected) Unwrap() error { return e.err }

// messagePump reads messages from the transport for as long as it's open
// and routes each one by kind.
type messagePump struct {
	conn      transport
	codec     llrp.Codec
	responses func(llrp.Message) bool // returns false if nobody was waiting
	events    func(llrp.Message)
	unhandled func(llrp.Message)
	noData    func()
	log       Logger
	metrics   *Metrics
}

// run reads until ctx is canceled or the stream can't recover.
//
// A closed stream is reported through noData once;
// if the very next read also finds it closed, run returns.
// Other I/O faults are reported and reading continues.
// Anything else is reported once and ends the loop with an error.
func (p *messagePump) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("message pump panic: %v", r)
			p.log.Errorf("Recovered from %v", err)
			p.noData()
		}
	}()

	consecutiveClosed := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		m, err := p.next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			var unexpected errUnexpected
			switch {
			case errors.As(err, &unexpected):
				p.log.Errorf("Stopping message pump: %+v", err)
				p.noData()
				return err
			case isStreamClosed(err):
				consecutiveClosed++
				if consecutiveClosed > 1 {
					p.log.Infof("Stream closed again; stopping message pump.")
					return nil
				}
				p.log.Warnf("Stream closed: %v", err)
			default:
				consecutiveClosed = 0
				p.log.Warnf("No data received: %v", err)
			}

			p.noData()
			continue
		}

		consecutiveClosed = 0
		p.route(m)
	}
}

// next reads and decodes a single message.
//
// The header read waits up to the keepalive period;
// the body read waits up to the response timeout.
func (p *messagePump) next() (llrp.Message, error) {
	hdrBuf, err := p.conn.Read(llrp.HeaderSz, p.conn.Keepalive())
	if err != nil {
		return llrp.Message{}, errors.WithMessage(err, "failed to read header")
	}

	hdr, err := p.codec.DeserializeHeader(hdrBuf)
	if err != nil {
		return llrp.Message{}, errUnexpected{errors.WithMessage(err, "failed to decode header")}
	}

	var body []byte
	if n := hdr.BodyLen(); n > 0 {
		body, err = p.conn.Read(int(n), p.conn.Timeout())
		if err != nil {
			return llrp.Message{}, errors.WithMessagef(err, "failed to read body of %v", hdr)
		}
	}

	m, err := p.codec.DeserializeMessage(hdr, body)
	if err != nil {
		return llrp.Message{}, errUnexpected{errors.WithMessage(err, "failed to decode message")}
	}

	return m, nil
}

// route delivers m according to its kind.
func (p *messagePump) route(m llrp.Message) {
	p.log.Debugf(">>> %v", m)

	switch kind := m.Type.Kind(); kind {
	case llrp.KindResponse:
		if !p.responses(m) {
			p.metrics.DroppedResponses.Inc(1)
			p.log.Debugf("Dropping %v: nothing awaits ID %d.", m.Type, m.ID)
		}
	case llrp.KindEvent:
		p.metrics.Events.Inc(1)
		p.events(m)
	case llrp.KindUnhandled:
		p.metrics.Unhandled.Inc(1)
		p.log.Debugf("Ignoring unhandled %v.", m.Type)
		if p.unhandled != nil {
			p.unhandled(m)
		}
	default:
		panic(errors.Errorf("unknown message kind %v", kind))
	}
}

func isStreamClosed(err error) bool {
	return errors.Is(err, connection.ErrStreamClosed) || errors.Is(err, net.ErrClosed)
}
