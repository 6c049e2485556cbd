//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// TestEmulator acts like an LLRP reader. It accepts connections on a loopback port,
// and each client that dials it gets a TestDevice impersonating the reader side.
//
// By default, every request with a known response type
// is answered with a success response carrying the request's ID.
// Use SetHandler to replace that with canned, delayed, failing, or missing replies.
//
// NOTE: Unlike an actual LLRP reader, more than one client may connect at a time;
// each receives the same canned responses.
type TestEmulator struct {
	listener net.Listener
	done     atomic.Bool
	wg       sync.WaitGroup

	handlersMu sync.Mutex
	handlers   map[MessageType]EmulatorHandler
	greeting   *Message

	devicesMu sync.Mutex
	devices   map[*TestDevice]bool
	accepted  chan *TestDevice

	receivedMu sync.Mutex
	received   []Message
}

// EmulatorHandler produces the messages a TestDevice writes in reply to req.
// Replies with a zero ID are given the request's ID.
// Returning nil sends nothing.
type EmulatorHandler func(req Message) []Message

// NewTestEmulator returns an emulator which isn't yet listening.
func NewTestEmulator() *TestEmulator {
	return &TestEmulator{
		handlers: make(map[MessageType]EmulatorHandler),
		devices:  make(map[*TestDevice]bool),
		accepted: make(chan *TestDevice, 8),
	}
}

// StartAsync listens on an ephemeral loopback port until Shutdown is called.
func (emu *TestEmulator) StartAsync() error {
	var err error
	emu.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}

	emu.wg.Add(1)
	go emu.listenUntilCancelled()
	return nil
}

// Addr returns the host and port the emulator is listening on.
func (emu *TestEmulator) Addr() (string, int) {
	addr := emu.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Shutdown stops listening and closes every active device.
func (emu *TestEmulator) Shutdown() error {
	emu.done.Store(true)
	err := emu.listener.Close()

	emu.devicesMu.Lock()
	for dev := range emu.devices {
		_ = dev.Close()
	}
	emu.devicesMu.Unlock()

	emu.wg.Wait()
	return err
}

// SetHandler replaces the reply behavior for requests of the given type.
// It affects current and future devices.
func (emu *TestEmulator) SetHandler(mt MessageType, h EmulatorHandler) {
	emu.handlersMu.Lock()
	emu.handlers[mt] = h
	emu.handlersMu.Unlock()
}

// SetGreeting sets a message each new device sends as soon as it's accepted,
// the way a reader announces itself with a ReaderEventNotification.
func (emu *TestEmulator) SetGreeting(m Message) {
	emu.handlersMu.Lock()
	emu.greeting = &m
	emu.handlersMu.Unlock()
}

// NextDevice waits for the next client connection to be accepted.
func (emu *TestEmulator) NextDevice(ctx context.Context) (*TestDevice, error) {
	select {
	case td := <-emu.accepted:
		return td, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendEvent writes an unsolicited message to every connected client.
func (emu *TestEmulator) SendEvent(m Message) error {
	emu.devicesMu.Lock()
	defer emu.devicesMu.Unlock()

	for dev := range emu.devices {
		if err := dev.Write(m); err != nil {
			return err
		}
	}
	return nil
}

// Received returns a copy of every message the emulator has read so far.
func (emu *TestEmulator) Received() []Message {
	emu.receivedMu.Lock()
	defer emu.receivedMu.Unlock()
	return append([]Message(nil), emu.received...)
}

// WaitForMessage polls until a message of the given type has been received.
func (emu *TestEmulator) WaitForMessage(ctx context.Context, mt MessageType) (Message, error) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for {
		for _, m := range emu.Received() {
			if m.Type == mt {
				return m, nil
			}
		}

		select {
		case <-ctx.Done():
			return Message{}, errors.Wrapf(ctx.Err(), "no %v received", mt)
		case <-tick.C:
		}
	}
}

// listenUntilCancelled accepts connections until Shutdown is called.
func (emu *TestEmulator) listenUntilCancelled() {
	defer emu.wg.Done()

	for {
		conn, err := emu.listener.Accept()
		if emu.done.Load() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		} else if err != nil {
			panic("listener accept failed: " + err.Error())
		}

		td := &TestDevice{emu: emu, conn: conn}
		emu.devicesMu.Lock()
		emu.devices[td] = true
		emu.devicesMu.Unlock()

		select {
		case emu.accepted <- td:
		default:
		}

		emu.wg.Add(1)
		go td.impersonateReader()
	}
}

func (emu *TestEmulator) handlerFor(mt MessageType) EmulatorHandler {
	emu.handlersMu.Lock()
	defer emu.handlersMu.Unlock()

	if h, ok := emu.handlers[mt]; ok {
		return h
	}
	return ReplySuccess
}

func (emu *TestEmulator) record(m Message) {
	emu.receivedMu.Lock()
	emu.received = append(emu.received, m)
	emu.receivedMu.Unlock()
}

func (emu *TestEmulator) forget(td *TestDevice) {
	emu.devicesMu.Lock()
	delete(emu.devices, td)
	emu.devicesMu.Unlock()
}

// TestDevice is the reader side of one client connection.
type TestDevice struct {
	emu     *TestEmulator
	conn    net.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Write sends a single message to the client.
func (td *TestDevice) Write(m Message) error {
	codec := BinaryCodec{}
	buf := make([]byte, codec.SerializeLength(m))
	if err := codec.Serialize(m, buf); err != nil {
		return err
	}

	td.writeMu.Lock()
	defer td.writeMu.Unlock()
	_, err := td.conn.Write(buf)
	return errors.Wrapf(err, "failed to write %v", m)
}

// WriteRaw sends bytes to the client without framing them.
func (td *TestDevice) WriteRaw(b []byte) error {
	td.writeMu.Lock()
	defer td.writeMu.Unlock()
	_, err := td.conn.Write(b)
	return err
}

// Close drops the connection.
func (td *TestDevice) Close() error {
	if !td.closed.CAS(false, true) {
		return nil
	}
	return td.conn.Close()
}

// impersonateReader reads requests and answers each on its own goroutine,
// so a slow reply doesn't hold up the ones after it.
func (td *TestDevice) impersonateReader() {
	defer td.emu.wg.Done()
	defer td.emu.forget(td)
	defer td.Close()

	emu := td.emu
	emu.handlersMu.Lock()
	greeting := emu.greeting
	emu.handlersMu.Unlock()

	if greeting != nil {
		if err := td.Write(*greeting); err != nil {
			return
		}
	}

	codec := BinaryCodec{}
	hdr := make([]byte, HeaderSz)
	var replies sync.WaitGroup
	defer replies.Wait()

	for {
		if _, err := io.ReadFull(td.conn, hdr); err != nil {
			return
		}

		h, err := codec.DeserializeHeader(hdr)
		if err != nil {
			return
		}

		body := make([]byte, h.BodyLen())
		if _, err := io.ReadFull(td.conn, body); err != nil {
			return
		}

		req, err := codec.DeserializeMessage(h, body)
		if err != nil {
			return
		}
		td.emu.record(req)

		if req.Type == CloseConnection {
			_ = td.reply(req, ReplySuccess(req))
			return
		}

		handler := td.emu.handlerFor(req.Type)
		replies.Add(1)
		go func() {
			defer replies.Done()
			_ = td.reply(req, handler(req))
		}()
	}
}

func (td *TestDevice) reply(req Message, out []Message) error {
	for _, m := range out {
		if m.ID == 0 {
			m.ID = req.ID
		}
		if err := td.Write(m); err != nil {
			return err
		}
	}
	return nil
}

// NewStatusResponse builds a response of the given type carrying status.
func NewStatusResponse(typ MessageType, status LLRPStatus) Message {
	p, err := status.MarshalBinary()
	if err != nil {
		panic(err)
	}

	if typ == GetSupportedVersionResponse {
		p = append([]byte{byte(Version1_0_1), byte(Version1_1)}, p...)
	}

	return NewMessage(typ, p)
}

// ReplySuccess answers with the request's response type and a success status.
// Requests without a response type get no reply.
func ReplySuccess(req Message) []Message {
	rt, ok := req.Type.ResponseType()
	if !ok {
		return nil
	}
	return []Message{NewStatusResponse(rt, LLRPStatus{Code: StatusSuccess})}
}

// ReplyStatus answers with the request's response type and the given status.
func ReplyStatus(status LLRPStatus) EmulatorHandler {
	return func(req Message) []Message {
		rt, ok := req.Type.ResponseType()
		if !ok {
			return nil
		}
		return []Message{NewStatusResponse(rt, status)}
	}
}

// ReplyErrorMessage answers with an ErrorMessage carrying the given status.
func ReplyErrorMessage(status LLRPStatus) EmulatorHandler {
	return func(Message) []Message {
		return []Message{NewStatusResponse(ErrorMessage, status)}
	}
}

// ReplyAfter waits d before handing off to h.
func ReplyAfter(d time.Duration, h EmulatorHandler) EmulatorHandler {
	return func(req Message) []Message {
		time.Sleep(d)
		return h(req)
	}
}

// NoReply never answers.
func NoReply(Message) []Message {
	return nil
}
