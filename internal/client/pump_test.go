//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/edgexfoundry/llrp-control-go/internal/connection"
	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
)

// readResult is one scripted return from fakeTransport.Read.
type readResult struct {
	data []byte
	err  error
}

// fakeTransport replays a script of reads.
// Once the script runs out, every read reports a closed stream.
type fakeTransport struct {
	mu     sync.Mutex
	script []readResult
	reads  []int // requested sizes
}

func (ft *fakeTransport) Open(context.Context) bool { return true }
func (ft *fakeTransport) Write([]byte) error        { return nil }
func (ft *fakeTransport) IsConnected() bool         { return true }
func (ft *fakeTransport) Close() error              { return nil }
func (ft *fakeTransport) Dispose() error            { return nil }
func (ft *fakeTransport) Timeout() time.Duration    { return time.Second }
func (ft *fakeTransport) Keepalive() time.Duration  { return time.Second }

func (ft *fakeTransport) Read(n int, _ time.Duration) ([]byte, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.reads = append(ft.reads, n)
	if len(ft.script) == 0 {
		return nil, connection.ErrStreamClosed
	}

	r := ft.script[0]
	ft.script = ft.script[1:]
	if r.err == nil && len(r.data) != n {
		panic(errors.Errorf("script expected a %d byte read, but got %d", len(r.data), n))
	}
	return r.data, r.err
}

func (ft *fakeTransport) readSizes() []int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]int(nil), ft.reads...)
}

// frame returns the reads the pump will make to receive m.
func frame(t *testing.T, m llrp.Message) []readResult {
	t.Helper()

	m.Length = uint32(llrp.HeaderSz + len(m.Payload))
	hdr, err := m.Header.MarshalBinary()
	require.NoError(t, err)

	rr := []readResult{{data: hdr}}
	if len(m.Payload) > 0 {
		rr = append(rr, readResult{data: m.Payload})
	}
	return rr
}

func withID(m llrp.Message, id llrp.MessageID) llrp.Message {
	m.ID = id
	return m
}

var (
	errClosed  = connection.ErrStreamClosed
	errTimeout = &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}
)

// pumpRecorder collects what a pump routes.
type pumpRecorder struct {
	mu        sync.Mutex
	responses []llrp.Message
	events    []llrp.Message
	unhandled []llrp.Message
	noData    atomic.Int32

	accept bool // value returned from the response callback
}

func (pr *pumpRecorder) pump(conn transport) *messagePump {
	return &messagePump{
		conn:  conn,
		codec: llrp.BinaryCodec{},
		responses: func(m llrp.Message) bool {
			pr.mu.Lock()
			defer pr.mu.Unlock()
			pr.responses = append(pr.responses, m)
			return pr.accept
		},
		events: func(m llrp.Message) {
			pr.mu.Lock()
			defer pr.mu.Unlock()
			pr.events = append(pr.events, m)
		},
		unhandled: func(m llrp.Message) {
			pr.mu.Lock()
			defer pr.mu.Unlock()
			pr.unhandled = append(pr.unhandled, m)
		},
		noData:  func() { pr.noData.Inc() },
		log:     connection.DiscardLogger(),
		metrics: newMetrics(nil),
	}
}

func runPump(t *testing.T, script ...[]readResult) (*pumpRecorder, *fakeTransport, *messagePump, error) {
	t.Helper()

	ft := &fakeTransport{}
	for _, s := range script {
		ft.script = append(ft.script, s...)
	}

	pr := &pumpRecorder{accept: true}
	p := pr.pump(ft)
	err := p.run(context.Background())
	return pr, ft, p, err
}

func results(rr ...readResult) []readResult { return rr }

func TestPump_closedTwiceStops(t *testing.T) {
	pr, ft, _, err := runPump(t, results(readResult{err: errClosed}, readResult{err: errClosed}))
	assert.NoError(t, err)
	assert.Equal(t, int32(1), pr.noData.Load())
	assert.Equal(t, []int{llrp.HeaderSz, llrp.HeaderSz}, ft.readSizes())
}

func TestPump_closedCountResets(t *testing.T) {
	ka := withID(llrp.NewMessage(llrp.KeepAlive, nil), 1)

	pr, _, _, err := runPump(t,
		results(readResult{err: errClosed}),
		frame(t, ka),
		results(readResult{err: errClosed}),
		// script ends: one more closed read stops the pump
	)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), pr.noData.Load())
	assert.Len(t, pr.events, 1)
}

func TestPump_netErrClosed(t *testing.T) {
	wrapped := errors.Wrap(net.ErrClosed, "read")
	pr, _, _, err := runPump(t, results(readResult{err: wrapped}, readResult{err: wrapped}))
	assert.NoError(t, err)
	assert.Equal(t, int32(1), pr.noData.Load())
}

func TestPump_ioErrorsContinue(t *testing.T) {
	ka := withID(llrp.NewMessage(llrp.KeepAlive, nil), 1)

	pr, _, _, err := runPump(t,
		results(readResult{err: errTimeout}, readResult{err: errTimeout}),
		frame(t, ka),
	)
	assert.NoError(t, err)
	// two timeouts, then the first closed read at the end of the script
	assert.Equal(t, int32(3), pr.noData.Load())
	assert.Len(t, pr.events, 1)
}

func TestPump_timeoutResetsClosedCount(t *testing.T) {
	pr, _, _, err := runPump(t,
		results(readResult{err: errClosed}, readResult{err: errTimeout}, readResult{err: errClosed}),
	)
	assert.NoError(t, err)
	assert.Equal(t, int32(3), pr.noData.Load())
}

func TestPump_eventsInOrder(t *testing.T) {
	var script [][]readResult
	types := []llrp.MessageType{
		llrp.ROAccessReport, llrp.KeepAlive, llrp.ReaderEventNotification,
		llrp.ClientRequestOp, llrp.ROAccessReport,
	}
	for i, mt := range types {
		script = append(script, frame(t, withID(llrp.NewMessage(mt, []byte{byte(i)}), llrp.MessageID(i))))
	}

	pr, _, _, err := runPump(t, script...)
	require.NoError(t, err)
	require.Len(t, pr.events, len(types))
	for i, m := range pr.events {
		assert.Equal(t, types[i], m.Type)
		assert.Equal(t, llrp.MessageID(i), m.ID)
		assert.Equal(t, []byte{byte(i)}, m.Payload)
	}
	assert.Empty(t, pr.responses)
}

// An event whose ID matches a pending request
// still goes to the event pipeline, not the waiter.
func TestPump_eventIDCollision(t *testing.T) {
	table := newAwaitTable()
	p, err := table.register(5, 50*time.Millisecond)
	require.NoError(t, err)
	defer table.unregister(5)

	ft := &fakeTransport{script: frame(t, withID(llrp.NewMessage(llrp.ROAccessReport, nil), 5))}
	pr := &pumpRecorder{}
	pump := pr.pump(ft)
	pump.responses = table.notify
	require.NoError(t, pump.run(context.Background()))

	require.Len(t, pr.events, 1)
	resp, inTime, err := table.await(context.Background(), p)
	assert.NoError(t, err)
	assert.False(t, inTime)
	assert.Nil(t, resp)
}

func TestPump_responses(t *testing.T) {
	ok := withID(llrp.NewStatusResponse(llrp.AddROSpecResponse, llrp.LLRPStatus{}), 10)
	errMsg := withID(llrp.NewStatusResponse(llrp.ErrorMessage, llrp.LLRPStatus{Code: llrp.StatusMsgParamError}), 11)

	pr, _, p, err := runPump(t, frame(t, ok), frame(t, errMsg))
	require.NoError(t, err)
	require.Len(t, pr.responses, 2)
	assert.Equal(t, llrp.AddROSpecResponse, pr.responses[0].Type)
	assert.Equal(t, llrp.ErrorMessage, pr.responses[1].Type)
	assert.Empty(t, pr.events)
	assert.Equal(t, int64(0), p.metrics.DroppedResponses.Count())
}

func TestPump_droppedResponse(t *testing.T) {
	ft := &fakeTransport{script: frame(t, withID(llrp.NewStatusResponse(llrp.GetROSpecsResponse, llrp.LLRPStatus{}), 3))}
	pr := &pumpRecorder{accept: false}
	p := pr.pump(ft)
	require.NoError(t, p.run(context.Background()))
	assert.Equal(t, int64(1), p.metrics.DroppedResponses.Count())
}

func TestPump_unhandled(t *testing.T) {
	custom := withID(llrp.NewMessage(llrp.CustomMessage, []byte{1, 2, 3}), 4)
	// a request type arriving at the client is also unhandled
	req := withID(llrp.NewMessage(llrp.AddROSpec, nil), 5)

	pr, _, p, err := runPump(t, frame(t, custom), frame(t, req))
	require.NoError(t, err)
	require.Len(t, pr.unhandled, 2)
	assert.Equal(t, llrp.CustomMessage, pr.unhandled[0].Type)
	assert.Equal(t, llrp.AddROSpec, pr.unhandled[1].Type)
	assert.Empty(t, pr.events)
	assert.Empty(t, pr.responses)
	assert.Equal(t, int64(2), p.metrics.Unhandled.Count())
}

func TestPump_headerOnlyMessage(t *testing.T) {
	ka := withID(llrp.NewMessage(llrp.KeepAlive, nil), 9)

	pr, ft, _, err := runPump(t, frame(t, ka))
	require.NoError(t, err)
	require.Len(t, pr.events, 1)
	assert.Empty(t, pr.events[0].Payload)
	assert.Equal(t, uint32(llrp.HeaderSz), pr.events[0].Length)

	// header, then the two closed reads; never a body read
	assert.Equal(t, []int{llrp.HeaderSz, llrp.HeaderSz, llrp.HeaderSz}, ft.readSizes())
}

func TestPump_oneByteBody(t *testing.T) {
	ka := withID(llrp.NewMessage(llrp.KeepAlive, []byte{0xAB}), 9)

	pr, ft, _, err := runPump(t, frame(t, ka))
	require.NoError(t, err)
	require.Len(t, pr.events, 1)
	assert.Equal(t, []byte{0xAB}, pr.events[0].Payload)
	assert.Equal(t, uint32(11), pr.events[0].Length)
	assert.Equal(t, []int{llrp.HeaderSz, 1, llrp.HeaderSz, llrp.HeaderSz}, ft.readSizes())
}

func TestPump_undecodableHeaderStops(t *testing.T) {
	hdr := make([]byte, llrp.HeaderSz)
	binary.BigEndian.PutUint16(hdr[0:2], uint16(llrp.KeepAlive))
	binary.BigEndian.PutUint32(hdr[2:6], 5) // shorter than a header

	pr, ft, _, err := runPump(t, results(readResult{data: hdr}))
	require.Error(t, err)
	assert.True(t, llrp.IsMessageError(err), "%+v", err)
	assert.Equal(t, int32(1), pr.noData.Load())
	assert.Equal(t, []int{llrp.HeaderSz}, ft.readSizes())
}

func TestPump_invalidTypeStops(t *testing.T) {
	hdr := make([]byte, llrp.HeaderSz)
	// type 0 is reserved
	binary.BigEndian.PutUint32(hdr[2:6], llrp.HeaderSz)

	pr, _, _, err := runPump(t, results(readResult{data: hdr}))
	require.Error(t, err)
	assert.Equal(t, int32(1), pr.noData.Load())
}

func TestPump_panicRecovered(t *testing.T) {
	ft := &fakeTransport{script: frame(t, llrp.NewMessage(llrp.KeepAlive, nil))}
	pr := &pumpRecorder{}
	p := pr.pump(ft)
	p.events = func(llrp.Message) { panic("boom") }

	err := p.run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(1), pr.noData.Load())
}

func TestPump_canceledExitsSilently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ft := &fakeTransport{}
	pr := &pumpRecorder{}
	require.NoError(t, pr.pump(ft).run(ctx))
	assert.Equal(t, int32(0), pr.noData.Load())
	assert.Empty(t, ft.readSizes())
}
