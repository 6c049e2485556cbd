//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package client implements the controlling side of an LLRP connection.
//
// A Client turns the single duplex stream to a reader into two models:
// - blocking request/response calls, each bounded by the session's timeout,
//   which return the response or a TimeoutError or ProtocolError;
// - callbacks for messages the reader sends on its own
//   (tag reports, keepalives, reader events, client request ops).
//
// A typical use of this package:
// - Create a Client with New, passing the callbacks in WithHandlers.
// - Call OpenConnection with a Descriptor.
// - Issue requests such as AddROSpec and EnableROSpec; handle reports as they arrive.
// - Call CloseConnection to tell the reader goodbye, then Disconnect.
// - Dispose the Client when finished with it.
//
// Calls are safe for concurrent use,
// and responses may arrive in any order relative to their requests.
package client

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/edgexfoundry/llrp-control-go/internal/connection"
	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
	"github.com/edgexfoundry/llrp-control-go/internal/retry"
)

// Logger is used by the Client to log status messages.
// *logrus.Logger and *logrus.Entry satisfy it.
type Logger = connection.Logger

// Handlers are the callbacks for reader-initiated messages.
// Nil callbacks are skipped.
//
// Message callbacks run one at a time on the Client's dispatch goroutine,
// in the order the messages arrived.
// NoDataReceived runs on its own goroutine each time,
// so a slow message callback can't delay it.
type Handlers struct {
	ROAccessReport          func(llrp.Message)
	ClientRequestOp         func(llrp.Message)
	Keepalive               func(llrp.Message)
	ReaderEventNotification func(llrp.Message)
	NoDataReceived          func()
}

// Client is the controlling side of an LLRP connection.
type Client struct {
	name        string
	handlers    Handlers
	unhandled   func(llrp.Message)
	codec       llrp.Codec
	ids         *llrp.IDGenerator
	version     llrp.VersionNum
	log         Logger
	metrics     *Metrics
	dialer      connection.Dialer
	connRetry   *retry.ExpBackOff
	connAttempt int

	table    *awaitTable
	events   *eventPipeline
	lifetime errgroup.Group // dispatcher and NoDataReceived callbacks
	inFlight sync.Map       // IDs of goroutines running a callback
	disposed atomic.Bool

	openMu sync.Mutex // serializes OpenConnection, Disconnect and Dispose

	mu         sync.Mutex // guards the fields below
	conn       transport
	desc       Descriptor
	timeout    time.Duration
	pumpCancel context.CancelFunc
	pump       *errgroup.Group
}

// New returns a Client configured by the given options.
// Its dispatch goroutine starts immediately and runs until Dispose.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		codec:   llrp.BinaryCodec{},
		ids:     llrp.DefaultIDs,
		version: llrp.Version1_0_1,
		table:   newAwaitTable(),
		events:  newEventPipeline(),
	}

	for _, opt := range opts {
		if err := opt.do(c); err != nil {
			return nil, err
		}
	}

	if c.log == nil {
		c.log = connection.DiscardLogger()
	}

	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}

	c.lifetime.Go(c.dispatch)
	return c, nil
}

// Option modifies a Client during construction.
type Option interface {
	do(*Client) error // don't allow arbitrary implementations for now
}

type clientOpt func(c *Client) error

func (co clientOpt) do(c *Client) error {
	return co(c)
}

// WithName sets the Client's name, used in log messages.
func WithName(name string) Option {
	return clientOpt(func(c *Client) error {
		c.name = name
		return nil
	})
}

// WithHandlers sets the callbacks for reader-initiated messages.
// They can't be changed once the Client is created.
func WithHandlers(h Handlers) Option {
	return clientOpt(func(c *Client) error {
		c.handlers = h
		return nil
	})
}

// WithUnhandledHandler sets a callback for messages
// which are neither responses nor events, such as CustomMessage.
// It's called on the message pump's goroutine, so it must not block.
func WithUnhandledHandler(f func(llrp.Message)) Option {
	return clientOpt(func(c *Client) error {
		c.unhandled = f
		return nil
	})
}

// WithLogger sets a logger for the Client and its connection.
func WithLogger(l Logger) Option {
	return clientOpt(func(c *Client) error {
		c.log = l
		return nil
	})
}

// WithCodec replaces the wire codec.
func WithCodec(codec llrp.Codec) Option {
	return clientOpt(func(c *Client) error {
		if codec == nil {
			return errors.New("codec must not be nil")
		}
		c.codec = codec
		return nil
	})
}

// WithIDGenerator sets the source of request message IDs.
// By default, Clients share llrp.DefaultIDs.
func WithIDGenerator(g *llrp.IDGenerator) Option {
	return clientOpt(func(c *Client) error {
		if g == nil {
			return errors.New("ID generator must not be nil")
		}
		c.ids = g
		return nil
	})
}

// WithVersion sets the LLRP version sent in message headers.
func WithVersion(v llrp.VersionNum) Option {
	return clientOpt(func(c *Client) error {
		if v != llrp.Version1_0_1 && v != llrp.Version1_1 {
			return errors.Errorf("unsupported version %v", v)
		}
		c.version = v
		return nil
	})
}

// WithMetricsRegistry records the Client's metrics in r.
func WithMetricsRegistry(r metrics.Registry) Option {
	return clientOpt(func(c *Client) error {
		c.metrics = newMetrics(r)
		return nil
	})
}

// WithDialer replaces the function used to open connections.
func WithDialer(d connection.Dialer) Option {
	return clientOpt(func(c *Client) error {
		c.dialer = d
		return nil
	})
}

// WithConnectRetry overrides how refused connections are retried.
func WithConnectRetry(attempts int, ebo retry.ExpBackOff) Option {
	return clientOpt(func(c *Client) error {
		if attempts < 1 {
			return errors.Errorf("connect attempts must be at least 1, but is %d", attempts)
		}
		c.connAttempt = attempts
		c.connRetry = &ebo
		return nil
	})
}

// Metrics returns the Client's counters.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Descriptor returns the Descriptor of the most recent OpenConnection call.
func (c *Client) Descriptor() Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// IsConnected reports whether the Client has an open connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && conn.IsConnected()
}

func (c *Client) String() string {
	if c.name != "" {
		return c.name
	}
	return fmt.Sprintf("LLRP client for %s:%d", c.Descriptor().Host, c.Descriptor().Port)
}

// OpenConnection connects to the reader d describes
// and starts reading messages from it.
//
// It returns false if the Client is already connected or disposed,
// if d isn't a TCP Descriptor, or if the connection can't be opened;
// failures are logged, not returned.
//
// The Descriptor's Timeout bounds every request/response call
// made on this connection. A zero Timeout or Keepalive takes its default.
func (c *Client) OpenConnection(ctx context.Context, d Descriptor) bool {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if c.disposed.Load() {
		c.log.Warnf("Not opening a connection: %v", ErrClientClosed)
		return false
	}

	if c.IsConnected() {
		return false
	}

	if d.Type != TCP {
		c.log.Errorf("Unsupported connection type %q.", d.Type)
		return false
	}
	d = d.withDefaults()

	conn := c.newTransport(d)
	if !conn.Open(ctx) {
		if err := conn.Dispose(); err != nil {
			c.log.Warnf("Failed to clean up connection: %v", err)
		}
		return false
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	p := &messagePump{
		conn:      conn,
		codec:     c.codec,
		responses: c.table.notify,
		events:    c.enqueueEvent,
		unhandled: c.unhandled,
		noData:    c.signalNoData,
		log:       c.log,
		metrics:   c.metrics,
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.desc = d
	c.timeout = d.Timeout
	c.pumpCancel = cancel
	c.pump = &errgroup.Group{}
	c.pump.Go(func() error { return p.run(pumpCtx) })
	c.mu.Unlock()

	if old != nil {
		if err := old.Dispose(); err != nil {
			c.log.Warnf("Failed to dispose previous connection: %v", err)
		}
	}

	c.log.Infof("Connected to %v.", d)
	return true
}

func (c *Client) newTransport(d Descriptor) transport {
	opts := []connection.Option{connection.WithLogger(c.log)}
	if c.dialer != nil {
		opts = append(opts, connection.WithDialer(c.dialer))
	}
	if c.connRetry != nil {
		opts = append(opts, connection.WithConnectRetry(c.connAttempt, *c.connRetry))
	}

	return connection.New(connection.Config{
		Host:           d.Host,
		Port:           d.Port,
		ConnectTimeout: d.connectTimeout(),
		Timeout:        d.Timeout,
		Keepalive:      d.idleTimeout(),
	}, opts...)
}

// Disconnect closes the transport and stops reading from it.
// Requests still awaiting a response fail with ErrClientClosed.
//
// It doesn't send CloseConnection; call that first for a graceful goodbye.
// It is safe to call when not connected.
func (c *Client) Disconnect() {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if err := c.disconnect(); err != nil {
		c.log.Warnf("Disconnect: %v", err)
	}
}

func (c *Client) disconnect() error {
	c.mu.Lock()
	conn, cancel, pump := c.conn, c.pumpCancel, c.pump
	c.pumpCancel, c.pump = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if conn != nil {
		err = multierr.Append(err, conn.Close())
	}

	if pump != nil {
		if pumpErr := pump.Wait(); pumpErr != nil {
			c.log.Warnf("Message pump stopped with error: %v", pumpErr)
		}
	}

	c.table.abortAll()
	return err
}

// Dispose disconnects, releases all waiters, and stops event dispatch.
// No callbacks run after Dispose returns.
// It is safe to call more than once.
//
// A callback may call Dispose. In that case Dispose can't wait for its own
// callback to return, so it returns once the connection is torn down;
// the dispatcher stops after the calling callback returns,
// and no further callbacks start.
func (c *Client) Dispose() error {
	if !c.disposed.CAS(false, true) {
		return nil
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()

	err := c.disconnect()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		err = multierr.Append(err, conn.Dispose())
	}

	c.table.close()
	c.events.dispose()

	if _, fromCallback := c.inFlight.Load(goroutineID()); fromCallback {
		c.log.Debugf("Disposed from a callback; not waiting for callbacks to return.")
	} else {
		err = multierr.Append(err, c.lifetime.Wait())
	}
	return errors.WithMessage(err, "dispose")
}

// session returns the open connection and its per-call timeout.
func (c *Client) session() (transport, time.Duration, error) {
	if c.disposed.Load() {
		return nil, 0, ErrClientClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return nil, 0, ErrNotConnected
	}
	return c.conn, c.timeout, nil
}

// write serializes m and sends it on conn.
func (c *Client) write(conn transport, m llrp.Message) error {
	n := c.codec.SerializeLength(m)

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	if cap(bb.B) < n {
		bb.B = make([]byte, n)
	}
	bb.B = bb.B[:n]

	if err := c.codec.Serialize(m, bb.B); err != nil {
		return errors.WithMessagef(err, "failed to serialize %v", m)
	}

	c.log.Debugf("<<< %v", m)
	return conn.Write(bb.B)
}

// Call sends a request of type typ and waits for its response.
// op names the operation in errors.
//
// It returns the response if it arrives within the session timeout.
// Otherwise, it returns a *TimeoutError naming op.
// If the reader answers with an ErrorMessage
// or a response with a failure status, it returns a *ProtocolError.
// A response of the wrong type fails with ErrUnexpectedResponse.
// The call is not retried.
func (c *Client) Call(ctx context.Context, op string, typ llrp.MessageType, payload []byte) (*llrp.Message, error) {
	conn, timeout, err := c.session()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s not sent", op)
	}

	m := llrp.NewMessage(typ, payload)
	m.ID = c.ids.Next()
	m.Version = c.version

	p, err := c.table.register(m.ID, timeout)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s not sent", op)
	}
	defer c.table.unregister(m.ID)

	c.metrics.Requests.Inc(1)
	start := time.Now()
	if err := c.write(conn, m); err != nil {
		return nil, errors.WithMessagef(err, "failed to send %s", op)
	}

	resp, inTime, err := c.table.await(ctx, p)
	c.metrics.RoundTrip.UpdateSince(start)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s interrupted", op)
	}

	if !inTime {
		c.metrics.Timeouts.Inc(1)
		return nil, &TimeoutError{Op: op}
	}

	if resp == nil {
		return nil, nil
	}

	status, hasStatus, err := llrp.StatusOf(*resp)
	if resp.Type == llrp.ErrorMessage {
		c.metrics.ProtocolErrors.Inc(1)
		return nil, &ProtocolError{Op: op, Type: resp.Type, Status: status, Cause: err}
	}

	if typeErr := resp.IsResponseTo(typ); typeErr != nil {
		c.metrics.ProtocolErrors.Inc(1)
		return nil, errors.Wrapf(ErrUnexpectedResponse, "%s answered with %v: %v", op, resp.Type, typeErr)
	}

	if err != nil {
		return nil, errors.WithMessagef(err, "invalid response to %s", op)
	}

	if hasStatus && !status.Success() {
		c.metrics.ProtocolErrors.Inc(1)
		return nil, &ProtocolError{Op: op, Type: resp.Type, Status: status}
	}

	return resp, nil
}

// Send writes a message that gets no response.
// If id is zero, the message gets a fresh ID.
// It returns the ID the message was sent with.
func (c *Client) Send(ctx context.Context, typ llrp.MessageType, id llrp.MessageID, payload []byte) (llrp.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	conn, _, err := c.session()
	if err != nil {
		return 0, errors.WithMessagef(err, "%v not sent", typ)
	}

	m := llrp.NewMessage(typ, payload)
	m.ID = id
	if m.ID == 0 {
		m.ID = c.ids.Next()
	}
	m.Version = c.version

	if err := c.write(conn, m); err != nil {
		return 0, errors.WithMessagef(err, "failed to send %v", typ)
	}
	return m.ID, nil
}

// enqueueEvent hands a reader-initiated message to the dispatcher.
func (c *Client) enqueueEvent(m llrp.Message) {
	if !c.events.enqueue(m) {
		c.log.Debugf("Dropping %v: client is disposed.", m.Type)
	}
}

// signalNoData runs the NoDataReceived callback on its own goroutine.
func (c *Client) signalNoData() {
	c.metrics.NoData.Inc(1)

	f := c.handlers.NoDataReceived
	if f == nil || c.disposed.Load() {
		return
	}

	c.lifetime.Go(func() error {
		if !c.disposed.Load() {
			c.guarded("NoDataReceived", f)
		}
		return nil
	})
}

// dispatch delivers queued events to their callbacks, one at a time,
// until the pipeline is disposed.
func (c *Client) dispatch() error {
	for {
		m, ok := c.events.dequeue()
		if !ok {
			return nil
		}

		var f func(llrp.Message)
		switch m.Type {
		case llrp.ROAccessReport:
			f = c.handlers.ROAccessReport
		case llrp.ClientRequestOp:
			f = c.handlers.ClientRequestOp
		case llrp.KeepAlive:
			f = c.handlers.Keepalive
		case llrp.ReaderEventNotification:
			f = c.handlers.ReaderEventNotification
		}

		if f == nil {
			c.log.Debugf("No handler for %v.", m.Type)
			continue
		}

		c.guarded(m.Type.String(), func() { f(m) })
	}
}

// guarded runs a callback, recovering from any panic.
// While it runs, its goroutine is marked so that Dispose can detect re-entry.
func (c *Client) guarded(name string, f func()) {
	id := goroutineID()
	c.inFlight.Store(id, struct{}{})

	defer func() {
		c.inFlight.Delete(id)
		if r := recover(); r != nil {
			c.log.Errorf("Recovered from panic in %s handler: %v", name, r)
		}
	}()

	f()
}

// goroutineID returns the runtime's ID for the calling goroutine,
// parsed from the first line of its stack trace: "goroutine 18 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}

	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
