//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package connection owns the TCP socket to an LLRP reader.
//
// A TCPConnection dials with a bounded retry on refused connections,
// reads exact byte counts under a deadline, and writes whole buffers.
// It knows nothing about LLRP framing.
package connection

import (
	"context"
	"io"
	"io/ioutil"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/edgexfoundry/llrp-control-go/internal/retry"
)

const (
	// DefaultConnectAttempts bounds how many times a refused dial is tried.
	DefaultConnectAttempts = 3
	// DefaultConnectDelay is the pause between refused dials.
	DefaultConnectDelay = time.Second

	eofBackoffMin = 10 * time.Millisecond
	eofBackoffMax = 100 * time.Millisecond
)

var (
	// ErrStreamClosed is returned by Read when the socket has been closed,
	// either locally or because it was never opened.
	ErrStreamClosed = errors.New("stream closed")

	// ErrNotConnected is returned by Write when there is no open socket.
	ErrNotConnected = errors.New("not connected")
)

// Logger receives diagnostics from the connection.
// *logrus.Logger and *logrus.Entry satisfy it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DiscardLogger returns a Logger that drops everything.
func DiscardLogger() Logger {
	l := logrus.New()
	l.SetOutput(ioutil.Discard)
	return l
}

// Dialer opens a network connection.
// (*net.Dialer).DialContext satisfies it.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Config holds the values a TCPConnection is built from.
type Config struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration // bounds each dial attempt
	Timeout        time.Duration // write deadline; response read timeout for callers
	Keepalive      time.Duration // idle read timeout for callers
}

// Option modifies a TCPConnection during construction.
type Option func(c *TCPConnection)

// WithDialer replaces the function used to open the socket.
func WithDialer(d Dialer) Option {
	return func(c *TCPConnection) {
		c.dial = d
	}
}

// WithLogger sets the connection's logger.
func WithLogger(l Logger) Option {
	return func(c *TCPConnection) {
		c.log = l
	}
}

// WithConnectRetry sets how many refused dials are attempted
// and the back-off between them.
func WithConnectRetry(attempts int, ebo retry.ExpBackOff) Option {
	return func(c *TCPConnection) {
		c.attempts = attempts
		c.retry = ebo
	}
}

// TCPConnection is a single TCP socket with a bounded connect retry.
//
// Reads are expected from one goroutine at a time;
// writes, opens, and closes are safe for concurrent use.
type TCPConnection struct {
	cfg      Config
	dial     Dialer
	retry    retry.ExpBackOff
	attempts int
	log      Logger

	mu         sync.Mutex // guards conn, cancelDial, and state transitions
	conn       net.Conn
	cancelDial context.CancelFunc
	state      *fsm.FSM

	writeMu  sync.Mutex
	disposed atomic.Bool
}

// New returns a TCPConnection which has not yet been opened.
func New(cfg Config, opts ...Option) *TCPConnection {
	c := &TCPConnection{
		cfg:      cfg,
		dial:     (&net.Dialer{}).DialContext,
		retry:    retry.Fixed(DefaultConnectDelay),
		attempts: DefaultConnectAttempts,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		c.log = DiscardLogger()
	}

	c.state = newStateMachine(c.log)
	return c
}

// Address returns the host:port this connection dials.
func (c *TCPConnection) Address() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Timeout returns the configured response timeout.
func (c *TCPConnection) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Keepalive returns the configured idle read timeout.
func (c *TCPConnection) Keepalive() time.Duration {
	return c.cfg.Keepalive
}

// State returns the current connection state.
func (c *TCPConnection) State() string {
	return c.state.Current()
}

// IsConnected reports whether the socket is open.
func (c *TCPConnection) IsConnected() bool {
	return c.state.Is(StateConnected)
}

// Open dials the reader and reports whether the socket is usable afterward.
//
// If the reader actively refuses the connection,
// the dial is retried a bounded number of times with a fixed delay.
// Any other failure aborts immediately.
// Failures are logged, never returned.
//
// If the connection is already open, Open returns true without dialing.
// If another Open is in flight or the connection is disposed, it returns false.
func (c *TCPConnection) Open(ctx context.Context) bool {
	c.mu.Lock()
	if c.disposed.Load() {
		c.mu.Unlock()
		c.log.Warnf("Not opening %s: connection is disposed.", c.Address())
		return false
	}

	if c.state.Is(StateConnected) {
		c.mu.Unlock()
		return true
	}

	if err := c.state.Event(context.Background(), eventDial); err != nil {
		c.mu.Unlock()
		c.log.Warnf("Not opening %s: %v", c.Address(), err)
		return false
	}

	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.mu.Unlock()

	conn, err := c.dialWithRetry(dialCtx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelDial = nil

	// Closed while dialing.
	if !c.state.Is(StateConnecting) {
		if conn != nil {
			_ = conn.Close()
		}
		c.log.Infof("Connection to %s was closed while dialing.", c.Address())
		return false
	}

	if err != nil {
		c.log.Errorf("Failed to connect to %s: %v", c.Address(), err)
		if err := c.state.Event(context.Background(), eventFailed); err != nil {
			c.log.Errorf("Connection state: %v", err)
		}
		return false
	}

	c.conn = conn
	if err := c.state.Event(context.Background(), eventEstablished); err != nil {
		c.log.Errorf("Connection state: %v", err)
	}
	c.log.Infof("Connected to %s.", c.Address())
	return true
}

// dialWithRetry dials until it connects, the reader does something
// other than refuse the connection, or the attempts are used up.
func (c *TCPConnection) dialWithRetry(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	addr := c.Address()
	attempt := 0

	err := c.retry.RetryWithCtx(ctx, c.attempts, func(ctx context.Context) (bool, error) {
		attempt++
		dialCtx := ctx
		if c.cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
			defer cancel()
		}

		var err error
		conn, err = c.dial(dialCtx, "tcp", addr)
		if err == nil {
			return false, nil
		}

		if errors.Is(err, syscall.ECONNREFUSED) {
			c.log.Debugf("Connection to %s refused (attempt %d of %d).", addr, attempt, c.attempts)
			return true, err
		}

		return false, err
	})

	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Read returns exactly n bytes from the socket, waiting at most timeout.
// A timeout <= 0 waits indefinitely.
//
// Partial reads are accumulated.
// If the stream reports EOF before n bytes arrive,
// Read backs off briefly and tries again until the deadline passes.
//
// If the socket is closed, the error wraps ErrStreamClosed.
// If the deadline passes, the error is a net.Error with Timeout() true.
func (c *TCPConnection) Read(n int, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, errors.Wrap(ErrStreamClosed, "read")
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, closedOr(err, "failed to set read deadline")
	}

	buf := make([]byte, n)
	eofWait := &backoff.Backoff{Min: eofBackoffMin, Max: eofBackoffMax, Factor: 2}

	for read := 0; read < n; {
		m, err := conn.Read(buf[read:])
		read += m
		if err == nil {
			if m > 0 {
				eofWait.Reset()
			}
			continue
		}

		if !errors.Is(err, io.EOF) {
			return nil, closedOr(err, "read %d of %d bytes", read, n)
		}

		wait := eofWait.Duration()
		if deadline.IsZero() || time.Now().Add(wait).After(deadline) {
			return nil, errors.Wrapf(io.ErrUnexpectedEOF, "end of stream after %d of %d bytes", read, n)
		}
		time.Sleep(wait)
	}

	return buf, nil
}

// Write sends all of b, bounded by the configured timeout.
func (c *TCPConnection) Write(b []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.Wrap(ErrNotConnected, "write")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.Timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
			return closedOr(err, "failed to set write deadline")
		}
	}

	if _, err := conn.Write(b); err != nil {
		return closedOr(err, "write of %d bytes failed", len(b))
	}
	return nil
}

// Close releases the socket and aborts a dial in progress.
// It is safe to call more than once and on a connection never opened.
func (c *TCPConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *TCPConnection) closeLocked() error {
	if c.cancelDial != nil {
		c.cancelDial()
	}

	if !c.state.Can(eventClose) {
		return nil
	}

	var err error
	if fsmErr := c.state.Event(context.Background(), eventClose); fsmErr != nil {
		err = multierr.Append(err, fsmErr)
	}

	if c.conn != nil {
		if closeErr := c.conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = multierr.Append(err, errors.Wrap(closeErr, "failed to close socket"))
		}
		c.conn = nil
	}

	if fsmErr := c.state.Event(context.Background(), eventClosed); fsmErr != nil {
		err = multierr.Append(err, fsmErr)
	}

	return err
}

// Dispose closes the connection for good; it can't be opened again.
// It is safe to call more than once.
func (c *TCPConnection) Dispose() error {
	if !c.disposed.CAS(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.WithMessage(c.closeLocked(), "dispose")
}

// closedOr maps use of a closed socket to ErrStreamClosed
// and otherwise wraps err with the message.
func closedOr(err error, format string, args ...interface{}) error {
	if errors.Is(err, net.ErrClosed) {
		return errors.Wrapf(ErrStreamClosed, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
