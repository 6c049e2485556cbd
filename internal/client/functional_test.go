//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"flag"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
)

// ex: go test -reader="192.0.2.1:5084"
// if using Goland, put that in the 'program arguments' part of the test config
var readerAddr = flag.String("reader", "", "address of an LLRP reader; enables functional tests")

func TestClientFunctional(t *testing.T) {
	if *readerAddr == "" {
		t.Skip("no reader set for functional tests; use -test.reader=\"host:port\" to run")
	}

	for _, op := range []operation{
		{"GetSupportedVersion", llrp.GetSupportedVersion, (*Client).GetSupportedVersion},
		{"GetReaderConfig", llrp.GetReaderConfig, (*Client).GetReaderConfig},
		{"GetReaderCapabilities", llrp.GetReaderCapabilities, (*Client).GetReaderCapabilities},
		{"GetROSpecs", llrp.GetROSpecs, (*Client).GetROSpecs},
		{"GetAccessSpecs", llrp.GetAccessSpecs, (*Client).GetAccessSpecs},
	} {
		op := op
		t.Run(op.name, func(t *testing.T) {
			c := getFunctionalClient(t, *readerAddr)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			// GetReaderConfig and GetReaderCapabilities have one-byte
			// "requested data" fields preceding the optional params;
			// 0 requests everything. The other messages ignore the payload.
			var payload []byte
			switch op.typ {
			case llrp.GetReaderCapabilities:
				payload = []byte{0}
			case llrp.GetReaderConfig:
				payload = []byte{0, 0, 0, 0, 0, 0, 0}
			}

			resp, err := op.call(c, ctx, payload)

			// Some readers only speak 1.0.1.
			var pe *ProtocolError
			if op.typ == llrp.GetSupportedVersion && errors.As(err, &pe) {
				t.Skipf("reader doesn't support %s: %v", op.name, err)
			}

			require.NoError(t, err)
			require.NotNil(t, resp)

			rt, _ := op.typ.ResponseType()
			assert.Equal(t, rt, resp.Type)
		})
	}
}

// getFunctionalClient connects to an LLRP Reader at the given address.
//
// If it's unable to connect to the address, it fails the test immediately.
// It registers a Cleanup function to close the connection and checks for errors,
// and will run automatically when the test completes.
func getFunctionalClient(t *testing.T, addr string) *Client {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	c, err := New(WithLogger(log.WithField("reader", addr)))
	require.NoError(t, err)

	if !c.OpenConnection(context.Background(), NewDescriptor(host, port)) {
		_ = c.Dispose()
		t.Fatalf("unable to connect to %s", addr)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if _, err := c.CloseConnection(ctx, nil); err != nil {
			t.Errorf("%+v", err)
		}
		c.Disconnect()

		if err := c.Dispose(); err != nil {
			t.Errorf("%+v", err)
		}
	})

	return c
}
