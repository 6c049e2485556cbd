//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/edgexfoundry/llrp-control-go/internal/client"
	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
	"github.com/edgexfoundry/llrp-control-go/internal/retry"
)

func TestMain(m *testing.M) {
	// go-metrics starts one process-wide goroutine to tick meters and timers.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/rcrowley/go-metrics.(*meterArbiter).tick"))
}

func startEmulator(t *testing.T) *llrp.TestEmulator {
	t.Helper()

	emu := llrp.NewTestEmulator()
	require.NoError(t, emu.StartAsync())
	t.Cleanup(func() { assert.NoError(t, emu.Shutdown()) })
	return emu
}

func TestConnect(t *testing.T) {
	emu := startEmulator(t)
	host, port := emu.Addr()
	lc := &recordingLC{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, map[string]string{
		PropHost:      host,
		PropPort:      strconv.Itoa(port),
		PropTimeout:   "1000",
		"Device.Name": "dock-door",
	}, lc)
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Dispose()) }()

	assert.True(t, c.IsConnected())
	assert.Equal(t, time.Second, c.Descriptor().Timeout)
	assert.Equal(t, net.JoinHostPort(host, strconv.Itoa(port)), c.String())

	resp, err := c.GetReaderCapabilities(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, llrp.GetReaderCapabilitiesResponse, resp.Type)

	// the client logs through EdgeX with the reader tagged
	require.NotEmpty(t, lc.logged())
	for _, e := range lc.logged() {
		assert.Equal(t, []interface{}{"reader", c.String()}, e.args)
	}
}

func TestConnect_invalidProperties(t *testing.T) {
	_, err := Connect(context.Background(), map[string]string{PropPort: "5084"}, &recordingLC{})
	assert.True(t, errors.Is(err, ErrInvalidProperty), "%+v", err)
}

func TestConnect_refused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	_, err = Connect(context.Background(), map[string]string{
		PropHost: "127.0.0.1",
		PropPort: strconv.Itoa(port),
	}, &recordingLC{}, client.WithConnectRetry(1, retry.Fixed(0)))
	assert.True(t, errors.Is(err, ErrConnectFailed), "%+v", err)
}
