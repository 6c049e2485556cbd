//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"net"
	"strconv"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"

	"github.com/edgexfoundry/llrp-control-go/internal/client"
)

// ErrConnectFailed is returned by Connect if the reader can't be reached.
var ErrConnectFailed = errors.New("failed to connect to LLRP Reader")

// Connect validates the Connector properties in props,
// then returns a Client connected to the reader they describe.
//
// The Client logs to lc, tagged with the reader's address.
// Options are applied after the logger, so they may replace it.
func Connect(ctx context.Context, props map[string]string, lc logger.LoggingClient, opts ...client.Option) (*client.Client, error) {
	d, err := ValidateConnectorProperties(props)
	if err != nil {
		return nil, err
	}

	name := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	allOpts := append([]client.Option{
		client.WithName(name),
		client.WithLogger(NewEdgeXLogger(lc, name)),
	}, opts...)

	c, err := client.New(allOpts...)
	if err != nil {
		return nil, err
	}

	if !c.OpenConnection(ctx, d) {
		if disposeErr := c.Dispose(); disposeErr != nil {
			lc.Warn("Failed to dispose client.", "reader", name, "error", disposeErr.Error())
		}
		return nil, errors.Wrapf(ErrConnectFailed, "%v", d)
	}

	return c, nil
}
