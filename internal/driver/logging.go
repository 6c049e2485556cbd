//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"

	"github.com/edgexfoundry/llrp-control-go/internal/client"
)

// edgexLLRPClientLogger implements the client.Logger interface
// by forwarding messages to EdgeX's LoggingClient with the reader name attached.
type edgexLLRPClientLogger struct {
	readerName string
	lc         logger.LoggingClient
}

var _ client.Logger = (*edgexLLRPClientLogger)(nil)

// NewEdgeXLogger returns a client.Logger which writes to lc,
// tagging each entry with readerName.
func NewEdgeXLogger(lc logger.LoggingClient, readerName string) client.Logger {
	return &edgexLLRPClientLogger{readerName: readerName, lc: lc}
}

func (l *edgexLLRPClientLogger) Debugf(format string, args ...interface{}) {
	l.lc.Debug(fmt.Sprintf(format, args...), "reader", l.readerName)
}

func (l *edgexLLRPClientLogger) Infof(format string, args ...interface{}) {
	l.lc.Info(fmt.Sprintf(format, args...), "reader", l.readerName)
}

func (l *edgexLLRPClientLogger) Warnf(format string, args ...interface{}) {
	l.lc.Warn(fmt.Sprintf(format, args...), "reader", l.readerName)
}

func (l *edgexLLRPClientLogger) Errorf(format string, args ...interface{}) {
	l.lc.Error(fmt.Sprintf(format, args...), "reader", l.readerName)
}
