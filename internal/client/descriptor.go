//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"time"
)

// ConnectionType names the transport used to reach a reader.
type ConnectionType string

// TCP is currently the only supported ConnectionType.
const TCP = ConnectionType("TCP")

const (
	DefaultPort              = 5084
	DefaultTimeout           = 5000 * time.Millisecond
	DefaultKeepalive         = 30000 * time.Millisecond
	DefaultInventoryAttempts = 3
)

// Descriptor says how to reach a reader and how long to wait on it.
// It's comparable; two Descriptors are equal if all their fields are.
type Descriptor struct {
	Type              ConnectionType
	Host              string
	Port              int
	ConnectTimeout    time.Duration // bounds each dial; zero means use Timeout
	Timeout           time.Duration // per-call response timeout
	Keepalive         time.Duration // expected interval between reader messages
	InventoryAttempts int
}

// NewDescriptor returns a TCP Descriptor for host:port with default timeouts.
func NewDescriptor(host string, port int) Descriptor {
	return Descriptor{
		Type:              TCP,
		Host:              host,
		Port:              port,
		ConnectTimeout:    DefaultTimeout,
		Timeout:           DefaultTimeout,
		Keepalive:         DefaultKeepalive,
		InventoryAttempts: DefaultInventoryAttempts,
	}
}

// Equal reports whether d and other describe the same connection.
func (d Descriptor) Equal(other Descriptor) bool {
	return d == other
}

func (d Descriptor) String() string {
	return fmt.Sprintf("Type: '%s'; Host: '%s'; Port: '%d'", d.Type, d.Host, d.Port)
}

// withDefaults replaces non-positive durations and attempts
// with the values NewDescriptor uses, so that every wait is bounded.
func (d Descriptor) withDefaults() Descriptor {
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.Keepalive <= 0 {
		d.Keepalive = DefaultKeepalive
	}
	if d.ConnectTimeout < 0 {
		d.ConnectTimeout = 0
	}
	if d.InventoryAttempts < 1 {
		d.InventoryAttempts = DefaultInventoryAttempts
	}
	return d
}

func (d Descriptor) connectTimeout() time.Duration {
	if d.ConnectTimeout > 0 {
		return d.ConnectTimeout
	}
	return d.Timeout
}

// idleTimeout is how long the pump waits for a header:
// one keepalive period plus a 10% grace.
func (d Descriptor) idleTimeout() time.Duration {
	return d.Keepalive + d.Keepalive/10
}
