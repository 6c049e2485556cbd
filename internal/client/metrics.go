//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/rcrowley/go-metrics"
)

// Metrics counts what a Client has seen over its lifetime.
type Metrics struct {
	Registry metrics.Registry

	Requests         metrics.Counter // request/response calls sent
	Timeouts         metrics.Counter // calls which got no response in time
	ProtocolErrors   metrics.Counter // calls the reader rejected
	Events           metrics.Counter // reader-initiated messages received
	DroppedResponses metrics.Counter // responses nobody was waiting for
	Unhandled        metrics.Counter // messages of a kind the Client ignores
	NoData           metrics.Counter // "no data received" signals
	RoundTrip        metrics.Timer   // send to response
}

func newMetrics(r metrics.Registry) *Metrics {
	if r == nil {
		r = metrics.NewRegistry()
	}

	return &Metrics{
		Registry:         r,
		Requests:         metrics.GetOrRegisterCounter("requests", r),
		Timeouts:         metrics.GetOrRegisterCounter("timeouts", r),
		ProtocolErrors:   metrics.GetOrRegisterCounter("protocol-errors", r),
		Events:           metrics.GetOrRegisterCounter("events", r),
		DroppedResponses: metrics.GetOrRegisterCounter("dropped-responses", r),
		Unhandled:        metrics.GetOrRegisterCounter("unhandled-messages", r),
		NoData:           metrics.GetOrRegisterCounter("no-data", r),
		RoundTrip:        metrics.GetOrRegisterTimer("round-trip", r),
	}
}

// Snapshot returns the current counter values by name.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"requests":           m.Requests.Count(),
		"timeouts":           m.Timeouts.Count(),
		"protocol-errors":    m.ProtocolErrors.Count(),
		"events":             m.Events.Count(),
		"dropped-responses":  m.DroppedResponses.Count(),
		"unhandled-messages": m.Unhandled.Count(),
		"no-data":            m.NoData.Count(),
		"round-trips":        m.RoundTrip.Count(),
	}
}
