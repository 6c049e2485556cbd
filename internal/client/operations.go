//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"

	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
)

// Request/response operations.
//
// Each sends its payload as the body of the matching LLRP request
// and waits for the reader's response; see Call for the outcomes.
// Payloads are opaque encoded parameters and may be nil.

// CloseConnection asks the reader to close the connection.
// The caller should Disconnect after it returns.
func (c *Client) CloseConnection(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "CloseConnection", llrp.CloseConnection, payload)
}

// GetSupportedVersion asks which LLRP versions the reader supports.
// Readers that only speak 1.0.1 answer with an ErrorMessage.
func (c *Client) GetSupportedVersion(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "GetSupportedVersion", llrp.GetSupportedVersion, payload)
}

// SetProtocolVersion asks the reader to use a different LLRP version on this connection.
func (c *Client) SetProtocolVersion(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "SetProtocolVersion", llrp.SetProtocolVersion, payload)
}

// GetReaderCapabilities requests the reader's capabilities,
// filtered by the RequestedData field at the start of payload.
func (c *Client) GetReaderCapabilities(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "GetReaderCapabilities", llrp.GetReaderCapabilities, payload)
}

// GetReaderConfig requests the reader's current configuration.
func (c *Client) GetReaderConfig(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "GetReaderConfig", llrp.GetReaderConfig, payload)
}

// SetReaderConfig changes the reader's configuration.
func (c *Client) SetReaderConfig(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "SetReaderConfig", llrp.SetReaderConfig, payload)
}

// AddROSpec adds a Reader Operation spec to the reader; it starts Disabled.
func (c *Client) AddROSpec(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "AddROSpec", llrp.AddROSpec, payload)
}

// DeleteROSpec removes an ROSpec by ID; ID 0 removes all of them.
func (c *Client) DeleteROSpec(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "DeleteROSpec", llrp.DeleteROSpec, payload)
}

// StartROSpec starts an enabled ROSpec that has a Null start trigger.
func (c *Client) StartROSpec(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "StartROSpec", llrp.StartROSpec, payload)
}

// StopROSpec stops an active ROSpec, returning it to Inactive.
func (c *Client) StopROSpec(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "StopROSpec", llrp.StopROSpec, payload)
}

// EnableROSpec moves an ROSpec from Disabled to Inactive,
// so that its start trigger can activate it.
func (c *Client) EnableROSpec(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "EnableROSpec", llrp.EnableROSpec, payload)
}

// DisableROSpec moves an ROSpec back to Disabled, stopping it if needed.
func (c *Client) DisableROSpec(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "DisableROSpec", llrp.DisableROSpec, payload)
}

// GetROSpecs requests every ROSpec the reader holds.
func (c *Client) GetROSpecs(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "GetROSpecs", llrp.GetROSpecs, payload)
}

// AddAccessSpec adds an AccessSpec to the reader; it starts Disabled.
func (c *Client) AddAccessSpec(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "AddAccessSpec", llrp.AddAccessSpec, payload)
}

// DeleteAccessSpec removes an AccessSpec by ID; ID 0 removes all of them.
func (c *Client) DeleteAccessSpec(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "DeleteAccessSpec", llrp.DeleteAccessSpec, payload)
}

// EnableAccessSpec lets the reader apply an AccessSpec during inventory.
func (c *Client) EnableAccessSpec(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "EnableAccessSpec", llrp.EnableAccessSpec, payload)
}

// DisableAccessSpec stops the reader from applying an AccessSpec.
func (c *Client) DisableAccessSpec(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "DisableAccessSpec", llrp.DisableAccessSpec, payload)
}

// GetAccessSpecs requests every AccessSpec the reader holds.
func (c *Client) GetAccessSpecs(ctx context.Context, payload []byte) (*llrp.Message, error) {
	return c.Call(ctx, "GetAccessSpecs", llrp.GetAccessSpecs, payload)
}

// One-way operations. The reader doesn't answer these directly.

// GetReport asks the reader to send its buffered tag reports.
// They arrive as ROAccessReport events.
func (c *Client) GetReport(ctx context.Context) error {
	_, err := c.Send(ctx, llrp.GetReport, 0, nil)
	return err
}

// EnableEventsAndReports releases reports the reader held back
// while HoldEventsAndReportsUponReconnect was set.
func (c *Client) EnableEventsAndReports(ctx context.Context) error {
	_, err := c.Send(ctx, llrp.EnableEventsAndReports, 0, nil)
	return err
}

// ClientRequestOpResponse answers a ClientRequestOp event.
// id should be the ID of the event being answered.
func (c *Client) ClientRequestOpResponse(ctx context.Context, id llrp.MessageID, payload []byte) error {
	_, err := c.Send(ctx, llrp.ClientRequestOpResponse, id, payload)
	return err
}

// KeepaliveAck acknowledges the KeepAlive message with the given ID.
func (c *Client) KeepaliveAck(ctx context.Context, id llrp.MessageID) error {
	_, err := c.Send(ctx, llrp.KeepAliveAck, id, nil)
	return err
}
