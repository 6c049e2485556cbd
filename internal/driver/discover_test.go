//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgexfoundry/llrp-control-go/internal/client"
	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
)

func TestVirtualRegex_virtual(t *testing.T) {
	ifaces := []string{"docker0", "docker_gwbridge", "br-123456", "veth12", "virbr0-nic"}

	for _, iface := range ifaces {
		t.Run(iface, func(t *testing.T) {
			if !virtualRegex.MatchString(iface) {
				t.Errorf("expected interface %s to be detected as virtual, but was detected as real", iface)
			}
		})
	}
}

func TestVirtualRegex_notVirtual(t *testing.T) {
	ifaces := []string{"eth0", "eno1", "enp13s0"}

	for _, iface := range ifaces {
		t.Run(iface, func(t *testing.T) {
			if virtualRegex.MatchString(iface) {
				t.Errorf("expected interface %s to be detected as real, but was detected as virtual", iface)
			}
		})
	}
}

func collectIPs(t *testing.T, cidrs ...string) []string {
	t.Helper()

	var nets []*net.IPNet
	for _, c := range cidrs {
		_, inet, err := net.ParseCIDR(c)
		require.NoError(t, err)
		nets = append(nets, inet)
	}

	ipCh := make(chan uint32, 1024)
	go func() {
		defer close(ipCh)
		ipGenerator(context.Background(), nets, ipCh)
	}()

	var ips []string
	ip := net.IP([]byte{0, 0, 0, 0})
	for a := range ipCh {
		binary.BigEndian.PutUint32(ip, a)
		ips = append(ips, ip.String())
	}
	return ips
}

func TestIPGenerator(t *testing.T) {
	tests := []struct {
		cidr string
		ips  []string
	}{
		{"192.168.1.7/32", []string{"192.168.1.7"}},
		{"192.168.1.6/31", []string{"192.168.1.6", "192.168.1.7"}},
		{"192.168.1.5/30", []string{"192.168.1.5", "192.168.1.6"}},
		{"10.0.0.255/29", []string{
			"10.0.0.249", "10.0.0.250", "10.0.0.251",
			"10.0.0.252", "10.0.0.253", "10.0.0.254",
		}},
		{"255.255.255.255/32", []string{"255.255.255.255"}},
		{"0.0.0.0/1", nil},
	}

	for _, test := range tests {
		test := test
		t.Run(test.cidr, func(t *testing.T) {
			assert.Equal(t, test.ips, collectIPs(t, test.cidr))
		})
	}
}

func TestIPGenerator_canceled(t *testing.T) {
	_, inet, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ipCh := make(chan uint32) // unbuffered: nothing can be sent
	done := make(chan struct{})
	go func() {
		defer close(done)
		ipGenerator(ctx, []*net.IPNet{inet}, ipCh)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ipGenerator ignored cancellation")
	}
}

func TestDiscover(t *testing.T) {
	emu := startEmulator(t)
	greeting := llrp.NewMessage(llrp.ReaderEventNotification, nil)
	greeting.Version = llrp.Version1_1
	emu.SetGreeting(greeting)
	_, port := emu.Addr()

	found, err := Discover(context.Background(), map[string]string{
		"DiscoverySubnets":    "127.0.0.1/32",
		"ScanPort":            strconv.Itoa(port),
		"ProbeTimeoutSeconds": "1",
		"ProbeAsyncLimit":     "4",
	}, nil)
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, client.NewDescriptor("127.0.0.1", port), found[0].Descriptor)
	assert.Equal(t, llrp.Version1_1, found[0].Version)
}

func TestDiscover_notAReader(t *testing.T) {
	emu := startEmulator(t)
	emu.SetGreeting(llrp.NewMessage(llrp.KeepAlive, nil))
	_, port := emu.Addr()

	found, err := Discover(context.Background(), map[string]string{
		"DiscoverySubnets":    "127.0.0.1/32",
		"ScanPort":            strconv.Itoa(port),
		"ProbeTimeoutSeconds": "1",
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscover_badConfig(t *testing.T) {
	_, err := Discover(context.Background(), map[string]string{"DiscoverySubnets": "nope"}, nil)
	assert.Error(t, err)
}
