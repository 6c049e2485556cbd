//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/bits"
	"net"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/edgexfoundry/llrp-control-go/internal/client"
	"github.com/edgexfoundry/llrp-control-go/internal/connection"
	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
	"github.com/edgexfoundry/llrp-control-go/internal/retry"
)

const scanVirtualInterfaces = false

// virtualRegex is a regular expression to determine if an interface is likely to be a virtual interface
var virtualRegex = regexp.MustCompile("^(?:docker[0-9]+|br-.*|virbr[0-9]+.*|docker_gwbridge|veth.*)$")

// DiscoveredReader is an address that answered a probe like an LLRP reader.
type DiscoveredReader struct {
	client.Descriptor
	// Version is the LLRP version of the reader's first message.
	Version llrp.VersionNum
}

// Discover probes every address in the configured subnets
// and returns those which behave like LLRP readers.
//
// A reader is expected to send a ReaderEventNotification as soon as a client connects;
// addresses that accept the connection but send anything else are skipped.
//
// The config keys are DiscoverySubnets, ProbeAsyncLimit, ProbeTimeoutSeconds,
// ScanPort, and MaxDiscoverDurationSeconds. Unknown keys are logged and ignored.
// Discover returns what it found so far when ctx is canceled or the max duration passes.
func Discover(ctx context.Context, configMap map[string]string, log client.Logger) ([]DiscoveredReader, error) {
	if log == nil {
		log = connection.DiscardLogger()
	}

	cfg, err := newDiscoveryConfig(configMap, log)
	if err != nil && !errors.Is(err, ErrUnexpectedConfigItems) {
		return nil, err
	}

	nets, err := discoveryNets(cfg, log)
	if err != nil {
		return nil, err
	}

	if cfg.MaxDiscoverDurationSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.MaxDiscoverDurationSeconds)*time.Second)
		defer cancel()
	}

	probeTimeout := time.Duration(cfg.ProbeTimeoutSeconds) * time.Second
	ipCh := make(chan uint32, 5*cfg.ProbeAsyncLimit)

	var mu sync.Mutex
	var found []DiscoveredReader

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ipCh)
		ipGenerator(gctx, nets, ipCh)
		return nil
	})

	for i := 0; i < cfg.ProbeAsyncLimit; i++ {
		g.Go(func() error {
			ip := net.IP([]byte{0, 0, 0, 0})
			for a := range ipCh {
				binary.BigEndian.PutUint32(ip, a)
				host := ip.String()

				ver, err := probe(gctx, host, cfg.ScanPort, probeTimeout)
				if err != nil {
					continue
				}

				log.Infof("Reader discovered @ %s:%d (LLRP %v).", host, cfg.ScanPort, ver)
				mu.Lock()
				found = append(found, DiscoveredReader{
					Descriptor: client.NewDescriptor(host, cfg.ScanPort),
					Version:    ver,
				})
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()

	sort.Slice(found, func(i, j int) bool {
		return bytes.Compare(net.ParseIP(found[i].Host).To4(), net.ParseIP(found[j].Host).To4()) < 0
	})

	if ctx.Err() != nil {
		log.Warnf("Discovery stopped early: %v", ctx.Err())
	}
	return found, nil
}

func discoveryNets(cfg discoveryConfig, log client.Logger) ([]*net.IPNet, error) {
	if len(cfg.DiscoverySubnets) == 0 {
		return getIPv4Nets(scanVirtualInterfaces, log)
	}

	nets := make([]*net.IPNet, 0, len(cfg.DiscoverySubnets))
	for _, s := range cfg.DiscoverySubnets {
		_, inet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, wrapParseError(err, "DiscoverySubnets")
		}
		nets = append(nets, inet)
	}
	return nets, nil
}

// getIPv4Nets returns the IPv4 networks of the host's active, non-loopback interfaces.
func getIPv4Nets(includeVirtual bool, log client.Logger) ([]*net.IPNet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list network interfaces")
	}

	var nets []*net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		if !includeVirtual && virtualRegex.MatchString(iface.Name) {
			log.Debugf("Skipping virtual network interface: %s", iface.Name)
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("Skipping interface %s: %v", iface.Name, err)
			continue
		}

		for _, addr := range addrs {
			if inet, ok := addr.(*net.IPNet); ok && inet.IP.To4() != nil {
				log.Infof("Scan interface %s: %v", iface.Name, inet)
				nets = append(nets, inet)
			}
		}
	}
	return nets, nil
}

// ipGenerator sends every host address of each network to ipCh
// until the networks are exhausted or ctx is canceled.
func ipGenerator(ctx context.Context, nets []*net.IPNet, ipCh chan<- uint32) {
	for _, inet := range nets {
		addr := inet.IP.To4()
		if addr == nil {
			continue
		}

		mask := inet.Mask
		if len(mask) == net.IPv6len {
			mask = mask[12:]
		} else if len(mask) != net.IPv4len {
			continue
		}

		umask := binary.BigEndian.Uint32(mask)
		maskSz := bits.OnesCount32(umask)
		if maskSz <= 1 {
			continue // too large to be a real subnet
		}

		netID := binary.BigEndian.Uint32(addr) & umask
		bcast := netID | ^umask

		first, last := netID+1, bcast-1
		if maskSz >= 31 {
			// no network or broadcast address in these
			first, last = netID, bcast
		}

		for ip := first; ip <= last; ip++ {
			select {
			case ipCh <- ip:
			case <-ctx.Done():
				return
			}

			if ip == last {
				break // don't wrap around at 255.255.255.255
			}
		}
	}
}

// probe connects to host:port and reads one message header,
// returning its version if it's a ReaderEventNotification.
func probe(ctx context.Context, host string, port int, timeout time.Duration) (llrp.VersionNum, error) {
	conn := connection.New(connection.Config{
		Host:           host,
		Port:           port,
		ConnectTimeout: timeout,
		Timeout:        timeout,
		Keepalive:      timeout,
	}, connection.WithConnectRetry(1, retry.Fixed(0)))
	defer conn.Dispose()

	if !conn.Open(ctx) {
		return 0, errors.Errorf("no connection to %s", conn.Address())
	}

	buf, err := conn.Read(llrp.HeaderSz, timeout)
	if err != nil {
		return 0, err
	}

	h, err := llrp.BinaryCodec{}.DeserializeHeader(buf)
	if err != nil {
		return 0, err
	}

	if h.Type != llrp.ReaderEventNotification {
		return 0, errors.Errorf("%s sent %v instead of %v", conn.Address(), h.Type, llrp.ReaderEventNotification)
	}

	return h.Version, nil
}
