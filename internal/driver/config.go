//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/edgexfoundry/llrp-control-go/internal/client"
)

// Connector property keys.
// Every key with ConnectorPrefix must be one of these.
const (
	ConnectorPrefix = "Connector."

	PropConnectionType    = ConnectorPrefix + "ConnectionType"
	PropHost              = ConnectorPrefix + "Host"
	PropPort              = ConnectorPrefix + "Port"
	PropTimeout           = ConnectorPrefix + "Timeout"
	PropKeepalive         = ConnectorPrefix + "Keepalive"
	PropInventoryAttempts = ConnectorPrefix + "InventoryAttempts"
)

var (
	// ErrUnrecognizedProperty is wrapped by a PropertyError
	// for a Connector key that isn't known.
	ErrUnrecognizedProperty = errors.New("unrecognized connector property")

	// ErrInvalidProperty is wrapped by a PropertyError
	// for a Connector value that is missing or can't be parsed.
	ErrInvalidProperty = errors.New("invalid connector property")
)

// PropertyError names the Connector property that failed validation.
// Use errors.Is with ErrUnrecognizedProperty or ErrInvalidProperty
// to tell the cases apart.
type PropertyError struct {
	Key   string
	Err   error // ErrUnrecognizedProperty or ErrInvalidProperty
	Cause error // parse failure, if any
}

func (e *PropertyError) Error() string {
	if e.Err == ErrUnrecognizedProperty {
		return fmt.Sprintf("Connector property '%s' is not recognized for LLRP Reader", e.Key)
	}
	return fmt.Sprintf("Missing or wrong connector property '%s' for LLRP Reader", e.Key)
}

func (e *PropertyError) Unwrap() error {
	return e.Err
}

func invalid(key string, cause error) error {
	return &PropertyError{Key: key, Err: ErrInvalidProperty, Cause: cause}
}

// ValidateConnectorProperties builds a Descriptor from a property bag.
//
// Only keys starting with ConnectorPrefix are examined; others are ignored.
// Missing optional values take their defaults.
// It returns a *PropertyError for the first bad key it finds:
// unrecognized keys are reported before invalid values.
func ValidateConnectorProperties(props map[string]string) (client.Descriptor, error) {
	connector := make(map[string]string, len(props))
	for k, v := range props {
		if strings.HasPrefix(k, ConnectorPrefix) {
			connector[k] = v
		}
	}

	d := client.Descriptor{
		Type:              client.TCP,
		ConnectTimeout:    client.DefaultTimeout,
		Timeout:           client.DefaultTimeout,
		Keepalive:         client.DefaultKeepalive,
		InventoryAttempts: client.DefaultInventoryAttempts,
	}

	connType, hasType := popOptional(connector, PropConnectionType)
	host, hasHost := popOptional(connector, PropHost)
	port, hasPort := popOptional(connector, PropPort)
	timeout, hasTimeout := popOptional(connector, PropTimeout)
	keepalive, hasKeepalive := popOptional(connector, PropKeepalive)
	attempts, hasAttempts := popOptional(connector, PropInventoryAttempts)

	// anything left over is either outdated or a typo
	if len(connector) > 0 {
		leftover := make([]string, 0, len(connector))
		for k := range connector {
			leftover = append(leftover, k)
		}
		sort.Strings(leftover)
		return client.Descriptor{}, &PropertyError{Key: leftover[0], Err: ErrUnrecognizedProperty}
	}

	if hasType && !strings.EqualFold(strings.TrimSpace(connType), string(client.TCP)) {
		return client.Descriptor{}, invalid(PropConnectionType,
			errors.Errorf("unsupported connection type %q", connType))
	}

	host = strings.TrimSpace(host)
	if !hasHost || host == "" {
		return client.Descriptor{}, invalid(PropHost, nil)
	}
	d.Host = host

	d.Port = client.DefaultPort
	if hasPort {
		p, err := strconv.ParseUint(strings.TrimSpace(port), 10, 16)
		if err != nil {
			return client.Descriptor{}, invalid(PropPort, err)
		}
		d.Port = int(p)
	}

	if hasTimeout {
		ms, err := parseMillis(timeout)
		if err != nil {
			return client.Descriptor{}, invalid(PropTimeout, err)
		}
		d.Timeout = ms
		d.ConnectTimeout = ms
	}

	if hasKeepalive {
		ms, err := parseMillis(keepalive)
		if err != nil {
			return client.Descriptor{}, invalid(PropKeepalive, err)
		}
		d.Keepalive = ms
	}

	if hasAttempts {
		n, err := strconv.Atoi(strings.TrimSpace(attempts))
		if err == nil && n < 1 {
			err = errors.Errorf("must be at least 1, but is %d", n)
		}
		if err != nil {
			return client.Descriptor{}, invalid(PropInventoryAttempts, err)
		}
		d.InventoryAttempts = n
	}

	return d, nil
}

// parseMillis parses a positive number of milliseconds.
func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, err
	}
	if ms == 0 {
		return 0, errors.New("must be positive")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// popOptional retrieves and deletes the value for key,
// reporting whether it was present.
func popOptional(m map[string]string, key string) (string, bool) {
	val, ok := m[key]
	delete(m, key)
	return val, ok
}

// discoveryConfig holds the values that control reader discovery.
type discoveryConfig struct {
	// DiscoverySubnets lists CIDR subnets to scan for readers.
	// If empty, the subnets of the host's active network interfaces are scanned.
	// It's kept as a comma separated string in the property bag
	// since some configuration providers flatten slices to a single element.
	DiscoverySubnets []string
	// ProbeAsyncLimit is the maximum number of simultaneous probes.
	ProbeAsyncLimit int
	// ProbeTimeoutSeconds bounds each probe.
	ProbeTimeoutSeconds int
	// ScanPort is the port to probe.
	ScanPort int
	// MaxDiscoverDurationSeconds bounds the whole discovery.
	// It matters for large subnets such as /16 and /8.
	MaxDiscoverDurationSeconds int
}

var (
	// defaultDiscoveryConfig holds default values for each configurable item in case
	// they are not present in the configuration
	defaultDiscoveryConfig = map[string]string{
		"DiscoverySubnets":           "",
		"ProbeAsyncLimit":            "1000",
		"ProbeTimeoutSeconds":        "2",
		"ScanPort":                   strconv.Itoa(client.DefaultPort),
		"MaxDiscoverDurationSeconds": "300",
	}

	// ErrUnexpectedConfigItems is returned when the input configuration map has extra keys
	// and values that are left over after parsing is complete
	ErrUnexpectedConfigItems = errors.New("unexpected config items")
	// ErrParsingConfigValue is returned when we are unable to parse the value for a config key
	ErrParsingConfigValue = errors.New("unable to parse config value for key")
	// ErrMissingRequiredKey is returned when a key without a default is missing
	ErrMissingRequiredKey = errors.New("missing required key")
)

// newDiscoveryConfig parses discovery settings from a property bag.
//
// It returns an error wrapping ErrUnexpectedConfigItems if there are unused keys
// after parsing is complete, but the returned configuration is still usable;
// callers may ignore that case with `!errors.Is(err, ErrUnexpectedConfigItems)`.
// It may also return an error wrapping ErrParsingConfigValue or ErrMissingRequiredKey.
func newDiscoveryConfig(configMap map[string]string, log client.Logger) (discoveryConfig, error) {
	cloneMap := make(map[string]string, len(configMap))
	for k, v := range configMap {
		cloneMap[k] = v
	}

	var cfg discoveryConfig
	var err error

	subnets, err := pop(cloneMap, "DiscoverySubnets", log)
	if err != nil {
		return cfg, wrapParseError(err, "DiscoverySubnets")
	}
	for _, s := range strings.Split(subnets, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(s); err != nil {
			return cfg, wrapParseError(err, "DiscoverySubnets")
		}
		cfg.DiscoverySubnets = append(cfg.DiscoverySubnets, s)
	}

	if cfg.ProbeAsyncLimit, err = popInt(cloneMap, "ProbeAsyncLimit", log); err != nil {
		return cfg, wrapParseError(err, "ProbeAsyncLimit")
	}

	if cfg.ProbeTimeoutSeconds, err = popInt(cloneMap, "ProbeTimeoutSeconds", log); err != nil {
		return cfg, wrapParseError(err, "ProbeTimeoutSeconds")
	}

	if cfg.ScanPort, err = popInt(cloneMap, "ScanPort", log); err != nil {
		return cfg, wrapParseError(err, "ScanPort")
	}

	if cfg.MaxDiscoverDurationSeconds, err = popInt(cloneMap, "MaxDiscoverDurationSeconds", log); err != nil {
		return cfg, wrapParseError(err, "MaxDiscoverDurationSeconds")
	}

	if cfg.ProbeAsyncLimit < 1 {
		return cfg, wrapParseError(errors.New("must be at least 1"), "ProbeAsyncLimit")
	}

	// in this case there were extra fields that are not in our config map.
	// these could either be outdated config options or typos
	if len(cloneMap) > 0 {
		log.Warnf("Got unexpected config keys and values: %+v", cloneMap)
		return cfg, errors.Wrapf(ErrUnexpectedConfigItems, "config map: %+v", cloneMap)
	}
	return cfg, nil
}

// wrapParseError is a utility function to wrap an error parsing specified key
// with ErrParsingConfigValue
func wrapParseError(err error, key string) error {
	return errors.Wrap(err, errors.Wrap(ErrParsingConfigValue, key).Error())
}

// pop retrieves the value stored in `cloneMap` for the specified key if it exists
// and deletes it from the map. If it does not exist, it uses the default value configured
// for that key. It will return an error wrapping `ErrMissingRequiredKey` if the key is
// missing from `cloneMap` and there is no default value specified for that key.
func pop(cloneMap map[string]string, key string, log client.Logger) (string, error) {
	val, ok := cloneMap[key]
	if !ok {
		val, ok = defaultDiscoveryConfig[key]
		if !ok {
			return "", errors.Wrap(ErrMissingRequiredKey, key)
		}
		log.Debugf("Config is missing property '%s', value has been set to the default value of '%s'", key, val)
	}
	// delete each handled field to know if there are any un-handled ones left
	delete(cloneMap, key)
	return val, nil
}

// popInt functions the same way as pop, except it will attempt to convert the value to an int
func popInt(cloneMap map[string]string, key string, log client.Logger) (int, error) {
	val, err := pop(cloneMap, key, log)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(val))
}
