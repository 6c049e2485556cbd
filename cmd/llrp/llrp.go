//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"io/ioutil"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/edgexfoundry/llrp-control-go/internal/client"
	"github.com/edgexfoundry/llrp-control-go/internal/driver"
	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
)

var readerFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "host",
		Aliases:  []string{"rfid"},
		Usage:    "`address` of the RFID reader",
		EnvVars:  []string{"LLRP_HOST"},
		Required: true,
	},
	&cli.IntFlag{
		Name:    "port",
		Usage:   "LLRP `port` of the RFID reader",
		EnvVars: []string{"LLRP_PORT"},
		Value:   client.DefaultPort,
	},
	&cli.DurationFlag{
		Name:    "timeout",
		Usage:   "how long to wait for each response",
		EnvVars: []string{"LLRP_TIMEOUT"},
		Value:   client.DefaultTimeout,
	},
	&cli.DurationFlag{
		Name:    "keepalive",
		Usage:   "expected interval between messages from the reader",
		EnvVars: []string{"LLRP_KEEPALIVE"},
		Value:   client.DefaultKeepalive,
	},
}

var app = &cli.App{
	Name:  "llrp",
	Usage: "Control an LLRP RFID reader.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "logrus `level`",
			EnvVars: []string{"LLRP_LOG_LEVEL"},
			Value:   log.InfoLevel.String(),
		},
	},
	Before: func(c *cli.Context) error {
		lvl, err := log.ParseLevel(c.String("log-level"))
		if err != nil {
			return err
		}
		log.SetLevel(lvl)
		return nil
	},
	Commands: []*cli.Command{
		discoverCommand,
		capabilitiesCommand,
		inventoryCommand,
	},
}

var discoverCommand = &cli.Command{
	Name:  "discover",
	Usage: "scan subnets for LLRP readers",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "subnets",
			Usage: "comma separated CIDR `subnets`; default: the host's own networks",
		},
		&cli.IntFlag{Name: "port", Value: client.DefaultPort, Usage: "`port` to probe"},
		&cli.IntFlag{Name: "limit", Value: 1000, Usage: "maximum simultaneous probes"},
		&cli.IntFlag{Name: "probe-timeout", Value: 2, Usage: "`seconds` to wait on each address"},
		&cli.IntFlag{Name: "max-duration", Value: 300, Usage: "`seconds` to scan before giving up"},
	},
	Action: func(c *cli.Context) error {
		found, err := driver.Discover(signalContext(c.Context), map[string]string{
			"DiscoverySubnets":           c.String("subnets"),
			"ScanPort":                   strconv.Itoa(c.Int("port")),
			"ProbeAsyncLimit":            strconv.Itoa(c.Int("limit")),
			"ProbeTimeoutSeconds":        strconv.Itoa(c.Int("probe-timeout")),
			"MaxDiscoverDurationSeconds": strconv.Itoa(c.Int("max-duration")),
		}, log.StandardLogger())
		if err != nil {
			return err
		}

		for _, r := range found {
			log.Infof("found reader %v (LLRP %v)", r.Descriptor, r.Version)
		}
		log.Infof("discovered %d reader(s)", len(found))
		return nil
	},
}

var capabilitiesCommand = &cli.Command{
	Name:  "capabilities",
	Usage: "print the reader's supported versions and capabilities",
	Flags: readerFlags,
	Action: func(c *cli.Context) error {
		ctx := signalContext(c.Context)
		rc, d, err := newClient(c, client.Handlers{})
		if err == nil {
			err = open(ctx, rc, d)
		}
		if err != nil {
			return err
		}
		defer cleanUp(rc)

		fe := firstErr{}
		if resp, err := rc.GetSupportedVersion(ctx, nil); err != nil {
			fe.save(err)
		} else {
			dump(resp)
		}

		// GetReaderCapabilities: RequestedData = All
		if resp, err := rc.GetReaderCapabilities(ctx, []byte{0}); err != nil {
			fe.save(err)
		} else {
			dump(resp)
		}

		return fe.err
	},
}

var inventoryCommand = &cli.Command{
	Name:  "inventory",
	Usage: "add and enable an ROSpec, watch its reports, then disable and delete it",
	Flags: append([]cli.Flag{
		&cli.PathFlag{
			Name:  "ro",
			Usage: "`path` to a binary-encoded ROSpec parameter; required if --add is set",
		},
		&cli.UintFlag{Name: "id", Value: 1, Usage: "ROSpecID to enable, disable, and delete"},
		&cli.BoolFlag{Name: "add", Value: true, Usage: "add the ROSpec"},
		&cli.BoolFlag{Name: "enable", Value: true, Usage: "enable the ROSpec"},
		&cli.BoolFlag{Name: "disable", Value: true, Usage: "disable the ROSpec"},
		&cli.BoolFlag{Name: "delete", Value: true, Usage: "delete the ROSpec"},
		&cli.DurationFlag{
			Name:  "watch-for",
			Usage: "watches reports until timeout or interrupt; forever if =0, never if <0",
		},
		&cli.DurationFlag{
			Name:  "metrics-every",
			Usage: "log client metrics at this interval; never if <=0",
		},
	}, readerFlags...),
	Action: runInventory,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		if errors.Is(err, client.ErrClientClosed) {
			log.Info(err)
			return
		}
		log.Fatalf("%+v", err)
	}
}

// signalContext returns a context canceled on the first interrupt or SIGTERM.
func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(interrupt)
		select {
		case <-interrupt:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// newClient validates the reader flags the same way a device service
// validates its Connector properties, then builds an unopened Client.
func newClient(c *cli.Context, h client.Handlers) (*client.Client, client.Descriptor, error) {
	d, err := driver.ValidateConnectorProperties(map[string]string{
		driver.PropHost:      c.String("host"),
		driver.PropPort:      strconv.Itoa(c.Int("port")),
		driver.PropTimeout:   strconv.FormatInt(c.Duration("timeout").Milliseconds(), 10),
		driver.PropKeepalive: strconv.FormatInt(c.Duration("keepalive").Milliseconds(), 10),
	})
	if err != nil {
		return nil, d, err
	}

	rc, err := client.New(
		client.WithName(d.Host),
		client.WithLogger(log.WithField("reader", d.Host)),
		client.WithHandlers(h),
	)
	return rc, d, err
}

// open connects rc to the reader, disposing it on failure.
func open(ctx context.Context, rc *client.Client, d client.Descriptor) error {
	if !rc.OpenConnection(ctx, d) {
		_ = rc.Dispose()
		return errors.Errorf("unable to connect to %v", d)
	}
	return nil
}

// cleanUp says goodbye to the reader and releases the client.
func cleanUp(rc *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := rc.CloseConnection(ctx, nil); err != nil {
		logErr(err)
	}
	rc.Disconnect()
	logErr(rc.Dispose())
}

func runInventory(c *cli.Context) error {
	var roSpec []byte
	if c.Bool("add") {
		if c.Path("ro") == "" {
			return errors.New("missing path to ROSpec file")
		}

		var err error
		if roSpec, err = ioutil.ReadFile(c.Path("ro")); err != nil {
			return err
		}
	}

	var rc *client.Client
	h := client.Handlers{
		ROAccessReport: handleROAR,
		Keepalive: func(m llrp.Message) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			logErr(rc.KeepaliveAck(ctx, m.ID))
		},
		ReaderEventNotification: func(m llrp.Message) {
			log.Infof("reader event: %d bytes", len(m.Payload))
			log.Debugf("%s", hex.Dump(m.Payload))
		},
		NoDataReceived: func() {
			log.Warn("no data received from reader")
		},
	}

	// rc must be set before the connection opens: the Keepalive handler uses it.
	rc, d, err := newClient(c, h)
	if err != nil {
		return err
	}

	ctx := signalContext(c.Context)
	if err := open(ctx, rc, d); err != nil {
		return err
	}
	defer cleanUp(rc)

	if every := c.Duration("metrics-every"); every > 0 {
		stop := logMetrics(rc, every)
		defer stop()
	}

	id := roSpecID(uint32(c.Uint("id")))
	check(start(ctx, c, rc, roSpec, id))
	watchROs(ctx, c.Duration("watch-for"))

	log.Info("attempting clean up... (send signal again to force stop)")
	return stop(signalContext(context.Background()), c, rc, id)
}

// roSpecID encodes the ROSpecID field that makes up the body of
// StartROSpec, EnableROSpec, DisableROSpec, and DeleteROSpec.
func roSpecID(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

type firstErr struct {
	err error
}

func (fe *firstErr) save(err error) {
	logErr(err)

	if fe.err == nil {
		fe.err = err
	}
}

// start sends the messages needed to add and enable an ROSpec.
//
// If either op returns an error, it logs the error, but continues on.
// The returned error is nil if both were successful,
// but otherwise it's the first error received.
func start(ctx context.Context, c *cli.Context, rc *client.Client, roSpec, id []byte) error {
	fe := firstErr{}
	if c.Bool("add") {
		log.Info("adding ROSpec")
		fe.save(ignoreResponse(rc.AddROSpec(ctx, roSpec)))
	}

	if c.Bool("enable") {
		log.Info("enabling ROSpec")
		fe.save(ignoreResponse(rc.EnableROSpec(ctx, id)))
	}

	return fe.err
}

// stop sends the messages to disable and delete an ROSpec.
func stop(ctx context.Context, c *cli.Context, rc *client.Client, id []byte) error {
	fe := firstErr{}

	if c.Bool("disable") {
		log.Info("disabling ROSpec")
		fe.save(ignoreResponse(rc.DisableROSpec(ctx, id)))
	}

	if c.Bool("delete") {
		log.Info("deleting ROSpec")
		fe.save(ignoreResponse(rc.DeleteROSpec(ctx, id)))
	}

	return fe.err
}

// watchROs waits until the context is canceled or the timeout duration expires.
// If the timeout is negative, it logs a message and returns.
func watchROs(ctx context.Context, watchTimeout time.Duration) {
	if watchTimeout < 0 {
		log.Info("not waiting for ROAccessReports because timeout is negative")
		return
	}

	watchMsg := "watching for ROAccessReports until interrupted"
	watchCtx := ctx
	if watchTimeout > 0 {
		var cancel context.CancelFunc
		watchCtx, cancel = context.WithTimeout(ctx, watchTimeout)
		defer cancel()
		watchMsg += " or until " + watchTimeout.String() + " elapses"
	}

	log.Info(watchMsg) // let the user know how to stop
	<-watchCtx.Done()
	log.Info("done watching ROAccessReports")
}

// logMetrics logs the client's counters periodically until the returned func is called.
func logMetrics(rc *client.Client, every time.Duration) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				log.WithField("metrics", rc.Metrics().Snapshot()).Info("client metrics")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

func handleROAR(m llrp.Message) {
	log.WithFields(log.Fields{
		"id":    m.ID,
		"bytes": len(m.Payload),
	}).Info("ROAccessReport")
	log.Debugf("%s", hex.Dump(m.Payload))
}

func dump(m *llrp.Message) {
	if m == nil {
		return
	}
	log.Infof("%v", m)
	log.Infof("\n%s", hex.Dump(m.Payload))
}

func ignoreResponse(_ *llrp.Message, err error) error {
	return err
}

func check(err error) {
	if err == nil {
		return
	}

	if errors.Is(err, client.ErrClientClosed) {
		log.Info(err)
		return
	}

	log.Errorf("%v", err)
}

func logErr(err error) {
	if err == nil {
		return
	}

	log.Errorf("%v", err)
}
