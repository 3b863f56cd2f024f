// Package client orchestrates connection setup, PIM initialization and
// the device-registers read/password-recovery procedure on
// top of the transport, pulse and device packages.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jameshilliard/upbgo/config"
	"github.com/jameshilliard/upbgo/device"
	"github.com/jameshilliard/upbgo/diagnostics"
	"github.com/jameshilliard/upbgo/pulse"
	"github.com/jameshilliard/upbgo/transport"
	"github.com/jameshilliard/upbgo/upbproto"
)

// ErrDisconnected is returned by Run's inner session loop when the
// transport drops, and by Stop-triggered teardown.
var ErrDisconnected = errors.New("client: disconnected")

// ErrNotConnected is returned by operations attempted while no session is
// live.
var ErrNotConnected = errors.New("client: not connected")

// ErrProtocolInvariant marks fatal device-operation errors: a
// signature/checksum mismatch, a diff out of range, or password-search
// exhaustion.
var ErrProtocolInvariant = errors.New("client: protocol invariant violated")

// Client is the orchestration root: one Client per configured PIM
// connection, reconnecting for as long as Reconnect.Enabled holds.
type Client struct {
	cfg   *config.Config
	log   *logrus.Entry
	Stats *diagnostics.Stats

	// Devices is the lazily populated (network_id, device_id) -> Memory
	// registry. Callers may read it at any time; an entry is created on
	// first reference, by a report for that device or by a Get call.
	Devices *device.Registry

	mu         sync.Mutex
	mux        *pulse.Multiplexer
	tr         transport.Transport
	stopReconn bool
}

// New builds a Client for cfg. log may be nil to use the standard logger.
func New(cfg *config.Config, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		cfg:     cfg,
		log:     log.WithField("component", "client"),
		Stats:   &diagnostics.Stats{},
		Devices: device.NewRegistry(),
	}
}

// Run is the connection-setup infinite loop: build a
// Transport, connect with a configurable timeout, run the handshake and
// PIM init, then block until disconnect. On any setup failure or
// disconnect it sleeps reconnect_interval and retries, unless Stop has
// been called or Reconnect.Enabled is false.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.connectAndServe(ctx)
		if err != nil {
			c.log.WithError(err).Warn("session ended")
		}

		c.mu.Lock()
		stop := c.stopReconn || !c.cfg.Reconnect.Enabled
		c.mu.Unlock()
		if stop {
			return err
		}

		c.Stats.IncReconnect()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.Reconnect.Interval):
		}
	}
}

// Stop clears the reconnect flag and closes the active transport, if
// any. Safe to call from another goroutine while Run
// is in progress.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopReconn = true
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
}

// sinkBox lets the transport be constructed with a LineSink before the
// LineParser (which depends on the Multiplexer, which depends on the
// transport) exists, a callback set downward after construction that
// avoids a live pointer cycle.
type sinkBox struct {
	mu sync.Mutex
	lp transport.LineSink
}

func (s *sinkBox) FeedLine(line []byte) {
	s.mu.Lock()
	lp := s.lp
	s.mu.Unlock()
	if lp != nil {
		lp.FeedLine(line)
	}
}

func (s *sinkBox) set(lp transport.LineSink) {
	s.mu.Lock()
	s.lp = lp
	s.mu.Unlock()
}

func (c *Client) connectAndServe(ctx context.Context) error {
	sink := &sinkBox{}
	var tr transport.Transport
	if c.cfg.UsesGateway() {
		tr = transport.NewGateway(c.cfg.PIM.Host, c.cfg.PIM.Port, c.cfg.Gateway.Username, c.cfg.Gateway.Password, c.cfg.Timeouts.Resend, sink, c.log)
	} else {
		tr = transport.NewRawAscii(c.cfg.PIM.Host, c.cfg.PIM.Port, sink, c.log)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Connect)
	err := tr.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer tr.Close()

	mux := pulse.NewMultiplexer(tr, c.cfg.Timeouts.Resend, c.log)
	mux.SetStats(c.Stats)
	lp := pulse.NewLineParser(mux, c.Devices, c.Devices, c.log)
	lp.SetStats(c.Stats)
	sink.set(lp)

	gw, isGateway := tr.(*transport.Gateway)
	if isGateway {
		if err := gw.ExitPulseMode(ctx); err != nil {
			return fmt.Errorf("exit pulse mode: %w", err)
		}
	}

	if err := c.pimInit(ctx, mux); err != nil {
		return err
	}

	if isGateway {
		if err := gw.StartPulseMode(ctx); err != nil {
			return fmt.Errorf("start pulse mode: %w", err)
		}
	} else {
		// RawAscii has no separate pulse-mode handshake: the PIM streams
		// verbose telemetry over the bare wire as soon as message mode
		// (PIM_OPTIONS=0xF0) takes effect.
		mux.SetPulseLive(true)
	}

	c.mu.Lock()
	c.mux = mux
	c.tr = tr
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.mux = nil
		c.tr = nil
		c.mu.Unlock()
		mux.CancelAll(ErrDisconnected)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tr.Disconnected():
		return ErrDisconnected
	}
}

// pimInitRegisters is the PIM-register read list issued during init.
var pimInitRegisters = []upbproto.UpbReg{
	upbproto.RegFirmwareVersion,
	upbproto.RegPimOptions,
	upbproto.RegManufacturerID,
	upbproto.RegNetworkID,
	upbproto.RegProductID,
	upbproto.RegUpbOptions,
	upbproto.RegUpbVersion,
	upbproto.RegNoiseFloor,
}

// pimInit reads the PIM's own register block, then writes PIM_OPTIONS to
// force message mode.
func (c *Client) pimInit(ctx context.Context, mux *pulse.Multiplexer) error {
	for _, reg := range pimInitRegisters {
		n := upbproto.RegisterReadLen(reg)
		data, err := mux.SendPimRead(ctx, reg, n)
		if err != nil {
			return fmt.Errorf("pim init: read register 0x%02x: %w", byte(reg), err)
		}
		c.log.Debugf("pim register 0x%02x = %s", byte(reg), upbproto.Hexdump(data, ""))
	}

	if _, err := mux.SendPimWrite(ctx, upbproto.RegPimOptions, upbproto.PimOptionsMessageMode); err != nil {
		return fmt.Errorf("pim init: write pim options: %w", err)
	}
	return nil
}

func (c *Client) currentMux() (*pulse.Multiplexer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mux == nil {
		return nil, ErrNotConnected
	}
	return c.mux, nil
}
