// Package discovery controls when the local endpoint is discoverable and when
// it is discovering, each with its own timeout.
package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDiscoverableTimeout = 60 * time.Second
	DefaultDiscoveryTimeout    = 10 * time.Second
	DefaultPingInterval        = 5 * time.Second
)

var (
	ErrAlreadyAdvertising  = errors.New("already advertising")
	ErrAlreadyDiscovering  = errors.New("already discovering")
	ErrEmptyHandle         = errors.New("empty handle")
	ErrMissingDependencies = errors.New("discovery: gateway, listener and loop are required")
)

type Mode int

const (
	Off Mode = iota
	Active
)

func (m Mode) String() string {
	if m == Active {
		return "active"
	}
	return "off"
}

// Listener receives controller events. Calls happen on the loop.
type Listener interface {
	OnPeersChanged(peers peer.Set)
	OnAdvertiseTimeout()
	OnScanTimeout()
	OnScanFailure(err error)
}

// Poster schedules a function on the single execution context.
type Poster interface {
	Post(fn func()) bool
}

type Config struct {
	DiscoverableTimeout time.Duration
	DiscoveryTimeout    time.Duration
	PingInterval        time.Duration

	Gateway  transport.Discovery
	Registry *peer.Registry
	Listener Listener
	Loop     Poster
	Clock    clock.Clock
	Logger   logrus.FieldLogger
}

type advertiseState struct {
	mode     Mode
	gen      uint64
	handle   string
	interval time.Duration
	timeout  *clock.Timer
	ping     *clock.Timer
}

type scanState struct {
	mode    Mode
	gen     uint64
	timeout *clock.Timer
}

// Controller owns the discoverable and discovering modes. Apart from New,
// every method must be called on the loop given in Config.
type Controller struct {
	cfg      Config
	clock    clock.Clock
	logger   logrus.FieldLogger
	registry *peer.Registry

	adv  advertiseState
	scan scanState
}

func New(cfg Config) (*Controller, error) {
	if cfg.Gateway == nil || cfg.Listener == nil || cfg.Loop == nil {
		return nil, ErrMissingDependencies
	}
	if cfg.DiscoverableTimeout <= 0 {
		cfg.DiscoverableTimeout = DefaultDiscoverableTimeout
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = peer.NewRegistry()
	}

	return &Controller{
		cfg:      cfg,
		clock:    clk,
		logger:   log.WithField("component", "discovery"),
		registry: registry,
	}, nil
}

func (c *Controller) Registry() *peer.Registry {
	return c.registry
}

func (c *Controller) Advertising() bool {
	return c.adv.mode == Active
}

func (c *Controller) Discovering() bool {
	return c.scan.mode == Active
}

// BeginAdvertising broadcasts presence under handle until EndAdvertising is
// called or the discoverable timeout elapses. Zero durations use the
// configured defaults.
func (c *Controller) BeginAdvertising(handle string, timeout, pingInterval time.Duration) error {
	if c.adv.mode == Active {
		return ErrAlreadyAdvertising
	}
	if handle == "" {
		return ErrEmptyHandle
	}
	if timeout <= 0 {
		timeout = c.cfg.DiscoverableTimeout
	}
	if pingInterval <= 0 {
		pingInterval = c.cfg.PingInterval
	}

	if err := c.cfg.Gateway.Advertise(handle); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}

	c.adv.gen++
	c.adv.mode = Active
	c.adv.handle = handle
	c.adv.interval = pingInterval

	gen := c.adv.gen
	c.adv.timeout = c.clock.AfterFunc(timeout, c.onLoop(func() {
		if c.adv.gen != gen || c.adv.mode != Active {
			return
		}
		c.logger.Infof("Advertising timed out after %s", timeout)
		c.stopAdvertising()
		c.cfg.Listener.OnAdvertiseTimeout()
	}))
	c.armPing(gen)

	c.logger.WithFields(logrus.Fields{
		"handle":  handle,
		"timeout": timeout,
		"ping":    pingInterval,
	}).Info("Advertising started")
	return nil
}

// EndAdvertising stops advertising and cancels its timers. It is a no-op when
// not advertising.
func (c *Controller) EndAdvertising() {
	if c.adv.mode != Active {
		return
	}
	c.stopAdvertising()
	c.logger.Info("Advertising stopped")
}

// BeginDiscovering scans for peers until EndDiscovering is called or the
// discovery timeout elapses. A zero timeout uses the configured default.
func (c *Controller) BeginDiscovering(timeout time.Duration) error {
	if c.scan.mode == Active {
		return ErrAlreadyDiscovering
	}
	if timeout <= 0 {
		timeout = c.cfg.DiscoveryTimeout
	}

	c.scan.gen++
	gen := c.scan.gen

	if err := c.cfg.Gateway.Scan(&scanHandler{c: c, gen: gen}); err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	c.scan.mode = Active
	c.registry.Clear()

	c.scan.timeout = c.clock.AfterFunc(timeout, c.onLoop(func() {
		if c.scan.gen != gen || c.scan.mode != Active {
			return
		}
		c.logger.Infof("Discovery timed out after %s", timeout)
		c.stopDiscovering()
		c.cfg.Listener.OnScanTimeout()
	}))

	c.logger.WithField("timeout", timeout).Info("Discovery started")
	return nil
}

// EndDiscovering stops scanning, cancels its timer and forgets every peer. It
// is a no-op when not discovering.
func (c *Controller) EndDiscovering() {
	if c.scan.mode != Active {
		return
	}
	c.stopDiscovering()
	c.logger.Info("Discovery stopped")
}

func (c *Controller) armPing(gen uint64) {
	c.adv.ping = c.clock.AfterFunc(c.adv.interval, c.onLoop(func() {
		if c.adv.gen != gen || c.adv.mode != Active {
			return
		}
		if err := c.cfg.Gateway.Advertise(c.adv.handle); err != nil {
			c.logger.Warnf("Failed to re-advertise: %v", err)
		}
		c.armPing(gen)
	}))
}

func (c *Controller) stopAdvertising() {
	stopTimer(c.adv.timeout)
	stopTimer(c.adv.ping)
	c.adv.timeout = nil
	c.adv.ping = nil
	c.adv.gen++
	c.adv.mode = Off

	if err := c.cfg.Gateway.StopAdvertise(); err != nil {
		c.logger.Warnf("Failed to stop advertising: %v", err)
	}
}

func (c *Controller) stopDiscovering() {
	stopTimer(c.scan.timeout)
	c.scan.timeout = nil
	c.scan.gen++
	c.scan.mode = Off

	if err := c.cfg.Gateway.StopScan(); err != nil {
		c.logger.Warnf("Failed to stop scan: %v", err)
	}
	c.registry.Clear()
}

func (c *Controller) handlePeers(gen uint64, peers []peer.Peer) {
	if c.scan.gen != gen || c.scan.mode != Active {
		return
	}

	set := peer.NewSet(peers...)
	c.registry.Update(set)
	c.logger.Debugf("Peer set updated: %d visible", c.registry.Len())
	c.cfg.Listener.OnPeersChanged(set.Clone())
}

func (c *Controller) handleScanError(gen uint64, err error) {
	if c.scan.gen != gen || c.scan.mode != Active {
		return
	}
	c.logger.Warnf("Scan failure: %v", err)
	c.cfg.Listener.OnScanFailure(err)
}

// onLoop wraps fn so that a timer firing is delivered on the loop.
func (c *Controller) onLoop(fn func()) func() {
	return func() {
		c.cfg.Loop.Post(fn)
	}
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

// scanHandler forwards gateway results for one scan generation onto the loop.
type scanHandler struct {
	c   *Controller
	gen uint64
}

func (h *scanHandler) HandlePeers(peers []peer.Peer) {
	cp := append([]peer.Peer(nil), peers...)
	h.c.cfg.Loop.Post(func() { h.c.handlePeers(h.gen, cp) })
}

func (h *scanHandler) HandleScanError(err error) {
	h.c.cfg.Loop.Post(func() { h.c.handleScanError(h.gen, err) })
}
