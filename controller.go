// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	"math"
	"strconv"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
	"gopkg.in/yaml.v3"
)

// maxWindow is the largest window the controller will commit.
const maxWindow = float64(math.MaxUint32)

// GracePolicy selects what the controller does during the RTT after a
// decrease freeze ends.
type GracePolicy int

const (
	// GraceAdditive performs additive increase during the grace RTT.
	GraceAdditive GracePolicy = iota
	// GraceHold holds the window during the grace RTT.
	GraceHold
)

func (g GracePolicy) String() string {
	if g == GraceHold {
		return "hold"
	}
	return "additive"
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (g *GracePolicy) UnmarshalYAML(value *yaml.Node) error {
	switch value.Value {
	case "additive":
		*g = GraceAdditive
	case "hold":
		*g = GraceHold
	default:
		return E.New("unknown grace policy ", strconv.Quote(value.Value))
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (g GracePolicy) MarshalYAML() (any, error) {
	return g.String(), nil
}

// ControllerConfig configures a WindowController.
type ControllerConfig struct {
	// EstimationInterval must match the links' estimation interval.
	EstimationInterval Clock `yaml:"estimation_interval"`
	// Xi is the multiplicative increase factor.
	Xi float64 `yaml:"xi"`
	// Alpha is the additive increase factor.
	Alpha float64 `yaml:"alpha"`
	// Beta is the multiplicative decrease factor.
	Beta float64 `yaml:"beta"`
	// XiBound is the upper bound on the RTT scaled Xi.
	XiBound float64 `yaml:"xi_bound"`
	// MaxIncreasePerRTT is the maximum factor by which the window may grow
	// from its value one RTT earlier.  Zero disables the cap.
	MaxIncreasePerRTT float64 `yaml:"max_increase_per_rtt"`
	// SegmentSize is the additive increase unit.
	SegmentSize Bytes `yaml:"segment_size"`
	// MinWindow is the floor for multiplicative decrease.  Zero means one
	// segment.
	MinWindow Bytes       `yaml:"min_window"`
	Grace     GracePolicy `yaml:"grace"`
}

// DefaultControllerConfig returns the default controller config.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		EstimationInterval: Clock(200 * time.Millisecond),
		Xi:                 0.0625,
		Alpha:              1.0,
		Beta:               0.875,
		XiBound:            1.0,
		MaxIncreasePerRTT:  2.0,
		SegmentSize:        948,
		Grace:              GraceAdditive,
	}
}

// Validate returns an error if the config can't be used.
func (c ControllerConfig) Validate() error {
	var errs []error
	if c.EstimationInterval <= 0 {
		errs = append(errs, E.New("estimation interval must be positive"))
	}
	if !(c.Xi >= 0) {
		errs = append(errs, E.New("xi must not be negative"))
	}
	if !(c.Alpha >= 0) {
		errs = append(errs, E.New("alpha must not be negative"))
	}
	if !(c.Beta > 0 && c.Beta < 1) {
		errs = append(errs, E.New("beta must be in (0,1)"))
	}
	if !(c.XiBound >= 0) {
		errs = append(errs, E.New("xi bound must not be negative"))
	}
	if c.MaxIncreasePerRTT != 0 && !(c.MaxIncreasePerRTT >= 1) {
		errs = append(errs, E.New("max increase per RTT must be 0 or >= 1"))
	}
	if c.SegmentSize <= 0 {
		errs = append(errs, E.New("segment size must be positive"))
	}
	if c.MinWindow < 0 {
		errs = append(errs, E.New("min window must not be negative"))
	}
	return E.Errors(errs...)
}

// minWindow returns the multiplicative decrease floor.
func (c ControllerConfig) minWindow() float64 {
	if c.MinWindow > 0 {
		return float64(c.MinWindow)
	}
	return float64(c.SegmentSize)
}

// ControlState is the state of a WindowController after its latest update.
type ControlState int

const (
	StateInit ControlState = iota
	StateUnsupported
	StateGrowingLow
	StateGrowingHigh
	StateDecreasing
	StateFrozen
	StateGrace
)

var controlStateNames = [...]string{
	StateInit:        "init",
	StateUnsupported: "unsupported",
	StateGrowingLow:  "growing-low",
	StateGrowingHigh: "growing-high",
	StateDecreasing:  "decreasing",
	StateFrozen:      "frozen",
	StateGrace:       "grace",
}

func (s ControlState) String() string {
	return controlStateNames[s]
}

// ControllerStats counts the steps a WindowController has taken.
type ControllerStats struct {
	MI       int
	AI       int
	MD       int
	Rejected int
}

// WindowController is the VCP sender window controller for one flow.  It
// decodes the load class echoed on ACKs and grows the window multiplicatively
// (Low), additively (High), or shrinks it multiplicatively (Overload), with
// both increases scaled by the flow's RTT relative to the estimation interval.
//
// After a decrease the window is frozen for one estimation interval, then
// given one RTT of grace before load driven updates resume.
type WindowController struct {
	cfg         ControllerConfig
	load        LoadClass
	state       ControlState
	cwnd        float64
	initialized bool
	prevRTTCwnd Bytes
	rtt         Clock
	freeze      bool
	freezeUntil Clock
	graceUntil  Clock
	closed      bool
	stats       ControllerStats
}

// NewWindowController returns a new WindowController.
func NewWindowController(cfg ControllerConfig) (*WindowController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, E.Cause(err, "window controller")
	}
	return &WindowController{cfg: cfg}, nil
}

// Fork returns a new WindowController for a new flow, with the same config.
func (c *WindowController) Fork() *WindowController {
	return &WindowController{cfg: c.cfg}
}

// snapshotTimer is the timer data for the per-RTT window snapshot.
type snapshotTimer struct {
	controller *WindowController
}

// OnAckBatch updates the window for an ACK covering segmentsAcked segments,
// carrying the given echoed load class and RTT sample.  The transport's
// current window is passed in, and the new window returned.
func (c *WindowController) OnAckBatch(node Node, cwnd Bytes, load LoadClass,
	rtt Clock, segmentsAcked int) Bytes {
	c.load = load
	return c.update(node, cwnd, rtt)
}

// OnLossEvent treats a loss as an Overload signal and updates the window
// immediately.
func (c *WindowController) OnLossEvent(node Node, cwnd Bytes) Bytes {
	c.load = LoadOverload
	return c.update(node, cwnd, 0)
}

// update advances the state machine and returns the new window.
func (c *WindowController) update(node Node, cwnd Bytes, rtt Clock) Bytes {
	if rtt > 0 {
		c.rtt = rtt
	}
	if !c.initialized {
		c.init(node, cwnd)
	} else if c.Window() != cwnd {
		// the transport changed the window, e.g. under fallback control
		c.cwnd = float64(cwnd)
	}

	now := node.Now()
	if c.load == LoadNotSupported {
		c.state = StateUnsupported
		return c.Window()
	}
	if c.freeze {
		if now < c.freezeUntil {
			c.state = StateFrozen
			return c.Window()
		}
		c.freeze = false
		c.graceUntil = now + c.rtt
		node.Debugf("freeze ended, grace until %s", c.graceUntil)
		c.graceStep(node)
		return c.Window()
	}
	if now < c.graceUntil {
		c.graceStep(node)
		return c.Window()
	}

	switch c.load {
	case LoadLow:
		c.state = StateGrowingLow
		c.multiplicativeIncrease(node)
	case LoadHigh:
		c.state = StateGrowingHigh
		c.additiveIncrease(node)
	case LoadOverload:
		c.state = StateDecreasing
		c.multiplicativeDecrease(node)
		c.freeze = true
		c.freezeUntil = now + c.cfg.EstimationInterval
	}
	return c.Window()
}

// init seeds the fractional window and starts the per-RTT snapshot timer,
// unless the controller is closed.
func (c *WindowController) init(node Node, cwnd Bytes) {
	c.cwnd = float64(cwnd)
	c.prevRTTCwnd = cwnd
	c.initialized = true
	if !c.closed {
		node.Timer(c.snapshotDelay(), snapshotTimer{c})
	}
}

// graceStep performs the configured step for the grace period.
func (c *WindowController) graceStep(node Node) {
	c.state = StateGrace
	if c.cfg.Grace == GraceAdditive {
		c.additiveIncrease(node)
	}
}

// Ding handles the per-RTT snapshot timer.
func (c *WindowController) Ding(data any, node Node) error {
	if t, ok := data.(snapshotTimer); !ok || t.controller != c {
		return E.New("window controller: unexpected timer")
	}
	if c.closed {
		return nil
	}
	c.prevRTTCwnd = c.Window()
	node.Timer(c.snapshotDelay(), snapshotTimer{c})
	return nil
}

// snapshotDelay returns the delay until the next per-RTT snapshot.
func (c *WindowController) snapshotDelay() Clock {
	if c.rtt > 0 {
		return c.rtt
	}
	return c.cfg.EstimationInterval
}

// multiplicativeIncrease grows the window by the RTT scaled Xi, capped to
// MaxIncreasePerRTT times the window one RTT ago.
func (c *WindowController) multiplicativeIncrease(node Node) {
	t := c.cwnd * (1 + c.scaledXi())
	if !c.accept(t, node) {
		return
	}
	if c.cfg.MaxIncreasePerRTT > 0 && c.prevRTTCwnd > 0 {
		m := float64(c.prevRTTCwnd) * c.cfg.MaxIncreasePerRTT
		if t > m {
			node.Debugf("max increase per RTT: %.1f -> %.1f", t, m)
			t = m
		}
		if t < c.cwnd {
			return
		}
	}
	c.cwnd = t
	c.stats.MI++
}

// additiveIncrease grows the window by the RTT scaled Alpha segments.
func (c *WindowController) additiveIncrease(node Node) {
	t := c.cwnd + c.scaledAlpha()*float64(c.cfg.SegmentSize)
	if !c.accept(t, node) {
		return
	}
	c.cwnd = t
	c.stats.AI++
}

// multiplicativeDecrease shrinks the window by Beta, to no less than
// MinWindow.  A window already below MinWindow is held.
func (c *WindowController) multiplicativeDecrease(node Node) {
	c.cwnd = min(c.cwnd, max(c.cwnd*c.cfg.Beta, c.cfg.minWindow()))
	c.stats.MD++
}

// accept returns true if the candidate window for an increase may be
// committed.  Candidates that would truncate to less than the current window,
// or exceed maxWindow, are rejected.
func (c *WindowController) accept(candidate float64, node Node) bool {
	if candidate >= maxWindow || math.IsNaN(candidate) ||
		Bytes(candidate) < c.Window() {
		node.Debugf("rejected window update %.3f from %.3f", candidate,
			c.cwnd)
		c.stats.Rejected++
		return false
	}
	return true
}

// scaledXi returns the MI factor scaled to the RTT.
func (c *WindowController) scaledXi() float64 {
	r := float64(c.rtt) / float64(c.cfg.EstimationInterval)
	return math.Min(math.Pow(1+c.cfg.Xi, r)-1, c.cfg.XiBound)
}

// scaledAlpha returns the AI factor scaled to the square of the RTT.
func (c *WindowController) scaledAlpha() float64 {
	r := float64(c.rtt) / float64(c.cfg.EstimationInterval)
	return c.cfg.Alpha * r * r
}

// Window returns the integer congestion window.
func (c *WindowController) Window() Bytes {
	return Bytes(c.cwnd)
}

// FractionalWindow returns the real valued congestion window.
func (c *WindowController) FractionalWindow() float64 {
	return c.cwnd
}

// SlowStartThreshold returns the current window, which replaces the usual
// halving on loss.
func (c *WindowController) SlowStartThreshold() Bytes {
	return c.Window()
}

// LoadState returns the most recently decoded load class.
func (c *WindowController) LoadState() LoadClass {
	return c.load
}

// State returns the state after the latest update.
func (c *WindowController) State() ControlState {
	return c.state
}

// Stats returns the step counters.
func (c *WindowController) Stats() ControllerStats {
	return c.stats
}

// Close cancels the controller's timers.
func (c *WindowController) Close(node Node) {
	if c.closed {
		return
	}
	c.closed = true
	node.Cancel(func(data any) bool {
		t, ok := data.(snapshotTimer)
		return ok && t.controller == c
	})
}
