// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"bytes"
	"io"
	"os"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
	"gopkg.in/yaml.v3"
)

// Config is the configuration for a simulation, and for sweeps of
// simulations.
type Config struct {
	// Duration is the length of the simulation.
	Duration Clock `yaml:"duration"`
	// MSS is the size of each data packet, including headers.
	MSS Bytes `yaml:"mss"`
	// InitialWindow is the initial cwnd for each flow.
	InitialWindow Bytes `yaml:"initial_window"`
	// RTTAlpha is the EWMA gain for the smoothed RTT.
	RTTAlpha float64 `yaml:"rtt_alpha"`
	// DelayedACK is the receiver's delayed ACK timeout, or zero to ACK every
	// packet.
	DelayedACK Clock `yaml:"delayed_ack"`
	// TracePackets logs every packet at debug level.
	TracePackets bool `yaml:"trace_packets"`

	Link       LinkConfig       `yaml:"link"`
	Controller ControllerConfig `yaml:"controller"`
	Flows      []FlowConfig     `yaml:"flows"`
	Plot       PlotConfig       `yaml:"plot"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Log        LogConfig        `yaml:"log"`
}

// LinkConfig configures the bottleneck link.
type LinkConfig struct {
	Name string `yaml:"name"`
	// AQM is either vcp or droptail.
	AQM          string     `yaml:"aqm"`
	Rate         Bitrate    `yaml:"rate"`
	RateSchedule []RateAt   `yaml:"rate_schedule"`
	Limit        QueueLimit `yaml:"limit"`

	// VCP estimator settings
	EstimationInterval Clock     `yaml:"estimation_interval"`
	SampleInterval     Clock     `yaml:"sample_interval"`
	QueueWeight        float64   `yaml:"queue_weight"`
	TargetUtilization  float64   `yaml:"target_utilization"`
	LoadUnits          LoadUnits `yaml:"load_units"`
}

// AQM names
const (
	AQMVCP      = "vcp"
	AQMDropTail = "droptail"
)

// estimator returns the EstimatorConfig for the link.  Rate changes from the
// RateSchedule reach the estimator through its Iface.
func (l LinkConfig) estimator() EstimatorConfig {
	return EstimatorConfig{
		Bandwidth:          l.Rate,
		EstimationInterval: l.EstimationInterval,
		SampleInterval:     l.SampleInterval,
		QueueWeight:        l.QueueWeight,
		TargetUtilization:  l.TargetUtilization,
		Units:              l.LoadUnits,
		Limit:              l.Limit,
	}
}

// FlowConfig configures a flow.
type FlowConfig struct {
	CCA CCA `yaml:"cca"`
	// Delay is the path delay added to each round trip.
	Delay Clock `yaml:"delay"`
	// Start is when the flow starts sending.
	Start Clock `yaml:"start"`
	// Stop is when the flow stops sending, or zero to never stop.
	Stop Clock `yaml:"stop"`
}

// PlotConfig selects the xplot files to write.
type PlotConfig struct {
	Dir             string `yaml:"dir"`
	Cwnd            bool   `yaml:"cwnd"`
	RTT             bool   `yaml:"rtt"`
	InFlight        bool   `yaml:"in_flight"`
	Goodput         bool   `yaml:"goodput"`
	GoodputInterval Clock  `yaml:"goodput_interval"`
	Sojourn         bool   `yaml:"sojourn"`
	QueueLength     bool   `yaml:"queue_length"`
	LoadFactor      bool   `yaml:"load_factor"`
	Drops           bool   `yaml:"drops"`
}

// Any returns true if any plot is enabled.
func (p PlotConfig) Any() bool {
	return p.Cwnd || p.RTT || p.InFlight || p.Goodput || p.Sojourn ||
		p.QueueLength || p.LoadFactor || p.Drops
}

// DefaultConfig returns the default Config: four VCP flows with staggered
// starts over a 10 Mbps bottleneck.
func DefaultConfig() Config {
	c := DefaultControllerConfig()
	c.SegmentSize = 1500
	return Config{
		Duration:      Clock(20 * time.Second),
		MSS:           1500,
		InitialWindow: 10 * 1500,
		RTTAlpha:      0.1,
		DelayedACK:    0,
		Link: LinkConfig{
			Name:               "bottleneck",
			AQM:                AQMVCP,
			Rate:               10 * Mbps,
			Limit:              QueueLimit{Packets: 200},
			EstimationInterval: Clock(200 * time.Millisecond),
			SampleInterval:     Clock(10 * time.Millisecond),
			QueueWeight:        0.5,
			TargetUtilization:  0.98,
			LoadUnits:          LoadUnitsBytes,
		},
		Controller: c,
		Flows: []FlowConfig{
			{CCAVCP, Clock(20 * time.Millisecond), 0, 0},
			{CCAVCP, Clock(40 * time.Millisecond), Clock(2 * time.Second), 0},
			{CCAVCP, Clock(60 * time.Millisecond), Clock(4 * time.Second), 0},
			{CCAVCP, Clock(80 * time.Millisecond), Clock(6 * time.Second), 0},
		},
		Plot: PlotConfig{
			Dir:             ".",
			GoodputInterval: Clock(500 * time.Millisecond),
		},
		Sweep: SweepConfig{
			Rates:    []Bitrate{1500 * Kbps, 10 * Mbps, 100 * Mbps},
			Flows:    []int{1, 4, 16},
			Parallel: 0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a YAML config from the named file, on top of the defaults.
func LoadConfig(path string) (cfg Config, err error) {
	var b []byte
	if b, err = os.ReadFile(path); err != nil {
		err = E.Cause(err, "read config")
		return
	}
	if cfg, err = ParseConfig(bytes.NewReader(b)); err != nil {
		err = E.Cause(err, path)
	}
	return
}

// ParseConfig reads a YAML config on top of the defaults.  Unknown fields are
// an error.
func ParseConfig(r io.Reader) (cfg Config, err error) {
	cfg = DefaultConfig()
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err = d.Decode(&cfg); err != nil && err != io.EOF {
		err = E.Cause(err, "parse config")
		return
	}
	err = cfg.Validate()
	return
}

// Validate returns an error describing every problem with the config.
func (c Config) Validate() error {
	var errs []error
	if c.Duration <= 0 {
		errs = append(errs, E.New("duration must be positive"))
	}
	if c.MSS <= HeaderLen {
		errs = append(errs, E.New("mss must exceed the header length ",
			int64(HeaderLen)))
	}
	if c.InitialWindow < c.MSS {
		errs = append(errs, E.New("initial window must be at least one mss"))
	}
	if !(c.RTTAlpha > 0 && c.RTTAlpha <= 1) {
		errs = append(errs, E.New("rtt alpha must be in (0,1]"))
	}
	if c.DelayedACK < 0 {
		errs = append(errs, E.New("delayed ack must not be negative"))
	}
	switch c.Link.AQM {
	case AQMVCP:
		if err := c.Link.estimator().Validate(); err != nil {
			errs = append(errs, E.Cause(err, "link"))
		}
	case AQMDropTail:
		if c.Link.Rate <= 0 {
			errs = append(errs, E.New("link: bandwidth must be positive"))
		}
		if !c.Link.Limit.Valid() {
			errs = append(errs, E.New("link: queue limit must be positive"))
		}
	default:
		errs = append(errs, E.New("link: unknown aqm ", c.Link.AQM))
	}
	for _, r := range c.Link.RateSchedule {
		if r.Rate <= 0 || r.At < 0 {
			errs = append(errs, E.New("link: invalid rate schedule entry"))
			break
		}
	}
	if err := c.Controller.Validate(); err != nil {
		errs = append(errs, E.Cause(err, "controller"))
	}
	if c.Controller.SegmentSize > c.MSS {
		errs = append(errs, E.New("controller: segment size must not exceed ",
			"the mss"))
	}
	if len(c.Flows) == 0 {
		errs = append(errs, E.New("at least one flow is required"))
	}
	for i, f := range c.Flows {
		if !f.CCA.Valid() {
			errs = append(errs, E.New("flow ", i, ": unknown cca ",
				string(f.CCA)))
		}
		if f.Delay < 0 || f.Start < 0 || f.Stop < 0 {
			errs = append(errs, E.New("flow ", i, ": negative time"))
		}
		if f.Stop != 0 && f.Stop <= f.Start {
			errs = append(errs, E.New("flow ", i, ": stop must follow start"))
		}
	}
	if c.Plot.Goodput && c.Plot.GoodputInterval <= 0 {
		errs = append(errs, E.New("plot: goodput interval must be positive"))
	}
	if err := c.Sweep.Validate(); err != nil {
		errs = append(errs, E.Cause(err, "sweep"))
	}
	return E.Errors(errs...)
}

// Marshal returns the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
