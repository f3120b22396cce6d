// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	"context"
	"time"

	events "github.com/docker/go-events"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sirupsen/logrus"
)

// Scenario is a single simulation of flows over a bottleneck link, built from
// a Config.
type Scenario struct {
	cfg       Config
	log       *logrus.Entry
	metrics   *Metrics
	sender    *Sender
	iface     *Iface
	estimator *LoadEstimator
	droptail  *DropTail
	delay     *Delay
	receiver  *Receiver
	stats     *queueStats
	sink      sinks
	plot      *linkPlot
}

// Result summarizes a finished Scenario.
type Result struct {
	AQM         string    `yaml:"aqm"`
	Rate        Bitrate   `yaml:"rate"`
	Flows       int       `yaml:"flows"`
	Duration    Clock     `yaml:"duration"`
	Utilization float64   `yaml:"utilization"`
	Drops       int       `yaml:"drops"`
	DropRate    float64   `yaml:"drop_rate"`
	MeanQueue   float64   `yaml:"mean_queue"`
	MeanSojourn Clock     `yaml:"mean_sojourn"`
	Goodput     []Bitrate `yaml:"goodput"`
	Fairness    float64   `yaml:"fairness"`
}

// NewScenario returns a new Scenario for the given Config.
func NewScenario(cfg Config, log *logrus.Entry) (s *Scenario, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	s = &Scenario{
		cfg:     cfg,
		log:     log,
		metrics: NewMetrics(),
		stats:   &queueStats{},
	}
	name := cfg.Link.Name
	s.sink = sinks{logSink{log.WithField("link", name)}, s.stats}
	if cfg.Plot.Any() {
		s.plot = newLinkPlot(cfg.Plot, name)
		s.sink = append(s.sink, events.NewFilter(s.plot, linkEvents(name)))
	}

	var aqm AQM
	switch cfg.Link.AQM {
	case AQMVCP:
		if s.estimator, err = NewLoadEstimator(name, cfg.Link.estimator(),
			s.metrics, s.sink); err != nil {
			return
		}
		aqm = s.estimator
		if cfg.Link.EstimationInterval != cfg.Controller.EstimationInterval {
			log.Warnf("link estimation interval %s differs from controller "+
				"estimation interval %s",
				time.Duration(cfg.Link.EstimationInterval),
				time.Duration(cfg.Controller.EstimationInterval))
		}
	case AQMDropTail:
		s.droptail = NewDropTail(name, cfg.Link.Limit, s.metrics, s.sink)
		aqm = s.droptail
	}

	var proto *WindowController
	if proto, err = NewWindowController(cfg.Controller); err != nil {
		return
	}
	var d []Clock
	for _, f := range cfg.Flows {
		d = append(d, f.Delay)
	}
	s.sender = NewSender(cfg, proto, s.metrics)
	s.iface = NewIface(name, cfg.Link.Rate, cfg.Link.RateSchedule, aqm,
		s.metrics, s.sink)
	s.delay = NewDelay(d)
	s.receiver = NewReceiver(len(cfg.Flows), cfg.DelayedACK, cfg.Plot)
	return
}

// Run runs the simulation to completion and returns its Result.
func (s *Scenario) Run(ctx context.Context) (r Result, err error) {
	if s.plot != nil {
		if err = s.plot.Open(); err != nil {
			return
		}
	}
	h := []Handler{
		s.sender,
		s.iface,
		s.delay,
		s.receiver,
	}
	m := NewSim(h, s.log)
	m.tracePackets = s.cfg.TracePackets
	t0 := time.Now()
	err = m.Run(ctx)
	if cerr := s.sink.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		err = E.Cause(err, "run")
		return
	}
	s.log.WithField("elapsed", time.Since(t0).Round(time.Millisecond)).
		Debug("simulation finished")
	if f := s.cfg.Metrics.File; f != "" {
		if err = s.metrics.WriteFile(f); err != nil {
			err = E.Cause(err, "write metrics")
			return
		}
	}
	r = s.result()
	return
}

// result computes the Result after the Sim has finished.
func (s *Scenario) result() Result {
	d := s.cfg.Duration
	r := Result{
		AQM:         s.cfg.Link.AQM,
		Rate:        s.cfg.Link.Rate,
		Flows:       len(s.cfg.Flows),
		Duration:    d,
		Drops:       s.stats.drops,
		MeanQueue:   s.stats.meanQueue(),
		MeanSojourn: s.stats.meanSojourn(),
	}
	if c := float64(s.cfg.Link.Rate) * d.Seconds(); c > 0 {
		r.Utilization = float64(s.iface.Transmitted()) * 8 / c
	}
	if s.stats.arrivals() > 0 {
		r.DropRate = float64(s.stats.drops) / float64(s.stats.arrivals())
	}
	var g []float64
	for i := range s.cfg.Flows {
		b := CalcBitrate(s.receiver.Received(FlowID(i)), time.Duration(d))
		r.Goodput = append(r.Goodput, b)
		g = append(g, float64(b))
	}
	r.Fairness = jainIndex(g)
	return r
}

// Metrics returns the Scenario's metrics.
func (s *Scenario) Metrics() *Metrics {
	return s.metrics
}

// jainIndex returns Jain's fairness index for the given allocations, or zero
// if they're all zero.
func jainIndex(x []float64) float64 {
	var s, q float64
	for _, v := range x {
		s += v
		q += v * v
	}
	if q == 0 {
		return 0
	}
	return s * s / (float64(len(x)) * q)
}

// queueStats is an events.Sink that accumulates queue statistics for the
// Result.
type queueStats struct {
	dequeued   int
	drops      int
	qlenSum    int64
	sojournSum Clock
}

// Write implements events.Sink.
func (q *queueStats) Write(event events.Event) error {
	switch e := event.(type) {
	case PacketDequeued:
		q.dequeued++
		q.qlenSum += int64(e.QueueLen)
		q.sojournSum += e.Sojourn
	case PacketDropped:
		q.drops++
	}
	return nil
}

// Close implements events.Sink.
func (q *queueStats) Close() error {
	return nil
}

// arrivals returns the number of packets offered to the queue that have left
// it, by transmission or drop.
func (q *queueStats) arrivals() int {
	return q.dequeued + q.drops
}

// meanQueue returns the mean queue length seen by dequeued packets.
func (q *queueStats) meanQueue() float64 {
	if q.dequeued == 0 {
		return 0
	}
	return float64(q.qlenSum) / float64(q.dequeued)
}

// meanSojourn returns the mean sojourn time of dequeued packets.
func (q *queueStats) meanSojourn() Clock {
	if q.dequeued == 0 {
		return 0
	}
	return q.sojournSum / Clock(q.dequeued)
}
