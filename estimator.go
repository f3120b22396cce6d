// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	"fmt"
	"math"
	"strconv"
	"time"

	events "github.com/docker/go-events"
	E "github.com/sagernet/sing/common/exceptions"
	"gopkg.in/yaml.v3"
)

// LoadUnits selects whether the estimator counts arrivals and queue occupancy
// in packets or bytes.
type LoadUnits int

const (
	// LoadUnitsPackets counts packets.  The load factor's denominator is
	// always the capacity in bytes, so this gives small load factors unless
	// the configuration compensates.
	LoadUnitsPackets LoadUnits = iota
	// LoadUnitsBytes counts bytes.
	LoadUnitsBytes
)

// of returns the amount the Packet counts for.
func (u LoadUnits) of(pkt Packet) int64 {
	if u == LoadUnitsBytes {
		return int64(pkt.Len)
	}
	return 1
}

func (u LoadUnits) String() string {
	if u == LoadUnitsBytes {
		return "bytes"
	}
	return "packets"
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (u *LoadUnits) UnmarshalYAML(value *yaml.Node) error {
	switch value.Value {
	case "packets":
		*u = LoadUnitsPackets
	case "bytes":
		*u = LoadUnitsBytes
	default:
		return E.New("unknown load units ", strconv.Quote(value.Value))
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (u LoadUnits) MarshalYAML() (any, error) {
	return u.String(), nil
}

// EstimatorConfig configures a LoadEstimator.
type EstimatorConfig struct {
	// Bandwidth is the link capacity.
	Bandwidth Bitrate `yaml:"bandwidth"`
	// EstimationInterval is the period at which the load factor is computed.
	EstimationInterval Clock `yaml:"estimation_interval"`
	// SampleInterval is the period at which queue occupancy is sampled.
	SampleInterval Clock `yaml:"sample_interval"`
	// QueueWeight is κq, the weight of the persistent queue size.
	QueueWeight float64 `yaml:"queue_weight"`
	// TargetUtilization is γ, the fraction of capacity to target.
	TargetUtilization float64    `yaml:"target_utilization"`
	Units             LoadUnits  `yaml:"units"`
	Limit             QueueLimit `yaml:"limit"`
}

// DefaultEstimatorConfig returns the default estimator config.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Bandwidth:          1500 * Kbps,
		EstimationInterval: Clock(200 * time.Millisecond),
		SampleInterval:     Clock(10 * time.Millisecond),
		QueueWeight:        0.5,
		TargetUtilization:  1.0,
		Units:              LoadUnitsPackets,
		Limit:              QueueLimit{Packets: 25},
	}
}

// Validate returns an error if the config can't be used.
func (c EstimatorConfig) Validate() error {
	var errs []error
	if c.Bandwidth <= 0 {
		errs = append(errs, E.New("bandwidth must be positive"))
	}
	if c.EstimationInterval <= 0 {
		errs = append(errs, E.New("estimation interval must be positive"))
	}
	if c.SampleInterval <= 0 {
		errs = append(errs, E.New("sample interval must be positive"))
	} else if c.SampleInterval > c.EstimationInterval {
		errs = append(errs, E.New("sample interval ", time.Duration(
			c.SampleInterval), " exceeds estimation interval ",
			time.Duration(c.EstimationInterval)))
	}
	if !(c.TargetUtilization > 0 && c.TargetUtilization <= 1) {
		errs = append(errs, E.New("target utilization must be in (0,1]"))
	}
	if !(c.QueueWeight >= 0) {
		errs = append(errs, E.New("queue weight must not be negative"))
	}
	if !c.Limit.Valid() {
		errs = append(errs, E.New("queue limit must be positive"))
	}
	return E.Errors(errs...)
}

// windowCapacity returns the number of occupancy samples per estimation
// interval.
func (c EstimatorConfig) windowCapacity() int {
	n := int(math.Round(float64(c.EstimationInterval) /
		float64(c.SampleInterval)))
	return max(n, 1)
}

// LoadEstimator is an AQM that estimates the load on a link and stamps each
// enqueued packet with the resulting LoadClass.
//
// Arrivals are counted per packet, the queue occupancy is sampled every
// SampleInterval into a window covering one EstimationInterval, and every
// EstimationInterval the two are combined into the load factor:
//
//	(arrivals + κq * mean occupancy) / (γ * bandwidth/8 * interval)
type LoadEstimator struct {
	cfg        EstimatorConfig
	name       string
	queue      fifo
	window     occupancyWindow
	arrivals   int64
	loadFactor float64
	drops      int
	closed     bool
	metrics    *Metrics
	sink       events.Sink
}

// NewLoadEstimator returns a new LoadEstimator for the named link.  The
// metrics and sink may be nil.
func NewLoadEstimator(name string, cfg EstimatorConfig, metrics *Metrics,
	sink events.Sink) (*LoadEstimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, E.Cause(err, "link ", name)
	}
	if sink == nil {
		sink = discardSink{}
	}
	w := newOccupancyWindow(cfg.windowCapacity())
	return &LoadEstimator{
		cfg,                // cfg
		name,               // name
		newFifo(cfg.Limit), // queue
		w,                  // window
		0,                  // arrivals
		0,                  // loadFactor
		0,                  // drops
		false,              // closed
		metrics,            // metrics
		sink,               // sink
	}, nil
}

// estimatorEvent is a periodic event of the LoadEstimator.
type estimatorEvent int

const (
	occupancySampled estimatorEvent = iota
	intervalElapsed
)

// estimatorTimer is the timer data for a LoadEstimator's periodic events.
type estimatorTimer struct {
	estimator *LoadEstimator
	event     estimatorEvent
}

// Start implements Starter.
func (e *LoadEstimator) Start(node Node) error {
	node.Timer(e.cfg.SampleInterval, estimatorTimer{e, occupancySampled})
	node.Timer(e.cfg.EstimationInterval, estimatorTimer{e, intervalElapsed})
	return nil
}

// Ding implements Dinger.
func (e *LoadEstimator) Ding(data any, node Node) error {
	t, ok := data.(estimatorTimer)
	if !ok || t.estimator != e {
		return E.New("link ", e.name, ": unexpected timer ",
			fmt.Sprintf("%T", data))
	}
	if e.closed {
		return nil
	}
	switch t.event {
	case occupancySampled:
		e.SampleOccupancy(node)
	case intervalElapsed:
		e.RecomputeLoadFactor(node)
	}
	return nil
}

// Enqueue implements AQM.
func (e *LoadEstimator) Enqueue(pkt Packet, node Node) bool {
	e.arrivals += e.cfg.Units.of(pkt)
	pkt.Load = pkt.Load.Merge(Classify(e.loadFactor))
	pkt.Enqueue = node.Now()
	if e.metrics != nil {
		e.metrics.Arrivals.WithLabelValues(e.name).Inc()
	}
	if !e.queue.push(pkt) {
		e.drops++
		if e.metrics != nil {
			e.metrics.Drops.WithLabelValues(e.name).Inc()
		}
		e.emit(PacketDropped{e.name, node.Now(), pkt, e.queue.len()}, node)
		return false
	}
	if e.metrics != nil {
		e.metrics.Stamped.WithLabelValues(e.name, pkt.Load.String()).Inc()
		e.metrics.QueueLength.WithLabelValues(e.name).Set(
			float64(e.queue.len()))
	}
	return true
}

// Dequeue implements AQM.
func (e *LoadEstimator) Dequeue(node Node) (pkt Packet, ok bool) {
	if pkt, ok = e.queue.pop(); !ok {
		return
	}
	if e.metrics != nil {
		e.metrics.QueueLength.WithLabelValues(e.name).Set(
			float64(e.queue.len()))
	}
	return
}

// Peek implements AQM.
func (e *LoadEstimator) Peek(node Node) (Packet, bool) {
	return e.queue.peek()
}

// Len implements AQM.
func (e *LoadEstimator) Len() int {
	return e.queue.len()
}

// SampleOccupancy adds the current queue depth to the occupancy window and
// schedules the next sample.
func (e *LoadEstimator) SampleOccupancy(node Node) {
	e.window.add(e.occupancy())
	node.Timer(e.cfg.SampleInterval, estimatorTimer{e, occupancySampled})
}

// RecomputeLoadFactor computes the load factor from the arrivals and
// occupancy window since the prior call, resets the arrivals and schedules
// the next computation.
func (e *LoadEstimator) RecomputeLoadFactor(node Node) {
	q := e.window.mean()
	c := e.cfg.TargetUtilization * e.cfg.Bandwidth.BytesPerSecond() *
		e.cfg.EstimationInterval.Seconds()
	a := e.arrivals
	e.loadFactor = (float64(a) + e.cfg.QueueWeight*q) / c
	e.arrivals = 0
	if e.metrics != nil {
		e.metrics.LoadFactor.WithLabelValues(e.name).Set(e.loadFactor)
	}
	e.emit(LoadFactorComputed{e.name, node.Now(), e.loadFactor,
		Classify(e.loadFactor), a, q}, node)
	node.Timer(e.cfg.EstimationInterval, estimatorTimer{e, intervalElapsed})
}

// emit writes an event to the sink.
func (e *LoadEstimator) emit(event events.Event, node Node) {
	if err := e.sink.Write(event); err != nil {
		node.Logf("link %s: event sink: %s", e.name, err)
	}
}

// SetBandwidth implements RateSetter.  The new capacity applies from the next
// load factor computation.
func (e *LoadEstimator) SetBandwidth(rate Bitrate) {
	if rate > 0 {
		e.cfg.Bandwidth = rate
	}
}

// LoadFactor returns the most recently computed load factor.
func (e *LoadEstimator) LoadFactor() float64 {
	return e.loadFactor
}

// Class returns the LoadClass for the current load factor.
func (e *LoadEstimator) Class() LoadClass {
	return Classify(e.loadFactor)
}

// Drops returns the number of packets dropped due to the queue limit.
func (e *LoadEstimator) Drops() int {
	return e.drops
}

// MeanOccupancy returns the mean of the occupancy window.
func (e *LoadEstimator) MeanOccupancy() float64 {
	return e.window.mean()
}

// occupancy returns the queue depth in the configured units.
func (e *LoadEstimator) occupancy() int64 {
	if e.cfg.Units == LoadUnitsBytes {
		return int64(e.queue.size())
	}
	return int64(e.queue.len())
}

// Close cancels the estimator's timers.
func (e *LoadEstimator) Close(node Node) {
	if e.closed {
		return
	}
	e.closed = true
	node.Cancel(func(data any) bool {
		t, ok := data.(estimatorTimer)
		return ok && t.estimator == e
	})
}

// Stop implements Stopper.
func (e *LoadEstimator) Stop(node Node) error {
	e.Close(node)
	return nil
}

// occupancyWindow is a sliding window of queue occupancy samples, with a
// running sum.
type occupancyWindow struct {
	ring  []int64
	start int
	n     int
	sum   int64
}

// newOccupancyWindow returns a new occupancyWindow holding up to size samples.
func newOccupancyWindow(size int) occupancyWindow {
	return occupancyWindow{
		make([]int64, size), // ring
		0,                   // start
		0,                   // n
		0,                   // sum
	}
}

// add adds a sample, evicting the oldest if the window is full.
func (w *occupancyWindow) add(sample int64) {
	if w.n == len(w.ring) {
		w.sum -= w.ring[w.start]
		w.ring[w.start] = sample
		w.start = (w.start + 1) % len(w.ring)
	} else {
		w.ring[(w.start+w.n)%len(w.ring)] = sample
		w.n++
	}
	w.sum += sample
}

// mean returns the mean of the samples, or 0 if there are none.
func (w *occupancyWindow) mean() float64 {
	if w.n == 0 {
		return 0
	}
	return float64(w.sum) / float64(w.n)
}

