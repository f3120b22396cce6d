// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	"math/rand"
	"testing"
	"time"

	events "github.com/docker/go-events"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEstimatorConfig returns a config with a capacity of 1,000,000 bytes/s
// and no utilization headroom.
func testEstimatorConfig() EstimatorConfig {
	c := DefaultEstimatorConfig()
	c.Bandwidth = 8 * Mbps
	c.TargetUtilization = 1.0
	c.QueueWeight = 0.5
	c.Limit = QueueLimit{Packets: 100}
	return c
}

// eventLog is an events.Sink that records events.
type eventLog struct {
	events []events.Event
}

func (l *eventLog) Write(event events.Event) error {
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) Close() error {
	return nil
}

func newTestEstimator(t *testing.T, cfg EstimatorConfig) (*LoadEstimator,
	*testNode, *eventLog) {
	t.Helper()
	l := &eventLog{}
	e, err := NewLoadEstimator("test", cfg, NewMetrics(), l)
	require.NoError(t, err)
	n := &testNode{}
	require.NoError(t, e.Start(n))
	return e, n, l
}

func TestEstimatorNoArrivals(t *testing.T) {
	e, n, l := newTestEstimator(t, testEstimatorConfig())
	n.advance(t, Clock(200*time.Millisecond), e)
	assert.Equal(t, 0.0, e.LoadFactor())
	assert.Equal(t, LoadLow, e.Class())
	require.Len(t, l.events, 1)
	c := l.events[0].(LoadFactorComputed)
	assert.Equal(t, int64(0), c.Arrivals)
	assert.Equal(t, LoadLow, c.Class)
}

func TestEstimatorLoadFactor(t *testing.T) {
	e, n, l := newTestEstimator(t, testEstimatorConfig())
	// a standing queue of 10 packets, and 20 more that pass through
	for i := 0; i < 10; i++ {
		require.True(t, e.Enqueue(Packet{Len: 1000}, n))
	}
	for i := 0; i < 20; i++ {
		require.True(t, e.Enqueue(Packet{Len: 1000}, n))
		_, ok := e.Dequeue(n)
		require.True(t, ok)
	}
	require.Equal(t, 10, e.Len())
	n.advance(t, Clock(200*time.Millisecond), e)
	assert.InDelta(t, 10.0, e.MeanOccupancy(), 1e-9)
	assert.InDelta(t, 0.000175, e.LoadFactor(), 1e-12)
	assert.Equal(t, LoadLow, e.Class())
	require.Len(t, l.events, 1)
	c := l.events[0].(LoadFactorComputed)
	assert.Equal(t, int64(30), c.Arrivals)
	assert.InDelta(t, 10.0, c.MeanOccupancy, 1e-9)

	// arrivals reset each interval, while the occupancy window slides
	n.advance(t, Clock(400*time.Millisecond), e)
	assert.InDelta(t, 5/200000.0, e.LoadFactor(), 1e-12)
}

func TestEstimatorOverload(t *testing.T) {
	c := testEstimatorConfig()
	c.Bandwidth = 8 * Kbps // 1000 bytes/s, 200 bytes per interval
	c.Units = LoadUnitsBytes
	c.Limit = QueueLimit{Packets: 1000}
	e, n, _ := newTestEstimator(t, c)
	require.True(t, e.Enqueue(Packet{Len: 100}, n))
	e.Dequeue(n)
	n.advance(t, Clock(200*time.Millisecond), e)
	assert.InDelta(t, 0.5, e.LoadFactor(), 1e-12)
	assert.Equal(t, LoadLow, e.Class())

	for i := 0; i < 2; i++ {
		require.True(t, e.Enqueue(Packet{Len: 85}, n))
		e.Dequeue(n)
	}
	n.advance(t, Clock(400*time.Millisecond), e)
	assert.InDelta(t, 0.85, e.LoadFactor(), 1e-12)
	assert.Equal(t, LoadHigh, e.Class())

	require.True(t, e.Enqueue(Packet{Len: 200}, n))
	e.Dequeue(n)
	n.advance(t, Clock(600*time.Millisecond), e)
	assert.InDelta(t, 1.0, e.LoadFactor(), 1e-12)
	assert.Equal(t, LoadOverload, e.Class())

	p := Packet{Len: 100}
	require.True(t, e.Enqueue(p, n))
	q, ok := e.Dequeue(n)
	require.True(t, ok)
	assert.Equal(t, LoadOverload, q.Load)
}

func TestEstimatorSetBandwidth(t *testing.T) {
	c := testEstimatorConfig()
	c.Units = LoadUnitsBytes
	e, n, _ := newTestEstimator(t, c)
	require.True(t, e.Enqueue(Packet{Len: 1000}, n))
	e.Dequeue(n)
	n.advance(t, Clock(200*time.Millisecond), e)
	assert.InDelta(t, 0.005, e.LoadFactor(), 1e-12)

	// half the capacity doubles the load factor for the same arrivals
	e.SetBandwidth(4 * Mbps)
	e.SetBandwidth(0)
	require.True(t, e.Enqueue(Packet{Len: 1000}, n))
	e.Dequeue(n)
	n.advance(t, Clock(400*time.Millisecond), e)
	assert.InDelta(t, 0.01, e.LoadFactor(), 1e-12)
}

func TestEstimatorStampsMerge(t *testing.T) {
	e, n, _ := newTestEstimator(t, testEstimatorConfig())
	for _, in := range []LoadClass{LoadNotSupported, LoadLow, LoadHigh,
		LoadOverload} {
		require.True(t, e.Enqueue(Packet{Len: 1000, Load: in}, n))
		p, ok := e.Dequeue(n)
		require.True(t, ok)
		assert.Equal(t, in.Merge(LoadLow), p.Load)
	}
}

func TestEstimatorDropsAtCapacity(t *testing.T) {
	c := testEstimatorConfig()
	c.Limit = QueueLimit{Packets: 2}
	e, n, l := newTestEstimator(t, c)
	assert.True(t, e.Enqueue(Packet{Len: 1000, Seq: 0}, n))
	assert.True(t, e.Enqueue(Packet{Len: 1000, Seq: 1}, n))
	assert.False(t, e.Enqueue(Packet{Len: 1000, Seq: 2}, n))
	assert.Equal(t, 1, e.Drops())
	assert.Equal(t, 2, e.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Drops.WithLabelValues("test")))
	assert.Equal(t, 3.0,
		testutil.ToFloat64(e.metrics.Arrivals.WithLabelValues("test")))
	require.Len(t, l.events, 1)
	d := l.events[0].(PacketDropped)
	assert.Equal(t, Seq(2), d.Packet.Seq)
	assert.Equal(t, 2, d.QueueLen)

	// dropped packets still count as arrivals
	n.advance(t, Clock(200*time.Millisecond), e)
	assert.InDelta(t, (3+0.5*2)/200000.0, e.LoadFactor(), 1e-12)
}

func TestEstimatorByteLimit(t *testing.T) {
	c := testEstimatorConfig()
	c.Limit = QueueLimit{Bytes: 2500}
	e, n, _ := newTestEstimator(t, c)
	assert.True(t, e.Enqueue(Packet{Len: 1000}, n))
	assert.True(t, e.Enqueue(Packet{Len: 1000}, n))
	assert.False(t, e.Enqueue(Packet{Len: 1000}, n))
	assert.True(t, e.Enqueue(Packet{Len: 500}, n))
}

func TestEstimatorFIFO(t *testing.T) {
	e, n, _ := newTestEstimator(t, testEstimatorConfig())
	for i := 0; i < 5; i++ {
		n.now = Clock(i)
		require.True(t, e.Enqueue(Packet{Len: 1000, Seq: Seq(i)}, n))
	}
	p, ok := e.Peek(n)
	require.True(t, ok)
	assert.Equal(t, Seq(0), p.Seq)
	for i := 0; i < 5; i++ {
		p, ok := e.Dequeue(n)
		require.True(t, ok)
		assert.Equal(t, Seq(i), p.Seq)
		assert.Equal(t, Clock(i), p.Enqueue)
	}
	_, ok = e.Dequeue(n)
	assert.False(t, ok)
}

func TestEstimatorClose(t *testing.T) {
	e, n, _ := newTestEstimator(t, testEstimatorConfig())
	isEstimator := func(data any) bool {
		_, ok := data.(estimatorTimer)
		return ok
	}
	assert.Equal(t, 2, n.pending(isEstimator))
	n.advance(t, Clock(time.Second), e)
	assert.Equal(t, 2, n.pending(isEstimator))
	e.Close(n)
	assert.Equal(t, 0, n.pending(isEstimator))
	e.Close(n)
	require.NoError(t, e.Stop(n))
}

func TestEstimatorUnexpectedTimer(t *testing.T) {
	e, n, _ := newTestEstimator(t, testEstimatorConfig())
	assert.Error(t, e.Ding(transmitDone{}, n))
	o, _, _ := newTestEstimator(t, testEstimatorConfig())
	assert.Error(t, e.Ding(estimatorTimer{o, intervalElapsed}, n))
}

func TestEstimatorConfigValidate(t *testing.T) {
	require.NoError(t, DefaultEstimatorConfig().Validate())

	c := DefaultEstimatorConfig()
	c.Bandwidth = 0
	c.TargetUtilization = 1.5
	c.SampleInterval = Clock(time.Second)
	c.QueueWeight = -1
	c.Limit = QueueLimit{}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bandwidth")
	assert.Contains(t, err.Error(), "target utilization")
	assert.Contains(t, err.Error(), "exceeds estimation interval")
	assert.Contains(t, err.Error(), "queue weight")
	assert.Contains(t, err.Error(), "queue limit")

	_, err = NewLoadEstimator("bad", c, nil, nil)
	assert.Error(t, err)
}

// len returns the number of samples.
func (w *occupancyWindow) len() int {
	return w.n
}

// total returns the sum of the samples by iterating over them.
func (w *occupancyWindow) total() (t int64) {
	for i := 0; i < w.n; i++ {
		t += w.ring[(w.start+i)%len(w.ring)]
	}
	return
}

func TestOccupancyWindowSum(t *testing.T) {
	w := newOccupancyWindow(20)
	assert.Equal(t, 0.0, w.mean())
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		w.add(r.Int63n(1000))
		require.Equal(t, w.total(), w.sum)
		require.LessOrEqual(t, w.len(), 20)
	}
	assert.Equal(t, 20, w.len())

	w = newOccupancyWindow(3)
	for _, s := range []int64{1, 2, 3, 4} {
		w.add(s)
	}
	assert.Equal(t, int64(9), w.sum)
	assert.InDelta(t, 3.0, w.mean(), 1e-12)
}

func TestWindowCapacity(t *testing.T) {
	c := DefaultEstimatorConfig()
	assert.Equal(t, 20, c.windowCapacity())
	c.SampleInterval = c.EstimationInterval
	assert.Equal(t, 1, c.windowCapacity())
	c.SampleInterval = Clock(30 * time.Millisecond)
	assert.Equal(t, 7, c.windowCapacity())
}
