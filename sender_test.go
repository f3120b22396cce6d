// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSender returns a started Sender with one active flow of the given CCA.
func testSender(t *testing.T, cca CCA) (*Sender, *Flow, *testNode,
	*Metrics) {
	t.Helper()
	c := DefaultConfig()
	c.Duration = Clock(10 * time.Second)
	c.Flows = []FlowConfig{{cca, Clock(20 * time.Millisecond), 0, 0}}
	w, err := NewWindowController(c.Controller)
	require.NoError(t, err)
	m := NewMetrics()
	s := NewSender(c, w, m)
	n := &testNode{}
	require.NoError(t, s.Start(n))
	n.advance(t, 0, s)
	return s, s.Flows()[0], n, m
}

func ack(num Seq, acked int, load LoadClass, sent Clock) Packet {
	return Packet{
		Len:    HeaderLen,
		ACK:    true,
		ACKNum: num,
		Acked:  acked,
		ELoad:  load,
		Sent:   sent,
	}
}

func TestSenderInitialWindow(t *testing.T) {
	_, f, n, _ := testSender(t, CCAVCP)
	p := n.takeSent()
	require.Len(t, p, 10)
	for i, x := range p {
		assert.Equal(t, Seq(i), x.Seq)
		assert.Equal(t, Bytes(1500), x.Len)
	}
	assert.Equal(t, Bytes(15000), f.inFlight)
	assert.Equal(t, CCAVCP, f.cca)
	assert.Equal(t, FlowID(0), f.ID())
	assert.NotNil(t, f.Controller())
}

func TestSenderVCPAck(t *testing.T) {
	s, f, n, m := testSender(t, CCAVCP)
	n.takeSent()
	n.now = Clock(100 * time.Millisecond)
	require.NoError(t, s.Handle(ack(1, 1, LoadLow, 0), n))
	assert.Equal(t, StateGrowingLow, f.Controller().State())
	assert.Greater(t, int64(f.Cwnd()), int64(15000))
	assert.Equal(t, Clock(100*time.Millisecond), f.srtt)
	assert.Len(t, n.takeSent(), 1)
	assert.Equal(t, 1.0,
		testutil.ToFloat64(m.Steps.WithLabelValues("0", "mi")))
	assert.Equal(t, float64(f.Cwnd()),
		testutil.ToFloat64(m.Cwnd.WithLabelValues("0")))

	// two segments skipped by the cumulative ACK are lost
	w := f.Cwnd()
	require.NoError(t, s.Handle(ack(4, 1, LoadLow, 0), n))
	assert.Equal(t, 2, f.lost)
	assert.Equal(t, StateFrozen, f.Controller().State())
	assert.Less(t, int64(f.Cwnd()), int64(w))
	assert.Equal(t, 1, f.Controller().Stats().MD)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Losses.WithLabelValues("0")))
	assert.Equal(t, f.Controller().SlowStartThreshold(), f.reno.ssthresh)

	// stale ACKs are ignored
	c := f.Cwnd()
	require.NoError(t, s.Handle(ack(2, 1, LoadOverload, 0), n))
	assert.Equal(t, c, f.Cwnd())
}

func TestSenderRenoFallback(t *testing.T) {
	s, f, n, _ := testSender(t, CCAVCP)
	n.takeSent()
	n.now = Clock(50 * time.Millisecond)
	require.NoError(t, s.Handle(ack(1, 1, LoadNotSupported, 0), n))
	assert.Equal(t, Bytes(16500), f.Cwnd())
	assert.Equal(t, StateInit, f.Controller().State())
	assert.Len(t, n.takeSent(), 2)

	require.NoError(t, s.Handle(ack(3, 1, LoadNotSupported, 0), n))
	assert.Equal(t, Bytes(8250), f.Cwnd())
	assert.Equal(t, Bytes(8250), f.reno.ssthresh)
	assert.Equal(t, ControllerStats{}, f.Controller().Stats())
}

func TestSenderRenoFlow(t *testing.T) {
	s, f, n, _ := testSender(t, CCAReno)
	assert.Nil(t, f.Controller())
	n.takeSent()
	require.NoError(t, s.Handle(ack(1, 1, LoadLow, 0), n))
	assert.Equal(t, Bytes(16500), f.Cwnd())
}

func TestSenderAckAfterStop(t *testing.T) {
	c := DefaultConfig()
	c.Flows = []FlowConfig{{CCAVCP, 0, 0, Clock(50 * time.Millisecond)}}
	w, err := NewWindowController(c.Controller)
	require.NoError(t, err)
	s := NewSender(c, w, nil)
	n := &testNode{}
	require.NoError(t, s.Start(n))
	n.advance(t, Clock(50*time.Millisecond), s)
	require.Len(t, n.takeSent(), 10)
	assert.False(t, s.Flows()[0].active)

	// a late ACK updates the window but arms no timers and sends nothing
	n.now = Clock(60 * time.Millisecond)
	require.NoError(t, s.Handle(ack(1, 1, LoadLow, 0), n))
	assert.Equal(t, StateGrowingLow, s.Flows()[0].Controller().State())
	assert.Equal(t, 0, n.pending(isSnapshot))
	assert.Empty(t, n.sent)
}

func TestSenderRTO(t *testing.T) {
	s, f, n, m := testSender(t, CCAVCP)
	n.takeSent()
	n.advance(t, MinRTO, s)
	assert.Equal(t, 10, f.lost)
	assert.Equal(t, Bytes(7500), f.Cwnd())
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Losses.WithLabelValues("0")))
	p := n.takeSent()
	require.Len(t, p, 5)
	assert.Equal(t, Seq(10), p[0].Seq)
	assert.Equal(t, 1, n.pending(func(data any) bool {
		_, ok := data.(rtoTimer)
		return ok
	}))
}

func TestSenderStopFlow(t *testing.T) {
	c := DefaultConfig()
	c.Flows = []FlowConfig{{CCAVCP, 0, Clock(time.Second),
		Clock(2 * time.Second)}}
	w, err := NewWindowController(c.Controller)
	require.NoError(t, err)
	s := NewSender(c, w, nil)
	n := &testNode{}
	require.NoError(t, s.Start(n))
	n.advance(t, Clock(500*time.Millisecond), s)
	assert.Empty(t, n.sent)
	n.advance(t, Clock(time.Second), s)
	assert.Len(t, n.takeSent(), 10)
	n.now = Clock(1100 * time.Millisecond)
	require.NoError(t, s.Handle(ack(10, 10, LoadHigh, Clock(time.Second)), n))
	n.advance(t, Clock(2*time.Second), s)
	n.takeSent()
	assert.False(t, s.Flows()[0].active)
	assert.Equal(t, 0, n.pending(isSnapshot))
	assert.False(t, n.shutdown)
	n.advance(t, c.Duration, s)
	assert.True(t, n.shutdown)
	require.NoError(t, s.Stop(n))
}
