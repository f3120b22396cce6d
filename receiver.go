// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"path/filepath"
	"strconv"
	"time"
)

// Receiver is a TCP receiver that echoes the load class of received segments.
type Receiver struct {
	flow            []rflow
	delayedACK      Clock
	plot            PlotConfig
	start           time.Time
	receivedPackets int
	ackedPackets    int
	interval        []Bytes
	goodput         Xplot
}

// rflow stores receiver information about a single flow.
type rflow struct {
	next        Seq       // rcv.nxt
	pending     int       // segments received since the prior ACK
	pendingLoad LoadClass // merged load class since the prior ACK
	lastSent    Clock     // sent time of the latest segment, echoed for RTT
	timer       bool      // delayed ACK timer pending
	total       Bytes     // total bytes received
}

// ackTimer is the timer data for a flow's delayed ACK.
type ackTimer struct {
	flow FlowID
}

// goodputTimer is the timer data for goodput plot updates.
type goodputTimer struct{}

// NewReceiver returns a new Receiver for the given number of flows.
func NewReceiver(flows int, delayedACK Clock, plot PlotConfig) *Receiver {
	return &Receiver{
		make([]rflow, flows), // flow
		delayedACK,           // delayedACK
		plot,                 // plot
		time.Time{},          // start
		0,                    // receivedPackets
		0,                    // ackedPackets
		make([]Bytes, flows), // interval
		Xplot{
			Title: "Goodput",
			X: Axis{
				Label: "Time (S)",
			},
			Y: Axis{
				Label: "Goodput (Mbps)",
			},
		}, // goodput
	}
}

// Start implements Starter.
func (r *Receiver) Start(node Node) (err error) {
	if r.plot.Goodput {
		if err = r.goodput.Open(filepath.Join(r.plot.Dir,
			"goodput.xpl")); err != nil {
			return
		}
		node.Timer(r.plot.GoodputInterval, goodputTimer{})
	}
	r.start = time.Now()
	return nil
}

// Handle implements Handler.
func (r *Receiver) Handle(pkt Packet, node Node) error {
	if pkt.ACK {
		node.Logf("receiver: unexpected ACK for flow %d", pkt.Flow)
		return nil
	}
	r.receivedPackets++
	r.interval[pkt.Flow] += pkt.Len
	r.receive(pkt, node)
	return nil
}

// receive receives an incoming data Packet.  Paths are FIFO, so a sequence
// gap means loss, and is ACKed immediately.
func (r *Receiver) receive(pkt Packet, node Node) {
	f := &r.flow[pkt.Flow]
	gap := pkt.Seq != f.next
	if pkt.Seq >= f.next {
		f.next = pkt.NextSeq()
	}
	f.pending++
	f.pendingLoad = f.pendingLoad.Merge(pkt.Load)
	f.lastSent = pkt.Sent
	f.total += pkt.Len
	if gap || r.delayedACK == 0 || f.pending >= 2 {
		r.sendAck(pkt.Flow, node)
		return
	}
	if !f.timer {
		f.timer = true
		node.Timer(r.delayedACK, ackTimer{pkt.Flow})
	}
}

// Ding implements Dinger.
func (r *Receiver) Ding(data any, node Node) error {
	switch d := data.(type) {
	case ackTimer:
		f := &r.flow[d.flow]
		f.timer = false
		if f.pending > 0 {
			r.sendAck(d.flow, node)
		}
	case goodputTimer:
		r.updateGoodput(node)
		node.Timer(r.plot.GoodputInterval, goodputTimer{})
	}
	return nil
}

// sendAck sends a cumulative ACK for the flow, echoing the merged load class
// of the segments it covers.
func (r *Receiver) sendAck(id FlowID, node Node) {
	f := &r.flow[id]
	node.Send(Packet{
		Len:    HeaderLen,
		Flow:   id,
		ACKNum: f.next,
		ACK:    true,
		Sent:   f.lastSent,
		ELoad:  f.pendingLoad,
		Acked:  f.pending,
	})
	f.pending = 0
	f.pendingLoad = LoadNotSupported
	if f.timer {
		f.timer = false
		node.Cancel(func(data any) bool {
			t, ok := data.(ackTimer)
			return ok && t.flow == id
		})
	}
	r.ackedPackets++
}

// updateGoodput plots the goodput of each flow over the last interval, and
// the total.
func (r *Receiver) updateGoodput(node Node) {
	d := time.Duration(r.plot.GoodputInterval)
	var a Bytes
	for i, b := range r.interval {
		g := CalcBitrate(b, d)
		r.goodput.Dot(node.Now(), strconv.FormatFloat(g.Mbps(), 'f', -1, 64),
			color(FlowID(i)))
		a += b
		r.interval[i] = 0
	}
	g := CalcBitrate(a, d)
	r.goodput.PlotX(node.Now(), strconv.FormatFloat(g.Mbps(), 'f', -1, 64),
		colorWhite)
}

// Received returns the total bytes received for a flow.
func (r *Receiver) Received(id FlowID) Bytes {
	return r.flow[id].total
}

// ackRatio returns the ratio of ACKs to received packets.
func (r *Receiver) ackRatio() float64 {
	if r.receivedPackets == 0 {
		return 0
	}
	return float64(r.ackedPackets) / float64(r.receivedPackets)
}

// Stop implements Stopper.
func (r *Receiver) Stop(node Node) (err error) {
	if r.plot.Goodput {
		err = r.goodput.Close()
	}
	var a Bytes
	for i := range r.flow {
		t := r.flow[i].total
		a += t
		g := CalcBitrate(t, time.Duration(node.Now()))
		node.Logf("flow %d bytes %d rate %f Mbps", i, t, g.Mbps())
	}
	ar := CalcBitrate(a, time.Duration(node.Now()))
	node.Logf("total  bytes %d rate %f Mbps", a, ar.Mbps())
	d := time.Since(r.start)
	node.Logf("received: %.0f packets/sec, ACK ratio: %f",
		float64(r.receivedPackets)/d.Seconds(), r.ackRatio())
	return
}
