// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"path/filepath"
	"strconv"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
)

// MinRTO is the minimum retransmission timeout, after which a flow with no
// ACK progress considers its in-flight data lost.
const MinRTO = Clock(200 * time.Millisecond)

// Sender approximates a TCP sender with multiple flows.
type Sender struct {
	flow     []*Flow
	schedule []FlowAt
	duration Clock
	plot     PlotConfig
	inFlight Xplot
	cwnd     Xplot
	rtt      Xplot
}

// FlowAt is used to mark flows active or inactive to start and stop them.
type FlowAt struct {
	ID     FlowID
	At     Clock
	Active bool
}

// senderDone is the timer data for the end of the simulation.
type senderDone struct{}

// rtoTimer is the timer data for a flow's retransmission timeout check.
type rtoTimer struct {
	flow FlowID
}

// NewSender returns a new Sender for the configured flows.  VCP flows get a
// WindowController forked from proto.
func NewSender(cfg Config, proto *WindowController, metrics *Metrics) *Sender {
	var f []*Flow
	var s []FlowAt
	for i, c := range cfg.Flows {
		id := FlowID(i)
		var w *WindowController
		if c.CCA == CCAVCP {
			w = proto.Fork()
		}
		f = append(f, NewFlow(id, cfg, w, metrics))
		s = append(s, FlowAt{id, c.Start, true})
		if c.Stop > 0 {
			s = append(s, FlowAt{id, c.Stop, false})
		}
	}
	return &Sender{
		f,
		s,
		cfg.Duration,
		cfg.Plot,
		Xplot{
			Title: "VCP data in-flight",
			X: Axis{
				Label: "Time (S)",
			},
			Y: Axis{
				Label: "In-flight (bytes)",
			},
		},
		Xplot{
			Title: "VCP CWND",
			X: Axis{
				Label: "Time (S)",
			},
			Y: Axis{
				Label: "CWND (bytes)",
			},
		},
		Xplot{
			Title: "VCP RTT",
			X: Axis{
				Label: "Time (S)",
			},
			Y: Axis{
				Label: "RTT (ms)",
			},
			NonzeroAxis: true,
		},
	}
}

// Start implements Starter.
func (s *Sender) Start(node Node) (err error) {
	if s.plot.InFlight {
		if err = s.inFlight.Open(filepath.Join(s.plot.Dir,
			"in-flight.xpl")); err != nil {
			return
		}
	}
	if s.plot.Cwnd {
		if err = s.cwnd.Open(filepath.Join(s.plot.Dir, "cwnd.xpl")); err != nil {
			return
		}
	}
	if s.plot.RTT {
		if err = s.rtt.Open(filepath.Join(s.plot.Dir, "tcp-rtt.xpl")); err != nil {
			return
		}
	}
	for _, a := range s.schedule {
		node.Timer(a.At, a)
	}
	node.Timer(s.duration, senderDone{})
	return nil
}

// Handle implements Handler.
func (s *Sender) Handle(pkt Packet, node Node) error {
	if int(pkt.Flow) >= len(s.flow) {
		return E.New("sender: unknown flow ", int(pkt.Flow))
	}
	f := s.flow[pkt.Flow]
	f.receive(pkt, node)
	s.plotFlow(f, node)
	s.send(node)
	return nil
}

// Ding implements Dinger.
func (s *Sender) Ding(data any, node Node) error {
	switch d := data.(type) {
	case FlowAt:
		f := s.flow[d.ID]
		if d.Active {
			f.start(node)
		} else {
			f.stop(node)
		}
		s.send(node)
	case rtoTimer:
		s.flow[d.flow].checkRTO(node)
		s.send(node)
	case snapshotTimer:
		return d.controller.Ding(data, node)
	case senderDone:
		node.Shutdown()
	default:
		return E.New("sender: unexpected timer")
	}
	return nil
}

// send sends packets until the in-flight bytes reaches cwnd.
func (s *Sender) send(node Node) {
	var n int
	for n < len(s.flow) {
		n = 0
		for _, f := range s.flow {
			if !f.active {
				n++
				continue
			}
			if !f.sendMSS(node) {
				n++
			}
		}
	}
}

// plotFlow adds plot points for the flow.
func (s *Sender) plotFlow(f *Flow, node Node) {
	c := color(f.id)
	if s.plot.InFlight {
		s.inFlight.Dot(node.Now(), strconv.FormatInt(int64(f.inFlight), 10), c)
	}
	if s.plot.Cwnd {
		s.cwnd.Dot(node.Now(), strconv.FormatInt(int64(f.cwnd), 10), c)
	}
	if s.plot.RTT {
		s.rtt.Dot(node.Now(), f.srtt.StringMS(), c)
	}
}

// Flows returns the flows.
func (s *Sender) Flows() []*Flow {
	return s.flow
}

// Stop implements Stopper.
func (s *Sender) Stop(node Node) error {
	var errs []error
	for _, p := range []*Xplot{&s.inFlight, &s.cwnd, &s.rtt} {
		if p.file == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range s.flow {
		f.stop(node)
		node.Logf("flow %d (%s): sent %d lost %d cwnd %d srtt %sms %s",
			f.id, f.cca, f.sent, f.lost, f.cwnd, f.srtt.StringMS(), f.stats())
	}
	return E.Errors(errs...)
}

// Flow represents the state for a single Flow.
type Flow struct {
	id       FlowID
	active   bool
	cca      CCA
	mss      Bytes
	rttAlpha float64
	ctrl     *WindowController
	reno     *Reno
	metrics  *Metrics

	seq          Seq // next to send
	acked        Seq // next expected ACKNum
	srtt         Clock
	cwnd         Bytes
	inFlight     Bytes
	lastProgress Clock
	vcpPath      bool

	sent int
	lost int
}

// NewFlow returns a new flow.  The WindowController is nil for Reno flows.
func NewFlow(id FlowID, cfg Config, ctrl *WindowController,
	metrics *Metrics) *Flow {
	c := CCAReno
	if ctrl != nil {
		c = CCAVCP
	}
	return &Flow{
		id,                // id
		false,             // active
		c,                 // cca
		cfg.MSS,           // mss
		cfg.RTTAlpha,      // rttAlpha
		ctrl,              // ctrl
		NewReno(cfg.MSS),  // reno
		metrics,           // metrics
		0,                 // seq
		0,                 // acked
		0,                 // srtt
		cfg.InitialWindow, // cwnd
		0,                 // inFlight
		0,                 // lastProgress
		false,             // vcpPath
		0,                 // sent
		0,                 // lost
	}
}

// start activates the flow.
func (f *Flow) start(node Node) {
	if f.active {
		return
	}
	f.active = true
	f.lastProgress = node.Now()
	node.Timer(f.rto(), rtoTimer{f.id})
}

// stop deactivates the flow and releases its timers.
func (f *Flow) stop(node Node) {
	f.active = false
	if f.ctrl != nil {
		f.ctrl.Close(node)
	}
	node.Cancel(func(data any) bool {
		t, ok := data.(rtoTimer)
		return ok && t.flow == f.id
	})
}

// sendMSS sends an MSS sized packet if it fits within cwnd, or if nothing is
// in flight.  It returns true if it's possible to send more MSS sized packets.
func (f *Flow) sendMSS(node Node) bool {
	if f.inFlight > 0 && f.inFlight+f.mss > f.cwnd {
		return false
	}
	node.Send(Packet{
		Len:  f.mss,
		Flow: f.id,
		Seq:  f.seq,
		Sent: node.Now(),
	})
	if f.inFlight == 0 {
		f.lastProgress = node.Now()
	}
	f.inFlight += f.mss
	f.seq++
	f.sent++
	return f.inFlight+f.mss <= f.cwnd
}

// receive handles an incoming ACK.  Segments skipped over by the cumulative
// ACK number, beyond those the receiver reports having received, are lost.
func (f *Flow) receive(ack Packet, node Node) {
	if !ack.ACK || ack.ACKNum <= f.acked {
		return
	}
	n := int(ack.ACKNum - f.acked)
	lost := max(n-ack.Acked, 0)
	f.acked = ack.ACKNum
	if f.inFlight -= Bytes(n) * f.mss; f.inFlight < 0 {
		f.inFlight = 0
	}
	f.lastProgress = node.Now()
	r := node.Now() - ack.Sent
	f.updateRTT(r)
	f.vcpPath = ack.ELoad != LoadNotSupported
	if lost > 0 {
		f.lost += lost
		if f.metrics != nil {
			f.metrics.Losses.WithLabelValues(flowLabel(f.id)).Add(float64(lost))
		}
	}

	if f.ctrl != nil && f.vcpPath {
		s := f.ctrl.Stats()
		if lost > 0 {
			f.cwnd = f.ctrl.OnLossEvent(node, f.cwnd)
		}
		f.cwnd = f.ctrl.OnAckBatch(node, f.cwnd, ack.ELoad, r, ack.Acked)
		f.reno.setThreshold(f.ctrl.SlowStartThreshold())
		f.observe(s)
	} else {
		if lost > 0 {
			f.cwnd = f.reno.reactToLoss(f.cwnd, f.srtt, node)
		}
		f.cwnd = f.reno.handleAck(Bytes(max(ack.Acked, 1))*f.mss, f.cwnd)
	}
	if f.metrics != nil {
		f.metrics.Cwnd.WithLabelValues(flowLabel(f.id)).Set(float64(f.cwnd))
	}
}

// checkRTO declares all in-flight data lost if there's been no ACK progress
// for an RTO, then restarts the check.
func (f *Flow) checkRTO(node Node) {
	if !f.active {
		return
	}
	if f.inFlight > 0 && node.Now()-f.lastProgress >= f.rto() {
		lost := int(f.seq - f.acked)
		node.Debugf("flow %d: RTO, %d segments lost", f.id, lost)
		f.lost += lost
		if f.metrics != nil {
			f.metrics.Losses.WithLabelValues(flowLabel(f.id)).Add(float64(lost))
		}
		f.acked = f.seq
		f.inFlight = 0
		f.lastProgress = node.Now()
		if f.ctrl != nil && f.vcpPath {
			s := f.ctrl.Stats()
			f.cwnd = f.ctrl.OnLossEvent(node, f.cwnd)
			f.observe(s)
		} else {
			f.cwnd = f.reno.reactToLoss(f.cwnd, f.srtt, node)
		}
	}
	node.Timer(f.rto(), rtoTimer{f.id})
}

// rto returns the retransmission timeout.
func (f *Flow) rto() Clock {
	return max(3*f.srtt, MinRTO)
}

// observe records the controller steps taken since the given stats.
func (f *Flow) observe(before ControllerStats) {
	if f.metrics == nil {
		return
	}
	a := f.ctrl.Stats()
	l := flowLabel(f.id)
	if d := a.MI - before.MI; d > 0 {
		f.metrics.Steps.WithLabelValues(l, "mi").Add(float64(d))
	}
	if d := a.AI - before.AI; d > 0 {
		f.metrics.Steps.WithLabelValues(l, "ai").Add(float64(d))
	}
	if d := a.MD - before.MD; d > 0 {
		f.metrics.Steps.WithLabelValues(l, "md").Add(float64(d))
	}
	if d := a.Rejected - before.Rejected; d > 0 {
		f.metrics.Rejected.WithLabelValues(l).Add(float64(d))
	}
}

// updateRTT updates the smoothed rtt from the given sample.
func (f *Flow) updateRTT(sample Clock) {
	if f.srtt == 0 {
		f.srtt = sample
	} else {
		f.srtt = Clock(f.rttAlpha*float64(sample) +
			(1-f.rttAlpha)*float64(f.srtt))
	}
}

// stats returns a summary of the flow's controller steps.
func (f *Flow) stats() string {
	if f.ctrl == nil {
		return ""
	}
	s := f.ctrl.Stats()
	return "mi " + strconv.Itoa(s.MI) + " ai " + strconv.Itoa(s.AI) +
		" md " + strconv.Itoa(s.MD) + " rejected " + strconv.Itoa(s.Rejected)
}

// ID returns the flow's ID.
func (f *Flow) ID() FlowID {
	return f.id
}

// Cwnd returns the flow's congestion window.
func (f *Flow) Cwnd() Bytes {
	return f.cwnd
}

// Controller returns the flow's WindowController, or nil for Reno flows.
func (f *Flow) Controller() *WindowController {
	return f.ctrl
}
