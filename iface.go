// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	events "github.com/docker/go-events"
)

// Iface is a network interface that serializes packets from its AQM at a
// given rate.
type Iface struct {
	name        string
	rate        Bitrate
	schedule    []RateAt
	aqm         AQM
	metrics     *Metrics
	sink        events.Sink
	transmitted Bytes
	busy        bool
}

// RateAt changes the Iface rate at the given time.
type RateAt struct {
	At   Clock   `yaml:"at"`
	Rate Bitrate `yaml:"rate"`
}

// transmitDone is the timer data for the end of a packet's serialization.
type transmitDone struct{}

// NewIface returns a new Iface.  The metrics may be nil, and the sink receives
// a PacketDequeued event for each transmitted packet.
func NewIface(name string, rate Bitrate, schedule []RateAt, aqm AQM,
	metrics *Metrics, sink events.Sink) *Iface {
	if sink == nil {
		sink = discardSink{}
	}
	return &Iface{
		name,
		rate,
		schedule,
		aqm,
		metrics,
		sink,
		0,
		false,
	}
}

// Start implements Starter.
func (i *Iface) Start(node Node) (err error) {
	if s, ok := i.aqm.(Starter); ok {
		if err = s.Start(node); err != nil {
			return
		}
	}
	for _, r := range i.schedule {
		node.Timer(r.At, r.Rate)
	}
	return nil
}

// Handle implements Handler.
func (i *Iface) Handle(pkt Packet, node Node) error {
	if !i.aqm.Enqueue(pkt, node) {
		return nil
	}
	if !i.busy {
		i.timer(node)
	}
	return nil
}

// Ding implements Dinger.
func (i *Iface) Ding(data any, node Node) error {
	switch d := data.(type) {
	case Bitrate:
		node.Logf("%s: rate %s -> %s", i.name, i.rate, d)
		i.rate = d
		if r, ok := i.aqm.(RateSetter); ok {
			r.SetBandwidth(d)
		}
		return nil
	case transmitDone:
		i.transmit(node)
		return nil
	}
	if d, ok := i.aqm.(Dinger); ok {
		return d.Ding(data, node)
	}
	return nil
}

// transmit sends the packet at the head of the queue, whose serialization
// just completed, and starts the next.
func (i *Iface) transmit(node Node) {
	i.busy = false
	p, ok := i.aqm.Dequeue(node)
	if !ok {
		return
	}
	node.Send(p)
	i.transmitted += p.Len
	if i.metrics != nil {
		i.metrics.Transmitted.WithLabelValues(i.name).Add(float64(p.Len))
	}
	if err := i.sink.Write(PacketDequeued{i.name, node.Now(), p,
		node.Now() - p.Enqueue, i.aqm.Len()}); err != nil {
		node.Logf("%s: event sink: %s", i.name, err)
	}
	if i.aqm.Len() > 0 {
		i.timer(node)
	}
}

// timer starts a timer for the serialization of the packet at the head of
// the queue.
func (i *Iface) timer(node Node) {
	p, ok := i.aqm.Peek(node)
	if !ok {
		return
	}
	i.busy = true
	node.Timer(Clock(TransferTime(i.rate, p.Len)), transmitDone{})
}

// Transmitted returns the total bytes sent.
func (i *Iface) Transmitted() Bytes {
	return i.transmitted
}

// Stop implements Stopper.
func (i *Iface) Stop(node Node) error {
	if s, ok := i.aqm.(Stopper); ok {
		return s.Stop(node)
	}
	return nil
}
