// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	events "github.com/docker/go-events"
)

// DropTail implements a plain FIFO that drops at its limit and does not stamp
// a load class, so flows behind it see LoadNotSupported.
type DropTail struct {
	name    string
	queue   fifo
	drops   int
	metrics *Metrics
	sink    events.Sink
}

// NewDropTail returns a new DropTail for the named link.  The metrics and sink
// may be nil.
func NewDropTail(name string, limit QueueLimit, metrics *Metrics,
	sink events.Sink) *DropTail {
	if sink == nil {
		sink = discardSink{}
	}
	return &DropTail{
		name,           // name
		newFifo(limit), // queue
		0,              // drops
		metrics,        // metrics
		sink,           // sink
	}
}

// Enqueue implements AQM.
func (d *DropTail) Enqueue(pkt Packet, node Node) bool {
	pkt.Enqueue = node.Now()
	if d.metrics != nil {
		d.metrics.Arrivals.WithLabelValues(d.name).Inc()
	}
	if !d.queue.push(pkt) {
		d.drops++
		if d.metrics != nil {
			d.metrics.Drops.WithLabelValues(d.name).Inc()
		}
		if err := d.sink.Write(PacketDropped{d.name, node.Now(), pkt,
			d.queue.len()}); err != nil {
			node.Logf("link %s: event sink: %s", d.name, err)
		}
		return false
	}
	return true
}

// Dequeue implements AQM.
func (d *DropTail) Dequeue(node Node) (Packet, bool) {
	return d.queue.pop()
}

// Peek implements AQM.
func (d *DropTail) Peek(node Node) (Packet, bool) {
	return d.queue.peek()
}

// Len implements AQM.
func (d *DropTail) Len() int {
	return d.queue.len()
}

// Drops returns the number of packets dropped due to the queue limit.
func (d *DropTail) Drops() int {
	return d.drops
}
