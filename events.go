// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	events "github.com/docker/go-events"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sirupsen/logrus"
)

// PacketDropped is emitted when a link drops a packet because its queue is
// full.
type PacketDropped struct {
	Link     string
	At       Clock
	Packet   Packet
	QueueLen int
}

// PacketDequeued is emitted when a link dequeues a packet for transmission.
type PacketDequeued struct {
	Link     string
	At       Clock
	Packet   Packet
	Sojourn  Clock
	QueueLen int
}

// LoadFactorComputed is emitted at the end of each estimation interval.
type LoadFactorComputed struct {
	Link          string
	At            Clock
	LoadFactor    float64
	Class         LoadClass
	Arrivals      int64
	MeanOccupancy float64
}

// sinks writes events to each of its Sinks in order.
type sinks []events.Sink

// Write implements events.Sink.
func (s sinks) Write(event events.Event) error {
	var errs []error
	for _, k := range s {
		if err := k.Write(event); err != nil {
			errs = append(errs, err)
		}
	}
	return E.Errors(errs...)
}

// Close implements events.Sink.
func (s sinks) Close() error {
	var errs []error
	for _, k := range s {
		if err := k.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return E.Errors(errs...)
}

// logSink logs link events at debug level.
type logSink struct {
	log *logrus.Entry
}

// Write implements events.Sink.
func (l logSink) Write(event events.Event) error {
	switch e := event.(type) {
	case PacketDropped:
		debugf(l.log, e.At, "%s: drop flow %d seq %d qlen %d",
			e.Link, e.Packet.Flow, e.Packet.Seq, e.QueueLen)
	case LoadFactorComputed:
		debugf(l.log, e.At, "%s: load factor %.6f (%s) arrivals %d "+
			"mean occupancy %.2f", e.Link, e.LoadFactor, e.Class, e.Arrivals,
			e.MeanOccupancy)
	}
	return nil
}

// Close implements events.Sink.
func (logSink) Close() error {
	return nil
}

// linkEvents returns a Matcher for events from the named link.
func linkEvents(link string) events.Matcher {
	return events.MatcherFunc(func(event events.Event) bool {
		switch e := event.(type) {
		case PacketDropped:
			return e.Link == link
		case PacketDequeued:
			return e.Link == link
		case LoadFactorComputed:
			return e.Link == link
		}
		return false
	})
}

// discardSink is a Sink that drops all events.
type discardSink struct{}

// Write implements events.Sink.
func (discardSink) Write(events.Event) error {
	return nil
}

// Close implements events.Sink.
func (discardSink) Close() error {
	return nil
}
