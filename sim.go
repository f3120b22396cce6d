// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sirupsen/logrus"
)

// nodeID represents the index of a node in the order added to the Sim.
type nodeID int

// Clock represents the virtual simulation time.
type Clock time.Duration

func (c Clock) StringMS() string {
	return fmt.Sprintf("%f", time.Duration(c).Seconds()*1000)
}

func (c Clock) String() string {
	return fmt.Sprintf("%f", time.Duration(c).Seconds())
}

// Sim is a discrete time network simulator.
type Sim struct {
	handler      []Handler
	now          Clock
	in           []chan inputNow
	out          []chan output
	timer        []timer
	log          *logrus.Entry
	tracePackets bool
	table
	done bool
}

// NewSim returns a new Sim.  Packets sent by each handler are delivered to the
// next handler, with the last handler's packets delivered to the first.
func NewSim(handler []Handler, log *logrus.Entry) *Sim {
	var i []chan inputNow
	var o []chan output
	for range handler {
		i = append(i, make(chan inputNow))
		o = append(o, make(chan output))
	}
	return &Sim{
		handler,
		0,
		i,
		o,
		make([]timer, 0),
		log,
		false,
		newTable(len(handler)),
		false,
	}
}

// Run runs the simulation until a node shuts down, an error occurs or the
// Context is done.
func (s *Sim) Run(ctx context.Context) (err error) {
	for i, h := range s.handler {
		n := nodeID(i)
		o := newNode(h, s.in[n], s.out[n], 0, n, s.log.WithField("node", n))
		s.setState(n, Running)
		go o.run()
	}

	// process messages round-robin style
	//
	// oo holds output that can't be handled in this round (i.e. packets can't
	// be sent to a node that's still Running)
	n := nodeID(0)
	oo := make([]*output, len(s.handler))
	for {
		// read from current index and handle
		if s.State[n] == Running {
			var o output
			if oo[n] != nil {
				o = *oo[n]
			} else {
				o = <-s.out[n]
			}
			if s.tracePackets {
				if p, ok := o.(Packet); ok {
					debugf(s.log.WithField("node", n), s.now, "-> %+v", p)
				}
			}
			var ok bool
			if err, ok = o.handleSim(s, n); err != nil {
				break
			}
			if !ok {
				oo[n] = &o
			} else {
				oo[n] = nil
			}
		}

		// if all done, break
		if s.done {
			break
		}

		// if all waiting, handle next timer
		if s.Waiting == len(s.handler) {
			if err = ctx.Err(); err != nil {
				break
			}
			if len(s.timer) == 0 {
				err = E.New("deadlock: no nodes and no timers running")
				break
			}
			var t timer
			t, s.timer = s.timer[0], s.timer[1:]
			s.now = t.at
			s.in[t.from] <- inputNow{ding{t.data}, s.now}
			s.setState(t.from, Running)
			n = t.from
		} else {
			n = s.next(n)
		}
	}

	// drain nodes so they exit
	for i := range s.handler {
		close(s.in[i])
		for o := range s.out[i] {
			if d, ok := o.(done); ok && d.Err != nil && err == nil {
				err = d.Err
			}
		}
	}

	return
}

// next returns the node after the given node.
func (s *Sim) next(from nodeID) nodeID {
	if from >= nodeID(len(s.handler)-1) {
		return 0
	}
	return from + 1
}

// State represents the status of a node.
type State int

const (
	Running State = iota
	Waiting
)

// table contains the State of each node, and related counters.
type table struct {
	State   []State
	Running int
	Waiting int
}

// newTable returns a new table of the given size with each node in the Running
// State.
func newTable(size int) table {
	return table{
		make([]State, size),
		size,
		0,
	}
}

// setState sets the State for the given node.
func (t *table) setState(node nodeID, state State) {
	if t.State[node] == state {
		return
	}
	switch t.State[node] {
	case Running:
		t.Running--
	case Waiting:
		t.Waiting--
	}
	t.State[node] = state
	switch state {
	case Running:
		t.Running++
	case Waiting:
		t.Waiting++
	}
}

// An output is sent by a node.
type output interface {
	handleSim(sim *Sim, from nodeID) (err error, ok bool)
}

// done is an internal output sent when a node returns.
type done struct {
	Err error
}

// handle implements output.
func (d done) handleSim(s *Sim, from nodeID) (error, bool) {
	s.done = true
	return d.Err, true
}

// wait is sent by the node to signify that it will wait for further input.
type wait struct {
}

// handle implements output.
func (wait) handleSim(sim *Sim, from nodeID) (error, bool) {
	sim.setState(from, Waiting)
	return nil, true
}

// A timer may be sent by a node to wait for the given time.  After the timer has
// completed, a ding is sent to the in channel.  Timers at the same time fire
// in the order they were added.
type timer struct {
	from nodeID
	at   Clock
	data any
}

// handle implements output.
func (t timer) handleSim(sim *Sim, from nodeID) (error, bool) {
	sim.timer = insertTimer(sim.timer, t)
	return nil, true
}

// insertTimer inserts t into the time ordered timers, after any timers at the
// same time.
func insertTimer(timers []timer, t timer) []timer {
	i := sort.Search(len(timers), func(i int) bool {
		return timers[i].at > t.at
	})
	if len(timers) == i {
		return append(timers, t)
	}
	timers = append(timers[:i+1], timers[i:]...)
	timers[i] = t
	return timers
}

// cancel is sent by a node to remove its pending timers whose data matches.
type cancel struct {
	match func(data any) bool
}

// handle implements output.
func (c cancel) handleSim(sim *Sim, from nodeID) (error, bool) {
	sim.timer = cancelTimers(sim.timer, from, c.match)
	return nil, true
}

// cancelTimers removes the timers from the given node that match.
func cancelTimers(timers []timer, from nodeID,
	match func(data any) bool) []timer {
	t := timers[:0]
	for _, x := range timers {
		if x.from == from && match(x.data) {
			continue
		}
		t = append(t, x)
	}
	return t
}
