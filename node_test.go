// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// testNode is a Node for driving components without a Sim.
type testNode struct {
	now      Clock
	timers   []timer
	sent     []Packet
	logs     []string
	shutdown bool
}

// Timer implements Node.
func (n *testNode) Timer(delay Clock, data any) {
	n.timers = insertTimer(n.timers, timer{0, n.now + delay, data})
}

// Cancel implements Node.
func (n *testNode) Cancel(match func(data any) bool) {
	n.timers = cancelTimers(n.timers, 0, match)
}

// Send implements Node.
func (n *testNode) Send(p Packet) {
	n.sent = append(n.sent, p)
}

// Now implements Node.
func (n *testNode) Now() Clock {
	return n.now
}

// Logf implements Node.
func (n *testNode) Logf(format string, a ...any) {
	n.logs = append(n.logs, fmt.Sprintf(format, a...))
}

// Debugf implements Node.
func (n *testNode) Debugf(format string, a ...any) {
	n.logs = append(n.logs, fmt.Sprintf(format, a...))
}

// Shutdown implements Node.
func (n *testNode) Shutdown() {
	n.shutdown = true
}

// advance fires the timers due up to the given time in order, delivering them
// to d, then sets the time.
func (n *testNode) advance(t *testing.T, to Clock, d Dinger) {
	t.Helper()
	for len(n.timers) > 0 && n.timers[0].at <= to {
		var x timer
		x, n.timers = n.timers[0], n.timers[1:]
		n.now = x.at
		require.NoError(t, d.Ding(x.data, n))
	}
	n.now = to
}

// pending returns the number of pending timers whose data matches.
func (n *testNode) pending(match func(data any) bool) (c int) {
	for _, x := range n.timers {
		if match(x.data) {
			c++
		}
	}
	return
}

// takeSent returns and clears the sent packets.
func (n *testNode) takeSent() (p []Packet) {
	p, n.sent = n.sent, nil
	return
}
