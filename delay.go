// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"sort"

	E "github.com/sagernet/sing/common/exceptions"
)

// Delay adds delay to flows.  The load tag crosses the Delay in its one byte
// wire form.
type Delay struct {
	FlowDelay []Clock
	at        []pktTime
}

// pktTime stores a packet and a time, which we keep in the at field instead
// of scheduling a lot of timers.
type pktTime struct {
	packet Packet // packet to send
	time   Clock  // simulation time to send it
	tag    []byte // serialized load tag
}

// delayDone is the timer data for the release of the earliest packet.
type delayDone struct{}

// NewDelay returns a new Delay.
func NewDelay(flowDelay []Clock) *Delay {
	return &Delay{
		flowDelay,
		make([]pktTime, 0),
	}
}

// Handle implements Handler.
func (d *Delay) Handle(pkt Packet, node Node) error {
	g, err := pkt.Load.MarshalBinary()
	if err != nil {
		return E.Cause(err, "delay: flow ", int(pkt.Flow), " seq ",
			int(pkt.Seq))
	}
	pkt.Load = LoadNotSupported
	t := node.Now() + d.FlowDelay[pkt.Flow]
	// flows have different delays, so keep at ordered by release time
	i := sort.Search(len(d.at), func(i int) bool {
		return d.at[i].time > t
	})
	d.at = append(d.at, pktTime{})
	copy(d.at[i+1:], d.at[i:])
	d.at[i] = pktTime{pkt, t, g}
	if i == 0 {
		node.Cancel(isDelayDone)
		node.Timer(t-node.Now(), delayDone{})
	}
	return nil
}

// Ding implements Dinger.
func (d *Delay) Ding(data any, node Node) error {
	for len(d.at) > 0 && d.at[0].time <= node.Now() {
		var p pktTime
		p, d.at = d.at[0], d.at[1:]
		if err := p.packet.Load.UnmarshalBinary(p.tag); err != nil {
			return E.Cause(err, "delay")
		}
		node.Send(p.packet)
	}
	if len(d.at) > 0 {
		node.Timer(d.at[0].time-node.Now(), delayDone{})
	}
	return nil
}

// isDelayDone matches delayDone timers.
func isDelayDone(data any) bool {
	_, ok := data.(delayDone)
	return ok
}
