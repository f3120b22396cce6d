// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

// Seq is a segment sequence number, counted in packets.
type Seq int

// FlowID identifies a flow.
type FlowID int

// Packet represents a network packet in the simulation, which for now always
// includes an approximation of a TCP segment.
type Packet struct {
	// IP fields
	Len Bytes

	// TCP segment fields
	Flow   FlowID
	Seq    Seq
	ACKNum Seq
	ACK    bool
	Sent   Clock

	// VCP load signal, stamped by links (Load) and echoed by the receiver on
	// ACKs (ELoad)
	Load  LoadClass
	ELoad LoadClass

	// non-standard fields for simulation purposes

	// Acked is the number of segments the receiver received since its prior
	// ACK, so the sender can tell loss from delayed ACKs.
	Acked int

	// AQM fields
	Enqueue Clock
}

// handleSim implements output.
func (p Packet) handleSim(sim *Sim, node nodeID) (error, bool) {
	x := sim.next(node)
	if sim.State[x] == Running {
		return nil, false
	}
	sim.in[x] <- inputNow{p, sim.now}
	sim.setState(x, Running)
	return nil, true
}

// handleNode implements input.
func (p Packet) handleNode(node *node) (err error) {
	return node.handler.Handle(p, node)
}

// NextSeq returns the next expected sequence number after this Packet.
func (p Packet) NextSeq() Seq {
	return p.Seq + 1
}
