// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

// QueueLimit is the capacity of a queue.  A zero field means no limit for that
// dimension, but at least one must be set.
type QueueLimit struct {
	Packets int   `yaml:"packets"`
	Bytes   Bytes `yaml:"bytes"`
}

// Valid returns true if the limit bounds the queue.
func (l QueueLimit) Valid() bool {
	return l.Packets >= 0 && l.Bytes >= 0 && (l.Packets > 0 || l.Bytes > 0)
}

// fifo is a bounded first-in first-out packet queue.
type fifo struct {
	queue []Packet
	bytes Bytes
	limit QueueLimit
}

// newFifo returns a new fifo with the given limit.
func newFifo(limit QueueLimit) fifo {
	return fifo{
		make([]Packet, 0), // queue
		0,                 // bytes
		limit,             // limit
	}
}

// push adds the Packet to the tail, or returns false if that would exceed the
// limit.
func (f *fifo) push(pkt Packet) bool {
	if f.limit.Packets > 0 && len(f.queue)+1 > f.limit.Packets {
		return false
	}
	if f.limit.Bytes > 0 && f.bytes+pkt.Len > f.limit.Bytes {
		return false
	}
	f.queue = append(f.queue, pkt)
	f.bytes += pkt.Len
	return true
}

// pop removes and returns the Packet at the head.
func (f *fifo) pop() (pkt Packet, ok bool) {
	if len(f.queue) == 0 {
		return
	}
	pkt, f.queue = f.queue[0], f.queue[1:]
	f.bytes -= pkt.Len
	ok = true
	return
}

// peek returns the Packet at the head.
func (f *fifo) peek() (pkt Packet, ok bool) {
	if len(f.queue) == 0 {
		return
	}
	return f.queue[0], true
}

// len returns the number of queued packets.
func (f *fifo) len() int {
	return len(f.queue)
}

// size returns the number of queued bytes.
func (f *fifo) size() Bytes {
	return f.bytes
}
