// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

// CCA names the congestion control algorithm a flow uses.
type CCA string

const (
	// CCAVCP uses the WindowController, with Reno when the path does not
	// support VCP.
	CCAVCP CCA = "vcp"
	// CCAReno always uses Reno.
	CCAReno CCA = "reno"
)

// Valid returns true if c is a known CCA.
func (c CCA) Valid() bool {
	return c == CCAVCP || c == CCAReno
}

// RenoMD is the Reno multiplicative decrease factor.
const RenoMD = 0.5

// Reno implements TCP Reno, used directly for Reno flows and as the fallback
// for VCP flows whose path provides no load signal.
type Reno struct {
	mss      Bytes
	ssthresh Bytes
	caAcked  Bytes
	priorMD  Clock
}

// NewReno returns a new Reno (not a NewReno :).
func NewReno(mss Bytes) *Reno {
	return &Reno{
		mss, // mss
		0,   // ssthresh (0 means not yet set)
		0,   // caAcked
		0,   // priorMD
	}
}

// slowStart returns true if the flow is in slow-start.
func (r *Reno) slowStart(cwnd Bytes) bool {
	return r.ssthresh == 0 || cwnd < r.ssthresh
}

// handleAck returns the new cwnd after acked bytes are acknowledged.
func (r *Reno) handleAck(acked Bytes, cwnd Bytes) Bytes {
	if r.slowStart(cwnd) {
		return cwnd + min(acked, r.mss)
	}
	r.caAcked += acked
	if r.caAcked >= cwnd {
		r.caAcked = 0
		cwnd += r.mss
	}
	return cwnd
}

// reactToLoss returns the new cwnd after a loss, responding at most once per
// srtt.
func (r *Reno) reactToLoss(cwnd Bytes, srtt Clock, node Node) Bytes {
	if r.ssthresh != 0 && node.Now()-r.priorMD <= srtt {
		return cwnd
	}
	if cwnd = Bytes(float64(cwnd) * RenoMD); cwnd < r.mss {
		cwnd = r.mss
	}
	r.ssthresh = cwnd
	r.caAcked = 0
	r.priorMD = node.Now()
	return cwnd
}

// setThreshold sets ssthresh, e.g. from another controller's threshold.
func (r *Reno) setThreshold(ssthresh Bytes) {
	r.ssthresh = max(ssthresh, r.mss)
}
