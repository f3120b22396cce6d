// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"path/filepath"
	"strconv"

	events "github.com/docker/go-events"
	E "github.com/sagernet/sing/common/exceptions"
)

// AQM is the queue management for an Iface.
type AQM interface {
	// Enqueue adds a packet to the queue, returning false if it was dropped.
	Enqueue(Packet, Node) bool
	Dequeue(Node) (Packet, bool)
	Peek(Node) (Packet, bool)
	Len() int
}

// A RateSetter is an AQM that tracks the rate of its Iface.
type RateSetter interface {
	SetBandwidth(Bitrate)
}

// linkPlot is an events.Sink that makes plots for a link.
type linkPlot struct {
	cfg        PlotConfig
	link       string
	sojourn    Xplot
	qlen       Xplot
	loadFactor Xplot
	drops      Xplot
	dropTotal  int
}

// newLinkPlot returns a new linkPlot.
func newLinkPlot(cfg PlotConfig, link string) *linkPlot {
	return &linkPlot{
		cfg,
		link,
		Xplot{
			Title: "Queue Sojourn Time",
			X: Axis{
				Label: "Time (S)",
			},
			Y: Axis{
				Label: "Sojourn time (ms)",
			},
		},
		Xplot{
			Title: "Queue Length",
			X: Axis{
				Label: "Time (S)",
			},
			Y: Axis{
				Label: "Length (packets)",
			},
		},
		Xplot{
			Title: "VCP Load Factor - low:green, high:yellow, overload:red",
			X: Axis{
				Label: "Time (S)",
			},
			Y: Axis{
				Label: "Load factor",
			},
		},
		Xplot{
			Title: "Total Drops",
			X: Axis{
				Label: "Time (S)",
			},
			Y: Axis{
				Type:  "unsigned",
				Label: "Drops",
			},
		},
		0,
	}
}

// Open opens the enabled plots.
func (a *linkPlot) Open() (err error) {
	if a.cfg.Sojourn {
		if err = a.sojourn.Open(a.path("sojourn")); err != nil {
			return
		}
	}
	if a.cfg.QueueLength {
		if err = a.qlen.Open(a.path("queue-length")); err != nil {
			return
		}
	}
	if a.cfg.LoadFactor {
		if err = a.loadFactor.Open(a.path("load-factor")); err != nil {
			return
		}
	}
	if a.cfg.Drops {
		if err = a.drops.Open(a.path("drops")); err != nil {
			return
		}
	}
	return
}

// path returns the file path for the named plot.
func (a *linkPlot) path(name string) string {
	return filepath.Join(a.cfg.Dir, a.link+"-"+name+".xpl")
}

// Write implements events.Sink.
func (a *linkPlot) Write(event events.Event) error {
	switch e := event.(type) {
	case PacketDequeued:
		if a.cfg.Sojourn {
			c := colorWhite
			if e.QueueLen == 0 {
				c = colorRed
			}
			a.sojourn.Dot(e.At, e.Sojourn.StringMS(), c)
		}
		if a.cfg.QueueLength {
			c := colorWhite
			if e.QueueLen == 0 {
				c = colorRed
			}
			a.qlen.Dot(e.At, strconv.Itoa(e.QueueLen), c)
		}
	case LoadFactorComputed:
		if a.cfg.LoadFactor {
			a.loadFactor.Dot(e.At,
				strconv.FormatFloat(e.LoadFactor, 'f', -1, 64),
				classColor(e.Class))
		}
	case PacketDropped:
		a.dropTotal++
		if a.cfg.Drops {
			a.drops.PlotX(e.At, strconv.Itoa(a.dropTotal), colorRed)
		}
	}
	return nil
}

// Close implements events.Sink.
func (a *linkPlot) Close() error {
	var errs []error
	for _, p := range []*Xplot{&a.sojourn, &a.qlen, &a.loadFactor,
		&a.drops} {
		if p.file == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return E.Errors(errs...)
}

// classColor returns the plot color for a LoadClass.
func classColor(c LoadClass) int {
	switch c {
	case LoadLow:
		return colorGreen
	case LoadHigh:
		return colorYellow
	case LoadOverload:
		return colorRed
	}
	return colorWhite
}
