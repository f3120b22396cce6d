// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"math"
	"strconv"
	"strings"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
	"gopkg.in/yaml.v3"
)

// Bytes is a number of bytes.
type Bytes int64

// Bitrate is a rate in bits per second.
type Bitrate int64

const (
	Bps  Bitrate = 1
	Kbps         = 1000 * Bps
	Mbps         = 1000 * Kbps
	Gbps         = 1000 * Mbps
)

// HeaderLen is the size of the IP and TCP headers in each Packet.
const HeaderLen Bytes = 40

// TransferTime returns the time it takes to serialize the given number of
// bytes at the given rate.
func TransferTime(rate Bitrate, length Bytes) time.Duration {
	return time.Duration(int64(length) * 8 * int64(time.Second) / int64(rate))
}

// CalcBitrate returns the rate at which the given bytes were transferred over
// the given duration.
func CalcBitrate(length Bytes, dur time.Duration) Bitrate {
	if dur <= 0 {
		return 0
	}
	return Bitrate(float64(length) * 8 / dur.Seconds())
}

// BytesPerSecond returns the rate in bytes per second.
func (b Bitrate) BytesPerSecond() float64 {
	return float64(b) / 8
}

// Mbps returns the rate in megabits per second.
func (b Bitrate) Mbps() float64 {
	return float64(b) / float64(Mbps)
}

func (b Bitrate) String() string {
	switch {
	case b >= Gbps && b%Gbps == 0:
		return strconv.FormatInt(int64(b/Gbps), 10) + "Gbps"
	case b >= Mbps:
		return strconv.FormatFloat(b.Mbps(), 'f', -1, 64) + "Mbps"
	case b >= Kbps:
		return strconv.FormatFloat(float64(b)/float64(Kbps), 'f', -1, 64) +
			"Kbps"
	}
	return strconv.FormatInt(int64(b), 10) + "bps"
}

// bitrateUnits maps lower case unit suffixes to their rates, longest first.
var bitrateUnits = []struct {
	suffix string
	rate   Bitrate
}{
	{"gbps", Gbps},
	{"mbps", Mbps},
	{"kbps", Kbps},
	{"gb/s", Gbps},
	{"mb/s", Mbps},
	{"kb/s", Kbps},
	{"bps", Bps},
	{"b/s", Bps},
}

// ParseBitrate parses a rate like "1.5Mbps", "100Kbps" or "64000".
func ParseBitrate(s string) (Bitrate, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	u := Bps
	for _, x := range bitrateUnits {
		if strings.HasSuffix(t, x.suffix) {
			t = strings.TrimSpace(strings.TrimSuffix(t, x.suffix))
			u = x.rate
			break
		}
	}
	f, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, E.Cause(err, "invalid bitrate ", strconv.Quote(s))
	}
	if f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, E.New("invalid bitrate ", strconv.Quote(s))
	}
	return Bitrate(math.Round(f * float64(u))), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bitrate) UnmarshalYAML(value *yaml.Node) (err error) {
	var r Bitrate
	if r, err = ParseBitrate(value.Value); err != nil {
		return
	}
	*b = r
	return
}

// MarshalYAML implements yaml.Marshaler.
func (b Bitrate) MarshalYAML() (any, error) {
	return b.String(), nil
}

// Seconds returns the Clock value in seconds.
func (c Clock) Seconds() float64 {
	return time.Duration(c).Seconds()
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting duration strings like
// "200ms".
func (c *Clock) UnmarshalYAML(value *yaml.Node) error {
	d, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return E.Cause(err, "invalid duration ", strconv.Quote(value.Value))
	}
	*c = Clock(d)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (c Clock) MarshalYAML() (any, error) {
	return time.Duration(c).String(), nil
}
