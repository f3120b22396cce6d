// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	assert.Len(t, c.Flows, 4)
	assert.Equal(t, c.Link.EstimationInterval, c.Controller.EstimationInterval)
	assert.False(t, c.Plot.Any())
}

func TestParseConfig(t *testing.T) {
	y := `
duration: 5s
link:
  aqm: vcp
  rate: 1.5Mbps
  limit:
    packets: 25
  load_units: packets
  target_utilization: 1.0
controller:
  grace: hold
  max_increase_per_rtt: 0
flows:
  - cca: vcp
    delay: 40ms
  - cca: reno
    delay: 80ms
    start: 1s
    stop: 4s
plot:
  cwnd: true
`
	c, err := ParseConfig(strings.NewReader(y))
	require.NoError(t, err)
	assert.Equal(t, Clock(5*time.Second), c.Duration)
	assert.Equal(t, 1500*Kbps, c.Link.Rate)
	assert.Equal(t, QueueLimit{Packets: 25}, c.Link.Limit)
	assert.Equal(t, LoadUnitsPackets, c.Link.LoadUnits)
	assert.Equal(t, GraceHold, c.Controller.Grace)
	assert.Equal(t, 0.0, c.Controller.MaxIncreasePerRTT)
	// unset fields keep their defaults
	assert.Equal(t, 0.875, c.Controller.Beta)
	assert.Equal(t, Bytes(1500), c.MSS)
	require.Len(t, c.Flows, 2)
	assert.Equal(t, FlowConfig{CCAReno, Clock(80 * time.Millisecond),
		Clock(time.Second), Clock(4 * time.Second)}, c.Flows[1])
	assert.True(t, c.Plot.Any())
}

func TestParseConfigEmpty(t *testing.T) {
	c, err := ParseConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestParseConfigUnknownField(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("link:\n  bandwith: 1Mbps\n"))
	assert.Error(t, err)
	_, err = ParseConfig(strings.NewReader("controller:\n  grace: maybe\n"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig()
	c.Duration = 0
	c.MSS = 20
	c.Link.AQM = "red"
	c.Flows = append(c.Flows, FlowConfig{CCA("cubic"), -1, 2, 1})
	c.Sweep.Flows = []int{0}
	err := c.Validate()
	require.Error(t, err)
	for _, s := range []string{"duration", "mss", "unknown aqm", "cubic",
		"negative time", "stop must follow start", "flow counts"} {
		assert.Contains(t, err.Error(), s)
	}

	c = DefaultConfig()
	c.Flows = nil
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.Controller.SegmentSize = c.MSS + 1
	assert.ErrorContains(t, c.Validate(), "segment size must not exceed")

	c = DefaultConfig()
	c.Link.SampleInterval = 0
	assert.ErrorContains(t, c.Validate(), "sample interval")

	c = DefaultConfig()
	c.Link.AQM = AQMDropTail
	c.Link.Limit = QueueLimit{}
	assert.ErrorContains(t, c.Validate(), "queue limit")
}

func TestConfigRoundTrip(t *testing.T) {
	c := DefaultConfig()
	c.Link.RateSchedule = []RateAt{{Clock(time.Second), 5 * Mbps}}
	c.Controller.Grace = GraceHold
	b, err := c.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(b), "rate: 10Mbps")
	assert.Contains(t, string(b), "estimation_interval: 200ms")

	p := filepath.Join(t.TempDir(), "vcpsim.yaml")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	d, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, c, d)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
