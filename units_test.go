// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseBitrate(t *testing.T) {
	tests := []struct {
		in   string
		rate Bitrate
	}{
		{"1.5Mbps", 1500 * Kbps},
		{"10 Mbps", 10 * Mbps},
		{"100kbps", 100 * Kbps},
		{"1Gb/s", Gbps},
		{"64000", 64000},
		{"8bps", 8},
	}
	for _, tt := range tests {
		r, err := ParseBitrate(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.rate, r, tt.in)
	}
	for _, s := range []string{"", "fast", "-1Mbps", "NaN"} {
		_, err := ParseBitrate(s)
		assert.Error(t, err, s)
	}
}

func TestBitrateString(t *testing.T) {
	assert.Equal(t, "1.5Mbps", (1500 * Kbps).String())
	assert.Equal(t, "10Mbps", (10 * Mbps).String())
	assert.Equal(t, "2Gbps", (2 * Gbps).String())
	assert.Equal(t, "64Kbps", (64 * Kbps).String())
	assert.Equal(t, "500bps", Bitrate(500).String())
}

func TestTransferTime(t *testing.T) {
	assert.Equal(t, time.Millisecond, TransferTime(12*Mbps, 1500))
	assert.Equal(t, 1500*Kbps, CalcBitrate(187500, time.Second))
	assert.Equal(t, Bitrate(0), CalcBitrate(1000, 0))
	assert.Equal(t, 1e6, (8 * Mbps).BytesPerSecond())
}

func TestUnitsYAML(t *testing.T) {
	var v struct {
		Rate  Bitrate `yaml:"rate"`
		Delay Clock   `yaml:"delay"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("rate: 1.5Mbps\ndelay: 200ms\n"),
		&v))
	assert.Equal(t, 1500*Kbps, v.Rate)
	assert.Equal(t, Clock(200*time.Millisecond), v.Delay)
	assert.Equal(t, 0.2, v.Delay.Seconds())

	b, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "rate: 1.5Mbps\ndelay: 200ms\n", string(b))

	assert.Error(t, yaml.Unmarshal([]byte("delay: soon\n"), &v))
	assert.Error(t, yaml.Unmarshal([]byte("rate: quick\n"), &v))
}
