// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	"strconv"

	E "github.com/sagernet/sing/common/exceptions"
)

// LoadClass is the load signal a VCP link stamps on each packet, and which
// the receiver echoes back to the sender.  The zero value means the path did
// not provide a signal.
type LoadClass uint8

const (
	LoadNotSupported LoadClass = iota
	LoadLow
	LoadHigh
	LoadOverload
)

// Load factor thresholds.
const (
	HighLoadThreshold     = 0.8
	OverloadLoadThreshold = 1.0
)

// loadClassSize is the serialized size of a LoadClass, in bytes.
const loadClassSize = 1

var loadClassNames = [...]string{
	LoadNotSupported: "not-supported",
	LoadLow:          "low",
	LoadHigh:         "high",
	LoadOverload:     "overload",
}

// Classify returns the LoadClass for the given load factor.
func Classify(loadFactor float64) LoadClass {
	switch {
	case loadFactor < HighLoadThreshold:
		return LoadLow
	case loadFactor < OverloadLoadThreshold:
		return LoadHigh
	}
	return LoadOverload
}

// Merge returns the worse of the existing class and the given class.  A hop
// never downgrades a signal set upstream, and Overload always wins.
func (c LoadClass) Merge(next LoadClass) LoadClass {
	if c == LoadOverload || next == LoadOverload {
		return LoadOverload
	}
	if next > c {
		return next
	}
	return c
}

// Valid returns true if c is a known LoadClass.
func (c LoadClass) Valid() bool {
	return c <= LoadOverload
}

func (c LoadClass) String() string {
	if !c.Valid() {
		return "LoadClass(" + strconv.Itoa(int(c)) + ")"
	}
	return loadClassNames[c]
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (c LoadClass) MarshalBinary() ([]byte, error) {
	if !c.Valid() {
		return nil, E.New("invalid load class ", int(c))
	}
	return []byte{byte(c)}, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *LoadClass) UnmarshalBinary(data []byte) error {
	if len(data) != loadClassSize {
		return E.New("load class must be ", loadClassSize, " byte, got ",
			len(data))
	}
	l := LoadClass(data[0])
	if !l.Valid() {
		return E.New("invalid load class ", int(data[0]))
	}
	*c = l
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (c LoadClass) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, E.New("invalid load class ", int(c))
	}
	return []byte(loadClassNames[c]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *LoadClass) UnmarshalText(text []byte) error {
	for i, n := range loadClassNames {
		if n == string(text) {
			*c = LoadClass(i)
			return nil
		}
	}
	return E.New("unknown load class ", strconv.Quote(string(text)))
}
