// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"bufio"
	"fmt"
	"os"
	"text/template"
)

const xplotHeader = `{{or .X.Type "double"}} {{or .Y.Type "double"}}
title
{{.Title}}
{{if .X.Label -}}
xlabel
{{.X.Label}}
{{end -}}
{{if .Y.Label -}}
ylabel
{{.Y.Label}}
{{end -}}
{{if .X.Units -}}
xunits
{{.X.Units}}
{{end -}}
{{if .Y.Units -}}
yunits
{{.Y.Units}}
{{end -}}
{{if not .NonzeroAxis -}}
invisible 0 0
{{end -}}
`

// xplot colors
const (
	colorWhite = iota
	colorGreen
	colorRed
	colorBlue
	colorYellow
	colorPurple
	colorOrange
	colorMagenta
	colorPink
	colorCount
)

// color returns a plot color for a flow.
func color(flow FlowID) int {
	return int(flow) % colorCount
}

type Axis struct {
	Type  string
	Label string
	Units string
}

type Xplot struct {
	Title       string
	X           Axis
	Y           Axis
	NonzeroAxis bool
	file        *os.File
	writer      *bufio.Writer
}

func (p *Xplot) Open(name string) (err error) {
	var t *template.Template
	if t, err = template.New("XplotHeader").Parse(xplotHeader); err != nil {
		return
	}
	if p.file, err = os.Create(name); err != nil {
		return
	}
	p.writer = bufio.NewWriter(p.file)
	err = t.Execute(p.writer, p)
	return
}

func (p *Xplot) Dot(x any, y any, color int) {
	fmt.Fprintf(p.writer, "dot %s %s %d\n", x, y, color)
}

func (p *Xplot) PlotX(x any, y any, color int) {
	fmt.Fprintf(p.writer, "x %s %s %d\n", x, y, color)
}

func (p *Xplot) Close() error {
	fmt.Fprintf(p.writer, "go\n")
	if err := p.writer.Flush(); err != nil {
		p.file.Close()
		return err
	}
	return p.file.Close()
}
