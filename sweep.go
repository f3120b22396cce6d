// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	"context"
	"io"
	"os"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// SweepConfig configures a sweep of simulations over link rates and flow
// counts.
type SweepConfig struct {
	Rates []Bitrate `yaml:"rates"`
	Flows []int     `yaml:"flows"`
	// Parallel is the maximum number of simulations run at once, or zero for
	// no limit.
	Parallel int `yaml:"parallel"`
	// Output is the results file, or empty for stdout.
	Output string `yaml:"output"`
}

// Validate returns an error describing every problem with the sweep config.
func (c SweepConfig) Validate() error {
	var errs []error
	for _, r := range c.Rates {
		if r <= 0 {
			errs = append(errs, E.New("rates must be positive"))
			break
		}
	}
	for _, n := range c.Flows {
		if n <= 0 {
			errs = append(errs, E.New("flow counts must be positive"))
			break
		}
	}
	if c.Parallel < 0 {
		errs = append(errs, E.New("parallel must not be negative"))
	}
	return E.Errors(errs...)
}

// SweepPoint is the Config for one point in a sweep.
type SweepPoint struct {
	Rate  Bitrate
	Flows int
}

// points returns the sweep points, rates varying fastest.
func (c SweepConfig) points() (p []SweepPoint) {
	for _, n := range c.Flows {
		for _, r := range c.Rates {
			p = append(p, SweepPoint{r, n})
		}
	}
	return
}

// pointConfig returns the Config for a sweep point.  Flows are copied from the
// base Config's flows in turn, and plots and the metrics file are disabled.
func pointConfig(base Config, pt SweepPoint) Config {
	c := base
	c.Link.Rate = pt.Rate
	c.Link.RateSchedule = nil
	c.Flows = make([]FlowConfig, pt.Flows)
	for i := range c.Flows {
		c.Flows[i] = base.Flows[i%len(base.Flows)]
	}
	c.Plot = PlotConfig{}
	c.Metrics = MetricsConfig{}
	return c
}

// Sweep runs a simulation for each point of the sweep, in parallel, and
// returns the Results in point order.
func Sweep(ctx context.Context, cfg Config, log *logrus.Entry) ([]Result,
	error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := cfg.Sweep.points()
	r := make([]Result, len(p))
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Sweep.Parallel > 0 {
		g.SetLimit(cfg.Sweep.Parallel)
	}
	for i, pt := range p {
		i, pt := i, pt
		g.Go(func() error {
			l := log.WithFields(logrus.Fields{
				"rate":  pt.Rate.String(),
				"flows": pt.Flows,
			})
			s, err := NewScenario(pointConfig(cfg, pt), l)
			if err != nil {
				return err
			}
			if r[i], err = s.Run(ctx); err != nil {
				return E.Cause(err, "rate ", pt.Rate.String(), " flows ",
					pt.Flows)
			}
			l.WithFields(logrus.Fields{
				"utilization": r[i].Utilization,
				"drop_rate":   r[i].DropRate,
				"fairness":    r[i].Fairness,
			}).Info("sweep point done")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return r, nil
}

// WriteResults writes the Results as YAML to the named file, or w if the name
// is empty.
func WriteResults(r []Result, name string, w io.Writer) (err error) {
	if name != "" {
		var f *os.File
		if f, err = os.Create(name); err != nil {
			return
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}
	e := yaml.NewEncoder(w)
	if err = e.Encode(r); err != nil {
		return
	}
	return e.Close()
}
