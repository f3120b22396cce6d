// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	cpuProfile  string
	memProfile  string
	duration    string
	logLevel    string
	parallel    int
	sweepOutput string
)

func init() {
	RootCmd.AddCommand(RunCmd)
	RootCmd.AddCommand(SweepCmd)
	RootCmd.AddCommand(ConfigCmd)
	RootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"YAML config file, applied on top of the defaults")
	RootCmd.PersistentFlags().StringVar(&cpuProfile, "cpuprofile", "",
		"write a CPU profile to the named file")
	RootCmd.PersistentFlags().StringVar(&memProfile, "memprofile", "",
		"write a heap profile to the named file")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level, overriding the config")
	RunCmd.Flags().StringVar(&duration, "duration", "",
		"simulation duration, overriding the config (e.g. 30s)")
	SweepCmd.Flags().IntVar(&parallel, "parallel", -1,
		"maximum simulations to run at once, overriding the config")
	SweepCmd.Flags().StringVarP(&sweepOutput, "output", "o", "",
		"results file, overriding the config")
}

// RootCmd is the main command for the vcpsim binary.
var RootCmd = &cobra.Command{
	Use:           "vcpsim",
	Short:         "`vcpsim` simulates VCP congestion control",
	Long:          "`vcpsim` simulates VCP congestion control over a bottleneck link",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// RunCmd runs a single simulation.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "`run` runs a single simulation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		return profile(func(ctx context.Context) error {
			s, err := NewScenario(cfg, log)
			if err != nil {
				return err
			}
			r, err := s.Run(ctx)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"utilization": r.Utilization,
				"drops":       r.Drops,
				"drop_rate":   r.DropRate,
				"mean_queue":  r.MeanQueue,
				"fairness":    r.Fairness,
			}).Info("done")
			return nil
		})
	},
}

// SweepCmd runs a sweep of simulations over link rates and flow counts.
var SweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "`sweep` runs simulations over link rates and flow counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		if parallel >= 0 {
			cfg.Sweep.Parallel = parallel
		}
		if sweepOutput != "" {
			cfg.Sweep.Output = sweepOutput
		}
		return profile(func(ctx context.Context) error {
			r, err := Sweep(ctx, cfg, log)
			if err != nil {
				return err
			}
			return WriteResults(r, cfg.Sweep.Output, cmd.OutOrStdout())
		})
	},
}

// ConfigCmd prints the effective config.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "`config` prints the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		b, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	},
}

// setup loads the config, applies flag overrides and returns a logger.
func setup() (cfg Config, log *logrus.Entry, err error) {
	cfg = DefaultConfig()
	if configFile != "" {
		if cfg, err = LoadConfig(configFile); err != nil {
			return
		}
	}
	if duration != "" {
		var d time.Duration
		if d, err = time.ParseDuration(duration); err != nil {
			err = E.Cause(err, "duration")
			return
		}
		cfg.Duration = Clock(d)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err = cfg.Validate(); err != nil {
		return
	}
	var l *logrus.Logger
	if l, err = newLogger(cfg.Log, os.Stderr); err != nil {
		return
	}
	log = logrus.NewEntry(l)
	return
}

// profile runs f with a Context cancelled on interrupt, writing CPU and heap
// profiles if requested.
func profile(f func(ctx context.Context) error) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if cpuProfile != "" {
		var p *os.File
		if p, err = os.Create(cpuProfile); err != nil {
			return
		}
		defer p.Close()
		if err = pprof.StartCPUProfile(p); err != nil {
			return
		}
		defer pprof.StopCPUProfile()
	}
	if err = f(ctx); err != nil {
		return
	}
	if memProfile != "" {
		var p *os.File
		if p, err = os.Create(memProfile); err != nil {
			return
		}
		defer p.Close()
		runtime.GC()
		err = pprof.WriteHeapProfile(p)
	}
	return
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vcpsim: %s\n", err)
		os.Exit(1)
	}
}
