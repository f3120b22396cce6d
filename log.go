// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	"io"
	"os"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sirupsen/logrus"
)

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// newLogger returns a new logger for the given config, writing to w.
func newLogger(cfg LogConfig, w io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	if w == nil {
		w = os.Stderr
	}
	l.SetOutput(w)
	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, E.Cause(err, "log level")
	}
	l.SetLevel(lvl)
	switch cfg.Format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: true,
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			DisableTimestamp: true,
		})
	default:
		return nil, E.New("unknown log format ", cfg.Format)
	}
	return l, nil
}

// logf logs a message at the given simulation time.
func logf(log *logrus.Entry, now Clock, format string, a ...any) {
	log.WithField("t", now.String()).Infof(format, a...)
}

// debugf logs a diagnostic message at the given simulation time.
func debugf(log *logrus.Entry, now Clock, format string, a ...any) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log.WithField("t", now.String()).Debugf(format, a...)
}
