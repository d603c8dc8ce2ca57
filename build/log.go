// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package build holds the build-tag controlled knobs shared by every btcjoin
// package, most importantly how subsystem loggers are constructed.
package build

import (
	"os"

	"github.com/btcsuite/btclog"
)

// LogType is the kind of logging selected by build flags.
type LogType byte

const (
	// LogTypeNone disables logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut writes directly to stdout.
	LogTypeStdOut

	// LogTypeDefault routes through the backend owned by the daemon.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// NewSubLogger returns the logger a package should install for subsystem.
// genSubLogger is the daemon's constructor and may be nil, in which case
// the result depends on the build: production builds get a disabled
// logger, stdlog development builds get a stdout logger at LogLevel.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil && LoggingType != LogTypeNone {
		return genSubLogger(subsystem)
	}

	if Deployment == Development && LoggingType == LogTypeStdOut {
		logger := btclog.NewBackend(os.Stdout).Logger(subsystem)

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger
	}

	return btclog.Disabled
}
