// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build trace
// +build trace

package build

// LogLevel is the level used by stdout loggers created through
// NewSubLogger.
var LogLevel = "trace"
