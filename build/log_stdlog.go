// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build stdlog
// +build stdlog

package build

// LoggingType writes all subsystem output straight to stdout. Used by
// `go test -tags="dev stdlog"` runs.
const LoggingType = LogTypeStdOut
