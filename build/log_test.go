// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func TestNewSubLogger(t *testing.T) {
	t.Parallel()

	var requested string
	gen := func(subsystem string) btclog.Logger {
		requested = subsystem
		return btclog.NewBackend(nil).Logger(subsystem)
	}

	logger := NewSubLogger("TEST", gen)
	if LoggingType == LogTypeNone {
		require.Equal(t, btclog.Disabled, logger)
		require.Empty(t, requested)
		return
	}
	require.Equal(t, "TEST", requested)
	require.NotEqual(t, btclog.Disabled, logger)

	// Without a daemon backend only stdlog dev builds log anything.
	logger = NewSubLogger("TEST", nil)
	if Deployment == Production || LoggingType != LogTypeStdOut {
		require.Equal(t, btclog.Disabled, logger)
	}
}

func TestTypeStrings(t *testing.T) {
	t.Parallel()

	require.Equal(t, "none", LogTypeNone.String())
	require.Equal(t, "stdout", LogTypeStdOut.String())
	require.Equal(t, "default", LogTypeDefault.String())
	require.Equal(t, "unknown", LogType(9).String())

	require.Equal(t, "development", Development.String())
	require.Equal(t, "production", Production.String())
	require.Equal(t, "unknown", DeploymentType(9).String())
}
