// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want string
	}{
		{addr: "localhost", want: "localhost:8332"},
		{addr: "localhost:18443", want: "localhost:18443"},
		{addr: "127.0.0.1", want: "127.0.0.1:8332"},
		{addr: "::1", want: "[::1]:8332"},
		{addr: "[::1]:38332", want: "[::1]:38332"},
	}

	for _, test := range tests {
		got, err := NormalizeAddress(test.addr, "8332")
		require.NoError(t, err, test.addr)
		require.Equal(t, test.want, got, test.addr)
	}
}

func TestFileExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rpc.cert")

	exists, err := FileExists(path)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, os.WriteFile(path, []byte("cert"), 0600))
	exists, err = FileExists(path)
	require.NoError(t, err)
	require.True(t, exists)
}
