// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		net  wire.BitcoinNet
		port string
	}{
		{"mainnet", wire.MainNet, "8332"},
		{"testnet3", wire.TestNet3, "18332"},
		{"testnet", wire.TestNet3, "18332"},
		{"regtest", wire.TestNet, "18443"},
		{"simnet", wire.SimNet, "18554"},
		{"signet", wire.SigNet, "38332"},
	}

	for _, test := range tests {
		params, err := ByName(test.name)
		require.NoError(t, err, test.name)
		require.Equal(t, test.net, params.Net, test.name)
		require.Equal(t, test.port, params.RPCPort, test.name)
	}

	_, err := ByName("testnet5")
	require.Error(t, err)

	for _, name := range Names() {
		_, err := ByName(name)
		require.NoError(t, err, name)
	}
}

func TestSameChain(t *testing.T) {
	t.Parallel()

	require.True(t, SameChain(&MainNetParams, "mainnet"))
	require.True(t, SameChain(&MainNetParams, "main"))
	require.True(t, SameChain(&TestNet3Params, "testnet3"))
	require.True(t, SameChain(&TestNet3Params, "test"))
	require.True(t, SameChain(&RegressionNetParams, "regtest"))
	require.True(t, SameChain(&SigNetParams, "signet"))
	require.True(t, SameChain(&SimNetParams, "simnet"))

	require.False(t, SameChain(&MainNetParams, "test"))
	require.False(t, SameChain(&SimNetParams, "regtest"))
	require.False(t, SameChain(&SigNetParams, "testnet4"))
}
