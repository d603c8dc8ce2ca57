// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func TestIsDust(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amount btcutil.Amount
		dust   bool
	}{
		{amount: 0, dust: true},
		{amount: 100, dust: true},
		{amount: 1_000, dust: false},
		{amount: 100_000, dust: false},
	}

	for _, test := range tests {
		require.Equal(t, test.dust, IsDust(test.amount), "%v", test.amount)
	}

	// The template must be a spendable P2WPKH script, otherwise every
	// amount is reported as dust.
	require.Equal(t, txscript.WitnessV0PubKeyHashTy,
		txscript.GetScriptClass(dustTemplate))
}

func TestCredentialAmount(t *testing.T) {
	t.Parallel()

	status := &RoundStatus{
		CoordinatorFeeRate: 0.003,
		MiningFeeRate:      btcutil.Amount(10_000),
	}

	value := btcutil.Amount(1_000_000)
	want := value - status.CoordinatorFee(value) - status.InputFee()
	require.Equal(t, btcutil.Amount(3_000), status.CoordinatorFee(value))
	require.Equal(t, want, status.CredentialAmount(value))
	require.Positive(t, status.InputFee())
	require.Positive(t, status.OutputFee())

	require.Zero(t, status.CredentialAmount(100))
}
