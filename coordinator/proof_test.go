// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func p2wpkhScript(t *testing.T, key *btcec.PublicKey) []byte {
	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return script
}

// TestOwnershipProof checks a proof verifies only for the round, outpoint
// and key it was made for.
func TestOwnershipProof(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey()
	pkScript := p2wpkhScript(t, pub)

	roundID := RoundID{1, 2, 3}
	op := wire.OutPoint{Hash: chainhash.Hash{9}, Index: 1}

	challenge := OwnershipChallenge(roundID, op)
	sig, err := schnorr.Sign(priv, challenge[:])
	require.NoError(t, err)
	proof := sig.Serialize()

	require.NoError(t, VerifyOwnershipProof(
		roundID, op, pkScript, pub.SerializeCompressed(), proof,
	))

	// Replaying the proof into another round fails.
	err = VerifyOwnershipProof(
		RoundID{4}, op, pkScript, pub.SerializeCompressed(), proof,
	)
	require.ErrorIs(t, err, ErrProofSignature)

	// So does using it for another outpoint.
	other := op
	other.Index++
	err = VerifyOwnershipProof(
		roundID, other, pkScript, pub.SerializeCompressed(), proof,
	)
	require.ErrorIs(t, err, ErrProofSignature)

	// A key that does not own the script is rejected before the
	// signature is looked at.
	priv2, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	err = VerifyOwnershipProof(
		roundID, op, pkScript, priv2.PubKey().SerializeCompressed(),
		proof,
	)
	require.ErrorIs(t, err, ErrProofScriptMismatch)

	// Only P2WPKH is accepted.
	err = VerifyOwnershipProof(
		roundID, op, []byte{txscript.OP_TRUE},
		pub.SerializeCompressed(), proof,
	)
	require.ErrorIs(t, err, ErrUnsupportedScript)
}
