// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/stretchr/testify/require"
)

type assembleFixture struct {
	keys   *testKeyRing
	ours   *Alice
	theirs *Utxo
	bob    *Bob
	change *Bob

	inputs  []*Utxo
	outputs []*wire.TxOut
}

func newAssembleFixture(t *testing.T) *assembleFixture {
	keys := newTestKeyRing(t)

	utxo := func(value btcutil.Amount) *Utxo {
		priv, script := keys.newKey()

		var op wire.OutPoint
		_, err := rand.Read(op.Hash[:])
		require.NoError(t, err)

		return &Utxo{
			OutPoint: op,
			Value:    value,
			PkScript: script,
			PubKey:   priv.PubKey(),
		}
	}
	output := func(value btcutil.Amount, level int) *Bob {
		_, script := keys.newKey()
		return &Bob{
			Amount:   value,
			PkScript: script,
			Level:    level,
			state:    BobRegistered,
		}
	}

	f := &assembleFixture{
		keys:   keys,
		ours:   &Alice{Utxo: utxo(1_500_000), state: AliceConfirmed},
		theirs: utxo(1_200_000),
		bob:    output(1_000_000, 0),
		change: output(490_000, -1),
	}
	theirOutput := output(1_000_000, 0)

	f.inputs = []*Utxo{f.ours.Utxo, f.theirs}
	f.outputs = []*wire.TxOut{
		wire.NewTxOut(int64(f.bob.Amount), f.bob.PkScript),
		wire.NewTxOut(int64(f.change.Amount), f.change.PkScript),
		wire.NewTxOut(
			int64(theirOutput.Amount), theirOutput.PkScript,
		),
	}

	return f
}

// status publishes the fixture's transaction. When sorted is false the
// inputs and outputs keep the order they were added in.
func (f *assembleFixture) status(sorted bool) *coordinator.RoundStatus {
	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*Utxo)
	for _, in := range f.inputs {
		op := in.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		prevOuts[op] = in
	}
	for _, out := range f.outputs {
		tx.AddTxOut(out)
	}
	if sorted {
		txsort.InPlaceSort(tx)
	}

	status := testRound(0.003, testSchedule...)
	status.Phase = coordinator.TransactionSigning
	for _, txIn := range tx.TxIn {
		in := prevOuts[txIn.PreviousOutPoint]
		status.Inputs = append(status.Inputs, coordinator.TxInput{
			OutPoint: coordinator.NewOutPoint(in.OutPoint),
			Value:    in.Value,
			PkScript: in.PkScript,
		})
	}
	for _, out := range tx.TxOut {
		status.Outputs = append(status.Outputs, coordinator.TxOutput{
			Value:    btcutil.Amount(out.Value),
			PkScript: out.PkScript,
		})
	}
	status.UnsignedTxID = tx.TxHash().String()

	return status
}

func (f *assembleFixture) assemble(
	status *coordinator.RoundStatus) (*UnsignedTransaction, error) {

	return Assemble(
		status, []*Alice{f.ours}, []*Bob{f.bob, f.change},
	)
}

func TestAssemble(t *testing.T) {
	t.Parallel()

	f := newAssembleFixture(t)

	unsigned, err := f.assemble(f.status(true))
	require.NoError(t, err)

	require.Len(t, unsigned.Tx.TxIn, 2)
	require.Len(t, unsigned.Tx.TxOut, 3)
	require.Len(t, unsigned.Outputs, 2)
	for _, out := range unsigned.Outputs {
		txOut := unsigned.Tx.TxOut[out.Index]
		require.Equal(t, int64(out.Value), txOut.Value)
		require.Equal(t, out.PkScript, txOut.PkScript)
	}
	require.Equal(t, BobConfirmed, f.bob.State())
	require.Equal(t, BobConfirmed, f.change.State())

	for i, in := range unsigned.Packet.Inputs {
		require.NotNil(t, in.WitnessUtxo, "input %d", i)
	}
}

func TestAssembleRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*assembleFixture, *coordinator.RoundStatus)
		code   ErrorCode
	}{
		{
			name: "txid mismatch",
			modify: func(_ *assembleFixture,
				s *coordinator.RoundStatus) {

				s.UnsignedTxID = wire.NewMsgTx(1).TxHash().String()
			},
			code: ErrInvalidTransaction,
		},
		{
			name: "input altered",
			modify: func(f *assembleFixture,
				s *coordinator.RoundStatus) {

				for i, in := range s.Inputs {
					if in.OutPoint.OutPoint == f.ours.Utxo.OutPoint {
						s.Inputs[i].Value--
					}
				}
			},
			code: ErrInvalidTransaction,
		},
		{
			name: "too few outputs",
			modify: func(_ *assembleFixture,
				s *coordinator.RoundStatus) {

				s.MinOutputs = 4
			},
			code: ErrTooFewParticipants,
		},
		{
			name: "too few inputs",
			modify: func(_ *assembleFixture,
				s *coordinator.RoundStatus) {

				s.MinInputs = 3
			},
			code: ErrTooFewParticipants,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			f := newAssembleFixture(t)
			status := f.status(true)
			test.modify(f, status)

			_, err := f.assemble(status)
			require.True(t, IsCode(err, test.code), err)
			require.True(t, IsKind(err, ProtocolViolation))
		})
	}
}

// TestAssembleRejectsTransactions covers transactions that differ from
// what was registered.
func TestAssembleRejectsTransactions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*assembleFixture)
		sorted bool
	}{
		{
			name: "missing output",
			modify: func(f *assembleFixture) {
				f.outputs = f.outputs[1:]
			},
			sorted: true,
		},
		{
			name: "missing input",
			modify: func(f *assembleFixture) {
				f.inputs = f.inputs[1:]
			},
			sorted: true,
		},
		{
			name: "outputs exceed inputs",
			modify: func(f *assembleFixture) {
				f.outputs[2].Value = 5_000_000
			},
			sorted: true,
		},
		{
			name: "duplicate input",
			modify: func(f *assembleFixture) {
				f.inputs = append(f.inputs, f.theirs)
			},
			sorted: true,
		},
		{
			// The fixture lists a 0.01 BTC output ahead of the
			// smaller change.
			name:   "not canonical",
			modify: func(*assembleFixture) {},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			f := newAssembleFixture(t)
			test.modify(f)

			_, err := f.assemble(f.status(test.sorted))
			require.True(t, IsKind(err, ProtocolViolation), err)
			require.True(t, IsFatal(err))
		})
	}
}

func TestSignAndValidate(t *testing.T) {
	t.Parallel()

	f := newAssembleFixture(t)
	unsigned, err := f.assemble(f.status(true))
	require.NoError(t, err)

	ctx := context.Background()
	idx, witness, err := unsigned.Sign(ctx, f.keys, f.ours.Utxo)
	require.NoError(t, err)
	require.Equal(t, f.ours.Utxo.OutPoint,
		unsigned.Tx.TxIn[idx].PreviousOutPoint)
	require.NotEmpty(t, unsigned.Packet.Inputs[idx].FinalScriptWitness)

	signed := unsigned.Tx.Copy()
	signed.TxIn[idx].Witness = witness

	// The other participant has not signed yet.
	err = unsigned.Validate(signed)
	require.True(t, IsCode(err, ErrInvalidTransaction), err)

	theirIdx, theirWitness, err := unsigned.Sign(ctx, f.keys, f.theirs)
	require.NoError(t, err)
	signed.TxIn[theirIdx].Witness = theirWitness
	require.NoError(t, unsigned.Validate(signed))

	// A witness for the wrong input does not verify.
	signed.TxIn[idx].Witness, signed.TxIn[theirIdx].Witness =
		signed.TxIn[theirIdx].Witness, signed.TxIn[idx].Witness
	require.Error(t, unsigned.Validate(signed))

	// A different transaction is rejected outright.
	other := signed.Copy()
	other.LockTime = 1
	require.Error(t, unsigned.Validate(other))

	// Inputs the key ring cannot sign are reported, not submitted.
	f.keys.withholdSignature(f.ours.Utxo.OutPoint)
	_, _, err = unsigned.Sign(ctx, f.keys, f.ours.Utxo)
	require.Error(t, err)
}
