// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/coordinator"
)

// UnsignedTransaction is the joint transaction published for signing,
// checked against everything this wallet registered. The embedded packet
// collects the witnesses of the wallet's own inputs.
type UnsignedTransaction struct {
	Tx     *wire.MsgTx
	Packet *psbt.Packet

	// Outputs are the outputs of the transaction paying this wallet.
	Outputs []OwnedOutput

	fetcher    *txscript.MultiPrevOutFetcher
	sigHashes  *txscript.TxSigHashes
	inputIndex map[wire.OutPoint]int

	mu sync.Mutex
}

// invalidTx returns the error for a joint transaction that does not match
// what the wallet registered.
func invalidTx(format string, args ...interface{}) Error {
	return joinError(
		ProtocolViolation, ErrInvalidTransaction,
		fmt.Sprintf(format, args...), nil,
	)
}

// Assemble rebuilds the joint transaction from the round status and
// verifies it before anything is signed: the published txid matches the
// canonically ordered transaction, no input appears twice, every
// confirmed input and every registered output of the wallet is present
// unaltered, the wallet's denomination outputs are on the schedule, the
// round's minimums hold and the outputs do not spend more than the
// inputs.
func Assemble(status *coordinator.RoundStatus, alices []*Alice,
	bobs []*Bob) (*UnsignedTransaction, error) {

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(status.Inputs))

	var totalIn, totalOut btcutil.Amount
	for _, in := range status.Inputs {
		op := in.OutPoint.OutPoint
		if _, ok := prevOuts[op]; ok {
			return nil, invalidTx("input %v spent twice", op)
		}

		prevOuts[op] = wire.NewTxOut(int64(in.Value), in.PkScript)
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		totalIn += in.Value
	}
	for _, out := range status.Outputs {
		tx.AddTxOut(out.TxOut())
		totalOut += out.Value
	}

	if !txsort.IsSorted(tx) {
		return nil, invalidTx("transaction is not in canonical order")
	}

	want, err := status.UnsignedHash()
	if err != nil {
		return nil, invalidTx("invalid transaction id %q",
			status.UnsignedTxID)
	}
	if txid := tx.TxHash(); txid != *want {
		return nil, invalidTx("transaction id %v does not match "+
			"published id %v", txid, want)
	}

	if len(tx.TxIn) < status.MinInputs {
		return nil, joinError(
			ProtocolViolation, ErrTooFewParticipants,
			fmt.Sprintf("%d inputs, round requires %d",
				len(tx.TxIn), status.MinInputs), nil,
		)
	}
	if len(tx.TxOut) < status.MinOutputs {
		return nil, joinError(
			ProtocolViolation, ErrTooFewParticipants,
			fmt.Sprintf("%d outputs, round requires %d",
				len(tx.TxOut), status.MinOutputs), nil,
		)
	}
	if totalOut > totalIn {
		return nil, invalidTx("outputs spend %v of %v input value",
			totalOut, totalIn)
	}

	inputIndex := make(map[wire.OutPoint]int, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		inputIndex[txIn.PreviousOutPoint] = i
	}

	for _, a := range alices {
		if a.state != AliceConfirmed {
			continue
		}

		op := a.Utxo.OutPoint
		prevOut, ok := prevOuts[op]
		if !ok {
			return nil, invalidTx("input %v is missing", op)
		}
		if !psbt.TxOutsEqual(prevOut, a.Utxo.TxOut()) {
			return nil, invalidTx("input %v was altered", op)
		}
	}

	var owned []OwnedOutput
	for _, b := range bobs {
		if b.state != BobRegistered && b.state != BobConfirmed {
			continue
		}

		idx := -1
		for i, txOut := range tx.TxOut {
			if txOut.Value == int64(b.Amount) &&
				bytes.Equal(txOut.PkScript, b.PkScript) {

				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, invalidTx("%v is missing", b)
		}

		if !b.IsChange() && status.DenominationLevel(b.Amount) < 0 {
			return nil, joinError(
				ProtocolViolation, ErrDenominationNotAllowed,
				fmt.Sprintf("%v is not on the schedule", b), nil,
			)
		}

		b.state = BobConfirmed
		owned = append(owned, OwnedOutput{
			Index:    uint32(idx),
			Value:    b.Amount,
			PkScript: b.PkScript,
			IsChange: b.IsChange(),
		})
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, invalidTx("unable to create packet: %v", err)
	}
	for i, txIn := range tx.TxIn {
		packet.Inputs[i].WitnessUtxo = prevOuts[txIn.PreviousOutPoint]
		packet.Inputs[i].SighashType = txscript.SigHashAll
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)

	return &UnsignedTransaction{
		Tx:         tx,
		Packet:     packet,
		Outputs:    owned,
		fetcher:    fetcher,
		sigHashes:  txscript.NewTxSigHashes(tx, fetcher),
		inputIndex: inputIndex,
	}, nil
}

// Sign produces the witness of utxo's input and checks it before it is
// handed out. The witness is recorded in the packet.
func (u *UnsignedTransaction) Sign(ctx context.Context, keys KeyRing,
	utxo *Utxo) (int, wire.TxWitness, error) {

	idx, ok := u.inputIndex[utxo.OutPoint]
	if !ok {
		return 0, nil, fmt.Errorf("input %v not in transaction",
			utxo.OutPoint)
	}

	prevOut := u.Packet.Inputs[idx].WitnessUtxo
	witness, err := keys.SignInput(ctx, u.Tx, idx, u.sigHashes, prevOut)
	if err != nil {
		return 0, nil, err
	}

	if err := u.verifyInput(idx, witness); err != nil {
		return 0, nil, fmt.Errorf("witness of input %d does not "+
			"verify: %w", idx, err)
	}

	// Serialize the witness format from the stack representation to the
	// wire representation.
	var witnessBytes bytes.Buffer
	if err := psbt.WriteTxWitness(&witnessBytes, witness); err != nil {
		return 0, nil, fmt.Errorf("error serializing witness: %w", err)
	}

	u.mu.Lock()
	u.Packet.Inputs[idx].FinalScriptWitness = witnessBytes.Bytes()
	u.mu.Unlock()

	return idx, witness, nil
}

// verifyInput script-checks witness as the witness of input idx.
func (u *UnsignedTransaction) verifyInput(idx int,
	witness wire.TxWitness) error {

	tx := u.Tx.Copy()
	tx.TxIn[idx].Witness = witness

	return verifyInput(tx, idx, u.fetcher, u.sigHashes)
}

// Validate checks that signed is the fully signed form of the joint
// transaction.
func (u *UnsignedTransaction) Validate(signed *wire.MsgTx) error {
	if signed.TxHash() != u.Tx.TxHash() {
		return invalidTx("signed transaction %v does not match %v",
			signed.TxHash(), u.Tx.TxHash())
	}

	sigHashes := txscript.NewTxSigHashes(signed, u.fetcher)
	for i, txIn := range signed.TxIn {
		if len(txIn.Witness) == 0 {
			return invalidTx("input %d is not signed", i)
		}

		err := verifyInput(signed, i, u.fetcher, sigHashes)
		if err != nil {
			return invalidTx("input %d does not verify: %v", i, err)
		}
	}

	return nil
}

func verifyInput(tx *wire.MsgTx, idx int,
	fetcher txscript.PrevOutputFetcher,
	sigHashes *txscript.TxSigHashes) error {

	prevOut := fetcher.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint)
	if prevOut == nil {
		return fmt.Errorf("unknown previous output %v",
			tx.TxIn[idx].PreviousOutPoint)
	}

	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		sigHashes, prevOut.Value, fetcher,
	)
	if err != nil {
		return err
	}

	return vm.Execute()
}
