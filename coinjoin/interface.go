// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Utxo is a wallet output that may be mixed.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// PubKey is the key the P2WPKH script commits to.
	PubKey *btcec.PublicKey

	// AnonymityScore counts the independent mixes the coin has been
	// through.
	AnonymityScore int
}

// TxOut returns the output being spent.
func (u *Utxo) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(u.Value), u.PkScript)
}

// String returns the outpoint and value of the coin.
func (u *Utxo) String() string {
	return fmt.Sprintf("%v (%v)", u.OutPoint, u.Value)
}

// WalletService supplies coins to mix and records mixing results.
type WalletService interface {
	// EligibleUtxos returns the spendable P2WPKH coins whose anonymity
	// score is below target.
	EligibleUtxos(ctx context.Context, target int) ([]*Utxo, error)

	// RecordMixOutcome stores the anonymity score of an output created by
	// a successful round.
	RecordMixOutcome(ctx context.Context, op wire.OutPoint,
		score int) error
}

// KeyRing derives output scripts and signs on behalf of the wallet.
type KeyRing interface {
	// NewOutputScript returns a P2WPKH script that has never been used.
	NewOutputScript(ctx context.Context) ([]byte, error)

	// SignOwnershipProof returns a BIP-340 signature over challenge by
	// the key controlling utxo.
	SignOwnershipProof(ctx context.Context, utxo *Utxo,
		challenge [32]byte) ([]byte, error)

	// SignInput returns the witness spending prevOut as input idx of tx.
	SignInput(ctx context.Context, tx *wire.MsgTx, idx int,
		sigHashes *txscript.TxSigHashes,
		prevOut *wire.TxOut) (wire.TxWitness, error)
}

// Broadcaster publishes finished transactions.
type Broadcaster interface {
	// Broadcast sends tx to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}
