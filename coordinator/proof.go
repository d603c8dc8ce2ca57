// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrProofScriptMismatch is returned when the proof's key does not
	// match the script of the UTXO being registered.
	ErrProofScriptMismatch = errors.New("ownership key does not match " +
		"output script")

	// ErrProofSignature is returned when the proof does not verify.
	ErrProofSignature = errors.New("invalid ownership signature")

	// ErrUnsupportedScript is returned for UTXOs that are not P2WPKH.
	ErrUnsupportedScript = errors.New("only p2wpkh inputs are supported")
)

// ownershipTag domain-separates ownership challenges.
var ownershipTag = []byte("btcjoin/ownership")

// OwnershipChallenge returns the message the owner of op signs to register
// it into round id. Binding the round id prevents replaying a proof into a
// different round.
func OwnershipChallenge(id RoundID, op wire.OutPoint) [32]byte {
	var index [4]byte
	binary.LittleEndian.PutUint32(index[:], op.Index)

	h := chainhash.TaggedHash(ownershipTag, id[:], op.Hash[:], index[:])
	return *h
}

// VerifyOwnershipProof checks that pubKey controls pkScript and that proof
// is its BIP-340 signature over the challenge for (id, op).
func VerifyOwnershipProof(id RoundID, op wire.OutPoint, pkScript,
	pubKey, proof []byte) error {

	if !txscript.IsPayToWitnessPubKeyHash(pkScript) {
		return ErrUnsupportedScript
	}

	key, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return err
	}

	// The witness program of a P2WPKH script is the last 20 bytes.
	program := pkScript[2:]
	if !bytes.Equal(program, btcutil.Hash160(key.SerializeCompressed())) {
		return ErrProofScriptMismatch
	}

	sig, err := schnorr.ParseSignature(proof)
	if err != nil {
		return err
	}

	challenge := OwnershipChallenge(id, op)
	if !sig.Verify(challenge[:], key) {
		return ErrProofSignature
	}

	return nil
}
