// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// RoundID identifies a round. It is assigned by the coordinator.
type RoundID [32]byte

// String returns the hex encoding of the id.
func (id RoundID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText encodes the id as hex.
func (id RoundID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a hex id.
func (id *RoundID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(id) {
		return fmt.Errorf("round id must be %d bytes, got %d", len(id),
			len(b))
	}
	copy(id[:], b)
	return nil
}

// ParseRoundID decodes a hex round id.
func ParseRoundID(s string) (RoundID, error) {
	var id RoundID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// AliceID is the session handle the coordinator issues for a registered
// input.
type AliceID string

// HexBytes is a byte slice carried as hex in JSON.
type HexBytes []byte

// MarshalText encodes the bytes as hex.
func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

// UnmarshalText decodes hex.
func (b *HexBytes) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// OutPoint is a wire.OutPoint carried as "txid:index" in JSON.
type OutPoint struct {
	wire.OutPoint
}

// NewOutPoint wraps op.
func NewOutPoint(op wire.OutPoint) OutPoint {
	return OutPoint{OutPoint: op}
}

// MarshalText encodes the outpoint.
func (o OutPoint) MarshalText() ([]byte, error) {
	return []byte(o.OutPoint.String()), nil
}

// UnmarshalText decodes "txid:index".
func (o *OutPoint) UnmarshalText(text []byte) error {
	op, err := wire.NewOutPointFromString(string(text))
	if err != nil {
		return err
	}
	o.OutPoint = *op
	return nil
}

// Denomination is one entry of a round's output schedule together with
// the key that signs credentials for it.
type Denomination struct {
	Amount    btcutil.Amount `json:"amount"`
	SignerKey HexBytes       `json:"signer_key"`
}

// TxInput is an input of the joint transaction as reported in the signing
// phase.
type TxInput struct {
	OutPoint OutPoint       `json:"outpoint"`
	Value    btcutil.Amount `json:"value"`
	PkScript HexBytes       `json:"pk_script"`
}

// TxOutput is an output of the joint transaction.
type TxOutput struct {
	Value    btcutil.Amount `json:"value"`
	PkScript HexBytes       `json:"pk_script"`
}

// TxOut converts the output to its wire form.
func (o TxOutput) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(o.Value), o.PkScript)
}

// RoundStatus is the coordinator's view of a round.
type RoundStatus struct {
	ID            RoundID   `json:"id"`
	Phase         Phase     `json:"phase"`
	PhaseDeadline time.Time `json:"phase_deadline"`

	// Denominations is the output schedule in ascending order.
	Denominations []Denomination `json:"denominations"`

	// CoordinatorFeeRate is the fraction of every input's value the
	// coordinator keeps.
	CoordinatorFeeRate float64 `json:"coordinator_fee_rate"`

	// MiningFeeRate is the network fee rate in satoshis per kvB.
	MiningFeeRate btcutil.Amount `json:"mining_fee_rate"`

	MinInputs  int `json:"min_inputs"`
	MaxInputs  int `json:"max_inputs"`
	MinOutputs int `json:"min_outputs"`

	RegisteredInputs  int `json:"registered_inputs"`
	RegisteredOutputs int `json:"registered_outputs"`

	// Inputs, Outputs and UnsignedTxID are published once the round
	// reaches TransactionSigning.
	Inputs       []TxInput  `json:"inputs,omitempty"`
	Outputs      []TxOutput `json:"outputs,omitempty"`
	UnsignedTxID string     `json:"unsigned_txid,omitempty"`

	// The remaining fields are set once the round has Ended.
	Result            Result     `json:"result,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	SignedTransaction HexBytes   `json:"signed_transaction,omitempty"`
	BannedInputs      []OutPoint `json:"banned_inputs,omitempty"`
	BanUntil          time.Time  `json:"ban_until,omitempty"`
}

// DenominationKey parses the signer key of the given schedule level.
func (s *RoundStatus) DenominationKey(level int) (*btcec.PublicKey, error) {
	if level < 0 || level >= len(s.Denominations) {
		return nil, fmt.Errorf("denomination level %d out of range",
			level)
	}

	return btcec.ParsePubKey(s.Denominations[level].SignerKey)
}

// DenominationLevel returns the schedule level of amount, or -1.
func (s *RoundStatus) DenominationLevel(amount btcutil.Amount) int {
	for i, d := range s.Denominations {
		if d.Amount == amount {
			return i
		}
	}
	return -1
}

// UnsignedHash parses UnsignedTxID.
func (s *RoundStatus) UnsignedHash() (*chainhash.Hash, error) {
	return chainhash.NewHashFromStr(s.UnsignedTxID)
}

// SignedTx decodes SignedTransaction.
func (s *RoundStatus) SignedTx() (*wire.MsgTx, error) {
	if len(s.SignedTransaction) == 0 {
		return nil, fmt.Errorf("round %v has no signed transaction",
			s.ID)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(s.SignedTransaction)); err != nil {
		return nil, err
	}

	return tx, nil
}

// IsBanned reports whether op is among the inputs the coordinator banned
// when the round ended.
func (s *RoundStatus) IsBanned(op wire.OutPoint) bool {
	for _, banned := range s.BannedInputs {
		if banned.OutPoint == op {
			return true
		}
	}
	return false
}

// InputRegistrationRequest registers one UTXO into a round.
type InputRegistrationRequest struct {
	RoundID  RoundID  `json:"round_id"`
	OutPoint OutPoint `json:"outpoint"`

	// PubKey is the compressed key the UTXO's script commits to.
	PubKey HexBytes `json:"pubkey"`

	// OwnershipProof is a BIP-340 signature by PubKey over the round's
	// ownership challenge for this outpoint.
	OwnershipProof HexBytes `json:"ownership_proof"`

	// Denominations lists one schedule level per credential the input
	// will request.
	Denominations []int `json:"denominations"`
}

// InputRegistrationResponse acknowledges an input registration.
type InputRegistrationResponse struct {
	AliceID AliceID `json:"alice_id"`

	// CredentialAmount is the input's value minus the coordinator and
	// mining fee for the input.
	CredentialAmount btcutil.Amount `json:"credential_amount"`

	// Nonces holds one signer nonce per requested denomination, in
	// request order.
	Nonces []HexBytes `json:"nonces"`
}

// ConnectionConfirmationRequest is a heartbeat during InputRegistration
// and the credential request during ConnectionConfirmation.
type ConnectionConfirmationRequest struct {
	RoundID RoundID `json:"round_id"`
	AliceID AliceID `json:"alice_id"`

	// BlindedChallenges is empty for heartbeats.
	BlindedChallenges []HexBytes `json:"blinded_challenges,omitempty"`
}

// ConnectionConfirmationResponse carries the round phase and, once
// confirmed, the blind signatures in request order.
type ConnectionConfirmationResponse struct {
	Phase           Phase      `json:"phase"`
	BlindSignatures []HexBytes `json:"blind_signatures,omitempty"`
}

// OutputRegistrationRequest registers an anonymous denomination output.
type OutputRegistrationRequest struct {
	RoundID    RoundID  `json:"round_id"`
	Level      int      `json:"level"`
	Script     HexBytes `json:"script"`
	Credential HexBytes `json:"credential"`
}

// ChangeRegistrationRequest registers the non-anonymous leftover output
// of an input.
type ChangeRegistrationRequest struct {
	RoundID RoundID        `json:"round_id"`
	AliceID AliceID        `json:"alice_id"`
	Script  HexBytes       `json:"script"`
	Amount  btcutil.Amount `json:"amount"`
}

// ReadyToSignRequest marks an input as done with OutputRegistration.
type ReadyToSignRequest struct {
	RoundID RoundID `json:"round_id"`
	AliceID AliceID `json:"alice_id"`
}

// SignatureRequest submits the witness for one input.
type SignatureRequest struct {
	RoundID    RoundID    `json:"round_id"`
	AliceID    AliceID    `json:"alice_id"`
	InputIndex int        `json:"input_index"`
	Witness    []HexBytes `json:"witness"`
}

// UnregisterRequest withdraws an input during InputRegistration.
type UnregisterRequest struct {
	RoundID RoundID `json:"round_id"`
	AliceID AliceID `json:"alice_id"`
}
