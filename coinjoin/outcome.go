// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/coordinator"
)

// InputFate is what happened to one committed coin in a round.
type InputFate uint8

const (
	// InputMixed means the coin was spent by the round's transaction.
	InputMixed InputFate = iota

	// InputReleased means the coin was not spent and may join the next
	// round.
	InputReleased

	// InputBanned means the coin was not spent and is banned for the
	// cooldown period.
	InputBanned
)

// String returns the fate as a human-readable name.
func (f InputFate) String() string {
	switch f {
	case InputMixed:
		return "mixed"
	case InputReleased:
		return "released"
	case InputBanned:
		return "banned"
	default:
		return fmt.Sprintf("InputFate(%d)", uint8(f))
	}
}

// OwnedOutput is an output of a successful round that pays to this wallet.
type OwnedOutput struct {
	Index    uint32
	Value    btcutil.Amount
	PkScript []byte

	// IsChange is set for the non-anonymous leftover output.
	IsChange bool
}

// RoundOutcome is the result of a round. It is a sealed interface: the
// only implementations are *Success, *Failed and *Disqualified.
type RoundOutcome interface {
	// isRoundOutcome is a marker method that is part of the sealed
	// interface pattern.
	isRoundOutcome()

	// Round returns the round the outcome belongs to.
	Round() coordinator.RoundID

	// Fates returns what happened to every coin committed to the round.
	Fates() map[wire.OutPoint]InputFate
}

// outcome holds what every RoundOutcome carries.
type outcome struct {
	RoundID coordinator.RoundID
	Inputs  map[wire.OutPoint]InputFate
}

// Round returns the round the outcome belongs to.
func (o *outcome) Round() coordinator.RoundID {
	return o.RoundID
}

// Fates returns what happened to every coin committed to the round.
func (o *outcome) Fates() map[wire.OutPoint]InputFate {
	return o.Inputs
}

// Success means the round's transaction is fully signed and validated.
type Success struct {
	outcome

	// Tx is the signed joint transaction, ready for broadcast.
	Tx *wire.MsgTx

	// Spent holds the coins of this wallet the transaction spends.
	Spent []*Utxo

	// Outputs holds the outputs of Tx paying to this wallet.
	Outputs []OwnedOutput
}

// Failed means the round ended without a transaction.
type Failed struct {
	outcome

	// Err describes the failure. It is an Error for failures detected
	// by this wallet.
	Err error
}

// Disqualified means none of the committed coins made it into the round,
// while the round itself may still have succeeded for others.
type Disqualified struct {
	outcome

	// Reason is why the last coin dropped out.
	Reason Error
}

// isRoundOutcome marks Success as a RoundOutcome.
func (*Success) isRoundOutcome() {}

// isRoundOutcome marks Failed as a RoundOutcome.
func (*Failed) isRoundOutcome() {}

// isRoundOutcome marks Disqualified as a RoundOutcome.
func (*Disqualified) isRoundOutcome() {}

// String describes the outcome.
func (s *Success) String() string {
	return fmt.Sprintf("round %v succeeded with tx %v", s.RoundID,
		s.Tx.TxHash())
}

// String describes the outcome.
func (f *Failed) String() string {
	return fmt.Sprintf("round %v failed: %v", f.RoundID, f.Err)
}

// String describes the outcome.
func (d *Disqualified) String() string {
	return fmt.Sprintf("disqualified from round %v: %v", d.RoundID,
		d.Reason)
}
