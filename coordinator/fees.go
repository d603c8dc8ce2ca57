// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// InputVirtualSize is the virtual size of a signed P2WPKH input.
const InputVirtualSize = txsizes.RedeemP2WPKHInputSize +
	(txsizes.RedeemP2WPKHInputWitnessWeight+
		blockchain.WitnessScaleFactor-1)/blockchain.WitnessScaleFactor

// CoordinatorFee is the part of an input's value the coordinator keeps.
func (s *RoundStatus) CoordinatorFee(value btcutil.Amount) btcutil.Amount {
	return btcutil.Amount(float64(value) * s.CoordinatorFeeRate)
}

// InputFee is the mining fee an input pays for its own weight.
func (s *RoundStatus) InputFee() btcutil.Amount {
	return txrules.FeeForSerializeSize(s.MiningFeeRate, InputVirtualSize)
}

// OutputFee is the mining fee paid for one P2WPKH output.
func (s *RoundStatus) OutputFee() btcutil.Amount {
	return txrules.FeeForSerializeSize(
		s.MiningFeeRate, txsizes.P2WPKHOutputSize,
	)
}

// CredentialAmount is what an input of the given value may spend on
// outputs once the coordinator and its own mining fee are paid. It is
// never negative.
func (s *RoundStatus) CredentialAmount(value btcutil.Amount) btcutil.Amount {
	amount := value - s.CoordinatorFee(value) - s.InputFee()
	if amount < 0 {
		return 0
	}
	return amount
}

// dustTemplate is a P2WPKH script used to size outputs for dust checks.
var dustTemplate = append(
	[]byte{txscript.OP_0, txscript.OP_DATA_20},
	make([]byte, txsizes.P2WPKHPkScriptSize-2)...,
)

// IsDust reports whether an output of the given value paying to a P2WPKH
// script would be rejected by relay policy.
func IsDust(amount btcutil.Amount) bool {
	return txrules.IsDustOutput(
		wire.NewTxOut(int64(amount), dustTemplate),
		txrules.DefaultRelayFeePerKb,
	)
}
