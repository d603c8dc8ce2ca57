// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcjoin/coordinator"
)

// OutputPlan is how one input's value is split into denomination outputs,
// change and fees.
type OutputPlan struct {
	Value btcutil.Amount

	CoordinatorFee btcutil.Amount
	InputFee       btcutil.Amount

	// OutputFee is the mining fee paid per output.
	OutputFee btcutil.Amount

	// Levels holds the schedule level of every denomination output, in
	// descending amount order.
	Levels []int

	// Amounts holds the amount of every denomination output, parallel to
	// Levels.
	Amounts []btcutil.Amount

	// Change is the leftover output, or zero.
	Change btcutil.Amount

	// Absorbed is leftover value too small for an output, paid as fee.
	Absorbed btcutil.Amount
}

// CredentialAmount is the value the input contributes after its own fees.
func (p *OutputPlan) CredentialAmount() btcutil.Amount {
	return p.Value - p.CoordinatorFee - p.InputFee
}

// HasChange reports whether the plan includes a change output.
func (p *OutputPlan) HasChange() bool {
	return p.Change > 0
}

// NumOutputs is the number of outputs, change included.
func (p *OutputPlan) NumOutputs() int {
	n := len(p.Levels)
	if p.HasChange() {
		n++
	}
	return n
}

// DenominationTotal is the sum of the denomination outputs.
func (p *OutputPlan) DenominationTotal() btcutil.Amount {
	var total btcutil.Amount
	for _, amount := range p.Amounts {
		total += amount
	}
	return total
}

// MiningFee is everything the input pays to miners.
func (p *OutputPlan) MiningFee() btcutil.Amount {
	return p.InputFee + p.OutputFee*btcutil.Amount(p.NumOutputs()) +
		p.Absorbed
}

// String summarizes the plan.
func (p *OutputPlan) String() string {
	return fmt.Sprintf("%v -> %v in %d denominations, change %v, "+
		"coordinator fee %v, mining fee %v", p.Value,
		p.DenominationTotal(), len(p.Levels), p.Change,
		p.CoordinatorFee, p.MiningFee())
}

// PlanOutputs decomposes an input of the given value into the round's
// denominations. Denominations are taken greedily from the largest down
// while the remaining value pays for the output and its fee. A leftover
// worth an output becomes change; anything smaller is absorbed as fee.
//
// An ErrDenominationMismatch error is returned when not even the smallest
// denomination fits.
func PlanOutputs(value btcutil.Amount,
	round *coordinator.RoundStatus) (*OutputPlan, error) {

	plan := &OutputPlan{
		Value:          value,
		CoordinatorFee: round.CoordinatorFee(value),
		InputFee:       round.InputFee(),
		OutputFee:      round.OutputFee(),
	}

	remaining := plan.CredentialAmount()
	for level := len(round.Denominations) - 1; level >= 0; level-- {
		amount := round.Denominations[level].Amount
		if amount <= 0 {
			continue
		}

		for remaining >= amount+plan.OutputFee {
			plan.Levels = append(plan.Levels, level)
			plan.Amounts = append(plan.Amounts, amount)
			remaining -= amount + plan.OutputFee
		}
	}

	if len(plan.Levels) == 0 {
		str := fmt.Sprintf("value %v does not cover the smallest "+
			"denomination", value)
		return nil, joinError(Rejected, ErrDenominationMismatch, str, nil)
	}

	change := remaining - plan.OutputFee
	if change > 0 && !coordinator.IsDust(change) {
		plan.Change = change
	} else {
		plan.Absorbed = remaining
	}

	return plan, nil
}
