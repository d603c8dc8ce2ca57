// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"fmt"
)

// Phase is the stage a round is in. Phases only ever move forward.
type Phase uint8

const (
	// InputRegistration accepts inputs with ownership proofs.
	InputRegistration Phase = iota

	// ConnectionConfirmation asks every registered input to confirm it
	// is still online and issues blind credentials.
	ConnectionConfirmation

	// OutputRegistration accepts anonymous outputs paid for with
	// credentials.
	OutputRegistration

	// TransactionSigning collects signatures for the joint transaction.
	TransactionSigning

	// Ended is terminal, with Result describing how the round ended.
	Ended
)

var phaseNames = map[Phase]string{
	InputRegistration:      "InputRegistration",
	ConnectionConfirmation: "ConnectionConfirmation",
	OutputRegistration:     "OutputRegistration",
	TransactionSigning:     "TransactionSigning",
	Ended:                  "Ended",
}

// String returns the phase name.
func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p <= Ended
}

// Next returns the phase following p. Ended is its own successor.
func (p Phase) Next() Phase {
	if p >= Ended {
		return Ended
	}
	return p + 1
}

// Before reports whether p precedes other.
func (p Phase) Before(other Phase) bool {
	return p < other
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid phase %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Result is how an Ended round finished.
type Result string

const (
	// ResultNone is reported before the round has ended.
	ResultNone Result = ""

	// ResultSucceeded means the transaction was fully signed.
	ResultSucceeded Result = "succeeded"

	// ResultFailed means the round was abandoned; FailureReason says why.
	ResultFailed Result = "failed"
)
