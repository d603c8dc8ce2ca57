// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcjoin/blindsig"
	"github.com/btcsuite/btcjoin/coordinator"
)

// BobState is the sub-state of an output registration.
type BobState uint8

const (
	// BobPending is the state before the output was sent.
	BobPending BobState = iota

	// BobRegistered means the coordinator accepted the output.
	BobRegistered

	// BobConfirmed means the output is part of the joint transaction.
	BobConfirmed

	// BobFailed means the output was not registered. Its value is left
	// to the miners.
	BobFailed
)

// String returns the state as a human-readable name.
func (s BobState) String() string {
	switch s {
	case BobPending:
		return "Pending"
	case BobRegistered:
		return "Registered"
	case BobConfirmed:
		return "Confirmed"
	case BobFailed:
		return "Failed"
	default:
		return fmt.Sprintf("BobState(%d)", uint8(s))
	}
}

// Bob registers one output. Denomination outputs are paid for with a
// credential and sent over a fresh transport identity so the coordinator
// cannot link them to an input. Change goes through the identity of the
// Alice it belongs to.
type Bob struct {
	Amount   btcutil.Amount
	PkScript []byte

	// Level is the schedule level of a denomination output, or -1 for
	// change.
	Level int

	roundID    coordinator.RoundID
	credential *blindsig.Credential
	alice      *Alice

	state BobState
	err   error
}

// newBobs derives the outputs of a confirmed Alice: one per credential
// plus the change output if the plan has one.
func newBobs(ctx context.Context, keys KeyRing, a *Alice) ([]*Bob, error) {
	bobs := make([]*Bob, 0, a.plan.NumOutputs())
	for i, cred := range a.credentials {
		script, err := keys.NewOutputScript(ctx)
		if err != nil {
			return nil, err
		}

		bobs = append(bobs, &Bob{
			Amount:     cred.Amount,
			PkScript:   script,
			Level:      a.plan.Levels[i],
			roundID:    a.roundID,
			credential: cred,
			alice:      a,
		})
	}

	if a.plan.HasChange() {
		script, err := keys.NewOutputScript(ctx)
		if err != nil {
			return nil, err
		}

		bobs = append(bobs, &Bob{
			Amount:   a.plan.Change,
			PkScript: script,
			Level:    -1,
			roundID:  a.roundID,
			alice:    a,
		})
	}

	return bobs, nil
}

// shuffleBobs randomizes the registration order so the order the
// coordinator sees carries no information about the inputs.
func shuffleBobs(bobs []*Bob) {
	rand.Shuffle(len(bobs), func(i, j int) {
		bobs[i], bobs[j] = bobs[j], bobs[i]
	})
}

// IsChange reports whether the Bob registers a change output.
func (b *Bob) IsChange() bool {
	return b.Level < 0
}

// State returns the sub-state of the output.
func (b *Bob) State() BobState {
	return b.state
}

// Err returns why the output failed.
func (b *Bob) Err() error {
	return b.err
}

// String identifies the Bob in logs without revealing its input.
func (b *Bob) String() string {
	if b.IsChange() {
		return fmt.Sprintf("change output (%v)", b.Amount)
	}
	return fmt.Sprintf("output (%v)", b.Amount)
}

func (b *Bob) fail(err Error) error {
	b.state = BobFailed
	b.err = err

	log.Warnf("Unable to register %v: %v", b, err)

	return err
}

// Register sends the output to the coordinator.
func (b *Bob) Register(ctx context.Context, cfg *RoundConfig,
	status *coordinator.RoundStatus) error {

	if b.IsChange() {
		return b.registerChange(ctx, cfg)
	}

	if status.DenominationLevel(b.Amount) != b.Level {
		str := fmt.Sprintf("amount %v is not level %d of the schedule",
			b.Amount, b.Level)
		return b.fail(joinError(
			Rejected, ErrDenominationNotAllowed, str, nil,
		))
	}

	cred, err := b.credential.Bytes()
	if err != nil {
		return b.fail(joinError(
			CryptographicFailure, ErrCredentialRejected,
			"unable to encode credential", err,
		))
	}

	err = cfg.Client.RegisterOutput(
		coordinator.WithFreshIdentity(ctx),
		&coordinator.OutputRegistrationRequest{
			RoundID:    b.roundID,
			Level:      b.Level,
			Script:     b.PkScript,
			Credential: cred,
		},
	)
	if err != nil {
		return b.fail(fromCoordinator("output registration refused",
			err))
	}

	b.state = BobRegistered

	return nil
}

func (b *Bob) registerChange(ctx context.Context, cfg *RoundConfig) error {
	err := cfg.Client.RegisterChange(
		b.alice.ctx(ctx), &coordinator.ChangeRegistrationRequest{
			RoundID: b.roundID,
			AliceID: b.alice.id,
			Script:  b.PkScript,
			Amount:  b.Amount,
		},
	)
	if err != nil {
		return b.fail(fromCoordinator("change registration refused",
			err))
	}

	b.state = BobRegistered

	return nil
}
