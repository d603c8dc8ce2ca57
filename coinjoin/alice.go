// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcjoin/blindsig"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/google/uuid"
)

// AliceState is the sub-state of an input registration.
type AliceState uint8

const (
	// AliceRegistering is the state before the coordinator accepted the
	// input.
	AliceRegistering AliceState = iota

	// AliceConfirmingConnection means the input is registered and sends
	// heartbeats until ConnectionConfirmation.
	AliceConfirmingConnection

	// AliceConfirmed means the input holds its credentials.
	AliceConfirmed

	// AliceBanned means the input is under a ban.
	AliceBanned

	// AliceFailed means the input dropped out of the round.
	AliceFailed
)

// String returns the state as a human-readable name.
func (s AliceState) String() string {
	switch s {
	case AliceRegistering:
		return "Registering"
	case AliceConfirmingConnection:
		return "ConfirmingConnection"
	case AliceConfirmed:
		return "Confirmed"
	case AliceBanned:
		return "Banned"
	case AliceFailed:
		return "Failed"
	default:
		return fmt.Sprintf("AliceState(%d)", uint8(s))
	}
}

// Alice registers one coin into one round. Every Alice talks to the
// coordinator over its own transport identity.
//
// An Alice is driven by a single goroutine at a time.
type Alice struct {
	Utxo *Utxo

	roundID  coordinator.RoundID
	identity string

	state AliceState
	err   error

	// The following fields are set by Register.
	id               coordinator.AliceID
	plan             *OutputPlan
	credentialAmount btcutil.Amount
	nonces           []*btcec.PublicKey

	// credentials is set by Confirm, parallel to plan.Levels.
	credentials []*blindsig.Credential

	// signed is set once the coordinator accepted the input's witness.
	signed bool
}

// NewAlice creates the registration unit of utxo for a round.
func NewAlice(utxo *Utxo, roundID coordinator.RoundID) *Alice {
	return &Alice{
		Utxo:     utxo,
		roundID:  roundID,
		identity: uuid.NewString(),
	}
}

// State returns the sub-state of the input.
func (a *Alice) State() AliceState {
	return a.state
}

// Err returns why the input failed or was banned.
func (a *Alice) Err() error {
	return a.err
}

// Plan returns the output plan, or nil before registration.
func (a *Alice) Plan() *OutputPlan {
	return a.plan
}

// String identifies the Alice in logs by its coin.
func (a *Alice) String() string {
	return fmt.Sprintf("alice(%v)", a.Utxo.OutPoint)
}

// ctx binds ctx to the Alice's transport identity.
func (a *Alice) ctx(ctx context.Context) context.Context {
	return coordinator.WithIdentity(ctx, a.identity)
}

// fail records err and moves the Alice to AliceBanned or AliceFailed.
func (a *Alice) fail(err Error) error {
	a.err = err
	if err.Kind == Banned {
		a.state = AliceBanned
	} else {
		a.state = AliceFailed
	}

	log.Debugf("%v: %v", a, err)

	return err
}

// Register checks the ban list, plans the outputs of the coin and
// registers it with an ownership proof. Bans reported by the coordinator
// are mirrored into the registry.
func (a *Alice) Register(ctx context.Context, cfg *RoundConfig,
	status *coordinator.RoundStatus) error {

	op := a.Utxo.OutPoint
	now := cfg.Now()

	ban := cfg.Registry.IsBanned(op, a.Utxo.PkScript, now)
	if ban.IsSome() {
		str := fmt.Sprintf("coin %v is banned", op)
		return a.fail(joinError(Banned, ErrInputBanned, str, nil))
	}

	plan, err := PlanOutputs(a.Utxo.Value, status)
	if err != nil {
		var jerr Error
		if !errors.As(err, &jerr) {
			jerr = joinError(Rejected, ErrDenominationMismatch,
				"unable to plan outputs", err)
		}
		return a.fail(jerr)
	}
	a.plan = plan

	log.Debugf("%v: %v", a, plan)

	challenge := coordinator.OwnershipChallenge(a.roundID, op)
	proof, err := cfg.Keys.SignOwnershipProof(ctx, a.Utxo, challenge)
	if err != nil {
		return a.fail(joinError(
			Rejected, ErrOwnershipProofRejected,
			"unable to sign ownership proof", err,
		))
	}

	resp, err := cfg.Client.RegisterInput(
		a.ctx(ctx), &coordinator.InputRegistrationRequest{
			RoundID:        a.roundID,
			OutPoint:       coordinator.NewOutPoint(op),
			PubKey:         a.Utxo.PubKey.SerializeCompressed(),
			OwnershipProof: proof,
			Denominations:  plan.Levels,
		},
	)
	if err != nil {
		jerr := fromCoordinator("input registration refused", err)

		var cerr *coordinator.Error
		if jerr.Kind == Banned && errors.As(err, &cerr) {
			banErr := cfg.ban(a.Utxo, cerr.BanUntil, "coordinator ban")
			if banErr != nil {
				log.Errorf("Unable to record ban of %v: %v",
					op, banErr)
			}
		}

		return a.fail(jerr)
	}

	if len(resp.Nonces) != len(plan.Levels) {
		str := fmt.Sprintf("got %d nonces for %d credentials",
			len(resp.Nonces), len(plan.Levels))
		return a.fail(joinError(
			ProtocolViolation, ErrCoordinator, str, nil,
		))
	}
	if resp.CredentialAmount < plan.CredentialAmount() {
		str := fmt.Sprintf("coordinator credited %v, expected %v",
			resp.CredentialAmount, plan.CredentialAmount())
		return a.fail(joinError(
			ProtocolViolation, ErrDenominationMismatch, str, nil,
		))
	}

	nonces := make([]*btcec.PublicKey, 0, len(resp.Nonces))
	for _, b := range resp.Nonces {
		nonce, err := btcec.ParsePubKey(b)
		if err != nil {
			return a.fail(joinError(
				ProtocolViolation, ErrCoordinator,
				"invalid signer nonce", err,
			))
		}
		nonces = append(nonces, nonce)
	}

	a.id = resp.AliceID
	a.credentialAmount = resp.CredentialAmount
	a.nonces = nonces
	a.state = AliceConfirmingConnection

	log.Infof("Registered %v in round %v for %d outputs", a.Utxo,
		a.roundID, len(plan.Levels))

	return nil
}

// Heartbeat tells the coordinator the input is still online and returns
// the round's phase.
func (a *Alice) Heartbeat(ctx context.Context,
	cfg *RoundConfig) (coordinator.Phase, error) {

	resp, err := cfg.Client.ConfirmConnection(
		a.ctx(ctx), &coordinator.ConnectionConfirmationRequest{
			RoundID: a.roundID,
			AliceID: a.id,
		},
	)
	if err != nil {
		jerr := fromCoordinator("heartbeat refused", err)
		if coordinator.IsCode(err, coordinator.ErrAliceNotFound) {
			return 0, a.fail(jerr)
		}
		return 0, jerr
	}

	return resp.Phase, nil
}

// Confirm requests one blind credential per planned denomination and
// unblinds the answers. A blind signature that does not verify is a
// CryptographicFailure.
func (a *Alice) Confirm(ctx context.Context, cfg *RoundConfig,
	status *coordinator.RoundStatus) error {

	if a.state != AliceConfirmingConnection {
		return a.err
	}

	secrets := make([]*blindsig.Secret, 0, len(a.plan.Levels))
	req := &coordinator.ConnectionConfirmationRequest{
		RoundID: a.roundID,
		AliceID: a.id,
	}
	for i, level := range a.plan.Levels {
		key, err := status.DenominationKey(level)
		if err != nil {
			return a.fail(joinError(
				ProtocolViolation, ErrCoordinator,
				"invalid denomination key", err,
			))
		}

		blinded, secret, err := blindsig.Blind(
			a.plan.Amounts[i],
			&blindsig.PublicKey{Key: key, Nonce: a.nonces[i]},
		)
		if err != nil {
			return a.fail(joinError(
				CryptographicFailure, ErrInvalidSignature,
				"unable to blind credential request", err,
			))
		}

		secrets = append(secrets, secret)
		req.BlindedChallenges = append(
			req.BlindedChallenges, blinded.Bytes(),
		)
	}

	resp, err := cfg.Client.ConfirmConnection(a.ctx(ctx), req)
	if err != nil {
		if ctx.Err() != nil {
			return a.fail(joinError(
				Timeout, ErrPhaseDeadline,
				"connection confirmation deadline passed",
				ctx.Err(),
			))
		}
		return a.fail(fromCoordinator("connection confirmation refused",
			err))
	}

	if len(resp.BlindSignatures) != len(secrets) {
		str := fmt.Sprintf("got %d blind signatures for %d requests",
			len(resp.BlindSignatures), len(secrets))
		return a.fail(joinError(ProtocolViolation, ErrCoordinator, str,
			nil))
	}

	creds := make([]*blindsig.Credential, 0, len(secrets))
	for i, b := range resp.BlindSignatures {
		var sig blindsig.BlindSignature
		if len(b) != len(sig.S) {
			return a.fail(joinError(
				CryptographicFailure, ErrInvalidSignature,
				"malformed blind signature", nil,
			))
		}
		copy(sig.S[:], b)

		cred, err := blindsig.Unblind(&sig, secrets[i])
		if err != nil {
			return a.fail(joinError(
				CryptographicFailure, ErrInvalidSignature,
				"blind signature failed verification", err,
			))
		}
		creds = append(creds, cred)
	}

	a.credentials = creds
	a.state = AliceConfirmed

	log.Debugf("%v: received %d credentials", a, len(creds))

	return nil
}

// ReadyToSign tells the coordinator all outputs of the input are
// registered.
func (a *Alice) ReadyToSign(ctx context.Context, cfg *RoundConfig) error {
	err := cfg.Client.ReadyToSign(
		a.ctx(ctx), &coordinator.ReadyToSignRequest{
			RoundID: a.roundID,
			AliceID: a.id,
		},
	)
	if err != nil {
		return fromCoordinator("ready to sign refused", err)
	}

	return nil
}

// Sign signs the input's part of the joint transaction and submits the
// witness.
func (a *Alice) Sign(ctx context.Context, cfg *RoundConfig,
	unsigned *UnsignedTransaction) error {

	idx, witness, err := unsigned.Sign(ctx, cfg.Keys, a.Utxo)
	if err != nil {
		return a.fail(joinError(
			Timeout, ErrSignatureWithheld, "unable to sign input", err,
		))
	}

	req := &coordinator.SignatureRequest{
		RoundID:    a.roundID,
		AliceID:    a.id,
		InputIndex: idx,
	}
	for _, item := range witness {
		req.Witness = append(req.Witness, item)
	}

	if err := cfg.Client.SubmitSignature(a.ctx(ctx), req); err != nil {
		jerr := fromCoordinator("signature refused", err)
		if jerr.ErrorCode != ErrSignatureRejected {
			jerr = joinError(
				Timeout, ErrSignatureWithheld,
				"signature not submitted", err,
			)
		}
		return a.fail(jerr)
	}

	a.signed = true

	log.Debugf("%v: signature accepted", a)

	return nil
}

// Unregister withdraws the input. Only valid during InputRegistration.
func (a *Alice) Unregister(ctx context.Context, cfg *RoundConfig) error {
	err := cfg.Client.Unregister(
		a.ctx(ctx), &coordinator.UnregisterRequest{
			RoundID: a.roundID,
			AliceID: a.id,
		},
	)
	if err != nil {
		return fromCoordinator("unregister refused", err)
	}

	a.state = AliceFailed
	a.err = joinError(Timeout, ErrPhaseDeadline, "input withdrawn", nil)

	return nil
}
