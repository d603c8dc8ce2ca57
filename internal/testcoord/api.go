// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package testcoord

import (
	"bytes"
	"context"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/blindsig"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/google/uuid"
)

// Rounds returns every round, including ended ones.
func (c *Coordinator) Rounds(_ context.Context) ([]*coordinator.RoundStatus,
	error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	rounds := make([]*coordinator.RoundStatus, 0, len(c.rounds))
	for _, r := range c.rounds {
		rounds = append(rounds, r.snapshot())
	}
	sort.Slice(rounds, func(i, j int) bool {
		return bytes.Compare(rounds[i].ID[:], rounds[j].ID[:]) < 0
	})

	return rounds, nil
}

// RoundStatus returns the status of round id.
func (c *Coordinator) RoundStatus(_ context.Context,
	id coordinator.RoundID) (*coordinator.RoundStatus, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rounds[id]
	if !ok {
		return nil, coordinator.NewError(
			coordinator.ErrRoundNotFound, "%v", id,
		)
	}

	return r.snapshot(), nil
}

// RegisterInput registers a UTXO known to the simulated chain.
func (c *Coordinator) RegisterInput(_ context.Context,
	req *coordinator.InputRegistrationRequest) (
	*coordinator.InputRegistrationResponse, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.lookup(req.RoundID, coordinator.InputRegistration)
	if err != nil {
		return nil, err
	}

	op := req.OutPoint.OutPoint
	if until, ok := c.bans[op]; ok && c.cfg.Now().Before(until) {
		return nil, &coordinator.Error{
			Code:     coordinator.ErrInputBanned,
			Message:  op.String(),
			BanUntil: until,
		}
	}
	for _, a := range r.alices {
		if a.op == op {
			return nil, coordinator.NewError(
				coordinator.ErrInternal, "%v already registered",
				op,
			)
		}
	}
	if len(r.alices) >= r.status.MaxInputs {
		return nil, coordinator.NewError(coordinator.ErrRoundFull, "")
	}

	prevOut, ok := c.utxos[op]
	if !ok {
		return nil, coordinator.NewError(
			coordinator.ErrOwnershipProofRejected, "unknown utxo %v",
			op,
		)
	}
	err = coordinator.VerifyOwnershipProof(
		req.RoundID, op, prevOut.PkScript, req.PubKey,
		req.OwnershipProof,
	)
	if err != nil {
		return nil, coordinator.NewError(
			coordinator.ErrOwnershipProofRejected, "%v", err,
		)
	}

	credentialAmount := r.status.CredentialAmount(
		btcutil.Amount(prevOut.Value),
	)
	a := &alice{
		id:               coordinator.AliceID(uuid.NewString()),
		op:               op,
		prevOut:          prevOut,
		credentialAmount: credentialAmount,
		levels:           req.Denominations,
	}
	for _, level := range req.Denominations {
		if level < 0 || level >= len(r.signers) {
			return nil, coordinator.NewError(
				coordinator.ErrDenominationNotAllowed,
				"level %d", level,
			)
		}
	}
	if len(a.levels) == 0 || r.committed(a) > credentialAmount {
		return nil, coordinator.NewError(
			coordinator.ErrDenominationMismatch,
			"input worth %v cannot pay for %d outputs",
			credentialAmount, len(a.levels),
		)
	}

	resp := &coordinator.InputRegistrationResponse{
		AliceID:          a.id,
		CredentialAmount: credentialAmount,
	}
	for _, level := range a.levels {
		nonce, err := r.signers[level].NewNonce()
		if err != nil {
			return nil, err
		}
		a.nonces = append(a.nonces, nonce)
		resp.Nonces = append(
			resp.Nonces, nonce.PubKey().SerializeCompressed(),
		)
	}

	r.alices[a.id] = a
	r.status.RegisteredInputs = len(r.alices)
	c.autoAdvance(r)

	return resp, nil
}

// Unregister withdraws an input during InputRegistration.
func (c *Coordinator) Unregister(_ context.Context,
	req *coordinator.UnregisterRequest) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.lookup(req.RoundID, coordinator.InputRegistration)
	if err != nil {
		return err
	}
	if _, err := r.alice(req.AliceID); err != nil {
		return err
	}

	delete(r.alices, req.AliceID)
	r.status.RegisteredInputs = len(r.alices)

	return nil
}

// ConfirmConnection handles heartbeats and credential requests.
func (c *Coordinator) ConfirmConnection(_ context.Context,
	req *coordinator.ConnectionConfirmationRequest) (
	*coordinator.ConnectionConfirmationResponse, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rounds[req.RoundID]
	if !ok {
		return nil, coordinator.NewError(
			coordinator.ErrRoundNotFound, "%v", req.RoundID,
		)
	}

	switch r.status.Phase {
	case coordinator.InputRegistration:
		if _, err := r.alice(req.AliceID); err != nil {
			return nil, err
		}
		return &coordinator.ConnectionConfirmationResponse{
			Phase: r.status.Phase,
		}, nil

	case coordinator.ConnectionConfirmation:

	default:
		return nil, coordinator.NewError(
			coordinator.ErrWrongPhase, "round is in %v",
			r.status.Phase,
		)
	}

	a, err := r.alice(req.AliceID)
	if err != nil {
		return nil, err
	}
	if a.confirmed {
		return nil, coordinator.NewError(
			coordinator.ErrInternal, "already confirmed",
		)
	}
	if len(req.BlindedChallenges) != len(a.levels) {
		return nil, coordinator.NewError(
			coordinator.ErrInternal, "want %d challenges, got %d",
			len(a.levels), len(req.BlindedChallenges),
		)
	}

	resp := &coordinator.ConnectionConfirmationResponse{
		Phase: r.status.Phase,
	}
	for i, challenge := range req.BlindedChallenges {
		var blinded blindsig.BlindedRequest
		if len(challenge) != len(blinded.Challenge) {
			return nil, coordinator.NewError(
				coordinator.ErrInternal, "bad challenge size",
			)
		}
		copy(blinded.Challenge[:], challenge)

		sig, err := r.signers[a.levels[i]].Sign(a.nonces[i], &blinded)
		if err != nil {
			return nil, coordinator.NewError(
				coordinator.ErrInternal, "%v", err,
			)
		}
		if c.faults.CorruptBlindSignatures {
			sig.S[31] ^= 0x01
		}

		resp.BlindSignatures = append(resp.BlindSignatures, sig.S[:])
	}

	a.confirmed = true
	c.autoAdvance(r)

	return resp, nil
}

// RegisterOutput registers an output paid for with a credential.
func (c *Coordinator) RegisterOutput(_ context.Context,
	req *coordinator.OutputRegistrationRequest) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.lookup(req.RoundID, coordinator.OutputRegistration)
	if err != nil {
		return err
	}

	if c.rejectedOutputs < c.faults.RejectOutputs {
		c.rejectedOutputs++
		return coordinator.NewError(
			coordinator.ErrCredentialRejected, "output refused",
		)
	}

	if req.Level < 0 || req.Level >= len(r.signers) {
		return coordinator.NewError(
			coordinator.ErrDenominationNotAllowed, "level %d",
			req.Level,
		)
	}
	denom := r.status.Denominations[req.Level].Amount

	cred, err := blindsig.DecodeCredential(bytes.NewReader(req.Credential))
	if err != nil {
		return coordinator.NewError(
			coordinator.ErrCredentialRejected, "%v", err,
		)
	}
	if cred.Amount != denom || !cred.Verify(r.signers[req.Level].PubKey()) {
		return coordinator.NewError(
			coordinator.ErrCredentialRejected, "invalid credential",
		)
	}
	if _, ok := r.spent[cred.Serial]; ok {
		return coordinator.NewError(
			coordinator.ErrCredentialRejected, "credential spent",
		)
	}
	if len(req.Script) == 0 {
		return coordinator.NewError(
			coordinator.ErrInternal, "empty output script",
		)
	}

	r.spent[cred.Serial] = struct{}{}
	r.outputs = append(r.outputs, wire.NewTxOut(int64(denom), req.Script))
	r.status.RegisteredOutputs++

	return nil
}

// RegisterChange registers an input's leftover output.
func (c *Coordinator) RegisterChange(_ context.Context,
	req *coordinator.ChangeRegistrationRequest) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.lookup(req.RoundID, coordinator.OutputRegistration)
	if err != nil {
		return err
	}
	a, err := r.alice(req.AliceID)
	if err != nil {
		return err
	}
	if a.change != nil {
		return coordinator.NewError(
			coordinator.ErrInternal, "change already registered",
		)
	}
	if coordinator.IsDust(req.Amount) {
		return coordinator.NewError(
			coordinator.ErrDenominationNotAllowed, "dust change %v",
			req.Amount,
		)
	}

	change := wire.NewTxOut(int64(req.Amount), req.Script)
	needed := r.committed(a) + req.Amount + r.status.OutputFee()
	if needed > a.credentialAmount {
		return coordinator.NewError(
			coordinator.ErrDenominationMismatch,
			"change %v exceeds input budget", req.Amount,
		)
	}

	a.change = change
	r.status.RegisteredOutputs++

	return nil
}

// ReadyToSign marks an input as done with OutputRegistration.
func (c *Coordinator) ReadyToSign(_ context.Context,
	req *coordinator.ReadyToSignRequest) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.lookup(req.RoundID, coordinator.OutputRegistration)
	if err != nil {
		return err
	}
	a, err := r.alice(req.AliceID)
	if err != nil {
		return err
	}

	a.ready = true
	c.autoAdvance(r)

	return nil
}

// SubmitSignature verifies and stores an input witness.
func (c *Coordinator) SubmitSignature(_ context.Context,
	req *coordinator.SignatureRequest) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.lookup(req.RoundID, coordinator.TransactionSigning)
	if err != nil {
		return err
	}
	a, err := r.alice(req.AliceID)
	if err != nil {
		return err
	}

	idx := req.InputIndex
	if idx < 0 || idx >= len(r.tx.TxIn) ||
		r.tx.TxIn[idx].PreviousOutPoint != a.op {

		return coordinator.NewError(
			coordinator.ErrSignatureRejected, "wrong input index %d",
			idx,
		)
	}
	if c.faults.RejectSignatures {
		return coordinator.NewError(
			coordinator.ErrSignatureRejected, "rejected",
		)
	}

	witness := make(wire.TxWitness, 0, len(req.Witness))
	for _, item := range req.Witness {
		witness = append(witness, item)
	}

	if err := r.verify(idx, witness); err != nil {
		return coordinator.NewError(
			coordinator.ErrSignatureRejected, "%v", err,
		)
	}

	r.tx.TxIn[idx].Witness = witness
	a.witness = witness

	return c.finish(r)
}

// verify script-checks witness as the witness of input idx.
func (r *round) verify(idx int, witness wire.TxWitness) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(r.alices))
	for _, a := range r.alices {
		prevOuts[a.op] = a.prevOut
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)

	tx := r.tx.Copy()
	tx.TxIn[idx].Witness = witness

	prevOut := prevOuts[tx.TxIn[idx].PreviousOutPoint]
	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), prevOut.Value, fetcher,
	)
	if err != nil {
		return err
	}

	return vm.Execute()
}
