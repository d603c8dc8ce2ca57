// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package testcoord_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/blindsig"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/btcsuite/btcjoin/internal/testcoord"
	"github.com/stretchr/testify/require"
)

type testInput struct {
	priv    *btcec.PrivateKey
	op      wire.OutPoint
	prevOut *wire.TxOut
	aliceID coordinator.AliceID
	levels  []int
	nonces  []coordinator.HexBytes
	secrets []*blindsig.Secret
	creds   []*blindsig.Credential
}

func p2wpkh(t *testing.T, pub *btcec.PublicKey) []byte {
	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return script
}

func newInput(t *testing.T, c *testcoord.Coordinator, i byte,
	value btcutil.Amount) *testInput {

	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	in := &testInput{
		priv:    priv,
		op:      wire.OutPoint{Hash: chainhash.Hash{i}, Index: uint32(i)},
		prevOut: wire.NewTxOut(int64(value), p2wpkh(t, priv.PubKey())),
	}
	c.AddUTXO(in.op, in.prevOut)

	return in
}

func (in *testInput) register(t *testing.T, client coordinator.Client,
	id coordinator.RoundID, levels ...int) error {

	t.Helper()

	challenge := coordinator.OwnershipChallenge(id, in.op)
	sig, err := schnorr.Sign(in.priv, challenge[:])
	require.NoError(t, err)

	resp, err := client.RegisterInput(
		context.Background(), &coordinator.InputRegistrationRequest{
			RoundID:        id,
			OutPoint:       coordinator.NewOutPoint(in.op),
			PubKey:         in.priv.PubKey().SerializeCompressed(),
			OwnershipProof: sig.Serialize(),
			Denominations:  levels,
		},
	)
	if err != nil {
		return err
	}

	in.aliceID = resp.AliceID
	in.levels = levels
	in.nonces = resp.Nonces

	return nil
}

func (in *testInput) confirm(t *testing.T, client coordinator.Client,
	status *coordinator.RoundStatus) error {

	t.Helper()

	req := &coordinator.ConnectionConfirmationRequest{
		RoundID: status.ID, AliceID: in.aliceID,
	}
	for i, level := range in.levels {
		key, err := status.DenominationKey(level)
		require.NoError(t, err)
		nonce, err := btcec.ParsePubKey(in.nonces[i])
		require.NoError(t, err)

		blinded, secret, err := blindsig.Blind(
			status.Denominations[level].Amount,
			&blindsig.PublicKey{Key: key, Nonce: nonce},
		)
		require.NoError(t, err)

		in.secrets = append(in.secrets, secret)
		req.BlindedChallenges = append(
			req.BlindedChallenges, blinded.Bytes(),
		)
	}

	resp, err := client.ConfirmConnection(context.Background(), req)
	if err != nil {
		return err
	}

	for i, b := range resp.BlindSignatures {
		var sig blindsig.BlindSignature
		copy(sig.S[:], b)

		cred, err := blindsig.Unblind(&sig, in.secrets[i])
		if err != nil {
			return err
		}
		in.creds = append(in.creds, cred)
	}

	return nil
}

func (in *testInput) sign(t *testing.T, client coordinator.Client,
	status *coordinator.RoundStatus) error {

	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	idx := -1
	for i, txIn := range status.Inputs {
		op := txIn.OutPoint.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		prevOuts[op] = wire.NewTxOut(int64(txIn.Value), txIn.PkScript)
		if op == in.op {
			idx = i
		}
	}
	for _, out := range status.Outputs {
		tx.AddTxOut(out.TxOut())
	}
	require.NotEqual(t, -1, idx)
	require.Equal(t, status.UnsignedTxID, tx.TxHash().String())

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	witness, err := txscript.WitnessSignature(
		tx, txscript.NewTxSigHashes(tx, fetcher), idx,
		in.prevOut.Value, in.prevOut.PkScript, txscript.SigHashAll,
		in.priv, true,
	)
	require.NoError(t, err)

	req := &coordinator.SignatureRequest{
		RoundID: status.ID, AliceID: in.aliceID, InputIndex: idx,
	}
	for _, item := range witness {
		req.Witness = append(req.Witness, item)
	}

	return client.SubmitSignature(context.Background(), req)
}

func encodeCred(t *testing.T, cred *blindsig.Credential) []byte {
	t.Helper()

	b, err := cred.Bytes()
	require.NoError(t, err)
	return b
}

// newHTTPCoordinator serves c over HTTP and returns a client for it.
func newHTTPCoordinator(t *testing.T,
	c *testcoord.Coordinator) coordinator.Client {

	t.Helper()

	srv := httptest.NewServer(testcoord.NewHandler(c))
	t.Cleanup(srv.Close)

	client, err := coordinator.NewHTTPClient(coordinator.HTTPConfig{
		URL: srv.URL + testcoord.APIPrefix,
	})
	require.NoError(t, err)

	return client
}

// TestRoundOverHTTP runs a complete two-input round through the HTTP
// transport.
func TestRoundOverHTTP(t *testing.T) {
	t.Parallel()

	cfg := testcoord.DefaultConfig()
	cfg.MinInputs = 2
	cfg.MaxInputs = 2
	cfg.MinOutputs = 2
	cfg.AutoAdvance = true
	c := testcoord.New(cfg)
	client := newHTTPCoordinator(t, c)
	ctx := context.Background()

	id, err := c.NewRound()
	require.NoError(t, err)

	a := newInput(t, c, 1, 1_100_000)
	b := newInput(t, c, 2, 1_100_000)

	require.NoError(t, a.register(t, client, id, 1))
	require.Equal(t, coordinator.InputRegistration, c.Phase(id))
	require.NoError(t, b.register(t, client, id, 1))
	require.Equal(t, coordinator.ConnectionConfirmation, c.Phase(id))

	status, err := client.RoundStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, status.RegisteredInputs)

	require.NoError(t, a.confirm(t, client, status))
	require.NoError(t, b.confirm(t, client, status))
	require.Equal(t, coordinator.OutputRegistration, c.Phase(id))

	for _, in := range []*testInput{a, b} {
		err := client.RegisterOutput(ctx, &coordinator.OutputRegistrationRequest{
			RoundID:    id,
			Level:      1,
			Script:     p2wpkh(t, in.priv.PubKey()),
			Credential: encodeCred(t, in.creds[0]),
		})
		require.NoError(t, err)
	}

	// Spending a credential twice is refused.
	err = client.RegisterOutput(ctx, &coordinator.OutputRegistrationRequest{
		RoundID:    id,
		Level:      1,
		Script:     p2wpkh(t, a.priv.PubKey()),
		Credential: encodeCred(t, a.creds[0]),
	})
	require.True(t, coordinator.IsCode(err, coordinator.ErrCredentialRejected))

	for _, in := range []*testInput{a, b} {
		require.NoError(t, client.ReadyToSign(
			ctx, &coordinator.ReadyToSignRequest{
				RoundID: id, AliceID: in.aliceID,
			},
		))
	}
	require.Equal(t, coordinator.TransactionSigning, c.Phase(id))

	status, err = client.RoundStatus(ctx, id)
	require.NoError(t, err)
	require.Len(t, status.Inputs, 2)
	require.Len(t, status.Outputs, 2)

	require.NoError(t, a.sign(t, client, status))
	require.NoError(t, b.sign(t, client, status))

	status, err = client.RoundStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, coordinator.Ended, status.Phase)
	require.Equal(t, coordinator.ResultSucceeded, status.Result)

	tx, err := status.SignedTx()
	require.NoError(t, err)
	require.Equal(t, status.UnsignedTxID, tx.TxHash().String())
}

// TestRegistrationChecks covers the refusals of InputRegistration.
func TestRegistrationChecks(t *testing.T) {
	t.Parallel()

	c := testcoord.New(testcoord.DefaultConfig())
	id, err := c.NewRound()
	require.NoError(t, err)

	// Too small for the smallest denomination.
	small := newInput(t, c, 1, 50_000)
	err = small.register(t, c, id, 0)
	require.True(t, coordinator.IsCode(err, coordinator.ErrDenominationMismatch))

	// A proof for another round is rejected.
	in := newInput(t, c, 2, 500_000)
	otherID, err := c.NewRound()
	require.NoError(t, err)
	challenge := coordinator.OwnershipChallenge(otherID, in.op)
	sig, err := schnorr.Sign(in.priv, challenge[:])
	require.NoError(t, err)
	_, err = c.RegisterInput(context.Background(),
		&coordinator.InputRegistrationRequest{
			RoundID:        id,
			OutPoint:       coordinator.NewOutPoint(in.op),
			PubKey:         in.priv.PubKey().SerializeCompressed(),
			OwnershipProof: sig.Serialize(),
			Denominations:  []int{0},
		},
	)
	require.True(t, coordinator.IsCode(
		err, coordinator.ErrOwnershipProofRejected,
	))

	// Unknown levels are not on the schedule.
	err = in.register(t, c, id, 7)
	require.True(t, coordinator.IsCode(
		err, coordinator.ErrDenominationNotAllowed,
	))

	require.NoError(t, in.register(t, c, id, 0, 0, 0))
	err = in.register(t, c, id, 0)
	require.Error(t, err)
}

// TestWithheldSignatureBans checks inputs that do not sign are banned
// when the signing phase expires.
func TestWithheldSignatureBans(t *testing.T) {
	t.Parallel()

	c := testcoord.New(testcoord.DefaultConfig())
	id, err := c.NewRound()
	require.NoError(t, err)

	a := newInput(t, c, 1, 200_000)
	b := newInput(t, c, 2, 200_000)
	require.NoError(t, a.register(t, c, id, 0))
	require.NoError(t, b.register(t, c, id, 0))
	require.NoError(t, c.ExpirePhase(id))

	status, err := c.RoundStatus(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, a.confirm(t, c, status))
	require.NoError(t, b.confirm(t, c, status))
	require.NoError(t, c.ExpirePhase(id))

	for _, in := range []*testInput{a, b} {
		require.NoError(t, c.RegisterOutput(context.Background(),
			&coordinator.OutputRegistrationRequest{
				RoundID:    id,
				Level:      0,
				Script:     p2wpkh(t, in.priv.PubKey()),
				Credential: encodeCred(t, in.creds[0]),
			},
		))
	}
	require.NoError(t, c.ExpirePhase(id))

	status, err = c.RoundStatus(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, a.sign(t, c, status))
	require.NoError(t, c.ExpirePhase(id))

	status, err = c.RoundStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, coordinator.ResultFailed, status.Result)
	require.Len(t, status.BannedInputs, 1)
	require.True(t, status.IsBanned(b.op))
	require.False(t, status.IsBanned(a.op))
	require.True(t, c.IsBanned(b.op))

	// The banned input is refused in the next round.
	next, err := c.NewRound()
	require.NoError(t, err)
	err = b.register(t, c, next, 0)
	require.True(t, coordinator.IsCode(err, coordinator.ErrInputBanned))
}

// TestCorruptBlindSignatures checks the client detects a coordinator that
// answers with invalid blind signatures.
func TestCorruptBlindSignatures(t *testing.T) {
	t.Parallel()

	c := testcoord.New(testcoord.DefaultConfig())
	c.SetFaults(testcoord.Faults{CorruptBlindSignatures: true})

	id, err := c.NewRound()
	require.NoError(t, err)

	in := newInput(t, c, 1, 200_000)
	require.NoError(t, in.register(t, c, id, 0))
	require.NoError(t, c.ExpirePhase(id))

	status, err := c.RoundStatus(context.Background(), id)
	require.NoError(t, err)

	err = in.confirm(t, c, status)
	require.ErrorIs(t, err, blindsig.ErrInvalidSignature)
}
