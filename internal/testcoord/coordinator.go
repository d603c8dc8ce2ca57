// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package testcoord is an in-memory coordinator used to exercise the
// round-participation engine end to end. It issues real blind signatures,
// verifies ownership proofs and input signatures, and lets tests control
// phase progression and inject misbehaviour.
package testcoord

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/blindsig"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Faults makes the coordinator misbehave.
type Faults struct {
	// CorruptBlindSignatures flips a bit of every blind signature.
	CorruptBlindSignatures bool

	// RejectSignatures refuses every input signature.
	RejectSignatures bool

	// OmitOutput leaves the last registered output out of the joint
	// transaction.
	OmitOutput bool

	// SkipPhase is passed straight through whenever a round enters it,
	// so clients never see it reported. Rounds are created in
	// InputRegistration, which makes the zero value skip nothing.
	SkipPhase coordinator.Phase

	// RejectOutputs is the number of output registrations refused with
	// ErrCredentialRejected before any is accepted.
	RejectOutputs int
}

// Config describes the rounds the coordinator runs.
type Config struct {
	// Denominations is the output schedule.
	Denominations []btcutil.Amount

	CoordinatorFeeRate float64

	// MiningFeeRate is in sat/kvB.
	MiningFeeRate btcutil.Amount

	MinInputs  int
	MaxInputs  int
	MinOutputs int

	// PhaseTimeout is the length of every phase.
	PhaseTimeout time.Duration

	// BanDuration is how long inputs that withheld their signature are
	// banned.
	BanDuration time.Duration

	// AutoAdvance moves a round to its next phase as soon as every
	// participant is done with the current one. InputRegistration ends
	// when MaxInputs inputs are registered.
	AutoAdvance bool

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a config with a 0.1/0.01/0.001 BTC schedule.
func DefaultConfig() Config {
	return Config{
		Denominations: []btcutil.Amount{
			100_000, 1_000_000, 10_000_000,
		},
		CoordinatorFeeRate: 0.003,
		MiningFeeRate:      2_000,
		MinInputs:          1,
		MaxInputs:          100,
		MinOutputs:         1,
		PhaseTimeout:       time.Minute,
		BanDuration:        24 * time.Hour,
		Now:                time.Now,
	}
}

type alice struct {
	id      coordinator.AliceID
	op      wire.OutPoint
	prevOut *wire.TxOut

	credentialAmount btcutil.Amount
	levels           []int
	nonces           []*blindsig.Nonce

	confirmed bool
	ready     bool
	change    *wire.TxOut
	witness   wire.TxWitness
}

type round struct {
	status  coordinator.RoundStatus
	signers []*blindsig.Signer

	alices  map[coordinator.AliceID]*alice
	spent   map[[32]byte]struct{}
	outputs []*wire.TxOut

	tx *wire.MsgTx
}

// Coordinator is the simulated coordinator. It implements
// coordinator.Client so the engine can talk to it directly, and it can be
// served over HTTP with NewHandler.
type Coordinator struct {
	mu sync.Mutex

	cfg    Config
	faults Faults

	// rejectedOutputs counts the outputs refused for RejectOutputs.
	rejectedOutputs int

	// utxos is the simulated chain.
	utxos map[wire.OutPoint]*wire.TxOut

	bans   map[wire.OutPoint]time.Time
	rounds map[coordinator.RoundID]*round
}

// A compile-time assertion to ensure Coordinator satisfies
// coordinator.Client.
var _ coordinator.Client = (*Coordinator)(nil)

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Coordinator{
		cfg:    cfg,
		utxos:  make(map[wire.OutPoint]*wire.TxOut),
		bans:   make(map[wire.OutPoint]time.Time),
		rounds: make(map[coordinator.RoundID]*round),
	}
}

// AddUTXO makes an output known to the simulated chain.
func (c *Coordinator) AddUTXO(op wire.OutPoint, txOut *wire.TxOut) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.utxos[op] = txOut
}

// SetFaults replaces the injected faults.
func (c *Coordinator) SetFaults(f Faults) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.faults = f
	c.rejectedOutputs = 0
}

// NewRound starts a round in InputRegistration.
func (c *Coordinator) NewRound() (coordinator.RoundID, error) {
	var id coordinator.RoundID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}

	denoms := make([]btcutil.Amount, len(c.cfg.Denominations))
	copy(denoms, c.cfg.Denominations)
	sort.Slice(denoms, func(i, j int) bool {
		return denoms[i] < denoms[j]
	})

	r := &round{
		alices: make(map[coordinator.AliceID]*alice),
		spent:  make(map[[32]byte]struct{}),
	}
	for _, amount := range denoms {
		key, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return id, err
		}
		signer := blindsig.NewSigner(key)

		r.signers = append(r.signers, signer)
		r.status.Denominations = append(
			r.status.Denominations, coordinator.Denomination{
				Amount:    amount,
				SignerKey: signer.PubKey().SerializeCompressed(),
			},
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r.status.ID = id
	r.status.Phase = coordinator.InputRegistration
	r.status.PhaseDeadline = c.cfg.Now().Add(c.cfg.PhaseTimeout)
	r.status.CoordinatorFeeRate = c.cfg.CoordinatorFeeRate
	r.status.MiningFeeRate = c.cfg.MiningFeeRate
	r.status.MinInputs = c.cfg.MinInputs
	r.status.MaxInputs = c.cfg.MaxInputs
	r.status.MinOutputs = c.cfg.MinOutputs

	c.rounds[id] = r

	return id, nil
}

// Phase returns the current phase of round id.
func (c *Coordinator) Phase(id coordinator.RoundID) coordinator.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rounds[id]
	if !ok {
		return coordinator.Ended
	}
	return r.status.Phase
}

// ExpirePhase ends the current phase of round id as if its deadline had
// passed: unconfirmed inputs are dropped, inputs that withheld their
// signature are banned.
func (c *Coordinator) ExpirePhase(id coordinator.RoundID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rounds[id]
	if !ok {
		return coordinator.NewError(coordinator.ErrRoundNotFound, "%v", id)
	}
	c.advance(r)

	return nil
}

// Progress counts the inputs of a round by how far they got.
type Progress struct {
	Registered int
	Confirmed  int
	Ready      int
	Signed     int
	Outputs    int
}

// Progress returns the progress of round id.
func (c *Coordinator) Progress(id coordinator.RoundID) Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	var p Progress
	r, ok := c.rounds[id]
	if !ok {
		return p
	}

	for _, a := range r.alices {
		p.Registered++
		if a.confirmed {
			p.Confirmed++
		}
		if a.ready {
			p.Ready++
		}
		if a.witness != nil {
			p.Signed++
		}
	}
	p.Outputs = len(r.outputs)

	return p
}

// Registered returns the outpoints registered in round id.
func (c *Coordinator) Registered(id coordinator.RoundID) []wire.OutPoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rounds[id]
	if !ok {
		return nil
	}

	ops := make([]wire.OutPoint, 0, len(r.alices))
	for _, a := range r.alices {
		ops = append(ops, a.op)
	}
	return ops
}

// IsBanned reports whether op is banned.
func (c *Coordinator) IsBanned(op wire.OutPoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.bans[op]
	return ok && c.cfg.Now().Before(until)
}

// advance moves r to its next phase. The caller must hold c.mu.
func (c *Coordinator) advance(r *round) {
	now := c.cfg.Now()

	switch r.status.Phase {
	case coordinator.InputRegistration:
		if len(r.alices) < r.status.MinInputs {
			c.fail(r, "not enough inputs", nil)
			return
		}

	case coordinator.ConnectionConfirmation:
		for id, a := range r.alices {
			if !a.confirmed {
				delete(r.alices, id)
			}
		}
		r.status.RegisteredInputs = len(r.alices)

		if len(r.alices) < r.status.MinInputs {
			c.fail(r, "not enough confirmed inputs", nil)
			return
		}

	case coordinator.OutputRegistration:
		if err := c.buildTx(r); err != nil {
			c.fail(r, err.Error(), nil)
			return
		}

	case coordinator.TransactionSigning:
		var banned []coordinator.OutPoint
		until := now.Add(c.cfg.BanDuration)
		for _, a := range r.alices {
			if a.witness != nil {
				continue
			}
			c.bans[a.op] = until
			banned = append(banned, coordinator.NewOutPoint(a.op))
		}
		r.status.BanUntil = until
		c.fail(r, "missing signatures", banned)
		return

	case coordinator.Ended:
		return
	}

	r.status.Phase = r.status.Phase.Next()
	r.status.PhaseDeadline = now.Add(c.cfg.PhaseTimeout)

	skip := c.faults.SkipPhase
	if skip != coordinator.InputRegistration && r.status.Phase == skip {
		c.advance(r)
	}
}

// fail ends r unsuccessfully.
func (c *Coordinator) fail(r *round, reason string,
	banned []coordinator.OutPoint) {

	r.status.Phase = coordinator.Ended
	r.status.Result = coordinator.ResultFailed
	r.status.FailureReason = reason
	r.status.BannedInputs = banned
}

// buildTx assembles the joint transaction and publishes it.
func (c *Coordinator) buildTx(r *round) error {
	tx := wire.NewMsgTx(wire.TxVersion)

	var totalIn, totalOut btcutil.Amount
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(r.alices))
	for _, a := range r.alices {
		tx.AddTxIn(wire.NewTxIn(&a.op, nil, nil))
		prevOuts[a.op] = a.prevOut
		totalIn += btcutil.Amount(a.prevOut.Value)

		if a.change != nil {
			tx.AddTxOut(a.change)
		}
	}
	for _, out := range r.outputs {
		tx.AddTxOut(out)
	}

	if c.faults.OmitOutput && len(tx.TxOut) > 0 {
		tx.TxOut = tx.TxOut[:len(tx.TxOut)-1]
	}

	if len(tx.TxOut) < r.status.MinOutputs {
		return fmt.Errorf("not enough outputs")
	}
	for _, out := range tx.TxOut {
		totalOut += btcutil.Amount(out.Value)
	}
	if totalOut > totalIn {
		return fmt.Errorf("outputs exceed inputs")
	}

	txsort.InPlaceSort(tx)
	r.tx = tx

	inputs := make([]coordinator.TxInput, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		inputs = append(inputs, coordinator.TxInput{
			OutPoint: coordinator.NewOutPoint(in.PreviousOutPoint),
			Value:    btcutil.Amount(prev.Value),
			PkScript: prev.PkScript,
		})
	}
	outputs := make([]coordinator.TxOutput, 0, len(tx.TxOut))
	for _, out := range tx.TxOut {
		outputs = append(outputs, coordinator.TxOutput{
			Value:    btcutil.Amount(out.Value),
			PkScript: out.PkScript,
		})
	}

	r.status.Inputs = inputs
	r.status.Outputs = outputs
	r.status.UnsignedTxID = tx.TxHash().String()

	return nil
}

// finish ends r successfully once every input is signed.
func (c *Coordinator) finish(r *round) error {
	for _, a := range r.alices {
		if a.witness == nil {
			return nil
		}
	}

	var b bytes.Buffer
	if err := r.tx.Serialize(&b); err != nil {
		return err
	}

	r.status.Phase = coordinator.Ended
	r.status.Result = coordinator.ResultSucceeded
	r.status.SignedTransaction = b.Bytes()

	return nil
}

// autoAdvance advances r when AutoAdvance is set and every participant is
// done with the current phase.
func (c *Coordinator) autoAdvance(r *round) {
	if !c.cfg.AutoAdvance {
		return
	}

	done := true
	switch r.status.Phase {
	case coordinator.InputRegistration:
		done = len(r.alices) >= r.status.MaxInputs

	case coordinator.ConnectionConfirmation:
		for _, a := range r.alices {
			done = done && a.confirmed
		}

	case coordinator.OutputRegistration:
		for _, a := range r.alices {
			done = done && a.ready
		}

	default:
		return
	}

	if done {
		c.advance(r)
	}
}

// lookup returns round id in the given phase. The caller must hold c.mu.
func (c *Coordinator) lookup(id coordinator.RoundID,
	phase coordinator.Phase) (*round, error) {

	r, ok := c.rounds[id]
	if !ok {
		return nil, coordinator.NewError(
			coordinator.ErrRoundNotFound, "%v", id,
		)
	}
	if r.status.Phase != phase {
		return nil, coordinator.NewError(
			coordinator.ErrWrongPhase, "round is in %v",
			r.status.Phase,
		)
	}

	return r, nil
}

func (r *round) alice(id coordinator.AliceID) (*alice, error) {
	a, ok := r.alices[id]
	if !ok {
		return nil, coordinator.NewError(
			coordinator.ErrAliceNotFound, "%v", id,
		)
	}
	return a, nil
}

// committed returns what a's credentials and change already spend.
func (r *round) committed(a *alice) btcutil.Amount {
	outputFee := r.status.OutputFee()

	var total btcutil.Amount
	for _, level := range a.levels {
		total += r.status.Denominations[level].Amount + outputFee
	}
	if a.change != nil {
		total += btcutil.Amount(a.change.Value) + outputFee
	}
	return total
}

func (r *round) snapshot() *coordinator.RoundStatus {
	status := r.status
	return &status
}
