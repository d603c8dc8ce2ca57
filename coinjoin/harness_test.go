// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/btcsuite/btcjoin/internal/testcoord"
	"github.com/btcsuite/btcjoin/registry"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testPollInterval = 5 * time.Millisecond

// testSchedule is a 0.01/0.1/1 BTC schedule.
var testSchedule = []btcutil.Amount{1_000_000, 10_000_000, 100_000_000}

func p2wpkhScript(t *testing.T, pub *btcec.PublicKey) []byte {
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

// testKeyRing signs with in-memory keys. Inputs added to withhold are
// never signed.
type testKeyRing struct {
	t *testing.T

	mu       sync.Mutex
	keys     map[string]*btcec.PrivateKey
	withhold map[wire.OutPoint]bool
}

var _ KeyRing = (*testKeyRing)(nil)

func newTestKeyRing(t *testing.T) *testKeyRing {
	return &testKeyRing{
		t:        t,
		keys:     make(map[string]*btcec.PrivateKey),
		withhold: make(map[wire.OutPoint]bool),
	}
}

func (k *testKeyRing) newKey() (*btcec.PrivateKey, []byte) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(k.t, err)

	script := p2wpkhScript(k.t, priv.PubKey())

	k.mu.Lock()
	k.keys[hex.EncodeToString(script)] = priv
	k.mu.Unlock()

	return priv, script
}

func (k *testKeyRing) key(pkScript []byte) (*btcec.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	priv, ok := k.keys[hex.EncodeToString(pkScript)]
	if !ok {
		return nil, errors.New("unknown script")
	}
	return priv, nil
}

func (k *testKeyRing) withholdSignature(op wire.OutPoint) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.withhold[op] = true
}

func (k *testKeyRing) NewOutputScript(context.Context) ([]byte, error) {
	_, script := k.newKey()
	return script, nil
}

func (k *testKeyRing) SignOwnershipProof(_ context.Context, utxo *Utxo,
	challenge [32]byte) ([]byte, error) {

	priv, err := k.key(utxo.PkScript)
	if err != nil {
		return nil, err
	}

	sig, err := schnorr.Sign(priv, challenge[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

func (k *testKeyRing) SignInput(_ context.Context, tx *wire.MsgTx, idx int,
	sigHashes *txscript.TxSigHashes,
	prevOut *wire.TxOut) (wire.TxWitness, error) {

	k.mu.Lock()
	withhold := k.withhold[tx.TxIn[idx].PreviousOutPoint]
	k.mu.Unlock()
	if withhold {
		return nil, errors.New("signing device unavailable")
	}

	priv, err := k.key(prevOut.PkScript)
	if err != nil {
		return nil, err
	}

	return txscript.WitnessSignature(
		tx, sigHashes, idx, prevOut.Value, prevOut.PkScript,
		txscript.SigHashAll, priv, true,
	)
}

// recordingClient counts calls and their transport identities, and can
// stall the credential request of selected inputs until the request is
// cancelled.
type recordingClient struct {
	coordinator.Client

	mu         sync.Mutex
	identities map[string][]string
	inputs     map[coordinator.AliceID]wire.OutPoint
	stall      map[wire.OutPoint]bool
}

func newRecordingClient(c coordinator.Client) *recordingClient {
	return &recordingClient{
		Client:     c,
		identities: make(map[string][]string),
		inputs:     make(map[coordinator.AliceID]wire.OutPoint),
		stall:      make(map[wire.OutPoint]bool),
	}
}

func (c *recordingClient) record(ctx context.Context, method string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.identities[method] = append(
		c.identities[method], coordinator.IdentityFromContext(ctx),
	)
}

func (c *recordingClient) calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.identities[method])
}

func (c *recordingClient) identitiesOf(method string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.identities[method]...)
}

func (c *recordingClient) stallConfirmation(op wire.OutPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stall[op] = true
}

func (c *recordingClient) RegisterInput(ctx context.Context,
	req *coordinator.InputRegistrationRequest) (
	*coordinator.InputRegistrationResponse, error) {

	c.record(ctx, "RegisterInput")

	resp, err := c.Client.RegisterInput(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.inputs[resp.AliceID] = req.OutPoint.OutPoint
	c.mu.Unlock()

	return resp, nil
}

func (c *recordingClient) Unregister(ctx context.Context,
	req *coordinator.UnregisterRequest) error {

	c.record(ctx, "Unregister")
	return c.Client.Unregister(ctx, req)
}

func (c *recordingClient) ConfirmConnection(ctx context.Context,
	req *coordinator.ConnectionConfirmationRequest) (
	*coordinator.ConnectionConfirmationResponse, error) {

	if len(req.BlindedChallenges) > 0 {
		c.record(ctx, "ConfirmConnection")

		c.mu.Lock()
		stall := c.stall[c.inputs[req.AliceID]]
		c.mu.Unlock()

		if stall {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}

	return c.Client.ConfirmConnection(ctx, req)
}

func (c *recordingClient) RegisterOutput(ctx context.Context,
	req *coordinator.OutputRegistrationRequest) error {

	c.record(ctx, "RegisterOutput")
	return c.Client.RegisterOutput(ctx, req)
}

func (c *recordingClient) RegisterChange(ctx context.Context,
	req *coordinator.ChangeRegistrationRequest) error {

	c.record(ctx, "RegisterChange")
	return c.Client.RegisterChange(ctx, req)
}

func (c *recordingClient) ReadyToSign(ctx context.Context,
	req *coordinator.ReadyToSignRequest) error {

	c.record(ctx, "ReadyToSign")
	return c.Client.ReadyToSign(ctx, req)
}

func (c *recordingClient) SubmitSignature(ctx context.Context,
	req *coordinator.SignatureRequest) error {

	c.record(ctx, "SubmitSignature")
	return c.Client.SubmitSignature(ctx, req)
}

// phaseLog records the phases observed per round.
type phaseLog struct {
	mu     sync.Mutex
	phases map[coordinator.RoundID][]coordinator.Phase
}

func newPhaseLog() *phaseLog {
	return &phaseLog{
		phases: make(map[coordinator.RoundID][]coordinator.Phase),
	}
}

func (l *phaseLog) observe(id coordinator.RoundID, phase coordinator.Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.phases[id] = append(l.phases[id], phase)
}

func (l *phaseLog) of(id coordinator.RoundID) []coordinator.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]coordinator.Phase(nil), l.phases[id]...)
}

// requireMonotonic asserts phases is a prefix of the phase order with no
// phase skipped or repeated.
func requireMonotonic(t *testing.T, phases []coordinator.Phase) {
	t.Helper()

	for i, phase := range phases {
		require.Equal(t, coordinator.Phase(i), phase,
			"phases %v", phases)
	}
}

type harness struct {
	t *testing.T

	coord    *testcoord.Coordinator
	client   *recordingClient
	keys     *testKeyRing
	registry *registry.Registry
	phases   *phaseLog
}

func newHarness(t *testing.T, cfg testcoord.Config) *harness {
	t.Helper()

	reg, err := registry.New(nil)
	require.NoError(t, err)

	coord := testcoord.New(cfg)

	return &harness{
		t:        t,
		coord:    coord,
		client:   newRecordingClient(coord),
		keys:     newTestKeyRing(t),
		registry: reg,
		phases:   newPhaseLog(),
	}
}

// testConfig returns a coordinator config using testSchedule that moves
// on as soon as maxInputs inputs are registered.
func testConfig(maxInputs int) testcoord.Config {
	cfg := testcoord.DefaultConfig()
	cfg.Denominations = testSchedule
	cfg.MaxInputs = maxInputs
	cfg.AutoAdvance = true

	return cfg
}

// newUtxo creates a coin owned by the key ring and known to the
// coordinator.
func (h *harness) newUtxo(value btcutil.Amount, score int) *Utxo {
	priv, script := h.keys.newKey()

	var op wire.OutPoint
	_, err := rand.Read(op.Hash[:])
	require.NoError(h.t, err)

	utxo := &Utxo{
		OutPoint:       op,
		Value:          value,
		PkScript:       script,
		PubKey:         priv.PubKey(),
		AnonymityScore: score,
	}
	h.coord.AddUTXO(op, utxo.TxOut())

	return utxo
}

func (h *harness) roundConfig() RoundConfig {
	return RoundConfig{
		Client:   h.client,
		Keys:     h.keys,
		Registry: h.registry,
		NewTicker: func() ticker.Ticker {
			return ticker.New(testPollInterval)
		},
		DeadlineGrace: time.Second,
		SigningGrace:  time.Second,
		BanCooldown:   time.Hour,
		Observer:      h.phases.observe,
	}
}

// start runs a round in the background.
func (h *harness) start(ctx context.Context, id coordinator.RoundID,
	utxos ...*Utxo) <-chan RoundOutcome {

	rounds := NewPhaseCoordinator(h.roundConfig())

	done := make(chan RoundOutcome, 1)
	go func() {
		done <- rounds.Start(ctx, id, utxos)
	}()

	return done
}

func (h *harness) eventually(cond func(testcoord.Progress) bool,
	id coordinator.RoundID) {

	h.t.Helper()

	require.Eventually(h.t, func() bool {
		return cond(h.coord.Progress(id))
	}, 5*time.Second, testPollInterval)
}

func waitOutcome(t *testing.T, done <-chan RoundOutcome) RoundOutcome {
	t.Helper()

	select {
	case outcome := <-done:
		return outcome
	case <-time.After(10 * time.Second):
		t.Fatalf("round did not finish")
		return nil
	}
}

type mockWallet struct {
	mock.Mock
}

var _ WalletService = (*mockWallet)(nil)

func (m *mockWallet) EligibleUtxos(ctx context.Context,
	target int) ([]*Utxo, error) {

	args := m.Called(ctx, target)
	return args.Get(0).([]*Utxo), args.Error(1)
}

func (m *mockWallet) RecordMixOutcome(ctx context.Context, op wire.OutPoint,
	score int) error {

	args := m.Called(ctx, op, score)
	return args.Error(0)
}

type mockBroadcaster struct {
	mock.Mock
}

var _ Broadcaster = (*mockBroadcaster)(nil)

func (m *mockBroadcaster) Broadcast(ctx context.Context,
	tx *wire.MsgTx) error {

	args := m.Called(ctx, tx)
	return args.Error(0)
}
