// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcwallet

import (
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/coinjoin"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

type mockBackend struct {
	mock.Mock
}

var _ Backend = (*mockBackend)(nil)

func (m *mockBackend) ListUnspentMinMax(minConf,
	maxConf int) ([]btcjson.ListUnspentResult, error) {

	args := m.Called(minConf, maxConf)
	return args.Get(0).([]btcjson.ListUnspentResult), args.Error(1)
}

func (m *mockBackend) GetNewAddressType(account,
	addrType string) (btcutil.Address, error) {

	args := m.Called(account, addrType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(btcutil.Address), args.Error(1)
}

func (m *mockBackend) ValidateAddress(address btcutil.Address) (
	*btcjson.ValidateAddressWalletResult, error) {

	args := m.Called(address.String())
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*btcjson.ValidateAddressWalletResult),
		args.Error(1)
}

func (m *mockBackend) DumpPrivKey(address btcutil.Address) (*btcutil.WIF,
	error) {

	args := m.Called(address.String())
	switch wif := args.Get(0).(type) {
	case func(string) *btcutil.WIF:
		return wif(address.String()), args.Error(1)

	case *btcutil.WIF:
		return wif, args.Error(1)

	default:
		return nil, args.Error(1)
	}
}

func (m *mockBackend) SendRawTransaction(tx *wire.MsgTx,
	allowHighFees bool) (*chainhash.Hash, error) {

	args := m.Called(tx, allowHighFees)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*chainhash.Hash), args.Error(1)
}

// testKey is a wallet key known to the mock backend.
type testKey struct {
	priv     *btcec.PrivateKey
	addr     *btcutil.AddressWitnessPubKeyHash
	pkScript []byte
}

func newTestKey(t *testing.T) *testKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), testParams,
	)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return &testKey{priv: priv, addr: addr, pkScript: pkScript}
}

// expectKey makes the backend answer key lookups for k. Every DumpPrivKey
// call returns a fresh WIF since the wallet wipes the key after use.
func (k *testKey) expectKey(t *testing.T, m *mockBackend) {
	m.On("ValidateAddress", k.addr.String()).Return(
		&btcjson.ValidateAddressWalletResult{
			IsValid: true,
			IsMine:  true,
			Address: k.addr.String(),
			PubKey: hex.EncodeToString(
				k.priv.PubKey().SerializeCompressed(),
			),
		}, nil,
	)

	keyBytes := k.priv.Serialize()
	m.On("DumpPrivKey", k.addr.String()).Return(
		func(string) *btcutil.WIF {
			priv, _ := btcec.PrivKeyFromBytes(keyBytes)
			wif, err := btcutil.NewWIF(priv, testParams, true)
			require.NoError(t, err)
			return wif
		}, nil,
	)
}

func (k *testKey) unspent(op wire.OutPoint, value btcutil.Amount,
	confs int64) btcjson.ListUnspentResult {

	return btcjson.ListUnspentResult{
		TxID:          op.Hash.String(),
		Vout:          op.Index,
		Address:       k.addr.String(),
		ScriptPubKey:  hex.EncodeToString(k.pkScript),
		Amount:        value.ToBTC(),
		Confirmations: confs,
		Spendable:     true,
	}
}

func openTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "scores.db")
	db, err := walletdb.Create("bdb", path, true, 10*time.Second, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

func newTestWallet(t *testing.T) (*Wallet, *mockBackend, *ScoreStore) {
	t.Helper()

	scores, err := NewScoreStore(openTestDB(t))
	require.NoError(t, err)

	backend := &mockBackend{}
	w, err := New(Config{
		Backend:     backend,
		Scores:      scores,
		ChainParams: testParams,
		MinConf:     DefaultMinConf,
	})
	require.NoError(t, err)

	return w, backend, scores
}

func testOutPoint(i byte) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{i}, Index: uint32(i)}
}

// TestEligibleUtxos checks the filtering of the backend's unspent outputs
// and the pruning of stale scores.
func TestEligibleUtxos(t *testing.T) {
	t.Parallel()

	w, backend, scores := newTestWallet(t)
	key := newTestKey(t)
	key.expectKey(t, backend)

	var (
		fresh     = testOutPoint(1)
		mixed     = testOutPoint(2)
		pending   = testOutPoint(3)
		locked    = testOutPoint(4)
		legacy    = testOutPoint(5)
		partMixed = testOutPoint(6)
		spent     = testOutPoint(7)
	)

	legacyAddr, err := btcutil.NewAddressPubKeyHash(
		make([]byte, 20), testParams,
	)
	require.NoError(t, err)
	legacyScript, err := txscript.PayToAddrScript(legacyAddr)
	require.NoError(t, err)

	lockedOut := key.unspent(locked, 1_000_000, 6)
	lockedOut.Spendable = false

	legacyOut := key.unspent(legacy, 1_000_000, 6)
	legacyOut.ScriptPubKey = hex.EncodeToString(legacyScript)

	backend.On("ListUnspentMinMax", 0, maxConf).Return(
		[]btcjson.ListUnspentResult{
			key.unspent(fresh, 2_000_000, 3),
			key.unspent(mixed, 1_000_000, 3),
			key.unspent(pending, 1_000_000, 0),
			lockedOut,
			legacyOut,
			key.unspent(partMixed, 1_000_000, 1),
		}, nil,
	)

	require.NoError(t, scores.PutScore(mixed, 5))
	require.NoError(t, scores.PutScore(pending, 3))
	require.NoError(t, scores.PutScore(partMixed, 2))
	require.NoError(t, scores.PutScore(spent, 4))

	utxos, err := w.EligibleUtxos(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, utxos, 2)

	require.Equal(t, fresh, utxos[0].OutPoint)
	require.Equal(t, btcutil.Amount(2_000_000), utxos[0].Value)
	require.Zero(t, utxos[0].AnonymityScore)
	require.True(t, utxos[0].PubKey.IsEqual(key.priv.PubKey()))

	require.Equal(t, partMixed, utxos[1].OutPoint)
	require.Equal(t, 2, utxos[1].AnonymityScore)

	// The unconfirmed mix output keeps its score, the spent one loses it.
	got, err := scores.Scores([]wire.OutPoint{pending, spent, mixed})
	require.NoError(t, err)
	require.Equal(t, map[wire.OutPoint]int{pending: 3, mixed: 5}, got)

	// Public keys are looked up once per script.
	backend.AssertNumberOfCalls(t, "ValidateAddress", 1)
}

func TestRecordMixOutcome(t *testing.T) {
	t.Parallel()

	w, _, scores := newTestWallet(t)
	op := testOutPoint(9)

	require.NoError(t, w.RecordMixOutcome(context.Background(), op, 3))
	require.Error(t, w.RecordMixOutcome(context.Background(), op, -1))

	got, err := scores.Scores([]wire.OutPoint{op})
	require.NoError(t, err)
	require.Equal(t, 3, got[op])
}

func TestNewOutputScript(t *testing.T) {
	t.Parallel()

	w, backend, _ := newTestWallet(t)
	key := newTestKey(t)

	backend.On("GetNewAddressType", DefaultAccount, "bech32").
		Return(key.addr, nil).Once()

	script, err := w.NewOutputScript(context.Background())
	require.NoError(t, err)
	require.Equal(t, key.pkScript, script)

	legacy, err := btcutil.NewAddressPubKeyHash(make([]byte, 20), testParams)
	require.NoError(t, err)
	backend.On("GetNewAddressType", DefaultAccount, "bech32").
		Return(legacy, nil).Once()

	_, err = w.NewOutputScript(context.Background())
	require.ErrorIs(t, err, ErrNotWitnessKeyHash)
}

// TestSigning checks that ownership proofs and input signatures made with
// backend keys verify.
func TestSigning(t *testing.T) {
	t.Parallel()

	w, backend, _ := newTestWallet(t)
	key := newTestKey(t)
	key.expectKey(t, backend)

	ctx := context.Background()
	utxo := &coinjoin.Utxo{
		OutPoint: testOutPoint(1),
		Value:    1_500_000,
		PkScript: key.pkScript,
		PubKey:   key.priv.PubKey(),
	}

	id := coordinator.RoundID{7}
	challenge := coordinator.OwnershipChallenge(id, utxo.OutPoint)
	proof, err := w.SignOwnershipProof(ctx, utxo, challenge)
	require.NoError(t, err)
	require.NoError(t, coordinator.VerifyOwnershipProof(
		id, utxo.OutPoint, utxo.PkScript,
		utxo.PubKey.SerializeCompressed(), proof,
	))

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&utxo.OutPoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1_000_000, key.pkScript))

	prevOut := utxo.TxOut()
	fetcher := txscript.NewCannedPrevOutputFetcher(
		prevOut.PkScript, prevOut.Value,
	)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	witness, err := w.SignInput(ctx, tx, 0, sigHashes, prevOut)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness

	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		sigHashes, prevOut.Value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())

	// Scripts other than P2WPKH are never signed.
	_, err = w.SignInput(ctx, tx, 0, sigHashes, wire.NewTxOut(1, nil))
	require.ErrorIs(t, err, ErrNotWitnessKeyHash)
}

func TestSigningLockedWallet(t *testing.T) {
	t.Parallel()

	w, backend, _ := newTestWallet(t)
	key := newTestKey(t)

	backend.On("DumpPrivKey", key.addr.String()).Return(nil,
		&btcjson.RPCError{
			Code:    btcjson.ErrRPCWalletUnlockNeeded,
			Message: "Enter the wallet passphrase first",
		},
	)

	utxo := &coinjoin.Utxo{PkScript: key.pkScript}
	_, err := w.SignOwnershipProof(context.Background(), utxo, [32]byte{})
	require.ErrorIs(t, err, ErrWalletLocked)
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	errRejected := errors.New("min relay fee not met")

	tests := []struct {
		name    string
		sendErr error
		wantErr error
	}{
		{
			name: "published",
		},
		{
			name:    "already in mempool",
			sendErr: errors.New("txn-already-in-mempool"),
		},
		{
			name:    "already known to btcd",
			sendErr: errors.New("already have transaction abc"),
		},
		{
			name:    "already confirmed",
			sendErr: errors.New("Transaction already in block chain"),
		},
		{
			name:    "rejected",
			sendErr: errRejected,
			wantErr: errRejected,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			w, backend, _ := newTestWallet(t)
			tx := wire.NewMsgTx(wire.TxVersion)
			txid := tx.TxHash()

			backend.On("SendRawTransaction", tx, false).
				Return(&txid, test.sendErr)

			err := w.Broadcast(context.Background(), tx)
			if test.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, test.wantErr)
		})
	}

	// Nothing is sent once the context is done.
	w, backend, _ := newTestWallet(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.Broadcast(ctx, wire.NewMsgTx(2)), context.Canceled)
	backend.AssertNotCalled(t, "SendRawTransaction", mock.Anything,
		mock.Anything)
}
