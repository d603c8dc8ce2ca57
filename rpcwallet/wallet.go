// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rpcwallet provides the wallet collaborators of the coinjoin
// engine on top of a btcwallet or bitcoind JSON-RPC wallet. Anonymity
// scores are kept in a local walletdb namespace since neither backend
// tracks them.
package rpcwallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/coinjoin"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

const (
	// DefaultMinConf is the default number of confirmations a coin needs
	// before it is offered for mixing.
	DefaultMinConf = 1

	// DefaultAccount is the account new output addresses are drawn from.
	DefaultAccount = "default"

	// pubKeyCacheSize bounds the number of cached input public keys.
	pubKeyCacheSize = 4096

	// maxConf is the upper confirmation bound passed to listunspent.
	maxConf = math.MaxInt32
)

var (
	// ErrWalletLocked is returned when a key is needed but the backend
	// wallet is locked.
	ErrWalletLocked = errors.New("backend wallet is locked")

	// ErrNotWitnessKeyHash is returned for addresses and scripts that are
	// not P2WPKH.
	ErrNotWitnessKeyHash = errors.New("not a P2WPKH address")
)

// Backend is the subset of the JSON-RPC client the wallet relies on.
type Backend interface {
	ListUnspentMinMax(minConf, maxConf int) ([]btcjson.ListUnspentResult,
		error)

	GetNewAddressType(account, addrType string) (btcutil.Address, error)

	ValidateAddress(address btcutil.Address) (
		*btcjson.ValidateAddressWalletResult, error)

	DumpPrivKey(address btcutil.Address) (*btcutil.WIF, error)

	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (
		*chainhash.Hash, error)
}

// A compile-time assertion to ensure the RPC client satisfies Backend.
var _ Backend = (*rpcclient.Client)(nil)

// Config configures a Wallet.
type Config struct {
	Backend     Backend
	Scores      *ScoreStore
	ChainParams *chaincfg.Params

	// MinConf is the number of confirmations a coin needs to be mixed.
	MinConf int

	// Account is the backend account new output addresses come from.
	Account string
}

// pubKeyEntry is a cached input public key.
type pubKeyEntry struct {
	key *btcec.PublicKey
}

// Size implements cache.Value.
func (pubKeyEntry) Size() (uint64, error) {
	return 1, nil
}

// Wallet implements the coinjoin WalletService, KeyRing and Broadcaster
// over a JSON-RPC wallet.
type Wallet struct {
	cfg Config

	pubKeys *lru.Cache[string, *pubKeyEntry]
}

// Compile-time assertions for the engine's collaborators.
var (
	_ coinjoin.WalletService = (*Wallet)(nil)
	_ coinjoin.KeyRing       = (*Wallet)(nil)
	_ coinjoin.Broadcaster   = (*Wallet)(nil)
)

// New creates a Wallet from cfg.
func New(cfg Config) (*Wallet, error) {
	if cfg.Backend == nil {
		return nil, errors.New("missing wallet backend")
	}
	if cfg.Scores == nil {
		return nil, errors.New("missing score store")
	}
	if cfg.ChainParams == nil {
		return nil, errors.New("missing chain params")
	}
	if cfg.MinConf < 0 {
		return nil, fmt.Errorf("invalid minconf %d", cfg.MinConf)
	}
	if cfg.Account == "" {
		cfg.Account = DefaultAccount
	}

	return &Wallet{
		cfg: cfg,
		pubKeys: lru.NewCache[string, *pubKeyEntry](
			pubKeyCacheSize,
		),
	}, nil
}

// EligibleUtxos lists the backend's spendable P2WPKH coins with at least
// MinConf confirmations and a score below target. Scores of outputs that
// are no longer unspent are pruned along the way.
func (w *Wallet) EligibleUtxos(ctx context.Context,
	target int) ([]*coinjoin.Utxo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Unconfirmed outputs are listed too so the scores of fresh mix
	// outputs survive the pruning below.
	unspent, err := w.cfg.Backend.ListUnspentMinMax(0, maxConf)
	if err != nil {
		return nil, fmt.Errorf("listunspent: %w", err)
	}

	all := make(map[wire.OutPoint]struct{}, len(unspent))
	candidates := make([]*coinjoin.Utxo, 0, len(unspent))
	for i := range unspent {
		result := &unspent[i]

		op, err := parseOutPoint(result)
		if err != nil {
			log.Warnf("Skipping unspent output: %v", err)
			continue
		}
		all[op] = struct{}{}

		if !result.Spendable ||
			result.Confirmations < int64(w.cfg.MinConf) {

			continue
		}

		pkScript, err := hex.DecodeString(result.ScriptPubKey)
		if err != nil || !txscript.IsPayToWitnessPubKeyHash(pkScript) {
			continue
		}

		value, err := btcutil.NewAmount(result.Amount)
		if err != nil {
			log.Warnf("Skipping %v: %v", op, err)
			continue
		}

		candidates = append(candidates, &coinjoin.Utxo{
			OutPoint: op,
			Value:    value,
			PkScript: pkScript,
		})
	}

	pruned, err := w.cfg.Scores.Prune(all)
	if err != nil {
		return nil, fmt.Errorf("prune scores: %w", err)
	}
	if pruned > 0 {
		log.Debugf("Pruned scores of %d spent outputs", pruned)
	}

	ops := make([]wire.OutPoint, 0, len(candidates))
	for _, utxo := range candidates {
		ops = append(ops, utxo.OutPoint)
	}
	scores, err := w.cfg.Scores.Scores(ops)
	if err != nil {
		return nil, err
	}

	eligible := candidates[:0]
	for _, utxo := range candidates {
		utxo.AnonymityScore = scores[utxo.OutPoint]
		if target > 0 && utxo.AnonymityScore >= target {
			continue
		}

		utxo.PubKey, err = w.pubKey(utxo.PkScript)
		if err != nil {
			log.Warnf("Skipping %v: %v", utxo, err)
			continue
		}

		eligible = append(eligible, utxo)
	}

	log.Debugf("%d of %d unspent outputs eligible for mixing",
		len(eligible), len(unspent))

	return eligible, nil
}

// RecordMixOutcome stores the anonymity score of a mix output.
func (w *Wallet) RecordMixOutcome(_ context.Context, op wire.OutPoint,
	score int) error {

	log.Debugf("Recording anonymity score %d for %v", score, op)

	return w.cfg.Scores.PutScore(op, score)
}

// NewOutputScript draws a fresh P2WPKH address from the backend.
func (w *Wallet) NewOutputScript(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr, err := w.cfg.Backend.GetNewAddressType(w.cfg.Account, "bech32")
	if err != nil {
		return nil, fmt.Errorf("getnewaddress: %w", err)
	}
	if _, ok := addr.(*btcutil.AddressWitnessPubKeyHash); !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotWitnessKeyHash, addr)
	}

	return txscript.PayToAddrScript(addr)
}

// SignOwnershipProof signs challenge with the key controlling utxo.
func (w *Wallet) SignOwnershipProof(ctx context.Context, utxo *coinjoin.Utxo,
	challenge [32]byte) ([]byte, error) {

	var proof []byte
	err := w.withKey(ctx, utxo.PkScript, func(priv *btcec.PrivateKey) error {
		sig, err := schnorr.Sign(priv, challenge[:])
		if err != nil {
			return err
		}
		proof = sig.Serialize()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return proof, nil
}

// SignInput signs input idx of tx spending the P2WPKH output prevOut.
func (w *Wallet) SignInput(ctx context.Context, tx *wire.MsgTx, idx int,
	sigHashes *txscript.TxSigHashes,
	prevOut *wire.TxOut) (wire.TxWitness, error) {

	var witness wire.TxWitness
	err := w.withKey(ctx, prevOut.PkScript, func(priv *btcec.PrivateKey) error {
		var err error
		witness, err = txscript.WitnessSignature(
			tx, sigHashes, idx, prevOut.Value, prevOut.PkScript,
			txscript.SigHashAll, priv, true,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	return witness, nil
}

// Broadcast sends tx through the backend. A transaction the backend
// already knows is not an error.
func (w *Wallet) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := w.cfg.Backend.SendRawTransaction(tx, false)
	switch {
	case err == nil:
		return nil

	case isAlreadyKnown(err):
		log.Infof("Tx %v already broadcast", tx.TxHash())
		return nil

	default:
		return fmt.Errorf("sendrawtransaction: %w", err)
	}
}

// address returns the P2WPKH address paid by pkScript.
func (w *Wallet) address(pkScript []byte) (btcutil.Address, error) {
	if !txscript.IsPayToWitnessPubKeyHash(pkScript) {
		return nil, ErrNotWitnessKeyHash
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		pkScript, w.cfg.ChainParams,
	)
	if err != nil {
		return nil, err
	}
	if len(addrs) != 1 {
		return nil, ErrNotWitnessKeyHash
	}

	return addrs[0], nil
}

// pubKey returns the public key behind a P2WPKH script, asking the backend
// on a cache miss.
func (w *Wallet) pubKey(pkScript []byte) (*btcec.PublicKey, error) {
	cacheKey := hex.EncodeToString(pkScript)
	entry, err := w.pubKeys.Get(cacheKey)
	switch {
	case err == nil:
		return entry.key, nil

	case !errors.Is(err, cache.ErrElementNotFound):
		return nil, err
	}

	addr, err := w.address(pkScript)
	if err != nil {
		return nil, err
	}

	info, err := w.cfg.Backend.ValidateAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("validateaddress: %w", err)
	}
	if !info.IsMine {
		return nil, fmt.Errorf("address %v is not controlled by the "+
			"wallet", addr)
	}

	keyBytes, err := hex.DecodeString(info.PubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key of %v: %w", addr, err)
	}
	key, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key of %v: %w", addr, err)
	}

	// The key must actually be the one the script commits to.
	keyHash := btcutil.Hash160(key.SerializeCompressed())
	if !bytes.Equal(keyHash, pkScript[2:]) {
		return nil, fmt.Errorf("public key of %v does not match its "+
			"script", addr)
	}

	if _, err := w.pubKeys.Put(cacheKey, &pubKeyEntry{key: key}); err != nil {
		log.Errorf("Unable to cache public key of %v: %v", addr, err)
	}

	return key, nil
}

// withKey fetches the private key of pkScript, runs f with it and wipes
// it afterwards.
func (w *Wallet) withKey(ctx context.Context, pkScript []byte,
	f func(*btcec.PrivateKey) error) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	addr, err := w.address(pkScript)
	if err != nil {
		return err
	}

	wif, err := w.cfg.Backend.DumpPrivKey(addr)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) &&
			rpcErr.Code == btcjson.ErrRPCWalletUnlockNeeded {

			return ErrWalletLocked
		}
		return fmt.Errorf("dumpprivkey: %w", err)
	}
	defer wif.PrivKey.Zero()

	if !wif.CompressPubKey {
		return fmt.Errorf("key of %v is uncompressed", addr)
	}

	return f(wif.PrivKey)
}

func parseOutPoint(result *btcjson.ListUnspentResult) (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(result.TxID)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid txid %q: %w",
			result.TxID, err)
	}

	return wire.OutPoint{Hash: *hash, Index: result.Vout}, nil
}

// alreadyKnownErrs are the messages btcd and bitcoind reply with when a
// transaction is already in the mempool or the chain.
var alreadyKnownErrs = []string{
	"already have transaction",
	"transaction already exists",
	"txn already known",
	"txn already in mempool",
	"transaction already in block chain",
}

// isAlreadyKnown matches err against alreadyKnownErrs, ignoring case and
// treating dashes as spaces.
func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(strings.ReplaceAll(err.Error(), "-", " "))
	for _, known := range alreadyKnownErrs {
		if strings.Contains(msg, known) {
			return true
		}
	}
	return false
}
