// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcwallet

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// scoreBucketKey is the top level bucket holding anonymity scores.
	// Keys are canonical outpoints, values big-endian uint32 scores.
	scoreBucketKey = []byte("anonscores")
)

const outPointSize = chainhash.HashSize + 4

// canonicalOutPoint serializes op as its hash followed by the big-endian
// output index.
func canonicalOutPoint(op *wire.OutPoint) []byte {
	k := make([]byte, outPointSize)
	copy(k, op.Hash[:])
	binary.BigEndian.PutUint32(k[chainhash.HashSize:], op.Index)
	return k
}

func readCanonicalOutPoint(k []byte) (wire.OutPoint, error) {
	var op wire.OutPoint
	if len(k) != outPointSize {
		return op, fmt.Errorf("invalid outpoint key length %d", len(k))
	}
	copy(op.Hash[:], k)
	op.Index = binary.BigEndian.Uint32(k[chainhash.HashSize:])
	return op, nil
}

// ScoreStore persists the anonymity score of wallet outputs. Outputs
// without a record have score zero.
type ScoreStore struct {
	db walletdb.DB
}

// NewScoreStore creates the score bucket in db if needed.
func NewScoreStore(db walletdb.DB) (*ScoreStore, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(scoreBucketKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &ScoreStore{db: db}, nil
}

// Scores returns the recorded score of every passed outpoint that has one.
func (s *ScoreStore) Scores(ops []wire.OutPoint) (map[wire.OutPoint]int,
	error) {

	scores := make(map[wire.OutPoint]int)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(scoreBucketKey)
		for i := range ops {
			v := ns.Get(canonicalOutPoint(&ops[i]))
			if v == nil {
				continue
			}
			if len(v) != 4 {
				return fmt.Errorf("invalid score of %v: %d bytes",
					ops[i], len(v))
			}
			scores[ops[i]] = int(binary.BigEndian.Uint32(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return scores, nil
}

// PutScore records the score of op.
func (s *ScoreStore) PutScore(op wire.OutPoint, score int) error {
	if score < 0 {
		return fmt.Errorf("negative score %d for %v", score, op)
	}

	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(score))

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(scoreBucketKey)
		return ns.Put(canonicalOutPoint(&op), v[:])
	})
}

// Prune removes the scores of every output not in unspent and returns how
// many were removed.
func (s *ScoreStore) Prune(unspent map[wire.OutPoint]struct{}) (int, error) {
	var spent [][]byte
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(scoreBucketKey)
		err := ns.ForEach(func(k, _ []byte) error {
			op, err := readCanonicalOutPoint(k)
			if err != nil {
				return err
			}
			if _, ok := unspent[op]; !ok {
				spent = append(spent, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range spent {
			if err := ns.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(spent), nil
}
