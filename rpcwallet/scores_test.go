// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcwallet

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestScoreStorePersists checks that scores survive reopening the store and
// that pruning keeps exactly the unspent outputs.
func TestScoreStorePersists(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	store, err := NewScoreStore(db)
	require.NoError(t, err)

	a, b, c := testOutPoint(1), testOutPoint(2), testOutPoint(3)
	require.NoError(t, store.PutScore(a, 1))
	require.NoError(t, store.PutScore(b, 2))
	require.NoError(t, store.PutScore(b, 4))
	require.NoError(t, store.PutScore(c, 0))

	reopened, err := NewScoreStore(db)
	require.NoError(t, err)

	scores, err := reopened.Scores([]wire.OutPoint{a, b, c, testOutPoint(4)})
	require.NoError(t, err)
	require.Equal(t, map[wire.OutPoint]int{a: 1, b: 4, c: 0}, scores)

	n, err := reopened.Prune(map[wire.OutPoint]struct{}{b: {}})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	scores, err = reopened.Scores([]wire.OutPoint{a, b, c})
	require.NoError(t, err)
	require.Equal(t, map[wire.OutPoint]int{b: 4}, scores)
}

func TestCanonicalOutPoint(t *testing.T) {
	t.Parallel()

	op := wire.OutPoint{Hash: [32]byte{0xaa, 0xbb}, Index: 0x01020304}
	k := canonicalOutPoint(&op)
	require.Len(t, k, outPointSize)
	require.Equal(t, []byte{1, 2, 3, 4}, k[32:])

	got, err := readCanonicalOutPoint(k)
	require.NoError(t, err)
	require.Equal(t, op, got)

	_, err = readCanonicalOutPoint(k[:35])
	require.Error(t, err)
}
