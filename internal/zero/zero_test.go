// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package zero_test

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcjoin/internal/zero"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 31, 32, 33, 64, 127, 257, 513} {
		b := bytes.Repeat([]byte{0xff}, n)
		zero.Bytes(b)
		require.Equal(t, make([]byte, n), b, "n=%d", n)
	}
}

func TestBytea32(t *testing.T) {
	t.Parallel()

	var b [32]byte
	for i := range b {
		b[i] = byte(i + 1)
	}
	zero.Bytea32(&b)
	require.Equal(t, [32]byte{}, b)
}

func TestScalars(t *testing.T) {
	t.Parallel()

	var a, b secp256k1.ModNScalar
	a.SetInt(7)
	b.SetInt(11)

	zero.Scalars(&a, nil, &b)
	require.True(t, a.IsZero())
	require.True(t, b.IsZero())
}
