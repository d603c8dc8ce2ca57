// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero clears secret material (blinding factors, private key bytes)
// from memory once it is no longer needed.
package zero

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Bytes sets all bytes in the passed slice to zero.
func Bytes(b []byte) {
	z := [32]byte{}
	n := copy(b, z[:])
	for n < len(b) {
		copy(b[n:], b[:n])
		n <<= 1
	}
}

// Bytea32 clears the 32-byte array.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

// Scalars clears every passed scalar. Nil entries are skipped.
func Scalars(scalars ...*secp256k1.ModNScalar) {
	for _, s := range scalars {
		if s != nil {
			s.Zero()
		}
	}
}
