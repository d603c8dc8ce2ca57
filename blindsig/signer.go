// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blindsig

import (
	"sync/atomic"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Signer is the issuing side of the scheme. Wallets never hold one; it
// exists for coordinator simulations and tests.
type Signer struct {
	key *secp256k1.PrivateKey
}

// NewSigner wraps a private key.
func NewSigner(key *secp256k1.PrivateKey) *Signer {
	return &Signer{key: key}
}

// PubKey returns the verification key.
func (s *Signer) PubKey() *secp256k1.PublicKey {
	return s.key.PubKey()
}

// Nonce is the signer's one-time secret k and its public point R = kG.
type Nonce struct {
	k     secp256k1.ModNScalar
	point *secp256k1.PublicKey
	used  atomic.Bool
}

// PubKey returns R.
func (n *Nonce) PubKey() *secp256k1.PublicKey {
	return n.point
}

// NewNonce draws a fresh signing nonce.
func (s *Signer) NewNonce() (*Nonce, error) {
	k, err := randomScalar()
	if err != nil {
		return nil, err
	}

	var r secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &r)
	r.ToAffine()

	n := &Nonce{point: secp256k1.NewPublicKey(&r.X, &r.Y)}
	n.k.Set(k)
	k.Zero()

	return n, nil
}

// Sign answers a blinded request with s = k - e*d. Each nonce signs at most
// once.
func (s *Signer) Sign(nonce *Nonce, req *BlindedRequest) (*BlindSignature,
	error) {

	if !nonce.used.CompareAndSwap(false, true) {
		return nil, ErrNonceReused
	}

	var e secp256k1.ModNScalar
	if e.SetBytes(&req.Challenge) != 0 {
		return nil, ErrScalarOverflow
	}

	var sig secp256k1.ModNScalar
	sig.Mul2(&e, &s.key.Key).Negate().Add(&nonce.k)
	nonce.k.Zero()

	return &BlindSignature{S: sig.Bytes()}, nil
}
