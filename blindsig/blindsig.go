// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blindsig

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcjoin/internal/zero"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrInvalidSignature is returned when an unblinded signature does not
	// verify against the signer's public key.
	ErrInvalidSignature = errors.New("blind signature failed verification")

	// ErrMissingKey is returned when a signer key or nonce is absent.
	ErrMissingKey = errors.New("missing signer key or nonce")

	// ErrNonceReused is returned by a Signer asked to sign twice with the
	// same nonce.
	ErrNonceReused = errors.New("signer nonce already used")

	// ErrScalarOverflow is returned when a 32-byte value is not a valid
	// scalar modulo the group order.
	ErrScalarOverflow = errors.New("scalar overflows group order")
)

var (
	// challengeTag domain-separates the Schnorr challenge hash.
	challengeTag = []byte("btcjoin/blindsig/challenge")

	// serialTag domain-separates the message a credential signs.
	serialTag = []byte("btcjoin/blindsig/credential")
)

// PublicKey identifies what a credential request is blinded against: the
// signer key of one denomination level and the one-time nonce point the
// coordinator issued for this request.
type PublicKey struct {
	Key   *secp256k1.PublicKey
	Nonce *secp256k1.PublicKey
}

// BlindedRequest is the only value that leaves the wallet when requesting
// a credential: the blinded challenge e = e' - w.
type BlindedRequest struct {
	Challenge [32]byte
}

// Bytes returns the wire form of the request.
func (r *BlindedRequest) Bytes() []byte {
	b := r.Challenge
	return b[:]
}

// BlindSignature is the coordinator's answer s = k - e*d.
type BlindSignature struct {
	S [32]byte
}

// Signature is an unblinded Schnorr signature (e', s').
type Signature struct {
	e secp256k1.ModNScalar
	s secp256k1.ModNScalar
}

// Serialize returns e' || s'.
func (sig *Signature) Serialize() [64]byte {
	var b [64]byte
	e := sig.e.Bytes()
	s := sig.s.Bytes()
	copy(b[:32], e[:])
	copy(b[32:], s[:])

	return b
}

// ParseSignature decodes the output of Serialize.
func ParseSignature(b [64]byte) (*Signature, error) {
	var (
		sig    Signature
		eb, sb [32]byte
	)
	copy(eb[:], b[:32])
	copy(sb[:], b[32:])

	if sig.e.SetBytes(&eb) != 0 || sig.s.SetBytes(&sb) != 0 {
		return nil, ErrScalarOverflow
	}

	return &sig, nil
}

// Secret holds the blinding factors for one credential request. It never
// leaves the process and may be consumed exactly once.
type Secret struct {
	amount btcutil.Amount
	serial [32]byte
	key    *secp256k1.PublicKey
	msg    []byte

	v      secp256k1.ModNScalar
	w      secp256k1.ModNScalar
	ePrime secp256k1.ModNScalar

	used atomic.Bool
}

// Amount returns the amount the credential will represent.
func (s *Secret) Amount() btcutil.Amount {
	return s.amount
}

// String never prints blinding material.
func (s *Secret) String() string {
	return fmt.Sprintf("blinding secret (%v)", s.amount)
}

// wipe clears the blinding factors.
func (s *Secret) wipe() {
	zero.Scalars(&s.v, &s.w, &s.ePrime)
	zero.Bytea32(&s.serial)
	zero.Bytes(s.msg)
}

// Blind prepares a credential request for amount against the given
// denomination key and nonce. The returned secret must be passed to
// Unblind exactly once.
func Blind(amount btcutil.Amount, pub *PublicKey) (*BlindedRequest,
	*Secret, error) {

	if pub == nil || pub.Key == nil || pub.Nonce == nil {
		return nil, nil, ErrMissingKey
	}

	var serial [32]byte
	serialKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	serialKey.Key.PutBytes(&serial)
	serialKey.Zero()

	secret := &Secret{
		amount: amount,
		serial: serial,
		key:    pub.Key,
		msg:    CredentialMessage(serial),
	}

	req, err := blindMessage(secret, pub)
	if err != nil {
		secret.wipe()
		return nil, nil, err
	}

	return req, secret, nil
}

// blindMessage computes R' = R + vG + wP, e' = H(R', m) and the blinded
// challenge e = e' - w, storing v, w and e' in secret.
func blindMessage(secret *Secret, pub *PublicKey) (*BlindedRequest, error) {
	var signerKey, nonce secp256k1.JacobianPoint
	pub.Key.AsJacobian(&signerKey)
	pub.Nonce.AsJacobian(&nonce)

	for {
		v, err := randomScalar()
		if err != nil {
			return nil, err
		}
		w, err := randomScalar()
		if err != nil {
			return nil, err
		}

		var vG, wP, partial, rPrime secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(v, &vG)
		secp256k1.ScalarMultNonConst(w, &signerKey, &wP)
		secp256k1.AddNonConst(&nonce, &vG, &partial)
		secp256k1.AddNonConst(&partial, &wP, &rPrime)

		// A point at infinity cannot be hashed; draw new factors.
		if isInfinity(&rPrime) {
			zero.Scalars(v, w)
			continue
		}

		ePrime := challenge(&rPrime, secret.msg)

		var e secp256k1.ModNScalar
		e.NegateVal(w).Add(&ePrime)

		secret.v.Set(v)
		secret.w.Set(w)
		secret.ePrime.Set(&ePrime)
		zero.Scalars(v, w)

		return &BlindedRequest{Challenge: e.Bytes()}, nil
	}
}

// Unblind turns the coordinator's blind signature into a credential and
// verifies it against the denomination key. It fails with
// ErrInvalidSignature when verification fails.
//
// NOTE: a secret is single-use. Unblinding twice with the same secret is a
// programming error and panics, since it would link two credentials.
func Unblind(resp *BlindSignature, secret *Secret) (*Credential, error) {
	if !secret.used.CompareAndSwap(false, true) {
		panic("blindsig: blinding secret reused")
	}
	defer secret.wipe()

	if resp == nil {
		return nil, ErrInvalidSignature
	}

	var s secp256k1.ModNScalar
	if s.SetBytes(&resp.S) != 0 {
		return nil, ErrInvalidSignature
	}
	s.Add(&secret.v)

	sig := &Signature{}
	sig.e.Set(&secret.ePrime)
	sig.s.Set(&s)
	s.Zero()

	if !Verify(secret.key, secret.msg, sig) {
		return nil, ErrInvalidSignature
	}

	return &Credential{
		Amount:    secret.amount,
		Serial:    secret.serial,
		Signature: sig,
	}, nil
}

// Verify reports whether sig is a valid signature by key over msg, i.e.
// H(s'G + e'P, msg) == e'.
func Verify(key *secp256k1.PublicKey, msg []byte, sig *Signature) bool {
	if key == nil || sig == nil {
		return false
	}

	var p, sG, eP, r secp256k1.JacobianPoint
	key.AsJacobian(&p)
	secp256k1.ScalarBaseMultNonConst(&sig.s, &sG)
	secp256k1.ScalarMultNonConst(&sig.e, &p, &eP)
	secp256k1.AddNonConst(&sG, &eP, &r)

	if isInfinity(&r) {
		return false
	}

	e := challenge(&r, msg)

	return e.Equals(&sig.e)
}

// CredentialMessage is the message a credential with the given serial
// signs.
func CredentialMessage(serial [32]byte) []byte {
	h := chainhash.TaggedHash(serialTag, serial[:])
	return h[:]
}

// challenge computes H(tag, R, msg) reduced modulo the group order.
func challenge(r *secp256k1.JacobianPoint, msg []byte) secp256k1.ModNScalar {
	point := *r
	point.ToAffine()
	pub := secp256k1.NewPublicKey(&point.X, &point.Y)

	h := chainhash.TaggedHash(challengeTag, pub.SerializeCompressed(), msg)

	var e secp256k1.ModNScalar
	e.SetByteSlice(h[:])

	return e
}

// isInfinity reports whether p is the point at infinity.
func isInfinity(p *secp256k1.JacobianPoint) bool {
	x, y, z := p.X, p.Y, p.Z
	x.Normalize()
	y.Normalize()
	z.Normalize()

	return (x.IsZero() && y.IsZero()) || z.IsZero()
}

// randomScalar returns a uniformly random non-zero scalar.
func randomScalar() (*secp256k1.ModNScalar, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	var k secp256k1.ModNScalar
	k.Set(&priv.Key)
	priv.Zero()

	return &k, nil
}
