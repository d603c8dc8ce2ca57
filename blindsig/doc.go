// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package blindsig implements the credential side of CoinJoin output
registration: Schnorr blind signatures over secp256k1.

The coordinator holds one signing key d per denomination level and answers
each credential request with a fresh nonce R = kG. The wallet blinds the
challenge so that the coordinator signs without learning which credential it
signed:

	R' = R + vG + wP
	e' = H(R', m)
	e  = e' - w          (sent to the coordinator)
	s  = k - e*d         (returned by the coordinator)
	s' = s + v           (unblinded)

(e', s') verifies as H(s'G + e'P, m) == e'. The message m commits to a
random serial only; the amount is fixed by which denomination key signed.

The package performs no I/O. Blinding factors live in a Secret that is
consumed by exactly one call to Unblind and wiped afterwards.
*/
package blindsig
