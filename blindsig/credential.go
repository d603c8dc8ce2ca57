// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blindsig

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeCredentialAmount    tlv.Type = 0
	typeCredentialSerial    tlv.Type = 2
	typeCredentialSignature tlv.Type = 4
)

// Credential is an unblinded, coordinator-signed token worth Amount. Once
// unblinded it cannot be linked to the request that produced it.
type Credential struct {
	// Amount is the value the credential represents. It is bound by the
	// denomination key that signed it rather than by the signed message.
	Amount btcutil.Amount

	// Serial is the random identifier the coordinator uses to prevent
	// double spending of the credential.
	Serial [32]byte

	// Signature is the unblinded signature over CredentialMessage(Serial).
	Signature *Signature
}

// Verify reports whether the credential was signed by key.
func (c *Credential) Verify(key *secp256k1.PublicKey) bool {
	if c == nil || c.Signature == nil {
		return false
	}

	return Verify(key, CredentialMessage(c.Serial), c.Signature)
}

// String returns a description that omits the serial and signature so a
// credential can never be correlated through log output.
func (c *Credential) String() string {
	return fmt.Sprintf("credential(%v)", c.Amount)
}

// Encode writes the credential as a TLV stream.
func (c *Credential) Encode(w io.Writer) error {
	if c.Signature == nil {
		return fmt.Errorf("credential has no signature")
	}

	amount := uint64(c.Amount)
	serial := c.Serial
	sig := c.Signature.Serialize()

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCredentialAmount, &amount),
		tlv.MakePrimitiveRecord(typeCredentialSerial, &serial),
		tlv.MakePrimitiveRecord(typeCredentialSignature, &sig),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Bytes returns the TLV encoding of the credential.
func (c *Credential) Bytes() ([]byte, error) {
	var b bytes.Buffer
	if err := c.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// DecodeCredential reads a credential written by Encode.
func DecodeCredential(r io.Reader) (*Credential, error) {
	var (
		amount uint64
		serial [32]byte
		sig    [64]byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCredentialAmount, &amount),
		tlv.MakePrimitiveRecord(typeCredentialSerial, &serial),
		tlv.MakePrimitiveRecord(typeCredentialSignature, &sig),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, err
	}

	for _, typ := range []tlv.Type{
		typeCredentialAmount, typeCredentialSerial,
		typeCredentialSignature,
	} {
		if _, ok := parsed[typ]; !ok {
			return nil, fmt.Errorf("credential missing tlv type %d",
				typ)
		}
	}

	signature, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}

	return &Credential{
		Amount:    btcutil.Amount(amount),
		Serial:    serial,
		Signature: signature,
	}, nil
}
