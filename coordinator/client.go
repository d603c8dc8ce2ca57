// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"

	"github.com/google/uuid"
)

// Client is the wallet's view of the coordinator API. Implementations hide
// proxying and endpoint discovery; all methods are safe for concurrent use.
//
// Every request is sent over the transport identity carried by its context
// (see WithIdentity). Implementations never pick identities themselves:
// the caller decides which requests may be linked.
type Client interface {
	// Rounds returns the status of every round the coordinator is
	// currently running.
	Rounds(ctx context.Context) ([]*RoundStatus, error)

	// RoundStatus returns the status of a single round.
	RoundStatus(ctx context.Context, id RoundID) (*RoundStatus, error)

	// RegisterInput registers a UTXO with its ownership proof.
	RegisterInput(ctx context.Context,
		req *InputRegistrationRequest) (*InputRegistrationResponse, error)

	// Unregister withdraws a registered input. Only valid during
	// InputRegistration.
	Unregister(ctx context.Context, req *UnregisterRequest) error

	// ConfirmConnection sends a heartbeat or, during
	// ConnectionConfirmation, requests the input's blind signatures.
	ConfirmConnection(ctx context.Context,
		req *ConnectionConfirmationRequest) (
		*ConnectionConfirmationResponse, error)

	// RegisterOutput registers an anonymous output with a credential.
	// Callers send it over a fresh identity.
	RegisterOutput(ctx context.Context, req *OutputRegistrationRequest) error

	// RegisterChange registers an input's leftover output.
	RegisterChange(ctx context.Context, req *ChangeRegistrationRequest) error

	// ReadyToSign tells the coordinator an input has registered all of
	// its outputs. The round leaves OutputRegistration early once every
	// input is ready.
	ReadyToSign(ctx context.Context, req *ReadyToSignRequest) error

	// SubmitSignature submits the witness of one input.
	SubmitSignature(ctx context.Context, req *SignatureRequest) error
}

// identityKey is the context key carrying the transport identity.
type identityKey struct{}

// DefaultIdentity is used for requests that carry no identity, such as
// round status polling.
const DefaultIdentity = "status"

// WithIdentity returns a context whose requests are sent over the
// transport identity id. Requests made under different identities are not
// linkable at the network layer.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// WithFreshIdentity returns a context bound to a new random identity.
func WithFreshIdentity(ctx context.Context) context.Context {
	return WithIdentity(ctx, uuid.NewString())
}

// IdentityFromContext returns the identity carried by ctx, or
// DefaultIdentity.
func IdentityFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultIdentity
}
