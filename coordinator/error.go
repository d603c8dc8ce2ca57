// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrorCode identifies why the coordinator refused a request.
type ErrorCode string

// These constants are the error codes the coordinator API returns.
const (
	// ErrRoundNotFound indicates the round is unknown or already
	// forgotten.
	ErrRoundNotFound ErrorCode = "round_not_found"

	// ErrWrongPhase indicates the request is not accepted in the round's
	// current phase.
	ErrWrongPhase ErrorCode = "wrong_phase"

	// ErrAliceNotFound indicates the session is unknown, usually because
	// the input was dropped for missing a deadline.
	ErrAliceNotFound ErrorCode = "alice_not_found"

	// ErrOwnershipProofRejected indicates the ownership proof did not
	// verify.
	ErrOwnershipProofRejected ErrorCode = "ownership_proof_rejected"

	// ErrDenominationMismatch indicates the input value cannot pay for
	// the requested credentials.
	ErrDenominationMismatch ErrorCode = "denomination_mismatch"

	// ErrInputBanned indicates the input is under an active ban.
	ErrInputBanned ErrorCode = "input_banned"

	// ErrDenominationNotAllowed indicates an output amount is not on the
	// round's schedule.
	ErrDenominationNotAllowed ErrorCode = "denomination_not_allowed"

	// ErrCredentialRejected indicates a credential failed verification
	// or was already spent.
	ErrCredentialRejected ErrorCode = "credential_rejected"

	// ErrSignatureRejected indicates an input signature did not verify
	// against the joint transaction.
	ErrSignatureRejected ErrorCode = "signature_rejected"

	// ErrRoundFull indicates the round reached its maximum input count.
	ErrRoundFull ErrorCode = "round_full"

	// ErrInternal is any other coordinator failure.
	ErrInternal ErrorCode = "internal"
)

// Error is returned for every request the coordinator refused.
type Error struct {
	Code    ErrorCode
	Message string

	// BanUntil is set with ErrInputBanned.
	BanUntil time.Time
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coordinator: %s", e.Code)
	}
	return fmt.Sprintf("coordinator: %s: %s", e.Code, e.Message)
}

// NewError creates an Error.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a coordinator Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// errorResponse is the JSON body of a refused request.
type errorResponse struct {
	Code     ErrorCode  `json:"code"`
	Message  string     `json:"message"`
	BanUntil *time.Time `json:"ban_until,omitempty"`
}

// MarshalJSON encodes the error as the body of a refused request.
func (e *Error) MarshalJSON() ([]byte, error) {
	resp := errorResponse{Code: e.Code, Message: e.Message}
	if !e.BanUntil.IsZero() {
		resp.BanUntil = &e.BanUntil
	}
	return json.Marshal(&resp)
}

// UnmarshalJSON decodes the body of a refused request.
func (e *Error) UnmarshalJSON(b []byte) error {
	var resp errorResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return err
	}
	if resp.Code == "" {
		return fmt.Errorf("error response without code")
	}

	e.Code = resp.Code
	e.Message = resp.Message
	if resp.BanUntil != nil {
		e.BanUntil = *resp.BanUntil
	}
	return nil
}
