// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcjoin/coordinator"
)

// ErrorKind classifies a failure by how far its effects reach.
type ErrorKind int

// These constants are the failure kinds of the engine.
const (
	// ProtocolViolation means the coordinator or a peer broke a protocol
	// invariant. It is fatal to the round and never retried within it.
	ProtocolViolation ErrorKind = iota

	// Timeout means a phase deadline passed. It only fails the unit that
	// missed it, except during TransactionSigning.
	Timeout

	// CryptographicFailure means a signature or credential did not
	// verify. It is fatal to the round and reported to the operator.
	CryptographicFailure

	// Rejected means the coordinator declined a single request for
	// policy reasons. It only fails the unit that made it.
	Rejected

	// Banned means an input was excluded before registration.
	Banned
)

var errorKindStrings = map[ErrorKind]string{
	ProtocolViolation:    "ProtocolViolation",
	Timeout:              "Timeout",
	CryptographicFailure: "CryptographicFailure",
	Rejected:             "Rejected",
	Banned:               "Banned",
}

// String returns the ErrorKind as a human-readable name.
func (k ErrorKind) String() string {
	if s := errorKindStrings[k]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorKind (%d)", int(k))
}

// ErrorCode identifies the specific cause of an Error.
type ErrorCode int

// These constants identify specific failures.
const (
	// ErrOwnershipProofRejected indicates the coordinator did not accept
	// an input's ownership proof.
	ErrOwnershipProofRejected ErrorCode = iota

	// ErrDenominationMismatch indicates an input's value cannot be
	// expressed with the round's denominations.
	ErrDenominationMismatch

	// ErrInvalidSignature indicates a blind signature failed
	// verification.
	ErrInvalidSignature

	// ErrDenominationNotAllowed indicates an output amount is not on the
	// round's schedule.
	ErrDenominationNotAllowed

	// ErrCredentialRejected indicates the coordinator refused a
	// credential.
	ErrCredentialRejected

	// ErrSignatureRejected indicates the coordinator refused an input
	// signature.
	ErrSignatureRejected

	// ErrInputBanned indicates an input is under an active ban.
	ErrInputBanned

	// ErrPhaseDeadline indicates a phase ended before a unit finished.
	ErrPhaseDeadline

	// ErrSignatureWithheld indicates an input of this wallet was not
	// signed before the signing deadline.
	ErrSignatureWithheld

	// ErrInvalidTransaction indicates the joint transaction does not
	// match what this wallet registered.
	ErrInvalidTransaction

	// ErrTooFewParticipants indicates the round fell below its minimum
	// input or output count.
	ErrTooFewParticipants

	// ErrRoundFailed indicates the coordinator ended the round without
	// success.
	ErrRoundFailed

	// ErrCoordinator indicates any other coordinator or transport
	// failure.
	ErrCoordinator
)

var errorCodeStrings = map[ErrorCode]string{
	ErrOwnershipProofRejected: "ErrOwnershipProofRejected",
	ErrDenominationMismatch:   "ErrDenominationMismatch",
	ErrInvalidSignature:       "ErrInvalidSignature",
	ErrDenominationNotAllowed: "ErrDenominationNotAllowed",
	ErrCredentialRejected:     "ErrCredentialRejected",
	ErrSignatureRejected:      "ErrSignatureRejected",
	ErrInputBanned:            "ErrInputBanned",
	ErrPhaseDeadline:          "ErrPhaseDeadline",
	ErrSignatureWithheld:      "ErrSignatureWithheld",
	ErrInvalidTransaction:     "ErrInvalidTransaction",
	ErrTooFewParticipants:     "ErrTooFewParticipants",
	ErrRoundFailed:            "ErrRoundFailed",
	ErrCoordinator:            "ErrCoordinator",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is the single error type the engine reports failures with.
type Error struct {
	Kind        ErrorKind // How far the failure reaches
	ErrorCode   ErrorCode // Describes the specific failure
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	msg := fmt.Sprintf("%v (%v): %s", e.ErrorCode, e.Kind, e.Description)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the failure aborts the whole round.
func (e Error) IsFatal() bool {
	return e.Kind == ProtocolViolation || e.Kind == CryptographicFailure
}

// joinError creates an Error given a set of arguments.
func joinError(kind ErrorKind, c ErrorCode, desc string, err error) Error {
	return Error{Kind: kind, ErrorCode: c, Description: desc, Err: err}
}

// IsKind reports whether err is an engine Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var jerr Error
	return errors.As(err, &jerr) && jerr.Kind == kind
}

// IsCode reports whether err is an engine Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var jerr Error
	return errors.As(err, &jerr) && jerr.ErrorCode == code
}

// IsFatal reports whether err aborts the round it occurred in.
func IsFatal(err error) bool {
	var jerr Error
	return errors.As(err, &jerr) && jerr.IsFatal()
}

// fromCoordinator maps a coordinator refusal to an engine Error. Transport
// failures and unexpected codes become ErrCoordinator rejections.
func fromCoordinator(desc string, err error) Error {
	var cerr *coordinator.Error
	if !errors.As(err, &cerr) {
		return joinError(Rejected, ErrCoordinator, desc, err)
	}

	switch cerr.Code {
	case coordinator.ErrOwnershipProofRejected:
		return joinError(Rejected, ErrOwnershipProofRejected, desc, err)

	case coordinator.ErrDenominationMismatch:
		return joinError(Rejected, ErrDenominationMismatch, desc, err)

	case coordinator.ErrInputBanned:
		return joinError(Banned, ErrInputBanned, desc, err)

	case coordinator.ErrDenominationNotAllowed:
		return joinError(Rejected, ErrDenominationNotAllowed, desc, err)

	case coordinator.ErrCredentialRejected:
		return joinError(Rejected, ErrCredentialRejected, desc, err)

	case coordinator.ErrSignatureRejected:
		return joinError(
			ProtocolViolation, ErrSignatureRejected, desc, err,
		)

	case coordinator.ErrWrongPhase, coordinator.ErrAliceNotFound:
		return joinError(Timeout, ErrPhaseDeadline, desc, err)

	default:
		return joinError(Rejected, ErrCoordinator, desc, err)
	}
}
