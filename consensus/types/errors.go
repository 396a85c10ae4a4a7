package types

import (
	"errors"
	"fmt"
)

// Input rejections. The message is dropped and no state changes.
var (
	ErrEpochMismatch    = errors.New("message epoch does not match active epoch")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrDuplicateVote    = errors.New("duplicate vote")
	ErrStaleMessage     = errors.New("stale message")
	ErrNotLeader        = errors.New("signer is not the leader")
	ErrUnknownValidator = errors.New("unknown validator")
	ErrInvalidMessage   = errors.New("invalid consensus message")
	ErrUnknownKind      = errors.New("unknown message kind")
)

// Evidence errors. Rejected without penalty.
var (
	ErrInvalidProof    = errors.New("invalid evidence proof")
	ErrUnknownEpoch    = errors.New("unknown epoch")
	ErrStaleEvidence   = errors.New("evidence submission window elapsed")
	ErrInvalidEvidence = errors.New("malformed evidence")
)

// Invariant violations. Any of these halts block production.
var (
	ErrConflictingCertificate = errors.New("conflicting finality certificate for height")
	ErrStakeDrift             = errors.New("registry total active stake drifted")
	ErrInvalidConfig          = errors.New("invalid epoch configuration")
	ErrViewChangeCeiling      = errors.New("view change ceiling exhausted")
	ErrConsensusHalted        = errors.New("consensus halted")
)

// EquivocationError reports two conflicting messages signed by the same
// validator for the same slot. Engines return it so the caller can turn the
// pair into DoubleSign evidence.
type EquivocationError struct {
	Validator ValidatorID
	First     *Message
	Second    *Message
}

func (e *EquivocationError) Error() string {
	if e == nil {
		return ""
	}
	kind := KindUnknown
	height := uint64(0)
	if e.First != nil {
		kind = e.First.Kind
		height = e.First.Height
	}
	return fmt.Sprintf("equivocation by %s: conflicting %s at height %d", e.Validator, kind, height)
}

// Is lets errors.Is(err, ErrDuplicateVote) match equivocations.
func (e *EquivocationError) Is(target error) bool {
	return target == ErrDuplicateVote
}

// IsFatal reports whether err is an invariant violation that must halt consensus.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConflictingCertificate) ||
		errors.Is(err, ErrStakeDrift) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrViewChangeCeiling) ||
		errors.Is(err, ErrConsensusHalted)
}
