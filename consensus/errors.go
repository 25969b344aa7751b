package consensus

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned for a block under evaluation is terminal
// for that block and matches exactly one kind via errors.Is.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidBlock     = errors.New("invalid block")
	ErrInvalidValidator = errors.New("invalid validator")
	ErrForkChoice       = errors.New("fork choice error")
)

// Engine errors.
var (
	ErrNotReady      = errors.New("engine not ready")
	ErrNoSigner      = errors.New("no local signer configured")
	ErrUnauthorized  = errors.New("unauthorized block producer")
	ErrAlreadySealed = errors.New("header extra data already carries a seal")
)

// RuleError is a reasoned error of a specific kind.
type RuleError struct {
	Kind   error
	Reason string
}

func (e *RuleError) Error() string {
	return e.Kind.Error() + ": " + e.Reason
}

func (e *RuleError) Unwrap() error {
	return e.Kind
}

func ruleError(kind error, reason string) *RuleError {
	return &RuleError{Kind: kind, Reason: reason}
}

// InvalidBlock returns an ErrInvalidBlock with the given reason.
func InvalidBlock(format string, args ...interface{}) error {
	return ruleError(ErrInvalidBlock, fmt.Sprintf(format, args...))
}

// InvalidSignature returns an ErrInvalidSignature with the given reason.
func InvalidSignature(format string, args ...interface{}) error {
	return ruleError(ErrInvalidSignature, fmt.Sprintf(format, args...))
}

// InvalidValidator returns an ErrInvalidValidator with the given reason.
func InvalidValidator(format string, args ...interface{}) error {
	return ruleError(ErrInvalidValidator, fmt.Sprintf(format, args...))
}

// ForkChoiceError returns an ErrForkChoice with the given reason.
func ForkChoiceError(format string, args ...interface{}) error {
	return ruleError(ErrForkChoice, fmt.Sprintf(format, args...))
}

// Named rule violations. Each unwraps to its kind.
var (
	ErrMissingSeal        = ruleError(ErrInvalidSignature, "missing signature in extra data")
	ErrUnauthorizedSigner = ruleError(ErrInvalidBlock, "unauthorized signer")
	ErrRecentlySigned     = ruleError(ErrInvalidBlock, "signer has signed too recently")
	ErrInvalidDifficulty  = ruleError(ErrInvalidBlock, "invalid difficulty")
	ErrWrongDifficulty    = ruleError(ErrInvalidBlock, "difficulty does not match signer turn")
	ErrBlockTooEarly      = ruleError(ErrInvalidBlock, "block timestamp below minimum for parent")
	ErrUnknownAncestor    = ruleError(ErrInvalidBlock, "unknown ancestor")
	ErrInvalidSlot        = ruleError(ErrInvalidBlock, "block slot does not match current slot")
	ErrWrongProposer      = ruleError(ErrInvalidSignature, "signer is not the slot proposer")
	ErrNotInCommittee     = ruleError(ErrInvalidValidator, "validator not in committee")
	ErrAttestationSigner  = ruleError(ErrInvalidSignature, "attestation signer mismatch")
	ErrKnownBlock         = ruleError(ErrInvalidBlock, "block already known")
	ErrNoCandidates       = ruleError(ErrForkChoice, "no blocks to select from")
	ErrNoCommonAncestor   = ruleError(ErrForkChoice, "no common ancestor")
	ErrSelectedNotFound   = ruleError(ErrForkChoice, "selected block not found")
	ErrNoJustifiedBlocks  = ruleError(ErrForkChoice, "no candidate descends from the justified checkpoint")
	ErrUnknownBlock       = ruleError(ErrForkChoice, "unknown block")
	ErrMissingTD          = ruleError(ErrForkChoice, "total difficulty unknown for candidate")
)

// Wrap annotates a named rule violation with detail while preserving both
// the named error and its kind for errors.Is.
func Wrap(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))
}
