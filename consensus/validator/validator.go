// Package validator performs the engine-independent structural checks a
// block must pass before import: header sanity, parent linkage and body
// commitments.
package validator

import (
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/types"
)

const (
	// MaxExtraDataSize is the largest Extra allowed before the seal.
	MaxExtraDataSize = 32

	// MaxFutureDrift bounds how far a block timestamp may run ahead of the
	// local clock.
	MaxFutureDrift = 900 * time.Second

	// GasLimitBoundDivisor bounds the gas limit change per block to
	// parent.GasLimit / GasLimitBoundDivisor.
	GasLimitBoundDivisor = 1024

	// MaxUncleDepth is the largest distance between a block and its uncles.
	MaxUncleDepth = 7
)

// Header rule violations. All are InvalidBlock errors.
var (
	ErrZeroTimestamp   = consensus.InvalidBlock("zero timestamp")
	ErrZeroGasLimit    = consensus.InvalidBlock("gas limit cannot be zero")
	ErrGasUsedTooHigh  = consensus.InvalidBlock("gas used exceeds gas limit")
	ErrExtraTooLong    = consensus.InvalidBlock("extra data too long")
	ErrInvalidNumber   = consensus.InvalidBlock("block number is not parent number + 1")
	ErrTimestampOrder  = consensus.InvalidBlock("timestamp not after parent")
	ErrFutureBlock     = consensus.InvalidBlock("timestamp too far in the future")
	ErrGasLimitDelta   = consensus.InvalidBlock("gas limit change exceeds bound")
	ErrTxRootMismatch  = consensus.InvalidBlock("transaction root mismatch")
	ErrUncleMismatch   = consensus.InvalidBlock("uncle hash mismatch")
	ErrTxSignature     = consensus.InvalidBlock("invalid transaction signature")
	ErrTxMissingFee    = consensus.InvalidBlock("transaction must have a gas price")
	ErrTxZeroGas       = consensus.InvalidBlock("transaction gas limit cannot be zero")
	ErrUncleTooHigh    = consensus.InvalidBlock("uncle number not below block number")
	ErrUncleTooOld     = consensus.InvalidBlock("uncle too old")
	ErrWrongChainID    = consensus.InvalidBlock("wrong chain id")
	ErrTxGasAboveLimit = consensus.InvalidBlock("transaction gas limit too high")
)

// SealVerifier is the cheap seal pre-filter, usually the active engine.
type SealVerifier interface {
	VerifySeal(header *types.Header) error
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock replaces the wall clock used for the future-drift rule.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithSealVerifier runs VerifySeal before the structural pipeline.
func WithSealVerifier(seal SealVerifier) Option {
	return func(v *Validator) { v.seal = seal }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

// Validator is stateless apart from its read-only collaborators and is safe
// for concurrent use.
type Validator struct {
	db     consensus.Database
	chain  consensus.HeaderReader
	seal   SealVerifier
	now    func() time.Time
	logger *zap.Logger
}

// New creates a validator reading parents from db.
func New(db consensus.Database, opts ...Option) *Validator {
	v := &Validator{
		db:    db,
		chain: consensus.NewHeaderReader(db),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	v.logger = v.logger.Named("validator")
	return v
}

// Validate runs the seal pre-filter, the header checks and the body checks.
func (v *Validator) Validate(block *types.Block) error {
	err := v.validate(block)
	if err != nil {
		v.logger.Debug("block rejected",
			zap.Uint64("number", block.Number()),
			zap.Stringer("hash", block.Hash()),
			zap.Error(err),
		)
	}
	return err
}

func (v *Validator) validate(block *types.Block) error {
	if v.seal != nil {
		if err := v.seal.VerifySeal(block.Header); err != nil {
			return err
		}
	}
	if err := v.ValidateHeader(block.Header); err != nil {
		return err
	}
	return ValidateBody(block)
}

// CheckBlockImport rejects blocks already in storage and validates the rest.
func (v *Validator) CheckBlockImport(block *types.Block) error {
	hash := block.Hash()
	data, err := v.db.Get(consensus.HeaderKey(hash))
	if err != nil {
		return err
	}
	if data != nil {
		return consensus.Wrap(consensus.ErrKnownBlock, "%s", hash.Hex())
	}
	return v.Validate(block)
}

// ValidateHeader checks header sanity and, except for genesis, the rules
// relative to the stored parent.
func (v *Validator) ValidateHeader(header *types.Header) error {
	if err := checkHeaderSanity(header); err != nil {
		return err
	}
	if header.Number == 0 {
		return nil
	}
	parent, err := v.chain.GetHeader(header.ParentHash)
	if err != nil {
		return err
	}
	if parent == nil {
		return consensus.Wrap(consensus.ErrUnknownAncestor, "parent %s of block %d", header.ParentHash.Hex(), header.Number)
	}
	return v.checkHeaderContext(header, parent)
}

func checkHeaderSanity(header *types.Header) error {
	if header.Time == 0 {
		return ErrZeroTimestamp
	}
	if header.GasLimit == 0 {
		return ErrZeroGasLimit
	}
	if header.GasUsed > header.GasLimit {
		return consensus.Wrap(ErrGasUsedTooHigh, "used %d, limit %d", header.GasUsed, header.GasLimit)
	}
	if n := extraSize(header.Extra); n > MaxExtraDataSize {
		return consensus.Wrap(ErrExtraTooLong, "%d bytes, max %d", n, MaxExtraDataSize)
	}
	return nil
}

// extraSize returns the length of Extra net of a trailing seal.
func extraSize(extra []byte) int {
	n := len(extra)
	if n > MaxExtraDataSize && n >= types.SealLength {
		n -= types.SealLength
	}
	return n
}

func (v *Validator) checkHeaderContext(header, parent *types.Header) error {
	if header.Number != parent.Number+1 {
		return consensus.Wrap(ErrInvalidNumber, "have %d, parent %d", header.Number, parent.Number)
	}
	if header.Time <= parent.Time {
		return consensus.Wrap(ErrTimestampOrder, "timestamp %d, parent %d", header.Time, parent.Time)
	}
	maxTime := uint64(v.now().Add(MaxFutureDrift).Unix())
	if header.Time > maxTime {
		return consensus.Wrap(ErrFutureBlock, "timestamp %d, max %d", header.Time, maxTime)
	}

	var diff uint64
	if header.GasLimit > parent.GasLimit {
		diff = header.GasLimit - parent.GasLimit
	} else {
		diff = parent.GasLimit - header.GasLimit
	}
	if bound := parent.GasLimit / GasLimitBoundDivisor; diff > bound {
		return consensus.Wrap(ErrGasLimitDelta, "have %d, parent %d, bound %d", header.GasLimit, parent.GasLimit, bound)
	}
	return nil
}
