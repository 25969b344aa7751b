package validator

import (
	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/types"
)

// ValidateBody checks the body against the header commitments, then every
// transaction and uncle.
func ValidateBody(block *types.Block) error {
	header := block.Header

	if root := types.DeriveTxRoot(block.Body.Transactions); root != header.TxRoot {
		return consensus.Wrap(ErrTxRootMismatch, "have %s, want %s", header.TxRoot.Hex(), root.Hex())
	}
	if hash := types.CalcUncleHash(block.Body.Uncles); hash != header.UncleHash {
		return consensus.Wrap(ErrUncleMismatch, "have %s, want %s", header.UncleHash.Hex(), hash.Hex())
	}
	for i, tx := range block.Body.Transactions {
		if err := validateTransaction(tx); err != nil {
			return consensus.Wrap(err, "transaction %d (%s)", i, tx.Hash().Hex())
		}
	}
	for _, uncle := range block.Body.Uncles {
		if err := validateUncle(uncle, header); err != nil {
			return err
		}
	}
	return nil
}

func validateTransaction(tx *types.Transaction) error {
	if err := tx.ValidateSignatureValues(); err != nil {
		return consensus.Wrap(ErrTxSignature, "%v", err)
	}
	if !tx.HasFee() {
		return ErrTxMissingFee
	}
	if tx.Gas == 0 {
		return ErrTxZeroGas
	}
	return nil
}

// validateUncle measures uncle depth against the including block.
func validateUncle(uncle, header *types.Header) error {
	if uncle.Number >= header.Number {
		return consensus.Wrap(ErrUncleTooHigh, "uncle %d, block %d", uncle.Number, header.Number)
	}
	if header.Number-uncle.Number > MaxUncleDepth {
		return consensus.Wrap(ErrUncleTooOld, "uncle %d, block %d", uncle.Number, header.Number)
	}
	return nil
}

// MaxTransactionGas caps the gas limit of a single pooled transaction.
const MaxTransactionGas = 30_000_000

// TransactionValidator admits transactions for pooling.
type TransactionValidator struct {
	chainID uint64
}

// NewTransactionValidator creates a validator for chainID.
func NewTransactionValidator(chainID uint64) *TransactionValidator {
	return &TransactionValidator{chainID: chainID}
}

// Validate checks the signature values, the chain id when one is present and
// the gas cap.
func (v *TransactionValidator) Validate(tx *types.Transaction) error {
	if err := tx.ValidateSignatureValues(); err != nil {
		return consensus.Wrap(ErrTxSignature, "%v", err)
	}
	if tx.ChainID != nil && (!tx.ChainID.IsUint64() || tx.ChainID.Uint64() != v.chainID) {
		return consensus.Wrap(ErrWrongChainID, "have %s, want %d", tx.ChainID.Dec(), v.chainID)
	}
	if tx.Gas > MaxTransactionGas {
		return consensus.Wrap(ErrTxGasAboveLimit, "%d > %d", tx.Gas, MaxTransactionGas)
	}
	return nil
}
