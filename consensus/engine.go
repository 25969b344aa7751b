package consensus

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ahwlsqja/eth-consensus/types"
)

// Engine is the contract every consensus variant implements.
//
// ValidateBlock and VerifySeal are side-effect-free and may run concurrently
// for competing blocks. Apply is the import-time state transition and is
// serialized by the engine against every other mutation. ProduceBlock,
// SealBlock and Finalize may block on signing or storage and honor ctx.
type Engine interface {
	// 블록 전체 검증 (서명자 권한, 타이밍, 난이도/슬롯)
	ValidateBlock(block *types.Block) error

	// 봉인 서명 존재 및 복구 가능 여부만 확인
	VerifySeal(header *types.Header) error

	ProduceBlock(ctx context.Context, parent *types.Header, txs []*types.Transaction, beneficiary common.Address) (*types.Block, error)
	SealBlock(ctx context.Context, block *types.Block) (*types.Block, error)

	// Apply records the effects of an imported header (votes, recent
	// signers). It is not part of validation.
	Apply(header *types.Header) error

	Finalize(ctx context.Context, block *types.Block) error

	Validators() []common.Address
	IsValidator(addr common.Address) bool
	BlockReward(number uint64) *uint256.Int
	IsReady() bool
	CalculateDifficulty(parent *types.Header, time uint64) *uint256.Int
	ExtraData() []byte
}
