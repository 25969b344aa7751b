// Package engine holds the closed set of consensus engines and the façade
// that drives them together with the validator, fork choice and storage.
package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/consensus/clique"
	"github.com/ahwlsqja/eth-consensus/consensus/pos"
	"github.com/ahwlsqja/eth-consensus/crypto"
	"github.com/ahwlsqja/eth-consensus/types"
)

// Kind tags the active engine variant.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindClique
	KindProofOfStake
)

func (k Kind) String() string {
	switch k {
	case KindClique:
		return "clique"
	case KindProofOfStake:
		return "pos"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Engine is a closed union over the supported engines. Every operation
// switches on the tag.
type Engine struct {
	kind   Kind
	clique *clique.Clique
	pos    *pos.PoS
}

var _ consensus.Engine = (*Engine)(nil)

// NewClique wraps a Clique engine.
func NewClique(c *clique.Clique) *Engine {
	return &Engine{kind: KindClique, clique: c}
}

// NewProofOfStake wraps a PoS engine.
func NewProofOfStake(p *pos.PoS) *Engine {
	return &Engine{kind: KindProofOfStake, pos: p}
}

// FromConfig builds the engine selected by cfg.Engine. Proof-of-authority
// and Clique share the Clique engine.
func FromConfig(cfg *consensus.Config, chain consensus.HeaderReader, logger *zap.Logger) (*Engine, error) {
	switch cfg.Engine {
	case consensus.Clique, consensus.ProofOfAuthority:
		return NewClique(clique.New(cfg, chain, logger)), nil
	case consensus.ProofOfStake:
		return NewProofOfStake(pos.New(cfg, logger)), nil
	default:
		return nil, fmt.Errorf("unsupported engine %s", cfg.Engine)
	}
}

// Kind returns the variant tag.
func (e *Engine) Kind() Kind {
	return e.kind
}

// Clique returns the Clique variant.
func (e *Engine) Clique() (*clique.Clique, bool) {
	return e.clique, e.kind == KindClique
}

// ProofOfStake returns the PoS variant.
func (e *Engine) ProofOfStake() (*pos.PoS, bool) {
	return e.pos, e.kind == KindProofOfStake
}

func (e *Engine) badKind() string {
	return "engine: unknown variant " + e.kind.String()
}

// Authorize injects the local signing key.
func (e *Engine) Authorize(signer crypto.Signer) {
	switch e.kind {
	case KindClique:
		e.clique.Authorize(signer)
	case KindProofOfStake:
		e.pos.Authorize(signer)
	default:
		panic(e.badKind())
	}
}

func (e *Engine) ValidateBlock(block *types.Block) error {
	switch e.kind {
	case KindClique:
		return e.clique.ValidateBlock(block)
	case KindProofOfStake:
		return e.pos.ValidateBlock(block)
	default:
		panic(e.badKind())
	}
}

func (e *Engine) VerifySeal(header *types.Header) error {
	switch e.kind {
	case KindClique:
		return e.clique.VerifySeal(header)
	case KindProofOfStake:
		return e.pos.VerifySeal(header)
	default:
		panic(e.badKind())
	}
}

func (e *Engine) ProduceBlock(ctx context.Context, parent *types.Header, txs []*types.Transaction, beneficiary common.Address) (*types.Block, error) {
	switch e.kind {
	case KindClique:
		return e.clique.ProduceBlock(ctx, parent, txs, beneficiary)
	case KindProofOfStake:
		return e.pos.ProduceBlock(ctx, parent, txs, beneficiary)
	default:
		panic(e.badKind())
	}
}

func (e *Engine) SealBlock(ctx context.Context, block *types.Block) (*types.Block, error) {
	switch e.kind {
	case KindClique:
		return e.clique.SealBlock(ctx, block)
	case KindProofOfStake:
		return e.pos.SealBlock(ctx, block)
	default:
		panic(e.badKind())
	}
}

func (e *Engine) Apply(header *types.Header) error {
	switch e.kind {
	case KindClique:
		return e.clique.Apply(header)
	case KindProofOfStake:
		return e.pos.Apply(header)
	default:
		panic(e.badKind())
	}
}

func (e *Engine) Finalize(ctx context.Context, block *types.Block) error {
	switch e.kind {
	case KindClique:
		return e.clique.Finalize(ctx, block)
	case KindProofOfStake:
		return e.pos.Finalize(ctx, block)
	default:
		panic(e.badKind())
	}
}

func (e *Engine) Validators() []common.Address {
	switch e.kind {
	case KindClique:
		return e.clique.Validators()
	case KindProofOfStake:
		return e.pos.Validators()
	default:
		panic(e.badKind())
	}
}

func (e *Engine) IsValidator(addr common.Address) bool {
	switch e.kind {
	case KindClique:
		return e.clique.IsValidator(addr)
	case KindProofOfStake:
		return e.pos.IsValidator(addr)
	default:
		panic(e.badKind())
	}
}

func (e *Engine) BlockReward(number uint64) *uint256.Int {
	switch e.kind {
	case KindClique:
		return e.clique.BlockReward(number)
	case KindProofOfStake:
		return e.pos.BlockReward(number)
	default:
		panic(e.badKind())
	}
}

func (e *Engine) IsReady() bool {
	switch e.kind {
	case KindClique:
		return e.clique.IsReady()
	case KindProofOfStake:
		return e.pos.IsReady()
	default:
		return false
	}
}

func (e *Engine) CalculateDifficulty(parent *types.Header, time uint64) *uint256.Int {
	switch e.kind {
	case KindClique:
		return e.clique.CalculateDifficulty(parent, time)
	case KindProofOfStake:
		return e.pos.CalculateDifficulty(parent, time)
	default:
		panic(e.badKind())
	}
}

func (e *Engine) ExtraData() []byte {
	switch e.kind {
	case KindClique:
		return e.clique.ExtraData()
	case KindProofOfStake:
		return e.pos.ExtraData()
	default:
		panic(e.badKind())
	}
}
