// Package clique implements the Clique proof-of-authority engine: a rotating
// signer schedule with an anti-monopoly window and in-protocol voting on the
// signer set.
package clique

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/crypto"
	"github.com/ahwlsqja/eth-consensus/types"
)

const (
	// ExtraVanity is the fixed number of vanity bytes before the seal.
	ExtraVanity = 32

	nonceAuthVote uint64 = 1
	nonceDropVote uint64 = 0
)

var (
	diffInTurn = uint256.NewInt(2)
	diffNoTurn = uint256.NewInt(1)
)

var _ consensus.Engine = (*Clique)(nil)

// RecentSigner is an entry of the anti-monopoly window.
type RecentSigner struct {
	Number uint64
	Signer common.Address
}

// Clique is the proof-of-authority engine.
type Clique struct {
	mu sync.RWMutex

	config *consensus.Config
	chain  consensus.HeaderReader
	logger *zap.Logger

	signers   *types.ValidatorSet                        // 인가된 서명자 (순서 = 턴 순서)
	recents   []RecentSigner                             // 최근 서명자 윈도우 (오래된 순)
	votes     map[common.Address]map[common.Address]bool // voter -> proposal -> add?
	proposals map[common.Address]bool                    // 로컬 노드가 제안할 투표

	signatures *lru.ARCCache // header hash -> signer
	signer     crypto.Signer // local sealing key
}

// New creates a Clique engine seeded with the configured signer set. chain
// resolves parent headers during validation.
func New(config *consensus.Config, chain consensus.HeaderReader, logger *zap.Logger) *Clique {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chain == nil {
		chain = consensus.NewHeaderReader(nil)
	}
	size := config.SignatureCacheSize
	if size <= 0 {
		size = 4096
	}
	signatures, _ := lru.NewARC(size)

	return &Clique{
		config:     config,
		chain:      chain,
		logger:     logger.Named("clique"),
		signers:    types.NewValidatorSet(config.InitialValidators(), nil),
		votes:      make(map[common.Address]map[common.Address]bool),
		proposals:  make(map[common.Address]bool),
		signatures: signatures,
	}
}

// Authorize injects the local sealing key.
func (c *Clique) Authorize(signer crypto.Signer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signer = signer
}

// Author returns the address that sealed the header.
func (c *Clique) Author(header *types.Header) (common.Address, error) {
	return c.ecrecover(header)
}

func (c *Clique) ecrecover(header *types.Header) (common.Address, error) {
	hash := header.Hash()
	if signer, known := c.signatures.Get(hash); known {
		return signer.(common.Address), nil
	}
	seal := header.Seal()
	if seal == nil {
		return common.Address{}, consensus.ErrMissingSeal
	}
	signer, err := crypto.RecoverAddress(header.SealHash(), seal)
	if err != nil {
		return common.Address{}, consensus.InvalidSignature("failed to recover signer: %v", err)
	}
	c.signatures.Add(hash, signer)
	return signer, nil
}

// ================================================================================
//                          Turn schedule / recent signers
// ================================================================================

func (c *Clique) limitLocked() uint64 {
	return uint64(c.signers.Size() / 2)
}

// inturnLocked reports whether signer owns the slot of block number, i.e.
// its index equals number mod N.
func (c *Clique) inturnLocked(number uint64, signer common.Address) bool {
	n := c.signers.Size()
	if n == 0 {
		return false
	}
	idx := c.signers.IndexOf(signer)
	return idx >= 0 && uint64(idx) == number%uint64(n)
}

func (c *Clique) hasSignedRecentlyLocked(signer common.Address, number uint64) bool {
	limit := c.limitLocked()
	for _, r := range c.recents {
		if r.Signer == signer && r.Number <= number && number-r.Number <= limit {
			return true
		}
	}
	return false
}

func (c *Clique) minTimestamp(parent *types.Header, inturn bool) uint64 {
	period := c.config.BlockPeriod
	if inturn {
		return parent.Time + period
	}
	return parent.Time + period + period/2
}

func (c *Clique) updateRecentsLocked(number uint64, signer common.Address) {
	c.recents = append(c.recents, RecentSigner{Number: number, Signer: signer})
	c.trimRecentsLocked(number)
}

// trimRecentsLocked evicts entries older than the current window.
func (c *Clique) trimRecentsLocked(number uint64) {
	limit := c.limitLocked()
	i := 0
	for i < len(c.recents) {
		r := c.recents[i]
		if r.Number > number || number-r.Number <= limit {
			break
		}
		i++
	}
	c.recents = append(c.recents[:0], c.recents[i:]...)
}

// InTurn reports whether signer is the in-turn signer for block number.
func (c *Clique) InTurn(number uint64, signer common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inturnLocked(number, signer)
}

// SignedRecently reports whether signer is inside the anti-monopoly window
// for block number.
func (c *Clique) SignedRecently(signer common.Address, number uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasSignedRecentlyLocked(signer, number)
}

// NextTimestamp returns the earliest timestamp at which signer may seal the
// child of parent.
func (c *Clique) NextTimestamp(parent *types.Header, signer common.Address) uint64 {
	c.mu.RLock()
	inturn := c.inturnLocked(parent.Number+1, signer)
	c.mu.RUnlock()
	return c.minTimestamp(parent, inturn)
}

// RecentSigners returns a copy of the anti-monopoly window.
func (c *Clique) RecentSigners() []RecentSigner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RecentSigner, len(c.recents))
	copy(out, c.recents)
	return out
}

// ================================================================================
//                          Engine contract
// ================================================================================

// ValidateBlock checks signer authorization, the recent-signer window, the
// difficulty for the signer's turn and the minimum timestamp after the parent.
func (c *Clique) ValidateBlock(block *types.Block) error {
	header := block.Header

	signer, err := c.ecrecover(header)
	if err != nil {
		return err
	}

	var (
		parent    *types.Header
		parentErr error
	)
	if header.Number > 0 {
		parent, parentErr = c.chain.GetHeader(header.ParentHash)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.signers.Contains(signer) {
		return consensus.Wrap(consensus.ErrUnauthorizedSigner, "%s", signer.Hex())
	}
	if c.hasSignedRecentlyLocked(signer, header.Number) {
		return consensus.Wrap(consensus.ErrRecentlySigned, "%s at block %d", signer.Hex(), header.Number)
	}

	diff := header.DifficultyOrZero()
	if !diff.Eq(diffInTurn) && !diff.Eq(diffNoTurn) {
		return consensus.Wrap(consensus.ErrInvalidDifficulty, "%s", diff.Dec())
	}
	if header.Number == 0 {
		return nil
	}
	if parentErr != nil {
		return parentErr
	}
	if parent == nil {
		return consensus.Wrap(consensus.ErrUnknownAncestor, "parent %s", header.ParentHash.Hex())
	}

	inturn := c.inturnLocked(parent.Number+1, signer)
	want := diffNoTurn
	if inturn {
		want = diffInTurn
	}
	if !diff.Eq(want) {
		return consensus.Wrap(consensus.ErrWrongDifficulty, "have %s, want %s", diff.Dec(), want.Dec())
	}
	if earliest := c.minTimestamp(parent, inturn); header.Time < earliest {
		return consensus.Wrap(consensus.ErrBlockTooEarly, "timestamp %d, minimum %d", header.Time, earliest)
	}
	return nil
}

// VerifySeal checks only that a recoverable seal is present.
func (c *Clique) VerifySeal(header *types.Header) error {
	_, err := c.ecrecover(header)
	return err
}

// ProduceBlock builds the unsealed child of parent for beneficiary. A pending
// local proposal, if any, is cast through Author and Nonce.
func (c *Clique) ProduceBlock(ctx context.Context, parent *types.Header, txs []*types.Transaction, beneficiary common.Address) (*types.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	if c.signers.Size() == 0 {
		c.mu.RUnlock()
		return nil, consensus.ErrNotReady
	}
	number := parent.Number + 1
	inturn := c.inturnLocked(number, beneficiary)
	author, nonce := c.pendingVoteLocked()
	c.mu.RUnlock()

	difficulty := diffNoTurn
	if inturn {
		difficulty = diffInTurn
	}

	header := &types.Header{
		ParentHash: parent.Hash(),
		Author:     author,
		Difficulty: new(uint256.Int).Set(difficulty),
		Number:     number,
		GasLimit:   parent.GasLimit,
		Time:       c.minTimestamp(parent, inturn),
		Extra:      c.ExtraData(),
		Nonce:      nonce,
	}
	return types.NewBlock(header, types.Body{Transactions: txs}), nil
}

// SealBlock appends the local signer's 65-byte signature to Extra.
func (c *Clique) SealBlock(ctx context.Context, block *types.Block) (*types.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	header := block.Header

	c.mu.RLock()
	signer := c.signer
	var authorized, recent bool
	if signer != nil {
		authorized = c.signers.Contains(signer.Address())
		recent = c.hasSignedRecentlyLocked(signer.Address(), header.Number)
	}
	c.mu.RUnlock()

	switch {
	case signer == nil:
		return nil, consensus.ErrNoSigner
	case !authorized:
		return nil, consensus.Wrap(consensus.ErrUnauthorized, "%s", signer.Address().Hex())
	case len(header.Extra) >= types.SealLength:
		return nil, consensus.ErrAlreadySealed
	case recent:
		return nil, consensus.Wrap(consensus.ErrRecentlySigned, "%s at block %d", signer.Address().Hex(), header.Number)
	}

	sig, err := signer.Sign(header.SealHash())
	if err != nil {
		return nil, err
	}
	sealed := block.WithSeal(sig)
	c.signatures.Add(sealed.Hash(), signer.Address())
	return sealed, nil
}

// Finalize is a no-op: Clique has no explicit finality.
func (c *Clique) Finalize(ctx context.Context, block *types.Block) error {
	return ctx.Err()
}

// Validators returns the current signer list in turn order.
func (c *Clique) Validators() []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signers.Addresses()
}

// IsValidator reports whether addr is an authorized signer.
func (c *Clique) IsValidator(addr common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signers.Contains(addr)
}

// BlockReward is always zero.
func (c *Clique) BlockReward(number uint64) *uint256.Int {
	return new(uint256.Int)
}

// IsReady reports whether the signer set is non-empty.
func (c *Clique) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signers.Size() > 0
}

// ExtraData returns the 32 vanity bytes placed before the seal.
func (c *Clique) ExtraData() []byte {
	return make([]byte, ExtraVanity)
}

// CalculateDifficulty returns 2 when the local signer is in turn for the
// child of parent and 1 otherwise.
func (c *Clique) CalculateDifficulty(parent *types.Header, time uint64) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.signer != nil && c.inturnLocked(parent.Number+1, c.signer.Address()) {
		return new(uint256.Int).Set(diffInTurn)
	}
	return new(uint256.Int).Set(diffNoTurn)
}
