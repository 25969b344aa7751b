// Package pos implements the slot-based proof-of-stake engine: round-robin
// proposers, sampled attestation committees and two-step checkpoint
// finality.
//
// Proposer and committee selection are deterministic in the slot and the
// validator set. They are not unpredictable and must not be relied on as a
// randomness source.
package pos

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/crypto"
	"github.com/ahwlsqja/eth-consensus/types"
)

// SlotExtraLength is the size of the little-endian slot number placed in
// Extra before the proposer seal.
const SlotExtraLength = 8

var (
	// BaseReward is the full-participation block reward (2 ETH).
	BaseReward = new(uint256.Int).Mul(uint256.NewInt(2), uint256.NewInt(1_000_000_000_000_000_000))

	ppmDenominator = uint256.NewInt(1_000_000)
)

var (
	ErrValidatorExists  = errors.New("validator already registered")
	ErrUnknownValidator = errors.New("unknown validator")
	ErrZeroStake        = errors.New("stake must be positive")
)

var _ consensus.Engine = (*PoS)(nil)

// PoS is the proof-of-stake engine.
type PoS struct {
	mu sync.RWMutex

	config *consensus.Config
	logger *zap.Logger

	validators *types.ValidatorSet // 순서 = 제안자 로테이션 순서
	slot       uint64

	// target epoch -> validator -> target root
	votes map[uint64]map[common.Address]common.Hash

	justified    map[uint64]types.Checkpoint // epoch -> justified checkpoint
	latestJust   *types.Checkpoint
	finalized    *types.Checkpoint
	slashedTotal uint64

	signatures *lru.ARCCache // header hash -> proposer
	signer     crypto.Signer
}

// New creates a PoS engine whose initial validators each hold
// config.InitialStake.
func New(config *consensus.Config, logger *zap.Logger) *PoS {
	if logger == nil {
		logger = zap.NewNop()
	}
	stake := config.InitialStake
	if stake == nil || stake.IsZero() {
		stake = consensus.DefaultInitialStake
	}
	size := config.SignatureCacheSize
	if size <= 0 {
		size = 4096
	}
	signatures, _ := lru.NewARC(size)

	return &PoS{
		config:     config,
		logger:     logger.Named("pos"),
		validators: types.NewValidatorSet(config.InitialValidators(), stake),
		votes:      make(map[uint64]map[common.Address]common.Hash),
		justified:  make(map[uint64]types.Checkpoint),
		signatures: signatures,
	}
}

// Authorize injects the local proposer and attester key.
func (p *PoS) Authorize(signer crypto.Signer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signer = signer
}

// ================================================================================
//                          Slot clock
// ================================================================================

// SetSlot advances the engine's notion of the current slot. Votes whose
// target epoch is older than the previous epoch are dropped.
func (p *PoS) SetSlot(slot uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.config.Epoch(p.slot)
	p.slot = slot
	epoch := p.config.Epoch(slot)
	if epoch == prev {
		return
	}
	dropped := 0
	for target := range p.votes {
		if target+1 < epoch {
			dropped += len(p.votes[target])
			delete(p.votes, target)
		}
	}
	for e := range p.justified {
		if e+1 < epoch {
			delete(p.justified, e)
		}
	}
	p.logger.Debug("entered epoch",
		zap.Uint64("epoch", epoch),
		zap.Uint64("slot", slot),
		zap.Int("dropped_votes", dropped),
	)
}

// Slot returns the current slot.
func (p *PoS) Slot() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.slot
}

// Epoch returns the epoch of the current slot.
func (p *PoS) Epoch() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Epoch(p.slot)
}

// SlotOf maps a header timestamp to its slot.
func (p *PoS) SlotOf(time uint64) uint64 {
	if p.config.BlockPeriod == 0 {
		return 0
	}
	return time / p.config.BlockPeriod
}

// ================================================================================
//                          Proposer
// ================================================================================

func (p *PoS) proposerLocked(slot uint64) common.Address {
	n := p.validators.Size()
	if n == 0 {
		return common.Address{}
	}
	return p.validators.At(int(slot % uint64(n))).Address
}

// Proposer returns validators[slot mod N], or the zero address when the set
// is empty.
func (p *PoS) Proposer(slot uint64) common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.proposerLocked(slot)
}

func (p *PoS) recoverProposer(header *types.Header) (common.Address, error) {
	hash := header.Hash()
	if signer, known := p.signatures.Get(hash); known {
		return signer.(common.Address), nil
	}
	seal := header.Seal()
	if seal == nil {
		return common.Address{}, consensus.ErrMissingSeal
	}
	signer, err := crypto.RecoverAddress(header.SealHash(), seal)
	if err != nil {
		return common.Address{}, consensus.InvalidSignature("failed to recover proposer: %v", err)
	}
	p.signatures.Add(hash, signer)
	return signer, nil
}

// ================================================================================
//                          Engine contract
// ================================================================================

// ValidateBlock requires the block to belong to the current slot and to be
// sealed by that slot's proposer.
func (p *PoS) ValidateBlock(block *types.Block) error {
	header := block.Header

	signer, err := p.recoverProposer(header)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	expected := p.SlotOf(header.Time)
	if expected != p.slot {
		return consensus.Wrap(consensus.ErrInvalidSlot, "expected %d, got %d", p.slot, expected)
	}
	if proposer := p.proposerLocked(expected); signer != proposer {
		return consensus.Wrap(consensus.ErrWrongProposer, "expected %s, got %s", proposer.Hex(), signer.Hex())
	}
	return nil
}

// VerifySeal checks that a recoverable proposer signature is present.
func (p *PoS) VerifySeal(header *types.Header) error {
	_, err := p.recoverProposer(header)
	return err
}

// ProduceBlock builds the unsealed block for the current slot.
func (p *PoS) ProduceBlock(ctx context.Context, parent *types.Header, txs []*types.Transaction, beneficiary common.Address) (*types.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := p.validators.Size() > 0
	slot := p.slot
	p.mu.RUnlock()
	if !ready {
		return nil, consensus.ErrNotReady
	}

	header := &types.Header{
		ParentHash: parent.Hash(),
		Author:     beneficiary,
		Difficulty: new(uint256.Int),
		Number:     parent.Number + 1,
		GasLimit:   parent.GasLimit,
		Time:       slot * p.config.BlockPeriod,
		Extra:      slotExtra(slot),
	}
	return types.NewBlock(header, types.Body{Transactions: txs}), nil
}

// SealBlock signs the block when the local key is the proposer of the
// block's slot.
func (p *PoS) SealBlock(ctx context.Context, block *types.Block) (*types.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	header := block.Header

	p.mu.RLock()
	signer := p.signer
	proposer := p.proposerLocked(p.SlotOf(header.Time))
	p.mu.RUnlock()

	switch {
	case signer == nil:
		return nil, consensus.ErrNoSigner
	case signer.Address() != proposer:
		return nil, consensus.Wrap(consensus.ErrUnauthorized, "%s is not the proposer of slot %d",
			signer.Address().Hex(), p.SlotOf(header.Time))
	case len(header.Extra) >= types.SealLength:
		return nil, consensus.ErrAlreadySealed
	}

	sig, err := signer.Sign(header.SealHash())
	if err != nil {
		return nil, err
	}
	sealed := block.WithSeal(sig)
	p.signatures.Add(sealed.Hash(), signer.Address())
	return sealed, nil
}

// Apply is a no-op: PoS state changes are driven by attestations.
func (p *PoS) Apply(header *types.Header) error {
	return nil
}

// Finalize records block as an explicitly finalized checkpoint when it is
// newer than the current one.
func (p *PoS) Finalize(ctx context.Context, block *types.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := types.Checkpoint{Epoch: p.config.Epoch(p.SlotOf(block.Header.Time)), Root: block.Hash()}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized == nil || cp.Epoch > p.finalized.Epoch {
		p.finalized = &cp
		p.logger.Info("checkpoint finalized", zap.Stringer("checkpoint", cp))
	}
	return nil
}

// Validators returns the active validators in rotation order.
func (p *PoS) Validators() []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validators.Addresses()
}

// IsValidator reports whether addr is active.
func (p *PoS) IsValidator(addr common.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validators.Contains(addr)
}

// BlockReward scales BaseReward by the configured participation rate.
func (p *PoS) BlockReward(number uint64) *uint256.Int {
	return Reward(p.config.ParticipationRate)
}

// Reward returns BaseReward * rate, computed in parts per million.
func Reward(rate float64) *uint256.Int {
	if rate <= 0 {
		return new(uint256.Int)
	}
	if rate > 1 {
		rate = 1
	}
	ppm := uint256.NewInt(uint64(math.Round(rate * 1_000_000)))
	reward := new(uint256.Int).Mul(BaseReward, ppm)
	return reward.Div(reward, ppmDenominator)
}

// IsReady reports whether any validator is active.
func (p *PoS) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validators.Size() > 0
}

// ExtraData returns the current slot as 8 little-endian bytes.
func (p *PoS) ExtraData() []byte {
	return slotExtra(p.Slot())
}

// CalculateDifficulty is always zero.
func (p *PoS) CalculateDifficulty(parent *types.Header, time uint64) *uint256.Int {
	return new(uint256.Int)
}

func slotExtra(slot uint64) []byte {
	extra := make([]byte, SlotExtraLength)
	binary.LittleEndian.PutUint64(extra, slot)
	return extra
}

// ================================================================================
//                          Validator registry
// ================================================================================

// Register adds a validator with the given stake at the end of the rotation.
func (p *PoS) Register(addr common.Address, stake *uint256.Int) error {
	if stake == nil || stake.IsZero() {
		return ErrZeroStake
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.validators.Add(addr, stake) {
		return consensus.Wrap(ErrValidatorExists, "%s", addr.Hex())
	}
	p.logger.Info("validator registered",
		zap.Stringer("validator", addr),
		zap.String("stake", stake.Dec()),
		zap.Int("validators", p.validators.Size()),
	)
	return nil
}

// Exit removes a validator from the active set.
func (p *PoS) Exit(addr common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.validators.Remove(addr) {
		return consensus.Wrap(ErrUnknownValidator, "%s", addr.Hex())
	}
	p.logger.Info("validator exited",
		zap.Stringer("validator", addr),
		zap.Int("validators", p.validators.Size()),
	)
	return nil
}

// Stake returns a copy of the validator's stake, or nil when inactive.
func (p *PoS) Stake(addr common.Address) *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v := p.validators.Get(addr)
	if v == nil || v.Stake == nil {
		return nil
	}
	return new(uint256.Int).Set(v.Stake)
}

// TotalStake sums the stake of active validators.
func (p *PoS) TotalStake() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validators.TotalStake()
}

// Slash deducts the fixed penalty from addr. A validator left without stake
// is removed. It reports whether addr was active.
func (p *PoS) Slash(addr common.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slashLocked(addr)
}

func (p *PoS) slashLocked(addr common.Address) bool {
	v := p.validators.Get(addr)
	if v == nil {
		return false
	}
	penalty := p.config.SlashPenalty
	if penalty == nil {
		penalty = consensus.DefaultSlashPenalty
	}
	if v.Stake == nil || v.Stake.Cmp(penalty) <= 0 {
		v.Stake = new(uint256.Int)
	} else {
		v.Stake = new(uint256.Int).Sub(v.Stake, penalty)
	}
	p.slashedTotal++

	p.logger.Warn("validator slashed",
		zap.Stringer("validator", addr),
		zap.String("remaining", v.Stake.Dec()),
	)
	if v.Stake.IsZero() {
		p.validators.Remove(addr)
		p.logger.Info("validator ejected", zap.Stringer("validator", addr))
	}
	return true
}

// Slashings returns the number of penalties applied so far.
func (p *PoS) Slashings() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.slashedTotal
}
