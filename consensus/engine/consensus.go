package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/consensus/forkchoice"
	"github.com/ahwlsqja/eth-consensus/consensus/pos"
	"github.com/ahwlsqja/eth-consensus/consensus/validator"
	"github.com/ahwlsqja/eth-consensus/crypto"
	"github.com/ahwlsqja/eth-consensus/metrics"
	"github.com/ahwlsqja/eth-consensus/types"
)

// ErrNotProofOfStake is returned by operations that only the PoS engine
// supports.
var ErrNotProofOfStake = errors.New("operation requires the proof-of-stake engine")

// Option configures a Consensus.
type Option func(*Consensus)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consensus) { c.logger = logger }
}

// WithForkChoiceRule overrides the engine's default rule.
func WithForkChoiceRule(rule forkchoice.Rule) Option {
	return func(c *Consensus) { c.rule = &rule }
}

// WithMetrics records import, fork choice and finality metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consensus) { c.metrics = m }
}

// WithClock replaces the wall clock used by the validator.
func WithClock(now func() time.Time) Option {
	return func(c *Consensus) { c.now = now }
}

// DefaultRule returns LongestChain for authority engines and CasperFFG for
// proof-of-stake.
func DefaultRule(engine consensus.EngineType) forkchoice.Rule {
	if engine == consensus.ProofOfStake {
		return forkchoice.CasperFFG
	}
	return forkchoice.LongestChain
}

// Consensus ties an engine to the validator, the fork choice and storage.
// Mutations (import, finalization, attestation processing) are serialized;
// validation and head selection run concurrently with each other.
type Consensus struct {
	mu sync.Mutex

	config     *consensus.Config
	db         consensus.KeyValueStore
	engine     *Engine
	validator  *validator.Validator
	forkChoice *forkchoice.ForkChoice

	rule    *forkchoice.Rule
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New validates cfg and builds the engine it selects.
func New(cfg *consensus.Config, db consensus.KeyValueStore, opts ...Option) (*Consensus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Consensus{
		config: cfg,
		db:     db,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	eng, err := FromConfig(cfg, consensus.NewHeaderReader(db), c.logger)
	if err != nil {
		return nil, err
	}
	c.engine = eng

	rule := DefaultRule(cfg.Engine)
	if c.rule != nil {
		rule = *c.rule
	}
	c.forkChoice = forkchoice.New(rule, c.logger)
	c.validator = validator.New(db,
		validator.WithSealVerifier(eng),
		validator.WithClock(c.now),
		validator.WithLogger(c.logger),
	)
	c.logger = c.logger.Named("consensus")
	c.metrics.SetValidators(len(eng.Validators()))

	c.logger.Info("consensus initialized",
		zap.Stringer("engine", cfg.Engine),
		zap.Stringer("fork_choice", rule),
		zap.Int("validators", len(eng.Validators())),
	)
	return c, nil
}

// Config returns the consensus configuration.
func (c *Consensus) Config() *consensus.Config { return c.config }

// Engine returns the active engine.
func (c *Consensus) Engine() *Engine { return c.engine }

// ForkChoice returns the fork choice store.
func (c *Consensus) ForkChoice() *forkchoice.ForkChoice { return c.forkChoice }

// Validator returns the structural validator.
func (c *Consensus) Validator() *validator.Validator { return c.validator }

// Authorize injects the local signing key into the engine.
func (c *Consensus) Authorize(signer crypto.Signer) {
	c.engine.Authorize(signer)
}

// ================================================================================
//                          Validation / import
// ================================================================================

// ValidateBlock runs the structural validator, then the engine rules.
func (c *Consensus) ValidateBlock(block *types.Block) error {
	if err := c.validator.Validate(block); err != nil {
		return err
	}
	return c.engine.ValidateBlock(block)
}

// AddGenesis stores the genesis block and records it as justified and
// finalized in the fork choice.
func (c *Consensus) AddGenesis(genesis *types.Block) error {
	if genesis.Number() != 0 {
		return consensus.InvalidBlock("genesis number %d", genesis.Number())
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := consensus.PutHeader(c.db, genesis.Header); err != nil {
		return err
	}
	c.forkChoice.AddBlock(genesis, genesis.Header.DifficultyOrZero())
	if err := c.forkChoice.MarkFinalized(genesis.Hash()); err != nil {
		return err
	}
	c.logger.Info("genesis loaded", zap.Stringer("hash", genesis.Hash()))
	return nil
}

// ImportBlock validates block, applies it to the engine, stores its header
// and adds it to the fork choice with total difficulty parentTD + difficulty.
func (c *Consensus) ImportBlock(ctx context.Context, block *types.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.importLocked(block); err != nil {
		c.metrics.BlockRejected(errorKind(err))
		c.logger.Debug("block rejected",
			zap.Uint64("number", block.Number()),
			zap.Stringer("hash", block.Hash()),
			zap.Error(err),
		)
		return err
	}

	c.metrics.BlockImported(block.Number(), time.Since(start))
	c.metrics.SetValidators(len(c.engine.Validators()))
	c.logger.Info("block imported",
		zap.Uint64("number", block.Number()),
		zap.Stringer("hash", block.Hash()),
		zap.Int("txs", len(block.Body.Transactions)),
	)
	return nil
}

func (c *Consensus) importLocked(block *types.Block) error {
	if err := c.validator.CheckBlockImport(block); err != nil {
		return err
	}
	if err := c.engine.ValidateBlock(block); err != nil {
		return err
	}
	parent, ok := c.forkChoice.GetBlock(block.ParentHash())
	if !ok {
		return consensus.Wrap(consensus.ErrUnknownAncestor, "parent %s not in fork choice", block.ParentHash().Hex())
	}

	if err := consensus.PutHeader(c.db, block.Header); err != nil {
		return err
	}
	if err := c.engine.Apply(block.Header); err != nil {
		_ = c.db.Delete(consensus.HeaderKey(block.Hash()))
		return err
	}
	td := new(uint256.Int).Add(parent.TotalDifficulty, block.Header.DifficultyOrZero())
	c.forkChoice.AddBlock(block, td)
	return nil
}

// Replay re-applies a stored header at startup: the engine state transition
// and the fork choice entry, without validation or storage writes.
func (c *Consensus) Replay(header *types.Header) error {
	block := &types.Block{Header: header}

	c.mu.Lock()
	defer c.mu.Unlock()

	if header.Number == 0 {
		c.forkChoice.AddBlock(block, header.DifficultyOrZero())
		return c.forkChoice.MarkFinalized(block.Hash())
	}
	parent, ok := c.forkChoice.GetBlock(header.ParentHash)
	if !ok {
		return consensus.Wrap(consensus.ErrUnknownAncestor, "parent %s of block %d", header.ParentHash.Hex(), header.Number)
	}
	if err := c.engine.Apply(header); err != nil {
		return err
	}
	td := new(uint256.Int).Add(parent.TotalDifficulty, header.DifficultyOrZero())
	c.forkChoice.AddBlock(block, td)
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, consensus.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, consensus.ErrInvalidBlock):
		return "invalid_block"
	case errors.Is(err, consensus.ErrInvalidValidator):
		return "invalid_validator"
	case errors.Is(err, consensus.ErrForkChoice):
		return "fork_choice"
	default:
		return "other"
	}
}

// ================================================================================
//                          Production
// ================================================================================

// ProduceBlock builds an unsealed child of parent.
func (c *Consensus) ProduceBlock(ctx context.Context, parent *types.Header, txs []*types.Transaction, beneficiary common.Address) (*types.Block, error) {
	if !c.engine.IsReady() {
		return nil, consensus.ErrNotReady
	}
	return c.engine.ProduceBlock(ctx, parent, txs, beneficiary)
}

// SealBlock signs block with the local key.
func (c *Consensus) SealBlock(ctx context.Context, block *types.Block) (*types.Block, error) {
	return c.engine.SealBlock(ctx, block)
}

// Propose produces, seals and imports a block on the current head.
func (c *Consensus) Propose(ctx context.Context, signer common.Address, txs []*types.Transaction) (*types.Block, error) {
	head, err := c.Head()
	if err != nil {
		return nil, err
	}
	block, err := c.ProduceBlock(ctx, head, txs, signer)
	if err != nil {
		return nil, err
	}
	sealed, err := c.SealBlock(ctx, block)
	if err != nil {
		return nil, err
	}
	if err := c.ImportBlock(ctx, sealed); err != nil {
		return nil, err
	}
	return sealed, nil
}

// ================================================================================
//                          Fork choice
// ================================================================================

// ApplyForkChoice selects the canonical block among blocks.
func (c *Consensus) ApplyForkChoice(blocks []*types.Block) (*types.Block, error) {
	start := time.Now()
	head, err := c.forkChoice.SelectHead(blocks)
	c.metrics.ObserveForkChoice(time.Since(start))
	return head, err
}

// Head selects the canonical head among the fork choice leaves.
func (c *Consensus) Head() (*types.Header, error) {
	leaves := c.forkChoice.Leaves()
	blocks := make([]*types.Block, len(leaves))
	for i, h := range leaves {
		blocks[i] = &types.Block{Header: h}
	}
	head, err := c.ApplyForkChoice(blocks)
	if err != nil {
		return nil, err
	}
	return head.Header, nil
}

// ================================================================================
//                          Validators / epochs
// ================================================================================

// Validators returns the active signer or validator list.
func (c *Consensus) Validators() []common.Address {
	return c.engine.Validators()
}

// IsValidator reports whether addr is in the active set.
func (c *Consensus) IsValidator(addr common.Address) bool {
	return c.engine.IsValidator(addr)
}

// CalculateEpoch returns the epoch containing number.
func (c *Consensus) CalculateEpoch(number uint64) uint64 {
	return c.config.Epoch(number)
}

// SetSlot advances the PoS slot clock. It is a no-op for other engines.
func (c *Consensus) SetSlot(slot uint64) {
	if p, ok := c.engine.ProofOfStake(); ok {
		p.SetSlot(slot)
	}
}

// Slot returns the PoS slot, or zero for other engines.
func (c *Consensus) Slot() uint64 {
	if p, ok := c.engine.ProofOfStake(); ok {
		return p.Slot()
	}
	return 0
}

// ================================================================================
//                          Finality
// ================================================================================

// FinalityInfo reports the latest justified and finalized checkpoints. Nil
// fields are unset.
type FinalityInfo struct {
	Justified *types.Checkpoint `json:"justified,omitempty"`
	Finalized *types.Checkpoint `json:"finalized,omitempty"`
}

// FinalityInfo returns the engine checkpoints for PoS and the fork choice
// flags for authority engines.
func (c *Consensus) FinalityInfo() FinalityInfo {
	var info FinalityInfo
	if p, ok := c.engine.ProofOfStake(); ok {
		if cp, ok := p.Justified(); ok {
			info.Justified = &cp
		}
		if cp, ok := p.Finalized(); ok {
			info.Finalized = &cp
		}
		return info
	}
	info.Justified = c.checkpointOf(c.forkChoice.Justified())
	info.Finalized = c.checkpointOf(c.forkChoice.Finalized())
	return info
}

func (c *Consensus) checkpointOf(hash common.Hash, ok bool) *types.Checkpoint {
	if !ok {
		return nil
	}
	b, ok := c.forkChoice.GetBlock(hash)
	if !ok {
		return nil
	}
	return &types.Checkpoint{Epoch: c.config.Epoch(b.Header.Number), Root: hash}
}

// FinalizeBlock finalizes a known block: the engine records it, the
// finalized record is stored and the fork choice is pruned to its subtree.
func (c *Consensus) FinalizeBlock(ctx context.Context, block *types.Block) error {
	hash := block.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.forkChoice.HasBlock(hash) {
		return consensus.Wrap(consensus.ErrUnknownBlock, "%s", hash.Hex())
	}
	if err := c.engine.Finalize(ctx, block); err != nil {
		return err
	}
	if err := c.finalizeLocked(block.Header); err != nil {
		return err
	}
	c.metrics.SetFinalized(c.FinalityEpoch(block.Header))
	return nil
}

// FinalityEpoch returns the checkpoint epoch of header: its slot epoch under
// PoS, its block epoch otherwise.
func (c *Consensus) FinalityEpoch(header *types.Header) uint64 {
	if p, ok := c.engine.ProofOfStake(); ok {
		return c.config.Epoch(p.SlotOf(header.Time))
	}
	return c.config.Epoch(header.Number)
}

func (c *Consensus) finalizeLocked(header *types.Header) error {
	hash := header.Hash()
	enc, err := consensus.EncodeHeader(header)
	if err != nil {
		return err
	}
	if err := c.db.Put(consensus.FinalizedKey(hash), enc); err != nil {
		return err
	}
	if err := c.forkChoice.MarkFinalized(hash); err != nil {
		return err
	}
	if err := c.forkChoice.Prune(hash); err != nil {
		return err
	}
	c.metrics.Pruned()
	c.logger.Info("block finalized",
		zap.Uint64("number", header.Number),
		zap.Stringer("hash", hash),
		zap.Int("remaining", c.forkChoice.Len()),
	)
	return nil
}

// AttestationResult summarizes one SubmitAttestations call.
type AttestationResult struct {
	Accepted int
	Slashed  int
	Update   pos.FinalityUpdate
}

// SubmitAttestations feeds attestations to the PoS engine and the LMD votes
// of the valid ones to the fork choice. Newly justified and finalized
// checkpoints known to the fork choice are flagged there; finalization also
// prunes and stores the finalized record.
func (c *Consensus) SubmitAttestations(atts []*types.Attestation) (AttestationResult, error) {
	p, ok := c.engine.ProofOfStake()
	if !ok {
		return AttestationResult{}, ErrNotProofOfStake
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, att := range atts {
		if p.VerifyAttestation(att) == nil {
			c.forkChoice.AddAttestation(att)
		}
	}

	slashings := p.Slashings()
	accepted, update := p.ProcessAttestations(atts)
	result := AttestationResult{
		Accepted: accepted,
		Slashed:  int(p.Slashings() - slashings),
		Update:   update,
	}
	c.metrics.Attestations("accepted", accepted)
	c.metrics.Attestations("rejected", len(atts)-accepted)
	c.metrics.Slashed(result.Slashed)
	if result.Slashed > 0 {
		c.metrics.SetValidators(len(p.Validators()))
	}

	if cp := update.Justified; cp != nil {
		c.metrics.SetJustified(cp.Epoch)
		if c.forkChoice.HasBlock(cp.Root) {
			if err := c.forkChoice.MarkJustified(cp.Root); err != nil {
				return result, err
			}
		} else {
			c.logger.Debug("justified checkpoint not in fork choice", zap.Stringer("checkpoint", cp))
		}
	}
	if cp := update.Finalized; cp != nil {
		c.metrics.SetFinalized(cp.Epoch)
		if b, ok := c.forkChoice.GetBlock(cp.Root); ok {
			if err := c.finalizeLocked(b.Header); err != nil {
				return result, err
			}
		} else {
			c.logger.Debug("finalized checkpoint not in fork choice", zap.Stringer("checkpoint", cp))
		}
	}
	return result, nil
}
