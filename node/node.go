package node

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahwlsqja/eth-consensus/attpool"
	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/consensus/engine"
	"github.com/ahwlsqja/eth-consensus/consensus/pos"
	"github.com/ahwlsqja/eth-consensus/crypto"
	"github.com/ahwlsqja/eth-consensus/metrics"
	"github.com/ahwlsqja/eth-consensus/persistence"
	"github.com/ahwlsqja/eth-consensus/transport"
	"github.com/ahwlsqja/eth-consensus/types"
)

const metricsNamespace = "consensusd"

var (
	ErrAlreadyRunning = errors.New("node already running")
	ErrNoKey          = errors.New("node has no signing key")
)

var _ transport.Backend = (*Node)(nil)

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the node logger. Without it the logger is built from
// Config.LogLevel.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithClock replaces the wall clock driving slots and block timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// WithTickInterval overrides the slot clock period, which defaults to the
// block period.
func WithTickInterval(d time.Duration) Option {
	return func(n *Node) { n.tick = d }
}

// Node represents a consensus node.
type Node struct {
	mu      sync.RWMutex
	chainMu sync.Mutex // import 와 head 기록 직렬화

	config      *Config
	chainConfig *consensus.Config

	store     *persistence.ChainStore // 체인 저장소
	consensus *engine.Consensus       // 합의 파사드
	pool      *attpool.Pool           // 증명 풀
	server    *transport.Server       // gRPC 서비스
	registry  *prometheus.Registry    // 매트릭 레지스트리
	metrics   *metrics.Metrics        // 매트릭
	httpSrv   *metrics.Server         // 매트릭 서버
	key       *crypto.KeyPair         // 로컬 서명 키
	genesis   *types.Header           // 제네시스 헤더

	// 마지막으로 증명한 에폭 (+1, 0 = 없음)
	attestedEpoch uint64

	running bool
	now     func() time.Time
	tick    time.Duration
	logger  *zap.Logger
}

// New opens the chain database, initializes or verifies genesis and replays
// the stored canonical chain into the consensus core.
func New(cfg *Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	chainConfig, err := cfg.ConsensusConfig()
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:      cfg,
		chainConfig: chainConfig,
		now:         time.Now,
		tick:        time.Duration(chainConfig.BlockPeriod) * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		if n.logger, err = cfg.NewLogger(); err != nil {
			return nil, err
		}
	}
	n.logger = n.logger.Named("node")
	if n.tick <= 0 {
		n.tick = time.Second
	}

	if cfg.KeyFile != "" {
		if n.key, err = LoadKey(cfg.KeyFile); err != nil {
			return nil, err
		}
	}

	// Metrics
	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = metrics.NewMetrics(metricsNamespace, n.registry)

	// Storage
	db, err := persistence.Open(filepath.Join(cfg.DataDir, "chaindata"), n.logger)
	if err != nil {
		return nil, err
	}
	n.store = persistence.NewChainStore(db)

	if err := n.setup(); err != nil {
		_ = n.store.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) setup() error {
	rule, err := n.config.ForkChoiceRule(n.chainConfig.Engine)
	if err != nil {
		return err
	}
	n.consensus, err = engine.New(n.chainConfig, n.store.DB(),
		engine.WithLogger(n.logger),
		engine.WithForkChoiceRule(rule),
		engine.WithMetrics(n.metrics),
		engine.WithClock(n.now),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create consensus")
	}
	if n.key != nil {
		n.consensus.Authorize(n.key)
	}

	if n.genesis, err = n.store.InitGenesis(Genesis(n.config)); err != nil {
		return err
	}
	if err := n.replay(context.Background()); err != nil {
		return err
	}
	n.metrics.SetValidators(len(n.consensus.Validators()))

	n.pool = attpool.New(n.config.PoolConfig(),
		attpool.WithVerifier(n.verifyAttestation),
		attpool.WithLogger(n.logger),
		attpool.WithMetrics(n.metrics),
		attpool.WithClock(n.now),
	)
	n.server = transport.NewServer(n.config.ListenAddr, n, n.logger)
	if n.config.MetricsEnabled {
		n.httpSrv = metrics.NewServer(n.config.MetricsAddr, n.registry, func() interface{} { return n.Status() })
	}
	return nil
}

// Genesis builds the genesis block described by cfg.
func Genesis(cfg *Config) *types.Block {
	return types.NewBlock(&types.Header{
		Number:     0,
		Time:       cfg.GenesisTime,
		GasLimit:   cfg.GasLimit,
		Difficulty: uint256.NewInt(1),
	}, types.Body{})
}

// replay rebuilds the consensus state from the store and restores the last
// persisted finalized block.
func (n *Node) replay(ctx context.Context) error {
	replayer := persistence.NewReplayer(n.store, n.logger)
	replayer.SetOnProgress(func(current, target uint64) {
		n.logger.Debug("replay progress", zap.Uint64("current", current), zap.Uint64("target", target))
	})
	head, err := replayer.Replay(ctx, n.consensus)
	if err != nil {
		return errors.Wrap(err, "failed to replay chain")
	}
	if head != nil {
		n.logger.Info("restored chain", zap.Uint64("head", head.Number), zap.Stringer("hash", head.Hash()))
	}

	fin, err := n.store.ReadFinalized()
	if err != nil {
		return err
	}
	if fin != nil && fin.Hash() != n.genesis.Hash() && n.consensus.ForkChoice().HasBlock(fin.Hash()) {
		if err := n.consensus.FinalizeBlock(ctx, &types.Block{Header: fin}); err != nil {
			return errors.Wrap(err, "failed to restore finalized block")
		}
	}
	n.consensus.SetSlot(n.currentSlot())
	return nil
}

// Close releases the database. Run must have returned.
func (n *Node) Close() error {
	return n.store.Close()
}

// ================================================================================
//                          Run loop
// ================================================================================

// Run syncs from the configured peer, then serves gRPC and metrics and
// drives the slot clock until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	n.running = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.running = false
		n.mu.Unlock()
	}()

	if n.config.SyncPeer != "" {
		if err := n.SyncFrom(ctx, n.config.SyncPeer); err != nil {
			n.logger.Warn("initial sync failed", zap.String("peer", n.config.SyncPeer), zap.Error(err))
		}
	}

	if err := n.pool.Start(); err != nil {
		return errors.Wrap(err, "failed to start attestation pool")
	}
	defer n.pool.Stop()

	if err := n.server.Start(); err != nil {
		return errors.Wrap(err, "failed to start grpc server")
	}
	defer n.server.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if n.httpSrv != nil {
		g.Go(func() error {
			return n.httpSrv.Serve(gctx)
		})
	}
	g.Go(func() error {
		return n.clockLoop(gctx)
	})

	n.logger.Info("node started",
		zap.Uint64("chain_id", n.chainConfig.ChainID),
		zap.Stringer("engine", n.chainConfig.Engine),
		zap.String("grpc", n.server.Addr()),
		zap.Bool("produce", n.config.Produce),
	)
	err := g.Wait()
	n.logger.Info("node stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) clockLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.Tick(ctx); err != nil {
				n.logger.Debug("tick", zap.Error(err))
			}
		}
	}
}

// Tick runs one slot: advance the PoS slot, produce when allowed, attest
// and tally pooled attestations.
func (n *Node) Tick(ctx context.Context) error {
	slot := n.currentSlot()
	p, isPoS := n.consensus.Engine().ProofOfStake()
	if isPoS {
		n.consensus.SetSlot(slot)
	}

	var produceErr error
	if n.config.Produce {
		_, produceErr = n.Produce(ctx)
	}

	if isPoS {
		if n.key != nil {
			if err := n.attest(p, slot); err != nil {
				n.logger.Debug("attestation skipped", zap.Uint64("slot", slot), zap.Error(err))
			}
		}
		if _, err := n.ProcessAttestations(); err != nil {
			return err
		}
		if epoch := n.chainConfig.Epoch(slot); epoch > 0 {
			n.pool.PruneBefore(epoch - 1)
		}
	}
	return produceErr
}

func (n *Node) currentSlot() uint64 {
	if n.chainConfig.BlockPeriod == 0 {
		return 0
	}
	return uint64(n.now().Unix()) / n.chainConfig.BlockPeriod
}

// ================================================================================
//                          Block production
// ================================================================================

// Produce proposes a block on the current head when the local key may sign
// now. It returns nil without error when it is not this node's turn.
func (n *Node) Produce(ctx context.Context) (*types.Block, error) {
	if n.key == nil {
		return nil, ErrNoKey
	}
	n.chainMu.Lock()
	defer n.chainMu.Unlock()

	head, err := n.consensus.Head()
	if err != nil {
		return nil, err
	}
	slot, ok := n.proposalSlot(head)
	if !ok {
		return nil, nil
	}

	n.metrics.StartProduction(slot)
	block, err := n.consensus.Propose(ctx, n.key.Address(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to propose on %d", head.Number)
	}
	n.metrics.EndProduction(slot)

	if err := n.persistLocked(block); err != nil {
		return nil, err
	}
	n.logger.Info("produced block",
		zap.Uint64("number", block.Number()),
		zap.Stringer("hash", block.Hash()),
		zap.Uint64("slot", slot),
	)
	return block, nil
}

// proposalSlot reports whether the local key may build on head now, and the
// slot (PoS) or block number (Clique) of that proposal.
func (n *Node) proposalSlot(head *types.Header) (uint64, bool) {
	addr := n.key.Address()
	if !n.consensus.IsValidator(addr) {
		return 0, false
	}
	now := uint64(n.now().Unix())

	if p, ok := n.consensus.Engine().ProofOfStake(); ok {
		slot := p.Slot()
		if p.Proposer(slot) != addr || p.SlotOf(head.Time) >= slot {
			return 0, false
		}
		return slot, true
	}
	if c, ok := n.consensus.Engine().Clique(); ok {
		number := head.Number + 1
		if c.SignedRecently(addr, number) || c.NextTimestamp(head, addr) > now {
			return 0, false
		}
		return number, true
	}
	return 0, false
}

// ================================================================================
//                          Import / persistence
// ================================================================================

// SubmitBlock imports a block received from a peer and persists it.
func (n *Node) SubmitBlock(ctx context.Context, block *types.Block) error {
	n.chainMu.Lock()
	defer n.chainMu.Unlock()
	if err := n.consensus.ImportBlock(ctx, block); err != nil {
		return err
	}
	return n.persistLocked(block)
}

// persistLocked stores block and moves the stored head to the fork choice
// head.
func (n *Node) persistLocked(block *types.Block) error {
	if err := n.store.WriteBlock(block); err != nil {
		return errors.Wrap(err, "failed to store block")
	}
	head, err := n.consensus.Head()
	if err != nil {
		return err
	}
	if err := n.store.WriteHead(head); err != nil {
		return errors.Wrap(err, "failed to store head")
	}
	return nil
}

// syncImporter imports historical blocks, moving the PoS slot to each
// block's slot first.
type syncImporter struct {
	n *Node
}

func (s syncImporter) ImportBlock(ctx context.Context, block *types.Block) error {
	if p, ok := s.n.consensus.Engine().ProofOfStake(); ok {
		s.n.consensus.SetSlot(p.SlotOf(block.Header.Time))
	}
	return s.n.consensus.ImportBlock(ctx, block)
}

// SyncFrom catches up with the node serving gRPC at target.
func (n *Node) SyncFrom(ctx context.Context, target string) error {
	client, err := transport.Dial(target)
	if err != nil {
		return err
	}
	defer client.Close()
	return n.Sync(ctx, client)
}

// Sync imports every block provider has above the local head.
func (n *Node) Sync(ctx context.Context, provider persistence.BlockProvider) error {
	n.chainMu.Lock()
	defer n.chainMu.Unlock()
	defer n.consensus.SetSlot(n.currentSlot())

	syncer := persistence.NewSyncer(n.store, provider, syncImporter{n: n}, n.logger)
	return syncer.Sync(ctx)
}

// ================================================================================
//                          Attestations
// ================================================================================

func (n *Node) verifyAttestation(att *types.Attestation) error {
	p, ok := n.consensus.Engine().ProofOfStake()
	if !ok {
		return engine.ErrNotProofOfStake
	}
	return p.VerifyAttestation(att)
}

// attest signs one attestation per epoch for the current head, targeting
// the epoch's boundary block.
func (n *Node) attest(p *pos.PoS, slot uint64) error {
	epoch := n.chainConfig.Epoch(slot)
	n.mu.Lock()
	if n.attestedEpoch > epoch {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	head, err := n.consensus.Head()
	if err != nil {
		return err
	}
	target, err := n.epochBoundary(p, head, epoch)
	if err != nil {
		return err
	}
	source := types.Checkpoint{Epoch: 0, Root: n.genesis.Hash()}
	if j := n.consensus.FinalityInfo().Justified; j != nil {
		source = *j
	}

	att := &types.Attestation{
		Slot:            slot,
		BeaconBlockRoot: head.Hash(),
		Source:          source,
		Target:          types.Checkpoint{Epoch: epoch, Root: target},
	}
	if err := pos.SignAttestation(n.key, att); err != nil {
		return err
	}
	if err := n.pool.Add(att); err != nil {
		return err
	}

	n.mu.Lock()
	n.attestedEpoch = epoch + 1
	n.mu.Unlock()
	return nil
}

// epochBoundary returns the last block of head's chain whose slot is at or
// before the first slot of epoch.
func (n *Node) epochBoundary(p *pos.PoS, head *types.Header, epoch uint64) (common.Hash, error) {
	start := epoch * n.chainConfig.EpochLength
	h := head
	for h.Number > 0 && p.SlotOf(h.Time) > start {
		parent, err := n.store.ReadHeader(h.ParentHash)
		if err != nil {
			return common.Hash{}, err
		}
		if parent == nil {
			return common.Hash{}, consensus.ErrUnknownAncestor
		}
		h = parent
	}
	return h.Hash(), nil
}

// SubmitAttestation adds a peer's attestation to the pool.
func (n *Node) SubmitAttestation(att *types.Attestation) error {
	return n.pool.Add(att)
}

// ProcessAttestations tallies every pooled attestation and persists a new
// finalized checkpoint.
func (n *Node) ProcessAttestations() (engine.AttestationResult, error) {
	atts := n.pool.Reap(0)
	if len(atts) == 0 {
		return engine.AttestationResult{}, nil
	}
	res, err := n.consensus.SubmitAttestations(atts)
	if err != nil {
		return res, err
	}
	n.logger.Debug("processed attestations",
		zap.Int("submitted", len(atts)),
		zap.Int("accepted", res.Accepted),
		zap.Int("slashed", res.Slashed),
	)
	if cp := res.Update.Finalized; cp != nil {
		header, err := n.store.ReadHeader(cp.Root)
		if err != nil {
			return res, err
		}
		if header != nil {
			if err := n.store.WriteFinalized(header); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// ================================================================================
//                          Queries
// ================================================================================

// Head returns the fork choice head.
func (n *Node) Head() (*types.Header, error) {
	return n.consensus.Head()
}

// Validators returns the active validator addresses.
func (n *Node) Validators() []common.Address {
	return n.consensus.Validators()
}

// Finality returns the justified and finalized checkpoints.
func (n *Node) Finality() transport.FinalityResponse {
	info := n.consensus.FinalityInfo()
	return transport.FinalityResponse{Justified: info.Justified, Finalized: info.Finalized}
}

// GetBlocks returns stored canonical blocks in [from, to], stopping at the
// first gap.
func (n *Node) GetBlocks(ctx context.Context, from, to uint64) ([]*types.Block, error) {
	var blocks []*types.Block
	for number := from; number <= to; number++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := n.store.ReadCanonicalHeader(number)
		if err != nil {
			return nil, err
		}
		if header == nil {
			break
		}
		block, err := n.store.ReadBlock(header.Hash())
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// LatestHeight returns the stored head number.
func (n *Node) LatestHeight(ctx context.Context) (uint64, error) {
	head, err := n.store.ReadHead()
	if err != nil {
		return 0, err
	}
	if head == nil {
		return 0, nil
	}
	return head.Number, nil
}

// Consensus returns the consensus facade.
func (n *Node) Consensus() *engine.Consensus { return n.consensus }

// Store returns the chain store.
func (n *Node) Store() *persistence.ChainStore { return n.store }

// Pool returns the attestation pool.
func (n *Node) Pool() *attpool.Pool { return n.pool }

// GRPCAddr returns the gRPC listen address.
func (n *Node) GRPCAddr() string { return n.server.Addr() }

// IsRunning returns true if the node is running.
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Status is the /status document.
type Status struct {
	ChainID    uint64              `json:"chain_id"`
	Engine     string              `json:"engine"`
	Running    bool                `json:"running"`
	HeadNumber uint64              `json:"head_number"`
	HeadHash   common.Hash         `json:"head_hash"`
	Slot       uint64              `json:"slot"`
	PoolSize   int                 `json:"pool_size"`
	Finality   engine.FinalityInfo `json:"finality"`
	Metrics    metrics.Snapshot    `json:"metrics"`
	Address    *common.Address     `json:"address,omitempty"`
}

// Status reports the node state.
func (n *Node) Status() Status {
	st := Status{
		ChainID:  n.chainConfig.ChainID,
		Engine:   n.chainConfig.Engine.String(),
		Running:  n.IsRunning(),
		Slot:     n.consensus.Slot(),
		PoolSize: n.pool.Size(),
		Finality: n.consensus.FinalityInfo(),
		Metrics:  n.metrics.Snapshot(),
	}
	if head, err := n.consensus.Head(); err == nil {
		st.HeadNumber = head.Number
		st.HeadHash = head.Hash()
	}
	if n.key != nil {
		addr := n.key.Address()
		st.Address = &addr
	}
	return st
}
