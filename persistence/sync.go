package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/types"
)

const defaultBatchSize = 100

// ================================================================================
//                          Replay (재시작 복구)
// ================================================================================

// ReplayTarget receives stored canonical headers in chain order.
type ReplayTarget interface {
	Replay(header *types.Header) error
}

// Replayer rebuilds in-memory consensus state from the stored canonical
// chain.
type Replayer struct {
	mu sync.RWMutex

	store     Store
	logger    *zap.Logger
	batchSize uint64

	replaying bool
	current   uint64
	target    uint64

	onProgress func(current, target uint64)
}

// NewReplayer creates a replayer reading from store.
func NewReplayer(store Store, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{
		store:     store,
		logger:    logger.Named("replay"),
		batchSize: defaultBatchSize,
	}
}

// SetOnProgress sets the callback run after every batch.
func (r *Replayer) SetOnProgress(fn func(current, target uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onProgress = fn
}

// Replay feeds every canonical header from genesis to the stored head into
// target and returns the head. An empty store returns nil.
func (r *Replayer) Replay(ctx context.Context, target ReplayTarget) (*types.Header, error) {
	r.mu.Lock()
	if r.replaying {
		r.mu.Unlock()
		return nil, errors.New("replay already in progress")
	}
	r.replaying = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.replaying = false
		r.mu.Unlock()
	}()

	head, err := r.store.ReadHead()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read head")
	}
	if head == nil {
		return nil, nil
	}

	r.mu.Lock()
	r.current, r.target = 0, head.Number
	r.mu.Unlock()

	start := time.Now()
	r.logger.Info("replaying chain", zap.Uint64("head", head.Number))

	for number := uint64(0); number <= head.Number; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := number + r.batchSize - 1
		if end > head.Number {
			end = head.Number
		}
		for n := number; n <= end; n++ {
			header, err := r.store.ReadCanonicalHeader(n)
			if err != nil {
				return nil, err
			}
			if header == nil {
				return nil, errors.Errorf("missing canonical header %d", n)
			}
			if err := target.Replay(header); err != nil {
				return nil, errors.Wrapf(err, "failed to replay block %d", n)
			}
		}

		r.mu.Lock()
		r.current = end
		callback := r.onProgress
		r.mu.Unlock()
		if callback != nil {
			callback(end, head.Number)
		}
		r.logger.Debug("replayed batch", zap.Uint64("from", number), zap.Uint64("to", end))

		number = end + 1
	}

	r.logger.Info("replay complete",
		zap.Uint64("head", head.Number),
		zap.Duration("took", time.Since(start)),
	)
	return head, nil
}

// IsReplaying reports whether a replay is running.
func (r *Replayer) IsReplaying() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.replaying
}

// Progress returns the last replayed number and the replay target.
func (r *Replayer) Progress() (current, target uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.target
}

// ================================================================================
//                          Sync (피어로부터 동기화)
// ================================================================================

// BlockProvider serves blocks from another node.
type BlockProvider interface {
	// GetBlocks returns the canonical blocks in [from, to].
	GetBlocks(ctx context.Context, from, to uint64) ([]*types.Block, error)
	// GetLatestHeight returns the provider's head number.
	GetLatestHeight(ctx context.Context) (uint64, error)
}

// Importer validates and imports one block.
type Importer interface {
	ImportBlock(ctx context.Context, block *types.Block) error
}

// Syncer catches the local chain up with a BlockProvider.
type Syncer struct {
	mu sync.RWMutex

	store    Store
	provider BlockProvider
	importer Importer
	logger   *zap.Logger

	syncing bool
	current uint64
	target  uint64

	onBlock func(*types.Block)
}

// NewSyncer creates a syncer importing provider's blocks through importer.
func NewSyncer(store Store, provider BlockProvider, importer Importer, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		store:    store,
		provider: provider,
		importer: importer,
		logger:   logger.Named("sync"),
	}
}

// SetOnBlock sets the callback run after each imported block.
func (s *Syncer) SetOnBlock(fn func(*types.Block)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBlock = fn
}

// Sync imports blocks above the local head up to the provider's head.
func (s *Syncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return errors.New("sync already in progress")
	}
	s.syncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	// 1. 로컬 높이 확인
	head, err := s.store.ReadHead()
	if err != nil {
		return errors.Wrap(err, "failed to read local head")
	}
	var local uint64
	if head != nil {
		local = head.Number
	}

	// 2. 피어 최신 높이 확인
	target, err := s.provider.GetLatestHeight(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get target height")
	}

	s.mu.Lock()
	s.current, s.target = local, target
	s.mu.Unlock()

	if local >= target {
		s.logger.Debug("already at latest height", zap.Uint64("height", local))
		return nil
	}
	s.logger.Info("syncing", zap.Uint64("from", local), zap.Uint64("to", target))

	// 3. 배치 단위로 가져와서 임포트
	for height := local + 1; height <= target; {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := height + defaultBatchSize - 1
		if end > target {
			end = target
		}
		blocks, err := s.provider.GetBlocks(ctx, height, end)
		if err != nil {
			return errors.Wrapf(err, "failed to get blocks %d-%d", height, end)
		}
		if len(blocks) == 0 {
			return errors.Errorf("provider returned no blocks for %d-%d", height, end)
		}
		for _, block := range blocks {
			if err := s.processBlock(ctx, block); err != nil {
				return errors.Wrapf(err, "failed to process block %d", block.Number())
			}
		}

		last := blocks[len(blocks)-1].Number()
		if last < height {
			return errors.Errorf("provider returned blocks below %d", height)
		}
		s.mu.Lock()
		s.current = last
		s.mu.Unlock()
		height = last + 1
	}

	s.logger.Info("sync complete", zap.Uint64("height", target))
	return nil
}

func (s *Syncer) processBlock(ctx context.Context, block *types.Block) error {
	if err := s.importer.ImportBlock(ctx, block); err != nil && !errors.Is(err, consensus.ErrKnownBlock) {
		return err
	}
	if err := s.store.WriteBlock(block); err != nil {
		return err
	}
	if err := s.store.WriteHead(block.Header); err != nil {
		return err
	}

	s.mu.RLock()
	callback := s.onBlock
	s.mu.RUnlock()
	if callback != nil {
		callback(block)
	}
	return nil
}

// IsSyncing reports whether a sync is running.
func (s *Syncer) IsSyncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncing
}

// Progress returns the current and target heights.
func (s *Syncer) Progress() (current, target uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.target
}
