package engine

import (
	"bytes"
	"context"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/consensus/forkchoice"
	"github.com/ahwlsqja/eth-consensus/consensus/pos"
	"github.com/ahwlsqja/eth-consensus/crypto"
	"github.com/ahwlsqja/eth-consensus/metrics"
	"github.com/ahwlsqja/eth-consensus/types"
)

const genesisTime = 1_700_000_000

func newKeys(t *testing.T, n int) []*crypto.KeyPair {
	t.Helper()
	keys := make([]*crypto.KeyPair, n)
	for i := range keys {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		keys[i] = kp
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i].Address(), keys[j].Address()
		return bytes.Compare(a[:], b[:]) < 0
	})
	return keys
}

func newConfig(engine consensus.EngineType, keys []*crypto.KeyPair) *consensus.Config {
	cfg := consensus.DefaultConfig(engine)
	for _, k := range keys {
		cfg.Validators = append(cfg.Validators, k.Address())
	}
	return cfg
}

func genesisBlock(time uint64) *types.Block {
	return types.NewBlock(&types.Header{
		Number:     0,
		Time:       time,
		GasLimit:   30_000_000,
		Difficulty: uint256.NewInt(1),
	}, types.Body{})
}

type testConsensus struct {
	*Consensus
	db      *consensus.MemoryDatabase
	metrics *metrics.Metrics
	genesis *types.Block
}

func newConsensus(t *testing.T, cfg *consensus.Config, genesis *types.Block, opts ...Option) *testConsensus {
	t.Helper()
	db := consensus.NewMemoryDatabase()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(m),
		WithClock(func() time.Time { return time.Unix(genesisTime+86400, 0) }),
	}, opts...)
	c, err := New(cfg, db, opts...)
	require.NoError(t, err)
	require.NoError(t, c.AddGenesis(genesis))
	return &testConsensus{Consensus: c, db: db, metrics: m, genesis: genesis}
}

func TestEngineDispatch(t *testing.T) {
	keys := newKeys(t, 3)

	e, err := FromConfig(newConfig(consensus.Clique, keys), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, KindClique, e.Kind())
	_, ok := e.Clique()
	require.True(t, ok)
	_, ok = e.ProofOfStake()
	require.False(t, ok)
	require.Equal(t, keys[0].Address(), e.Validators()[0])
	require.True(t, e.IsReady())
	require.Len(t, e.ExtraData(), 32)

	e, err = FromConfig(newConfig(consensus.ProofOfAuthority, keys), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, KindClique, e.Kind())

	e, err = FromConfig(newConfig(consensus.ProofOfStake, keys), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, KindProofOfStake, e.Kind())
	require.True(t, e.IsValidator(keys[1].Address()))
	require.True(t, e.BlockReward(1).Sign() > 0)
	require.True(t, e.CalculateDifficulty(&types.Header{}, 0).IsZero())

	var zero Engine
	require.False(t, zero.IsReady())
	require.Panics(t, func() { _ = zero.ValidateBlock(genesisBlock(1)) })
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := consensus.DefaultConfig(consensus.Clique)
	cfg.EpochLength = 0
	_, err := New(cfg, consensus.NewMemoryDatabase())
	require.ErrorIs(t, err, consensus.ErrZeroEpochLength)
}

func TestDefaultRule(t *testing.T) {
	keys := newKeys(t, 1)
	c := newConsensus(t, newConfig(consensus.Clique, keys), genesisBlock(genesisTime))
	require.Equal(t, forkchoice.LongestChain, c.ForkChoice().Rule())

	c = newConsensus(t, newConfig(consensus.ProofOfStake, keys), genesisBlock(genesisTime))
	require.Equal(t, forkchoice.CasperFFG, c.ForkChoice().Rule())

	c = newConsensus(t, newConfig(consensus.Clique, keys), genesisBlock(genesisTime), WithForkChoiceRule(forkchoice.GHOST))
	require.Equal(t, forkchoice.GHOST, c.ForkChoice().Rule())
}

func TestCliqueImport(t *testing.T) {
	ctx := context.Background()
	keys := newKeys(t, 3)
	c := newConsensus(t, newConfig(consensus.Clique, keys), genesisBlock(genesisTime))

	head, err := c.Head()
	require.NoError(t, err)
	require.Equal(t, c.genesis.Hash(), head.Hash())

	// block 1 is in turn for keys[1]
	c.Authorize(keys[1])
	block1, err := c.Propose(ctx, keys[1].Address(), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), block1.Number())

	info, ok := c.ForkChoice().GetBlock(block1.Hash())
	require.True(t, ok)
	require.Equal(t, uint64(3), info.TotalDifficulty.Uint64())

	stored, err := consensus.NewHeaderReader(c.db).GetHeader(block1.Hash())
	require.NoError(t, err)
	require.Equal(t, block1.Hash(), stored.Hash())

	t.Run("KnownBlock", func(t *testing.T) {
		err := c.ImportBlock(ctx, block1)
		require.ErrorIs(t, err, consensus.ErrKnownBlock)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		outsider := newKeys(t, 1)[0]
		block, err := c.ProduceBlock(ctx, block1.Header, nil, outsider.Address())
		require.NoError(t, err)
		sig, err := outsider.Sign(block.Header.SealHash())
		require.NoError(t, err)
		err = c.ImportBlock(ctx, block.WithSeal(sig))
		require.ErrorIs(t, err, consensus.ErrUnauthorizedSigner)
		require.ErrorIs(t, err, consensus.ErrInvalidBlock)
	})

	// out-of-turn sibling of block 1
	c.Authorize(keys[2])
	fork, err := c.ProduceBlock(ctx, c.genesis.Header, nil, keys[2].Address())
	require.NoError(t, err)
	fork, err = c.SealBlock(ctx, fork)
	require.NoError(t, err)
	require.NoError(t, c.ImportBlock(ctx, fork))

	info, _ = c.ForkChoice().GetBlock(fork.Hash())
	require.Equal(t, uint64(2), info.TotalDifficulty.Uint64())
	require.Len(t, c.ForkChoice().Leaves(), 2)

	head, err = c.Head()
	require.NoError(t, err)
	require.Equal(t, block1.Hash(), head.Hash())

	selected, err := c.ApplyForkChoice([]*types.Block{fork, block1})
	require.NoError(t, err)
	require.Equal(t, block1.Hash(), selected.Hash())

	snap := c.metrics.Snapshot()
	require.Equal(t, uint64(2), snap.BlocksImported)
	require.Equal(t, uint64(2), snap.BlocksRejected)

	// finality
	require.NoError(t, c.FinalizeBlock(ctx, block1))
	require.False(t, c.ForkChoice().HasBlock(fork.Hash()))
	require.False(t, c.ForkChoice().HasBlock(c.genesis.Hash()))
	has, err := c.db.Has(consensus.FinalizedKey(block1.Hash()))
	require.NoError(t, err)
	require.True(t, has)

	fin := c.FinalityInfo()
	require.NotNil(t, fin.Finalized)
	require.Equal(t, block1.Hash(), fin.Finalized.Root)
	require.Equal(t, uint64(0), fin.Finalized.Epoch)

	err = c.FinalizeBlock(ctx, fork)
	require.ErrorIs(t, err, consensus.ErrUnknownBlock)

	_, err = c.SubmitAttestations(nil)
	require.ErrorIs(t, err, ErrNotProofOfStake)
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	keys := newKeys(t, 3)
	cfg := newConfig(consensus.Clique, keys)
	c := newConsensus(t, cfg, genesisBlock(genesisTime))

	c.Authorize(keys[1])
	block1, err := c.Propose(ctx, keys[1].Address(), nil)
	require.NoError(t, err)
	c.Authorize(keys[2])
	block2, err := c.Propose(ctx, keys[2].Address(), nil)
	require.NoError(t, err)

	replayed, err := New(cfg, c.db, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, replayed.Replay(c.genesis.Header))
	require.NoError(t, replayed.Replay(block1.Header))
	require.NoError(t, replayed.Replay(block2.Header))

	head, err := replayed.Head()
	require.NoError(t, err)
	require.Equal(t, block2.Hash(), head.Hash())

	cl, ok := replayed.Engine().Clique()
	require.True(t, ok)
	require.True(t, cl.SignedRecently(keys[2].Address(), 3))

	orphan := &types.Header{ParentHash: common.HexToHash("0xbeef"), Number: 9}
	require.ErrorIs(t, replayed.Replay(orphan), consensus.ErrUnknownAncestor)
}

func attest(t *testing.T, key *crypto.KeyPair, slot uint64, target types.Checkpoint) *types.Attestation {
	t.Helper()
	att := &types.Attestation{
		Slot:            slot,
		BeaconBlockRoot: target.Root,
		Target:          target,
	}
	require.NoError(t, pos.SignAttestation(key, att))
	return att
}

func TestProofOfStake(t *testing.T) {
	ctx := context.Background()
	keys := newKeys(t, 3)
	cfg := newConfig(consensus.ProofOfStake, keys)
	c := newConsensus(t, cfg, genesisBlock(0))

	// slot 1 belongs to keys[1]
	c.SetSlot(1)
	require.Equal(t, uint64(1), c.Slot())
	c.Authorize(keys[1])
	block1, err := c.Propose(ctx, keys[1].Address(), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(12), block1.Header.Time)

	cp0 := types.Checkpoint{Epoch: 0, Root: block1.Hash()}
	res, err := c.SubmitAttestations([]*types.Attestation{
		attest(t, keys[0], 1, cp0),
		attest(t, keys[1], 1, cp0),
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Accepted)
	require.NotNil(t, res.Update.Justified)
	require.Nil(t, res.Update.Finalized)

	justified, ok := c.ForkChoice().Justified()
	require.True(t, ok)
	require.Equal(t, block1.Hash(), justified)
	vote, ok := c.ForkChoice().LatestVote(keys[0].Address())
	require.True(t, ok)
	require.Equal(t, block1.Hash(), vote.Block)

	// slot 32 opens epoch 1 and belongs to keys[2]
	c.SetSlot(32)
	c.Authorize(keys[2])
	block32, err := c.Propose(ctx, keys[2].Address(), nil)
	require.NoError(t, err)

	cp1 := types.Checkpoint{Epoch: 1, Root: block32.Hash()}
	res, err = c.SubmitAttestations([]*types.Attestation{
		attest(t, keys[0], 32, cp1),
		attest(t, keys[2], 32, cp1),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Update.Finalized)
	require.Equal(t, cp0, *res.Update.Finalized)

	fin := c.FinalityInfo()
	require.Equal(t, cp1, *fin.Justified)
	require.Equal(t, cp0, *fin.Finalized)
	require.False(t, c.ForkChoice().HasBlock(c.genesis.Hash()))
	has, err := c.db.Has(consensus.FinalizedKey(block1.Hash()))
	require.NoError(t, err)
	require.True(t, has)

	head, err := c.Head()
	require.NoError(t, err)
	require.Equal(t, block32.Hash(), head.Hash())

	t.Run("DoubleVote", func(t *testing.T) {
		other := types.Checkpoint{Epoch: 1, Root: common.HexToHash("0x01")}
		res, err := c.SubmitAttestations([]*types.Attestation{attest(t, keys[0], 32, other)})
		require.NoError(t, err)
		require.Equal(t, 0, res.Accepted)
		require.Equal(t, 1, res.Slashed)
	})

	t.Run("WrongSlot", func(t *testing.T) {
		// slot 33 belongs to keys[0]
		c.SetSlot(33)
		c.Authorize(keys[0])
		block, err := c.ProduceBlock(ctx, block32.Header, nil, keys[0].Address())
		require.NoError(t, err)
		sealed, err := c.SealBlock(ctx, block)
		require.NoError(t, err)
		c.SetSlot(34)
		err = c.ImportBlock(ctx, sealed)
		require.ErrorIs(t, err, consensus.ErrInvalidSlot)
	})

	require.Equal(t, uint64(1), c.CalculateEpoch(32))
}
