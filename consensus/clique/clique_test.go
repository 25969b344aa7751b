package clique

import (
	"bytes"
	"context"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/crypto"
	"github.com/ahwlsqja/eth-consensus/types"
)

// newKeys generates n keys ordered by address.
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

func addresses(keys []*crypto.KeyPair) []common.Address {
	out := make([]common.Address, len(keys))
	for i, k := range keys {
		out[i] = k.Address()
	}
	return out
}

type testChain struct {
	db     *consensus.MemoryDatabase
	engine *Clique
	config *consensus.Config
}

func newTestChain(t *testing.T, keys []*crypto.KeyPair) *testChain {
	t.Helper()
	cfg := consensus.DefaultConfig(consensus.Clique)
	cfg.BlockPeriod = 10
	cfg.Validators = addresses(keys)
	require.NoError(t, cfg.Validate())

	db := consensus.NewMemoryDatabase()
	return &testChain{
		db:     db,
		engine: New(cfg, consensus.NewHeaderReader(db), zaptest.NewLogger(t)),
		config: cfg,
	}
}

func (c *testChain) parent(t *testing.T, number, time uint64) *types.Header {
	t.Helper()
	h := &types.Header{
		Number:     number,
		Time:       time,
		GasLimit:   8_000_000,
		Difficulty: uint256.NewInt(2),
		Extra:      make([]byte, ExtraVanity),
	}
	require.NoError(t, consensus.PutHeader(c.db, h))
	return h
}

// sign seals header with key.
func sign(t *testing.T, key *crypto.KeyPair, header *types.Header) *types.Header {
	t.Helper()
	sig, err := key.Sign(header.SealHash())
	require.NoError(t, err)
	return header.WithSeal(sig)
}

func child(parent *types.Header, diff uint64, time uint64) *types.Header {
	return &types.Header{
		ParentHash: parent.Hash(),
		Number:     parent.Number + 1,
		Time:       time,
		GasLimit:   parent.GasLimit,
		Difficulty: uint256.NewInt(diff),
		Extra:      make([]byte, ExtraVanity),
	}
}

// vote builds a sealed header at number carrying a vote for proposal.
func vote(t *testing.T, key *crypto.KeyPair, number uint64, proposal common.Address, auth bool) *types.Header {
	t.Helper()
	h := &types.Header{
		Number:     number,
		Time:       number * 10,
		Author:     proposal,
		Difficulty: uint256.NewInt(1),
		Extra:      make([]byte, ExtraVanity),
	}
	if auth {
		h.Nonce = nonceAuthVote
	}
	return sign(t, key, h)
}

func TestRecentSigners(t *testing.T) {
	keys := newKeys(t, 4)
	c := newTestChain(t, keys)
	a := keys[0]

	require.NoError(t, c.engine.Apply(sign(t, a, &types.Header{Number: 10, Difficulty: uint256.NewInt(1)})))

	require.True(t, c.engine.SignedRecently(a.Address(), 11))
	require.True(t, c.engine.SignedRecently(a.Address(), 12))
	require.False(t, c.engine.SignedRecently(a.Address(), 13))
	require.False(t, c.engine.SignedRecently(keys[1].Address(), 11))

	t.Run("ValidateRejectsWithinWindow", func(t *testing.T) {
		parent := c.parent(t, 10, 1000)
		for _, diff := range []uint64{1, 2} {
			h := sign(t, a, child(parent, diff, 1100))
			err := c.engine.ValidateBlock(&types.Block{Header: h})
			require.ErrorIs(t, err, consensus.ErrRecentlySigned)
			require.ErrorIs(t, err, consensus.ErrInvalidBlock)
		}
	})

	t.Run("ValidateAcceptsAfterWindow", func(t *testing.T) {
		parent := c.parent(t, 12, 1000)
		// block 13: turn = 13 mod 4 = 1, so a is out of turn
		h := sign(t, a, child(parent, 1, 1015))
		require.NoError(t, c.engine.ValidateBlock(&types.Block{Header: h}))
	})

	t.Run("Eviction", func(t *testing.T) {
		for i, k := range keys[1:] {
			h := sign(t, k, &types.Header{Number: uint64(11 + i), Difficulty: uint256.NewInt(1)})
			require.NoError(t, c.engine.Apply(h))
		}
		recents := c.engine.RecentSigners()
		require.Len(t, recents, 3)
		require.Equal(t, uint64(11), recents[0].Number)
		require.Equal(t, keys[3].Address(), recents[2].Signer)
	})
}

func TestTurnSchedule(t *testing.T) {
	keys := newKeys(t, 3)
	c := newTestChain(t, keys)
	parent := c.parent(t, 5, 1000)

	require.True(t, c.engine.InTurn(6, keys[0].Address()))
	require.False(t, c.engine.InTurn(6, keys[1].Address()))
	require.False(t, c.engine.InTurn(6, keys[2].Address()))

	require.Equal(t, uint64(1010), c.engine.NextTimestamp(parent, keys[0].Address()))
	require.Equal(t, uint64(1015), c.engine.NextTimestamp(parent, keys[1].Address()))
	require.Equal(t, uint64(1015), c.engine.NextTimestamp(parent, keys[2].Address()))

	t.Run("Produce", func(t *testing.T) {
		ctx := context.Background()

		block, err := c.engine.ProduceBlock(ctx, parent, nil, keys[0].Address())
		require.NoError(t, err)
		require.Equal(t, uint64(6), block.Number())
		require.Equal(t, parent.Hash(), block.ParentHash())
		require.Equal(t, uint64(2), block.Header.Difficulty.Uint64())
		require.Equal(t, uint64(1010), block.Header.Time)
		require.Equal(t, parent.GasLimit, block.Header.GasLimit)
		require.Len(t, block.Header.Extra, ExtraVanity)
		require.Equal(t, types.EmptyTxRoot, block.Header.TxRoot)

		block, err = c.engine.ProduceBlock(ctx, parent, nil, keys[1].Address())
		require.NoError(t, err)
		require.Equal(t, uint64(1), block.Header.Difficulty.Uint64())
		require.Equal(t, uint64(1015), block.Header.Time)
	})

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, c.engine.ValidateBlock(&types.Block{Header: sign(t, keys[0], child(parent, 2, 1010))}))
		require.NoError(t, c.engine.ValidateBlock(&types.Block{Header: sign(t, keys[1], child(parent, 1, 1015))}))

		err := c.engine.ValidateBlock(&types.Block{Header: sign(t, keys[1], child(parent, 2, 1015))})
		require.ErrorIs(t, err, consensus.ErrWrongDifficulty)

		err = c.engine.ValidateBlock(&types.Block{Header: sign(t, keys[0], child(parent, 1, 1010))})
		require.ErrorIs(t, err, consensus.ErrWrongDifficulty)

		err = c.engine.ValidateBlock(&types.Block{Header: sign(t, keys[0], child(parent, 2, 1009))})
		require.ErrorIs(t, err, consensus.ErrBlockTooEarly)

		err = c.engine.ValidateBlock(&types.Block{Header: sign(t, keys[2], child(parent, 1, 1014))})
		require.ErrorIs(t, err, consensus.ErrBlockTooEarly)

		err = c.engine.ValidateBlock(&types.Block{Header: sign(t, keys[0], child(parent, 3, 1010))})
		require.ErrorIs(t, err, consensus.ErrInvalidDifficulty)
	})

	t.Run("UnknownParent", func(t *testing.T) {
		h := child(parent, 2, 1010)
		h.ParentHash = common.HexToHash("0xdead")
		err := c.engine.ValidateBlock(&types.Block{Header: sign(t, keys[0], h)})
		require.ErrorIs(t, err, consensus.ErrUnknownAncestor)
	})

	t.Run("UnauthorizedSigner", func(t *testing.T) {
		outsider := newKeys(t, 1)[0]
		err := c.engine.ValidateBlock(&types.Block{Header: sign(t, outsider, child(parent, 1, 1015))})
		require.ErrorIs(t, err, consensus.ErrUnauthorizedSigner)
	})

	t.Run("Difficulty", func(t *testing.T) {
		c.engine.Authorize(keys[0])
		require.Equal(t, uint64(2), c.engine.CalculateDifficulty(parent, 1010).Uint64())
		c.engine.Authorize(keys[2])
		require.Equal(t, uint64(1), c.engine.CalculateDifficulty(parent, 1015).Uint64())
	})
}

func TestVoting(t *testing.T) {
	keys := newKeys(t, 4)
	c := newTestChain(t, keys)
	x := common.HexToAddress("0xfeed")

	for i := 0; i < 2; i++ {
		require.NoError(t, c.engine.Apply(vote(t, keys[i], uint64(i+1), x, true)))
	}
	adds, drops := c.engine.Tally(x)
	require.Equal(t, 2, adds)
	require.Equal(t, 0, drops)
	require.False(t, c.engine.IsValidator(x))

	require.NoError(t, c.engine.Apply(vote(t, keys[2], 3, x, true)))
	require.True(t, c.engine.IsValidator(x))
	require.Len(t, c.engine.Validators(), 5)
	require.Equal(t, x, c.engine.Validators()[4])

	adds, _ = c.engine.Tally(x)
	require.Zero(t, adds)

	// a fourth vote cannot add x twice
	require.NoError(t, c.engine.Apply(vote(t, keys[3], 4, x, true)))
	require.Len(t, c.engine.Validators(), 5)
	adds, _ = c.engine.Tally(x)
	require.Zero(t, adds)

	t.Run("Remove", func(t *testing.T) {
		target := keys[3].Address()
		other := common.HexToAddress("0xbeef")

		// target's own ballot must be dropped with it
		require.NoError(t, c.engine.Apply(vote(t, keys[3], 5, other, true)))
		adds, _ := c.engine.Tally(other)
		require.Equal(t, 1, adds)

		// N=5, threshold 3
		for i := 0; i < 3; i++ {
			require.NoError(t, c.engine.Apply(vote(t, keys[i], uint64(6+i), target, false)))
		}
		require.False(t, c.engine.IsValidator(target))
		require.Len(t, c.engine.Validators(), 4)

		adds, drops := c.engine.Tally(other)
		require.Zero(t, adds)
		require.Zero(t, drops)
		_, drops = c.engine.Tally(target)
		require.Zero(t, drops)

		for _, r := range c.engine.RecentSigners() {
			require.LessOrEqual(t, uint64(8)-r.Number, uint64(2))
		}
	})

	t.Run("IneffectiveVotes", func(t *testing.T) {
		absent := common.HexToAddress("0xabcd")
		require.NoError(t, c.engine.Apply(vote(t, keys[0], 20, absent, false)))
		require.NoError(t, c.engine.Apply(vote(t, keys[1], 21, keys[2].Address(), true)))
		_, drops := c.engine.Tally(absent)
		require.Zero(t, drops)
		adds, _ := c.engine.Tally(keys[2].Address())
		require.Zero(t, adds)
	})

	t.Run("UnauthorizedVoter", func(t *testing.T) {
		outsider := newKeys(t, 1)[0]
		err := c.engine.Apply(vote(t, outsider, 30, x, false))
		require.ErrorIs(t, err, consensus.ErrUnauthorizedSigner)
	})
}

func TestEpochResetsVotes(t *testing.T) {
	keys := newKeys(t, 4)
	c := newTestChain(t, keys)
	c.config.EpochLength = 10
	x := common.HexToAddress("0xfeed")

	require.NoError(t, c.engine.Apply(vote(t, keys[0], 8, x, true)))
	require.NoError(t, c.engine.Apply(vote(t, keys[1], 9, x, true)))
	adds, _ := c.engine.Tally(x)
	require.Equal(t, 2, adds)

	// the checkpoint's own vote is not counted either
	require.NoError(t, c.engine.Apply(vote(t, keys[2], 10, x, true)))
	adds, _ = c.engine.Tally(x)
	require.Zero(t, adds)
	require.False(t, c.engine.IsValidator(x))
}

func TestSeal(t *testing.T) {
	keys := newKeys(t, 3)
	c := newTestChain(t, keys)
	genesis := c.parent(t, 0, 1000)
	ctx := context.Background()

	block, err := c.engine.ProduceBlock(ctx, genesis, nil, keys[0].Address())
	require.NoError(t, err)

	_, err = c.engine.SealBlock(ctx, block)
	require.ErrorIs(t, err, consensus.ErrNoSigner)

	outsider := newKeys(t, 1)[0]
	c.engine.Authorize(outsider)
	_, err = c.engine.SealBlock(ctx, block)
	require.ErrorIs(t, err, consensus.ErrUnauthorized)

	c.engine.Authorize(keys[0])
	sealed, err := c.engine.SealBlock(ctx, block)
	require.NoError(t, err)
	require.Len(t, sealed.Header.Extra, ExtraVanity+types.SealLength)
	require.Equal(t, block.Header.SealHash(), sealed.Header.SealHash())

	require.NoError(t, c.engine.VerifySeal(sealed.Header))
	signer, err := c.engine.Author(sealed.Header)
	require.NoError(t, err)
	require.Equal(t, keys[0].Address(), signer)
	require.NoError(t, c.engine.ValidateBlock(sealed))

	_, err = c.engine.SealBlock(ctx, sealed)
	require.ErrorIs(t, err, consensus.ErrAlreadySealed)

	t.Run("MissingSeal", func(t *testing.T) {
		err := c.engine.VerifySeal(block.Header)
		require.ErrorIs(t, err, consensus.ErrMissingSeal)
		require.ErrorIs(t, err, consensus.ErrInvalidSignature)
	})

	t.Run("RecentlySigned", func(t *testing.T) {
		require.NoError(t, c.engine.Apply(sealed.Header))
		next, err := c.engine.ProduceBlock(ctx, sealed.Header, nil, keys[0].Address())
		require.NoError(t, err)
		_, err = c.engine.SealBlock(ctx, next)
		require.ErrorIs(t, err, consensus.ErrRecentlySigned)
	})

	t.Run("Canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.engine.ProduceBlock(cctx, genesis, nil, keys[0].Address())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestProposals(t *testing.T) {
	keys := newKeys(t, 2)
	c := newTestChain(t, keys)
	parent := c.parent(t, 1, 1000)
	ctx := context.Background()

	x := common.HexToAddress("0x02")
	y := common.HexToAddress("0x01")

	c.engine.Propose(x, true)
	c.engine.Propose(y, true)
	c.engine.Propose(keys[0].Address(), true) // already a signer, never cast

	block, err := c.engine.ProduceBlock(ctx, parent, nil, keys[0].Address())
	require.NoError(t, err)
	require.Equal(t, y, block.Header.Author)
	require.Equal(t, nonceAuthVote, block.Header.Nonce)

	c.engine.Discard(y)
	c.engine.Propose(x, false) // x is absent, removal is ineffective
	block, err = c.engine.ProduceBlock(ctx, parent, nil, keys[0].Address())
	require.NoError(t, err)
	require.Equal(t, common.Address{}, block.Header.Author)

	c.engine.Propose(keys[1].Address(), false)
	block, err = c.engine.ProduceBlock(ctx, parent, nil, keys[0].Address())
	require.NoError(t, err)
	require.Equal(t, keys[1].Address(), block.Header.Author)
	require.Equal(t, nonceDropVote, block.Header.Nonce)

	require.Len(t, c.engine.Proposals(), 3)
}

func TestEngineBasics(t *testing.T) {
	c := newTestChain(t, newKeys(t, 2))
	require.True(t, c.engine.IsReady())
	require.True(t, c.engine.BlockReward(100).IsZero())
	require.Len(t, c.engine.ExtraData(), ExtraVanity)
	require.NoError(t, c.engine.Finalize(context.Background(), nil))

	empty := New(consensus.DefaultConfig(consensus.Clique), nil, nil)
	require.False(t, empty.IsReady())
	_, err := empty.ProduceBlock(context.Background(), &types.Header{}, nil, common.Address{})
	require.ErrorIs(t, err, consensus.ErrNotReady)
}
