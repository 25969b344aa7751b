// Package forkchoice selects the canonical head among competing blocks under
// one of four rules and keeps the durable block tree that finalization
// prunes.
package forkchoice

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/types"
)

// Rule is a head selection rule.
type Rule int

const (
	LongestChain Rule = iota
	GHOST
	LMDGHOST
	CasperFFG
)

func (r Rule) String() string {
	switch r {
	case LongestChain:
		return "longest-chain"
	case GHOST:
		return "ghost"
	case LMDGHOST:
		return "lmd-ghost"
	case CasperFFG:
		return "casper-ffg"
	default:
		return fmt.Sprintf("Rule(%d)", int(r))
	}
}

// ParseRule parses the names produced by Rule.String, case-insensitively.
func ParseRule(s string) (Rule, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "-")) {
	case "longest-chain", "longest":
		return LongestChain, nil
	case "ghost":
		return GHOST, nil
	case "lmd-ghost", "lmdghost":
		return LMDGHOST, nil
	case "casper-ffg", "casperffg", "ffg":
		return CasperFFG, nil
	}
	return 0, fmt.Errorf("unknown fork choice rule %q", s)
}

// BlockInfo is the fork choice record of a known block.
type BlockInfo struct {
	Header          *types.Header
	TotalDifficulty *uint256.Int
	Weight          uint64
	Justified       bool
	Finalized       bool
}

// Hash returns the block hash.
func (b *BlockInfo) Hash() common.Hash {
	return b.Header.Hash()
}

func (b *BlockInfo) copy() BlockInfo {
	cpy := *b
	cpy.Header = b.Header.Copy()
	if b.TotalDifficulty != nil {
		cpy.TotalDifficulty = new(uint256.Int).Set(b.TotalDifficulty)
	}
	return cpy
}

// Vote is the latest head vote of a validator.
type Vote struct {
	Block common.Hash
	Epoch uint64
}

// ForkChoice holds the durable block tree and the latest votes. All methods
// are safe for concurrent use; SelectHead runs under a read lock and sees a
// consistent snapshot.
type ForkChoice struct {
	mu sync.RWMutex

	rule   Rule
	logger *zap.Logger

	blocks   map[common.Hash]*BlockInfo
	children map[common.Hash][]common.Hash
	votes    map[common.Address]Vote // validator -> latest vote
	index    *heightIndex

	justified common.Hash // highest justified block
	finalized common.Hash // highest finalized block
}

// New creates an empty fork choice using rule.
func New(rule Rule, logger *zap.Logger) *ForkChoice {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForkChoice{
		rule:     rule,
		logger:   logger.Named("forkchoice"),
		blocks:   make(map[common.Hash]*BlockInfo),
		children: make(map[common.Hash][]common.Hash),
		votes:    make(map[common.Address]Vote),
		index:    newHeightIndex(),
	}
}

// Rule returns the active rule.
func (f *ForkChoice) Rule() Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rule
}

// SetRule switches the active rule.
func (f *ForkChoice) SetRule(rule Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rule = rule
}

// AddBlock records block with its total difficulty. Adding a known block
// updates its header and total difficulty and keeps its flags.
func (f *ForkChoice) AddBlock(block *types.Block, td *uint256.Int) {
	hash := block.Hash()
	parent := block.ParentHash()
	if td == nil {
		td = new(uint256.Int)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if info, ok := f.blocks[hash]; ok {
		info.Header = block.Header.Copy()
		info.TotalDifficulty = new(uint256.Int).Set(td)
		return
	}
	f.blocks[hash] = &BlockInfo{
		Header:          block.Header.Copy(),
		TotalDifficulty: new(uint256.Int).Set(td),
		Weight:          1,
	}
	f.children[parent] = append(f.children[parent], hash)
	f.index.insert(block.Number(), hash)
}

// GetBlock returns a copy of the record for hash.
func (f *ForkChoice) GetBlock(hash common.Hash) (BlockInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.blocks[hash]
	if !ok {
		return BlockInfo{}, false
	}
	return info.copy(), true
}

// HasBlock reports whether hash is known.
func (f *ForkChoice) HasBlock(hash common.Hash) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.blocks[hash]
	return ok
}

// Len returns the number of known blocks.
func (f *ForkChoice) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.blocks)
}

// Children returns the known children of hash.
func (f *ForkChoice) Children(hash common.Hash) []common.Hash {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]common.Hash(nil), f.children[hash]...)
}

// Head returns the highest known block, the smaller hash winning ties.
func (f *ForkChoice) Head() (BlockInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	key, ok := f.index.head()
	if !ok {
		return BlockInfo{}, false
	}
	return f.blocks[key.hash].copy(), true
}

// Leaves returns the headers of known blocks without known children, ordered
// by number then hash.
func (f *ForkChoice) Leaves() []*types.Header {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var leaves []*types.Header
	f.index.tree.Ascend(func(k heightKey) bool {
		if len(f.children[k.hash]) == 0 {
			leaves = append(leaves, f.blocks[k.hash].Header.Copy())
		}
		return true
	})
	return leaves
}

// BlocksAt returns the hashes of known blocks at number.
func (f *ForkChoice) BlocksAt(number uint64) []common.Hash {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.index.at(number)
}

// ================================================================================
//                          Finality flags
// ================================================================================

// MarkJustified flags hash as justified.
func (f *ForkChoice) MarkJustified(hash common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.blocks[hash]
	if !ok {
		return consensus.Wrap(consensus.ErrUnknownBlock, "%s", hash.Hex())
	}
	f.markJustifiedLocked(hash, info)
	return nil
}

func (f *ForkChoice) markJustifiedLocked(hash common.Hash, info *BlockInfo) {
	info.Justified = true
	if cur, ok := f.blocks[f.justified]; !ok || info.Header.Number > cur.Header.Number {
		f.justified = hash
	}
}

// MarkFinalized flags hash as finalized and justified.
func (f *ForkChoice) MarkFinalized(hash common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.blocks[hash]
	if !ok {
		return consensus.Wrap(consensus.ErrUnknownBlock, "%s", hash.Hex())
	}
	f.markJustifiedLocked(hash, info)
	info.Finalized = true
	if cur, ok := f.blocks[f.finalized]; !ok || info.Header.Number > cur.Header.Number {
		f.finalized = hash
	}
	return nil
}

// Justified returns the highest justified block.
func (f *ForkChoice) Justified() (common.Hash, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.blocks[f.justified]
	return f.justified, ok
}

// Finalized returns the highest finalized block.
func (f *ForkChoice) Finalized() (common.Hash, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.blocks[f.finalized]
	return f.finalized, ok
}

// ================================================================================
//                          Votes
// ================================================================================

// AddVote records a validator's head vote. Only the vote with the highest
// epoch is kept per validator. It reports whether the vote was stored.
func (f *ForkChoice) AddVote(validator common.Address, block common.Hash, epoch uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.votes[validator]; ok && cur.Epoch >= epoch {
		return false
	}
	f.votes[validator] = Vote{Block: block, Epoch: epoch}
	return true
}

// AddAttestation records att's head vote.
func (f *ForkChoice) AddAttestation(att *types.Attestation) bool {
	return f.AddVote(att.Validator, att.BeaconBlockRoot, att.Target.Epoch)
}

// LatestVote returns the latest vote of validator.
func (f *ForkChoice) LatestVote(validator common.Address) (Vote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.votes[validator]
	return v, ok
}

// VoteCount returns the number of latest votes for hash.
func (f *ForkChoice) VoteCount(hash common.Hash) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.voteWeightsLocked()[hash]
}

func (f *ForkChoice) voteWeightsLocked() map[common.Hash]int {
	weights := make(map[common.Hash]int)
	for _, v := range f.votes {
		weights[v.Block]++
	}
	return weights
}

// ================================================================================
//                          Prune
// ================================================================================

// Prune keeps hash and its descendants and drops every other block, edge and
// vote.
func (f *ForkChoice) Prune(hash common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.blocks[hash]; !ok {
		return consensus.Wrap(consensus.ErrUnknownBlock, "%s", hash.Hex())
	}

	keep := map[common.Hash]struct{}{hash: {}}
	queue := []common.Hash{hash}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range f.children[cur] {
			if _, seen := keep[child]; !seen {
				keep[child] = struct{}{}
				queue = append(queue, child)
			}
		}
	}

	removed := 0
	for h, info := range f.blocks {
		if _, ok := keep[h]; !ok {
			f.index.remove(info.Header.Number, h)
			delete(f.blocks, h)
			removed++
		}
	}
	for h := range f.children {
		if _, ok := keep[h]; !ok {
			delete(f.children, h)
		}
	}
	for v, vote := range f.votes {
		if _, ok := keep[vote.Block]; !ok {
			delete(f.votes, v)
		}
	}

	f.logger.Info("pruned block tree",
		zap.Stringer("root", hash),
		zap.Int("removed", removed),
		zap.Int("remaining", len(f.blocks)),
	)
	return nil
}
