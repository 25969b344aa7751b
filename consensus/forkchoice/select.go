package forkchoice

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/types"
)

// SelectHead returns the canonical block among blocks under the active rule.
// Duplicate candidates are ignored and a single candidate is returned as is.
func (f *ForkChoice) SelectHead(blocks []*types.Block) (*types.Block, error) {
	if len(blocks) == 0 {
		return nil, consensus.ErrNoCandidates
	}

	candidates := make(map[common.Hash]*types.Block, len(blocks))
	hashes := make([]common.Hash, 0, len(blocks))
	for _, b := range blocks {
		h := b.Hash()
		if _, dup := candidates[h]; dup {
			continue
		}
		candidates[h] = b
		hashes = append(hashes, h)
	}
	if len(hashes) == 1 {
		return candidates[hashes[0]], nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	l := &lookup{candidates: candidates, blocks: f.blocks}

	var (
		head common.Hash
		err  error
	)
	switch f.rule {
	case LongestChain:
		head, err = f.longestChainLocked(hashes)
	case GHOST:
		head, err = f.ghostLocked(l, hashes)
	case LMDGHOST:
		head, err = f.lmdGhostLocked(l, hashes)
	case CasperFFG:
		head, err = f.casperFFGLocked(l, hashes)
	default:
		return nil, consensus.ForkChoiceError("unknown rule %s", f.rule)
	}
	if err != nil {
		return nil, err
	}
	block, ok := candidates[head]
	if !ok {
		return nil, consensus.Wrap(consensus.ErrSelectedNotFound, "%s", head.Hex())
	}
	return block, nil
}

// longestChainLocked picks the highest recorded total difficulty, the smaller
// hash winning ties.
func (f *ForkChoice) longestChainLocked(hashes []common.Hash) (common.Hash, error) {
	var (
		best common.Hash
		info *BlockInfo
	)
	for _, h := range hashes {
		cur, ok := f.blocks[h]
		if !ok || cur.TotalDifficulty == nil {
			return common.Hash{}, consensus.Wrap(consensus.ErrMissingTD, "%s", h.Hex())
		}
		if info == nil {
			best, info = h, cur
			continue
		}
		switch cur.TotalDifficulty.Cmp(info.TotalDifficulty) {
		case 1:
			best, info = h, cur
		case 0:
			if bytes.Compare(h[:], best[:]) < 0 {
				best, info = h, cur
			}
		}
	}
	return best, nil
}

func (f *ForkChoice) ghostLocked(l *lookup, hashes []common.Hash) (common.Hash, error) {
	root, err := l.commonAncestor(hashes)
	if err != nil {
		return common.Hash{}, err
	}
	tree := l.buildTree(root, hashes)
	tree.subtreeWeights()
	return tree.descend(), nil
}

func (f *ForkChoice) lmdGhostLocked(l *lookup, hashes []common.Hash) (common.Hash, error) {
	if len(hashes) == 1 {
		return hashes[0], nil
	}
	root, err := l.commonAncestor(hashes)
	if err != nil {
		return common.Hash{}, err
	}
	tree := l.buildTree(root, hashes)
	tree.voteWeights(f.voteWeightsLocked())
	return tree.descend(), nil
}

// casperFFGLocked restricts the candidates to descendants of the highest
// justified block, then applies LMD-GHOST.
func (f *ForkChoice) casperFFGLocked(l *lookup, hashes []common.Hash) (common.Hash, error) {
	checkpoint, ok := f.latestJustifiedLocked()
	if !ok {
		return f.lmdGhostLocked(l, hashes)
	}
	filtered := make([]common.Hash, 0, len(hashes))
	for _, h := range hashes {
		if l.isDescendant(h, checkpoint) {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		return common.Hash{}, consensus.Wrap(consensus.ErrNoJustifiedBlocks, "checkpoint %s", checkpoint.Hex())
	}
	return f.lmdGhostLocked(l, filtered)
}

// latestJustifiedLocked returns the justified block with the highest number,
// the smaller hash winning ties.
func (f *ForkChoice) latestJustifiedLocked() (common.Hash, bool) {
	var (
		best   common.Hash
		number uint64
		found  bool
	)
	for h, info := range f.blocks {
		if !info.Justified {
			continue
		}
		n := info.Header.Number
		if !found || n > number || (n == number && bytes.Compare(h[:], best[:]) < 0) {
			best, number, found = h, n, true
		}
	}
	return best, found
}
