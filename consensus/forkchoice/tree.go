package forkchoice

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/types"
)

// blockTree is a one-shot tree built from a candidate set. Nodes live in an
// arena indexed by position; node 0 is the common ancestor.
type blockTree struct {
	nodes []treeNode
	index map[common.Hash]int
}

type treeNode struct {
	hash     common.Hash
	children []int
	weight   uint64
}

// lookup resolves parent links through the candidates first and the durable
// block map second.
type lookup struct {
	candidates map[common.Hash]*types.Block
	blocks     map[common.Hash]*BlockInfo
}

func (l *lookup) parent(hash common.Hash) (common.Hash, bool) {
	if b, ok := l.candidates[hash]; ok {
		return b.ParentHash(), true
	}
	if info, ok := l.blocks[hash]; ok {
		return info.Header.ParentHash, true
	}
	return common.Hash{}, false
}

// ancestry returns the strict ancestors of hash, nearest first, ending at the
// zero hash or at the first hash whose parent is unknown.
func (l *lookup) ancestry(hash common.Hash) []common.Hash {
	var chain []common.Hash
	cur, ok := l.parent(hash)
	for ok {
		chain = append(chain, cur)
		if cur == (common.Hash{}) {
			break
		}
		cur, ok = l.parent(cur)
	}
	return chain
}

// isDescendant reports whether hash equals ancestor or descends from it.
func (l *lookup) isDescendant(hash, ancestor common.Hash) bool {
	if hash == ancestor {
		return true
	}
	for _, h := range l.ancestry(hash) {
		if h == ancestor {
			return true
		}
	}
	return false
}

// commonAncestor returns the nearest hash that is a strict ancestor of every
// candidate.
func (l *lookup) commonAncestor(hashes []common.Hash) (common.Hash, error) {
	first := l.ancestry(hashes[0])
	sets := make([]map[common.Hash]struct{}, 0, len(hashes)-1)
	for _, h := range hashes[1:] {
		set := make(map[common.Hash]struct{})
		for _, a := range l.ancestry(h) {
			set[a] = struct{}{}
		}
		sets = append(sets, set)
	}
	for _, candidate := range first {
		shared := true
		for _, set := range sets {
			if _, ok := set[candidate]; !ok {
				shared = false
				break
			}
		}
		if shared {
			return candidate, nil
		}
	}
	return common.Hash{}, consensus.ErrNoCommonAncestor
}

// buildTree links every candidate to root through its known ancestors.
// root must be a strict ancestor of each candidate.
func (l *lookup) buildTree(root common.Hash, hashes []common.Hash) *blockTree {
	t := &blockTree{index: make(map[common.Hash]int)}
	t.node(root)
	edges := make(map[[2]common.Hash]struct{})

	for _, h := range hashes {
		child := h
		for child != root {
			parent, ok := l.parent(child)
			if !ok {
				break
			}
			edge := [2]common.Hash{parent, child}
			if _, seen := edges[edge]; seen {
				break
			}
			edges[edge] = struct{}{}
			p, c := t.node(parent), t.node(child)
			t.nodes[p].children = append(t.nodes[p].children, c)
			child = parent
		}
	}
	return t
}

func (t *blockTree) node(hash common.Hash) int {
	if i, ok := t.index[hash]; ok {
		return i
	}
	t.nodes = append(t.nodes, treeNode{hash: hash})
	t.index[hash] = len(t.nodes) - 1
	return len(t.nodes) - 1
}

// subtreeWeights sets each node's weight to 1 plus the weights of its
// children using an explicit stack.
func (t *blockTree) subtreeWeights() {
	order := make([]int, 0, len(t.nodes))
	stack := []int{0}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, n)
		stack = append(stack, t.nodes[n].children...)
	}
	// reversed pre-order visits children before parents
	for i := len(order) - 1; i >= 0; i-- {
		n := &t.nodes[order[i]]
		n.weight = 1
		for _, c := range n.children {
			n.weight += t.nodes[c].weight
		}
	}
}

// voteWeights sets each node's weight to its direct vote count.
func (t *blockTree) voteWeights(votes map[common.Hash]int) {
	for i := range t.nodes {
		t.nodes[i].weight = uint64(votes[t.nodes[i].hash])
	}
}

// descend walks from the root into the heaviest child until it reaches a
// leaf. Equal weights go to the smaller hash.
func (t *blockTree) descend() common.Hash {
	cur := 0
	for len(t.nodes[cur].children) > 0 {
		best := -1
		for _, c := range t.nodes[cur].children {
			if best < 0 || heavier(t.nodes[c], t.nodes[best]) {
				best = c
			}
		}
		cur = best
	}
	return t.nodes[cur].hash
}

func heavier(a, b treeNode) bool {
	if a.weight != b.weight {
		return a.weight > b.weight
	}
	return bytes.Compare(a.hash[:], b.hash[:]) < 0
}
