package forkchoice

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"
)

const defaultTreeDegree = 2

// heightKey orders blocks by number, then by hash.
type heightKey struct {
	number uint64
	hash   common.Hash
}

func (k heightKey) Less(than heightKey) bool {
	if k.number != than.number {
		return k.number < than.number
	}
	return bytes.Compare(k.hash[:], than.hash[:]) < 0
}

var _ btree.LessFunc[heightKey] = heightKey.Less

// heightIndex is the ordered (number, hash) index over known blocks.
type heightIndex struct {
	tree *btree.BTreeG[heightKey]
}

func newHeightIndex() *heightIndex {
	return &heightIndex{tree: btree.NewG(defaultTreeDegree, heightKey.Less)}
}

func (idx *heightIndex) insert(number uint64, hash common.Hash) {
	idx.tree.ReplaceOrInsert(heightKey{number: number, hash: hash})
}

func (idx *heightIndex) remove(number uint64, hash common.Hash) {
	idx.tree.Delete(heightKey{number: number, hash: hash})
}

func (idx *heightIndex) len() int {
	return idx.tree.Len()
}

// head returns the highest block, the smaller hash winning among blocks of
// equal height.
func (idx *heightIndex) head() (heightKey, bool) {
	top, ok := idx.tree.Max()
	if !ok {
		return heightKey{}, false
	}
	var first heightKey
	idx.tree.AscendGreaterOrEqual(heightKey{number: top.number}, func(k heightKey) bool {
		first = k
		return false
	})
	return first, true
}

// at returns the hashes of every block at number in hash order.
func (idx *heightIndex) at(number uint64) []common.Hash {
	var out []common.Hash
	idx.tree.AscendGreaterOrEqual(heightKey{number: number}, func(k heightKey) bool {
		if k.number != number {
			return false
		}
		out = append(out, k.hash)
		return true
	})
	return out
}
