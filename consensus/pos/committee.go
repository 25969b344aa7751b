package pos

import (
	"encoding/binary"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/chacha20"
)

// MaxCommitteeSize bounds the attestation committee of a slot.
const MaxCommitteeSize = 128

// Committee returns the attesters of slot. Sets of at most MaxCommitteeSize
// validators attest in full.
func (p *PoS) Committee(slot uint64) []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return selectCommittee(p.validators.Addresses(), slot)
}

func (p *PoS) inCommitteeLocked(slot uint64, addr common.Address) bool {
	if !p.validators.Contains(addr) {
		return false
	}
	if p.validators.Size() <= MaxCommitteeSize {
		return true
	}
	for _, member := range selectCommittee(p.validators.Addresses(), slot) {
		if member == addr {
			return true
		}
	}
	return false
}

// selectCommittee draws min(MaxCommitteeSize, N/2) distinct validators by
// swap-removal from an index pool. The draw is a pure function of slot and
// the validator order.
func selectCommittee(validators []common.Address, slot uint64) []common.Address {
	n := len(validators)
	if n <= MaxCommitteeSize {
		out := make([]common.Address, n)
		copy(out, validators)
		return out
	}

	size := min(MaxCommitteeSize, n/2)
	rng := newSlotRand(slot)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	committee := make([]common.Address, 0, size)
	for i := 0; i < size; i++ {
		j := rng.intn(len(indices))
		committee = append(committee, validators[indices[j]])

		last := len(indices) - 1
		indices[j] = indices[last]
		indices = indices[:last]
	}
	return committee
}

// slotRand is a ChaCha20 keystream seeded by the slot number.
type slotRand struct {
	cipher *chacha20.Cipher
	buf    [8]byte
}

func newSlotRand(slot uint64) *slotRand {
	var key [chacha20.KeySize]byte
	binary.LittleEndian.PutUint64(key[:8], slot)
	var nonce [chacha20.NonceSize]byte

	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// key and nonce sizes are fixed above
		panic(err)
	}
	return &slotRand{cipher: c}
}

func (r *slotRand) uint64() uint64 {
	r.buf = [8]byte{}
	r.cipher.XORKeyStream(r.buf[:], r.buf[:])
	return binary.LittleEndian.Uint64(r.buf[:])
}

// intn returns a uniform value in [0, n) by rejecting the biased tail.
func (r *slotRand) intn(n int) int {
	bound := uint64(n)
	limit := math.MaxUint64 - math.MaxUint64%bound
	for {
		if v := r.uint64(); v < limit {
			return int(v % bound)
		}
	}
}
