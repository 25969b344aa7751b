package pos

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/types"
)

// Threshold returns floor(2N/3) for the active set.
func (p *PoS) Threshold() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.thresholdLocked()
}

func (p *PoS) thresholdLocked() int {
	return p.validators.Size() * 2 / 3
}

// checkFinalityLocked justifies the best-supported root of epoch once it
// reaches the threshold, and finalizes the previous epoch's checkpoint if
// that one was justified. Below the threshold nothing changes.
func (p *PoS) checkFinalityLocked(epoch uint64) FinalityUpdate {
	var update FinalityUpdate
	if _, done := p.justified[epoch]; done {
		return update
	}

	counts := make(map[common.Hash]int)
	for voter, root := range p.votes[epoch] {
		if p.validators.Contains(voter) {
			counts[root]++
		}
	}

	var (
		best      common.Hash
		bestCount int
	)
	for root, count := range counts {
		if count > bestCount || (count == bestCount && bytes.Compare(root[:], best[:]) < 0) {
			best, bestCount = root, count
		}
	}
	if bestCount == 0 || bestCount < p.thresholdLocked() {
		return update
	}

	cp := types.Checkpoint{Epoch: epoch, Root: best}
	p.justified[epoch] = cp
	if p.latestJust == nil || cp.Epoch >= p.latestJust.Epoch {
		p.latestJust = &cp
	}
	update.Justified = &cp
	p.logger.Info("checkpoint justified",
		zap.Stringer("checkpoint", cp),
		zap.Int("votes", bestCount),
		zap.Int("validators", p.validators.Size()),
	)

	if epoch == 0 {
		return update
	}
	prev, ok := p.justified[epoch-1]
	if !ok {
		return update
	}
	if p.finalized == nil || prev.Epoch > p.finalized.Epoch {
		fin := prev
		p.finalized = &fin
		update.Finalized = &fin
		p.logger.Info("checkpoint finalized", zap.Stringer("checkpoint", fin))
	}
	return update
}

// Justified returns the latest justified checkpoint.
func (p *PoS) Justified() (types.Checkpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latestJust == nil {
		return types.Checkpoint{}, false
	}
	return *p.latestJust, true
}

// Finalized returns the latest finalized checkpoint.
func (p *PoS) Finalized() (types.Checkpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.finalized == nil {
		return types.Checkpoint{}, false
	}
	return *p.finalized, true
}
