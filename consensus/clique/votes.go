package clique

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/types"
)

// Apply records an imported header: the signer enters the recent window and
// the header's vote, if any, is tallied. At epoch checkpoints pending votes
// are discarded instead.
func (c *Clique) Apply(header *types.Header) error {
	signer, err := c.ecrecover(header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.signers.Contains(signer) {
		return consensus.Wrap(consensus.ErrUnauthorizedSigner, "%s", signer.Hex())
	}
	c.updateRecentsLocked(header.Number, signer)

	if c.config.EpochLength > 0 && header.Number%c.config.EpochLength == 0 {
		if len(c.votes) > 0 {
			c.logger.Info("epoch checkpoint, discarding pending votes",
				zap.Uint64("number", header.Number),
				zap.Int("voters", len(c.votes)),
			)
		}
		c.votes = make(map[common.Address]map[common.Address]bool)
		return nil
	}
	c.processVoteLocked(header, signer)
	return nil
}

// processVoteLocked tallies the vote carried by header. Author is the
// proposal, a non-zero nonce means add and a zero nonce means remove.
// Votes that cannot change the set are ignored.
func (c *Clique) processVoteLocked(header *types.Header, voter common.Address) {
	if header.Author == (common.Address{}) {
		return
	}
	proposal := header.Author
	authorize := header.Nonce != nonceDropVote

	if authorize == c.signers.Contains(proposal) {
		c.logger.Debug("ignoring ineffective vote",
			zap.Stringer("voter", voter),
			zap.Stringer("proposal", proposal),
			zap.Bool("authorize", authorize),
		)
		return
	}

	if c.votes[voter] == nil {
		c.votes[voter] = make(map[common.Address]bool)
	}
	c.votes[voter][proposal] = authorize

	adds, drops := c.tallyLocked(proposal)
	threshold := c.signers.Size()/2 + 1

	switch {
	case authorize && adds >= threshold:
		c.signers.Add(proposal, nil)
		c.clearVotesForLocked(proposal)
		delete(c.proposals, proposal)
		c.logger.Info("added new signer",
			zap.Stringer("signer", proposal),
			zap.Uint64("number", header.Number),
			zap.Int("signers", c.signers.Size()),
		)

	case !authorize && drops >= threshold:
		c.signers.Remove(proposal)
		c.clearVotesForLocked(proposal)
		delete(c.votes, proposal)
		delete(c.proposals, proposal)
		c.trimRecentsLocked(header.Number)
		c.logger.Info("removed signer",
			zap.Stringer("signer", proposal),
			zap.Uint64("number", header.Number),
			zap.Int("signers", c.signers.Size()),
		)
	}
}

func (c *Clique) tallyLocked(proposal common.Address) (adds, drops int) {
	for _, ballot := range c.votes {
		if v, ok := ballot[proposal]; ok {
			if v {
				adds++
			} else {
				drops++
			}
		}
	}
	return adds, drops
}

func (c *Clique) clearVotesForLocked(proposal common.Address) {
	for voter, ballot := range c.votes {
		delete(ballot, proposal)
		if len(ballot) == 0 {
			delete(c.votes, voter)
		}
	}
}

// Tally returns the current add and remove vote counts for proposal.
func (c *Clique) Tally(proposal common.Address) (adds, drops int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tallyLocked(proposal)
}

// ================================================================================
//                          Local proposals
// ================================================================================

// Propose queues a vote to add (auth) or remove a signer. It is cast in the
// blocks this node produces until the proposal takes effect or is discarded.
func (c *Clique) Propose(addr common.Address, auth bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proposals[addr] = auth
}

// Discard drops a pending local proposal.
func (c *Clique) Discard(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.proposals, addr)
}

// Proposals returns a copy of the pending local proposals.
func (c *Clique) Proposals() map[common.Address]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[common.Address]bool, len(c.proposals))
	for addr, auth := range c.proposals {
		out[addr] = auth
	}
	return out
}

// pendingVoteLocked picks the lowest-address proposal that would still
// change the signer set.
func (c *Clique) pendingVoteLocked() (common.Address, uint64) {
	addrs := make([]common.Address, 0, len(c.proposals))
	for addr, auth := range c.proposals {
		if auth != c.signers.Contains(addr) {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return common.Address{}, nonceDropVote
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
	if c.proposals[addrs[0]] {
		return addrs[0], nonceAuthVote
	}
	return addrs[0], nonceDropVote
}
