package pos

import (
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/crypto"
	"github.com/ahwlsqja/eth-consensus/types"
)

// FinalityUpdate reports checkpoints that changed state during one call to
// ProcessAttestations. Nil fields mean no change.
type FinalityUpdate struct {
	Justified *types.Checkpoint
	Finalized *types.Checkpoint
}

// Empty reports whether nothing changed.
func (u FinalityUpdate) Empty() bool {
	return u.Justified == nil && u.Finalized == nil
}

// SignAttestation fills att.Validator and att.Signature using signer.
func SignAttestation(signer crypto.Signer, att *types.Attestation) error {
	att.Validator = signer.Address()
	sig, err := signer.Sign(att.SigningRoot())
	if err != nil {
		return err
	}
	att.Signature = sig
	return nil
}

// VerifyAttestation checks committee membership and the attester signature.
func (p *PoS) VerifyAttestation(att *types.Attestation) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.verifyAttestationLocked(att)
}

func (p *PoS) verifyAttestationLocked(att *types.Attestation) error {
	if !p.inCommitteeLocked(att.Slot, att.Validator) {
		return consensus.Wrap(consensus.ErrNotInCommittee, "%s at slot %d", att.Validator.Hex(), att.Slot)
	}
	signer, err := crypto.RecoverAddress(att.SigningRoot(), att.Signature)
	if err != nil {
		return consensus.InvalidSignature("failed to recover attestation signer: %v", err)
	}
	if signer != att.Validator {
		return consensus.Wrap(consensus.ErrAttestationSigner, "signed by %s, claims %s", signer.Hex(), att.Validator.Hex())
	}
	return nil
}

// ProcessAttestations verifies and records attestations, then checks the
// current epoch for finality. Invalid and stale attestations are discarded.
// A validator that votes for two different roots in the same target epoch is
// slashed and its second vote discarded.
func (p *PoS) ProcessAttestations(atts []*types.Attestation) (int, FinalityUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	epoch := p.config.Epoch(p.slot)
	accepted := 0
	for _, att := range atts {
		if err := p.verifyAttestationLocked(att); err != nil {
			p.logger.Debug("discarding attestation",
				zap.Stringer("validator", att.Validator),
				zap.Uint64("slot", att.Slot),
				zap.Error(err),
			)
			continue
		}
		if att.Target.Epoch+1 < epoch {
			continue
		}

		ballots := p.votes[att.Target.Epoch]
		if ballots == nil {
			ballots = make(map[common.Address]common.Hash)
			p.votes[att.Target.Epoch] = ballots
		}
		if prev, voted := ballots[att.Validator]; voted {
			if prev != att.Target.Root {
				p.logger.Warn("double vote",
					zap.Stringer("validator", att.Validator),
					zap.Uint64("epoch", att.Target.Epoch),
					zap.Stringer("first", prev),
					zap.Stringer("second", att.Target.Root),
				)
				p.slashLocked(att.Validator)
			}
			continue
		}
		ballots[att.Validator] = att.Target.Root
		accepted++
	}
	return accepted, p.checkFinalityLocked(epoch)
}

// Votes returns the number of distinct attesters for root in target epoch.
func (p *PoS) Votes(epoch uint64, root common.Hash) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, r := range p.votes[epoch] {
		if r == root {
			count++
		}
	}
	return count
}
