package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Validator is a block producer with its bonded stake. Clique signers carry
// no stake.
type Validator struct {
	Address common.Address `json:"address"`
	Stake   *uint256.Int   `json:"stake,omitempty"`
}

// ValidatorSet is an ordered set of validators. Order is significant: it
// drives the Clique turn schedule and the PoS proposer rotation.
// ValidatorSet is not safe for concurrent use; owners lock around it.
type ValidatorSet struct {
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet creates a set from addresses, skipping duplicates. Every
// validator receives a copy of stake (nil for no stake).
func NewValidatorSet(addrs []common.Address, stake *uint256.Int) *ValidatorSet {
	vs := &ValidatorSet{Validators: make([]*Validator, 0, len(addrs))}
	for _, addr := range addrs {
		vs.Add(addr, stake)
	}
	return vs
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// Addresses returns the validator addresses in order.
func (vs *ValidatorSet) Addresses() []common.Address {
	out := make([]common.Address, len(vs.Validators))
	for i, v := range vs.Validators {
		out[i] = v.Address
	}
	return out
}

// IndexOf returns the position of addr or -1.
func (vs *ValidatorSet) IndexOf(addr common.Address) int {
	for i, v := range vs.Validators {
		if v.Address == addr {
			return i
		}
	}
	return -1
}

// Contains reports whether addr is in the set.
func (vs *ValidatorSet) Contains(addr common.Address) bool {
	return vs.IndexOf(addr) >= 0
}

// Get returns the validator for addr or nil.
func (vs *ValidatorSet) Get(addr common.Address) *Validator {
	if i := vs.IndexOf(addr); i >= 0 {
		return vs.Validators[i]
	}
	return nil
}

// At returns the validator at index i.
func (vs *ValidatorSet) At(i int) *Validator {
	return vs.Validators[i]
}

// Add appends addr. It returns false when addr is already present.
func (vs *ValidatorSet) Add(addr common.Address, stake *uint256.Int) bool {
	if vs.Contains(addr) {
		return false
	}
	v := &Validator{Address: addr}
	if stake != nil {
		v.Stake = new(uint256.Int).Set(stake)
	}
	vs.Validators = append(vs.Validators, v)
	return true
}

// Remove deletes addr preserving the order of the rest. It returns false
// when addr is absent.
func (vs *ValidatorSet) Remove(addr common.Address) bool {
	i := vs.IndexOf(addr)
	if i < 0 {
		return false
	}
	vs.Validators = append(vs.Validators[:i], vs.Validators[i+1:]...)
	return true
}

// TotalStake sums the stake of all validators.
func (vs *ValidatorSet) TotalStake() *uint256.Int {
	total := new(uint256.Int)
	for _, v := range vs.Validators {
		if v.Stake != nil {
			total.Add(total, v.Stake)
		}
	}
	return total
}

// Copy returns a deep copy of the set.
func (vs *ValidatorSet) Copy() *ValidatorSet {
	cpy := &ValidatorSet{Validators: make([]*Validator, len(vs.Validators))}
	for i, v := range vs.Validators {
		nv := &Validator{Address: v.Address}
		if v.Stake != nil {
			nv.Stake = new(uint256.Int).Set(v.Stake)
		}
		cpy.Validators[i] = nv
	}
	return cpy
}
