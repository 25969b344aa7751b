package types

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

// Checkpoint is an (epoch, block root) pair voted on for finality.
type Checkpoint struct {
	Epoch uint64      `json:"epoch"`
	Root  common.Hash `json:"root"`
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("%d/%s", c.Epoch, c.Root.TerminalString())
}

// Attestation is a validator vote for a head block and a source/target
// checkpoint link.
type Attestation struct {
	Slot            uint64         `json:"slot"`
	Validator       common.Address `json:"validator"`
	BeaconBlockRoot common.Hash    `json:"beaconBlockRoot"`
	Source          Checkpoint     `json:"source"`
	Target          Checkpoint     `json:"target"`
	Signature       hexutil.Bytes  `json:"signature"`
}

// SigningRoot returns keccak256(slot || beacon_block_root || source.epoch ||
// source.root || target.epoch || target.root) with little-endian integers.
func (a *Attestation) SigningRoot() (h common.Hash) {
	var buf [8]byte
	sha := sha3.NewLegacyKeccak256()

	binary.LittleEndian.PutUint64(buf[:], a.Slot)
	sha.Write(buf[:])
	sha.Write(a.BeaconBlockRoot[:])
	binary.LittleEndian.PutUint64(buf[:], a.Source.Epoch)
	sha.Write(buf[:])
	sha.Write(a.Source.Root[:])
	binary.LittleEndian.PutUint64(buf[:], a.Target.Epoch)
	sha.Write(buf[:])
	sha.Write(a.Target.Root[:])

	sha.Sum(h[:0])
	return h
}
