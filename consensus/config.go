// Package consensus defines the configuration, errors and collaborator
// interfaces shared by the consensus engines, the validator and fork choice.
package consensus

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EngineType selects the consensus engine variant.
type EngineType int

const (
	ProofOfStake EngineType = iota
	ProofOfAuthority
	Clique
)

func (t EngineType) String() string {
	switch t {
	case ProofOfStake:
		return "pos"
	case ProofOfAuthority:
		return "poa"
	case Clique:
		return "clique"
	default:
		return fmt.Sprintf("engine(%d)", int(t))
	}
}

// IsClique reports whether the variant is served by the Clique engine.
// ProofOfAuthority has no separate implementation.
func (t EngineType) IsClique() bool {
	return t == Clique || t == ProofOfAuthority
}

// ParseEngineType parses "pos", "poa" or "clique".
func ParseEngineType(s string) (EngineType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pos", "proof-of-stake", "proofofstake":
		return ProofOfStake, nil
	case "poa", "proof-of-authority", "proofofauthority":
		return ProofOfAuthority, nil
	case "clique":
		return Clique, nil
	}
	return 0, fmt.Errorf("unknown consensus engine %q", s)
}

var (
	ether = uint256.NewInt(1_000_000_000_000_000_000)

	// DefaultInitialStake is the stake given to genesis PoS validators (32 ETH).
	DefaultInitialStake = new(uint256.Int).Mul(uint256.NewInt(32), ether)

	// DefaultSlashPenalty is the fixed stake deducted per slashing (1 ETH).
	DefaultSlashPenalty = new(uint256.Int).Set(ether)
)

// Config is the per-chain consensus configuration. It is created once at
// startup and treated as read-only afterwards.
type Config struct {
	Engine  EngineType
	ChainID uint64

	// 에폭 길이 (Clique: 투표 리셋 주기 / PoS: 에폭당 슬롯 수)
	EpochLength uint64

	// 블록 주기 (초)
	BlockPeriod uint64

	// 초기 서명자/검증자 목록
	Validators        []common.Address
	GenesisValidators []common.Address

	// PoS parameters
	ParticipationRate float64
	InitialStake      *uint256.Int
	SlashPenalty      *uint256.Int

	// Recovered signer cache size
	SignatureCacheSize int
}

// DefaultConfig returns a configuration for the given engine with mainnet-like
// timing: 30000-block Clique epochs with 15s blocks, or 32-slot PoS epochs
// with 12s slots.
func DefaultConfig(engine EngineType) *Config {
	cfg := &Config{
		Engine:             engine,
		ChainID:            1337,
		ParticipationRate:  0.95,
		InitialStake:       new(uint256.Int).Set(DefaultInitialStake),
		SlashPenalty:       new(uint256.Int).Set(DefaultSlashPenalty),
		SignatureCacheSize: 4096,
	}
	if engine.IsClique() {
		cfg.EpochLength = 30000
		cfg.BlockPeriod = 15
	} else {
		cfg.EpochLength = 32
		cfg.BlockPeriod = 12
	}
	return cfg
}

// InitialValidators returns Validators, or GenesisValidators when no explicit
// set is configured.
func (c *Config) InitialValidators() []common.Address {
	if len(c.Validators) > 0 {
		return c.Validators
	}
	return c.GenesisValidators
}

// Epoch returns the epoch that contains number (a block number for Clique,
// a slot for PoS).
func (c *Config) Epoch(number uint64) uint64 {
	if c.EpochLength == 0 {
		return 0
	}
	return number / c.EpochLength
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Engine {
	case ProofOfStake, ProofOfAuthority, Clique:
	default:
		return ErrUnknownEngine
	}
	if c.EpochLength == 0 {
		return ErrZeroEpochLength
	}
	if c.Engine == ProofOfStake && c.BlockPeriod == 0 {
		return ErrZeroBlockPeriod
	}
	if c.ParticipationRate < 0 || c.ParticipationRate > 1 {
		return ErrParticipationRange
	}
	seen := make(map[common.Address]struct{})
	for _, v := range c.InitialValidators() {
		if v == (common.Address{}) {
			return ErrZeroValidator
		}
		if _, ok := seen[v]; ok {
			return ErrDuplicateValidator
		}
		seen[v] = struct{}{}
	}
	return nil
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrUnknownEngine      = configError("unknown consensus engine")
	ErrZeroEpochLength    = configError("epoch length must be positive")
	ErrZeroBlockPeriod    = configError("block period must be positive for proof of stake")
	ErrParticipationRange = configError("participation rate must be within [0, 1]")
	ErrZeroValidator      = configError("validator address must not be zero")
	ErrDuplicateValidator = configError("duplicate validator address")
)
