// Package node wires the consensus core, storage, attestation pool and
// network services into a running daemon.
package node

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ahwlsqja/eth-consensus/attpool"
	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/consensus/engine"
	"github.com/ahwlsqja/eth-consensus/consensus/forkchoice"
)

// EnvPrefix prefixes environment overrides, e.g. CONSENSUSD_ENGINE.
const EnvPrefix = "CONSENSUSD"

// Config holds configuration for a consensus node.
type Config struct {
	// 체인
	ChainID     uint64   `mapstructure:"chain_id"`
	Engine      string   `mapstructure:"engine"`       // "clique", "poa", "pos"
	ForkChoice  string   `mapstructure:"fork_choice"`  // 비어 있으면 엔진 기본값
	EpochLength uint64   `mapstructure:"epoch_length"` // 0이면 엔진 기본값
	BlockPeriod uint64   `mapstructure:"block_period"` // 초, 0이면 엔진 기본값
	Validators  []string `mapstructure:"validators"`   // hex 주소
	GenesisTime uint64   `mapstructure:"genesis_time"`
	GasLimit    uint64   `mapstructure:"gas_limit"`

	// 로컬 키와 블록 생산
	KeyFile string `mapstructure:"key_file"`
	Produce bool   `mapstructure:"produce"`

	// 네트워크
	ListenAddr string `mapstructure:"listen_addr"`
	SyncPeer   string `mapstructure:"sync_peer"`

	// 증명 풀
	PoolSize int           `mapstructure:"pool_size"`
	PoolTTL  time.Duration `mapstructure:"pool_ttl"`

	// Prometheus metrics
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`

	// Data directory
	DataDir string `mapstructure:"data_dir"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	pool := attpool.DefaultConfig()
	return &Config{
		ChainID:        1337,
		Engine:         "clique",
		GasLimit:       30_000_000,
		ListenAddr:     "0.0.0.0:30405",
		PoolSize:       pool.MaxAttestations,
		PoolTTL:        pool.TTL,
		MetricsEnabled: true,
		MetricsAddr:    "0.0.0.0:26660",
		LogLevel:       "info",
		DataDir:        "./data",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return ErrEmptyChainID
	}
	if _, err := consensus.ParseEngineType(c.Engine); err != nil {
		return ErrUnknownEngine
	}
	if c.ForkChoice != "" {
		if _, err := forkchoice.ParseRule(c.ForkChoice); err != nil {
			return ErrUnknownForkChoice
		}
	}
	if len(c.Validators) == 0 {
		return ErrNoValidators
	}
	for _, v := range c.Validators {
		if !common.IsHexAddress(v) {
			return ErrInvalidValidator
		}
	}
	if c.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	if c.MetricsEnabled && c.MetricsAddr == "" {
		return ErrEmptyMetricsAddr
	}
	if c.Produce && c.KeyFile == "" {
		return ErrProduceWithoutKey
	}
	if c.DataDir == "" {
		return ErrEmptyDataDir
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return ErrInvalidLogLevel
	}
	return nil
}

// ConsensusConfig derives the chain configuration.
func (c *Config) ConsensusConfig() (*consensus.Config, error) {
	engineType, err := consensus.ParseEngineType(c.Engine)
	if err != nil {
		return nil, err
	}
	cfg := consensus.DefaultConfig(engineType)
	cfg.ChainID = c.ChainID
	if c.EpochLength != 0 {
		cfg.EpochLength = c.EpochLength
	}
	if c.BlockPeriod != 0 {
		cfg.BlockPeriod = c.BlockPeriod
	}
	for _, v := range c.Validators {
		cfg.Validators = append(cfg.Validators, common.HexToAddress(v))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid consensus config")
	}
	return cfg, nil
}

// ForkChoiceRule returns the configured rule, or the engine default.
func (c *Config) ForkChoiceRule(engineType consensus.EngineType) (forkchoice.Rule, error) {
	if c.ForkChoice == "" {
		return engine.DefaultRule(engineType), nil
	}
	return forkchoice.ParseRule(c.ForkChoice)
}

// PoolConfig returns the attestation pool limits.
func (c *Config) PoolConfig() *attpool.Config {
	pool := attpool.DefaultConfig()
	if c.PoolSize > 0 {
		pool.MaxAttestations = c.PoolSize
	}
	if c.PoolTTL > 0 {
		pool.TTL = c.PoolTTL
	}
	return pool
}

// NewLogger builds a production zap logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", c.LogLevel)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// ================================================================================
//                          Loading (viper)
// ================================================================================

// NewViper returns a viper instance seeded with the defaults and bound to
// CONSENSUSD_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every field of cfg as a viper default.
func SetDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("chain_id", cfg.ChainID)
	v.SetDefault("engine", cfg.Engine)
	v.SetDefault("fork_choice", cfg.ForkChoice)
	v.SetDefault("epoch_length", cfg.EpochLength)
	v.SetDefault("block_period", cfg.BlockPeriod)
	v.SetDefault("validators", cfg.Validators)
	v.SetDefault("genesis_time", cfg.GenesisTime)
	v.SetDefault("gas_limit", cfg.GasLimit)
	v.SetDefault("key_file", cfg.KeyFile)
	v.SetDefault("produce", cfg.Produce)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("sync_peer", cfg.SyncPeer)
	v.SetDefault("pool_size", cfg.PoolSize)
	v.SetDefault("pool_ttl", cfg.PoolTTL)
	v.SetDefault("metrics_enabled", cfg.MetricsEnabled)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("data_dir", cfg.DataDir)
}

// LoadConfig reads path (if non-empty) into v and decodes the result.
// Environment variables override the file, and flags bound to v override
// both.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
	}
	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// WriteConfig writes cfg to path; the extension selects the format.
func WriteConfig(cfg *Config, path string) error {
	v := viper.New()
	SetDefaults(v, cfg)
	if err := v.WriteConfigAs(path); err != nil {
		return errors.Wrapf(err, "failed to write config %s", path)
	}
	return nil
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyChainID      = configError("chain ID is required")
	ErrUnknownEngine     = configError("engine must be clique, poa or pos")
	ErrUnknownForkChoice = configError("unknown fork choice rule")
	ErrNoValidators      = configError("at least one validator is required")
	ErrInvalidValidator  = configError("validator must be a hex address")
	ErrEmptyListenAddr   = configError("listen address is required")
	ErrEmptyMetricsAddr  = configError("metrics address is required when metrics are enabled")
	ErrProduceWithoutKey = configError("block production requires a key file")
	ErrEmptyDataDir      = configError("data directory is required")
	ErrInvalidLogLevel   = configError("invalid log level")
)
