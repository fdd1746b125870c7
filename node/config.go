// Package node assembles a dBFT validator: storage, execution, mempool,
// transport, metrics and the consensus engine.
package node

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/r3e-network/neo-dbft/consensus/dbft"
	"github.com/r3e-network/neo-dbft/crypto"
	"github.com/r3e-network/neo-dbft/types"
)

// Config holds configuration for a dBFT node.
type Config struct {
	// 체인 식별
	ChainID string `mapstructure:"chain_id"`
	Network uint32 `mapstructure:"network"`

	// 로컬 검증자 인덱스와 개인키 (hex). 키가 없으면 옵저버 노드
	Index          int    `mapstructure:"index"`
	PrivateKey     string `mapstructure:"private_key"`
	PrivateKeyFile string `mapstructure:"private_key_file"`

	// 검증자 공개키 목록 (hex, 인덱스 순서)
	Validators []string `mapstructure:"validators"`

	// 네트워크 주소
	ListenAddr string   `mapstructure:"listen_addr"`
	Peers      []string `mapstructure:"peers"` // "index@host:port"

	// ABCI 앱 주소. 비어있으면 내장 KV 앱 사용
	ABCIAddr string `mapstructure:"abci_addr"`

	// 데이터 디렉토리. 비어있으면 메모리 저장소 (재시작 시 유실)
	DataDir string `mapstructure:"data_dir"`
	// 합의 스냅샷 파일. 비어있고 DataDir이 있으면 bolt meta 버킷에 저장
	SnapshotFile string `mapstructure:"snapshot_file"`

	// 타이밍
	BlockTime                time.Duration `mapstructure:"block_time"`
	BaseTimeout              time.Duration `mapstructure:"base_timeout"`
	FinalizeTimeout          time.Duration `mapstructure:"finalize_timeout"`
	RecoveryResponseInterval time.Duration `mapstructure:"recovery_response_interval"`
	MaxTransactionsPerBlock  int           `mapstructure:"max_transactions_per_block"`

	// Mempool
	MempoolSize int           `mapstructure:"mempool_size"`
	MempoolTTL  time.Duration `mapstructure:"mempool_ttl"`

	// 시작 시 블록 동기화
	SyncOnStart bool `mapstructure:"sync_on_start"`

	// Prometheus metrics
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		ChainID:                  "dbft-chain",
		Network:                  0x4e454f,
		Index:                    0,
		ListenAddr:               "0.0.0.0:26656",
		Peers:                    []string{},
		Validators:               []string{},
		BlockTime:                time.Second,
		BaseTimeout:              15 * time.Second,
		FinalizeTimeout:          30 * time.Second,
		RecoveryResponseInterval: time.Second,
		MaxTransactionsPerBlock:  512,
		MempoolSize:              5000,
		MempoolTTL:               10 * time.Minute,
		SyncOnStart:              true,
		MetricsEnabled:           true,
		MetricsAddr:              "0.0.0.0:26660",
		LogLevel:                 "info",
	}
}

// EnvPrefix is the prefix of environment overrides (DBFT_LISTEN_ADDR, ...).
const EnvPrefix = "DBFT"

// LoadConfig reads path (YAML, TOML or JSON) on top of the defaults and
// applies DBFT_* environment overrides. An empty path uses the defaults and
// the environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("chain_id", def.ChainID)
	v.SetDefault("network", def.Network)
	v.SetDefault("index", def.Index)
	v.SetDefault("private_key", "")
	v.SetDefault("private_key_file", "")
	v.SetDefault("validators", def.Validators)
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("peers", def.Peers)
	v.SetDefault("abci_addr", "")
	v.SetDefault("data_dir", "")
	v.SetDefault("snapshot_file", "")
	v.SetDefault("block_time", def.BlockTime)
	v.SetDefault("base_timeout", def.BaseTimeout)
	v.SetDefault("finalize_timeout", def.FinalizeTimeout)
	v.SetDefault("recovery_response_interval", def.RecoveryResponseInterval)
	v.SetDefault("max_transactions_per_block", def.MaxTransactionsPerBlock)
	v.SetDefault("mempool_size", def.MempoolSize)
	v.SetDefault("mempool_ttl", def.MempoolTTL)
	v.SetDefault("sync_on_start", def.SyncOnStart)
	v.SetDefault("metrics_enabled", def.MetricsEnabled)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("log_level", def.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ChainID == "" {
		return ErrEmptyChainID
	}
	if c.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	n := len(c.Validators)
	if n < dbft.MinValidators {
		return ErrInsufficientValidators
	}
	if n > dbft.MaxValidators {
		return ErrTooManyValidators
	}
	if c.IsValidator() && (c.Index < 0 || c.Index >= n) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, c.Index, n)
	}
	if _, err := c.ParsePeers(); err != nil {
		return err
	}
	if _, err := c.ValidatorSet(); err != nil {
		return err
	}
	if c.MetricsEnabled && c.MetricsAddr == "" {
		return ErrEmptyMetricsAddr
	}
	return nil
}

// IsValidator reports whether a signing key is configured.
func (c *Config) IsValidator() bool {
	return c.PrivateKey != "" || c.PrivateKeyFile != ""
}

// ValidatorSet decodes the configured public keys.
func (c *Config) ValidatorSet() (*types.ValidatorSet, error) {
	keys := make([][]byte, len(c.Validators))
	for i, s := range c.Validators {
		pub, err := hex.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: validator %d: %v", ErrInvalidValidatorKey, i, err)
		}
		if _, err := crypto.PublicKeyFromBytes(pub); err != nil {
			return nil, fmt.Errorf("%w: validator %d: %v", ErrInvalidValidatorKey, i, err)
		}
		keys[i] = pub
	}
	return types.NewValidatorSet(keys), nil
}

// LoadSigner returns the local signer, or nil for an observer.
func (c *Config) LoadSigner() (*crypto.DefaultSigner, error) {
	var (
		kp  *crypto.KeyPair
		err error
	)
	switch {
	case c.PrivateKey != "":
		kp, err = crypto.KeyPairFromHex(c.PrivateKey)
	case c.PrivateKeyFile != "":
		kp, err = crypto.LoadKeyPair(c.PrivateKeyFile)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return crypto.NewDefaultSignerFromKeyPair(kp), nil
}

// ParsePeers parses "index@host:port" entries.
func (c *Config) ParsePeers() (map[uint8]string, error) {
	peers := make(map[uint8]string, len(c.Peers))
	for _, entry := range c.Peers {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("%w: %q (expected index@host:port)", ErrInvalidPeer, entry)
		}
		idx, err := strconv.ParseUint(parts[0], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPeer, entry, err)
		}
		peers[uint8(idx)] = parts[1]
	}
	return peers, nil
}

// ConsensusConfig builds the engine configuration.
func (c *Config) ConsensusConfig(validators *types.ValidatorSet) *dbft.Config {
	cfg := dbft.DefaultConfig(c.Network, validators.Validators)
	cfg.BlockTime = c.BlockTime
	cfg.BaseTimeout = c.BaseTimeout
	cfg.FinalizeTimeout = c.FinalizeTimeout
	cfg.RecoveryResponseInterval = c.RecoveryResponseInterval
	cfg.MaxTransactionsPerBlock = c.MaxTransactionsPerBlock
	return cfg
}

// NewLogger builds a production logger at the configured level, or a
// development logger for "debug".
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyChainID           = configError("chain ID is required")
	ErrEmptyListenAddr        = configError("listen address is required")
	ErrEmptyMetricsAddr       = configError("metrics address is required when metrics are enabled")
	ErrInsufficientValidators = configError("at least 4 validators are required for BFT")
	ErrTooManyValidators      = configError("at most 21 validators are supported")
	ErrIndexOutOfRange        = configError("validator index out of range")
	ErrInvalidValidatorKey    = configError("invalid validator public key")
	ErrInvalidPeer            = configError("invalid peer address")
)
