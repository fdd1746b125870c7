package dbft

import (
	"context"
	"time"

	"github.com/r3e-network/neo-dbft/types"
)

// dBFT 엔진 설정 구조체
type Config struct {
	// 네트워크 식별자 (서명 도메인 분리)
	Network uint32

	// 현재 높이의 검증자 목록 (인덱스 순서)
	Validators []*types.Validator

	// 블록당 최대 트랜잭션 수
	MaxTransactionsPerBlock int

	// 뷰 0의 기본 타임아웃, 뷰마다 1.5배 증가
	BaseTimeout time.Duration

	// 프라이머리가 뷰 0에서 제안하기 전 대기 시간 (0이면 즉시 제안)
	BlockTime time.Duration

	// AssembleAndPersist 최대 대기 시간 (초과 시 치명적 오류)
	FinalizeTimeout time.Duration

	// 같은 피어에게 복구 메시지를 다시 보내기까지의 최소 간격
	RecoveryResponseInterval time.Duration

	// 입력 큐 크기
	ChannelSize int

	// 이벤트 채널 버퍼
	EventBuffer int

	// 블록 버전
	BlockVersion uint32
}

// DefaultConfig returns a config with default timings for the given validators.
func DefaultConfig(network uint32, validators []*types.Validator) *Config {
	return &Config{
		Network:                  network,
		Validators:               validators,
		MaxTransactionsPerBlock:  512,
		BaseTimeout:              15 * time.Second,
		BlockTime:                time.Second,
		FinalizeTimeout:          30 * time.Second,
		RecoveryResponseInterval: time.Second,
		ChannelSize:              1000,
		EventBuffer:              100,
	}
}

// Validate checks the validator set bounds. Failures are fatal at startup.
func (c *Config) Validate() error {
	n := len(c.Validators)
	if n < MinValidators || n > MaxValidators {
		return configError("validator count %d outside [%d, %d]", n, MinValidators, MaxValidators)
	}
	for i, v := range c.Validators {
		if v == nil || len(v.PublicKey) == 0 {
			return configError("validator %d has no public key", i)
		}
		if int(v.Index) != i {
			return configError("validator at position %d has index %d", i, v.Index)
		}
	}
	if c.MaxTransactionsPerBlock <= 0 {
		return configError("max transactions per block must be positive")
	}
	if c.BaseTimeout <= 0 {
		return configError("base timeout must be positive")
	}
	if c.BlockTime < 0 || c.BlockTime >= c.BaseTimeout {
		return configError("block time %s must be below base timeout %s", c.BlockTime, c.BaseTimeout)
	}
	if c.FinalizeTimeout <= 0 {
		return configError("finalize timeout must be positive")
	}
	return nil
}

// Settings returns the protocol bounds used to validate messages.
func (c *Config) Settings() Settings {
	return Settings{
		ValidatorCount:          len(c.Validators),
		MaxTransactionsPerBlock: c.MaxTransactionsPerBlock,
	}
}

// 구현은 다른 패키지에서 하지만 "이런 기능이 필요하다" 정의

// Network delivers encoded signed messages to peers.
type Network interface {
	// 모든 검증자에게 전송
	Broadcast(data []byte) error

	// 특정 검증자에게 전송
	SendTo(index uint8, data []byte) error
}

// Mempool is the transaction source of the consensus engine.
type Mempool interface {
	HasTransaction(hash types.Hash) bool
	RequestMissing(hashes []types.Hash)

	// SelectTransactions returns up to max hashes for a new proposal.
	SelectTransactions(max int) []types.Hash
}

// BlockStorage assembles and persists finalized blocks.
type BlockStorage interface {
	// AssembleAndPersist returns the next height to run consensus on.
	AssembleAndPersist(ctx context.Context, block *types.ProposedBlock, witnesses []types.Witness) (uint32, error)

	// LastBlockHash is the hash new proposals build on.
	LastBlockHash() types.Hash
}

// Signer signs with the local validator key.
type Signer interface {
	Sign(data []byte) (types.Signature, error)
	PublicKey() []byte
}

// StateStore persists the round context for crash recovery.
type StateStore interface {
	SaveContext(snapshot *ContextSnapshot) error
	// LoadContext returns nil, nil when nothing was saved.
	LoadContext() (*ContextSnapshot, error)
}
