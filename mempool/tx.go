// Package mempool holds pending transactions for the dBFT primary to propose
// and for backups to resolve proposal hashes against.
package mempool

import (
	"time"

	"github.com/r3e-network/neo-dbft/types"
)

// Tx represents a transaction in the mempool.
type Tx struct {
	// 트랜잭션 식별자 (SHA256 해시, 제안에 실리는 값)
	Hash types.Hash

	// 원본 트랜잭션 바이트
	Data []byte

	// 메타데이터
	Sender   string // 발신자 주소
	Nonce    uint64 // 발신자별 순차 번호
	GasPrice uint64 // 퇴출 우선순위

	// 멤풀 진입 시간과 높이
	Timestamp time.Time
	Height    uint32

	// 도착 순서 (FIFO 정렬 키)
	seq uint64
}

// NewTx creates a new transaction from raw bytes.
func NewTx(data []byte) *Tx {
	return &Tx{
		Hash:      types.HashData(data),
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewTxWithMeta creates a new transaction with sender metadata.
func NewTxWithMeta(data []byte, sender string, nonce, gasPrice uint64) *Tx {
	tx := NewTx(data)
	tx.Sender = sender
	tx.Nonce = nonce
	tx.GasPrice = gasPrice
	return tx
}

// Size returns the size of the transaction in bytes.
func (tx *Tx) Size() int {
	return len(tx.Data)
}

// Priority returns the eviction priority. Higher gas price = kept longer.
func (tx *Tx) Priority() uint64 {
	return tx.GasPrice
}
