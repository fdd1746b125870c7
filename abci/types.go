// Package abci executes finalized dBFT blocks through the ABCI 2.0
// interface of CometBFT v0.38.x.
package abci

import (
	"context"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/r3e-network/neo-dbft/types"
)

// Executor runs finalized blocks against the application state machine.
type Executor interface {
	// ExecuteBlock delivers the block (FinalizeBlock) and commits it.
	ExecuteBlock(ctx context.Context, block *types.Block, proposer []byte) (*ExecutionResult, error)

	// CheckTx validates a transaction before mempool admission.
	CheckTx(ctx context.Context, tx []byte) error

	// Info reports the last height and app hash the application committed.
	Info(ctx context.Context) (*abci.ResponseInfo, error)

	Close() error
}

// ExecutionResult - 블록 실행 결과
type ExecutionResult struct {
	Height           uint32
	TxResults        []TxResult
	ValidatorUpdates []abci.ValidatorUpdate
	AppHash          []byte
	RetainHeight     int64
	Events           []abci.Event
}

// Failed returns the number of transactions the application rejected.
func (r *ExecutionResult) Failed() int {
	n := 0
	for _, tx := range r.TxResults {
		if !tx.IsOK() {
			n++
		}
	}
	return n
}

// TxResult - 트랜잭션 실행 결과
type TxResult struct {
	Code      uint32
	Data      []byte
	Log       string
	GasWanted int64
	GasUsed   int64
	Events    []abci.Event
}

// IsOK reports whether the transaction was applied.
func (r TxResult) IsOK() bool {
	return r.Code == abci.CodeTypeOK
}

// NewFinalizeBlockRequest - 확정 블록을 FinalizeBlock 요청으로 변환
func NewFinalizeBlockRequest(block *types.Block, proposer []byte) *abci.RequestFinalizeBlock {
	return &abci.RequestFinalizeBlock{
		Txs:               block.Transactions,
		Hash:              block.Hash[:],
		Height:            int64(block.Header.Height),
		Time:              time.UnixMilli(int64(block.Header.Timestamp)).UTC(),
		ProposerAddress:   proposer,
		DecidedLastCommit: abci.CommitInfo{},
		Misbehavior:       []abci.Misbehavior{},
	}
}

// FinalizeBlockResponseToResult - ABCI ResponseFinalizeBlock → ExecutionResult 변환
func FinalizeBlockResponseToResult(height uint32, resp *abci.ResponseFinalizeBlock) *ExecutionResult {
	txResults := make([]TxResult, len(resp.TxResults))
	for i, r := range resp.TxResults {
		if r == nil {
			continue
		}
		txResults[i] = TxResult{
			Code:      r.Code,
			Data:      r.Data,
			Log:       r.Log,
			GasWanted: r.GasWanted,
			GasUsed:   r.GasUsed,
			Events:    r.Events,
		}
	}

	return &ExecutionResult{
		Height:           height,
		TxResults:        txResults,
		ValidatorUpdates: resp.ValidatorUpdates,
		AppHash:          resp.AppHash,
		Events:           resp.Events,
	}
}
