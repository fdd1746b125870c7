package abci

import (
	"context"
	"fmt"
	"sync"

	abci "github.com/cometbft/cometbft/abci/types"
	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/types"
)

// LocalExecutor는 같은 프로세스의 Application과 직접 연결하는 실행기
// 단일 바이너리 실행과 테스트에 사용
type LocalExecutor struct {
	mu     sync.Mutex
	app    abci.Application
	logger *zap.SugaredLogger
}

// NewLocalExecutor wraps an in-process ABCI application.
func NewLocalExecutor(app abci.Application, logger *zap.SugaredLogger) *LocalExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LocalExecutor{app: app, logger: logger}
}

// Close closes the executor.
func (e *LocalExecutor) Close() error {
	return nil
}

// Info returns the application info.
func (e *LocalExecutor) Info(ctx context.Context) (*abci.ResponseInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.app.Info(ctx, &abci.RequestInfo{})
}

// CheckTx validates tx with the application.
func (e *LocalExecutor) CheckTx(ctx context.Context, tx []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, err := e.app.CheckTx(ctx, &abci.RequestCheckTx{Tx: tx, Type: abci.CheckTxType_New})
	if err != nil {
		return fmt.Errorf("failed to check tx: %w", err)
	}
	if resp.Code != abci.CodeTypeOK {
		return fmt.Errorf("%w: code %d: %s", ErrTxRejected, resp.Code, resp.Log)
	}
	return nil
}

// ExecuteBlock runs FinalizeBlock and Commit on the application.
// FinalizeBlock과 Commit 사이에 다른 호출이 끼어들지 않도록 잠근다
func (e *LocalExecutor) ExecuteBlock(ctx context.Context, block *types.Block, proposer []byte) (*ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, err := e.app.FinalizeBlock(ctx, NewFinalizeBlockRequest(block, proposer))
	if err != nil {
		return nil, fmt.Errorf("failed to finalize block %d: %w", block.Height(), err)
	}
	result := FinalizeBlockResponseToResult(block.Height(), resp)

	commit, err := e.app.Commit(ctx, &abci.RequestCommit{})
	if err != nil {
		return nil, fmt.Errorf("failed to commit block %d: %w", block.Height(), err)
	}
	result.RetainHeight = commit.RetainHeight

	e.logger.Debugf("Executed block %d locally: %d txs, app hash %X", block.Height(), len(result.TxResults), result.AppHash)
	return result, nil
}
