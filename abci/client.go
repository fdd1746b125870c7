package abci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/r3e-network/neo-dbft/types"
)

var (
	ErrTxRejected   = errors.New("transaction rejected by application")
	ErrHeightSkewed = errors.New("application height does not match block")
)

// ClientConfig - 원격 ABCI 앱 연결 설정
type ClientConfig struct {
	Address string
	Timeout time.Duration
}

// DefaultClientConfig - 기본 설정
func DefaultClientConfig(address string) *ClientConfig {
	return &ClientConfig{
		Address: address,
		Timeout: 10 * time.Second,
	}
}

// RemoteExecutor - gRPC ABCI 클라이언트 (dBFT 노드 → 외부 앱)
type RemoteExecutor struct {
	mu     sync.RWMutex
	conn   *grpc.ClientConn
	client abci.ABCIClient
	logger *zap.SugaredLogger

	// 앱 정보 캐시
	lastHeight  int64
	lastAppHash []byte

	timeout time.Duration
}

// NewRemoteExecutor connects to an ABCI application over gRPC.
func NewRemoteExecutor(config *ClientConfig, logger *zap.SugaredLogger) (*RemoteExecutor, error) {
	conn, err := grpc.NewClient(
		config.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ABCI app at %s: %w", config.Address, err)
	}

	e := NewRemoteExecutorFromClient(abci.NewABCIClient(conn), config, logger)
	e.conn = conn
	return e, nil
}

// NewRemoteExecutorFromClient wraps an existing ABCI gRPC client.
func NewRemoteExecutorFromClient(client abci.ABCIClient, config *ClientConfig, logger *zap.SugaredLogger) *RemoteExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RemoteExecutor{
		client:  client,
		logger:  logger.With("abci_addr", config.Address),
		timeout: config.Timeout,
	}
}

// Close - 연결 종료
func (e *RemoteExecutor) Close() error {
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// Info - 앱 정보 조회, 캐시된 높이와 앱 해시를 갱신
func (e *RemoteExecutor) Info(ctx context.Context) (*abci.ResponseInfo, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	resp, err := e.client.Info(ctx, &abci.RequestInfo{})
	if err != nil {
		return nil, fmt.Errorf("failed to query app info: %w", err)
	}

	e.mu.Lock()
	e.lastHeight = resp.LastBlockHeight
	e.lastAppHash = resp.LastBlockAppHash
	e.mu.Unlock()
	return resp, nil
}

// CheckTx - 트랜잭션 검증 (멤풀 진입 전)
func (e *RemoteExecutor) CheckTx(ctx context.Context, tx []byte) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	resp, err := e.client.CheckTx(ctx, &abci.RequestCheckTx{
		Tx:   tx,
		Type: abci.CheckTxType_New,
	})
	if err != nil {
		return fmt.Errorf("failed to check tx: %w", err)
	}
	if resp.Code != abci.CodeTypeOK {
		return fmt.Errorf("%w: code %d: %s", ErrTxRejected, resp.Code, resp.Log)
	}
	return nil
}

// ExecuteBlock - FinalizeBlock 후 Commit
// ABCI 2.0: BeginBlock + DeliverTx + EndBlock 이 FinalizeBlock 하나로 통합
func (e *RemoteExecutor) ExecuteBlock(ctx context.Context, block *types.Block, proposer []byte) (*ExecutionResult, error) {
	e.mu.RLock()
	last := e.lastHeight
	e.mu.RUnlock()
	if last != 0 && int64(block.Height()) != last+1 {
		return nil, fmt.Errorf("%w: app at %d, block %d", ErrHeightSkewed, last, block.Height())
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	resp, err := e.client.FinalizeBlock(ctx, NewFinalizeBlockRequest(block, proposer))
	if err != nil {
		return nil, fmt.Errorf("failed to finalize block %d: %w", block.Height(), err)
	}
	result := FinalizeBlockResponseToResult(block.Height(), resp)

	commit, err := e.client.Commit(ctx, &abci.RequestCommit{})
	if err != nil {
		return nil, fmt.Errorf("failed to commit block %d: %w", block.Height(), err)
	}
	result.RetainHeight = commit.RetainHeight

	e.mu.Lock()
	e.lastHeight = int64(block.Height())
	e.lastAppHash = result.AppHash
	e.mu.Unlock()

	e.logger.Debugf("Executed block %d: %d txs, %d failed, app hash %X",
		block.Height(), len(result.TxResults), result.Failed(), result.AppHash)
	return result, nil
}

// Query - 상태 쿼리
func (e *RemoteExecutor) Query(ctx context.Context, path string, data []byte) (*abci.ResponseQuery, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.client.Query(ctx, &abci.RequestQuery{Path: path, Data: data})
}

// GetLastHeight - 마지막 커밋 높이
func (e *RemoteExecutor) GetLastHeight() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastHeight
}

// GetLastAppHash - 마지막 앱 해시
func (e *RemoteExecutor) GetLastAppHash() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastAppHash
}

func (e *RemoteExecutor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
