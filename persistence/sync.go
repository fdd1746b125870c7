package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/types"
)

// ErrSyncInProgress is returned when Sync is called concurrently.
var ErrSyncInProgress = errors.New("sync already in progress")

// ================================================================================
//                          Block Sync
// ================================================================================

// BlockProvider는 다른 노드로부터 확정 블록을 가져오는 인터페이스
type BlockProvider interface {
	// GetBlocks returns the blocks in [fromHeight, toHeight] a peer has.
	GetBlocks(ctx context.Context, fromHeight, toHeight uint32) ([]*types.Block, error)

	// LatestHeight returns the highest height known to the peers.
	LatestHeight(ctx context.Context) (uint32, error)
}

// BlockSyncer brings a restarted or late node up to the network height
// before it joins consensus. Every block is verified by the ledger.
type BlockSyncer struct {
	mu sync.RWMutex

	ledger    *Ledger
	provider  BlockProvider
	logger    *zap.SugaredLogger
	batchSize uint32

	syncing       bool
	targetHeight  uint32
	currentHeight uint32
}

// NewBlockSyncer creates a syncer applying blocks to ledger.
func NewBlockSyncer(ledger *Ledger, provider BlockProvider, logger *zap.SugaredLogger) *BlockSyncer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &BlockSyncer{
		ledger:    ledger,
		provider:  provider,
		logger:    logger,
		batchSize: 100,
	}
}

// Sync fetches and applies blocks up to the network height and returns the
// number applied.
func (s *BlockSyncer) Sync(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return 0, ErrSyncInProgress
	}
	s.syncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	// 1. 로컬 높이와 네트워크 최신 높이 확인
	local := s.ledger.Height()
	target, err := s.provider.LatestHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get target height: %w", err)
	}

	s.mu.Lock()
	s.currentHeight = local
	s.targetHeight = target
	s.mu.Unlock()

	if local >= target {
		s.logger.Debugf("Already at network height %d", local)
		return 0, nil
	}
	s.logger.Infof("Syncing blocks %d-%d", local+1, target)

	// 2. 배치 단위로 블록 요청 및 적용
	applied := 0
	for height := local + 1; height <= target; {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		end := height + s.batchSize - 1
		if end > target || end < height {
			end = target
		}

		blocks, err := s.provider.GetBlocks(ctx, height, end)
		if err != nil {
			return applied, fmt.Errorf("failed to get blocks %d-%d: %w", height, end, err)
		}

		progressed := false
		for _, block := range blocks {
			if block.Height() < height {
				continue
			}
			if err := s.ledger.ApplyBlock(ctx, block); err != nil {
				return applied, fmt.Errorf("failed to apply block %d: %w", block.Height(), err)
			}
			applied++
			progressed = true
		}
		if !progressed {
			return applied, fmt.Errorf("peers returned no blocks for %d-%d", height, end)
		}

		height = s.ledger.Height() + 1
		s.mu.Lock()
		s.currentHeight = height - 1
		s.mu.Unlock()
	}

	s.logger.Infof("Sync complete at height %d (%d blocks)", target, applied)
	return applied, nil
}

// IsSyncing returns whether sync is in progress.
func (s *BlockSyncer) IsSyncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncing
}

// GetProgress returns the sync progress.
func (s *BlockSyncer) GetProgress() (current, target uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentHeight, s.targetHeight
}
