package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/abci"
	"github.com/r3e-network/neo-dbft/consensus/dbft"
	"github.com/r3e-network/neo-dbft/types"
)

var (
	ErrPrevHashMismatch = errors.New("block does not build on the last block")
	ErrMissingBodies    = errors.New("transaction bodies unavailable")
)

// TxSource supplies transaction bodies for finalized blocks and learns
// which ones were committed.
type TxSource interface {
	GetTransactions(hashes []types.Hash) ([][]byte, error)
	Update(height uint32, committed []types.Hash) error
}

/*
================================================================================
                      블록 확정 흐름 (AssembleAndPersist)
================================================================================

  Engine            Ledger            TxSource         Executor         Store
    │ proposed+wits   │                  │                │               │
    │────────────────►│ GetTransactions  │                │               │
    │                 │─────────────────►│                │               │
    │                 │ NewBlock + Verify│                │               │
    │                 │ ExecuteBlock ────┼───────────────►│               │
    │                 │ SaveBlock ───────┼────────────────┼──────────────►│
    │                 │ Update(height) ─►│                │               │
    │  height+1       │                  │                │               │
    │◄────────────────│                  │                │               │

================================================================================
*/

// Ledger is the chain tip: it assembles finalized blocks, executes them and
// stores them. It implements dbft.BlockStorage.
type Ledger struct {
	mu sync.RWMutex

	store      Store
	executor   abci.Executor
	txs        TxSource
	validators *types.ValidatorSet
	verify     types.SignatureVerifier
	logger     *zap.SugaredLogger

	height      uint32
	lastHash    types.Hash
	lastAppHash []byte

	onCommit []func(block *types.Block)
}

var _ dbft.BlockStorage = (*Ledger)(nil)

// NewLedger restores the chain tip from store. executor may be nil, in
// which case blocks are stored without execution.
func NewLedger(store Store, executor abci.Executor, txs TxSource, validators *types.ValidatorSet, verify types.SignatureVerifier, logger *zap.SugaredLogger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Ledger{
		store:      store,
		executor:   executor,
		txs:        txs,
		validators: validators,
		verify:     verify,
		logger:     logger,
	}

	state, err := store.LoadState()
	if err != nil {
		return nil, fmt.Errorf("failed to load chain state: %w", err)
	}
	if state != nil {
		l.height = state.Height
		l.lastHash = state.LastBlockHash
		l.lastAppHash = state.LastAppHash
		logger.Infof("Restored chain at height %d (%s)", state.Height, state.LastBlockHash.Short())
	}
	return l, nil
}

// OnCommit registers fn to run after every stored block.
func (l *Ledger) OnCommit(fn func(block *types.Block)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCommit = append(l.onCommit, fn)
}

// AssembleAndPersist builds the final block from the accepted proposal and
// commit witnesses, executes and stores it, and returns the next height.
func (l *Ledger) AssembleAndPersist(ctx context.Context, proposed *types.ProposedBlock, witnesses []types.Witness) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	height := proposed.Header.Height
	if done, err := l.alreadyStoredLocked(height, proposed.Hash()); done || err != nil {
		return l.height + 1, err
	}
	if err := l.checkLinkLocked(&proposed.Header); err != nil {
		return 0, err
	}

	bodies, err := l.txs.GetTransactions(proposed.TxHashes)
	if err != nil {
		return 0, fmt.Errorf("%w for block %d: %v", ErrMissingBodies, height, err)
	}

	n := l.validators.Size()
	required := dbft.ByzantineThreshold(n)
	block, err := types.NewBlock(proposed, bodies, witnesses, n, required)
	if err != nil {
		return 0, fmt.Errorf("failed to assemble block %d: %w", height, err)
	}

	if err := l.commitLocked(ctx, block); err != nil {
		return 0, err
	}
	return l.height + 1, nil
}

// ApplyBlock verifies and stores a block fetched from a peer.
func (l *Ledger) ApplyBlock(ctx context.Context, block *types.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if done, err := l.alreadyStoredLocked(block.Height(), block.Hash); done || err != nil {
		return err
	}
	if err := l.checkLinkLocked(&block.Header); err != nil {
		return err
	}
	if len(block.Transactions) != len(block.TxHashes) {
		return fmt.Errorf("%w: %d bodies for %d hashes", types.ErrTxCountMismatch, len(block.Transactions), len(block.TxHashes))
	}
	for i, tx := range block.Transactions {
		if types.HashData(tx) != block.TxHashes[i] {
			return fmt.Errorf("%w: body %d does not match its hash", types.ErrInvalidWitness, i)
		}
	}
	return l.commitLocked(ctx, block)
}

func (l *Ledger) alreadyStoredLocked(height uint32, hash types.Hash) (bool, error) {
	if height > l.height {
		return false, nil
	}
	stored, err := l.store.LoadBlock(height)
	if err != nil {
		return false, fmt.Errorf("failed to load block %d: %w", height, err)
	}
	if stored == nil || stored.Hash != hash {
		return false, fmt.Errorf("%w: block %d already stored with another hash", ErrHeightMismatch, height)
	}
	return true, nil
}

func (l *Ledger) checkLinkLocked(header *types.Header) error {
	if l.height != 0 && header.Height != l.height+1 {
		return fmt.Errorf("%w: chain at %d, block %d", ErrHeightMismatch, l.height, header.Height)
	}
	if header.PrevHash != l.lastHash {
		return fmt.Errorf("%w: expected %s, got %s", ErrPrevHashMismatch, l.lastHash.Short(), header.PrevHash.Short())
	}
	return nil
}

func (l *Ledger) commitLocked(ctx context.Context, block *types.Block) error {
	required := dbft.ByzantineThreshold(l.validators.Size())
	if err := block.Verify(l.validators, required, l.verify); err != nil {
		return fmt.Errorf("failed to verify block %d: %w", block.Height(), err)
	}

	appHash := l.lastAppHash
	if l.executor != nil {
		var proposer []byte
		if v := l.validators.GetByIndex(block.Header.PrimaryIndex); v != nil {
			proposer = []byte(v.Address)
		}
		result, err := l.executor.ExecuteBlock(ctx, block, proposer)
		if err != nil {
			return fmt.Errorf("failed to execute block %d: %w", block.Height(), err)
		}
		appHash = result.AppHash
		if failed := result.Failed(); failed > 0 {
			l.logger.Warnf("Block %d: %d of %d transactions failed", block.Height(), failed, len(result.TxResults))
		}
	}

	if err := l.store.SaveBlock(block, appHash); err != nil {
		return fmt.Errorf("failed to save block %d: %w", block.Height(), err)
	}
	l.height = block.Height()
	l.lastHash = block.Hash
	l.lastAppHash = appHash

	if l.txs != nil {
		if err := l.txs.Update(block.Height(), block.TxHashes); err != nil {
			l.logger.Warnf("Failed to update mempool after block %d: %v", block.Height(), err)
		}
	}
	for _, fn := range l.onCommit {
		fn(block)
	}

	l.logger.Infof("Persisted block %d (%s) with %d txs, app hash %X",
		block.Height(), block.Hash.Short(), len(block.Transactions), appHash)
	return nil
}

// LastBlockHash is the hash the next proposal builds on.
func (l *Ledger) LastBlockHash() types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// Height returns the last stored height (0 before the first block).
func (l *Ledger) Height() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}

// NextHeight is the height consensus should run on.
func (l *Ledger) NextHeight() uint32 {
	return l.Height() + 1
}

// LastAppHash returns the application hash after the last block.
func (l *Ledger) LastAppHash() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastAppHash
}

// Store returns the underlying block store.
func (l *Ledger) Store() Store {
	return l.store
}
