// Package persistence provides block and state storage for the dBFT node.
// 확정 블록과 체인 상태, 합의 스냅샷을 영구 저장하고 복구하는 기능을 제공
package persistence

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/r3e-network/neo-dbft/consensus/dbft"
	"github.com/r3e-network/neo-dbft/types"
)

var (
	ErrNilBlock       = errors.New("block is nil")
	ErrHeightMismatch = errors.New("block height does not follow the chain")
	ErrStoreClosed    = errors.New("store is closed")
)

// Store는 확정 블록과 체인 상태를 저장하는 인터페이스
type Store interface {
	// SaveBlock stores block and advances the chain state atomically.
	SaveBlock(block *types.Block, appHash []byte) error

	// LoadBlock returns nil, nil when the height is unknown.
	LoadBlock(height uint32) (*types.Block, error)
	LoadBlocks(fromHeight, toHeight uint32) ([]*types.Block, error)
	LoadBlockByHash(hash types.Hash) (*types.Block, error)

	// LoadState returns nil, nil for an empty store.
	LoadState() (*ChainState, error)

	Close() error
}

// ChainState는 마지막 확정 블록의 요약
type ChainState struct {
	Height        uint32     `json:"height"`
	LastBlockHash types.Hash `json:"last_block_hash"`
	LastAppHash   []byte     `json:"last_app_hash"`
}

// ================================================================================
//                          Bolt 기반 Store 구현
// ================================================================================

var (
	blocksBucket = []byte("blocks") // height -> block JSON
	hashesBucket = []byte("hashes") // block hash -> height
	metaBucket   = []byte("meta")

	chainStateKey = []byte("chain")
	consensusKey  = []byte("consensus")
)

// BoltStore는 bolt 파일 하나에 블록과 상태를 저장. dbft.StateStore도 구현
type BoltStore struct {
	mu sync.RWMutex
	db *bolt.DB
}

var (
	_ Store           = (*BoltStore)(nil)
	_ dbft.StateStore = (*BoltStore)(nil)
)

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}

	err = db.Update(func(btx *bolt.Tx) error {
		for _, name := range [][]byte{blocksBucket, hashesBucket, metaBucket} {
			if _, err := btx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func heightKey(height uint32) []byte {
	// big-endian 이어야 커서 순서가 높이 순서가 된다
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, height)
	return key
}

// SaveBlock writes the block, its hash index and the chain state in one
// bolt transaction.
func (s *BoltStore) SaveBlock(block *types.Block, appHash []byte) error {
	if block == nil {
		return ErrNilBlock
	}

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	state, err := json.Marshal(&ChainState{
		Height:        block.Height(),
		LastBlockHash: block.Hash,
		LastAppHash:   appHash,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal chain state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStoreClosed
	}

	return s.db.Update(func(btx *bolt.Tx) error {
		meta := btx.Bucket(metaBucket)
		if raw := meta.Get(chainStateKey); raw != nil {
			var current ChainState
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("failed to unmarshal chain state: %w", err)
			}
			if block.Height() != current.Height+1 {
				return fmt.Errorf("%w: have %d, got %d", ErrHeightMismatch, current.Height, block.Height())
			}
		}

		if err := btx.Bucket(blocksBucket).Put(heightKey(block.Height()), data); err != nil {
			return fmt.Errorf("failed to write block: %w", err)
		}
		if err := btx.Bucket(hashesBucket).Put(block.Hash[:], heightKey(block.Height())); err != nil {
			return fmt.Errorf("failed to index block hash: %w", err)
		}
		return meta.Put(chainStateKey, state)
	})
}

// LoadBlock loads the block at height.
func (s *BoltStore) LoadBlock(height uint32) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	var block *types.Block
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		block, err = decodeBlock(btx.Bucket(blocksBucket).Get(heightKey(height)))
		return err
	})
	return block, err
}

// LoadBlocks loads the stored blocks in [fromHeight, toHeight].
func (s *BoltStore) LoadBlocks(fromHeight, toHeight uint32) ([]*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	var blocks []*types.Block
	err := s.db.View(func(btx *bolt.Tx) error {
		c := btx.Bucket(blocksBucket).Cursor()
		end := heightKey(toHeight)
		for k, v := c.Seek(heightKey(fromHeight)); k != nil && string(k) <= string(end); k, v = c.Next() {
			block, err := decodeBlock(v)
			if err != nil {
				return err
			}
			blocks = append(blocks, block)
		}
		return nil
	})
	return blocks, err
}

// LoadBlockByHash loads a block through the hash index.
func (s *BoltStore) LoadBlockByHash(hash types.Hash) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	var block *types.Block
	err := s.db.View(func(btx *bolt.Tx) error {
		key := btx.Bucket(hashesBucket).Get(hash[:])
		if key == nil {
			return nil
		}
		var err error
		block, err = decodeBlock(btx.Bucket(blocksBucket).Get(key))
		return err
	})
	return block, err
}

// LoadState returns the chain state.
func (s *BoltStore) LoadState() (*ChainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	var state *ChainState
	err := s.db.View(func(btx *bolt.Tx) error {
		raw := btx.Bucket(metaBucket).Get(chainStateKey)
		if raw == nil {
			return nil
		}
		state = &ChainState{}
		if err := json.Unmarshal(raw, state); err != nil {
			return fmt.Errorf("failed to unmarshal chain state: %w", err)
		}
		return nil
	})
	return state, err
}

// SaveContext persists the consensus round for crash recovery.
func (s *BoltStore) SaveContext(snapshot *dbft.ContextSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal consensus snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(metaBucket).Put(consensusKey, data)
	})
}

// LoadContext returns the last saved consensus round, or nil.
func (s *BoltStore) LoadContext() (*dbft.ContextSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	var snapshot *dbft.ContextSnapshot
	err := s.db.View(func(btx *bolt.Tx) error {
		raw := btx.Bucket(metaBucket).Get(consensusKey)
		if raw == nil {
			return nil
		}
		snapshot = &dbft.ContextSnapshot{}
		if err := json.Unmarshal(raw, snapshot); err != nil {
			return fmt.Errorf("failed to unmarshal consensus snapshot: %w", err)
		}
		return nil
	})
	return snapshot, err
}

// Close closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func decodeBlock(raw []byte) (*types.Block, error) {
	if raw == nil {
		return nil, nil
	}
	var block types.Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	return &block, nil
}

// ================================================================================
//                          Memory-based Store 구현 (테스트용)
// ================================================================================

// MemoryStore는 메모리 기반 저장소
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[uint32]*types.Block
	hashes map[types.Hash]uint32
	state  *ChainState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new memory-based store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks: make(map[uint32]*types.Block),
		hashes: make(map[types.Hash]uint32),
	}
}

// SaveBlock saves a block to memory.
func (ms *MemoryStore) SaveBlock(block *types.Block, appHash []byte) error {
	if block == nil {
		return ErrNilBlock
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.state != nil && block.Height() != ms.state.Height+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrHeightMismatch, ms.state.Height, block.Height())
	}
	ms.blocks[block.Height()] = block
	ms.hashes[block.Hash] = block.Height()
	ms.state = &ChainState{Height: block.Height(), LastBlockHash: block.Hash, LastAppHash: appHash}
	return nil
}

// LoadBlock loads a block from memory.
func (ms *MemoryStore) LoadBlock(height uint32) (*types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.blocks[height], nil
}

// LoadBlocks loads blocks in a range.
func (ms *MemoryStore) LoadBlocks(fromHeight, toHeight uint32) ([]*types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var blocks []*types.Block
	for h := uint64(fromHeight); h <= uint64(toHeight); h++ {
		if block, ok := ms.blocks[uint32(h)]; ok {
			blocks = append(blocks, block)
		}
	}
	return blocks, nil
}

// LoadBlockByHash loads a block by hash.
func (ms *MemoryStore) LoadBlockByHash(hash types.Hash) (*types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	height, ok := ms.hashes[hash]
	if !ok {
		return nil, nil
	}
	return ms.blocks[height], nil
}

// LoadState returns the chain state.
func (ms *MemoryStore) LoadState() (*ChainState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.state == nil {
		return nil, nil
	}
	state := *ms.state
	return &state, nil
}

// Close is a no-op.
func (ms *MemoryStore) Close() error {
	return nil
}
