package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/r3e-network/neo-dbft/consensus/dbft"
	"github.com/r3e-network/neo-dbft/types"
)

func chainBlock(height uint32, prev types.Hash, txs ...string) *types.Block {
	hashes := make([]types.Hash, len(txs))
	bodies := make([][]byte, len(txs))
	for i, tx := range txs {
		bodies[i] = []byte(tx)
		hashes[i] = types.HashData(bodies[i])
	}
	header := types.Header{Height: height, PrevHash: prev, Timestamp: uint64(height) * 1000, TxRoot: types.TxRoot(hashes)}
	return &types.Block{
		Header:       header,
		Hash:         header.Hash(),
		TxHashes:     hashes,
		Transactions: bodies,
		Witnesses:    []types.Witness{{Index: 1, Signature: types.Signature{1}}},
	}
}

func testStore(t *testing.T, store Store) {
	b1 := chainBlock(1, types.Hash{}, "tx1")
	b2 := chainBlock(2, b1.Hash, "tx2", "tx3")

	t.Run("EmptyState", func(t *testing.T) {
		state, err := store.LoadState()
		if err != nil {
			t.Fatalf("Failed to load state: %v", err)
		}
		if state != nil {
			t.Errorf("Expected nil state, got %+v", state)
		}
	})

	t.Run("SaveAndLoadBlock", func(t *testing.T) {
		if err := store.SaveBlock(b1, []byte("app1")); err != nil {
			t.Fatalf("Failed to save block: %v", err)
		}
		if err := store.SaveBlock(b2, []byte("app2")); err != nil {
			t.Fatalf("Failed to save block: %v", err)
		}

		loaded, err := store.LoadBlock(2)
		if err != nil {
			t.Fatalf("Failed to load block: %v", err)
		}
		if loaded == nil {
			t.Fatal("Loaded block is nil")
		}
		if loaded.Hash != b2.Hash || len(loaded.Transactions) != 2 {
			t.Errorf("Loaded block differs: %+v", loaded.Header)
		}
		if loaded.Witnesses[0].Signature != b2.Witnesses[0].Signature {
			t.Error("Witness signature not preserved")
		}
	})

	t.Run("HeightGap", func(t *testing.T) {
		err := store.SaveBlock(chainBlock(5, b2.Hash), nil)
		if !errors.Is(err, ErrHeightMismatch) {
			t.Errorf("Expected ErrHeightMismatch, got %v", err)
		}
	})

	t.Run("LoadMissing", func(t *testing.T) {
		block, err := store.LoadBlock(99)
		if err != nil || block != nil {
			t.Errorf("Expected nil, nil for missing block, got %v, %v", block, err)
		}
	})

	t.Run("LoadBlocks", func(t *testing.T) {
		blocks, err := store.LoadBlocks(1, 10)
		if err != nil {
			t.Fatalf("Failed to load blocks: %v", err)
		}
		if len(blocks) != 2 || blocks[0].Height() != 1 || blocks[1].Height() != 2 {
			t.Errorf("Unexpected blocks: %d", len(blocks))
		}
	})

	t.Run("LoadBlockByHash", func(t *testing.T) {
		block, err := store.LoadBlockByHash(b1.Hash)
		if err != nil {
			t.Fatalf("Failed to load block by hash: %v", err)
		}
		if block == nil || block.Height() != 1 {
			t.Errorf("Expected block 1, got %+v", block)
		}
	})

	t.Run("State", func(t *testing.T) {
		state, err := store.LoadState()
		if err != nil {
			t.Fatalf("Failed to load state: %v", err)
		}
		if state.Height != 2 || state.LastBlockHash != b2.Hash || string(state.LastAppHash) != "app2" {
			t.Errorf("Unexpected state: %+v", state)
		}
	})
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")
	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("Failed to open bolt store: %v", err)
	}
	testStore(t, store)

	t.Run("ConsensusContext", func(t *testing.T) {
		snapshot, err := store.LoadContext()
		if err != nil || snapshot != nil {
			t.Fatalf("Expected no snapshot, got %v, %v", snapshot, err)
		}

		saved := &dbft.ContextSnapshot{
			Height:  3,
			View:    1,
			Commits: map[uint8]dbft.CommitRecord{2: {View: 1, Signature: types.Signature{7}}},
		}
		if err := store.SaveContext(saved); err != nil {
			t.Fatalf("Failed to save context: %v", err)
		}
		loaded, err := store.LoadContext()
		if err != nil {
			t.Fatalf("Failed to load context: %v", err)
		}
		if loaded.Height != 3 || loaded.View != 1 || loaded.Commits[2].Signature != saved.Commits[2].Signature {
			t.Errorf("Loaded snapshot differs: %+v", loaded)
		}
	})

	// 다시 열어도 상태가 유지된다
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}
	if _, err := store.LoadBlock(1); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}

	reopened, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen bolt store: %v", err)
	}
	defer reopened.Close()

	state, err := reopened.LoadState()
	if err != nil || state == nil || state.Height != 2 {
		t.Errorf("State not persisted: %+v, %v", state, err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	testStore(t, store)
}

func TestSnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consensus", "snapshot.json")
	f, err := NewSnapshotFile(path)
	if err != nil {
		t.Fatalf("Failed to create snapshot file: %v", err)
	}

	snapshot, err := f.LoadContext()
	if err != nil || snapshot != nil {
		t.Fatalf("Expected no snapshot, got %v, %v", snapshot, err)
	}

	saved := &dbft.ContextSnapshot{
		Height:   8,
		Proposal: &dbft.Proposal{Nonce: 42, TxHashes: []types.Hash{types.HashData([]byte("tx"))}},
		Votes:    map[uint8]dbft.VoteRecord{0: {Hash: types.HashData([]byte("block"))}},
	}
	if err := f.SaveContext(saved); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}

	loaded, err := f.LoadContext()
	if err != nil {
		t.Fatalf("Failed to load snapshot: %v", err)
	}
	if loaded.Height != 8 || loaded.Proposal == nil || loaded.Proposal.Nonce != 42 {
		t.Errorf("Loaded snapshot differs: %+v", loaded)
	}
	if loaded.Votes[0].Hash != saved.Votes[0].Hash {
		t.Error("Vote hash not preserved")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Temporary snapshot file left behind: %v", err)
	}
}
