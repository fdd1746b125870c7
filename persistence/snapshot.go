package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/r3e-network/neo-dbft/consensus/dbft"
)

// SnapshotFile stores the consensus round in a single JSON file. Writes go
// to <path>.tmp and are renamed over the target.
type SnapshotFile struct {
	mu   sync.Mutex
	path string
}

var _ dbft.StateStore = (*SnapshotFile)(nil)

// NewSnapshotFile creates the parent directory of path.
func NewSnapshotFile(path string) (*SnapshotFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &SnapshotFile{path: path}, nil
}

// SaveContext writes snapshot atomically.
func (f *SnapshotFile) SaveContext(snapshot *dbft.ContextSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal consensus snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}
	return nil
}

// LoadContext reads the snapshot, or returns nil when none was saved.
func (f *SnapshotFile) LoadContext() (*dbft.ContextSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snapshot dbft.ContextSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}
