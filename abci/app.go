package abci

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	abci "github.com/cometbft/cometbft/abci/types"
	"github.com/cometbft/cometbft/crypto/merkle"

	"github.com/r3e-network/neo-dbft/types"
)

const (
	// KVStoreVersion is reported through Info.
	KVStoreVersion = "1.0.0"

	CodeTypeEncodingError uint32 = 1
	CodeTypeUnknownOp     uint32 = 2
	CodeTypeNotFound      uint32 = 3
)

// Operation represents a key-value operation carried by a transaction.
type Operation struct {
	Type  string `json:"type"` // "set" or "delete"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// KVStoreApp is a key-value state machine served over ABCI. A transaction is
// either a JSON Operation or raw bytes stored under the hex tx hash.
type KVStoreApp struct {
	abci.BaseApplication

	mu sync.RWMutex

	// FinalizeBlock이 쓰는 작업 상태
	state map[string][]byte

	// Commit 이후 상태 (Query 대상)
	committedState map[string][]byte

	height        int64
	pendingHeight int64
	appHash       []byte
}

var _ abci.Application = (*KVStoreApp)(nil)

// NewKVStoreApp creates an empty application.
func NewKVStoreApp() *KVStoreApp {
	app := &KVStoreApp{
		state:          make(map[string][]byte),
		committedState: make(map[string][]byte),
	}
	app.appHash = computeAppHash(app.state)
	return app
}

// Info returns application info.
func (app *KVStoreApp) Info(_ context.Context, _ *abci.RequestInfo) (*abci.ResponseInfo, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	return &abci.ResponseInfo{
		Data:             "kvstore",
		Version:          KVStoreVersion,
		AppVersion:       1,
		LastBlockHeight:  app.height,
		LastBlockAppHash: app.appHash,
	}, nil
}

// InitChain resets the state to genesis.
func (app *KVStoreApp) InitChain(_ context.Context, _ *abci.RequestInitChain) (*abci.ResponseInitChain, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.state = make(map[string][]byte)
	app.committedState = make(map[string][]byte)
	app.height = 0
	app.appHash = computeAppHash(app.state)

	return &abci.ResponseInitChain{AppHash: app.appHash}, nil
}

// CheckTx validates a transaction before it enters the mempool.
func (app *KVStoreApp) CheckTx(_ context.Context, req *abci.RequestCheckTx) (*abci.ResponseCheckTx, error) {
	if len(req.Tx) == 0 {
		return &abci.ResponseCheckTx{Code: CodeTypeEncodingError, Log: "transaction data is empty"}, nil
	}
	if op, ok := parseOperation(req.Tx); ok {
		if err := op.validate(); err != nil {
			return &abci.ResponseCheckTx{Code: CodeTypeUnknownOp, Log: err.Error()}, nil
		}
	}
	return &abci.ResponseCheckTx{Code: abci.CodeTypeOK, GasWanted: 1}, nil
}

// FinalizeBlock applies every transaction to the working state. A bad
// transaction gets a non-zero code; it never fails the block.
func (app *KVStoreApp) FinalizeBlock(_ context.Context, req *abci.RequestFinalizeBlock) (*abci.ResponseFinalizeBlock, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.height != 0 && req.Height != app.height+1 {
		return nil, fmt.Errorf("%w: app at %d, block %d", ErrHeightSkewed, app.height, req.Height)
	}

	results := make([]*abci.ExecTxResult, len(req.Txs))
	for i, tx := range req.Txs {
		results[i] = app.executeTx(tx)
	}

	app.pendingHeight = req.Height
	app.appHash = computeAppHash(app.state)

	return &abci.ResponseFinalizeBlock{
		TxResults: results,
		AppHash:   app.appHash,
		Events: []abci.Event{{
			Type: "block",
			Attributes: []abci.EventAttribute{
				{Key: "height", Value: fmt.Sprint(req.Height), Index: true},
				{Key: "hash", Value: hex.EncodeToString(req.Hash)},
			},
		}},
	}, nil
}

func (app *KVStoreApp) executeTx(tx []byte) *abci.ExecTxResult {
	op, ok := parseOperation(tx)
	if !ok {
		// JSON이 아니면 tx 해시를 키로 원본 저장
		h := types.HashData(tx)
		app.state[hex.EncodeToString(h[:])] = tx
		return &abci.ExecTxResult{Code: abci.CodeTypeOK, GasUsed: 1}
	}

	if err := op.validate(); err != nil {
		return &abci.ExecTxResult{Code: CodeTypeUnknownOp, Log: err.Error()}
	}
	switch op.Type {
	case "set":
		app.state[op.Key] = []byte(op.Value)
	case "delete":
		delete(app.state, op.Key)
	}
	return &abci.ExecTxResult{
		Code:    abci.CodeTypeOK,
		GasUsed: 1,
		Events: []abci.Event{{
			Type:       op.Type,
			Attributes: []abci.EventAttribute{{Key: "key", Value: op.Key, Index: true}},
		}},
	}
}

// Commit publishes the working state for queries.
func (app *KVStoreApp) Commit(_ context.Context, _ *abci.RequestCommit) (*abci.ResponseCommit, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.committedState = make(map[string][]byte, len(app.state))
	for k, v := range app.state {
		app.committedState[k] = v
	}
	app.height = app.pendingHeight

	return &abci.ResponseCommit{}, nil
}

// Query reads a key from the committed state. req.Data is the key.
func (app *KVStoreApp) Query(_ context.Context, req *abci.RequestQuery) (*abci.ResponseQuery, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	value, exists := app.committedState[string(req.Data)]
	if !exists {
		return &abci.ResponseQuery{
			Code:   CodeTypeNotFound,
			Log:    fmt.Sprintf("key not found: %s", req.Data),
			Key:    req.Data,
			Height: app.height,
		}, nil
	}
	return &abci.ResponseQuery{
		Code:   abci.CodeTypeOK,
		Key:    req.Data,
		Value:  value,
		Height: app.height,
	}, nil
}

// Height returns the last committed height.
func (app *KVStoreApp) Height() int64 {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.height
}

// AppHash returns the hash of the last finalized state.
func (app *KVStoreApp) AppHash() []byte {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.appHash
}

// Snapshot returns the committed state as JSON.
func (app *KVStoreApp) Snapshot() ([]byte, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	return json.Marshal(struct {
		Height int64             `json:"height"`
		State  map[string][]byte `json:"state"`
	}{app.height, app.committedState})
}

// RestoreSnapshot replaces the state with a Snapshot.
func (app *KVStoreApp) RestoreSnapshot(data []byte) error {
	var snap struct {
		Height int64             `json:"height"`
		State  map[string][]byte `json:"state"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.State == nil {
		snap.State = make(map[string][]byte)
	}

	app.mu.Lock()
	defer app.mu.Unlock()

	app.state = snap.State
	app.committedState = make(map[string][]byte, len(snap.State))
	for k, v := range snap.State {
		app.committedState[k] = v
	}
	app.height = snap.Height
	app.appHash = computeAppHash(app.state)
	return nil
}

func parseOperation(tx []byte) (Operation, bool) {
	var op Operation
	if err := json.Unmarshal(tx, &op); err != nil || op.Type == "" {
		return op, false
	}
	return op, true
}

func (op Operation) validate() error {
	switch op.Type {
	case "set", "delete":
	default:
		return fmt.Errorf("unknown operation type: %s", op.Type)
	}
	if op.Key == "" {
		return fmt.Errorf("operation key is empty")
	}
	return nil
}

// computeAppHash is the merkle root over key-sorted entries.
func computeAppHash(state map[string][]byte) []byte {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([][]byte, len(keys))
	for i, k := range keys {
		leaf := make([]byte, 0, len(k)+1+len(state[k]))
		leaf = append(leaf, k...)
		leaf = append(leaf, 0)
		leaf = append(leaf, state[k]...)
		leaves[i] = leaf
	}
	return merkle.HashFromByteSlices(leaves)
}
