package abci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"google.golang.org/grpc"

	"github.com/r3e-network/neo-dbft/types"
)

func mustMarshalOp(op Operation) []byte {
	data, err := json.Marshal(op)
	if err != nil {
		panic(err)
	}
	return data
}

func testBlock(height uint32, txs ...[]byte) *types.Block {
	hashes := make([]types.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = types.HashData(tx)
	}
	header := types.Header{Height: height, Timestamp: 1700000000000, TxRoot: types.TxRoot(hashes)}
	return &types.Block{
		Header:       header,
		Hash:         header.Hash(),
		TxHashes:     hashes,
		Transactions: txs,
	}
}

func query(t *testing.T, app *KVStoreApp, key string) *abcitypes.ResponseQuery {
	t.Helper()
	resp, err := app.Query(context.Background(), &abcitypes.RequestQuery{Data: []byte(key)})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	return resp
}

func TestKVStoreApp_ExecuteBlock(t *testing.T) {
	app := NewKVStoreApp()
	exec := NewLocalExecutor(app, nil)
	ctx := context.Background()

	block := testBlock(1,
		mustMarshalOp(Operation{Type: "set", Key: "key1", Value: "value1"}),
		mustMarshalOp(Operation{Type: "set", Key: "key2", Value: "value2"}),
	)

	genesisHash := app.AppHash()
	result, err := exec.ExecuteBlock(ctx, block, []byte{0})
	if err != nil {
		t.Fatalf("ExecuteBlock failed: %v", err)
	}
	if len(result.AppHash) == 0 || bytes.Equal(result.AppHash, genesisHash) {
		t.Fatal("AppHash did not change")
	}
	if len(result.TxResults) != 2 || result.Failed() != 0 {
		t.Fatalf("Unexpected tx results: %+v", result.TxResults)
	}

	if resp := query(t, app, "key1"); string(resp.Value) != "value1" {
		t.Errorf("Expected value1, got %s", resp.Value)
	}
	if resp := query(t, app, "key2"); string(resp.Value) != "value2" {
		t.Errorf("Expected value2, got %s", resp.Value)
	}
	if app.Height() != 1 {
		t.Errorf("Expected height 1, got %d", app.Height())
	}

	info, err := exec.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.LastBlockHeight != 1 || !bytes.Equal(info.LastBlockAppHash, result.AppHash) {
		t.Errorf("Unexpected info: %+v", info)
	}
}

func TestKVStoreApp_DeleteOperation(t *testing.T) {
	app := NewKVStoreApp()
	exec := NewLocalExecutor(app, nil)
	ctx := context.Background()

	if _, err := exec.ExecuteBlock(ctx, testBlock(1, mustMarshalOp(Operation{Type: "set", Key: "mykey", Value: "myvalue"})), nil); err != nil {
		t.Fatalf("ExecuteBlock failed: %v", err)
	}
	if resp := query(t, app, "mykey"); string(resp.Value) != "myvalue" {
		t.Errorf("Expected myvalue, got %s", resp.Value)
	}

	if _, err := exec.ExecuteBlock(ctx, testBlock(2, mustMarshalOp(Operation{Type: "delete", Key: "mykey"})), nil); err != nil {
		t.Fatalf("ExecuteBlock failed: %v", err)
	}
	if resp := query(t, app, "mykey"); resp.Code != CodeTypeNotFound {
		t.Errorf("Expected not found for deleted key, got code %d", resp.Code)
	}
}

func TestKVStoreApp_BadTransactions(t *testing.T) {
	app := NewKVStoreApp()
	exec := NewLocalExecutor(app, nil)
	ctx := context.Background()

	raw := []byte("opaque bytes")
	block := testBlock(1, mustMarshalOp(Operation{Type: "transfer", Key: "k"}), raw)
	result, err := exec.ExecuteBlock(ctx, block, nil)
	if err != nil {
		t.Fatalf("ExecuteBlock failed: %v", err)
	}
	if result.Failed() != 1 || result.TxResults[0].Code != CodeTypeUnknownOp {
		t.Errorf("Expected the unknown op to fail alone: %+v", result.TxResults)
	}

	h := types.HashData(raw)
	if resp := query(t, app, h.String()); !bytes.Equal(resp.Value, raw) {
		t.Errorf("Raw tx not stored under its hash")
	}

	t.Run("HeightGap", func(t *testing.T) {
		if _, err := exec.ExecuteBlock(ctx, testBlock(5), nil); !errors.Is(err, ErrHeightSkewed) {
			t.Errorf("Expected ErrHeightSkewed, got %v", err)
		}
	})
}

func TestKVStoreApp_CheckTx(t *testing.T) {
	exec := NewLocalExecutor(NewKVStoreApp(), nil)
	ctx := context.Background()

	if err := exec.CheckTx(ctx, mustMarshalOp(Operation{Type: "set", Key: "a", Value: "b"})); err != nil {
		t.Errorf("Valid tx rejected: %v", err)
	}
	if err := exec.CheckTx(ctx, []byte("raw")); err != nil {
		t.Errorf("Raw tx rejected: %v", err)
	}
	if err := exec.CheckTx(ctx, nil); !errors.Is(err, ErrTxRejected) {
		t.Errorf("Expected ErrTxRejected for empty tx, got %v", err)
	}
	if err := exec.CheckTx(ctx, mustMarshalOp(Operation{Type: "set"})); !errors.Is(err, ErrTxRejected) {
		t.Errorf("Expected ErrTxRejected for empty key, got %v", err)
	}
}

func TestKVStoreApp_AppHashDeterministic(t *testing.T) {
	ctx := context.Background()
	txs := [][]byte{
		mustMarshalOp(Operation{Type: "set", Key: "b", Value: "2"}),
		mustMarshalOp(Operation{Type: "set", Key: "a", Value: "1"}),
	}

	first := NewLocalExecutor(NewKVStoreApp(), nil)
	second := NewLocalExecutor(NewKVStoreApp(), nil)
	r1, err := first.ExecuteBlock(ctx, testBlock(1, txs[0], txs[1]), nil)
	if err != nil {
		t.Fatalf("ExecuteBlock failed: %v", err)
	}
	r2, err := second.ExecuteBlock(ctx, testBlock(1, txs[1], txs[0]), nil)
	if err != nil {
		t.Fatalf("ExecuteBlock failed: %v", err)
	}
	if !bytes.Equal(r1.AppHash, r2.AppHash) {
		t.Error("Same state must give the same app hash")
	}
}

func TestKVStoreApp_Snapshot(t *testing.T) {
	app := NewKVStoreApp()
	exec := NewLocalExecutor(app, nil)
	if _, err := exec.ExecuteBlock(context.Background(), testBlock(1, mustMarshalOp(Operation{Type: "set", Key: "k", Value: "v"})), nil); err != nil {
		t.Fatalf("ExecuteBlock failed: %v", err)
	}

	data, err := app.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored := NewKVStoreApp()
	if err := restored.RestoreSnapshot(data); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}
	if restored.Height() != 1 || !bytes.Equal(restored.AppHash(), app.AppHash()) {
		t.Errorf("Restored app differs: height %d", restored.Height())
	}
	if resp := query(t, restored, "k"); string(resp.Value) != "v" {
		t.Errorf("Expected v, got %s", resp.Value)
	}
}

// fakeABCIClient answers FinalizeBlock and Commit from an in-process app.
// Other methods are not used and panic through the nil embedded client.
type fakeABCIClient struct {
	abcitypes.ABCIClient
	app     *KVStoreApp
	commits int
}

func (c *fakeABCIClient) Info(ctx context.Context, req *abcitypes.RequestInfo, _ ...grpc.CallOption) (*abcitypes.ResponseInfo, error) {
	return c.app.Info(ctx, req)
}

func (c *fakeABCIClient) CheckTx(ctx context.Context, req *abcitypes.RequestCheckTx, _ ...grpc.CallOption) (*abcitypes.ResponseCheckTx, error) {
	return c.app.CheckTx(ctx, req)
}

func (c *fakeABCIClient) FinalizeBlock(ctx context.Context, req *abcitypes.RequestFinalizeBlock, _ ...grpc.CallOption) (*abcitypes.ResponseFinalizeBlock, error) {
	return c.app.FinalizeBlock(ctx, req)
}

func (c *fakeABCIClient) Commit(ctx context.Context, req *abcitypes.RequestCommit, _ ...grpc.CallOption) (*abcitypes.ResponseCommit, error) {
	c.commits++
	return c.app.Commit(ctx, req)
}

func TestRemoteExecutor(t *testing.T) {
	client := &fakeABCIClient{app: NewKVStoreApp()}
	exec := NewRemoteExecutorFromClient(client, DefaultClientConfig("fake:26658"), nil)
	ctx := context.Background()

	result, err := exec.ExecuteBlock(ctx, testBlock(1, mustMarshalOp(Operation{Type: "set", Key: "x", Value: "y"})), []byte{1})
	if err != nil {
		t.Fatalf("ExecuteBlock failed: %v", err)
	}
	if client.commits != 1 {
		t.Errorf("Expected 1 commit, got %d", client.commits)
	}
	if exec.GetLastHeight() != 1 || !bytes.Equal(exec.GetLastAppHash(), result.AppHash) {
		t.Errorf("Cached app state not updated")
	}

	if _, err := exec.ExecuteBlock(ctx, testBlock(3), nil); !errors.Is(err, ErrHeightSkewed) {
		t.Errorf("Expected ErrHeightSkewed, got %v", err)
	}

	if err := exec.CheckTx(ctx, nil); !errors.Is(err, ErrTxRejected) {
		t.Errorf("Expected ErrTxRejected, got %v", err)
	}

	info, err := exec.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Version != KVStoreVersion {
		t.Errorf("Unexpected version %s", info.Version)
	}
}
