package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/r3e-network/neo-dbft/crypto"
)

type testKeys struct {
	privs []string
	pubs  []string
}

func newTestKeys(t *testing.T, n int) *testKeys {
	t.Helper()
	k := &testKeys{}
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("Failed to generate key: %v", err)
		}
		k.privs = append(k.privs, kp.PrivateKeyHex())
		k.pubs = append(k.pubs, hex.EncodeToString(kp.PublicKeyBytes()))
	}
	return k
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

func testConfig(keys *testKeys, index int) *Config {
	cfg := DefaultConfig()
	cfg.Index = index
	cfg.PrivateKey = keys.privs[index]
	cfg.Validators = keys.pubs
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsEnabled = false
	cfg.SyncOnStart = false
	cfg.BlockTime = 200 * time.Millisecond
	cfg.BaseTimeout = 2 * time.Second
	cfg.FinalizeTimeout = 5 * time.Second
	return cfg
}

func TestLoadConfig(t *testing.T) {
	keys := newTestKeys(t, 4)
	path := filepath.Join(t.TempDir(), "node.yaml")
	content := fmt.Sprintf(`chain_id: test-chain
index: 2
private_key: %s
listen_addr: 127.0.0.1:7000
block_time: 500ms
peers:
  - 0@127.0.0.1:7001
  - 1@127.0.0.1:7002
validators:
  - %s
  - %s
  - %s
  - %s
`, keys.privs[2], keys.pubs[0], keys.pubs[1], keys.pubs[2], keys.pubs[3])
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("DBFT_METRICS_ADDR", "127.0.0.1:9999")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ChainID != "test-chain" || cfg.Index != 2 || cfg.BlockTime != 500*time.Millisecond {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	if cfg.MetricsAddr != "127.0.0.1:9999" {
		t.Errorf("Environment override not applied: %s", cfg.MetricsAddr)
	}
	if cfg.BaseTimeout != DefaultConfig().BaseTimeout {
		t.Errorf("Default not applied: %s", cfg.BaseTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	peers, err := cfg.ParsePeers()
	if err != nil {
		t.Fatalf("ParsePeers failed: %v", err)
	}
	if len(peers) != 2 || peers[1] != "127.0.0.1:7002" {
		t.Errorf("Unexpected peers: %v", peers)
	}
}

func TestConfigValidate(t *testing.T) {
	keys := newTestKeys(t, 4)

	tests := []struct {
		name   string
		modify func(c *Config)
		want   error
	}{
		{"Valid", func(c *Config) {}, nil},
		{"EmptyChainID", func(c *Config) { c.ChainID = "" }, ErrEmptyChainID},
		{"TooFewValidators", func(c *Config) { c.Validators = c.Validators[:3] }, ErrInsufficientValidators},
		{"IndexOutOfRange", func(c *Config) { c.Index = 4 }, ErrIndexOutOfRange},
		{"BadValidatorKey", func(c *Config) { c.Validators = append([]string{"zz"}, c.Validators[1:]...) }, ErrInvalidValidatorKey},
		{"BadPeer", func(c *Config) { c.Peers = []string{"localhost:1"} }, ErrInvalidPeer},
		{"ObserverIgnoresIndex", func(c *Config) { c.PrivateKey = ""; c.Index = 99 }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(keys, 0)
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == nil && err != nil {
				t.Errorf("Expected valid config, got %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNewNodeKeyMismatch(t *testing.T) {
	keys := newTestKeys(t, 4)
	cfg := testConfig(keys, 0)
	cfg.PrivateKey = keys.privs[1]

	if _, err := NewNode(cfg, zaptest.NewLogger(t).Sugar()); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("Expected ErrKeyMismatch, got %v", err)
	}
}

func TestNewNodeRejectsBadPeer(t *testing.T) {
	keys := newTestKeys(t, 4)
	cfg := testConfig(keys, 0)
	cfg.Peers = []string{"1@127.0.0.1:1", "x@127.0.0.1:2"}

	if _, err := NewNode(cfg, zaptest.NewLogger(t).Sugar()); !errors.Is(err, ErrInvalidPeer) {
		t.Errorf("Expected ErrInvalidPeer, got %v", err)
	}
}

func TestNodeStartStop(t *testing.T) {
	keys := newTestKeys(t, 4)
	cfg := testConfig(keys, 0)
	cfg.DataDir = t.TempDir()

	n, err := NewNode(cfg, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if _, err := n.SubmitTx([]byte("early")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	hash, err := n.SubmitTx([]byte(`{"type":"set","key":"a","value":"MQ=="}`))
	if err != nil {
		t.Fatalf("SubmitTx failed: %v", err)
	}
	if !n.Mempool().HasTx(hash) {
		t.Error("Submitted tx not in mempool")
	}

	status := n.GetStatus()
	if !status.Running || !status.Validator || status.Height != 0 || status.Syncing || status.MempoolBytes == 0 {
		t.Errorf("Unexpected status: %+v", status)
	}

	if err := n.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if n.IsRunning() {
		t.Error("Node still running after Stop")
	}
}

func TestClusterFinalizesBlocks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	const size = 4
	keys := newTestKeys(t, size)
	addrs := make([]string, size)
	for i := range addrs {
		addrs[i] = freeAddr(t)
	}

	nodes := make([]*Node, size)
	for i := 0; i < size; i++ {
		cfg := testConfig(keys, i)
		cfg.ListenAddr = addrs[i]
		for j := 0; j < size; j++ {
			if j != i {
				cfg.Peers = append(cfg.Peers, fmt.Sprintf("%d@%s", j, addrs[j]))
			}
		}
		n, err := NewNode(cfg, zaptest.NewLogger(t).Sugar().Named(fmt.Sprintf("n%d", i)))
		if err != nil {
			t.Fatalf("NewNode %d failed: %v", i, err)
		}
		nodes[i] = n
	}

	for i, n := range nodes {
		if err := n.Start(context.Background()); err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		defer n.Stop()
	}

	if _, err := nodes[1].SubmitTx([]byte(`{"type":"set","key":"k","value":"dg=="}`)); err != nil {
		t.Fatalf("SubmitTx failed: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		done := true
		for _, n := range nodes {
			if n.Height() < 2 {
				done = false
			}
		}
		if done {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	for i, n := range nodes {
		if n.Height() < 2 {
			t.Fatalf("Node %d stuck at height %d", i, n.Height())
		}
	}

	// 모든 노드가 같은 블록을 확정
	for h := uint32(1); h <= 2; h++ {
		first, err := nodes[0].Ledger().Store().LoadBlock(h)
		if err != nil || first == nil {
			t.Fatalf("Block %d missing on node 0: %v", h, err)
		}
		for i, n := range nodes[1:] {
			block, err := n.Ledger().Store().LoadBlock(h)
			if err != nil || block == nil {
				t.Fatalf("Block %d missing on node %d: %v", h, i+1, err)
			}
			if block.Hash != first.Hash {
				t.Errorf("Node %d finalized a different block at %d", i+1, h)
			}
		}
	}
}
