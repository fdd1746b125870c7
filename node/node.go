package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/abci"
	"github.com/r3e-network/neo-dbft/consensus/dbft"
	"github.com/r3e-network/neo-dbft/crypto"
	"github.com/r3e-network/neo-dbft/mempool"
	"github.com/r3e-network/neo-dbft/metrics"
	"github.com/r3e-network/neo-dbft/persistence"
	"github.com/r3e-network/neo-dbft/transport"
	"github.com/r3e-network/neo-dbft/types"
)

var (
	ErrAlreadyRunning = errors.New("node already running")
	ErrNotRunning     = errors.New("node not running")
	ErrKeyMismatch    = errors.New("private key does not match the validator at index")
)

/*
================================================================================
                         NODE 구성
================================================================================

  Transport ──Deliver──► Engine ──AssembleAndPersist──► Ledger ──► Executor(ABCI)
      ▲                    │  ▲                           │
      │ SubmitTx           │  │ NotifyTransactions        └──► Store (bolt/memory)
      ▼                    ▼  │
  Reactor ◄── SelectTransactions/RequestMissing ── Mempool

================================================================================
*/

// Node represents a dBFT consensus node.
type Node struct {
	mu sync.RWMutex

	config *Config
	base   *zap.SugaredLogger
	logger *zap.SugaredLogger

	signer     *crypto.DefaultSigner // nil이면 옵저버
	validators *types.ValidatorSet

	store      persistence.Store
	stateStore dbft.StateStore
	executor   abci.Executor
	ledger     *persistence.Ledger
	syncer     *persistence.BlockSyncer

	mempool   *mempool.Mempool
	reactor   *mempool.Reactor
	transport *transport.GRPCTransport

	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *metrics.Server

	engine *dbft.Engine

	// State
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNode wires every component of the node. Nothing is started.
func NewNode(config *Config, logger *zap.SugaredLogger) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	n := &Node{
		config: config,
		base:   logger,
		logger: logger.Named("node"),
	}

	var err error
	if n.validators, err = config.ValidatorSet(); err != nil {
		return nil, err
	}
	if n.signer, err = config.LoadSigner(); err != nil {
		return nil, fmt.Errorf("failed to load signer: %w", err)
	}
	if n.signer != nil {
		v := n.validators.GetByIndex(uint8(config.Index))
		if !bytes.Equal(v.PublicKey, n.signer.PublicKey()) {
			return nil, fmt.Errorf("%w %d", ErrKeyMismatch, config.Index)
		}
	}

	// 1. 저장소
	if err := n.openStores(); err != nil {
		return nil, err
	}

	// 2. 실행기 (내장 KV 앱 또는 원격 ABCI)
	if config.ABCIAddr == "" {
		n.executor = abci.NewLocalExecutor(abci.NewKVStoreApp(), logger.Named("abci"))
	} else {
		n.executor, err = abci.NewRemoteExecutor(abci.DefaultClientConfig(config.ABCIAddr), logger.Named("abci"))
		if err != nil {
			n.store.Close()
			return nil, fmt.Errorf("failed to create ABCI client: %w", err)
		}
	}

	// 3. Mempool + Reactor
	mpConfig := mempool.DefaultConfig()
	mpConfig.MaxTxs = config.MempoolSize
	mpConfig.TTL = config.MempoolTTL
	n.mempool = mempool.NewMempool(mpConfig, logger.Named("mempool"))
	n.mempool.SetCheckTxCallback(func(tx *mempool.Tx) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return n.executor.CheckTx(ctx, tx.Data)
	})
	n.reactor = mempool.NewReactor(n.mempool, mempool.DefaultReactorConfig(), logger.Named("reactor"))

	// 4. Ledger (reactor가 트랜잭션 본문 제공)
	n.ledger, err = persistence.NewLedger(n.store, n.executor, n.reactor, n.validators, crypto.VerifySignature, logger.Named("ledger"))
	if err != nil {
		n.closeStorage()
		return nil, err
	}

	// 5. Transport
	peers, err := config.ParsePeers()
	if err != nil {
		n.closeStorage()
		return nil, err
	}
	tConfig := transport.DefaultConfig(uint8(config.Index), config.ListenAddr)
	tConfig.Peers = peers
	n.transport = transport.NewGRPCTransport(tConfig, logger.Named("transport"))
	n.transport.SetTxHandler(n.reactor.ReceiveTx)
	n.transport.SetTxLookup(n.lookupTransactions)
	n.transport.SetBlockStore(n.store)
	n.transport.SetStatusFunc(n.status)
	n.reactor.SetBroadcaster(n.transport)
	n.reactor.SetFetcher(n.transport)

	n.syncer = persistence.NewBlockSyncer(n.ledger, n.transport, logger.Named("sync"))

	// 6. Metrics
	n.registry = prometheus.NewRegistry()
	if n.metrics, err = metrics.NewMetrics("dbft", n.registry); err != nil {
		n.closeStorage()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return n, nil
}

func (n *Node) openStores() error {
	if n.config.DataDir == "" {
		n.store = persistence.NewMemoryStore()
	} else {
		bolt, err := persistence.NewBoltStore(filepath.Join(n.config.DataDir, "chain.db"))
		if err != nil {
			return err
		}
		n.store = bolt
		n.stateStore = bolt
	}

	if n.config.SnapshotFile != "" {
		f, err := persistence.NewSnapshotFile(n.config.SnapshotFile)
		if err != nil {
			n.store.Close()
			return err
		}
		n.stateStore = f
	}
	return nil
}

// Start starts the node. Consensus begins at the height after the last
// stored block, once blocks missing from peers have been synced.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	n.running = true
	n.mu.Unlock()

	n.logger.Infof("Starting dBFT node (chain %s, index %d, validator %t)", n.config.ChainID, n.config.Index, n.signer != nil)

	if err := n.start(ctx); err != nil {
		n.Stop()
		return err
	}

	n.logger.Infof("Node started at height %d", n.ledger.NextHeight())
	n.logger.Infof("  P2P address: %s", n.config.ListenAddr)
	n.logger.Infof("  Validators: %d", n.validators.Size())
	if n.config.MetricsEnabled {
		n.logger.Infof("  Metrics: %s", n.config.MetricsAddr)
	}
	return nil
}

func (n *Node) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	info, err := n.executor.Info(runCtx)
	if err != nil {
		return fmt.Errorf("failed to query application: %w", err)
	}
	n.logger.Infof("Application at height %d (app hash %X)", info.LastBlockHeight, info.LastBlockAppHash)

	if err := n.mempool.Start(); err != nil {
		return fmt.Errorf("failed to start mempool: %w", err)
	}
	if err := n.reactor.Start(); err != nil {
		return fmt.Errorf("failed to start reactor: %w", err)
	}
	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	if n.config.MetricsEnabled {
		n.metricsServer = metrics.NewServer(n.config.MetricsAddr, n.registry)
		n.metricsServer.Handle("/health", http.HandlerFunc(n.handleHealth))
		n.metricsServer.Handle("/status", http.HandlerFunc(n.handleStatus))
		n.metricsServer.Start()
	}

	if n.config.SyncOnStart {
		applied, err := n.syncer.Sync(runCtx)
		if err != nil {
			n.logger.Warnf("Block sync incomplete after %d blocks: %v", applied, err)
		}
	}

	// 동기화 후 높이에서 엔진 생성
	deps := dbft.Dependencies{
		Network:    n.transport,
		Mempool:    n.reactor,
		Storage:    n.ledger,
		StateStore: n.stateStore,
	}
	if n.signer != nil {
		deps.Signer = n.signer
	}
	engine, err := dbft.NewEngine(n.config.ConsensusConfig(n.validators), deps, n.ledger.NextHeight(), n.metrics, n.base.Named("dbft"))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	n.mu.Lock()
	n.engine = engine
	n.mu.Unlock()

	n.transport.SetMessageHandler(engine.Receive)
	n.reactor.SetOnAvailable(engine.NotifyTransactions)

	if err := engine.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	n.wg.Add(1)
	go n.eventLoop(runCtx, engine)
	return nil
}

// eventLoop logs engine events and watches the metrics listener.
func (n *Node) eventLoop(ctx context.Context, engine *dbft.Engine) {
	defer n.wg.Done()

	var metricsErr <-chan error
	if n.metricsServer != nil {
		metricsErr = n.metricsServer.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-engine.Done():
			if err := engine.Err(); err != nil {
				n.logger.Errorf("Consensus engine halted: %v", err)
			}
			return
		case err := <-metricsErr:
			n.logger.Errorf("Metrics server error: %v", err)
		case ev := <-engine.Events():
			switch e := ev.(type) {
			case dbft.BlockFinalized:
				n.logger.Infof("Block %d finalized (%s, %d txs, %s)", e.Height, e.Hash.Short(), e.TxCount, e.Elapsed)
			case dbft.ViewChanged:
				n.logger.Infof("View changed %d -> %d at height %d", e.OldView, e.NewView, e.Height)
			case dbft.EngineHalted:
				n.logger.Errorf("Engine halted: %v", e.Err)
			}
		}
	}
}

// Stop stops the node, tearing down components in reverse order.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	engine := n.engine
	cancel := n.cancel
	n.mu.Unlock()

	n.logger.Info("Stopping dBFT node")

	if engine != nil {
		engine.Stop()
	}
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()

	var err error
	if n.metricsServer != nil {
		err = multierr.Append(err, n.metricsServer.Stop())
	}
	err = multierr.Append(err, n.transport.Stop())
	err = multierr.Append(err, n.reactor.Stop())
	err = multierr.Append(err, n.mempool.Stop())
	err = multierr.Append(err, n.closeStorage())

	if err != nil {
		n.logger.Warnf("Node stopped with errors: %v", err)
	} else {
		n.logger.Info("Node stopped")
	}
	return err
}

func (n *Node) closeStorage() error {
	err := n.executor.Close()
	return multierr.Append(err, n.store.Close())
}

// SubmitTx adds a transaction to the mempool and gossips it.
func (n *Node) SubmitTx(tx []byte) (types.Hash, error) {
	if !n.IsRunning() {
		return types.Hash{}, ErrNotRunning
	}
	return n.reactor.SubmitTx(tx)
}

func (n *Node) lookupTransactions(hashes []types.Hash) [][]byte {
	out := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		if tx := n.mempool.GetTx(h); tx != nil {
			out = append(out, tx.Data)
		}
	}
	return out
}

func (n *Node) status() (uint32, uint8) {
	n.mu.RLock()
	engine := n.engine
	n.mu.RUnlock()
	var view uint8
	if engine != nil {
		view = engine.View()
	}
	return n.ledger.Height(), view
}

// Status is the JSON body of /status.
type Status struct {
	ChainID   string `json:"chain_id"`
	Index     int    `json:"index"`
	Validator bool   `json:"validator"`
	Running   bool   `json:"running"`
	Height    uint32 `json:"height"`
	View      uint8  `json:"view"`
	Primary   bool   `json:"primary"`
	LastBlock string `json:"last_block"`
	Peers     int    `json:"peers"`
	Syncing   bool   `json:"syncing"`

	MempoolSize  int   `json:"mempool_size"`
	MempoolBytes int64 `json:"mempool_bytes"`
}

// GetStatus returns the node status.
func (n *Node) GetStatus() Status {
	n.mu.RLock()
	engine := n.engine
	running := n.running
	n.mu.RUnlock()

	s := Status{
		ChainID:   n.config.ChainID,
		Index:     n.config.Index,
		Validator: n.signer != nil,
		Running:   running,
		Height:    n.ledger.Height(),
		LastBlock: n.ledger.LastBlockHash().String(),
		Peers:     n.transport.PeerCount(),
		Syncing:   n.syncer.IsSyncing(),

		MempoolSize:  n.mempool.Size(),
		MempoolBytes: n.mempool.SizeBytes(),
	}
	if engine != nil {
		s.View = engine.View()
		s.Primary = engine.IsPrimary()
	}
	return s
}

func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	n.mu.RLock()
	engine := n.engine
	n.mu.RUnlock()
	if engine == nil || engine.Err() != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("UNAVAILABLE"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (n *Node) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(n.GetStatus()); err != nil {
		n.logger.Warnf("Failed to write status: %v", err)
	}
}

// Height returns the last stored block height.
func (n *Node) Height() uint32 {
	return n.ledger.Height()
}

// IsRunning returns true if the node is running.
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Ledger returns the chain ledger.
func (n *Node) Ledger() *persistence.Ledger {
	return n.ledger
}

// Mempool returns the mempool.
func (n *Node) Mempool() *mempool.Mempool {
	return n.mempool
}
