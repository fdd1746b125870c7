package mempool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/types"
)

/*
================================================================================
                         MEMPOOL REACTOR
================================================================================

Reactor는 Mempool과 네트워크, 합의 엔진을 연결합니다.

  Client/Peer        Reactor              Mempool            Consensus
      │ SubmitTx        │                     │                   │
      │────────────────►│  AddTx              │                   │
      │                 │────────────────────►│                   │
      │                 │  BroadcastTx ──► peers                  │
      │                 │                     │                   │
      │                 │  RequestMissing(hs) │                   │
      │                 │◄────────────────────┼───────────────────│
      │  FetchTxs       │                     │                   │
      │◄────────────────│                     │                   │
      │────────────────►│  AddTx              │                   │
      │                 │────────────────────►│                   │
      │                 │  newTxCh (wanted?)  │                   │
      │                 │◄────────────────────│                   │
      │                 │  onAvailable(hs)    │                   │
      │                 │────────────────────────────────────────►│

================================================================================
*/

// Broadcaster gossips submitted transactions to peers.
type Broadcaster interface {
	BroadcastTx(tx []byte) error
}

// Fetcher asks peers for transaction bodies by hash.
type Fetcher interface {
	FetchTransactions(ctx context.Context, hashes []types.Hash) ([][]byte, error)
}

// ReactorConfig configures gossip and fetching.
type ReactorConfig struct {
	// 브로드캐스트 설정
	BroadcastEnabled  bool
	BroadcastDelay    time.Duration // 배치 주기
	MaxBroadcastBatch int

	// 처리 대기 최대 tx 수
	MaxPendingTxs int

	// 누락 tx 요청
	FetchTimeout  time.Duration
	MaxFetchQueue int
}

// DefaultReactorConfig returns the default reactor settings.
func DefaultReactorConfig() *ReactorConfig {
	return &ReactorConfig{
		BroadcastEnabled:  true,
		BroadcastDelay:    10 * time.Millisecond,
		MaxBroadcastBatch: 100,
		MaxPendingTxs:     10000,
		FetchTimeout:      2 * time.Second,
		MaxFetchQueue:     64,
	}
}

// Reactor connects the mempool to peers and to the consensus engine. It is
// the engine's Mempool collaborator.
type Reactor struct {
	mu sync.RWMutex

	config  *ReactorConfig
	mempool *Mempool
	logger  *zap.SugaredLogger

	broadcaster Broadcaster
	fetcher     Fetcher

	// 합의가 기다리는 해시
	wanted      map[types.Hash]struct{}
	onAvailable func(hashes []types.Hash)

	broadcastQueue chan *Tx
	fetchQueue     chan []types.Hash

	isRunning bool
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReactor creates a new mempool reactor.
func NewReactor(mempool *Mempool, config *ReactorConfig, logger *zap.SugaredLogger) *Reactor {
	if config == nil {
		config = DefaultReactorConfig()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Reactor{
		config:         config,
		mempool:        mempool,
		logger:         logger,
		wanted:         make(map[types.Hash]struct{}),
		broadcastQueue: make(chan *Tx, config.MaxPendingTxs),
		fetchQueue:     make(chan []types.Hash, config.MaxFetchQueue),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetBroadcaster sets the network broadcaster.
func (r *Reactor) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster = b
}

// SetFetcher sets the peer fetcher used by RequestMissing.
func (r *Reactor) SetFetcher(f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetcher = f
}

// SetOnAvailable registers the callback for requested hashes that arrived.
// The callback must not block.
func (r *Reactor) SetOnAvailable(fn func(hashes []types.Hash)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAvailable = fn
}

// Start starts the reactor loops.
func (r *Reactor) Start() error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = true
	r.mu.Unlock()

	r.wg.Add(3)
	go r.broadcastLoop()
	go r.receiveNewTxLoop()
	go r.fetchLoop()
	return nil
}

// Stop stops the reactor and waits for its loops.
func (r *Reactor) Stop() error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}

// SubmitTx submits a client transaction and gossips it.
func (r *Reactor) SubmitTx(txBytes []byte) (types.Hash, error) {
	return r.SubmitTxWithMeta(txBytes, "", 0, 0)
}

// SubmitTxWithMeta submits a transaction with sender metadata.
func (r *Reactor) SubmitTxWithMeta(txBytes []byte, sender string, nonce, gasPrice uint64) (types.Hash, error) {
	hash, err := r.mempool.AddTxWithMeta(txBytes, sender, nonce, gasPrice)
	if err != nil {
		return hash, err
	}

	if r.config.BroadcastEnabled {
		select {
		case r.broadcastQueue <- &Tx{Hash: hash, Data: txBytes}:
		default:
			// 큐가 가득 차면 무시 (이미 멤풀에는 추가됨)
		}
	}
	return hash, nil
}

// ReceiveTx handles a transaction gossiped by a peer. It is not re-gossiped.
func (r *Reactor) ReceiveTx(peerID string, txBytes []byte) error {
	hash, err := r.mempool.AddTx(txBytes)
	if errors.Is(err, ErrTxAlreadyExists) {
		r.resolve([]types.Hash{hash})
		return nil
	}
	if err != nil {
		r.logger.Debugf("Rejected tx from peer %s: %v", peerID, err)
	}
	return err
}

// HasTransaction reports whether hash is in the pool.
func (r *Reactor) HasTransaction(hash types.Hash) bool {
	return r.mempool.HasTx(hash)
}

// SelectTransactions returns up to max pending hashes in arrival order.
func (r *Reactor) SelectTransactions(max int) []types.Hash {
	txs := r.mempool.ReapMaxTxs(max)
	hashes := make([]types.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
	}
	return hashes
}

// RequestMissing records hashes the engine waits for and queues a peer
// fetch. It never blocks; arrivals are reported through onAvailable.
func (r *Reactor) RequestMissing(hashes []types.Hash) {
	var present, missing []types.Hash

	r.mu.Lock()
	for _, h := range hashes {
		if r.mempool.HasTx(h) {
			present = append(present, h)
			continue
		}
		if _, ok := r.wanted[h]; !ok {
			r.wanted[h] = struct{}{}
		}
		missing = append(missing, h)
	}
	notify := r.onAvailable
	r.mu.Unlock()

	// 요청 직전에 도착한 tx
	if len(present) > 0 && notify != nil {
		notify(present)
	}
	if len(missing) == 0 {
		return
	}

	select {
	case r.fetchQueue <- missing:
	default:
		r.logger.Warnf("Fetch queue full, %d hashes wait for gossip", len(missing))
	}
}

// GetTransactions returns bodies for a finalized block, in hash order.
func (r *Reactor) GetTransactions(hashes []types.Hash) ([][]byte, error) {
	return r.mempool.GetTransactions(hashes)
}

// Update forwards a committed block to the mempool and forgets waits that
// belonged to the finished height.
func (r *Reactor) Update(height uint32, committed []types.Hash) error {
	r.mu.Lock()
	clear(r.wanted)
	r.mu.Unlock()
	return r.mempool.Update(height, committed)
}

// Wanted returns the number of hashes still awaited.
func (r *Reactor) Wanted() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.wanted)
}

// resolve clears hashes from the wanted set and notifies consensus.
func (r *Reactor) resolve(hashes []types.Hash) {
	var found []types.Hash

	r.mu.Lock()
	for _, h := range hashes {
		if _, ok := r.wanted[h]; ok {
			delete(r.wanted, h)
			found = append(found, h)
		}
	}
	notify := r.onAvailable
	r.mu.Unlock()

	if len(found) > 0 && notify != nil {
		notify(found)
	}
}

func (r *Reactor) broadcastLoop() {
	defer r.wg.Done()

	var batch []*Tx
	ticker := time.NewTicker(r.config.BroadcastDelay)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case tx := <-r.broadcastQueue:
			batch = append(batch, tx)
			if len(batch) >= r.config.MaxBroadcastBatch {
				r.broadcastBatch(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.broadcastBatch(batch)
				batch = nil
			}
		}
	}
}

func (r *Reactor) broadcastBatch(batch []*Tx) {
	r.mu.RLock()
	broadcaster := r.broadcaster
	r.mu.RUnlock()

	if broadcaster == nil {
		return
	}
	for _, tx := range batch {
		if err := broadcaster.BroadcastTx(tx.Data); err != nil {
			r.logger.Warnf("Failed to broadcast tx %s: %v", tx.Hash.Short(), err)
		}
	}
}

// receiveNewTxLoop matches admitted transactions against the wanted set.
func (r *Reactor) receiveNewTxLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case tx, ok := <-r.mempool.NewTxCh():
			if !ok {
				return
			}
			r.resolve([]types.Hash{tx.Hash})
		}
	}
}

func (r *Reactor) fetchLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case hashes := <-r.fetchQueue:
			r.fetch(hashes)
		}
	}
}

func (r *Reactor) fetch(hashes []types.Hash) {
	r.mu.RLock()
	fetcher := r.fetcher
	r.mu.RUnlock()

	if fetcher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.config.FetchTimeout)
	defer cancel()

	txs, err := fetcher.FetchTransactions(ctx, hashes)
	if err != nil {
		r.logger.Warnf("Failed to fetch %d transactions: %v", len(hashes), err)
	}
	for _, data := range txs {
		hash, err := r.mempool.AddTx(data)
		switch {
		case errors.Is(err, ErrTxAlreadyExists):
			r.resolve([]types.Hash{hash})
		case err != nil:
			r.logger.Debugf("Fetched tx %s rejected: %v", hash.Short(), err)
		}
	}
}

// GetMempool returns the underlying mempool.
func (r *Reactor) GetMempool() *Mempool {
	return r.mempool
}
