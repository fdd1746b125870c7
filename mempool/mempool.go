package mempool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/types"
)

/*
================================================================================
                           MEMPOOL 구조
================================================================================

┌─────────────────────────────────────────────────────────────────────────────┐
│                              MEMPOOL (FIFO)                                 │
│                                                                             │
│   txStore      [types.Hash] -> *Tx        HasTransaction / GetTransactions  │
│   senderIndex  [sender] -> []*Tx (nonce)  발신자별 nonce 검사               │
│   recently     [types.Hash] -> 제거 시각  커밋된 tx 재진입 방지             │
│                                                                             │
│   ReapMaxTxs  ──► 도착 순서(seq)대로 반환 ──► 프라이머리의 제안             │
│   Update      ◄── 블록 확정 후 커밋된 해시 제거                             │
└─────────────────────────────────────────────────────────────────────────────┘

================================================================================
*/

var (
	ErrTxAlreadyExists   = errors.New("transaction already exists in mempool")
	ErrTxNotFound        = errors.New("transaction not found in mempool")
	ErrMempoolFull       = errors.New("mempool is full")
	ErrTxTooLarge        = errors.New("transaction too large")
	ErrInvalidTx         = errors.New("invalid transaction")
	ErrLowNonce          = errors.New("nonce too low")
	ErrInsufficientGas   = errors.New("insufficient gas price")
	ErrMempoolNotRunning = errors.New("mempool is not running")
)

// Config holds mempool limits.
type Config struct {
	// 크기 제한
	MaxTxs     int   // 최대 트랜잭션 수
	MaxBytes   int64 // 최대 바이트
	MaxTxBytes int   // 단일 트랜잭션 최대 바이트

	// 트랜잭션 만료 시간
	TTL time.Duration

	// 블록 후 재검사
	RecheckEnabled bool

	// 최근 제거된 tx 캐시 크기
	CacheSize int

	MinGasPrice uint64
}

// DefaultConfig returns the default mempool limits.
func DefaultConfig() *Config {
	return &Config{
		MaxTxs:         5000,
		MaxBytes:       256 * 1024 * 1024,
		MaxTxBytes:     1024 * 1024,
		TTL:            10 * time.Minute,
		RecheckEnabled: true,
		CacheSize:      10000,
	}
}

// CheckTxCallback validates a transaction before admission.
// nil이면 통과, 그 외에는 거부
type CheckTxCallback func(tx *Tx) error

// Mempool manages pending transactions keyed by hash.
type Mempool struct {
	mu sync.RWMutex

	config *Config
	logger *zap.SugaredLogger

	// 트랜잭션 저장소
	txStore map[types.Hash]*Tx

	// 발신자별 인덱스 (nonce 순서 유지)
	senderIndex map[string][]*Tx
	senderNonce map[string]uint64

	// 최근 제거된 트랜잭션 (중복 방지)
	recentlyRemoved map[types.Hash]time.Time

	txBytes   int64
	height    uint32
	nextSeq   uint64
	isRunning bool

	checkTxCallback CheckTxCallback

	// 새 트랜잭션 알림 (리액터가 소비)
	newTxCh chan *Tx

	ctx    context.Context
	cancel context.CancelFunc

	metrics *MempoolMetrics
}

// MempoolMetrics are in-process counters.
type MempoolMetrics struct {
	mu sync.RWMutex

	TxsReceived  int64
	TxsAccepted  int64
	TxsRejected  int64
	TxsExpired   int64
	TxsEvicted   int64
	TxsCommitted int64
	RecheckCount int64
	CurrentSize  int
	CurrentBytes int64
	PeakSize     int
	PeakBytes    int64

	LastBlockTime time.Time
}

// NewMempool creates a mempool. A nil config uses DefaultConfig.
func NewMempool(config *Config, logger *zap.SugaredLogger) *Mempool {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Mempool{
		config:          config,
		logger:          logger,
		txStore:         make(map[types.Hash]*Tx),
		senderIndex:     make(map[string][]*Tx),
		senderNonce:     make(map[string]uint64),
		recentlyRemoved: make(map[types.Hash]time.Time),
		newTxCh:         make(chan *Tx, 1000),
		ctx:             ctx,
		cancel:          cancel,
		metrics:         &MempoolMetrics{},
	}
}

// Start starts the expiry and cache cleanup loops.
func (mp *Mempool) Start() error {
	mp.mu.Lock()
	if mp.isRunning {
		mp.mu.Unlock()
		return nil
	}
	mp.isRunning = true
	mp.mu.Unlock()

	if mp.config.TTL > 0 {
		go mp.expireLoop()
		go mp.cleanupCacheLoop()
	}
	return nil
}

// Stop stops the mempool and closes the new-tx channel.
func (mp *Mempool) Stop() error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if !mp.isRunning {
		return nil
	}
	mp.isRunning = false
	mp.cancel()
	close(mp.newTxCh)
	return nil
}

// SetCheckTxCallback sets the transaction validation callback.
func (mp *Mempool) SetCheckTxCallback(cb CheckTxCallback) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.checkTxCallback = cb
}

// AddTx adds a transaction without sender metadata.
func (mp *Mempool) AddTx(txBytes []byte) (types.Hash, error) {
	return mp.AddTxWithMeta(txBytes, "", 0, 0)
}

// AddTxWithMeta admits a transaction: size, duplicate, gas price, nonce and
// CheckTx checks in that order, then capacity with low-priority eviction.
func (mp *Mempool) AddTxWithMeta(txBytes []byte, sender string, nonce, gasPrice uint64) (types.Hash, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if !mp.isRunning {
		return types.Hash{}, ErrMempoolNotRunning
	}
	mp.count(func(m *MempoolMetrics) { m.TxsReceived++ })

	if len(txBytes) > mp.config.MaxTxBytes {
		mp.rejectTx()
		return types.Hash{}, fmt.Errorf("%w: size %d > max %d", ErrTxTooLarge, len(txBytes), mp.config.MaxTxBytes)
	}

	tx := NewTxWithMeta(txBytes, sender, nonce, gasPrice)
	tx.Height = mp.height

	if _, exists := mp.txStore[tx.Hash]; exists {
		mp.rejectTx()
		return tx.Hash, ErrTxAlreadyExists
	}
	if _, removed := mp.recentlyRemoved[tx.Hash]; removed {
		mp.rejectTx()
		return tx.Hash, ErrTxAlreadyExists
	}

	if gasPrice < mp.config.MinGasPrice {
		mp.rejectTx()
		return tx.Hash, fmt.Errorf("%w: price %d < min %d", ErrInsufficientGas, gasPrice, mp.config.MinGasPrice)
	}

	if sender != "" {
		if err := mp.checkNonce(sender, nonce); err != nil {
			mp.rejectTx()
			return tx.Hash, err
		}
	}

	if mp.checkTxCallback != nil {
		if err := mp.checkTxCallback(tx); err != nil {
			mp.rejectTx()
			return tx.Hash, fmt.Errorf("%w: %v", ErrInvalidTx, err)
		}
	}

	if err := mp.ensureCapacity(tx); err != nil {
		mp.rejectTx()
		return tx.Hash, err
	}

	mp.addTxLocked(tx)

	select {
	case mp.newTxCh <- tx:
	default:
		// 리액터가 밀리면 알림만 버린다 (tx는 저장됨)
		mp.logger.Debugf("New tx channel full, notification for %s dropped", tx.Hash.Short())
	}

	mp.acceptTx()
	return tx.Hash, nil
}

// checkNonce rejects nonces at or below the last seen one for sender.
func (mp *Mempool) checkNonce(sender string, nonce uint64) error {
	lastNonce, exists := mp.senderNonce[sender]
	if !exists {
		return nil
	}
	if nonce <= lastNonce {
		return fmt.Errorf("%w: got %d, expected > %d", ErrLowNonce, nonce, lastNonce)
	}
	return nil
}

func (mp *Mempool) ensureCapacity(newTx *Tx) error {
	for len(mp.txStore) >= mp.config.MaxTxs {
		if err := mp.evictLowestPriority(newTx.GasPrice); err != nil {
			return ErrMempoolFull
		}
	}
	for mp.txBytes+int64(newTx.Size()) > mp.config.MaxBytes {
		if err := mp.evictLowestPriority(newTx.GasPrice); err != nil {
			return ErrMempoolFull
		}
	}
	return nil
}

// evictLowestPriority removes the cheapest transaction if it is cheaper
// than minPrice.
func (mp *Mempool) evictLowestPriority(minPrice uint64) error {
	var lowest *Tx
	for _, tx := range mp.txStore {
		if lowest == nil || tx.Priority() < lowest.Priority() {
			lowest = tx
		}
	}
	if lowest == nil {
		return errors.New("no transaction to evict")
	}
	if lowest.Priority() >= minPrice {
		return errors.New("cannot evict higher priority transaction")
	}

	mp.removeTxLocked(lowest.Hash, true)
	mp.count(func(m *MempoolMetrics) { m.TxsEvicted++ })
	return nil
}

// addTxLocked stores tx (must hold lock).
func (mp *Mempool) addTxLocked(tx *Tx) {
	mp.nextSeq++
	tx.seq = mp.nextSeq

	mp.txStore[tx.Hash] = tx
	mp.txBytes += int64(tx.Size())

	if tx.Sender != "" {
		senderTxs := append(mp.senderIndex[tx.Sender], tx)
		sort.Slice(senderTxs, func(i, j int) bool {
			return senderTxs[i].Nonce < senderTxs[j].Nonce
		})
		mp.senderIndex[tx.Sender] = senderTxs

		if tx.Nonce > mp.senderNonce[tx.Sender] {
			mp.senderNonce[tx.Sender] = tx.Nonce
		}
	}

	mp.updateMetrics()
}

// removeTxLocked deletes hash from every index (must hold lock).
func (mp *Mempool) removeTxLocked(hash types.Hash, addToCache bool) bool {
	tx, exists := mp.txStore[hash]
	if !exists {
		return false
	}

	delete(mp.txStore, hash)
	mp.txBytes -= int64(tx.Size())

	if tx.Sender != "" {
		senderTxs := mp.senderIndex[tx.Sender]
		for i, t := range senderTxs {
			if t.Hash == hash {
				mp.senderIndex[tx.Sender] = append(senderTxs[:i], senderTxs[i+1:]...)
				break
			}
		}
		if len(mp.senderIndex[tx.Sender]) == 0 {
			delete(mp.senderIndex, tx.Sender)
		}
	}

	if addToCache {
		mp.recentlyRemoved[hash] = time.Now()
	}

	mp.updateMetrics()
	return true
}

/*
================================================================================
                       트랜잭션 조회 (제안 / 블록 조립)
================================================================================

  Primary                   Mempool                  Ledger
     │  ReapMaxTxs(max)        │                        │
     │ ───────────────────────►│                        │
     │  도착 순서 []*Tx         │                        │
     │◄─────────────────────── │                        │
     │                         │   GetTransactions      │
     │                         │◄───────────────────────│
     │                         │   [][]byte (해시 순서)  │
     │                         │ ──────────────────────►│
     │                         │   Update(height, hs)   │
     │                         │◄───────────────────────│

================================================================================
*/

// ReapMaxTxs returns up to max transactions in arrival order.
// max <= 0 returns everything.
func (mp *Mempool) ReapMaxTxs(max int) []*Tx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.reapLocked(max)
}

func (mp *Mempool) reapLocked(max int) []*Tx {
	if len(mp.txStore) == 0 {
		return nil
	}

	txs := make([]*Tx, 0, len(mp.txStore))
	for _, tx := range mp.txStore {
		txs = append(txs, tx)
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].seq < txs[j].seq
	})

	if max > 0 && len(txs) > max {
		txs = txs[:max]
	}
	return txs
}

// ReapMaxBytes returns transactions in arrival order up to maxBytes total.
func (mp *Mempool) ReapMaxBytes(maxBytes int64) []*Tx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	var result []*Tx
	var totalBytes int64
	for _, tx := range mp.reapLocked(0) {
		if totalBytes+int64(tx.Size()) > maxBytes {
			break
		}
		result = append(result, tx)
		totalBytes += int64(tx.Size())
	}
	return result
}

// GetTransactions returns the bodies of hashes in the given order.
func (mp *Mempool) GetTransactions(hashes []types.Hash) ([][]byte, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	txs := make([][]byte, len(hashes))
	for i, h := range hashes {
		tx, ok := mp.txStore[h]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, h)
		}
		txs[i] = tx.Data
	}
	return txs, nil
}

// Update drops transactions committed at height and rechecks the rest.
func (mp *Mempool) Update(height uint32, committed []types.Hash) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.height = height
	mp.count(func(m *MempoolMetrics) { m.LastBlockTime = time.Now() })

	for _, h := range committed {
		// 다른 노드가 제안한 tx는 여기 없을 수 있어도 캐시에는 남긴다
		if !mp.removeTxLocked(h, true) {
			mp.recentlyRemoved[h] = time.Now()
		}
		mp.count(func(m *MempoolMetrics) { m.TxsCommitted++ })
	}

	if mp.config.RecheckEnabled {
		mp.recheckTxsLocked()
	}
	mp.logger.Debugf("Mempool updated to height %d: %d committed, %d pending", height, len(committed), len(mp.txStore))
	return nil
}

func (mp *Mempool) recheckTxsLocked() {
	if mp.checkTxCallback == nil {
		return
	}
	mp.count(func(m *MempoolMetrics) { m.RecheckCount++ })

	var toRemove []types.Hash
	for h, tx := range mp.txStore {
		if err := mp.checkTxCallback(tx); err != nil {
			toRemove = append(toRemove, h)
		}
	}
	for _, h := range toRemove {
		mp.removeTxLocked(h, false)
	}
}

// GetTx returns a transaction by hash, or nil.
func (mp *Mempool) GetTx(hash types.Hash) *Tx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.txStore[hash]
}

// HasTx reports whether hash is pending.
func (mp *Mempool) HasTx(hash types.Hash) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, exists := mp.txStore[hash]
	return exists
}

// Size returns the current number of transactions.
func (mp *Mempool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.txStore)
}

// SizeBytes returns the current total bytes.
func (mp *Mempool) SizeBytes() int64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.txBytes
}

// Height returns the last committed height reported through Update.
func (mp *Mempool) Height() uint32 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.height
}

// GetTxsBySender returns the pending transactions of sender in nonce order.
func (mp *Mempool) GetTxsBySender(sender string) []*Tx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	txs := mp.senderIndex[sender]
	if txs == nil {
		return nil
	}
	result := make([]*Tx, len(txs))
	copy(result, txs)
	return result
}

// GetMetrics returns a copy of the counters.
func (mp *Mempool) GetMetrics() MempoolMetrics {
	mp.metrics.mu.RLock()
	defer mp.metrics.mu.RUnlock()

	return MempoolMetrics{
		TxsReceived:   mp.metrics.TxsReceived,
		TxsAccepted:   mp.metrics.TxsAccepted,
		TxsRejected:   mp.metrics.TxsRejected,
		TxsExpired:    mp.metrics.TxsExpired,
		TxsEvicted:    mp.metrics.TxsEvicted,
		TxsCommitted:  mp.metrics.TxsCommitted,
		RecheckCount:  mp.metrics.RecheckCount,
		CurrentSize:   mp.metrics.CurrentSize,
		CurrentBytes:  mp.metrics.CurrentBytes,
		PeakSize:      mp.metrics.PeakSize,
		PeakBytes:     mp.metrics.PeakBytes,
		LastBlockTime: mp.metrics.LastBlockTime,
	}
}

// NewTxCh returns the channel of admitted transactions.
func (mp *Mempool) NewTxCh() <-chan *Tx {
	return mp.newTxCh
}

/*
================================================================================
                          백그라운드 작업
================================================================================
*/

func (mp *Mempool) expireLoop() {
	ticker := time.NewTicker(mp.config.TTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-mp.ctx.Done():
			return
		case <-ticker.C:
			mp.expireTxs(time.Now())
		}
	}
}

// expireTxs removes transactions older than TTL at now.
func (mp *Mempool) expireTxs(now time.Time) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	var expired []types.Hash
	for h, tx := range mp.txStore {
		if now.Sub(tx.Timestamp) > mp.config.TTL {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		mp.removeTxLocked(h, true)
		mp.count(func(m *MempoolMetrics) { m.TxsExpired++ })
	}
	if len(expired) > 0 {
		mp.logger.Infof("Expired %d transactions", len(expired))
	}
	return len(expired)
}

func (mp *Mempool) cleanupCacheLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-mp.ctx.Done():
			return
		case <-ticker.C:
			mp.cleanupCache(time.Now())
		}
	}
}

// cleanupCache drops cache entries older than TTL, then the oldest ones
// beyond CacheSize.
func (mp *Mempool) cleanupCache(now time.Time) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	cutoff := now.Add(-mp.config.TTL)
	for h, removedAt := range mp.recentlyRemoved {
		if removedAt.Before(cutoff) {
			delete(mp.recentlyRemoved, h)
		}
	}

	if len(mp.recentlyRemoved) <= mp.config.CacheSize {
		return
	}
	type entry struct {
		hash types.Hash
		at   time.Time
	}
	entries := make([]entry, 0, len(mp.recentlyRemoved))
	for h, at := range mp.recentlyRemoved {
		entries = append(entries, entry{h, at})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].at.Before(entries[j].at)
	})
	for _, e := range entries[:len(entries)-mp.config.CacheSize] {
		delete(mp.recentlyRemoved, e.hash)
	}
}

func (mp *Mempool) count(fn func(m *MempoolMetrics)) {
	mp.metrics.mu.Lock()
	fn(mp.metrics)
	mp.metrics.mu.Unlock()
}

func (mp *Mempool) acceptTx() {
	mp.count(func(m *MempoolMetrics) { m.TxsAccepted++ })
}

func (mp *Mempool) rejectTx() {
	mp.count(func(m *MempoolMetrics) { m.TxsRejected++ })
}

func (mp *Mempool) updateMetrics() {
	size, bytes := len(mp.txStore), mp.txBytes
	mp.count(func(m *MempoolMetrics) {
		m.CurrentSize = size
		m.CurrentBytes = bytes
		if size > m.PeakSize {
			m.PeakSize = size
		}
		if bytes > m.PeakBytes {
			m.PeakBytes = bytes
		}
	})
}
