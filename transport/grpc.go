package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"

	dbftv1 "github.com/r3e-network/neo-dbft/api/dbft/v1"
	"github.com/r3e-network/neo-dbft/consensus/dbft"
	"github.com/r3e-network/neo-dbft/mempool"
	"github.com/r3e-network/neo-dbft/persistence"
	"github.com/r3e-network/neo-dbft/types"
)

var (
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrNotRunning     = errors.New("transport not running")
	ErrNoBlockSource  = errors.New("no block source configured")
	ErrOutboxOverflow = errors.New("peer outbox full")
)

/*
================================================================================
                         gRPC TRANSPORT
================================================================================

  Engine ── Broadcast/SendTo ──► outbox(peer) ──► Deliver ──► peer.Engine.Receive
  Reactor ── BroadcastTx ──────► SubmitTx ─────────────────► peer.Reactor.ReceiveTx
  Reactor ── FetchTransactions ► GetTransactions ──────────► peer.Mempool
  Syncer ─── GetBlocks ────────► GetBlocks ────────────────► peer.Store

합의 메시지는 피어별 outbox 고루틴이 전송하므로 엔진은 네트워크 때문에 블록되지 않는다.

================================================================================
*/

// Config configures the gRPC transport.
type Config struct {
	// 로컬 검증자 인덱스
	Index uint8

	ListenAddress string

	// 검증자 인덱스 -> 주소
	Peers map[uint8]string

	RequestTimeout time.Duration
	MaxMessageSize int
	OutboxSize     int
	DedupCacheSize int
}

// DefaultConfig returns transport defaults for index.
func DefaultConfig(index uint8, listen string) *Config {
	return &Config{
		Index:          index,
		ListenAddress:  listen,
		Peers:          make(map[uint8]string),
		RequestTimeout: 5 * time.Second,
		MaxMessageSize: 64 * 1024 * 1024, // 64MB
		OutboxSize:     1024,
		DedupCacheSize: 4096,
	}
}

// TxHandler admits a gossiped transaction.
type TxHandler func(peerID string, tx []byte) error

// TxLookup returns the bodies of the hashes the node has.
type TxLookup func(hashes []types.Hash) [][]byte

// StatusFunc reports the local chain height and consensus view.
type StatusFunc func() (height uint32, view uint8)

// GRPCTransport connects validators over gRPC.
type GRPCTransport struct {
	mu sync.RWMutex

	config   *Config
	server   *grpc.Server
	listener net.Listener
	logger   *zap.SugaredLogger

	// Peer connections
	peers map[uint8]*peerConn

	// 수신 콜백
	msgHandler func(data []byte)
	txHandler  TxHandler
	txLookup   TxLookup
	blocks     persistence.Store
	status     StatusFunc

	seen *lru.Cache[string, struct{}]

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// service answers peer requests. It is separate from GRPCTransport because
// both sides of GetBlocks share a name.
type service struct {
	t *GRPCTransport

	dbftv1.UnimplementedDBFTServiceServer
}

// peerConn represents a connection to a peer node.
type peerConn struct {
	index  uint8
	addr   string
	conn   *grpc.ClientConn
	client dbftv1.DBFTServiceClient
	outbox chan *dbftv1.Envelope
}

var (
	_ dbft.Network              = (*GRPCTransport)(nil)
	_ mempool.Broadcaster       = (*GRPCTransport)(nil)
	_ mempool.Fetcher           = (*GRPCTransport)(nil)
	_ persistence.BlockProvider = (*GRPCTransport)(nil)
)

// NewGRPCTransport creates a new gRPC-based transport.
func NewGRPCTransport(config *Config, logger *zap.SugaredLogger) *GRPCTransport {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GRPCTransport{
		config: config,
		logger: logger,
		peers:  make(map[uint8]*peerConn),
		seen:   newDedupCache(config.DedupCacheSize),
	}
}

// SetMessageHandler sets the callback for consensus messages.
func (t *GRPCTransport) SetMessageHandler(handler func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgHandler = handler
}

// SetTxHandler sets the callback for gossiped transactions.
func (t *GRPCTransport) SetTxHandler(handler TxHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txHandler = handler
}

// SetTxLookup sets the source answering GetTransactions.
func (t *GRPCTransport) SetTxLookup(lookup TxLookup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txLookup = lookup
}

// SetBlockStore sets the store answering GetBlocks.
func (t *GRPCTransport) SetBlockStore(store persistence.Store) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocks = store
}

// SetStatusFunc sets the status reporter for GetStatus.
func (t *GRPCTransport) SetStatusFunc(fn StatusFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = fn
}

// Start starts the gRPC server and connects to the configured peers.
func (t *GRPCTransport) Start() error {
	listener, err := net.Listen("tcp", t.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.config.ListenAddress, err)
	}

	t.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(t.config.MaxMessageSize),
		grpc.MaxSendMsgSize(t.config.MaxMessageSize),
	)
	dbftv1.RegisterDBFTServiceServer(t.server, &service{t: t})

	t.mu.Lock()
	t.listener = listener
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.running = true
	t.mu.Unlock()

	go func() {
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Errorf("gRPC server error: %v", err)
		}
	}()

	for index, addr := range t.config.Peers {
		if index == t.config.Index {
			continue
		}
		if err := t.AddPeer(index, addr); err != nil {
			t.Stop()
			return err
		}
	}

	t.logger.Infof("Transport listening on %s with %d peers", listener.Addr(), len(t.config.Peers))
	return nil
}

// Addr returns the listening address once started.
func (t *GRPCTransport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop stops the gRPC server and closes all connections.
func (t *GRPCTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.cancel()
	peers := t.peers
	t.peers = make(map[uint8]*peerConn)
	t.mu.Unlock()

	t.wg.Wait()

	var err error
	for _, peer := range peers {
		err = multierr.Append(err, peer.conn.Close())
	}
	if t.server != nil {
		t.server.GracefulStop()
	}

	t.logger.Info("Transport stopped")
	return err
}

// AddPeer connects to a remote validator. The connection is established
// lazily by gRPC.
func (t *GRPCTransport) AddPeer(index uint8, address string) error {
	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(t.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(t.config.MaxMessageSize),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create client for peer %d at %s: %w", index, address, err)
	}

	peer := &peerConn{
		index:  index,
		addr:   address,
		conn:   conn,
		client: dbftv1.NewDBFTServiceClient(conn),
		outbox: make(chan *dbftv1.Envelope, t.config.OutboxSize),
	}

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		conn.Close()
		return ErrNotRunning
	}
	if old, ok := t.peers[index]; ok {
		close(old.outbox)
		old.conn.Close()
	}
	t.peers[index] = peer
	ctx := t.ctx
	t.wg.Add(1)
	t.mu.Unlock()

	go t.sendLoop(ctx, peer)

	t.logger.Debugf("Added peer %d at %s", index, address)
	return nil
}

// RemovePeer disconnects from a peer.
func (t *GRPCTransport) RemovePeer(index uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if peer, exists := t.peers[index]; exists {
		close(peer.outbox)
		peer.conn.Close()
		delete(t.peers, index)
		t.logger.Debugf("Removed peer %d", index)
	}
}

// PeerCount returns the number of connected peers.
func (t *GRPCTransport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *GRPCTransport) sortedPeers() []*peerConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// ================================================================================
//                          합의 메시지 (dbft.Network)
// ================================================================================

func (t *GRPCTransport) envelope(data []byte) *dbftv1.Envelope {
	return &dbftv1.Envelope{
		ID:      uuid.NewString(),
		From:    t.config.Index,
		Payload: data,
		SentAt:  timestamppb.Now(),
	}
}

// Broadcast queues data for every peer.
func (t *GRPCTransport) Broadcast(data []byte) error {
	env := t.envelope(data)
	var err error
	for _, peer := range t.sortedPeers() {
		err = multierr.Append(err, t.enqueue(peer, env))
	}
	return err
}

// SendTo queues data for a single peer.
func (t *GRPCTransport) SendTo(index uint8, data []byte) error {
	t.mu.RLock()
	peer, ok := t.peers[index]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, index)
	}
	return t.enqueue(peer, t.envelope(data))
}

func (t *GRPCTransport) enqueue(peer *peerConn, env *dbftv1.Envelope) (err error) {
	// RemovePeer 이후 닫힌 outbox에 보내면 panic
	defer func() {
		if recover() != nil {
			err = fmt.Errorf("%w: %d", ErrUnknownPeer, peer.index)
		}
	}()
	select {
	case peer.outbox <- env:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrOutboxOverflow, peer.index)
	}
}

func (t *GRPCTransport) sendLoop(ctx context.Context, peer *peerConn) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-peer.outbox:
			if !ok {
				return
			}
			callCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
			_, err := peer.client.Deliver(callCtx, env, callOptions()...)
			cancel()
			if err != nil {
				t.logger.Debugf("Deliver to peer %d failed: %v", peer.index, err)
			}
		}
	}
}

// Deliver handles an inbound consensus message.
func (s *service) Deliver(_ context.Context, env *dbftv1.Envelope) (*dbftv1.DeliverResponse, error) {
	t := s.t
	if seen, _ := t.seen.ContainsOrAdd(env.ID, struct{}{}); seen {
		return &dbftv1.DeliverResponse{Accepted: false}, nil
	}
	t.mu.RLock()
	handler := t.msgHandler
	t.mu.RUnlock()
	if handler == nil {
		return &dbftv1.DeliverResponse{Accepted: false}, nil
	}
	handler(env.Payload)
	return &dbftv1.DeliverResponse{Accepted: true}, nil
}

// ================================================================================
//                          트랜잭션 (mempool.Broadcaster / Fetcher)
// ================================================================================

// BroadcastTx submits tx to every peer.
func (t *GRPCTransport) BroadcastTx(tx []byte) error {
	ctx, cancel := t.requestContext(context.Background())
	defer cancel()

	peers := t.sortedPeers()
	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, p *peerConn) {
			defer wg.Done()
			_, err := p.client.SubmitTx(ctx, &dbftv1.SubmitTxRequest{
				Tx:   tx,
				From: fmt.Sprintf("validator-%d", t.config.Index),
			}, callOptions()...)
			if err != nil {
				errs[i] = fmt.Errorf("peer %d: %w", p.index, err)
			}
		}(i, peer)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// FetchTransactions asks peers in index order until every hash is found.
// The bodies found so far are returned together with any error.
func (t *GRPCTransport) FetchTransactions(ctx context.Context, hashes []types.Hash) ([][]byte, error) {
	pending := make(map[types.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		pending[h] = struct{}{}
	}

	var (
		found [][]byte
		err   error
	)
	for _, peer := range t.sortedPeers() {
		if len(pending) == 0 {
			break
		}
		want := make([]types.Hash, 0, len(pending))
		for h := range pending {
			want = append(want, h)
		}

		callCtx, cancel := t.requestContext(ctx)
		resp, callErr := peer.client.GetTransactions(callCtx, &dbftv1.GetTransactionsRequest{Hashes: want}, callOptions()...)
		cancel()
		if callErr != nil {
			err = multierr.Append(err, fmt.Errorf("peer %d: %w", peer.index, callErr))
			continue
		}
		for _, tx := range resp.Transactions {
			h := types.HashData(tx)
			if _, ok := pending[h]; !ok {
				continue
			}
			delete(pending, h)
			found = append(found, tx)
		}
	}

	if len(pending) > 0 && err == nil {
		err = fmt.Errorf("%d of %d transactions not found at any peer", len(pending), len(hashes))
	}
	return found, err
}

// SubmitTx handles a gossiped transaction.
func (s *service) SubmitTx(_ context.Context, req *dbftv1.SubmitTxRequest) (*dbftv1.SubmitTxResponse, error) {
	t := s.t
	t.mu.RLock()
	handler := t.txHandler
	t.mu.RUnlock()
	if handler == nil {
		return nil, ErrNotRunning
	}
	if err := handler(req.From, req.Tx); err != nil && !errors.Is(err, mempool.ErrTxAlreadyExists) {
		return nil, err
	}
	return &dbftv1.SubmitTxResponse{Hash: types.HashData(req.Tx)}, nil
}

// GetTransactions handles a body request.
func (s *service) GetTransactions(_ context.Context, req *dbftv1.GetTransactionsRequest) (*dbftv1.GetTransactionsResponse, error) {
	t := s.t
	t.mu.RLock()
	lookup := t.txLookup
	t.mu.RUnlock()
	if lookup == nil {
		return &dbftv1.GetTransactionsResponse{}, nil
	}
	return &dbftv1.GetTransactionsResponse{Transactions: lookup(req.Hashes)}, nil
}

// ================================================================================
//                          블록 동기화 (persistence.BlockProvider)
// ================================================================================

// maxBlocksPerRequest caps a single GetBlocks response.
const maxBlocksPerRequest = 100

// GetBlocks returns the first non-empty answer from the peers.
func (t *GRPCTransport) GetBlocks(ctx context.Context, fromHeight, toHeight uint32) ([]*types.Block, error) {
	var err error
	for _, peer := range t.sortedPeers() {
		callCtx, cancel := t.requestContext(ctx)
		resp, callErr := peer.client.GetBlocks(callCtx, &dbftv1.GetBlocksRequest{
			FromHeight: fromHeight,
			ToHeight:   toHeight,
		}, callOptions()...)
		cancel()
		if callErr != nil {
			err = multierr.Append(err, fmt.Errorf("peer %d: %w", peer.index, callErr))
			continue
		}
		if len(resp.Blocks) > 0 {
			return resp.Blocks, nil
		}
	}
	return nil, err
}

// LatestHeight returns the highest height reported by any peer.
func (t *GRPCTransport) LatestHeight(ctx context.Context) (uint32, error) {
	var (
		best      uint32
		err       error
		responded bool
	)
	for _, peer := range t.sortedPeers() {
		callCtx, cancel := t.requestContext(ctx)
		resp, callErr := peer.client.GetStatus(callCtx, &dbftv1.GetStatusRequest{}, callOptions()...)
		cancel()
		if callErr != nil {
			err = multierr.Append(err, fmt.Errorf("peer %d: %w", peer.index, callErr))
			continue
		}
		responded = true
		if resp.Height > best {
			best = resp.Height
		}
	}
	if !responded && err != nil {
		return 0, err
	}
	return best, nil
}

// GetBlocks handles a block range request.
func (s *service) GetBlocks(_ context.Context, req *dbftv1.GetBlocksRequest) (*dbftv1.GetBlocksResponse, error) {
	t := s.t
	t.mu.RLock()
	store := t.blocks
	t.mu.RUnlock()
	if store == nil {
		return nil, ErrNoBlockSource
	}

	to := req.ToHeight
	if to < req.FromHeight {
		return &dbftv1.GetBlocksResponse{}, nil
	}
	if to-req.FromHeight >= maxBlocksPerRequest {
		to = req.FromHeight + maxBlocksPerRequest - 1
	}
	blocks, err := store.LoadBlocks(req.FromHeight, to)
	if err != nil {
		return nil, err
	}
	return &dbftv1.GetBlocksResponse{Blocks: blocks}, nil
}

// GetStatus returns the local height and view.
func (s *service) GetStatus(_ context.Context, _ *dbftv1.GetStatusRequest) (*dbftv1.GetStatusResponse, error) {
	t := s.t
	t.mu.RLock()
	status := t.status
	t.mu.RUnlock()

	resp := &dbftv1.GetStatusResponse{
		Index:     t.config.Index,
		PeerCount: int32(t.PeerCount()),
	}
	if status != nil {
		resp.Height, resp.View = status()
	}
	return resp, nil
}

func (t *GRPCTransport) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, t.config.RequestTimeout)
}

// ================================================================================
//                          중복 제거
// ================================================================================

// newDedupCache remembers the last size envelope IDs.
func newDedupCache(size int) *lru.Cache[string, struct{}] {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		panic(err)
	}
	return cache
}
