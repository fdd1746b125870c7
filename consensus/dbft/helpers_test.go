package dbft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/r3e-network/neo-dbft/crypto"
	"github.com/r3e-network/neo-dbft/types"
)

const testNetwork uint32 = 0x334F454E

// testNet records everything a handler sends.
type testNet struct {
	mu         sync.Mutex
	broadcasts [][]byte
	sent       map[uint8][][]byte
}

func newTestNet() *testNet {
	return &testNet{sent: make(map[uint8][][]byte)}
}

func (n *testNet) Broadcast(data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, data)
	return nil
}

func (n *testNet) SendTo(index uint8, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[index] = append(n.sent[index], data)
	return nil
}

func decodeAll(t *testing.T, raw [][]byte, s Settings) []*Message {
	t.Helper()
	out := make([]*Message, 0, len(raw))
	for _, data := range raw {
		sm, err := DecodeSignedMessage(data)
		require.NoError(t, err)
		m, err := DecodeMessage(sm.Data, s)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

// broadcastsOf returns the broadcast messages of type mt.
func (n *testNet) broadcastsOf(t *testing.T, s Settings, mt MessageType) []*Message {
	t.Helper()
	n.mu.Lock()
	raw := append([][]byte(nil), n.broadcasts...)
	n.mu.Unlock()

	var out []*Message
	for _, m := range decodeAll(t, raw, s) {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func (n *testNet) sentTo(t *testing.T, s Settings, index uint8) []*Message {
	t.Helper()
	n.mu.Lock()
	raw := append([][]byte(nil), n.sent[index]...)
	n.mu.Unlock()
	return decodeAll(t, raw, s)
}

type testMempool struct {
	mu        sync.Mutex
	available map[types.Hash]bool
	requested []types.Hash
	selected  []types.Hash
}

func newTestMempool() *testMempool {
	return &testMempool{available: make(map[types.Hash]bool)}
}

func (m *testMempool) HasTransaction(hash types.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[hash]
}

func (m *testMempool) RequestMissing(hashes []types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested = append(m.requested, hashes...)
}

func (m *testMempool) SelectTransactions(max int) []types.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.selected) > max {
		return m.selected[:max]
	}
	return m.selected
}

func (m *testMempool) add(hashes ...types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		m.available[h] = true
	}
}

type testStorage struct {
	mu        sync.Mutex
	last      types.Hash
	blocks    []*types.ProposedBlock
	witnesses [][]types.Witness
	err       error
	// delay stalls every call without watching ctx
	delay time.Duration
}

func (s *testStorage) AssembleAndPersist(ctx context.Context, block *types.ProposedBlock, witnesses []types.Witness) (uint32, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.blocks = append(s.blocks, block)
	s.witnesses = append(s.witnesses, witnesses)
	s.last = block.Hash()
	return block.Header.Height + 1, nil
}

func (s *testStorage) LastBlockHash() types.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *testStorage) persisted() []*types.ProposedBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.ProposedBlock(nil), s.blocks...)
}

type memoryStateStore struct {
	mu       sync.Mutex
	snapshot *ContextSnapshot
}

func (m *memoryStateStore) SaveContext(s *ContextSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
	return nil
}

func (m *memoryStateStore) LoadContext() (*ContextSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, nil
}

// cluster holds the keys of a validator set.
type cluster struct {
	signers    []*crypto.DefaultSigner
	validators []*types.Validator
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{}
	keys := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		signer, err := crypto.NewDefaultSigner()
		require.NoError(t, err)
		c.signers = append(c.signers, signer)
		keys = append(keys, signer.PublicKey())
	}
	c.validators = types.NewValidatorSet(keys).Validators
	return c
}

func (c *cluster) config() *Config {
	cfg := DefaultConfig(testNetwork, c.validators)
	cfg.BlockTime = 0
	return cfg
}

func (c *cluster) settings() Settings {
	return c.config().Settings()
}

// signed encodes m as sent by its header's validator.
func (c *cluster) signed(t *testing.T, m *Message) []byte {
	t.Helper()
	sm, err := Sign(testNetwork, m, c.signers[m.ValidatorIndex])
	require.NoError(t, err)
	return sm.Encode()
}

func (c *cluster) commitSig(t *testing.T, index uint8, hash types.Hash) types.Signature {
	t.Helper()
	sig, err := c.signers[index].Sign(hash[:])
	require.NoError(t, err)
	return sig
}

type handlerFixture struct {
	h       *Handler
	net     *testNet
	mempool *testMempool
	storage *testStorage
	c       *cluster
	clock   time.Time
}

func newHandlerFixture(t *testing.T, c *cluster, own int, height uint32) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		net:     newTestNet(),
		mempool: newTestMempool(),
		storage: &testStorage{},
		c:       c,
		clock:   time.Unix(1_700_000_000, 0),
	}
	deps := Dependencies{Network: f.net, Mempool: f.mempool, Storage: f.storage}
	if own >= 0 {
		deps.Signer = c.signers[own]
	}
	h, err := NewHandler(c.config(), deps, height, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	h.now = func() time.Time { return f.clock }
	f.h = h
	return f
}

func (f *handlerFixture) deliver(t *testing.T, m *Message) error {
	t.Helper()
	return f.h.Handle(context.Background(), f.c.signed(t, m))
}

func (f *handlerFixture) proposal(txs ...types.Hash) *Proposal {
	return &Proposal{
		PrevHash:  f.storage.LastBlockHash(),
		Timestamp: uint64(f.clock.UnixMilli()),
		Nonce:     42,
		TxHashes:  txs,
	}
}
