// Package network provides an in-process message hub connecting dBFT
// engines that run in the same binary (local devnets and tests).
package network

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownPeer is returned when sending to an index that never joined.
var ErrUnknownPeer = errors.New("unknown peer")

// DeliverFunc receives an encoded message. It must not block.
type DeliverFunc func(data []byte)

// Hub routes messages between endpoints by validator index.
type Hub struct {
	mu sync.RWMutex

	// Connected peers (index -> deliver)
	peers map[uint8]DeliverFunc

	// 격리된 노드: 송수신 모두 차단
	isolated map[uint8]bool

	sent   int
	logger *zap.SugaredLogger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		peers:    make(map[uint8]DeliverFunc),
		isolated: make(map[uint8]bool),
		logger:   logger,
	}
}

// Join registers index and returns its endpoint.
func (h *Hub) Join(index uint8, deliver DeliverFunc) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[index] = deliver
	h.logger.Debugf("Peer %d joined the hub", index)
	return &Endpoint{hub: h, index: index}
}

// Leave removes index from the hub.
func (h *Hub) Leave(index uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, index)
	delete(h.isolated, index)
}

// Isolate cuts index off from every other peer until Reconnect.
func (h *Hub) Isolate(index uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isolated[index] = true
}

// Reconnect undoes Isolate.
func (h *Hub) Reconnect(index uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.isolated, index)
}

// Peers returns the joined indices in order.
func (h *Hub) Peers() []uint8 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uint8, 0, len(h.peers))
	for idx := range h.peers {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sent returns the number of deliveries made.
func (h *Hub) Sent() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sent
}

func (h *Hub) route(from uint8, to []uint8, data []byte) {
	h.mu.Lock()
	if h.isolated[from] {
		h.mu.Unlock()
		return
	}
	targets := make([]DeliverFunc, 0, len(to))
	for _, idx := range to {
		deliver, ok := h.peers[idx]
		if !ok || idx == from || h.isolated[idx] {
			continue
		}
		targets = append(targets, deliver)
	}
	h.sent += len(targets)
	h.mu.Unlock()

	for _, deliver := range targets {
		// 수신 측이 버퍼를 재사용해도 안전하도록 복사
		buf := make([]byte, len(data))
		copy(buf, data)
		deliver(buf)
	}
}

// Endpoint is one peer's view of the hub. It implements dbft.Network.
type Endpoint struct {
	hub   *Hub
	index uint8
}

// Index returns the validator index of the endpoint.
func (e *Endpoint) Index() uint8 {
	return e.index
}

// Broadcast 모든 연결된 피어들에게 메시지를 전송함
func (e *Endpoint) Broadcast(data []byte) error {
	e.hub.route(e.index, e.hub.Peers(), data)
	return nil
}

// SendTo sends data to a single peer.
func (e *Endpoint) SendTo(index uint8, data []byte) error {
	e.hub.mu.RLock()
	_, ok := e.hub.peers[index]
	e.hub.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, index)
	}
	e.hub.route(e.index, []uint8{index}, data)
	return nil
}

// Close leaves the hub.
func (e *Endpoint) Close() error {
	e.hub.Leave(e.index)
	return nil
}
