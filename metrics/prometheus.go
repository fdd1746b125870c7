// Package metrics provides Prometheus metrics for the dBFT consensus engine.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for dBFT.
type Metrics struct {
	mu sync.Mutex

	// Consensus metrics
	consensusRoundsTotal prometheus.Counter   // 완료된 높이 수
	consensusDuration    prometheus.Histogram // 높이당 합의 소요 시간
	currentBlockHeight   prometheus.Gauge     // 현재 블록 높이
	currentView          prometheus.Gauge     // 현 뷰 번호

	// Message metrics
	messagesSentTotal     *prometheus.CounterVec   // 타입별 전송 메시지 수
	messagesReceivedTotal *prometheus.CounterVec   // 타입별 수신 메시지 수
	messagesDroppedTotal  *prometheus.CounterVec   // 사유별 드롭 수
	messageProcessingTime *prometheus.HistogramVec // 메시지 처리 시간

	// View change metrics
	viewChangesTotal prometheus.Counter // 뷰 변경 횟수

	// Block metrics
	blockFinalizeTime prometheus.Histogram // 블록 저장 시간
	transactionsTotal prometheus.Counter   // 총 트랜잭션 수
	tps               prometheus.Gauge     // 초당 트랜잭션

	// Internal tracking
	roundStartTimes map[uint32]time.Time
	txCount         int64
	lastTpsUpdate   time.Time
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		roundStartTimes: make(map[uint32]time.Time),
		lastTpsUpdate:   time.Now(),
	}

	// Consensus metrics
	m.consensusRoundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_rounds_total",
		Help:      "Total number of heights finalized",
	})

	m.consensusDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consensus_duration_seconds",
		Help:      "Time from the start of a height to its finalization",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	})

	m.currentBlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_height",
		Help:      "Current consensus height",
	})

	m.currentView = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_view",
		Help:      "Current view number",
	})

	// Message metrics
	m.messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of consensus messages sent by type",
	}, []string{"type"})

	m.messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of consensus messages received by type",
	}, []string{"type"})

	m.messagesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Inbound messages dropped before processing, by reason",
	}, []string{"reason"})

	m.messageProcessingTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_processing_seconds",
		Help:      "Time to process messages by type",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	}, []string{"type"})

	// View change metrics
	m.viewChangesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "view_changes_total",
		Help:      "Total number of view changes",
	})

	// Block metrics
	m.blockFinalizeTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "block_finalize_seconds",
		Help:      "Time to assemble, execute and persist a block",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	m.transactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Total number of transactions finalized",
	})

	m.tps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tps",
		Help:      "Current transactions per second",
	})

	collectors := []prometheus.Collector{
		m.consensusRoundsTotal,
		m.consensusDuration,
		m.currentBlockHeight,
		m.currentView,
		m.messagesSentTotal,
		m.messagesReceivedTotal,
		m.messagesDroppedTotal,
		m.messageProcessingTime,
		m.viewChangesTotal,
		m.blockFinalizeTime,
		m.transactionsTotal,
		m.tps,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// StartRound records the start of a height.
func (m *Metrics) StartRound(height uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roundStartTimes[height]; !ok {
		m.roundStartTimes[height] = time.Now()
	}
}

// EndRound records the finalization of a height.
func (m *Metrics) EndRound(height uint32) {
	m.mu.Lock()
	startTime, exists := m.roundStartTimes[height]
	if exists {
		delete(m.roundStartTimes, height)
	}
	m.mu.Unlock()

	if exists {
		m.consensusDuration.Observe(time.Since(startTime).Seconds())
	}
	m.consensusRoundsTotal.Inc()
}

// SetHeight sets the current height.
func (m *Metrics) SetHeight(height uint32) {
	m.currentBlockHeight.Set(float64(height))
}

// SetView sets the current view number.
func (m *Metrics) SetView(view uint8) {
	m.currentView.Set(float64(view))
}

// IncMessagesSent increments the messages sent counter.
func (m *Metrics) IncMessagesSent(msgType string) {
	m.messagesSentTotal.WithLabelValues(msgType).Inc()
}

// IncMessagesReceived increments the messages received counter.
func (m *Metrics) IncMessagesReceived(msgType string) {
	m.messagesReceivedTotal.WithLabelValues(msgType).Inc()
}

// IncMessagesDropped counts a message dropped for reason.
func (m *Metrics) IncMessagesDropped(reason string) {
	m.messagesDroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveProcessing records the time to process a message.
func (m *Metrics) ObserveProcessing(msgType string, duration time.Duration) {
	m.messageProcessingTime.WithLabelValues(msgType).Observe(duration.Seconds())
}

// IncViewChanges increments the view change counter.
func (m *Metrics) IncViewChanges() {
	m.viewChangesTotal.Inc()
}

// ObserveFinalize records the block finalization time.
func (m *Metrics) ObserveFinalize(duration time.Duration) {
	m.blockFinalizeTime.Observe(duration.Seconds())
}

// AddTransactions adds to the transaction counter and updates TPS.
func (m *Metrics) AddTransactions(count int) {
	m.transactionsTotal.Add(float64(count))

	m.mu.Lock()
	m.txCount += int64(count)
	elapsed := time.Since(m.lastTpsUpdate).Seconds()
	if elapsed >= 1.0 {
		m.tps.Set(float64(m.txCount) / elapsed)
		m.txCount = 0
		m.lastTpsUpdate = time.Now()
	}
	m.mu.Unlock()
}

// Server provides 프로메테우스 매트릭을 위한 HTTP 서버를 제공
type Server struct {
	addr   string
	mux    *http.ServeMux
	server *http.Server
	errCh  chan error
}

// NewServer creates a metrics HTTP server exposing gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		mux:  mux,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		errCh: make(chan error, 1),
	}
}

// Handle registers an extra endpoint (e.g. /health) before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start starts the metrics server in the background.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()
}

// Err reports a listener failure.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}

// NullMetrics is a no-op implementation of metrics for testing.
type NullMetrics struct{}

func (NullMetrics) StartRound(height uint32)                        {}
func (NullMetrics) EndRound(height uint32)                          {}
func (NullMetrics) SetHeight(height uint32)                         {}
func (NullMetrics) SetView(view uint8)                              {}
func (NullMetrics) IncMessagesSent(msgType string)                  {}
func (NullMetrics) IncMessagesReceived(msgType string)              {}
func (NullMetrics) IncMessagesDropped(reason string)                {}
func (NullMetrics) ObserveProcessing(msgType string, d time.Duration) {}
func (NullMetrics) IncViewChanges()                                 {}
func (NullMetrics) ObserveFinalize(d time.Duration)                 {}
func (NullMetrics) AddTransactions(count int)                       {}
