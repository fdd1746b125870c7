// Package dbft implements delegated Byzantine Fault Tolerance consensus:
// one primary proposes per view, validators vote, and a block is final
// once n*2/3+1 commit signatures over its hash are collected.
package dbft

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/types"
)

// input is one item of the engine queue. Exactly one field is set.
type input struct {
	data    []byte
	timeout *TimeoutEvent
	txs     []types.Hash
}

// Status is a read-only view of the engine for other goroutines.
type Status struct {
	Height  uint32
	View    uint8
	State   State
	Primary uint8
	Commits int
}

// Engine is the main dBFT consensus engine. All round state is mutated by
// the run goroutine only; network, timer and mempool callbacks post to its
// queue.
type Engine struct {
	mu sync.RWMutex

	config  *Config
	deps    Dependencies
	handler *Handler
	timer   *ViewTimer
	metrics Metrics
	logger  *zap.SugaredLogger

	// Channel for inbound messages
	inputCh chan input
	events  chan Event

	// 타이머 만료와 tx 도착은 네트워크 큐와 별도로 모아 둔다.
	// signalCh (cap 1) 는 대기 중인 신호가 있다는 표시일 뿐이다.
	signalMu   sync.Mutex
	timeouts   []TimeoutEvent
	pendingTxs []types.Hash
	signalCh   chan struct{}

	status    Status
	isPrimary bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEngine creates an engine starting at height. A nil m disables metrics.
func NewEngine(config *Config, deps Dependencies, height uint32, m Metrics, logger *zap.SugaredLogger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if m == nil {
		m = nopMetrics{}
	}
	handler, err := NewHandler(config, deps, height, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:   config,
		deps:     deps,
		handler:  handler,
		metrics:  m,
		logger:   logger,
		inputCh:  make(chan input, config.ChannelSize),
		signalCh: make(chan struct{}, 1),
		events:   make(chan Event, config.EventBuffer),
		done:     make(chan struct{}),
	}
	e.timer = NewViewTimer(e.onTimer)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	handler.callback = handlerCallbacks{
		roundStarted:     e.onRoundStarted,
		viewChanged:      e.onViewChanged,
		proposalAccepted: e.onProposalAccepted,
		commitSent:       e.onCommitSent,
		blockFinalized:   e.onBlockFinalized,
		messageSent:      func(t MessageType) { e.metrics.IncMessagesSent(t.String()) },
	}
	e.syncStatus()
	return e, nil
}

// Start restores any persisted round and launches the consensus loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.ctx.Err() != nil {
		return ErrEngineStopped
	}
	started := false
	e.startOnce.Do(func() {
		started = true
		go func() {
			select {
			case <-ctx.Done():
				e.cancel()
			case <-e.ctx.Done():
			}
		}()

		if e.deps.StateStore != nil {
			snapshot, err := e.deps.StateStore.LoadContext()
			if err != nil {
				e.logger.Warnf("Failed to load consensus snapshot: %v", err)
			} else if snapshot != nil && !e.handler.Restore(snapshot) {
				e.logger.Infof("Discarding snapshot for height %d (current %d)", snapshot.Height, e.handler.rc.Height)
			}
		}

		e.logger.Infof("Starting dBFT engine at height %d with %d validators", e.handler.rc.Height, e.handler.rc.N())
		go e.run()
	})
	if !started {
		return errors.New("engine already started")
	}
	return nil
}

// Stop halts the loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Infof("Stopping dBFT engine")
		e.cancel()
		e.timer.Stop()
	})
	// 시작되지 않은 엔진은 기다릴 루프가 없다
	e.startOnce.Do(func() { close(e.done) })
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		e.logger.Warnf("Engine loop did not exit in time")
	}
}

// Done is closed when the loop exits.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the fatal error that halted the engine, if any.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Events returns the engine event stream. Events are dropped when the
// consumer falls behind.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Receive queues an encoded signed message from the network. Messages are
// dropped when the queue is full.
func (e *Engine) Receive(data []byte) {
	e.post(input{data: data}, "channel_full")
}

// NotifyTransactions queues newly available transactions. Arrivals are
// never dropped; they coalesce until the loop picks them up.
func (e *Engine) NotifyTransactions(hashes []types.Hash) {
	if len(hashes) == 0 || e.ctx.Err() != nil {
		return
	}
	e.signalMu.Lock()
	e.pendingTxs = append(e.pendingTxs, hashes...)
	e.signalMu.Unlock()
	e.signal()
}

func (e *Engine) onTimer(ev TimeoutEvent) {
	if e.ctx.Err() != nil {
		return
	}
	e.signalMu.Lock()
	e.timeouts = append(e.timeouts, ev)
	e.signalMu.Unlock()
	e.signal()
}

func (e *Engine) signal() {
	select {
	case e.signalCh <- struct{}{}:
	default:
		// 이미 표시됨
	}
}

// takeSignals drains pending timer expiries and tx arrivals.
func (e *Engine) takeSignals() ([]TimeoutEvent, []types.Hash) {
	e.signalMu.Lock()
	defer e.signalMu.Unlock()
	timeouts, txs := e.timeouts, e.pendingTxs
	e.timeouts, e.pendingTxs = nil, nil
	return timeouts, txs
}

func (e *Engine) post(in input, reason string) {
	select {
	case <-e.ctx.Done():
	case e.inputCh <- in:
	default:
		e.metrics.IncMessagesDropped(reason)
		e.logger.Warnf("Engine queue full, dropping input (%s)", reason)
	}
}

// run is the main consensus loop.
func (e *Engine) run() {
	defer close(e.done)

	if err := e.handler.StartRound(e.ctx); err != nil {
		if e.halt(err) {
			return
		}
	}
	e.syncStatus()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-e.signalCh:
			timeouts, txs := e.takeSignals()
			for _, ev := range timeouts {
				ev := ev
				if err := e.step(input{timeout: &ev}); err != nil && e.halt(err) {
					return
				}
			}
			if len(txs) > 0 {
				if err := e.step(input{txs: txs}); err != nil && e.halt(err) {
					return
				}
			}
			e.syncStatus()

		case in := <-e.inputCh:
			err := e.step(in)
			if err != nil && e.halt(err) {
				return
			}
			e.syncStatus()
		}
	}
}

func (e *Engine) step(in input) error {
	switch {
	case in.data != nil:
		return e.handleMessage(in.data)

	case in.timeout != nil:
		err := e.handler.OnTimeout(e.ctx, *in.timeout)
		e.rearm(*in.timeout)
		return err

	default:
		return e.handler.OnTransactionsAvailable(e.ctx, in.txs)
	}
}

// handleMessage processes a consensus message.
func (e *Engine) handleMessage(data []byte) error {
	startTime := time.Now()
	sm, err := DecodeSignedMessage(data)
	if err != nil {
		e.metrics.IncMessagesDropped("malformed")
		return err
	}

	msgType := "UNKNOWN"
	if len(sm.Data) >= headerSize {
		msgType = MessageType(sm.Data[headerSize-1]).String()
	}
	defer func() {
		e.metrics.ObserveProcessing(msgType, time.Since(startTime))
		e.metrics.IncMessagesReceived(msgType)
	}()

	return e.handler.process(e.ctx, sm, false)
}

// halt logs non-fatal errors and stops the engine on fatal ones. It
// reports whether the loop must exit.
func (e *Engine) halt(err error) bool {
	if !errors.Is(err, ErrFatal) {
		if errors.Is(err, ErrMessageHandling) {
			e.logger.Debugf("Dropped message: %v", err)
		} else {
			e.logger.Warnf("Consensus error: %v", err)
		}
		return false
	}

	e.logger.Errorf("Fatal consensus error, halting: %v", err)
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	e.timer.Stop()
	e.emit(EngineHalted{Err: err})
	e.cancel()
	return true
}

// rearm keeps a change-view timer pending after a timeout, backing off
// with the view being requested.
func (e *Engine) rearm(fired TimeoutEvent) {
	rc := e.handler.rc
	if pending, ok := e.timer.Pending(); ok && (pending.Height != fired.Height || pending.View != fired.View || pending.Kind != fired.Kind) {
		return
	}
	ev := TimeoutEvent{Height: rc.Height, View: rc.View, Kind: TimerChangeView}
	e.timer.Arm(ev, CalculateViewTimeout(e.config.BaseTimeout, e.handler.ExpectedView()))
}

func (e *Engine) onRoundStarted(height uint32, view uint8) {
	rc := e.handler.rc
	e.metrics.StartRound(height)
	e.metrics.SetHeight(height)
	e.metrics.SetView(view)

	if rc.IsPrimary() && view == 0 && e.config.BlockTime > 0 && rc.Proposal == nil {
		e.timer.Arm(TimeoutEvent{Height: height, View: view, Kind: TimerPropose}, e.config.BlockTime)
	} else {
		e.timer.Arm(TimeoutEvent{Height: height, View: view, Kind: TimerChangeView}, CalculateViewTimeout(e.config.BaseTimeout, view))
	}
	e.emit(RoundStarted{Height: height, View: view, Primary: rc.PrimaryIndex()})
}

func (e *Engine) onViewChanged(oldView, newView uint8) {
	e.metrics.IncViewChanges()
	e.emit(ViewChanged{Height: e.handler.rc.Height, OldView: oldView, NewView: newView})
}

func (e *Engine) onProposalAccepted(height uint32, view uint8, hash types.Hash) {
	e.emit(ProposalAccepted{Height: height, View: view, Hash: hash})
}

func (e *Engine) onCommitSent(snapshot *ContextSnapshot) {
	if e.deps.StateStore == nil {
		return
	}
	if err := e.deps.StateStore.SaveContext(snapshot); err != nil {
		e.logger.Warnf("Failed to persist consensus snapshot at height %d: %v", snapshot.Height, err)
	}
}

func (e *Engine) onBlockFinalized(height uint32, hash types.Hash, txs int, elapsed time.Duration) {
	e.metrics.EndRound(height)
	e.metrics.ObserveFinalize(elapsed)
	e.metrics.AddTransactions(txs)
	e.emit(BlockFinalized{Height: height, Hash: hash, TxCount: txs, Elapsed: elapsed})
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Debugf("Event channel full, dropping %T", ev)
	}
}

func (e *Engine) syncStatus() {
	rc := e.handler.rc
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = Status{
		Height:  rc.Height,
		View:    rc.View,
		State:   rc.State,
		Primary: rc.PrimaryIndex(),
		Commits: rc.CountCommitted(),
	}
	e.isPrimary = rc.IsPrimary()
}

// Status returns the state as of the last processed input.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Height returns the current consensus height.
func (e *Engine) Height() uint32 {
	return e.Status().Height
}

// View returns the current view number.
func (e *Engine) View() uint8 {
	return e.Status().View
}

// IsPrimary reports whether this node proposes in the current view.
func (e *Engine) IsPrimary() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isPrimary
}
