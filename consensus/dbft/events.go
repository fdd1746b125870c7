package dbft

import (
	"time"

	"github.com/r3e-network/neo-dbft/types"
)

// Event is emitted by the engine on round transitions.
type Event interface {
	isEvent()
}

// RoundStarted - 새 (높이, 뷰) 시작
type RoundStarted struct {
	Height  uint32
	View    uint8
	Primary uint8
}

// ViewChanged - 뷰 체인지 완료
type ViewChanged struct {
	Height  uint32
	OldView uint8
	NewView uint8
}

// ProposalAccepted - 현재 뷰의 제안 수락
type ProposalAccepted struct {
	Height uint32
	View   uint8
	Hash   types.Hash
}

// BlockFinalized - 블록 저장 완료
type BlockFinalized struct {
	Height  uint32
	Hash    types.Hash
	TxCount int
	Elapsed time.Duration
}

// EngineHalted is the last event after a fatal error.
type EngineHalted struct {
	Err error
}

func (RoundStarted) isEvent()     {}
func (ViewChanged) isEvent()      {}
func (ProposalAccepted) isEvent() {}
func (BlockFinalized) isEvent()   {}
func (EngineHalted) isEvent()     {}

// Metrics receives engine measurements. metrics.Metrics implements it.
type Metrics interface {
	StartRound(height uint32)
	EndRound(height uint32)
	SetHeight(height uint32)
	SetView(view uint8)
	IncMessagesSent(msgType string)
	IncMessagesReceived(msgType string)
	IncMessagesDropped(reason string)
	ObserveProcessing(msgType string, d time.Duration)
	IncViewChanges()
	ObserveFinalize(d time.Duration)
	AddTransactions(count int)
}

type nopMetrics struct{}

func (nopMetrics) StartRound(uint32)                        {}
func (nopMetrics) EndRound(uint32)                          {}
func (nopMetrics) SetHeight(uint32)                         {}
func (nopMetrics) SetView(uint8)                            {}
func (nopMetrics) IncMessagesSent(string)                   {}
func (nopMetrics) IncMessagesReceived(string)               {}
func (nopMetrics) IncMessagesDropped(string)                {}
func (nopMetrics) ObserveProcessing(string, time.Duration) {}
func (nopMetrics) IncViewChanges()                          {}
func (nopMetrics) ObserveFinalize(time.Duration)            {}
func (nopMetrics) AddTransactions(int)                      {}
