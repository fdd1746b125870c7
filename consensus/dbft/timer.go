package dbft

import (
	"sync"
	"time"
)

// TimerKind identifies what an armed timer is waiting for.
type TimerKind int

const (
	// TimerPropose - 프라이머리의 블록 제안 지연
	TimerPropose TimerKind = iota
	// TimerChangeView - 진행이 없을 때 뷰 체인지 요청
	TimerChangeView
)

func (k TimerKind) String() string {
	switch k {
	case TimerPropose:
		return "propose"
	case TimerChangeView:
		return "change-view"
	default:
		return "unknown"
	}
}

// TimeoutEvent is posted to the engine queue when a timer fires. It is
// stamped with the round it was armed for.
type TimeoutEvent struct {
	Height uint32
	View   uint8
	Kind   TimerKind
}

// ViewTimer is a single-shot timer. Arming it cancels the previous one, so
// at most one timeout is pending.
type ViewTimer struct {
	mu sync.Mutex

	timer   *time.Timer
	pending TimeoutEvent
	fire    func(TimeoutEvent)
}

// NewViewTimer creates a timer delivering expirations to fire.
func NewViewTimer(fire func(TimeoutEvent)) *ViewTimer {
	return &ViewTimer{fire: fire}
}

// Arm schedules ev after d, replacing any pending timeout.
func (vt *ViewTimer) Arm(ev TimeoutEvent, d time.Duration) {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	if vt.timer != nil {
		vt.timer.Stop()
	}
	vt.pending = ev
	vt.timer = time.AfterFunc(d, func() {
		vt.fire(ev)
	})
}

// Pending returns the event of the armed timer.
func (vt *ViewTimer) Pending() (TimeoutEvent, bool) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	return vt.pending, vt.timer != nil
}

// Stop cancels the pending timeout.
func (vt *ViewTimer) Stop() {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	if vt.timer != nil {
		vt.timer.Stop()
		vt.timer = nil
	}
}
