package dbft

import (
	"context"
)

// onChangeView - 뷰 체인지 요청 처리
//
// 현재 뷰 이하를 요청하는 메시지는 뒤처진 피어로 보고 복구 메시지로 응답한다.
func (h *Handler) onChangeView(ctx context.Context, msg *Message, cv *ChangeView, sm *SignedMessage, fromRecovery bool) error {
	rc := h.rc
	if cv.NewView <= rc.View {
		h.logger.Debugf("Stale CHANGE-VIEW from validator %d (new view %d, current %d)",
			msg.ValidatorIndex, cv.NewView, rc.View)
		if !fromRecovery {
			h.respondRecovery(msg.ValidatorIndex)
		}
		return nil
	}

	record := ChangeViewRecord{
		OriginalView: msg.View,
		NewView:      cv.NewView,
		Reason:       cv.Reason,
		Timestamp:    cv.Timestamp,
		Signature:    sm.Signature,
	}
	if err := rc.AddChangeView(msg.ValidatorIndex, record); err != nil {
		return err
	}
	h.logger.Infof("Recorded CHANGE-VIEW from validator %d: view %d -> %d (%s)",
		msg.ValidatorIndex, msg.View, cv.NewView, cv.Reason)

	// 이미 커밋했으면 뷰를 옮기지 않고 상대에게 커밋 증거를 보낸다
	if rc.CommitSent() {
		if !fromRecovery {
			h.respondRecovery(msg.ValidatorIndex)
		}
		return nil
	}

	return h.checkExpectedView(ctx, cv.NewView)
}

// RequestChangeView asks the network to move past the current view. When
// more than f validators have committed or gone silent a ChangeView could
// split the network, so a RecoveryRequest is sent instead.
func (h *Handler) RequestChangeView(ctx context.Context, reason ChangeViewReason) error {
	rc := h.rc
	own, ok := rc.OwnIndex()
	if !ok {
		return nil
	}

	if rc.MoreThanFNodesCommittedOrLost() {
		h.logger.Infof("Skipping CHANGE-VIEW at height %d view %d: %d committed, %d lost, recovering instead",
			rc.Height, rc.View, rc.CountCommitted(), rc.CountFailed())
		return h.RequestRecovery()
	}

	base := rc.View
	if prev, ok := rc.ChangeViews[own]; ok && prev.NewView > base {
		base = prev.NewView
	}
	newView := NextView(base)
	if newView == 0 {
		return viewChangeError("view number exhausted at height %d", rc.Height)
	}

	ts := h.timestamp()
	cv := &ChangeView{NewView: newView, Reason: reason, Timestamp: ts}
	sm, err := h.broadcast(NewMessage(rc.Height, own, rc.View, cv))
	if err != nil {
		return viewChangeError("failed to broadcast change view: %v", err)
	}
	if err := rc.AddChangeView(own, ChangeViewRecord{
		OriginalView: rc.View,
		NewView:      newView,
		Reason:       reason,
		Timestamp:    ts,
		Signature:    sm.Signature,
	}); err != nil {
		return err
	}
	rc.State = StateViewChanging

	h.logger.Infof("Requested CHANGE-VIEW height=%d view %d -> %d reason=%s",
		rc.Height, rc.View, newView, reason)
	return h.checkExpectedView(ctx, newView)
}

// RequestRecovery broadcasts a RecoveryRequest for the current round.
func (h *Handler) RequestRecovery() error {
	rc := h.rc
	own, ok := rc.OwnIndex()
	if !ok {
		return nil
	}
	if _, err := h.broadcast(NewMessage(rc.Height, own, rc.View, &RecoveryRequest{Timestamp: h.timestamp()})); err != nil {
		return recoveryError("failed to broadcast recovery request: %v", err)
	}
	h.logger.Infof("Requested RECOVERY at height %d view %d", rc.Height, rc.View)
	return nil
}

// ExpectedView is the view the local node is currently asking for.
func (h *Handler) ExpectedView() uint8 {
	rc := h.rc
	if own, ok := rc.OwnIndex(); ok {
		if cv, ok := rc.ChangeViews[own]; ok && cv.NewView > rc.View {
			return cv.NewView
		}
	}
	return rc.View
}

// checkExpectedView moves to view once f+1 validators asked for it.
func (h *Handler) checkExpectedView(ctx context.Context, view uint8) error {
	rc := h.rc
	if rc.View >= view || rc.CommitSent() {
		return nil
	}
	if !rc.HasEnoughChangeViews(view) {
		return nil
	}

	// 정족수에 합류: 아직 view를 요청하지 않았다면 동의 메시지를 보낸다
	if own, ok := rc.OwnIndex(); ok {
		if prev, ok := rc.ChangeViews[own]; !ok || prev.NewView < view {
			ts := h.timestamp()
			cv := &ChangeView{NewView: view, Reason: ReasonChangeAgreement, Timestamp: ts}
			if sm, err := h.broadcast(NewMessage(rc.Height, own, rc.View, cv)); err == nil {
				rc.ChangeViews[own] = ChangeViewRecord{
					OriginalView: rc.View,
					NewView:      view,
					Reason:       ReasonChangeAgreement,
					Timestamp:    ts,
					Signature:    sm.Signature,
				}
			}
		}
	}

	return h.changeView(ctx, view)
}

func (h *Handler) changeView(ctx context.Context, view uint8) error {
	rc := h.rc
	old := rc.View
	rc.ResetForNewView(view, h.timestamp())

	h.logger.Infof("View changed at height %d: %d -> %d, primary is %d",
		rc.Height, old, view, rc.PrimaryIndex())
	if h.callback.viewChanged != nil {
		h.callback.viewChanged(old, view)
	}
	return h.StartRound(ctx)
}

// OnTimeout handles an expired timer. Events for a superseded height or
// view are ignored.
func (h *Handler) OnTimeout(ctx context.Context, ev TimeoutEvent) error {
	rc := h.rc
	if ev.Height != rc.Height || ev.View != rc.View {
		h.logger.Debugf("Ignoring stale %s timeout for height %d view %d", ev.Kind, ev.Height, ev.View)
		return nil
	}

	switch ev.Kind {
	case TimerPropose:
		return h.Propose(ctx)

	case TimerChangeView:
		h.logger.Infof("Timeout at height %d view %d in state %s", rc.Height, rc.View, rc.State)
		if rc.CommitSent() {
			return h.RequestRecovery()
		}
		if rc.Proposal != nil && len(rc.missingTxs) > 0 {
			return h.RequestChangeView(ctx, ReasonTxNotFound)
		}
		return h.RequestChangeView(ctx, ReasonTimeout)
	}
	return nil
}
