package dbft

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/r3e-network/neo-dbft/types"
)

// responseLimiter bounds how often one peer receives a recovery reply.
type responseLimiter struct {
	interval time.Duration
	last     map[uint8]time.Time
}

func newResponseLimiter(interval time.Duration) *responseLimiter {
	return &responseLimiter{
		interval: interval,
		last:     make(map[uint8]time.Time),
	}
}

func (l *responseLimiter) allow(peer uint8, now time.Time) bool {
	if prev, ok := l.last[peer]; ok && now.Sub(prev) < l.interval {
		return false
	}
	l.last[peer] = now
	return true
}

func (l *responseLimiter) reset() {
	clear(l.last)
}

// shouldRespond spreads recovery replies: a committed node always answers,
// otherwise only the f+1 validators following the requester do.
func (h *Handler) shouldRespond(requester uint8) bool {
	rc := h.rc
	own, ok := rc.OwnIndex()
	if !ok {
		return false
	}
	if rc.CommitSent() {
		return true
	}
	n := rc.N()
	responders := bitset.New(uint(n))
	for i := 1; i <= rc.F()+1; i++ {
		responders.Set(uint((int(requester) + i) % n))
	}
	return responders.Test(uint(own))
}

// onRecoveryRequest - 복구 요청에 스냅샷으로 응답
func (h *Handler) onRecoveryRequest(msg *Message) error {
	if !h.shouldRespond(msg.ValidatorIndex) {
		return nil
	}
	h.respondRecovery(msg.ValidatorIndex)
	return nil
}

// respondRecovery unicasts a snapshot of the round to peer, at most once
// per RecoveryResponseInterval.
func (h *Handler) respondRecovery(peer uint8) {
	rc := h.rc
	own, ok := rc.OwnIndex()
	if !ok {
		return
	}
	if !h.limiter.allow(peer, h.now()) {
		h.logger.Debugf("Recovery reply to validator %d rate limited", peer)
		return
	}

	rm := h.BuildRecoveryMessage()
	if err := h.sendTo(peer, NewMessage(rc.Height, own, rc.View, rm)); err != nil {
		h.logger.Warnf("Failed to send RECOVERY-MESSAGE: %v", err)
		return
	}
	h.logger.Debugf("Sent RECOVERY-MESSAGE to validator %d (%d change views, %d votes, %d commits)",
		peer, len(rm.ChangeViews), len(rm.Votes), len(rm.Commits))
}

func sortedIndices[V any](m map[uint8]V) []uint8 {
	out := make([]uint8, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BuildRecoveryMessage snapshots the evidence of the current round.
func (h *Handler) BuildRecoveryMessage() *RecoveryMessage {
	rc := h.rc
	rm := &RecoveryMessage{}

	for _, idx := range sortedIndices(rc.ChangeViews) {
		cv := rc.ChangeViews[idx]
		rm.ChangeViews = append(rm.ChangeViews, ChangeViewEvidence{
			ValidatorIndex: idx,
			OriginalView:   cv.OriginalView,
			NewView:        cv.NewView,
			Reason:         cv.Reason,
			Timestamp:      cv.Timestamp,
			Signature:      cv.Signature,
		})
	}

	var voteHash types.Hash
	if rc.Proposal != nil {
		rm.Proposal = rc.Proposal
		rm.ProposalSignature = rc.ProposalSignature
		voteHash = rc.BlockHash()
	} else if hash, ok := mostCommonVoteHash(rc.Votes); ok {
		rm.PreparationHash = &hash
		voteHash = hash
	}

	if !voteHash.IsZero() {
		for _, idx := range sortedIndices(rc.Votes) {
			v := rc.Votes[idx]
			if v.Hash != voteHash {
				continue
			}
			rm.Votes = append(rm.Votes, VoteEvidence{ValidatorIndex: idx, Signature: v.Signature})
		}
	}

	for _, idx := range sortedIndices(rc.Commits) {
		c := rc.Commits[idx]
		rm.Commits = append(rm.Commits, CommitEvidence{
			View:           c.View,
			ValidatorIndex: idx,
			Signature:      c.Signature,
			Invocation:     c.Invocation,
		})
	}
	return rm
}

func mostCommonVoteHash(votes map[uint8]VoteRecord) (types.Hash, bool) {
	counts := make(map[types.Hash]int)
	for _, v := range votes {
		counts[v.Hash]++
	}
	var best types.Hash
	bestCount := 0
	for hash, c := range counts {
		// 동률이면 바이트 순서로 결정
		if c > bestCount || (c == bestCount && string(hash[:]) < string(best[:])) {
			best, bestCount = hash, c
		}
	}
	return best, bestCount > 0
}

// onRecoveryMessage merges a peer's snapshot by rebuilding the original
// signed messages and running them through the normal handlers, so every
// entry is authenticated with its author's key.
func (h *Handler) onRecoveryMessage(ctx context.Context, msg *Message, rm *RecoveryMessage) error {
	rc := h.rc
	n := rc.N()
	accepted, total := 0, 0

	replay := func(header Header, body Body, sig types.Signature) error {
		if int(header.ValidatorIndex) >= n {
			return nil
		}
		total++
		m := &Message{Header: header, Body: body}
		m.Type = body.Type()
		sm := &SignedMessage{Network: h.config.Network, Data: m.Encode(), Signature: sig}
		if err := h.process(ctx, sm, true); err != nil {
			if errors.Is(err, ErrFatal) {
				return err
			}
			h.logger.Debugf("Recovery entry %s from validator %d rejected: %v", m.Type, header.ValidatorIndex, err)
			return nil
		}
		accepted++
		return nil
	}

	// 1. 더 높은 뷰의 뷰 체인지 증거
	if msg.View > rc.View && !rc.CommitSent() {
		for _, cv := range rm.ChangeViews {
			header := Header{Height: msg.Height, ValidatorIndex: cv.ValidatorIndex, View: cv.OriginalView}
			body := &ChangeView{NewView: cv.NewView, Reason: cv.Reason, Timestamp: cv.Timestamp}
			if err := replay(header, body, cv.Signature); err != nil {
				return err
			}
		}
	}

	// 2. 같은 뷰라면 제안과 투표
	if msg.View == rc.View && msg.Height == rc.Height {
		var voteHash types.Hash
		if rm.Proposal != nil {
			primary := PrimaryIndex(msg.View, n)
			voteHash = rm.Proposal.Block(msg.Height, primary).Hash()
			if rc.Proposal == nil {
				header := Header{Height: msg.Height, ValidatorIndex: primary, View: msg.View}
				if err := replay(header, rm.Proposal, rm.ProposalSignature); err != nil {
					return err
				}
			}
		} else if rm.PreparationHash != nil {
			voteHash = *rm.PreparationHash
		}

		if !voteHash.IsZero() {
			for _, v := range rm.Votes {
				header := Header{Height: msg.Height, ValidatorIndex: v.ValidatorIndex, View: msg.View}
				if err := replay(header, &Vote{Hash: voteHash}, v.Signature); err != nil {
					return err
				}
			}
		}
	}

	// 3. 커밋은 뷰와 무관하게 보존
	if msg.View <= rc.View && msg.Height == rc.Height {
		for _, c := range rm.Commits {
			header := Header{Height: msg.Height, ValidatorIndex: c.ValidatorIndex, View: c.View}
			if err := replay(header, &Commit{Signature: c.Signature}, c.Invocation); err != nil {
				return err
			}
		}
	}

	h.logger.Infof("Merged RECOVERY-MESSAGE from validator %d: %d/%d entries accepted (height %d view %d)",
		msg.ValidatorIndex, accepted, total, rc.Height, rc.View)
	return nil
}
