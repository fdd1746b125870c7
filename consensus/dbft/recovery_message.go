package dbft

import (
	"github.com/r3e-network/neo-dbft/types"
)

// ChangeViewEvidence is a ChangeView another validator signed, stripped to
// what is needed to rebuild and re-verify it.
type ChangeViewEvidence struct {
	ValidatorIndex uint8
	OriginalView   uint8
	NewView        uint8
	Reason         ChangeViewReason
	Timestamp      uint64
	Signature      types.Signature
}

// VoteEvidence is a Vote for the snapshot's proposal.
type VoteEvidence struct {
	ValidatorIndex uint8
	Signature      types.Signature
}

// CommitEvidence is a Commit: the block signature plus the message signature.
type CommitEvidence struct {
	View           uint8
	ValidatorIndex uint8
	Signature      types.Signature
	Invocation     types.Signature
}

// RecoveryMessage is a snapshot of a round used to catch up a lagging node.
type RecoveryMessage struct {
	ChangeViews []ChangeViewEvidence

	// Proposal is present when the sender accepted one; otherwise
	// PreparationHash may carry the hash the sender's votes refer to.
	Proposal          *Proposal
	ProposalSignature types.Signature
	PreparationHash   *types.Hash

	Votes   []VoteEvidence
	Commits []CommitEvidence
}

func (rm *RecoveryMessage) Type() MessageType { return RecoveryMessageType }

func (rm *RecoveryMessage) encode(w *writer) {
	w.varint(uint64(len(rm.ChangeViews)))
	for _, cv := range rm.ChangeViews {
		w.u8(cv.ValidatorIndex)
		w.u8(cv.OriginalView)
		w.u8(cv.NewView)
		w.u8(uint8(cv.Reason))
		w.u64(cv.Timestamp)
		w.signature(cv.Signature)
	}

	w.bool(rm.Proposal != nil)
	if rm.Proposal != nil {
		rm.Proposal.encode(w)
		w.signature(rm.ProposalSignature)
	} else if rm.PreparationHash != nil {
		w.varbytes(rm.PreparationHash[:])
	} else {
		w.varbytes(nil)
	}

	w.varint(uint64(len(rm.Votes)))
	for _, v := range rm.Votes {
		w.u8(v.ValidatorIndex)
		w.signature(v.Signature)
	}

	w.varint(uint64(len(rm.Commits)))
	for _, c := range rm.Commits {
		w.u8(c.View)
		w.u8(c.ValidatorIndex)
		w.signature(c.Signature)
		w.signature(c.Invocation)
	}
}

// Validate rejects duplicate validator indices within each section.
func (rm *RecoveryMessage) Validate() error {
	seen := make(map[uint8]struct{})
	for _, cv := range rm.ChangeViews {
		if _, dup := seen[cv.ValidatorIndex]; dup {
			return messageError("duplicate change view from validator %d", cv.ValidatorIndex)
		}
		seen[cv.ValidatorIndex] = struct{}{}
	}

	clear(seen)
	for _, v := range rm.Votes {
		if _, dup := seen[v.ValidatorIndex]; dup {
			return messageError("duplicate vote from validator %d", v.ValidatorIndex)
		}
		seen[v.ValidatorIndex] = struct{}{}
	}

	clear(seen)
	for _, c := range rm.Commits {
		if _, dup := seen[c.ValidatorIndex]; dup {
			return messageError("duplicate commit from validator %d", c.ValidatorIndex)
		}
		seen[c.ValidatorIndex] = struct{}{}
	}
	return nil
}

// verify checks reasons and the embedded proposal. Entries for unknown
// validators are tolerated here and skipped when merging.
func (rm *RecoveryMessage) verify(s Settings) error {
	if err := rm.Validate(); err != nil {
		return err
	}
	for _, cv := range rm.ChangeViews {
		if !cv.Reason.valid() {
			return messageError("unknown change view reason 0x%02x", uint8(cv.Reason))
		}
	}
	if rm.Proposal != nil {
		return rm.Proposal.verify(s)
	}
	return nil
}

func decodeRecoveryMessage(r *reader, s Settings) (*RecoveryMessage, error) {
	limit := uint64(MaxValidators)
	if s.ValidatorCount > 0 && s.ValidatorCount < MaxValidators {
		limit = uint64(s.ValidatorCount)
	}

	rm := &RecoveryMessage{}
	n := r.varint(limit)
	for i := uint64(0); i < n && r.err == nil; i++ {
		rm.ChangeViews = append(rm.ChangeViews, ChangeViewEvidence{
			ValidatorIndex: r.u8(),
			OriginalView:   r.u8(),
			NewView:        r.u8(),
			Reason:         ChangeViewReason(r.u8()),
			Timestamp:      r.u64(),
			Signature:      r.signature(),
		})
	}

	if r.bool() {
		p, err := decodeProposal(r, s)
		if err != nil {
			return nil, err
		}
		rm.Proposal = p
		rm.ProposalSignature = r.signature()
	} else {
		raw := r.varbytes(types.HashSize)
		switch len(raw) {
		case 0:
		case types.HashSize:
			h, _ := types.HashFromBytes(raw)
			rm.PreparationHash = &h
		default:
			if r.err == nil {
				return nil, messageError("preparation hash has %d bytes", len(raw))
			}
		}
	}

	n = r.varint(limit)
	for i := uint64(0); i < n && r.err == nil; i++ {
		rm.Votes = append(rm.Votes, VoteEvidence{
			ValidatorIndex: r.u8(),
			Signature:      r.signature(),
		})
	}

	n = r.varint(limit)
	for i := uint64(0); i < n && r.err == nil; i++ {
		rm.Commits = append(rm.Commits, CommitEvidence{
			View:           r.u8(),
			ValidatorIndex: r.u8(),
			Signature:      r.signature(),
			Invocation:     r.signature(),
		})
	}

	if r.err != nil {
		return nil, messageError("failed to decode recovery message: %v", r.err)
	}
	return rm, nil
}
