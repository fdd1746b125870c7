package dbft

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/r3e-network/neo-dbft/types"
)

// State is the handler's position in the round state machine.
type State int

const (
	// StateStart - 제안 대기
	StateStart State = iota
	// StateProposalAccepted - 제안 수락, 투표 수집 중
	StateProposalAccepted
	// StateCommitBroadcast - 투표 정족수 도달, 커밋 전송 완료
	StateCommitBroadcast
	// StateBlockFinalized - 커밋 정족수 도달 (높이 종료)
	StateBlockFinalized
	// StateViewChanging - 뷰 체인지 요청 중
	StateViewChanging
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateProposalAccepted:
		return "PROPOSAL-ACCEPTED"
	case StateCommitBroadcast:
		return "COMMIT-BROADCAST"
	case StateBlockFinalized:
		return "BLOCK-FINALIZED"
	case StateViewChanging:
		return "VIEW-CHANGING"
	default:
		return "UNKNOWN"
	}
}

// VoteRecord is a recorded Vote and the signature of the message carrying it.
type VoteRecord struct {
	Hash      types.Hash      `json:"hash"`
	Signature types.Signature `json:"signature"`
}

// CommitRecord is a recorded Commit. Signature covers the block hash,
// Invocation covers the message.
type CommitRecord struct {
	View       uint8           `json:"view"`
	Signature  types.Signature `json:"signature"`
	Invocation types.Signature `json:"invocation"`

	verified bool
}

// ChangeViewRecord is the latest ChangeView recorded for a validator.
type ChangeViewRecord struct {
	OriginalView uint8            `json:"original_view"`
	NewView      uint8            `json:"new_view"`
	Reason       ChangeViewReason `json:"reason"`
	Timestamp    uint64           `json:"timestamp"`
	Signature    types.Signature  `json:"signature"`
}

// RoundContext is the mutable state of one height. It is owned by a single
// goroutine and is not safe for concurrent use.
type RoundContext struct {
	Height     uint32
	View       uint8
	Validators []*types.Validator
	State      State

	// 수락된 제안과 프라이머리의 메시지 서명
	Proposal          *Proposal
	ProposalSignature types.Signature

	Votes       map[uint8]VoteRecord
	Commits     map[uint8]CommitRecord
	ChangeViews map[uint8]ChangeViewRecord

	// ms since epoch of the last state progress
	LastProgress uint64

	ownIndex int

	block     *types.ProposedBlock
	blockHash types.Hash

	missingTxs map[types.Hash]struct{}

	// validator -> height of the last message seen from it
	lastSeen map[uint8]uint32

	seenMessages *simplelru.LRU[types.Hash, struct{}]
}

// NewRoundContext creates the context for height. ownIndex < 0 makes the
// node an observer.
func NewRoundContext(height uint32, validators []*types.Validator, ownIndex int) *RoundContext {
	if ownIndex >= len(validators) {
		ownIndex = -1
	}
	rc := &RoundContext{
		Height:       height,
		Validators:   validators,
		State:        StateStart,
		Votes:        make(map[uint8]VoteRecord),
		Commits:      make(map[uint8]CommitRecord),
		ChangeViews:  make(map[uint8]ChangeViewRecord),
		ownIndex:     ownIndex,
		missingTxs:   make(map[types.Hash]struct{}),
		lastSeen:     make(map[uint8]uint32),
		seenMessages: newMessageCache(),
	}
	rc.seedLastSeen()
	return rc
}

// seedLastSeen gives validators never heard from the current height, so
// they only count as failed after staying silent for a full height.
func (rc *RoundContext) seedLastSeen() {
	for i := range rc.Validators {
		if _, ok := rc.lastSeen[uint8(i)]; !ok {
			rc.lastSeen[uint8(i)] = rc.Height
		}
	}
	if own, ok := rc.OwnIndex(); ok {
		rc.lastSeen[own] = rc.Height
	}
}

// N returns the validator count.
func (rc *RoundContext) N() int {
	return len(rc.Validators)
}

// F returns the number of faulty validators tolerated.
func (rc *RoundContext) F() int {
	return F(rc.N())
}

// ByzantineThreshold returns the quorum size.
func (rc *RoundContext) ByzantineThreshold() int {
	return ByzantineThreshold(rc.N())
}

// PrimaryIndex returns the primary of the current view.
func (rc *RoundContext) PrimaryIndex() uint8 {
	return PrimaryIndex(rc.View, rc.N())
}

// OwnIndex returns the local validator index; ok is false for observers.
func (rc *RoundContext) OwnIndex() (uint8, bool) {
	if rc.ownIndex < 0 {
		return 0, false
	}
	return uint8(rc.ownIndex), true
}

// IsPrimary reports whether the local node proposes in the current view.
func (rc *RoundContext) IsPrimary() bool {
	own, ok := rc.OwnIndex()
	return ok && own == rc.PrimaryIndex()
}

// ResetForNewView clears the proposal and votes. Commits and change-view
// history are kept.
func (rc *RoundContext) ResetForNewView(view uint8, timestamp uint64) {
	rc.View = view
	rc.State = StateStart
	rc.Proposal = nil
	rc.ProposalSignature = types.Signature{}
	rc.block = nil
	rc.blockHash = types.Hash{}
	rc.Votes = make(map[uint8]VoteRecord)
	rc.missingTxs = make(map[types.Hash]struct{})
	rc.LastProgress = timestamp
}

// ResetForNewHeight starts a fresh round at view 0. Last-seen tracking
// survives; everything else is dropped.
func (rc *RoundContext) ResetForNewHeight(height uint32, timestamp uint64) {
	rc.Height = height
	rc.ResetForNewView(0, timestamp)
	rc.Commits = make(map[uint8]CommitRecord)
	rc.ChangeViews = make(map[uint8]ChangeViewRecord)
	rc.seenMessages.Purge()
	rc.seedLastSeen()
}

// AddChangeView records a change-view vote. A request for a view not
// above the sender's previous one is rejected.
func (rc *RoundContext) AddChangeView(index uint8, record ChangeViewRecord) error {
	if int(index) >= rc.N() {
		return messageError("change view from unknown validator %d", index)
	}
	if prev, ok := rc.ChangeViews[index]; ok && record.NewView <= prev.NewView {
		return viewChangeError("validator %d already requested view %d (got %d)", index, prev.NewView, record.NewView)
	}
	rc.ChangeViews[index] = record
	return nil
}

// HasEnoughChangeViews reports whether at least f+1 validators asked for
// target or a later view.
func (rc *RoundContext) HasEnoughChangeViews(target uint8) bool {
	count := 0
	for _, cv := range rc.ChangeViews {
		if cv.NewView >= target {
			count++
		}
	}
	return count >= rc.F()+1
}

// CountCommitted returns the number of validators with a recorded commit.
func (rc *RoundContext) CountCommitted() int {
	return len(rc.Commits)
}

// CountFailed returns validators last heard from more than one height ago.
func (rc *RoundContext) CountFailed() int {
	if len(rc.lastSeen) == 0 {
		return 0
	}
	var floor uint32
	if rc.Height > 0 {
		floor = rc.Height - 1
	}
	failed := 0
	for i := range rc.Validators {
		seen, ok := rc.lastSeen[uint8(i)]
		if !ok || seen < floor {
			failed++
		}
	}
	return failed
}

// MoreThanFNodesCommittedOrLost guards view changes: when true, asking for
// a new view could split the network.
func (rc *RoundContext) MoreThanFNodesCommittedOrLost() bool {
	return rc.CountCommitted()+rc.CountFailed() > rc.F()
}

// MarkSeen records that index sent a message for height.
func (rc *RoundContext) MarkSeen(index uint8, height uint32) {
	if prev, ok := rc.lastSeen[index]; !ok || height > prev {
		rc.lastSeen[index] = height
	}
}

func newMessageCache() *simplelru.LRU[types.Hash, struct{}] {
	cache, err := simplelru.NewLRU[types.Hash, struct{}](MaxMessageCacheSize, nil)
	if err != nil {
		// 크기는 양의 상수
		panic(err)
	}
	return cache
}

// SeenMessage reports whether hash is in the dedup cache.
func (rc *RoundContext) SeenMessage(hash types.Hash) bool {
	return rc.seenMessages.Contains(hash)
}

// AddSeenMessage records hash in the dedup cache and reports whether it
// was new. The least recently seen hash is evicted when full.
func (rc *RoundContext) AddSeenMessage(hash types.Hash) bool {
	if rc.seenMessages.Contains(hash) {
		return false
	}
	rc.seenMessages.Add(hash, struct{}{})
	return true
}

// SetProposal accepts p for the current view.
func (rc *RoundContext) SetProposal(p *Proposal, sig types.Signature) {
	rc.Proposal = p
	rc.ProposalSignature = sig
	rc.block = p.Block(rc.Height, rc.PrimaryIndex())
	rc.blockHash = rc.block.Hash()
	if rc.State == StateStart || rc.State == StateViewChanging {
		rc.State = StateProposalAccepted
	}
	for idx, c := range rc.Commits {
		c.verified = false
		rc.Commits[idx] = c
	}
}

// Block returns the accepted proposal bound to this height, or nil.
func (rc *RoundContext) Block() *types.ProposedBlock {
	return rc.block
}

// BlockHash returns the hash of the accepted proposal; zero without one.
func (rc *RoundContext) BlockHash() types.Hash {
	return rc.blockHash
}

// CountMatchingVotes counts votes for the accepted proposal.
func (rc *RoundContext) CountMatchingVotes() int {
	if rc.block == nil {
		return 0
	}
	count := 0
	for _, v := range rc.Votes {
		if v.Hash == rc.blockHash {
			count++
		}
	}
	return count
}

// CommitSent reports whether the local node already committed this height.
func (rc *RoundContext) CommitSent() bool {
	own, ok := rc.OwnIndex()
	if !ok {
		return false
	}
	_, sent := rc.Commits[own]
	return sent
}

// MissingTransactions returns the referenced transactions not yet available.
func (rc *RoundContext) MissingTransactions() []types.Hash {
	out := make([]types.Hash, 0, len(rc.missingTxs))
	for h := range rc.missingTxs {
		out = append(out, h)
	}
	return out
}

// ContextSnapshot is the persisted form of a RoundContext.
type ContextSnapshot struct {
	Height            uint32                     `json:"height"`
	View              uint8                      `json:"view"`
	Proposal          *Proposal                  `json:"proposal,omitempty"`
	ProposalSignature types.Signature            `json:"proposal_signature"`
	Votes             map[uint8]VoteRecord       `json:"votes"`
	Commits           map[uint8]CommitRecord     `json:"commits"`
	ChangeViews       map[uint8]ChangeViewRecord `json:"change_views"`
}

// Snapshot captures the state needed to resume after a restart.
func (rc *RoundContext) Snapshot() *ContextSnapshot {
	s := &ContextSnapshot{
		Height:            rc.Height,
		View:              rc.View,
		Proposal:          rc.Proposal,
		ProposalSignature: rc.ProposalSignature,
		Votes:             make(map[uint8]VoteRecord, len(rc.Votes)),
		Commits:           make(map[uint8]CommitRecord, len(rc.Commits)),
		ChangeViews:       make(map[uint8]ChangeViewRecord, len(rc.ChangeViews)),
	}
	for k, v := range rc.Votes {
		s.Votes[k] = v
	}
	for k, v := range rc.Commits {
		s.Commits[k] = v
	}
	for k, v := range rc.ChangeViews {
		s.ChangeViews[k] = v
	}
	return s
}

// RestoreSnapshot loads s when it belongs to the current height.
func (rc *RoundContext) RestoreSnapshot(s *ContextSnapshot, timestamp uint64) bool {
	if s == nil || s.Height != rc.Height {
		return false
	}
	rc.ResetForNewView(s.View, timestamp)
	for k, v := range s.ChangeViews {
		if int(k) < rc.N() {
			rc.ChangeViews[k] = v
		}
	}
	for k, v := range s.Commits {
		if int(k) < rc.N() {
			v.verified = false
			rc.Commits[k] = v
		}
	}
	if s.Proposal != nil {
		rc.SetProposal(s.Proposal, s.ProposalSignature)
	}
	for k, v := range s.Votes {
		if int(k) < rc.N() {
			rc.Votes[k] = v
		}
	}
	if rc.CommitSent() {
		rc.State = StateCommitBroadcast
	}
	return true
}
