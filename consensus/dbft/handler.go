package dbft

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/crypto"
	"github.com/r3e-network/neo-dbft/types"
)

// Dependencies are the external collaborators of the consensus engine.
type Dependencies struct {
	Network Network
	Mempool Mempool
	Storage BlockStorage
	// Signer is nil for observer nodes.
	Signer Signer
	// StateStore is optional; without it crash recovery is disabled.
	StateStore StateStore
}

// handlerCallbacks let the engine observe transitions.
type handlerCallbacks struct {
	roundStarted     func(height uint32, view uint8)
	viewChanged      func(oldView, newView uint8)
	proposalAccepted func(height uint32, view uint8, hash types.Hash)
	commitSent       func(snapshot *ContextSnapshot)
	blockFinalized   func(height uint32, hash types.Hash, txs int, elapsed time.Duration)
	messageSent      func(t MessageType)
}

// Handler validates inbound messages against the RoundContext and enacts
// the resulting transitions.
type Handler struct {
	config   *Config
	settings Settings
	deps     Dependencies
	rc       *RoundContext
	logger   *zap.SugaredLogger

	verify   types.SignatureVerifier
	now      func() time.Time
	limiter  *responseLimiter
	callback handlerCallbacks
}

// NewHandler creates a handler for height. The local validator index is
// looked up from the signer's public key.
func NewHandler(config *Config, deps Dependencies, height uint32, logger *zap.SugaredLogger) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Network == nil || deps.Mempool == nil || deps.Storage == nil {
		return nil, configError("network, mempool and storage are required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ownIndex := -1
	if deps.Signer != nil {
		vs := &types.ValidatorSet{Validators: config.Validators}
		if idx, ok := vs.IndexOf(deps.Signer.PublicKey()); ok {
			ownIndex = int(idx)
		}
	}

	h := &Handler{
		config:   config,
		settings: config.Settings(),
		deps:     deps,
		rc:       NewRoundContext(height, config.Validators, ownIndex),
		logger:   logger,
		verify:   crypto.VerifySignature,
		now:      time.Now,
		limiter:  newResponseLimiter(config.RecoveryResponseInterval),
	}
	if ownIndex < 0 {
		logger.Infof("Running as observer at height %d", height)
	}
	return h, nil
}

// Context exposes the round context. Callers must respect the single-writer rule.
func (h *Handler) Context() *RoundContext {
	return h.rc
}

func (h *Handler) timestamp() uint64 {
	return uint64(h.now().UnixMilli())
}

// Restore loads a persisted snapshot of the current height. It reports
// whether the snapshot was applied.
func (h *Handler) Restore(s *ContextSnapshot) bool {
	if !h.rc.RestoreSnapshot(s, h.timestamp()) {
		return false
	}
	h.logger.Infof("Restored round height=%d view=%d state=%s commits=%d",
		h.rc.Height, h.rc.View, h.rc.State, h.rc.CountCommitted())
	return true
}

// Handle decodes, authenticates and dispatches one signed message.
// Validation failures return a MessageHandling error and leave the context
// untouched; only fatal errors must stop the caller.
func (h *Handler) Handle(ctx context.Context, data []byte) error {
	sm, err := DecodeSignedMessage(data)
	if err != nil {
		return err
	}
	return h.process(ctx, sm, false)
}

func (h *Handler) process(ctx context.Context, sm *SignedMessage, fromRecovery bool) error {
	if sm.Network != h.config.Network {
		return messageError("network magic %d does not match %d", sm.Network, h.config.Network)
	}

	msg, err := DecodeMessage(sm.Data, h.settings)
	if err != nil {
		return err
	}

	if own, ok := h.rc.OwnIndex(); ok && msg.ValidatorIndex == own {
		return nil
	}

	hash := sm.Hash()
	if h.rc.SeenMessage(hash) {
		return nil
	}

	validator := h.rc.Validators[msg.ValidatorIndex]
	if !h.verify(validator.PublicKey, sm.SigningData(), sm.Signature) {
		return messageError("invalid %s signature from validator %d", msg.Type, msg.ValidatorIndex)
	}
	// 검증된 메시지만 캐시에 기록한다
	h.rc.AddSeenMessage(hash)

	h.rc.MarkSeen(msg.ValidatorIndex, msg.Height)

	if msg.Height != h.rc.Height {
		h.logger.Debugf("Ignoring %s for height %d from validator %d (current height %d)",
			msg.Type, msg.Height, msg.ValidatorIndex, h.rc.Height)
		return nil
	}

	switch body := msg.Body.(type) {
	case *Proposal:
		return h.onProposal(ctx, msg, body, sm)
	case *Vote:
		return h.onVote(ctx, msg, body, sm)
	case *Commit:
		return h.onCommit(ctx, msg, body, sm)
	case *ChangeView:
		return h.onChangeView(ctx, msg, body, sm, fromRecovery)
	case *RecoveryRequest:
		return h.onRecoveryRequest(msg)
	case *RecoveryMessage:
		if fromRecovery {
			return nil
		}
		return h.onRecoveryMessage(ctx, msg, body)
	default:
		return messageError("unhandled message type %s", msg.Type)
	}
}

// onProposal - 프라이머리의 블록 제안 처리
func (h *Handler) onProposal(ctx context.Context, msg *Message, p *Proposal, sm *SignedMessage) error {
	rc := h.rc
	if msg.View != rc.View {
		h.logger.Debugf("Ignoring PROPOSAL for view %d (current view %d)", msg.View, rc.View)
		return nil
	}
	if msg.ValidatorIndex != rc.PrimaryIndex() {
		return messageError("proposal from non-primary %d (primary is %d)", msg.ValidatorIndex, rc.PrimaryIndex())
	}
	if rc.Proposal != nil {
		return messageError("proposal already accepted for height %d view %d", rc.Height, rc.View)
	}
	if rc.CommitSent() {
		h.logger.Infof("Ignoring PROPOSAL at view %d: already committed height %d", rc.View, rc.Height)
		return nil
	}
	if prev := h.deps.Storage.LastBlockHash(); p.PrevHash != prev {
		return messageError("proposal builds on %s, expected %s", p.PrevHash.Short(), prev.Short())
	}

	rc.SetProposal(p, sm.Signature)
	rc.LastProgress = h.timestamp()
	h.dropMismatchedVotes()

	h.logger.Infof("Accepted PROPOSAL height=%d view=%d hash=%s txs=%d",
		rc.Height, rc.View, rc.BlockHash().Short(), len(p.TxHashes))
	if h.callback.proposalAccepted != nil {
		h.callback.proposalAccepted(rc.Height, rc.View, rc.BlockHash())
	}

	var missing []types.Hash
	for _, txHash := range p.TxHashes {
		if !h.deps.Mempool.HasTransaction(txHash) {
			missing = append(missing, txHash)
			rc.missingTxs[txHash] = struct{}{}
		}
	}
	if len(missing) > 0 {
		h.logger.Infof("Requesting %d missing transactions before voting", len(missing))
		h.deps.Mempool.RequestMissing(missing)
		return nil
	}

	h.sendVote()
	if err := h.checkVotes(ctx); err != nil {
		return err
	}
	return h.checkCommits(ctx)
}

// dropMismatchedVotes removes votes recorded before the proposal arrived
// that refer to a different block.
func (h *Handler) dropMismatchedVotes() {
	hash := h.rc.BlockHash()
	for idx, v := range h.rc.Votes {
		if v.Hash != hash {
			h.logger.Warnf("Dropping VOTE from validator %d: hash %s does not match proposal %s",
				idx, v.Hash.Short(), hash.Short())
			delete(h.rc.Votes, idx)
		}
	}
}

// OnTransactionsAvailable resumes a vote deferred on missing transactions.
func (h *Handler) OnTransactionsAvailable(ctx context.Context, hashes []types.Hash) error {
	rc := h.rc
	if len(rc.missingTxs) == 0 {
		return nil
	}
	for _, txHash := range hashes {
		delete(rc.missingTxs, txHash)
	}
	for txHash := range rc.missingTxs {
		if h.deps.Mempool.HasTransaction(txHash) {
			delete(rc.missingTxs, txHash)
		}
	}
	if len(rc.missingTxs) > 0 || rc.Proposal == nil {
		return nil
	}

	h.logger.Infof("All transactions of height %d available, voting", rc.Height)
	h.sendVote()
	if err := h.checkVotes(ctx); err != nil {
		return err
	}
	return h.checkCommits(ctx)
}

// onVote - 투표 처리, 정족수 도달 시 한 번만 커밋 전송
func (h *Handler) onVote(ctx context.Context, msg *Message, v *Vote, sm *SignedMessage) error {
	rc := h.rc
	if msg.View != rc.View {
		h.logger.Debugf("Ignoring VOTE for view %d (current view %d)", msg.View, rc.View)
		return nil
	}
	if _, exists := rc.Votes[msg.ValidatorIndex]; exists {
		return nil
	}
	if rc.Proposal != nil && v.Hash != rc.BlockHash() {
		h.logger.Warnf("VOTE from validator %d has hash %s, proposal is %s",
			msg.ValidatorIndex, v.Hash.Short(), rc.BlockHash().Short())
		return messageError("vote hash mismatch from validator %d", msg.ValidatorIndex)
	}

	rc.Votes[msg.ValidatorIndex] = VoteRecord{Hash: v.Hash, Signature: sm.Signature}
	h.logger.Debugf("Recorded VOTE from validator %d (%d/%d)",
		msg.ValidatorIndex, rc.CountMatchingVotes(), rc.ByzantineThreshold())

	return h.checkVotes(ctx)
}

// checkVotes broadcasts the local Commit once the vote quorum is reached.
func (h *Handler) checkVotes(ctx context.Context) error {
	rc := h.rc
	if rc.Proposal == nil || rc.CommitSent() || len(rc.missingTxs) > 0 {
		return nil
	}
	if rc.CountMatchingVotes() < rc.ByzantineThreshold() {
		return nil
	}

	h.sendCommit()
	return h.checkCommits(ctx)
}

// onCommit - 커밋 서명 검증 후 기록
func (h *Handler) onCommit(ctx context.Context, msg *Message, c *Commit, sm *SignedMessage) error {
	rc := h.rc
	if _, exists := rc.Commits[msg.ValidatorIndex]; exists {
		return nil
	}

	record := CommitRecord{View: msg.View, Signature: c.Signature, Invocation: sm.Signature}
	if rc.Proposal != nil && msg.View == rc.View {
		hash := rc.BlockHash()
		if !h.verify(rc.Validators[msg.ValidatorIndex].PublicKey, hash[:], c.Signature) {
			return messageError("invalid commit signature from validator %d", msg.ValidatorIndex)
		}
		record.verified = true
	}

	rc.Commits[msg.ValidatorIndex] = record
	h.logger.Debugf("Recorded COMMIT from validator %d at view %d (%d commits)",
		msg.ValidatorIndex, msg.View, rc.CountCommitted())

	return h.checkCommits(ctx)
}

// checkCommits finalizes the block once threshold commits verify against
// the accepted proposal.
func (h *Handler) checkCommits(ctx context.Context) error {
	rc := h.rc
	if rc.Proposal == nil || rc.State == StateBlockFinalized {
		return nil
	}

	hash := rc.BlockHash()
	witnesses := make([]types.Witness, 0, len(rc.Commits))
	for idx, c := range rc.Commits {
		if !c.verified {
			if !h.verify(rc.Validators[idx].PublicKey, hash[:], c.Signature) {
				continue
			}
			c.verified = true
			rc.Commits[idx] = c
		}
		witnesses = append(witnesses, types.Witness{Index: idx, Signature: c.Signature})
	}
	if len(witnesses) < rc.ByzantineThreshold() {
		return nil
	}
	sort.Slice(witnesses, func(i, j int) bool { return witnesses[i].Index < witnesses[j].Index })

	return h.finalize(ctx, witnesses)
}

// finalize hands the block to storage. Any failure is fatal: retrying could
// finalize twice.
func (h *Handler) finalize(ctx context.Context, witnesses []types.Witness) error {
	rc := h.rc
	block := rc.Block()
	height := rc.Height

	persistCtx, cancel := context.WithTimeout(ctx, h.config.FinalizeTimeout)
	defer cancel()
	start := h.now()

	h.logger.Infof("Finalizing block height=%d view=%d hash=%s with %d commits",
		height, rc.View, block.Hash().Short(), len(witnesses))

	next, err := h.persist(persistCtx, block, witnesses)
	if err != nil {
		return &finalizeError{height: height, err: err}
	}
	if next <= height {
		return transitionError(StateCommitBroadcast, StateBlockFinalized)
	}

	rc.State = StateBlockFinalized
	if h.callback.blockFinalized != nil {
		h.callback.blockFinalized(height, block.Hash(), len(block.TxHashes), h.now().Sub(start))
	}

	rc.ResetForNewHeight(next, h.timestamp())
	h.limiter.reset()
	h.logger.Infof("Block %d finalized, starting height %d", height, next)
	return h.StartRound(ctx)
}

type persistResult struct {
	next uint32
	err  error
}

// persist bounds AssembleAndPersist by ctx even when the storage ignores it.
// A call that outlives the deadline is reported as failed.
func (h *Handler) persist(ctx context.Context, block *types.ProposedBlock, witnesses []types.Witness) (uint32, error) {
	resultCh := make(chan persistResult, 1)
	go func() {
		next, err := h.deps.Storage.AssembleAndPersist(ctx, block, witnesses)
		resultCh <- persistResult{next: next, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return 0, res.err
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return res.next, nil
	}
}

// StartRound begins the current (height, view): the primary proposes, and
// the engine rearms its timer.
func (h *Handler) StartRound(ctx context.Context) error {
	if h.callback.roundStarted != nil {
		h.callback.roundStarted(h.rc.Height, h.rc.View)
	}
	if h.rc.IsPrimary() && (h.rc.View > 0 || h.config.BlockTime == 0) {
		return h.Propose(ctx)
	}
	return nil
}

// Propose originates a Proposal when the local node is primary.
func (h *Handler) Propose(ctx context.Context) error {
	rc := h.rc
	if !rc.IsPrimary() || rc.Proposal != nil || rc.CommitSent() {
		return nil
	}

	p := &Proposal{
		Version:   h.config.BlockVersion,
		PrevHash:  h.deps.Storage.LastBlockHash(),
		Timestamp: h.timestamp(),
		Nonce:     rand.Uint64(),
		TxHashes:  h.deps.Mempool.SelectTransactions(h.config.MaxTransactionsPerBlock),
	}
	if err := p.verify(h.settings); err != nil {
		return err
	}

	own, _ := rc.OwnIndex()
	sm, err := h.broadcast(NewMessage(rc.Height, own, rc.View, p))
	if err != nil {
		return err
	}

	rc.SetProposal(p, sm.Signature)
	rc.LastProgress = h.timestamp()
	h.dropMismatchedVotes()

	h.logger.Infof("Primary broadcast PROPOSAL height=%d view=%d hash=%s txs=%d",
		rc.Height, rc.View, rc.BlockHash().Short(), len(p.TxHashes))
	if h.callback.proposalAccepted != nil {
		h.callback.proposalAccepted(rc.Height, rc.View, rc.BlockHash())
	}

	h.sendVote()
	return h.checkVotes(ctx)
}

func (h *Handler) sendVote() {
	rc := h.rc
	own, ok := rc.OwnIndex()
	if !ok || rc.Proposal == nil {
		return
	}
	if _, voted := rc.Votes[own]; voted {
		return
	}

	hash := rc.BlockHash()
	sm, err := h.broadcast(NewMessage(rc.Height, own, rc.View, &Vote{Hash: hash}))
	if err != nil {
		h.logger.Warnf("Failed to send VOTE: %v", err)
		return
	}
	rc.Votes[own] = VoteRecord{Hash: hash, Signature: sm.Signature}
}

func (h *Handler) sendCommit() {
	rc := h.rc
	own, ok := rc.OwnIndex()
	if !ok {
		return
	}

	hash := rc.BlockHash()
	blockSig, err := h.deps.Signer.Sign(hash[:])
	if err != nil {
		h.logger.Errorf("Failed to sign block hash: %v", err)
		return
	}
	sm, err := h.broadcast(NewMessage(rc.Height, own, rc.View, &Commit{Signature: blockSig}))
	if err != nil {
		h.logger.Warnf("Failed to send COMMIT: %v", err)
		return
	}

	rc.Commits[own] = CommitRecord{View: rc.View, Signature: blockSig, Invocation: sm.Signature, verified: true}
	rc.State = StateCommitBroadcast
	rc.LastProgress = h.timestamp()

	h.logger.Infof("Vote quorum reached (%d/%d), broadcast COMMIT for height %d",
		rc.CountMatchingVotes(), rc.N(), rc.Height)
	if h.callback.commitSent != nil {
		h.callback.commitSent(rc.Snapshot())
	}
}

// broadcast signs m and sends it to all peers. Send failures are logged;
// the timer retries through view change or recovery.
func (h *Handler) broadcast(m *Message) (*SignedMessage, error) {
	sm, err := h.sign(m)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Network.Broadcast(sm.Encode()); err != nil {
		h.logger.Warnf("Broadcast of %s failed: %v", m.Type, err)
	}
	if h.callback.messageSent != nil {
		h.callback.messageSent(m.Type)
	}
	return sm, nil
}

func (h *Handler) sendTo(index uint8, m *Message) error {
	sm, err := h.sign(m)
	if err != nil {
		return err
	}
	if err := h.deps.Network.SendTo(index, sm.Encode()); err != nil {
		return recoveryError("failed to send %s to validator %d: %v", m.Type, index, err)
	}
	if h.callback.messageSent != nil {
		h.callback.messageSent(m.Type)
	}
	return nil
}

func (h *Handler) sign(m *Message) (*SignedMessage, error) {
	if h.deps.Signer == nil {
		return nil, errors.New("observer cannot sign messages")
	}
	sm, err := Sign(h.config.Network, m, h.deps.Signer)
	if err != nil {
		return nil, err
	}
	h.rc.AddSeenMessage(sm.Hash())
	if own, ok := h.rc.OwnIndex(); ok {
		h.rc.MarkSeen(own, m.Height)
	}
	return sm, nil
}
