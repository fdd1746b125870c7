package dbft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/neo-dbft/types"
)

func TestHandlerCommitsOnceAtThreshold(t *testing.T) {
	c := newCluster(t, 7)
	f := newHandlerFixture(t, c, 3, 10)
	s := c.settings()

	p := f.proposal()
	require.NoError(t, f.deliver(t, NewMessage(10, 0, 0, p)))
	require.Equal(t, StateProposalAccepted, f.h.rc.State)

	hash := f.h.rc.BlockHash()
	require.Equal(t, p.Block(10, 0).Hash(), hash)
	require.Len(t, f.net.broadcastsOf(t, s, VoteType), 1)

	// 자신의 투표 + 0, 1, 2 = 4 < 5
	for _, idx := range []uint8{0, 1, 2} {
		require.NoError(t, f.deliver(t, NewMessage(10, idx, 0, &Vote{Hash: hash})))
	}
	require.Empty(t, f.net.broadcastsOf(t, s, CommitType))

	require.NoError(t, f.deliver(t, NewMessage(10, 4, 0, &Vote{Hash: hash})))
	commits := f.net.broadcastsOf(t, s, CommitType)
	require.Len(t, commits, 1)
	require.Equal(t, StateCommitBroadcast, f.h.rc.State)

	commit := commits[0].Body.(*Commit)
	require.True(t, f.h.verify(c.signers[3].PublicKey(), hash[:], commit.Signature))

	require.NoError(t, f.deliver(t, NewMessage(10, 5, 0, &Vote{Hash: hash})))
	require.Len(t, f.net.broadcastsOf(t, s, CommitType), 1)

	for _, idx := range []uint8{0, 1, 2} {
		require.NoError(t, f.deliver(t, NewMessage(10, idx, 0, &Commit{Signature: c.commitSig(t, idx, hash)})))
	}
	require.Empty(t, f.storage.persisted())

	require.NoError(t, f.deliver(t, NewMessage(10, 4, 0, &Commit{Signature: c.commitSig(t, 4, hash)})))
	blocks := f.storage.persisted()
	require.Len(t, blocks, 1)
	require.Equal(t, hash, blocks[0].Hash())

	witnesses := f.storage.witnesses[0]
	require.Len(t, witnesses, 5)
	for i := 1; i < len(witnesses); i++ {
		require.Less(t, witnesses[i-1].Index, witnesses[i].Index)
	}

	require.Equal(t, uint32(11), f.h.rc.Height)
	require.Equal(t, uint8(0), f.h.rc.View)
	require.Equal(t, StateStart, f.h.rc.State)
}

func TestHandlerIgnoresInvalidInput(t *testing.T) {
	c := newCluster(t, 4)
	f := newHandlerFixture(t, c, 1, 10)

	t.Run("BadSignature", func(t *testing.T) {
		m := NewMessage(10, 0, 0, f.proposal())
		sm, err := Sign(testNetwork, m, c.signers[2])
		require.NoError(t, err)
		err = f.h.Handle(context.Background(), sm.Encode())
		require.ErrorIs(t, err, ErrMessageHandling)
		require.Nil(t, f.h.rc.Proposal)
	})

	t.Run("WrongNetwork", func(t *testing.T) {
		sm, err := Sign(testNetwork+1, NewMessage(10, 0, 0, f.proposal()), c.signers[0])
		require.NoError(t, err)
		require.ErrorIs(t, f.h.Handle(context.Background(), sm.Encode()), ErrMessageHandling)
	})

	t.Run("NonPrimaryProposal", func(t *testing.T) {
		require.ErrorIs(t, f.deliver(t, NewMessage(10, 2, 0, f.proposal())), ErrMessageHandling)
		require.Nil(t, f.h.rc.Proposal)
	})

	t.Run("OtherHeight", func(t *testing.T) {
		require.NoError(t, f.deliver(t, NewMessage(11, 0, 0, f.proposal())))
		require.Nil(t, f.h.rc.Proposal)
		require.Equal(t, uint32(11), f.h.rc.lastSeen[0])
	})

	t.Run("Duplicate", func(t *testing.T) {
		data := c.signed(t, NewMessage(10, 2, 0, &Vote{Hash: types.HashData([]byte("x"))}))
		require.NoError(t, f.h.Handle(context.Background(), data))
		require.Len(t, f.h.rc.Votes, 1)
		delete(f.h.rc.Votes, 2)
		require.NoError(t, f.h.Handle(context.Background(), data))
		require.Empty(t, f.h.rc.Votes)
	})

	t.Run("ResignedDuplicate", func(t *testing.T) {
		m := NewMessage(10, 3, 0, &Vote{Hash: types.HashData([]byte("z"))})
		first, err := Sign(testNetwork, m, c.signers[3])
		require.NoError(t, err)
		second, err := Sign(testNetwork, m, c.signers[3])
		require.NoError(t, err)
		require.NotEqual(t, first.Signature, second.Signature)

		require.NoError(t, f.h.Handle(context.Background(), first.Encode()))
		delete(f.h.rc.Votes, 3)
		require.NoError(t, f.h.Handle(context.Background(), second.Encode()))
		_, recorded := f.h.rc.Votes[3]
		require.False(t, recorded)
	})

	t.Run("ForgedCopyFirst", func(t *testing.T) {
		m := NewMessage(10, 2, 0, &Vote{Hash: types.HashData([]byte("w"))})
		sm, err := Sign(testNetwork, m, c.signers[2])
		require.NoError(t, err)
		forged := *sm
		forged.Signature[0] ^= 0xff
		delete(f.h.rc.Votes, 2)

		require.ErrorIs(t, f.h.Handle(context.Background(), forged.Encode()), ErrMessageHandling)
		require.NoError(t, f.h.Handle(context.Background(), sm.Encode()))
		_, recorded := f.h.rc.Votes[2]
		require.True(t, recorded)
	})

	t.Run("OwnMessage", func(t *testing.T) {
		require.NoError(t, f.deliver(t, NewMessage(10, 1, 0, &Vote{Hash: types.HashData([]byte("y"))})))
		_, recorded := f.h.rc.Votes[1]
		require.False(t, recorded)
	})
}

func TestHandlerEarlyVotesAndCommits(t *testing.T) {
	c := newCluster(t, 7)
	f := newHandlerFixture(t, c, 3, 10)
	s := c.settings()

	p := f.proposal()
	hash := p.Block(10, 0).Hash()
	stray := types.HashData([]byte("other block"))

	// 제안 전에 도착한 커밋과 투표
	for _, idx := range []uint8{0, 1, 2, 4} {
		require.NoError(t, f.deliver(t, NewMessage(10, idx, 0, &Commit{Signature: c.commitSig(t, idx, hash)})))
	}
	require.NoError(t, f.deliver(t, NewMessage(10, 5, 0, &Vote{Hash: stray})))
	require.Len(t, f.h.rc.Commits, 4)

	require.NoError(t, f.deliver(t, NewMessage(10, 0, 0, p)))
	_, kept := f.h.rc.Votes[5]
	require.False(t, kept, "mismatched early vote must be dropped")
	require.Empty(t, f.storage.persisted())

	for _, idx := range []uint8{0, 1, 2, 4} {
		require.NoError(t, f.deliver(t, NewMessage(10, idx, 0, &Vote{Hash: hash})))
	}
	require.Len(t, f.net.broadcastsOf(t, s, CommitType), 1)
	require.Len(t, f.storage.persisted(), 1)
	require.Equal(t, uint32(11), f.h.rc.Height)
}

func TestHandlerDefersVoteOnMissingTransactions(t *testing.T) {
	c := newCluster(t, 4)
	f := newHandlerFixture(t, c, 1, 3)
	s := c.settings()

	tx1 := types.HashData([]byte("tx1"))
	tx2 := types.HashData([]byte("tx2"))
	f.mempool.add(tx1)

	require.NoError(t, f.deliver(t, NewMessage(3, 0, 0, f.proposal(tx1, tx2))))
	require.Equal(t, []types.Hash{tx2}, f.mempool.requested)
	require.Empty(t, f.net.broadcastsOf(t, s, VoteType))
	require.Equal(t, []types.Hash{tx2}, f.h.rc.MissingTransactions())

	f.mempool.add(tx2)
	require.NoError(t, f.h.OnTransactionsAvailable(context.Background(), []types.Hash{tx2}))
	require.Len(t, f.net.broadcastsOf(t, s, VoteType), 1)
	require.Empty(t, f.h.rc.MissingTransactions())
}

func TestHandlerPrimaryProposes(t *testing.T) {
	c := newCluster(t, 4)
	f := newHandlerFixture(t, c, 0, 1)
	s := c.settings()

	tx := types.HashData([]byte("tx"))
	f.mempool.add(tx)
	f.mempool.selected = []types.Hash{tx}
	f.storage.last = types.HashData([]byte("genesis"))

	require.NoError(t, f.h.StartRound(context.Background()))
	proposals := f.net.broadcastsOf(t, s, ProposalType)
	require.Len(t, proposals, 1)

	p := proposals[0].Body.(*Proposal)
	require.Equal(t, f.storage.last, p.PrevHash)
	require.Equal(t, []types.Hash{tx}, p.TxHashes)
	require.Len(t, f.net.broadcastsOf(t, s, VoteType), 1)

	// 두 번째 호출은 아무것도 하지 않는다
	require.NoError(t, f.h.Propose(context.Background()))
	require.Len(t, f.net.broadcastsOf(t, s, ProposalType), 1)
}

func TestHandlerFinalizeFailureIsFatal(t *testing.T) {
	c := newCluster(t, 4)
	f := newHandlerFixture(t, c, 1, 10)
	f.storage.err = errors.New("disk full")

	p := f.proposal()
	hash := p.Block(10, 0).Hash()
	require.NoError(t, f.deliver(t, NewMessage(10, 0, 0, p)))
	for _, idx := range []uint8{0, 2} {
		require.NoError(t, f.deliver(t, NewMessage(10, idx, 0, &Vote{Hash: hash})))
	}
	require.True(t, f.h.rc.CommitSent())

	require.NoError(t, f.deliver(t, NewMessage(10, 0, 0, &Commit{Signature: c.commitSig(t, 0, hash)})))
	err := f.deliver(t, NewMessage(10, 2, 0, &Commit{Signature: c.commitSig(t, 2, hash)}))
	require.ErrorIs(t, err, ErrFatal)
	require.Equal(t, uint32(10), f.h.rc.Height)
}

func TestHandlerFinalizeTimeoutIsFatal(t *testing.T) {
	c := newCluster(t, 4)
	f := newHandlerFixture(t, c, 1, 10)
	f.h.config.FinalizeTimeout = 50 * time.Millisecond
	f.storage.delay = time.Second

	p := f.proposal()
	hash := p.Block(10, 0).Hash()
	require.NoError(t, f.deliver(t, NewMessage(10, 0, 0, p)))
	for _, idx := range []uint8{0, 2} {
		require.NoError(t, f.deliver(t, NewMessage(10, idx, 0, &Vote{Hash: hash})))
	}
	require.NoError(t, f.deliver(t, NewMessage(10, 0, 0, &Commit{Signature: c.commitSig(t, 0, hash)})))

	start := time.Now()
	err := f.deliver(t, NewMessage(10, 2, 0, &Commit{Signature: c.commitSig(t, 2, hash)}))
	require.ErrorIs(t, err, ErrFatal)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, uint32(10), f.h.rc.Height)
	require.NotEqual(t, StateBlockFinalized, f.h.rc.State)
}

func TestHandlerRejectsBadCommitSignature(t *testing.T) {
	c := newCluster(t, 4)
	f := newHandlerFixture(t, c, 1, 10)

	p := f.proposal()
	require.NoError(t, f.deliver(t, NewMessage(10, 0, 0, p)))

	wrong := c.commitSig(t, 2, types.HashData([]byte("not the block")))
	err := f.deliver(t, NewMessage(10, 2, 0, &Commit{Signature: wrong}))
	require.ErrorIs(t, err, ErrMessageHandling)
	require.NotContains(t, f.h.rc.Commits, uint8(2))
}
