package dbft

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/neo-dbft/types"
)

var testSettings = Settings{ValidatorCount: 7, MaxTransactionsPerBlock: 16}

func TestMessageHeaderLayout(t *testing.T) {
	m := NewMessage(0x01020304, 5, 2, &Vote{Hash: types.HashData([]byte("block"))})
	data := m.Encode()

	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 5, 2, byte(VoteType)}, data[:headerSize])
	require.Len(t, data, headerSize+types.HashSize)
}

func TestMessageRoundTrip(t *testing.T) {
	tx1 := types.HashData([]byte("tx1"))
	tx2 := types.HashData([]byte("tx2"))

	bodies := []Body{
		&Proposal{Version: 1, PrevHash: types.HashData([]byte("prev")), Timestamp: 1700, Nonce: 99, TxHashes: []types.Hash{tx1, tx2}},
		&Vote{Hash: tx1},
		&Commit{Signature: types.Signature{1, 2, 3}},
		&ChangeView{NewView: 4, Reason: ReasonTxNotFound, Timestamp: 123456},
		&RecoveryRequest{Timestamp: 987},
	}
	for _, body := range bodies {
		t.Run(body.Type().String(), func(t *testing.T) {
			m := NewMessage(10, 3, 1, body)
			decoded, err := DecodeMessage(m.Encode(), testSettings)
			require.NoError(t, err)
			require.Equal(t, m.Header, decoded.Header)
			require.Equal(t, body, decoded.Body)
		})
	}
}

func TestDecodeMessageRejects(t *testing.T) {
	tx := types.HashData([]byte("tx"))

	t.Run("DuplicateTransaction", func(t *testing.T) {
		m := NewMessage(1, 0, 0, &Proposal{TxHashes: []types.Hash{tx, tx}})
		_, err := DecodeMessage(m.Encode(), testSettings)
		require.ErrorIs(t, err, ErrMessageHandling)
	})

	t.Run("TooManyTransactions", func(t *testing.T) {
		hashes := make([]types.Hash, 17)
		for i := range hashes {
			hashes[i] = types.HashData([]byte{byte(i)})
		}
		m := NewMessage(1, 0, 0, &Proposal{TxHashes: hashes})
		_, err := DecodeMessage(m.Encode(), testSettings)
		require.ErrorIs(t, err, ErrMessageHandling)
	})

	t.Run("ValidatorIndexOutOfRange", func(t *testing.T) {
		m := NewMessage(1, 7, 0, &Vote{Hash: tx})
		_, err := DecodeMessage(m.Encode(), testSettings)
		require.ErrorIs(t, err, ErrMessageHandling)
	})

	t.Run("UnknownType", func(t *testing.T) {
		data := NewMessage(1, 0, 0, &Vote{Hash: tx}).Encode()
		data[headerSize-1] = 0x09
		_, err := DecodeMessage(data, testSettings)
		require.ErrorIs(t, err, ErrMessageHandling)
	})

	t.Run("UnknownReason", func(t *testing.T) {
		m := NewMessage(1, 0, 0, &ChangeView{NewView: 1, Reason: ChangeViewReason(0x40)})
		_, err := DecodeMessage(m.Encode(), testSettings)
		require.ErrorIs(t, err, ErrMessageHandling)
	})

	t.Run("Truncated", func(t *testing.T) {
		data := NewMessage(1, 0, 0, &Vote{Hash: tx}).Encode()
		_, err := DecodeMessage(data[:len(data)-1], testSettings)
		require.ErrorIs(t, err, ErrMessageHandling)
	})

	t.Run("TrailingBytes", func(t *testing.T) {
		data := append(NewMessage(1, 0, 0, &Vote{Hash: tx}).Encode(), 0x00)
		_, err := DecodeMessage(data, testSettings)
		require.ErrorIs(t, err, ErrMessageHandling)
	})
}

func TestRecoveryMessageRoundTrip(t *testing.T) {
	proposal := &Proposal{Version: 0, PrevHash: types.HashData([]byte("prev")), Timestamp: 5, Nonce: 6,
		TxHashes: []types.Hash{types.HashData([]byte("a"))}}

	rm := &RecoveryMessage{
		ChangeViews: []ChangeViewEvidence{
			{ValidatorIndex: 1, OriginalView: 0, NewView: 1, Reason: ReasonTimeout, Timestamp: 10, Signature: types.Signature{1}},
			{ValidatorIndex: 4, OriginalView: 0, NewView: 2, Reason: ReasonTxInvalid, Timestamp: 11, Signature: types.Signature{4}},
		},
		Proposal:          proposal,
		ProposalSignature: types.Signature{9, 9},
		Votes: []VoteEvidence{
			{ValidatorIndex: 0, Signature: types.Signature{0xA}},
			{ValidatorIndex: 2, Signature: types.Signature{0xB}},
		},
		Commits: []CommitEvidence{
			{View: 0, ValidatorIndex: 3, Signature: types.Signature{3}, Invocation: types.Signature{33}},
		},
	}

	m := NewMessage(100, 2, 0, rm)
	decoded, err := DecodeMessage(m.Encode(), testSettings)
	require.NoError(t, err)

	got, ok := decoded.Body.(*RecoveryMessage)
	require.True(t, ok)
	require.Equal(t, rm.ChangeViews, got.ChangeViews)
	require.Equal(t, rm.Proposal, got.Proposal)
	require.Equal(t, rm.ProposalSignature, got.ProposalSignature)
	require.Nil(t, got.PreparationHash)
	require.Equal(t, rm.Votes, got.Votes)
	require.Equal(t, rm.Commits, got.Commits)

	t.Run("PreparationHash", func(t *testing.T) {
		hash := types.HashData([]byte("prepared"))
		rm := &RecoveryMessage{PreparationHash: &hash, Votes: []VoteEvidence{{ValidatorIndex: 5}}}
		decoded, err := DecodeMessage(NewMessage(1, 0, 0, rm).Encode(), testSettings)
		require.NoError(t, err)
		got := decoded.Body.(*RecoveryMessage)
		require.Nil(t, got.Proposal)
		require.NotNil(t, got.PreparationHash)
		require.Equal(t, hash, *got.PreparationHash)
	})

	t.Run("DuplicateCommit", func(t *testing.T) {
		rm := &RecoveryMessage{Commits: []CommitEvidence{{ValidatorIndex: 1}, {ValidatorIndex: 1}}}
		_, err := DecodeMessage(NewMessage(1, 0, 0, rm).Encode(), testSettings)
		require.ErrorIs(t, err, ErrMessageHandling)
	})
}

func TestSignedMessage(t *testing.T) {
	c := newCluster(t, 4)
	m := NewMessage(7, 2, 0, &Vote{Hash: types.HashData([]byte("b"))})

	sm, err := Sign(testNetwork, m, c.signers[2])
	require.NoError(t, err)

	decoded, err := DecodeSignedMessage(sm.Encode())
	require.NoError(t, err)
	require.Equal(t, sm.Network, decoded.Network)
	require.Equal(t, sm.Data, decoded.Data)
	require.Equal(t, sm.Signature, decoded.Signature)
	require.Equal(t, sm.Hash(), decoded.Hash())

	_, err = DecodeSignedMessage(sm.Encode()[:10])
	require.True(t, errors.Is(err, ErrMessageHandling))

	// 같은 페이로드의 다른 서명은 같은 해시
	other := *sm
	other.Signature[5] ^= 0x01
	require.Equal(t, sm.Hash(), other.Hash())

	changed := *sm
	changed.Network++
	require.NotEqual(t, sm.Hash(), changed.Hash())
}
