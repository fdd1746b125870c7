package dbft

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/r3e-network/neo-dbft/types"
)

// MessageType is the wire tag of a consensus message.
type MessageType uint8

const (
	// ProposalType is sent by the primary to propose a block.
	ProposalType MessageType = 0x00
	// VoteType is sent by validators that accepted the proposal.
	VoteType MessageType = 0x01
	// CommitType carries a signature over the block hash.
	CommitType MessageType = 0x02
	// ChangeViewType asks to move to a higher view.
	ChangeViewType MessageType = 0x03
	// RecoveryRequestType asks peers for a round snapshot.
	RecoveryRequestType MessageType = 0x04
	// RecoveryMessageType carries a round snapshot.
	RecoveryMessageType MessageType = 0x05
)

// String returns the string representation of MessageType.
func (mt MessageType) String() string {
	switch mt {
	case ProposalType:
		return "PROPOSAL"
	case VoteType:
		return "VOTE"
	case CommitType:
		return "COMMIT"
	case ChangeViewType:
		return "CHANGE-VIEW"
	case RecoveryRequestType:
		return "RECOVERY-REQUEST"
	case RecoveryMessageType:
		return "RECOVERY-MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// ChangeViewReason explains why a validator asks for a new view.
type ChangeViewReason uint8

const (
	ReasonTimeout               ChangeViewReason = 0x00
	ReasonChangeAgreement       ChangeViewReason = 0x01
	ReasonTxNotFound            ChangeViewReason = 0x02
	ReasonTxRejectedByPolicy    ChangeViewReason = 0x03
	ReasonTxInvalid             ChangeViewReason = 0x04
	ReasonBlockRejectedByPolicy ChangeViewReason = 0x05
)

func (r ChangeViewReason) String() string {
	switch r {
	case ReasonTimeout:
		return "Timeout"
	case ReasonChangeAgreement:
		return "ChangeAgreement"
	case ReasonTxNotFound:
		return "TxNotFound"
	case ReasonTxRejectedByPolicy:
		return "TxRejectedByPolicy"
	case ReasonTxInvalid:
		return "TxInvalid"
	case ReasonBlockRejectedByPolicy:
		return "BlockRejectedByPolicy"
	default:
		return "Unknown"
	}
}

func (r ChangeViewReason) valid() bool {
	return r <= ReasonBlockRejectedByPolicy
}

// Settings are the live protocol bounds messages are checked against.
type Settings struct {
	ValidatorCount          int
	MaxTransactionsPerBlock int
}

// Header is common to every consensus message.
type Header struct {
	Height         uint32
	ValidatorIndex uint8
	View           uint8
	Type           MessageType
}

const headerSize = 4 + 1 + 1 + 1

// Body is a message payload. The set of implementations is closed.
type Body interface {
	Type() MessageType
	encode(w *writer)
	verify(s Settings) error
}

// Message is a decoded consensus message.
type Message struct {
	Header
	Body Body
}

// NewMessage creates a message with a header matching body.
func NewMessage(height uint32, validatorIndex, view uint8, body Body) *Message {
	return &Message{
		Header: Header{
			Height:         height,
			ValidatorIndex: validatorIndex,
			View:           view,
			Type:           body.Type(),
		},
		Body: body,
	}
}

// Encode serializes the message: header followed by the payload.
func (m *Message) Encode() []byte {
	w := &writer{buf: make([]byte, 0, headerSize+64)}
	w.u32(m.Height)
	w.u8(m.ValidatorIndex)
	w.u8(m.View)
	w.u8(uint8(m.Type))
	m.Body.encode(w)
	return w.bytes()
}

// Verify re-checks the message against live settings.
func (m *Message) Verify(s Settings) error {
	if int(m.ValidatorIndex) >= s.ValidatorCount {
		return messageError("validator index %d out of range (n=%d)", m.ValidatorIndex, s.ValidatorCount)
	}
	if m.Body == nil || m.Body.Type() != m.Type {
		return messageError("payload does not match header type %s", m.Type)
	}
	return m.Body.verify(s)
}

// DecodeMessage parses and validates a consensus message.
func DecodeMessage(data []byte, s Settings) (*Message, error) {
	r := newReader(data)
	m := &Message{}
	m.Height = r.u32()
	m.ValidatorIndex = r.u8()
	m.View = r.u8()
	m.Type = MessageType(r.u8())
	if r.err != nil {
		return nil, messageError("failed to decode header: %v", r.err)
	}

	var err error
	switch m.Type {
	case ProposalType:
		m.Body, err = decodeProposal(r, s)
	case VoteType:
		m.Body = &Vote{Hash: r.hash()}
	case CommitType:
		m.Body = &Commit{Signature: r.signature()}
	case ChangeViewType:
		m.Body = &ChangeView{NewView: r.u8(), Reason: ChangeViewReason(r.u8()), Timestamp: r.u64()}
	case RecoveryRequestType:
		m.Body = &RecoveryRequest{Timestamp: r.u64()}
	case RecoveryMessageType:
		m.Body, err = decodeRecoveryMessage(r, s)
	default:
		return nil, messageError("unknown message type 0x%02x", uint8(m.Type))
	}
	if err != nil {
		return nil, err
	}
	if err := r.finish(); err != nil {
		return nil, messageError("failed to decode %s: %v", m.Type, err)
	}
	if err := m.Verify(s); err != nil {
		return nil, err
	}
	return m, nil
}

// Proposal is the primary's block proposal.
type Proposal struct {
	Version   uint32
	PrevHash  types.Hash
	Timestamp uint64
	Nonce     uint64
	TxHashes  []types.Hash
}

func (p *Proposal) Type() MessageType { return ProposalType }

func (p *Proposal) encode(w *writer) {
	w.u32(p.Version)
	w.hash(p.PrevHash)
	w.u64(p.Timestamp)
	w.u64(p.Nonce)
	w.varint(uint64(len(p.TxHashes)))
	for _, h := range p.TxHashes {
		w.hash(h)
	}
}

func (p *Proposal) verify(s Settings) error {
	if len(p.TxHashes) > s.MaxTransactionsPerBlock {
		return messageError("proposal has %d transactions, max %d", len(p.TxHashes), s.MaxTransactionsPerBlock)
	}
	seen := make(map[types.Hash]struct{}, len(p.TxHashes))
	for _, h := range p.TxHashes {
		if _, dup := seen[h]; dup {
			return messageError("duplicate transaction hash %s", h)
		}
		seen[h] = struct{}{}
	}
	return nil
}

func decodeProposal(r *reader, s Settings) (*Proposal, error) {
	p := &Proposal{
		Version:   r.u32(),
		PrevHash:  r.hash(),
		Timestamp: r.u64(),
		Nonce:     r.u64(),
	}
	limit := s.MaxTransactionsPerBlock
	if limit < 0 {
		limit = 0
	}
	count := r.varint(uint64(limit))
	if r.err != nil {
		return nil, messageError("failed to decode proposal: %v", r.err)
	}
	p.TxHashes = make([]types.Hash, 0, count)
	for i := uint64(0); i < count; i++ {
		p.TxHashes = append(p.TxHashes, r.hash())
	}
	if r.err != nil {
		return nil, messageError("failed to decode proposal: %v", r.err)
	}
	if err := p.verify(s); err != nil {
		return nil, err
	}
	return p, nil
}

// Block binds the proposal to a height and primary.
func (p *Proposal) Block(height uint32, primary uint8) *types.ProposedBlock {
	hashes := make([]types.Hash, len(p.TxHashes))
	copy(hashes, p.TxHashes)
	return &types.ProposedBlock{
		Header: types.Header{
			Version:      p.Version,
			PrevHash:     p.PrevHash,
			Height:       height,
			Timestamp:    p.Timestamp,
			Nonce:        p.Nonce,
			PrimaryIndex: primary,
			TxRoot:       types.TxRoot(hashes),
		},
		TxHashes: hashes,
	}
}

// Vote accepts a proposal by its block hash.
type Vote struct {
	Hash types.Hash
}

func (v *Vote) Type() MessageType       { return VoteType }
func (v *Vote) encode(w *writer)        { w.hash(v.Hash) }
func (v *Vote) verify(s Settings) error { return nil }

// Commit carries the sender's signature over the block hash.
type Commit struct {
	Signature types.Signature
}

func (c *Commit) Type() MessageType       { return CommitType }
func (c *Commit) encode(w *writer)        { w.signature(c.Signature) }
func (c *Commit) verify(s Settings) error { return nil }

// ChangeView requests moving to NewView.
type ChangeView struct {
	NewView   uint8
	Reason    ChangeViewReason
	Timestamp uint64
}

func (c *ChangeView) Type() MessageType { return ChangeViewType }

func (c *ChangeView) encode(w *writer) {
	w.u8(c.NewView)
	w.u8(uint8(c.Reason))
	w.u64(c.Timestamp)
}

func (c *ChangeView) verify(s Settings) error {
	if !c.Reason.valid() {
		return messageError("unknown change view reason 0x%02x", uint8(c.Reason))
	}
	return nil
}

// RecoveryRequest asks peers for a snapshot of the current round.
type RecoveryRequest struct {
	Timestamp uint64
}

func (rr *RecoveryRequest) Type() MessageType       { return RecoveryRequestType }
func (rr *RecoveryRequest) encode(w *writer)        { w.u64(rr.Timestamp) }
func (rr *RecoveryRequest) verify(s Settings) error { return nil }

// maxMessageSize bounds the inner message of a signed envelope.
const maxMessageSize = 4 * 1024 * 1024

// SignedMessage is the unit exchanged on the network: an encoded message
// and its sender's signature over sha256(network || message).
type SignedMessage struct {
	Network   uint32
	Data      []byte
	Signature types.Signature
}

// SigningData returns the bytes covered by the signature.
func (sm *SignedMessage) SigningData() []byte {
	return signingData(sm.Network, sm.Data)
}

func signingData(network uint32, data []byte) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = binary.LittleEndian.AppendUint32(buf, network)
	return append(buf, data...)
}

// Encode serializes the envelope.
func (sm *SignedMessage) Encode() []byte {
	w := &writer{buf: make([]byte, 0, 4+len(sm.Data)+types.SignatureSize+5)}
	w.u32(sm.Network)
	w.varbytes(sm.Data)
	w.signature(sm.Signature)
	return w.bytes()
}

// Hash identifies the envelope in the dedup cache. The signature is left
// out, so re-encoded signatures over the same payload share one entry.
func (sm *SignedMessage) Hash() types.Hash {
	return sha256.Sum256(sm.SigningData())
}

// DecodeSignedMessage parses an envelope without verifying it.
func DecodeSignedMessage(data []byte) (*SignedMessage, error) {
	r := newReader(data)
	sm := &SignedMessage{
		Network: r.u32(),
		Data:    r.varbytes(maxMessageSize),
	}
	sm.Signature = r.signature()
	if err := r.finish(); err != nil {
		return nil, messageError("failed to decode envelope: %v", err)
	}
	return sm, nil
}

// Sign wraps m in an envelope signed by signer.
func Sign(network uint32, m *Message, signer Signer) (*SignedMessage, error) {
	data := m.Encode()
	sig, err := signer.Sign(signingData(network, data))
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", m.Type, err)
	}
	return &SignedMessage{Network: network, Data: data, Signature: sig}, nil
}
