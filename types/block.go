package types

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/cometbft/cometbft/crypto/merkle"
)

var (
	ErrNotEnoughWitnesses = errors.New("not enough witnesses")
	ErrInvalidWitness     = errors.New("invalid witness")
	ErrTxCountMismatch    = errors.New("transaction count mismatch")
)

// Witness is one validator's commit signature over a block hash.
type Witness struct {
	Index     uint8     `json:"index"`
	Signature Signature `json:"signature"`
}

// SignatureVerifier checks sig over msg with an encoded public key.
type SignatureVerifier func(publicKey, msg []byte, sig Signature) bool

// Block is a finalized block: header, bodies and the commit witness.
type Block struct {
	Header       Header         `json:"header"`
	Hash         Hash           `json:"hash"`
	TxHashes     []Hash         `json:"tx_hashes"`
	Transactions [][]byte       `json:"transactions"`
	Signers      *bitset.BitSet `json:"signers"`
	Witnesses    []Witness      `json:"witnesses"`
}

// TxRoot computes the merkle root of the given transaction hashes.
func TxRoot(hashes []Hash) Hash {
	leaves := make([][]byte, len(hashes))
	for i := range hashes {
		leaves[i] = hashes[i][:]
	}
	var root Hash
	copy(root[:], merkle.HashFromByteSlices(leaves))
	return root
}

// NewBlock assembles a finalized block. Witnesses are ordered by validator
// index and exactly required of them are kept.
func NewBlock(proposed *ProposedBlock, txs [][]byte, witnesses []Witness, validatorCount, required int) (*Block, error) {
	if len(txs) != len(proposed.TxHashes) {
		return nil, fmt.Errorf("%w: %d bodies for %d hashes", ErrTxCountMismatch, len(txs), len(proposed.TxHashes))
	}

	sorted := make([]Witness, 0, len(witnesses))
	signers := bitset.New(uint(validatorCount))
	for _, w := range witnesses {
		if int(w.Index) >= validatorCount {
			return nil, fmt.Errorf("%w: index %d out of range", ErrInvalidWitness, w.Index)
		}
		if signers.Test(uint(w.Index)) {
			continue
		}
		signers.Set(uint(w.Index))
		sorted = append(sorted, w)
	}
	if len(sorted) < required {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughWitnesses, len(sorted), required)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	sorted = sorted[:required]
	signers.ClearAll()
	for _, w := range sorted {
		signers.Set(uint(w.Index))
	}

	return &Block{
		Header:       proposed.Header,
		Hash:         proposed.Hash(),
		TxHashes:     proposed.TxHashes,
		Transactions: txs,
		Signers:      signers,
		Witnesses:    sorted,
	}, nil
}

// Height returns the block height.
func (b *Block) Height() uint32 {
	return b.Header.Height
}

// Verify re-checks the header hash, the tx root and every witness signature.
func (b *Block) Verify(vs *ValidatorSet, required int, verify SignatureVerifier) error {
	if b.Header.Hash() != b.Hash {
		return fmt.Errorf("%w: header hash mismatch", ErrInvalidWitness)
	}
	if TxRoot(b.TxHashes) != b.Header.TxRoot {
		return fmt.Errorf("%w: tx root mismatch", ErrInvalidWitness)
	}
	if len(b.Witnesses) < required {
		return fmt.Errorf("%w: have %d, need %d", ErrNotEnoughWitnesses, len(b.Witnesses), required)
	}
	if b.Signers != nil && int(b.Signers.Count()) != len(b.Witnesses) {
		return fmt.Errorf("%w: signer bitmap does not match witnesses", ErrInvalidWitness)
	}
	for _, w := range b.Witnesses {
		v := vs.GetByIndex(w.Index)
		if v == nil {
			return fmt.Errorf("%w: unknown validator %d", ErrInvalidWitness, w.Index)
		}
		if !verify(v.PublicKey, b.Hash[:], w.Signature) {
			return fmt.Errorf("%w: bad signature from validator %d", ErrInvalidWitness, w.Index)
		}
	}
	return nil
}
