// Package types defines core data structures shared by the dBFT consensus node.
package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// HashSize is the size of block and transaction hashes.
	HashSize = 32

	// SignatureSize is the size of an r||s ECDSA signature.
	SignatureSize = 64
)

var (
	ErrInvalidHashLength      = errors.New("invalid hash length")
	ErrInvalidSignatureLength = errors.New("invalid signature length")
)

// Hash is a 32-byte SHA-256 digest.
type Hash [HashSize]byte

// HashFromBytes copies b into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: expected %d, got %d", ErrInvalidHashLength, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashData returns the SHA-256 digest of data.
func HashData(data []byte) Hash {
	return sha256.Sum256(data)
}

// IsZero reports whether the hash is all zero bytes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("failed to decode hash: %w", err)
	}
	parsed, err := HashFromBytes(b)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Signature is a 64-byte r||s signature.
type Signature [SignatureSize]byte

// SignatureFromBytes copies b into a Signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var s Signature
	if len(b) != SignatureSize {
		return s, fmt.Errorf("%w: expected %d, got %d", ErrInvalidSignatureLength, SignatureSize, len(b))
	}
	copy(s[:], b)
	return s, nil
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	parsed, err := SignatureFromBytes(b)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Validator represents a node participating in consensus.
type Validator struct {
	Index     uint8  `json:"index"`
	PublicKey []byte `json:"public_key"`
	Address   string `json:"address"`
}

// ValidatorSet is the ordered validator list for a height.
type ValidatorSet struct {
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet builds a validator set from public keys, assigning
// indices in the given order.
func NewValidatorSet(publicKeys [][]byte) *ValidatorSet {
	validators := make([]*Validator, len(publicKeys))
	for i, pub := range publicKeys {
		sum := sha256.Sum256(pub)
		validators[i] = &Validator{
			Index:     uint8(i),
			PublicKey: pub,
			Address:   hex.EncodeToString(sum[:20]),
		}
	}
	return &ValidatorSet{Validators: validators}
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// GetByIndex returns the validator at index, or nil.
func (vs *ValidatorSet) GetByIndex(index uint8) *Validator {
	if int(index) >= len(vs.Validators) {
		return nil
	}
	return vs.Validators[index]
}

// IndexOf returns the index of the validator holding publicKey.
func (vs *ValidatorSet) IndexOf(publicKey []byte) (uint8, bool) {
	for _, v := range vs.Validators {
		if string(v.PublicKey) == string(publicKey) {
			return v.Index, true
		}
	}
	return 0, false
}

// Header is the canonical block header the validators sign.
type Header struct {
	Version      uint32 `json:"version"`
	PrevHash     Hash   `json:"prev_hash"`
	Height       uint32 `json:"height"`
	Timestamp    uint64 `json:"timestamp"`
	Nonce        uint64 `json:"nonce"`
	PrimaryIndex uint8  `json:"primary_index"`
	TxRoot       Hash   `json:"tx_root"`
}

// Hash returns the block hash: SHA-256 over the little-endian header layout.
func (h *Header) Hash() Hash {
	buf := make([]byte, 0, 4+HashSize+4+8+8+1+HashSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	buf = append(buf, h.PrimaryIndex)
	buf = append(buf, h.TxRoot[:]...)
	return sha256.Sum256(buf)
}

// ProposedBlock is an accepted proposal bound to its height and primary:
// everything needed to assemble the final block except witnesses and bodies.
type ProposedBlock struct {
	Header   Header `json:"header"`
	TxHashes []Hash `json:"tx_hashes"`
}

// Hash returns the hash validators vote and commit on.
func (b *ProposedBlock) Hash() Hash {
	return b.Header.Hash()
}
