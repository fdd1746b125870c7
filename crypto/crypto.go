// Package crypto provides the ECDSA P-256 keys and signatures used by validators.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/r3e-network/neo-dbft/types"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid public key bytes")
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// KeyPair represents an ECDSA key pair.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey // ECDSA P-256 개인키
	PublicKey  *ecdsa.PublicKey  // 공개키
}

// GenerateKeyPair generates a new ECDSA key pair using P-256 curve.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// KeyPairFromHex restores a key pair from a hex-encoded 32-byte scalar.
func KeyPairFromHex(s string) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidPrivateKey, len(raw))
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, ErrInvalidPrivateKey
	}

	priv := &ecdsa.PrivateKey{D: d}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(raw)

	return &KeyPair{PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
}

// LoadKeyPair reads a hex private key from path.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	return KeyPairFromHex(string(data))
}

// PrivateKeyHex returns the private scalar as 64 hex characters.
func (kp *KeyPair) PrivateKeyHex() string {
	d := make([]byte, 32)
	kp.PrivateKey.D.FillBytes(d)
	return hex.EncodeToString(d)
}

// Sign signs sha256(message) and returns the r||s signature.
func (kp *KeyPair) Sign(message []byte) (types.Signature, error) {
	hash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, kp.PrivateKey, hash[:])
	if err != nil {
		return types.Signature{}, fmt.Errorf("failed to sign message: %w", err)
	}

	// r, s 를 각각 32바이트로 패딩
	var sig types.Signature
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// PublicKeyBytes returns the uncompressed public key.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return elliptic.Marshal(kp.PublicKey.Curve, kp.PublicKey.X, kp.PublicKey.Y)
}

// PublicKeyFromBytes reconstructs a public key from bytes.
func PublicKeyFromBytes(data []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), data)
	if x == nil {
		return nil, ErrInvalidPublicKey
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     x,
		Y:     y,
	}, nil
}

// Verify checks an r||s signature over sha256(message).
func Verify(publicKey *ecdsa.PublicKey, message []byte, sig types.Signature) bool {
	hash := sha256.Sum256(message)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(publicKey, hash[:], r, s)
}

// VerifyWithPublicKey verifies a signature with encoded public key bytes.
func VerifyWithPublicKey(publicKeyBytes, message []byte, sig types.Signature) (bool, error) {
	publicKey, err := PublicKeyFromBytes(publicKeyBytes)
	if err != nil {
		return false, err
	}
	return Verify(publicKey, message, sig), nil
}

// VerifySignature adapts VerifyWithPublicKey to types.SignatureVerifier.
func VerifySignature(publicKey, message []byte, sig types.Signature) bool {
	ok, err := VerifyWithPublicKey(publicKey, message, sig)
	return err == nil && ok
}

// Signer signs on behalf of the local validator.
type Signer interface {
	Sign(message []byte) (types.Signature, error)
	PublicKey() []byte
	Address() string
}

// DefaultSigner implements Signer with an in-memory key pair.
type DefaultSigner struct {
	keyPair *KeyPair
	address string
}

// NewDefaultSigner creates a DefaultSigner with a freshly generated key.
func NewDefaultSigner() (*DefaultSigner, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return NewDefaultSignerFromKeyPair(kp), nil
}

// NewDefaultSignerFromKeyPair creates a DefaultSigner from an existing key pair.
func NewDefaultSignerFromKeyPair(kp *KeyPair) *DefaultSigner {
	return &DefaultSigner{
		keyPair: kp,
		address: Address(kp.PublicKeyBytes()),
	}
}

// Sign signs a message.
func (s *DefaultSigner) Sign(message []byte) (types.Signature, error) {
	return s.keyPair.Sign(message)
}

// PublicKey returns the public key bytes.
func (s *DefaultSigner) PublicKey() []byte {
	return s.keyPair.PublicKeyBytes()
}

// Address returns the signer's address.
func (s *DefaultSigner) Address() string {
	return s.address
}

// Address derives a validator address from a public key (first 20 bytes of its hash).
func Address(publicKey []byte) string {
	hash := sha256.Sum256(publicKey)
	return hex.EncodeToString(hash[:20])
}
