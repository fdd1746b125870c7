package crypto

import (
	"testing"

	"github.com/r3e-network/neo-dbft/types"
)

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	msg := []byte("block hash")
	sig, err := kp.Sign(msg)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	ok, err := VerifyWithPublicKey(kp.PublicKeyBytes(), msg, sig)
	if err != nil {
		t.Fatalf("verify returned error: %v", err)
	}
	if !ok {
		t.Error("expected signature to verify")
	}

	if VerifySignature(kp.PublicKeyBytes(), []byte("other"), sig) {
		t.Error("signature verified over a different message")
	}

	var tampered types.Signature = sig
	tampered[10] ^= 0xff
	if VerifySignature(kp.PublicKeyBytes(), msg, tampered) {
		t.Error("tampered signature verified")
	}
}

func TestKeyPairHexRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	restored, err := KeyPairFromHex(kp.PrivateKeyHex())
	if err != nil {
		t.Fatalf("failed to restore key: %v", err)
	}
	if string(restored.PublicKeyBytes()) != string(kp.PublicKeyBytes()) {
		t.Error("restored public key differs")
	}

	sig, err := restored.Sign([]byte("x"))
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if !VerifySignature(kp.PublicKeyBytes(), []byte("x"), sig) {
		t.Error("signature from restored key did not verify")
	}
}

func TestKeyPairFromHexRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not hex":   "zz",
		"too short": "0102",
		"zero":      "0000000000000000000000000000000000000000000000000000000000000000",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := KeyPairFromHex(in); err == nil {
				t.Errorf("expected error for %q", in)
			}
		})
	}
}

func TestPublicKeyFromBytesInvalid(t *testing.T) {
	if _, err := PublicKeyFromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for invalid public key")
	}
}
