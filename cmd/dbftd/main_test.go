package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/r3e-network/neo-dbft/crypto"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("%v failed: %v", args, err)
	}
	return out.String()
}

func TestVersionCmd(t *testing.T) {
	if out := execute(t, "version"); !strings.Contains(out, "dbftd "+Version) {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestKeygenCmd(t *testing.T) {
	t.Run("Stdout", func(t *testing.T) {
		out := execute(t, "keygen")
		var priv, pub string
		for _, line := range strings.Split(out, "\n") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			switch fields[0] {
			case "private_key:":
				priv = fields[1]
			case "public_key:":
				pub = fields[1]
			}
		}
		kp, err := crypto.KeyPairFromHex(priv)
		if err != nil {
			t.Fatalf("Printed private key is invalid: %v", err)
		}
		if hex.EncodeToString(kp.PublicKeyBytes()) != pub {
			t.Error("Public key does not match private key")
		}
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "validator.key")
		out := execute(t, "keygen", "--out", path)
		if strings.Contains(out, "private_key:") {
			t.Error("Private key printed despite --out")
		}
		if _, err := crypto.LoadKeyPair(path); err != nil {
			t.Fatalf("Failed to load written key: %v", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("Key file mode %v", info.Mode().Perm())
		}
	})
}

func TestDevnetRejectsValidatorCount(t *testing.T) {
	err := runDevnet(context.Background(), devnetOptions{validators: 3}, zaptest.NewLogger(t).Sugar())
	if err == nil {
		t.Error("Expected error for 3 validators")
	}
}

func TestDevnetFinalizesBlocks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping devnet run in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := devnetOptions{
		validators: 4,
		blockTime:  100 * time.Millisecond,
		timeout:    2 * time.Second,
		txRate:     50,
		blocks:     3,
	}
	if err := runDevnet(ctx, opts, zaptest.NewLogger(t).Sugar()); err != nil {
		t.Fatalf("Devnet failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Devnet did not reach the target height before the deadline")
	}
}
