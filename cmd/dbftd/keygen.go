package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/r3e-network/neo-dbft/crypto"
)

func newKeygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a validator key pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				if err := os.WriteFile(out, []byte(kp.PrivateKeyHex()), 0600); err != nil {
					return fmt.Errorf("failed to write key file: %w", err)
				}
				fmt.Fprintf(w, "private key written to %s\n", out)
			} else {
				fmt.Fprintf(w, "private_key: %s\n", kp.PrivateKeyHex())
			}
			fmt.Fprintf(w, "public_key:  %s\n", hex.EncodeToString(kp.PublicKeyBytes()))
			fmt.Fprintf(w, "address:     %s\n", crypto.Address(kp.PublicKeyBytes()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write the private key to this file instead of stdout")
	return cmd
}
