package commands

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

// key: print the public key peers will see, with a short fingerprint.
func keyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Print this node's public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity(cfg.IdentityFile)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(id.PublicDER())
			fmt.Fprintln(cmd.OutOrStdout(), id.PublicB64())
			fmt.Fprintln(cmd.OutOrStdout(), "fingerprint", hex.EncodeToString(sum[:8]))
			if cfg.IdentityFile == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "(ephemeral, pass --identity-file to keep it)")
			}
			return nil
		},
	}
}
