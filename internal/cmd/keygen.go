package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gonube/pkg/providerstore"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <identity-file>",
	Short: "Create an age identity for sealing stored credentials",
	Long: `Create a new age X25519 identity file. Point store.identity_file (or
GONUBE_IDENTITY_FILE, or --identity-file) at it to seal provider credentials
at rest. Existing files are never overwritten.`,
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := providerstore.GenerateIdentityFile(args[0]); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create identity", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Identity written to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
