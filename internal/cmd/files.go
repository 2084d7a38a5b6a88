package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/gonube/pkg/output"
	"github.com/3leaps/gonube/pkg/provider"
)

var lsCmd = &cobra.Command{
	Use:   "ls <id> [path]",
	Short: "List the direct children of a remote path",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runLs,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <id> <local-file> <remote-path>",
	Short: "Upload a local file",
	Args:  cobra.ExactArgs(3),
	RunE:  runUpload,
}

var downloadCmd = &cobra.Command{
	Use:   "download <id> <remote-path> <local-file>",
	Short: "Download a remote file",
	Args:  cobra.ExactArgs(3),
	RunE:  runDownload,
}

var signCmd = &cobra.Command{
	Use:   "sign <id> <remote-path>",
	Short: "Print a pre-authenticated URL for a remote file",
	Long: `Print a time-limited URL granting read access to a remote file.

Without --expires the provider's configured expiry is used (3600s by default).
SFTP providers cannot sign URLs.`,
	Args: cobra.ExactArgs(2),
	RunE: runSign,
}

var (
	lsOutput    string
	signExpires time.Duration
)

func init() {
	rootCmd.AddCommand(lsCmd, uploadCmd, downloadCmd, signCmd)
	lsCmd.Flags().StringVarP(&lsOutput, "output", "o", "table", "Output format (table|jsonl)")
	signCmd.Flags().DurationVar(&signExpires, "expires", 0, "URL lifetime (e.g. 15m); 0 uses the provider setting")
}

func runLs(cmd *cobra.Command, args []string) error {
	id, err := parseProviderID(args[0])
	if err != nil {
		return err
	}
	remote := ""
	if len(args) == 2 {
		remote = args[1]
	}
	if lsOutput != "table" && lsOutput != "jsonl" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("unsupported output: %s", lsOutput))
	}

	return withApp(cmd.Context(), func(a *app) error {
		entries, err := a.service.ListFiles(cmd.Context(), id, remote)
		if err != nil {
			return operationError("Failed to list files", err)
		}
		if lsOutput == "jsonl" {
			w := output.NewJSONLWriter(cmd.OutOrStdout(), uuid.NewString(), id)
			defer func() { _ = w.Close() }()
			for _, e := range entries {
				if err := w.WriteEntry(cmd.Context(), &output.EntryRecord{
					Path:         remote,
					Name:         e.Name,
					Size:         e.Size,
					LastModified: e.LastModified,
					IsDirectory:  e.IsDirectory,
				}); err != nil {
					return err
				}
			}
			return nil
		}
		return writeEntryTable(cmd, entries)
	})
}

func writeEntryTable(cmd *cobra.Command, entries []provider.Entry) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED")
	for _, e := range entries {
		name := e.Name
		size := fmt.Sprintf("%d", e.Size)
		if e.IsDirectory {
			name += "/"
			size = "-"
		}
		modified := "-"
		if !e.LastModified.IsZero() {
			modified = e.LastModified.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, size, modified)
	}
	return tw.Flush()
}

func runUpload(cmd *cobra.Command, args []string) error {
	id, err := parseProviderID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		res, err := a.service.UploadFile(cmd.Context(), id, args[1], args[2])
		if err != nil {
			return operationError("Upload failed", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s -> %s (%d bytes)\n", args[1], res.Key, res.BytesWritten)
		return nil
	})
}

func runDownload(cmd *cobra.Command, args []string) error {
	id, err := parseProviderID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		res, err := a.service.DownloadFile(cmd.Context(), id, args[1], args[2])
		if err != nil {
			return operationError("Download failed", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s -> %s (%d bytes)\n", args[1], res.LocalPath, res.BytesRead)
		return nil
	})
}

func runSign(cmd *cobra.Command, args []string) error {
	id, err := parseProviderID(args[0])
	if err != nil {
		return err
	}
	if signExpires < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --expires value", fmt.Errorf("must not be negative"))
	}
	return withApp(cmd.Context(), func(a *app) error {
		u, err := a.service.GetSignedURL(cmd.Context(), id, args[1], provider.SignOptions{ExpiresIn: signExpires})
		if err != nil {
			return operationError("Failed to sign URL", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		return nil
	})
}

// printJSON writes v indented to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
