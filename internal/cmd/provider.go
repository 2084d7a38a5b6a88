package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gonube/internal/server/handlers"
	"github.com/3leaps/gonube/pkg/provider"
)

var providerCmd = &cobra.Command{
	Use:     "provider",
	Aliases: []string{"providers"},
	Short:   "Manage registered storage providers",
}

var providerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a provider",
	Long: `Register a provider from a YAML/JSON file or from flags.

Credential fields depend on the type:
  s3     access_key, secret_key, region, bucket
  minio  endpoint, access_key, secret_key, bucket (secure, region optional)
  azure  connection_string, container_name
  gcp    key_file (path or inline JSON), bucket_name
  sftp   host, user, password or key_path (port, path, known_hosts optional)

Examples:
  gonube provider add --file backups.yaml
  gonube provider add --name backups --type s3 \
    --cred access_key=AK --cred secret_key=SK --cred region=us-east-1 --cred bucket=b1 \
    --set prefix=daily --set presigned_url_expiry=900`,
	Args: cobra.NoArgs,
	RunE: runProviderAdd,
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active providers",
	Args:  cobra.NoArgs,
	RunE:  runProviderList,
}

var providerShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a provider without credential values",
	Args:  cobra.ExactArgs(1),
	RunE:  runProviderShow,
}

var providerTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Test connectivity and record the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runProviderTest,
}

var providerEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Mark a provider active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setProviderActive(cmd, args[0], true)
	},
}

var providerDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Mark a provider inactive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setProviderActive(cmd, args[0], false)
	},
}

var providerRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Delete a provider record",
	Args:    cobra.ExactArgs(1),
	RunE:    runProviderRemove,
}

var (
	addFile     string
	addName     string
	addType     string
	addCreds    []string
	addSettings []string
	addInactive bool

	listOutput string
	showOutput string
)

func init() {
	rootCmd.AddCommand(providerCmd)
	providerCmd.AddCommand(providerAddCmd, providerListCmd, providerShowCmd, providerTestCmd,
		providerEnableCmd, providerDisableCmd, providerRemoveCmd)

	providerAddCmd.Flags().StringVarP(&addFile, "file", "f", "", "Registration file (YAML or JSON, - for stdin)")
	providerAddCmd.Flags().StringVar(&addName, "name", "", "Provider name")
	providerAddCmd.Flags().StringVar(&addType, "type", "", "Provider type (s3|minio|azure|gcp|sftp)")
	providerAddCmd.Flags().StringArrayVar(&addCreds, "cred", nil, "Credential field as key=value (repeatable)")
	providerAddCmd.Flags().StringArrayVar(&addSettings, "set", nil, "Configuration field as key=value (repeatable)")
	providerAddCmd.Flags().BoolVar(&addInactive, "inactive", false, "Register the provider inactive")

	providerListCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format (table|json)")
	providerShowCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runProviderAdd(cmd *cobra.Command, args []string) error {
	reg, err := buildRegistration(cmd.InOrStdin())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid registration", err)
	}
	return withApp(cmd.Context(), func(a *app) error {
		p, err := a.service.RegisterProvider(cmd.Context(), reg)
		if err != nil {
			return operationError("Failed to register provider", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered provider %d (%s, %s)\n", p.ID, p.Name, p.Type)
		return nil
	})
}

// buildRegistration reads --file when given, then applies flag values on top.
func buildRegistration(stdin io.Reader) (provider.Registration, error) {
	var reg provider.Registration
	if addFile != "" {
		var (
			data []byte
			err  error
		)
		if addFile == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(addFile)
		}
		if err != nil {
			return reg, err
		}
		// JSON is a subset of YAML.
		if err := yaml.Unmarshal(data, &reg); err != nil {
			return reg, fmt.Errorf("parse %s: %w", addFile, err)
		}
	}
	if addName != "" {
		reg.Name = addName
	}
	if addType != "" {
		reg.Type = addType
	}
	if len(addCreds) > 0 {
		creds, err := parseAssignments(addCreds, false)
		if err != nil {
			return reg, err
		}
		if reg.Credentials == nil {
			reg.Credentials = map[string]any{}
		}
		for k, v := range creds {
			reg.Credentials[k] = v
		}
	}
	if len(addSettings) > 0 {
		settings, err := parseAssignments(addSettings, true)
		if err != nil {
			return reg, err
		}
		if reg.Configuration == nil {
			reg.Configuration = map[string]any{}
		}
		for k, v := range settings {
			reg.Configuration[k] = v
		}
	}
	if addInactive {
		active := false
		reg.Active = &active
	}
	return reg, nil
}

// parseAssignments parses key=value pairs. With typed, values are decoded
// as YAML scalars so numbers and booleans keep their type; otherwise they
// stay strings.
func parseAssignments(pairs []string, typed bool) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		if !typed {
			out[k] = v
			continue
		}
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil || val == nil {
			val = v
		}
		out[k] = val
	}
	return out, nil
}

func runProviderList(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		list, err := a.service.ListActiveProviders(cmd.Context())
		if err != nil {
			return operationError("Failed to list providers", err)
		}
		switch listOutput {
		case "json":
			return printJSON(cmd, list)
		case "table":
			return writeProviderTable(cmd.OutOrStdout(), list)
		default:
			return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("unsupported output: %s", listOutput))
		}
	})
}

func writeProviderTable(w io.Writer, list []provider.Summary) error {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATE")
	for _, s := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.ID, s.Name, s.Type, stateLabel(s.ConnectionState))
	}
	return tw.Flush()
}

var (
	stateOK      = color.New(color.FgGreen).SprintFunc()
	stateFailed  = color.New(color.FgRed).SprintFunc()
	statePending = color.New(color.FgYellow).SprintFunc()
)

func stateLabel(s provider.ConnectionState) string {
	switch s {
	case provider.StateConnected:
		return stateOK(string(s))
	case provider.StateError:
		return stateFailed(string(s))
	default:
		return statePending(string(s))
	}
}

func runProviderShow(cmd *cobra.Command, args []string) error {
	id, err := parseProviderID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		p, err := a.service.GetProvider(cmd.Context(), id)
		if err != nil {
			return operationError("Failed to load provider", err)
		}
		view := handlers.NewProviderView(p)
		switch showOutput {
		case "json":
			return printJSON(cmd, view)
		case "yaml":
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(view); err != nil {
				return err
			}
			return enc.Close()
		default:
			return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("unsupported output: %s", showOutput))
		}
	})
}

func runProviderTest(cmd *cobra.Command, args []string) error {
	id, err := parseProviderID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		res, err := a.service.TestConnection(cmd.Context(), id)
		if err != nil {
			return operationError("Connection test failed", err)
		}
		out := cmd.OutOrStdout()
		if !res.Success {
			fmt.Fprintf(out, "%s provider %d: %s\n", stateFailed("FAIL"), id, res.Message)
			return exitError(foundry.ExitExternalServiceUnavailable, "Connection test failed", fmt.Errorf("%s", res.Message))
		}
		fmt.Fprintf(out, "%s provider %d: %s\n", stateOK("OK"), id, res.Message)
		return nil
	})
}

func setProviderActive(cmd *cobra.Command, raw string, active bool) error {
	id, err := parseProviderID(raw)
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		if err := a.catalog.SetActive(cmd.Context(), id, active); err != nil {
			return operationError("Failed to update provider", err)
		}
		word := "disabled"
		if active {
			word = "enabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Provider %d %s\n", id, word)
		return nil
	})
}

func runProviderRemove(cmd *cobra.Command, args []string) error {
	id, err := parseProviderID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		if err := a.catalog.DeleteProvider(cmd.Context(), id); err != nil {
			return operationError("Failed to delete provider", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Provider %d deleted\n", id)
		return nil
	})
}
