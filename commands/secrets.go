package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"rahoogan/secure-store/store"

	"github.com/spf13/cobra"
)

func NewListCommand(app *App) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list <namespace>",
		Short: "List the secrets of a namespace",
		Long: `List the name and description of every secret in a namespace.

An unknown namespace is empty.

Examples:
  securestore list apps
  securestore list apps --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			listed, err := s.ListSecureData(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, listed)
			}
			for _, name := range slices.Sorted(maps.Keys(listed)) {
				fmt.Fprintf(out, "%s\t%s\n", name, listed[name])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// secretOutput is the JSON form of a secret; the payload is printed as text.
type secretOutput struct {
	store.SecureStoreMetadata
	Data string `json:"data"`
}

func NewGetCommand(app *App) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "get <namespace> <name>",
		Short: "Print a secret",
		Long: `Print the payload of a single secret to stdout.

Examples:
  securestore get apps db-pass
  securestore get apps db-pass --json
  export DB_PASS=$(securestore get apps db-pass)`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			data, err := s.GetSecureData(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, secretOutput{SecureStoreMetadata: data.Metadata, Data: string(data.Data)})
			}
			_, err = out.Write(data.Data)
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output metadata and payload as JSON")
	return cmd
}

func NewPutCommand(app *App) *cobra.Command {
	var (
		value       string
		fromFile    string
		description string
		properties  map[string]string
	)

	cmd := &cobra.Command{
		Use:   "put <namespace> <name>",
		Short: "Create or overwrite a secret",
		Long: `Store a secret, replacing any secret with the same namespace and name.

The payload is taken from --value, from --from-file, or from stdin.

Examples:
  securestore put apps db-pass --value s3cr3t --description "db password" --property env=prod
  securestore put apps tls-key --from-file ./tls.key
  echo -n s3cr3t | securestore put apps db-pass`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("value") && fromFile != "" {
				return errors.New("--value and --from-file are mutually exclusive")
			}
			payload := value
			switch {
			case cmd.Flags().Changed("value"):
			case fromFile != "":
				raw, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				payload = string(raw)
			default:
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				payload = string(raw)
			}

			s, err := app.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			return s.PutSecureData(cmd.Context(), args[0], args[1], payload, description, properties)
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Secret payload")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "Read the payload from a file")
	cmd.Flags().StringVar(&description, "description", "", "Human readable description")
	cmd.Flags().StringToStringVar(&properties, "property", nil, "Property as key=value (repeatable)")
	return cmd
}

func NewDeleteCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <namespace> <name>",
		Short: "Delete a secret",
		Long: `Delete a secret. Deleting a secret that does not exist succeeds.

Examples:
  securestore delete apps db-pass`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			return s.DeleteSecureData(cmd.Context(), args[0], args[1])
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
