package commands

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewBackendsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the available secret backends",
		Long: `List the registered backend types and the backend identifiers that
discovery finds with the current configuration. Backends are not initialized,
so this never touches remote services.

Examples:
  securestore backends
  securestore backends --plugin-dir /etc/securestore/backends`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			discovered, err := app.Registry.Discover(app.Config.PluginDir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Registered types: %s\n\n", joinOrNone(app.Registry.Types()))

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTIFIER\tACTIVE")
			for _, id := range slices.Sorted(maps.Keys(discovered)) {
				active := ""
				if id == app.Config.Backend {
					active = "*"
				}
				fmt.Fprintf(w, "%s\t%s\n", id, active)
			}
			return w.Flush()
		},
	}
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
