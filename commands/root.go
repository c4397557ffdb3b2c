// Package commands implements the securestore command line.
package commands

import (
	"context"
	"fmt"
	"os"

	"rahoogan/secure-store/config"
	"rahoogan/secure-store/logging"
	"rahoogan/secure-store/secrets"
	_ "rahoogan/secure-store/secrets/plugins"
	"rahoogan/secure-store/store"

	"github.com/spf13/cobra"
)

// App carries the global flags and the loaded configuration to every
// subcommand.
type App struct {
	ConfigPath string
	Debug      bool
	Backend    string
	PluginDir  string

	Config   *config.Config
	Registry *secrets.Registry
	Metrics  *store.Metrics
}

func NewRootCommand(app *App) *cobra.Command {
	if app.Registry == nil {
		app.Registry = secrets.DefaultRegistry
	}

	rootCmd := &cobra.Command{
		Use:   "securestore",
		Short: "Namespace-scoped secret storage over pluggable backends",
		Long: `securestore lists, reads, writes and deletes secrets keyed by namespace and
name. Storage is delegated to exactly one backend chosen from configuration:
the local encrypted file store, AWS Secrets Manager, GCP Secret Manager,
Azure Key Vault, a SQL database, the OS keyring or process memory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.ConfigPath, "config", os.Getenv(config.ENV_PREFIX+"CONFIG"), "Config file path")
	flags.BoolVar(&app.Debug, "debug", false, "Enable debug logging")
	flags.StringVar(&app.Backend, "backend", "", "Identifier of the secret backend to use")
	flags.StringVar(&app.PluginDir, "plugin-dir", "", "Directory of backend descriptor files")

	rootCmd.AddCommand(
		NewListCommand(app),
		NewGetCommand(app),
		NewPutCommand(app),
		NewDeleteCommand(app),
		NewBackendsCommand(app),
		NewServeCommand(app),
	)
	return rootCmd
}

func (app *App) load() error {
	cfg, err := config.Load(app.ConfigPath)
	if err != nil {
		return err
	}
	if app.Backend != "" {
		cfg.Backend = app.Backend
	}
	if app.PluginDir != "" {
		cfg.PluginDir = app.PluginDir
	}
	if app.Debug {
		cfg.Log.Level = "debug"
	}
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		return err
	}
	app.Config = cfg
	return nil
}

func (app *App) openStore(ctx context.Context) (*store.SecureStore, error) {
	s, err := store.New(ctx, store.Options{
		Registry:  app.Registry,
		PluginDir: app.Config.PluginDir,
		Backend:   app.Config.Backend,
		Metrics:   app.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open secure store: %w", err)
	}
	return s, nil
}
