package commands

import (
	"errors"
	"fmt"
	"net/http"
	"os/user"
	"time"

	"rahoogan/secure-store/store"
	"rahoogan/secure-store/volumes"

	"github.com/docker/go-plugins-helpers/volume"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewServeCommand(app *App) *cobra.Command {
	var allowNonRoot bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve secrets as docker volumes",
		Long: `Run the docker volume plugin. Each volume is bound to one secret:

  docker volume create -d securestore -o namespace=apps -o secret=db-pass db-pass
  docker run -v db-pass:/run/secrets/db ...

The secret is written to the volume while a container has it mounted. When
metrics.address is configured, Prometheus metrics are served at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !allowNonRoot {
				if err := requireRoot(); err != nil {
					return err
				}
			}

			if app.Metrics == nil {
				app.Metrics = store.NewMetrics(prometheus.DefaultRegisterer)
			}
			s, err := app.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			driver, err := volumes.NewDriver(s, app.Config.Volume.Root, app.Config.Volume.Namespace)
			if err != nil {
				return err
			}

			if addr := app.Config.Metrics.Address; addr != "" {
				go serveMetrics(addr)
			}

			handler := volume.NewHandler(driver)
			socket := app.Config.Volume.Socket
			log.Info().Str("socket", socket).Str("backend", s.Backend()).Msg("Volume plugin listening")
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", socket)
			return handler.ServeUnix(socket, 0) // #nosec
		},
	}
	cmd.Flags().BoolVar(&allowNonRoot, "allow-non-root", false, "Do not require running as root")
	return cmd
}

func requireRoot() error {
	currUser, err := user.Current()
	if err != nil {
		log.Error().Err(err).Msg("Could not verify if running as root")
		return err
	}
	if currUser.Uid != "0" {
		err := errors.New("plugin needs to run as root")
		log.Error().Err(err).Str("user", currUser.Username).Msg("Plugin could not be started")
		return err
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("address", addr).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics server stopped")
	}
}
