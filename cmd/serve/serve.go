package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/catalogkit/assetview/internal/api"
	"github.com/catalogkit/assetview/internal/buildinfo"
	"github.com/catalogkit/assetview/internal/conf"
	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability"
	"github.com/catalogkit/assetview/internal/session"
	"github.com/catalogkit/assetview/internal/telemetry"
)

// Command creates the serve command.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the resolution service",
		Long:  "Serve the image resolution API and follow regeneration events until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, settings, build)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}
	return cmd
}

// setupFlags configures flags specific to the serve command and binds them to
// their configuration keys.
func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("listen", viper.GetString("webserver.listen"), "Listen address of the HTTP API")
	cmd.Flags().Bool("mqtt", viper.GetBool("mqtt.enabled"), "Subscribe to regeneration events over MQTT")
	cmd.Flags().String("broker", viper.GetString("mqtt.broker"), "MQTT broker URL")
	cmd.Flags().String("telemetry-listen", viper.GetString("telemetry.listen"), "Dedicated listen address for /metrics")

	bindings := map[string]string{
		"webserver.listen": "listen",
		"mqtt.enabled":     "mqtt",
		"mqtt.broker":      "broker",
		"telemetry.listen": "telemetry-listen",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// Run starts the session and its outer surfaces and blocks until ctx is done.
func Run(ctx context.Context, settings *conf.Settings, build *buildinfo.Context) error {
	log := logger.Global().Module("serve")

	closeSentry, err := telemetry.InitSentry(settings, build.Version(), telemetry.Options{})
	if err != nil {
		// error reporting is optional
		log.Warn("error reporting disabled", logger.Error(err))
		closeSentry = func() {}
	}
	defer closeSentry()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("error creating metrics: %w", err)
	}
	errors.AddErrorHook(metrics.ErrorHook())

	sess, err := session.New(settings, session.Deps{Metrics: metrics})
	if err != nil {
		return fmt.Errorf("error creating session: %w", err)
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		// the broker may come up later; paho keeps retrying
		log.Warn("event subscription not started", logger.Error(err))
	}

	var wg sync.WaitGroup
	quit := make(chan struct{})

	if settings.Telemetry.Enabled && settings.Telemetry.Listen != "" {
		endpoint, err := observability.NewEndpoint(settings, metrics)
		if err != nil {
			return fmt.Errorf("error creating telemetry endpoint: %w", err)
		}
		endpoint.Start(&wg, quit)
	}

	var server *api.Server
	if settings.WebServer.Enabled {
		opts := []api.ServerOption{api.WithVersion(build.Version())}
		if settings.Telemetry.Enabled && settings.Telemetry.Listen == "" {
			opts = append(opts, api.WithMetricsHandler(metrics.Handler()))
		}
		server, err = api.New(api.ConfigFromSettings(settings), sess, opts...)
		if err != nil {
			close(quit)
			wg.Wait()
			return err
		}
		server.Start()
	}

	log.Info("assetview running",
		logger.String("version", build.Version()),
		logger.Bool("api", server != nil),
		logger.Bool("mqtt", settings.MQTT.Enabled))

	<-ctx.Done()
	log.Info("shutting down")

	var shutdownErr error
	if server != nil {
		shutdownErr = server.Shutdown()
	}
	close(quit)
	wg.Wait()
	return shutdownErr
}
