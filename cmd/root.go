package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/catalogkit/assetview/cmd/resolve"
	"github.com/catalogkit/assetview/cmd/serve"
	"github.com/catalogkit/assetview/cmd/version"
	"github.com/catalogkit/assetview/internal/buildinfo"
	"github.com/catalogkit/assetview/internal/conf"
	"github.com/catalogkit/assetview/internal/logger"
)

// Options are populated from the global flags before any sub-command runs
type Options struct {
	ConfigFile string
	Debug      bool
}

// RootCommand creates and returns the root command
func RootCommand(build *buildinfo.Context) *cobra.Command {
	opts := &Options{}
	// settings is filled in by PersistentPreRunE; sub-commands read it at run time
	settings := &conf.Settings{}
	var central *logger.CentralLogger

	rootCmd := &cobra.Command{
		Use:          "assetview",
		Short:        "Product image resolution service",
		SilenceUsage: true,
	}

	if err := setupFlags(rootCmd, opts); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	versionCmd := version.Command(build)
	rootCmd.AddCommand(
		serve.Command(settings, build),
		resolve.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs no configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		loaded, err := conf.Load()
		if err != nil {
			return err
		}
		if opts.Debug {
			loaded.Debug = true
			loaded.Logging.DefaultLevel = "debug"
		}
		*settings = *loaded

		central, err = initLogging(settings)
		return err
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if central == nil {
			return nil
		}
		return central.Close()
	}

	return rootCmd
}

// initLogging installs the configured logger as the global logger
func initLogging(settings *conf.Settings) (*logger.CentralLogger, error) {
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("error initializing logging: %w", err)
	}
	logger.SetGlobal(central)
	return central, nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, opts *Options) error {
	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&opts.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
