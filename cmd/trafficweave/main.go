// Package main is the entry point for the trafficweave traffic dashboard.
//
// The binary provides the following commands:
//
//	serve      run the dashboard API, event stream and publishers
//	bridge     run the device bridge that persists light pairs for hardware
//	provision  provision against the broker once and print the intersections
//	version    print version information
//
// Configuration is read from the file given by --config and from
// environment variables prefixed with TRAFFICWEAVE_.
//
// Example usage:
//
//	# Start the dashboard with the default config
//	./trafficweave serve
//
//	# Start with a custom config file
//	./trafficweave serve --config=/etc/trafficweave/config.yaml
//
//	# Point the dashboard at another broker
//	export TRAFFICWEAVE_CSE_URL=http://cse.example:8081
//	./trafficweave serve
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/piwi3910/trafficweave/internal/config"
	"github.com/piwi3910/trafficweave/internal/server"
)

// ServiceName is the name of this service.
const ServiceName = "trafficweave"

// Version is the application version (set via build flags).
var Version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions are flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   ServiceName,
		Short: "oneM2M traffic intersection dashboard",
		Long: `trafficweave provisions a dashboard against a oneM2M broker, keeps the
state of every traffic intersection in sync through a long-poll
notification channel and lets operators change lights over an HTTP API.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultConfigPath, "path to configuration file")
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetVersionTemplate(fmt.Sprintf("%s version %s\n", ServiceName, Version))

	cmd.AddCommand(
		newServeCmd(opts),
		newBridgeCmd(opts),
		newProvisionCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s version %s (%s, %s/%s)\n",
		ServiceName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}

// loadConfiguration loads and validates the application configuration.
func loadConfiguration(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	server.Version = Version
}
