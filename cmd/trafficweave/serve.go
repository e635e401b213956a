package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/dashboard"
)

// autoConnectTimeout bounds the provisioning run started at boot.
const autoConnectTimeout = 2 * time.Minute

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API and event stream",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(opts.configPath)
		},
	}
}

// runServe starts the dashboard and blocks until SIGINT or SIGTERM.
func runServe(configPath string) error {
	cfg, err := loadConfiguration(configPath)
	if err != nil {
		return err
	}

	log, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	logger := log.Logger

	logger.Info("trafficweave starting",
		zap.String("version", Version),
		zap.String("environment", cfg.Environment),
		zap.String("cse_url", cfg.CSE.URL),
		zap.String("originator", cfg.CSE.Originator),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close(logger)

	if cfg.CSE.AutoConnect {
		go autoConnect(components.dashboard, logger)
	}

	return components.server.Start()
}

// autoConnect provisions once at boot. Failures leave the dashboard
// disconnected; the API can retry.
func autoConnect(dash *dashboard.Dashboard, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), autoConnectTimeout)
	defer cancel()

	if err := dash.Connect(ctx, dashboard.Overrides{}); err != nil {
		logger.Error("auto-connect failed", zap.Error(err))
		return
	}
	logger.Info("auto-connect completed", zap.Int("intersections", len(dash.Intersections())))
}
