package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/config"
	"github.com/piwi3910/trafficweave/internal/dashboard"
	"github.com/piwi3910/trafficweave/internal/intersection"
)

func newProvisionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Provision against the broker once and print the intersections",
		Long: `provision creates or discovers the dashboard's access control policy,
application entity, polling channel and subscriptions, loads every
intersection and prints the list as JSON. Resources are left in place
for the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfiguration(opts.configPath)
			if err != nil {
				return err
			}
			// Stdout carries the result.
			cfg.Observability.Logging.OutputPaths = []string{"stderr"}
			log, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), autoConnectTimeout)
			defer cancel()
			return runProvision(ctx, cfg, log.Logger, cmd.OutOrStdout())
		},
	}
}

// provisionResult is the output of the provision command.
type provisionResult struct {
	Status        dashboard.Status     `json:"status"`
	Intersections []intersection.State `json:"intersections"`
}

func runProvision(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	dash, err := newDashboard(cfg, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create dashboard: %w", err)
	}
	defer func() {
		if err := dash.Close(); err != nil {
			logger.Warn("failed to close dashboard", zap.Error(err))
		}
	}()

	if err := dash.Connect(ctx, dashboard.Overrides{}); err != nil {
		return fmt.Errorf("provisioning failed: %w", err)
	}

	result := provisionResult{Status: dash.Status(), Intersections: dash.Intersections()}
	if result.Intersections == nil {
		result.Intersections = []intersection.State{}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
