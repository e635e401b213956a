package main

import (
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/bridge"
)

func newBridgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Run the device bridge that persists light states for hardware",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfiguration(opts.configPath)
			if err != nil {
				return err
			}
			log, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			gin.SetMode(cfg.Server.GinMode)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := bridge.NewServer(bridge.Config{
				Host:            cfg.Bridge.Server.Host,
				Port:            cfg.Bridge.Server.Port,
				StateFile:       cfg.Bridge.Server.StateFile,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			}, log.Logger)

			log.Logger.Info("trafficweave bridge starting", zap.String("version", Version))
			return srv.Run(ctx)
		},
	}
}
