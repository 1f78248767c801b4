package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ltessier/mediastore/internal/alert"
	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/compression"
	"github.com/ltessier/mediastore/pkg/config"
	"github.com/ltessier/mediastore/pkg/maintenance"
	"github.com/ltessier/mediastore/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the storage server",
	Long: `Start the storage server together with its maintenance loops.

The server keeps records in the local database and blobs on the configured
family backends. The maintenance loops (deletion, compression, and the two
reconcilers) only run inside their configured execution windows; a loop
without windows stays off.

Examples:
  # Start with the default config location
  mediastore serve

  # Start with a custom config
  mediastore serve --config /etc/mediastore/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap(cfgFile)
	if err != nil {
		return err
	}

	return runService(func(ctx context.Context) error {
		metrics := setupMetrics(ctx, cfg.Metrics)

		store, err := config.CreateRecordStore(cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("unable to close record store", logger.Err(err))
			}
		}()

		families, err := config.CreateFamilyRouter(ctx, cfg.Families)
		if err != nil {
			return fmt.Errorf("failed to initialize storage families: %w", err)
		}
		logger.Info("storage families initialized", "families", families.Names())

		codecs := compression.NewRegistry(cfg.Compression.Formats)
		alerts := alert.NewDispatcher(cfg.Alerts)

		srv := server.New(store, families, codecs, alerts, metrics, server.Options{
			TrustedHosts:     cfg.Server.TrustedHostList(),
			QueryLimit:       cfg.Server.QuerySize,
			MinuteResolution: cfg.Server.MinuteResolution,
		})

		maintainer := maintenance.New(store, families, codecs, metrics)
		go maintainer.Run(ctx, maintenanceConfig(cfg.Maintainer))

		return srv.Run(ctx, cfg.Server.Bind, cfg.Server.Port)
	})
}

// maintenanceConfig translates the static maintainer configuration into the
// maintainer's runtime gates.
func maintenanceConfig(cfg config.MaintainerConfig) maintenance.Config {
	return maintenance.Config{
		Deletion:         loopConfig(cfg.Deletion),
		Compression:      loopConfig(cfg.Compression),
		RecordReconciler: loopConfig(cfg.RecordReconciler),
		FileReconciler:   loopConfig(cfg.FileReconciler),
	}
}

func loopConfig(cfg config.LoopConfig) maintenance.LoopConfig {
	return maintenance.LoopConfig{
		Windows: maintenance.ParseWindows(cfg.Windows),
		Sleep:   cfg.Sleep,
	}
}
