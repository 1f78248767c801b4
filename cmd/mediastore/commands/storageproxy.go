package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ltessier/mediastore/internal/alert"
	"github.com/ltessier/mediastore/pkg/storageproxy"
)

var storageProxyCmd = &cobra.Command{
	Use:   "storage-proxy",
	Short: "Start the storage (write) proxy",
	Long: `Start the storage (write) proxy.

The proxy accepts put requests that reference files on its local
filesystem, persists them in its relay spool, and uploads them to the
upstream storage servers in the background. Queued uploads survive
restarts; a failing server is retried with exponential backoff.`,
	RunE: runStorageProxy,
}

func runStorageProxy(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap(cfgFile)
	if err != nil {
		return err
	}

	return runService(func(ctx context.Context) error {
		metrics := setupMetrics(ctx, cfg.Metrics)
		alerts := alert.NewDispatcher(cfg.Alerts)

		relay, err := storageproxy.New(storageproxy.Options{
			Root:          cfg.StorageProxy.Root,
			Workers:       cfg.StorageProxy.Workers,
			UploadTimeout: cfg.StorageProxy.UploadTimeout,
			FloodInterval: cfg.StorageProxy.FloodInterval,
			QueueSize:     cfg.StorageProxy.QueueSize,
		}, alerts, metrics)
		if err != nil {
			return fmt.Errorf("failed to initialize relay: %w", err)
		}

		proxy := storageproxy.NewProxy(relay, metrics)
		return proxy.Run(ctx, cfg.StorageProxy.Bind, cfg.StorageProxy.Port)
	})
}
