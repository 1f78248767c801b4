package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ltessier/mediastore/internal/alert"
	"github.com/ltessier/mediastore/pkg/cacheproxy"
	"github.com/ltessier/mediastore/pkg/compression"
)

var cacheProxyCmd = &cobra.Command{
	Use:   "cache-proxy",
	Short: "Start the caching proxy",
	Long: `Start the caching proxy.

The proxy serves get and describe requests from a local cache, fetching
entities from the upstream storage servers on demand. The cache directory
is cleared at startup; cached state never survives a restart.`,
	RunE: runCacheProxy,
}

func runCacheProxy(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap(cfgFile)
	if err != nil {
		return err
	}

	return runService(func(ctx context.Context) error {
		metrics := setupMetrics(ctx, cfg.Metrics)
		codecs := compression.NewRegistry(cfg.Compression.Formats)
		alerts := alert.NewDispatcher(cfg.Alerts)

		cache, err := cacheproxy.New(cacheproxy.Options{
			Root:          cfg.CacheProxy.Root,
			MinCacheTime:  cfg.CacheProxy.MinCacheTime,
			MaxCacheTime:  cfg.CacheProxy.MaxCacheTime,
			Timeout:       cfg.CacheProxy.Timeout,
			PurgeInterval: cfg.CacheProxy.PurgeInterval,
		}, codecs, alerts, metrics)
		if err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}

		proxy := cacheproxy.NewProxy(cache, metrics)
		return proxy.Run(ctx, cfg.CacheProxy.Bind, cfg.CacheProxy.Port)
	})
}
