// Package commands implements the mediastore CLI: entry points for the
// three daemons plus the operator utilities.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mediastore",
	Short: "Mediastore - Write-once media storage",
	Long: `Mediastore is a write-once media storage system. A storage server keeps
records in a local database and blobs on family-routed filesystem backends;
a caching proxy serves hot entities close to the readers; a storage proxy
accepts uploads locally and relays them to the servers.

One configuration file drives all three services; each command reads only
its own sections. Every option can be overridden via MEDIASTORE_<SECTION>_<KEY>
environment variables.

Use "mediastore [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called once from main.main().
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mediastore %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $XDG_CONFIG_HOME/mediastore/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cacheProxyCmd)
	rootCmd.AddCommand(storageProxyCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
