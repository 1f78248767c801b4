package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ltessier/mediastore/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Write the default configuration to the config path.

The generated file carries every section with its default values; edit it
to configure storage families, maintenance windows, and the proxies.

Examples:
  # Initialize at the default location
  mediastore init

  # Initialize at a custom path, overwriting an existing file
  mediastore init --config /etc/mediastore/config.yaml --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the storage server with: mediastore serve")
	fmt.Println("  3. Optionally start the proxies: mediastore cache-proxy, mediastore storage-proxy")
	return nil
}
