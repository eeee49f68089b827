package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initForce bool

func init() {
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default ~/.offlinekit/config.toml",
	Long:  "Initialize offlinekit by writing the default configuration to the local configuration file.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		if err := saveConfig(defaultConfig()); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Default configuration written to %s\n", path)
		return nil
	},
}
