package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kioskhub/kioskhub/internal/config"
	"github.com/spf13/cobra"
)

const defaultHubConfigPath = "./hub.config.json"

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or check hub configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a hub config with every default filled in",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := defaultHubConfigPath
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		data, err := json.MarshalIndent(config.Default(), "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Println("Configuration saved to", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Load a hub config and report problems",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := defaultHubConfigPath
		if len(args) == 1 {
			path = args[0]
		}
		cfg, err := config.LoadHubConfig(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s is valid (port %d, storage %s)\n", path, cfg.Server.Port, cfg.Storage.PersistPath)
		return nil
	},
}
