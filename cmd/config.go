package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	Long: `Print the configuration resolved from flags, environment variables,
the config file and defaults.

Examples:
  kiln config                  # Show as YAML
  kiln config --format json    # Show as JSON`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format (yaml, json)")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	settings := viper.AllSettings()
	// Report the normalised values the commands actually use.
	settings["root"] = cfg.Root
	settings["base"] = cfg.Base
	if len(cfg.Define) > 0 {
		settings["define"] = cfg.Define
	}
	if cfg.ConfigFile != "" {
		settings["config_file"] = cfg.ConfigFile
	}
	return writeAs(cmd.OutOrStdout(), configFormat, settings)
}
