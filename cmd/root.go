// Package cmd provides the kiln command line.
//
// Configuration is read, from highest to lowest priority, from command-line
// flags, KILN_<SECTION>_<OPTION> environment variables, the file named by
// --config or KILN_CONFIG_FILE, and .kiln.yml in the working directory.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/logging"
)

var (
	cfgFile string
	// cfgErr holds a config file read failure until a command loads the
	// config.
	cfgErr error
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "A native ES module dev server and bundler",
	Long: `Kiln serves source modules to the browser on demand during development,
pushing hot updates over a websocket, and bundles them for production.

Quick Start:
  kiln serve                Start the dev server
  kiln build                Build for production
  kiln graph                Print the module graph
  kiln config               Print the resolved configuration`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is .kiln.yml, can also use KILN_CONFIG_FILE env var)")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("root", ".", "project root")
	flags.String("mode", config.ModeDevelopment, "mode passed to plugins (development, production)")

	bindFlags(flags, map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
		"root":       "root",
		"mode":       "mode",
	})
}

// boundFlags records every key bound by bindFlags.
var boundFlags = map[string]*pflag.Flag{}

// bindFlags binds each config key to the named flag in flags.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		f := flags.Lookup(name)
		if err := viper.BindPFlag(key, f); err != nil {
			panic(fmt.Sprintf("bind flag %q: %v", name, err))
		}
		boundFlags[key] = f
	}
}

func initConfig() {
	cfgErr = readConfigFile(viper.GetViper(), cfgFile)
}

// readConfigFile points v at the config file and reads it. A missing
// default file is not an error.
func readConfigFile(v *viper.Viper, file string) error {
	explicit := file != ""
	if !explicit {
		file = os.Getenv("KILN_CONFIG_FILE")
		explicit = file != ""
	}
	if explicit {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".kiln")
	}
	config.BindEnv(v)

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err == nil || (!explicit && errors.As(err, &notFound)) {
		return nil
	}
	return fmt.Errorf("read config file: %w", err)
}

// loadConfig returns the resolved configuration.
func loadConfig() (*config.Config, error) {
	if cfgErr != nil {
		return nil, cfgErr
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg.
func newLogger(cmd *cobra.Command, cfg *config.Config) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	}).WithComponent("kiln"), nil
}
