// Package cli provides the command-line interface for ijoka.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ijoka-dev/ijoka/internal/config"
	"github.com/ijoka-dev/ijoka/internal/logging"
)

var (
	cfgFile   string
	verbose   bool
	serverURL string
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "ijoka",
	Short: "Shared work-state tracker for AI coding agents",
	Long: `Ijoka records what AI coding agents are doing across projects.

Agents and hooks post events to the ijoka server, which keeps features,
sessions and the event log in one authoritative store, attributes work to
the active feature, and streams every change to live dashboards.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./ijoka.yaml or ~/.ijoka/ijoka.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "URL of a running ijoka server")
	_ = viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(featureCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(insightCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ijoka")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.ijoka")
		}
	}

	viper.SetEnvPrefix("IJOKA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "using config file %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig reads the config file viper discovered, applies flag overrides,
// validates the result and configures logging.
func loadConfig() (*config.Config, error) {
	path := viper.ConfigFileUsed()
	if path == "" {
		if found, err := config.FindConfigFile(); err == nil {
			path = found
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if url := viper.GetString("server.url"); url != "" {
		cfg.Server.URL = url
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Configure(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}
