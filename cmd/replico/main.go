package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/common"
)

var (
	// Command-line flags
	configFiles []string
	serverPort  int
	serverHost  string

	// Global state shared by subcommands
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "replico",
	Short: "Health information system replication service",
	Long: `Replico replicates metadata and data between health information
system instances: dependency-ordered metadata imports, chunked data
imports, and continuous change-driven replication.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Auto-discover a config file when none is given
		if len(configFiles) == 0 {
			if _, err := os.Stat("replico.toml"); err == nil {
				configFiles = append(configFiles, "replico.toml")
			} else if _, err := os.Stat("deployments/local/replico.toml"); err == nil {
				configFiles = append(configFiles, "deployments/local/replico.toml")
			}
		}

		// Load order: defaults -> files -> env -> CLI flags
		var err error
		config, err = common.LoadFromFiles(configFiles...)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		common.ApplyFlagOverrides(config, serverPort, serverHost)
		if err := config.Validate(); err != nil {
			return err
		}

		logger = common.InitLogger(config)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&configFiles, "config", "c", nil,
		"Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(autosyncCmd)
	rootCmd.AddCommand(cleanupURLsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	common.LoadVersionFromFile()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
