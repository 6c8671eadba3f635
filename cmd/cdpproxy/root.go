package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neboloop/cdpproxy/internal/config"
	"github.com/neboloop/cdpproxy/internal/logging"
)

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	rootCmd := &cobra.Command{
		Use:   "cdpproxy",
		Short: "cdpproxy - per-project filtering proxy for the Chrome DevTools Protocol",
		Long: `cdpproxy sits between CDP clients and one Chromium instance and gives every
project its own view of the browser: a client connected under /project/<id>
only sees and drives the page registered for that project.

Run 'cdpproxy serve' to launch a browser and start the proxy, and
'cdpproxy probe <url>' to check a running proxy end to end.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file layered over the built-in defaults")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(ProbeCmd())
	rootCmd.AddCommand(VersionCmd())

	return rootCmd
}

// loadConfig applies --config and installs the process logger.
func loadConfig(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		c, err := config.Load(EmbeddedConfig, cfgFile)
		if err != nil {
			return err
		}
		*ServerConfig = c
	}
	if verbose {
		ServerConfig.Log.Level = "debug"
	}

	logger, err := logging.New(ServerConfig.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	logging.SetLogger(logger)
	return nil
}
