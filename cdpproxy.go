package main

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	cli "github.com/neboloop/cdpproxy/cmd/cdpproxy"
	"github.com/neboloop/cdpproxy/internal/config"
	"github.com/neboloop/cdpproxy/internal/logging"
)

//go:embed etc/cdpproxy.yaml
var embeddedConfig []byte

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Embedded defaults plus CDPPROXY_* overrides; --config is applied by the CLI
	c, err := config.Load(embeddedConfig, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(c.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetLogger(logger)

	cli.EmbeddedConfig = embeddedConfig
	if err := cli.SetupRootCmd(&c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
