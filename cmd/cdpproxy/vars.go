package cli

import (
	"github.com/neboloop/cdpproxy/internal/config"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile string
	verbose bool
)

// ServerConfig holds the loaded configuration (set by main, reloaded when
// --config is given)
var ServerConfig *config.Config

// EmbeddedConfig is the built-in YAML document main was compiled with.
var EmbeddedConfig []byte

// Version is set at build time with -ldflags "-X ...cli.Version=v1.2.3".
var Version = "dev"
