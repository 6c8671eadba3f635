package browser

import (
	"os"
	"path/filepath"
	"runtime"
)

// LaunchOptions configures a managed Chromium.
type LaunchOptions struct {
	// ExecutablePath overrides auto-detection of Chrome.
	ExecutablePath string

	// Headless runs the browser without UI.
	Headless bool

	// NoSandbox disables Chrome sandbox (needed in some containers).
	NoSandbox bool

	// UserDataDir is the profile directory. Empty means DefaultUserDataDir.
	UserDataDir string

	// ExtraArgs are appended to the generated command line.
	ExtraArgs []string
}

func (o LaunchOptions) userDataDir() string {
	if o.UserDataDir != "" {
		return o.UserDataDir
	}
	return DefaultUserDataDir()
}

// DefaultUserDataDir returns the managed profile directory under the
// platform config dir. CDPPROXY_DATA_DIR overrides the base.
//
//	macOS:   ~/Library/Application Support/CDPProxy/browser/user-data
//	Windows: %AppData%\CDPProxy\browser\user-data
//	Linux:   ~/.config/cdpproxy/browser/user-data
func DefaultUserDataDir() string {
	return filepath.Join(dataDir(), "browser", "user-data")
}

func dataDir() string {
	if dir := os.Getenv("CDPPROXY_DATA_DIR"); dir != "" {
		return dir
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "cdpproxy")
	}
	// Linux: lowercase per XDG convention
	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "cdpproxy")
	}
	return filepath.Join(configDir, "CDPProxy")
}
