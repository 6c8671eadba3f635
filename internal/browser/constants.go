// Package browser finds, launches and stops the Chromium instance the proxy
// fronts when the CLI acts as its own host.
package browser

import "time"

const (
	// ActivePortFile is written by Chromium into the user data dir when it is
	// started with --remote-debugging-port=0.
	ActivePortFile = "DevToolsActivePort"

	// DefaultStopTimeout is how long StopChrome waits before killing.
	DefaultStopTimeout = 5 * time.Second
)
