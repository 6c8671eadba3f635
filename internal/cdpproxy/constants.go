// Package cdpproxy is a project-scoped filtering proxy for the Chrome DevTools
// Protocol. It sits between automation clients and a single Chromium instance
// that hosts one page per project, and makes each project's client see only
// that project's page.
//
// Clients connect to /project/<id>/... and speak plain CDP. HTTP discovery
// endpoints are filtered and rewritten, target-creation commands are redirected
// to the project's existing page, and upstream events about other targets are
// dropped.
package cdpproxy

import "time"

const (
	// ActivePortFileName is the file Chromium writes into its user data dir
	// when started with --remote-debugging-port=0.
	ActivePortFileName = "DevToolsActivePort"

	// DefaultBrowserToken is the fixed token in the browser WebSocket URL
	// advertised by /json/version.
	DefaultBrowserToken = "cdpproxy"

	// DefaultHost is the only interface the proxy binds by default.
	DefaultHost = "127.0.0.1"
)

// Retry and timeout budgets.
const (
	DefaultDiscoveryAttempts = 30
	DefaultDiscoveryInterval = 100 * time.Millisecond

	DefaultRegistrationAttempts = 5
	DefaultRegistrationInterval = 150 * time.Millisecond

	DefaultNavigateSettle  = 500 * time.Millisecond
	DefaultNavigateTimeout = 3 * time.Second

	upstreamHTTPTimeout = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
	closeFrameTimeout   = time.Second
)

// blankURL is what a freshly created view reports before it loads anything.
const blankURL = "about:blank"
