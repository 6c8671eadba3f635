package cdpproxy

import "errors"

var (
	// ErrDiscoveryTimeout means no usable DevToolsActivePort appeared in time.
	ErrDiscoveryTimeout = errors.New("cdpproxy: DevToolsActivePort not found")

	// ErrUpstreamUnreachable wraps failures talking to the upstream browser.
	ErrUpstreamUnreachable = errors.New("cdpproxy: upstream unreachable")

	// ErrNotStarted is returned by operations that need a running proxy.
	ErrNotStarted = errors.New("cdpproxy: proxy not started")

	// ErrAlreadyStarted is returned by Start on a running proxy.
	ErrAlreadyStarted = errors.New("cdpproxy: proxy already started")

	// ErrTargetClaimed means a target is already owned by another project.
	ErrTargetClaimed = errors.New("cdpproxy: target already registered to another project")
)
