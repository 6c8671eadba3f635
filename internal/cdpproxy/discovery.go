package cdpproxy

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Upstream is a discovered Chromium debugging endpoint.
type Upstream struct {
	Port int
	// RootWebSocketURL is the browser-level CDP endpoint,
	// ws://127.0.0.1:<port>/devtools/browser/<id>.
	RootWebSocketURL string
}

// HTTPBase returns the upstream's http://host:port.
func (u Upstream) HTTPBase() string {
	if u.RootWebSocketURL != "" {
		if parsed, err := url.Parse(u.RootWebSocketURL); err == nil && parsed.Host != "" {
			return "http://" + parsed.Host
		}
	}
	return fmt.Sprintf("http://127.0.0.1:%d", u.Port)
}

// IsZero reports whether u was never discovered.
func (u Upstream) IsZero() bool {
	return u.Port == 0 && u.RootWebSocketURL == ""
}

// Discovery locates the upstream by reading the DevToolsActivePort file:
// line one is the port, line two the browser WebSocket path.
type Discovery struct {
	Path     string
	Fs       afero.Fs
	Attempts int
	Interval time.Duration
	Logger   *zap.Logger
}

// Discover polls for a readable descriptor until the Attempts*Interval budget
// runs out, then fails with ErrDiscoveryTimeout. On the OS filesystem a
// directory watch wakes the poll early when Chromium writes the file.
func (d *Discovery) Discover(ctx context.Context) (Upstream, error) {
	fs := d.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	attempts, interval := d.Attempts, d.Interval
	if attempts <= 0 {
		attempts = DefaultDiscoveryAttempts
	}
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var wake <-chan fsnotify.Event
	if _, ok := fs.(*afero.OsFs); ok {
		if w, err := fsnotify.NewWatcher(); err == nil {
			defer w.Close()
			if err := w.Add(filepath.Dir(d.Path)); err == nil {
				wake = w.Events
			} else {
				log.Debug("descriptor watch unavailable, polling only", zap.Error(err))
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.Now().Add(time.Duration(attempts) * interval)

	for {
		up, err := readActivePort(fs, d.Path)
		if err == nil {
			log.Info("upstream discovered", zap.Int("port", up.Port), zap.String("ws", up.RootWebSocketURL))
			return up, nil
		}
		if !time.Now().Before(deadline) {
			return Upstream{}, fmt.Errorf("%w: %s: %v", ErrDiscoveryTimeout, d.Path, err)
		}

		select {
		case <-ctx.Done():
			return Upstream{}, ctx.Err()
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

func readActivePort(fs afero.Fs, path string) (Upstream, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Upstream{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return Upstream{}, fmt.Errorf("descriptor has %d line(s), want 2", len(lines))
	}
	port, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || port <= 0 || port > 65535 {
		return Upstream{}, fmt.Errorf("invalid port %q", lines[0])
	}
	wsPath := strings.TrimSpace(lines[1])
	if !strings.HasPrefix(wsPath, "/") {
		return Upstream{}, fmt.Errorf("invalid browser path %q", wsPath)
	}
	return Upstream{
		Port:             port,
		RootWebSocketURL: fmt.Sprintf("ws://127.0.0.1:%d%s", port, wsPath),
	}, nil
}
