package cdpproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/neboloop/cdpproxy/internal/lifecycle"
	"github.com/neboloop/cdpproxy/internal/logging"
)

// ViewHandle is the host's handle on a browser view. Only its current URL is
// consulted when matching it to an upstream target.
type ViewHandle interface {
	URL() string
}

// StaticView is a ViewHandle with a fixed URL.
type StaticView string

func (v StaticView) URL() string { return string(v) }

// EnsureViewFunc creates a view for a project that has none and registers it
// with RegisterView before returning.
type EnsureViewFunc func(ctx context.Context, projectID string) error

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the proxy's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Proxy) { p.log = l }
}

// WithHooks sets the lifecycle manager events are emitted on.
func WithHooks(m *lifecycle.Manager) Option {
	return func(p *Proxy) { p.hooks = m }
}

// WithMetrics sets the collectors the proxy updates.
func WithMetrics(m *Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// WithRendererURL excludes targets under the host UI's URL prefix.
func WithRendererURL(u string) Option {
	return func(p *Proxy) { p.exclusion.RendererURL = u }
}

// WithListenAddr sets the bind host and port. Port 0 picks an ephemeral port.
func WithListenAddr(host string, port int) Option {
	return func(p *Proxy) {
		p.host = host
		p.listenPort = port
	}
}

// WithBrowserToken sets the token advertised in /json/version.
func WithBrowserToken(token string) Option {
	return func(p *Proxy) { p.browserToken = token }
}

// WithDiscovery sets how Start locates the upstream.
func WithDiscovery(d *Discovery) Option {
	return func(p *Proxy) { p.discovery = d }
}

// WithUpstream skips discovery and uses up directly.
func WithUpstream(up Upstream) Option {
	return func(p *Proxy) { p.fixedUpstream = up }
}

// WithRegistrationBudget sets how often RegisterView polls the target list.
func WithRegistrationBudget(attempts int, interval time.Duration) Option {
	return func(p *Proxy) {
		p.regAttempts = attempts
		p.regInterval = interval
	}
}

// WithNavigateBudget sets the side-channel navigation settle delay and timeout.
func WithNavigateBudget(settle, timeout time.Duration) Option {
	return func(p *Proxy) {
		p.navSettle = settle
		p.navTimeout = timeout
	}
}

// WithEnsureView installs the ensure-view callback.
func WithEnsureView(fn EnsureViewFunc) Option {
	return func(p *Proxy) { p.ensureView = fn }
}

// Proxy is the filtering CDP proxy. Create it with New, then Start it.
type Proxy struct {
	log          *zap.Logger
	audit        *auditLogger
	hooks        *lifecycle.Manager
	metrics      *Metrics
	registry     *Registry
	exclusion    ExclusionRule
	discovery    *Discovery
	browserToken string

	host        string
	listenPort  int
	regAttempts int
	regInterval time.Duration
	navSettle   time.Duration
	navTimeout  time.Duration

	fixedUpstream Upstream
	upgrader      websocket.Upgrader
	dialer        *websocket.Dialer

	// lifecycleMu serializes Start and Stop.
	lifecycleMu sync.Mutex

	mu            sync.RWMutex
	started       bool
	generation    uint64
	upstream      Upstream
	client        *upstreamClient
	server        *http.Server
	port          int
	activeProject string
	ensureView    EnsureViewFunc

	connsMu sync.Mutex
	conns   map[*clientConn]struct{}
}

// New returns an unstarted proxy.
func New(opts ...Option) *Proxy {
	p := &Proxy{
		registry:     NewRegistry(),
		browserToken: DefaultBrowserToken,
		host:         DefaultHost,
		regAttempts:  DefaultRegistrationAttempts,
		regInterval:  DefaultRegistrationInterval,
		navSettle:    DefaultNavigateSettle,
		navTimeout:   DefaultNavigateTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: upstreamHTTPTimeout,
		},
		conns: make(map[*clientConn]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logging.Named("cdp-proxy")
	}
	if p.hooks == nil {
		p.hooks = lifecycle.NewManager()
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if p.host == "" {
		p.host = DefaultHost
	}
	p.audit = newAuditLogger(p.log)
	p.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The proxy only listens on loopback; CDP clients do not send a
		// browser Origin.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return p
}

// Start discovers the upstream, binds the listener and begins serving. It
// returns the bound port.
func (p *Proxy) Start(ctx context.Context) (int, error) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if started {
		return 0, ErrAlreadyStarted
	}

	up := p.fixedUpstream
	if up.IsZero() {
		if p.discovery == nil {
			return 0, fmt.Errorf("%w: no discovery configured", ErrDiscoveryTimeout)
		}
		if p.discovery.Logger == nil {
			p.discovery.Logger = p.log
		}
		var err error
		up, err = p.discovery.Discover(ctx)
		if err != nil {
			return 0, err
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(p.host, strconv.Itoa(p.listenPort)))
	if err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	server := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	p.mu.Lock()
	p.upstream = up
	p.client = newUpstreamClient(up)
	p.server = server
	p.port = port
	p.started = true
	p.generation++
	p.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("proxy server stopped", zap.Error(err))
		}
	}()

	p.log.Info("proxy listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("upstream", up.RootWebSocketURL))
	p.hooks.Emit(lifecycle.EventProxyStarted, lifecycle.ProxyEventData{Port: port, UpstreamURL: up.RootWebSocketURL})
	return port, nil
}

// Stop closes every client and upstream connection, clears the registry and
// shuts the listener down. Stopping a stopped proxy is a no-op.
func (p *Proxy) Stop() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	server := p.server
	port := p.port
	p.started = false
	p.server = nil
	p.client = nil
	p.port = 0
	p.mu.Unlock()

	p.connsMu.Lock()
	conns := make([]*clientConn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.connsMu.Unlock()
	for _, c := range conns {
		c.close()
	}

	p.registry.Clear()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := server.Shutdown(ctx)

	p.log.Info("proxy stopped", zap.Int("port", port))
	p.hooks.Emit(lifecycle.EventProxyStopped, lifecycle.ProxyEventData{Port: port})
	return err
}

// Port returns the bound port, or 0 when stopped.
func (p *Proxy) Port() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.port
}

// Upstream returns the discovered upstream, or the zero value when stopped.
func (p *Proxy) Upstream() Upstream {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return Upstream{}
	}
	return p.upstream
}

// URL returns the base URL clients of projectID should use.
func (p *Proxy) URL(projectID string) string {
	return fmt.Sprintf("http://%s%s", p.advertisedHost(), route{ProjectID: projectID}.prefix())
}

// SetActiveProject sets the project unscoped requests act on. Empty clears it.
func (p *Proxy) SetActiveProject(projectID string) {
	p.mu.Lock()
	p.activeProject = projectID
	p.mu.Unlock()
}

// ActiveProject returns the current active project.
func (p *Proxy) ActiveProject() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeProject
}

// SetEnsureView installs the callback that creates views on demand.
func (p *Proxy) SetEnsureView(fn EnsureViewFunc) {
	p.mu.Lock()
	p.ensureView = fn
	p.mu.Unlock()
}

// TargetFor returns the target registered for projectID.
func (p *Proxy) TargetFor(projectID string) (target.ID, bool) {
	return p.registry.Lookup(projectID)
}

// Registry exposes the project to target registry.
func (p *Proxy) Registry() *Registry {
	return p.registry
}

// ConnectionCount returns the number of bridged client connections.
func (p *Proxy) ConnectionCount() int {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	return len(p.conns)
}

// IsTargetAllowed reports whether projectID may see the target id with url.
// Excluded URLs are never allowed; otherwise only the project's registered
// target is.
func (p *Proxy) IsTargetAllowed(id target.ID, projectID, url string) bool {
	if p.exclusion.Excludes(url) {
		return false
	}
	if projectID == "" {
		return false
	}
	registered, ok := p.registry.Lookup(projectID)
	return ok && registered == id
}

func (p *Proxy) upstreamClient() (*upstreamClient, Upstream, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return nil, Upstream{}, ErrNotStarted
	}
	return p.client, p.upstream, nil
}

// session returns the upstream client with the generation of the Start that
// created it.
func (p *Proxy) session() (*upstreamClient, uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return nil, 0, ErrNotStarted
	}
	return p.client, p.generation, nil
}

// claim binds projectID to id unless the proxy was stopped or restarted since
// generation gen. Stop clears the registry after marking the proxy stopped, so
// a claim either lands before the Clear or is refused.
func (p *Proxy) claim(gen uint64, projectID string, id target.ID) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started || p.generation != gen {
		return ErrNotStarted
	}
	return p.registry.Set(projectID, id)
}

func (p *Proxy) track(c *clientConn) {
	p.connsMu.Lock()
	p.conns[c] = struct{}{}
	p.connsMu.Unlock()
	p.metrics.ActiveConnections.Inc()
	p.hooks.Emit(lifecycle.EventClientConnected, lifecycle.ClientEventData{ConnectionID: c.id, ProjectID: c.projectID})
}

func (p *Proxy) untrack(c *clientConn) {
	p.connsMu.Lock()
	_, ok := p.conns[c]
	delete(p.conns, c)
	p.connsMu.Unlock()
	if !ok {
		return
	}
	p.metrics.ActiveConnections.Dec()
	p.hooks.Emit(lifecycle.EventClientDisconnected, lifecycle.ClientEventData{ConnectionID: c.id, ProjectID: c.projectID})
}
