package cdpproxy

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/chromedp/cdproto/target"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/neboloop/cdpproxy/internal/httputil"
)

// Handler returns the proxy's HTTP handler: the /json discovery endpoints,
// optionally under /project/{projectID}, and WebSocket upgrades on any path.
func (p *Proxy) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(p.upgradeWebSockets)
	r.Use(middleware.StripSlashes)
	r.NotFound(p.handleNotFound)
	r.MethodNotAllowed(p.handleNotFound)

	mount := func(r chi.Router) {
		r.Get("/json", p.handleList)
		r.Get("/json/list", p.handleList)
		r.Get("/json/version", p.handleVersion)
		r.Get("/json/protocol", p.handleProtocol)
	}
	mount(r)
	r.Route(projectPrefix+"{projectID}", mount)
	return r
}

// upgradeWebSockets sends every upgrade request to the bridge, whatever its path.
func (p *Proxy) upgradeWebSockets(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			p.serveWebSocket(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestRoute resolves the effective project for an HTTP request and logs
// the fallback to the active project. The project id is taken from the
// escaped path, the same way the WebSocket bridge reads it.
func (p *Proxy) requestRoute(r *http.Request, warnOnFallback bool) route {
	rt := p.resolveRoute(r.URL.EscapedPath())
	if !rt.Scoped && warnOnFallback {
		p.log.Warn("unscoped request, using active project",
			zap.String("path", r.URL.Path),
			zap.String("project", rt.ProjectID))
	}
	return rt
}

func (p *Proxy) handleList(w http.ResponseWriter, r *http.Request) {
	rt := p.requestRoute(r, true)
	client, _, err := p.upstreamClient()
	if err != nil {
		p.fail(w, "list", err)
		return
	}

	if rt.ProjectID != "" {
		if err := p.EnsureView(r.Context(), rt.ProjectID); err != nil {
			p.fail(w, "list", err)
			return
		}
	}

	body, err := client.listRaw(r.Context())
	if err != nil {
		p.fail(w, "list", err)
		return
	}
	filtered, err := p.filterTargetList(body, rt)
	if err != nil {
		p.fail(w, "list", err)
		return
	}
	p.countRequest("list", http.StatusOK)
	httputil.WriteRaw(w, http.StatusOK, filtered)
}

// filterTargetList keeps the targets rt's project may see and points their
// webSocketDebuggerUrl at the proxy. Other fields pass through untouched.
func (p *Proxy) filterTargetList(body []byte, rt route) ([]byte, error) {
	list := gjson.ParseBytes(body)
	if !gjson.ValidBytes(body) || !list.IsArray() {
		return nil, fmt.Errorf("%w: /json/list is not a JSON array", ErrUpstreamUnreachable)
	}

	kept := make([][]byte, 0, 1)
	var rewriteErr error
	list.ForEach(func(_, t gjson.Result) bool {
		id := target.ID(t.Get("id").String())
		if !p.IsTargetAllowed(id, rt.ProjectID, t.Get("url").String()) {
			return true
		}
		raw := []byte(t.Raw)
		if ws := t.Get("webSocketDebuggerUrl"); ws.String() != "" {
			raw, rewriteErr = sjson.SetBytes(raw, "webSocketDebuggerUrl", p.proxyWebSocketURL(ws.String(), rt))
			if rewriteErr != nil {
				return false
			}
		}
		kept = append(kept, raw)
		return true
	})
	if rewriteErr != nil {
		return nil, rewriteErr
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(bytes.Join(kept, []byte{','}))
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// proxyWebSocketURL rewrites an upstream debugger URL to
// ws://<proxy>/project/<id><path>.
func (p *Proxy) proxyWebSocketURL(upstreamURL string, rt route) string {
	path := upstreamURL
	if u, err := url.Parse(upstreamURL); err == nil {
		path = u.Path
	}
	return fmt.Sprintf("ws://%s%s%s", p.advertisedHost(), rt.prefix(), path)
}

// advertisedHost is the host:port put in rewritten URLs. A wildcard bind
// host is advertised as 127.0.0.1.
func (p *Proxy) advertisedHost() string {
	host := p.host
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = DefaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port()))
}

func (p *Proxy) handleVersion(w http.ResponseWriter, r *http.Request) {
	rt := p.requestRoute(r, true)
	client, _, err := p.upstreamClient()
	if err != nil {
		p.fail(w, "version", err)
		return
	}
	body, err := client.Version(r.Context())
	if err != nil {
		p.fail(w, "version", err)
		return
	}
	if !gjson.ValidBytes(body) {
		p.fail(w, "version", fmt.Errorf("%w: /json/version is not JSON", ErrUpstreamUnreachable))
		return
	}
	wsURL := fmt.Sprintf("ws://%s%s/devtools/browser/%s", p.advertisedHost(), rt.prefix(), p.browserToken)
	out, err := sjson.SetBytes(body, "webSocketDebuggerUrl", wsURL)
	if err != nil {
		p.fail(w, "version", err)
		return
	}
	p.countRequest("version", http.StatusOK)
	httputil.WriteRaw(w, http.StatusOK, out)
}

func (p *Proxy) handleProtocol(w http.ResponseWriter, r *http.Request) {
	client, _, err := p.upstreamClient()
	if err != nil {
		p.fail(w, "protocol", err)
		return
	}
	body, err := client.Protocol(r.Context())
	if err != nil {
		p.fail(w, "protocol", err)
		return
	}
	p.countRequest("protocol", http.StatusOK)
	httputil.WriteRaw(w, http.StatusOK, body)
}

func (p *Proxy) handleNotFound(w http.ResponseWriter, r *http.Request) {
	p.countRequest("other", http.StatusNotFound)
	httputil.NotFound(w)
}

func (p *Proxy) fail(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, ErrNotStarted) {
		p.countRequest(name, http.StatusServiceUnavailable)
		httputil.Error(w, http.StatusServiceUnavailable, err)
		return
	}
	p.log.Warn("upstream request failed", zap.String("route", name), zap.Error(err))
	p.countRequest(name, http.StatusBadGateway)
	httputil.BadGateway(w, err)
}

func (p *Proxy) countRequest(name string, code int) {
	p.metrics.HTTPRequests.WithLabelValues(name, strconv.Itoa(code)).Inc()
}
