package cdpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// fakeTarget is one page of the fake browser.
type fakeTarget struct {
	ID    string
	Type  string
	Title string
	URL   string
}

// navigation is a Page.navigate received on a per-target socket.
type navigation struct {
	TargetID string
	URL      string
}

// fakeChrome is a minimal Chromium debugging endpoint: /json/list,
// /json/version, /json/protocol, the browser socket and per-target sockets.
// The browser socket records every frame, answers Target.getTargets from the
// target table and everything else with an empty result.
type fakeChrome struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	targets   []fakeTarget
	conns     []*fakeConn
	failHTTP  bool
	listCalls int

	received    chan []byte
	navigations chan navigation
	connected   chan struct{}
}

type fakeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *fakeConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func newFakeChrome(t *testing.T, targets ...fakeTarget) *fakeChrome {
	t.Helper()
	fc := &fakeChrome{
		t:           t,
		targets:     targets,
		received:    make(chan []byte, 64),
		navigations: make(chan navigation, 8),
		connected:   make(chan struct{}, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", fc.handleList)
	mux.HandleFunc("/json", fc.handleList)
	mux.HandleFunc("/json/version", fc.handleVersion)
	mux.HandleFunc("/json/protocol", fc.handleProtocol)
	mux.HandleFunc("/devtools/browser/", fc.handleBrowser)
	mux.HandleFunc("/devtools/page/", fc.handlePage)
	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.Close)
	return fc
}

func (fc *fakeChrome) Close() {
	fc.mu.Lock()
	conns := fc.conns
	fc.conns = nil
	fc.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
	fc.srv.Close()
}

func (fc *fakeChrome) host() string {
	u, _ := url.Parse(fc.srv.URL)
	return u.Host
}

// Upstream describes the fake as a discovered endpoint.
func (fc *fakeChrome) Upstream() Upstream {
	_, portStr, _ := strings.Cut(fc.host(), ":")
	port, _ := strconv.Atoi(portStr)
	return Upstream{Port: port, RootWebSocketURL: "ws://" + fc.host() + "/devtools/browser/fake-browser"}
}

func (fc *fakeChrome) SetTargets(targets ...fakeTarget) {
	fc.mu.Lock()
	fc.targets = targets
	fc.mu.Unlock()
}

func (fc *fakeChrome) SetFailHTTP(fail bool) {
	fc.mu.Lock()
	fc.failHTTP = fail
	fc.mu.Unlock()
}

func (fc *fakeChrome) ListCalls() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.listCalls
}

func (fc *fakeChrome) wsURL(id string) string {
	return "ws://" + fc.host() + "/devtools/page/" + id
}

func (fc *fakeChrome) handleList(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	fc.listCalls++
	fail := fc.failHTTP
	targets := append([]fakeTarget(nil), fc.targets...)
	fc.mu.Unlock()
	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(targets))
	for _, t := range targets {
		out = append(out, map[string]any{
			"id":                   t.ID,
			"type":                 t.Type,
			"title":                t.Title,
			"url":                  t.URL,
			"description":          "",
			"devtoolsFrontendUrl":  "/devtools/inspector.html?ws=" + fc.host() + "/devtools/page/" + t.ID,
			"webSocketDebuggerUrl": fc.wsURL(t.ID),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (fc *fakeChrome) handleVersion(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	fail := fc.failHTTP
	fc.mu.Unlock()
	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"Browser":"HeadlessChrome/126.0.0.0","Protocol-Version":"1.3","webSocketDebuggerUrl":"ws://%s/devtools/browser/fake-browser"}`, fc.host())
}

func (fc *fakeChrome) handleProtocol(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"version":{"major":"1","minor":"3"},"domains":[]}`))
}

var fakeUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (fc *fakeChrome) handleBrowser(w http.ResponseWriter, r *http.Request) {
	ws, err := fakeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &fakeConn{conn: ws}
	fc.mu.Lock()
	fc.conns = append(fc.conns, c)
	fc.mu.Unlock()
	select {
	case fc.connected <- struct{}{}:
	default:
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case fc.received <- data:
		default:
		}
		_ = c.write(fc.reply(data))
	}
}

func (fc *fakeChrome) reply(data []byte) []byte {
	msg := gjson.ParseBytes(data)
	out := []byte(`{}`)
	out, _ = sjson.SetRawBytes(out, "id", []byte(msg.Get("id").Raw))
	if sid := msg.Get("sessionId").String(); sid != "" {
		out, _ = sjson.SetBytes(out, "sessionId", sid)
	}
	if msg.Get("method").String() != "Target.getTargets" {
		out, _ = sjson.SetRawBytes(out, "result", []byte(`{}`))
		return out
	}

	fc.mu.Lock()
	targets := append([]fakeTarget(nil), fc.targets...)
	fc.mu.Unlock()
	infos := make([]map[string]any, 0, len(targets))
	for _, t := range targets {
		infos = append(infos, map[string]any{
			"targetId": t.ID,
			"type":     t.Type,
			"title":    t.Title,
			"url":      t.URL,
			"attached": false,
		})
	}
	out, _ = sjson.SetBytes(out, "result.targetInfos", infos)
	return out
}

func (fc *fakeChrome) handlePage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/devtools/page/")
	ws, err := fakeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg := gjson.ParseBytes(data)
		if msg.Get("method").String() == "Page.navigate" {
			select {
			case fc.navigations <- navigation{TargetID: id, URL: msg.Get("params.url").String()}:
			default:
			}
		}
	}
}

// Broadcast sends an event to every connected browser socket.
func (fc *fakeChrome) Broadcast(event string) {
	fc.mu.Lock()
	conns := append([]*fakeConn(nil), fc.conns...)
	fc.mu.Unlock()
	for _, c := range conns {
		_ = c.write([]byte(event))
	}
}

// DropConnections closes every browser socket from the upstream side.
func (fc *fakeChrome) DropConnections() {
	fc.mu.Lock()
	conns := fc.conns
	fc.conns = nil
	fc.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (fc *fakeChrome) WaitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-fc.connected:
	case <-time.After(3 * time.Second):
		require.FailNow(t, "no upstream connection")
	}
}

func (fc *fakeChrome) NextReceived(t *testing.T) gjson.Result {
	t.Helper()
	select {
	case data := <-fc.received:
		return gjson.ParseBytes(data)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "upstream received nothing")
		return gjson.Result{}
	}
}

// startProxy starts a proxy against fc on an ephemeral port.
func startProxy(t *testing.T, fc *fakeChrome, opts ...Option) *Proxy {
	t.Helper()
	base := []Option{
		WithUpstream(fc.Upstream()),
		WithListenAddr("127.0.0.1", 0),
		WithLogger(zap.NewNop()),
		WithRegistrationBudget(3, 10*time.Millisecond),
		WithNavigateBudget(20*time.Millisecond, time.Second),
	}
	p := New(append(base, opts...)...)
	_, err := p.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

// dialProxy opens a client WebSocket to path on p.
func dialProxy(t *testing.T, p *Proxy, path string) *websocket.Conn {
	t.Helper()
	u := fmt.Sprintf("ws://127.0.0.1:%d%s", p.Port(), path)
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readFrame reads one frame with a deadline.
func readFrame(t *testing.T, ws *websocket.Conn) gjson.Result {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}
