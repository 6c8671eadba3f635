package cdpproxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// frame is one WebSocket message.
type frame struct {
	typ  int
	data []byte
}

// clientConn bridges one client WebSocket to its own upstream connection.
//
// Client frames that arrive before the upstream is open are queued and
// flushed in arrival order once it is; forward and flush share mu so a
// later frame can never overtake a queued one.
type clientConn struct {
	p         *Proxy
	id        string
	projectID string
	client    *websocket.Conn
	sessions  *sessionTable
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes writes to the client.
	writeMu sync.Mutex

	mu       sync.Mutex
	upstream *websocket.Conn
	pending  []frame
	closed   bool

	closeOnce sync.Once
}

func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	rt := p.resolveRoute(r.URL.EscapedPath())
	if !rt.Scoped {
		p.log.Warn("unscoped WebSocket, using active project",
			zap.String("path", r.URL.Path),
			zap.String("project", rt.ProjectID))
	}
	if _, _, err := p.upstreamClient(); err != nil {
		p.fail(w, "websocket", err)
		return
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &clientConn{
		p:         p,
		id:        uuid.NewString(),
		projectID: rt.ProjectID,
		client:    ws,
		sessions:  newSessionTable(),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.log = p.log.With(zap.String("conn", truncateID(c.id)), zap.String("project", rt.ProjectID))
	p.track(c)
	c.log.Debug("client connected", zap.String("path", r.URL.Path))

	go c.runUpstream()
	c.readClient()
}

// readClient pumps client frames until the client goes away. Intercepted
// commands are answered locally; everything else is forwarded or queued.
func (c *clientConn) readClient() {
	defer c.close()
	for {
		typ, data, err := c.client.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("client read ended", zap.Error(err))
			}
			return
		}
		if reply, ok := c.p.interceptClientMessage(c.ctx, c, data); ok {
			c.p.metrics.frame(dirClientToUpstream, outcomeIntercepted)
			c.writeClient(websocket.TextMessage, reply)
			continue
		}
		c.forward(typ, data)
	}
}

// forward sends a client frame upstream, or queues it until the upstream is open.
func (c *clientConn) forward(typ int, data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.upstream == nil {
		c.pending = append(c.pending, frame{typ: typ, data: data})
		c.mu.Unlock()
		c.p.metrics.frame(dirClientToUpstream, outcomeQueued)
		return
	}
	err := c.upstream.WriteMessage(typ, data)
	c.mu.Unlock()

	if err != nil {
		c.log.Debug("upstream write failed", zap.Error(err))
		c.close()
		return
	}
	c.p.metrics.frame(dirClientToUpstream, outcomeForwarded)
}

// attach installs the upstream connection and flushes the queue. It fails
// when the client is already gone.
func (c *clientConn) attach(up *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("client closed before upstream opened")
	}
	for _, f := range c.pending {
		if err := up.WriteMessage(f.typ, f.data); err != nil {
			return err
		}
		c.p.metrics.frame(dirClientToUpstream, outcomeForwarded)
	}
	c.pending = nil
	c.upstream = up
	return nil
}

// runUpstream ensures the project's view exists, opens the upstream
// connection and pumps filtered upstream frames to the client.
func (c *clientConn) runUpstream() {
	defer c.close()

	if err := c.p.EnsureView(c.ctx, c.projectID); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("ensure view failed", zap.Error(err))
	}
	if c.ctx.Err() != nil {
		return
	}

	_, upstream, err := c.p.upstreamClient()
	if err != nil {
		return
	}
	up, _, err := c.p.dialer.DialContext(c.ctx, upstream.RootWebSocketURL, nil)
	if err != nil {
		if c.ctx.Err() == nil {
			c.log.Warn("upstream dial failed", zap.String("url", upstream.RootWebSocketURL), zap.Error(err))
		}
		return
	}
	if err := c.attach(up); err != nil {
		c.log.Debug("upstream attach failed", zap.Error(err))
		_ = up.Close()
		return
	}

	for {
		typ, data, err := up.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug("upstream read ended", zap.Error(err))
			}
			return
		}
		out, keep := c.p.filterUpstreamMessage(c.projectID, c.sessions, data)
		if !keep {
			c.p.metrics.frame(dirUpstreamToClient, outcomeDropped)
			continue
		}
		c.p.metrics.frame(dirUpstreamToClient, outcomeForwarded)
		c.writeClient(typ, out)
	}
}

func (c *clientConn) writeClient(typ int, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.client.WriteMessage(typ, data); err != nil {
		c.log.Debug("client write failed", zap.Error(err))
	}
}

// close tears down both sides. Safe to call from any goroutine, any number
// of times.
func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.closed = true
		up := c.upstream
		c.pending = nil
		c.mu.Unlock()

		sendClose(c.client)
		_ = c.client.Close()
		if up != nil {
			sendClose(up)
			_ = up.Close()
		}

		c.p.untrack(c)
		c.log.Debug("client disconnected")
	})
}

func sendClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameTimeout))
}
