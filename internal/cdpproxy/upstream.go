package cdpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

// TargetEntry is one element of the upstream /json/list response. Only the
// fields the proxy decides on are decoded; HTTP responses are rewritten from
// the raw JSON so unknown fields pass through.
type TargetEntry struct {
	ID                   target.ID `json:"id"`
	Type                 string    `json:"type"`
	Title                string    `json:"title"`
	URL                  string    `json:"url"`
	WebSocketDebuggerURL string    `json:"webSocketDebuggerUrl,omitempty"`
}

// upstreamClient talks to the upstream's HTTP discovery endpoints.
type upstreamClient struct {
	http *resty.Client
}

func newUpstreamClient(up Upstream) *upstreamClient {
	c := resty.New().
		SetBaseURL(up.HTTPBase()).
		SetTimeout(upstreamHTTPTimeout).
		SetHeader("Accept", "application/json")
	return &upstreamClient{http: c}
}

func (c *upstreamClient) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUpstreamUnreachable, path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: GET %s: %s", ErrUpstreamUnreachable, path, resp.Status())
	}
	return resp.Body(), nil
}

// listRaw returns the upstream /json/list body unchanged.
func (c *upstreamClient) listRaw(ctx context.Context) ([]byte, error) {
	return c.get(ctx, "/json/list")
}

// List returns the upstream targets.
func (c *upstreamClient) List(ctx context.Context) ([]TargetEntry, error) {
	body, err := c.listRaw(ctx)
	if err != nil {
		return nil, err
	}
	var entries []TargetEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode /json/list: %v", ErrUpstreamUnreachable, err)
	}
	return entries, nil
}

func (c *upstreamClient) Version(ctx context.Context) ([]byte, error) {
	return c.get(ctx, "/json/version")
}

func (c *upstreamClient) Protocol(ctx context.Context) ([]byte, error) {
	return c.get(ctx, "/json/protocol")
}

// command is an outgoing CDP command frame.
type command struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// navigateTarget loads url in the upstream target id over a short-lived
// connection to that target's own debugger endpoint. It sends Page.navigate,
// waits settle for the command to take effect, and closes. A target that is
// missing from /json/list is skipped silently.
func navigateTarget(ctx context.Context, client *upstreamClient, dialer *websocket.Dialer, id target.ID, url string, settle time.Duration) error {
	entries, err := client.List(ctx)
	if err != nil {
		return err
	}
	var wsURL string
	for _, e := range entries {
		if e.ID == id {
			wsURL = e.WebSocketDebuggerURL
			break
		}
	}
	if wsURL == "" {
		return nil
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUpstreamUnreachable, wsURL, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(command{ID: 1, Method: page.CommandNavigate, Params: page.Navigate(url)}); err != nil {
		return fmt.Errorf("send %s: %w", page.CommandNavigate, err)
	}

	t := time.NewTimer(settle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
