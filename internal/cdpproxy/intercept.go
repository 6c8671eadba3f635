package cdpproxy

import (
	"context"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

var (
	commandCreateTarget         = cdproto.MethodType(target.CommandCreateTarget)
	commandCreateBrowserContext = cdproto.MethodType(target.CommandCreateBrowserContext)
)

// interceptClientMessage answers commands that must not reach the upstream.
//
// Target.createTarget is redirected to the project's existing page: the page
// is navigated to the requested URL and its id returned as if it were new.
// Without a registered page the command is forwarded unchanged.
// Target.createBrowserContext gets an empty context id, so clients share the
// default context.
func (p *Proxy) interceptClientMessage(ctx context.Context, c *clientConn, raw []byte) ([]byte, bool) {
	if !gjson.ValidBytes(raw) {
		return nil, false
	}
	msg := gjson.ParseBytes(raw)
	method := cdproto.MethodType(msg.Get("method").String())
	if method == "" {
		return nil, false
	}
	sessionID := msg.Get("sessionId").String()
	p.audit.command(c.id, c.projectID, method, sessionID)

	switch method {
	case commandCreateTarget:
		if err := p.EnsureView(ctx, c.projectID); err != nil {
			c.log.Warn("ensure view failed", zap.Error(err))
		}
		id, ok := p.registry.Lookup(c.projectID)
		if !ok {
			return nil, false
		}
		if u := msg.Get("params.url").String(); u != "" && u != blankURL {
			p.navigate(ctx, id, u)
		}
		return commandReply(msg.Get("id"), sessionID, "result.targetId", string(id))

	case commandCreateBrowserContext:
		return commandReply(msg.Get("id"), sessionID, "result.browserContextId", "")
	}
	return nil, false
}

// navigate loads url in the target over a side channel, bounded by the
// navigation timeout. Failures are logged and otherwise ignored.
func (p *Proxy) navigate(ctx context.Context, id target.ID, url string) {
	client, _, err := p.upstreamClient()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()
	if err := navigateTarget(ctx, client, p.dialer, id, url, p.navSettle); err != nil {
		p.log.Warn("navigate target failed", zap.String("target", string(id)), zap.String("url", url), zap.Error(err))
	}
}

// commandReply builds {"id":<id>,"result":{...}} echoing the request id
// verbatim, plus the sessionId for flattened sessions.
func commandReply(id gjson.Result, sessionID, path string, value any) ([]byte, bool) {
	out := []byte(`{}`)
	var err error
	if id.Exists() {
		if out, err = sjson.SetRawBytes(out, "id", []byte(id.Raw)); err != nil {
			return nil, false
		}
	}
	if out, err = sjson.SetBytes(out, path, value); err != nil {
		return nil, false
	}
	if sessionID != "" {
		if out, err = sjson.SetBytes(out, "sessionId", sessionID); err != nil {
			return nil, false
		}
	}
	return out, true
}
