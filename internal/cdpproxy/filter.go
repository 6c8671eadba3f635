package cdpproxy

import (
	"bytes"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Target domain events the filter acts on.
var (
	eventTargetCreated      = cdproto.MethodType(cdproto.EventTargetTargetCreated)
	eventTargetInfoChanged  = cdproto.MethodType(cdproto.EventTargetTargetInfoChanged)
	eventTargetDestroyed    = cdproto.MethodType(cdproto.EventTargetTargetDestroyed)
	eventAttachedToTarget   = cdproto.MethodType(cdproto.EventTargetAttachedToTarget)
	eventDetachedFromTarget = cdproto.MethodType(cdproto.EventTargetDetachedFromTarget)
)

// sessionTable maps the CDP sessions seen on one connection to their targets.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[target.SessionID]target.ID
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[target.SessionID]target.ID)}
}

func (s *sessionTable) bind(sid target.SessionID, id target.ID) {
	s.mu.Lock()
	s.sessions[sid] = id
	s.mu.Unlock()
}

func (s *sessionTable) lookup(sid target.SessionID) (target.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[sid]
	return id, ok
}

func (s *sessionTable) unbind(sid target.SessionID) (target.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[sid]
	delete(s.sessions, sid)
	return id, ok
}

func (s *sessionTable) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// filterUpstreamMessage decides whether an upstream frame reaches a client of
// projectID, and rewrites Target.getTargets results to the allowed targets.
// Frames that are not JSON objects pass through untouched.
func (p *Proxy) filterUpstreamMessage(projectID string, sessions *sessionTable, raw []byte) ([]byte, bool) {
	if !gjson.ValidBytes(raw) {
		return raw, true
	}
	msg := gjson.ParseBytes(raw)
	if !msg.IsObject() {
		return raw, true
	}

	if sid := msg.Get("sessionId").String(); sid != "" {
		if id, ok := sessions.lookup(target.SessionID(sid)); ok && !p.IsTargetAllowed(id, projectID, "") {
			return nil, false
		}
	}

	params := msg.Get("params")
	switch cdproto.MethodType(msg.Get("method").String()) {
	case eventTargetCreated, eventTargetInfoChanged:
		info := params.Get("targetInfo")
		if id := info.Get("targetId").String(); id != "" && !p.IsTargetAllowed(target.ID(id), projectID, info.Get("url").String()) {
			return nil, false
		}

	case eventTargetDestroyed:
		if id := params.Get("targetId").String(); id != "" && !p.IsTargetAllowed(target.ID(id), projectID, "") {
			return nil, false
		}

	case eventAttachedToTarget:
		sid := params.Get("sessionId").String()
		info := params.Get("targetInfo")
		id := info.Get("targetId").String()
		if sid != "" && id != "" {
			sessions.bind(target.SessionID(sid), target.ID(id))
		}
		if id != "" && !p.IsTargetAllowed(target.ID(id), projectID, info.Get("url").String()) {
			return nil, false
		}

	case eventDetachedFromTarget:
		if sid := params.Get("sessionId").String(); sid != "" {
			if id, ok := sessions.unbind(target.SessionID(sid)); ok && !p.IsTargetAllowed(id, projectID, "") {
				return nil, false
			}
		}
	}

	if msg.Get("id").Exists() {
		if infos := msg.Get("result.targetInfos"); infos.IsArray() {
			if out, ok := p.filterTargetInfos(raw, infos, projectID); ok {
				return out, true
			}
		}
	}
	return raw, true
}

// filterTargetInfos replaces result.targetInfos with the allowed entries.
func (p *Proxy) filterTargetInfos(raw []byte, infos gjson.Result, projectID string) ([]byte, bool) {
	kept := make([][]byte, 0, 1)
	infos.ForEach(func(_, info gjson.Result) bool {
		id := target.ID(info.Get("targetId").String())
		if p.IsTargetAllowed(id, projectID, info.Get("url").String()) {
			kept = append(kept, []byte(info.Raw))
		}
		return true
	})

	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(bytes.Join(kept, []byte{','}))
	buf.WriteByte(']')

	out, err := sjson.SetRawBytes(raw, "result.targetInfos", buf.Bytes())
	if err != nil {
		return nil, false
	}
	p.metrics.frame(dirUpstreamToClient, outcomeRewritten)
	return out, true
}
