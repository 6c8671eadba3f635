package cdpproxy

import (
	"net/url"
	"strings"
)

const projectPrefix = "/project/"

// route is the outcome of splitting an incoming path.
type route struct {
	// ProjectID is the effective project. Empty when unscoped and no project
	// is active.
	ProjectID string
	// Scoped is true when the path carried a /project/<id> prefix.
	Scoped bool
	// Path is the remainder after the prefix, or the whole path when unscoped.
	Path string
}

// prefix returns the path prefix used in rewritten URLs for this route.
func (r route) prefix() string {
	if r.ProjectID == "" {
		return ""
	}
	return projectPrefix + url.PathEscape(r.ProjectID)
}

// splitProjectPath parses /project/<id>/rest from an escaped path. Any
// non-empty segment is a valid project id; only the id is unescaped, so an
// id containing "/" stays one segment.
func splitProjectPath(escaped string) (projectID, rest string, ok bool) {
	if !strings.HasPrefix(escaped, projectPrefix) {
		return "", escaped, false
	}
	tail := escaped[len(projectPrefix):]
	id, rest, _ := strings.Cut(tail, "/")
	if id == "" {
		return "", escaped, false
	}
	id, err := url.PathUnescape(id)
	if err != nil || id == "" {
		return "", escaped, false
	}
	if rest != "" || strings.HasSuffix(tail, "/") {
		rest = "/" + rest
	}
	return id, rest, true
}

// resolveRoute applies the fallback rule to an escaped path: unscoped paths
// act on the active project.
func (p *Proxy) resolveRoute(escaped string) route {
	if id, rest, ok := splitProjectPath(escaped); ok {
		return route{ProjectID: id, Scoped: true, Path: rest}
	}
	return route{ProjectID: p.ActiveProject(), Path: escaped}
}
