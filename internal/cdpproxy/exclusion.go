package cdpproxy

import "strings"

var excludedSchemes = []string{"devtools://", "chrome-extension://"}

// rendererPage matches the host application's own UI in packaged builds.
const rendererPage = "/renderer/index.html"

// ExclusionRule decides which upstream targets are never exposed to clients:
// the host's renderer UI, DevTools frontends and extension pages.
type ExclusionRule struct {
	// RendererURL is the host UI's URL prefix, e.g. a dev server address.
	RendererURL string
}

// Excludes reports whether url belongs to a target clients must never see.
// An empty url is not excluded.
func (r ExclusionRule) Excludes(url string) bool {
	if url == "" {
		return false
	}
	if r.RendererURL != "" && strings.HasPrefix(url, r.RendererURL) {
		return true
	}
	if strings.Contains(url, rendererPage) {
		return true
	}
	for _, scheme := range excludedSchemes {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}
