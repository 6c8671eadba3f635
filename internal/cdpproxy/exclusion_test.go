package cdpproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExclusionRule(t *testing.T) {
	rule := ExclusionRule{RendererURL: "http://localhost:5173"}

	tests := []struct {
		url  string
		want bool
	}{
		{"", false},
		{"about:blank", false},
		{"https://example.com/", false},
		{"http://localhost:5173/", true},
		{"http://localhost:5173/settings", true},
		{"file:///Applications/Host.app/Contents/Resources/app/renderer/index.html", true},
		{"devtools://devtools/bundled/inspector.html", true},
		{"chrome-extension://abcdef/popup.html", true},
		{"https://example.com/chrome-extension://not-a-prefix", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rule.Excludes(tt.url), tt.url)
	}
}

func TestExclusionRuleWithoutRenderer(t *testing.T) {
	var rule ExclusionRule
	assert.False(t, rule.Excludes("http://localhost:5173/"))
	assert.True(t, rule.Excludes("devtools://devtools/inspector.html"))
}
