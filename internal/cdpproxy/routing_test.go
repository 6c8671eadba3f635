package cdpproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSplitProjectPath(t *testing.T) {
	tests := []struct {
		path   string
		id     string
		rest   string
		scoped bool
	}{
		{"/project/proj-A/json/list", "proj-A", "/json/list", true},
		{"/project/3f2a-bc91/devtools/browser/cdpproxy", "3f2a-bc91", "/devtools/browser/cdpproxy", true},
		{"/project/proj-A", "proj-A", "", true},
		{"/project/proj-A/", "proj-A", "/", true},
		{"/project/my%20proj/json", "my proj", "/json", true},
		{"/project/a%2Fb/devtools/page/tgt-2", "a/b", "/devtools/page/tgt-2", true},
		{"/project/a%2541/json", "a%41", "/json", true},
		{"/project/bad%zz/json", "", "/project/bad%zz/json", false},
		{"/project//json", "", "/project//json", false},
		{"/project/", "", "/project/", false},
		{"/json/version", "", "/json/version", false},
		{"/projects/x/json", "", "/projects/x/json", false},
	}
	for _, tt := range tests {
		id, rest, ok := splitProjectPath(tt.path)
		assert.Equal(t, tt.scoped, ok, tt.path)
		assert.Equal(t, tt.id, id, tt.path)
		assert.Equal(t, tt.rest, rest, tt.path)
	}
}

func TestResolveRouteFallsBackToActiveProject(t *testing.T) {
	p := New(WithLogger(zap.NewNop()))

	rt := p.resolveRoute("/devtools/browser/cdpproxy")
	assert.False(t, rt.Scoped)
	assert.Empty(t, rt.ProjectID)
	assert.Empty(t, rt.prefix())

	p.SetActiveProject("proj-B")
	rt = p.resolveRoute("/devtools/browser/cdpproxy")
	assert.Equal(t, "proj-B", rt.ProjectID)
	assert.Equal(t, "/project/proj-B", rt.prefix())

	rt = p.resolveRoute("/project/proj-A/devtools/page/x")
	assert.True(t, rt.Scoped)
	assert.Equal(t, "proj-A", rt.ProjectID)
	assert.Equal(t, "/devtools/page/x", rt.Path)
}
