package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestFSStore(t *testing.T) {
	root := t.TempDir()
	f := NewFS(root, nil)
	testStore(t, f, "ws")
	testPlanStore(t, f, "plan-1")

	_, err := os.Stat(filepath.Join(root, "ws", DirDecisions, "dec-1.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "ws", DirNotes, "note-1.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, stateDir, "evaluations", "plan-1.json"))
	assert.NoError(t, err)
}

func TestScanFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DirPatterns, "retry.md")
	writeFile(t, path, `---
domain: platform
summary: Retry with jitter
tags: [resilience, http]
created_at: 2026-04-01T00:00:00Z
---
Use exponential backoff capped at 30s.
`)

	it, err := ScanFile(path)
	require.NoError(t, err)
	assert.Equal(t, "retry", it.ID, "id falls back to the file name")
	assert.Equal(t, knowledge.ItemPattern, it.Type, "type comes from the directory")
	assert.Equal(t, "platform", it.Domain)
	assert.Equal(t, []string{"resilience", "http"}, it.Tags)
	assert.Equal(t, "Use exponential backoff capped at 30s.", it.Implementation)
	assert.Equal(t, 2026, it.CreatedAt.Year())
}

func TestScanFileErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no front matter", "just prose\n", "missing front matter"},
		{"unterminated", "---\nsummary: x\n", "missing front matter"},
		{"bad yaml", "---\ntags: [a\n---\n", "parse front matter"},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".md")
		writeFile(t, path, tt.content)
		_, err := ScanFile(path)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: ScanFile error = %v, want containing %q", tt.name, err, tt.want)
		}
	}
}

func TestFSLoadSkipsIgnoredAndBrokenFiles(t *testing.T) {
	root := t.TempDir()
	ws := filepath.Join(root, "ws")
	writeFile(t, filepath.Join(ws, DirDecisions, "keep.md"), "---\ndomain: a\nsummary: kept\n---\n")
	writeFile(t, filepath.Join(ws, DirDecisions, "draft.md"), "---\ndomain: a\nsummary: draft\n---\n")
	writeFile(t, filepath.Join(ws, "archive", "old.md"), "---\ndomain: a\nsummary: old\n---\n")
	writeFile(t, filepath.Join(ws, DirNotes, "broken.md"), "no front matter here")
	writeFile(t, filepath.Join(ws, DirNotes, "readme.txt"), "not markdown")
	writeFile(t, filepath.Join(ws, IgnoreFile), "# comments are skipped\n\narchive/\ndraft.md\n")
	writeFile(t, filepath.Join(ws, LinksFile), "links:\n  - source: keep\n    target: other\n    kind: cites\n")

	c, err := NewFS(root, nil).Load(context.Background(), "ws")
	require.NoError(t, err)
	require.Len(t, c.Decisions, 1)
	assert.Equal(t, "keep", c.Decisions[0].ID)
	assert.Empty(t, c.Custom)
	require.Len(t, c.Links, 1)
	assert.Equal(t, 1.0, c.Links[0].Strength, "explicit links default to full strength")
}

func TestParseIgnore(t *testing.T) {
	dir := t.TempDir()
	assert.Nil(t, ParseIgnore(dir))

	writeFile(t, filepath.Join(dir, IgnoreFile), "# header\n\n  drafts/  \n*.tmp.md\n")
	assert.Equal(t, []string{"drafts/", "*.tmp.md"}, ParseIgnore(dir))
}

func TestIsIgnored(t *testing.T) {
	tests := []struct {
		path     string
		patterns []string
		want     bool
	}{
		{"drafts/a.md", []string{"drafts/"}, true},
		{"decisions/a.tmp.md", []string{"*.tmp.md"}, true},
		{"decisions/a.md", []string{"decisions/a.md"}, true},
		{"decisions/a.md", []string{"patterns/"}, false},
		{"decisions/a.md", nil, false},
	}
	for _, tt := range tests {
		if got := isIgnored(tt.path, tt.patterns); got != tt.want {
			t.Errorf("isIgnored(%q, %v) = %v, want %v", tt.path, tt.patterns, got, tt.want)
		}
	}
}

func TestFSRejectsUnsafeIDs(t *testing.T) {
	f := NewFS(t.TempDir(), nil)
	ctx := context.Background()

	_, err := f.Load(ctx, "../escape")
	var se *knowledge.StructuralError
	assert.True(t, errors.As(err, &se), "got %v", err)

	res, err := f.Store(ctx, "ws", []knowledge.Item{{ID: "a/b", Type: knowledge.ItemNote, Domain: "x", Summary: "s"}})
	require.NoError(t, err)
	assert.Empty(t, res.Stored)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Reason, "file name")
}

func TestFSRejectsUnsafePlanIDs(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "ws-root")
	f := NewFS(root, nil)
	ctx := context.Background()

	for _, id := range []string{"../../x", "../x", ".hidden", "a/b", `a\b`, ""} {
		var se *knowledge.StructuralError
		_, err := f.LoadPlan(ctx, id)
		assert.True(t, errors.As(err, &se), "LoadPlan(%q): %v", id, err)

		err = f.SavePlan(ctx, &knowledge.Plan{ID: id})
		assert.True(t, errors.As(err, &se), "SavePlan(%q): %v", id, err)

		err = f.SaveEvaluation(ctx, &knowledge.ImpactEvaluation{PlanID: id})
		assert.True(t, errors.As(err, &se), "SaveEvaluation(%q): %v", id, err)

		err = f.UpdatePlanStatus(ctx, id, knowledge.PlanCompleted)
		assert.True(t, errors.As(err, &se), "UpdatePlanStatus(%q): %v", id, err)
	}

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "ws-root", e.Name(), "file written outside the workspace root")
	}
	_, err = os.Stat(filepath.Join(root, stateDir, "x.json"))
	assert.True(t, os.IsNotExist(err), "plan escaped the plans directory")
}

func TestSplitFrontMatter(t *testing.T) {
	front, body, ok := splitFrontMatter([]byte("\ufeff---\nid: x\n---\nbody\n"))
	require.True(t, ok)
	assert.Equal(t, "id: x\n", string(front))
	assert.Equal(t, "body\n", string(body))
}
