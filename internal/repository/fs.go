package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/logging"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Filesystem layout, relative to the corpus root:
//
//	<workspace>/decisions/*.md
//	<workspace>/patterns/*.md
//	<workspace>/notes/*.md     (notes and custom items)
//	<workspace>/links.yaml
//	.kgap/plans/<id>.json
//	.kgap/evaluations/<plan id>.json
const (
	DirDecisions = "decisions"
	DirPatterns  = "patterns"
	DirNotes     = "notes"
	LinksFile    = "links.yaml"
	IgnoreFile   = ".kgapignore"
	stateDir     = ".kgap"
)

const frontMatterDelim = "---"

// FS stores each item as a markdown file with YAML front matter. The body
// of the file is the item's implementation text.
type FS struct {
	root   string
	logger *zap.Logger

	mu sync.Mutex // serializes writers
}

// NewFS creates an FS rooted at root.
func NewFS(root string, logger *zap.Logger) *FS {
	return &FS{root: root, logger: logging.OrNop(logger)}
}

type linksDoc struct {
	Links []knowledge.Relationship `yaml:"links"`
}

// Load scans the workspace directory. Files that cannot be parsed are
// skipped with a warning. A workspace with no directory is empty.
func (f *FS) Load(ctx context.Context, workspaceID string) (*Corpus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := newCorpus(workspaceID)
	dir, err := f.workspaceDir(workspaceID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return c, nil
	}

	items, warnings, err := ScanDirectory(dir, ParseIgnore(dir))
	if err != nil {
		return nil, fmt.Errorf("scan workspace %s: %w", workspaceID, err)
	}
	for _, w := range warnings {
		f.logger.Warn("skipped corpus file", zap.String("workspace_id", workspaceID), zap.String("reason", w))
	}
	for _, it := range items {
		place(c, it)
	}
	sortItems(c.Decisions)
	sortItems(c.Patterns)
	sortItems(c.Custom)

	links, err := readLinks(filepath.Join(dir, LinksFile))
	if err != nil {
		return nil, fmt.Errorf("read links for workspace %s: %w", workspaceID, err)
	}
	c.Links = append(c.Links, links...)
	sortLinks(c.Links)
	return c, nil
}

// Store writes one file per item. Existing files are never overwritten.
func (f *FS) Store(ctx context.Context, workspaceID string, items []knowledge.Item) (WriteResult, error) {
	var result WriteResult
	if err := ctx.Err(); err != nil {
		return result, err
	}
	dir, err := f.workspaceDir(workspaceID)
	if err != nil {
		return result, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	existing := make(map[string]bool)
	if _, statErr := os.Stat(dir); statErr == nil {
		known, _, err := ScanDirectory(dir, nil)
		if err != nil {
			return result, fmt.Errorf("scan workspace %s: %w", workspaceID, err)
		}
		for _, it := range known {
			existing[it.ID] = true
		}
	}

	for _, it := range validateBatch(items, &result) {
		if existing[it.ID] {
			result.fail(it.ID, alreadyExists(it.ID))
			continue
		}
		if !validFileName(it.ID) {
			result.fail(it.ID, "id cannot be used as a file name")
			continue
		}
		path := filepath.Join(dir, typeDir(it.Type), it.ID+".md")
		if err := writeItem(path, it); err != nil {
			if errors.Is(err, os.ErrExist) {
				result.fail(it.ID, alreadyExists(it.ID))
				continue
			}
			return result, fmt.Errorf("write item %s: %w", it.ID, err)
		}
		result.Stored = append(result.Stored, it.ID)
	}
	return result, nil
}

// StoreLinks merges links into the workspace's links.yaml.
func (f *FS) StoreLinks(ctx context.Context, workspaceID string, links []knowledge.Relationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := f.workspaceDir(workspaceID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(dir, LinksFile)
	existing, err := readLinks(path)
	if err != nil {
		return fmt.Errorf("read links for workspace %s: %w", workspaceID, err)
	}
	data, err := yaml.Marshal(linksDoc{Links: mergeLinks(existing, links)})
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", LinksFile, err)
	}
	return nil
}

// SavePlan writes the plan as JSON, replacing any earlier version.
func (f *FS) SavePlan(_ context.Context, plan *knowledge.Plan) error {
	path, err := f.statePath("plans", plan.ID)
	if err != nil {
		return err
	}
	return writeJSON(path, plan)
}

// LoadPlan reads a saved plan.
func (f *FS) LoadPlan(_ context.Context, id string) (*knowledge.Plan, error) {
	path, err := f.statePath("plans", id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", id, err)
	}
	var p knowledge.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", id, err)
	}
	return &p, nil
}

// UpdatePlanStatus rewrites a saved plan with a new status.
func (f *FS) UpdatePlanStatus(ctx context.Context, id string, status knowledge.PlanStatus) error {
	p, err := f.LoadPlan(ctx, id)
	if err != nil {
		return err
	}
	p.Status = status
	return f.SavePlan(ctx, p)
}

// SaveEvaluation writes the evaluation of a plan as JSON.
func (f *FS) SaveEvaluation(_ context.Context, ev *knowledge.ImpactEvaluation) error {
	path, err := f.statePath("evaluations", ev.PlanID)
	if err != nil {
		return err
	}
	return writeJSON(path, ev)
}

// statePath is the JSON file for id under the state directory kind.
func (f *FS) statePath(kind, id string) (string, error) {
	if id == "" || !validFileName(id) {
		return "", knowledge.NewStructuralError("repository", fmt.Sprintf("invalid plan id %q", id))
	}
	return filepath.Join(f.root, stateDir, kind, id+".json"), nil
}

func (f *FS) workspaceDir(workspaceID string) (string, error) {
	if workspaceID == "" || !validFileName(workspaceID) {
		return "", knowledge.NewStructuralError("repository", fmt.Sprintf("invalid workspace id %q", workspaceID))
	}
	return filepath.Join(f.root, workspaceID), nil
}

// ScanFile parses one item file. The directory it sits in supplies the item
// type when the front matter does not declare one.
func ScanFile(path string) (knowledge.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return knowledge.Item{}, err
	}
	front, body, ok := splitFrontMatter(data)
	if !ok {
		return knowledge.Item{}, errors.New("missing front matter")
	}
	var it knowledge.Item
	if err := yaml.Unmarshal(front, &it); err != nil {
		return knowledge.Item{}, fmt.Errorf("parse front matter: %w", err)
	}
	if it.ID == "" {
		it.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if it.Type == "" {
		it.Type = dirType(filepath.Base(filepath.Dir(path)))
	}
	if it.Implementation == "" {
		it.Implementation = strings.TrimSpace(string(body))
	}
	return it, nil
}

// ScanDirectory parses every item file under dir. Unparseable files are
// reported as warnings, not errors.
func ScanDirectory(dir string, ignorePatterns []string) ([]knowledge.Item, []string, error) {
	var items []knowledge.Item
	var warnings []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			base := filepath.Base(path)
			if base == ".git" || base == stateDir || base == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".md" {
			return nil
		}

		relPath, _ := filepath.Rel(dir, path)
		if isIgnored(filepath.ToSlash(relPath), ignorePatterns) {
			return nil
		}

		it, err := ScanFile(path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", relPath, err))
			return nil
		}
		items = append(items, it)
		return nil
	})

	return items, warnings, err
}

// ParseIgnore reads ignore patterns from the .kgapignore file in dir.
func ParseIgnore(dir string) []string {
	data, err := os.ReadFile(filepath.Join(dir, IgnoreFile))
	if err != nil {
		return nil
	}

	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

func isIgnored(relPath string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, err := filepath.Match(pattern, relPath); err == nil && matched {
			return true
		}
		if matched, err := filepath.Match(pattern, filepath.Base(relPath)); err == nil && matched {
			return true
		}
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(relPath, pattern) {
			return true
		}
	}
	return false
}

func splitFrontMatter(data []byte) (front, body []byte, ok bool) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	lines := bytes.SplitAfter(data, []byte("\n"))
	if len(lines) == 0 || strings.TrimSpace(string(lines[0])) != frontMatterDelim {
		return nil, nil, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(string(lines[i])) == frontMatterDelim {
			return bytes.Join(lines[1:i], nil), bytes.Join(lines[i+1:], nil), true
		}
	}
	return nil, nil, false
}

func writeItem(path string, it knowledge.Item) error {
	body := it.Implementation
	it.Implementation = ""
	front, err := yaml.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim + "\n")
	buf.Write(front)
	buf.WriteString(frontMatterDelim + "\n")
	if body != "" {
		buf.WriteString(body)
		buf.WriteString("\n")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func readLinks(path string) ([]knowledge.Relationship, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc linksDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range doc.Links {
		if doc.Links[i].Strength == 0 {
			doc.Links[i].Strength = 1.0
		}
	}
	return doc.Links, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

func typeDir(t knowledge.ItemType) string {
	switch t {
	case knowledge.ItemDecision:
		return DirDecisions
	case knowledge.ItemPattern:
		return DirPatterns
	}
	return DirNotes
}

func dirType(dir string) knowledge.ItemType {
	switch dir {
	case DirDecisions:
		return knowledge.ItemDecision
	case DirPatterns:
		return knowledge.ItemPattern
	case DirNotes:
		return knowledge.ItemNote
	}
	return knowledge.ItemCustom
}

func validFileName(s string) bool {
	return s != "." && s != ".." && !strings.ContainsAny(s, `/\`) && !strings.HasPrefix(s, ".")
}
