// Package repository reads and writes the knowledge corpus and persists
// plans and evaluations. Backends: in-memory, filesystem, PostgreSQL and
// SQLite.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/validator"
)

// Corpus is the read-only view a Reader returns.
type Corpus = knowledge.Corpus

// ErrNotFound is returned when a plan or evaluation does not exist.
var ErrNotFound = errors.New("not found")

// Reader loads the corpus of one workspace.
type Reader interface {
	Load(ctx context.Context, workspaceID string) (*Corpus, error)
}

// Writer appends new items to a workspace. Items are immutable: storing an
// id that already exists is reported per item, never an overwrite. The
// returned error is reserved for backend failures that make the whole batch
// unwritable.
type Writer interface {
	Store(ctx context.Context, workspaceID string, items []knowledge.Item) (WriteResult, error)
}

// Store is a corpus backend that can both read and write.
type Store interface {
	Reader
	Writer
}

// LinkWriter adds explicit relationships. Links already present are left
// as they are.
type LinkWriter interface {
	StoreLinks(ctx context.Context, workspaceID string, links []knowledge.Relationship) error
}

// PlanStore persists plans and their evaluations.
type PlanStore interface {
	SavePlan(ctx context.Context, plan *knowledge.Plan) error
	LoadPlan(ctx context.Context, id string) (*knowledge.Plan, error)
	UpdatePlanStatus(ctx context.Context, id string, status knowledge.PlanStatus) error
	SaveEvaluation(ctx context.Context, ev *knowledge.ImpactEvaluation) error
}

// ItemError explains why one item of a batch was not stored.
type ItemError struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// WriteResult partitions a batch into stored ids and per-item errors.
type WriteResult struct {
	Stored []string    `json:"stored"`
	Errors []ItemError `json:"errors,omitempty"`
}

func (r *WriteResult) fail(id, reason string) {
	r.Errors = append(r.Errors, ItemError{ItemID: id, Reason: reason})
}

// validateBatch runs every item through the validator and drops in-batch
// duplicates. It returns the items that may be written.
func validateBatch(items []knowledge.Item, result *WriteResult) []knowledge.Item {
	v := validator.New()
	seen := make(map[string]bool, len(items))
	valid := make([]knowledge.Item, 0, len(items))
	for _, it := range items {
		res := v.ValidateItem(it)
		if !res.Passed {
			result.fail(it.ID, res.Message)
			continue
		}
		if seen[it.ID] {
			result.fail(it.ID, "duplicate id in batch")
			continue
		}
		seen[it.ID] = true
		valid = append(valid, it)
	}
	return valid
}

func alreadyExists(id string) string {
	return fmt.Sprintf("item %s already exists", id)
}

// newCorpus returns an empty corpus with every required collection set.
func newCorpus(workspaceID string) *Corpus {
	return &Corpus{
		WorkspaceID: workspaceID,
		Decisions:   []knowledge.Item{},
		Patterns:    []knowledge.Item{},
		Links:       []knowledge.Relationship{},
	}
}

// place appends it to the collection matching its type.
func place(c *Corpus, it knowledge.Item) {
	switch it.Type {
	case knowledge.ItemDecision:
		c.Decisions = append(c.Decisions, it)
	case knowledge.ItemPattern:
		c.Patterns = append(c.Patterns, it)
	default:
		c.Custom = append(c.Custom, it)
	}
}

func sortItems(items []knowledge.Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}

func sortLinks(links []knowledge.Relationship) {
	sort.Slice(links, func(i, j int) bool {
		a, b := links[i], links[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Kind < b.Kind
	})
}

// mergeLinks appends the links of add that existing does not already hold.
func mergeLinks(existing, add []knowledge.Relationship) []knowledge.Relationship {
	type key struct{ source, target, kind string }
	seen := make(map[key]bool, len(existing))
	for _, l := range existing {
		seen[key{l.Source, l.Target, l.Kind}] = true
	}
	for _, l := range add {
		k := key{l.Source, l.Target, l.Kind}
		if seen[k] {
			continue
		}
		seen[k] = true
		if l.Strength == 0 {
			l.Strength = 1.0
		}
		existing = append(existing, l)
	}
	return existing
}

func copyItem(it knowledge.Item) knowledge.Item {
	if it.Tags != nil {
		it.Tags = append([]string(nil), it.Tags...)
	}
	if it.Confidence != nil {
		c := *it.Confidence
		it.Confidence = &c
	}
	return it
}
