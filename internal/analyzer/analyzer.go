package analyzer

import (
	"fmt"
	"sort"
	"time"

	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/logging"
	"go.uber.org/zap"
)

// InferredKind is the relationship kind given to tag-overlap links.
const InferredKind = "shared_tags"

const unknownSource = "unknown"

// Usage bucket floors on access + reference count.
const (
	usageHighFloor   = 10
	usageMediumFloor = 3
	usageLowFloor    = 1
)

// Options configures the analyzer.
type Options struct {
	// Expected is the per-domain minimum item count.
	Expected map[string]int
	// DefaultMinimum applies to observed domains missing from Expected.
	DefaultMinimum int
	// MinSharedTags is how many tags two items must share before a link is
	// inferred between them. Zero disables inference.
	MinSharedTags int
	// Now stamps Snapshot.TakenAt. Defaults to time.Now.
	Now func() time.Time
}

// Analyzer turns a corpus into a knowledge-state snapshot. It never writes
// to the corpus.
type Analyzer struct {
	opts   Options
	logger *zap.Logger
}

// New creates a new Analyzer.
func New(opts Options, logger *zap.Logger) *Analyzer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Expected == nil {
		opts.Expected = map[string]int{}
	}
	return &Analyzer{opts: opts, logger: logging.OrNop(logger)}
}

// Analyze builds a snapshot of the corpus. A malformed corpus fails with a
// StructuralError; no partial snapshot is returned.
func (a *Analyzer) Analyze(corpus *knowledge.Corpus) (knowledge.Snapshot, error) {
	if err := corpus.Validate(); err != nil {
		return knowledge.Snapshot{}, err
	}

	ref := corpus.ReferenceTime()
	inv, err := buildInventory(corpus.Items(), ref)
	if err != nil {
		return knowledge.Snapshot{}, err
	}
	rels := buildRelationships(inv, corpus.Links, a.opts.MinSharedTags)
	usage := buildUsage(inv, rels)
	coverage := a.assessCoverage(inv)

	snap := knowledge.Snapshot{
		WorkspaceID:   corpus.WorkspaceID,
		TakenAt:       a.opts.Now(),
		ReferenceTime: ref,
		Inventory:     inv,
		Relationships: rels,
		Usage:         usage,
		Coverage:      coverage,
	}

	a.logger.Debug("corpus analyzed",
		zap.String("workspace_id", corpus.WorkspaceID),
		zap.Int("items", inv.Total()),
		zap.Int("direct_links", rels.DirectCount()),
		zap.Int("inferred_links", rels.InferredCount()),
		zap.Int("dangling_links", len(rels.Dangling)),
		zap.Strings("under_covered", coverage.UnderCovered),
	)
	return snap, nil
}

func buildInventory(items []knowledge.Item, ref time.Time) (knowledge.Inventory, error) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	inv := knowledge.Inventory{
		Items:    make([]knowledge.AssessedItem, 0, len(items)),
		ByDomain: make(map[string][]int),
		BySource: make(map[string][]int),
		ByTier:   make(map[knowledge.QualityTier][]int),
	}
	for i, it := range items {
		if it.ID == "" {
			return knowledge.Inventory{}, knowledge.NewStructuralError("analyzer", fmt.Sprintf("item at position %d has no id", i))
		}
		if i > 0 && items[i-1].ID == it.ID {
			return knowledge.Inventory{}, knowledge.NewStructuralError("analyzer", fmt.Sprintf("duplicate item id %s", it.ID))
		}
		it.Domain = it.DomainOrDefault()
		it.Tags = normalizeTags(it.Tags)

		score := QualityScore(it, ref)
		tier := TierForScore(score)
		inv.Items = append(inv.Items, knowledge.AssessedItem{Item: it, Score: score, Tier: tier})

		source := it.Source
		if source == "" {
			source = unknownSource
		}
		inv.ByDomain[it.Domain] = append(inv.ByDomain[it.Domain], i)
		inv.BySource[source] = append(inv.BySource[source], i)
		inv.ByTier[tier] = append(inv.ByTier[tier], i)
	}
	return inv, nil
}

// buildRelationships ingests explicit links first at full strength, then
// infers symmetric links between items sharing enough tags.
func buildRelationships(inv knowledge.Inventory, links []knowledge.Relationship, minShared int) knowledge.RelationshipMap {
	n := inv.Total()
	m := knowledge.RelationshipMap{
		Index:    make(map[string]int, n),
		Direct:   make([][]knowledge.Edge, n),
		Inferred: make([][]knowledge.Edge, n),
		Degree:   make([]int, n),
		InDirect: make([]int, n),
	}
	for i, ai := range inv.Items {
		m.Index[ai.Item.ID] = i
	}

	for _, l := range links {
		src, okS := m.Index[l.Source]
		dst, okT := m.Index[l.Target]
		if !okS || !okT {
			l.Strength = 1.0
			m.Dangling = append(m.Dangling, l)
			continue
		}
		m.Direct[src] = append(m.Direct[src], knowledge.Edge{Target: dst, Kind: l.Kind, Strength: 1.0})
		m.InDirect[dst]++
	}

	if minShared > 0 {
		inferByTags(inv, &m, minShared)
	}

	for i := 0; i < n; i++ {
		m.Degree[i] = len(m.Direct[i]) + m.InDirect[i] + len(m.Inferred[i])
	}
	return m
}

func inferByTags(inv knowledge.Inventory, m *knowledge.RelationshipMap, minShared int) {
	byTag := make(map[string][]int)
	for i, ai := range inv.Items {
		for _, t := range ai.Item.Tags {
			byTag[t] = append(byTag[t], i)
		}
	}

	shared := make(map[[2]int]int)
	for _, members := range byTag {
		for x := 0; x < len(members); x++ {
			for y := x + 1; y < len(members); y++ {
				shared[[2]int{members[x], members[y]}]++
			}
		}
	}

	pairs := make([][2]int, 0, len(shared))
	for p, count := range shared {
		if count >= minShared {
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})

	for _, p := range pairs {
		i, j := p[0], p[1]
		union := len(inv.Items[i].Item.Tags) + len(inv.Items[j].Item.Tags) - shared[p]
		strength := 0.5 * float64(shared[p]) / float64(union)
		m.Inferred[i] = append(m.Inferred[i], knowledge.Edge{Target: j, Kind: InferredKind, Strength: strength})
		m.Inferred[j] = append(m.Inferred[j], knowledge.Edge{Target: i, Kind: InferredKind, Strength: strength})
	}
}

func buildUsage(inv knowledge.Inventory, rels knowledge.RelationshipMap) knowledge.UsageSignal {
	u := knowledge.UsageSignal{
		Buckets:      map[knowledge.UsageBucket]int{knowledge.UsageHigh: 0, knowledge.UsageMedium: 0, knowledge.UsageLow: 0, knowledge.UsageUnused: 0},
		ByItem:       make([]knowledge.UsageBucket, inv.Total()),
		DomainAccess: make(map[string]int),
	}
	for i, ai := range inv.Items {
		refs := ai.Item.ReferenceCount
		if rels.InDirect[i] > refs {
			refs = rels.InDirect[i]
		}
		count := ai.Item.AccessCount + refs
		b := bucketFor(count)
		u.ByItem[i] = b
		u.Buckets[b]++
		u.DomainAccess[ai.Item.Domain] += count
	}
	return u
}

func bucketFor(count int) knowledge.UsageBucket {
	switch {
	case count >= usageHighFloor:
		return knowledge.UsageHigh
	case count >= usageMediumFloor:
		return knowledge.UsageMedium
	case count >= usageLowFloor:
		return knowledge.UsageLow
	default:
		return knowledge.UsageUnused
	}
}

// assessCoverage compares per-domain counts with expectations. Configured
// domains with no items show up with ratio 0. The uncategorized bucket is
// only assessed when configured explicitly.
func (a *Analyzer) assessCoverage(inv knowledge.Inventory) knowledge.CoverageAssessment {
	counts := inv.DomainCounts()
	domains := make(map[string]bool, len(counts)+len(a.opts.Expected))
	for d := range counts {
		if d != knowledge.UncategorizedDomain {
			domains[d] = true
		}
	}
	for d := range a.opts.Expected {
		domains[d] = true
	}

	ca := knowledge.CoverageAssessment{Domains: make(map[string]knowledge.DomainCoverage, len(domains))}
	for d := range domains {
		expected, ok := a.opts.Expected[d]
		if !ok {
			expected = a.opts.DefaultMinimum
		}
		dc := knowledge.DomainCoverage{Domain: d, Count: counts[d], Expected: expected, Ratio: CoverageRatio(counts[d], expected)}
		ca.Domains[d] = dc
		if dc.Ratio < 1 {
			ca.UnderCovered = append(ca.UnderCovered, d)
		}
	}
	sort.Strings(ca.UnderCovered)
	return ca
}

// CoverageRatio is count/expected capped at 1. An expectation of zero is
// always fully covered.
func CoverageRatio(count, expected int) float64 {
	if expected <= 0 {
		return 1
	}
	r := float64(count) / float64(expected)
	if r > 1 {
		return 1
	}
	return r
}
